// Package dns provides resolutions over domain names.
package dns

import (
	"context"
	"net"
	"strings"

	"github.com/kingrea/sleuth/internal/module"
	"github.com/kingrea/sleuth/internal/modules/core"
	"github.com/kingrea/sleuth/resolution"
)

const (
	moduleName    = "dns"
	moduleVersion = "1.0.0"
)

// IPResolver looks up addresses for a host. *net.Resolver implements it.
type IPResolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

var parentsDescriptor = resolution.Descriptor{
	Name:        "domain-parents",
	Description: "Adds every parent domain of a name, each linked to the next.",
	Category:    "DNS",
	OriginTypes: []string{core.Domain},
	ResultTypes: []string{core.Domain},
	Parameters: []resolution.Parameter{{
		Name:        "Minimum Labels",
		Description: "Stop before parents with fewer labels than this.",
		Kind:        resolution.KindInteger,
		Default:     resolution.Values{"2"},
		Range:       &resolution.Range{Min: ptr(1), Max: ptr(10), Overflow: resolution.OverflowClamp},
	}},
}

var lookupDescriptor = resolution.Descriptor{
	Name:        "domain-to-ip",
	Description: "Resolves the addresses of a domain.",
	Category:    "DNS",
	OriginTypes: []string{core.Domain},
	ResultTypes: []string{core.IPAddress},
	Parameters: []resolution.Parameter{{
		Name:    "Address Family",
		Type:    resolution.ParamSingleChoice,
		Choices: []string{"any", "ipv4", "ipv6"},
		Default: resolution.Values{"any"},
	}},
}

// Register adds the dns units. A nil resolver uses net.DefaultResolver.
func Register(reg *module.Registry, resolver IPResolver) error {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return reg.RegisterModule(module.Info{
		Name:        moduleName,
		DisplayName: "DNS",
		Author:      "sleuth",
		Version:     moduleVersion,
		Builtin:     true,
	}, []module.Registration{
		{Descriptor: parentsDescriptor, Factory: func() (resolution.Unit, error) { return Parents(), nil }},
		{Descriptor: lookupDescriptor, Factory: func() (resolution.Unit, error) { return Lookup(resolver), nil }},
	})
}

// Parents returns the domain-parents unit. For a.b.example.com it yields
// b.example.com linked to example.com, which is linked to the origin.
func Parents() resolution.Unit {
	return resolution.UnitFunc{Desc: parentsDescriptor, Fn: resolveParents}
}

func resolveParents(_ context.Context, entities []resolution.Entity, args resolution.Arguments) (resolution.Outcome, error) {
	minLabels, err := args.Int("Minimum Labels")
	if err != nil {
		return nil, err
	}
	var out resolution.Result
	for _, e := range entities {
		name, _ := e.Get(core.DomainName)
		labels := strings.Split(strings.Trim(strings.ToLower(strings.TrimSpace(name)), "."), ".")
		var parents []string
		for i := 1; len(labels)-i >= int(minLabels); i++ {
			parents = append(parents, strings.Join(labels[i:], "."))
		}
		for i, parent := range parents {
			link := resolution.LinkTo(resolution.Deferred(), "subdomain of")
			if i == len(parents)-1 {
				link = resolution.LinkTo(resolution.ByUID(e.UID), "parent domain")
			}
			out.Add(resolution.NewEntity(core.Domain, resolution.Attr(core.DomainName, parent)), link)
		}
	}
	return out, nil
}

// Lookup returns the domain-to-ip unit.
func Lookup(resolver IPResolver) resolution.Unit {
	return resolution.UnitFunc{
		Desc: lookupDescriptor,
		Fn: func(ctx context.Context, entities []resolution.Entity, args resolution.Arguments) (resolution.Outcome, error) {
			family := args.String("Address Family")
			var out resolution.Result
			var failed []string
			for _, e := range entities {
				name, _ := e.Get(core.DomainName)
				addrs, err := resolver.LookupIPAddr(ctx, name)
				if err != nil {
					if ctx.Err() != nil {
						return nil, ctx.Err()
					}
					failed = append(failed, name)
					continue
				}
				for _, addr := range addrs {
					version := "6"
					if addr.IP.To4() != nil {
						version = "4"
					}
					if (family == "ipv4" && version != "4") || (family == "ipv6" && version != "6") {
						continue
					}
					out.Add(resolution.NewEntity(core.IPAddress,
						resolution.Attr(core.Address, addr.IP.String()),
						resolution.Attr("Version", version),
					), resolution.LinkTo(resolution.ByUID(e.UID), "resolves to"))
				}
			}
			if len(out) == 0 && len(failed) > 0 {
				return resolution.Fail("no addresses found for %s", strings.Join(failed, ", ")), nil
			}
			return out, nil
		},
	}
}

func ptr(v float64) *float64 { return &v }
