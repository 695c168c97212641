// Package web provides resolutions over websites and mailboxes.
package web

import (
	"context"
	"net/mail"
	"net/url"
	"strings"

	"github.com/kingrea/sleuth/internal/module"
	"github.com/kingrea/sleuth/internal/modules/core"
	"github.com/kingrea/sleuth/resolution"
)

const (
	moduleName    = "web"
	moduleVersion = "1.0.0"
)

var websiteDescriptor = resolution.Descriptor{
	Name:        "website-to-domain",
	Description: "Extracts the host of a website as a domain.",
	Category:    "Web",
	OriginTypes: []string{core.Website},
	ResultTypes: []string{core.Domain},
}

var emailDescriptor = resolution.Descriptor{
	Name:        "email-to-domain",
	Description: "Adds the mail domain of an address and, optionally, its website.",
	Category:    "Web",
	OriginTypes: []string{core.Email},
	ResultTypes: []string{core.Domain, core.Website},
	Parameters: []resolution.Parameter{{
		Name:    "Include Website",
		Type:    resolution.ParamSingleChoice,
		Choices: []string{"yes", "no"},
		Default: resolution.Values{"yes"},
	}},
}

// Register adds the web units.
func Register(reg *module.Registry) error {
	return reg.RegisterModule(module.Info{
		Name:        moduleName,
		DisplayName: "Web",
		Author:      "sleuth",
		Version:     moduleVersion,
		Builtin:     true,
	}, []module.Registration{
		{Descriptor: websiteDescriptor, Factory: func() (resolution.Unit, error) { return WebsiteToDomain(), nil }},
		{Descriptor: emailDescriptor, Factory: func() (resolution.Unit, error) { return EmailToDomain(), nil }},
	})
}

// WebsiteToDomain returns the website-to-domain unit.
func WebsiteToDomain() resolution.Unit {
	return resolution.UnitFunc{
		Desc: websiteDescriptor,
		Fn: func(_ context.Context, entities []resolution.Entity, _ resolution.Arguments) (resolution.Outcome, error) {
			var out resolution.Result
			var bad []string
			for _, e := range entities {
				raw, _ := e.Get(core.URL)
				host := hostOf(raw)
				if host == "" {
					bad = append(bad, raw)
					continue
				}
				out.Add(resolution.NewEntity(core.Domain, resolution.Attr(core.DomainName, host)),
					resolution.LinkTo(resolution.ByUID(e.UID), "hosted on"))
			}
			if len(out) == 0 && len(bad) > 0 {
				return resolution.Fail("no host in %s", strings.Join(bad, ", ")), nil
			}
			return out, nil
		},
	}
}

// EmailToDomain returns the email-to-domain unit. The website item points
// back at the domain item of the same result by index.
func EmailToDomain() resolution.Unit {
	return resolution.UnitFunc{
		Desc: emailDescriptor,
		Fn: func(_ context.Context, entities []resolution.Entity, args resolution.Arguments) (resolution.Outcome, error) {
			withSite := args.String("Include Website") != "no"
			var out resolution.Result
			for _, e := range entities {
				raw, _ := e.Get(core.EmailField)
				addr, err := mail.ParseAddress(raw)
				if err != nil {
					return resolution.Fail("%q is not an email address", raw), nil
				}
				at := strings.LastIndex(addr.Address, "@")
				domain := strings.ToLower(addr.Address[at+1:])
				idx := out.Add(resolution.NewEntity(core.Domain, resolution.Attr(core.DomainName, domain)),
					resolution.LinkTo(resolution.ByUID(e.UID), "mail domain"))
				if withSite {
					out.Add(resolution.NewEntity(core.Website, resolution.Attr(core.URL, "https://"+domain)),
						resolution.LinkTo(resolution.ByIndex(idx), "website"))
				}
			}
			return out, nil
		},
	}
}

func hostOf(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
}
