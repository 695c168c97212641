// Package modules wires the built-in resolution modules.
package modules

import (
	"github.com/kingrea/sleuth/internal/module"
	"github.com/kingrea/sleuth/internal/modules/core"
	"github.com/kingrea/sleuth/internal/modules/dns"
	"github.com/kingrea/sleuth/internal/modules/web"
	"github.com/kingrea/sleuth/internal/schema"
)

// Option customizes built-in registration.
type Option func(*options)

type options struct {
	resolver dns.IPResolver
}

// WithIPResolver replaces the resolver used by domain-to-ip.
func WithIPResolver(r dns.IPResolver) Option {
	return func(o *options) { o.resolver = r }
}

// RegisterBuiltins installs the built-in entity types and units into the
// provided registries.
func RegisterBuiltins(reg *module.Registry, types *schema.Registry, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := core.Register(reg, types); err != nil {
		return err
	}
	if err := dns.Register(reg, o.resolver); err != nil {
		return err
	}
	return web.Register(reg)
}
