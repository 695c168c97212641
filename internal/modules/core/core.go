// Package core declares the entity types every project starts with.
package core

import (
	"github.com/kingrea/sleuth/internal/module"
	"github.com/kingrea/sleuth/internal/schema"
)

// ModuleName owns the built-in entity types.
const ModuleName = "core"

// Entity type names shared by the built-in units.
const (
	Domain    = "Domain"
	Website   = "Website"
	IPAddress = "IP Address"
	Email     = "Email Address"
)

// Primary fields of the built-in types.
const (
	DomainName = "Domain Name"
	URL        = "URL"
	Address    = "Address"
	EmailField = "Email"
)

// Types returns the built-in entity types.
func Types() []schema.EntityType {
	return []schema.EntityType{
		{Name: Domain, Description: "A DNS name.", Icon: "globe",
			Fields: []schema.FieldDef{{Name: DomainName}, {Name: "Registrar"}}},
		{Name: Website, Description: "An HTTP(S) endpoint.", Icon: "browser",
			Fields: []schema.FieldDef{{Name: URL}, {Name: "Title"}}},
		{Name: IPAddress, Description: "An IPv4 or IPv6 address.", Icon: "network",
			Fields: []schema.FieldDef{{Name: Address}, {Name: "Version"}}},
		{Name: Email, Description: "A mailbox.", Icon: "mail",
			Fields: []schema.FieldDef{{Name: EmailField}}},
	}
}

// Register adds the core types. The module carries no units.
func Register(reg *module.Registry, types *schema.Registry) error {
	if err := types.RegisterModule(ModuleName, Types()); err != nil {
		return err
	}
	return reg.RegisterModule(module.Info{
		Name:        ModuleName,
		DisplayName: "Core entity types",
		Author:      "sleuth",
		Version:     "1.0.0",
		Builtin:     true,
	}, nil)
}
