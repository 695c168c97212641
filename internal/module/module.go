package module

import (
	"fmt"
	"strings"
)

// Info describes an installed module package.
type Info struct {
	// Name is the directory the module is installed under; it is the
	// module's identity.
	Name        string
	DisplayName string
	Author      string
	Version     string
	Notes       string
	// Dir is empty for modules compiled into the host.
	Dir     string
	Builtin bool
}

// Validate ensures the info block is well-formed.
func (i Info) Validate() error {
	if strings.TrimSpace(i.Name) == "" {
		return fmt.Errorf("module: name is required")
	}
	if strings.ContainsAny(i.Name, `/\`) || i.Name == "." || i.Name == ".." {
		return fmt.Errorf("module: name %q must be a single path element", i.Name)
	}
	if strings.TrimSpace(i.Version) == "" {
		return fmt.Errorf("module: version is required for %s", i.Name)
	}
	return nil
}

// Label returns the name shown to users.
func (i Info) Label() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.Name
}
