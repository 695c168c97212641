package isolation

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"golang.org/x/mod/module"
	"golang.org/x/mod/semver"
)

// Requirement is a package a module needs installed into the runtime.
type Requirement struct {
	Path    string
	Version string
}

func (r Requirement) String() string {
	return r.Path + "@" + r.Version
}

// ParseRequirement validates a single `path[@version]` entry. A missing
// version means "latest".
func ParseRequirement(line string) (Requirement, error) {
	line = strings.TrimSpace(line)
	path, version, found := strings.Cut(line, "@")
	path = strings.TrimSpace(path)
	version = strings.TrimSpace(version)
	if !found || version == "" {
		version = "latest"
	}
	if err := module.CheckImportPath(path); err != nil {
		return Requirement{}, fmt.Errorf("requirement %q: %w", line, err)
	}
	if version != "latest" && !semver.IsValid(version) {
		return Requirement{}, fmt.Errorf("requirement %q: version %q is not a semantic version", line, version)
	}
	return Requirement{Path: path, Version: version}, nil
}

// ParseRequirements reads a dependency list: one requirement per line,
// blank lines and # comments ignored.
func ParseRequirements(r io.Reader) ([]Requirement, error) {
	var reqs []Requirement
	seen := map[string]struct{}{}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if idx := strings.Index(line, "#"); idx >= 0 {
			line = line[:idx]
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		req, err := ParseRequirement(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if _, dup := seen[req.String()]; dup {
			continue
		}
		seen[req.String()] = struct{}{}
		reqs = append(reqs, req)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return reqs, nil
}
