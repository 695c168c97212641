package resolution

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Wildcard in OriginTypes accepts entities of any type.
const Wildcard = "*"

// ParamType tags how a parameter is collected from the user.
type ParamType string

const (
	ParamString       ParamType = "String"
	ParamSingleChoice ParamType = "SingleChoice"
	ParamMultiChoice  ParamType = "MultiChoice"
	ParamFile         ParamType = "File"
)

// ValueKind narrows a String parameter to a numeric value.
type ValueKind string

const (
	KindText    ValueKind = "text"
	KindInteger ValueKind = "integer"
	KindFloat   ValueKind = "float"
)

// Overflow decides what happens to numeric values outside a Range.
type Overflow string

const (
	OverflowClamp  Overflow = "clamp"
	OverflowReject Overflow = "reject"
)

// Range bounds numeric parameter values.
type Range struct {
	Min      *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max      *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	Overflow Overflow `json:"overflow,omitempty" yaml:"overflow,omitempty"`
}

// Values holds one or more parameter values. In YAML and JSON it accepts a
// scalar as well as a list.
type Values []string

func (v *Values) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*v = nil
			return nil
		}
		*v = Values{node.Value}
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*v = list
		return nil
	default:
		return fmt.Errorf("line %d: parameter value must be a scalar or a list", node.Line)
	}
}

func (v *Values) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*v = Values{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("parameter value must be a string or a list of strings")
	}
	*v = list
	return nil
}

// Parameter declares one input a unit accepts.
type Parameter struct {
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
	Type        ParamType `json:"type" yaml:"type"`
	Default     Values    `json:"default,omitempty" yaml:"default,omitempty"`
	Choices     []string  `json:"choices,omitempty" yaml:"choices,omitempty"`
	// Global parameters share one stored value across every unit declaring
	// a parameter with the same name.
	Global   bool      `json:"global,omitempty" yaml:"global,omitempty"`
	Optional bool      `json:"optional,omitempty" yaml:"optional,omitempty"`
	Kind     ValueKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	Range    *Range    `json:"range,omitempty" yaml:"range,omitempty"`
}

func (p Parameter) normalized() Parameter {
	clone := p
	clone.Name = strings.TrimSpace(p.Name)
	clone.Description = strings.TrimSpace(p.Description)
	clone.Type = ParamType(strings.TrimSpace(string(p.Type)))
	if clone.Type == "" {
		clone.Type = ParamString
	}
	clone.Kind = ValueKind(strings.ToLower(strings.TrimSpace(string(p.Kind))))
	if clone.Type == ParamString && clone.Kind == "" {
		clone.Kind = KindText
	}
	clone.Choices = trimAll(p.Choices)
	if p.Range != nil {
		r := *p.Range
		r.Overflow = Overflow(strings.ToLower(strings.TrimSpace(string(r.Overflow))))
		if r.Overflow == "" {
			r.Overflow = OverflowReject
		}
		clone.Range = &r
	}
	return clone
}

// Validate checks the parameter declaration.
func (p Parameter) Validate() error {
	n := p.normalized()
	if n.Name == "" {
		return fmt.Errorf("parameter name is required")
	}
	switch n.Type {
	case ParamString, ParamFile:
		if len(n.Choices) > 0 {
			return fmt.Errorf("parameter %s: choices are only valid for choice parameters", n.Name)
		}
	case ParamSingleChoice, ParamMultiChoice:
		if len(n.Choices) == 0 {
			return fmt.Errorf("parameter %s: %s requires choices", n.Name, n.Type)
		}
		for _, d := range n.Default {
			if !containsString(n.Choices, d) {
				return fmt.Errorf("parameter %s: default %q is not a declared choice", n.Name, d)
			}
		}
	default:
		return fmt.Errorf("parameter %s: unknown type %q", n.Name, n.Type)
	}
	if n.Type == ParamSingleChoice && len(n.Default) > 1 {
		return fmt.Errorf("parameter %s: SingleChoice accepts one default", n.Name)
	}
	if n.Type != ParamString && n.Kind != "" {
		return fmt.Errorf("parameter %s: kind is only valid for String parameters", n.Name)
	}
	switch n.Kind {
	case "", KindText, KindInteger, KindFloat:
	default:
		return fmt.Errorf("parameter %s: unknown kind %q", n.Name, n.Kind)
	}
	if n.Range != nil {
		if n.Kind != KindInteger && n.Kind != KindFloat {
			return fmt.Errorf("parameter %s: range requires an integer or float kind", n.Name)
		}
		if n.Range.Min != nil && n.Range.Max != nil && *n.Range.Min > *n.Range.Max {
			return fmt.Errorf("parameter %s: range min exceeds max", n.Name)
		}
		switch n.Range.Overflow {
		case OverflowClamp, OverflowReject:
		default:
			return fmt.Errorf("parameter %s: unknown overflow policy %q", n.Name, n.Range.Overflow)
		}
	}
	return nil
}

// Descriptor is the static capability declaration of a resolution unit.
type Descriptor struct {
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string      `json:"category,omitempty" yaml:"category,omitempty"`
	OriginTypes []string    `json:"origin_types" yaml:"origin_types"`
	ResultTypes []string    `json:"result_types,omitempty" yaml:"result_types,omitempty"`
	Parameters  []Parameter `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Normalized returns a trimmed copy of the descriptor.
func (d Descriptor) Normalized() Descriptor {
	clone := Descriptor{
		Name:        strings.TrimSpace(d.Name),
		Description: strings.TrimSpace(d.Description),
		Category:    strings.TrimSpace(d.Category),
		OriginTypes: trimAll(d.OriginTypes),
		ResultTypes: trimAll(d.ResultTypes),
	}
	if len(d.Parameters) > 0 {
		clone.Parameters = make([]Parameter, len(d.Parameters))
		for i, p := range d.Parameters {
			clone.Parameters[i] = p.normalized()
		}
	}
	return clone
}

// Validate ensures the descriptor is usable by the dispatcher.
func (d Descriptor) Validate() error {
	n := d.Normalized()
	if n.Name == "" {
		return fmt.Errorf("resolution: name is required")
	}
	if len(n.OriginTypes) == 0 {
		return fmt.Errorf("resolution %s: at least one origin type is required", n.Name)
	}
	seen := make(map[string]struct{}, len(n.Parameters))
	for idx, p := range n.Parameters {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("resolution %s: parameters[%d]: %w", n.Name, idx, err)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("resolution %s: duplicate parameter %s", n.Name, p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}

// Accepts reports whether entities of the given type may be passed in.
func (d Descriptor) Accepts(entityType string) bool {
	for _, t := range d.OriginTypes {
		if t == Wildcard || t == entityType {
			return true
		}
	}
	return false
}

// Parameter looks up a declared parameter by name.
func (d Descriptor) Parameter(name string) (Parameter, bool) {
	for _, p := range d.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

func trimAll(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
