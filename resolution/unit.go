package resolution

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// Unit is implemented by every resolution. Resolve receives only entities
// whose type the descriptor accepts and parameters that already passed
// validation. A returned error is a fault; an expected, user-facing problem
// (a bad API key, an empty upstream answer) is a Failure outcome.
type Unit interface {
	Descriptor() Descriptor
	Resolve(ctx context.Context, entities []Entity, args Arguments) (Outcome, error)
}

// Arguments carries validated parameter values. Values are string, int64,
// float64 or []string depending on the parameter declaration.
type Arguments map[string]any

// String returns a text value.
func (a Arguments) String(name string) string {
	switch v := a[name].(type) {
	case string:
		return v
	case []string:
		if len(v) > 0 {
			return v[0]
		}
	case nil:
		return ""
	}
	return fmt.Sprint(a[name])
}

// Int returns an integer value, accepting the numeric encodings the wire
// produces.
func (a Arguments) Int(name string) (int64, error) {
	switch v := a[name].(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("parameter %s is not an integer", name)
	}
}

// Strings returns a list value.
func (a Arguments) Strings(name string) []string {
	switch v := a[name].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		return []string{v}
	default:
		return nil
	}
}

// UnitFunc adapts a descriptor and a function into a Unit.
type UnitFunc struct {
	Desc Descriptor
	Fn   func(ctx context.Context, entities []Entity, args Arguments) (Outcome, error)
}

func (u UnitFunc) Descriptor() Descriptor { return u.Desc }

func (u UnitFunc) Resolve(ctx context.Context, entities []Entity, args Arguments) (Outcome, error) {
	if u.Fn == nil {
		return nil, fmt.Errorf("resolution %s: no function", u.Desc.Name)
	}
	return u.Fn(ctx, entities, args)
}
