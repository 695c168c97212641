package resolution

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DeferredToken is the wire token for a deferred parent selector.
const DeferredToken = "^^^"

// SelectorKind tags the variant held by a ParentSelector.
type SelectorKind uint8

const (
	// SelectUID links to an entity already present in the graph.
	SelectUID SelectorKind = iota + 1
	// SelectIndex links to an earlier item of the same result.
	SelectIndex
	// SelectDeferred links to the item appended right after the current one.
	SelectDeferred
)

func (k SelectorKind) String() string {
	switch k {
	case SelectUID:
		return "uid"
	case SelectIndex:
		return "index"
	case SelectDeferred:
		return "deferred"
	default:
		return "invalid"
	}
}

// ParentSelector names the parent a new entity is linked to. The zero value
// is invalid; use ByUID, ByIndex or Deferred.
type ParentSelector struct {
	kind  SelectorKind
	uid   string
	index int
}

// ByUID selects an existing graph entity.
func ByUID(uid string) ParentSelector {
	return ParentSelector{kind: SelectUID, uid: strings.TrimSpace(uid)}
}

// ByIndex selects the entity created for an earlier item of the same result.
func ByIndex(index int) ParentSelector {
	return ParentSelector{kind: SelectIndex, index: index}
}

// Deferred selects the entity of the item that follows the current one.
func Deferred() ParentSelector {
	return ParentSelector{kind: SelectDeferred}
}

func (s ParentSelector) Kind() SelectorKind { return s.kind }

// UID returns the selected uid for SelectUID selectors.
func (s ParentSelector) UID() string { return s.uid }

// Index returns the selected position for SelectIndex selectors.
func (s ParentSelector) Index() int { return s.index }

// IsZero reports whether the selector was never set.
func (s ParentSelector) IsZero() bool { return s.kind == 0 }

func (s ParentSelector) String() string {
	switch s.kind {
	case SelectUID:
		return "uid:" + s.uid
	case SelectIndex:
		return "index:" + strconv.Itoa(s.index)
	case SelectDeferred:
		return DeferredToken
	default:
		return "<unset>"
	}
}

// MarshalJSON encodes uids as strings, indexes as integers and the deferred
// selector as DeferredToken.
func (s ParentSelector) MarshalJSON() ([]byte, error) {
	switch s.kind {
	case SelectUID:
		return json.Marshal(s.uid)
	case SelectIndex:
		return json.Marshal(s.index)
	case SelectDeferred:
		return json.Marshal(DeferredToken)
	default:
		return nil, fmt.Errorf("parent selector is unset")
	}
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (s *ParentSelector) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode parent selector: %w", err)
	}
	switch v := raw.(type) {
	case string:
		if v == DeferredToken {
			*s = Deferred()
			return nil
		}
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("parent selector uid is empty")
		}
		*s = ByUID(v)
		return nil
	case json.Number:
		n, err := strconv.Atoi(v.String())
		if err != nil {
			return fmt.Errorf("parent selector index %s is not an integer", v)
		}
		if n < 0 {
			return fmt.Errorf("parent selector index %d is negative", n)
		}
		*s = ByIndex(n)
		return nil
	default:
		return fmt.Errorf("parent selector must be a string or integer, got %T", raw)
	}
}
