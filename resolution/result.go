package resolution

import (
	"fmt"
	"strings"
	"time"
)

// Link describes the provenance edge between a new entity and its parent.
type Link struct {
	Parent  ParentSelector `json:"parent"`
	Label   string         `json:"label,omitempty"`
	Notes   string         `json:"notes,omitempty"`
	Created *time.Time     `json:"date,omitempty"`
}

// LinkTo is shorthand for a labelled link.
func LinkTo(parent ParentSelector, label string) Link {
	return Link{Parent: parent, Label: label}
}

// Item pairs a new entity with the links attaching it to the graph.
type Item struct {
	Entity Entity `json:"entity"`
	Links  []Link `json:"links,omitempty"`
}

// Outcome is what a unit returns: either a Result or a Failure. The set of
// implementations is closed.
type Outcome interface {
	outcome()
}

// Result is the ordered sequence of items emitted by one invocation.
type Result []Item

func (Result) outcome() {}

// Add appends an item and returns its index, for use in ByIndex selectors.
func (r *Result) Add(entity Entity, links ...Link) int {
	*r = append(*r, Item{Entity: entity, Links: links})
	return len(*r) - 1
}

// Failure is an operator-facing message, shown to the user verbatim.
type Failure string

func (Failure) outcome() {}

func (f Failure) String() string { return string(f) }

// Fail builds a Failure from a format string.
func Fail(format string, args ...any) Failure {
	return Failure(fmt.Sprintf(format, args...))
}

// Request is the payload the host writes to a plugin process.
type Request struct {
	Unit       string         `json:"unit"`
	Entities   []Entity       `json:"entities"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Response is the payload a plugin process writes back. Exactly one of
// Result and Error is set.
type Response struct {
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// ResponseFor wraps an outcome for the wire.
func ResponseFor(o Outcome) Response {
	switch v := o.(type) {
	case Failure:
		msg := strings.TrimSpace(string(v))
		if msg == "" {
			msg = "resolution failed"
		}
		return Response{Error: msg}
	case Result:
		res := v
		if res == nil {
			res = Result{}
		}
		return Response{Result: &res}
	default:
		return Response{Result: &Result{}}
	}
}

// Outcome converts the wire payload back into a typed outcome.
func (r Response) Outcome() (Outcome, error) {
	if r.Result != nil && r.Error != "" {
		return nil, fmt.Errorf("response carries both a result and an error")
	}
	if r.Error != "" {
		return Failure(r.Error), nil
	}
	if r.Result == nil {
		return nil, fmt.Errorf("response carries neither a result nor an error")
	}
	return *r.Result, nil
}
