package resolution

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestEntityKeepsFieldOrder(t *testing.T) {
	raw := `{"Entity Type":"Domain","Domain Name":"example.com","Registrar":"acme","Notes":"seen twice","uid":"abc"}`
	var e Entity
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.UID != "abc" || e.Type != "Domain" || e.Notes != "seen twice" {
		t.Fatalf("reserved keys not mapped: %+v", e)
	}
	primary, ok := e.PrimaryField()
	if !ok || primary.Name != "Domain Name" || primary.Value != "example.com" {
		t.Fatalf("unexpected primary field: %+v", primary)
	}
	if len(e.Fields) != 2 || e.Fields[1].Name != "Registrar" {
		t.Fatalf("unexpected fields: %+v", e.Fields)
	}
}

func TestEntityRejectsNestedValues(t *testing.T) {
	var e Entity
	err := json.Unmarshal([]byte(`{"Entity Type":"Phrase","Phrase":{"nested":true}}`), &e)
	if err == nil {
		t.Fatalf("expected nested attribute to be rejected")
	}
}

func TestEntityValidateRequiresType(t *testing.T) {
	e := NewEntity("", Attr("Phrase", "hello"))
	if err := e.Validate(); err == nil {
		t.Fatalf("expected missing type error")
	}
}

func TestParentSelectorWireForms(t *testing.T) {
	var links []Link
	payload := `[{"parent":"uid-1","label":"a"},{"parent":2},{"parent":"^^^"}]`
	if err := json.Unmarshal([]byte(payload), &links); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if links[0].Parent.Kind() != SelectUID || links[0].Parent.UID() != "uid-1" {
		t.Fatalf("expected uid selector, got %s", links[0].Parent)
	}
	if links[1].Parent.Kind() != SelectIndex || links[1].Parent.Index() != 2 {
		t.Fatalf("expected index selector, got %s", links[1].Parent)
	}
	if links[2].Parent.Kind() != SelectDeferred {
		t.Fatalf("expected deferred selector, got %s", links[2].Parent)
	}
	for _, bad := range []string{`{"parent":-1}`, `{"parent":1.5}`, `{"parent":""}`, `{"parent":true}`} {
		var l Link
		if err := json.Unmarshal([]byte(bad), &l); err == nil {
			t.Fatalf("expected %s to be rejected", bad)
		}
	}
}

func TestResponseDistinguishesFailureFromResult(t *testing.T) {
	var resp Response
	if err := json.Unmarshal([]byte(`{"error":"invalid API key"}`), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	outcome, err := resp.Outcome()
	if err != nil {
		t.Fatalf("outcome: %v", err)
	}
	failure, ok := outcome.(Failure)
	if !ok || failure.String() != "invalid API key" {
		t.Fatalf("expected failure outcome, got %#v", outcome)
	}
	if _, err := (Response{}).Outcome(); err == nil {
		t.Fatalf("expected empty response to be rejected")
	}
}

func TestServeIORoundTrip(t *testing.T) {
	unit := UnitFunc{
		Desc: Descriptor{Name: "Echo", OriginTypes: []string{Wildcard}},
		Fn: func(_ context.Context, entities []Entity, args Arguments) (Outcome, error) {
			var res Result
			for _, e := range entities {
				primary, _ := e.PrimaryField()
				res.Add(NewEntity("Phrase", Attr("Phrase", primary.Value+args.String("Suffix"))), LinkTo(ByUID(e.UID), "echo"))
			}
			return res, nil
		},
	}
	in := strings.NewReader(`{"unit":"Echo","entities":[{"uid":"u1","Entity Type":"Phrase","Phrase":"hi"}],"parameters":{"Suffix":"!"}}`)
	var out bytes.Buffer
	if err := ServeIO(context.Background(), unit, nil, in, &out); err != nil {
		t.Fatalf("serve: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	outcome, err := resp.Outcome()
	if err != nil {
		t.Fatalf("outcome: %v", err)
	}
	result := outcome.(Result)
	if len(result) != 1 {
		t.Fatalf("expected one item, got %d", len(result))
	}
	if v, _ := result[0].Entity.Get("Phrase"); v != "hi!" {
		t.Fatalf("unexpected phrase %q", v)
	}
	if result[0].Links[0].Parent.UID() != "u1" {
		t.Fatalf("unexpected parent %s", result[0].Links[0].Parent)
	}

	out.Reset()
	if err := ServeIO(context.Background(), unit, []string{DescribeFlag}, strings.NewReader(""), &out); err != nil {
		t.Fatalf("describe: %v", err)
	}
	if !strings.Contains(out.String(), `"name":"Echo"`) {
		t.Fatalf("descriptor not printed: %s", out.String())
	}
}

func TestDescriptorValidateParameters(t *testing.T) {
	desc := Descriptor{
		Name:        "Search",
		OriginTypes: []string{"Phrase"},
		Parameters: []Parameter{
			{Name: "Engine", Type: ParamSingleChoice, Choices: []string{"a", "b"}, Default: Values{"c"}},
		},
	}
	if err := desc.Validate(); err == nil {
		t.Fatalf("expected default outside choices to fail")
	}
	desc.Parameters[0].Default = Values{"a"}
	if err := desc.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !desc.Accepts("Phrase") || desc.Accepts("Domain") {
		t.Fatalf("origin type filtering is wrong")
	}
}
