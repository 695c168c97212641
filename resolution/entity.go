package resolution

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Reserved wire keys. Every other key of an entity object is an attribute.
const (
	KeyUID     = "uid"
	KeyType    = "Entity Type"
	KeyNotes   = "Notes"
	KeyCreated = "Date Created"
	KeyIcon    = "Icon"
)

// Field is a single entity attribute.
type Field struct {
	Name  string
	Value string
}

// Entity is a graph node. Fields keep the order they were declared in; the
// first one is the entity's primary field.
type Entity struct {
	UID       string
	Type      string
	Fields    []Field
	Notes     string
	Created   time.Time
	Thumbnail []byte
}

// NewEntity builds an entity of the given type from name/value pairs.
func NewEntity(entityType string, fields ...Field) Entity {
	e := Entity{Type: strings.TrimSpace(entityType)}
	for _, f := range fields {
		e.Set(f.Name, f.Value)
	}
	return e
}

// Attr is shorthand for building a Field.
func Attr(name, value string) Field {
	return Field{Name: name, Value: value}
}

// Get returns the value of the named attribute.
func (e Entity) Get(name string) (string, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Set replaces the named attribute or appends it when absent.
func (e *Entity) Set(name, value string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	for i := range e.Fields {
		if e.Fields[i].Name == name {
			e.Fields[i].Value = value
			return
		}
	}
	e.Fields = append(e.Fields, Field{Name: name, Value: value})
}

// PrimaryField returns the first attribute, which names the entity.
func (e Entity) PrimaryField() (Field, bool) {
	if len(e.Fields) == 0 {
		return Field{}, false
	}
	return e.Fields[0], true
}

// Clone returns a deep copy.
func (e Entity) Clone() Entity {
	clone := e
	if len(e.Fields) > 0 {
		clone.Fields = append([]Field(nil), e.Fields...)
	}
	if len(e.Thumbnail) > 0 {
		clone.Thumbnail = append([]byte(nil), e.Thumbnail...)
	}
	return clone
}

// Validate reports whether the entity can be placed in the graph.
func (e Entity) Validate() error {
	if strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("entity is missing %q", KeyType)
	}
	seen := make(map[string]struct{}, len(e.Fields))
	for idx, f := range e.Fields {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("entity field[%d] has an empty name", idx)
		}
		if isReservedKey(f.Name) {
			return fmt.Errorf("entity field %q is reserved", f.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("entity field %q declared twice", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}

// Map flattens the entity into its wire form.
func (e Entity) Map() map[string]any {
	out := make(map[string]any, len(e.Fields)+5)
	if e.UID != "" {
		out[KeyUID] = e.UID
	}
	out[KeyType] = e.Type
	for _, f := range e.Fields {
		out[f.Name] = f.Value
	}
	if e.Notes != "" {
		out[KeyNotes] = e.Notes
	}
	if !e.Created.IsZero() {
		out[KeyCreated] = e.Created.UTC().Format(time.RFC3339)
	}
	if len(e.Thumbnail) > 0 {
		out[KeyIcon] = base64.StdEncoding.EncodeToString(e.Thumbnail)
	}
	return out
}

// EntityFromMap decodes an entity from an unordered map. Attributes are
// ordered by key since the map carries no declaration order.
func EntityFromMap(m map[string]any) (Entity, error) {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var e Entity
	for _, key := range keys {
		value, err := scalarString(m[key])
		if err != nil {
			return Entity{}, fmt.Errorf("entity attribute %q: %w", key, err)
		}
		if err := e.assign(key, value); err != nil {
			return Entity{}, err
		}
	}
	return e, nil
}

// MarshalJSON writes the flat wire object, preserving field order.
func (e Entity) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	write := func(key, value string) {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		k, _ := json.Marshal(key)
		v, _ := json.Marshal(value)
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	if e.UID != "" {
		write(KeyUID, e.UID)
	}
	write(KeyType, e.Type)
	for _, f := range e.Fields {
		write(f.Name, f.Value)
	}
	if e.Notes != "" {
		write(KeyNotes, e.Notes)
	}
	if !e.Created.IsZero() {
		write(KeyCreated, e.Created.UTC().Format(time.RFC3339))
	}
	if len(e.Thumbnail) > 0 {
		write(KeyIcon, base64.StdEncoding.EncodeToString(e.Thumbnail))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads the flat wire object, keeping attribute order.
func (e *Entity) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode entity: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("entity must be a JSON object")
	}
	var out Entity
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("decode entity: %w", err)
		}
		key, _ := keyTok.(string)
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("decode entity attribute %q: %w", key, err)
		}
		value, err := scalarString(raw)
		if err != nil {
			return fmt.Errorf("entity attribute %q: %w", key, err)
		}
		if err := out.assign(key, value); err != nil {
			return err
		}
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("decode entity: %w", err)
	}
	*e = out
	return nil
}

func (e *Entity) assign(key, value string) error {
	switch key {
	case KeyUID:
		e.UID = strings.TrimSpace(value)
	case KeyType:
		e.Type = strings.TrimSpace(value)
	case KeyNotes:
		e.Notes = value
	case KeyCreated:
		if strings.TrimSpace(value) == "" {
			return nil
		}
		ts, err := time.Parse(time.RFC3339, strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("entity %q: %w", KeyCreated, err)
		}
		e.Created = ts.UTC()
	case KeyIcon:
		if value == "" {
			return nil
		}
		raw, err := base64.StdEncoding.DecodeString(value)
		if err != nil {
			return fmt.Errorf("entity %q: %w", KeyIcon, err)
		}
		e.Thumbnail = raw
	default:
		e.Fields = append(e.Fields, Field{Name: key, Value: value})
	}
	return nil
}

func isReservedKey(name string) bool {
	switch name {
	case KeyUID, KeyType, KeyNotes, KeyCreated, KeyIcon:
		return true
	}
	return false
}

func scalarString(raw any) (string, error) {
	switch v := raw.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return "", fmt.Errorf("value must be a scalar, got %T", raw)
	}
}
