// Package params turns user-supplied parameter values into validated unit
// arguments. Values are looked up in order: explicit request value, stored
// setting (per unit, or shared for global parameters), SLEUTH_PARAM_*
// environment variable (global parameters only), declared default.
package params

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/kingrea/sleuth/resolution"
)

// EnvPrefix prefixes environment variables that supply global parameters.
const EnvPrefix = "SLEUTH_PARAM_"

// Error reports a parameter that failed validation. The unit is never
// invoked when one is returned.
type Error struct {
	Unit      string
	Parameter string
	Reason    string
}

func (e *Error) Error() string {
	if e.Parameter == "" {
		return fmt.Sprintf("resolution %s: %s", e.Unit, e.Reason)
	}
	return fmt.Sprintf("resolution %s: parameter %q %s", e.Unit, e.Parameter, e.Reason)
}

// Source records where a resolved value came from.
type Source string

const (
	SourceExplicit Source = "explicit"
	SourceStored   Source = "stored"
	SourceEnv      Source = "env"
	SourceDefault  Source = "default"
)

// Resolver validates parameters against descriptors.
type Resolver struct {
	store     Store
	filesRoot string
	lookupEnv func(string) (string, bool)
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithFilesRoot resolves relative File parameters against the project file
// storage first.
func WithFilesRoot(dir string) Option {
	return func(r *Resolver) { r.filesRoot = dir }
}

// WithLookupEnv replaces os.LookupEnv.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(r *Resolver) { r.lookupEnv = fn }
}

// NewResolver builds a resolver backed by store. A nil store keeps values in
// memory only.
func NewResolver(store Store, opts ...Option) *Resolver {
	if store == nil {
		store = NewMemoryStore()
	}
	r := &Resolver{store: store, lookupEnv: os.LookupEnv}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store exposes the backing settings store.
func (r *Resolver) Store() Store { return r.store }

// EnvName returns the environment variable consulted for a global
// parameter.
func EnvName(param string) string {
	var b strings.Builder
	b.WriteString(EnvPrefix)
	lastUnderscore := false
	for _, r := range strings.TrimSpace(param) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimRight(b.String(), "_")
}

// KeyFor returns the settings key a parameter is stored under.
func KeyFor(unit string, p resolution.Parameter) string {
	if p.Global {
		return GlobalKey(p.Name)
	}
	return UnitKey(unit, p.Name)
}

// Resolve validates explicit values against the descriptor, fills in the
// rest from storage, environment and defaults, and returns the arguments a
// unit is invoked with. Explicit values are persisted only when every
// parameter passed.
func (r *Resolver) Resolve(desc resolution.Descriptor, explicit map[string]any) (resolution.Arguments, error) {
	desc = desc.Normalized()
	for name := range explicit {
		if _, ok := desc.Parameter(name); !ok {
			return nil, &Error{Unit: desc.Name, Parameter: name, Reason: "is not declared"}
		}
	}
	args := resolution.Arguments{}
	remember := map[string][]string{}
	for _, p := range desc.Parameters {
		raw, source, err := r.lookup(desc.Name, p, explicit)
		if err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			if p.Optional {
				continue
			}
			return nil, &Error{Unit: desc.Name, Parameter: p.Name, Reason: "is required"}
		}
		value, canonical, err := r.coerce(p, raw)
		if err != nil {
			return nil, &Error{Unit: desc.Name, Parameter: p.Name, Reason: err.Error()}
		}
		args[p.Name] = value
		if source == SourceExplicit {
			remember[KeyFor(desc.Name, p)] = canonical
		}
	}
	for key, values := range remember {
		if err := r.store.Put(key, values); err != nil {
			return nil, err
		}
	}
	return args, nil
}

// Set validates and stores a value without invoking anything.
func (r *Resolver) Set(desc resolution.Descriptor, name string, value any) error {
	desc = desc.Normalized()
	p, ok := desc.Parameter(name)
	if !ok {
		return &Error{Unit: desc.Name, Parameter: name, Reason: "is not declared"}
	}
	raw, err := rawValues(value)
	if err != nil {
		return &Error{Unit: desc.Name, Parameter: name, Reason: err.Error()}
	}
	if len(raw) == 0 {
		return r.store.Delete(KeyFor(desc.Name, p))
	}
	_, canonical, err := r.coerce(p, raw)
	if err != nil {
		return &Error{Unit: desc.Name, Parameter: name, Reason: err.Error()}
	}
	return r.store.Put(KeyFor(desc.Name, p), canonical)
}

// Current returns the value a parameter would resolve to without an
// explicit value, and where it came from.
func (r *Resolver) Current(desc resolution.Descriptor, name string) ([]string, Source, error) {
	desc = desc.Normalized()
	p, ok := desc.Parameter(name)
	if !ok {
		return nil, "", &Error{Unit: desc.Name, Parameter: name, Reason: "is not declared"}
	}
	return r.lookup(desc.Name, p, nil)
}

func (r *Resolver) lookup(unit string, p resolution.Parameter, explicit map[string]any) ([]string, Source, error) {
	if value, ok := explicit[p.Name]; ok {
		raw, err := rawValues(value)
		if err != nil {
			return nil, "", &Error{Unit: unit, Parameter: p.Name, Reason: err.Error()}
		}
		if len(raw) > 0 {
			return raw, SourceExplicit, nil
		}
	}
	stored, ok, err := r.store.Get(KeyFor(unit, p))
	if err != nil {
		return nil, "", err
	}
	if ok && len(stored) > 0 {
		return stored, SourceStored, nil
	}
	if p.Global && r.lookupEnv != nil {
		if value, ok := r.lookupEnv(EnvName(p.Name)); ok && strings.TrimSpace(value) != "" {
			return splitEnv(p, value), SourceEnv, nil
		}
	}
	if len(p.Default) > 0 {
		return append([]string(nil), p.Default...), SourceDefault, nil
	}
	return nil, "", nil
}

func splitEnv(p resolution.Parameter, value string) []string {
	if p.Type != resolution.ParamMultiChoice {
		return []string{value}
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// coerce converts raw values into the typed argument and the canonical
// strings persisted for it.
func (r *Resolver) coerce(p resolution.Parameter, raw []string) (any, []string, error) {
	switch p.Type {
	case resolution.ParamSingleChoice:
		if len(raw) != 1 {
			return nil, nil, fmt.Errorf("accepts exactly one value")
		}
		value := strings.TrimSpace(raw[0])
		if !contains(p.Choices, value) {
			return nil, nil, fmt.Errorf("value %q is not one of %s", value, strings.Join(p.Choices, ", "))
		}
		return value, []string{value}, nil
	case resolution.ParamMultiChoice:
		var picked []string
		for _, v := range raw {
			value := strings.TrimSpace(v)
			if !contains(p.Choices, value) {
				return nil, nil, fmt.Errorf("value %q is not one of %s", value, strings.Join(p.Choices, ", "))
			}
			if !contains(picked, value) {
				picked = append(picked, value)
			}
		}
		return picked, picked, nil
	case resolution.ParamFile:
		if len(raw) != 1 {
			return nil, nil, fmt.Errorf("accepts exactly one path")
		}
		path, err := r.resolvePath(strings.TrimSpace(raw[0]))
		if err != nil {
			return nil, nil, err
		}
		return path, []string{path}, nil
	default:
		if len(raw) != 1 {
			return nil, nil, fmt.Errorf("accepts exactly one value")
		}
		return coerceString(p, raw[0])
	}
}

func coerceString(p resolution.Parameter, raw string) (any, []string, error) {
	switch p.Kind {
	case resolution.KindInteger:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("value %q is not an integer", raw)
		}
		n, err = applyIntRange(p, n)
		if err != nil {
			return nil, nil, err
		}
		return n, []string{strconv.FormatInt(n, 10)}, nil
	case resolution.KindFloat:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, nil, fmt.Errorf("value %q is not a number", raw)
		}
		f, err = applyRange(p, f)
		if err != nil {
			return nil, nil, err
		}
		return f, []string{strconv.FormatFloat(f, 'f', -1, 64)}, nil
	default:
		return raw, []string{raw}, nil
	}
}

func applyRange(p resolution.Parameter, v float64) (float64, error) {
	if p.Range == nil {
		return v, nil
	}
	clamp := p.Range.Overflow == resolution.OverflowClamp
	if p.Range.Min != nil && v < *p.Range.Min {
		if !clamp {
			return 0, fmt.Errorf("value %s is below the minimum %s", formatNumber(v), formatNumber(*p.Range.Min))
		}
		v = *p.Range.Min
	}
	if p.Range.Max != nil && v > *p.Range.Max {
		if !clamp {
			return 0, fmt.Errorf("value %s is above the maximum %s", formatNumber(v), formatNumber(*p.Range.Max))
		}
		v = *p.Range.Max
	}
	return v, nil
}

// applyIntRange is applyRange for integers. The value never passes through
// float64, so every int64 survives unchanged when it is in range.
func applyIntRange(p resolution.Parameter, n int64) (int64, error) {
	if p.Range == nil {
		return n, nil
	}
	clamp := p.Range.Overflow == resolution.OverflowClamp
	if min := p.Range.Min; min != nil && !math.IsNaN(*min) {
		lo := math.Ceil(*min)
		if lo > -(1<<63) && (lo >= 1<<63 || n < int64(lo)) {
			if !clamp {
				return 0, fmt.Errorf("value %d is below the minimum %s", n, formatNumber(*min))
			}
			n = saturate(lo)
		}
	}
	if max := p.Range.Max; max != nil && !math.IsNaN(*max) {
		hi := math.Floor(*max)
		if hi < 1<<63 && (hi < -(1<<63) || n > int64(hi)) {
			if !clamp {
				return 0, fmt.Errorf("value %d is above the maximum %s", n, formatNumber(*max))
			}
			n = saturate(hi)
		}
	}
	return n, nil
}

// saturate converts an integral float to int64, pinning it to the int64
// limits.
func saturate(f float64) int64 {
	switch {
	case f >= 1<<63:
		return math.MaxInt64
	case f <= -(1 << 63):
		return math.MinInt64
	default:
		return int64(f)
	}
}

func (r *Resolver) resolvePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is empty")
	}
	candidates := []string{path}
	if !filepath.IsAbs(path) && r.filesRoot != "" {
		candidates = append([]string{filepath.Join(r.filesRoot, path)}, candidates...)
	}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err != nil {
			continue
		}
		if info.IsDir() {
			return "", fmt.Errorf("path %q is a directory", path)
		}
		abs, err := filepath.Abs(candidate)
		if err != nil {
			return "", err
		}
		return abs, nil
	}
	return "", fmt.Errorf("file %q does not exist", path)
}

// rawValues flattens an explicit value into strings.
func rawValues(value any) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, err := scalar(item)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	default:
		s, err := scalar(v)
		if err != nil {
			return nil, err
		}
		return []string{s}, nil
	}
}

func scalar(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case json.Number:
		return t.String(), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return "", errors.New("value must be a string, number or list of strings")
	}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
