package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/kingrea/sleuth/resolution"
)

const scriptEntryPoint = "Resolve"

// scriptCache compiles each script file once and hands out the compiled
// entry point to every unit that uses it.
type scriptCache struct {
	mu      sync.Mutex
	scripts map[string]*compiledScript
}

type compiledScript struct {
	// Interpreted code is not safe to call concurrently.
	mu sync.Mutex
	fn reflect.Value
}

func newScriptCache() *scriptCache {
	return &scriptCache{scripts: map[string]*compiledScript{}}
}

func (c *scriptCache) get(path string) (*compiledScript, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if script, ok := c.scripts[path]; ok {
		return script, nil
	}
	script, err := compileScript(path)
	if err != nil {
		return nil, err
	}
	c.scripts[path] = script
	return script, nil
}

// forget drops every compiled script under dir.
func (c *scriptCache) forget(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := strings.TrimRight(dir, string(os.PathSeparator)) + string(os.PathSeparator)
	for path := range c.scripts {
		if strings.HasPrefix(path, prefix) {
			delete(c.scripts, path)
		}
	}
}

func compileScript(path string) (*compiledScript, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plugin: read %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(code))) == 0 {
		return nil, fmt.Errorf("plugin: %s is empty", path)
	}
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("plugin: load stdlib symbols: %w", err)
	}
	if _, err := i.EvalPath(path); err != nil {
		return nil, fmt.Errorf("plugin: interpret %s: %w", path, err)
	}
	fnValue, err := i.Eval(scriptEntryPoint)
	if err != nil {
		return nil, fmt.Errorf("plugin: %s must define %s(entities []map[string]any, parameters map[string]any) (any, error): %w", path, scriptEntryPoint, err)
	}
	if fnValue.Kind() != reflect.Func {
		return nil, fmt.Errorf("plugin: %s: %s is not a function", path, scriptEntryPoint)
	}
	if fnValue.Type().NumIn() != 2 {
		return nil, fmt.Errorf("plugin: %s: %s must take (entities, parameters)", path, scriptEntryPoint)
	}
	return &compiledScript{fn: fnValue}, nil
}

func (s *compiledScript) call(entities []map[string]any, params map[string]any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := s.fn.Call([]reflect.Value{reflect.ValueOf(entities), reflect.ValueOf(params)})
	if len(results) == 0 || len(results) > 2 {
		return nil, fmt.Errorf("%s must return (any[, error])", scriptEntryPoint)
	}
	if len(results) == 2 && !isNil(results[1]) {
		if e, ok := results[1].Interface().(error); ok && e != nil {
			return nil, e
		}
		return nil, fmt.Errorf("%s returned non-error second value", scriptEntryPoint)
	}
	if isNil(results[0]) {
		return nil, nil
	}
	return results[0].Interface(), nil
}

func isNil(v reflect.Value) bool {
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// scriptUnit runs an interpreted Resolve function.
type scriptUnit struct {
	desc  resolution.Descriptor
	path  string
	cache *scriptCache
}

func (u *scriptUnit) Descriptor() resolution.Descriptor { return u.desc }

func (u *scriptUnit) Resolve(ctx context.Context, entities []resolution.Entity, args resolution.Arguments) (resolution.Outcome, error) {
	script, err := u.cache.get(u.path)
	if err != nil {
		return nil, err
	}
	in := make([]map[string]any, len(entities))
	for i, e := range entities {
		in[i] = e.Map()
	}
	params := make(map[string]any, len(args))
	for k, v := range args {
		params[k] = v
	}

	type callResult struct {
		value any
		err   error
		panic any
	}
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{panic: r}
			}
		}()
		value, err := script.call(in, params)
		done <- callResult{value: value, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		if res.panic != nil {
			panic(res.panic)
		}
		if res.err != nil {
			return nil, res.err
		}
		return scriptOutcome(res.value)
	}
}

// scriptOutcome maps a script's return value onto an outcome: a string is a
// Failure, anything else must encode as a result list.
func scriptOutcome(value any) (resolution.Outcome, error) {
	switch v := value.(type) {
	case nil:
		return resolution.Result{}, nil
	case string:
		return resolution.Failure(v), nil
	case resolution.Result:
		return v, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("plugin: encode script result: %w", err)
	}
	var result resolution.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("plugin: script result is not a list of items: %w", err)
	}
	return result, nil
}
