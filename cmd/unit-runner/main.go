// cmd/unit-runner runs a single resolution unit against entities given on
// the command line and prints the unit's wire response. Nothing is merged
// into the project graph unless --merge is set.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/sleuth/internal/dispatch"
	"github.com/kingrea/sleuth/internal/logging"
	"github.com/kingrea/sleuth/internal/session"
	"github.com/kingrea/sleuth/resolution"
)

func main() {
	unitName := flag.String("unit", "", "unit to execute (e.g. domain-parents)")
	projectDir := flag.String("project", "", "path to the project directory (defaults to cwd)")
	entitiesFile := flag.String("entities", "", "JSON file with a list of entities (- for stdin)")
	configFile := flag.String("config-file", "", "path to YAML/JSON file with parameter values")
	timeout := flag.Duration("timeout", 5*time.Minute, "give up after this long")
	merge := flag.Bool("merge", false, "merge the result into the project graph")
	var entityFlags entityFlag
	flag.Var(&entityFlags, "entity", "entity as Type:field=value[,field=value] (repeatable)")
	sets := keyValueFlag{}
	flag.Var(&sets, "set", "parameter value (name=value, repeatable)")
	flag.Parse()

	if strings.TrimSpace(*unitName) == "" {
		die("--unit is required")
	}

	project := *projectDir
	if project == "" {
		var err error
		project, err = os.Getwd()
		if err != nil {
			die("determine working directory: %v", err)
		}
	}
	absoluteProject, err := filepath.Abs(project)
	if err != nil {
		die("resolve project dir: %v", err)
	}

	entities := []resolution.Entity(entityFlags)
	if *entitiesFile != "" {
		fromFile, err := readEntities(*entitiesFile, os.Stdin)
		if err != nil {
			die("read entities: %v", err)
		}
		entities = append(entities, fromFile...)
	}
	if len(entities) == 0 {
		die("no entities given (use --entity or --entities)")
	}
	parameters, err := buildParameters(*configFile, sets)
	if err != nil {
		die("load parameters: %v", err)
	}

	s, err := session.Open(absoluteProject, session.Options{
		Logger:    logging.Discard(),
		Ephemeral: !*merge,
	})
	if err != nil {
		die("open project: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := <-s.BringUpRuntime(ctx); err == nil {
		_ = s.ActivateRuntime()
	}
	if _, err := s.LoadModules(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	if *merge {
		uids, err := s.Builder.Add(ctx, entities...)
		if err != nil {
			die("seed graph: %v", err)
		}
		for i := range entities {
			entities[i].UID = uids[i]
		}
		report, err := s.Dispatcher.Dispatch(ctx, dispatch.Request{
			Unit:       *unitName,
			Entities:   entities,
			Parameters: parameters,
		})
		if err != nil {
			die("run unit: %v", err)
		}
		if report.Failed() {
			die("%s: %s", report.Unit, report.Failure)
		}
		fmt.Printf("%s merged %d new entities (%d reused)\n", report.Unit, len(report.Merge.Created), report.Merge.Reused)
		return
	}

	response, err := runDetached(ctx, s, *unitName, entities, parameters)
	if err != nil {
		die("run unit: %v", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(response); err != nil {
		die("write response: %v", err)
	}
}

// runDetached validates parameters and invokes the unit without touching
// the graph.
func runDetached(ctx context.Context, s *session.Session, name string, entities []resolution.Entity, parameters map[string]any) (resolution.Response, error) {
	unit, reg, err := s.Modules.Resolve(name)
	if err != nil {
		return resolution.Response{}, err
	}
	var eligible []resolution.Entity
	for _, e := range entities {
		if reg.Descriptor.Accepts(e.Type) {
			eligible = append(eligible, e)
		}
	}
	if len(eligible) == 0 {
		return resolution.Response{}, dispatch.ErrNoEligibleEntities
	}
	args, err := s.Params.Resolve(reg.Descriptor, parameters)
	if err != nil {
		return resolution.Response{}, err
	}
	outcome, err := unit.Resolve(ctx, eligible, args)
	if err != nil {
		return resolution.Response{}, err
	}
	if outcome == nil {
		outcome = resolution.Result{}
	}
	return resolution.ResponseFor(outcome), nil
}

func die(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

type keyValueFlag map[string][]string

func (kv *keyValueFlag) String() string {
	if kv == nil || len(*kv) == 0 {
		return ""
	}
	var pairs []string
	for key, values := range *kv {
		for _, value := range values {
			pairs = append(pairs, fmt.Sprintf("%s=%s", key, value))
		}
	}
	return strings.Join(pairs, ", ")
}

func (kv *keyValueFlag) Set(value string) error {
	parts := strings.SplitN(value, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	key := strings.TrimSpace(parts[0])
	if key == "" {
		return fmt.Errorf("parameter name is empty in %q", value)
	}
	if *kv == nil {
		*kv = keyValueFlag{}
	}
	(*kv)[key] = append((*kv)[key], parts[1])
	return nil
}

// entityFlag parses Type:field=value[,field=value].
type entityFlag []resolution.Entity

func (f *entityFlag) String() string {
	if f == nil {
		return ""
	}
	var out []string
	for _, e := range *f {
		if p, ok := e.PrimaryField(); ok {
			out = append(out, e.Type+":"+p.Name+"="+p.Value)
		}
	}
	return strings.Join(out, " ")
}

func (f *entityFlag) Set(value string) error {
	entityType, rest, ok := strings.Cut(value, ":")
	entityType = strings.TrimSpace(entityType)
	if !ok || entityType == "" {
		return fmt.Errorf("expected Type:field=value, got %q", value)
	}
	var fields []resolution.Field
	for _, pair := range strings.Split(rest, ",") {
		name, v, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return fmt.Errorf("expected field=value in %q", value)
		}
		fields = append(fields, resolution.Attr(name, v))
	}
	*f = append(*f, resolution.NewEntity(entityType, fields...))
	return nil
}

func buildParameters(configFile string, overrides keyValueFlag) (map[string]any, error) {
	var params map[string]any
	if path := strings.TrimSpace(configFile); path != "" {
		fileParams, err := readParameterFile(path)
		if err != nil {
			return nil, err
		}
		params = fileParams
	}
	if len(overrides) > 0 {
		if params == nil {
			params = map[string]any{}
		}
		for key, values := range overrides {
			if len(values) == 1 {
				params[key] = values[0]
			} else {
				params[key] = values
			}
		}
	}
	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}

func readParameterFile(path string) (map[string]any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open parameter file %s: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory, expected a file", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read parameter file %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("parameter file %s is empty", path)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse parameter file %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return raw, nil
}

func readEntities(path string, stdin io.Reader) ([]resolution.Entity, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	var entities []resolution.Entity
	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, fmt.Errorf("parse entities: %w", err)
	}
	return entities, nil
}
