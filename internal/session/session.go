// Package session assembles the runtime components of one project: the
// isolated runtime, module loader, registries, parameter store, graph,
// dispatcher and message bridge.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kingrea/sleuth/internal/config"
	"github.com/kingrea/sleuth/internal/dispatch"
	"github.com/kingrea/sleuth/internal/eventbridge"
	"github.com/kingrea/sleuth/internal/graph"
	"github.com/kingrea/sleuth/internal/graph/sqlitestore"
	"github.com/kingrea/sleuth/internal/isolation"
	"github.com/kingrea/sleuth/internal/logbook"
	"github.com/kingrea/sleuth/internal/logging"
	"github.com/kingrea/sleuth/internal/module"
	"github.com/kingrea/sleuth/internal/modules"
	"github.com/kingrea/sleuth/internal/modules/dns"
	"github.com/kingrea/sleuth/internal/params"
	"github.com/kingrea/sleuth/internal/schema"
	"github.com/kingrea/sleuth/plugins"
	"github.com/kingrea/sleuth/resolution"
)

// Options tweaks how a session is assembled.
type Options struct {
	LogLevel slog.Level
	// Logger replaces the file logger under .sleuth/logs.
	Logger *slog.Logger
	// Runner replaces the command runner of the isolated runtime.
	Runner isolation.Runner
	// IPResolver replaces the resolver of the built-in DNS units.
	IPResolver dns.IPResolver
	// Ephemeral keeps settings and the graph in memory.
	Ephemeral bool
}

// Session owns the components of an open project.
type Session struct {
	Config     *config.Config
	Logger     *slog.Logger
	Logbook    *logbook.Logbook
	Runtime    *isolation.Manager
	Schema     *schema.Registry
	Modules    *module.Registry
	Loader     *plugins.Loader
	Params     *params.Resolver
	Graph      graph.Store
	Builder    *graph.Builder
	Dispatcher *dispatch.Dispatcher
	Bridge     *eventbridge.Server

	activateMu sync.Mutex
	activated  bool
	closers    []func() error
}

// Open prepares the .sleuth directory of projectDir and wires every
// component. Nothing is loaded or started; see LoadModules, BringUpRuntime
// and StartBridge.
func Open(projectDir string, opts Options) (s *Session, err error) {
	if err := config.InitDataDir(projectDir); err != nil {
		return nil, fmt.Errorf("session: init %s: %w", config.DataDir, err)
	}
	cfg, err := config.NewConfig(projectDir)
	if err != nil {
		return nil, err
	}
	s = &Session{Config: cfg}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	s.Logger = opts.Logger
	if s.Logger == nil {
		fileLogger, err := logging.New(cfg.LogsDir(), opts.LogLevel)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, fileLogger.Close)
		s.Logger = fileLogger.Logger
	}

	s.Logbook, err = logbook.New(cfg.MessagesPath())
	if err != nil {
		return nil, err
	}

	s.Runtime, err = isolation.New(isolation.Options{
		Root:        cfg.RuntimeDir(),
		Version:     cfg.Project.Runtime.Version,
		GoBinary:    cfg.Project.Runtime.GoBinary,
		SharedTools: cfg.Project.Runtime.SharedTools,
		Runner:      opts.Runner,
		Logger:      s.Logger.With("component", "runtime"),
	})
	if err != nil {
		return nil, err
	}

	s.Schema = schema.NewRegistry()
	s.Modules = module.NewRegistry()
	var builtinOpts []modules.Option
	if opts.IPResolver != nil {
		builtinOpts = append(builtinOpts, modules.WithIPResolver(opts.IPResolver))
	}
	if err := modules.RegisterBuiltins(s.Modules, s.Schema, builtinOpts...); err != nil {
		return nil, err
	}

	s.Bridge = eventbridge.NewServer(eventbridge.SettingsFromConfig(cfg),
		eventbridge.WithLogger(s.Logger.With("component", "bridge")),
		eventbridge.WithProcessor(eventbridge.LogbookProcessor(s.Logbook)),
	)

	s.Loader, err = plugins.NewLoader(plugins.Options{
		Dir:         cfg.ModulesDir(),
		Modules:     s.Modules,
		Schema:      s.Schema,
		Sink:        s.Logbook,
		Logger:      s.Logger.With("component", "loader"),
		UnitTimeout: cfg.UnitTimeout(),
		ExtraEnv:    s.childEnv,
	})
	if err != nil {
		return nil, err
	}
	if s.Runtime.Present() {
		s.Loader.SetRuntime(s.Runtime)
	}

	store, err := params.OpenBadger(params.BadgerOptions{
		Path:     cfg.SettingsDir(),
		InMemory: opts.Ephemeral,
		Logger:   s.Logger.With("component", "settings"),
	})
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, store.Close)
	s.Params = params.NewResolver(store, params.WithFilesRoot(cfg.FilesDir()))

	if opts.Ephemeral || cfg.Project.Graph.Store == "memory" {
		s.Graph = graph.NewMemoryGraph()
	} else {
		sqlite, err := sqlitestore.Open(cfg.GraphPath())
		if err != nil {
			return nil, err
		}
		s.Graph = sqlite
	}
	s.closers = append(s.closers, s.Graph.Close)
	s.Builder = graph.NewBuilder(s.Graph,
		graph.WithSchema(s.Schema),
		graph.WithLogger(s.Logger.With("component", "graph")),
	)

	s.Dispatcher, err = dispatch.New(dispatch.Options{
		Registry: s.Modules,
		Params:   s.Params,
		Builder:  s.Builder,
		Sink:     s.Logbook,
		Logger:   s.Logger.With("component", "dispatch"),
		Workers:  cfg.Workers(),
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// childEnv is appended to the environment of plugin processes.
func (s *Session) childEnv() []string {
	env := []string{resolution.EnvProjectFiles + "=" + s.Config.FilesDir()}
	return append(env, s.Bridge.Environ()...)
}

// BringUpRuntime provisions the isolated runtime in the background. The
// caller activates it with ActivateRuntime once the channel delivers nil.
func (s *Session) BringUpRuntime(ctx context.Context) <-chan error {
	return s.Runtime.BringUp(ctx)
}

// ActivateRuntime puts the runtime on PATH and hands it to the loader. Once
// a call succeeds, later calls do nothing; a failed call can be retried
// after the runtime has been brought up.
func (s *Session) ActivateRuntime() error {
	s.activateMu.Lock()
	defer s.activateMu.Unlock()
	if s.activated {
		return nil
	}
	if err := s.Runtime.Activate(); err != nil {
		s.Logbook.Error("Runtime unavailable: %v", err)
		return err
	}
	s.Loader.SetRuntime(s.Runtime)
	s.activated = true
	s.Logger.Info("runtime activated", "root", s.Runtime.Root())
	return nil
}

// LoadModules loads every installed module.
func (s *Session) LoadModules() (plugins.LoadReport, error) {
	return s.Loader.LoadAll()
}

// StartBridge starts the message bridge unless it is disabled.
func (s *Session) StartBridge(ctx context.Context) error {
	if err := s.Bridge.Start(ctx); err != nil {
		if errors.Is(err, eventbridge.ErrServerDisabled) {
			return nil
		}
		return err
	}
	s.closers = append(s.closers, func() error {
		return s.Bridge.Shutdown(context.Background())
	})
	return nil
}

// Close releases every component in reverse order of creation.
func (s *Session) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
