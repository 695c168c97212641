// cmd/sleuth/main.go
//
// Entry point for the sleuth CLI. Every subcommand opens the project in the
// working directory (or --project), which creates .sleuth on first use.
// `sleuth ui` starts the terminal shell; the other commands run one
// operation and print the user-facing messages it produced.

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kingrea/sleuth/internal/logging"
	"github.com/kingrea/sleuth/internal/session"
)

var (
	projectDir string
	logLevel   string
	ephemeral  bool

	rootCmd = &cobra.Command{
		Use:   "sleuth",
		Short: "Link analysis over pluggable resolution modules",
		Long: `sleuth keeps a graph of entities for the current project and grows it
by running resolution units from installed modules against selected
entities.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "C", "", "project directory (defaults to the working directory)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "diagnostic log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&ephemeral, "memory", false, "keep settings and the graph in memory for this run")

	rootCmd.AddCommand(
		initCmd,
		runtimeCmd,
		moduleCmd,
		unitsCmd,
		paramsCmd,
		graphCmd,
		resolveCmd,
		serveCmd,
		uiCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func resolveProjectDir() (string, error) {
	dir := projectDir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("determine working directory: %w", err)
		}
		dir = cwd
	}
	return filepath.Abs(dir)
}

// openSession opens the project and starts rendering logbook entries on
// stderr. The returned function stops rendering and closes the session.
func openSession() (*session.Session, func(), error) {
	dir, err := resolveProjectDir()
	if err != nil {
		return nil, nil, err
	}
	s, err := session.Open(dir, session.Options{
		LogLevel:  logging.ParseLevel(logLevel),
		Ephemeral: ephemeral,
	})
	if err != nil {
		return nil, nil, err
	}
	stop := renderLogbook(s.Logbook, os.Stderr)
	return s, func() {
		stop()
		if err := s.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "close project: %v\n", err)
		}
	}, nil
}

// prepare brings the runtime up, activates it and loads every installed
// module. A missing runtime is reported but not fatal.
func prepare(ctx context.Context, s *session.Session) error {
	if err := <-s.BringUpRuntime(ctx); err != nil {
		s.Logbook.Warn("Module runtime unavailable: %v", err)
	} else if err := s.ActivateRuntime(); err != nil {
		s.Logbook.Warn("Module runtime unavailable: %v", err)
	}
	report, err := s.LoadModules()
	for name, loadErr := range report.Failed {
		s.Logger.Warn("module failed to load", "module", name, "error", loadErr)
	}
	return err
}
