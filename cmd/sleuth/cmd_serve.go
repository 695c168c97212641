package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kingrea/sleuth/internal/logging"
	"github.com/kingrea/sleuth/internal/session"
	"github.com/kingrea/sleuth/internal/tui"
	"github.com/kingrea/sleuth/plugins"
)

var (
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the message bridge and reload modules as they change on disk",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	uiCmd = &cobra.Command{
		Use:   "ui",
		Short: "Start the terminal shell",
		Args:  cobra.NoArgs,
		RunE:  runUI,
	}
)

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, done, err := openSession()
	if err != nil {
		return err
	}
	defer done()
	if err := prepare(ctx, s); err != nil && !errors.Is(err, plugins.ErrLoadAborted) {
		return err
	}
	if err := s.StartBridge(ctx); err != nil {
		return err
	}
	if s.Bridge.Addr() != "" {
		successColor.Fprintf(cmd.OutOrStdout(), "Message bridge listening on %s\n", s.Bridge.BaseURL())
	}
	changes, err := s.Loader.Watch(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Watching %s (ctrl+c to stop)\n", s.Loader.Dir())
	for change := range changes {
		reloadChanged(s, change)
	}
	return nil
}

// reloadChanged reloads the modules named by a watcher change. Modules that
// vanished are dropped by the failed load.
func reloadChanged(s *session.Session, change plugins.Change) {
	for _, name := range change.Modules {
		err := s.Loader.Load(name)
		switch {
		case err == nil:
			s.Logbook.Info("Reloaded module %s", name)
		case errors.Is(err, plugins.ErrNotInstalled):
			s.Logbook.Info("Module %s removed", name)
		default:
			s.Logbook.Error("Reloading module %s failed: %v", name, err)
		}
	}
}

func runUI(cmd *cobra.Command, _ []string) error {
	dir, err := resolveProjectDir()
	if err != nil {
		return err
	}
	s, err := session.Open(dir, session.Options{
		LogLevel:  logging.ParseLevel(logLevel),
		Ephemeral: ephemeral,
	})
	if err != nil {
		return err
	}
	defer s.Close()
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err := s.StartBridge(ctx); err != nil {
		s.Logbook.Warn("Message bridge unavailable: %v", err)
	}

	p := tea.NewProgram(tui.NewApp(s), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run terminal shell: %w", err)
	}
	return nil
}
