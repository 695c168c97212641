package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/sleuth/internal/session"
)

var (
	initTools []string

	initCmd = &cobra.Command{
		Use:   "init",
		Short: "Create the .sleuth directory for the project",
		Args:  cobra.NoArgs,
		RunE:  runInit,
	}

	runtimeCmd = &cobra.Command{
		Use:   "runtime",
		Short: "Manage the isolated module runtime",
	}
	runtimeEnsureCmd = &cobra.Command{
		Use:   "ensure",
		Short: "Create the runtime and install its shared tools",
		Args:  cobra.NoArgs,
		RunE:  runRuntimeEnsure,
	}
	runtimeToolsCmd = &cobra.Command{
		Use:   "tools [path@version...]",
		Short: "Replace the shared tools installed into the runtime",
		RunE:  runRuntimeTools,
	}
)

func init() {
	initCmd.Flags().StringSliceVar(&initTools, "tools", nil, "shared tools to install into the runtime (path@version)")
	runtimeCmd.AddCommand(runtimeEnsureCmd, runtimeToolsCmd)
}

func runInit(cmd *cobra.Command, _ []string) error {
	s, done, err := openSession()
	if err != nil {
		return err
	}
	defer done()
	if len(initTools) > 0 {
		if err := s.Config.SetSharedTools(initTools); err != nil {
			return err
		}
	}
	successColor.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", s.Config.DataProjectDir)
	return nil
}

func runRuntimeEnsure(cmd *cobra.Command, _ []string) error {
	s, done, err := openSession()
	if err != nil {
		return err
	}
	defer done()
	return ensureRuntime(cmd, s)
}

func runRuntimeTools(cmd *cobra.Command, args []string) error {
	s, done, err := openSession()
	if err != nil {
		return err
	}
	defer done()
	if err := s.Config.SetSharedTools(args); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Shared tools: %s\n", strings.Join(s.Config.Project.Runtime.SharedTools, ", "))
	return ensureRuntime(cmd, s)
}

func ensureRuntime(cmd *cobra.Command, s *session.Session) error {
	fmt.Fprintf(cmd.OutOrStdout(), "Bringing up runtime at %s...\n", s.Runtime.Root())
	if err := <-s.BringUpRuntime(cmd.Context()); err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	if err := s.ActivateRuntime(); err != nil {
		return fmt.Errorf("runtime: %w", err)
	}
	successColor.Fprintln(cmd.OutOrStdout(), "Runtime ready")
	return nil
}
