package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/sleuth/plugins"
)

var (
	moduleCmd = &cobra.Command{
		Use:     "module",
		Aliases: []string{"modules"},
		Short:   "Install, load and remove resolution modules",
	}
	moduleInstallCmd = &cobra.Command{
		Use:   "install <source-dir> [name]",
		Short: "Copy a module into managed storage and load it",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runModuleInstall,
	}
	moduleUninstallCmd = &cobra.Command{
		Use:   "uninstall <name>",
		Short: "Remove an installed module (shared dependencies stay)",
		Args:  cobra.ExactArgs(1),
		RunE:  runModuleUninstall,
	}
	moduleListCmd = &cobra.Command{
		Use:   "list",
		Short: "List built-in and installed modules",
		Args:  cobra.NoArgs,
		RunE:  runModuleList,
	}
	moduleLoadCmd = &cobra.Command{
		Use:   "load [name...]",
		Short: "Load every installed module, or reload the named ones",
		RunE:  runModuleLoad,
	}
)

func init() {
	moduleCmd.AddCommand(moduleInstallCmd, moduleUninstallCmd, moduleListCmd, moduleLoadCmd)
}

func runModuleInstall(cmd *cobra.Command, args []string) error {
	source, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	name := filepath.Base(source)
	if len(args) == 2 {
		name = args[1]
	}
	s, done, err := openSession()
	if err != nil {
		return err
	}
	defer done()
	if err := <-s.BringUpRuntime(cmd.Context()); err == nil {
		_ = s.ActivateRuntime()
	}
	manifest, err := s.Loader.Install(cmd.Context(), name, source)
	if err != nil {
		return err
	}
	if err := s.Loader.Load(name); err != nil {
		return fmt.Errorf("installed %s but loading failed: %w", name, err)
	}
	successColor.Fprintf(cmd.OutOrStdout(), "Installed %s %s by %s\n", manifest.Name, manifest.Version, manifest.Author)
	for _, unit := range s.Modules.ModuleUnits(name) {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", unit)
	}
	return nil
}

func runModuleUninstall(cmd *cobra.Command, args []string) error {
	s, done, err := openSession()
	if err != nil {
		return err
	}
	defer done()
	if err := s.Loader.Uninstall(args[0]); err != nil {
		return err
	}
	successColor.Fprintf(cmd.OutOrStdout(), "Uninstalled %s\n", args[0])
	return nil
}

func runModuleList(cmd *cobra.Command, _ []string) error {
	s, done, err := openSession()
	if err != nil {
		return err
	}
	defer done()
	report, err := s.LoadModules()
	if err != nil && !errors.Is(err, plugins.ErrLoadAborted) {
		return err
	}
	out := cmd.OutOrStdout()
	for _, info := range s.Modules.Modules() {
		tag := ""
		if info.Builtin {
			tag = mutedColor.Sprint(" (built-in)")
		}
		fmt.Fprintf(out, "%s%s  v%s  %s\n", info.Name, tag, info.Version, strings.Join(s.Modules.ModuleUnits(info.Name), ", "))
	}
	for name, loadErr := range report.Failed {
		fmt.Fprintf(out, "%s  %s\n", name, errorColor.Sprintf("failed: %v", loadErr))
	}
	for _, name := range report.Skipped {
		fmt.Fprintf(out, "%s  %s\n", name, warnColor.Sprint("skipped"))
	}
	return nil
}

func runModuleLoad(cmd *cobra.Command, args []string) error {
	s, done, err := openSession()
	if err != nil {
		return err
	}
	defer done()
	if err := <-s.BringUpRuntime(cmd.Context()); err == nil {
		_ = s.ActivateRuntime()
	}
	if len(args) == 0 {
		report, err := s.LoadModules()
		fmt.Fprintf(cmd.OutOrStdout(), "Loaded %d, failed %d, skipped %d\n", len(report.Loaded), len(report.Failed), len(report.Skipped))
		return err
	}
	var errs []error
	for _, name := range args {
		if err := s.Loader.Load(name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		successColor.Fprintf(cmd.OutOrStdout(), "Loaded %s\n", name)
	}
	return errors.Join(errs...)
}
