package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/sleuth/internal/graph"
	"github.com/kingrea/sleuth/resolution"
)

var (
	exportPath string

	graphCmd = &cobra.Command{
		Use:   "graph",
		Short: "Inspect and seed the project graph",
	}
	graphAddCmd = &cobra.Command{
		Use:   "add <entity-type> <field=value>...",
		Short: "Add an entity (an existing one with the same identity is reused)",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runGraphAdd,
	}
	graphListCmd = &cobra.Command{
		Use:   "list",
		Short: "List the entities in the graph",
		Args:  cobra.NoArgs,
		RunE:  runGraphList,
	}
	graphExportCmd = &cobra.Command{
		Use:   "export",
		Short: "Write the graph as JSON",
		Args:  cobra.NoArgs,
		RunE:  runGraphExport,
	}
)

func init() {
	graphExportCmd.Flags().StringVarP(&exportPath, "output", "o", "", "file to write (defaults to stdout)")
	graphCmd.AddCommand(graphAddCmd, graphListCmd, graphExportCmd)
}

// parseFields turns field=value arguments into ordered entity fields.
func parseFields(args []string) ([]resolution.Field, error) {
	fields := make([]resolution.Field, 0, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("expected field=value, got %q", arg)
		}
		fields = append(fields, resolution.Attr(name, value))
	}
	return fields, nil
}

func runGraphAdd(cmd *cobra.Command, args []string) error {
	fields, err := parseFields(args[1:])
	if err != nil {
		return err
	}
	s, done, err := openSession()
	if err != nil {
		return err
	}
	defer done()
	if err := prepare(cmd.Context(), s); err != nil {
		return err
	}
	uids, err := s.Builder.Add(cmd.Context(), resolution.NewEntity(args[0], fields...))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), uids[0])
	return nil
}

func runGraphList(cmd *cobra.Command, _ []string) error {
	s, done, err := openSession()
	if err != nil {
		return err
	}
	defer done()
	entities, err := s.Graph.Entities(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, e := range entities {
		primary := ""
		if f, ok := e.PrimaryField(); ok {
			primary = f.Value
		}
		fmt.Fprintf(out, "%s  %s  %s\n", mutedColor.Sprint(e.UID), infoColor.Sprint(e.Type), primary)
	}
	return nil
}

func runGraphExport(cmd *cobra.Command, _ []string) error {
	s, done, err := openSession()
	if err != nil {
		return err
	}
	defer done()
	snapshot, err := graph.Export(cmd.Context(), s.Graph)
	if err != nil {
		return err
	}
	var w io.Writer = cmd.OutOrStdout()
	if exportPath != "" {
		file, err := os.Create(exportPath)
		if err != nil {
			return err
		}
		defer file.Close()
		w = file
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snapshot)
}
