package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/sleuth/internal/dispatch"
	"github.com/kingrea/sleuth/internal/session"
	"github.com/kingrea/sleuth/resolution"
)

var (
	resolveEntities []string
	resolveSets     []string
	resolveOrigin   string
	unitsType       string

	resolveCmd = &cobra.Command{
		Use:   "resolve <unit>...",
		Short: "Run units against graph entities and merge their results",
		Long: `resolve runs each named unit against the selected entities (every
entity in the graph when --entity is not given). Entities whose type a unit
does not accept are skipped. Several units run concurrently.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runResolve,
	}
	unitsCmd = &cobra.Command{
		Use:   "units",
		Short: "List the units of every loaded module",
		Args:  cobra.NoArgs,
		RunE:  runUnits,
	}
	paramsCmd = &cobra.Command{
		Use:   "params",
		Short: "Inspect and store unit parameters",
	}
	paramsShowCmd = &cobra.Command{
		Use:   "show <unit>",
		Short: "Show the current value of each parameter and where it comes from",
		Args:  cobra.ExactArgs(1),
		RunE:  runParamsShow,
	}
	paramsSetCmd = &cobra.Command{
		Use:   "set <unit> <parameter> [value...]",
		Short: "Validate and store a parameter value (no values clears it)",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runParamsSet,
	}
)

func init() {
	resolveCmd.Flags().StringArrayVarP(&resolveEntities, "entity", "e", nil, "uid of an entity to resolve (repeatable)")
	resolveCmd.Flags().StringArrayVar(&resolveSets, "set", nil, "parameter value as name=value (repeat a name for lists)")
	resolveCmd.Flags().StringVar(&resolveOrigin, "origin", "", "uid that unlinked result items attach to")
	unitsCmd.Flags().StringVar(&unitsType, "type", "", "only units accepting this entity type")
	paramsCmd.AddCommand(paramsShowCmd, paramsSetCmd)
}

// parseParameters groups name=value pairs; a repeated name becomes a list.
func parseParameters(sets []string) (map[string]any, error) {
	if len(sets) == 0 {
		return nil, nil
	}
	grouped := map[string][]string{}
	var order []string
	for _, set := range sets {
		name, value, ok := strings.Cut(set, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("expected name=value, got %q", set)
		}
		if _, seen := grouped[name]; !seen {
			order = append(order, name)
		}
		grouped[name] = append(grouped[name], value)
	}
	out := make(map[string]any, len(grouped))
	for _, name := range order {
		values := grouped[name]
		if len(values) == 1 {
			out[name] = values[0]
		} else {
			out[name] = values
		}
	}
	return out, nil
}

func selectEntities(ctx context.Context, s *session.Session, uids []string) ([]resolution.Entity, error) {
	if len(uids) == 0 {
		return s.Graph.Entities(ctx)
	}
	out := make([]resolution.Entity, 0, len(uids))
	for _, uid := range uids {
		e, ok, err := s.Graph.Entity(ctx, uid)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("no entity with uid %s", uid)
		}
		out = append(out, e)
	}
	return out, nil
}

func runResolve(cmd *cobra.Command, args []string) error {
	parameters, err := parseParameters(resolveSets)
	if err != nil {
		return err
	}
	s, done, err := openSession()
	if err != nil {
		return err
	}
	defer done()
	ctx := cmd.Context()
	if err := prepare(ctx, s); err != nil {
		return err
	}
	entities, err := selectEntities(ctx, s, resolveEntities)
	if err != nil {
		return err
	}
	if err := s.StartBridge(ctx); err != nil {
		s.Logbook.Warn("Message bridge unavailable: %v", err)
	}
	reqs := make([]dispatch.Request, 0, len(args))
	for _, unit := range args {
		reqs = append(reqs, dispatch.Request{
			Unit:       unit,
			Entities:   entities,
			Parameters: parameters,
			Origin:     resolveOrigin,
		})
	}
	var errs []error
	for _, report := range s.Dispatcher.DispatchAll(ctx, reqs) {
		printReport(cmd.OutOrStdout(), report)
		if report.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", report.Unit, report.Err))
		}
	}
	return errors.Join(errs...)
}

func printReport(w io.Writer, r dispatch.Report) {
	switch {
	case r.Err != nil:
		fmt.Fprintf(w, "%s %s\n", errorColor.Sprint("✗"), r.Unit)
	case r.Failed():
		fmt.Fprintf(w, "%s %s: %s\n", warnColor.Sprint("!"), r.Unit, r.Failure)
	default:
		created, reused := 0, 0
		if r.Merge != nil {
			created, reused = len(r.Merge.Created), r.Merge.Reused
		}
		fmt.Fprintf(w, "%s %s: %d entities in, %d created, %d reused\n", successColor.Sprint("✓"), r.Unit, r.Eligible, created, reused)
		if r.Merge != nil {
			for _, e := range r.Merge.Created {
				primary := ""
				if f, ok := e.PrimaryField(); ok {
					primary = f.Value
				}
				fmt.Fprintf(w, "    %s %s %s\n", mutedColor.Sprint(e.UID), infoColor.Sprint(e.Type), primary)
			}
		}
	}
	if r.Skipped > 0 {
		fmt.Fprintf(w, "    %s\n", mutedColor.Sprintf("%d entities skipped (type not accepted)", r.Skipped))
	}
}

func runUnits(cmd *cobra.Command, _ []string) error {
	s, done, err := openSession()
	if err != nil {
		return err
	}
	defer done()
	if err := prepare(cmd.Context(), s); err != nil {
		return err
	}
	regs := s.Modules.Units()
	if unitsType != "" {
		regs = s.Modules.UnitsFor(unitsType)
	}
	out := cmd.OutOrStdout()
	for _, reg := range regs {
		d := reg.Descriptor
		fmt.Fprintf(out, "%s %s  %s → %s\n", infoColor.Sprint(d.Name), mutedColor.Sprintf("[%s]", reg.Module),
			strings.Join(d.OriginTypes, ", "), strings.Join(d.ResultTypes, ", "))
		if d.Description != "" {
			fmt.Fprintf(out, "    %s\n", d.Description)
		}
	}
	return nil
}

func runParamsShow(cmd *cobra.Command, args []string) error {
	s, done, err := openSession()
	if err != nil {
		return err
	}
	defer done()
	if err := prepare(cmd.Context(), s); err != nil {
		return err
	}
	reg, ok := s.Modules.Lookup(args[0])
	if !ok {
		return fmt.Errorf("%w: %s", dispatch.ErrUnknownUnit, args[0])
	}
	out := cmd.OutOrStdout()
	for _, p := range reg.Descriptor.Parameters {
		values, source, err := s.Params.Current(reg.Descriptor, p.Name)
		if err != nil {
			fmt.Fprintf(out, "%s  %s\n", p.Name, errorColor.Sprint(err))
			continue
		}
		scope := ""
		if p.Global {
			scope = mutedColor.Sprint(" (global)")
		}
		fmt.Fprintf(out, "%s%s = %s  %s\n", p.Name, scope, strings.Join(values, ", "), mutedColor.Sprint(source))
	}
	return nil
}

func runParamsSet(cmd *cobra.Command, args []string) error {
	s, done, err := openSession()
	if err != nil {
		return err
	}
	defer done()
	if err := prepare(cmd.Context(), s); err != nil {
		return err
	}
	reg, ok := s.Modules.Lookup(args[0])
	if !ok {
		return fmt.Errorf("%w: %s", dispatch.ErrUnknownUnit, args[0])
	}
	var value any
	switch values := args[2:]; len(values) {
	case 0:
	case 1:
		value = values[0]
	default:
		value = values
	}
	if err := s.Params.Set(reg.Descriptor, args[1], value); err != nil {
		return err
	}
	successColor.Fprintf(cmd.OutOrStdout(), "Stored %s for %s\n", args[1], args[0])
	return nil
}
