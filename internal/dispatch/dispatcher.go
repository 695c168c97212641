// Package dispatch runs resolution units against selected entities and merges
// what they return into the project graph.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/sleuth/internal/graph"
	"github.com/kingrea/sleuth/internal/logbook"
	"github.com/kingrea/sleuth/internal/module"
	"github.com/kingrea/sleuth/internal/params"
	"github.com/kingrea/sleuth/resolution"
)

const defaultWorkers = 4

// Request selects a unit, the entities it runs on and explicit parameter
// values.
type Request struct {
	Unit       string
	Entities   []resolution.Entity
	Parameters map[string]any
	// Origin is the graph entity that unlinked result items attach to.
	// When empty and exactly one entity is eligible, that entity is used.
	Origin string
}

// Report describes one finished dispatch. Exactly one of Failure, Merge and
// Err is meaningful.
type Report struct {
	Unit   string
	Module string
	// Eligible and Skipped count the selected entities that were passed
	// to the unit and those filtered out by type.
	Eligible int
	Skipped  int
	Failure  string
	Merge    *graph.Merge
	Err      error
	Duration time.Duration
}

// Failed reports whether the unit returned a user-facing failure.
func (r Report) Failed() bool { return r.Failure != "" }

// Options configures a Dispatcher.
type Options struct {
	Registry *module.Registry
	Params   *params.Resolver
	Builder  *graph.Builder
	Sink     logbook.Sink
	Logger   *slog.Logger
	// Workers bounds DispatchAll.
	Workers int
}

// Dispatcher invokes units from a registry. It is safe for concurrent use.
type Dispatcher struct {
	registry *module.Registry
	params   *params.Resolver
	builder  *graph.Builder
	sink     logbook.Sink
	logger   *slog.Logger
	workers  int
}

// New validates the options.
func New(opts Options) (*Dispatcher, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("dispatch: registry is required")
	}
	if opts.Params == nil {
		return nil, fmt.Errorf("dispatch: parameter resolver is required")
	}
	if opts.Builder == nil {
		return nil, fmt.Errorf("dispatch: graph builder is required")
	}
	if opts.Sink == nil {
		opts.Sink = logbook.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Workers < 1 {
		opts.Workers = defaultWorkers
	}
	return &Dispatcher{
		registry: opts.Registry,
		params:   opts.Params,
		builder:  opts.Builder,
		sink:     opts.Sink,
		logger:   opts.Logger,
		workers:  opts.Workers,
	}, nil
}

// Workers returns the DispatchAll concurrency bound.
func (d *Dispatcher) Workers() int { return d.workers }

// Dispatch runs one unit. A Failure outcome is not an error: it is carried
// in the report and recorded in the logbook. Errors are one of
// ErrUnknownUnit, ErrNoEligibleEntities, *ParameterError, *InvocationError,
// *graph.ProtocolError or a graph store error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Report, error) {
	start := time.Now()
	report := Report{Unit: strings.TrimSpace(req.Unit)}

	ctx, span := tracer.Start(ctx, "dispatch.Resolve",
		trace.WithAttributes(
			attribute.String("sleuth.unit", report.Unit),
			attribute.Int("sleuth.entities", len(req.Entities)),
		),
	)
	defer span.End()

	dispatchInFlight.Inc()
	defer dispatchInFlight.Dec()

	err := d.dispatch(ctx, req, &report)
	report.Duration = time.Since(start)
	report.Err = err
	dispatchDuration.WithLabelValues(report.Unit).Observe(report.Duration.Seconds())

	outcome := "ok"
	switch {
	case err != nil:
		outcome = errorLabel(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case report.Failed():
		outcome = "failure"
		span.SetAttributes(attribute.String("sleuth.failure", report.Failure))
	default:
		span.SetAttributes(attribute.Int("sleuth.created", len(report.Merge.Created)))
	}
	span.SetAttributes(attribute.String("sleuth.module", report.Module))
	dispatchTotal.WithLabelValues(report.Unit, outcome).Inc()
	return report, err
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request, report *Report) error {
	reg, ok := d.registry.Lookup(report.Unit)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownUnit, report.Unit)
	}
	report.Module = reg.Module
	desc := reg.Descriptor

	eligible := make([]resolution.Entity, 0, len(req.Entities))
	for _, e := range req.Entities {
		if desc.Accepts(e.Type) {
			eligible = append(eligible, e)
		}
	}
	report.Eligible = len(eligible)
	report.Skipped = len(req.Entities) - len(eligible)
	if len(eligible) == 0 {
		return fmt.Errorf("%w (%s accepts %s)", ErrNoEligibleEntities, desc.Name, strings.Join(desc.OriginTypes, ", "))
	}

	args, err := d.params.Resolve(desc, req.Parameters)
	if err != nil {
		var perr *ParameterError
		if errors.As(err, &perr) {
			d.record(logbook.LevelError, reg.Module, perr.Error(), true)
		}
		return err
	}

	unit, _, err := d.registry.Resolve(report.Unit)
	if err != nil {
		return &InvocationError{Unit: report.Unit, Err: err}
	}

	d.logger.Info("dispatching resolution",
		slog.String("unit", report.Unit),
		slog.String("module", reg.Module),
		slog.Int("entities", len(eligible)),
		slog.Int("skipped", report.Skipped),
	)

	outcome, err := invoke(ctx, unit, report.Unit, cloneEntities(eligible), args)
	if err != nil {
		d.logger.Error("resolution failed", slog.String("unit", report.Unit), slog.String("error", err.Error()))
		d.record(logbook.LevelError, reg.Module, err.Error(), false)
		return err
	}

	switch v := outcome.(type) {
	case resolution.Failure:
		report.Failure = strings.TrimSpace(v.String())
		if report.Failure == "" {
			report.Failure = "resolution failed"
		}
		d.record(logbook.LevelWarn, reg.Module, fmt.Sprintf("%s: %s", report.Unit, report.Failure), true)
		return nil
	case resolution.Result:
		origin := strings.TrimSpace(req.Origin)
		if origin == "" && len(eligible) == 1 {
			origin = eligible[0].UID
		}
		merge, err := d.builder.Merge(ctx, v, origin)
		if err != nil {
			var protoErr *graph.ProtocolError
			if errors.As(err, &protoErr) {
				d.logger.Error("resolution broke the result protocol",
					slog.String("unit", report.Unit),
					slog.String("module", reg.Module),
					slog.Int("item", protoErr.Item),
					slog.String("reason", protoErr.Reason),
				)
				d.record(logbook.LevelError, reg.Module, fmt.Sprintf("%s returned an invalid result: %v", report.Unit, protoErr), false)
			}
			return err
		}
		report.Merge = merge
		mergedEntities.Add(float64(len(merge.Created)))
		d.logger.Info("resolution merged",
			slog.String("unit", report.Unit),
			slog.Int("created", len(merge.Created)),
			slog.Int("reused", merge.Reused),
			slog.Int("edges", len(merge.Edges)),
		)
		return nil
	case nil:
		return &InvocationError{Unit: report.Unit, Err: errors.New("returned no outcome")}
	default:
		return &InvocationError{Unit: report.Unit, Err: fmt.Errorf("returned unsupported outcome %T", outcome)}
	}
}

// DispatchAll runs the requests concurrently, at most Workers at a time.
// A failing dispatch does not cancel the others; reports keep request order
// and carry their own Err.
func (d *Dispatcher) DispatchAll(ctx context.Context, reqs []Request) []Report {
	reports := make([]Report, len(reqs))
	var g errgroup.Group
	g.SetLimit(d.workers)
	for i, req := range reqs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				reports[i] = Report{Unit: req.Unit, Err: err}
				return nil
			}
			reports[i], _ = d.Dispatch(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

// invoke calls the unit, turning a panic into an *InvocationError.
func invoke(ctx context.Context, unit resolution.Unit, name string, entities []resolution.Entity, args resolution.Arguments) (outcome resolution.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = nil
			err = &InvocationError{Unit: name, Panic: r, Stack: debug.Stack()}
		}
	}()
	outcome, err = unit.Resolve(ctx, entities, args)
	if err != nil {
		return nil, &InvocationError{Unit: name, Err: err}
	}
	return outcome, nil
}

func cloneEntities(in []resolution.Entity) []resolution.Entity {
	out := make([]resolution.Entity, len(in))
	for i, e := range in {
		out[i] = e.Clone()
	}
	return out
}

func errorLabel(err error) string {
	var (
		perr  *ParameterError
		ierr  *InvocationError
		proto *graph.ProtocolError
	)
	switch {
	case errors.Is(err, ErrUnknownUnit):
		return "unknown_unit"
	case errors.Is(err, ErrNoEligibleEntities):
		return "no_entities"
	case errors.As(err, &perr):
		return "parameter_error"
	case errors.As(err, &ierr):
		return "invocation_error"
	case errors.As(err, &proto):
		return "protocol_error"
	default:
		return "error"
	}
}

func (d *Dispatcher) record(level logbook.Level, source, message string, popup bool) {
	d.sink.Record(logbook.Entry{
		Time:    time.Now(),
		Level:   level,
		Source:  source,
		Message: message,
		Popup:   popup,
	})
}
