// Package engine evaluates an expanded query into a patient count. Every
// criterion is fetched concurrently through a Resolver; per-group unions
// and the intersections and unions above them are the join points.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/feasibility/internal/platform/telemetry"
	"github.com/ehr/feasibility/internal/query"
)

// Engine computes |∩ inclusion groups \ ∪ exclusion clauses|.
type Engine struct {
	resolver  Resolver
	cost      CostEstimator
	log       zerolog.Logger
	telemetry *telemetry.Provider
}

// Option configures an Engine.
type Option func(*Engine)

// WithCostEstimator replaces the group ordering heuristic.
func WithCostEstimator(est CostEstimator) Option {
	return func(e *Engine) {
		if est != nil {
			e.cost = est
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l.With().Str("component", "engine").Logger() }
}

// WithTelemetry records evaluation metrics and spans.
func WithTelemetry(tp *telemetry.Provider) Option {
	return func(e *Engine) { e.telemetry = tp }
}

// New creates an Engine on resolver. The default heuristic is CodePointSum.
func New(resolver Resolver, opts ...Option) *Engine {
	e := &Engine{
		resolver: resolver,
		cost:     CodePointSum,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CalculatePatientCount returns the number of patients matching q.
func (e *Engine) CalculatePatientCount(ctx context.Context, q query.ExpandedQuery) (int, error) {
	ids, err := e.Evaluate(ctx, q)
	if err != nil {
		return 0, err
	}
	return ids.Len(), nil
}

// Evaluate returns the patients matching q. The first failing criterion
// fails the whole evaluation and cancels the remaining fetches.
func (e *Engine) Evaluate(ctx context.Context, q query.ExpandedQuery) (_ query.PatientIDSet, err error) {
	runID := uuid.NewString()
	log := e.log.With().Str("run_id", runID).Logger()
	start := time.Now()

	ctx, span := e.telemetry.Tracer().Start(ctx, "engine.evaluate")
	span.SetAttributes(
		attribute.String("run_id", runID),
		attribute.Int("inclusion_groups", len(q.InclusionGroups)),
		attribute.Int("exclusion_clauses", len(q.ExclusionClauses)),
	)
	defer func() {
		telemetry.EndSpan(span, err)
		e.telemetry.ObserveEvaluation(err, time.Since(start))
	}()

	log.Debug().
		Int("inclusion_groups", len(q.InclusionGroups)).
		Int("exclusion_clauses", len(q.ExclusionClauses)).
		Int("criteria", len(q.Criteria())).
		Msg("evaluating query")

	g, gctx := errgroup.WithContext(ctx)
	var included, excluded query.PatientIDSet
	g.Go(func() error {
		var err error
		included, err = e.intersectGroups(gctx, q.InclusionGroups)
		return err
	})
	g.Go(func() error {
		var err error
		excluded, err = e.unionClauses(gctx, q.ExclusionClauses)
		return err
	})
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Dur("duration", time.Since(start)).Msg("evaluation failed")
		return nil, fmt.Errorf("evaluate query: %w", err)
	}

	result := included.Difference(excluded)
	span.SetAttributes(attribute.Int("patient_count", result.Len()))
	log.Info().
		Int("included", included.Len()).
		Int("excluded", excluded.Len()).
		Int("count", result.Len()).
		Dur("duration", time.Since(start)).
		Msg("evaluation complete")
	return result, nil
}

// intersectGroups intersects the unions of groups, cheapest group first.
// No groups yields the empty set.
func (e *Engine) intersectGroups(ctx context.Context, groups []query.CriteriaGroup) (query.PatientIDSet, error) {
	if len(groups) == 0 {
		return query.NewPatientIDSet(), nil
	}
	ordered := orderGroups(e.cost, groups)

	g, gctx := errgroup.WithContext(ctx)
	sets := make([]query.PatientIDSet, len(ordered))
	for i, group := range ordered {
		futures := e.dispatch(gctx, group)
		g.Go(func() error {
			s, err := unionFutures(gctx, futures)
			sets[i] = s
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return query.IntersectAll(sets...), nil
}

// unionClauses evaluates each exclusion clause concurrently and unions
// them. No clauses yields the empty set.
func (e *Engine) unionClauses(ctx context.Context, clauses [][]query.CriteriaGroup) (query.PatientIDSet, error) {
	if len(clauses) == 0 {
		return query.NewPatientIDSet(), nil
	}

	g, gctx := errgroup.WithContext(ctx)
	sets := make([]query.PatientIDSet, len(clauses))
	for i, clause := range clauses {
		g.Go(func() error {
			s, err := e.intersectGroups(gctx, clause)
			sets[i] = s
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return query.UnionAll(sets...), nil
}

// dispatch starts the fetch of every criterion in group.
func (e *Engine) dispatch(ctx context.Context, group query.CriteriaGroup) []*Future[query.PatientIDSet] {
	futures := make([]*Future[query.PatientIDSet], len(group))
	for i, c := range group {
		futures[i] = e.resolver.Resolve(ctx, c)
	}
	return futures
}

// unionFutures waits for every future and unions the results. The first
// failure ends the wait for the others.
func unionFutures(ctx context.Context, futures []*Future[query.PatientIDSet]) (query.PatientIDSet, error) {
	g, gctx := errgroup.WithContext(ctx)
	sets := make([]query.PatientIDSet, len(futures))
	for i, f := range futures {
		g.Go(func() error {
			ids, err := f.Await(gctx)
			sets[i] = ids
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return query.UnionAll(sets...), nil
}
