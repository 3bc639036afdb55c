// Package feasibility runs query documents through parsing, ontology
// expansion and evaluation. It is shared by the CLI and the HTTP server.
package feasibility

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/feasibility/internal/engine"
	"github.com/ehr/feasibility/internal/ontology"
	"github.com/ehr/feasibility/internal/parser"
	"github.com/ehr/feasibility/internal/query"
)

// Service evaluates query documents.
type Service struct {
	expander *ontology.Expander
	compiler engine.Compiler
	engine   *engine.Engine
	log      zerolog.Logger
}

// NewService creates a Service. compiler is only used by Compile; the
// engine compiles through its own resolver.
func NewService(expander *ontology.Expander, compiler engine.Compiler, eng *engine.Engine, logger zerolog.Logger) *Service {
	return &Service{
		expander: expander,
		compiler: compiler,
		engine:   eng,
		log:      logger.With().Str("component", "feasibility").Logger(),
	}
}

// Expand parses data in format f and resolves it against the ontology.
func (s *Service) Expand(f parser.Format, data []byte) (query.ExpandedQuery, error) {
	sq, err := parser.Parse(f, data)
	if err != nil {
		return query.ExpandedQuery{}, fmt.Errorf("parse %s query: %w", f, err)
	}
	eq, err := s.expander.Expand(sq)
	if err != nil {
		return query.ExpandedQuery{}, fmt.Errorf("expand query: %w", err)
	}
	return eq, nil
}

// Count returns the number of patients matching the query document.
func (s *Service) Count(ctx context.Context, f parser.Format, data []byte) (int, error) {
	eq, err := s.Expand(f, data)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	n, err := s.engine.CalculatePatientCount(ctx, eq)
	if err != nil {
		return 0, err
	}

	s.log.Info().
		Str("format", string(f)).
		Int("inclusion_groups", len(eq.InclusionGroups)).
		Int("exclusion_clauses", len(eq.ExclusionClauses)).
		Int("count", n).
		Dur("elapsed", time.Since(start)).
		Msg("query evaluated")
	return n, nil
}

// Compile returns the distinct search queries the document expands to, in
// document order. Nothing is sent to the FHIR server.
func (s *Service) Compile(f parser.Format, data []byte) ([]string, error) {
	eq, err := s.Expand(f, data)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	queries := []string{}
	for _, c := range eq.Criteria() {
		q, err := s.compiler.Compile(c)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", c, err)
		}
		if _, ok := seen[q]; ok {
			continue
		}
		seen[q] = struct{}{}
		queries = append(queries, q)
	}
	return queries, nil
}
