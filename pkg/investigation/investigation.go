// Package investigation wires router, adapters, persister, disambiguation
// and the cascade executor into the operations the API and the worker
// expose.
package investigation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/pivot/pkg/adapter"
	"github.com/OFFIS-RIT/pivot/pkg/cascade"
	"github.com/OFFIS-RIT/pivot/pkg/common"
	"github.com/OFFIS-RIT/pivot/pkg/dedupe"
	"github.com/OFFIS-RIT/pivot/pkg/graph"
	"github.com/OFFIS-RIT/pivot/pkg/logger"
	"github.com/OFFIS-RIT/pivot/pkg/metrics"
	"github.com/OFFIS-RIT/pivot/pkg/operator"
	"github.com/OFFIS-RIT/pivot/pkg/rules"
	"github.com/OFFIS-RIT/pivot/pkg/store"
)

var (
	ErrUnknownTemplate     = errors.New("unknown template")
	ErrUnknownJurisdiction = errors.New("unknown jurisdiction")
)

type ServiceParams struct {
	Router    *operator.Router
	Actions   cascade.Actions
	Persister *graph.Persister
	Engine    *dedupe.Engine
	Templates *cascade.Templates
	DeadEnds  *cascade.StaticCatalog
	Metrics   *metrics.Collector
	Config    cascade.Config
}

type Service struct {
	router    *operator.Router
	actions   cascade.Actions
	persister *graph.Persister
	engine    *dedupe.Engine
	templates *cascade.Templates
	deadEnds  *cascade.StaticCatalog
	metrics   *metrics.Collector
	executor  *cascade.Executor
}

// NewService builds the service. When Engine is nil a disambiguation engine
// is created on the persister; either way it is installed as the persister's
// resolver.
func NewService(params ServiceParams) *Service {
	s := &Service{
		router:    params.Router,
		actions:   params.Actions,
		persister: params.Persister,
		engine:    params.Engine,
		templates: params.Templates,
		deadEnds:  params.DeadEnds,
		metrics:   params.Metrics,
	}
	if s.engine == nil {
		s.engine = dedupe.NewEngine(dedupe.EngineParams{Persister: params.Persister, Metrics: params.Metrics})
	}
	params.Persister.SetResolver(s.engine)
	s.executor = cascade.NewExecutor(cascade.ExecutorParams{
		Router:  params.Router,
		Actions: params.Actions,
		Sink:    params.Persister,
		Metrics: params.Metrics,
		Config:  params.Config,
	})
	return s
}

func (s *Service) Router() *operator.Router {
	return s.router
}

func (s *Service) Rules() *rules.Tables {
	return s.persister.Rules()
}

func (s *Service) Templates() *cascade.Templates {
	return s.templates
}

// QueryResult answers a single operator query. INTEL answers carry only the
// decision; ACTION answers also carry the facts and graph operations.
type QueryResult struct {
	Decision   operator.RouteDecision  `json:"decision"`
	Facts      *common.CodedFacts      `json:"facts,omitempty"`
	Operations []common.GraphOperation `json:"operations,omitempty"`
	Violations []string                `json:"violations,omitempty"`
}

// Query routes one operator query. INTEL never reaches an adapter or the
// graph; ACTION runs the adapter once and persists the result.
func (s *Service) Query(ctx context.Context, query string) (*QueryResult, error) {
	opCtx, err := s.router.Parse(query)
	if err != nil {
		return nil, err
	}
	decision, err := s.router.Route(opCtx)
	if err != nil {
		return nil, err
	}
	res := &QueryResult{Decision: decision}
	if decision.Mode == operator.ModeIntel {
		return res, nil
	}

	facts, err := s.actions.Execute(ctx, adapter.Request{
		Handler:      decision.HandlerID,
		Value:        decision.Value,
		Jurisdiction: decision.Jurisdiction,
	})
	if err != nil {
		return nil, err
	}
	if facts.Handler == "" {
		facts.Handler = decision.HandlerID
	}
	if facts.Subject == nil {
		if class, ok := s.router.SubjectClass(opCtx.Subject); ok {
			facts.Subject = &common.EntityRef{Class: class, Value: decision.Value}
		}
	}
	res.Facts = &facts

	ops, err := s.persister.Persist(ctx, facts)
	res.Operations = ops
	if err != nil {
		if !common.IsSchemaViolation(err) {
			return nil, fmt.Errorf("failed to persist result of %s: %w", decision.HandlerID, err)
		}
		res.Violations = strings.Split(err.Error(), "\n")
	}
	return res, nil
}

// Request starts an investigation.
type Request struct {
	ID           string `json:"id"`
	Template     string `json:"template" validate:"required"`
	Target       string `json:"target" validate:"required"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
}

// Validate checks template and jurisdiction before a job is accepted.
func (s *Service) Validate(req Request) error {
	if _, ok := s.templates.Get(req.Template); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTemplate, req.Template)
	}
	if req.Jurisdiction != "" {
		if _, ok := s.router.Jurisdiction(req.Jurisdiction); !ok {
			return fmt.Errorf("%w: %s", ErrUnknownJurisdiction, req.Jurisdiction)
		}
	}
	if strings.TrimSpace(req.Target) == "" {
		return errors.New("target is required")
	}
	return nil
}

// Investigate runs the template against the target. Schema violations are
// returned next to the complete result.
func (s *Service) Investigate(ctx context.Context, req Request) (*cascade.Result, error) {
	if err := s.Validate(req); err != nil {
		return nil, err
	}
	tmpl, _ := s.templates.Get(req.Template)

	exec := s.executor
	if s.deadEnds != nil {
		exec = exec.WithDeadEnds(s.deadEnds.For(req.Jurisdiction))
	}
	res, err := exec.Run(ctx, req.ID, tmpl, cascade.Target{
		Value:        strings.TrimSpace(req.Target),
		Jurisdiction: strings.ToLower(req.Jurisdiction),
	})

	status := "done"
	switch {
	case err != nil && !common.IsSchemaViolation(err):
		status = "failed"
	case res.Partial:
		status = "partial"
	}
	s.metrics.Investigation(status)
	if err != nil {
		logger.Warn("[Investigation] finished with errors", "id", req.ID, "err", err)
	}
	return res, err
}

// Node loads a node.
func (s *Service) Node(ctx context.Context, id string) (common.Node, error) {
	return s.persister.Node(ctx, id)
}

// Clusters returns the collision clusters the node belongs to.
func (s *Service) Clusters(ctx context.Context, id string) ([]common.CollisionCluster, error) {
	n, err := s.persister.Node(ctx, id)
	if err != nil {
		return nil, err
	}
	candidates, err := s.persister.Store().Search(ctx, store.SearchQuery{Class: n.Class, IdentityKey: n.IdentityKey})
	if err != nil {
		return nil, fmt.Errorf("failed to search candidates of %s: %w", id, err)
	}
	return s.engine.Cluster(candidates), nil
}

// Wedge suggests lookups that could settle one binary star.
type Wedge struct {
	NodeID     string   `json:"node_id"`
	OtherID    string   `json:"other_id"`
	OtherLabel string   `json:"other_label"`
	Confidence float64  `json:"confidence"`
	Queries    []string `json:"queries"`
}

// Wedges lists wedge queries for every binary star the node is part of.
func (s *Service) Wedges(ctx context.Context, id string) ([]Wedge, error) {
	n, err := s.persister.Node(ctx, id)
	if err != nil {
		return nil, err
	}
	var targets []string
	for _, e := range n.Edges {
		if e.Relation == rules.RelationBinaryStar {
			targets = append(targets, e.TargetID)
		}
	}
	others, err := s.persister.Nodes(ctx, targets)
	if err != nil {
		return nil, fmt.Errorf("failed to load binary stars of %s: %w", id, err)
	}
	byID := make(map[string]common.Node, len(others))
	for _, o := range others {
		byID[o.ID] = o
	}

	out := make([]Wedge, 0)
	for _, e := range n.Edges {
		if e.Relation != rules.RelationBinaryStar {
			continue
		}
		other, ok := byID[e.TargetID]
		if !ok {
			continue
		}
		out = append(out, Wedge{
			NodeID:     n.ID,
			OtherID:    other.ID,
			OtherLabel: other.Label,
			Confidence: e.Confidence,
			Queries:    s.engine.WedgeQueries(n, other),
		})
	}
	return out, nil
}
