// Package cascade runs slot-filling investigations: a static template of
// slots and triggers is turned into rounds of actions whose results fill
// slots and spawn further actions until nothing new is learned.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/OFFIS-RIT/pivot/pkg/adapter"
	"github.com/OFFIS-RIT/pivot/pkg/common"
	"github.com/OFFIS-RIT/pivot/pkg/logger"
	"github.com/OFFIS-RIT/pivot/pkg/metrics"
	"github.com/OFFIS-RIT/pivot/pkg/normalize"
	"github.com/OFFIS-RIT/pivot/pkg/operator"

	"golang.org/x/sync/semaphore"
)

// Actions executes routed actions, usually an *adapter.Registry.
type Actions interface {
	Execute(ctx context.Context, req adapter.Request) (common.CodedFacts, error)
}

// Sink persists action results, usually a *graph.Persister.
type Sink interface {
	Persist(ctx context.Context, facts common.CodedFacts) ([]common.GraphOperation, error)
}

type ExecutorParams struct {
	Router   *operator.Router
	Actions  Actions
	Sink     Sink
	DeadEnds DeadEndCatalog
	Metrics  *metrics.Collector
	Config   Config
	Now      func() time.Time
}

type Executor struct {
	router   *operator.Router
	actions  Actions
	sink     Sink
	deadEnds DeadEndCatalog
	metrics  *metrics.Collector
	cfg      Config
	now      func() time.Time
}

func NewExecutor(params ExecutorParams) *Executor {
	e := &Executor{
		router:   params.Router,
		actions:  params.Actions,
		sink:     params.Sink,
		deadEnds: params.DeadEnds,
		metrics:  params.Metrics,
		cfg:      params.Config.normalized(),
		now:      params.Now,
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	return e
}

// WithDeadEnds returns a copy of e that consults catalog.
func (e *Executor) WithDeadEnds(catalog DeadEndCatalog) *Executor {
	c := *e
	c.deadEnds = catalog
	return &c
}

func (e *Executor) Config() Config {
	return e.cfg
}

// Result summarizes a finished investigation.
type Result struct {
	Document   *SlotDocument `json:"document"`
	Filled     []string      `json:"filled"`
	Unresolved []string      `json:"unresolved"`
	Actions    int           `json:"actions"`
	DeadEnds   int           `json:"dead_ends"`
	Rounds     int           `json:"rounds"`
	Partial    bool          `json:"partial"`
	// Retryable is set when an unresolved slot saw a transient adapter
	// failure, so running the investigation again may fill it.
	Retryable bool `json:"retryable"`
}

type spawn struct {
	trigger  string
	operator string
	input    string
	produces []string
	depth    int
}

type outcome struct {
	handler string
	facts   common.CodedFacts
	err     error
	schema  error
}

type change struct {
	value string
	depth int
}

type run struct {
	e        *Executor
	tmpl     *Template
	doc      *SlotDocument
	sem      *semaphore.Weighted
	seen     map[string]bool
	actions  int
	deadEnds int
	schema   []error
	retry    map[string]bool
}

// Run executes tmpl against target. The returned error is nil, a joined
// set of *common.SchemaViolation, or the context error when ctx was
// canceled; the result is complete in every case.
func (e *Executor) Run(ctx context.Context, id string, tmpl *Template, target Target) (*Result, error) {
	doc := NewDocument(id, tmpl, target, e.cfg.Budget)
	doc.Started = e.now()
	r := &run{
		e:     e,
		tmpl:  tmpl,
		doc:   doc,
		sem:   semaphore.NewWeighted(int64(e.cfg.MaxParallel)),
		seen:  make(map[string]bool),
		retry: make(map[string]bool),
	}

	logger.Info("[Cascade] starting investigation", "id", id, "template", tmpl.Name, "target", target.Value, "jurisdiction", target.Jurisdiction)

	budgetCtx, cancel := context.WithTimeout(ctx, e.cfg.Budget)
	defer cancel()

	spawns := r.initial()
	for len(spawns) > 0 {
		phase := "sweep"
		if doc.State == StateCascading {
			phase = "cascade"
			if doc.Rounds-1 >= e.cfg.MaxRounds {
				logger.Warn("[Cascade] round limit reached", "id", id, "rounds", doc.Rounds, "dropped", len(spawns))
				break
			}
		}

		results, expired := r.round(ctx, budgetCtx, spawns)
		doc.Rounds++
		e.metrics.Round(phase)
		changes := r.apply(spawns, results)

		if expired {
			doc.Partial = true
			logger.Warn("[Cascade] budget expired", "id", id, "budget", e.cfg.Budget, "rounds", doc.Rounds)
			break
		}
		doc.State = StateCascading
		spawns = r.evaluate(changes)
	}

	doc.State = StateGapFilling
	r.gapFill(ctx)

	doc.State = StateDone
	doc.Finished = e.now()
	res := r.finish()

	logger.Info("[Cascade] investigation done", "id", id, "filled", len(res.Filled), "unresolved", len(res.Unresolved), "actions", res.Actions, "rounds", res.Rounds, "partial", res.Partial)

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, errors.Join(r.schema...)
}

func seenKey(trigger, input string) string {
	return trigger + "\x1f" + normalize.Normalize(input)
}

// initial spawns every initial trigger with the target value.
func (r *run) initial() []spawn {
	var out []spawn
	for _, tr := range r.doc.Triggers {
		if !tr.Initial {
			continue
		}
		r.seen[seenKey(tr.ID, r.doc.Target.Value)] = true
		out = append(out, spawn{
			trigger:  tr.ID,
			operator: tr.Operator,
			input:    r.doc.Target.Value,
			produces: tr.Produces,
		})
	}
	return out
}

// evaluate spawns triggers for the values that were added in the last
// round, in trigger declaration order and then value order.
func (r *run) evaluate(changes map[string][]change) []spawn {
	var out []spawn
	for _, tr := range r.doc.Triggers {
		if tr.On == "" {
			continue
		}
		added := changes[tr.On]
		if !tr.ForEach && len(added) > 1 {
			added = added[:1]
		}
		for _, c := range added {
			key := seenKey(tr.ID, c.value)
			if r.seen[key] {
				continue
			}
			r.seen[key] = true

			depth := c.depth + 1
			if depth > r.e.cfg.MaxDepth {
				logger.Debug("[Cascade] depth limit reached", "trigger", tr.ID, "input", c.value, "depth", depth)
				continue
			}
			if r.deadEnd(tr, c.value) {
				continue
			}
			out = append(out, spawn{
				trigger:  tr.ID,
				operator: tr.Operator,
				input:    c.value,
				produces: tr.Produces,
				depth:    depth,
			})
		}
	}
	return out
}

func (r *run) deadEnd(tr Trigger, input string) bool {
	if r.e.deadEnds == nil {
		return false
	}
	hit := false
	for _, name := range tr.Produces {
		if !r.e.deadEnds.IsKnownDeadEnd(name, input) {
			continue
		}
		hit = true
		slot, _ := r.doc.Slot(name)
		slot.DeadEnds = append(slot.DeadEnds, input)
		if slot.State == SlotEmpty && slot.Reason == "" {
			slot.Reason = ReasonKnownDeadEnd
		}
	}
	if hit {
		r.deadEnds++
		r.e.metrics.DeadEnd()
		logger.Debug("[Cascade] skipping known dead end", "trigger", tr.ID, "input", input)
	}
	return hit
}

// round runs spawns concurrently and waits for all of them or for the
// budget. Actions that already started keep running on ctx after the budget
// expired and still persist what they find; their results are left out.
func (r *run) round(ctx, budgetCtx context.Context, spawns []spawn) ([]*outcome, bool) {
	for _, s := range spawns {
		for _, name := range s.produces {
			slot, _ := r.doc.Slot(name)
			slot.inflight++
			if slot.State == SlotEmpty {
				slot.State = SlotPending
			}
		}
	}
	r.actions += len(spawns)

	results := make([]*outcome, len(spawns))
	var mu sync.Mutex
	done := make(chan struct{}, len(spawns))
	target := r.doc.Target

	for i, s := range spawns {
		go func() {
			defer func() { done <- struct{}{} }()
			if err := r.sem.Acquire(budgetCtx, 1); err != nil {
				return
			}
			o := r.e.execute(ctx, target, s)
			r.sem.Release(1)

			mu.Lock()
			results[i] = o
			mu.Unlock()
		}()
	}

	for range spawns {
		select {
		case <-done:
		case <-budgetCtx.Done():
			mu.Lock()
			snapshot := append([]*outcome(nil), results...)
			mu.Unlock()
			return snapshot, true
		}
	}
	mu.Lock()
	defer mu.Unlock()
	// Every spawn may have given up on the semaphore before the select saw
	// the budget expire.
	if budgetCtx.Err() != nil && slices.Contains(results, nil) {
		return results, true
	}
	return results, false
}

// apply folds results into the document in spawn order and returns the
// values each slot gained.
func (r *run) apply(spawns []spawn, results []*outcome) map[string][]change {
	changes := make(map[string][]change)
	for i, s := range spawns {
		o := results[i]
		if o != nil && o.schema != nil {
			r.schema = append(r.schema, o.schema)
			r.doc.Errors = append(r.doc.Errors, o.schema.Error())
		}

		for _, name := range s.produces {
			slot, _ := r.doc.Slot(name)
			slot.inflight--

			switch {
			case o == nil:
				if slot.Reason == "" {
					slot.Reason = ReasonBudgetExhausted
				}
			case o.err != nil:
				var wall *common.WallDetected
				slot.failed++
				slot.Failures = append(slot.Failures, Failure{
					Trigger: s.trigger,
					Input:   s.input,
					Handler: o.handler,
					Error:   o.err.Error(),
					Wall:    errors.As(o.err, &wall),
				})
				if common.IsRetryable(o.err) {
					r.retry[name] = true
				}
			default:
				spec, _ := r.tmpl.slot(name)
				source := s.trigger + "/" + o.handler
				for _, v := range slot.fill(o.facts.Values(spec.Codes...), source) {
					changes[name] = append(changes[name], change{value: v, depth: s.depth})
				}
				slot.succeeded++
			}

			if slot.inflight == 0 && slot.State == SlotPending {
				slot.State = SlotEmpty
				slot.Reason = emptyReason(slot)
			}
		}

		if o != nil && o.err != nil {
			logger.Warn("[Cascade] action failed", "trigger", s.trigger, "input", s.input, "handler", o.handler, "err", o.err)
		}
	}
	return changes
}

func emptyReason(s *Slot) string {
	if s.succeeded > 0 || s.failed == 0 {
		if s.Reason != "" {
			return s.Reason
		}
		return ReasonNoResult
	}
	for _, f := range s.Failures {
		if !f.Wall {
			return ReasonActionsFailed
		}
	}
	return ReasonWall
}

// gapFill offers each empty slot with a gap_fill operator one lookup. Its
// results never spawn triggers.
func (r *run) gapFill(ctx context.Context) {
	var spawns []spawn
	for _, spec := range r.tmpl.Slots {
		slot, _ := r.doc.Slot(spec.Name)
		if slot.State == SlotFilled || spec.GapFill == nil {
			continue
		}
		input := r.doc.Target.Value
		if spec.GapFill.From != "" {
			from, _ := r.doc.Slot(spec.GapFill.From)
			if !from.Filled() {
				continue
			}
			input = from.Value
			if from.Type == SlotList {
				input = from.Values[0]
			}
		}
		trigger := "gap_fill:" + spec.Name
		if r.seen[seenKey(trigger, input)] {
			continue
		}
		r.seen[seenKey(trigger, input)] = true
		spawns = append(spawns, spawn{
			trigger:  trigger,
			operator: spec.GapFill.Operator,
			input:    input,
			produces: []string{spec.Name},
		})
	}
	if len(spawns) == 0 {
		return
	}

	gapCtx, cancel := context.WithTimeout(ctx, r.e.cfg.GapFillTimeout)
	defer cancel()
	results, _ := r.round(ctx, gapCtx, spawns)
	r.e.metrics.Round("gap_fill")
	r.apply(spawns, results)
}

func (r *run) finish() *Result {
	res := &Result{
		Document: r.doc,
		Actions:  r.actions,
		DeadEnds: r.deadEnds,
		Rounds:   r.doc.Rounds,
		Partial:  r.doc.Partial,
	}
	for _, slot := range r.doc.Slots {
		if slot.Filled() {
			res.Filled = append(res.Filled, slot.Name)
			continue
		}
		slot.State = SlotEmpty
		if slot.Reason == "" {
			slot.Reason = ReasonNotReached
			if r.doc.Partial {
				slot.Reason = ReasonBudgetExhausted
			}
		}
		res.Unresolved = append(res.Unresolved, slot.Name)
		if r.retry[slot.Name] {
			res.Retryable = true
		}
	}
	return res
}

// execute routes one action, runs it and persists its result.
func (e *Executor) execute(ctx context.Context, target Target, s spawn) *outcome {
	o := &outcome{}
	query := Operator(s.operator, target.Jurisdiction) + ":" + s.input

	opCtx, err := e.router.Parse(query)
	if err != nil {
		o.err = err
		return o
	}
	decision, err := e.router.Route(opCtx)
	if err != nil {
		o.err = err
		return o
	}
	if decision.Mode != operator.ModeAction {
		o.err = fmt.Errorf("operator %q did not route to an action", query)
		return o
	}
	o.handler = decision.HandlerID

	facts, err := e.actions.Execute(ctx, adapter.Request{
		Handler:      decision.HandlerID,
		Value:        decision.Value,
		Jurisdiction: decision.Jurisdiction,
	})
	if err != nil {
		o.err = err
		return o
	}
	if facts.Handler == "" {
		facts.Handler = decision.HandlerID
	}
	if facts.Subject == nil {
		if class, ok := e.router.SubjectClass(opCtx.Subject); ok {
			facts.Subject = &common.EntityRef{Class: class, Value: decision.Value}
		}
	}

	if _, err := e.sink.Persist(ctx, facts); err != nil {
		if !common.IsSchemaViolation(err) {
			o.err = fmt.Errorf("failed to persist result of %s: %w", decision.HandlerID, err)
			return o
		}
		o.schema = err
	}
	o.facts = facts
	return o
}
