// Package graph materializes code-tagged lookup results into the entity
// graph. Every fact code is classified by the rule tables: values that can
// be searched again become nodes (and edges to their subject), everything
// else becomes a property of the subject.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/OFFIS-RIT/pivot/pkg/common"
	"github.com/OFFIS-RIT/pivot/pkg/leaselock"
	"github.com/OFFIS-RIT/pivot/pkg/logger"
	"github.com/OFFIS-RIT/pivot/pkg/metrics"
	"github.com/OFFIS-RIT/pivot/pkg/rules"
	"github.com/OFFIS-RIT/pivot/pkg/store"

	"golang.org/x/sync/errgroup"
)

const (
	maxAliasHops    = 4
	defaultParallel = 8
)

// Resolver is notified about entity nodes touched by a persist call.
type Resolver interface {
	ResolveTouched(ctx context.Context, ids []string) error
}

type PersisterParams struct {
	Store   store.NodeStore
	Rules   *rules.Tables
	Locker  leaselock.Locker
	Metrics *metrics.Collector
	// Parallel bounds how many nodes are written concurrently.
	Parallel int
	Now      func() time.Time
}

// Persister is safe for concurrent use. Writes to one node id are
// serialized by the Locker; writes to different ids run in parallel.
type Persister struct {
	store    store.NodeStore
	rules    *rules.Tables
	locker   leaselock.Locker
	metrics  *metrics.Collector
	parallel int
	now      func() time.Time

	mu       sync.RWMutex
	resolver Resolver
}

func NewPersister(params PersisterParams) *Persister {
	p := &Persister{
		store:    params.Store,
		rules:    params.Rules,
		locker:   params.Locker,
		metrics:  params.Metrics,
		parallel: params.Parallel,
		now:      params.Now,
	}
	if p.locker == nil {
		p.locker = leaselock.NewLocal()
	}
	if p.parallel <= 0 {
		p.parallel = defaultParallel
	}
	if p.now == nil {
		p.now = func() time.Time { return time.Now().UTC() }
	}
	return p
}

// SetResolver installs the hook called after each persist. It is set after
// construction because the resolver itself writes through the persister.
func (p *Persister) SetResolver(r Resolver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolver = r
}

func (p *Persister) Store() store.NodeStore {
	return p.store
}

func (p *Persister) Rules() *rules.Tables {
	return p.rules
}

// Persist applies facts to the graph and returns the emitted operations with
// their effects. Unknown codes are dropped. Edges between classes the
// relation does not allow are skipped and returned as a joined
// *common.SchemaViolation error next to the operations that did apply.
func (p *Persister) Persist(ctx context.Context, facts common.CodedFacts) ([]common.GraphOperation, error) {
	pl := buildPlan(p.rules, facts)

	for _, code := range pl.unknown {
		err := &common.UnknownFieldCode{Code: code, Handler: facts.Handler}
		logger.Warn("[Persist] dropping fact", "err", err)
		p.metrics.UnknownCode(facts.Handler)
	}
	for _, v := range pl.violations {
		logger.Error("[Persist] schema violation", "err", v, "handler", facts.Handler, "source", facts.Source)
	}

	touched, err := p.apply(ctx, pl)
	if err != nil {
		return pl.ops, err
	}

	for _, op := range pl.ops {
		p.metrics.GraphOperation(string(op.Kind), string(op.Effect))
	}

	p.mu.RLock()
	resolver := p.resolver
	p.mu.RUnlock()
	if resolver != nil && len(touched) > 0 {
		if err := resolver.ResolveTouched(ctx, touched); err != nil {
			logger.Warn("[Persist] resolution after persist failed", "err", err)
		}
	}

	return pl.ops, errors.Join(pl.violations...)
}

// apply writes every node of the plan and returns the canonical ids of the
// touched entity nodes.
func (p *Persister) apply(ctx context.Context, pl *plan) ([]string, error) {
	canonical, err := p.canonicalIDs(ctx, pl.order)
	if err != nil {
		return nil, err
	}
	p.redirect(pl, canonical)

	var touchedMu sync.Mutex
	var touched []string
	seen := make(map[string]bool)

	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(p.parallel)
	for _, id := range pl.order {
		muts := pl.mutations[id]
		eg.Go(func() error {
			written, err := p.writeNode(ectx, id, muts, pl.ops)
			if err != nil {
				return err
			}
			if pl.classes[id].IsEntity() || pl.classes[written].IsEntity() {
				touchedMu.Lock()
				if !seen[written] {
					seen[written] = true
					touched = append(touched, written)
				}
				touchedMu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return touched, nil
}

// canonicalIDs maps every id that is an alias to the node it was fused into.
func (p *Persister) canonicalIDs(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string)
	for _, id := range ids {
		target, err := p.Canonical(ctx, id)
		if err != nil {
			return nil, err
		}
		if target != id {
			out[id] = target
		}
	}
	return out, nil
}

// Canonical follows alias_of links starting at id.
func (p *Persister) Canonical(ctx context.Context, id string) (string, error) {
	cur := id
	for range maxAliasHops {
		n, err := p.store.Get(ctx, cur)
		if errors.Is(err, store.ErrNotFound) {
			return cur, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to resolve alias of %s: %w", cur, err)
		}
		if n.AliasOf == "" || n.AliasOf == cur {
			return cur, nil
		}
		cur = n.AliasOf
	}
	return cur, nil
}

// redirect rewrites the plan so nothing is written into alias nodes.
func (p *Persister) redirect(pl *plan, canonical map[string]string) {
	if len(canonical) == 0 {
		return
	}
	to := func(id string) string {
		if c, ok := canonical[id]; ok {
			return c
		}
		return id
	}

	for i := range pl.ops {
		pl.ops[i].NodeID = to(pl.ops[i].NodeID)
		if pl.ops[i].TargetID != "" {
			pl.ops[i].TargetID = to(pl.ops[i].TargetID)
		}
	}

	mutations := make(map[string][]mutation, len(pl.mutations))
	var order []string
	for _, id := range pl.order {
		dst := to(id)
		if _, ok := mutations[dst]; !ok {
			order = append(order, dst)
		}
		for _, m := range pl.mutations[id] {
			if m.kind == mutEdge {
				m.edge.TargetID = to(m.edge.TargetID)
			}
			mutations[dst] = append(mutations[dst], m)
		}
		if _, ok := pl.classes[dst]; !ok {
			pl.classes[dst] = pl.classes[id]
		}
	}
	pl.mutations = mutations
	pl.order = order
}

// writeNode applies mutations to one node under its lock. If the node turns
// out to be an alias by the time the lock is held, the write moves on to the
// canonical node. It returns the id that was written.
func (p *Persister) writeNode(ctx context.Context, id string, muts []mutation, ops []common.GraphOperation) (string, error) {
	for range maxAliasHops {
		next, err := p.writeLocked(ctx, id, muts, ops, true)
		if err != nil {
			return "", err
		}
		if next == "" {
			return id, nil
		}
		id = next
	}
	return "", fmt.Errorf("alias chain too long at node %s", id)
}

func (p *Persister) writeLocked(ctx context.Context, id string, muts []mutation, ops []common.GraphOperation, follow bool) (string, error) {
	unlock, err := p.locker.Lock(ctx, id)
	if err != nil {
		return "", fmt.Errorf("failed to lock node %s: %w", id, err)
	}
	defer unlock()

	node, err := p.store.Get(ctx, id)
	exists := true
	switch {
	case errors.Is(err, store.ErrNotFound):
		exists = false
		node = common.Node{ID: id}
	case err != nil:
		return "", fmt.Errorf("failed to load node %s: %w", id, err)
	}
	if follow && exists && node.AliasOf != "" && node.AliasOf != id {
		return node.AliasOf, nil
	}

	now := p.now()
	changed := false
	for _, m := range muts {
		if !exists && m.kind != mutEnsure {
			// only reachable if a plan was rewritten onto a missing node
			continue
		}
		effect := applyMutation(&node, &exists, m, now)
		if effect != common.EffectNoop {
			changed = true
		}
		if m.op >= 0 {
			ops[m.op].Effect = effect
		}
	}
	for _, m := range muts {
		if m.op >= 0 && ops[m.op].Effect == "" {
			ops[m.op].Effect = common.EffectNoop
		}
	}

	if !changed {
		return "", nil
	}
	node.UpdatedAt = now
	if err := p.store.Upsert(ctx, node); err != nil {
		return "", fmt.Errorf("failed to store node %s: %w", id, err)
	}
	return "", nil
}
