package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/pivot/pkg/common"
	"github.com/OFFIS-RIT/pivot/pkg/logger"
	"github.com/OFFIS-RIT/pivot/pkg/store"
)

// ErrAliasCycle is returned by MarkAlias when the requested canonical node
// already resolves to the alias.
var ErrAliasCycle = errors.New("alias cycle")

// Link is an edge written between two existing nodes, e.g. a resolution
// edge. With Replace the confidence of an existing edge is overwritten
// instead of raised, which is what watch edges need.
type Link struct {
	From       string
	To         string
	Relation   string
	Confidence float64
	Provenance string
	Code       string
	Replace    bool
}

// Link writes l without following aliases: resolution edges belong on the
// exact nodes they were computed for.
func (p *Persister) Link(ctx context.Context, l Link) (common.Effect, error) {
	from, err := p.store.Get(ctx, l.From)
	if err != nil {
		return "", fmt.Errorf("failed to load link source %s: %w", l.From, err)
	}
	to, err := p.store.Get(ctx, l.To)
	if err != nil {
		return "", fmt.Errorf("failed to load link target %s: %w", l.To, err)
	}
	if err := checkEdge(p.rules, l.Code, l.Relation, from.Class, to.Class); err != nil {
		return "", err
	}

	pl := newPlan()
	pl.edge(p.rules, l.Code, l.Relation, from.ID, to.ID, to.Label, from.Label, l.Confidence, l.Provenance, l.Replace)
	for _, id := range pl.order {
		if _, err := p.writeLocked(ctx, id, pl.mutations[id], pl.ops, false); err != nil {
			return "", err
		}
	}

	effect := pl.ops[0].Effect
	p.metrics.GraphOperation(string(common.OpCreateEdge), string(effect))
	return effect, nil
}

// MarkAlias records that alias was fused into canonical. The alias node is
// kept with its edges and provenance. A fusion that would close an alias
// cycle is refused with ErrAliasCycle.
func (p *Persister) MarkAlias(ctx context.Context, alias, canonical string) error {
	if alias == canonical {
		return fmt.Errorf("node %s cannot be an alias of itself", alias)
	}
	// both ends in id order, so opposite fusions of the same pair serialize
	for _, id := range sortedPair(alias, canonical) {
		unlock, err := p.locker.Lock(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to lock node %s: %w", id, err)
		}
		defer unlock()
	}

	root, err := p.Canonical(ctx, canonical)
	if err != nil {
		return err
	}
	if root == alias {
		logger.Warn("[Persist] refusing alias cycle", "node", alias, "requested", canonical)
		return fmt.Errorf("%w: %s already resolves to %s", ErrAliasCycle, canonical, alias)
	}

	n, err := p.store.Get(ctx, alias)
	if err != nil {
		return fmt.Errorf("failed to load node %s: %w", alias, err)
	}
	if n.AliasOf == canonical {
		return nil
	}
	if n.AliasOf != "" {
		logger.Warn("[Persist] node already fused elsewhere", "node", alias, "alias_of", n.AliasOf, "requested", canonical)
		return nil
	}
	n.AliasOf = canonical
	n.UpdatedAt = p.now()
	return p.store.Upsert(ctx, n)
}

func sortedPair(a, b string) [2]string {
	if b < a {
		return [2]string{b, a}
	}
	return [2]string{a, b}
}

const nodesBatch = 500

// Node loads a node by id.
func (p *Persister) Node(ctx context.Context, id string) (common.Node, error) {
	return p.store.Get(ctx, id)
}

// Nodes loads the given nodes, skipping ids that do not exist.
func (p *Persister) Nodes(ctx context.Context, ids []string) ([]common.Node, error) {
	ids = store.DedupeStrings(ids)
	out := make([]common.Node, 0, len(ids))
	err := store.ChunkRange(len(ids), nodesBatch, func(start, end int) error {
		batch, err := p.store.Search(ctx, store.SearchQuery{
			IDs:            ids[start:end],
			IncludeAliases: true,
			Limit:          end - start,
		})
		if err != nil {
			return err
		}
		out = append(out, batch...)
		return nil
	})
	return out, err
}
