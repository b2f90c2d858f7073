// Package memory is an in-process NodeStore. It backs tests and single
// process deployments without a database.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/OFFIS-RIT/pivot/pkg/common"
	"github.com/OFFIS-RIT/pivot/pkg/store"
)

// Store keeps deep copies of nodes, so callers never share memory with it.
type Store struct {
	index string

	mu      sync.RWMutex
	nodes   map[string]common.Node
	upserts int
}

func New(project string) *Store {
	return &Store{
		index: store.IndexName(project),
		nodes: make(map[string]common.Node),
	}
}

func (s *Store) Index() string {
	return s.index
}

func (s *Store) Get(ctx context.Context, id string) (common.Node, error) {
	if err := ctx.Err(); err != nil {
		return common.Node{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return common.Node{}, store.ErrNotFound
	}
	return store.CloneNode(n), nil
}

func (s *Store) Upsert(ctx context.Context, node common.Node) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[node.ID] = store.CloneNode(node)
	s.upserts++
	return nil
}

// Search returns matching nodes ordered by id.
func (s *Store) Search(ctx context.Context, query store.SearchQuery) ([]common.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]common.Node, 0)
	for _, n := range s.nodes {
		if query.Matches(n) {
			out = append(out, store.CloneNode(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// Len returns the number of stored nodes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Upserts returns how many writes reached the store.
func (s *Store) Upserts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.upserts
}
