// Package pgx is the Postgres NodeStore. Nodes live in graph_nodes as JSONB
// documents keyed by (index_name, id); class and identity key are copied
// into columns so candidate lookups hit an index.
package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/OFFIS-RIT/pivot/internal/util"
	"github.com/OFFIS-RIT/pivot/pkg/common"
	"github.com/OFFIS-RIT/pivot/pkg/store"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const maxTries = 3

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
}

// NodeStorage implements store.NodeStore on a pgx pool or connection.
type NodeStorage struct {
	conn  pgxIConn
	index string
}

type NodeStorageOption func(*NodeStorage)

// WithIndex overrides the index name derived from the project.
func WithIndex(index string) NodeStorageOption {
	return func(s *NodeStorage) {
		s.index = index
	}
}

func NewNodeStorage(conn pgxIConn, project string, opts ...NodeStorageOption) *NodeStorage {
	s := &NodeStorage{
		conn:  conn,
		index: store.IndexName(project),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

func (s *NodeStorage) Index() string {
	return s.index
}

func (s *NodeStorage) Get(ctx context.Context, id string) (common.Node, error) {
	raw, err := util.RetryWithContext(ctx, maxTries, func(ctx context.Context) ([]byte, error) {
		var doc []byte
		err := s.conn.QueryRow(ctx, getNodeSQL, s.index, id).Scan(&doc)
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, nil
		}
		return doc, err
	})
	if err != nil {
		return common.Node{}, fmt.Errorf("failed to load node %s: %w", id, err)
	}
	if raw == nil {
		return common.Node{}, store.ErrNotFound
	}

	var n common.Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return common.Node{}, fmt.Errorf("failed to decode node %s: %w", id, err)
	}
	return n, nil
}

func (s *NodeStorage) Upsert(ctx context.Context, node common.Node) error {
	doc, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("failed to encode node %s: %w", node.ID, err)
	}
	return util.RetryErrWithContext(ctx, maxTries, func(ctx context.Context) error {
		_, err := s.conn.Exec(ctx, upsertNodeSQL,
			s.index, node.ID, string(node.Class), node.IdentityKey, node.AliasOf,
			doc, node.CreatedAt, node.UpdatedAt,
		)
		return err
	})
}

func (s *NodeStorage) Search(ctx context.Context, query store.SearchQuery) ([]common.Node, error) {
	ids := query.IDs
	if ids == nil {
		ids = []string{}
	}
	limit := query.Limit
	if limit <= 0 {
		limit = 1000
	}

	rows, err := s.conn.Query(ctx, searchNodesSQL,
		s.index, string(query.Class), query.IdentityKey, ids, query.IncludeAliases, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search nodes: %w", err)
	}
	docs, err := pgxv5.CollectRows(rows, pgxv5.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("failed to read nodes: %w", err)
	}

	out := make([]common.Node, 0, len(docs))
	for _, raw := range docs {
		var n common.Node
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, fmt.Errorf("failed to decode node: %w", err)
		}
		out = append(out, n)
	}
	return out, nil
}

const getNodeSQL = `
SELECT doc FROM graph_nodes
WHERE index_name = $1 AND id = $2;
`

const upsertNodeSQL = `
INSERT INTO graph_nodes (index_name, id, class, identity_key, alias_of, doc, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)
ON CONFLICT (index_name, id) DO UPDATE
SET class        = EXCLUDED.class,
    identity_key = EXCLUDED.identity_key,
    alias_of     = EXCLUDED.alias_of,
    doc          = EXCLUDED.doc,
    updated_at   = EXCLUDED.updated_at;
`

const searchNodesSQL = `
SELECT doc FROM graph_nodes
WHERE index_name = $1
  AND ($2 = '' OR class = $2)
  AND ($3 = '' OR identity_key = $3)
  AND (cardinality($4::text[]) = 0 OR id = ANY($4::text[]))
  AND ($5 OR alias_of = '')
ORDER BY id
LIMIT $6;
`
