// Package store defines the project-scoped node index the graph is persisted
// into. Nodes are stored as whole documents with their edges embedded.
package store

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/OFFIS-RIT/pivot/pkg/common"
)

// ErrNotFound is returned by Get for an unknown node id.
var ErrNotFound = errors.New("node not found")

// SearchQuery filters nodes. Empty fields do not filter.
type SearchQuery struct {
	Class       common.NodeClass
	IdentityKey string
	IDs         []string
	// IncludeAliases also returns nodes that were fused into another node.
	IncludeAliases bool
	Limit          int
}

// NodeStore is the index store contract. Visibility of an Upsert to Search
// may be eventual; Get after Upsert on the same store must see the write.
type NodeStore interface {
	Get(ctx context.Context, id string) (common.Node, error)
	Upsert(ctx context.Context, node common.Node) error
	Search(ctx context.Context, query SearchQuery) ([]common.Node, error)
	Index() string
}

// IndexName returns the index name for a project, e.g. "pivot_acme_nodes".
func IndexName(project string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(project) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		name = "default"
	}
	return "pivot_" + name + "_nodes"
}

// Matches reports whether n satisfies the query filters.
func (q SearchQuery) Matches(n common.Node) bool {
	if q.Class != "" && n.Class != q.Class {
		return false
	}
	if q.IdentityKey != "" && n.IdentityKey != q.IdentityKey {
		return false
	}
	if !q.IncludeAliases && n.AliasOf != "" {
		return false
	}
	if len(q.IDs) > 0 {
		for _, id := range q.IDs {
			if id == n.ID {
				return true
			}
		}
		return false
	}
	return true
}

// CloneNode returns a deep copy of n.
func CloneNode(n common.Node) common.Node {
	out := n
	out.SourceURLs = append([]string(nil), n.SourceURLs...)
	out.Edges = append([]common.Edge(nil), n.Edges...)
	if n.Properties != nil {
		out.Properties = make(map[string][]string, len(n.Properties))
		for k, v := range n.Properties {
			out.Properties[k] = append([]string(nil), v...)
		}
	}
	return out
}
