package graph

import (
	"time"

	"github.com/OFFIS-RIT/pivot/pkg/common"
	"github.com/OFFIS-RIT/pivot/pkg/store"
)

// applyMutation merges m into n. Writes only ever add: source urls,
// properties and edges are ordered-set unions, keyed edges keep their
// position and only their confidence or provenance may change.
func applyMutation(n *common.Node, exists *bool, m mutation, now time.Time) common.Effect {
	switch m.kind {
	case mutEnsure:
		if !*exists {
			*n = common.Node{
				ID:             n.ID,
				Class:          m.seed.class,
				Type:           m.seed.typ,
				Label:          m.seed.label,
				CanonicalValue: m.seed.canonical,
				IdentityKey:    m.seed.key,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if m.source != "" {
				n.SourceURLs = []string{m.source}
			}
			*exists = true
			return common.EffectCreated
		}
		sources, changed := store.UnionStrings(n.SourceURLs, m.source)
		n.SourceURLs = sources
		if n.Type == "" && m.seed.typ != "" {
			n.Type = m.seed.typ
			changed = true
		}
		if changed {
			return common.EffectMerged
		}
		return common.EffectNoop

	case mutProperty:
		if n.Properties == nil {
			n.Properties = make(map[string][]string)
		}
		values, changed := store.UnionStrings(n.Properties[m.key], m.value)
		if !changed {
			return common.EffectNoop
		}
		n.Properties[m.key] = values
		return common.EffectCreated

	case mutEdge:
		if m.edge.TargetID == n.ID {
			return common.EffectNoop
		}
		existing, ok := n.EdgeTo(m.edge.Relation, m.edge.TargetID)
		if !ok {
			n.Edges = append(n.Edges, m.edge)
			return common.EffectCreated
		}
		return mergeEdge(existing, m.edge, m.replace, m.hard)
	}
	return common.EffectNoop
}

func mergeEdge(existing *common.Edge, incoming common.Edge, replace, hard bool) common.Effect {
	changed := false
	if hard && incoming.Code != "" && existing.Code != incoming.Code {
		existing.Code = incoming.Code
		changed = true
	}
	switch {
	case replace && existing.Confidence != incoming.Confidence:
		existing.Confidence = incoming.Confidence
		changed = true
	case !replace && incoming.Confidence > existing.Confidence:
		existing.Confidence = incoming.Confidence
		changed = true
	}
	if existing.Provenance == "" && incoming.Provenance != "" {
		existing.Provenance = incoming.Provenance
		changed = true
	}
	if existing.TargetLabel == "" && incoming.TargetLabel != "" {
		existing.TargetLabel = incoming.TargetLabel
		changed = true
	}
	if changed {
		return common.EffectMerged
	}
	return common.EffectNoop
}
