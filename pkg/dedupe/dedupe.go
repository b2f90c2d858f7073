// Package dedupe clusters candidate duplicate entity nodes and resolves
// pairs with asymmetric proof rules: one shared hard identifier fuses, one
// impossible contradiction repels, anything else stays under watch.
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/OFFIS-RIT/pivot/pkg/common"
	"github.com/OFFIS-RIT/pivot/pkg/graph"
	"github.com/OFFIS-RIT/pivot/pkg/logger"
	"github.com/OFFIS-RIT/pivot/pkg/metrics"
	"github.com/OFFIS-RIT/pivot/pkg/rules"
	"github.com/OFFIS-RIT/pivot/pkg/store"

	"golang.org/x/sync/errgroup"
)

type Outcome string

const (
	Fuse       Outcome = "FUSE"
	Repel      Outcome = "REPEL"
	BinaryStar Outcome = "BINARY_STAR"
)

// Reasons recorded on resolutions.
const (
	ReasonSharedHard       = "shared_hard_identifier"
	ReasonContradiction    = "impossible_contradiction"
	ReasonConflicting      = "conflicting_hard_evidence"
	ReasonInsufficient     = "insufficient_evidence"
	resolutionProvenance   = "dedupe"
	defaultClusterParallel = 4
)

// Resolution is the decision for one pair of nodes.
type Resolution struct {
	A          string   `json:"a"`
	B          string   `json:"b"`
	Outcome    Outcome  `json:"outcome"`
	Reason     string   `json:"reason"`
	Hard       []string `json:"hard,omitempty"`
	Conflicts  []string `json:"conflicts,omitempty"`
	SoftRatio  float64  `json:"soft_ratio"`
	Confidence float64  `json:"confidence"`
	Canonical  string   `json:"canonical,omitempty"`
	Alias      string   `json:"alias,omitempty"`
}

type EngineParams struct {
	Persister *graph.Persister
	Metrics   *metrics.Collector
	Parallel  int
}

// Engine resolves candidate duplicates and writes the outcome back into the
// graph through the persister.
type Engine struct {
	persister *graph.Persister
	store     store.NodeStore
	rules     *rules.Tables
	metrics   *metrics.Collector
	parallel  int
}

func NewEngine(params EngineParams) *Engine {
	e := &Engine{
		persister: params.Persister,
		store:     params.Persister.Store(),
		rules:     params.Persister.Rules(),
		metrics:   params.Metrics,
		parallel:  params.Parallel,
	}
	if e.parallel <= 0 {
		e.parallel = defaultClusterParallel
	}
	return e
}

// Resolve decides one pair. It is a pure function of the two nodes.
func (e *Engine) Resolve(a, b common.Node) Resolution {
	return resolve(e.rules, a, b)
}

func resolve(t *rules.Tables, a, b common.Node) Resolution {
	ea, eb := collectEvidence(t, a), collectEvidence(t, b)
	hard := sharedHard(ea, eb)
	conflicts := contradictions(ea, eb)
	ratio, _ := softRatio(ea, eb)

	r := Resolution{A: a.ID, B: b.ID, Hard: hard, Conflicts: conflicts, SoftRatio: ratio}
	switch {
	case len(hard) > 0 && len(conflicts) > 0:
		r.Outcome, r.Reason = BinaryStar, ReasonConflicting
	case len(hard) > 0:
		r.Outcome, r.Reason = Fuse, ReasonSharedHard
		r.Confidence = 1
		r.Canonical, r.Alias = chooseCanonical(a, b)
	case len(conflicts) > 0:
		r.Outcome, r.Reason = Repel, ReasonContradiction
		r.Confidence = 1
	default:
		r.Outcome, r.Reason = BinaryStar, ReasonInsufficient
	}
	if r.Outcome == BinaryStar {
		r.Confidence = -(0.5 + 0.5*ratio)
	}
	return r
}

// chooseCanonical prefers the node with more sources, then more edges, then
// the lower id.
func chooseCanonical(a, b common.Node) (string, string) {
	switch {
	case len(a.SourceURLs) != len(b.SourceURLs):
		if len(a.SourceURLs) > len(b.SourceURLs) {
			return a.ID, b.ID
		}
		return b.ID, a.ID
	case len(a.Edges) != len(b.Edges):
		if len(a.Edges) > len(b.Edges) {
			return a.ID, b.ID
		}
		return b.ID, a.ID
	case a.ID < b.ID:
		return a.ID, b.ID
	default:
		return b.ID, a.ID
	}
}

func clusterKey(n common.Node) string {
	return string(n.Class) + "|" + n.IdentityKey
}

// Cluster groups candidate duplicates. Nodes sharing class and identity key
// fall into one cluster, and so do nodes of one class sharing a hard
// identifier value. Singletons and alias nodes are dropped.
func (e *Engine) Cluster(nodes []common.Node) []common.CollisionCluster {
	return cluster(e.rules, nodes)
}

func cluster(t *rules.Tables, nodes []common.Node) []common.CollisionCluster {
	byID := make(map[string]common.Node, len(nodes))
	for _, n := range nodes {
		if n.AliasOf != "" || n.IdentityKey == "" {
			continue
		}
		byID[n.ID] = n
	}

	parent := make(map[string]string, len(byID))
	var find func(x string) string
	find = func(x string) string {
		if _, ok := parent[x]; !ok {
			parent[x] = x
		}
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(x, y string) {
		px, py := find(x), find(y)
		if px == py {
			return
		}
		// lowest id becomes the root so cluster keys are stable
		if px < py {
			parent[py] = px
		} else {
			parent[px] = py
		}
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	evidence := make(map[string]*evidence, len(ids))
	firstByKey := make(map[string]string)
	firstByHard := make(map[string]string)
	for _, id := range ids {
		n := byID[id]
		find(id)
		key := clusterKey(n)
		if first, ok := firstByKey[key]; ok {
			union(first, id)
		} else {
			firstByKey[key] = id
		}

		ev := collectEvidence(t, n)
		evidence[id] = ev
		for kind, values := range ev.hard {
			for v := range values {
				hk := string(n.Class) + "|" + kind + "|" + v
				if first, ok := firstByHard[hk]; ok {
					union(first, id)
				} else {
					firstByHard[hk] = id
				}
			}
		}
	}

	groups := make(map[string][]string)
	for _, id := range ids {
		root := find(id)
		groups[root] = append(groups[root], id)
	}

	roots := make([]string, 0, len(groups))
	for root, members := range groups {
		if len(members) > 1 {
			roots = append(roots, root)
		}
	}
	sort.Strings(roots)

	out := make([]common.CollisionCluster, 0, len(roots))
	for _, root := range roots {
		members := groups[root]
		c := common.CollisionCluster{
			Key:       clusterKey(byID[root]),
			EntityIDs: members,
			Evidence:  make(map[string][]string, len(members)),
		}
		for _, id := range members {
			c.Evidence[id] = evidence[id].summary()
		}
		out = append(out, c)
	}
	return out
}

// ResolveTouched implements graph.Resolver.
func (e *Engine) ResolveTouched(ctx context.Context, ids []string) error {
	_, err := e.ResolveAround(ctx, ids)
	return err
}

// ResolveAround looks up every node sharing an identity key with one of ids
// and resolves all pairs of the resulting clusters.
func (e *Engine) ResolveAround(ctx context.Context, ids []string) ([]Resolution, error) {
	type lookup struct {
		class common.NodeClass
		key   string
	}
	lookups := make(map[string]lookup)
	for _, id := range ids {
		n, err := e.store.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load node %s: %w", id, err)
		}
		if !n.Class.IsEntity() || n.AliasOf != "" || n.IdentityKey == "" {
			continue
		}
		lookups[clusterKey(n)] = lookup{class: n.Class, key: n.IdentityKey}
	}

	keys := make([]string, 0, len(lookups))
	for k := range lookups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var candidates []common.Node
	seen := make(map[string]bool)
	for _, k := range keys {
		l := lookups[k]
		nodes, err := e.store.Search(ctx, store.SearchQuery{Class: l.class, IdentityKey: l.key})
		if err != nil {
			return nil, fmt.Errorf("failed to search candidates for %s: %w", k, err)
		}
		for _, n := range nodes {
			if !seen[n.ID] {
				seen[n.ID] = true
				candidates = append(candidates, n)
			}
		}
	}

	clusters := cluster(e.rules, candidates)
	if len(clusters) == 0 {
		return nil, nil
	}
	byID := make(map[string]common.Node, len(candidates))
	for _, n := range candidates {
		byID[n.ID] = n
	}

	results := make([][]Resolution, len(clusters))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(e.parallel)
	for i, c := range clusters {
		eg.Go(func() error {
			res, err := e.resolveCluster(ectx, c, byID)
			results[i] = res
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	var out []Resolution
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

func (e *Engine) resolveCluster(ctx context.Context, c common.CollisionCluster, byID map[string]common.Node) ([]Resolution, error) {
	fused := make(map[string]bool)
	var out []Resolution

	for i := 0; i < len(c.EntityIDs); i++ {
		for j := i + 1; j < len(c.EntityIDs); j++ {
			a, b := byID[c.EntityIDs[i]], byID[c.EntityIDs[j]]
			if fused[a.ID] || fused[b.ID] || settled(a, b) {
				continue
			}
			r := resolve(e.rules, a, b)
			if err := e.writeBack(ctx, r); err != nil {
				return out, err
			}
			if r.Outcome == Fuse {
				fused[r.Alias] = true
			}
			e.metrics.Resolution(string(r.Outcome))
			logger.Debug("[Dedupe] resolved pair", "a", r.A, "b", r.B, "outcome", r.Outcome, "reason", r.Reason)
			out = append(out, r)
		}
	}
	return out, nil
}

// settled reports whether the pair already carries a final decision.
func settled(a, b common.Node) bool {
	for _, rel := range []string{rules.RelationSameAs, rules.RelationDistinctFrom} {
		if _, ok := a.EdgeTo(rel, b.ID); ok {
			return true
		}
		if _, ok := b.EdgeTo(rel, a.ID); ok {
			return true
		}
	}
	return false
}

func (e *Engine) writeBack(ctx context.Context, r Resolution) error {
	code := r.Reason
	switch r.Outcome {
	case Fuse:
		if _, err := e.persister.Link(ctx, graph.Link{
			From: r.Alias, To: r.Canonical, Relation: rules.RelationSameAs,
			Confidence: 1, Provenance: resolutionProvenance, Code: code + ":" + strings.Join(r.Hard, ","),
		}); err != nil {
			return err
		}
		err := e.persister.MarkAlias(ctx, r.Alias, r.Canonical)
		if errors.Is(err, graph.ErrAliasCycle) {
			// a concurrent resolution fused the pair the other way round
			logger.Debug("[Dedupe] pair already fused", "a", r.A, "b", r.B)
			return nil
		}
		return err
	case Repel:
		_, err := e.persister.Link(ctx, graph.Link{
			From: r.A, To: r.B, Relation: rules.RelationDistinctFrom,
			Confidence: 1, Provenance: resolutionProvenance, Code: code + ":" + strings.Join(r.Conflicts, ","),
			Replace: true,
		})
		return err
	default:
		_, err := e.persister.Link(ctx, graph.Link{
			From: r.A, To: r.B, Relation: rules.RelationBinaryStar,
			Confidence: r.Confidence, Provenance: resolutionProvenance, Code: code,
			Replace: true,
		})
		return err
	}
}

// WedgeQueries suggests operator queries that could produce a hard
// identifier on the side of a pair that lacks it.
func (e *Engine) WedgeQueries(a, b common.Node) []string {
	ea, eb := collectEvidence(e.rules, a), collectEvidence(e.rules, b)
	var out []string
	seen := make(map[string]bool)
	add := func(q string) {
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}

	// has is the evidence of node, lack the evidence of the other side
	pairs := []struct {
		node      common.Node
		has, lack *evidence
	}{{a, ea, eb}, {b, eb, ea}}

	for _, p := range pairs {
		if p.node.Class == common.ClassCompany && len(p.has.hard[rules.HardRegistrationNumber]) == 0 {
			add("c" + jurisdictionOf(p.node) + "reg:" + p.node.Label)
		}
	}
	for _, p := range pairs {
		for _, kind := range []struct {
			hard, subject string
		}{{rules.HardVerifiedEmail, "e"}, {rules.HardVerifiedPhone, "t"}} {
			if len(p.lack.hard[kind.hard]) > 0 {
				continue
			}
			for _, v := range p.has.hard[kind.hard].sorted() {
				add(kind.subject + ":" + p.has.display(v))
			}
		}
	}
	sort.Strings(out)
	return out
}

func jurisdictionOf(n common.Node) string {
	raw, ok := n.Property("jurisdiction")
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, r := range strings.ToLower(raw) {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
