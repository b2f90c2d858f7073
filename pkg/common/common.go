package common

import "time"

// NodeClass is the fixed enumeration of entity classes a node can belong to.
type NodeClass string

const (
	ClassPerson     NodeClass = "person"
	ClassCompany    NodeClass = "company"
	ClassDocument   NodeClass = "document"
	ClassLocation   NodeClass = "location"
	ClassIdentifier NodeClass = "identifier"
	ClassEmail      NodeClass = "email"
	ClassPhone      NodeClass = "phone"
	ClassDomain     NodeClass = "domain"
	ClassUsername   NodeClass = "username"
)

// Classes lists every declared node class.
var Classes = []NodeClass{
	ClassPerson,
	ClassCompany,
	ClassDocument,
	ClassLocation,
	ClassIdentifier,
	ClassEmail,
	ClassPhone,
	ClassDomain,
	ClassUsername,
}

// IsEntity reports whether nodes of this class take part in disambiguation.
func (c NodeClass) IsEntity() bool {
	return c == ClassPerson || c == ClassCompany
}

// Valid reports whether c is one of the declared classes.
func (c NodeClass) Valid() bool {
	for _, k := range Classes {
		if k == c {
			return true
		}
	}
	return false
}

// Node is a single entity in the investigation graph. Its ID is derived from
// (Class, CanonicalValue) only, so independent discoveries of the same entity
// converge on the same node without a lookup.
//
// Edges are embedded on the node instead of living in a join table. A node
// that was fused into another keeps existing with AliasOf pointing at the
// canonical node, which preserves its provenance.
type Node struct {
	ID             string              `json:"id"`
	Class          NodeClass           `json:"class"`
	Type           string              `json:"type,omitempty"`
	Label          string              `json:"label"`
	CanonicalValue string              `json:"canonical_value"`
	IdentityKey    string              `json:"identity_key"`
	SourceURLs     []string            `json:"source_urls,omitempty"`
	Edges          []Edge              `json:"embedded_edges,omitempty"`
	Properties     map[string][]string `json:"properties,omitempty"`
	AliasOf        string              `json:"alias_of,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Edge is a relationship embedded on its source node.
type Edge struct {
	Relation    string  `json:"relation"`
	TargetID    string  `json:"target_id"`
	TargetLabel string  `json:"target_label"`
	Confidence  float64 `json:"confidence"`
	Provenance  string  `json:"provenance,omitempty"`
	Code        string  `json:"code,omitempty"`
}

// Property returns the first value recorded for key.
func (n *Node) Property(key string) (string, bool) {
	values := n.Properties[key]
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// EdgeTo returns the embedded edge with the given relation and target.
func (n *Node) EdgeTo(relation, targetID string) (*Edge, bool) {
	for i := range n.Edges {
		if n.Edges[i].Relation == relation && n.Edges[i].TargetID == targetID {
			return &n.Edges[i], true
		}
	}
	return nil, false
}

// EntityRef points at a node by value rather than by ID. The ID is derived
// from it through normalization.
type EntityRef struct {
	Class         NodeClass `json:"class" yaml:"class"`
	Value         string    `json:"value" yaml:"value"`
	Discriminator string    `json:"discriminator,omitempty" yaml:"discriminator,omitempty"`
}

// Fact is one code-tagged value produced by an action.
//
// Of names the entity the fact is about. When nil, the fact is about the
// subject of the enclosing CodedFacts.
type Fact struct {
	Code          string     `json:"code"`
	Value         string     `json:"value"`
	Discriminator string     `json:"discriminator,omitempty"`
	Of            *EntityRef `json:"of,omitempty"`
	Confidence    float64    `json:"confidence,omitempty"`
}

// CodedFacts is the normalized output of any action adapter. Every fact code
// must be declared in the rule tables; unknown codes are dropped on persist.
type CodedFacts struct {
	Handler string     `json:"handler"`
	Source  string     `json:"source"`
	Subject *EntityRef `json:"subject,omitempty"`
	Facts   []Fact     `json:"facts"`
}

// Values returns every fact value tagged with one of the given codes, in
// order of appearance and without duplicates.
func (c CodedFacts) Values(codes ...string) []string {
	want := make(map[string]struct{}, len(codes))
	for _, code := range codes {
		want[code] = struct{}{}
	}
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, f := range c.Facts {
		if _, ok := want[f.Code]; !ok || f.Value == "" {
			continue
		}
		if _, dup := seen[f.Value]; dup {
			continue
		}
		seen[f.Value] = struct{}{}
		out = append(out, f.Value)
	}
	return out
}

// OperationKind is the kind of graph mutation emitted by the persister.
type OperationKind string

const (
	OpCreateNode  OperationKind = "CREATE_NODE"
	OpCreateEdge  OperationKind = "CREATE_EDGE"
	OpSetProperty OperationKind = "SET_PROPERTY"
)

// Effect describes what applying an operation did to the stored graph.
type Effect string

const (
	EffectCreated Effect = "created"
	EffectMerged  Effect = "merged"
	EffectNoop    Effect = "noop"
)

// GraphOperation is a single mutation emitted by persisting CodedFacts.
type GraphOperation struct {
	Kind           OperationKind `json:"kind"`
	NodeID         string        `json:"node_id"`
	Class          NodeClass     `json:"class,omitempty"`
	CanonicalValue string        `json:"canonical_value,omitempty"`
	Relation       string        `json:"relation,omitempty"`
	TargetID       string        `json:"target_id,omitempty"`
	Key            string        `json:"key,omitempty"`
	Value          string        `json:"value,omitempty"`
	Effect         Effect        `json:"effect"`
}

// CollisionCluster groups nodes that share a normalized identity key. Clusters
// are recomputed from the graph on demand and never stored.
type CollisionCluster struct {
	Key       string              `json:"key"`
	EntityIDs []string            `json:"entity_ids"`
	Evidence  map[string][]string `json:"evidence,omitempty"`
}
