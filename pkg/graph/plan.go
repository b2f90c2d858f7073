package graph

import (
	"strings"

	"github.com/OFFIS-RIT/pivot/pkg/common"
	"github.com/OFFIS-RIT/pivot/pkg/normalize"
	"github.com/OFFIS-RIT/pivot/pkg/rules"
)

type mutationKind int

const (
	mutEnsure mutationKind = iota
	mutEdge
	mutProperty
)

// seed carries what is needed to create a node that does not exist yet.
type seed struct {
	class     common.NodeClass
	typ       string
	label     string
	canonical string
	key       string
}

// mutation is one change to one stored node. Several mutations may serve one
// GraphOperation; only the primary one (op >= 0) decides its effect.
type mutation struct {
	op      int
	kind    mutationKind
	seed    seed
	source  string
	edge    common.Edge
	replace bool
	// hard edges take over the code of an existing edge to the same target
	hard  bool
	key   string
	value string
}

// plan is the result of translating CodedFacts into operations before
// anything is written.
type plan struct {
	ops        []common.GraphOperation
	mutations  map[string][]mutation
	order      []string
	classes    map[string]common.NodeClass
	violations []error
	unknown    []string
}

func newPlan() *plan {
	return &plan{
		mutations: make(map[string][]mutation),
		classes:   make(map[string]common.NodeClass),
	}
}

func (p *plan) add(id string, m mutation) {
	if _, ok := p.mutations[id]; !ok {
		p.order = append(p.order, id)
	}
	p.mutations[id] = append(p.mutations[id], m)
}

// ensure emits CREATE_NODE once per node and persist call.
func (p *plan) ensure(ref common.EntityRef, typ, source string, created map[string]bool) string {
	id, canonical, key := normalize.Ref(ref)
	if created[id] {
		return id
	}
	created[id] = true

	p.ops = append(p.ops, common.GraphOperation{
		Kind:           common.OpCreateNode,
		NodeID:         id,
		Class:          ref.Class,
		CanonicalValue: canonical,
	})
	p.classes[id] = ref.Class
	p.add(id, mutation{
		op:   len(p.ops) - 1,
		kind: mutEnsure,
		seed: seed{
			class:     ref.Class,
			typ:       typ,
			label:     strings.TrimSpace(ref.Value),
			canonical: canonical,
			key:       key,
		},
		source: source,
	})
	return id
}

// buildPlan applies the rule tables to every fact. It never touches the
// store; the same input always yields the same plan.
func buildPlan(t *rules.Tables, facts common.CodedFacts) *plan {
	p := newPlan()
	created := make(map[string]bool)

	for _, f := range facts.Facts {
		value := strings.TrimSpace(f.Value)
		if value == "" {
			continue
		}
		code, ok := t.Code(f.Code)
		if !ok {
			p.unknown = append(p.unknown, f.Code)
			continue
		}

		subject := f.Of
		if subject == nil {
			subject = facts.Subject
		}

		switch code.Kind() {
		case rules.KindNode:
			p.ensure(common.EntityRef{Class: code.Class, Value: value, Discriminator: f.Discriminator}, code.Type, facts.Source, created)

		case rules.KindEdge:
			if subject == nil {
				p.violations = append(p.violations, &common.SchemaViolation{
					Code: f.Code, Relation: code.Relation, To: code.Class,
					Detail: "edge fact without subject",
				})
				continue
			}
			valueRef := common.EntityRef{Class: code.Class, Value: value, Discriminator: f.Discriminator}
			src, dst := *subject, valueRef
			srcType, dstType := "", code.Type
			if code.Direction == rules.DirectionIn {
				src, dst = dst, src
				srcType, dstType = dstType, srcType
			}
			if err := checkEdge(t, f.Code, code.Relation, src.Class, dst.Class); err != nil {
				p.violations = append(p.violations, err)
				continue
			}
			srcID := p.ensure(src, srcType, facts.Source, created)
			dstID := p.ensure(dst, dstType, facts.Source, created)
			if srcID == dstID {
				continue
			}
			p.edge(t, f.Code, code.Relation, srcID, dstID, dst.Value, src.Value, confidence(f.Confidence), facts.Source, false)

		case rules.KindProperty:
			if subject == nil {
				p.violations = append(p.violations, &common.SchemaViolation{
					Code: f.Code, Detail: "property fact without subject",
				})
				continue
			}
			id := p.ensure(*subject, "", facts.Source, created)
			p.ops = append(p.ops, common.GraphOperation{
				Kind:   common.OpSetProperty,
				NodeID: id,
				Key:    f.Code,
				Value:  value,
			})
			p.add(id, mutation{op: len(p.ops) - 1, kind: mutProperty, key: f.Code, value: value})
		}
	}
	return p
}

// checkEdge validates the relation and, when the relation has a declared
// inverse or is symmetric, the reverse direction as well.
func checkEdge(t *rules.Tables, code, relation string, from, to common.NodeClass) error {
	if err := t.CheckEdge(code, relation, from, to); err != nil {
		return err
	}
	rel, _ := t.Relation(relation)
	if rel.Inverse != "" {
		if _, declared := t.Relation(rel.Inverse); declared {
			return t.CheckEdge(code, rel.Inverse, to, from)
		}
	}
	return nil
}

// edge emits CREATE_EDGE and the embedded copies: the edge on its source,
// the mirror on the target for symmetric relations, the inverse on the
// target for directed relations that declare one.
func (p *plan) edge(t *rules.Tables, code, relation, srcID, dstID, dstLabel, srcLabel string, conf float64, source string, replace bool) {
	fc, _ := t.Code(code)
	hard := fc.Hard != ""

	p.ops = append(p.ops, common.GraphOperation{
		Kind:     common.OpCreateEdge,
		NodeID:   srcID,
		Relation: relation,
		TargetID: dstID,
	})
	p.add(srcID, mutation{
		op:   len(p.ops) - 1,
		kind: mutEdge,
		edge: common.Edge{
			Relation: relation, TargetID: dstID, TargetLabel: dstLabel,
			Confidence: conf, Provenance: source, Code: code,
		},
		replace: replace,
		hard:    hard,
	})

	rel, _ := t.Relation(relation)
	back := ""
	switch {
	case rel.Symmetric:
		back = relation
	case rel.Inverse != "":
		back = rel.Inverse
	}
	if back == "" {
		return
	}
	p.add(dstID, mutation{
		op:   -1,
		kind: mutEdge,
		edge: common.Edge{
			Relation: back, TargetID: srcID, TargetLabel: srcLabel,
			Confidence: conf, Provenance: source, Code: code,
		},
		replace: replace,
		hard:    hard,
	})
}

func confidence(c float64) float64 {
	if c <= 0 || c > 1 {
		return 1
	}
	return c
}
