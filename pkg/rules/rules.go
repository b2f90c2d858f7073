// Package rules holds the versioned rule tables: which field codes create
// nodes, which create edges, which only set properties, and which node
// classes each relation may connect.
//
// The tables are loaded once and never change at runtime.
package rules

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"

	"github.com/OFFIS-RIT/pivot/pkg/common"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultTables []byte

// Kind is the graph effect of a field code.
type Kind string

const (
	KindNode     Kind = "CREATE_NODE"
	KindEdge     Kind = "CREATE_EDGE"
	KindProperty Kind = "SET_PROPERTY"
)

// Edge directions relative to the fact's subject.
const (
	DirectionOut = "out"
	DirectionIn  = "in"
)

// Date-range roles used to detect disjoint lifespans.
const (
	RangeStart = "start"
	RangeEnd   = "end"
)

// Hard identifier kinds. This list is closed: a shared value of one of these
// is proof of identity.
const (
	HardRegistrationNumber = "registration_number"
	HardVerifiedEmail      = "verified_email"
	HardVerifiedPhone      = "verified_phone"
)

var hardKinds = []string{HardRegistrationNumber, HardVerifiedEmail, HardVerifiedPhone}

// Resolution relations written by the disambiguation engine.
const (
	RelationSameAs       = "same_as"
	RelationDistinctFrom = "distinct_from"
	RelationBinaryStar   = "binary_star"
)

const anyClass = "*"

// FieldCode declares how one code-tagged value is materialized.
//
// Pivot is the classification rule: a value that can itself be the input of a
// further lookup becomes a node, everything else is metadata. A pivot code
// with a relation also links the new node to the fact's subject.
type FieldCode struct {
	Code        string           `yaml:"code" json:"code" jsonschema:"required"`
	Pivot       bool             `yaml:"pivot" json:"pivot"`
	Class       common.NodeClass `yaml:"class,omitempty" json:"class,omitempty"`
	Type        string           `yaml:"type,omitempty" json:"type,omitempty"`
	Relation    string           `yaml:"relation,omitempty" json:"relation,omitempty"`
	Direction   string           `yaml:"direction,omitempty" json:"direction,omitempty" jsonschema:"enum=out,enum=in"`
	Hard        string           `yaml:"hard,omitempty" json:"hard,omitempty"`
	Unique      bool             `yaml:"unique,omitempty" json:"unique,omitempty"`
	Soft        bool             `yaml:"soft,omitempty" json:"soft,omitempty"`
	Range       string           `yaml:"range,omitempty" json:"range,omitempty" jsonschema:"enum=start,enum=end"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
}

// Kind returns the graph effect of the code.
func (f FieldCode) Kind() Kind {
	switch {
	case !f.Pivot:
		return KindProperty
	case f.Relation != "":
		return KindEdge
	default:
		return KindNode
	}
}

// IsEvidence reports whether the code contributes identity evidence.
func (f FieldCode) IsEvidence() bool {
	return f.Hard != "" || f.Unique || f.Soft || f.Range != ""
}

// Relation declares an edge type and the class pairs it may connect.
type Relation struct {
	Name        string   `yaml:"name" json:"name" jsonschema:"required"`
	From        []string `yaml:"from" json:"from"`
	To          []string `yaml:"to" json:"to"`
	Symmetric   bool     `yaml:"symmetric,omitempty" json:"symmetric,omitempty"`
	Inverse     string   `yaml:"inverse,omitempty" json:"inverse,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
}

// Allows reports whether the relation may connect a node of class from to a
// node of class to.
func (r Relation) Allows(from, to common.NodeClass) bool {
	return classMatch(r.From, from) && classMatch(r.To, to)
}

func classMatch(list []string, class common.NodeClass) bool {
	for _, c := range list {
		if c == anyClass || c == string(class) {
			return true
		}
	}
	return false
}

type document struct {
	Version   string      `yaml:"version" json:"version" jsonschema:"required"`
	Relations []Relation  `yaml:"relations" json:"relations"`
	Codes     []FieldCode `yaml:"codes" json:"codes"`
}

// Tables is an immutable, validated rule-table set.
type Tables struct {
	version   string
	relations map[string]Relation
	codes     map[string]FieldCode
}

// Default returns the rule tables embedded in the binary.
func Default() (*Tables, error) {
	return Load(bytes.NewReader(defaultTables))
}

// LoadFile reads rule tables from a YAML file.
func LoadFile(path string) (*Tables, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule tables: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses and validates rule tables. Any inconsistency is returned as an
// error so that a stale artifact fails the process at startup.
func Load(r io.Reader) (*Tables, error) {
	var doc document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode rule tables: %w", err)
	}

	t := &Tables{
		version:   doc.Version,
		relations: make(map[string]Relation, len(doc.Relations)),
		codes:     make(map[string]FieldCode, len(doc.Codes)),
	}
	if t.version == "" {
		return nil, fmt.Errorf("rule tables have no version")
	}

	for _, rel := range doc.Relations {
		if rel.Name == "" {
			return nil, fmt.Errorf("relation without name")
		}
		if _, dup := t.relations[rel.Name]; dup {
			return nil, fmt.Errorf("relation %q declared twice", rel.Name)
		}
		if len(rel.From) == 0 || len(rel.To) == 0 {
			return nil, fmt.Errorf("relation %q must declare from and to classes", rel.Name)
		}
		for _, c := range append(slices.Clone(rel.From), rel.To...) {
			if c != anyClass && !common.NodeClass(c).Valid() {
				return nil, fmt.Errorf("relation %q references unknown class %q", rel.Name, c)
			}
		}
		if rel.Symmetric && rel.Inverse != "" {
			return nil, fmt.Errorf("relation %q cannot be symmetric and declare an inverse", rel.Name)
		}
		t.relations[rel.Name] = rel
	}

	for _, name := range []string{RelationSameAs, RelationDistinctFrom, RelationBinaryStar} {
		if _, ok := t.relations[name]; !ok {
			return nil, fmt.Errorf("rule tables must declare resolution relation %q", name)
		}
	}

	for _, code := range doc.Codes {
		if err := t.validateCode(code); err != nil {
			return nil, err
		}
		t.codes[code.Code] = code
	}

	return t, nil
}

func (t *Tables) validateCode(code FieldCode) error {
	if code.Code == "" {
		return fmt.Errorf("field code without name")
	}
	if _, dup := t.codes[code.Code]; dup {
		return fmt.Errorf("field code %q declared twice", code.Code)
	}

	switch code.Kind() {
	case KindProperty:
		if code.Relation != "" || code.Class != "" {
			return fmt.Errorf("field code %q is not a pivot and cannot declare class or relation", code.Code)
		}
	case KindNode, KindEdge:
		if !code.Class.Valid() {
			return fmt.Errorf("field code %q references unknown class %q", code.Code, code.Class)
		}
	}

	if code.Kind() == KindEdge {
		if _, ok := t.relations[code.Relation]; !ok {
			return fmt.Errorf("field code %q references undeclared relation %q", code.Code, code.Relation)
		}
		if code.Direction != DirectionOut && code.Direction != DirectionIn {
			return fmt.Errorf("field code %q has invalid direction %q", code.Code, code.Direction)
		}
	}

	if code.Hard != "" && !slices.Contains(hardKinds, code.Hard) {
		return fmt.Errorf("field code %q declares unknown hard identifier kind %q", code.Code, code.Hard)
	}
	if code.Hard != "" && code.Soft {
		return fmt.Errorf("field code %q cannot be both hard and soft evidence", code.Code)
	}
	if code.Range != "" && code.Range != RangeStart && code.Range != RangeEnd {
		return fmt.Errorf("field code %q has invalid range role %q", code.Code, code.Range)
	}
	if code.Range != "" && code.Kind() != KindProperty {
		return fmt.Errorf("field code %q: range roles are only valid on properties", code.Code)
	}
	if code.Range != "" && code.Unique {
		return fmt.Errorf("field code %q: date codes compare by range and cannot be unique", code.Code)
	}
	return nil
}

// Version returns the version string of the loaded artifact.
func (t *Tables) Version() string {
	return t.version
}

// Code looks up a field code.
func (t *Tables) Code(code string) (FieldCode, bool) {
	c, ok := t.codes[code]
	return c, ok
}

// Relation looks up a relation.
func (t *Tables) Relation(name string) (Relation, bool) {
	r, ok := t.relations[name]
	return r, ok
}

// Codes returns every declared code sorted by name.
func (t *Tables) Codes() []FieldCode {
	out := make([]FieldCode, 0, len(t.codes))
	for _, c := range t.codes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Relations returns every declared relation sorted by name.
func (t *Tables) Relations() []Relation {
	out := make([]Relation, 0, len(t.relations))
	for _, r := range t.relations {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CheckEdge validates a relation between two classes at write time.
func (t *Tables) CheckEdge(code, relation string, from, to common.NodeClass) error {
	rel, ok := t.relations[relation]
	if !ok {
		return &common.SchemaViolation{
			Code: code, Relation: relation, From: from, To: to,
			Detail: "relation is not declared",
		}
	}
	if !rel.Allows(from, to) {
		return &common.SchemaViolation{
			Code: code, Relation: relation, From: from, To: to,
			Detail: "class pair is not allowed for relation",
		}
	}
	return nil
}

// Require fails when any of the given codes is not declared. It is used at
// startup to reject templates written against a different table version.
func (t *Tables) Require(codes ...string) error {
	var missing []string
	for _, c := range codes {
		if _, ok := t.codes[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("rule tables %s do not declare codes %v", t.version, missing)
	}
	return nil
}
