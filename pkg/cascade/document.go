package cascade

import (
	"slices"
	"time"
)

type SlotType string

const (
	SlotString SlotType = "string"
	SlotList   SlotType = "list"
)

type SlotState string

const (
	SlotEmpty   SlotState = "empty"
	SlotPending SlotState = "pending"
	SlotFilled  SlotState = "filled"
)

type DocumentState string

const (
	StateSweeping   DocumentState = "sweeping"
	StateCascading  DocumentState = "cascading"
	StateGapFilling DocumentState = "gap_filling"
	StateDone       DocumentState = "done"
)

// Reasons set on slots that end up empty.
const (
	ReasonNoResult        = "no_result"
	ReasonActionsFailed   = "all_actions_failed"
	ReasonWall            = "wall"
	ReasonKnownDeadEnd    = "known_dead_end"
	ReasonNotReached      = "not_reached"
	ReasonBudgetExhausted = "budget_exhausted"
)

// Failure records one action that did not produce a slot.
type Failure struct {
	Trigger string `json:"trigger"`
	Input   string `json:"input"`
	Handler string `json:"handler,omitempty"`
	Error   string `json:"error"`
	Wall    bool   `json:"wall,omitempty"`
}

type Slot struct {
	Name       string    `json:"name"`
	Type       SlotType  `json:"type"`
	State      SlotState `json:"state"`
	Value      string    `json:"value,omitempty"`
	Values     []string  `json:"values,omitempty"`
	FillSource string    `json:"fill_source,omitempty"`
	Failures   []Failure `json:"failures,omitempty"`
	DeadEnds   []string  `json:"dead_ends,omitempty"`
	Reason     string    `json:"reason,omitempty"`

	inflight  int
	failed    int
	succeeded int
}

// fill stores values and returns the values that were not present before.
// A scalar slot keeps its first value.
func (s *Slot) fill(values []string, source string) []string {
	var added []string
	switch s.Type {
	case SlotList:
		for _, v := range values {
			if v != "" && !slices.Contains(s.Values, v) {
				s.Values = append(s.Values, v)
				added = append(added, v)
			}
		}
	default:
		if s.State == SlotFilled || len(values) == 0 || values[0] == "" {
			return nil
		}
		s.Value = values[0]
		added = values[:1]
	}
	if len(added) == 0 {
		return nil
	}
	if s.State != SlotFilled {
		s.State = SlotFilled
		s.FillSource = source
		s.Reason = ""
	}
	return added
}

func (s *Slot) Filled() bool {
	return s.State == SlotFilled
}

// Target is what an investigation starts from.
type Target struct {
	Value        string `json:"value"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
}

// SlotDocument is the working state of one investigation.
type SlotDocument struct {
	ID       string         `json:"id"`
	Template string         `json:"template"`
	Target   Target         `json:"target"`
	Slots    []*Slot        `json:"slots"`
	Triggers []Trigger      `json:"triggers"`
	State    DocumentState  `json:"state"`
	Budget   time.Duration  `json:"budget"`
	Rounds   int            `json:"rounds"`
	Partial  bool           `json:"partial"`
	Errors   []string       `json:"errors,omitempty"`
	Started  time.Time      `json:"started_at"`
	Finished time.Time      `json:"finished_at,omitzero"`
	index    map[string]int
}

// NewDocument creates an empty document for a template.
func NewDocument(id string, t *Template, target Target, budget time.Duration) *SlotDocument {
	doc := &SlotDocument{
		ID:       id,
		Template: t.Name,
		Target:   target,
		Triggers: slices.Clone(t.Triggers),
		State:    StateSweeping,
		Budget:   budget,
		index:    make(map[string]int, len(t.Slots)),
	}
	for i, spec := range t.Slots {
		typ := spec.Type
		if typ == "" {
			typ = SlotString
		}
		doc.Slots = append(doc.Slots, &Slot{Name: spec.Name, Type: typ, State: SlotEmpty})
		doc.index[spec.Name] = i
	}
	return doc
}

// Slot returns the slot with the given name.
func (d *SlotDocument) Slot(name string) (*Slot, bool) {
	i, ok := d.index[name]
	if !ok {
		return nil, false
	}
	return d.Slots[i], true
}

// Filled lists the names of filled slots in template order.
func (d *SlotDocument) Filled() []string {
	var out []string
	for _, s := range d.Slots {
		if s.State == SlotFilled {
			out = append(out, s.Name)
		}
	}
	return out
}

// Unresolved lists the names of slots that are not filled.
func (d *SlotDocument) Unresolved() []string {
	var out []string
	for _, s := range d.Slots {
		if s.State != SlotFilled {
			out = append(out, s.Name)
		}
	}
	return out
}
