package cascade

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"slices"
	"sort"
	"strings"

	"github.com/OFFIS-RIT/pivot/pkg/operator"
	"github.com/OFFIS-RIT/pivot/pkg/rules"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*.yaml
var templateFS embed.FS

const jurisdictionPlaceholder = "{jurisdiction}"

// GapFill is the narrower lookup offered to a slot that stayed empty. From
// names the slot whose value is the input; empty means the target value.
type GapFill struct {
	Operator string `yaml:"operator" json:"operator"`
	From     string `yaml:"from,omitempty" json:"from,omitempty"`
}

type SlotSpec struct {
	Name    string   `yaml:"name" json:"name"`
	Type    SlotType `yaml:"type" json:"type"`
	Codes   []string `yaml:"codes" json:"codes"`
	GapFill *GapFill `yaml:"gap_fill,omitempty" json:"gap_fill,omitempty"`
}

// Trigger spawns an action. Initial triggers run in the sweep with the
// target value as input; the others run when slot On gets filled, once per
// new element with ForEach.
type Trigger struct {
	ID       string   `yaml:"id" json:"id"`
	Initial  bool     `yaml:"initial,omitempty" json:"initial,omitempty"`
	On       string   `yaml:"on,omitempty" json:"on,omitempty"`
	ForEach  bool     `yaml:"for_each,omitempty" json:"for_each,omitempty"`
	Operator string   `yaml:"operator" json:"operator"`
	Produces []string `yaml:"produces" json:"produces"`
}

// Template is a static investigation plan.
type Template struct {
	Name        string     `yaml:"name" json:"name"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
	Subject     string     `yaml:"subject" json:"subject"`
	Slots       []SlotSpec `yaml:"slots" json:"slots"`
	Triggers    []Trigger  `yaml:"triggers" json:"triggers"`
}

func (t *Template) slot(name string) (SlotSpec, bool) {
	for _, s := range t.Slots {
		if s.Name == name {
			return s, true
		}
	}
	return SlotSpec{}, false
}

// Codes returns every field code the template reads.
func (t *Template) Codes() []string {
	var out []string
	for _, s := range t.Slots {
		for _, c := range s.Codes {
			if !slices.Contains(out, c) {
				out = append(out, c)
			}
		}
	}
	return out
}

func (t *Template) validate() error {
	if t.Name == "" {
		return errors.New("template name is required")
	}
	seen := make(map[string]bool)
	for _, s := range t.Slots {
		if s.Name == "" {
			return fmt.Errorf("template %s: slot without name", t.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("template %s: duplicate slot %q", t.Name, s.Name)
		}
		seen[s.Name] = true
		if s.Type != "" && s.Type != SlotString && s.Type != SlotList {
			return fmt.Errorf("template %s: slot %q has unknown type %q", t.Name, s.Name, s.Type)
		}
		if len(s.Codes) == 0 {
			return fmt.Errorf("template %s: slot %q declares no codes", t.Name, s.Name)
		}
		if s.GapFill != nil && s.GapFill.From != "" {
			if _, ok := t.slot(s.GapFill.From); !ok {
				return fmt.Errorf("template %s: gap fill of %q reads unknown slot %q", t.Name, s.Name, s.GapFill.From)
			}
		}
	}

	ids := make(map[string]bool)
	for _, tr := range t.Triggers {
		if tr.ID == "" {
			return fmt.Errorf("template %s: trigger without id", t.Name)
		}
		if ids[tr.ID] {
			return fmt.Errorf("template %s: duplicate trigger %q", t.Name, tr.ID)
		}
		ids[tr.ID] = true
		if tr.Initial == (tr.On != "") {
			return fmt.Errorf("template %s: trigger %q must be either initial or on a slot", t.Name, tr.ID)
		}
		if tr.On != "" {
			on, ok := t.slot(tr.On)
			if !ok {
				return fmt.Errorf("template %s: trigger %q waits on unknown slot %q", t.Name, tr.ID, tr.On)
			}
			if on.Type == SlotList && !tr.ForEach {
				return fmt.Errorf("template %s: trigger %q on list slot %q needs for_each", t.Name, tr.ID, tr.On)
			}
		}
		if tr.ForEach && tr.On == "" {
			return fmt.Errorf("template %s: trigger %q uses for_each without a slot", t.Name, tr.ID)
		}
		if len(tr.Produces) == 0 {
			return fmt.Errorf("template %s: trigger %q produces nothing", t.Name, tr.ID)
		}
		for _, p := range tr.Produces {
			if _, ok := t.slot(p); !ok {
				return fmt.Errorf("template %s: trigger %q produces unknown slot %q", t.Name, tr.ID, p)
			}
		}
	}
	return nil
}

// Operator fills in the jurisdiction placeholder.
func Operator(op, jurisdiction string) string {
	return strings.ReplaceAll(op, jurisdictionPlaceholder, strings.ToLower(jurisdiction))
}

// Templates is a set of templates by name.
type Templates struct {
	byName map[string]*Template
}

// DefaultTemplates loads the embedded templates.
func DefaultTemplates() (*Templates, error) {
	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		return nil, err
	}
	ts := &Templates{byName: make(map[string]*Template)}
	for _, e := range entries {
		data, err := templateFS.ReadFile(path.Join("templates", e.Name()))
		if err != nil {
			return nil, err
		}
		if err := ts.add(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
	}
	return ts, nil
}

// LoadTemplateFile adds a template read from disk, replacing an embedded
// template of the same name.
func (ts *Templates) LoadTemplateFile(p string) error {
	f, err := os.Open(p)
	if err != nil {
		return fmt.Errorf("failed to open template %s: %w", p, err)
	}
	defer f.Close()
	if err := ts.add(f); err != nil {
		return fmt.Errorf("%s: %w", p, err)
	}
	return nil
}

func (ts *Templates) add(r io.Reader) error {
	var t Template
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return fmt.Errorf("failed to decode template: %w", err)
	}
	if err := t.validate(); err != nil {
		return err
	}
	ts.byName[t.Name] = &t
	return nil
}

// Get returns the template with the given name.
func (ts *Templates) Get(name string) (*Template, bool) {
	t, ok := ts.byName[name]
	return t, ok
}

// Names returns the template names in sorted order.
func (ts *Templates) Names() []string {
	out := make([]string, 0, len(ts.byName))
	for n := range ts.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ValidateTemplates checks every template against the rule tables and the
// router: slot codes must be declared and every operator must route to an
// action with an empty jurisdiction. It is meant to run at startup.
func ValidateTemplates(ts *Templates, t *rules.Tables, r *operator.Router) error {
	var errs []error
	for _, name := range ts.Names() {
		tmpl := ts.byName[name]
		if err := t.Require(tmpl.Codes()...); err != nil {
			errs = append(errs, fmt.Errorf("template %s: %w", name, err))
		}
		ops := make([]string, 0, len(tmpl.Triggers))
		for _, tr := range tmpl.Triggers {
			ops = append(ops, tr.Operator)
		}
		for _, s := range tmpl.Slots {
			if s.GapFill != nil {
				ops = append(ops, s.GapFill.Operator)
			}
		}
		for _, op := range ops {
			if _, err := r.Resolve(Operator(op, "") + ":probe"); err != nil {
				errs = append(errs, fmt.Errorf("template %s: operator %q: %w", name, op, err))
			}
		}
	}
	return errors.Join(errs...)
}
