package cascade

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/OFFIS-RIT/pivot/pkg/normalize"

	"gopkg.in/yaml.v3"
)

//go:embed deadends.yaml
var defaultDeadEnds []byte

// DeadEndCatalog knows lookups that are not worth spawning.
type DeadEndCatalog interface {
	IsKnownDeadEnd(slot, value string) bool
}

// DeadEnd is one catalog entry. An empty Value matches every input and an
// empty Jurisdiction matches every jurisdiction.
type DeadEnd struct {
	Slot         string `yaml:"slot" json:"slot"`
	Jurisdiction string `yaml:"jurisdiction,omitempty" json:"jurisdiction,omitempty"`
	Value        string `yaml:"value,omitempty" json:"value,omitempty"`
	Reason       string `yaml:"reason" json:"reason"`
}

// StaticCatalog is a DeadEndCatalog backed by a YAML file.
type StaticCatalog struct {
	entries []DeadEnd
}

type deadEndFile struct {
	DeadEnds []DeadEnd `yaml:"dead_ends"`
}

// DefaultDeadEnds loads the embedded catalog.
func DefaultDeadEnds() (*StaticCatalog, error) {
	return LoadDeadEnds(bytes.NewReader(defaultDeadEnds))
}

func LoadDeadEndsFile(path string) (*StaticCatalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead end catalog %s: %w", path, err)
	}
	defer f.Close()
	return LoadDeadEnds(f)
}

func LoadDeadEnds(r io.Reader) (*StaticCatalog, error) {
	var file deadEndFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode dead end catalog: %w", err)
	}
	for i, e := range file.DeadEnds {
		if e.Slot == "" {
			return nil, fmt.Errorf("dead end %d has no slot", i)
		}
		file.DeadEnds[i].Jurisdiction = strings.ToLower(e.Jurisdiction)
		file.DeadEnds[i].Value = normalize.Normalize(e.Value)
	}
	return &StaticCatalog{entries: file.DeadEnds}, nil
}

// Entries returns a copy of the catalog.
func (c *StaticCatalog) Entries() []DeadEnd {
	return append([]DeadEnd(nil), c.entries...)
}

// Lookup returns the first entry matching slot and value in jurisdiction.
func (c *StaticCatalog) Lookup(jurisdiction, slot, value string) (DeadEnd, bool) {
	if c == nil {
		return DeadEnd{}, false
	}
	jurisdiction = strings.ToLower(jurisdiction)
	value = normalize.Normalize(value)
	for _, e := range c.entries {
		if e.Slot != slot {
			continue
		}
		if e.Jurisdiction != "" && e.Jurisdiction != jurisdiction {
			continue
		}
		if e.Value != "" && e.Value != value {
			continue
		}
		return e, true
	}
	return DeadEnd{}, false
}

// For returns the catalog as seen by an investigation in jurisdiction.
func (c *StaticCatalog) For(jurisdiction string) DeadEndCatalog {
	return scopedCatalog{catalog: c, jurisdiction: jurisdiction}
}

type scopedCatalog struct {
	catalog      *StaticCatalog
	jurisdiction string
}

func (s scopedCatalog) IsKnownDeadEnd(slot, value string) bool {
	_, ok := s.catalog.Lookup(s.jurisdiction, slot, value)
	return ok
}
