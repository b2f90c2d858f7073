package operator

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed vocabulary.yaml
var defaultVocabulary []byte

// Qualifier is one entry of the subject, jurisdiction or intent vocabulary.
type Qualifier struct {
	Code        string   `yaml:"code" json:"code"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Knowledge   []string `yaml:"knowledge,omitempty" json:"knowledge,omitempty"`
}

// Composite is a single prefix token standing for several qualifiers.
type Composite struct {
	Code         string `yaml:"code" json:"code"`
	Subject      string `yaml:"subject,omitempty" json:"subject,omitempty"`
	Jurisdiction string `yaml:"jurisdiction,omitempty" json:"jurisdiction,omitempty"`
	Intent       string `yaml:"intent,omitempty" json:"intent,omitempty"`
	Description  string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Handler binds a qualifier combination to an action adapter. An empty
// jurisdiction marks a global handler.
type Handler struct {
	ID            string   `yaml:"id" json:"id"`
	Subject       string   `yaml:"subject" json:"subject"`
	Jurisdiction  string   `yaml:"jurisdiction" json:"jurisdiction"`
	Intent        string   `yaml:"intent" json:"intent"`
	Source        string   `yaml:"source" json:"source"`
	Description   string   `yaml:"description,omitempty" json:"description,omitempty"`
	Prerequisites []string `yaml:"prerequisites,omitempty" json:"prerequisites,omitempty"`
	DeadEnds      []string `yaml:"dead_ends,omitempty" json:"dead_ends,omitempty"`
}

// Vocabulary is the versioned operator artifact.
type Vocabulary struct {
	Version       string      `yaml:"version" json:"version"`
	Subjects      []Qualifier `yaml:"subjects" json:"subjects"`
	Jurisdictions []Qualifier `yaml:"jurisdictions" json:"jurisdictions"`
	Intents       []Qualifier `yaml:"intents" json:"intents"`
	Composites    []Composite `yaml:"composites" json:"composites"`
	Handlers      []Handler   `yaml:"handlers" json:"handlers"`
}

// DefaultVocabulary returns the vocabulary embedded in the binary.
func DefaultVocabulary() (*Vocabulary, error) {
	return LoadVocabulary(bytes.NewReader(defaultVocabulary))
}

// LoadVocabularyFile reads a vocabulary from a YAML file.
func LoadVocabularyFile(path string) (*Vocabulary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vocabulary: %w", err)
	}
	defer f.Close()
	return LoadVocabulary(f)
}

// LoadVocabulary decodes a vocabulary. Validation happens in NewRouter.
func LoadVocabulary(r io.Reader) (*Vocabulary, error) {
	var v Vocabulary
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("failed to decode vocabulary: %w", err)
	}
	return &v, nil
}
