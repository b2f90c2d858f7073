package rules

import (
	"reflect"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON schema of the rule-table artifact. It is served by
// the API so that table authors can validate files before deploying them.
func Schema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	t := reflect.TypeOf(document{})
	return reflector.ReflectFromType(t)
}

// Document is the serializable view of loaded tables.
type Document struct {
	Version   string      `json:"version"`
	Relations []Relation  `json:"relations"`
	Codes     []FieldCode `json:"codes"`
}

// Export returns the loaded tables in artifact form.
func (t *Tables) Export() Document {
	return Document{
		Version:   t.version,
		Relations: t.Relations(),
		Codes:     t.Codes(),
	}
}
