package reaction

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"promptbot/internal/domain"
)

// DefaultNamespace prefixes the content key under which annotations are stored.
const DefaultNamespace = "io.promptbot"

const annotationKeySuffix = ".reaction_handler"

// annotationSchema is the accepted shape of the namespaced annotation value.
const annotationSchema = `{
	"type": "object",
	"properties": {
		"reaction_map": {
			"type": "object",
			"additionalProperties": {"type": "string"}
		},
		"name": {"type": "string"}
	},
	"required": ["reaction_map", "name"]
}`

// Codec encodes and decodes prompt annotations stored in event content.
type Codec struct {
	key    string
	schema *jsonschema.Schema
}

// AnnotationKey returns the content key used for annotations in namespace.
func AnnotationKey(namespace string) string {
	return strings.TrimSuffix(namespace, ".") + annotationKeySuffix
}

// NewCodec creates a codec for the given namespace. An empty namespace uses DefaultNamespace.
func NewCodec(namespace string) (*Codec, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(annotationSchema))
	if err != nil {
		return nil, fmt.Errorf("compile annotation schema: %w", err)
	}
	return &Codec{key: AnnotationKey(namespace), schema: schema}, nil
}

// Key returns the reserved content key.
func (c *Codec) Key() string { return c.key }

// Encode produces the content fragment to merge into a new prompt event.
// additionalContext may be nil; otherwise it must be JSON-marshalable.
func (c *Codec) Encode(listenerName string, reactionMap domain.ReactionMap, additionalContext any) (map[string]any, error) {
	annotation := domain.Annotation{
		ReactionMap: reactionMap,
		Name:        listenerName,
	}
	if additionalContext != nil {
		raw, err := json.Marshal(additionalContext)
		if err != nil {
			return nil, fmt.Errorf("marshal additional context: %w", err)
		}
		annotation.AdditionalContext = raw
	}
	return map[string]any{c.key: annotation}, nil
}

// Decode extracts the annotation from event content.
// It returns domain.ErrNotAnnotated when the key is absent and
// domain.ErrMalformedAnnotation when the value has the wrong shape.
func (c *Codec) Decode(content map[string]json.RawMessage) (domain.Annotation, error) {
	raw, ok := content[c.key]
	if !ok {
		return domain.Annotation{}, domain.ErrNotAnnotated
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return domain.Annotation{}, domain.NewDomainError("Codec.Decode", domain.ErrMalformedAnnotation, err.Error())
	}
	result := c.schema.Validate(generic)
	if !result.IsValid() {
		return domain.Annotation{}, domain.NewDomainError("Codec.Decode", domain.ErrMalformedAnnotation, fmt.Sprintf("%s", result.Error()))
	}

	var annotation domain.Annotation
	if err := json.Unmarshal(raw, &annotation); err != nil {
		return domain.Annotation{}, domain.NewDomainError("Codec.Decode", domain.ErrMalformedAnnotation, err.Error())
	}
	if string(annotation.AdditionalContext) == "null" {
		annotation.AdditionalContext = nil
	}
	return annotation, nil
}
