package runner

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/quillworks/cascade/pkg/schema"
)

// SchemaValidator validates resolved node inputs against a runner's declared
// JSON Schema. Compiled schemas are cached by content hash.
// Safe for concurrent use.
type SchemaValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator creates an empty validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{
		cache: make(map[string]*jsonschema.Schema),
	}
}

var defaultValidator = NewSchemaValidator()

// ValidateInputs validates inputs against schemaJSON using a shared validator.
// A nil or empty schema accepts everything.
func ValidateInputs(schemaJSON json.RawMessage, inputs map[string]any) error {
	return defaultValidator.Validate(schemaJSON, inputs)
}

// Validate checks inputs against the given JSON Schema document.
func (v *SchemaValidator) Validate(schemaJSON json.RawMessage, inputs map[string]any) error {
	if len(schemaJSON) == 0 {
		return nil
	}

	sch, err := v.getOrCompile(schemaJSON)
	if err != nil {
		return err
	}

	// Round-trip through JSON so typed values (FileRef, ints) take the shape
	// the schema language understands.
	doc, err := toJSONValue(inputs)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "serialize inputs for validation").WithCause(err)
	}

	if err := sch.Validate(doc); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "input validation failed: %s", err.Error()).
			WithCause(err)
	}
	return nil
}

func (v *SchemaValidator) getOrCompile(schemaJSON json.RawMessage) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(schemaJSON)
	key := hex.EncodeToString(sum[:8])

	v.mu.RLock()
	if sch, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return sch, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if sch, ok := v.cache[key]; ok {
		return sch, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "unmarshal input schema").WithCause(err)
	}

	c := jsonschema.NewCompiler()
	url := fmt.Sprintf("inline://runner-schema/%s.json", key)
	if err := c.AddResource(url, doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "add schema resource").WithCause(err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "compile input schema").WithCause(err)
	}

	v.cache[key] = sch
	return sch, nil
}

// toJSONValue converts v to the generic interface form json.Unmarshal produces.
func toJSONValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
