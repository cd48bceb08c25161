package llm

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"stepforge/internal/services"
)

var schemaCache sync.Map // string(raw schema) -> *jsonschema.Resolved

// CompileSchema parses and resolves a JSON schema document. Results are
// memoized by schema text.
func CompileSchema(raw json.RawMessage) (*jsonschema.Resolved, error) {
	key := string(raw)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Resolved), nil
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, fmt.Errorf("parse json schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve json schema: %w", err)
	}
	schemaCache.Store(key, resolved)
	return resolved, nil
}

// ValidateJSON checks that content is a JSON document accepted by schema.
// Failures wrap services.ErrValidation.
func ValidateJSON(schema json.RawMessage, content string) error {
	resolved, err := CompileSchema(schema)
	if err != nil {
		return err
	}
	var instance any
	if err := DecodeLLMJSON(content, &instance); err != nil {
		return fmt.Errorf("%w: decode payload: %w", services.ErrValidation, err)
	}
	if err := resolved.Validate(instance); err != nil {
		return fmt.Errorf("%w: schema mismatch: %w", services.ErrValidation, err)
	}
	return nil
}
