package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ExtractionSchema describes the JSON object providers must return.
func ExtractionSchema() map[string]any {
	text := map[string]any{"type": "string"}
	return map[string]any{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type":    "object",
		"properties": map[string]any{
			"docType":   text,
			"docNumber": text,
			"date":      text,
			"dueDate":   text,
			"supplier":  text,
			"customer":  text,
			"total":     map[string]any{"type": "number"},
			"currency":  text,
			"notes":     text,
			"references": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"type":       text,
						"value":      text,
						"confidence": map[string]any{"type": "number", "minimum": 0.0, "maximum": 1.0},
					},
					"required": []string{"value"},
				},
			},
		},
		"additionalProperties": false,
	}
}

var (
	compiledOnce   sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func extractionSchema() (*jsonschema.Schema, error) {
	compiledOnce.Do(func() {
		raw, err := json.Marshal(ExtractionSchema())
		if err != nil {
			compileErr = fmt.Errorf("marshal schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("extraction.json", bytes.NewReader(raw)); err != nil {
			compileErr = fmt.Errorf("add schema: %w", err)
			return
		}
		compiledSchema, compileErr = compiler.Compile("extraction.json")
		if compileErr != nil {
			compileErr = fmt.Errorf("compile schema: %w", compileErr)
		}
	})
	return compiledSchema, compileErr
}

// Validate checks a decoded JSON value against ExtractionSchema.
func Validate(value any) error {
	schema, err := extractionSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
