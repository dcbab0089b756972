package providers

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"
)

var (
	// ErrBackendUnavailable wraps transport failures, non-2xx responses and
	// broken streams.
	ErrBackendUnavailable = errors.New("language model backend unavailable")
	// ErrSchemaMismatch means structured output could not be decoded into the
	// requested schema.
	ErrSchemaMismatch = errors.New("structured output does not match schema")
	// ErrStreamConsumed is yielded when a stream is iterated a second time.
	ErrStreamConsumed = errors.New("stream already consumed")
)

// LanguageModel is a deterministic (temperature 0) completion backend.
type LanguageModel interface {
	Complete(ctx context.Context, prompt string) (string, error)
	// CompleteStructured returns raw JSON conforming to schema.
	CompleteStructured(ctx context.Context, prompt string, schema Schema) ([]byte, error)
	// StreamComplete yields text fragments whose concatenation equals the
	// Complete result. The sequence may be ranged over once.
	StreamComplete(ctx context.Context, prompt string) iter.Seq2[string, error]
	Name() string
}

type FieldType string

const (
	FieldString  FieldType = "string"
	FieldInteger FieldType = "integer"
)

type SchemaField struct {
	Name        string
	Type        FieldType
	Description string
}

// Schema describes a flat JSON object whose fields are all required.
type Schema struct {
	Name   string
	Fields []SchemaField
}

// JSONSchema renders the schema in the strict JSON Schema dialect accepted by
// chat-completions structured output.
func (s Schema) JSONSchema() map[string]interface{} {
	props := make(map[string]interface{}, len(s.Fields))
	required := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		prop := map[string]interface{}{"type": string(f.Type)}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		props[f.Name] = prop
		required = append(required, f.Name)
	}
	return map[string]interface{}{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

func singleUse(seq iter.Seq2[string, error]) iter.Seq2[string, error] {
	var used atomic.Bool
	return func(yield func(string, error) bool) {
		if used.Swap(true) {
			yield("", ErrStreamConsumed)
			return
		}
		seq(yield)
	}
}
