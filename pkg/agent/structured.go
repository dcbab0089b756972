package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/cbt"
	"github.com/geekn0rd/LLM-as-a-Counselor/pkg/providers"
)

// StructuredKind enumerates the structured results the pipeline asks for.
type StructuredKind int

const (
	KindDistortionFinding StructuredKind = iota + 1
	KindStageExample
)

var structuredSchemas = map[StructuredKind]providers.Schema{
	KindDistortionFinding: {
		Name: "cognitive_distortion",
		Fields: []providers.SchemaField{
			{Name: "distortion_type", Type: providers.FieldString, Description: "Most likely cognitive distortion type, or None"},
			{Name: "utterance", Type: providers.FieldString, Description: "The client's utterance containing the distortion"},
			{Name: "score", Type: providers.FieldInteger, Description: "Severity from 1 to 5"},
		},
	},
	KindStageExample: {
		Name: "stage_example",
		Fields: []providers.SchemaField{
			{Name: "stage_name", Type: providers.FieldString, Description: "Name of the stage to undertake next"},
			{Name: "example", Type: providers.FieldString, Description: "Example counselor utterance for that stage"},
		},
	},
}

func (k StructuredKind) String() string {
	if s, ok := structuredSchemas[k]; ok {
		return s.Name
	}
	return fmt.Sprintf("StructuredKind(%d)", int(k))
}

// Schema returns the output schema requested from the model for k.
func (k StructuredKind) Schema() (providers.Schema, bool) {
	s, ok := structuredSchemas[k]
	return s, ok
}

// StructuredValue is a decoded structured result. Exactly one payload field
// is meaningful, selected by Kind.
type StructuredValue struct {
	Kind    StructuredKind
	Finding cbt.DistortionFinding
	Stage   cbt.StageExample
}

// completeStructured runs a structured completion for kind and decodes the
// result into the matching variant.
func completeStructured(ctx context.Context, llm providers.LanguageModel, prompt string, kind StructuredKind) (StructuredValue, error) {
	schema, ok := kind.Schema()
	if !ok {
		return StructuredValue{}, fmt.Errorf("unknown structured kind %d", int(kind))
	}
	raw, err := llm.CompleteStructured(ctx, prompt, schema)
	if err != nil {
		return StructuredValue{}, err
	}
	return decodeStructured(kind, schema, raw)
}

func decodeStructured(kind StructuredKind, schema providers.Schema, raw []byte) (StructuredValue, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return StructuredValue{}, fmt.Errorf("%w: decode %s: %v", providers.ErrSchemaMismatch, kind, err)
	}
	for _, f := range schema.Fields {
		if _, ok := fields[f.Name]; !ok {
			return StructuredValue{}, fmt.Errorf("%w: %s is missing %q", providers.ErrSchemaMismatch, kind, f.Name)
		}
	}

	v := StructuredValue{Kind: kind}
	var err error
	switch kind {
	case KindDistortionFinding:
		err = json.Unmarshal(raw, &v.Finding)
	case KindStageExample:
		err = json.Unmarshal(raw, &v.Stage)
	}
	if err != nil {
		return StructuredValue{}, fmt.Errorf("%w: decode %s: %v", providers.ErrSchemaMismatch, kind, err)
	}
	return v, nil
}
