// Package store implements the durable, versioned, validated key-addressed
// store: schema validation, sanitization, optional encryption/compression,
// record migrations, archival, quota accounting and backup/restore.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rcmuller25/PHCMOIS-sub001/internal/common"
	"github.com/rcmuller25/PHCMOIS-sub001/internal/models"
)

// FieldKind is the closed set of value kinds a schema may declare.
type FieldKind string

const (
	KindString  FieldKind = "string"
	KindNumber  FieldKind = "number"
	KindInteger FieldKind = "integer"
	KindBoolean FieldKind = "boolean"
	KindObject  FieldKind = "object"
	KindArray   FieldKind = "array"
	// KindDate is a string timestamp; range constraints are checked
	// against the parsed value.
	KindDate FieldKind = "date"
)

// FieldRule constrains a single record field.
type FieldRule struct {
	Kind      FieldKind  `json:"kind"`
	MinLength *int       `json:"minLength,omitempty"`
	MaxLength *int       `json:"maxLength,omitempty"`
	Pattern   string     `json:"pattern,omitempty"`
	Enum      []any      `json:"enum,omitempty"`
	NotBefore *time.Time `json:"notBefore,omitempty"`
	NotAfter  *time.Time `json:"notAfter,omitempty"`
}

// CollectionSchema is the externally supplied validation descriptor for one
// collection. Fields outside the descriptor (including the core's internal
// "_"-prefixed markers) are allowed and left unconstrained.
type CollectionSchema struct {
	Required []string             `json:"required"`
	Fields   map[string]FieldRule `json:"fields"`
}

type compiledSchema struct {
	schema *jsonschema.Schema
	rules  CollectionSchema
}

// SchemaSet holds the compiled validators for all configured collections.
type SchemaSet struct {
	schemas map[string]*compiledSchema
}

// NewSchemaSet compiles the given descriptors. Collections without a
// descriptor are not validated.
func NewSchemaSet(defs map[string]CollectionSchema) (*SchemaSet, error) {
	set := &SchemaSet{schemas: make(map[string]*compiledSchema, len(defs))}

	for name, def := range defs {
		doc := buildSchemaDoc(def)
		compiler := jsonschema.NewCompiler()
		url := fmt.Sprintf("collection://%s/schema.json", name)
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("failed to register schema for %s: %w", name, err)
		}
		sch, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema for %s: %w", name, err)
		}
		set.schemas[name] = &compiledSchema{schema: sch, rules: def}
	}

	return set, nil
}

// buildSchemaDoc translates a CollectionSchema into a JSON Schema document.
func buildSchemaDoc(def CollectionSchema) map[string]any {
	properties := make(map[string]any, len(def.Fields))
	for name, rule := range def.Fields {
		properties[name] = buildFieldDoc(rule)
	}

	doc := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(def.Required) > 0 {
		required := make([]any, len(def.Required))
		for i, r := range def.Required {
			required[i] = r
		}
		doc["required"] = required
	}
	return doc
}

func buildFieldDoc(rule FieldRule) map[string]any {
	doc := map[string]any{}

	switch rule.Kind {
	case KindDate:
		doc["type"] = "string"
	case "":
		// unconstrained kind
	default:
		doc["type"] = string(rule.Kind)
	}

	if rule.MinLength != nil {
		doc["minLength"] = *rule.MinLength
	}
	if rule.MaxLength != nil {
		doc["maxLength"] = *rule.MaxLength
	}
	if rule.Pattern != "" {
		doc["pattern"] = rule.Pattern
	}
	if len(rule.Enum) > 0 {
		doc["enum"] = rule.Enum
	}
	return doc
}

// Validate checks a record against the collection's descriptor. The returned
// error wraps common.ErrValidation so callers can match it with errors.Is.
func (s *SchemaSet) Validate(collection string, rec models.Record) error {
	cs, ok := s.schemas[collection]
	if !ok {
		return nil
	}

	instance, err := normalize(rec)
	if err != nil {
		return fmt.Errorf("%w: record is not JSON-representable: %v", common.ErrValidation, err)
	}

	if err := cs.schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", common.ErrValidation, err)
	}

	// Date-range constraints are outside JSON Schema's vocabulary.
	for name, rule := range cs.rules.Fields {
		if rule.Kind != KindDate {
			continue
		}
		raw, present := rec[name]
		if !present {
			continue
		}
		str, ok := raw.(string)
		if !ok {
			return fmt.Errorf("%w: field %s: expected date string", common.ErrValidation, name)
		}
		t, err := parseDate(str)
		if err != nil {
			return fmt.Errorf("%w: field %s: %v", common.ErrValidation, name, err)
		}
		if rule.NotBefore != nil && t.Before(*rule.NotBefore) {
			return fmt.Errorf("%w: field %s: date %s before %s", common.ErrValidation, name, str, rule.NotBefore.Format(time.RFC3339))
		}
		if rule.NotAfter != nil && t.After(*rule.NotAfter) {
			return fmt.Errorf("%w: field %s: date %s after %s", common.ErrValidation, name, str, rule.NotAfter.Format(time.RFC3339))
		}
	}

	return nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

// normalize round-trips the record through JSON so the validator only sees
// JSON-native values.
func normalize(rec models.Record) (any, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, err
	}
	return instance, nil
}
