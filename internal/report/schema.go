package report

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mohammad-safakhou/sentinel/internal/errs"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Schema is a compiled section schema used as the structured-output boundary.
type Schema struct {
	name     string
	document []byte
	compiled *jsonschema.Schema
}

// Name returns the schema (section) name.
func (s *Schema) Name() string { return s.name }

// Document returns the raw JSON Schema document.
func (s *Schema) Document() []byte { return s.document }

// Validate checks a JSON document against the schema.
func (s *Schema) Validate(data []byte) error {
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return errs.SchemaValidationError{Schema: s.name, Reason: fmt.Sprintf("not valid JSON: %v", err)}
	}
	if err := s.compiled.Validate(doc); err != nil {
		return errs.SchemaValidationError{Schema: s.name, Reason: err.Error()}
	}
	return nil
}

var (
	schemaMu    sync.Mutex
	schemaCache = map[string]*Schema{}
)

// SectionSchema returns the compiled schema for a section or the application resolver.
func SectionSchema(name string) (*Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	if s, ok := schemaCache[name]; ok {
		return s, nil
	}

	var doc []byte
	if name == KeyCategory {
		var err error
		if doc, err = categorySchemaDocument(); err != nil {
			return nil, err
		}
	} else {
		raw, err := schemaFS.ReadFile("schemas/" + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("unknown section schema %q", name)
		}
		doc = raw
	}

	url := name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	s := &Schema{name: name, document: doc, compiled: compiled}
	schemaCache[name] = s
	return s, nil
}

func categorySchemaDocument() ([]byte, error) {
	doc := map[string]any{
		"$schema":  "http://json-schema.org/draft-07/schema#",
		"title":    KeyCategory,
		"type":     "object",
		"required": []string{"category", "subcategory", "confidence", "reasoning"},
		"properties": map[string]any{
			"category":    map[string]any{"enum": Categories},
			"subcategory": map[string]any{"enum": AllSubcategories()},
			"confidence":  map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			"reasoning":   map[string]any{"type": "string"},
		},
	}
	return json.Marshal(doc)
}
