// Package schema validates incoming setting, model and score-step documents
// against embedded JSON schemas before they reach the store or the engine.
//
// Only document shape is checked. Whether a setting's values fit its
// value_type is left to resolution, which reports it in the trace.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var files embed.FS

// Document names.
const (
	Setting    = "setting"
	Model      = "model"
	ScoreSteps = "score_steps"
)

// ErrInvalidDocument marks a document that failed schema validation.
var ErrInvalidDocument = errors.New("invalid document")

// ValidationError lists every violation found in a document.
type ValidationError struct {
	Document   string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Document, strings.Join(e.Violations, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidDocument
}

// Validator holds the compiled schemas.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles the embedded schemas.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7

	names := []string{Setting, Model, ScoreSteps}
	for _, name := range names {
		data, err := files.ReadFile("schemas/" + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("read %s schema: %w", name, err)
		}
		if err := compiler.AddResource(resourceURL(name), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", name, err)
		}
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		s, err := compiler.Compile(resourceURL(name))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", name, err)
		}
		v.schemas[name] = s
	}
	return v, nil
}

// Validate checks raw JSON against the named document schema.
func (v *Validator) Validate(document string, raw []byte) error {
	s, ok := v.schemas[document]
	if !ok {
		return fmt.Errorf("unknown document type %q", document)
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return &ValidationError{Document: document, Violations: []string{err.Error()}}
	}

	err := s.Validate(payload)
	if err == nil {
		return nil
	}

	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	return &ValidationError{Document: document, Violations: violations(ve)}
}

// ValidateSetting checks a setting document.
func (v *Validator) ValidateSetting(raw []byte) error {
	return v.Validate(Setting, raw)
}

// ValidateModel checks a detection model document.
func (v *Validator) ValidateModel(raw []byte) error {
	return v.Validate(Model, raw)
}

// ValidateScoreSteps checks a score-step table.
func (v *Validator) ValidateScoreSteps(raw []byte) error {
	return v.Validate(ScoreSteps, raw)
}

// violations flattens the leaf causes of a validation error into
// "location: message" lines, sorted for stable output.
func violations(ve *jsonschema.ValidationError) []string {
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.Strings(out)
	return out
}

func resourceURL(name string) string {
	return "https://surveil.opensource-finance.dev/schemas/" + name + ".json"
}
