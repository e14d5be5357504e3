// Package schema validates decrypted OACP payloads (negotiation, commerce and
// payment messages) against their JSON schemas.
package schema

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	// ErrUnknownSchema indicates a schema name with no embedded definition.
	ErrUnknownSchema = errors.New("unknown schema")

	// ErrNotJSON indicates a payload that is not a JSON object.
	ErrNotJSON = errors.New("payload is not a JSON object")
)

// Schema names, matched against a payload's type in this order.
var typeHints = []struct {
	hint string
	name string
}{
	{"offer", "commerce-offer"},
	{"order", "commerce-order"},
	{"invoice", "payment-invoice"},
	{"receipt", "payment-receipt"},
	{"negotiation", "feature-negotiation"},
}

// Names lists the embedded schemas.
func Names() []string {
	out := make([]string, 0, len(typeHints))
	for _, h := range typeHints {
		out = append(out, h.name)
	}
	return out
}

// SchemaFor picks a schema name from a message type by substring.
func SchemaFor(msgType string) (string, bool) {
	t := strings.ToLower(msgType)
	for _, h := range typeHints {
		if strings.Contains(t, h.hint) {
			return h.name, true
		}
	}
	return "", false
}

// Result is the outcome of validating one payload.
type Result struct {
	Schema string   `json:"schema"`
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

func (r Result) String() string {
	if r.Valid {
		return r.Schema + ": valid"
	}
	return fmt.Sprintf("%s: invalid: %s", r.Schema, strings.Join(r.Errors, "; "))
}

// Validator compiles schemas on first use and caches them.
type Validator struct {
	mu       sync.RWMutex
	compiled map[string]*gojsonschema.Schema
}

// NewValidator creates a validator.
func NewValidator() *Validator {
	return &Validator{compiled: make(map[string]*gojsonschema.Schema)}
}

// Validate picks a schema from the payload's "type" field and validates
// against it. ok is false when the payload is not JSON or no schema applies.
func (v *Validator) Validate(payload []byte) (res Result, ok bool, err error) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return Result{}, false, nil
	}
	msgType, _ := doc["type"].(string)
	name, found := SchemaFor(msgType)
	if !found {
		return Result{}, false, nil
	}
	res, err = v.ValidateAs(name, payload)
	return res, err == nil, err
}

// ValidateAs validates payload against the named schema.
func (v *Validator) ValidateAs(name string, payload []byte) (Result, error) {
	compiled, err := v.schema(name)
	if err != nil {
		return Result{}, err
	}

	if !json.Valid(payload) {
		return Result{}, ErrNotJSON
	}

	result, err := compiled.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("%s validation failed: %w", name, err)
	}

	res := Result{Schema: name, Valid: result.Valid()}
	for _, e := range result.Errors() {
		res.Errors = append(res.Errors, e.String())
	}
	return res, nil
}

func (v *Validator) schema(name string) (*gojsonschema.Schema, error) {
	v.mu.RLock()
	compiled, exists := v.compiled[name]
	v.mu.RUnlock()
	if exists {
		return compiled, nil
	}

	raw, err := schemaFS.ReadFile("schemas/" + name + ".json")
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchema, name)
	}

	compiled, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	v.mu.Lock()
	v.compiled[name] = compiled
	v.mu.Unlock()
	return compiled, nil
}
