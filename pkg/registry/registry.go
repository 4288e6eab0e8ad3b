// Package registry loads, validates and serves tool contracts.
// The catalog is read once at process start and immutable thereafter;
// validators are compiled per contract at load time and cached.
package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fieldops-hq/fieldops/pkg/contracts"
)

// ErrNotFound is returned by Get for unknown tool names.
var ErrNotFound = errors.New("tool not found")

var nameRe = regexp.MustCompile(`^[a-z_]+(\.[a-z_]+)+$`)

const (
	minTimeoutMs = 1000
	maxTimeoutMs = 300000
)

// ValidationError reports a schema violation at a specific instance path.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("validation failed at %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Registry is the in-memory catalog of contracts.
type Registry struct {
	version string
	byName  map[string]*contracts.Contract
	inputs  map[string]*jsonschema.Schema
	outputs map[string]*jsonschema.Schema
}

// New builds a registry from already-parsed contracts. Every contract must
// pass shape validation and both schemas must compile; any defect is fatal.
func New(version string, tools []contracts.Contract) (*Registry, error) {
	r := &Registry{
		version: version,
		byName:  make(map[string]*contracts.Contract, len(tools)),
		inputs:  make(map[string]*jsonschema.Schema, len(tools)),
		outputs: make(map[string]*jsonschema.Schema, len(tools)),
	}

	for i := range tools {
		c := tools[i]
		if err := validateShape(&c); err != nil {
			return nil, fmt.Errorf("contract %q: %w", c.Name, err)
		}
		if _, dup := r.byName[c.Name]; dup {
			return nil, fmt.Errorf("duplicate contract name %q", c.Name)
		}

		in, err := compileSchema(c.Name+"/input", c.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("contract %q: input schema: %w", c.Name, err)
		}
		out, err := compileSchema(c.Name+"/output", c.OutputSchema)
		if err != nil {
			return nil, fmt.Errorf("contract %q: output schema: %w", c.Name, err)
		}

		r.byName[c.Name] = &c
		r.inputs[c.Name] = in
		r.outputs[c.Name] = out
	}
	return r, nil
}

// Version returns the catalog version string.
func (r *Registry) Version() string { return r.version }

// Get returns the contract for name, or ErrNotFound.
func (r *Registry) Get(name string) (*contracts.Contract, error) {
	c, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return c, nil
}

// All returns every contract, sorted by name.
func (r *Registry) All() []*contracts.Contract {
	out := make([]*contracts.Contract, 0, len(r.byName))
	for _, c := range r.byName {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateInput checks input against the contract's input schema.
// Returns *ValidationError on schema violation.
func (r *Registry) ValidateInput(name string, input map[string]any) error {
	schema, ok := r.inputs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return validate(schema, normalize(input))
}

// ValidateOutput checks a handler result against the contract's output schema.
func (r *Registry) ValidateOutput(name string, output map[string]any) error {
	schema, ok := r.outputs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return validate(schema, normalize(output))
}

func validate(schema *jsonschema.Schema, instance any) error {
	if err := schema.Validate(instance); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			leaf := leafCause(ve)
			path := "/" + strings.TrimPrefix(leaf.InstanceLocation, "/")
			if leaf.InstanceLocation == "" {
				path = "/"
			}
			return &ValidationError{Path: path, Message: leaf.Message}
		}
		return &ValidationError{Message: err.Error()}
	}
	return nil
}

// leafCause descends to the most specific violation so error messages name
// the offending field rather than the schema root.
func leafCause(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}

// normalize round-trips the instance through encoding/json so validation sees
// the same shapes the queue will deliver (float64 numbers, plain maps).
func normalize(v map[string]any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func compileSchema(id string, doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("schema marshal: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	url := fmt.Sprintf("https://fieldops.schemas.local/%s.schema.json", id)
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("schema load: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("schema compile: %w", err)
	}
	return compiled, nil
}

func validateShape(c *contracts.Contract) error {
	if !nameRe.MatchString(c.Name) {
		return fmt.Errorf("name %q must match %s", c.Name, nameRe.String())
	}
	if len(c.InputSchema) == 0 {
		return errors.New("input_schema is required")
	}
	if len(c.OutputSchema) == 0 {
		return errors.New("output_schema is required")
	}
	if c.TimeoutMs < minTimeoutMs || c.TimeoutMs > maxTimeoutMs {
		return fmt.Errorf("timeout_ms %d outside [%d, %d]", c.TimeoutMs, minTimeoutMs, maxTimeoutMs)
	}

	switch c.Idempotency.Mode {
	case contracts.IdempotencyNone, contracts.IdempotencySafeRetry:
		if c.Idempotency.KeyField != "" {
			return fmt.Errorf("key_field is only valid with keyed mode, got mode %q", c.Idempotency.Mode)
		}
	case contracts.IdempotencyKeyed:
		if c.Idempotency.KeyField == "" {
			return errors.New("keyed idempotency requires key_field")
		}
		if !inputProperty(c, c.Idempotency.KeyField) {
			return fmt.Errorf("key_field %q is not a declared input property", c.Idempotency.KeyField)
		}
	default:
		return fmt.Errorf("unknown idempotency mode %q", c.Idempotency.Mode)
	}

	for _, p := range c.Permissions {
		switch p {
		case contracts.PermReadDB, contracts.PermWriteDB, contracts.PermReadFiles,
			contracts.PermWriteFiles, contracts.PermSendComms, contracts.PermCallExt:
		default:
			return fmt.Errorf("unknown permission %q", p)
		}
	}
	return nil
}

func inputProperty(c *contracts.Contract, field string) bool {
	props, ok := c.InputSchema["properties"].(map[string]any)
	if !ok {
		return false
	}
	_, ok = props[field]
	return ok
}
