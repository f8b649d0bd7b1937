package policy

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var documentSchemaJSON []byte

var (
	documentSchemaOnce sync.Once
	documentSchema     *jsonschema.Schema
	documentSchemaErr  error
)

type document struct {
	Policies []documentPolicy `yaml:"policies"`
}

type documentPolicy struct {
	Name         string                `yaml:"name"`
	Requirements []documentRequirement `yaml:"requirements"`
}

type documentRequirement struct {
	Kind   Kind           `yaml:"kind"`
	Params map[string]any `yaml:"params"`
}

type roleParams struct {
	Role string `mapstructure:"role"`
}

type claimParams struct {
	Type   string   `mapstructure:"type"`
	Values []string `mapstructure:"values"`
}

type expressionParams struct {
	Expr string `mapstructure:"expr"`
}

// LoadFile reads a YAML policy document and registers its policies on s.
func LoadFile(s *Set, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	if err := Load(s, data); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// Load validates a YAML policy document against the embedded schema and
// registers its policies on s. Nothing is registered if validation fails.
//
// Example:
//
//	policies:
//	  - name: Auditor
//	    requirements:
//	      - kind: role
//	        params: {role: Auditor}
//	      - kind: claim
//	        params: {type: Department, values: [IT, Finance]}
func Load(s *Set, data []byte) error {
	if err := validateDocument(data); err != nil {
		return err
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode policy document: %w", err)
	}

	type pending struct {
		name string
		reqs []Requirement
	}
	var all []pending
	for _, p := range doc.Policies {
		reqs := make([]Requirement, 0, len(p.Requirements))
		for i, r := range p.Requirements {
			req, err := decodeRequirement(r)
			if err != nil {
				return fmt.Errorf("policy %q requirement %d: %w", p.Name, i, err)
			}
			reqs = append(reqs, req)
		}
		all = append(all, pending{name: p.Name, reqs: reqs})
	}

	seen := make(map[string]bool, len(all))
	for _, p := range all {
		if _, exists := s.Get(p.name); exists || seen[p.name] {
			return fmt.Errorf("%w: %q", ErrDuplicatePolicy, p.name)
		}
		seen[p.name] = true
	}

	for _, p := range all {
		if err := s.Register(p.name, p.reqs...); err != nil {
			return err
		}
	}
	return nil
}

func decodeRequirement(r documentRequirement) (Requirement, error) {
	switch r.Kind {
	case KindRole:
		var params roleParams
		if err := mapstructure.Decode(r.Params, &params); err != nil {
			return Requirement{}, fmt.Errorf("decode role params: %w", err)
		}
		return RequireRole(params.Role), nil
	case KindClaim:
		var params claimParams
		if err := mapstructure.Decode(r.Params, &params); err != nil {
			return Requirement{}, fmt.Errorf("decode claim params: %w", err)
		}
		return RequireClaim(params.Type, params.Values...), nil
	case KindAuthenticated:
		return RequireAuthenticated(), nil
	case KindExpression:
		var params expressionParams
		if err := mapstructure.Decode(r.Params, &params); err != nil {
			return Requirement{}, fmt.Errorf("decode expression params: %w", err)
		}
		return RequireExpression(params.Expr), nil
	default:
		return Requirement{}, fmt.Errorf("unknown requirement kind %q", r.Kind)
	}
}

// validateDocument checks the YAML document against schema.json. The YAML
// tree is round-tripped through JSON so the validator sees JSON types.
func validateDocument(data []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}

	var tree any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("parse policy document: %w", err)
	}
	raw, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("policy document is not representable as JSON: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse policy document: %w", err)
	}

	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("invalid policy document: %s", formatValidationError(err))
	}
	return nil
}

func compiledSchema() (*jsonschema.Schema, error) {
	documentSchemaOnce.Do(func() {
		parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(documentSchemaJSON))
		if err != nil {
			documentSchemaErr = fmt.Errorf("parse policy schema: %w", err)
			return
		}

		compiler := jsonschema.NewCompiler()
		compiler.DefaultDraft(jsonschema.Draft7)

		schemaURL := "policy-schema.json"
		if err := compiler.AddResource(schemaURL, parsed); err != nil {
			documentSchemaErr = fmt.Errorf("add policy schema resource: %w", err)
			return
		}
		documentSchema, documentSchemaErr = compiler.Compile(schemaURL)
	})
	return documentSchema, documentSchemaErr
}

// formatValidationError reports the instance location of a schema failure,
// e.g. "at '$.policies.0.requirements': ...".
func formatValidationError(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}

	var parts []string
	for _, part := range ve.InstanceLocation {
		if part != "" {
			parts = append(parts, part)
		}
	}
	path := "$"
	if len(parts) > 0 {
		path = "$." + strings.Join(parts, ".")
	}
	return fmt.Sprintf("at '%s': %s", path, ve.Error())
}
