// Package skill defines versioned skill contracts, payload validation, and
// the registry that maps (name, version) pairs to handlers.
package skill

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/chimera-agents/chimera/pkg/errors"
)

// Direction selects which side of a contract a payload is validated against.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// FieldType enumerates the payload types a contract field may declare.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

// FieldSpec declares the shape of one contract field.
type FieldSpec struct {
	Type        FieldType `yaml:"type"`
	Required    bool      `yaml:"required"`
	Pattern     string    `yaml:"pattern"`
	Enum        []string  `yaml:"enum"`
	Description string    `yaml:"description"`

	pattern *regexp.Regexp
}

// Schema is the declared field set for one side of a contract.
type Schema map[string]FieldSpec

// Contract is the immutable schema a skill's input and output must satisfy.
// A published (name, version) pair is never mutated; a new version is a new
// contract.
type Contract struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Description string `yaml:"description"`
	Input       Schema `yaml:"input"`
	Output      Schema `yaml:"output"`
}

const (
	maxNameLen        = 64
	maxDescriptionLen = 1024
)

var (
	namePattern    = regexp.MustCompile(`^[a-z0-9]+(?:[.-][a-z0-9]+)*$`)
	versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
)

// Compile validates the contract declaration itself and precompiles field
// patterns. Must be called before Validate.
func (c *Contract) Compile() error {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return fmt.Errorf("contract name is required")
	}
	if len(name) > maxNameLen {
		return fmt.Errorf("contract name exceeds %d characters", maxNameLen)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("contract name must match %s", namePattern.String())
	}
	if !versionPattern.MatchString(c.Version) {
		return fmt.Errorf("contract version must match %s", versionPattern.String())
	}
	if len(c.Description) > maxDescriptionLen {
		return fmt.Errorf("description exceeds %d characters", maxDescriptionLen)
	}
	for _, schema := range []Schema{c.Input, c.Output} {
		for field, spec := range schema {
			if err := spec.compile(); err != nil {
				return fmt.Errorf("field %q: %w", field, err)
			}
			schema[field] = spec
		}
	}
	return nil
}

func (s *FieldSpec) compile() error {
	switch s.Type {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray:
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown type %q", s.Type)
	}
	if s.Pattern != "" {
		if s.Type != TypeString {
			return fmt.Errorf("pattern only applies to string fields")
		}
		compiled, err := regexp.Compile(s.Pattern)
		if err != nil {
			return fmt.Errorf("invalid pattern: %w", err)
		}
		s.pattern = compiled
	}
	if len(s.Enum) > 0 && s.Type != TypeString {
		return fmt.Errorf("enum only applies to string fields")
	}
	return nil
}

// Validate checks a payload against one side of the contract. Failures return
// a VALIDATION_ERROR carrying per-field details; validation errors are never
// retried.
func (c *Contract) Validate(direction Direction, payload map[string]any) error {
	schema := c.Input
	if direction == DirectionOutput {
		schema = c.Output
	}

	var details []string
	for field, spec := range schema {
		value, ok := payload[field]
		if !ok {
			if spec.Required {
				details = append(details, fmt.Sprintf("%s: required field missing", field))
			}
			continue
		}
		if err := spec.check(value); err != nil {
			details = append(details, fmt.Sprintf("%s: %v", field, err))
		}
	}
	for field := range payload {
		if _, ok := schema[field]; !ok {
			details = append(details, fmt.Sprintf("%s: field not declared in contract", field))
		}
	}

	if len(details) > 0 {
		return errors.New(errors.CodeValidation,
			fmt.Sprintf("%s payload does not conform to %s@%s", direction, c.Name, c.Version), nil).
			WithContext("fields", details).
			WithContext("contract", c.Name).
			WithContext("contract_version", c.Version)
	}
	return nil
}

func (s FieldSpec) check(value any) error {
	switch s.Type {
	case TypeString:
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", value)
		}
		if s.pattern != nil && !s.pattern.MatchString(str) {
			return fmt.Errorf("value %q does not match pattern %s", str, s.Pattern)
		}
		if len(s.Enum) > 0 {
			for _, allowed := range s.Enum {
				if str == allowed {
					return nil
				}
			}
			return fmt.Errorf("value %q not in enum %v", str, s.Enum)
		}
	case TypeNumber:
		switch value.(type) {
		case float64, float32, int, int32, int64:
		default:
			return fmt.Errorf("expected number, got %T", value)
		}
	case TypeInteger:
		switch v := value.(type) {
		case int, int32, int64:
		case float64:
			if v != float64(int64(v)) {
				return fmt.Errorf("expected integer, got fractional number")
			}
		default:
			return fmt.Errorf("expected integer, got %T", value)
		}
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected boolean, got %T", value)
		}
	case TypeObject:
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("expected object, got %T", value)
		}
	case TypeArray:
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("expected array, got %T", value)
		}
	}
	return nil
}
