package config

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// AttributeType is the value type of a tenant configuration attribute.
type AttributeType string

const (
	AttributeString   AttributeType = "string"
	AttributeInt      AttributeType = "int"
	AttributeFloat    AttributeType = "float"
	AttributeBool     AttributeType = "bool"
	AttributeDuration AttributeType = "duration"
)

// Attribute describes one key of a tenant's configuration.
type Attribute struct {
	Name        string
	Type        AttributeType
	Description string
	Required    bool
	Default     interface{}

	// Rules are additional validator tags applied to the value, e.g. "min=1,max=10000".
	Rules string
}

// Model describes the tenant configuration a microservice accepts. Each
// microservice builds its model once; tenant configurations are checked
// against it before an engine is created.
type Model struct {
	Identifier  string
	Description string
	Attributes  []Attribute
}

// NewModel creates a configuration model.
func NewModel(identifier, description string, attrs ...Attribute) *Model {
	return &Model{Identifier: identifier, Description: description, Attributes: attrs}
}

// Attribute returns the attribute with the given name.
func (m *Model) Attribute(name string) (Attribute, bool) {
	for _, a := range m.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// Apply validates a tenant configuration against the model and returns a copy
// with defaults filled in. Unknown keys are rejected.
func (m *Model) Apply(values map[string]interface{}) (map[string]interface{}, error) {
	resolved := make(map[string]interface{}, len(m.Attributes))
	var problems []string

	for key := range values {
		if _, ok := m.Attribute(key); !ok {
			problems = append(problems, fmt.Sprintf("%s: unknown attribute", key))
		}
	}

	rules := make(map[string]interface{})
	for _, a := range m.Attributes {
		v, ok := values[a.Name]
		if !ok || v == nil {
			if a.Required {
				problems = append(problems, fmt.Sprintf("%s: is required", a.Name))
				continue
			}
			if a.Default != nil {
				resolved[a.Name] = a.Default
			}
			continue
		}
		converted, err := a.convert(v)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", a.Name, err))
			continue
		}
		resolved[a.Name] = converted
		if a.Rules != "" && a.Type != AttributeDuration {
			rules[a.Name] = a.Rules
		}
	}

	if len(rules) > 0 {
		for key, verr := range validate.ValidateMap(resolved, rules) {
			problems = append(problems, fmt.Sprintf("%s: %s", key, describeRuleError(verr)))
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, NewConfigError(fmt.Sprintf("invalid configuration for %s: %s",
			m.Identifier, strings.Join(problems, "; ")))
	}
	return resolved, nil
}

func (a Attribute) convert(v interface{}) (interface{}, error) {
	switch a.Type {
	case AttributeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case AttributeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case AttributeInt:
		switch n := v.(type) {
		case int:
			return n, nil
		case int64:
			return int(n), nil
		case uint64:
			if n <= math.MaxInt {
				return int(n), nil
			}
		case float64:
			if n == math.Trunc(n) {
				return int(n), nil
			}
		}
	case AttributeFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case AttributeDuration:
		switch d := v.(type) {
		case time.Duration:
			return d, nil
		case string:
			parsed, err := time.ParseDuration(d)
			if err != nil {
				return nil, fmt.Errorf("invalid duration %q", d)
			}
			return parsed, nil
		}
	default:
		return nil, fmt.Errorf("unsupported attribute type %q", a.Type)
	}
	return nil, fmt.Errorf("expected %s, got %T", a.Type, v)
}

func describeRuleError(err interface{}) string {
	e, ok := err.(error)
	if !ok {
		return fmt.Sprint(err)
	}
	var verrs validator.ValidationErrors
	if errors.As(e, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Param() != "" {
			return fmt.Sprintf("fails %s=%s", fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("fails %s", fe.Tag())
	}
	return e.Error()
}
