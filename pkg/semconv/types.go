package semconv

import (
	"fmt"
	"math"
)

// AttributeType is either a scalar type name or an enum with members.
// For enum types, Value is "enum" and Members is populated.
type AttributeType struct {
	Value   string
	Members []EnumMember
}

// UnmarshalYAML handles both scalar type strings and enum definitions with members.
func (t *AttributeType) UnmarshalYAML(unmarshal func(any) error) error {
	var scalar string
	if err := unmarshal(&scalar); err == nil {
		t.Value = scalar
		return nil
	}

	var mapping struct {
		Members []EnumMember `yaml:"members"`
	}
	if err := unmarshal(&mapping); err != nil {
		return fmt.Errorf("attribute type: expected string or mapping with members: %w", err)
	}
	t.Value = "enum"
	t.Members = mapping.Members
	return nil
}

// EnumMember is a single allowed value of an enum attribute.
type EnumMember struct {
	ID        string `yaml:"id"`
	Value     any    `yaml:"value"`
	Brief     string `yaml:"brief"`
	Stability string `yaml:"stability"`
}

// RequirementLevel is the requirement level of an attribute within a span group.
// For conditional levels, Level is the condition key and Explanation holds the detail.
type RequirementLevel struct {
	Level       string
	Explanation string
}

// Required reports whether the attribute must always be present.
func (r RequirementLevel) Required() bool {
	return r.Level == "required"
}

// UnmarshalYAML handles both scalar levels and conditional requirement mappings.
func (r *RequirementLevel) UnmarshalYAML(unmarshal func(any) error) error {
	var scalar string
	if err := unmarshal(&scalar); err == nil {
		r.Level = scalar
		return nil
	}

	var mapping map[string]string
	if err := unmarshal(&mapping); err != nil {
		return fmt.Errorf("requirement level: expected string or mapping: %w", err)
	}
	for k, v := range mapping {
		r.Level = k
		r.Explanation = v
		break
	}
	return nil
}

// Examples holds example values for an attribute, given as a scalar or a sequence.
type Examples struct {
	Values []any
}

func (e *Examples) UnmarshalYAML(unmarshal func(any) error) error {
	var seq []any
	if err := unmarshal(&seq); err == nil {
		e.Values = seq
		return nil
	}

	var scalar any
	if err := unmarshal(&scalar); err != nil {
		return fmt.Errorf("examples: expected scalar or sequence: %w", err)
	}
	e.Values = []any{scalar}
	return nil
}

// Attribute is an attribute definition, or a reference to one when Ref is set.
type Attribute struct {
	ID               string           `yaml:"id"`
	Type             AttributeType    `yaml:"type"`
	Brief            string           `yaml:"brief"`
	Note             string           `yaml:"note"`
	Stability        string           `yaml:"stability"`
	Examples         Examples         `yaml:"examples"`
	Ref              string           `yaml:"ref"`
	RequirementLevel RequirementLevel `yaml:"requirement_level"`
}

// Accepts checks that v is a valid value for the attribute's type. Numbers
// decoded from JSON arrive as float64, so an int attribute accepts any
// integral float.
func (a *Attribute) Accepts(v any) error {
	switch a.Type.Value {
	case "string":
		if _, ok := v.(string); !ok {
			return fmt.Errorf("%s: want string, got %T", a.ID, v)
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%s: want boolean, got %T", a.ID, v)
		}
	case "int":
		switch n := v.(type) {
		case int, int64:
		case float64:
			if n != math.Trunc(n) {
				return fmt.Errorf("%s: want int, got %v", a.ID, n)
			}
		default:
			return fmt.Errorf("%s: want int, got %T", a.ID, v)
		}
	case "double":
		switch v.(type) {
		case float64, int, int64:
		default:
			return fmt.Errorf("%s: want double, got %T", a.ID, v)
		}
	case "enum":
		switch v.(type) {
		case string, bool, int, int64, float64:
		default:
			return fmt.Errorf("%s: want enum member, got %T", a.ID, v)
		}
		for _, m := range a.Type.Members {
			if m.Value == v {
				return nil
			}
		}
		return fmt.Errorf("%s: %v is not a defined member", a.ID, v)
	default:
		return fmt.Errorf("%s: unsupported type %q", a.ID, a.Type.Value)
	}
	return nil
}

// Group is a semantic convention group. Span groups carry a span kind and
// reference the attributes spans of that kind carry.
type Group struct {
	ID          string      `yaml:"id"`
	Type        string      `yaml:"type"`
	DisplayName string      `yaml:"display_name"`
	Brief       string      `yaml:"brief"`
	Stability   string      `yaml:"stability"`
	SpanKind    string      `yaml:"span_kind"`
	Attributes  []Attribute `yaml:"attributes"`
}
