package engine

import (
	"context"
	"fmt"
)

// Cardinality declares how many values a mapping target accepts.
type Cardinality string

const (
	// CardinalitySingle means the mapped value overwrites the target.
	CardinalitySingle Cardinality = "single"

	// CardinalityMulti means mapped values append to the target,
	// de-duplicated by value equality.
	CardinalityMulti Cardinality = "multi"
)

// InboundMapping is one inbound attribute mapping rule. Rules are bound to a
// shadow object class; an empty ObjectClass binds the rule to every class.
type InboundMapping struct {
	// ObjectClass restricts the rule to shadows of this class.
	ObjectClass string `json:"object_class,omitempty" yaml:"object_class,omitempty"`

	// Source is the shadow attribute the rule reads.
	Source string `json:"source" yaml:"source" validate:"required_without=Expression"`

	// Expression optionally derives the value instead of copying the source
	// verbatim. The expression sees `shadow` (all attributes) and `values`
	// (the source attribute's values).
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`

	// Target is the identity attribute the rule writes.
	Target string `json:"target" yaml:"target" validate:"required"`

	// Cardinality defaults to single.
	Cardinality Cardinality `json:"cardinality,omitempty" yaml:"cardinality,omitempty" validate:"omitempty,oneof=single multi"`

	// Required makes an absent source with no default a retryable failure.
	Required bool `json:"required,omitempty" yaml:"required,omitempty"`

	// Default substitutes when the source attribute is absent or empty.
	Default *string `json:"default,omitempty" yaml:"default,omitempty"`
}

// MappingEvaluator applies inbound attribute mappings from a resource object
// shadow to an identity draft. It is pure apart from mutating the draft it is
// given; the draft is owned exclusively by the current synchronization pass.
type MappingEvaluator struct {
	mappings []InboundMapping
	expr     ExprEvaluator
}

// NewMappingEvaluator builds an evaluator over the configured mapping rules.
// expr may be nil when no rule uses the expression form.
func NewMappingEvaluator(mappings []InboundMapping, expr ExprEvaluator) *MappingEvaluator {
	return &MappingEvaluator{mappings: mappings, expr: expr}
}

// Apply evaluates every mapping bound to the shadow's object class and writes
// the results into the draft. It fails with CodeMappingEvaluation when a
// required source attribute is absent and the rule has no default.
func (e *MappingEvaluator) Apply(ctx context.Context, shadow *ResourceObjectShadow, draft *IdentityDraft) error {
	for i := range e.mappings {
		m := &e.mappings[i]
		if m.ObjectClass != "" && m.ObjectClass != shadow.ObjectClass {
			continue
		}

		values, err := e.evaluate(ctx, m, shadow)
		if err != nil {
			return err
		}

		if len(values) == 0 {
			if m.Default != nil {
				values = []string{*m.Default}
			} else if m.Required {
				return NewMappingEvaluationError(
					fmt.Sprintf("required source attribute %q is absent", m.Source), nil).
					WithShadow(shadow).
					WithOperation("mapping").
					WithDetail("target", m.Target)
			} else {
				continue
			}
		}

		// Multi-valued sources collapse to the declared target cardinality.
		switch m.Cardinality {
		case CardinalityMulti:
			draft.Append(m.Target, values...)
		default:
			draft.Set(m.Target, values[0])
		}
	}

	return nil
}

// evaluate produces the rule's values: the source attribute verbatim, or the
// expression result when the rule has one.
func (e *MappingEvaluator) evaluate(ctx context.Context, m *InboundMapping, shadow *ResourceObjectShadow) ([]string, error) {
	source := shadow.Attributes[m.Source]

	if m.Expression == "" {
		return nonEmpty(source), nil
	}

	if e.expr == nil {
		return nil, NewInternalError("mapping uses an expression but no evaluator is configured", nil).
			WithShadow(shadow).WithOperation("mapping").WithDetail("target", m.Target)
	}

	env := map[string]interface{}{
		"shadow": attributesEnv(shadow.Attributes),
		"values": stringsEnv(source),
	}
	out, err := e.expr.Eval(ctx, m.Expression, env)
	if err != nil {
		return nil, NewMappingEvaluationError(
			fmt.Sprintf("expression for target %q failed", m.Target), err).
			WithShadow(shadow).WithOperation("mapping")
	}

	values, err := coerceValues(out)
	if err != nil {
		return nil, NewMappingEvaluationError(
			fmt.Sprintf("expression for target %q returned an unsupported value", m.Target), err).
			WithShadow(shadow).WithOperation("mapping")
	}
	return nonEmpty(values), nil
}

// attributesEnv exposes shadow attributes to expressions: single values as
// strings, multi values as lists.
func attributesEnv(attrs map[string][]string) map[string]interface{} {
	env := make(map[string]interface{}, len(attrs))
	for name, values := range attrs {
		switch len(values) {
		case 0:
		case 1:
			env[name] = values[0]
		default:
			env[name] = stringsEnv(values)
		}
	}
	return env
}

func stringsEnv(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// coerceValues normalizes an expression result to attribute values.
func coerceValues(v interface{}) ([]string, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{val}, nil
	case bool:
		return []string{fmt.Sprintf("%t", val)}, nil
	case int64:
		return []string{fmt.Sprintf("%d", val)}, nil
	case float64:
		return []string{fmt.Sprintf("%g", val)}, nil
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			values, err := coerceValues(item)
			if err != nil {
				return nil, err
			}
			out = append(out, values...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func nonEmpty(values []string) []string {
	out := values[:0:0]
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
