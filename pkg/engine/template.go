package engine

import (
	"context"
	"fmt"
	"strings"
)

// TemplateApplier applies an identity template's default-value rules and
// enforces its required-attribute constraints on a draft.
type TemplateApplier struct {
	expr ExprEvaluator
}

// NewTemplateApplier builds an applier. expr may be nil when no template uses
// expression rules.
func NewTemplateApplier(expr ExprEvaluator) *TemplateApplier {
	return &TemplateApplier{expr: expr}
}

// Apply runs the template's rules over the draft in declared order, a single
// forward pass with no re-evaluation: a rule referencing an attribute set by
// a later rule sees it as absent. Rules whose target is already satisfied are
// skipped. If any required attribute remains empty afterwards, Apply fails
// with CodeTemplateValidation.
func (a *TemplateApplier) Apply(ctx context.Context, draft *IdentityDraft, tpl *IdentityTemplate) error {
	for i := range tpl.Rules {
		rule := &tpl.Rules[i]
		if draft.Has(rule.Target) {
			continue
		}
		if err := a.applyRule(ctx, draft, tpl, rule); err != nil {
			return err
		}
	}

	var missing []string
	for _, name := range tpl.Required {
		if !draft.Has(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return NewTemplateValidationError(
			fmt.Sprintf("required attributes remain empty after template %q: %s",
				tpl.ID, strings.Join(missing, ", ")), nil).
			WithOperation("template").
			WithDetail("template_id", tpl.ID).
			WithDetail("missing", missing)
	}

	return nil
}

func (a *TemplateApplier) applyRule(ctx context.Context, draft *IdentityDraft, tpl *IdentityTemplate, rule *TemplateRule) error {
	switch {
	case rule.Literal != nil:
		draft.Set(rule.Target, *rule.Literal)

	case rule.Source != "":
		if values := nonEmpty(draft.Get(rule.Source)); len(values) > 0 {
			draft.Set(rule.Target, values...)
		}

	case rule.Expression != "":
		if a.expr == nil {
			return NewInternalError("template uses an expression but no evaluator is configured", nil).
				WithOperation("template").WithDetail("template_id", tpl.ID)
		}
		env := map[string]interface{}{
			"identity": attributesEnv(draft.Attributes),
		}
		out, err := a.expr.Eval(ctx, rule.Expression, env)
		if err != nil {
			return NewTemplateValidationError(
				fmt.Sprintf("template %q expression for %q failed", tpl.ID, rule.Target), err).
				WithOperation("template").WithDetail("template_id", tpl.ID)
		}
		values, err := coerceValues(out)
		if err != nil {
			return NewTemplateValidationError(
				fmt.Sprintf("template %q expression for %q returned an unsupported value", tpl.ID, rule.Target), err).
				WithOperation("template").WithDetail("template_id", tpl.ID)
		}
		if values = nonEmpty(values); len(values) > 0 {
			draft.Set(rule.Target, values...)
		}
	}

	return nil
}
