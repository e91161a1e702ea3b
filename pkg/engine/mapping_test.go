package engine

import (
	"context"
	"errors"
	"testing"
)

func testShadow() *ResourceObjectShadow {
	return &ResourceObjectShadow{
		ResourceID:  "ldap-1",
		AccountID:   "uid=jdoe",
		ObjectClass: "account",
		Attributes: map[string][]string{
			"uid":  {"jdoe"},
			"cn":   {"Jane Doe"},
			"mail": {"jdoe@example.com", "jane@example.com"},
		},
	}
}

// TestMappingCopiesSource tests verbatim source copying with cardinality
func TestMappingCopiesSource(t *testing.T) {
	e := NewMappingEvaluator([]InboundMapping{
		{Source: "uid", Target: "name"},
		{Source: "mail", Target: "mail", Cardinality: CardinalityMulti},
	}, nil)

	draft := NewIdentityDraft()
	if err := e.Apply(context.Background(), testShadow(), draft); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if got := draft.First("name"); got != "jdoe" {
		t.Errorf("unexpected name: %q", got)
	}
	if got := draft.Get("mail"); len(got) != 2 {
		t.Errorf("expected both mail values, got %v", got)
	}
}

// TestMappingSingleTakesFirstValue tests multi-valued source into single target
func TestMappingSingleTakesFirstValue(t *testing.T) {
	e := NewMappingEvaluator([]InboundMapping{
		{Source: "mail", Target: "primaryMail"},
	}, nil)

	draft := NewIdentityDraft()
	if err := e.Apply(context.Background(), testShadow(), draft); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if got := draft.Get("primaryMail"); len(got) != 1 || got[0] != "jdoe@example.com" {
		t.Errorf("expected the first mail value only, got %v", got)
	}
}

// TestMappingObjectClassFilter tests per-class rule binding
func TestMappingObjectClassFilter(t *testing.T) {
	e := NewMappingEvaluator([]InboundMapping{
		{ObjectClass: "account", Source: "uid", Target: "name"},
		{ObjectClass: "group", Source: "cn", Target: "groupName"},
	}, nil)

	draft := NewIdentityDraft()
	if err := e.Apply(context.Background(), testShadow(), draft); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if !draft.Has("name") {
		t.Error("expected the account rule to apply")
	}
	if draft.Has("groupName") {
		t.Error("expected the group rule to be skipped")
	}
}

// TestMappingDefault tests default substitution for absent sources
func TestMappingDefault(t *testing.T) {
	dflt := "enabled"
	e := NewMappingEvaluator([]InboundMapping{
		{Source: "accountStatus", Target: "status", Default: &dflt},
	}, nil)

	draft := NewIdentityDraft()
	if err := e.Apply(context.Background(), testShadow(), draft); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if got := draft.First("status"); got != "enabled" {
		t.Errorf("expected the default value, got %q", got)
	}
}

// TestMappingRequiredAbsent tests the retryable failure for required sources
func TestMappingRequiredAbsent(t *testing.T) {
	e := NewMappingEvaluator([]InboundMapping{
		{Source: "employeeNumber", Target: "employeeId", Required: true},
	}, nil)

	err := e.Apply(context.Background(), testShadow(), NewIdentityDraft())
	if err == nil {
		t.Fatal("expected a mapping evaluation error")
	}
	if !HasCode(err, CodeMappingEvaluation) {
		t.Errorf("expected code %s, got %v", CodeMappingEvaluation, err)
	}
	if !IsRetryable(err) {
		t.Error("expected a retryable error")
	}
}

// TestMappingOptionalAbsent tests that optional absent sources are skipped
func TestMappingOptionalAbsent(t *testing.T) {
	e := NewMappingEvaluator([]InboundMapping{
		{Source: "employeeNumber", Target: "employeeId"},
	}, nil)

	draft := NewIdentityDraft()
	if err := e.Apply(context.Background(), testShadow(), draft); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if draft.Has("employeeId") {
		t.Error("expected no value for the absent optional source")
	}
}

// TestMappingExpression tests the expression rule form
func TestMappingExpression(t *testing.T) {
	expr := &mockExpr{results: map[string]interface{}{
		"values[0].upper()": "JDOE",
		"shadow['mail']":    []interface{}{"jdoe@example.com", "jane@example.com"},
	}}
	e := NewMappingEvaluator([]InboundMapping{
		{Source: "uid", Expression: "values[0].upper()", Target: "loginName"},
		{Source: "mail", Expression: "shadow['mail']", Target: "mail", Cardinality: CardinalityMulti},
	}, expr)

	draft := NewIdentityDraft()
	if err := e.Apply(context.Background(), testShadow(), draft); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if got := draft.First("loginName"); got != "JDOE" {
		t.Errorf("unexpected loginName: %q", got)
	}
	if got := draft.Get("mail"); len(got) != 2 {
		t.Errorf("expected both mail values, got %v", got)
	}
}

// TestMappingExpressionFailure tests expression errors mapping to the taxonomy
func TestMappingExpressionFailure(t *testing.T) {
	expr := &mockExpr{errs: map[string]error{
		"boom()": errors.New("undefined function boom"),
	}}
	e := NewMappingEvaluator([]InboundMapping{
		{Source: "uid", Expression: "boom()", Target: "name"},
	}, expr)

	err := e.Apply(context.Background(), testShadow(), NewIdentityDraft())
	if err == nil {
		t.Fatal("expected a mapping evaluation error")
	}
	if !HasCode(err, CodeMappingEvaluation) {
		t.Errorf("expected code %s, got %v", CodeMappingEvaluation, err)
	}
}

// TestMappingExpressionWithoutEvaluator tests the misconfiguration guard
func TestMappingExpressionWithoutEvaluator(t *testing.T) {
	e := NewMappingEvaluator([]InboundMapping{
		{Source: "uid", Expression: "values[0]", Target: "name"},
	}, nil)

	err := e.Apply(context.Background(), testShadow(), NewIdentityDraft())
	if err == nil {
		t.Fatal("expected an internal error")
	}
	if !HasCode(err, CodeInternal) {
		t.Errorf("expected code %s, got %v", CodeInternal, err)
	}
}
