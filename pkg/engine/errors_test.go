package engine

import (
	"errors"
	"fmt"
	"testing"
)

// TestErrorClassification tests the class assigned by each constructor
func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name  string
		err   *SyncError
		class ErrorClass
		code  string
	}{
		{"mapping evaluation", NewMappingEvaluationError("m", nil), ErrorClassRetryable, CodeMappingEvaluation},
		{"template validation", NewTemplateValidationError("m", nil), ErrorClassTerminal, CodeTemplateValidation},
		{"template not found", NewTemplateNotFoundError("tpl", nil), ErrorClassTerminal, CodeTemplateNotFound},
		{"duplicate identity", NewDuplicateIdentityError("m", nil), ErrorClassTerminal, CodeDuplicateIdentity},
		{"repository unavailable", NewRepositoryUnavailableError("m", nil), ErrorClassRetryable, CodeRepositoryUnavailable},
		{"concurrent modification", NewConcurrentModificationError("m", nil), ErrorClassTerminal, CodeConcurrentModification},
		{"correlation conflict", NewCorrelationConflictError("m", nil), ErrorClassFatal, CodeCorrelationConflict},
		{"lock timeout", NewLockTimeoutError("key", nil), ErrorClassRetryable, CodeLockTimeout},
		{"not found", NewNotFoundError("m", nil), ErrorClassTerminal, CodeNotFound},
		{"policy", NewPolicyError("m", nil), ErrorClassTerminal, CodePolicy},
		{"internal", NewInternalError("m", nil), ErrorClassTerminal, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Class != tt.class {
				t.Errorf("expected class %s, got %s", tt.class, tt.err.Class)
			}
			if tt.err.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, tt.err.Code)
			}
			if !HasCode(tt.err, tt.code) {
				t.Error("HasCode must match the error's own code")
			}
		})
	}
}

// TestErrorPredicates tests the class predicates against wrapped errors
func TestErrorPredicates(t *testing.T) {
	retryable := fmt.Errorf("wrapped: %w", NewRepositoryUnavailableError("m", nil))
	if !IsRetryable(retryable) {
		t.Error("expected a wrapped retryable error to be retryable")
	}
	if IsTerminal(retryable) || IsFatal(retryable) {
		t.Error("retryable must not report terminal or fatal")
	}

	fatal := fmt.Errorf("wrapped: %w", NewCorrelationConflictError("m", nil))
	if !IsFatal(fatal) {
		t.Error("expected a wrapped fatal error to be fatal")
	}

	if IsRetryable(errors.New("plain")) || IsTerminal(errors.New("plain")) || IsFatal(errors.New("plain")) {
		t.Error("plain errors must not match any class")
	}
}

// TestErrorUnwrap tests cause chains
func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewRepositoryUnavailableError("repository call failed", cause)

	if !errors.Is(err, cause) {
		t.Error("expected the cause to be reachable via errors.Is")
	}
}

// TestErrorIsMatchesClassAndCode tests SyncError equality semantics
func TestErrorIsMatchesClassAndCode(t *testing.T) {
	a := NewLockTimeoutError("key-1", nil)
	b := NewLockTimeoutError("key-2", nil)
	if !errors.Is(a, b) {
		t.Error("expected two lock timeouts to match regardless of key")
	}
	if errors.Is(a, NewNotFoundError("m", nil)) {
		t.Error("expected different codes not to match")
	}
}

// TestAsSyncErrorWrapsForeignErrors tests normalization of unclassified errors
func TestAsSyncErrorWrapsForeignErrors(t *testing.T) {
	plain := errors.New("boom")
	syncErr := AsSyncError(plain)
	if syncErr == nil {
		t.Fatal("expected a SyncError")
	}
	if syncErr.Code != CodeInternal {
		t.Errorf("expected foreign errors classified internal, got %s", syncErr.Code)
	}

	typed := NewNotFoundError("m", nil)
	if AsSyncError(fmt.Errorf("wrapped: %w", typed)) != typed {
		t.Error("expected the wrapped SyncError returned as-is")
	}
}

// TestErrorContextBuilders tests the With* context attachment
func TestErrorContextBuilders(t *testing.T) {
	shadow := &ResourceObjectShadow{ResourceID: "ldap-1", AccountID: "uid=jdoe"}
	err := NewMappingEvaluationError("m", nil).
		WithShadow(shadow).
		WithSituation(SituationUnmatched).
		WithOperation("mapping").
		WithDetail("target", "name")

	if err.ResourceID != "ldap-1" || err.AccountID != "uid=jdoe" {
		t.Errorf("unexpected shadow context: %+v", err)
	}
	if err.Situation != SituationUnmatched {
		t.Errorf("unexpected situation: %s", err.Situation)
	}
	if err.Operation != "mapping" {
		t.Errorf("unexpected operation: %s", err.Operation)
	}
	if err.Details["target"] != "name" {
		t.Errorf("unexpected details: %v", err.Details)
	}
}
