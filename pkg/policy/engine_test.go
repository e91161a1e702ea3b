package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/idrelay/idrelay/pkg/engine"
)

func anomalousLinkPlan() *engine.ActionPlan {
	return &engine.ActionPlan{
		Action:     engine.ActionLinkAccount,
		IdentityID: "identity-1",
		Anomaly:    true,
		Reason:     "existing identity found despite unmatched classification",
	}
}

func unmatchedEvent() *engine.SyncEvent {
	return &engine.SyncEvent{
		ID: "evt-1",
		Shadow: engine.ResourceObjectShadow{
			ResourceID:  "ldap-1",
			AccountID:   "uid=jdoe",
			ObjectClass: "account",
			Attributes:  map[string][]string{"uid": {"jdoe"}},
		},
		Situation: engine.SituationUnmatched,
	}
}

// TestBuiltinConfirmsPlan tests that the default rule set leaves plans alone
func TestBuiltinConfirmsPlan(t *testing.T) {
	e, err := NewReviewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create review engine: %v", err)
	}

	plan := anomalousLinkPlan()
	reviewed, err := e.ReviewPlan(context.Background(), plan, unmatchedEvent())
	if err != nil {
		t.Fatalf("review failed: %v", err)
	}
	if reviewed != plan {
		t.Errorf("expected the plan to pass through unchanged, got %+v", reviewed)
	}
}

// TestOperatorRuleSoftensPlan tests softening via an operator rego file
func TestOperatorRuleSoftensPlan(t *testing.T) {
	dir := t.TempDir()
	rule := `package idrelay.reaction

import rego.v1

default ignore := false

ignore if {
	input.plan.action == "link-account"
	input.event.resource_id == "ldap-1"
}
`
	if err := os.WriteFile(filepath.Join(dir, "builtin.rego"), []byte(rule), 0o644); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}

	e, err := NewReviewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create review engine: %v", err)
	}
	if err := e.LoadFromDirectory(context.Background(), dir); err != nil {
		t.Fatalf("failed to load policies: %v", err)
	}

	reviewed, err := e.ReviewPlan(context.Background(), anomalousLinkPlan(), unmatchedEvent())
	if err != nil {
		t.Fatalf("review failed: %v", err)
	}
	if reviewed.Action != engine.ActionIgnore {
		t.Errorf("expected the plan softened to ignore, got %s", reviewed.Action)
	}
	if !reviewed.Anomaly {
		t.Error("softening must preserve the anomaly marker")
	}

	// A different resource does not match the rule
	other := unmatchedEvent()
	other.Shadow.ResourceID = "hr-db"
	plan := anomalousLinkPlan()
	reviewed, err = e.ReviewPlan(context.Background(), plan, other)
	if err != nil {
		t.Fatalf("review failed: %v", err)
	}
	if reviewed.Action != engine.ActionLinkAccount {
		t.Errorf("expected the plan confirmed, got %s", reviewed.Action)
	}
}

// TestLoadFromDirectoryRejectsBadRego tests compile failure surfacing
func TestLoadFromDirectoryRejectsBadRego(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("not rego at all {"), 0o644); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}

	e, err := NewReviewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create review engine: %v", err)
	}
	if err := e.LoadFromDirectory(context.Background(), dir); err == nil {
		t.Fatal("expected load to fail on broken rego")
	}
}
