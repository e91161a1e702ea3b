package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func resolverEvent(situation SynchronizationSituation) *SyncEvent {
	return &SyncEvent{
		ID: "evt-1",
		Shadow: ResourceObjectShadow{
			ResourceID: "ldap-1",
			AccountID:  "uid=jdoe",
		},
		Situation: situation,
	}
}

// TestResolveDecisionTable tests every row of the situation/correlation table
func TestResolveDecisionTable(t *testing.T) {
	correlated := &IdentityRef{ID: "identity-1"}

	tests := []struct {
		name       string
		situation  SynchronizationSituation
		correlated *IdentityRef
		action     Action
		anomaly    bool
	}{
		{"unmatched uncorrelated creates", SituationUnmatched, nil, ActionCreateIdentity, false},
		{"unmatched correlated links with anomaly", SituationUnmatched, correlated, ActionLinkAccount, true},
		{"linked correlated updates", SituationLinked, correlated, ActionUpdateIdentity, false},
		{"linked uncorrelated recreates", SituationLinked, nil, ActionCreateIdentity, false},
		{"deleted correlated unlinks", SituationDeleted, correlated, ActionUnlinkAccount, false},
		{"deleted uncorrelated ignores", SituationDeleted, nil, ActionIgnore, false},
		{"unlinked correlated links", SituationUnlinked, correlated, ActionLinkAccount, false},
		{"unlinked uncorrelated ignores", SituationUnlinked, nil, ActionIgnore, false},
		{"disputed correlated ignores with anomaly", SituationDisputed, correlated, ActionIgnore, true},
		{"disputed uncorrelated ignores with anomaly", SituationDisputed, nil, ActionIgnore, true},
	}

	r := NewActionResolver(nil, zerolog.Nop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := r.Resolve(context.Background(), resolverEvent(tt.situation), tt.correlated)
			if err != nil {
				t.Fatalf("resolve failed: %v", err)
			}
			if plan.Action != tt.action {
				t.Errorf("expected action %s, got %s", tt.action, plan.Action)
			}
			if plan.Anomaly != tt.anomaly {
				t.Errorf("expected anomaly=%v, got %v", tt.anomaly, plan.Anomaly)
			}
			if tt.correlated != nil && plan.Action != ActionCreateIdentity && plan.IdentityID != tt.correlated.ID {
				t.Errorf("expected identity %s on the plan, got %q", tt.correlated.ID, plan.IdentityID)
			}
		})
	}
}

// TestResolveUnknownSituation tests rejection of unknown classifications
func TestResolveUnknownSituation(t *testing.T) {
	r := NewActionResolver(nil, zerolog.Nop())

	_, err := r.Resolve(context.Background(), resolverEvent("MANGLED"), nil)
	if err == nil {
		t.Fatal("expected an error for an unknown situation")
	}
	if !HasCode(err, CodeInternal) {
		t.Errorf("expected code %s, got %v", CodeInternal, err)
	}
}

// TestResolvePolicyReviewsAnomaliesOnly tests that confirmed decisions skip review
func TestResolvePolicyReviewsAnomaliesOnly(t *testing.T) {
	policy := &mockPolicy{}
	r := NewActionResolver(policy, zerolog.Nop())

	if _, err := r.Resolve(context.Background(), resolverEvent(SituationLinked), &IdentityRef{ID: "identity-1"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if policy.reviewCount() != 0 {
		t.Errorf("expected no review for a table decision, got %d", policy.reviewCount())
	}

	if _, err := r.Resolve(context.Background(), resolverEvent(SituationUnmatched), &IdentityRef{ID: "identity-1"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if policy.reviewCount() != 1 {
		t.Errorf("expected one review for the anomalous plan, got %d", policy.reviewCount())
	}
}

// TestResolvePolicySoftensToIgnore tests policy softening
func TestResolvePolicySoftensToIgnore(t *testing.T) {
	policy := &mockPolicy{review: func(plan *ActionPlan, _ *SyncEvent) (*ActionPlan, error) {
		return &ActionPlan{Action: ActionIgnore, Reason: "softened"}, nil
	}}
	r := NewActionResolver(policy, zerolog.Nop())

	plan, err := r.Resolve(context.Background(), resolverEvent(SituationUnmatched), &IdentityRef{ID: "identity-1"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if plan.Action != ActionIgnore {
		t.Errorf("expected the plan softened to ignore, got %s", plan.Action)
	}
	if !plan.Anomaly {
		t.Error("softening must preserve the anomaly marker")
	}
}

// TestResolvePolicyCannotEscalate tests that a policy cannot introduce writes
func TestResolvePolicyCannotEscalate(t *testing.T) {
	policy := &mockPolicy{review: func(plan *ActionPlan, _ *SyncEvent) (*ActionPlan, error) {
		return &ActionPlan{Action: ActionUpdateIdentity, IdentityID: "identity-9"}, nil
	}}
	r := NewActionResolver(policy, zerolog.Nop())

	plan, err := r.Resolve(context.Background(), resolverEvent(SituationUnmatched), &IdentityRef{ID: "identity-1"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if plan.Action != ActionLinkAccount || plan.IdentityID != "identity-1" {
		t.Errorf("expected the table decision to stand, got %+v", plan)
	}
}

// TestResolvePolicyErrorSurfaces tests policy failure propagation
func TestResolvePolicyErrorSurfaces(t *testing.T) {
	policy := &mockPolicy{review: func(_ *ActionPlan, _ *SyncEvent) (*ActionPlan, error) {
		return nil, NewPolicyError("rule evaluation failed", errors.New("boom"))
	}}
	r := NewActionResolver(policy, zerolog.Nop())

	_, err := r.Resolve(context.Background(), resolverEvent(SituationUnmatched), &IdentityRef{ID: "identity-1"})
	if err == nil {
		t.Fatal("expected the policy error to surface")
	}
	if !HasCode(err, CodePolicy) {
		t.Errorf("expected code %s, got %v", CodePolicy, err)
	}
}
