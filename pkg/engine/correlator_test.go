package engine

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

// TestCorrelatorNoMatch tests the creation-candidate outcome
func TestCorrelatorNoMatch(t *testing.T) {
	repo := newMockRepository()
	c := NewCorrelator(repo, zerolog.Nop())

	ref, err := c.Find(context.Background(), testShadow())
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if ref != nil {
		t.Errorf("expected no correlation, got %+v", ref)
	}
}

// TestCorrelatorSingleMatch tests the one-claimant outcome
func TestCorrelatorSingleMatch(t *testing.T) {
	repo := newMockRepository()
	draft := NewIdentityDraft()
	draft.Set("name", "jdoe")
	draft.AddLink(AccountLink{ResourceID: "ldap-1", AccountID: "uid=jdoe"})
	id, err := repo.CreateIdentity(context.Background(), draft)
	if err != nil {
		t.Fatalf("failed to seed identity: %v", err)
	}

	c := NewCorrelator(repo, zerolog.Nop())
	ref, err := c.Find(context.Background(), testShadow())
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if ref == nil || ref.ID != id {
		t.Errorf("expected correlation to %s, got %+v", id, ref)
	}
}

// TestCorrelatorConflict tests the fatal multi-claimant outcome
func TestCorrelatorConflict(t *testing.T) {
	repo := newMockRepository()
	for _, name := range []string{"jdoe", "jdoe2"} {
		draft := NewIdentityDraft()
		draft.Set("name", name)
		draft.AddLink(AccountLink{ResourceID: "ldap-1", AccountID: "uid=jdoe"})
		if _, err := repo.CreateIdentity(context.Background(), draft); err != nil {
			t.Fatalf("failed to seed identity: %v", err)
		}
	}

	c := NewCorrelator(repo, zerolog.Nop())
	_, err := c.Find(context.Background(), testShadow())
	if err == nil {
		t.Fatal("expected a correlation conflict")
	}
	if !HasCode(err, CodeCorrelationConflict) {
		t.Errorf("expected code %s, got %v", CodeCorrelationConflict, err)
	}
	if !IsFatal(err) {
		t.Error("expected a fatal error")
	}

	syncErr := AsSyncError(err)
	ids, ok := syncErr.Details["identity_ids"].([]string)
	if !ok || len(ids) != 2 {
		t.Errorf("expected both claimants in the details, got %v", syncErr.Details["identity_ids"])
	}
}

// TestCorrelatorRepositoryError tests error propagation with shadow context
func TestCorrelatorRepositoryError(t *testing.T) {
	repo := newMockRepository()
	repo.failFind = NewRepositoryUnavailableError("connection refused", nil)

	c := NewCorrelator(repo, zerolog.Nop())
	_, err := c.Find(context.Background(), testShadow())
	if err == nil {
		t.Fatal("expected the repository error to surface")
	}
	if !IsRetryable(err) {
		t.Error("expected a retryable error")
	}
	if syncErr := AsSyncError(err); syncErr.ResourceID != "ldap-1" {
		t.Errorf("expected shadow context on the error, got %+v", syncErr)
	}
}
