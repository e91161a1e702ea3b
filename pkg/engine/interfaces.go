package engine

import (
	"context"
	"time"
)

// Repository is the port to the identity store. All durable state lives
// behind it; the engine owns none. Each call is independently atomic, a
// single round trip with no shared transaction across calls.
type Repository interface {
	// CreateIdentity persists a new identity built from the draft and returns
	// its identifier. A uniqueness violation on a natural key yields a
	// SyncError with CodeDuplicateIdentity; connectivity failure yields
	// CodeRepositoryUnavailable.
	CreateIdentity(ctx context.Context, draft *IdentityDraft) (string, error)

	// GetIdentity loads an identity by id, or fails with CodeNotFound.
	GetIdentity(ctx context.Context, id string) (*IdentityRecord, error)

	// UpdateIdentity persists the draft over the identity iff its stored
	// version equals expectedVersion; otherwise fails with
	// CodeConcurrentModification.
	UpdateIdentity(ctx context.Context, id string, draft *IdentityDraft, expectedVersion int64) error

	// FindByLink returns the identities linked to (resource, account-id),
	// zero or more. Conflict classification is the Correlator's job.
	FindByLink(ctx context.Context, resourceID, accountID string) ([]IdentityRef, error)
}

// TemplateStore is the port to the identity template definitions.
type TemplateStore interface {
	// Get fetches a template by identifier, or fails with
	// CodeTemplateNotFound.
	Get(ctx context.Context, id string) (*IdentityTemplate, error)
}

// ExprEvaluator evaluates a single expression against an environment of
// bindings. Mapping and template rules use it for their expression form.
type ExprEvaluator interface {
	Eval(ctx context.Context, expr string, env map[string]interface{}) (interface{}, error)
}

// ReactionPolicy reviews a resolved plan before execution. It exists for the
// cases the decision table leaves open to operator policy, such as an
// existing identity found despite an UNMATCHED classification. A policy may
// soften a plan to ActionIgnore or confirm it; it can never introduce a write
// action the resolver did not produce.
type ReactionPolicy interface {
	ReviewPlan(ctx context.Context, plan *ActionPlan, event *SyncEvent) (*ActionPlan, error)
}

// AuditSink records the terminal result of every processed event.
type AuditSink interface {
	AppendSyncEvent(ctx context.Context, result *ExecutionResult) error
}

// Locker serializes event processing per key with a bounded wait.
type Locker interface {
	// Acquire blocks until the key's lock is held, the wait budget expires
	// (SyncError with CodeLockTimeout), or ctx is done. The returned release
	// function must be called exactly once.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Options configure an Executor.
type Options struct {
	// DefaultTemplateID is the identity template applied when the event does
	// not name one. Configuration input to the engine, not derived per event.
	DefaultTemplateID string

	// LockWait bounds the advisory lock wait per key.
	LockWait time.Duration

	// RepositoryTimeout bounds each repository round trip.
	RepositoryTimeout time.Duration
}
