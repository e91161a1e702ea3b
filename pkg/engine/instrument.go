package engine

import (
	"context"

	"github.com/idrelay/idrelay/pkg/telemetry"
)

// InstrumentRepository wraps a repository so every port call lands in the
// repository call and error counters. A nil or disabled metrics returns the
// repository unchanged.
func InstrumentRepository(repo Repository, metrics *telemetry.Metrics) Repository {
	if metrics == nil {
		return repo
	}
	return &instrumentedRepository{repo: repo, metrics: metrics}
}

type instrumentedRepository struct {
	repo    Repository
	metrics *telemetry.Metrics
}

func (r *instrumentedRepository) CreateIdentity(ctx context.Context, draft *IdentityDraft) (string, error) {
	id, err := r.repo.CreateIdentity(ctx, draft)
	r.metrics.RecordRepositoryCall("create_identity", errorCode(err))
	return id, err
}

func (r *instrumentedRepository) GetIdentity(ctx context.Context, id string) (*IdentityRecord, error) {
	rec, err := r.repo.GetIdentity(ctx, id)
	r.metrics.RecordRepositoryCall("get_identity", errorCode(err))
	return rec, err
}

func (r *instrumentedRepository) UpdateIdentity(ctx context.Context, id string, draft *IdentityDraft, expectedVersion int64) error {
	err := r.repo.UpdateIdentity(ctx, id, draft, expectedVersion)
	r.metrics.RecordRepositoryCall("update_identity", errorCode(err))
	return err
}

func (r *instrumentedRepository) FindByLink(ctx context.Context, resourceID, accountID string) ([]IdentityRef, error) {
	refs, err := r.repo.FindByLink(ctx, resourceID, accountID)
	r.metrics.RecordRepositoryCall("find_by_link", errorCode(err))
	return refs, err
}

func errorCode(err error) string {
	if err == nil {
		return ""
	}
	return AsSyncError(err).Code
}
