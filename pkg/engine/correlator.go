package engine

import (
	"context"

	"github.com/rs/zerolog"
)

// Correlator determines whether a shadow already corresponds to a known
// identity by querying the repository for its account link.
type Correlator struct {
	repo   Repository
	logger zerolog.Logger
}

// NewCorrelator builds a correlator over the repository port.
func NewCorrelator(repo Repository, logger zerolog.Logger) *Correlator {
	return &Correlator{
		repo:   repo,
		logger: logger.With().Str("component", "correlator").Logger(),
	}
}

// Find returns the single identity linked to the shadow's (resource,
// account-id) pair, or nil when none exists, signaling a candidate for
// creation. More than one claimant is a fatal correlation conflict; the
// engine never auto-merges.
func (c *Correlator) Find(ctx context.Context, shadow *ResourceObjectShadow) (*IdentityRef, error) {
	refs, err := c.repo.FindByLink(ctx, shadow.ResourceID, shadow.AccountID)
	if err != nil {
		return nil, AsSyncError(err).WithShadow(shadow).WithOperation("correlate")
	}

	switch len(refs) {
	case 0:
		return nil, nil
	case 1:
		c.logger.Debug().
			Str("resource_id", shadow.ResourceID).
			Str("account_id", shadow.AccountID).
			Str("identity_id", refs[0].ID).
			Msg("correlated account link to identity")
		ref := refs[0]
		return &ref, nil
	default:
		ids := make([]string, len(refs))
		for i, ref := range refs {
			ids[i] = ref.ID
		}
		return nil, NewCorrelationConflictError("multiple identities claim the same account link", nil).
			WithShadow(shadow).
			WithOperation("correlate").
			WithDetail("identity_ids", ids)
	}
}
