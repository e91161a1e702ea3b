package engine

import (
	"context"

	"github.com/rs/zerolog"
)

// ActionResolver maps a synchronization situation and a correlation result to
// an action plan. The decision table is the engine's policy core: it encodes
// how classification and correlation jointly determine effect, decoupling
// what changed externally from what identity mutation follows.
//
//	situation  | correlated | action
//	-----------+------------+---------------------------------
//	UNMATCHED  | no         | create-identity
//	UNMATCHED  | yes        | link-account (anomaly, not fatal)
//	LINKED     | yes        | update-identity
//	LINKED     | no         | create-identity (stale link)
//	DELETED    | yes        | unlink-account
//	DELETED    | no         | ignore
//	UNLINKED   | yes        | link-account
//	UNLINKED   | no         | ignore
//	DISPUTED   | any        | ignore (operator warning)
type ActionResolver struct {
	policy ReactionPolicy
	logger zerolog.Logger
}

// NewActionResolver builds a resolver. policy may be nil; the table's
// decisions then stand unreviewed.
func NewActionResolver(policy ReactionPolicy, logger zerolog.Logger) *ActionResolver {
	return &ActionResolver{
		policy: policy,
		logger: logger.With().Str("component", "resolver").Logger(),
	}
}

// Resolve produces the action plan for the event given the correlation
// result. Anomalous plans are reviewed by the reaction policy, which may
// soften them to ignore but never escalate them.
func (r *ActionResolver) Resolve(ctx context.Context, event *SyncEvent, correlated *IdentityRef) (*ActionPlan, error) {
	if !event.Situation.Valid() {
		return nil, NewInternalError("unknown synchronization situation", nil).
			WithShadow(&event.Shadow).
			WithSituation(event.Situation).
			WithOperation("resolve")
	}

	plan := r.resolveTable(event, correlated)

	if plan.Anomaly && r.policy != nil {
		reviewed, err := r.policy.ReviewPlan(ctx, plan, event)
		if err != nil {
			return nil, AsSyncError(err).WithShadow(&event.Shadow).WithSituation(event.Situation).WithOperation("resolve")
		}
		// A policy can only confirm the plan or soften it to ignore.
		if reviewed != nil && reviewed.Action == ActionIgnore {
			reviewed.Anomaly = plan.Anomaly
			plan = reviewed
		}
	}

	if plan.Anomaly {
		r.logger.Warn().
			Str("resource_id", event.Shadow.ResourceID).
			Str("account_id", event.Shadow.AccountID).
			Str("situation", string(event.Situation)).
			Str("action", string(plan.Action)).
			Msg(plan.Reason)
	}

	return plan, nil
}

func (r *ActionResolver) resolveTable(event *SyncEvent, correlated *IdentityRef) *ActionPlan {
	identityID := ""
	if correlated != nil {
		identityID = correlated.ID
	}

	switch event.Situation {
	case SituationUnmatched:
		if correlated == nil {
			return &ActionPlan{Action: ActionCreateIdentity}
		}
		return &ActionPlan{
			Action:     ActionLinkAccount,
			IdentityID: identityID,
			Anomaly:    true,
			Reason:     "existing identity found despite unmatched classification",
		}

	case SituationLinked:
		if correlated != nil {
			return &ActionPlan{Action: ActionUpdateIdentity, IdentityID: identityID}
		}
		// The upstream link was stale; recreate.
		return &ActionPlan{Action: ActionCreateIdentity, Reason: "linked classification with no correlated identity"}

	case SituationDeleted:
		if correlated != nil {
			return &ActionPlan{Action: ActionUnlinkAccount, IdentityID: identityID}
		}
		return &ActionPlan{Action: ActionIgnore, Reason: "deleted account has no correlated identity"}

	case SituationUnlinked:
		if correlated != nil {
			return &ActionPlan{Action: ActionLinkAccount, IdentityID: identityID}
		}
		return &ActionPlan{Action: ActionIgnore, Reason: "unlinked account has no correlated identity"}

	default: // SituationDisputed
		return &ActionPlan{
			Action:     ActionIgnore,
			IdentityID: identityID,
			Anomaly:    true,
			Reason:     "disputed classification requires operator attention",
		}
	}
}
