package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/idrelay/idrelay/pkg/telemetry"
)

// Executor orchestrates the mapping evaluator, template applier, and
// repository port to realize a resolved action atomically per identity.
// Retry policy for the engine lives here and nowhere else: leaf components
// report typed failures without retrying.
type Executor struct {
	repo       Repository
	templates  TemplateStore
	mapping    *MappingEvaluator
	templater  *TemplateApplier
	correlator *Correlator
	resolver   *ActionResolver
	locks      Locker
	opts       Options
	logger     zerolog.Logger
	tracer     *telemetry.Tracer
	metrics    *telemetry.Metrics
}

// NewExecutor wires the engine components together. locks may be nil, in
// which case a manager with the configured wait budget is created. tracer and
// metrics may be nil.
func NewExecutor(
	repo Repository,
	templates TemplateStore,
	mapping *MappingEvaluator,
	templater *TemplateApplier,
	correlator *Correlator,
	resolver *ActionResolver,
	locks Locker,
	opts Options,
	logger zerolog.Logger,
	tracer *telemetry.Tracer,
	metrics *telemetry.Metrics,
) *Executor {
	if locks == nil {
		locks = NewKeyedLockManager(opts.LockWait)
	}
	if tracer == nil {
		tracer, _ = telemetry.NewTracer(telemetry.TracingConfig{}, "idrelay", "", "")
	}
	return &Executor{
		repo:       repo,
		templates:  templates,
		mapping:    mapping,
		templater:  templater,
		correlator: correlator,
		resolver:   resolver,
		locks:      locks,
		opts:       opts,
		logger:     logger.With().Str("component", "executor").Logger(),
		tracer:     tracer,
		metrics:    metrics,
	}
}

// Execute reconciles one event: correlate, resolve, and apply. The link-key
// lock is held for the whole pass so no two events race on the same account.
// Execute never panics the result away; every path yields an ExecutionResult
// with a classified error on failure.
func (x *Executor) Execute(ctx context.Context, event *SyncEvent) *ExecutionResult {
	result := &ExecutionResult{
		EventID:    event.ID,
		ResourceID: event.Shadow.ResourceID,
		AccountID:  event.Shadow.AccountID,
		Situation:  event.Situation,
		StartedAt:  time.Now(),
	}

	ctx, span := x.tracer.StartEventSpan(ctx, event.ID, event.Shadow.ResourceID, event.Shadow.AccountID)
	span.SetAttributes(telemetry.AttrSituation.String(string(event.Situation)))
	defer span.End()

	x.execute(ctx, event, result)

	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	span.SetAttributes(
		telemetry.AttrAction.String(string(result.Action)),
		telemetry.AttrOutcome.String(string(result.Outcome)),
	)
	if result.Error != nil {
		span.SetAttributes(
			telemetry.AttrErrorClass.String(string(result.Error.Class)),
			telemetry.AttrErrorCode.String(result.Error.Code),
		)
		telemetry.RecordError(span, result.Error)
	} else {
		if result.IdentityID != "" {
			span.SetAttributes(telemetry.AttrIdentityID.String(result.IdentityID))
		}
		telemetry.RecordSuccess(span)
	}
	return result
}

func (x *Executor) execute(ctx context.Context, event *SyncEvent, result *ExecutionResult) {
	link := event.Shadow.Link()

	lockStart := time.Now()
	release, err := x.locks.Acquire(ctx, link.Key())
	x.metrics.RecordLockWait(time.Since(lockStart))
	if err != nil {
		x.fail(ctx, result, AsSyncError(err).WithShadow(&event.Shadow).WithSituation(event.Situation))
		return
	}
	defer release()

	correlated, err := x.correlator.Find(ctx, &event.Shadow)
	if err != nil {
		x.fail(ctx, result, AsSyncError(err).WithSituation(event.Situation))
		return
	}

	plan, err := x.resolver.Resolve(ctx, event, correlated)
	if err != nil {
		x.fail(ctx, result, AsSyncError(err))
		return
	}
	result.Action = plan.Action
	if plan.Anomaly {
		result.Record("warn", plan.Reason, map[string]string{"action": string(plan.Action)})
	}

	// Serialize on the resolved identity as well; link/update paths for
	// different accounts may target the same identity.
	if plan.IdentityID != "" {
		lockStart = time.Now()
		identityRelease, err := x.locks.Acquire(ctx, "identity\x00"+plan.IdentityID)
		x.metrics.RecordLockWait(time.Since(lockStart))
		if err != nil {
			x.fail(ctx, result, AsSyncError(err).WithShadow(&event.Shadow).WithSituation(event.Situation))
			return
		}
		defer identityRelease()
	}

	var identityID string
	switch plan.Action {
	case ActionCreateIdentity:
		identityID, err = x.executeCreate(ctx, event, result)
	case ActionLinkAccount:
		identityID, err = x.executeLink(ctx, event, plan.IdentityID, result)
	case ActionUnlinkAccount:
		identityID, err = x.executeUnlink(ctx, event, plan.IdentityID, result)
	case ActionUpdateIdentity:
		identityID, err = x.executeUpdate(ctx, event, plan.IdentityID, result)
	case ActionIgnore:
		result.Outcome = OutcomeIgnored
		result.Record("info", "no repository interaction", map[string]string{"reason": plan.Reason})
		return
	default:
		err = NewInternalError("unknown action", nil).WithDetail("action", string(plan.Action))
	}

	if err != nil {
		x.fail(ctx, result, AsSyncError(err).WithShadow(&event.Shadow).WithSituation(event.Situation))
		return
	}

	result.Outcome = OutcomeSucceeded
	result.IdentityID = identityID
}

// executeCreate builds a fresh draft, routes it through mapping and template
// application, and persists it. A create is only ever reached when the
// correlator found no existing identity under the held link lock.
func (x *Executor) executeCreate(ctx context.Context, event *SyncEvent, result *ExecutionResult) (string, error) {
	draft := NewIdentityDraft()
	result.Record("debug", "draft before inbound mappings", draftFields(draft))

	if err := x.mapping.Apply(ctx, &event.Shadow, draft); err != nil {
		return "", err
	}
	result.Record("debug", "draft after inbound mappings", draftFields(draft))

	if err := x.applyTemplate(ctx, event, draft); err != nil {
		return "", err
	}
	result.Record("debug", "draft after identity template", draftFields(draft))

	draft.AddLink(event.Shadow.Link())

	repoCtx, cancel := x.repositoryContext(ctx)
	defer cancel()
	id, err := x.repo.CreateIdentity(repoCtx, draft)
	if err != nil {
		return "", x.repositoryError(repoCtx, err)
	}

	result.Record("info", "identity created", map[string]string{"identity_id": id})
	return id, nil
}

// executeLink adds the shadow's account link to the existing identity.
// Concurrent modification between load and save is retried once, then
// surfaced.
func (x *Executor) executeLink(ctx context.Context, event *SyncEvent, identityID string, result *ExecutionResult) (string, error) {
	link := event.Shadow.Link()
	err := x.mutateWithRetry(ctx, identityID, result, func(draft *IdentityDraft) (bool, error) {
		if draft.HasLink(link) {
			return false, nil
		}
		draft.AddLink(link)
		return true, nil
	})
	if err != nil {
		return "", err
	}
	result.Record("info", "account linked", map[string]string{"identity_id": identityID, "link": link.String()})
	return identityID, nil
}

// executeUnlink removes the shadow's account link from the identity.
func (x *Executor) executeUnlink(ctx context.Context, event *SyncEvent, identityID string, result *ExecutionResult) (string, error) {
	link := event.Shadow.Link()
	err := x.mutateWithRetry(ctx, identityID, result, func(draft *IdentityDraft) (bool, error) {
		return draft.RemoveLink(link), nil
	})
	if err != nil {
		return "", err
	}
	result.Record("info", "account unlinked", map[string]string{"identity_id": identityID, "link": link.String()})
	return identityID, nil
}

// executeUpdate re-applies mapping and template rules against a draft seeded
// from the existing record, so attributes not touched by any rule survive.
func (x *Executor) executeUpdate(ctx context.Context, event *SyncEvent, identityID string, result *ExecutionResult) (string, error) {
	err := x.mutateWithRetry(ctx, identityID, result, func(draft *IdentityDraft) (bool, error) {
		result.Record("debug", "draft before inbound mappings", draftFields(draft))
		if err := x.mapping.Apply(ctx, &event.Shadow, draft); err != nil {
			return false, err
		}
		result.Record("debug", "draft after inbound mappings", draftFields(draft))
		if err := x.applyTemplate(ctx, event, draft); err != nil {
			return false, err
		}
		result.Record("debug", "draft after identity template", draftFields(draft))
		draft.AddLink(event.Shadow.Link())
		return true, nil
	})
	if err != nil {
		return "", err
	}
	result.Record("info", "identity updated", map[string]string{"identity_id": identityID})
	return identityID, nil
}

// mutateWithRetry runs one load-mutate-save cycle against the identity,
// retrying the whole cycle once on a concurrent modification. The mutate
// function reports whether a save is needed at all; an unchanged identity is
// left alone, which is what makes re-executed events converge.
func (x *Executor) mutateWithRetry(ctx context.Context, identityID string, result *ExecutionResult, mutate func(*IdentityDraft) (bool, error)) error {
	for attempt := 0; ; attempt++ {
		repoCtx, cancel := x.repositoryContext(ctx)
		rec, err := x.repo.GetIdentity(repoCtx, identityID)
		cancel()
		if err != nil {
			return x.repositoryError(ctx, err)
		}

		draft := DraftFromRecord(rec)
		changed, err := mutate(draft)
		if err != nil {
			return err
		}
		if !changed {
			result.Record("debug", "identity already in desired state", map[string]string{"identity_id": identityID})
			return nil
		}

		repoCtx, cancel = x.repositoryContext(ctx)
		err = x.repo.UpdateIdentity(repoCtx, identityID, draft, rec.Version)
		cancel()
		if err == nil {
			return nil
		}
		if !HasCode(err, CodeConcurrentModification) || attempt >= 1 {
			return x.repositoryError(ctx, err)
		}

		result.Record("warn", "concurrent modification, retrying once", map[string]string{"identity_id": identityID})
	}
}

// applyTemplate fetches the event's template (falling back to the engine
// default) and applies it to the draft.
func (x *Executor) applyTemplate(ctx context.Context, event *SyncEvent, draft *IdentityDraft) error {
	templateID := event.TemplateID
	if templateID == "" {
		templateID = x.opts.DefaultTemplateID
	}
	if templateID == "" {
		// No template configured; nothing to enforce.
		return nil
	}

	if x.templates == nil {
		return NewInternalError("a template is requested but no template store is configured", nil).
			WithShadow(&event.Shadow).WithDetail("template_id", templateID)
	}

	tpl, err := x.templates.Get(ctx, templateID)
	if err != nil {
		return AsSyncError(err).WithShadow(&event.Shadow)
	}

	return x.templater.Apply(ctx, draft, tpl)
}

// repositoryContext bounds a repository round trip when a timeout is
// configured.
func (x *Executor) repositoryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if x.opts.RepositoryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, x.opts.RepositoryTimeout)
}

// repositoryError folds a caller-requested timeout into the retryable class:
// repository calls are single round trips, so no partial write has occurred.
func (x *Executor) repositoryError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return NewRepositoryUnavailableError("repository call cancelled", err)
	}
	return err
}

func (x *Executor) fail(ctx context.Context, result *ExecutionResult, err *SyncError) {
	result.Outcome = OutcomeFailed
	result.Error = err
	ev := x.logger.Error().
		Err(err).
		Str("resource_id", result.ResourceID).
		Str("account_id", result.AccountID).
		Str("situation", string(result.Situation)).
		Str("class", string(err.Class)).
		Str("code", err.Code)
	if traceID := telemetry.TraceID(ctx); traceID != "" {
		ev = ev.Str("trace_id", traceID)
	}
	ev.Msg("event execution failed")
}

func draftFields(draft *IdentityDraft) map[string]string {
	fields := make(map[string]string, len(draft.Attributes))
	for name, values := range draft.Attributes {
		if len(values) == 1 {
			fields[name] = values[0]
		} else if len(values) > 1 {
			fields[name] = values[0] + ",..."
		}
	}
	return fields
}
