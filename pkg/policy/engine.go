package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/idrelay/idrelay/pkg/engine"
)

// reviewQuery is the decision entry point every rule set must define.
const reviewQuery = "data.idrelay.reaction.ignore"

// ReviewEngine implements engine.ReactionPolicy on OPA. Modules are compiled
// once into a prepared query; ReviewPlan only evaluates.
type ReviewEngine struct {
	mu      sync.RWMutex
	query   rego.PreparedEvalQuery
	modules map[string]string
	logger  zerolog.Logger
}

// NewReviewEngine creates a review engine with the built-in rule set.
func NewReviewEngine(logger zerolog.Logger) (*ReviewEngine, error) {
	e := &ReviewEngine{
		modules: map[string]string{"builtin.rego": BuiltinReviewModule},
		logger:  logger.With().Str("component", "reaction-policy").Logger(),
	}
	if err := e.recompile(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to compile built-in review module: %w", err)
	}
	return e, nil
}

// LoadFromDirectory adds every .rego file under dir to the rule set and
// recompiles. A file named builtin.rego replaces the built-in module.
func (e *ReviewEngine) LoadFromDirectory(ctx context.Context, dir string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	loaded := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		e.modules[filepath.Base(path)] = string(data)
		loaded++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load policies from %s: %w", dir, err)
	}

	if err := e.recompile(ctx); err != nil {
		return err
	}

	e.logger.Info().
		Int("files", loaded).
		Str("dir", dir).
		Msg("Reaction policies loaded")

	return nil
}

// recompile prepares the review query over the current module set. Caller
// holds the write lock except during construction.
func (e *ReviewEngine) recompile(ctx context.Context) error {
	opts := []func(*rego.Rego){rego.Query(reviewQuery)}

	names := make([]string, 0, len(e.modules))
	for name := range e.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, rego.Module(name, e.modules[name]))
	}

	query, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare review query: %w", err)
	}

	e.query = query
	return nil
}

// ReviewPlan evaluates the rule set against the plan and event. When the
// rules answer ignore, the plan is softened; otherwise it stands unchanged.
func (e *ReviewEngine) ReviewPlan(ctx context.Context, plan *engine.ActionPlan, event *engine.SyncEvent) (*engine.ActionPlan, error) {
	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	input := &ReviewInput{
		Plan: &PlanInput{
			Action:     string(plan.Action),
			IdentityID: plan.IdentityID,
			Anomaly:    plan.Anomaly,
			Reason:     plan.Reason,
		},
		Event: &EventInput{
			ID:          event.ID,
			ResourceID:  event.Shadow.ResourceID,
			AccountID:   event.Shadow.AccountID,
			ObjectClass: event.Shadow.ObjectClass,
			Situation:   string(event.Situation),
			Tombstone:   event.Shadow.Tombstone,
			Attributes:  event.Shadow.Attributes,
		},
	}

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, engine.NewPolicyError("reaction policy evaluation failed", err)
	}

	ignore := false
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		if b, ok := results[0].Expressions[0].Value.(bool); ok {
			ignore = b
		}
	}

	if !ignore {
		return plan, nil
	}

	e.logger.Info().
		Str("resource_id", event.Shadow.ResourceID).
		Str("account_id", event.Shadow.AccountID).
		Str("action", string(plan.Action)).
		Msg("Reaction policy softened plan to ignore")

	return &engine.ActionPlan{
		Action:     engine.ActionIgnore,
		IdentityID: plan.IdentityID,
		Anomaly:    plan.Anomaly,
		Reason:     "softened by reaction policy: " + plan.Reason,
	}, nil
}
