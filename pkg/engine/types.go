package engine

import (
	"fmt"
	"time"
)

// SynchronizationSituation is the upstream classification of a resource
// change. It is produced by the connector layer and immutable once an event
// enters the engine.
type SynchronizationSituation string

const (
	// SituationUnmatched means no link between the account and an identity is
	// known upstream.
	SituationUnmatched SynchronizationSituation = "UNMATCHED"

	// SituationLinked means the account is already linked to an identity.
	SituationLinked SynchronizationSituation = "LINKED"

	// SituationDeleted means the account was removed on the resource.
	SituationDeleted SynchronizationSituation = "DELETED"

	// SituationUnlinked means the account exists but its link was severed.
	SituationUnlinked SynchronizationSituation = "UNLINKED"

	// SituationDisputed means upstream could not classify the change safely.
	// Disputed events are never acted upon automatically.
	SituationDisputed SynchronizationSituation = "DISPUTED"
)

// Valid reports whether the situation is one of the known classifications.
func (s SynchronizationSituation) Valid() bool {
	switch s {
	case SituationUnmatched, SituationLinked, SituationDeleted, SituationUnlinked, SituationDisputed:
		return true
	}
	return false
}

// ResourceObjectShadow is the projection of an external account at a point in
// time. It is owned by the connector layer and read-only to the engine.
type ResourceObjectShadow struct {
	// ResourceID identifies the connected system the account lives on.
	ResourceID string `json:"resource_id"`

	// AccountID is the account's identifier on that resource.
	AccountID string `json:"account_id"`

	// ObjectClass is the resource-side object class of the account.
	ObjectClass string `json:"object_class,omitempty"`

	// Attributes maps attribute names to one or more values.
	Attributes map[string][]string `json:"attributes,omitempty"`

	// Tombstone marks a shadow whose account no longer exists on the
	// resource.
	Tombstone bool `json:"tombstone,omitempty"`
}

// Link returns the shadow's account link.
func (s *ResourceObjectShadow) Link() AccountLink {
	return AccountLink{ResourceID: s.ResourceID, AccountID: s.AccountID}
}

// AccountLink ties an identity to an account on a resource.
type AccountLink struct {
	ResourceID string `json:"resource_id"`
	AccountID  string `json:"account_id"`
}

// Key returns the serialization key for the link, used for advisory locking
// and correlation lookups.
func (l AccountLink) Key() string {
	return l.ResourceID + "\x00" + l.AccountID
}

func (l AccountLink) String() string {
	return fmt.Sprintf("%s/%s", l.ResourceID, l.AccountID)
}

// IdentityRef is a reference to a persisted identity.
type IdentityRef struct {
	ID string `json:"id"`
}

// IdentityRecord is a persisted identity as returned by the repository.
type IdentityRecord struct {
	ID         string              `json:"id"`
	Attributes map[string][]string `json:"attributes"`
	Links      []AccountLink       `json:"links,omitempty"`
	Version    int64               `json:"version"`
	CreatedAt  time.Time           `json:"created_at"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// IdentityDraft is the mutable identity record being built or updated during
// one synchronization pass. A draft is created at the start of action
// execution and is terminal by the end of it: persisted or discarded, never
// carried across events.
type IdentityDraft struct {
	// ID is set when the draft was seeded from an existing record.
	ID string `json:"id,omitempty"`

	// Attributes maps attribute names to one or more values.
	Attributes map[string][]string `json:"attributes"`

	// Links are the account links the draft carries. Never two entries for
	// the same (resource, account-id) pair.
	Links []AccountLink `json:"links,omitempty"`
}

// NewIdentityDraft returns an empty draft.
func NewIdentityDraft() *IdentityDraft {
	return &IdentityDraft{Attributes: make(map[string][]string)}
}

// DraftFromRecord seeds a draft from an existing record so attributes not
// touched by mapping or template rules are preserved on update.
func DraftFromRecord(rec *IdentityRecord) *IdentityDraft {
	d := NewIdentityDraft()
	d.ID = rec.ID
	for name, values := range rec.Attributes {
		d.Attributes[name] = append([]string(nil), values...)
	}
	d.Links = append([]AccountLink(nil), rec.Links...)
	return d
}

// Set replaces the attribute's values.
func (d *IdentityDraft) Set(name string, values ...string) {
	d.Attributes[name] = append([]string(nil), values...)
}

// Append adds values to a multi-valued attribute, de-duplicating by value
// equality.
func (d *IdentityDraft) Append(name string, values ...string) {
	existing := d.Attributes[name]
	for _, v := range values {
		seen := false
		for _, e := range existing {
			if e == v {
				seen = true
				break
			}
		}
		if !seen {
			existing = append(existing, v)
		}
	}
	d.Attributes[name] = existing
}

// Get returns the attribute's values.
func (d *IdentityDraft) Get(name string) []string {
	return d.Attributes[name]
}

// First returns the attribute's first value, or "" when empty.
func (d *IdentityDraft) First(name string) string {
	if values := d.Attributes[name]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// Has reports whether the attribute is present and non-empty.
func (d *IdentityDraft) Has(name string) bool {
	for _, v := range d.Attributes[name] {
		if v != "" {
			return true
		}
	}
	return false
}

// AddLink adds an account link; adding an already-present link is a no-op,
// preserving the uniqueness invariant.
func (d *IdentityDraft) AddLink(link AccountLink) {
	for _, l := range d.Links {
		if l == link {
			return
		}
	}
	d.Links = append(d.Links, link)
}

// RemoveLink removes an account link if present and reports whether it was.
func (d *IdentityDraft) RemoveLink(link AccountLink) bool {
	for i, l := range d.Links {
		if l == link {
			d.Links = append(d.Links[:i], d.Links[i+1:]...)
			return true
		}
	}
	return false
}

// HasLink reports whether the draft carries the link.
func (d *IdentityDraft) HasLink(link AccountLink) bool {
	for _, l := range d.Links {
		if l == link {
			return true
		}
	}
	return false
}

// TemplateRule is one rule of an identity template. Exactly one of Literal,
// Source, or Expression is set.
type TemplateRule struct {
	// Target is the identity attribute the rule populates.
	Target string `json:"target"`

	// Literal sets the target to a fixed value.
	Literal *string `json:"literal,omitempty"`

	// Source copies the current value of another draft attribute. Rules are
	// applied in declared order in a single forward pass, so a source set by
	// a later rule is seen as absent.
	Source string `json:"source,omitempty"`

	// Expression derives the value from the draft via an expression with the
	// `identity` binding.
	Expression string `json:"expression,omitempty"`
}

// IdentityTemplate is a named, immutable set of default-value rules plus
// required-attribute constraints, fetched by identifier from the template
// store.
type IdentityTemplate struct {
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Rules    []TemplateRule `json:"rules,omitempty"`
	Required []string       `json:"required,omitempty"`
}

// Action is the resolved identity mutation for one event.
type Action string

const (
	ActionCreateIdentity Action = "create-identity"
	ActionLinkAccount    Action = "link-account"
	ActionUpdateIdentity Action = "update-identity"
	ActionUnlinkAccount  Action = "unlink-account"
	ActionIgnore         Action = "ignore"
)

// ActionPlan is the resolved operation for one event plus the parameters
// needed to execute it.
type ActionPlan struct {
	// Action is the operation to perform.
	Action Action `json:"action"`

	// IdentityID is the correlated identity, when one is known.
	IdentityID string `json:"identity_id,omitempty"`

	// Anomaly marks a plan whose classification and correlation disagreed,
	// e.g. an existing identity found despite an UNMATCHED classification.
	Anomaly bool `json:"anomaly,omitempty"`

	// Reason records why the plan was chosen, for ignore and anomaly cases.
	Reason string `json:"reason,omitempty"`
}

// Outcome is the terminal state of an executed event.
type Outcome string

const (
	// OutcomeSucceeded means the action was applied against the repository.
	OutcomeSucceeded Outcome = "succeeded"

	// OutcomeIgnored means the plan required no repository interaction.
	OutcomeIgnored Outcome = "ignored"

	// OutcomeFailed means the action failed with a classified error.
	OutcomeFailed Outcome = "failed"
)

// EventRecord is a structured log record scoped to one event's execution and
// attached to its result.
type EventRecord struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// ExecutionResult is the engine's output for one event.
type ExecutionResult struct {
	// EventID echoes the inbound event identifier.
	EventID string `json:"event_id"`

	// Shadow identifiers of the triggering change.
	ResourceID string `json:"resource_id"`
	AccountID  string `json:"account_id"`

	// Situation is the event's classification.
	Situation SynchronizationSituation `json:"situation"`

	// Action is the resolved action, once resolution succeeded.
	Action Action `json:"action,omitempty"`

	// Outcome is the terminal state of the event.
	Outcome Outcome `json:"outcome"`

	// IdentityID is the new or existing identity on success.
	IdentityID string `json:"identity_id,omitempty"`

	// Error is the classified failure when Outcome is failed.
	Error *SyncError `json:"error,omitempty"`

	// Records are the structured log records captured during execution.
	Records []EventRecord `json:"records,omitempty"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// Record appends a structured record to the result.
func (r *ExecutionResult) Record(level, message string, fields map[string]string) {
	r.Records = append(r.Records, EventRecord{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
		Fields:    fields,
	})
}

// SyncEvent is one inbound resource change to reconcile.
type SyncEvent struct {
	// ID identifies the event for result correlation and audit. Assigned by
	// the dispatcher when empty.
	ID string `json:"id,omitempty"`

	// Shadow is the resource object projection after the change.
	Shadow ResourceObjectShadow `json:"shadow"`

	// Situation is the upstream classification of the change.
	Situation SynchronizationSituation `json:"situation"`

	// TemplateID overrides the engine's configured identity template.
	TemplateID string `json:"template_id,omitempty"`
}
