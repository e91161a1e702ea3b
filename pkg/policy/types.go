package policy

// ReviewInput is the document handed to Rego rules as `input`.
type ReviewInput struct {
	Plan  *PlanInput  `json:"plan"`
	Event *EventInput `json:"event"`
}

// PlanInput mirrors the resolved action plan under review.
type PlanInput struct {
	Action     string `json:"action"`
	IdentityID string `json:"identity_id,omitempty"`
	Anomaly    bool   `json:"anomaly"`
	Reason     string `json:"reason,omitempty"`
}

// EventInput mirrors the triggering synchronization event.
type EventInput struct {
	ID         string              `json:"id,omitempty"`
	ResourceID string              `json:"resource_id"`
	AccountID  string              `json:"account_id"`
	ObjectClass string             `json:"object_class,omitempty"`
	Situation  string              `json:"situation"`
	Tombstone  bool                `json:"tombstone,omitempty"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}
