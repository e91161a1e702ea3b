package stores

import (
	"time"
)

// Config holds SQLite repository configuration.
type Config struct {
	// Path is the database file path, or ":memory:" for an in-memory
	// database.
	Path string

	// NaturalKey is the identity attribute enforced unique across
	// identities. Defaults to "name".
	NaturalKey string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SyncEventRow is one persisted audit record of a processed event.
type SyncEventRow struct {
	ID           int64      `json:"id"`
	EventID      string     `json:"event_id"`
	ResourceID   string     `json:"resource_id"`
	AccountID    string     `json:"account_id"`
	Situation    string     `json:"situation"`
	Action       string     `json:"action"`
	Outcome      string     `json:"outcome"`
	IdentityID   *string    `json:"identity_id,omitempty"`
	ErrorClass   *string    `json:"error_class,omitempty"`
	ErrorCode    *string    `json:"error_code,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  time.Time  `json:"completed_at"`
}
