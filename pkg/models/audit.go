package models

import "time"

// Audit actions emitted by the core.
const (
	ActionCreate      = "create"
	ActionRead        = "read"
	ActionUpdate      = "update"
	ActionDelete      = "delete"
	ActionList        = "list"
	ActionVersions    = "list_versions"
	ActionAccessCheck = "access_check"
	ActionShare       = "secret_share"
	ActionRevoke      = "secret_revoke"
)

// AuditEntry records a single action against the store.
// Rows are append-only; a nil UserID marks a system-originated event.
type AuditEntry struct {
	ID        int64             `json:"id"`
	UserID    *int64            `json:"user_id,omitempty"`
	Action    string            `json:"action"`
	SecretKey string            `json:"secret_key,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SecretAccessCount is one entry of the top-secrets aggregation.
type SecretAccessCount struct {
	SecretKey string `json:"secret_key"`
	Count     int64  `json:"count"`
}

// AuditStats aggregates audit activity over an optional date range.
type AuditStats struct {
	Total         int64               `json:"total"`
	ByAction      map[string]int64    `json:"by_action"`
	TopSecrets    []SecretAccessCount `json:"top_secrets"`
	DistinctUsers int64               `json:"distinct_users"`
}
