package domain

import "time"

type AuditAction string

const (
	AuditFinalized AuditAction = "finalized"
	AuditUpdated   AuditAction = "updated"
	AuditDeleted   AuditAction = "deleted"
)

type AuditEntry struct {
	ID         string         `json:"id"`
	Project    string         `json:"project"`
	DocumentID string         `json:"document_id"`
	Action     AuditAction    `json:"action"`
	FromStatus DocumentStatus `json:"from_status,omitempty"`
	ToStatus   DocumentStatus `json:"to_status,omitempty"`
	Details    string         `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
