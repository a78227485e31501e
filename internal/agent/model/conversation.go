package model

import "context"

// AuditSink persists audit events. Append must not reorder events of the
// same query.
type AuditSink interface {
	Append(ctx context.Context, ev AuditEvent) error
}

// AuditReader loads the stored trail for a query.
type AuditReader interface {
	Trail(ctx context.Context, queryID string) ([]AuditEvent, error)
}

// TurnRepository keeps short summaries of a subject's previous questions,
// used only as extractor context.
type TurnRepository interface {
	// AddTurn appends a summary for the subject
	AddTurn(ctx context.Context, subject, summary string) error

	// RecentTurns returns up to n most recent summaries, oldest first
	RecentTurns(ctx context.Context, subject string, n int) ([]string, error)

	// ClearTurns removes all stored turns for the subject
	ClearTurns(ctx context.Context, subject string) error
}
