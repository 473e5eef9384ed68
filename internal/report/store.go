// Package report provides PostgreSQL-backed archival of abuse reports.
// Reports are filed into the document store by the session; the moderator
// service copies them here with their conversation transcript so review
// outlives the ephemeral chat data.
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store manages archived abuse reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Report is a single archived abuse report.
type Report struct {
	ReportID   string
	ReporterID string
	ReportedID string
	RoomID     string
	FiledAt    time.Time
	Messages   []MessageEntry // conversation snapshot at filing time
}

// MessageEntry is one message in the transcript attached to a report.
type MessageEntry struct {
	SenderID string `json:"senderId"`
	Text     string `json:"text"`
	SentAt   int64  `json:"sentAt"`
}

// NewStore creates a report store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Archive inserts a report. The transcript is marshalled to JSONB.
// Re-archiving the same report id is a no-op, so the feed consumer can be
// safely redelivered to.
func (s *Store) Archive(ctx context.Context, report *Report) error {
	var messagesJSON []byte
	if len(report.Messages) > 0 {
		var err error
		messagesJSON, err = json.Marshal(report.Messages)
		if err != nil {
			return fmt.Errorf("report: marshal messages: %w", err)
		}
	}

	const query = `
		INSERT INTO abuse_reports (report_id, reporter_id, reported_id, room_id, filed_at, messages)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (report_id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		report.ReportID,
		report.ReporterID,
		report.ReportedID,
		report.RoomID,
		report.FiledAt,
		messagesJSON,
	)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of reports filed against a user within
// the given time window, for repeat-offender review.
func (s *Store) CountRecent(ctx context.Context, reportedID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE reported_id = $1
		  AND filed_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, reportedID, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("report: count recent: %w", err)
	}
	return count, nil
}
