package moderation

import (
	"context"
	"fmt"
	"log"

	"github.com/driftchat/drift/internal/store"
)

const reportsCollection = "reports"

// TranscriptEntry is one message in the conversation snapshot attached to a
// report.
type TranscriptEntry struct {
	SenderID string `json:"senderId"`
	Text     string `json:"text"`
	SentAt   int64  `json:"sentAt"`
}

// Guard performs the block and report operations for one user. Both end the
// session; the session owns that part, the guard owns the persistence.
type Guard struct {
	store    store.Store
	userID   string
	blockSet *BlockSet

	// notify, when set, announces a filed report (best-effort fan-out to
	// the archive pipeline). Failures are logged, never surfaced.
	notify func(reportID string)
}

// NewGuard creates a guard bound to a user and their block set.
func NewGuard(st store.Store, userID string, blockSet *BlockSet) *Guard {
	return &Guard{store: st, userID: userID, blockSet: blockSet}
}

// OnReportFiled registers the report fan-out hook.
func (g *Guard) OnReportFiled(fn func(reportID string)) {
	g.notify = fn
}

// BlockSet returns the guard's block set.
func (g *Guard) BlockSet() *BlockSet {
	return g.blockSet
}

// Block adds the partner to the block set. Idempotent.
func (g *Guard) Block(ctx context.Context, partnerID string) error {
	return g.blockSet.Add(ctx, partnerID)
}

// Report files a write-once abuse report carrying the full current message
// list as transcript.
func (g *Guard) Report(ctx context.Context, partnerID, roomID string, transcript []TranscriptEntry) error {
	messages := make([]any, 0, len(transcript))
	for _, entry := range transcript {
		messages = append(messages, map[string]any{
			"senderId": entry.SenderID,
			"text":     entry.Text,
			"sentAt":   entry.SentAt,
		})
	}

	reportID, err := g.store.Create(ctx, reportsCollection, map[string]any{
		"reportedUserId": partnerID,
		"reporterId":     g.userID,
		"timestamp":      store.ServerTimestamp,
		"roomId":         roomID,
		"messages":       messages,
	})
	if err != nil {
		return fmt.Errorf("moderation: file report: %w", err)
	}

	log.Printf("[moderation] report filed id=%s reported=%s", reportID, partnerID)
	if g.notify != nil {
		g.notify(reportID)
	}
	return nil
}
