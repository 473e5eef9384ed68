// Package chat provides the ordered message channel of one room: filtered
// sends and a standing subscription that re-delivers the full ordered
// message list on every change.
package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/driftchat/drift/internal/listener"
	"github.com/driftchat/drift/internal/metrics"
	"github.com/driftchat/drift/internal/moderation"
	"github.com/driftchat/drift/internal/store"
)

// ErrMessageRejected is returned by Send when the banned-term filter
// matches. The message is not persisted.
var ErrMessageRejected = errors.New("chat: message contains inappropriate language")

// Message is one chat message as seen by the local user. Self relabels the
// sender by comparing ids; SentAt is the server-assigned timestamp in unix
// milliseconds.
type Message struct {
	ID       string `json:"id"`
	Text     string `json:"text"`
	SenderID string `json:"senderId"`
	Self     bool   `json:"self"`
	SentAt   int64  `json:"sentAt"`
}

// Channel is the message send/receive pair for one room.
type Channel struct {
	store  store.Store
	filter *moderation.Filter
	roomID string
	selfID string
}

// NewChannel creates a channel scoped to a room and the local identity.
func NewChannel(st store.Store, filter *moderation.Filter, roomID, selfID string) *Channel {
	return &Channel{store: st, filter: filter, roomID: roomID, selfID: selfID}
}

const chatRoomsCollection = "chatRooms"

func (c *Channel) collection() string {
	return store.Join(chatRoomsCollection, c.roomID, "messages")
}

// Open starts the inbound subscription, registered in reg. Every change to
// the room's message collection delivers the complete ordered list, oldest
// first, with each sender relabeled as self or other.
func (c *Channel) Open(ctx context.Context, reg *listener.Registry, onMessages func([]Message)) error {
	unsub, err := c.store.SubscribeQuery(ctx, store.Query{
		Collection: c.collection(),
		OrderBy:    "createdAt",
	}, func(docs []store.Document) {
		out := make([]Message, 0, len(docs))
		for _, doc := range docs {
			senderID := store.AsString(doc.Data["senderId"])
			out = append(out, Message{
				ID:       doc.ID,
				Text:     store.AsString(doc.Data["text"]),
				SenderID: senderID,
				Self:     senderID == c.selfID,
				SentAt:   store.AsInt64(doc.Data["createdAt"]),
			})
		}
		onMessages(out)
	})
	if err != nil {
		return fmt.Errorf("chat: subscribe messages: %w", err)
	}
	reg.Add(unsub)
	return nil
}

// Send screens text against the banned-term filter and appends the message
// with a server-assigned timestamp. A filter match returns
// ErrMessageRejected without writing anything.
func (c *Channel) Send(ctx context.Context, text string) error {
	if result := c.filter.Check(text); result.Blocked {
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		return ErrMessageRejected
	}

	_, err := c.store.Create(ctx, c.collection(), map[string]any{
		"text":      text,
		"senderId":  c.selfID,
		"createdAt": store.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("chat: send message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	return nil
}
