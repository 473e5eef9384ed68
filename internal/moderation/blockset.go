package moderation

import (
	"context"
	"fmt"
	"sync"

	"github.com/driftchat/drift/internal/store"
)

const usersCollection = "users"

// BlockSet is one user's set of blocked partner ids, persisted as documents
// under users/<uid>/blocked/<partnerId> and cached in memory for the match
// and invitation checks. Append-only: there is no unblock path.
type BlockSet struct {
	store  store.Store
	userID string

	mu      sync.Mutex
	blocked map[string]bool
}

// NewBlockSet creates an empty, unloaded block set for a user.
func NewBlockSet(st store.Store, userID string) *BlockSet {
	return &BlockSet{
		store:   st,
		userID:  userID,
		blocked: make(map[string]bool),
	}
}

func (b *BlockSet) collection() string {
	return store.Join(usersCollection, b.userID, "blocked")
}

// Load reads the persisted set into the in-memory cache. Called once after
// authentication, before any matching starts.
func (b *BlockSet) Load(ctx context.Context) error {
	docs, err := b.store.Query(ctx, store.Query{Collection: b.collection()})
	if err != nil {
		return fmt.Errorf("moderation: load block set: %w", err)
	}

	b.mu.Lock()
	for _, doc := range docs {
		b.blocked[doc.ID] = true
	}
	b.mu.Unlock()
	return nil
}

// Add blocks a partner id. Idempotent: re-blocking an already blocked id
// rewrites the same document and leaves the cache unchanged.
func (b *BlockSet) Add(ctx context.Context, partnerID string) error {
	err := b.store.Set(ctx, store.Join(b.collection(), partnerID), map[string]any{
		"timestamp": store.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("moderation: block %s: %w", partnerID, err)
	}

	b.mu.Lock()
	b.blocked[partnerID] = true
	b.mu.Unlock()
	return nil
}

// Contains reports whether an id is blocked.
func (b *BlockSet) Contains(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocked[id]
}
