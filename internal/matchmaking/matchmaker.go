// Package matchmaking places a user in the shared waiting pool and pairs
// them with a partner: a tiered search waterfall over the pool for the
// active side, and an invitation inbox for the passive side. The output of
// either path is a room assignment with a negotiation role.
package matchmaking

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/driftchat/drift/internal/listener"
	"github.com/driftchat/drift/internal/metrics"
	"github.com/driftchat/drift/internal/moderation"
	"github.com/driftchat/drift/internal/profile"
	"github.com/driftchat/drift/internal/store"
)

const (
	waitingPoolCollection = "waitingPool"
	invitationsCollection = "invitations"
	chatRoomsCollection   = "chatRooms"

	// tierPageSize bounds each tier's candidate page.
	tierPageSize = 10
)

// Role is a side of the transport negotiation.
type Role string

const (
	// RoleCaller found the partner, created the room, and originates the offer.
	RoleCaller Role = "caller"
	// RoleCallee was found via invitation and originates the answer.
	RoleCallee Role = "callee"
)

// Match is a produced room assignment.
type Match struct {
	Role         Role
	RoomID       string
	PartnerID    string
	PartnerName  string
	VideoEnabled bool // room-level flag: either side asked for video
}

// Matchmaker runs pool entry and partner search for one user.
type Matchmaker struct {
	store    store.Store
	blockSet *moderation.BlockSet
	userID   string

	mu          sync.Mutex
	entryID     string // own waiting entry, "" when none
	inviteUnsub store.Unsubscribe
	claimed     bool // an invitation has been adopted
}

// New creates a matchmaker for an authenticated user.
func New(st store.Store, blockSet *moderation.BlockSet, userID string) *Matchmaker {
	return &Matchmaker{store: st, blockSet: blockSet, userID: userID}
}

// EnterPool writes the caller's waiting entry and runs the tier waterfall.
// If a candidate is accepted it returns the caller-side match. Otherwise it
// subscribes to the user's invitation inbox (registered in reg), returns
// nil, and fires onInvite once when an acceptable invitation arrives.
//
// A query failure is returned to the caller with the waiting entry left in
// place, so a retry can pick up where it left off.
func (m *Matchmaker) EnterPool(ctx context.Context, prof profile.Profile, reg *listener.Registry, onInvite func(Match)) (*Match, error) {
	m.mu.Lock()
	m.claimed = false
	m.mu.Unlock()

	entryID, err := m.store.Create(ctx, waitingPoolCollection, encodeEntry(m.userID, prof))
	if err != nil {
		return nil, fmt.Errorf("matchmaking: enter pool: %w", err)
	}
	m.mu.Lock()
	m.entryID = entryID
	m.mu.Unlock()

	candidate, tierName, err := m.search(ctx, prof)
	if err != nil {
		return nil, fmt.Errorf("matchmaking: search: %w", err)
	}

	if candidate != nil {
		match, err := m.claimCandidate(ctx, prof, *candidate)
		if err != nil {
			return nil, err
		}
		metrics.MatchesFound.WithLabelValues(tierName).Inc()
		return match, nil
	}

	if err := m.awaitInvitation(ctx, reg, onInvite); err != nil {
		return nil, err
	}
	return nil, nil
}

// LeavePool deletes the user's waiting entry if one exists. Best-effort:
// failures are logged and swallowed, teardown paths must not fail.
func (m *Matchmaker) LeavePool(ctx context.Context) {
	m.mu.Lock()
	entryID := m.entryID
	m.entryID = ""
	m.inviteUnsub = nil
	m.mu.Unlock()

	if entryID == "" {
		return
	}
	if err := m.store.Delete(ctx, store.Join(waitingPoolCollection, entryID)); err != nil {
		log.Printf("[matchmaking] delete waiting entry %s: %v", entryID, err)
	}
}

// claimCandidate runs the caller's match-accept sequence: create the room,
// deposit the invitation, then delete both waiting entries. The four writes
// are independent and not atomic; two users selecting each other
// concurrently can each create a room. This mirrors the source system and
// is documented as known behavior rather than papered over.
func (m *Matchmaker) claimCandidate(ctx context.Context, prof profile.Profile, cand poolEntry) (*Match, error) {
	videoEnabled := prof.VideoEnabled || cand.Profile.VideoEnabled

	roomID, err := m.store.Create(ctx, chatRoomsCollection, map[string]any{
		"participants": []string{m.userID, cand.UserID},
		"createdAt":    store.ServerTimestamp,
		"videoEnabled": videoEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("matchmaking: create room: %w", err)
	}

	err = m.store.Set(ctx, store.Join(invitationsCollection, cand.UserID), map[string]any{
		"roomId":     roomID,
		"fromUserId": m.userID,
		"createdAt":  store.ServerTimestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("matchmaking: write invitation: %w", err)
	}

	// Both deletes are best-effort; a failure orphans an entry but the
	// match stands.
	m.LeavePool(ctx)
	if err := m.store.Delete(ctx, store.Join(waitingPoolCollection, cand.EntryID)); err != nil {
		log.Printf("[matchmaking] delete partner entry %s: %v", cand.EntryID, err)
	}

	return &Match{
		Role:         RoleCaller,
		RoomID:       roomID,
		PartnerID:    cand.UserID,
		PartnerName:  cand.Profile.Name,
		VideoEnabled: videoEnabled,
	}, nil
}

// awaitInvitation subscribes to the single-slot invitation inbox. An
// invitation from a blocked user is discarded and the wait continues; any
// other invitation is adopted exactly once.
func (m *Matchmaker) awaitInvitation(ctx context.Context, reg *listener.Registry, onInvite func(Match)) error {
	unsub, err := m.store.SubscribeDoc(ctx, store.Join(invitationsCollection, m.userID), func(doc store.Document, exists bool) {
		if !exists {
			return
		}
		from := store.AsString(doc.Data["fromUserId"])
		roomID := store.AsString(doc.Data["roomId"])
		if from == "" || roomID == "" {
			return
		}

		invitationPath := store.Join(invitationsCollection, m.userID)
		if m.blockSet.Contains(from) {
			if err := m.store.Delete(ctx, invitationPath); err != nil {
				log.Printf("[matchmaking] discard invitation from %s: %v", from, err)
			}
			return
		}

		m.mu.Lock()
		if m.claimed {
			m.mu.Unlock()
			return
		}
		m.claimed = true
		unsubscribe := m.inviteUnsub
		m.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		if err := m.store.Delete(ctx, invitationPath); err != nil {
			log.Printf("[matchmaking] consume invitation: %v", err)
		}

		metrics.MatchesFound.WithLabelValues("invitation").Inc()
		onInvite(Match{Role: RoleCallee, RoomID: roomID, PartnerID: from})
	})
	if err != nil {
		return fmt.Errorf("matchmaking: subscribe invitations: %w", err)
	}

	m.mu.Lock()
	m.inviteUnsub = unsub
	m.mu.Unlock()
	reg.Add(unsub)
	return nil
}
