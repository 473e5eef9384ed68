package matchmaking

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/driftchat/drift/internal/listener"
	"github.com/driftchat/drift/internal/moderation"
	"github.com/driftchat/drift/internal/profile"
	"github.com/driftchat/drift/internal/store"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func newMatchmaker(t *testing.T, st store.Store, userID string) *Matchmaker {
	t.Helper()
	bs := moderation.NewBlockSet(st, userID)
	if err := bs.Load(context.Background()); err != nil {
		t.Fatalf("load block set: %v", err)
	}
	return New(st, bs, userID)
}

func enterPoolDirect(t *testing.T, st store.Store, userID string, prof profile.Profile) string {
	t.Helper()
	id, err := st.Create(context.Background(), waitingPoolCollection, encodeEntry(userID, prof))
	if err != nil {
		t.Fatalf("seed pool entry: %v", err)
	}
	return id
}

func TestSearch_SharedInterestFoundAtTopTier(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	bob := profile.Profile{Name: "Bob", Age: 30, Interests: []string{"chess", "hiking"}, GenderPreference: "any"}
	enterPoolDirect(t, st, "bob", bob)

	m := newMatchmaker(t, st, "alice")
	alice := profile.Profile{Name: "Alice", Age: 25, Interests: []string{"hiking", "music"}, GenderPreference: "any"}

	cand, tierName, err := m.search(ctx, alice)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if cand == nil {
		t.Fatal("no candidate found")
	}
	if cand.UserID != "bob" {
		t.Errorf("candidate = %s, want bob", cand.UserID)
	}
	if tierName != "interest+gender" {
		t.Errorf("tier = %q, want interest+gender", tierName)
	}
}

func TestSearch_TierFallback(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		me         profile.Profile
		other      profile.Profile
		wantTier   string
		wantNobody bool
	}{
		{
			"shared interest incompatible preference falls to interest tier",
			profile.Profile{Gender: "male", GenderPreference: "female", Interests: []string{"hiking"}},
			profile.Profile{Gender: "male", GenderPreference: "any", Interests: []string{"hiking"}},
			"interest",
			false,
		},
		{
			"no shared interest compatible preference lands on gender tier",
			profile.Profile{Gender: "male", GenderPreference: "female", Interests: []string{"music"}},
			profile.Profile{Gender: "female", GenderPreference: "male", Interests: []string{"chess"}},
			"gender",
			false,
		},
		{
			"nothing in common lands on any tier",
			profile.Profile{Gender: "male", GenderPreference: "female", Interests: []string{"music"}},
			profile.Profile{Gender: "male", GenderPreference: "male", Interests: []string{"chess"}},
			"any",
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemory()
			enterPoolDirect(t, st, "other", tt.other)
			m := newMatchmaker(t, st, "me")

			cand, tierName, err := m.search(ctx, tt.me)
			if err != nil {
				t.Fatalf("search: %v", err)
			}
			if tt.wantNobody {
				if cand != nil {
					t.Fatalf("found %s, want nobody", cand.UserID)
				}
				return
			}
			if cand == nil {
				t.Fatal("no candidate found")
			}
			if tierName != tt.wantTier {
				t.Errorf("tier = %q, want %q", tierName, tt.wantTier)
			}
		})
	}
}

func TestSearch_NeverMatchesBlockedUser(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	enterPoolDirect(t, st, "mallory", profile.Profile{Interests: []string{"hiking"}, GenderPreference: "any"})

	bs := moderation.NewBlockSet(st, "alice")
	if err := bs.Load(ctx); err != nil {
		t.Fatalf("load block set: %v", err)
	}
	if err := bs.Add(ctx, "mallory"); err != nil {
		t.Fatalf("block: %v", err)
	}
	m := New(st, bs, "alice")

	cand, _, err := m.search(ctx, profile.Profile{Interests: []string{"hiking"}, GenderPreference: "any"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if cand != nil {
		t.Errorf("matched blocked user %s", cand.UserID)
	}
}

func TestSearch_NeverMatchesSelf(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	m := newMatchmaker(t, st, "alice")
	prof := profile.Profile{Interests: []string{"hiking"}, GenderPreference: "any"}
	enterPoolDirect(t, st, "alice", prof)

	cand, _, err := m.search(ctx, prof)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if cand != nil {
		t.Errorf("matched own entry as %s", cand.UserID)
	}
}

func TestEnterPool_ClaimsCandidate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	bobProf := profile.Profile{Name: "Bob", Age: 30, Interests: []string{"hiking", "chess"}, GenderPreference: "any"}
	enterPoolDirect(t, st, "bob", bobProf)

	m := newMatchmaker(t, st, "alice")
	reg := listener.NewRegistry()
	aliceProf := profile.Profile{Name: "Alice", Age: 25, Interests: []string{"music", "hiking"}, GenderPreference: "any", VideoEnabled: true}

	match, err := m.EnterPool(ctx, aliceProf, reg, func(Match) {})
	if err != nil {
		t.Fatalf("EnterPool: %v", err)
	}
	if match == nil {
		t.Fatal("no match returned")
	}
	if match.Role != RoleCaller {
		t.Errorf("role = %s, want caller", match.Role)
	}
	if match.PartnerID != "bob" {
		t.Errorf("partner = %s, want bob", match.PartnerID)
	}
	if match.PartnerName != "Bob" {
		t.Errorf("partner name = %q, want Bob", match.PartnerName)
	}
	if !match.VideoEnabled {
		t.Error("videoEnabled = false, want true (either side requested video)")
	}

	// The room exists with both participants.
	room, ok, err := st.Get(ctx, store.Join(chatRoomsCollection, match.RoomID))
	if err != nil || !ok {
		t.Fatalf("room missing: ok %v err %v", ok, err)
	}
	participants := store.AsStrings(room.Data["participants"])
	if len(participants) != 2 || participants[0] != "alice" || participants[1] != "bob" {
		t.Errorf("participants = %v, want [alice bob]", participants)
	}

	// Bob's invitation inbox holds the room assignment.
	inv, ok, err := st.Get(ctx, store.Join(invitationsCollection, "bob"))
	if err != nil || !ok {
		t.Fatalf("invitation missing: ok %v err %v", ok, err)
	}
	if got := store.AsString(inv.Data["roomId"]); got != match.RoomID {
		t.Errorf("invitation roomId = %q, want %q", got, match.RoomID)
	}
	if got := store.AsString(inv.Data["fromUserId"]); got != "alice" {
		t.Errorf("invitation fromUserId = %q, want alice", got)
	}

	// Both waiting entries are gone.
	entries, err := st.Query(ctx, store.Query{Collection: waitingPoolCollection})
	if err != nil {
		t.Fatalf("query pool: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("%d waiting entries remain, want 0", len(entries))
	}
}

func TestEnterPool_WaitsThenAdoptsInvitation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	m := newMatchmaker(t, st, "bob")
	reg := listener.NewRegistry()

	var mu sync.Mutex
	var got *Match
	match, err := m.EnterPool(ctx, profile.Profile{Name: "Bob", GenderPreference: "any"}, reg, func(inv Match) {
		mu.Lock()
		got = &inv
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("EnterPool: %v", err)
	}
	if match != nil {
		t.Fatalf("unexpected immediate match with %s", match.PartnerID)
	}

	// A caller deposits an invitation.
	if err := st.Set(ctx, store.Join(invitationsCollection, "bob"), map[string]any{
		"roomId":     "room-42",
		"fromUserId": "alice",
		"createdAt":  store.ServerTimestamp,
	}); err != nil {
		t.Fatalf("write invitation: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	})

	mu.Lock()
	defer mu.Unlock()
	if got.Role != RoleCallee {
		t.Errorf("role = %s, want callee", got.Role)
	}
	if got.RoomID != "room-42" {
		t.Errorf("roomId = %q, want room-42", got.RoomID)
	}
	if got.PartnerID != "alice" {
		t.Errorf("partner = %q, want alice", got.PartnerID)
	}

	// The invitation is consumed.
	if _, ok, _ := st.Get(ctx, store.Join(invitationsCollection, "bob")); ok {
		t.Error("invitation still present after adoption")
	}
}

func TestEnterPool_DiscardsBlockedInvitation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	bs := moderation.NewBlockSet(st, "alice")
	if err := bs.Load(ctx); err != nil {
		t.Fatalf("load block set: %v", err)
	}
	if err := bs.Add(ctx, "mallory"); err != nil {
		t.Fatalf("block: %v", err)
	}
	m := New(st, bs, "alice")
	reg := listener.NewRegistry()

	invited := false
	match, err := m.EnterPool(ctx, profile.Profile{Name: "Alice", GenderPreference: "any"}, reg, func(Match) {
		invited = true
	})
	if err != nil {
		t.Fatalf("EnterPool: %v", err)
	}
	if match != nil {
		t.Fatal("unexpected immediate match")
	}

	if err := st.Set(ctx, store.Join(invitationsCollection, "alice"), map[string]any{
		"roomId":     "room-13",
		"fromUserId": "mallory",
		"createdAt":  store.ServerTimestamp,
	}); err != nil {
		t.Fatalf("write invitation: %v", err)
	}

	// The blocked invitation is deleted and the wait continues.
	waitFor(t, func() bool {
		_, ok, _ := st.Get(ctx, store.Join(invitationsCollection, "alice"))
		return !ok
	})
	time.Sleep(50 * time.Millisecond)
	if invited {
		t.Error("blocked invitation was adopted")
	}

	// Alice's own waiting entry is untouched.
	entries, err := st.Query(ctx, store.Query{Collection: waitingPoolCollection})
	if err != nil {
		t.Fatalf("query pool: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("%d waiting entries, want 1", len(entries))
	}
}

// failingDeletes wraps a store and fails deletes on matching paths, for
// exercising the best-effort half of the match-accept sequence.
type failingDeletes struct {
	store.Store
	pathSubstring string
}

func (f *failingDeletes) Delete(ctx context.Context, path string) error {
	if strings.Contains(path, f.pathSubstring) {
		return errors.New("simulated delete failure")
	}
	return f.Store.Delete(ctx, path)
}

func TestClaim_PartnerEntryDeleteFailureDoesNotFailMatch(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()

	entryID := enterPoolDirect(t, mem, "bob", profile.Profile{Name: "Bob", Interests: []string{"hiking"}, GenderPreference: "any"})
	st := &failingDeletes{Store: mem, pathSubstring: entryID}

	m := newMatchmaker(t, st, "alice")
	reg := listener.NewRegistry()

	match, err := m.EnterPool(ctx, profile.Profile{Name: "Alice", Interests: []string{"hiking"}, GenderPreference: "any"}, reg, func(Match) {})
	if err != nil {
		t.Fatalf("EnterPool: %v", err)
	}
	if match == nil {
		t.Fatal("match failed because a best-effort delete failed")
	}
	if match.PartnerID != "bob" {
		t.Errorf("partner = %s, want bob", match.PartnerID)
	}
}

func TestLeavePool_RemovesOwnEntry(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	m := newMatchmaker(t, st, "alice")
	reg := listener.NewRegistry()

	if _, err := m.EnterPool(ctx, profile.Profile{Name: "Alice", GenderPreference: "any"}, reg, func(Match) {}); err != nil {
		t.Fatalf("EnterPool: %v", err)
	}

	entries, _ := st.Query(ctx, store.Query{Collection: waitingPoolCollection})
	if len(entries) != 1 {
		t.Fatalf("%d entries after EnterPool, want 1", len(entries))
	}

	m.LeavePool(ctx)
	entries, _ = st.Query(ctx, store.Query{Collection: waitingPoolCollection})
	if len(entries) != 0 {
		t.Errorf("%d entries after LeavePool, want 0", len(entries))
	}

	// Leaving again is harmless.
	m.LeavePool(ctx)
}
