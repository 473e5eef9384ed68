package store

import (
	"context"
	"sync"
	"testing"
	"time"
)

// waitFor polls until cond returns true or the deadline passes.
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

func TestMemory_CreateGetDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	id, err := m.Create(ctx, "rooms", map[string]any{"topic": "hiking"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id == "" {
		t.Fatal("Create returned empty id")
	}

	doc, ok, err := m.Get(ctx, Join("rooms", id))
	if err != nil || !ok {
		t.Fatalf("Get = ok %v, err %v", ok, err)
	}
	if doc.Data["topic"] != "hiking" {
		t.Errorf("topic = %v, want hiking", doc.Data["topic"])
	}

	if err := m.Delete(ctx, Join("rooms", id)); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := m.Get(ctx, Join("rooms", id)); ok {
		t.Error("document still present after Delete")
	}
}

func TestMemory_ServerTimestampsIncrease(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var stamps []int64
	for i := 0; i < 5; i++ {
		id, err := m.Create(ctx, "messages", map[string]any{"createdAt": ServerTimestamp})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		doc, _, _ := m.Get(ctx, Join("messages", id))
		stamps = append(stamps, AsInt64(doc.Data["createdAt"]))
	}

	for i := 1; i < len(stamps); i++ {
		if stamps[i] <= stamps[i-1] {
			t.Fatalf("stamp %d (%d) not greater than stamp %d (%d)",
				i, stamps[i], i-1, stamps[i-1])
		}
	}
}

func TestMemory_UpdateMergesFields(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.Set(ctx, "rooms/r1", map[string]any{"a": "1", "b": "2"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Update(ctx, "rooms/r1", map[string]any{"b": "3", "c": "4"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	doc, _, _ := m.Get(ctx, "rooms/r1")
	for field, want := range map[string]string{"a": "1", "b": "3", "c": "4"} {
		if got := AsString(doc.Data[field]); got != want {
			t.Errorf("field %s = %q, want %q", field, got, want)
		}
	}
}

func TestMemory_QueryFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	seed := []map[string]any{
		{"userId": "u1", "gender": "male", "interests": []string{"music", "chess"}},
		{"userId": "u2", "gender": "female", "interests": []string{"hiking"}},
		{"userId": "u3", "gender": "female", "interests": []string{"music"}},
	}
	for _, data := range seed {
		if _, err := m.Create(ctx, "waitingPool", data); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	tests := []struct {
		name    string
		query   Query
		wantIDs map[string]bool
	}{
		{
			"equal",
			Query{Collection: "waitingPool", Filters: []Filter{{Field: "gender", Op: OpEqual, Value: "female"}}},
			map[string]bool{"u2": true, "u3": true},
		},
		{
			"not equal",
			Query{Collection: "waitingPool", Filters: []Filter{{Field: "userId", Op: OpNotEqual, Value: "u1"}}},
			map[string]bool{"u2": true, "u3": true},
		},
		{
			"array contains any",
			Query{Collection: "waitingPool", Filters: []Filter{{Field: "interests", Op: OpArrayContainsAny, Value: []string{"music", "cooking"}}}},
			map[string]bool{"u1": true, "u3": true},
		},
		{
			"combined",
			Query{Collection: "waitingPool", Filters: []Filter{
				{Field: "gender", Op: OpEqual, Value: "female"},
				{Field: "interests", Op: OpArrayContainsAny, Value: []string{"music"}},
			}},
			map[string]bool{"u3": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs, err := m.Query(ctx, tt.query)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			got := make(map[string]bool)
			for _, doc := range docs {
				got[AsString(doc.Data["userId"])] = true
			}
			if len(got) != len(tt.wantIDs) {
				t.Fatalf("got users %v, want %v", got, tt.wantIDs)
			}
			for id := range tt.wantIDs {
				if !got[id] {
					t.Errorf("missing user %s in result", id)
				}
			}
		})
	}
}

func TestMemory_QueryOrderByAndLimit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for _, n := range []int64{30, 10, 20} {
		if _, err := m.Create(ctx, "messages", map[string]any{"createdAt": n}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	docs, err := m.Query(ctx, Query{Collection: "messages", OrderBy: "createdAt"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("got %d docs, want 3", len(docs))
	}
	for i, want := range []int64{10, 20, 30} {
		if got := AsInt64(docs[i].Data["createdAt"]); got != want {
			t.Errorf("docs[%d].createdAt = %d, want %d", i, got, want)
		}
	}

	docs, _ = m.Query(ctx, Query{Collection: "messages", OrderBy: "createdAt", Limit: 2})
	if len(docs) != 2 {
		t.Fatalf("limited query returned %d docs, want 2", len(docs))
	}
}

func TestMemory_SubscribeDoc(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var mu sync.Mutex
	var events []bool // exists flag per delivery
	unsub, err := m.SubscribeDoc(ctx, "invitations/u1", func(_ Document, exists bool) {
		mu.Lock()
		events = append(events, exists)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("SubscribeDoc: %v", err)
	}
	t.Cleanup(unsub)

	// Initial snapshot of a missing doc.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1 && !events[0]
	})

	if err := m.Set(ctx, "invitations/u1", map[string]any{"roomId": "r1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2 && events[1]
	})

	if err := m.Delete(ctx, "invitations/u1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3 && !events[2]
	})
}

func TestMemory_SubscribeQueryRedeliversFullSnapshot(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var mu sync.Mutex
	var last []Document
	var deliveries int
	unsub, err := m.SubscribeQuery(ctx, Query{Collection: "rooms/r1/messages", OrderBy: "createdAt"}, func(docs []Document) {
		mu.Lock()
		last = docs
		deliveries++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("SubscribeQuery: %v", err)
	}
	t.Cleanup(unsub)

	for i := 0; i < 3; i++ {
		if _, err := m.Create(ctx, "rooms/r1/messages", map[string]any{"createdAt": ServerTimestamp}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	// Every delivery is the complete current list, so eventually one
	// delivery carries all three.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(last) == 3
	})

	mu.Lock()
	for i := 1; i < len(last); i++ {
		if AsInt64(last[i].Data["createdAt"]) < AsInt64(last[i-1].Data["createdAt"]) {
			t.Error("snapshot not ordered by createdAt")
		}
	}
	mu.Unlock()
}

func TestMemory_SubscribeAdditionsOnlyAdds(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.Set(ctx, "rooms/r1/offerCandidates/c0", map[string]any{"candidate": "pre"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var mu sync.Mutex
	var added []string
	unsub, err := m.SubscribeAdditions(ctx, "rooms/r1/offerCandidates", func(doc Document) {
		mu.Lock()
		added = append(added, AsString(doc.Data["candidate"]))
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("SubscribeAdditions: %v", err)
	}
	t.Cleanup(unsub)

	// Pre-existing docs are delivered as initial additions.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(added) == 1 && added[0] == "pre"
	})

	if err := m.Set(ctx, "rooms/r1/offerCandidates/c1", map[string]any{"candidate": "new"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(added) == 2 && added[1] == "new"
	})

	// An update to an existing doc is not an addition.
	if err := m.Update(ctx, "rooms/r1/offerCandidates/c1", map[string]any{"candidate": "changed"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if len(added) != 2 {
		t.Errorf("update delivered as addition, got %v", added)
	}
	mu.Unlock()
}

func TestMemory_UnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var mu sync.Mutex
	var deliveries int
	unsub, err := m.SubscribeDoc(ctx, "invitations/u1", func(Document, bool) {
		mu.Lock()
		deliveries++
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("SubscribeDoc: %v", err)
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deliveries == 1
	})

	unsub()
	if err := m.Set(ctx, "invitations/u1", map[string]any{"roomId": "r1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	if deliveries != 1 {
		t.Errorf("received %d deliveries after unsubscribe, want 1", deliveries)
	}
	mu.Unlock()
}

func TestMemory_CallbackMayReenterStore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	done := make(chan struct{})
	unsub, err := m.SubscribeDoc(ctx, "invitations/u1", func(_ Document, exists bool) {
		if !exists {
			return
		}
		// Re-entering the store from a delivery callback must not
		// deadlock.
		if err := m.Delete(ctx, "invitations/u1"); err != nil {
			t.Errorf("Delete from callback: %v", err)
		}
		select {
		case <-done:
		default:
			close(done)
		}
	})
	if err != nil {
		t.Fatalf("SubscribeDoc: %v", err)
	}
	t.Cleanup(unsub)

	if err := m.Set(ctx, "invitations/u1", map[string]any{"roomId": "r1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("re-entrant callback did not complete")
	}
}
