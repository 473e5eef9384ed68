package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/driftchat/drift/internal/identity"
	"github.com/driftchat/drift/internal/moderation"
	"github.com/driftchat/drift/internal/rtc"
	"github.com/driftchat/drift/internal/store"
)

type noMediaConnector struct{}

func (noMediaConnector) NewPeerConnection() (rtc.PeerConnection, error) {
	return nil, errors.New("no transport in tests")
}

func (noMediaConnector) AcquireMedia(context.Context, bool, bool) (rtc.MediaStream, error) {
	return nil, errors.New("no media in tests")
}

// wsClient drives the server side of a pipe the way a browser peer would:
// frames in, pushes collected by a background reader. Pipes are synchronous,
// so the reader must run for the whole test or server writes block.
type wsClient struct {
	conn net.Conn

	mu     sync.Mutex
	pushes []map[string]any
}

func dialTestClient(t *testing.T, userID string) *wsClient {
	t.Helper()

	serverEnd, clientEnd := net.Pipe()
	c := newClient(serverEnd, store.NewMemory(), noMediaConnector{}, moderation.NewFilter(), identity.Static(userID), 0)
	go c.run(context.Background())

	tc := &wsClient{conn: clientEnd}
	go tc.readLoop()
	t.Cleanup(func() { clientEnd.Close() })
	return tc
}

func (tc *wsClient) readLoop() {
	for {
		data, err := wsutil.ReadServerText(tc.conn)
		if err != nil {
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		tc.mu.Lock()
		tc.pushes = append(tc.pushes, msg)
		tc.mu.Unlock()
	}
}

func (tc *wsClient) write(t *testing.T, payload string) {
	t.Helper()
	if err := wsutil.WriteClientMessage(tc.conn, ws.OpText, []byte(payload)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

// waitPush polls for a received push matching the predicate.
func (tc *wsClient) waitPush(t *testing.T, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		tc.mu.Lock()
		for _, p := range tc.pushes {
			if match(p) {
				tc.mu.Unlock()
				return p
			}
		}
		tc.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected push never arrived")
	return nil
}

func pushType(p map[string]any) string {
	s, _ := p["type"].(string)
	return s
}

func snapshotPhase(p map[string]any) string {
	snap, _ := p["snapshot"].(map[string]any)
	phase, _ := snap["phase"].(string)
	return phase
}

func TestClient_PushesStateOnStart(t *testing.T) {
	tc := dialTestClient(t, "alice")

	tc.waitPush(t, func(p map[string]any) bool {
		return pushType(p) == "state" && snapshotPhase(p) == "ready"
	})
}

func TestClient_PingPong(t *testing.T) {
	tc := dialTestClient(t, "alice")
	tc.waitPush(t, func(p map[string]any) bool { return snapshotPhase(p) == "ready" })

	tc.write(t, `{"type":"ping"}`)
	tc.waitPush(t, func(p map[string]any) bool { return pushType(p) == "pong" })
}

func TestClient_SearchPushesWaiting(t *testing.T) {
	tc := dialTestClient(t, "alice")
	tc.waitPush(t, func(p map[string]any) bool { return snapshotPhase(p) == "ready" })

	tc.write(t, `{"type":"search","name":"Alice","age":25,"gender_preference":"any","interests":"music"}`)
	tc.waitPush(t, func(p map[string]any) bool { return snapshotPhase(p) == "waiting" })
}

func TestClient_BadMessage(t *testing.T) {
	tc := dialTestClient(t, "alice")
	tc.waitPush(t, func(p map[string]any) bool { return snapshotPhase(p) == "ready" })

	tc.write(t, `not json at all`)
	push := tc.waitPush(t, func(p map[string]any) bool { return pushType(p) == "error" })
	if code, _ := push["code"].(string); code != "bad_message" {
		t.Errorf("code = %q, want bad_message", code)
	}
}

func TestClient_MessageWithoutRoom(t *testing.T) {
	tc := dialTestClient(t, "alice")
	tc.waitPush(t, func(p map[string]any) bool { return snapshotPhase(p) == "ready" })

	tc.write(t, `{"type":"message","text":"hello"}`)
	push := tc.waitPush(t, func(p map[string]any) bool { return pushType(p) == "error" })
	if code, _ := push["code"].(string); code != "no_active_room" {
		t.Errorf("code = %q, want no_active_room", code)
	}
}
