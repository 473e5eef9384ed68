// Package signaling drives the offer/answer/candidate exchange for one room
// over the document store, as an explicit state machine per negotiation
// role. Duplicate snapshot deliveries are absorbed by guard predicates on
// each transition, never by assuming the store delivers anything exactly
// once.
package signaling

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v3"

	"github.com/driftchat/drift/internal/listener"
	"github.com/driftchat/drift/internal/matchmaking"
	"github.com/driftchat/drift/internal/rtc"
	"github.com/driftchat/drift/internal/store"
)

const chatRoomsCollection = "chatRooms"

// State is the coordinator's negotiation phase.
type State int

const (
	StateAwaitingLocalSetup State = iota
	StateAwaitingRemoteDescription
	StateAwaitingAnswer // caller only
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingLocalSetup:
		return "awaiting_local_setup"
	case StateAwaitingRemoteDescription:
		return "awaiting_remote_description"
	case StateAwaitingAnswer:
		return "awaiting_answer"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Coordinator is the per-room signaling state machine.
type Coordinator struct {
	store  store.Store
	pc     rtc.PeerConnection
	roomID string
	role   matchmaking.Role

	mu    sync.Mutex
	state State

	onConnected   func()
	onRemoteTrack func(rtc.RemoteTrack)
}

// New creates a coordinator for a room and role around an existing
// transport session. onConnected fires once when the machine reaches
// Connected; onRemoteTrack fires whenever a remote media track arrives,
// independent of the negotiation state.
func New(st store.Store, pc rtc.PeerConnection, roomID string, role matchmaking.Role, onConnected func(), onRemoteTrack func(rtc.RemoteTrack)) *Coordinator {
	return &Coordinator{
		store:         st,
		pc:            pc,
		roomID:        roomID,
		role:          role,
		state:         StateAwaitingLocalSetup,
		onConnected:   onConnected,
		onRemoteTrack: onRemoteTrack,
	}
}

// State returns the current negotiation phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) roomPath() string {
	return store.Join(chatRoomsCollection, c.roomID)
}

// localCandidates is the sub-collection this side appends to; the other
// side consumes it.
func (c *Coordinator) localCandidates() string {
	if c.role == matchmaking.RoleCaller {
		return store.Join(c.roomPath(), "offerCandidates")
	}
	return store.Join(c.roomPath(), "answerCandidates")
}

func (c *Coordinator) remoteCandidates() string {
	if c.role == matchmaking.RoleCaller {
		return store.Join(c.roomPath(), "answerCandidates")
	}
	return store.Join(c.roomPath(), "offerCandidates")
}

// Start wires the transport callbacks, opens the room and candidate
// subscriptions (registered in reg), and for the caller publishes the
// offer. Negotiation failures after this point are logged and degrade the
// connection; they do not end the session.
func (c *Coordinator) Start(ctx context.Context, reg *listener.Registry) error {
	c.pc.OnTrack(func(track rtc.RemoteTrack) {
		c.onRemoteTrack(track)
	})

	// Stream every locally generated candidate into our own role-tagged
	// sub-collection as it appears. Fire-and-forget: a lost candidate only
	// costs a connectivity option.
	c.pc.OnICECandidate(func(cand webrtc.ICECandidateInit) {
		if _, err := c.store.Create(ctx, c.localCandidates(), encodeCandidate(cand)); err != nil {
			log.Printf("[signaling] write candidate room=%s: %v", c.roomID, err)
		}
	})

	unsubCands, err := c.store.SubscribeAdditions(ctx, c.remoteCandidates(), func(doc store.Document) {
		c.handleRemoteCandidate(doc)
	})
	if err != nil {
		return fmt.Errorf("signaling: subscribe candidates: %w", err)
	}
	reg.Add(unsubCands)

	unsubRoom, err := c.store.SubscribeDoc(ctx, c.roomPath(), func(doc store.Document, exists bool) {
		if !exists {
			return // room teardown is the session's concern
		}
		c.handleRoomSnapshot(doc)
	})
	if err != nil {
		return fmt.Errorf("signaling: subscribe room: %w", err)
	}
	reg.Add(unsubRoom)

	if c.role == matchmaking.RoleCaller {
		if err := c.publishOffer(ctx); err != nil {
			return err
		}
	} else {
		c.mu.Lock()
		c.state = StateAwaitingRemoteDescription
		c.mu.Unlock()
	}
	return nil
}

// publishOffer runs the caller's local setup: create the offer, set it as
// local description, write it into the room's offer field exactly once.
func (c *Coordinator) publishOffer(ctx context.Context) error {
	offer, err := c.pc.CreateOffer()
	if err != nil {
		return fmt.Errorf("signaling: create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("signaling: set local offer: %w", err)
	}
	if err := c.store.Update(ctx, c.roomPath(), map[string]any{"offer": encodeDescription(offer)}); err != nil {
		return fmt.Errorf("signaling: publish offer: %w", err)
	}

	c.mu.Lock()
	c.state = StateAwaitingAnswer
	c.mu.Unlock()
	return nil
}

// handleRoomSnapshot applies a room document snapshot. The transition
// guards make repeated delivery of the same snapshot a no-op: the remote
// description is set at most once per session.
func (c *Coordinator) handleRoomSnapshot(doc store.Document) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == StateClosed || state == StateConnected {
		return
	}

	switch c.role {
	case matchmaking.RoleCaller:
		answer, ok := decodeDescription(doc.Data["answer"])
		if !ok || c.pc.RemoteDescription() != nil {
			return
		}
		if err := c.pc.SetRemoteDescription(answer); err != nil {
			log.Printf("[signaling] set remote answer room=%s: %v", c.roomID, err)
			return
		}
		c.transitionConnected()

	case matchmaking.RoleCallee:
		offer, ok := decodeDescription(doc.Data["offer"])
		if !ok || c.pc.RemoteDescription() != nil {
			return
		}
		if err := c.acceptOffer(offer); err != nil {
			log.Printf("[signaling] accept offer room=%s: %v", c.roomID, err)
			return
		}
		c.transitionConnected()
	}
}

// acceptOffer runs the callee's half: remote offer in, local answer out,
// answer written into the room's answer field.
func (c *Coordinator) acceptOffer(offer webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := c.pc.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if err := c.store.Update(context.Background(), c.roomPath(), map[string]any{"answer": encodeDescription(answer)}); err != nil {
		return fmt.Errorf("publish answer: %w", err)
	}
	return nil
}

func (c *Coordinator) transitionConnected() {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.mu.Unlock()
	c.onConnected()
}

func (c *Coordinator) handleRemoteCandidate(doc store.Document) {
	c.mu.Lock()
	closed := c.state == StateClosed
	c.mu.Unlock()
	if closed {
		return
	}

	cand, ok := decodeCandidate(doc.Data)
	if !ok {
		return
	}
	if err := c.pc.AddICECandidate(cand); err != nil {
		log.Printf("[signaling] add candidate room=%s: %v", c.roomID, err)
	}
}

// Close releases the transport session. Idempotent; the store
// subscriptions are released with the session's listener registry.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.mu.Unlock()

	if err := c.pc.Close(); err != nil {
		log.Printf("[signaling] close transport room=%s: %v", c.roomID, err)
	}
}
