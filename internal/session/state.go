package session

import (
	"github.com/driftchat/drift/internal/chat"
	"github.com/driftchat/drift/internal/matchmaking"
	"github.com/driftchat/drift/internal/rtc"
	"github.com/driftchat/drift/internal/signaling"
)

// Phase names as exposed in snapshots.
const (
	PhaseIdle           = "idle"
	PhaseAuthenticating = "authenticating"
	PhaseReady          = "ready"
	PhaseSearching      = "searching"
	PhaseWaiting        = "waiting"
	PhaseMatchedCaller  = "matched_caller"
	PhaseMatchedCallee  = "matched_callee"
	PhaseConnected      = "connected"
	PhaseEnded          = "ended"
	PhaseError          = "error"
)

// Status strings surfaced to the user as the session moves through its
// phases.
const (
	statusAuthenticating = "Authenticating..."
	statusSearching      = "Searching for a partner..."
	statusWaiting        = "No one immediately available. Waiting for an invitation..."
	statusMatched        = "You have been matched!"
	statusPartnerLeft    = "Partner disconnected. Chat ended."
	statusEnded          = "Chat ended."
)

const errSearchFailed = "Something went wrong starting the search. Please try again."

// state is the session's tagged variant: exactly one variant is live at a
// time and each carries only the data valid for it. The interface is
// sealed to this package.
type state interface {
	phase() string
}

type idleState struct{}

type authenticatingState struct{}

type readyState struct{}

type searchingState struct{}

// waitingState is a search that found nobody and now holds an open
// invitation inbox subscription.
type waitingState struct{}

// matchedState holds the live room. connected flips once negotiation
// completes (immediately for text-only rooms).
type matchedState struct {
	room      *activeRoom
	connected bool
}

type endedState struct{}

type errorState struct{ reason string }

func (idleState) phase() string           { return PhaseIdle }
func (authenticatingState) phase() string { return PhaseAuthenticating }
func (readyState) phase() string          { return PhaseReady }
func (searchingState) phase() string      { return PhaseSearching }
func (waitingState) phase() string        { return PhaseWaiting }
func (endedState) phase() string          { return PhaseEnded }
func (errorState) phase() string          { return PhaseError }

func (m matchedState) phase() string {
	if m.connected {
		return PhaseConnected
	}
	if m.room.role == matchmaking.RoleCaller {
		return PhaseMatchedCaller
	}
	return PhaseMatchedCallee
}

// activeRoom is the per-room resource bundle torn down as a unit.
type activeRoom struct {
	id          string
	partnerID   string
	partnerName string
	role        matchmaking.Role

	channel *chat.Channel
	coord   *signaling.Coordinator // nil for text-only rooms
	media   rtc.MediaStream        // nil for text-only rooms

	remoteKinds []string // kinds of remote tracks received so far
}

// Snapshot is the complete observable state pushed to consumers. Every
// push carries the full snapshot; a stale delivery is superseded by the
// next one rather than merged.
type Snapshot struct {
	Phase        string         `json:"phase"`
	Status       string         `json:"status"`
	Error        string         `json:"error,omitempty"`
	RoomID       string         `json:"roomId,omitempty"`
	PartnerID    string         `json:"partnerId,omitempty"`
	PartnerName  string         `json:"partnerName,omitempty"`
	Messages     []chat.Message `json:"messages"`
	AudioEnabled bool           `json:"audioEnabled"`
	VideoEnabled bool           `json:"videoEnabled"`
	RemoteTracks []string       `json:"remoteTracks,omitempty"`
}
