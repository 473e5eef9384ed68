// Package rtc defines the narrow session-negotiation contract the
// coordinator drives: offer/answer creation, description exchange, candidate
// trickle, and remote-track arrival. Codec and network-traversal internals
// stay behind the implementation. Session description and candidate types
// are pion's, which keeps the wire shape identical to what browser peers
// produce.
package rtc

import (
	"context"

	"github.com/pion/webrtc/v3"
)

// RemoteTrack is an opaque handle to a remote media track.
type RemoteTrack interface {
	ID() string
	Kind() string // "audio" or "video"
}

// MediaStream is the local media handle. Enable flags implement the mute
// toggles; Stop releases the capture resources.
type MediaStream interface {
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	AudioEnabled() bool
	VideoEnabled() bool
	Stop()
}

// PeerConnection is one transport session. Close is idempotent.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error

	// RemoteDescription returns nil until SetRemoteDescription succeeds.
	// The signaling state machine uses this as its idempotence guard.
	RemoteDescription() *webrtc.SessionDescription

	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(fn func(candidate webrtc.ICECandidateInit))
	OnTrack(fn func(track RemoteTrack))

	AddLocalMedia(stream MediaStream) error
	Close() error
}

// Connector creates transport sessions and acquires local media.
type Connector interface {
	NewPeerConnection() (PeerConnection, error)

	// AcquireMedia requests local capture. Denied or unavailable media
	// returns an error; callers fall back to text-only.
	AcquireMedia(ctx context.Context, audio, video bool) (MediaStream, error)
}
