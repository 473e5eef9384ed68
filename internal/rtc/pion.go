package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
)

// DefaultSTUNServers are used when no ICE configuration is supplied.
var DefaultSTUNServers = []string{
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// Pion is the pion/webrtc-backed Connector.
type Pion struct {
	config webrtc.Configuration
}

// NewPion builds a connector with the given STUN servers.
func NewPion(stunServers []string) *Pion {
	if len(stunServers) == 0 {
		stunServers = DefaultSTUNServers
	}
	return &Pion{
		config: webrtc.Configuration{
			ICEServers:           []webrtc.ICEServer{{URLs: stunServers}},
			ICECandidatePoolSize: 10,
		},
	}
}

func (p *Pion) NewPeerConnection() (PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(p.config)
	if err != nil {
		return nil, fmt.Errorf("rtc: new peer connection: %w", err)
	}
	return &pionConn{pc: pc}, nil
}

// AcquireMedia creates local sample tracks for the requested kinds. There is
// no capture hardware behind the coordinator; media producers write samples
// into the returned tracks and the enable flags gate that writing.
func (p *Pion) AcquireMedia(_ context.Context, audio, video bool) (MediaStream, error) {
	stream := &pionStream{audioEnabled: audio, videoEnabled: video}

	if audio {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "drift")
		if err != nil {
			return nil, fmt.Errorf("rtc: audio track: %w", err)
		}
		stream.tracks = append(stream.tracks, track)
	}
	if video {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "drift")
		if err != nil {
			return nil, fmt.Errorf("rtc: video track: %w", err)
		}
		stream.tracks = append(stream.tracks, track)
	}
	return stream, nil
}

type pionConn struct {
	pc        *webrtc.PeerConnection
	closeOnce sync.Once
}

func (c *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(nil)
}

func (c *pionConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(nil)
}

func (c *pionConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(desc)
}

func (c *pionConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

func (c *pionConn) RemoteDescription() *webrtc.SessionDescription {
	return c.pc.RemoteDescription()
}

func (c *pionConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return // end-of-candidates marker
		}
		fn(cand.ToJSON())
	})
}

func (c *pionConn) OnTrack(fn func(RemoteTrack)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(pionRemoteTrack{track})
	})
}

func (c *pionConn) AddLocalMedia(stream MediaStream) error {
	ps, ok := stream.(*pionStream)
	if !ok {
		return fmt.Errorf("rtc: stream was not created by this connector")
	}
	for _, track := range ps.tracks {
		if _, err := c.pc.AddTrack(track); err != nil {
			return fmt.Errorf("rtc: add track %s: %w", track.Kind(), err)
		}
	}
	return nil
}

func (c *pionConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.pc.Close()
	})
	return err
}

type pionRemoteTrack struct {
	track *webrtc.TrackRemote
}

func (t pionRemoteTrack) ID() string   { return t.track.ID() }
func (t pionRemoteTrack) Kind() string { return t.track.Kind().String() }

type pionStream struct {
	mu           sync.Mutex
	tracks       []*webrtc.TrackLocalStaticSample
	audioEnabled bool
	videoEnabled bool
	stopped      bool
}

func (s *pionStream) SetAudioEnabled(enabled bool) {
	s.mu.Lock()
	s.audioEnabled = enabled
	s.mu.Unlock()
}

func (s *pionStream) SetVideoEnabled(enabled bool) {
	s.mu.Lock()
	s.videoEnabled = enabled
	s.mu.Unlock()
}

func (s *pionStream) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioEnabled && !s.stopped
}

func (s *pionStream) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoEnabled && !s.stopped
}

func (s *pionStream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}
