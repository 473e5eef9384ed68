// Package session owns the lifecycle of one user's chat session: identity,
// search, match adoption, the live room, and every teardown path. All
// state lives behind one mutex; store and transport events arrive on their
// own goroutines and serialize through it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/driftchat/drift/internal/chat"
	"github.com/driftchat/drift/internal/identity"
	"github.com/driftchat/drift/internal/listener"
	"github.com/driftchat/drift/internal/matchmaking"
	"github.com/driftchat/drift/internal/metrics"
	"github.com/driftchat/drift/internal/moderation"
	"github.com/driftchat/drift/internal/profile"
	"github.com/driftchat/drift/internal/rtc"
	"github.com/driftchat/drift/internal/signaling"
	"github.com/driftchat/drift/internal/store"
)

const chatRoomsCollection = "chatRooms"

// ErrNoActiveRoom is returned by SendMessage outside of a live room.
var ErrNoActiveRoom = errors.New("session: no active chat room")

const defaultErrorClearDelay = 3 * time.Second

// Session is the per-user coordinator. Zero value is not usable; construct
// with New and call Start before anything else.
type Session struct {
	store     store.Store
	identity  identity.Provider
	connector rtc.Connector
	filter    *moderation.Filter

	mu    sync.Mutex
	ctx   context.Context
	state state

	userID     string
	blockSet   *moderation.BlockSet
	guard      *moderation.Guard
	matchmaker *matchmaking.Matchmaker

	registry     *listener.Registry
	pendingMedia rtc.MediaStream
	lastProfile  profile.Profile
	searchStart  time.Time
	messages     []chat.Message

	status string
	errMsg string
	errSeq int

	// epoch increments on every user-initiated transition; the rematch
	// goroutine scheduled by a room vanish only proceeds if the epoch it
	// captured is still current.
	epoch int

	errorClearDelay time.Duration
	onUpdate        func(Snapshot)
	reportNotify    func(reportID string)
}

// New creates an idle session.
func New(st store.Store, provider identity.Provider, connector rtc.Connector, filter *moderation.Filter) *Session {
	return &Session{
		store:           st,
		identity:        provider,
		connector:       connector,
		filter:          filter,
		state:           idleState{},
		errorClearDelay: defaultErrorClearDelay,
	}
}

// OnUpdate registers the snapshot push callback. The callback runs outside
// the session lock and may call back into the session.
func (s *Session) OnUpdate(fn func(Snapshot)) {
	s.mu.Lock()
	s.onUpdate = fn
	s.mu.Unlock()
}

// OnReportFiled registers the report fan-out hook, forwarded to the
// moderation guard when it is created. Must be called before Start.
func (s *Session) OnReportFiled(fn func(reportID string)) {
	s.mu.Lock()
	s.reportNotify = fn
	s.mu.Unlock()
}

// SetErrorClearDelay overrides how long a transient error stays visible.
func (s *Session) SetErrorClearDelay(d time.Duration) {
	s.mu.Lock()
	s.errorClearDelay = d
	s.mu.Unlock()
}

// Start establishes identity and loads the block list. Identity failure is
// fatal for the session; there is no retry path.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if _, ok := s.state.(idleState); !ok {
		s.mu.Unlock()
		return fmt.Errorf("session: already started")
	}
	s.ctx = ctx
	s.state = authenticatingState{}
	s.status = statusAuthenticating
	s.mu.Unlock()
	s.notify()

	userID, err := s.identity.Authenticate(ctx)
	if err != nil {
		s.fail("Authentication failed.")
		return fmt.Errorf("session: authenticate: %w", err)
	}

	blockSet := moderation.NewBlockSet(s.store, userID)
	if err := blockSet.Load(ctx); err != nil {
		s.fail("Authentication failed.")
		return fmt.Errorf("session: load block list: %w", err)
	}

	s.mu.Lock()
	s.userID = userID
	s.blockSet = blockSet
	s.guard = moderation.NewGuard(s.store, userID, blockSet)
	if s.reportNotify != nil {
		s.guard.OnReportFiled(s.reportNotify)
	}
	s.matchmaker = matchmaking.New(s.store, blockSet, userID)
	s.state = readyState{}
	s.status = ""
	s.mu.Unlock()
	s.notify()

	log.Printf("[session] started user=%s", userID)
	return nil
}

// UserID returns the authenticated identity, empty before Start completes.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// StartSearching normalizes the profile and enters the waiting pool.
func (s *Session) StartSearching(ctx context.Context, in profile.Input) error {
	return s.beginSearch(ctx, profile.Normalize(in))
}

func (s *Session) beginSearch(ctx context.Context, prof profile.Profile) error {
	s.mu.Lock()
	switch s.state.(type) {
	case readyState, endedState:
	default:
		phase := s.state.phase()
		s.mu.Unlock()
		return fmt.Errorf("session: cannot search while %s", phase)
	}
	s.epoch++
	s.lastProfile = prof
	s.errMsg = ""
	s.messages = nil
	s.registry = listener.NewRegistry()
	s.searchStart = time.Now()
	s.state = searchingState{}
	s.status = statusSearching
	reg := s.registry
	s.mu.Unlock()
	s.notify()
	metrics.SearchesStarted.Inc()

	// Local media is acquired up front so the transport session can carry
	// it from the first negotiation. Denied or unavailable media degrades
	// to a text-only session rather than aborting the search.
	media, err := s.connector.AcquireMedia(ctx, true, prof.VideoEnabled)
	if err != nil {
		log.Printf("[session] media unavailable, continuing text-only: %v", err)
		media = nil
	}
	s.mu.Lock()
	s.pendingMedia = media
	s.mu.Unlock()

	match, err := s.matchmaker.EnterPool(ctx, prof, reg, func(m matchmaking.Match) {
		s.adoptMatch(s.sessionContext(), m)
	})
	if err != nil {
		s.mu.Lock()
		if s.pendingMedia != nil {
			s.pendingMedia.Stop()
			s.pendingMedia = nil
		}
		s.state = readyState{}
		s.status = ""
		s.errMsg = errSearchFailed
		s.mu.Unlock()
		s.notify()
		return err
	}

	if match != nil {
		s.adoptMatch(ctx, *match)
		return nil
	}

	// Nobody acceptable in the pool right now; the invitation inbox
	// subscription is live. An invitation may already have been adopted
	// between EnterPool returning and this point.
	s.mu.Lock()
	if _, searching := s.state.(searchingState); searching {
		s.state = waitingState{}
		s.status = statusWaiting
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// adoptMatch moves the session into the room: message channel, room-vanish
// watch, and the transport negotiation when local media is available. Only
// a searching or waiting session adopts; anything else means the user left
// in the meantime and the match is dropped.
func (s *Session) adoptMatch(ctx context.Context, m matchmaking.Match) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state.(type) {
	case searchingState, waitingState:
	default:
		return
	}

	r := &activeRoom{
		id:          m.RoomID,
		partnerID:   m.PartnerID,
		partnerName: m.PartnerName,
		role:        m.Role,
	}
	reg := s.registry

	r.channel = chat.NewChannel(s.store, s.filter, r.id, s.userID)
	if err := r.channel.Open(ctx, reg, s.handleMessages); err != nil {
		log.Printf("[session] open message channel room=%s: %v", r.id, err)
	}

	roomID := r.id
	unsub, err := s.store.SubscribeDoc(ctx, store.Join(chatRoomsCollection, roomID), func(_ store.Document, exists bool) {
		if exists {
			return
		}
		s.handleRoomVanished(roomID)
	})
	if err != nil {
		log.Printf("[session] watch room %s: %v", roomID, err)
	} else {
		reg.Add(unsub)
	}

	media := s.pendingMedia
	s.pendingMedia = nil
	if media != nil {
		pc, err := s.connector.NewPeerConnection()
		if err != nil {
			log.Printf("[session] transport session room=%s: %v", r.id, err)
			media.Stop()
		} else {
			if err := pc.AddLocalMedia(media); err != nil {
				log.Printf("[session] attach local media room=%s: %v", r.id, err)
			}
			coord := signaling.New(s.store, pc, r.id, r.role, s.handleConnected, s.handleRemoteTrack)
			if err := coord.Start(ctx, reg); err != nil {
				// Degrade to text-only; the room stands.
				log.Printf("[session] signaling room=%s: %v", r.id, err)
				coord.Close()
				media.Stop()
			} else {
				r.coord = coord
				r.media = media
			}
		}
	}

	connected := r.coord == nil // text-only rooms connect immediately
	s.state = matchedState{room: r, connected: connected}
	s.status = statusMatched

	metrics.MatchDuration.Observe(time.Since(s.searchStart).Seconds())
	metrics.ActiveSessions.Inc()
	log.Printf("[session] matched user=%s room=%s role=%s", s.userID, r.id, r.role)

	go s.notify()
}

// LeaveChat ends whatever is in progress: an active room, a pending
// search, or a wait. The caller side deletes the room, which the partner
// observes as a vanish. Teardown is best-effort and always completes.
func (s *Session) LeaveChat(ctx context.Context) {
	s.mu.Lock()
	s.epoch++
	deleteRoom := false
	if m, ok := s.state.(matchedState); ok {
		deleteRoom = m.room.role == matchmaking.RoleCaller
	}
	s.teardownLocked(ctx, deleteRoom)
	s.state = endedState{}
	s.status = statusEnded
	s.errMsg = ""
	s.mu.Unlock()
	s.notify()
}

// SendMessage screens and appends a message to the live room. A filter
// rejection surfaces a transient error that clears on its own.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	s.mu.Lock()
	m, ok := s.state.(matchedState)
	if !ok {
		s.mu.Unlock()
		return ErrNoActiveRoom
	}
	ch := m.room.channel
	s.mu.Unlock()

	err := ch.Send(ctx, text)
	if errors.Is(err, chat.ErrMessageRejected) {
		s.raiseTransientError("Your message contains inappropriate language.")
	}
	return err
}

// BlockUser adds the current partner to the block list and ends the
// session. No-op without an active partner.
func (s *Session) BlockUser(ctx context.Context) error {
	s.mu.Lock()
	m, ok := s.state.(matchedState)
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if err := s.guard.Block(ctx, m.room.partnerID); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("session: block: %w", err)
	}
	s.endMatchLocked(ctx, m)
	s.mu.Unlock()
	s.notify()
	return nil
}

// ReportUser files a report carrying the full current message list as
// transcript and ends the session. No-op without an active partner.
func (s *Session) ReportUser(ctx context.Context) error {
	s.mu.Lock()
	m, ok := s.state.(matchedState)
	if !ok {
		s.mu.Unlock()
		return nil
	}
	transcript := make([]moderation.TranscriptEntry, 0, len(s.messages))
	for _, msg := range s.messages {
		transcript = append(transcript, moderation.TranscriptEntry{
			SenderID: msg.SenderID,
			Text:     msg.Text,
			SentAt:   msg.SentAt,
		})
	}
	if err := s.guard.Report(ctx, m.room.partnerID, m.room.id, transcript); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("session: report: %w", err)
	}
	metrics.ReportsFiled.Inc()
	s.endMatchLocked(ctx, m)
	s.mu.Unlock()
	s.notify()
	return nil
}

// endMatchLocked is the shared block/report exit: same teardown as a
// user-initiated leave.
func (s *Session) endMatchLocked(ctx context.Context, m matchedState) {
	s.epoch++
	s.teardownLocked(ctx, m.room.role == matchmaking.RoleCaller)
	s.state = endedState{}
	s.status = statusEnded
}

// ToggleLocalAudio flips the local audio track and returns the new
// enabled flag. False when there is no local media.
func (s *Session) ToggleLocalAudio() bool {
	return s.toggleMedia(func(m rtc.MediaStream) bool {
		enabled := !m.AudioEnabled()
		m.SetAudioEnabled(enabled)
		return enabled
	})
}

// ToggleLocalVideo flips the local video track and returns the new
// enabled flag. False when there is no local media.
func (s *Session) ToggleLocalVideo() bool {
	return s.toggleMedia(func(m rtc.MediaStream) bool {
		enabled := !m.VideoEnabled()
		m.SetVideoEnabled(enabled)
		return enabled
	})
}

func (s *Session) toggleMedia(flip func(rtc.MediaStream) bool) bool {
	s.mu.Lock()
	media := s.activeMediaLocked()
	if media == nil {
		s.mu.Unlock()
		return false
	}
	enabled := flip(media)
	s.mu.Unlock()
	s.notify()
	return enabled
}

func (s *Session) activeMediaLocked() rtc.MediaStream {
	if m, ok := s.state.(matchedState); ok && m.room.media != nil {
		return m.room.media
	}
	return s.pendingMedia
}

// Snapshot returns the current observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		Phase:    s.state.phase(),
		Status:   s.status,
		Error:    s.errMsg,
		Messages: append([]chat.Message(nil), s.messages...),
	}
	if m, ok := s.state.(matchedState); ok {
		snap.RoomID = m.room.id
		snap.PartnerID = m.room.partnerID
		snap.PartnerName = m.room.partnerName
		snap.RemoteTracks = append([]string(nil), m.room.remoteKinds...)
	}
	if media := s.activeMediaLocked(); media != nil {
		snap.AudioEnabled = media.AudioEnabled()
		snap.VideoEnabled = media.VideoEnabled()
	}
	return snap
}

// handleMessages receives the full relabeled message list on every change.
func (s *Session) handleMessages(msgs []chat.Message) {
	s.mu.Lock()
	if _, ok := s.state.(matchedState); !ok {
		s.mu.Unlock()
		return
	}
	s.messages = msgs
	s.mu.Unlock()
	s.notify()
}

// handleConnected fires once when signaling completes.
func (s *Session) handleConnected() {
	s.mu.Lock()
	if m, ok := s.state.(matchedState); ok && !m.connected {
		s.state = matchedState{room: m.room, connected: true}
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Session) handleRemoteTrack(track rtc.RemoteTrack) {
	s.mu.Lock()
	if m, ok := s.state.(matchedState); ok {
		m.room.remoteKinds = append(m.room.remoteKinds, track.Kind())
	}
	s.mu.Unlock()
	s.notify()
}

// handleRoomVanished runs when the room document disappears while the
// session is in it: the partner left. Teardown does not re-delete the
// room, and the search re-enters with the cached profile on a fresh
// goroutine so the rematch never runs inside the event callback that
// observed the vanish.
func (s *Session) handleRoomVanished(roomID string) {
	s.mu.Lock()
	m, ok := s.state.(matchedState)
	if !ok || m.room.id != roomID {
		s.mu.Unlock()
		return
	}
	prof := s.lastProfile
	epoch := s.epoch
	ctx := s.ctx
	s.teardownLocked(ctx, false)
	s.state = endedState{}
	s.status = statusPartnerLeft
	s.mu.Unlock()
	s.notify()

	go func() {
		s.mu.Lock()
		stale := s.epoch != epoch
		s.mu.Unlock()
		if stale {
			return
		}
		if err := s.beginSearch(ctx, prof); err != nil {
			log.Printf("[session] rematch: %v", err)
		}
	}()
}

// teardownLocked releases everything the current state holds: every
// subscription, local media, the transport session, the waiting entry, and
// optionally the room document. Every step is best-effort; teardown always
// runs to the end.
func (s *Session) teardownLocked(ctx context.Context, deleteRoom bool) {
	if s.registry != nil {
		s.registry.ReleaseAll()
	}
	if s.pendingMedia != nil {
		s.pendingMedia.Stop()
		s.pendingMedia = nil
	}

	if m, ok := s.state.(matchedState); ok {
		if m.room.media != nil {
			m.room.media.Stop()
		}
		if m.room.coord != nil {
			m.room.coord.Close()
		}
		metrics.ActiveSessions.Dec()
		if deleteRoom {
			if err := s.store.Delete(ctx, store.Join(chatRoomsCollection, m.room.id)); err != nil {
				log.Printf("[session] delete room %s: %v", m.room.id, err)
			}
		}
	}

	if s.matchmaker != nil {
		s.matchmaker.LeavePool(ctx)
	}
	s.messages = nil
}

func (s *Session) fail(reason string) {
	s.mu.Lock()
	s.state = errorState{reason: reason}
	s.status = ""
	s.errMsg = reason
	s.mu.Unlock()
	s.notify()
}

// raiseTransientError surfaces a user-visible error that clears itself
// after the configured delay unless a newer error replaced it.
func (s *Session) raiseTransientError(msg string) {
	s.mu.Lock()
	s.errSeq++
	seq := s.errSeq
	s.errMsg = msg
	delay := s.errorClearDelay
	s.mu.Unlock()
	s.notify()

	time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.errSeq != seq {
			s.mu.Unlock()
			return
		}
		s.errMsg = ""
		s.mu.Unlock()
		s.notify()
	})
}

func (s *Session) sessionContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

// notify pushes a fresh snapshot outside the lock.
func (s *Session) notify() {
	s.mu.Lock()
	snap := s.snapshotLocked()
	fn := s.onUpdate
	s.mu.Unlock()
	if fn != nil {
		fn(snap)
	}
}
