package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/driftchat/drift/internal/identity"
	"github.com/driftchat/drift/internal/moderation"
	"github.com/driftchat/drift/internal/profile"
	"github.com/driftchat/drift/internal/protocol"
	"github.com/driftchat/drift/internal/rtc"
	"github.com/driftchat/drift/internal/session"
	"github.com/driftchat/drift/internal/store"
)

// client binds one WebSocket connection to one session. Snapshot pushes
// arrive from the session's event goroutines; the write mutex keeps frames
// from interleaving.
type client struct {
	conn         net.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	sess         *session.Session

	// onMatch, when set, fires once per room this connection enters.
	onMatch func(roomID string)

	roomMu   sync.Mutex
	lastRoom string
}

func newClient(conn net.Conn, st store.Store, connector rtc.Connector, filter *moderation.Filter, provider identity.Provider, writeTimeout time.Duration) *client {
	c := &client{
		conn:         conn,
		writeTimeout: writeTimeout,
		sess:         session.New(st, provider, connector, filter),
	}
	c.sess.OnUpdate(func(snap session.Snapshot) {
		c.observeRoom(snap.RoomID)
		c.send(protocol.NewStateMsg(snap))
	})
	return c
}

// observeRoom fires the match hook on the first snapshot carrying a room id
// this connection has not seen.
func (c *client) observeRoom(roomID string) {
	if c.onMatch == nil || roomID == "" {
		return
	}
	c.roomMu.Lock()
	seen := c.lastRoom == roomID
	c.lastRoom = roomID
	c.roomMu.Unlock()
	if !seen {
		c.onMatch(roomID)
	}
}

// run starts the session and reads frames until the peer goes away. The
// connection going away is a leave: the session tears down the same way an
// explicit leave does.
func (c *client) run(ctx context.Context) {
	defer func() {
		c.sess.LeaveChat(ctx)
		c.conn.Close()
	}()

	if err := c.sess.Start(ctx); err != nil {
		log.Printf("[gateway] session start: %v", err)
		c.send(protocol.NewErrorMsg("auth_failed", "Authentication failed."))
		return
	}

	for {
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("[gateway] read user=%s: %v", c.sess.UserID(), err)
			}
			return
		}
		if op != ws.OpText {
			continue
		}
		c.handle(ctx, data)
	}
}

func (c *client) handle(ctx context.Context, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("[gateway] bad message user=%s: %v", c.sess.UserID(), err)
		c.send(protocol.NewErrorMsg("bad_message", "Could not parse message."))
		return
	}

	switch m := msg.(type) {
	case protocol.SearchMsg:
		in := profile.Input{
			Name:             m.Name,
			Age:              m.Age,
			Gender:           m.Gender,
			Location:         m.Location,
			GenderPreference: m.GenderPreference,
			Interests:        m.Interests,
			Video:            m.VideoEnabled,
		}
		if err := c.sess.StartSearching(ctx, in); err != nil {
			log.Printf("[gateway] search user=%s: %v", c.sess.UserID(), err)
			c.send(protocol.NewErrorMsg("search_failed", "Could not start the search."))
		}

	case protocol.MessageMsg:
		if err := c.sess.SendMessage(ctx, m.Text); err != nil {
			switch {
			case errors.Is(err, session.ErrNoActiveRoom):
				c.send(protocol.NewErrorMsg("no_active_room", "You are not in a chat."))
			default:
				// Rejected sends already surface through the snapshot's
				// transient error.
				log.Printf("[gateway] send user=%s: %v", c.sess.UserID(), err)
			}
		}

	case protocol.LeaveMsg:
		c.sess.LeaveChat(ctx)

	case protocol.BlockMsg:
		if err := c.sess.BlockUser(ctx); err != nil {
			log.Printf("[gateway] block user=%s: %v", c.sess.UserID(), err)
			c.send(protocol.NewErrorMsg("block_failed", "Could not block this user."))
		}

	case protocol.ReportMsg:
		if err := c.sess.ReportUser(ctx); err != nil {
			log.Printf("[gateway] report user=%s: %v", c.sess.UserID(), err)
			c.send(protocol.NewErrorMsg("report_failed", "Could not file the report."))
		}

	case protocol.ToggleAudioMsg:
		c.sess.ToggleLocalAudio()

	case protocol.ToggleVideoMsg:
		c.sess.ToggleLocalVideo()

	case protocol.PingMsg:
		c.send(protocol.PongMsg{Type: protocol.TypePong})

	default:
		log.Printf("[gateway] unhandled message type %q", msgType)
	}
}

// send marshals and writes one text frame. Failures are logged; a dead
// connection is detected by the read loop.
func (c *client) send(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[gateway] marshal push: %v", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := wsutil.WriteServerMessage(c.conn, ws.OpText, data); err != nil {
		log.Printf("[gateway] write: %v", err)
	}
}
