package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
	"golang.org/x/time/rate"

	"github.com/npezzotti/go-ephemeral-chat/internal/types"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = (pongWait * 9) / 10
	// storeTimeout bounds the store and registry work done for one inbound frame.
	storeTimeout = 10 * time.Second
	sendBuffer   = 256
)

type sessionState int32

const (
	stateConnecting sessionState = iota
	stateAuthenticating
	stateJoined
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateAuthenticating:
		return "authenticating"
	case stateJoined:
		return "joined"
	default:
		return "closed"
	}
}

// Client is one websocket session. Read owns the inbound side and the session state;
// Write owns the connection's writer. They are joined by the send queue.
type Client struct {
	id         string
	roomId     string
	conn       *websocket.Conn
	chatServer *ChatServer
	log        zerolog.Logger
	limiter    *rate.Limiter

	state     atomic.Int32
	send      chan *ServerMessage
	stop      chan struct{}
	stopOnce  sync.Once
	leaveOnce sync.Once
}

func newSessionId() string {
	if id, err := shortid.Generate(); err == nil {
		return id
	}
	return Now().Format("20060102150405.000")
}

func NewClient(roomId string, conn *websocket.Conn, cs *ChatServer, l zerolog.Logger) *Client {
	c := &Client{
		id:         newSessionId(),
		roomId:     roomId,
		conn:       conn,
		chatServer: cs,
		send:       make(chan *ServerMessage, sendBuffer),
		stop:       make(chan struct{}),
	}
	c.log = l.With().Str("room_id", roomId).Str("session_id", c.id).Logger()
	c.limiter = newLimiter(cs.opts.RateLimit.Burst, cs.opts.RateLimit.Window)

	return c
}

func newLimiter(burst int, window time.Duration) *rate.Limiter {
	if burst <= 0 || window <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(burst)), burst)
}

func (c *Client) getState() sessionState {
	return sessionState(c.state.Load())
}

func (c *Client) setState(s sessionState) {
	c.state.Store(int32(s))
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Debug().Msg("write exiting")
	}()

	for {
		select {
		case msg := <-c.send:
			if msg.close != nil {
				c.sendClose(msg.close)
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Error().Err(err).Msg("failed to serialize message")
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		state := c.getState()
		c.cleanup()
		c.log.Debug().Stringer("state", state).Msg("read exiting")
	}()

	c.setState(stateAuthenticating)
	c.conn.SetReadLimit(c.chatServer.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.chatServer.opts.AuthTimeout))
	c.conn.SetPongHandler(func(string) error {
		if c.getState() == stateJoined {
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		switch c.getState() {
		case stateClosed:
			// waiting for the peer to acknowledge our close frame
			continue
		case stateAuthenticating:
			c.handleAuth(raw)
		case stateJoined:
			c.handleFrame(raw)
		}
	}
}

func (c *Client) logReadError(err error) {
	var netErr net.Error
	switch {
	case c.getState() == stateAuthenticating && errors.As(err, &netErr) && netErr.Timeout():
		c.log.Info().Msg("session did not join before the auth timeout")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
		websocket.CloseNormalClosure, CloseUnauthorized, CloseRoomNotFound):
		c.log.Warn().Err(err).Msg("read failed")
	}
}

// handleAuth processes the first frames of a session. Only a join is accepted; malformed
// frames are answered and the session keeps waiting until the auth timeout.
func (c *Client) handleAuth(raw []byte) {
	msg, err := parseClientMessage(raw)
	if err != nil {
		c.queueMessage(ErrInvalidMessage(idOf(msg), err.Error()))
		return
	}
	if msg.Join == nil {
		c.queueMessage(ErrInvalidMessage(msg.Id, "join required"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	members, err := c.chatServer.join(ctx, c, msg.Join)
	switch {
	case err == nil:
		c.setState(stateJoined)
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.log.Info().Int("members", members).Msg("joined room")
		c.queueMessage(NoErrOK(msg.Id, map[string]any{
			"room_id":    c.roomId,
			"session_id": c.id,
			"members":    members,
		}))
	case errors.Is(err, types.ErrNotFound):
		c.reject(ErrRoomNotFound(msg.Id), CloseRoomNotFound, "room not found")
	case errors.Is(err, types.ErrUnauthorized):
		c.reject(ErrUnauthorized(msg.Id), CloseUnauthorized, "unauthorized")
	default:
		c.log.Error().Err(err).Msg("join failed")
		c.reject(ErrInternalError(msg.Id), websocket.CloseInternalServerErr, "internal server error")
	}
}

func (c *Client) reject(resp *ServerMessage, code int, text string) {
	c.setState(stateClosed)
	c.log.Info().Int("code", code).Msg("rejecting session")
	c.queueMessage(resp)
	c.closeWith(code, text)
}

func (c *Client) handleFrame(raw []byte) {
	msg, err := parseClientMessage(raw)
	if err != nil {
		c.log.Debug().Err(err).Msg("dropping malformed frame")
		c.queueMessage(ErrInvalidMessage(idOf(msg), err.Error()))
		return
	}

	if msg.Join != nil {
		c.queueMessage(ErrInvalidMessage(msg.Id, types.ErrAlreadyJoined.Error()))
		return
	}

	if !c.limiter.Allow() {
		c.queueMessage(ErrRateLimited(msg.Id))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	stored, err := c.chatServer.publish(ctx, c, msg.Publish)
	switch {
	case err == nil:
		c.queueMessage(NoErrAccepted(msg.Id, stored))
	case errors.Is(err, types.ErrAlreadyClosed):
		c.log.Debug().Msg("dropping frame from a deregistered session")
	case errors.Is(err, types.ErrNotFound):
		c.leave()
		c.reject(ErrRoomNotFound(msg.Id), CloseRoomNotFound, "room not found")
	default:
		c.log.Error().Err(err).Msg("publish failed")
		c.queueMessage(ErrInternalError(msg.Id))
	}
}

func idOf(msg *ClientMessage) int {
	if msg == nil {
		return 0
	}
	return msg.Id
}

// queueMessage hands msg to the write loop without blocking. It fails if the queue is full.
func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Warn().Msg("failed to send message to client, channel is full")
		return false
	}

	return true
}

// closeWith queues a close frame behind the pending messages. If the queue is full the
// session is stopped without one.
func (c *Client) closeWith(code int, text string) {
	if !c.queueMessage(closeMessage(code, text)) {
		c.stopClient()
	}
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Warn().Err(err).Msg("write message")
		}
		return false
	}

	return true
}

func (c *Client) sendClose(f *closeFrame) {
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(f.code, f.text),
		time.Now().Add(writeWait),
	)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.log.Debug().Err(err).Msg("write close frame")
	}
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// leave deregisters the session from its room once, whatever the exit path.
func (c *Client) leave() {
	c.leaveOnce.Do(func() {
		c.chatServer.leave(c)
	})
}

func (c *Client) cleanup() {
	c.setState(stateClosed)
	c.leave()
	c.stopClient()
	c.chatServer.removeClient(c)
}
