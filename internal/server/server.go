package server

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/npezzotti/go-ephemeral-chat/internal/auth"
	"github.com/npezzotti/go-ephemeral-chat/internal/config"
	"github.com/npezzotti/go-ephemeral-chat/internal/stats"
	"github.com/npezzotti/go-ephemeral-chat/internal/types"
)

// RoomRegistry is the room lifecycle the chat server relies on.
type RoomRegistry interface {
	CreateRoom(ctx context.Context, password string, ttl time.Duration) (types.Room, error)
	ImportRoom(ctx context.Context, password string, src io.Reader) (types.Room, error)
	Room(ctx context.Context, id string) (types.Room, error)
	Authenticate(ctx context.Context, id, password string) error
	SetExpiry(ctx context.Context, id string, d time.Duration) (types.Room, error)
	DeleteRoom(ctx context.Context, id string) error
	ExpiredRooms(ctx context.Context) ([]string, error)
}

// MessageStore holds the message log of every room.
type MessageStore interface {
	Open(ctx context.Context, id string) error
	Append(ctx context.Context, id, username, content string, ts time.Time) (types.Message, error)
	ListAll(ctx context.Context, id string) ([]types.Message, error)
	RenameUser(ctx context.Context, id, newUsername string) (int64, error)
	ImportMessages(ctx context.Context, id string, msgs []types.Message) (int, error)
	Snapshot(ctx context.Context, id string, w io.Writer) (int64, error)
}

type Options struct {
	MaxMessageSize  int64
	AuthTimeout     time.Duration
	RateLimit       config.RateLimitConfig
	JanitorInterval time.Duration
	TokenExpiration time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxMessageSize:  cfg.MaxMessageSize,
		AuthTimeout:     cfg.AuthTimeout,
		RateLimit:       cfg.RateLimit,
		JanitorInterval: cfg.JanitorInterval,
		TokenExpiration: auth.DefaultTokenExpiration,
	}
}

func (o *Options) setDefaults() {
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = config.DefaultMaxMessageSize
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = config.DefaultAuthTimeout
	}
	if o.JanitorInterval <= 0 {
		o.JanitorInterval = config.DefaultJanitorInterval
	}
	if o.TokenExpiration <= 0 {
		o.TokenExpiration = auth.DefaultTokenExpiration
	}
}

// ChatServer ties the room registry, the room stores and the hub together and owns the
// websocket sessions.
type ChatServer struct {
	log      zerolog.Logger
	registry RoomRegistry
	store    MessageStore
	tokens   *auth.TokenIssuer
	hub      *Hub
	stats    stats.StatsProvider
	opts     Options

	clientsLock sync.Mutex
	clients     map[*Client]struct{}
	closing     bool
	wg          sync.WaitGroup
}

func NewChatServer(logger zerolog.Logger, registry RoomRegistry, store MessageStore, tokens *auth.TokenIssuer,
	st stats.StatsProvider, opts Options) *ChatServer {
	opts.setDefaults()

	return &ChatServer{
		log:      logger,
		registry: registry,
		store:    store,
		tokens:   tokens,
		hub:      NewHub(logger, st),
		stats:    st,
		opts:     opts,
		clients:  make(map[*Client]struct{}),
	}
}

func (cs *ChatServer) CreateRoom(ctx context.Context, password string, ttl time.Duration) (types.Room, error) {
	return cs.registry.CreateRoom(ctx, password, ttl)
}

func (cs *ChatServer) ImportRoom(ctx context.Context, password string, src io.Reader) (types.Room, error) {
	return cs.registry.ImportRoom(ctx, password, src)
}

// JoinToken authenticates password against the room and issues a room access token.
func (cs *ChatServer) JoinToken(ctx context.Context, roomId, password string) (string, error) {
	if err := cs.registry.Authenticate(ctx, roomId, password); err != nil {
		return "", err
	}

	token, err := cs.tokens.Issue(roomId, cs.opts.TokenExpiration)
	if err != nil {
		return "", errors.Wrap(err, "issue room token")
	}

	return token, nil
}

// VerifyToken checks that token grants access to roomId.
func (cs *ChatServer) VerifyToken(token, roomId string) error {
	granted, err := cs.tokens.RoomId(token)
	if err != nil {
		return errors.Wrap(types.ErrUnauthorized, err.Error())
	}
	if granted != roomId {
		return errors.Wrapf(types.ErrUnauthorized, "token is not valid for room %q", roomId)
	}
	return nil
}

func (cs *ChatServer) Room(ctx context.Context, roomId string) (types.Room, error) {
	return cs.registry.Room(ctx, roomId)
}

// DeleteRoom deletes the room and its store, then tells its sessions and closes them.
func (cs *ChatServer) DeleteRoom(ctx context.Context, roomId string) error {
	if err := cs.registry.DeleteRoom(ctx, roomId); err != nil {
		return err
	}

	cs.closeRoom(roomId)
	return nil
}

func (cs *ChatServer) closeRoom(roomId string) {
	clients := cs.hub.CloseRoom(roomId)
	if len(clients) == 0 {
		return
	}

	cs.log.Info().Str("room_id", roomId).Int("sessions", len(clients)).Msg("closing sessions of deleted room")
	notice := roomDeletedNotification(roomId)
	for _, c := range clients {
		c.setState(stateClosed)
		c.queueMessage(notice)
		c.closeWith(CloseRoomNotFound, "room deleted")
	}
}

func (cs *ChatServer) SetExpiry(ctx context.Context, roomId string, d time.Duration) (types.Room, error) {
	return cs.registry.SetExpiry(ctx, roomId, d)
}

// RenameUser sets the username of every message in the room to newUsername.
func (cs *ChatServer) RenameUser(ctx context.Context, roomId, newUsername string) (int64, error) {
	if newUsername == "" {
		return 0, types.Malformed("new username is required")
	}
	if _, err := cs.registry.Room(ctx, roomId); err != nil {
		return 0, err
	}

	return cs.store.RenameUser(ctx, roomId, newUsername)
}

// Messages returns the room's messages in append order.
func (cs *ChatServer) Messages(ctx context.Context, roomId string) ([]types.Message, error) {
	if _, err := cs.registry.Room(ctx, roomId); err != nil {
		return nil, err
	}

	return cs.store.ListAll(ctx, roomId)
}

// ImportMessages appends records to the room as one batch and returns the room's messages.
func (cs *ChatServer) ImportMessages(ctx context.Context, roomId string, records []types.Record) ([]types.Message, error) {
	if _, err := cs.registry.Room(ctx, roomId); err != nil {
		return nil, err
	}

	msgs := make([]types.Message, 0, len(records))
	for _, rec := range records {
		msgs = append(msgs, rec.Message(roomId))
	}

	if _, err := cs.store.ImportMessages(ctx, roomId, msgs); err != nil {
		return nil, err
	}

	return cs.store.ListAll(ctx, roomId)
}

// Snapshot writes a copy of the room's database to w.
func (cs *ChatServer) Snapshot(ctx context.Context, roomId string, w io.Writer) (int64, error) {
	if _, err := cs.registry.Room(ctx, roomId); err != nil {
		return 0, err
	}

	return cs.store.Snapshot(ctx, roomId, w)
}

// join authenticates a session and registers it with the hub.
func (cs *ChatServer) join(ctx context.Context, c *Client, req *Join) (int, error) {
	switch {
	case req.Token != "":
		if err := cs.VerifyToken(req.Token, c.roomId); err != nil {
			return 0, err
		}
		if _, err := cs.registry.Room(ctx, c.roomId); err != nil {
			return 0, err
		}
	case req.Password != "":
		if err := cs.registry.Authenticate(ctx, c.roomId, req.Password); err != nil {
			return 0, err
		}
	default:
		return 0, errors.Wrap(types.ErrUnauthorized, "join requires a password or token")
	}

	if err := cs.store.Open(ctx, c.roomId); err != nil {
		return 0, err
	}

	members, err := cs.hub.Join(c.roomId, c)
	if err != nil {
		return 0, err
	}

	cs.hub.Broadcast(c.roomId, presenceNotification(c.roomId, c.id, true, members, c))
	return members, nil
}

// publish stores the message and broadcasts it to the other members of the room. A session
// the hub no longer knows gets ErrAlreadyClosed.
func (cs *ChatServer) publish(ctx context.Context, c *Client, p *Publish) (types.Message, error) {
	if !cs.hub.Joined(c.roomId, c) {
		return types.Message{}, types.ErrAlreadyClosed
	}

	out, err := cs.hub.Publish(c.roomId, func() (*ServerMessage, error) {
		stored, err := cs.store.Append(ctx, c.roomId, p.Username, p.Content, Now())
		if err != nil {
			return nil, err
		}
		stored.Type = p.Type
		return chatMessage(stored, c), nil
	})
	if err != nil {
		return types.Message{}, err
	}

	cs.stats.Incr(stats.NumMessages)
	return *out.Message, nil
}

func (cs *ChatServer) leave(c *Client) {
	if !cs.hub.Leave(c.roomId, c) {
		return
	}

	c.log.Info().Msg("left room")
	members := cs.hub.Members(c.roomId)
	cs.hub.Broadcast(c.roomId, presenceNotification(c.roomId, c.id, false, members, c))
}

// ServeClient runs a session for conn until it closes. It returns immediately; the
// session's loops run in their own goroutines.
func (cs *ChatServer) ServeClient(conn *websocket.Conn, roomId string) {
	c := NewClient(roomId, conn, cs, cs.log)

	cs.clientsLock.Lock()
	if cs.closing {
		cs.clientsLock.Unlock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	cs.clients[c] = struct{}{}
	cs.wg.Add(2)
	cs.clientsLock.Unlock()

	cs.stats.Incr(stats.NumActiveClients)
	c.log.Debug().Msg("session started")

	go func() {
		defer cs.wg.Done()
		c.Write()
	}()
	go func() {
		defer cs.wg.Done()
		c.Read()
	}()
}

func (cs *ChatServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; ok {
		delete(cs.clients, c)
		cs.stats.Decr(stats.NumActiveClients)
	}
}

// ReapExpired deletes every room whose expiry has passed and returns how many it deleted.
func (cs *ChatServer) ReapExpired(ctx context.Context) (int, error) {
	ids, err := cs.registry.ExpiredRooms(ctx)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, id := range ids {
		if err := cs.DeleteRoom(ctx, id); err != nil {
			cs.log.Error().Err(err).Str("room_id", id).Msg("failed to delete expired room")
			continue
		}
		cs.log.Info().Str("room_id", id).Msg("deleted expired room")
		deleted++
	}

	return deleted, nil
}

// RunJanitor deletes expired rooms every janitor interval until ctx is done.
func (cs *ChatServer) RunJanitor(ctx context.Context) error {
	ticker := time.NewTicker(cs.opts.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := cs.ReapExpired(ctx); err != nil {
				cs.log.Error().Err(err).Msg("janitor run failed")
			}
		}
	}
}

// Shutdown closes every session with CloseGoingAway and waits for them to exit or for
// ctx to be done. New sessions are refused once it has been called.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.clientsLock.Lock()
	cs.closing = true
	clients := make([]*Client, 0, len(cs.clients))
	for c := range cs.clients {
		clients = append(clients, c)
	}
	cs.clientsLock.Unlock()

	cs.log.Info().Int("sessions", len(clients)).Msg("shutting down chat server")
	for _, c := range clients {
		c.setState(stateClosed)
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		cs.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, c := range clients {
			c.stopClient()
		}
		return errors.Wrap(ctx.Err(), "waiting for sessions")
	}
}
