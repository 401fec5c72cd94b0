package server

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/npezzotti/go-ephemeral-chat/internal/stats"
	"github.com/npezzotti/go-ephemeral-chat/internal/types"
)

// roomConns is the set of sessions joined to one room.
type roomConns struct {
	mu    sync.RWMutex
	conns map[*Client]struct{}
	// publishMu orders store appends with their broadcast.
	publishMu sync.Mutex
}

// Hub tracks which sessions are joined to which room and fans messages out to them.
// The hub lock guards the room and membership maps and is never held while delivering;
// snapshots and publishes take only the lock of the room concerned.
type Hub struct {
	log   zerolog.Logger
	stats stats.StatsProvider

	mu      sync.Mutex
	rooms   map[string]*roomConns
	members map[*Client]string
}

func NewHub(logger zerolog.Logger, st stats.StatsProvider) *Hub {
	return &Hub{
		log:     logger.With().Str("component", "hub").Logger(),
		stats:   st,
		rooms:   make(map[string]*roomConns),
		members: make(map[*Client]string),
	}
}

func (h *Hub) lookup(roomId string) *roomConns {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[roomId]
}

// Join registers c under roomId and returns the number of members afterwards. A session
// can be joined to one room at a time.
func (h *Hub) Join(roomId string, c *Client) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.members[c]; ok {
		return 0, types.ErrAlreadyJoined
	}

	rc, ok := h.rooms[roomId]
	if !ok {
		rc = &roomConns{conns: make(map[*Client]struct{})}
		h.rooms[roomId] = rc
		h.stats.Incr(stats.NumActiveRooms)
	}

	rc.mu.Lock()
	rc.conns[c] = struct{}{}
	n := len(rc.conns)
	rc.mu.Unlock()

	h.members[c] = roomId
	return n, nil
}

// Leave deregisters c from roomId. It reports whether c was registered there; leaving
// twice or leaving a room without members is a no-op.
func (h *Hub) Leave(roomId string, c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.members[c]; !ok || current != roomId {
		return false
	}
	delete(h.members, c)

	rc, ok := h.rooms[roomId]
	if !ok {
		return true
	}

	rc.mu.Lock()
	delete(rc.conns, c)
	empty := len(rc.conns) == 0
	rc.mu.Unlock()

	if empty {
		delete(h.rooms, roomId)
		h.stats.Decr(stats.NumActiveRooms)
	}

	return true
}

// Joined reports whether c is currently registered under roomId.
func (h *Hub) Joined(roomId string, c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	current, ok := h.members[c]
	return ok && current == roomId
}

// Members returns the number of sessions joined to roomId.
func (h *Hub) Members(roomId string) int {
	rc := h.lookup(roomId)
	if rc == nil {
		return 0
	}

	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return len(rc.conns)
}

func (rc *roomConns) snapshot() []*Client {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	clients := make([]*Client, 0, len(rc.conns))
	for c := range rc.conns {
		clients = append(clients, c)
	}
	return clients
}

// Broadcast queues msg for every session joined to roomId when the call starts, except
// msg.SkipClient. A session whose queue is full is removed and stopped; delivery to the
// others continues. It returns the number of sessions msg was queued for.
func (h *Hub) Broadcast(roomId string, msg *ServerMessage) int {
	rc := h.lookup(roomId)
	if rc == nil {
		return 0
	}

	return h.deliver(roomId, rc.snapshot(), msg)
}

func (h *Hub) deliver(roomId string, clients []*Client, msg *ServerMessage) int {
	delivered := 0
	for _, c := range clients {
		if c == msg.SkipClient {
			continue
		}

		if c.queueMessage(msg) {
			delivered++
			continue
		}

		h.log.Warn().
			Str("room_id", roomId).
			Str("session_id", c.id).
			Msg("dropping session that is not keeping up")
		h.Leave(roomId, c)
		c.stopClient()
	}

	return delivered
}

// Publish runs produce and broadcasts its result while holding the room's publish lock,
// so members receive messages in the order produce completed. If produce fails nothing
// is broadcast.
func (h *Hub) Publish(roomId string, produce func() (*ServerMessage, error)) (*ServerMessage, error) {
	rc := h.lookup(roomId)
	if rc == nil {
		return produce()
	}

	rc.publishMu.Lock()
	defer rc.publishMu.Unlock()

	msg, err := produce()
	if err != nil {
		return nil, err
	}

	h.deliver(roomId, rc.snapshot(), msg)
	return msg, nil
}

// CloseRoom deregisters every session of roomId and returns them.
func (h *Hub) CloseRoom(roomId string) []*Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	rc, ok := h.rooms[roomId]
	if !ok {
		return nil
	}
	delete(h.rooms, roomId)

	rc.mu.Lock()
	clients := make([]*Client, 0, len(rc.conns))
	for c := range rc.conns {
		clients = append(clients, c)
		delete(h.members, c)
	}
	rc.conns = make(map[*Client]struct{})
	rc.mu.Unlock()

	h.stats.Decr(stats.NumActiveRooms)
	return clients
}
