package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/npezzotti/go-ephemeral-chat/internal/auth"
	"github.com/npezzotti/go-ephemeral-chat/internal/config"
	"github.com/npezzotti/go-ephemeral-chat/internal/database"
	"github.com/npezzotti/go-ephemeral-chat/internal/registry"
	"github.com/npezzotti/go-ephemeral-chat/internal/roomstore"
	"github.com/npezzotti/go-ephemeral-chat/internal/stats"
	"github.com/npezzotti/go-ephemeral-chat/internal/testutil"
	"github.com/npezzotti/go-ephemeral-chat/internal/types"
)

const frameTimeout = 2 * time.Second

type testEnv struct {
	cs     *ChatServer
	stores *roomstore.Manager
	srv    *httptest.Server
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	dir := t.TempDir()
	logger := testutil.TestLogger(t)

	repo, err := database.NewRoomRepository("sqlite3", "file:"+filepath.Join(dir, "registry.db")+"?_busy_timeout=5000")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	require.NoError(t, repo.Migrate())

	stores, err := roomstore.NewManager(filepath.Join(dir, "rooms"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { stores.Close() })

	reg := registry.New(repo, stores, &auth.BcryptHasher{Cost: bcrypt.MinCost}, logger)
	cs := NewChatServer(logger, reg, stores, auth.NewTokenIssuer([]byte("test-signing-key")),
		stats.NewNopMockStatsUpdater(), opts)

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{roomId}", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cs.ServeClient(conn, r.PathValue("roomId"))
	})
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
		defer cancel()
		cs.Shutdown(ctx)
		srv.Close()
	})

	return &testEnv{cs: cs, stores: stores, srv: srv}
}

func (e *testEnv) createRoom(t *testing.T, password string) string {
	room, err := e.cs.CreateRoom(context.Background(), password, 0)
	require.NoError(t, err)
	return room.Id
}

func (e *testEnv) dial(t *testing.T, roomId string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/" + roomId
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err, "failed to dial")
	t.Cleanup(func() { conn.Close() })
	return conn
}

// join dials roomId, authenticates with password and waits for the join response.
func (e *testEnv) join(t *testing.T, roomId, password string) *websocket.Conn {
	conn := e.dial(t, roomId)
	send(t, conn, map[string]any{"id": 1, "join": map[string]any{"password": password}})
	res := readResponse(t, conn)
	require.Equal(t, http.StatusOK, res.Response.ResponseCode, "join failed: %s", res.Response.Error)
	return conn
}

type frame struct {
	Id           int            `json:"id"`
	Response     *Response      `json:"response"`
	Message      *types.Message `json:"message"`
	Notification *Notification  `json:"notification"`
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	conn.SetWriteDeadline(time.Now().Add(frameTimeout))
	require.NoError(t, conn.WriteJSON(v))
}

func publish(t *testing.T, conn *websocket.Conn, id int, username, content string) {
	send(t, conn, map[string]any{"id": id, "publish": map[string]any{"username": username, "content": content}})
}

func readFrame(t *testing.T, conn *websocket.Conn) (frame, error) {
	var f frame
	conn.SetReadDeadline(time.Now().Add(frameTimeout))
	err := conn.ReadJSON(&f)
	return f, err
}

// readUntil reads frames until match returns true, skipping the others.
func readUntil(t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	for {
		f, err := readFrame(t, conn)
		require.NoError(t, err)
		if match(f) {
			return f
		}
	}
}

func readResponse(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	return readUntil(t, conn, func(f frame) bool { return f.Response != nil })
}

func readMessage(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	return readUntil(t, conn, func(f frame) bool { return f.Message != nil })
}

// expectClose reads until the server closes the connection and returns the close code.
func expectClose(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	for {
		_, err := readFrame(t, conn)
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if assert.ErrorAs(t, err, &ce, "expected a close frame") {
			return ce.Code
		}
		return 0
	}
}

func TestSession_JoinAndBroadcast(t *testing.T) {
	env := newTestEnv(t, Options{})
	roomId := env.createRoom(t, "secret")

	wrong := env.dial(t, roomId)
	send(t, wrong, map[string]any{"id": 1, "join": map[string]any{"password": "wrong"}})
	res := readResponse(t, wrong)
	assert.Equal(t, http.StatusUnauthorized, res.Response.ResponseCode)
	assert.Equal(t, 1, res.Id)
	assert.Equal(t, CloseUnauthorized, expectClose(t, wrong))

	alice := env.join(t, roomId, "secret")
	bob := env.join(t, roomId, "secret")

	presence := readUntil(t, alice, func(f frame) bool { return f.Notification != nil })
	require.NotNil(t, presence.Notification.Presence)
	assert.True(t, presence.Notification.Presence.Present)
	assert.Equal(t, 2, presence.Notification.Presence.Members)

	publish(t, alice, 7, "alice", "hi")

	ack := readResponse(t, alice)
	assert.Equal(t, 7, ack.Id)
	assert.Equal(t, http.StatusAccepted, ack.Response.ResponseCode)
	data, ok := ack.Response.Data.(map[string]any)
	require.True(t, ok, "expected the stored message in the ack")
	assert.Equal(t, "hi", data["content"])

	got := readMessage(t, bob)
	assert.Equal(t, "alice", got.Message.Username)
	assert.Equal(t, "hi", got.Message.Content)
	assert.Equal(t, roomId, got.Message.RoomId)
	assert.Equal(t, MessageTypeText, got.Message.Type)

	msgs, err := env.cs.Messages(context.Background(), roomId)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0].Username)
	assert.Equal(t, "hi", msgs[0].Content)

	bob.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = bob.ReadMessage()
	assert.Error(t, err, "expected bob to receive the message exactly once")
}

func TestSession_UnknownRoom(t *testing.T) {
	env := newTestEnv(t, Options{})

	conn := env.dial(t, "no-such-room")
	send(t, conn, map[string]any{"id": 1, "join": map[string]any{"password": "secret"}})
	res := readResponse(t, conn)
	assert.Equal(t, http.StatusNotFound, res.Response.ResponseCode)
	assert.Equal(t, CloseRoomNotFound, expectClose(t, conn))
}

func TestSession_MalformedFramesAreDropped(t *testing.T) {
	env := newTestEnv(t, Options{})
	roomId := env.createRoom(t, "secret")

	conn := env.dial(t, roomId)
	send(t, conn, map[string]any{"id": 1, "publish": map[string]any{"username": "a", "content": "early"}})
	res := readResponse(t, conn)
	assert.Equal(t, http.StatusBadRequest, res.Response.ResponseCode, "expected publish before join to be rejected")

	send(t, conn, map[string]any{"id": 2, "join": map[string]any{"password": "secret"}})
	res = readResponse(t, conn)
	require.Equal(t, http.StatusOK, res.Response.ResponseCode)

	conn.SetWriteDeadline(time.Now().Add(frameTimeout))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	res = readResponse(t, conn)
	assert.Equal(t, http.StatusBadRequest, res.Response.ResponseCode)

	send(t, conn, map[string]any{"id": 3, "publish": map[string]any{"username": "alice"}})
	res = readResponse(t, conn)
	assert.Equal(t, 3, res.Id)
	assert.Equal(t, http.StatusBadRequest, res.Response.ResponseCode)

	send(t, conn, map[string]any{"id": 4, "join": map[string]any{"password": "secret"}})
	res = readResponse(t, conn)
	assert.Equal(t, http.StatusBadRequest, res.Response.ResponseCode, "expected a second join to be rejected")

	publish(t, conn, 5, "alice", "valid")
	res = readResponse(t, conn)
	assert.Equal(t, http.StatusAccepted, res.Response.ResponseCode, "expected the session to survive malformed frames")

	msgs, err := env.cs.Messages(context.Background(), roomId)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "expected malformed frames not to be stored")
	assert.Equal(t, "valid", msgs[0].Content)
}

func TestSession_TokenJoin(t *testing.T) {
	env := newTestEnv(t, Options{})
	roomId := env.createRoom(t, "secret")
	otherId := env.createRoom(t, "other")

	token, err := env.cs.JoinToken(context.Background(), roomId, "secret")
	require.NoError(t, err)

	_, err = env.cs.JoinToken(context.Background(), roomId, "wrong")
	assert.ErrorIs(t, err, types.ErrUnauthorized)

	conn := env.dial(t, roomId)
	send(t, conn, map[string]any{"id": 1, "join": map[string]any{"token": token}})
	res := readResponse(t, conn)
	assert.Equal(t, http.StatusOK, res.Response.ResponseCode)

	wrongRoom := env.dial(t, otherId)
	send(t, wrongRoom, map[string]any{"id": 1, "join": map[string]any{"token": token}})
	res = readResponse(t, wrongRoom)
	assert.Equal(t, http.StatusUnauthorized, res.Response.ResponseCode)

	empty := env.dial(t, roomId)
	send(t, empty, map[string]any{"id": 1, "join": map[string]any{}})
	res = readResponse(t, empty)
	assert.Equal(t, http.StatusUnauthorized, res.Response.ResponseCode)
}

func TestSession_DeleteRoomMidSession(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	roomId := env.createRoom(t, "secret")

	alice := env.join(t, roomId, "secret")
	bob := env.join(t, roomId, "secret")

	require.NoError(t, env.cs.DeleteRoom(ctx, roomId))

	for _, conn := range []*websocket.Conn{alice, bob} {
		f := readUntil(t, conn, func(f frame) bool {
			return f.Notification != nil && f.Notification.RoomDeleted != nil
		})
		assert.Equal(t, roomId, f.Notification.RoomDeleted.RoomId)
		assert.Equal(t, CloseRoomNotFound, expectClose(t, conn))
	}

	late := env.dial(t, roomId)
	send(t, late, map[string]any{"id": 1, "join": map[string]any{"password": "secret"}})
	res := readResponse(t, late)
	assert.Equal(t, http.StatusNotFound, res.Response.ResponseCode)

	_, err := env.stores.Append(ctx, roomId, "alice", "after", time.Now())
	assert.ErrorIs(t, err, types.ErrNotFound)

	assert.Eventually(t, func() bool { return env.cs.hub.Members(roomId) == 0 }, frameTimeout, 10*time.Millisecond)
}

func TestSession_PublishAfterStoreRemoved(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	roomId := env.createRoom(t, "secret")

	alice := env.join(t, roomId, "secret")

	// the store goes away without the hub hearing about it
	require.NoError(t, env.stores.Purge(ctx, roomId))

	publish(t, alice, 2, "alice", "hi")
	res := readResponse(t, alice)
	assert.Equal(t, http.StatusNotFound, res.Response.ResponseCode)
	assert.Equal(t, CloseRoomNotFound, expectClose(t, alice))

	assert.Eventually(t, func() bool { return env.cs.hub.Members(roomId) == 0 }, frameTimeout, 10*time.Millisecond,
		"expected the failed send to trigger leave")
}

func TestSession_ConcurrentPublish(t *testing.T) {
	env := newTestEnv(t, Options{RateLimit: config.RateLimitConfig{Burst: 1000, Window: time.Second}})
	roomId := env.createRoom(t, "secret")
	const perSender = 25

	senders := []string{"alice", "bob"}
	conns := make([]*websocket.Conn, len(senders))
	for i := range senders {
		conns[i] = env.join(t, roomId, "secret")
	}

	var wg sync.WaitGroup
	for i, name := range senders {
		wg.Add(1)
		go func(conn *websocket.Conn, name string) {
			defer wg.Done()
			for n := 0; n < perSender; n++ {
				conn.SetWriteDeadline(time.Now().Add(frameTimeout))
				err := conn.WriteJSON(map[string]any{
					"id":      n + 1,
					"publish": map[string]any{"username": name, "content": fmt.Sprintf("%d", n)},
				})
				if !assert.NoError(t, err) {
					return
				}
			}
			acks := 0
			for acks < perSender {
				var f frame
				conn.SetReadDeadline(time.Now().Add(frameTimeout))
				if !assert.NoError(t, conn.ReadJSON(&f)) {
					return
				}
				if f.Response != nil {
					assert.Equal(t, http.StatusAccepted, f.Response.ResponseCode)
					acks++
				}
			}
		}(conns[i], name)
	}
	wg.Wait()

	msgs, err := env.cs.Messages(context.Background(), roomId)
	require.NoError(t, err)
	require.Len(t, msgs, perSender*len(senders))

	next := map[string]int{}
	for _, msg := range msgs {
		assert.Equal(t, fmt.Sprintf("%d", next[msg.Username]), msg.Content,
			"expected each sender's messages exactly once and in order")
		next[msg.Username]++
	}
}

func TestSession_LeaveOnDisconnect(t *testing.T) {
	env := newTestEnv(t, Options{})
	roomId := env.createRoom(t, "secret")

	alice := env.join(t, roomId, "secret")
	bob := env.join(t, roomId, "secret")
	require.Equal(t, 2, env.cs.hub.Members(roomId))

	bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	bob.Close()

	f := readUntil(t, alice, func(f frame) bool {
		return f.Notification != nil && f.Notification.Presence != nil && !f.Notification.Presence.Present
	})
	assert.Equal(t, 1, f.Notification.Presence.Members)
	assert.Equal(t, 1, env.cs.hub.Members(roomId))
}

func TestSession_RateLimit(t *testing.T) {
	env := newTestEnv(t, Options{RateLimit: config.RateLimitConfig{Burst: 2, Window: time.Hour}})
	roomId := env.createRoom(t, "secret")
	conn := env.join(t, roomId, "secret")

	codes := make([]int, 0, 3)
	for i := 1; i <= 3; i++ {
		publish(t, conn, i, "alice", "spam")
		codes = append(codes, readResponse(t, conn).Response.ResponseCode)
	}
	assert.Equal(t, []int{http.StatusAccepted, http.StatusAccepted, http.StatusTooManyRequests}, codes)

	msgs, err := env.cs.Messages(context.Background(), roomId)
	require.NoError(t, err)
	assert.Len(t, msgs, 2, "expected the limited message to be dropped")
}

func TestSession_AuthTimeout(t *testing.T) {
	env := newTestEnv(t, Options{AuthTimeout: 100 * time.Millisecond})
	roomId := env.createRoom(t, "secret")

	conn := env.dial(t, roomId)
	_, err := readFrame(t, conn)
	assert.Error(t, err, "expected a silent session to be dropped")

	var ce *websocket.CloseError
	if assert.ErrorAs(t, err, &ce) {
		assert.Equal(t, websocket.CloseAbnormalClosure, ce.Code)
	}
}

func TestShutdown(t *testing.T) {
	env := newTestEnv(t, Options{})
	roomId := env.createRoom(t, "secret")
	alice := env.join(t, roomId, "secret")

	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- env.cs.Shutdown(ctx) }()

	assert.Equal(t, websocket.CloseGoingAway, expectClose(t, alice))
	assert.NoError(t, <-errCh)

	late := env.dial(t, roomId)
	assert.Equal(t, websocket.CloseGoingAway, expectClose(t, late), "expected new sessions to be refused")
}

func TestReapExpired(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	expiring, err := env.cs.CreateRoom(ctx, "secret", time.Millisecond)
	require.NoError(t, err)
	keep := env.createRoom(t, "secret")

	time.Sleep(10 * time.Millisecond)

	n, err := env.cs.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = env.cs.Room(ctx, expiring.Id)
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.False(t, env.stores.Exists(expiring.Id))

	_, err = env.cs.Room(ctx, keep)
	assert.NoError(t, err)
}

func TestRunJanitor(t *testing.T) {
	env := newTestEnv(t, Options{JanitorInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	room, err := env.cs.CreateRoom(ctx, "secret", time.Millisecond)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- env.cs.RunJanitor(ctx) }()

	assert.Eventually(t, func() bool { return !env.stores.Exists(room.Id) }, frameTimeout, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestChatServer_RoomOperations(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	roomId := env.createRoom(t, "secret")

	for _, user := range []string{"alice", "bob"} {
		_, err := env.stores.Append(ctx, roomId, user, "hello from "+user, time.Now())
		require.NoError(t, err)
	}

	n, err := env.cs.RenameUser(ctx, roomId, "carol")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	_, err = env.cs.RenameUser(ctx, roomId, "")
	assert.ErrorIs(t, err, types.ErrMalformedInput)
	_, err = env.cs.RenameUser(ctx, "no-such-room", "carol")
	assert.ErrorIs(t, err, types.ErrNotFound)

	msgs, err := env.cs.ImportMessages(ctx, roomId, []types.Record{
		{Username: "dave", Content: "imported", Timestamp: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "carol", msgs[0].Username)
	assert.Equal(t, "dave", msgs[2].Username)

	_, err = env.cs.Messages(ctx, "no-such-room")
	assert.ErrorIs(t, err, types.ErrNotFound)

	room, err := env.cs.SetExpiry(ctx, roomId, time.Hour)
	require.NoError(t, err)
	assert.NotNil(t, room.ExpiresAt)

	assert.NoError(t, env.cs.DeleteRoom(ctx, "no-such-room"), "expected deleting an unknown room to succeed")
}

func TestChatServer_PublishFromDeregisteredSession(t *testing.T) {
	env := newTestEnv(t, Options{})
	roomId := env.createRoom(t, "secret")

	c := newTestClient(t, "gone", 1)
	c.roomId = roomId

	_, err := env.cs.publish(context.Background(), c, &Publish{Username: "ghost", Content: "boo"})
	assert.ErrorIs(t, err, types.ErrAlreadyClosed)

	msgs, err := env.cs.Messages(context.Background(), roomId)
	require.NoError(t, err)
	assert.Empty(t, msgs, "expected nothing to be stored")
}
