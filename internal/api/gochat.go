package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/npezzotti/go-ephemeral-chat/internal/config"
	"github.com/npezzotti/go-ephemeral-chat/internal/types"
)

// maxUploadSize bounds chat and database uploads.
const maxUploadSize = 32 << 20

// ChatService is the chat server as seen by the HTTP layer.
type ChatService interface {
	CreateRoom(ctx context.Context, password string, ttl time.Duration) (types.Room, error)
	ImportRoom(ctx context.Context, password string, src io.Reader) (types.Room, error)
	JoinToken(ctx context.Context, roomId, password string) (string, error)
	VerifyToken(token, roomId string) error
	Room(ctx context.Context, roomId string) (types.Room, error)
	DeleteRoom(ctx context.Context, roomId string) error
	SetExpiry(ctx context.Context, roomId string, d time.Duration) (types.Room, error)
	RenameUser(ctx context.Context, roomId, newUsername string) (int64, error)
	Messages(ctx context.Context, roomId string) ([]types.Message, error)
	ImportMessages(ctx context.Context, roomId string, records []types.Record) ([]types.Message, error)
	Snapshot(ctx context.Context, roomId string, w io.Writer) (int64, error)
	ServeClient(conn *websocket.Conn, roomId string)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type GoChatApp struct {
	log            zerolog.Logger
	db             Pinger
	mux            *http.Server
	cs             ChatService
	allowedOrigins []string
}

func NewGoChatApp(mux *http.ServeMux, logger zerolog.Logger, cs ChatService, db Pinger, cfg *config.Config) *GoChatApp {
	s := &GoChatApp{
		log:            logger.With().Str("component", "api").Logger(),
		db:             db,
		cs:             cs,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/rooms", s.createRoom)
	mux.HandleFunc("POST /api/rooms/join", s.joinRoom)
	mux.HandleFunc("POST /api/rooms/import-database", s.importDatabase)
	mux.HandleFunc("GET /api/rooms/{roomId}", s.roomAuthMiddleware(s.getRoom))
	mux.HandleFunc("DELETE /api/rooms/{roomId}", s.roomAuthMiddleware(s.deleteRoom))
	mux.HandleFunc("POST /api/rooms/{roomId}/username", s.roomAuthMiddleware(s.changeUsername))
	mux.HandleFunc("POST /api/rooms/{roomId}/expiry", s.roomAuthMiddleware(s.setExpiry))
	mux.HandleFunc("GET /api/rooms/{roomId}/export", s.roomAuthMiddleware(s.exportChat))
	mux.HandleFunc("POST /api/rooms/{roomId}/import", s.roomAuthMiddleware(s.importChat))
	mux.HandleFunc("GET /api/rooms/{roomId}/database", s.roomAuthMiddleware(s.downloadDatabase))
	mux.HandleFunc("GET /ws/{roomId}", s.serveWs)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
	)(mux)

	h = handlers.CombinedLoggingHandler(s.log, h)
	h = s.errorHandler(h)

	s.mux = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *GoChatApp) Handler() http.Handler {
	return s.mux.Handler
}

func (s *GoChatApp) Start() error {
	s.log.Info().Str("addr", s.mux.Addr).Msg("starting server")
	if err := s.mux.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *GoChatApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	if err := s.mux.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "server shutdown")
	}

	return nil
}
