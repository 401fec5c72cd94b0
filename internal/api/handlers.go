package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/npezzotti/go-ephemeral-chat/internal/config"
	"github.com/npezzotti/go-ephemeral-chat/internal/transcript"
	"github.com/npezzotti/go-ephemeral-chat/internal/types"
)

const healthCheckTimeout = 2 * time.Second

type CreateRoomRequest struct {
	Password string `json:"password"`
	TTL      string `json:"ttl,omitempty"`
}

type JoinRoomRequest struct {
	RoomId   string `json:"roomId"`
	Password string `json:"password"`
}

type ChangeUsernameRequest struct {
	NewUsername string `json:"new_username"`
}

type SetExpiryRequest struct {
	Duration string `json:"duration"`
}

type RoomResponse struct {
	Success bool   `json:"success"`
	RoomId  string `json:"roomId"`
}

type JoinRoomResponse struct {
	Success bool   `json:"success"`
	RoomId  string `json:"roomId"`
	Token   string `json:"token"`
}

type ChangeUsernameResponse struct {
	Success bool  `json:"success"`
	Updated int64 `json:"updated"`
}

type ImportChatResponse struct {
	Success  bool            `json:"success"`
	Messages []types.Message `json:"messages"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

func (s *GoChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *GoChatApp) writeError(w http.ResponseWriter, r *http.Request, err error) {
	errResp := toApiError(err)
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}

	s.writeJson(w, errResp.StatusCode, errResp)
}

func decodeJson(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return types.Malformed("invalid request body: %v", err)
	}

	return nil
}

// parseDuration accepts a Go duration string. An empty string means no duration.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, types.Malformed("invalid duration %q", s)
	}

	return d, nil
}

// uploadedFile returns the multipart "file" part of r, bounded by maxUploadSize.
func uploadedFile(w http.ResponseWriter, r *http.Request) (io.ReadCloser, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, NewRequestTooLargeError()
		}
		return nil, types.Malformed("invalid multipart form: %v", err)
	}

	f, _, err := r.FormFile("file")
	if err != nil {
		return nil, types.Malformed("missing file")
	}

	return f, nil
}

func (s *GoChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.db.Ping(ctx); err != nil {
		s.log.Error().Err(err).Msg("health check failed")
		errResp := NewServiceUnavailableError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *GoChatApp) createRoom(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := decodeJson(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ttl, err := parseDuration(req.TTL)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	room, err := s.cs.CreateRoom(r.Context(), req.Password, ttl)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusCreated, RoomResponse{Success: true, RoomId: room.Id})
}

func (s *GoChatApp) joinRoom(w http.ResponseWriter, r *http.Request) {
	var req JoinRoomRequest
	if err := decodeJson(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if req.RoomId == "" || req.Password == "" {
		s.writeError(w, r, types.Malformed("room id and password are required"))
		return
	}

	token, err := s.cs.JoinToken(r.Context(), req.RoomId, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, JoinRoomResponse{
		Success: true,
		RoomId:  req.RoomId,
		Token:   token,
	})
}

func (s *GoChatApp) getRoom(w http.ResponseWriter, r *http.Request) {
	roomId, _ := RoomId(r.Context())

	room, err := s.cs.Room(r.Context(), roomId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

func (s *GoChatApp) deleteRoom(w http.ResponseWriter, r *http.Request) {
	roomId, _ := RoomId(r.Context())

	if err := s.cs.DeleteRoom(r.Context(), roomId); err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, SuccessResponse{Success: true})
}

func (s *GoChatApp) changeUsername(w http.ResponseWriter, r *http.Request) {
	roomId, _ := RoomId(r.Context())

	var req ChangeUsernameRequest
	if err := decodeJson(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	updated, err := s.cs.RenameUser(r.Context(), roomId, req.NewUsername)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, ChangeUsernameResponse{Success: true, Updated: updated})
}

func (s *GoChatApp) setExpiry(w http.ResponseWriter, r *http.Request) {
	roomId, _ := RoomId(r.Context())

	var req SetExpiryRequest
	if err := decodeJson(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	d, err := parseDuration(req.Duration)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	room, err := s.cs.SetExpiry(r.Context(), roomId, d)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, room)
}

func (s *GoChatApp) exportChat(w http.ResponseWriter, r *http.Request) {
	roomId, _ := RoomId(r.Context())

	format := transcript.FormatText
	if raw := r.URL.Query().Get("format"); raw != "" {
		f, err := transcript.ParseFormat(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		format = f
	}

	msgs, err := s.cs.Messages(r.Context(), roomId)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := transcript.Encode(&buf, format, msgs); err != nil {
		s.writeError(w, r, err)
		return
	}

	writeAttachment(w, format.ContentType(), format.Filename(roomId), buf.Bytes())
}

func (s *GoChatApp) importChat(w http.ResponseWriter, r *http.Request) {
	roomId, _ := RoomId(r.Context())

	format := transcript.FormatJSON
	if raw := r.URL.Query().Get("format"); raw != "" {
		f, err := transcript.ParseFormat(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		format = f
	}

	file, err := uploadedFile(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer file.Close()

	records, err := transcript.Decode(file, format)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	msgs, err := s.cs.ImportMessages(r.Context(), roomId, records)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusOK, ImportChatResponse{Success: true, Messages: msgs})
}

func (s *GoChatApp) downloadDatabase(w http.ResponseWriter, r *http.Request) {
	roomId, _ := RoomId(r.Context())

	var buf bytes.Buffer
	if _, err := s.cs.Snapshot(r.Context(), roomId, &buf); err != nil {
		s.writeError(w, r, err)
		return
	}

	writeAttachment(w, "application/vnd.sqlite3", fmt.Sprintf("chat_%s.db", roomId), buf.Bytes())
}

func (s *GoChatApp) importDatabase(w http.ResponseWriter, r *http.Request) {
	file, err := uploadedFile(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer file.Close()

	room, err := s.cs.ImportRoom(r.Context(), r.FormValue("password"), file)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJson(w, http.StatusCreated, RoomResponse{Success: true, RoomId: room.Id})
}

func writeAttachment(w http.ResponseWriter, contentType, filename string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *GoChatApp) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		// non-browser clients send no origin
		return true
	}

	if slices.Contains(s.allowedOrigins, "*") {
		return true
	}

	normalized, ok := config.NormalizeOrigin(origin)
	if !ok {
		return false
	}

	return slices.Contains(s.allowedOrigins, normalized)
}

func (s *GoChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	roomId := r.PathValue("roomId")

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("room_id", roomId).Msg("error upgrading connection")
		return
	}

	s.cs.ServeClient(conn, roomId)
}
