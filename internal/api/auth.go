package api

import (
	"context"
	"net/http"
	"strings"
)

const tokenQueryKey = "token"

type contextKey string

const roomIdKey contextKey = "room-id"

func WithRoomId(ctx context.Context, roomId string) context.Context {
	return context.WithValue(ctx, roomIdKey, roomId)
}

// RoomId returns the room a request was authorised for.
func RoomId(ctx context.Context) (string, bool) {
	roomId, ok := ctx.Value(roomIdKey).(string)

	return roomId, ok
}

// extractToken reads a room token from the Authorization header or the token query parameter.
func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, found := strings.Cut(h, " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}

	return r.URL.Query().Get(tokenQueryKey)
}

// roomAuthMiddleware admits requests carrying a token for the room named in the path.
func (s *GoChatApp) roomAuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomId := r.PathValue("roomId")
		token := extractToken(r)
		if token == "" {
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		if err := s.cs.VerifyToken(token, roomId); err != nil {
			s.log.Debug().Err(err).Str("room_id", roomId).Msg("rejected room token")
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		ctx := WithRoomId(r.Context(), roomId)
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(ctx))
	}
}
