package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/npezzotti/go-ephemeral-chat/internal/types"
)

// Application close codes sent when a session is rejected or its room goes away.
const (
	CloseUnauthorized = 4401
	CloseRoomNotFound = 4404
)

const (
	MessageTypeText  = "text"
	MessageTypeEmoji = "emoji"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Join    *Join    `json:"join,omitempty"`
	Publish *Publish `json:"publish,omitempty"`
}

// Join authenticates a session with the room password or a room token.
type Join struct {
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

type Publish struct {
	Username string `json:"username"`
	Content  string `json:"content"`
	Type     string `json:"type,omitempty"`
}

type ServerMessage struct {
	BaseMessage
	Response     *Response      `json:"response,omitempty"`
	Message      *types.Message `json:"message,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
	SkipClient   *Client        `json:"-"`
	// close asks the write loop to send a close frame and stop.
	close *closeFrame
}

type closeFrame struct {
	code int
	text string
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type Notification struct {
	Presence    *Presence    `json:"presence,omitempty"`
	RoomDeleted *RoomDeleted `json:"room_deleted,omitempty"`
}

type Presence struct {
	RoomId    string `json:"room_id"`
	SessionId string `json:"session_id"`
	Present   bool   `json:"present"`
	Members   int    `json:"members"`
}

type RoomDeleted struct {
	RoomId string `json:"room_id"`
}

func parseClientMessage(raw []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, types.Malformed("invalid json: %v", err)
	}

	switch {
	case msg.Join != nil && msg.Publish != nil:
		return &msg, types.Malformed("message has more than one kind")
	case msg.Join == nil && msg.Publish == nil:
		return &msg, types.Malformed("unknown message kind")
	case msg.Publish != nil:
		if msg.Publish.Username == "" || msg.Publish.Content == "" {
			return &msg, types.Malformed("publish requires username and content")
		}
		switch msg.Publish.Type {
		case "":
			msg.Publish.Type = MessageTypeText
		case MessageTypeText, MessageTypeEmoji:
		default:
			return &msg, types.Malformed("unknown message type %q", msg.Publish.Type)
		}
	}

	msg.Timestamp = Now()
	return &msg, nil
}

func serializeMessage(msg *ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func response(id, code int, errText string, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errText,
			Data:         data,
		},
	}
}

func NoErrOK(id int, data any) *ServerMessage {
	return response(id, http.StatusOK, "", data)
}

func NoErrAccepted(id int, data any) *ServerMessage {
	return response(id, http.StatusAccepted, "", data)
}

func ErrRoomNotFound(id int) *ServerMessage {
	return response(id, http.StatusNotFound, "room not found", nil)
}

func ErrUnauthorized(id int) *ServerMessage {
	return response(id, http.StatusUnauthorized, "invalid room password", nil)
}

func ErrInternalError(id int) *ServerMessage {
	return response(id, http.StatusInternalServerError, "internal server error", nil)
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return response(id, http.StatusServiceUnavailable, "service unavailable", nil)
}

func ErrRateLimited(id int) *ServerMessage {
	return response(id, http.StatusTooManyRequests, "rate limit exceeded", nil)
}

func ErrInvalidMessage(id int, reason string) *ServerMessage {
	if reason == "" {
		reason = "invalid message format"
	}
	if id < 0 {
		id = 0
	}
	return response(id, http.StatusBadRequest, reason, nil)
}

func chatMessage(msg types.Message, skip *Client) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Message:     &msg,
		SkipClient:  skip,
	}
}

func presenceNotification(roomId, sessionId string, present bool, members int, skip *Client) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			Presence: &Presence{
				RoomId:    roomId,
				SessionId: sessionId,
				Present:   present,
				Members:   members,
			},
		},
		SkipClient: skip,
	}
}

func roomDeletedNotification(roomId string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			RoomDeleted: &RoomDeleted{RoomId: roomId},
		},
	}
}

func closeMessage(code int, text string) *ServerMessage {
	return &ServerMessage{close: &closeFrame{code: code, text: text}}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
