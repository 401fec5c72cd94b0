package types

import (
	"time"
)

type Room struct {
	Id        string     `json:"room_id"`
	CreatedAt time.Time  `json:"created_at,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type Message struct {
	Id        int64     `json:"-"`
	RoomId    string    `json:"room_id,omitempty"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Type      string    `json:"type,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is the interchange shape used for chat export and import.
type Record struct {
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func (m Message) Record() Record {
	return Record{
		Username:  m.Username,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
}

func (r Record) Message(roomId string) Message {
	return Message{
		RoomId:    roomId,
		Username:  r.Username,
		Content:   r.Content,
		Timestamp: r.Timestamp,
	}
}
