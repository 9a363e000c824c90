package types

import (
	"time"
)

type User struct {
	Id     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
	Role   string `json:"role,omitempty"`
}

type Message struct {
	Id             string    `json:"id"`
	ConversationId string    `json:"conversation_id"`
	SenderId       string    `json:"sender_id"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"created_at"`
	// Sender carries the sender's display attributes so the caller can
	// render a message without the full participant list loaded.
	Sender *User `json:"sender,omitempty"`
}

// Pending reports whether the message is a local optimistic record
// that has not yet been confirmed by the server.
func (m Message) Pending() bool {
	return IsTempId(m.Id)
}

type Conversation struct {
	Id             string    `json:"id"`
	ParticipantIds []string  `json:"participant_ids"`
	Participants   []User    `json:"participants"`
	LastMessage    *Message  `json:"last_message,omitempty"`
	UnreadCount    int       `json:"unread_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}
