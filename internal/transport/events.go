package transport

import (
	"context"
	"time"

	"github.com/tawhid3482/geniustutors-chat/types"
)

// Transport is the narrow surface the synchronizer drives. The live channel
// and the poller both implement it, so the store logic upstream is written
// once and never knows which delivery mechanism is underneath.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect()
	// Subscribe registers the single handler inbound events are dispatched
	// to. Must be called before Connect.
	Subscribe(handler func(Event))
	JoinConversation(conversationId string)
	LeaveConversation(conversationId string)
	SendMessage(conversationId, senderId, text, tempId string) error
	Connected() bool
}

// Event is the tagged union delivered to the subscriber. Exactly one field
// is non-nil per event.
type Event struct {
	Connected     *StatusChange
	Disconnected  *StatusChange
	ConnError     *ConnError
	Received      *types.Message
	Acked         *MessageSent
	Rejected      *MessageError
	Notified      *MessageNotification
	Conversations *ConversationList
}

type StatusChange struct {
	Timestamp time.Time
}

type ConnError struct {
	Err error
}

type MessageSent struct {
	TempId      string        `json:"temp_id"`
	RealMessage types.Message `json:"real_message"`
}

type MessageError struct {
	TempId string `json:"temp_id"`
	Error  string `json:"error"`
}

type MessageNotification struct {
	ConversationId string        `json:"conversation_id"`
	Message        types.Message `json:"message"`
}

// ConversationList is emitted by the polling transport when a list re-fetch
// completes; the live channel never produces it.
type ConversationList struct {
	Conversations []types.Conversation
}

// Wire frames. Both directions are pointer-field unions keyed by event
// name, so a malformed or unknown frame decodes to all-nil and is dropped
// instead of trusted.

type clientFrame struct {
	Timestamp time.Time      `json:"timestamp"`
	JoinUser  *joinUserFrame `json:"joinUser,omitempty"`
	Join      *joinFrame     `json:"joinConversation,omitempty"`
	Leave     *leaveFrame    `json:"leaveConversation,omitempty"`
	Send      *sendFrame     `json:"sendMessage,omitempty"`
}

type joinUserFrame struct {
	UserId string `json:"user_id"`
}

type joinFrame struct {
	ConversationId string `json:"conversation_id"`
}

type leaveFrame struct {
	ConversationId string `json:"conversation_id"`
}

type sendFrame struct {
	ConversationId string `json:"conversation_id"`
	SenderId       string `json:"sender_id"`
	Text           string `json:"text"`
	TempId         string `json:"temp_id"`
}

type serverFrame struct {
	Timestamp time.Time            `json:"timestamp"`
	Receive   *types.Message       `json:"receiveMessage,omitempty"`
	Sent      *MessageSent         `json:"messageSent,omitempty"`
	SendError *MessageError        `json:"messageError,omitempty"`
	Notify    *MessageNotification `json:"newMessageNotification,omitempty"`
}

func (f *serverFrame) empty() bool {
	return f.Receive == nil && f.Sent == nil && f.SendError == nil && f.Notify == nil
}
