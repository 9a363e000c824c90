package chatsync

import (
	"fmt"
	"strings"
	"time"

	"github.com/tawhid3482/geniustutors-chat/types"
)

var (
	ErrEmptyMessage   = fmt.Errorf("message text is empty")
	ErrNoConversation = fmt.Errorf("no conversation is open")
	ErrNotConnected   = fmt.Errorf("not connected")
	ErrSendInFlight   = fmt.Errorf("a send is already in flight")
)

// Send runs the optimistic pipeline for the open conversation: the message
// appears in the local list immediately under a temporary id and is later
// either promoted to its server-confirmed record or rolled back with the
// error handed to the send-error handler. Exactly one outcome happens per
// accepted send.
//
// The busy flag is the pipeline's only mutual exclusion: a second send is
// refused while one is unresolved, because two in-flight temporary ids for
// the same control would double-post on a slow network. No automatic retry
// is attempted; resubmitting is the caller's call.
func (s *Syncer) Send(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyMessage
	}

	if !s.transport.Connected() {
		return "", ErrNotConnected
	}

	s.mu.Lock()
	if s.open == "" {
		s.mu.Unlock()
		return "", ErrNoConversation
	}
	if s.sendBusy {
		s.mu.Unlock()
		return "", ErrSendInFlight
	}

	conversationId := s.open
	tempId := types.NewTempId()
	s.sendBusy = true
	s.pending[tempId] = conversationId
	s.mu.Unlock()

	sender := s.currentUser
	optimistic := types.Message{
		Id:             tempId,
		ConversationId: conversationId,
		SenderId:       s.sess.UserId,
		Text:           text,
		CreatedAt:      time.Now(),
		Sender:         &sender,
	}
	s.messages.Append(conversationId, optimistic)
	s.stats.Incr("sends_attempted")

	if err := s.transport.SendMessage(conversationId, s.sess.UserId, text, tempId); err != nil {
		// emit failed outright, roll the optimistic record back
		s.messages.Remove(conversationId, tempId)
		s.finishSend(tempId)
		return "", err
	}

	return tempId, nil
}
