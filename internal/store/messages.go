package store

import (
	"log"
	"sync"
	"time"

	"github.com/tawhid3482/geniustutors-chat/types"
)

// MessageStore holds the per-conversation ordered message lists. Appends are
// idempotent by message id because the direct delivery path and the
// notification path can both hand over the same confirmed message.
type MessageStore struct {
	log *log.Logger

	mu    sync.RWMutex
	lists map[string][]types.Message
}

func NewMessageStore(logger *log.Logger) *MessageStore {
	return &MessageStore{
		log:   logger,
		lists: make(map[string][]types.Message),
	}
}

// Append adds a message to the end of its conversation's list. A message
// whose id is already present is dropped and Append returns false.
func (s *MessageStore) Append(conversationId string, message types.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOfLocked(conversationId, message.Id) >= 0 {
		s.log.Printf("dropping duplicate message %q in conversation %q", message.Id, conversationId)
		return false
	}

	s.lists[conversationId] = append(s.lists[conversationId], message)
	return true
}

// Replace swaps the message with oldId for newMessage in place. If oldId is
// gone (the list was cleared by a conversation switch) the new message is
// appended instead so a confirmed send is never lost.
func (s *MessageStore) Replace(conversationId, oldId string, newMessage types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOfLocked(conversationId, oldId)
	if idx < 0 {
		if s.indexOfLocked(conversationId, newMessage.Id) < 0 {
			s.lists[conversationId] = append(s.lists[conversationId], newMessage)
		}
		return
	}

	s.lists[conversationId][idx] = newMessage
}

// Remove deletes the message with the given id, if present.
func (s *MessageStore) Remove(conversationId, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOfLocked(conversationId, id)
	if idx < 0 {
		return
	}

	list := s.lists[conversationId]
	s.lists[conversationId] = append(list[:idx], list[idx+1:]...)
}

// ClearAndLoad replaces a conversation's list wholesale. Used when a
// conversation is opened so messages from the previously open conversation
// never bleed into the new view. Duplicate ids within the input collapse to
// their first occurrence.
func (s *MessageStore) ClearAndLoad(conversationId string, messages []types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]types.Message, 0, len(messages))
	seen := make(map[string]struct{}, len(messages))
	for _, message := range messages {
		if _, ok := seen[message.Id]; ok {
			continue
		}
		seen[message.Id] = struct{}{}
		list = append(list, message)
	}

	s.lists[conversationId] = list
}

// Clear drops a conversation's list entirely.
func (s *MessageStore) Clear(conversationId string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.lists, conversationId)
}

// Messages returns a snapshot of a conversation's list.
func (s *MessageStore) Messages(conversationId string) []types.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.lists[conversationId]
	snapshot := make([]types.Message, len(list))
	copy(snapshot, list)

	return snapshot
}

// ResolvePending matches a confirmed message against an outstanding
// optimistic one by sender and text within a time window, replacing it when
// found. The polling transport has no acknowledgment event tying a poll
// result to a local send, so this heuristic keeps a send from showing twice
// when a poll returns it before its own request resolves. Returns the
// temporary id that was replaced, if any.
func (s *MessageStore) ResolvePending(conversationId string, confirmed types.Message, window time.Duration) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.lists[conversationId]
	for i, message := range list {
		if !message.Pending() {
			continue
		}
		if message.SenderId != confirmed.SenderId || message.Text != confirmed.Text {
			continue
		}

		delta := confirmed.CreatedAt.Sub(message.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta > window {
			continue
		}

		tempId := message.Id
		list[i] = confirmed
		return tempId, true
	}

	return "", false
}

// indexOfLocked returns the position of a message id, or -1. Must be called
// with mu held.
func (s *MessageStore) indexOfLocked(conversationId, id string) int {
	for i, message := range s.lists[conversationId] {
		if message.Id == id {
			return i
		}
	}

	return -1
}
