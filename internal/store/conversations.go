package store

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/tawhid3482/geniustutors-chat/types"
)

// ConversationStore is the authoritative in-memory conversation list for a
// session. It merges updates from the hydration fetch, the live channel and
// the send pipeline, keeps the list ordered by recency and owns the unread
// bookkeeping.
type ConversationStore struct {
	currentUserId string
	log           *log.Logger

	mu            sync.RWMutex
	conversations map[string]*conversationEntry
	// nextSeq orders entries with equal UpdatedAt so re-sorting never
	// reshuffles a settled list.
	nextSeq int
}

type conversationEntry struct {
	conversation types.Conversation
	seq          int
}

func NewConversationStore(currentUserId string, logger *log.Logger) *ConversationStore {
	return &ConversationStore{
		currentUserId: currentUserId,
		log:           logger,
		conversations: make(map[string]*conversationEntry),
	}
}

// Hydrate replaces the full list with the server's view. Server-side unread
// counts are trusted as-is; UpdatedAt still never moves backward from a
// locally known value.
func (s *ConversationStore) Hydrate(conversations []types.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.conversations
	s.conversations = make(map[string]*conversationEntry, len(conversations))
	for _, conversation := range conversations {
		entry := &conversationEntry{conversation: conversation, seq: s.nextSeq}
		s.nextSeq++

		if old, ok := prev[conversation.Id]; ok {
			entry.seq = old.seq
			if conversation.UpdatedAt.Before(old.conversation.UpdatedAt) {
				entry.conversation.UpdatedAt = old.conversation.UpdatedAt
			}
		}

		s.conversations[conversation.Id] = entry
	}
}

// ApplyIncomingMessage folds a message from the live channel into its
// conversation. The unread count moves only when the conversation is not the
// one on screen and the sender is someone else. It returns false when the
// conversation is unknown, which callers treat as a cue to re-fetch the list
// rather than synthesize a record from a single message.
func (s *ConversationStore) ApplyIncomingMessage(message types.Message, isCurrentlyViewed bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.conversations[message.ConversationId]
	if !ok {
		s.log.Printf("message %q for unknown conversation %q", message.Id, message.ConversationId)
		return false
	}

	s.setLastMessage(entry, message)

	if !isCurrentlyViewed && message.SenderId != s.currentUserId {
		entry.conversation.UnreadCount++
	}

	return true
}

// ApplyConfirmedSend folds the server-confirmed copy of the user's own
// message into its conversation. It never touches the unread count.
func (s *ConversationStore) ApplyConfirmedSend(message types.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.conversations[message.ConversationId]
	if !ok {
		s.log.Printf("confirmed send for unknown conversation %q", message.ConversationId)
		return
	}

	s.setLastMessage(entry, message)
}

// MarkViewed resets a conversation's unread count. Calling it on an
// already-read conversation is a no-op.
func (s *ConversationStore) MarkViewed(conversationId string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.conversations[conversationId]; ok {
		entry.conversation.UnreadCount = 0
	}
}

// Conversations returns a snapshot ordered most-recently-updated first,
// ties broken by insertion order.
func (s *ConversationStore) Conversations() []types.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*conversationEntry, 0, len(s.conversations))
	for _, entry := range s.conversations {
		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.conversation.UpdatedAt.Equal(b.conversation.UpdatedAt) {
			return a.conversation.UpdatedAt.After(b.conversation.UpdatedAt)
		}
		return a.seq < b.seq
	})

	conversations := make([]types.Conversation, len(entries))
	for i, entry := range entries {
		conversations[i] = entry.conversation
	}

	return conversations
}

// Get returns a snapshot of a single conversation.
func (s *ConversationStore) Get(conversationId string) (types.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.conversations[conversationId]
	if !ok {
		return types.Conversation{}, false
	}

	return entry.conversation, true
}

func (s *ConversationStore) UnreadCount(conversationId string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if entry, ok := s.conversations[conversationId]; ok {
		return entry.conversation.UnreadCount
	}

	return 0
}

// setLastMessage updates the preview and bumps UpdatedAt without ever
// moving it backward. Must be called with mu held.
func (s *ConversationStore) setLastMessage(entry *conversationEntry, message types.Message) {
	copied := message
	entry.conversation.LastMessage = &copied

	updatedAt := message.CreatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	if updatedAt.After(entry.conversation.UpdatedAt) {
		entry.conversation.UpdatedAt = updatedAt
	}
}
