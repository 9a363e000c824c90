// Package chatsync keeps a client's view of conversations and messages
// consistent across an initial REST fetch, live push delivery, optimistic
// local sends and a polling fallback. It owns the conversation and message
// stores for the lifetime of one authenticated session; callers create a
// Syncer on login and discard it on logout.
package chatsync

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tawhid3482/geniustutors-chat/internal/client"
	"github.com/tawhid3482/geniustutors-chat/internal/session"
	"github.com/tawhid3482/geniustutors-chat/internal/stats"
	"github.com/tawhid3482/geniustutors-chat/internal/store"
	"github.com/tawhid3482/geniustutors-chat/internal/transport"
	"github.com/tawhid3482/geniustutors-chat/types"
)

var metricNames = []string{
	"connects",
	"disconnects",
	"messages_received",
	"notifications",
	"polls",
	"refetches",
	"sends_attempted",
	"sends_confirmed",
	"sends_rejected",
}

// SendErrorHandler is invoked when the server rejects a send, after the
// optimistic message has been rolled back. Resubmitting is the caller's
// decision.
type SendErrorHandler func(tempId, conversationId, errMsg string)

type Syncer struct {
	cfg   *Config
	log   *log.Logger
	stats stats.StatsProvider

	sess        session.Session
	currentUser types.User

	api       client.ConversationService
	transport transport.Transport

	conversations *store.ConversationStore
	messages      *store.MessageStore

	onSendError SendErrorHandler

	mu         sync.Mutex
	open       string
	sendBusy   bool
	pending    map[string]string // temp id -> conversation id
	refetching bool
	stopped    bool
}

// NewSyncer builds a push-driven synchronizer for the given user. The
// credential may be empty while auth is still hydrating; the live channel
// stays down until both identity and credential are present.
func NewSyncer(cfg *Config, user types.User, credential string, logger *log.Logger, sp stats.StatsProvider) *Syncer {
	sess := session.New(user.Id, credential)
	api := client.NewHTTPConversationService(cfg.BaseURL, credential, logger)
	ch := transport.NewLiveChannel(cfg.WSURL, sess, logger, sp)

	return newSyncer(cfg, sess, user, api, ch, logger, sp)
}

// NewPollingSyncer builds a synchronizer over periodic re-fetch instead of
// push, for surfaces without a live channel. Store semantics are identical.
func NewPollingSyncer(cfg *Config, user types.User, credential string, logger *log.Logger, sp stats.StatsProvider) *Syncer {
	sess := session.New(user.Id, credential)
	api := client.NewHTTPConversationService(cfg.BaseURL, credential, logger)
	poller := transport.NewPoller(api, sess, cfg.ListPollInterval, cfg.MessagePollInterval, logger, sp)

	return newSyncer(cfg, sess, user, api, poller, logger, sp)
}

func newSyncer(cfg *Config, sess session.Session, user types.User, api client.ConversationService,
	tp transport.Transport, logger *log.Logger, sp stats.StatsProvider) *Syncer {
	for _, name := range metricNames {
		sp.RegisterMetric(name)
	}

	s := &Syncer{
		cfg:           cfg,
		log:           logger,
		stats:         sp,
		sess:          sess,
		currentUser:   user,
		api:           api,
		transport:     tp,
		conversations: store.NewConversationStore(sess.UserId, logger),
		messages:      store.NewMessageStore(logger),
		pending:       make(map[string]string),
	}
	tp.Subscribe(s.handleEvent)

	return s
}

// SetSendErrorHandler registers the rejection callback. Must be called
// before Start.
func (s *Syncer) SetSendErrorHandler(handler SendErrorHandler) {
	s.onSendError = handler
}

// Start hydrates the conversation list and brings the transport up. A
// failed hydration is not fatal: the store keeps its last-known-good state
// and live events for unknown conversations trigger an authoritative
// re-fetch.
func (s *Syncer) Start(ctx context.Context) error {
	conversations, err := s.api.ListConversations(ctx, s.sess.UserId)
	if err != nil {
		s.log.Println("hydrate conversations:", err)
	} else {
		s.conversations.Hydrate(conversations)
	}

	return s.transport.Connect(ctx)
}

// Stop tears the transport down. The syncer is not reusable afterwards.
func (s *Syncer) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.transport.Disconnect()
}

// OpenConversation switches the on-screen conversation: resets its unread
// count, moves room membership and reloads its history. Room switch and
// list clear happen before the fetch resolves, and a fetch that lands after
// another switch is discarded, so messages never bleed between views.
func (s *Syncer) OpenConversation(ctx context.Context, conversationId string) error {
	s.mu.Lock()
	s.open = conversationId
	s.mu.Unlock()

	s.conversations.MarkViewed(conversationId)
	s.transport.JoinConversation(conversationId)

	messages, err := s.api.ListMessages(ctx, conversationId)
	if err != nil {
		// the store keeps whatever it had; the caller may retry
		s.log.Println("load messages:", err)
		return err
	}

	s.mu.Lock()
	stillOpen := s.open == conversationId
	s.mu.Unlock()
	if !stillOpen {
		s.log.Printf("discarding stale history fetch for conversation %q", conversationId)
		return nil
	}

	s.messages.ClearAndLoad(conversationId, messages)

	return nil
}

// CloseConversation leaves the open conversation, if any.
func (s *Syncer) CloseConversation() {
	s.mu.Lock()
	open := s.open
	s.open = ""
	s.mu.Unlock()

	if open != "" {
		s.transport.LeaveConversation(open)
	}
}

// StartConversation resolves (or creates) the thread with another user and
// opens it.
func (s *Syncer) StartConversation(ctx context.Context, otherUserId string) (types.Conversation, error) {
	conversation, err := s.api.GetOrCreateConversation(ctx, s.sess.UserId, otherUserId)
	if err != nil {
		return types.Conversation{}, err
	}

	if _, ok := s.conversations.Get(conversation.Id); !ok {
		s.refetchConversations()
	}

	if err := s.OpenConversation(ctx, conversation.Id); err != nil {
		return conversation, err
	}

	return conversation, nil
}

// Conversations returns the recency-ordered conversation list snapshot.
func (s *Syncer) Conversations() []types.Conversation {
	return s.conversations.Conversations()
}

// Messages returns the ordered message list snapshot for a conversation.
func (s *Syncer) Messages(conversationId string) []types.Message {
	return s.messages.Messages(conversationId)
}

func (s *Syncer) Unread(conversationId string) int {
	return s.conversations.UnreadCount(conversationId)
}

// Connected reports the live status the UI degrades on.
func (s *Syncer) Connected() bool {
	return s.transport.Connected()
}

func (s *Syncer) OpenConversationId() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.open
}

func (s *Syncer) handleEvent(ev transport.Event) {
	switch {
	case ev.Connected != nil:
		s.log.Println("transport connected")
	case ev.Disconnected != nil:
		s.log.Println("transport disconnected")
		s.scheduleReconnect()
	case ev.ConnError != nil:
		s.log.Println("transport error:", ev.ConnError.Err)
	case ev.Received != nil:
		s.applyIncoming(*ev.Received)
	case ev.Acked != nil:
		s.resolveAck(*ev.Acked)
	case ev.Rejected != nil:
		s.resolveRejection(*ev.Rejected)
	case ev.Notified != nil:
		message := ev.Notified.Message
		if message.ConversationId == "" {
			message.ConversationId = ev.Notified.ConversationId
		}
		s.applyIncoming(message)
	case ev.Conversations != nil:
		s.conversations.Hydrate(ev.Conversations.Conversations)
		// the conversation on screen reads as viewed regardless of what
		// the server's counter says
		s.mu.Lock()
		open := s.open
		s.mu.Unlock()
		if open != "" {
			s.conversations.MarkViewed(open)
		}
	}
}

// applyIncoming folds a delivered message into the stores. Attribution is
// keyed by the message's own conversation id, never by whichever
// conversation happens to be open when it lands.
func (s *Syncer) applyIncoming(message types.Message) {
	s.mu.Lock()
	open := s.open
	s.mu.Unlock()

	isViewed := message.ConversationId == open

	if message.SenderId == s.sess.UserId {
		// A copy of the user's own send can come back through delivery
		// before its acknowledgment (polling always, push on echo). Fold it
		// onto the outstanding optimistic record instead of appending.
		if tempId, ok := s.messages.ResolvePending(message.ConversationId, message, s.cfg.ReconcileWindow); ok {
			s.conversations.ApplyConfirmedSend(message)
			if s.finishSend(tempId) {
				s.stats.Incr("sends_confirmed")
			}
			return
		}
	}

	if isViewed {
		s.messages.Append(message.ConversationId, message)
	}

	if !s.conversations.ApplyIncomingMessage(message, isViewed) {
		// brand-new conversation: re-fetch the authoritative list rather
		// than guessing a participant set from one message
		s.refetchConversations()
	}
}

func (s *Syncer) resolveAck(ack transport.MessageSent) {
	conversationId := ack.RealMessage.ConversationId
	if conversationId == "" {
		s.mu.Lock()
		conversationId = s.pending[ack.TempId]
		s.mu.Unlock()
	}

	s.messages.Replace(conversationId, ack.TempId, ack.RealMessage)
	s.conversations.ApplyConfirmedSend(ack.RealMessage)
	// the echo path may already have settled this send; count it once
	if s.finishSend(ack.TempId) {
		s.stats.Incr("sends_confirmed")
	}
}

func (s *Syncer) resolveRejection(rejection transport.MessageError) {
	s.mu.Lock()
	conversationId := s.pending[rejection.TempId]
	s.mu.Unlock()

	if conversationId == "" {
		s.log.Printf("rejection for unknown send %q", rejection.TempId)
		return
	}

	s.messages.Remove(conversationId, rejection.TempId)
	s.finishSend(rejection.TempId)
	s.stats.Incr("sends_rejected")

	s.log.Printf("send %q rejected: %s", rejection.TempId, rejection.Error)
	if s.onSendError != nil {
		s.onSendError(rejection.TempId, conversationId, rejection.Error)
	}
}

// finishSend clears the busy flag if tempId is the outstanding send and
// reports whether it was.
func (s *Syncer) finishSend(tempId string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[tempId]; ok {
		delete(s.pending, tempId)
		s.sendBusy = false
		return true
	}

	return false
}

// refetchConversations reloads the list authoritatively, collapsing
// concurrent triggers into one in-flight fetch.
func (s *Syncer) refetchConversations() {
	s.mu.Lock()
	if s.refetching {
		s.mu.Unlock()
		return
	}
	s.refetching = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.refetching = false
			s.mu.Unlock()
		}()

		conversations, err := s.api.ListConversations(context.Background(), s.sess.UserId)
		if err != nil {
			s.log.Println("refetch conversations:", err)
			return
		}

		s.conversations.Hydrate(conversations)
		s.stats.Incr("refetches")

		s.mu.Lock()
		open := s.open
		s.mu.Unlock()
		if open != "" {
			s.conversations.MarkViewed(open)
		}
	}()
}

// scheduleReconnect redials a dropped connection after the configured
// delay, rescheduling itself on every failed attempt so the syncer keeps
// trying until the server comes back. Stopped syncers and explicit
// disconnects stay down.
func (s *Syncer) scheduleReconnect() {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()

	if stopped || s.cfg.ReconnectInterval <= 0 {
		return
	}

	time.AfterFunc(s.cfg.ReconnectInterval, func() {
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}

		if err := s.transport.Connect(context.Background()); err != nil {
			s.log.Println("reconnect:", err)
			s.scheduleReconnect()
		}
	})
}
