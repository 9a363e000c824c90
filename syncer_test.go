package chatsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tawhid3482/geniustutors-chat/internal/client"
	"github.com/tawhid3482/geniustutors-chat/internal/session"
	"github.com/tawhid3482/geniustutors-chat/internal/stats"
	"github.com/tawhid3482/geniustutors-chat/internal/testutil"
	"github.com/tawhid3482/geniustutors-chat/internal/transport"
	"github.com/tawhid3482/geniustutors-chat/types"
)

// fakeTransport is a scriptable Transport: tests flip its connection state
// and inject events as if the wire had produced them.
type fakeTransport struct {
	mu          sync.Mutex
	handler     func(transport.Event)
	connected   bool
	joined      string
	connects    int
	failDials   int
	sendErr     error
	sends       []sentMessage
	disconnects int
}

type sentMessage struct {
	conversationId, senderId, text, tempId string
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connects++
	if f.failDials > 0 {
		f.failDials--
		return assert.AnError
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.disconnects++
}

func (f *fakeTransport) Subscribe(handler func(transport.Event)) {
	f.handler = handler
}

func (f *fakeTransport) JoinConversation(conversationId string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = conversationId
}

func (f *fakeTransport) LeaveConversation(conversationId string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joined == conversationId {
		f.joined = ""
	}
}

func (f *fakeTransport) SendMessage(conversationId, senderId, text, tempId string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}
	f.sends = append(f.sends, sentMessage{conversationId, senderId, text, tempId})
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// emit delivers an event through the subscriber, same as the wire would.
func (f *fakeTransport) emit(ev transport.Event) {
	f.handler(ev)
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func looseStats() *stats.MockStatsUpdater {
	sp := &stats.MockStatsUpdater{}
	sp.On("RegisterMetric", mock.Anything).Return()
	sp.On("Incr", mock.Anything).Return()
	sp.On("Decr", mock.Anything).Return()
	return sp
}

func newTestSyncer(t *testing.T, api client.ConversationService) (*Syncer, *fakeTransport) {
	cfg := &Config{
		BaseURL:         "http://localhost",
		ReconcileWindow: 10 * time.Second,
	}
	user := types.User{Id: "u1", Name: "Tawhid"}
	tp := &fakeTransport{}

	s := newSyncer(cfg, session.New(user.Id, ""), user, api, tp, testutil.TestLogger(t), looseStats())
	return s, tp
}

func conversationFixture(id string, updatedAt time.Time) types.Conversation {
	return types.Conversation{
		Id:             id,
		ParticipantIds: []string{"u1", "u2"},
		UpdatedAt:      updatedAt,
	}
}

func Test_Start(t *testing.T) {
	t.Run("hydrates and connects", func(t *testing.T) {
		api := &client.MockConversationService{}
		api.On("ListConversations", mock.Anything, "u1").Return([]types.Conversation{
			conversationFixture("c1", time.Now()),
		}, nil)

		s, tp := newTestSyncer(t, api)
		require.NoError(t, s.Start(context.Background()))

		assert.True(t, tp.Connected(), "expected transport to be up after start")
		require.Len(t, s.Conversations(), 1)
		assert.Equal(t, "c1", s.Conversations()[0].Id)
	})

	t.Run("hydration failure is not fatal", func(t *testing.T) {
		api := &client.MockConversationService{}
		api.On("ListConversations", mock.Anything, "u1").Return(nil, assert.AnError)

		s, tp := newTestSyncer(t, api)
		require.NoError(t, s.Start(context.Background()), "expected start to survive a failed hydration")
		assert.True(t, tp.Connected())
		assert.Empty(t, s.Conversations())
	})
}

func Test_IncomingMessage(t *testing.T) {
	api := &client.MockConversationService{}
	api.On("ListConversations", mock.Anything, "u1").Return([]types.Conversation{
		conversationFixture("c1", time.Now().Add(-time.Hour)),
		conversationFixture("c7", time.Now().Add(-2*time.Hour)),
	}, nil)
	api.On("ListMessages", mock.Anything, "c1").Return([]types.Message{}, nil)

	s, tp := newTestSyncer(t, api)
	require.NoError(t, s.Start(context.Background()))

	incoming := types.Message{
		Id: "m1", ConversationId: "c1", SenderId: "u2", Text: "hi", CreatedAt: time.Now(),
	}
	tp.emit(transport.Event{Received: &incoming})

	t.Run("unviewed conversation counts unread and records last message", func(t *testing.T) {
		assert.Equal(t, 1, s.Unread("c1"), "expected one unread for a closed conversation")
		require.NotNil(t, s.Conversations()[0].LastMessage)
		assert.Equal(t, "hi", s.Conversations()[0].LastMessage.Text)
		assert.Empty(t, s.Messages("c1"), "expected no message list while the conversation is closed")
	})

	t.Run("opening resets unread and appends live messages", func(t *testing.T) {
		require.NoError(t, s.OpenConversation(context.Background(), "c1"))
		assert.Zero(t, s.Unread("c1"), "expected opening to clear the unread count")
		assert.Equal(t, "c1", tp.joined, "expected the room membership to follow the open conversation")

		next := types.Message{
			Id: "m2", ConversationId: "c1", SenderId: "u2", Text: "there", CreatedAt: time.Now(),
		}
		tp.emit(transport.Event{Received: &next})

		require.Len(t, s.Messages("c1"), 1)
		assert.Equal(t, "m2", s.Messages("c1")[0].Id)
		assert.Zero(t, s.Unread("c1"), "expected a message in the open conversation to stay read")
	})

	t.Run("duplicate delivery is dropped", func(t *testing.T) {
		next := types.Message{
			Id: "m2", ConversationId: "c1", SenderId: "u2", Text: "there", CreatedAt: time.Now(),
		}
		tp.emit(transport.Event{Received: &next})
		assert.Len(t, s.Messages("c1"), 1, "expected the second delivery of one id to be dropped")
	})

	t.Run("attribution follows the message, not the open view", func(t *testing.T) {
		other := types.Message{
			Id: "m3", ConversationId: "c7", SenderId: "u3", Text: "elsewhere", CreatedAt: time.Now(),
		}
		tp.emit(transport.Event{Received: &other})

		assert.Empty(t, s.Messages("c7"), "expected a closed conversation's list to stay unloaded")
		assert.Equal(t, 1, s.Unread("c7"), "expected the unread to land on the message's conversation")
		assert.Len(t, s.Messages("c1"), 1, "expected the open conversation untouched")
		assert.Equal(t, "c7", s.Conversations()[0].Id, "expected the fresher conversation to sort first")
	})
}

func Test_NotificationDelivery(t *testing.T) {
	api := &client.MockConversationService{}
	api.On("ListConversations", mock.Anything, "u1").Return([]types.Conversation{
		conversationFixture("c1", time.Now()),
	}, nil)

	s, tp := newTestSyncer(t, api)
	require.NoError(t, s.Start(context.Background()))

	// notification payloads carry the conversation id beside the message
	tp.emit(transport.Event{Notified: &transport.MessageNotification{
		ConversationId: "c1",
		Message:        types.Message{Id: "m1", SenderId: "u2", Text: "ping", CreatedAt: time.Now()},
	}})

	assert.Equal(t, 1, s.Unread("c1"), "expected the notification to count against its conversation")
	require.NotNil(t, s.Conversations()[0].LastMessage)
	assert.Equal(t, "ping", s.Conversations()[0].LastMessage.Text)
}

func Test_UnknownConversationRefetch(t *testing.T) {
	api := &client.MockConversationService{}
	api.On("ListConversations", mock.Anything, "u1").Return([]types.Conversation{
		conversationFixture("c1", time.Now()),
		conversationFixture("c9", time.Now()),
	}, nil)

	s, tp := newTestSyncer(t, api)

	tp.emit(transport.Event{Received: &types.Message{
		Id: "m1", ConversationId: "c9", SenderId: "u2", Text: "new thread", CreatedAt: time.Now(),
	}})

	assert.Eventually(t, func() bool {
		_, ok := s.conversations.Get("c9")
		return ok
	}, time.Second, 10*time.Millisecond, "expected a message for an unknown conversation to trigger a list re-fetch")
}

func Test_OpenConversation(t *testing.T) {
	t.Run("loads history", func(t *testing.T) {
		api := &client.MockConversationService{}
		api.On("ListMessages", mock.Anything, "c1").Return([]types.Message{
			{Id: "m1", ConversationId: "c1", SenderId: "u2", Text: "old", CreatedAt: time.Now().Add(-time.Minute)},
			{Id: "m2", ConversationId: "c1", SenderId: "u1", Text: "older", CreatedAt: time.Now()},
		}, nil)

		s, _ := newTestSyncer(t, api)
		require.NoError(t, s.OpenConversation(context.Background(), "c1"))

		assert.Equal(t, "c1", s.OpenConversationId())
		require.Len(t, s.Messages("c1"), 2)
		assert.Equal(t, "m1", s.Messages("c1")[0].Id)
	})

	t.Run("fetch failure keeps previous state", func(t *testing.T) {
		api := &client.MockConversationService{}
		api.On("ListMessages", mock.Anything, "c1").Return(nil, assert.AnError)

		s, _ := newTestSyncer(t, api)
		s.messages.Append("c1", types.Message{Id: "m1", ConversationId: "c1", Text: "kept"})

		assert.Error(t, s.OpenConversation(context.Background(), "c1"))
		require.Len(t, s.Messages("c1"), 1, "expected the store to keep its last-known-good list")
		assert.Equal(t, "kept", s.Messages("c1")[0].Text)
	})

	t.Run("stale fetch is discarded after a switch", func(t *testing.T) {
		release := make(chan struct{})
		api := &client.MockConversationService{}
		api.On("ListMessages", mock.Anything, "c1").Run(func(mock.Arguments) {
			<-release
		}).Return([]types.Message{
			{Id: "m1", ConversationId: "c1", Text: "stale"},
		}, nil)
		api.On("ListMessages", mock.Anything, "c2").Return([]types.Message{}, nil)

		s, _ := newTestSyncer(t, api)

		done := make(chan error, 1)
		go func() {
			done <- s.OpenConversation(context.Background(), "c1")
		}()

		// switch away while the first fetch is still in flight
		assert.Eventually(t, func() bool {
			return s.OpenConversationId() == "c1"
		}, time.Second, time.Millisecond)
		require.NoError(t, s.OpenConversation(context.Background(), "c2"))

		close(release)
		require.NoError(t, <-done)

		assert.Empty(t, s.Messages("c1"), "expected the stale history fetch to be discarded")
		assert.Equal(t, "c2", s.OpenConversationId())
	})
}

func Test_CloseConversation(t *testing.T) {
	api := &client.MockConversationService{}
	api.On("ListMessages", mock.Anything, "c1").Return([]types.Message{}, nil)

	s, tp := newTestSyncer(t, api)
	require.NoError(t, s.OpenConversation(context.Background(), "c1"))
	require.Equal(t, "c1", tp.joined)

	s.CloseConversation()

	assert.Empty(t, s.OpenConversationId())
	assert.Empty(t, tp.joined, "expected closing to leave the room")

	s.CloseConversation() // closing twice is harmless
	assert.Empty(t, s.OpenConversationId())
}

func Test_StartConversation(t *testing.T) {
	api := &client.MockConversationService{}
	created := conversationFixture("c5", time.Now())
	api.On("GetOrCreateConversation", mock.Anything, "u1", "u2").Return(created, nil)
	api.On("ListConversations", mock.Anything, "u1").Return([]types.Conversation{created}, nil)
	api.On("ListMessages", mock.Anything, "c5").Return([]types.Message{}, nil)

	s, tp := newTestSyncer(t, api)

	conversation, err := s.StartConversation(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, "c5", conversation.Id)
	assert.Equal(t, "c5", s.OpenConversationId())
	assert.Equal(t, "c5", tp.joined)

	assert.Eventually(t, func() bool {
		_, ok := s.conversations.Get("c5")
		return ok
	}, time.Second, 10*time.Millisecond, "expected the new conversation to land in the list")
}

func Test_ConversationListEvent(t *testing.T) {
	api := &client.MockConversationService{}
	api.On("ListMessages", mock.Anything, "c1").Return([]types.Message{}, nil)

	s, tp := newTestSyncer(t, api)
	require.NoError(t, s.OpenConversation(context.Background(), "c1"))

	// a poll result claiming unread for the on-screen conversation is
	// overridden locally
	tp.emit(transport.Event{Conversations: &transport.ConversationList{
		Conversations: []types.Conversation{
			{Id: "c1", ParticipantIds: []string{"u1", "u2"}, UnreadCount: 3, UpdatedAt: time.Now()},
			{Id: "c2", ParticipantIds: []string{"u1", "u3"}, UnreadCount: 2, UpdatedAt: time.Now().Add(-time.Minute)},
		},
	}})

	assert.Zero(t, s.Unread("c1"), "expected the open conversation to read as viewed")
	assert.Equal(t, 2, s.Unread("c2"), "expected the server's count for closed conversations")
	require.Len(t, s.Conversations(), 2)
}

func Test_ReconnectOnDrop(t *testing.T) {
	api := &client.MockConversationService{}

	t.Run("redials after the configured delay", func(t *testing.T) {
		s, tp := newTestSyncer(t, api)
		s.cfg.ReconnectInterval = 10 * time.Millisecond

		require.NoError(t, tp.Connect(context.Background()))
		before := tp.connectCount()

		tp.emit(transport.Event{Disconnected: &transport.StatusChange{Timestamp: time.Now()}})

		assert.Eventually(t, func() bool {
			return tp.connectCount() > before
		}, time.Second, 5*time.Millisecond, "expected the syncer to redial a dropped connection")
	})

	t.Run("keeps redialing while the server stays down", func(t *testing.T) {
		s, tp := newTestSyncer(t, api)
		s.cfg.ReconnectInterval = 10 * time.Millisecond

		require.NoError(t, tp.Connect(context.Background()))

		// the server goes away for the next two dial attempts
		tp.mu.Lock()
		tp.connected = false
		tp.failDials = 2
		tp.mu.Unlock()

		tp.emit(transport.Event{Disconnected: &transport.StatusChange{Timestamp: time.Now()}})

		assert.Eventually(t, func() bool {
			return tp.connectCount() >= 4 && tp.Connected()
		}, time.Second, 5*time.Millisecond, "expected the syncer to keep redialing until a dial succeeds")
	})

	t.Run("stays down after stop", func(t *testing.T) {
		s, tp := newTestSyncer(t, api)
		s.cfg.ReconnectInterval = 5 * time.Millisecond

		s.Stop()
		before := tp.connectCount()
		tp.emit(transport.Event{Disconnected: &transport.StatusChange{Timestamp: time.Now()}})

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, before, tp.connectCount(), "expected no redial after an explicit stop")
	})

	t.Run("disabled when the interval is zero", func(t *testing.T) {
		s, tp := newTestSyncer(t, api)
		s.cfg.ReconnectInterval = 0

		before := tp.connectCount()
		tp.emit(transport.Event{Disconnected: &transport.StatusChange{Timestamp: time.Now()}})

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, before, tp.connectCount())
	})
}
