package transport

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/tawhid3482/geniustutors-chat/internal/client"
	"github.com/tawhid3482/geniustutors-chat/internal/session"
	"github.com/tawhid3482/geniustutors-chat/internal/stats"
)

// Poller is the pull-based stand-in for the live channel, used by surfaces
// that have no push connection. A coarse ticker re-fetches the conversation
// list and a faster one re-fetches the open conversation's messages; both
// results flow through the same event stream, so the stores upstream cannot
// tell the transports apart.
type Poller struct {
	api   client.ConversationService
	sess  session.Session
	log   *log.Logger
	stats stats.StatsProvider

	listInterval    time.Duration
	messageInterval time.Duration

	handler func(Event)

	mu          sync.Mutex
	running     bool
	stop        chan struct{}
	currentRoom string
}

const (
	fallbackListInterval    = 30 * time.Second
	fallbackMessageInterval = 5 * time.Second
)

func NewPoller(api client.ConversationService, sess session.Session, listInterval, messageInterval time.Duration,
	logger *log.Logger, sp stats.StatsProvider) *Poller {
	// tickers panic on non-positive intervals
	if listInterval <= 0 {
		listInterval = fallbackListInterval
	}
	if messageInterval <= 0 {
		messageInterval = fallbackMessageInterval
	}

	return &Poller{
		api:             api,
		sess:            sess,
		log:             logger,
		stats:           sp,
		listInterval:    listInterval,
		messageInterval: messageInterval,
	}
}

func (p *Poller) Subscribe(handler func(Event)) {
	p.handler = handler
}

// Connect starts the poll loops. Like the live channel, it is a silent
// no-op until the session carries an identity.
func (p *Poller) Connect(ctx context.Context) error {
	if !p.sess.CanConnect() {
		p.log.Println("poller: no session identity yet, skipping start")
		return nil
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stop = make(chan struct{})
	stop := p.stop
	p.mu.Unlock()

	go p.run(stop)

	p.stats.Incr("connects")
	p.dispatch(Event{Connected: &StatusChange{Timestamp: time.Now()}})

	return nil
}

func (p *Poller) Disconnect() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.currentRoom = ""
	close(p.stop)
	p.mu.Unlock()

	p.stats.Incr("disconnects")
	p.dispatch(Event{Disconnected: &StatusChange{Timestamp: time.Now()}})
}

func (p *Poller) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.running
}

// JoinConversation selects the conversation polled at the fast interval and
// kicks off an immediate fetch so opening a conversation is not delayed by
// a full tick.
func (p *Poller) JoinConversation(conversationId string) {
	p.mu.Lock()
	p.currentRoom = conversationId
	running := p.running
	p.mu.Unlock()

	if running {
		go p.pollMessages()
	}
}

func (p *Poller) LeaveConversation(conversationId string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.currentRoom == conversationId {
		p.currentRoom = ""
	}
}

// SendMessage posts the message over REST. The response carries the
// confirmed record, which is surfaced as an Acked event so a polling send
// reconciles exactly like a push send.
func (p *Poller) SendMessage(conversationId, senderId, text, tempId string) error {
	if !p.Connected() {
		return ErrNotConnected
	}

	go func() {
		confirmed, err := p.api.CreateMessage(context.Background(), client.SendMessageParams{
			ConversationId: conversationId,
			SenderId:       senderId,
			Text:           text,
		})
		if err != nil {
			p.log.Println("poller: create message:", err)
			p.dispatch(Event{Rejected: &MessageError{TempId: tempId, Error: err.Error()}})
			return
		}

		p.dispatch(Event{Acked: &MessageSent{TempId: tempId, RealMessage: confirmed}})
	}()

	return nil
}

func (p *Poller) run(stop chan struct{}) {
	listTicker := time.NewTicker(p.listInterval)
	messageTicker := time.NewTicker(p.messageInterval)
	defer func() {
		listTicker.Stop()
		messageTicker.Stop()
		p.log.Println("poller: loop exiting")
	}()

	for {
		select {
		case <-listTicker.C:
			p.pollConversations()
		case <-messageTicker.C:
			p.pollMessages()
		case <-stop:
			return
		}
	}
}

func (p *Poller) pollConversations() {
	conversations, err := p.api.ListConversations(context.Background(), p.sess.UserId)
	if err != nil {
		// last-known-good state stays in place; the next tick retries
		p.log.Println("poller: list conversations:", err)
		return
	}

	p.stats.Incr("polls")
	p.dispatch(Event{Conversations: &ConversationList{Conversations: conversations}})
}

func (p *Poller) pollMessages() {
	p.mu.Lock()
	room := p.currentRoom
	p.mu.Unlock()

	if room == "" {
		return
	}

	messages, err := p.api.ListMessages(context.Background(), room)
	if err != nil {
		p.log.Println("poller: list messages:", err)
		return
	}

	p.stats.Incr("polls")
	for i := range messages {
		// idempotent appends downstream absorb everything already seen
		p.dispatch(Event{Received: &messages[i]})
	}
}

func (p *Poller) dispatch(ev Event) {
	if p.handler != nil {
		p.handler(ev)
	}
}
