package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tawhid3482/geniustutors-chat/internal/session"
	"github.com/tawhid3482/geniustutors-chat/internal/stats"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64
)

var ErrNotConnected = fmt.Errorf("live channel is not connected")

// LiveChannel owns the single persistent connection for a session. It
// orchestrates lifecycle (connect, room membership, teardown) and surfaces
// everything else as events; it never throws connection failures across the
// store boundary.
type LiveChannel struct {
	wsURL  string
	sess   session.Session
	log    *log.Logger
	stats  stats.StatsProvider
	dialer *websocket.Dialer

	handler func(Event)

	mu          sync.Mutex
	conn        *websocket.Conn
	send        chan *clientFrame
	stop        chan struct{}
	connected   bool
	dialing     bool
	currentRoom string
}

func NewLiveChannel(wsURL string, sess session.Session, logger *log.Logger, sp stats.StatsProvider) *LiveChannel {
	return &LiveChannel{
		wsURL:  wsURL,
		sess:   sess,
		log:    logger,
		stats:  sp,
		dialer: websocket.DefaultDialer,
	}
}

func (c *LiveChannel) Subscribe(handler func(Event)) {
	c.handler = handler
}

// Connect dials the channel. Without both a user id and a credential the
// call is a silent no-op: auth has not hydrated yet and there is nothing to
// connect as. Dial failures are returned and also reported as a ConnError
// event so subscribers see the same stream either way.
func (c *LiveChannel) Connect(ctx context.Context) error {
	if !c.sess.CanConnect() {
		c.log.Println("live channel: no session identity yet, skipping connect")
		return nil
	}

	// the dialing flag is held across the dial so a reconnect timer racing a
	// caller's Connect cannot open a second socket over the first
	c.mu.Lock()
	if c.connected || c.dialing {
		c.mu.Unlock()
		return nil
	}
	c.dialing = true
	c.mu.Unlock()

	u, err := url.Parse(c.wsURL)
	if err != nil {
		c.clearDialing()
		return fmt.Errorf("parse ws url: %w", err)
	}
	q := u.Query()
	q.Set("user_id", c.sess.UserId)
	q.Set("token", c.sess.Credential)
	u.RawQuery = q.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		c.clearDialing()
		c.dispatch(Event{ConnError: &ConnError{Err: err}})
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.dialing = false
	c.conn = conn
	c.connected = true
	c.send = make(chan *clientFrame, sendBufferSize)
	c.stop = make(chan struct{})
	room := c.currentRoom
	send, stop := c.send, c.stop
	c.mu.Unlock()

	go c.writePump(conn, send, stop)
	go c.readPump(conn, stop)

	c.queueFrame(&clientFrame{JoinUser: &joinUserFrame{UserId: c.sess.UserId}})
	if room != "" {
		// a reconnect must not lose live delivery for the open conversation
		c.queueFrame(&clientFrame{Join: &joinFrame{ConversationId: room}})
	}

	c.stats.Incr("connects")
	c.dispatch(Event{Connected: &StatusChange{Timestamp: time.Now()}})

	return nil
}

// Disconnect tears the channel down and discards pending room membership.
func (c *LiveChannel) Disconnect() {
	c.mu.Lock()
	c.currentRoom = ""
	c.mu.Unlock()

	c.teardown(nil)
}

func (c *LiveChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected
}

// JoinConversation makes conversationId the single room joined for
// receiving, leaving the previous one first. While disconnected it only
// records the room so the next connect re-joins it.
func (c *LiveChannel) JoinConversation(conversationId string) {
	c.mu.Lock()
	previous := c.currentRoom
	if previous == conversationId {
		c.mu.Unlock()
		return
	}
	c.currentRoom = conversationId
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return
	}

	if previous != "" {
		c.queueFrame(&clientFrame{Leave: &leaveFrame{ConversationId: previous}})
	}
	c.queueFrame(&clientFrame{Join: &joinFrame{ConversationId: conversationId}})
}

// LeaveConversation leaves the room if it is the joined one. Leaving a room
// that was never joined is a no-op.
func (c *LiveChannel) LeaveConversation(conversationId string) {
	c.mu.Lock()
	if c.currentRoom != conversationId {
		c.mu.Unlock()
		return
	}
	c.currentRoom = ""
	connected := c.connected
	c.mu.Unlock()

	if connected {
		c.queueFrame(&clientFrame{Leave: &leaveFrame{ConversationId: conversationId}})
	}
}

func (c *LiveChannel) SendMessage(conversationId, senderId, text, tempId string) error {
	if !c.Connected() {
		return ErrNotConnected
	}

	c.queueFrame(&clientFrame{Send: &sendFrame{
		ConversationId: conversationId,
		SenderId:       senderId,
		Text:           text,
		TempId:         tempId,
	}})

	return nil
}

func (c *LiveChannel) clearDialing() {
	c.mu.Lock()
	c.dialing = false
	c.mu.Unlock()
}

func (c *LiveChannel) queueFrame(frame *clientFrame) bool {
	frame.Timestamp = time.Now()

	c.mu.Lock()
	send := c.send
	connected := c.connected
	c.mu.Unlock()

	if !connected || send == nil {
		return false
	}

	select {
	case send <- frame:
		return true
	default:
		c.log.Println("live channel: send buffer full, dropping frame")
		return false
	}
}

func (c *LiveChannel) writePump(conn *websocket.Conn, send chan *clientFrame, stop chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
		c.log.Println("live channel: write exiting")
	}()

	for {
		select {
		case frame := <-send:
			bytes, err := json.Marshal(frame)
			if err != nil {
				c.log.Println("live channel: failed to serialize frame:", err)
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, bytes); err != nil {
				c.log.Println("live channel: write:", err)
				return
			}
		case <-stop:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *LiveChannel) readPump(conn *websocket.Conn, stop chan struct{}) {
	defer func() {
		c.teardown(stop)
		c.log.Println("live channel: read exiting")
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("live channel: read: %v", err)
			}
			return
		}

		var frame serverFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Println("live channel: error parsing frame:", err)
			continue
		}

		if frame.empty() {
			c.log.Println("live channel: dropping frame with no recognized event")
			continue
		}

		c.dispatchFrame(&frame)
	}
}

func (c *LiveChannel) dispatchFrame(frame *serverFrame) {
	switch {
	case frame.Receive != nil:
		c.stats.Incr("messages_received")
		c.dispatch(Event{Received: frame.Receive})
	case frame.Sent != nil:
		c.dispatch(Event{Acked: frame.Sent})
	case frame.SendError != nil:
		c.dispatch(Event{Rejected: frame.SendError})
	case frame.Notify != nil:
		c.stats.Incr("notifications")
		c.dispatch(Event{Notified: frame.Notify})
	}
}

func (c *LiveChannel) dispatch(ev Event) {
	if c.handler != nil {
		c.handler(ev)
	}
}

// teardown closes the connection once. When called from the read pump the
// pump's stop channel identifies the connection generation, so a stale pump
// cannot tear down a newer connection.
func (c *LiveChannel) teardown(stop chan struct{}) {
	c.mu.Lock()
	if !c.connected || (stop != nil && stop != c.stop) {
		c.mu.Unlock()
		return
	}

	c.connected = false
	conn := c.conn
	c.conn = nil
	close(c.stop)
	c.send = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	c.stats.Incr("disconnects")
	c.dispatch(Event{Disconnected: &StatusChange{Timestamp: time.Now()}})
}
