package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/teris-io/shortid"

	"github.com/tawhid3482/geniustutors-chat/types"
)

const signingKey = "chatsync-test-signing-key"

// Backend is an in-process stand-in for the conversation service: the REST
// endpoints plus the websocket surface, wrapped in the same CORS layer the
// production server uses. Tests load fixtures onto it and script its
// behavior (rejecting sends, pushing messages at connected clients).
type Backend struct {
	t      *testing.T
	server *httptest.Server

	mu            sync.Mutex
	conversations []types.Conversation
	messages      map[string][]types.Message
	rejectSends   bool
	failRequests  bool
	listCalls     int
	upgrades      int
	joined        map[string]string // user id -> joined conversation id
	conns         map[string]*backendConn
}

type backendConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (bc *backendConn) write(v any) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	return bc.conn.WriteJSON(v)
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// Wire frames mirrored from the client's contract.

type clientFrame struct {
	JoinUser *struct {
		UserId string `json:"user_id"`
	} `json:"joinUser,omitempty"`
	Join *struct {
		ConversationId string `json:"conversation_id"`
	} `json:"joinConversation,omitempty"`
	Leave *struct {
		ConversationId string `json:"conversation_id"`
	} `json:"leaveConversation,omitempty"`
	Send *struct {
		ConversationId string `json:"conversation_id"`
		SenderId       string `json:"sender_id"`
		Text           string `json:"text"`
		TempId         string `json:"temp_id"`
	} `json:"sendMessage,omitempty"`
}

type serverFrame struct {
	Timestamp time.Time      `json:"timestamp"`
	Receive   *types.Message `json:"receiveMessage,omitempty"`
	Sent      *struct {
		TempId      string        `json:"temp_id"`
		RealMessage types.Message `json:"real_message"`
	} `json:"messageSent,omitempty"`
	SendError *struct {
		TempId string `json:"temp_id"`
		Error  string `json:"error"`
	} `json:"messageError,omitempty"`
	Notify *struct {
		ConversationId string        `json:"conversation_id"`
		Message        types.Message `json:"message"`
	} `json:"newMessageNotification,omitempty"`
}

func NewBackend(t *testing.T) *Backend {
	b := &Backend{
		t:        t,
		messages: make(map[string][]types.Message),
		joined:   make(map[string]string),
		conns:    make(map[string]*backendConn),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /conversations/get-or-create/{userId}/{otherUserId}", b.getOrCreateConversation)
	mux.HandleFunc("GET /conversations/{userId}", b.listConversations)
	mux.HandleFunc("GET /messages/{conversationId}", b.listMessages)
	mux.HandleFunc("POST /messages", b.createMessage)
	mux.HandleFunc("GET /ws", b.serveWs)

	h := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
	)(mux)

	b.server = httptest.NewServer(h)
	t.Cleanup(b.server.Close)

	return b
}

// URL is the REST base URL.
func (b *Backend) URL() string {
	return b.server.URL
}

// WSURL is the websocket endpoint.
func (b *Backend) WSURL() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + "/ws"
}

// SignToken mints a credential carrying the user-id claim the production
// auth layer issues.
func (b *Backend) SignToken(userId string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user-id": userId,
		"exp":     float64(time.Now().Add(time.Hour).Unix()),
	})

	signed, err := token.SignedString([]byte(signingKey))
	if err != nil {
		b.t.Fatalf("sign token: %v", err)
	}

	return signed
}

func (b *Backend) SetConversations(conversations []types.Conversation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conversations = conversations
}

func (b *Backend) SetMessages(conversationId string, messages []types.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[conversationId] = messages
}

// RejectSends makes every sendMessage fail with a messageError frame and
// every POST /messages return a failed envelope.
func (b *Backend) RejectSends(reject bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectSends = reject
}

// FailRequests makes every REST endpoint return HTTP 500.
func (b *Backend) FailRequests(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failRequests = fail
}

// ListCalls reports how many times the conversation list was fetched.
func (b *Backend) ListCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listCalls
}

// Upgrades reports how many websocket connections were accepted.
func (b *Backend) Upgrades() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.upgrades
}

// JoinedRoom returns the conversation a user has joined for receiving.
func (b *Backend) JoinedRoom(userId string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.joined[userId]
}

// Push delivers a receiveMessage frame to a connected user.
func (b *Backend) Push(userId string, message types.Message) {
	b.mu.Lock()
	conn := b.conns[userId]
	b.mu.Unlock()

	if conn == nil {
		b.t.Fatalf("no live connection for user %q", userId)
	}

	if err := conn.write(serverFrame{Timestamp: time.Now(), Receive: &message}); err != nil {
		b.t.Errorf("push to %q: %v", userId, err)
	}
}

// PushRaw delivers an arbitrary payload to a connected user, for testing
// how clients handle frames outside the contract.
func (b *Backend) PushRaw(userId string, v any) {
	b.mu.Lock()
	conn := b.conns[userId]
	b.mu.Unlock()

	if conn == nil {
		b.t.Fatalf("no live connection for user %q", userId)
	}

	if err := conn.write(v); err != nil {
		b.t.Errorf("push raw to %q: %v", userId, err)
	}
}

// Notify delivers a newMessageNotification frame to a connected user.
func (b *Backend) Notify(userId, conversationId string, message types.Message) {
	b.mu.Lock()
	conn := b.conns[userId]
	b.mu.Unlock()

	if conn == nil {
		b.t.Fatalf("no live connection for user %q", userId)
	}

	frame := serverFrame{Timestamp: time.Now()}
	frame.Notify = &struct {
		ConversationId string        `json:"conversation_id"`
		Message        types.Message `json:"message"`
	}{ConversationId: conversationId, Message: message}

	if err := conn.write(frame); err != nil {
		b.t.Errorf("notify %q: %v", userId, err)
	}
}

func (b *Backend) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

func (b *Backend) failing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failRequests
}

func (b *Backend) listConversations(w http.ResponseWriter, r *http.Request) {
	if b.failing() {
		b.writeJson(w, http.StatusInternalServerError, envelope{Success: false, Message: "internal server error"})
		return
	}

	b.mu.Lock()
	b.listCalls++
	conversations := make([]types.Conversation, len(b.conversations))
	copy(conversations, b.conversations)
	b.mu.Unlock()

	b.writeJson(w, http.StatusOK, envelope{Success: true, Data: conversations})
}

func (b *Backend) listMessages(w http.ResponseWriter, r *http.Request) {
	if b.failing() {
		b.writeJson(w, http.StatusInternalServerError, envelope{Success: false, Message: "internal server error"})
		return
	}

	b.mu.Lock()
	messages := make([]types.Message, len(b.messages[r.PathValue("conversationId")]))
	copy(messages, b.messages[r.PathValue("conversationId")])
	b.mu.Unlock()

	b.writeJson(w, http.StatusOK, envelope{Success: true, Data: messages})
}

func (b *Backend) getOrCreateConversation(w http.ResponseWriter, r *http.Request) {
	if b.failing() {
		b.writeJson(w, http.StatusInternalServerError, envelope{Success: false, Message: "internal server error"})
		return
	}

	userId, otherUserId := r.PathValue("userId"), r.PathValue("otherUserId")

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, conversation := range b.conversations {
		if containsAll(conversation.ParticipantIds, userId, otherUserId) {
			b.writeJson(w, http.StatusOK, envelope{Success: true, Data: conversation})
			return
		}
	}

	conversation := types.Conversation{
		Id:             "c-" + shortid.MustGenerate(),
		ParticipantIds: []string{userId, otherUserId},
		Participants: []types.User{
			{Id: userId},
			{Id: otherUserId},
		},
		UpdatedAt: time.Now(),
	}
	b.conversations = append(b.conversations, conversation)

	b.writeJson(w, http.StatusOK, envelope{Success: true, Data: conversation})
}

func (b *Backend) createMessage(w http.ResponseWriter, r *http.Request) {
	var params struct {
		ConversationId string `json:"conversation_id"`
		SenderId       string `json:"sender_id"`
		Text           string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		b.writeJson(w, http.StatusBadRequest, envelope{Success: false, Message: "bad request"})
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failRequests || b.rejectSends {
		b.writeJson(w, http.StatusInternalServerError, envelope{Success: false, Message: "send rejected"})
		return
	}

	message := types.Message{
		Id:             "m-" + shortid.MustGenerate(),
		ConversationId: params.ConversationId,
		SenderId:       params.SenderId,
		Text:           params.Text,
		CreatedAt:      time.Now(),
	}
	b.messages[params.ConversationId] = append(b.messages[params.ConversationId], message)

	b.writeJson(w, http.StatusCreated, envelope{Success: true, Data: message})
}

func (b *Backend) serveWs(w http.ResponseWriter, r *http.Request) {
	userId := r.URL.Query().Get("user_id")
	tokenString := r.URL.Query().Get("token")
	if userId == "" || tokenString == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if _, err := jwt.Parse(tokenString, func(*jwt.Token) (any, error) {
		return []byte(signingKey), nil
	}); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.t.Logf("upgrade: %v", err)
		return
	}

	bc := &backendConn{conn: conn}
	b.mu.Lock()
	b.upgrades++
	b.conns[userId] = bc
	b.mu.Unlock()

	go b.readLoop(userId, bc)
}

func (b *Backend) readLoop(userId string, bc *backendConn) {
	defer func() {
		bc.conn.Close()
		b.mu.Lock()
		if b.conns[userId] == bc {
			delete(b.conns, userId)
			delete(b.joined, userId)
		}
		b.mu.Unlock()
	}()

	for {
		_, raw, err := bc.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			b.t.Logf("backend: bad frame from %q: %v", userId, err)
			continue
		}

		switch {
		case frame.Join != nil:
			b.mu.Lock()
			b.joined[userId] = frame.Join.ConversationId
			b.mu.Unlock()
		case frame.Leave != nil:
			b.mu.Lock()
			if b.joined[userId] == frame.Leave.ConversationId {
				delete(b.joined, userId)
			}
			b.mu.Unlock()
		case frame.Send != nil:
			b.handleSend(bc, frame)
		}
	}
}

func (b *Backend) handleSend(bc *backendConn, frame clientFrame) {
	b.mu.Lock()
	reject := b.rejectSends
	b.mu.Unlock()

	resp := serverFrame{Timestamp: time.Now()}
	if reject {
		resp.SendError = &struct {
			TempId string `json:"temp_id"`
			Error  string `json:"error"`
		}{TempId: frame.Send.TempId, Error: "send rejected"}
	} else {
		message := types.Message{
			Id:             "m-" + shortid.MustGenerate(),
			ConversationId: frame.Send.ConversationId,
			SenderId:       frame.Send.SenderId,
			Text:           frame.Send.Text,
			CreatedAt:      time.Now(),
		}

		b.mu.Lock()
		b.messages[frame.Send.ConversationId] = append(b.messages[frame.Send.ConversationId], message)
		b.mu.Unlock()

		resp.Sent = &struct {
			TempId      string        `json:"temp_id"`
			RealMessage types.Message `json:"real_message"`
		}{TempId: frame.Send.TempId, RealMessage: message}
	}

	if err := bc.write(resp); err != nil {
		b.t.Logf("backend: write ack: %v", err)
	}
}

func containsAll(ids []string, want ...string) bool {
	for _, w := range want {
		found := false
		for _, id := range ids {
			if id == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}
