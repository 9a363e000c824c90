package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/tawhid3482/geniustutors-chat/types"
)

const (
	defaultRequestTimeout = 10 * time.Second
	tokenCookieKey        = "token"
)

// ConversationService is the request/response surface the synchronizer
// hydrates from. The live channel and the poller both sit on top of it.
type ConversationService interface {
	ListConversations(ctx context.Context, userId string) ([]types.Conversation, error)
	ListMessages(ctx context.Context, conversationId string) ([]types.Message, error)
	GetOrCreateConversation(ctx context.Context, userId, otherUserId string) (types.Conversation, error)
	CreateMessage(ctx context.Context, params SendMessageParams) (types.Message, error)
}

type SendMessageParams struct {
	ConversationId string `json:"conversation_id"`
	SenderId       string `json:"sender_id"`
	Text           string `json:"text"`
}

// envelope is the response wrapper every conversation endpoint returns.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
}

type HTTPConversationService struct {
	baseURL    string
	credential string
	httpClient *http.Client
	log        *log.Logger
}

func NewHTTPConversationService(baseURL, credential string, logger *log.Logger) *HTTPConversationService {
	return &HTTPConversationService{
		baseURL:    baseURL,
		credential: credential,
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		log:        logger,
	}
}

func (c *HTTPConversationService) ListConversations(ctx context.Context, userId string) ([]types.Conversation, error) {
	var conversations []types.Conversation
	if err := c.get(ctx, "/conversations/"+url.PathEscape(userId), &conversations); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	return conversations, nil
}

func (c *HTTPConversationService) ListMessages(ctx context.Context, conversationId string) ([]types.Message, error) {
	var messages []types.Message
	if err := c.get(ctx, "/messages/"+url.PathEscape(conversationId), &messages); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	return messages, nil
}

func (c *HTTPConversationService) GetOrCreateConversation(ctx context.Context, userId, otherUserId string) (types.Conversation, error) {
	var conversation types.Conversation
	path := "/conversations/get-or-create/" + url.PathEscape(userId) + "/" + url.PathEscape(otherUserId)
	if err := c.get(ctx, path, &conversation); err != nil {
		return types.Conversation{}, fmt.Errorf("get or create conversation: %w", err)
	}

	return conversation, nil
}

func (c *HTTPConversationService) CreateMessage(ctx context.Context, params SendMessageParams) (types.Message, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return types.Message{}, fmt.Errorf("create message: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return types.Message{}, fmt.Errorf("create message: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var message types.Message
	if err := c.do(req, &message); err != nil {
		return types.Message{}, fmt.Errorf("create message: %w", err)
	}

	return message, nil
}

func (c *HTTPConversationService) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	return c.do(req, out)
}

func (c *HTTPConversationService) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
		req.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: c.credential})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if !env.Success {
		if env.Message != "" {
			return fmt.Errorf("request failed: %s", env.Message)
		}
		return fmt.Errorf("request failed")
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}

	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}

	return nil
}
