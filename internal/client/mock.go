package client

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/tawhid3482/geniustutors-chat/types"
)

type MockConversationService struct {
	mock.Mock
}

func (m *MockConversationService) ListConversations(ctx context.Context, userId string) ([]types.Conversation, error) {
	args := m.Called(ctx, userId)
	if conversations, ok := args.Get(0).([]types.Conversation); ok {
		return conversations, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockConversationService) ListMessages(ctx context.Context, conversationId string) ([]types.Message, error) {
	args := m.Called(ctx, conversationId)
	if messages, ok := args.Get(0).([]types.Message); ok {
		return messages, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockConversationService) GetOrCreateConversation(ctx context.Context, userId, otherUserId string) (types.Conversation, error) {
	args := m.Called(ctx, userId, otherUserId)
	return args.Get(0).(types.Conversation), args.Error(1)
}

func (m *MockConversationService) CreateMessage(ctx context.Context, params SendMessageParams) (types.Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.Message), args.Error(1)
}
