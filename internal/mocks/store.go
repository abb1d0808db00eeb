package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"realtime-service/internal/models"
	"realtime-service/internal/state"
)

type StoreMock struct {
	mock.Mock
}

func (m *StoreMock) AddConnection(ctx context.Context, userID, connID string) (bool, error) {
	args := m.Called(ctx, userID, connID)
	return args.Bool(0), args.Error(1)
}

func (m *StoreMock) RefreshConnection(ctx context.Context, userID, connID string) error {
	args := m.Called(ctx, userID, connID)
	return args.Error(0)
}

func (m *StoreMock) RemoveConnection(ctx context.Context, userID, connID string) (bool, error) {
	args := m.Called(ctx, userID, connID)
	return args.Bool(0), args.Error(1)
}

func (m *StoreMock) IsOnline(ctx context.Context, userID string) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func (m *StoreMock) ListOnlineUsers(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	var users []string
	if val := args.Get(0); val != nil {
		users = val.([]string)
	}
	return users, args.Error(1)
}

func (m *StoreMock) SetTyping(ctx context.Context, conversationID, userID string, ttl time.Duration) error {
	args := m.Called(ctx, conversationID, userID, ttl)
	return args.Error(0)
}

func (m *StoreMock) ClearTyping(ctx context.Context, conversationID, userID string) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *StoreMock) ListTyping(ctx context.Context, conversationID string) ([]string, error) {
	args := m.Called(ctx, conversationID)
	var users []string
	if val := args.Get(0); val != nil {
		users = val.([]string)
	}
	return users, args.Error(1)
}

func (m *StoreMock) IsTyping(ctx context.Context, conversationID, userID string) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *StoreMock) BindConnectionIdentity(ctx context.Context, connID string, identity models.Identity) error {
	args := m.Called(ctx, connID, identity)
	return args.Error(0)
}

func (m *StoreMock) LookupConnectionIdentity(ctx context.Context, connID string) (models.Identity, bool, error) {
	args := m.Called(ctx, connID)
	var identity models.Identity
	if val := args.Get(0); val != nil {
		identity = val.(models.Identity)
	}
	return identity, args.Bool(1), args.Error(2)
}

func (m *StoreMock) UnbindConnectionIdentity(ctx context.Context, connID string) error {
	args := m.Called(ctx, connID)
	return args.Error(0)
}

func (m *StoreMock) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

var _ state.Store = (*StoreMock)(nil)
