package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySendMessageReusesConversation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	first, err := m.SendMessage(ctx, 1, 2, "hi", "")
	require.NoError(t, err)
	reply, err := m.SendMessage(ctx, 2, 1, "hello", "image")
	require.NoError(t, err)
	other, err := m.SendMessage(ctx, 1, 3, "yo", "text")
	require.NoError(t, err)

	assert.Equal(t, first.ConversationID, reply.ConversationID)
	assert.NotEqual(t, first.ConversationID, other.ConversationID)
	assert.NotEqual(t, first.ID, reply.ID)
	assert.Equal(t, DefaultMessageType, first.MessageType)
	assert.Equal(t, "image", reply.MessageType)
	assert.Equal(t, StatusSent, m.Status(first.ID))
	assert.Len(t, m.Messages(), 3)
}

func TestMemorySendMessageCancelledContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.SendMessage(ctx, 1, 2, "hi", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, m.Messages())
}

func TestMemorySenderAvatar(t *testing.T) {
	m := NewMemory()
	m.SetAvatar(4, "https://cdn.example.com/4.png")

	url, err := m.SenderAvatar(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/4.png", url)

	url, err = m.SenderAvatar(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, url)
}
