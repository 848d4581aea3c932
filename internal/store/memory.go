package store

import (
	"context"
	"sync"
	"time"
)

type pairKey struct{ low, high int64 }

func newPairKey(a, b int64) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{low: a, high: b}
}

// Memory is an in-process message store for development without Postgres.
// Its contents vanish with the process.
type Memory struct {
	mu            sync.Mutex
	nextConvID    int64
	nextMessageID int64
	conversations map[pairKey]int64
	messages      []Message
	statuses      map[int64]string
	avatars       map[int64]string
	now           func() time.Time
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[pairKey]int64),
		statuses:      make(map[int64]string),
		avatars:       make(map[int64]string),
		now:           time.Now,
	}
}

// SetAvatar records the avatar URL returned by SenderAvatar for userID.
func (m *Memory) SetAvatar(userID int64, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.avatars[userID] = url
}

// SendMessage stores the message, creating the conversation on first use.
func (m *Memory) SendMessage(ctx context.Context, senderID, recipientID int64, content, messageType string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	if messageType == "" {
		messageType = DefaultMessageType
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := newPairKey(senderID, recipientID)
	convID, ok := m.conversations[key]
	if !ok {
		m.nextConvID++
		convID = m.nextConvID
		m.conversations[key] = convID
	}

	m.nextMessageID++
	msg := Message{
		ID:             m.nextMessageID,
		ConversationID: convID,
		SenderID:       senderID,
		RecipientID:    recipientID,
		Content:        content,
		MessageType:    messageType,
		CreatedAt:      m.now().UTC(),
	}
	m.messages = append(m.messages, msg)
	m.statuses[msg.ID] = StatusSent
	return &msg, nil
}

// SenderAvatar returns the avatar set with SetAvatar, or "".
func (m *Memory) SenderAvatar(_ context.Context, userID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.avatars[userID], nil
}

// Messages returns a copy of everything stored so far.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// Status returns the delivery status recorded for messageID.
func (m *Memory) Status(messageID int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[messageID]
}
