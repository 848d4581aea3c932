// Package server defines the collaborator interfaces the hub depends on and
// small helpers shared across client and hub logic.
package server

import (
	"context"
	"strings"

	"github.com/Tyrowin/gochat-gateway/internal/store"
)

// TokenValidator resolves a bearer token to a user id.
type TokenValidator interface {
	ValidateToken(token string) (int64, error)
}

// ChatPersistence stores direct messages and looks up sender metadata.
type ChatPersistence interface {
	SendMessage(ctx context.Context, senderID, recipientID int64, content, messageType string) (*store.Message, error)
	SenderAvatar(ctx context.Context, userID int64) (string, error)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
