// Package store persists direct messages for the gateway.
//
// The gateway needs exactly two things from the relational store: append a
// message (creating the conversation and the delivery-status row alongside)
// and look up a sender's avatar. Everything else about these tables belongs
// to the CRUD service.
package store

import (
	"errors"
	"time"
)

// DefaultMessageType is stored when a client omits message_type.
const DefaultMessageType = "text"

// StatusSent is the delivery status written with every new message.
const StatusSent = "sent"

// ErrStoreUnavailable wraps failures of the backing database.
var ErrStoreUnavailable = errors.New("message store unavailable")

// Message is a durably stored direct message.
type Message struct {
	ID             int64
	ConversationID int64
	SenderID       int64
	RecipientID    int64
	Content        string
	MessageType    string
	CreatedAt      time.Time
}
