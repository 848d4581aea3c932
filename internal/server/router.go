// Package server routes direct messages: persist first, then deliver the
// stored message to every connection of the recipient.
package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-gateway/internal/store"
)

// MessageRouter handles send_message. Persistence runs off the hub
// goroutine; delivery is posted back to it.
type MessageRouter struct {
	hub         *Hub
	persistence ChatPersistence
	timeout     time.Duration
	log         *zap.Logger
}

func newMessageRouter(h *Hub, p ChatPersistence, timeout time.Duration, log *zap.Logger) *MessageRouter {
	return &MessageRouter{hub: h, persistence: p, timeout: timeout, log: log}
}

type persistResult struct {
	msg    *store.Message
	avatar string
	err    error
}

// handle persists ev on behalf of c. finish is called on the hub goroutine
// once the outcome has been delivered, or immediately for dropped requests.
func (r *MessageRouter) handle(c *Client, ev SendMessage, finish func()) {
	if ev.RecipientID <= 0 || ev.Content == "" {
		messagesTotal.WithLabelValues("dropped").Inc()
		c.log.Debug("dropping send_message with missing fields",
			zap.Int64("recipient_id", ev.RecipientID))
		finish()
		return
	}

	senderID := c.userID
	h := r.hub
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		res := r.persist(senderID, ev)
		if !h.post(func() {
			defer finish()
			r.complete(c, res)
		}) {
			r.log.Debug("hub stopped before message delivery", zap.Int64("sender_id", senderID))
		}
	}()
}

func (r *MessageRouter) persist(senderID int64, ev SendMessage) persistResult {
	ctx, cancel := context.WithTimeout(r.hub.ctx, r.timeout)
	defer cancel()

	msg, err := r.persistence.SendMessage(ctx, senderID, ev.RecipientID, ev.Content, ev.MessageType)
	if err != nil {
		return persistResult{err: err}
	}
	avatar, err := r.persistence.SenderAvatar(ctx, senderID)
	if err != nil {
		r.log.Warn("failed to load sender avatar", zap.Int64("sender_id", senderID), zap.Error(err))
		avatar = ""
	}
	return persistResult{msg: msg, avatar: avatar}
}

// complete runs on the hub goroutine. Only the sender learns about a
// failure; the recipient sees nothing.
func (r *MessageRouter) complete(c *Client, res persistResult) {
	if res.err != nil {
		messagesTotal.WithLabelValues("failed").Inc()
		c.log.Error("failed to persist message", zap.Error(res.err))
		if !c.closed {
			r.hub.sendTo(c, errorEvent("failed to send message"))
		}
		return
	}

	messagesTotal.WithLabelValues("persisted").Inc()
	msg := res.msg
	payload, ok := r.hub.encode(NewMessageEvent{
		Type: TypeNewMessage,
		Data: NewMessageData{
			ID:             msg.ID,
			SenderID:       msg.SenderID,
			RecipientID:    msg.RecipientID,
			ConversationID: msg.ConversationID,
			Content:        msg.Content,
			MessageType:    msg.MessageType,
			CreatedAt:      msg.CreatedAt.UTC().Format(time.RFC3339Nano),
			SenderAvatar:   res.avatar,
		},
	})
	if !ok {
		return
	}
	delivered := r.hub.sendToUser(msg.RecipientID, payload)
	r.log.Debug("direct message delivered",
		zap.Int64("message_id", msg.ID),
		zap.Int64("recipient_id", msg.RecipientID),
		zap.Int("connections", delivered))
}
