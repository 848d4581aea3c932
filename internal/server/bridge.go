// Package server lets code outside the hub goroutine, such as HTTP handlers
// or background jobs, queue events for connected users.
package server

import (
	"go.uber.org/zap"
)

type bridgeSend struct {
	userID  int64
	payload []byte
}

// Bridge is a bounded queue drained by the hub loop.
type Bridge struct {
	queue   chan bridgeSend
	running func() bool
	log     *zap.Logger
}

func newBridge(size int, running func() bool, log *zap.Logger) *Bridge {
	return &Bridge{
		queue:   make(chan bridgeSend, size),
		running: running,
		log:     log,
	}
}

// ScheduleSend encodes event on the calling goroutine and queues it for
// userID without blocking. Delivery is best effort: true means the event
// was handed to the hub, not that any connection received it.
func (b *Bridge) ScheduleSend(userID int64, event any) bool {
	if !b.running() {
		bridgeDroppedTotal.Inc()
		b.log.Debug("schedule send refused: hub not running", zap.Int64("user_id", userID))
		return false
	}

	payload, err := encodeEvent(event)
	if err != nil {
		bridgeDroppedTotal.Inc()
		b.log.Warn("schedule send refused: cannot encode event", zap.Int64("user_id", userID), zap.Error(err))
		return false
	}

	select {
	case b.queue <- bridgeSend{userID: userID, payload: payload}:
		return true
	default:
		bridgeDroppedTotal.Inc()
		b.log.Warn("schedule send refused: queue full", zap.Int64("user_id", userID))
		return false
	}
}
