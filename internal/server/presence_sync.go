// Package server mirrors local connection state into the shared presence
// store from a dedicated goroutine so cache latency never stalls the hub.
package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-gateway/internal/presence"
)

type presenceOpKind int

const (
	presenceOnline presenceOpKind = iota
	presenceOffline
	presenceTouch
)

func (k presenceOpKind) String() string {
	switch k {
	case presenceOnline:
		return "online"
	case presenceOffline:
		return "offline"
	default:
		return "touch"
	}
}

type presenceOp struct {
	kind   presenceOpKind
	userID int64
	at     time.Time
}

const (
	presenceOpTimeout    = 3 * time.Second
	presenceDrainTimeout = 5 * time.Second
)

// presenceWorker applies presence updates off the hub goroutine. Pending
// updates are coalesced per user so enqueueing never blocks: only the most
// recent online/offline transition of a user is kept, which preserves the
// per-user order while a slow store lags behind.
type presenceWorker struct {
	store        presence.Store
	serverID     string
	opTimeout    time.Duration
	drainTimeout time.Duration
	log          *zap.Logger

	mu      sync.Mutex
	pending map[int64]presenceOp
	order   []int64
	closed  bool
	wake    chan struct{}

	// ctx is cancelled drainTimeout after close, failing whatever the store
	// has not finished by then.
	ctx    context.Context
	cancel context.CancelFunc
}

func newPresenceWorker(store presence.Store, serverID string, log *zap.Logger) *presenceWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &presenceWorker{
		store:        store,
		serverID:     serverID,
		opTimeout:    presenceOpTimeout,
		drainTimeout: presenceDrainTimeout,
		log:          log,
		pending:      make(map[int64]presenceOp),
		wake:         make(chan struct{}, 1),
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (w *presenceWorker) markOnline(userID int64, at time.Time) {
	w.enqueue(presenceOp{kind: presenceOnline, userID: userID, at: at})
}

func (w *presenceWorker) markOffline(userID int64) {
	w.enqueue(presenceOp{kind: presenceOffline, userID: userID})
}

// touch is skipped while a transition for the user is still pending.
func (w *presenceWorker) touch(userID int64) {
	w.enqueue(presenceOp{kind: presenceTouch, userID: userID})
}

func (w *presenceWorker) enqueue(op presenceOp) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if _, queued := w.pending[op.userID]; !queued {
		w.order = append(w.order, op.userID)
		w.pending[op.userID] = op
	} else if op.kind != presenceTouch {
		w.pending[op.userID] = op
	}
	w.mu.Unlock()
	w.signal()
}

func (w *presenceWorker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// take hands the pending batch to the worker in first-queued order.
func (w *presenceWorker) take() ([]presenceOp, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ops := make([]presenceOp, 0, len(w.order))
	for _, id := range w.order {
		ops = append(ops, w.pending[id])
	}
	w.order = nil
	w.pending = make(map[int64]presenceOp)
	return ops, w.closed
}

// pendingCount is the number of users with an update not yet applied.
func (w *presenceWorker) pendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// close stops accepting updates. run applies what is still pending and
// returns; stores that have not answered within drainTimeout are abandoned.
func (w *presenceWorker) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	time.AfterFunc(w.drainTimeout, w.cancel)
	w.signal()
}

func (w *presenceWorker) run() {
	defer w.cancel()
	for range w.wake {
		ops, closed := w.take()
		w.applyAll(ops)
		if closed {
			return
		}
	}
}

func (w *presenceWorker) applyAll(ops []presenceOp) {
	for _, op := range ops {
		w.apply(op)
	}
}

func (w *presenceWorker) apply(op presenceOp) {
	ctx, cancel := context.WithTimeout(w.ctx, w.opTimeout)
	defer cancel()

	var err error
	switch op.kind {
	case presenceOnline:
		err = w.store.MarkOnline(ctx, op.userID, presence.Metadata{
			ServerID:    w.serverID,
			ConnectedAt: op.at,
		})
	case presenceOffline:
		err = w.store.MarkOffline(ctx, op.userID)
	case presenceTouch:
		err = w.store.Touch(ctx, op.userID)
	}
	if err != nil {
		w.log.Warn("presence update failed",
			zap.String("op", op.kind.String()),
			zap.Int64("user_id", op.userID),
			zap.Error(err))
	}
}
