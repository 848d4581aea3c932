// Package server coordinates client registration, frame dispatch, and
// connection cleanup for the chat gateway via the Hub type.
package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/gochat-gateway/internal/logger"
	"github.com/Tyrowin/gochat-gateway/internal/presence"
	"github.com/Tyrowin/gochat-gateway/internal/store"
)

// Dependencies are the collaborators a Hub is built from. Nil Persistence
// and Presence fall back to in-memory implementations.
type Dependencies struct {
	Validator   TokenValidator
	Persistence ChatPersistence
	Presence    presence.Store
	Logger      *zap.Logger
}

// inboundFrame is a decoded frame handed from a read pump to the hub. The
// hub closes done once it has finished with the frame.
type inboundFrame struct {
	client *Client
	event  InboundEvent
	reject string
	done   chan struct{}
}

// Status is a point-in-time view of the hub safe to read from any goroutine.
type Status struct {
	Running     bool `json:"running"`
	OnlineCount int  `json:"online_count"`
}

// Hub owns every connection and room. All of that state is touched only by
// the goroutine executing Run; other goroutines reach it through channels.
type Hub struct {
	cfg       Config
	log       *zap.Logger
	validator TokenValidator
	store     presence.Store

	gate     *authGate
	origins  *originPolicy
	registry *Registry
	rooms    *RoomManager
	router   *MessageRouter
	presence *presenceWorker
	bridge   *Bridge

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundFrame
	tasks      chan func()

	started     atomic.Bool
	running     atomic.Bool
	onlineUsers atomic.Int64
	roomCount   atomic.Int64

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

const (
	taskQueueSize   = 256
	bridgeQueueSize = 1024
)

// ErrNoValidator is returned by NewHub when no TokenValidator is supplied.
var ErrNoValidator = errors.New("hub requires a token validator")

// NewHub builds a hub and all of its components. Call Run (or Start) to
// begin processing.
func NewHub(cfg *Config, deps Dependencies) (*Hub, error) {
	if deps.Validator == nil {
		return nil, ErrNoValidator
	}
	if cfg == nil {
		cfg = NewConfig()
	}
	c := cfg.sanitize()

	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	persistence := deps.Persistence
	if persistence == nil {
		persistence = store.NewMemory()
	}
	presenceStore := deps.Presence
	if presenceStore == nil {
		presenceStore = presence.NewMemoryStore(c.PresenceTTL)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:        c,
		log:        log,
		validator:  deps.Validator,
		store:      presenceStore,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundFrame),
		tasks:      make(chan func(), taskQueueSize),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	h.gate = &authGate{validator: deps.Validator, timeout: c.AuthTimeout, log: log}
	h.origins = newOriginPolicy(c.AllowedOrigins, log)
	h.presence = newPresenceWorker(presenceStore, c.ServerID, log)
	h.registry = newRegistry(h.presence, log)
	h.rooms = newRoomManager(h, c.RoomTTL, c.MaxRoomMembers, log)
	h.router = newMessageRouter(h, persistence, c.PersistTimeout, log)
	h.bridge = newBridge(bridgeQueueSize, h.running.Load, log)
	return h, nil
}

// Config returns the sanitized configuration the hub runs with.
func (h *Hub) Config() Config {
	return h.cfg
}

// Presence returns the shared presence store.
func (h *Hub) Presence() presence.Store {
	return h.store
}

// Start runs the hub loop on a new goroutine. The hub counts as running
// once Start returns.
func (h *Hub) Start() {
	if h.claim() {
		go h.run()
	}
}

// Run starts the hub's main event loop and blocks until Shutdown is called.
func (h *Hub) Run() {
	if h.claim() {
		h.run()
	}
}

func (h *Hub) claim() bool {
	if !h.started.CompareAndSwap(false, true) {
		h.log.Warn("hub already running")
		return false
	}
	if h.ctx.Err() == nil {
		h.running.Store(true)
	}
	return true
}

func (h *Hub) run() {
	defer close(h.done)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.presence.run()
	}()
	defer h.presence.close()

	h.log.Info("hub started", zap.String("server_id", h.cfg.ServerID))

	for {
		select {
		case <-h.ctx.Done():
			h.running.Store(false)
			h.shutdownClients()
			return

		case client := <-h.register:
			h.handleRegister(client)

		case client := <-h.unregister:
			h.disconnect(client, "connection closed")

		case in := <-h.inbound:
			h.handleInbound(in)

		case task := <-h.tasks:
			task()

		case req := <-h.bridge.queue:
			h.sendToUser(req.userID, req.payload)
		}
	}
}

func (h *Hub) handleRegister(client *Client) {
	if client == nil {
		h.log.Warn("received nil client registration; skipping")
		return
	}

	client.closed = false
	h.registry.Register(client)
	h.updateGauges()
	client.log.Info("client registered", zap.Int("total_connections", h.registry.ConnectionCount()))

	if payload, ok := h.encode(AuthenticatedEvent{Type: TypeAuthenticated, UserID: client.userID}); ok {
		client.trySend(payload)
	}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

// handleInbound dispatches one frame. Every path must eventually call
// finish; send_message does so from its persistence continuation.
func (h *Hub) handleInbound(in inboundFrame) {
	finish := func() { close(in.done) }
	c := in.client
	if c.closed {
		finish()
		return
	}

	h.presence.touch(c.userID)

	if in.event == nil {
		h.sendTo(c, errorEvent(in.reject))
		finish()
		return
	}
	framesTotal.WithLabelValues(string(in.event.Type())).Inc()

	switch ev := in.event.(type) {
	case SendMessage:
		h.router.handle(c, ev, finish)
	case Authenticate:
		h.sendTo(c, errorEvent("already authenticated"))
		finish()
	case roomEvent:
		h.rooms.handle(c, ev)
		h.updateGauges()
		finish()
	default:
		h.sendTo(c, errorEvent("unsupported event type"))
		finish()
	}
}

// disconnect fully tears a connection down: registry entry, presence, room
// memberships and finally the send channel, which makes the write pump send
// a close frame. Safe to call more than once.
func (h *Hub) disconnect(c *Client, reason string) {
	if c == nil || c.closed {
		return
	}
	c.closed = true
	h.registry.Unregister(c)
	h.rooms.removeConnection(c)
	close(c.send)
	h.updateGauges()
	c.log.Info("client unregistered",
		zap.String("reason", reason),
		zap.Int("total_connections", h.registry.ConnectionCount()))
}

// sendToUser delivers payload to every connection of userID. Connections
// that cannot keep up are disconnected.
func (h *Hub) sendToUser(userID int64, payload []byte) int {
	delivered, failed := h.registry.SendToUser(userID, payload)
	for _, c := range failed {
		h.disconnect(c, "send buffer full")
	}
	return delivered
}

// sendTo delivers a single event to c, disconnecting it on failure.
func (h *Hub) sendTo(c *Client, event any) {
	payload, ok := h.encode(event)
	if !ok {
		return
	}
	if !c.trySend(payload) {
		h.disconnect(c, "send buffer full")
	}
}

func (h *Hub) encode(event any) ([]byte, bool) {
	payload, err := encodeEvent(event)
	if err != nil {
		h.log.Error("failed to encode event", zap.Error(err))
		return nil, false
	}
	return payload, true
}

func (h *Hub) updateGauges() {
	users := h.registry.UserCount()
	h.onlineUsers.Store(int64(users))
	h.roomCount.Store(int64(h.rooms.Count()))
	onlineUsersGauge.Set(float64(users))
	connectionsGauge.Set(float64(h.registry.ConnectionCount()))
}

// send, disconnect and afterFunc let the RoomManager act through the hub.
func (h *Hub) send(c *Client, payload []byte) bool {
	return c.trySend(payload)
}

func (h *Hub) afterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() { h.post(fn) })
}

// post runs fn on the hub goroutine. It returns false if the hub stopped
// first. Must not be called from the hub goroutine itself.
func (h *Hub) post(fn func()) bool {
	if !h.started.Load() {
		return false
	}
	select {
	case h.tasks <- fn:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// do runs fn on the hub goroutine and waits for it to finish.
func (h *Hub) do(fn func()) bool {
	done := make(chan struct{})
	if !h.post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Register hands an authenticated client to the hub. It returns false if
// the hub was never started or has stopped.
func (h *Hub) Register(c *Client) bool {
	if !h.started.Load() {
		return false
	}
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// submit passes a frame to the hub and waits until it has been handled.
func (h *Hub) submit(c *Client, ev InboundEvent) bool {
	return h.deliverFrame(inboundFrame{client: c, event: ev, done: make(chan struct{})})
}

// rejectFrame answers c with an error event through the hub.
func (h *Hub) rejectFrame(c *Client, msg string) bool {
	return h.deliverFrame(inboundFrame{client: c, reject: msg, done: make(chan struct{})})
}

func (h *Hub) deliverFrame(in inboundFrame) bool {
	if !h.started.Load() {
		return false
	}
	select {
	case h.inbound <- in:
	case <-h.ctx.Done():
		return false
	}
	select {
	case <-in.done:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// release is called by a read pump that has stopped reading.
func (h *Hub) release(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// ScheduleSend queues event for delivery to every connection of userID. It
// may be called from any goroutine and never blocks. It returns false when
// the hub is not running or its queue is full.
func (h *Hub) ScheduleSend(userID int64, event any) bool {
	return h.bridge.ScheduleSend(userID, event)
}

// StatusSnapshot reports whether the loop is running and how many distinct
// users are connected to this instance.
func (h *Hub) StatusSnapshot() Status {
	return Status{
		Running:     h.running.Load(),
		OnlineCount: int(h.onlineUsers.Load()),
	}
}

// ActiveRooms is the number of open rooms.
func (h *Hub) ActiveRooms() int {
	return int(h.roomCount.Load())
}

// IsLocallyConnected reports whether userID holds a connection on this
// instance. It returns false if the hub is not running.
func (h *Hub) IsLocallyConnected(userID int64) bool {
	var online bool
	h.do(func() { online = h.registry.IsOnline(userID) })
	return online
}

// RoomSnapshot returns the state of roomID as seen by the hub.
func (h *Hub) RoomSnapshot(roomID string) (RoomInfo, bool) {
	var (
		info RoomInfo
		ok   bool
	)
	h.do(func() { info, ok = h.rooms.Room(roomID) })
	return info, ok
}

// shutdownClients closes every connection and marks its user offline.
func (h *Hub) shutdownClients() {
	clients := h.registry.All()
	h.log.Info("shutting down all client connections", zap.Int("count", len(clients)))

	h.rooms.shutdown()
	for _, c := range clients {
		h.registry.Unregister(c)
		c.rooms = make(map[string]*room)
		c.closed = true
		close(c.send)
	}
	h.updateGauges()
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")

	h.cancel()

	if h.started.Load() {
		<-h.done
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
