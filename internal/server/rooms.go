// Package server manages ephemeral private rooms: creation, membership, the
// one-shot TTL that starts when a second member arrives, explicit ending by
// the creator, and payload relay between members.
package server

import (
	"math"
	"time"

	"go.uber.org/zap"
)

// maxRoomIDLength bounds the opaque room identifiers accepted from clients.
const maxRoomIDLength = 64

type ttlState int

const (
	ttlNotStarted ttlState = iota
	ttlRunning
	ttlEnded
)

func (s ttlState) String() string {
	switch s {
	case ttlNotStarted:
		return "not_started"
	case ttlRunning:
		return "running"
	default:
		return "ended"
	}
}

type room struct {
	id        string
	members   map[*Client]struct{}
	creatorID int64 // 0 when unknown; any member may then end the room
	state     ttlState
	expiresAt time.Time
	timer     *time.Timer
	createdAt time.Time
}

func (r *room) memberList() []*Client {
	out := make([]*Client, 0, len(r.members))
	for c := range r.members {
		out = append(out, c)
	}
	return out
}

func (r *room) others(c *Client) []*Client {
	out := make([]*Client, 0, len(r.members))
	for m := range r.members {
		if m != c {
			out = append(out, m)
		}
	}
	return out
}

// RoomInfo is a read-only snapshot of a room.
type RoomInfo struct {
	ID        string    `json:"room_id"`
	Members   int       `json:"user_count"`
	CreatorID int64     `json:"creator_id"`
	TTLState  string    `json:"ttl_state"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// roomHost is what the RoomManager needs from the hub: non-blocking
// delivery, full connection teardown, and timers that fire on the hub
// goroutine.
type roomHost interface {
	send(c *Client, payload []byte) bool
	disconnect(c *Client, reason string)
	afterFunc(d time.Duration, fn func()) *time.Timer
}

// RoomManager owns every room. All methods run on the hub goroutine.
type RoomManager struct {
	rooms      map[string]*room
	host       roomHost
	ttl        time.Duration
	maxMembers int
	now        func() time.Time
	log        *zap.Logger
}

func newRoomManager(host roomHost, ttl time.Duration, maxMembers int, log *zap.Logger) *RoomManager {
	return &RoomManager{
		rooms:      make(map[string]*room),
		host:       host,
		ttl:        ttl,
		maxMembers: maxMembers,
		now:        time.Now,
		log:        log,
	}
}

// handle dispatches a room event sent by c.
func (rm *RoomManager) handle(c *Client, ev roomEvent) {
	id := ev.roomID()
	if id == "" {
		rm.reply(c, errorEvent("room_id is required"))
		return
	}
	if len(id) > maxRoomIDLength {
		rm.reply(c, errorEvent("room_id is too long"))
		return
	}

	switch e := ev.(type) {
	case CreatePrivateRoom:
		rm.CreateRoom(c, e.RoomID)
	case JoinPrivateRoom:
		rm.JoinRoom(c, e.RoomID)
	case LeavePrivateRoom:
		rm.LeaveRoom(c, e.RoomID)
	case EndRoom:
		rm.EndRoom(c, e.RoomID)
	case RoomMessage:
		rm.RelayMessage(c, e.RoomID, e.Payload)
	}
}

// CreateRoom creates roomID with c's user as creator unless it already
// exists, confirms with room_created, then joins c to it.
func (rm *RoomManager) CreateRoom(c *Client, roomID string) {
	if _, ok := rm.rooms[roomID]; !ok {
		rm.rooms[roomID] = &room{
			id:        roomID,
			members:   make(map[*Client]struct{}),
			creatorID: c.userID,
			createdAt: rm.now(),
		}
		activeRoomsGauge.Set(float64(len(rm.rooms)))
		rm.log.Info("room created", zap.String("room_id", roomID), zap.Int64("creator_id", c.userID))
	}
	rm.reply(c, roomEventOf(TypeRoomCreated, roomID))
	rm.JoinRoom(c, roomID)
}

// JoinRoom adds c to an existing room. Joining never creates a room.
func (rm *RoomManager) JoinRoom(c *Client, roomID string) {
	r, ok := rm.rooms[roomID]
	if !ok {
		rm.reply(c, roomEventOf(TypeRoomNotFound, roomID))
		return
	}
	if c.closed {
		rm.closeIfEmpty(r, "empty")
		return
	}
	if _, member := r.members[c]; member {
		rm.reply(c, rm.joinedEvent(r, c))
		return
	}
	if rm.maxMembers > 0 && len(r.members) >= rm.maxMembers {
		rm.reply(c, errorEvent("room is full"))
		return
	}

	existing := r.memberList()
	r.members[c] = struct{}{}
	c.rooms[roomID] = r
	if len(r.members) == 2 && r.state == ttlNotStarted {
		rm.startTTL(r)
	}
	rm.log.Debug("joined room",
		zap.String("room_id", roomID),
		zap.Int64("user_id", c.userID),
		zap.Int("user_count", len(r.members)))

	rm.reply(c, rm.joinedEvent(r, c))
	rm.deliver(existing, rm.stateEvent(TypeUserJoinedRoom, r))
}

// LeaveRoom removes c from roomID and always answers left_room. Leaving a
// room the connection is not in changes nothing.
func (rm *RoomManager) LeaveRoom(c *Client, roomID string) {
	if r, ok := rm.rooms[roomID]; ok {
		if _, member := r.members[c]; member {
			rm.removeMember(r, c)
		}
	}
	rm.reply(c, roomEventOf(TypeLeftRoom, roomID))
}

// EndRoom tears the room down on behalf of its creator.
func (rm *RoomManager) EndRoom(c *Client, roomID string) {
	r, ok := rm.rooms[roomID]
	if !ok {
		rm.reply(c, roomEventOf(TypeRoomNotFound, roomID))
		return
	}
	if r.creatorID != 0 && r.creatorID != c.userID {
		rm.reply(c, errorEvent("only the room creator can end this room"))
		return
	}
	rm.log.Info("room ended by creator", zap.String("room_id", roomID), zap.Int64("user_id", c.userID))
	rm.teardown(r, TypeRoomEnded, "ended")
}

// RelayMessage forwards payload to every other member of roomID.
func (rm *RoomManager) RelayMessage(c *Client, roomID string, payload any) {
	r, ok := rm.rooms[roomID]
	if !ok {
		rm.reply(c, roomEventOf(TypeRoomExpired, roomID))
		return
	}
	if _, member := r.members[c]; !member {
		rm.reply(c, errorEvent("not a member of this room"))
		return
	}
	rm.deliver(r.others(c), RoomMessageEvent{
		Type:      TypeRoomMessage,
		RoomID:    roomID,
		Payload:   payload,
		SenderID:  c.userID,
		Timestamp: rm.now().UTC().Format(time.RFC3339),
	})
}

// removeConnection drops c from every room it belongs to, notifying the
// remaining members.
func (rm *RoomManager) removeConnection(c *Client) {
	if len(c.rooms) == 0 {
		return
	}
	joined := make([]*room, 0, len(c.rooms))
	for _, r := range c.rooms {
		joined = append(joined, r)
	}
	for _, r := range joined {
		if rm.rooms[r.id] != r {
			delete(c.rooms, r.id)
			continue
		}
		if _, member := r.members[c]; member {
			rm.removeMember(r, c)
		}
	}
}

// removeMember takes c out of r. The last member leaving closes the room.
func (rm *RoomManager) removeMember(r *room, c *Client) {
	delete(r.members, c)
	delete(c.rooms, r.id)

	if len(r.members) == 0 {
		rm.close(r, "empty")
		return
	}
	rm.deliver(r.memberList(), rm.stateEvent(TypeUserLeftRoom, r))
}

func (rm *RoomManager) startTTL(r *room) {
	r.state = ttlRunning
	r.expiresAt = rm.now().Add(rm.ttl)
	r.timer = rm.host.afterFunc(rm.ttl, func() { rm.expire(r) })
	rm.log.Info("room ttl started",
		zap.String("room_id", r.id),
		zap.Duration("ttl", rm.ttl))
}

// expire runs when r's timer fires. A room that was ended, emptied or
// replaced in the meantime is left alone.
func (rm *RoomManager) expire(r *room) {
	if rm.rooms[r.id] != r || r.state != ttlRunning {
		return
	}
	rm.log.Info("room expired", zap.String("room_id", r.id), zap.Int("user_count", len(r.members)))
	rm.teardown(r, TypeRoomExpired, "expired")
}

// teardown removes r, sends every member the closing event and then closes
// their connections.
func (rm *RoomManager) teardown(r *room, event EventType, reason string) {
	members := r.memberList()
	for _, m := range members {
		delete(m.rooms, r.id)
	}
	r.members = make(map[*Client]struct{})
	rm.close(r, reason)

	payload, ok := rm.encode(roomEventOf(event, r.id))
	for _, m := range members {
		if ok {
			rm.host.send(m, payload)
		}
	}
	for _, m := range members {
		rm.host.disconnect(m, "room "+reason)
	}
}

func (rm *RoomManager) close(r *room, reason string) {
	r.state = ttlEnded
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if rm.rooms[r.id] == r {
		delete(rm.rooms, r.id)
		roomsClosedTotal.WithLabelValues(reason).Inc()
		activeRoomsGauge.Set(float64(len(rm.rooms)))
		rm.log.Debug("room closed", zap.String("room_id", r.id), zap.String("reason", reason))
	}
}

func (rm *RoomManager) closeIfEmpty(r *room, reason string) {
	if len(r.members) == 0 {
		rm.close(r, reason)
	}
}

// shutdown stops every timer and forgets all rooms.
func (rm *RoomManager) shutdown() {
	for _, r := range rm.rooms {
		rm.close(r, "shutdown")
	}
}

// Room returns a snapshot of roomID.
func (rm *RoomManager) Room(roomID string) (RoomInfo, bool) {
	r, ok := rm.rooms[roomID]
	if !ok {
		return RoomInfo{}, false
	}
	return RoomInfo{
		ID:        r.id,
		Members:   len(r.members),
		CreatorID: r.creatorID,
		TTLState:  r.state.String(),
		ExpiresAt: r.expiresAt,
	}, true
}

// Count is the number of open rooms.
func (rm *RoomManager) Count() int {
	return len(rm.rooms)
}

func (rm *RoomManager) joinedEvent(r *room, c *Client) RoomStateEvent {
	ev := rm.stateEvent(TypeJoinedRoom, r)
	isCreator := r.creatorID != 0 && r.creatorID == c.userID
	ev.IsCreator = &isCreator
	return ev
}

func (rm *RoomManager) stateEvent(t EventType, r *room) RoomStateEvent {
	ev := RoomStateEvent{
		Type:       t,
		RoomID:     r.id,
		UserCount:  len(r.members),
		TTLStarted: r.state == ttlRunning,
	}
	if r.state == ttlRunning {
		remaining := int(math.Ceil(r.expiresAt.Sub(rm.now()).Seconds()))
		if remaining < 0 {
			remaining = 0
		}
		ev.ExpiresIn = &remaining
	}
	return ev
}

func (rm *RoomManager) reply(c *Client, event any) {
	rm.deliver([]*Client{c}, event)
}

// deliver encodes event once and offers it to every target. Targets whose
// buffers are full are disconnected after the whole batch was offered.
func (rm *RoomManager) deliver(targets []*Client, event any) {
	if len(targets) == 0 {
		return
	}
	payload, ok := rm.encode(event)
	if !ok {
		return
	}

	var failed []*Client
	for _, c := range targets {
		if !rm.host.send(c, payload) {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		rm.host.disconnect(c, "send buffer full")
	}
}

func (rm *RoomManager) encode(event any) ([]byte, bool) {
	payload, err := encodeEvent(event)
	if err != nil {
		rm.log.Error("failed to encode room event", zap.Error(err))
		return nil, false
	}
	return payload, true
}
