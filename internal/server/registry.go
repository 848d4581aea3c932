// Package server tracks every authenticated connection by user id. The
// registry is owned by the hub goroutine and is never shared.
package server

import (
	"sort"
	"time"

	"go.uber.org/zap"
)

// presenceNotifier receives the online and offline transitions of a user.
type presenceNotifier interface {
	markOnline(userID int64, at time.Time)
	markOffline(userID int64)
}

// Registry maps user ids to their live connections. A user is online while
// it holds at least one connection.
type Registry struct {
	byUser   map[int64]map[*Client]struct{}
	presence presenceNotifier
	now      func() time.Time
	log      *zap.Logger
}

func newRegistry(p presenceNotifier, log *zap.Logger) *Registry {
	return &Registry{
		byUser:   make(map[int64]map[*Client]struct{}),
		presence: p,
		now:      time.Now,
		log:      log,
	}
}

// Register adds c under its user id and reports whether it is the user's
// first connection, in which case the user is marked online.
func (r *Registry) Register(c *Client) bool {
	conns, ok := r.byUser[c.userID]
	if !ok {
		conns = make(map[*Client]struct{})
		r.byUser[c.userID] = conns
	}
	conns[c] = struct{}{}

	first := len(conns) == 1
	if first {
		r.presence.markOnline(c.userID, r.now())
	}
	r.log.Debug("connection registered",
		zap.Int64("user_id", c.userID),
		zap.String("conn_id", c.id),
		zap.Int("user_connections", len(conns)))
	return first
}

// Unregister removes c and reports whether it was the user's last
// connection, in which case the user is marked offline. Unknown connections
// are ignored.
func (r *Registry) Unregister(c *Client) bool {
	conns, ok := r.byUser[c.userID]
	if !ok {
		return false
	}
	if _, ok := conns[c]; !ok {
		return false
	}
	delete(conns, c)

	if len(conns) > 0 {
		return false
	}
	delete(r.byUser, c.userID)
	r.presence.markOffline(c.userID)
	return true
}

// SendToUser offers payload to every connection of userID without blocking.
// Connections that cannot accept it are unregistered and returned so the
// caller can finish tearing them down.
func (r *Registry) SendToUser(userID int64, payload []byte) (delivered int, failed []*Client) {
	for c := range r.byUser[userID] {
		if c.trySend(payload) {
			delivered++
			continue
		}
		failed = append(failed, c)
	}
	for _, c := range failed {
		r.log.Warn("dropping connection with full send buffer",
			zap.Int64("user_id", userID),
			zap.String("conn_id", c.id))
		r.Unregister(c)
	}
	return delivered, failed
}

// Connections returns a snapshot of userID's connections.
func (r *Registry) Connections(userID int64) []*Client {
	conns := r.byUser[userID]
	out := make([]*Client, 0, len(conns))
	for c := range conns {
		out = append(out, c)
	}
	return out
}

// IsOnline reports whether userID holds a connection on this instance.
func (r *Registry) IsOnline(userID int64) bool {
	return len(r.byUser[userID]) > 0
}

// UserCount is the number of distinct online users.
func (r *Registry) UserCount() int {
	return len(r.byUser)
}

// ConnectionCount is the number of registered connections.
func (r *Registry) ConnectionCount() int {
	n := 0
	for _, conns := range r.byUser {
		n += len(conns)
	}
	return n
}

// Users returns the online user ids in ascending order.
func (r *Registry) Users() []int64 {
	ids := make([]int64, 0, len(r.byUser))
	for id := range r.byUser {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// All returns every registered connection.
func (r *Registry) All() []*Client {
	var out []*Client
	for _, conns := range r.byUser {
		for c := range conns {
			out = append(out, c)
		}
	}
	return out
}
