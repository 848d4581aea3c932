// Package presence records which users hold a live gateway connection.
//
// The store is a best-effort, eventually consistent cache: an instance that
// crashes leaves its heartbeats behind until their TTL lapses. Nothing in the
// gateway treats it as authoritative.
package presence

import (
	"context"
	"time"
)

// DefaultTTL is how long a heartbeat survives without a Touch.
const DefaultTTL = time.Hour

// Metadata describes the connection that brought a user online.
type Metadata struct {
	ServerID    string
	ConnectedAt time.Time
}

// Record is the heartbeat stored for an online user.
type Record struct {
	UserID         int64     `json:"user_id"`
	ServerID       string    `json:"server_id,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Store is the presence cache consumed by the gateway.
type Store interface {
	// MarkOnline writes a heartbeat for user and adds it to the online set.
	MarkOnline(ctx context.Context, userID int64, meta Metadata) error
	// Touch refreshes last activity and the heartbeat TTL. It is a no-op for
	// users without a heartbeat.
	Touch(ctx context.Context, userID int64) error
	// MarkOffline removes the heartbeat and the online-set entry.
	MarkOffline(ctx context.Context, userID int64) error
	IsOnline(ctx context.Context, userID int64) (bool, error)
	ListOnline(ctx context.Context) ([]int64, error)
	// Ping reports whether the backing cache is reachable.
	Ping(ctx context.Context) error
}
