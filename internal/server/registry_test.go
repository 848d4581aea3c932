package server

import (
	"testing"
	"time"

	"github.com/Tyrowin/gochat-gateway/internal/logger"
)

type recordedTransition struct {
	userID int64
	online bool
}

type recordingNotifier struct {
	transitions []recordedTransition
}

func (n *recordingNotifier) markOnline(userID int64, _ time.Time) {
	n.transitions = append(n.transitions, recordedTransition{userID: userID, online: true})
}

func (n *recordingNotifier) markOffline(userID int64) {
	n.transitions = append(n.transitions, recordedTransition{userID: userID, online: false})
}

func TestRegistryPresenceTransitions(t *testing.T) {
	notifier := &recordingNotifier{}
	r := newRegistry(notifier, logger.Nop())
	first, second := newTestClient(1, 4), newTestClient(1, 4)

	if !r.Register(first) {
		t.Error("Expected first connection to bring the user online")
	}
	if r.Register(second) {
		t.Error("Expected second connection not to be a first")
	}
	if r.Unregister(first) {
		t.Error("Expected user to remain online with one connection left")
	}
	if !r.IsOnline(1) {
		t.Error("Expected user to be online")
	}
	if !r.Unregister(second) {
		t.Error("Expected last connection to take the user offline")
	}
	if r.Unregister(second) {
		t.Error("Expected unregistering twice to be a no-op")
	}

	want := []recordedTransition{{1, true}, {1, false}}
	if len(notifier.transitions) != len(want) {
		t.Fatalf("Expected transitions %v, got %v", want, notifier.transitions)
	}
	for i := range want {
		if notifier.transitions[i] != want[i] {
			t.Errorf("Transition %d: expected %v, got %v", i, want[i], notifier.transitions[i])
		}
	}
}

func TestRegistryCounts(t *testing.T) {
	r := newRegistry(&recordingNotifier{}, logger.Nop())
	r.Register(newTestClient(3, 4))
	r.Register(newTestClient(1, 4))
	r.Register(newTestClient(1, 4))

	if got := r.UserCount(); got != 2 {
		t.Errorf("Expected 2 users, got %d", got)
	}
	if got := r.ConnectionCount(); got != 3 {
		t.Errorf("Expected 3 connections, got %d", got)
	}
	users := r.Users()
	if len(users) != 2 || users[0] != 1 || users[1] != 3 {
		t.Errorf("Expected sorted users [1 3], got %v", users)
	}
	if got := len(r.Connections(1)); got != 2 {
		t.Errorf("Expected 2 connections for user 1, got %d", got)
	}
}

func TestRegistrySendToUserEvictsFullBuffers(t *testing.T) {
	notifier := &recordingNotifier{}
	r := newRegistry(notifier, logger.Nop())
	healthy := newTestClient(1, 4)
	full := newTestClient(1, 1)
	full.send <- []byte(`{}`)
	r.Register(healthy)
	r.Register(full)

	delivered, failed := r.SendToUser(1, []byte(`{"type":"x"}`))

	if delivered != 1 {
		t.Errorf("Expected 1 delivery, got %d", delivered)
	}
	if len(failed) != 1 || failed[0] != full {
		t.Fatalf("Expected the full client to fail, got %v", failed)
	}
	if got := len(r.Connections(1)); got != 1 {
		t.Errorf("Expected the full client to be unregistered, %d connections left", got)
	}
	if !r.IsOnline(1) {
		t.Error("Expected user to stay online through the healthy connection")
	}
}

func TestRegistrySendToUnknownUser(t *testing.T) {
	r := newRegistry(&recordingNotifier{}, logger.Nop())
	delivered, failed := r.SendToUser(42, []byte(`{}`))
	if delivered != 0 || len(failed) != 0 {
		t.Errorf("Expected nothing to happen, got %d delivered and %d failed", delivered, len(failed))
	}
}
