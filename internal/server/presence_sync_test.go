package server

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/gochat-gateway/internal/logger"
	"github.com/Tyrowin/gochat-gateway/internal/presence"
)

// stalledStore never answers; every call waits for its context to end.
type stalledStore struct{}

func (stalledStore) MarkOnline(ctx context.Context, _ int64, _ presence.Metadata) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stalledStore) Touch(ctx context.Context, _ int64) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stalledStore) MarkOffline(ctx context.Context, _ int64) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stalledStore) IsOnline(ctx context.Context, _ int64) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

func (stalledStore) ListOnline(ctx context.Context) ([]int64, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stalledStore) Ping(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// recordingStore keeps the order of applied operations.
type recordingStore struct {
	presence.Store
	mu  sync.Mutex
	ops []string
}

func (s *recordingStore) record(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
}

func (s *recordingStore) MarkOnline(_ context.Context, userID int64, _ presence.Metadata) error {
	s.record("online:" + strconv.FormatInt(userID, 10))
	return nil
}

func (s *recordingStore) MarkOffline(_ context.Context, userID int64) error {
	s.record("offline:" + strconv.FormatInt(userID, 10))
	return nil
}

func (s *recordingStore) Touch(_ context.Context, userID int64) error {
	s.record("touch:" + strconv.FormatInt(userID, 10))
	return nil
}

func (s *recordingStore) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

func TestPresenceWorkerCoalescesPerUser(t *testing.T) {
	store := &recordingStore{}
	w := newPresenceWorker(store, "test", logger.Nop())

	w.markOnline(1, time.Now())
	w.markOffline(1)
	w.markOnline(2, time.Now())
	w.touch(2)
	w.touch(3)
	w.touch(3)

	if n := w.pendingCount(); n != 3 {
		t.Fatalf("Expected 3 pending users, got %d", n)
	}

	done := make(chan struct{})
	go func() {
		w.run()
		close(done)
	}()
	w.close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Worker did not stop after close")
	}

	got := store.recorded()
	want := []string{"offline:1", "online:2", "touch:3"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, got)
			break
		}
	}

	w.markOnline(4, time.Now())
	if n := w.pendingCount(); n != 0 {
		t.Errorf("Expected updates after close to be ignored, got %d pending", n)
	}
}

// TestHubLoopSurvivesStalledPresenceStore registers far more users than any
// queue bound while the presence store never answers, and requires the hub
// loop to keep serving tasks and to shut down in bounded time.
func TestHubLoopSurvivesStalledPresenceStore(t *testing.T) {
	hub := newTestHub(t, NewConfig(), Dependencies{Presence: stalledStore{}})
	hub.presence.opTimeout = 50 * time.Millisecond
	hub.presence.drainTimeout = 100 * time.Millisecond
	hub.Start()

	const users = 2000
	registered := make(chan bool, 1)
	go func() {
		registered <- hub.do(func() {
			for id := int64(1); id <= users; id++ {
				hub.registry.Register(newTestClient(id, 1))
			}
		})
	}()
	select {
	case ok := <-registered:
		if !ok {
			t.Fatal("Hub stopped while registering")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Hub loop blocked while registering users")
	}

	ran := make(chan bool, 1)
	go func() { ran <- hub.do(func() {}) }()
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("Hub loop stopped serving tasks")
	}

	if !hub.ScheduleSend(1, ErrorEvent{Type: TypeError, Message: "still here"}) {
		t.Error("Expected ScheduleSend to be accepted by a live hub")
	}
	waitFor(t, "bridge event delivered", func() bool {
		var queued int
		hub.do(func() {
			for _, c := range hub.registry.Connections(1) {
				queued += len(c.send)
			}
		})
		return queued == 1
	})

	start := time.Now()
	if err := hub.Shutdown(5 * time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Expected bounded shutdown, took %s", elapsed)
	}
}
