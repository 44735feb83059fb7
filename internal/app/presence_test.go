package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"live-quiz-service/internal/app"
	"live-quiz-service/internal/domain"
)

type fakeMirror struct {
	mu      sync.Mutex
	entries map[string]domain.PresenceEntry
}

func (m *fakeMirror) Sync(_ context.Context, entry domain.PresenceEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]domain.PresenceEntry)
	}
	m.entries[entry.Identity.UserID] = entry
	return nil
}

func (m *fakeMirror) Remove(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, userID)
	return nil
}

func withConn(id domain.Identity, conn string) domain.Identity {
	id.ConnectionID = conn
	return id
}

func TestPresenceCountsConnections(t *testing.T) {
	notifier := &recordingNotifier{}
	mirror := &fakeMirror{}
	registry := app.NewPresenceRegistry(notifier, mirror)

	registry.Register(withConn(alice, "c1"))
	entry, err := registry.Register(withConn(alice, "c2"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if entry.ConnectionCount != 2 || entry.Status != domain.StatusOnline {
		t.Fatalf("expected 2 live connections, got %+v", entry)
	}
	if len(registry.Snapshot()) != 1 {
		t.Fatalf("expected one entry per user")
	}

	if gone := registry.Deregister("u1", "c1", nil); gone {
		t.Fatalf("user still has a connection")
	}
	if gone := registry.Deregister("u1", "c1", nil); gone {
		t.Fatalf("duplicate deregister must be a no-op")
	}
	if e, _ := registry.Get("u1"); e.ConnectionCount != 1 {
		t.Fatalf("expected 1 connection, got %d", e.ConnectionCount)
	}

	notifier.reset()
	if gone := registry.Deregister("u1", "c2", nil); !gone {
		t.Fatalf("expected user removed with the last connection")
	}
	if _, ok := registry.Get("u1"); ok {
		t.Fatalf("entry should be gone")
	}
	if len(mirror.entries) != 0 {
		t.Fatalf("mirror should be cleared, got %+v", mirror.entries)
	}

	lists := notifier.broadcastsOf(app.EventUserList)
	if len(lists) != 1 {
		t.Fatalf("expected a single final broadcast, got %d", len(lists))
	}
	final := lists[0].([]domain.PresenceEntry)
	if len(final) != 1 || final[0].Status != domain.StatusOffline || final[0].ConnectionCount != 0 {
		t.Fatalf("final broadcast should carry the offline entry, got %+v", final)
	}
}

func TestPresenceReconnectKeepsSingleEntry(t *testing.T) {
	registry := app.NewPresenceRegistry(nil, nil)

	registry.Register(withConn(alice, "c1"))
	// New connection arrives before the old one is noticed as dead.
	registry.Register(withConn(alice, "c2"))
	registry.Deregister("u1", "c1", nil)

	snapshot := registry.Snapshot()
	if len(snapshot) != 1 {
		t.Fatalf("expected exactly one entry, got %+v", snapshot)
	}
	if snapshot[0].Status != domain.StatusOnline || snapshot[0].ConnectionCount != 1 {
		t.Fatalf("expected online with one connection, got %+v", snapshot[0])
	}
}

func TestPresenceForceRemoveIsIdempotent(t *testing.T) {
	notifier := &recordingNotifier{}
	registry := app.NewPresenceRegistry(notifier, nil)
	registry.Register(withConn(alice, "c1"))
	registry.Register(withConn(alice, "c2"))

	if !registry.ForceRemove("u1") {
		t.Fatalf("expected entry removed")
	}
	notifier.reset()
	if registry.ForceRemove("u1") {
		t.Fatalf("second logout must report nothing removed")
	}
	if len(notifier.broadcastsOf(app.EventUserList)) != 0 {
		t.Fatalf("second logout must not broadcast")
	}
	// Late disconnects of the removed connections are harmless.
	if registry.Deregister("u1", "c1", func() { t.Fatalf("cleanup must not run for a removed user") }) {
		t.Fatalf("unknown user must not report gone")
	}
	if len(registry.Snapshot()) != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestPresenceIdleAndHeartbeat(t *testing.T) {
	clock := newFakeClock()
	notifier := &recordingNotifier{}
	registry := app.NewPresenceRegistryWithClock(notifier, nil, clock.Now)
	registry.Register(withConn(alice, "c1"))
	registry.Register(withConn(bob, "c2"))

	clock.Advance(30 * time.Second)
	registry.Heartbeat("u2")
	clock.Advance(40 * time.Second)

	if n := registry.MarkIdle(time.Minute); n != 1 {
		t.Fatalf("expected alice idle, got %d changes", n)
	}
	if e, _ := registry.Get("u1"); e.Status != domain.StatusIdle {
		t.Fatalf("expected idle, got %s", e.Status)
	}
	if e, _ := registry.Get("u2"); e.Status != domain.StatusOnline {
		t.Fatalf("expected bob online, got %s", e.Status)
	}

	notifier.reset()
	registry.Heartbeat("u1")
	if e, _ := registry.Get("u1"); e.Status != domain.StatusOnline {
		t.Fatalf("heartbeat should bring alice back online")
	}
	if len(notifier.broadcastsOf(app.EventUserList)) != 1 {
		t.Fatalf("status change should broadcast")
	}

	registry.Heartbeat("ghost")
	if _, ok := registry.Get("ghost"); ok {
		t.Fatalf("heartbeat must not create entries")
	}
}

func TestPresenceSnapshotOrder(t *testing.T) {
	registry := app.NewPresenceRegistry(nil, nil)
	registry.Register(withConn(carol, "c3"))
	registry.Register(withConn(alice, "c1"))
	registry.Register(withConn(bob, "c2"))

	snapshot := registry.Snapshot()
	for i, want := range []string{"alice", "bob", "carol"} {
		if snapshot[i].Identity.Username != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, snapshot[i].Identity.Username)
		}
	}
}

func TestPresenceRejectsRoleTakeover(t *testing.T) {
	registry := app.NewPresenceRegistry(nil, nil)
	if _, err := registry.Register(withConn(host, "c1")); err != nil {
		t.Fatalf("register admin: %v", err)
	}

	guest := withConn(host, "c2")
	guest.Role = domain.RoleUser
	if err := registry.CheckIdentity(guest); !errors.Is(err, domain.ErrAuthRejected) {
		t.Fatalf("expected check to reject the takeover, got %v", err)
	}
	if _, err := registry.Register(guest); !errors.Is(err, domain.ErrAuthRejected) {
		t.Fatalf("expected register to reject the takeover, got %v", err)
	}
	entry, _ := registry.Get(host.UserID)
	if entry.Identity.Role != domain.RoleAdmin || entry.ConnectionCount != 1 {
		t.Fatalf("admin entry must be untouched, got %+v", entry)
	}

	// Once the admin is gone the id is free again.
	registry.Deregister(host.UserID, "c1", nil)
	if _, err := registry.Register(guest); err != nil {
		t.Fatalf("register after admin left: %v", err)
	}
}

func TestDeregisterCleanupRunsBeforeReconnect(t *testing.T) {
	registry := app.NewPresenceRegistry(nil, nil)
	rooms := app.NewRoomManager(nil, 0)
	registry.Register(withConn(alice, "c1"))
	if _, err := rooms.Join(app.DefaultChannel, alice); err != nil {
		t.Fatalf("join: %v", err)
	}

	rejoined := make(chan struct{})
	registry.Deregister(alice.UserID, "c1", func() {
		// The reconnect starts while the old connection is being cleaned up.
		go func() {
			defer close(rejoined)
			registry.Register(withConn(alice, "c2"))
			rooms.Join(app.DefaultChannel, alice)
		}()
		time.Sleep(20 * time.Millisecond)
		rooms.LeaveAll(alice.UserID)
	})

	select {
	case <-rejoined:
	case <-time.After(2 * time.Second):
		t.Fatalf("reconnect never completed")
	}
	if !rooms.IsMember(app.DefaultChannel, alice.UserID) {
		t.Fatalf("stale cleanup stripped the membership restored by the reconnect")
	}
	if e, ok := registry.Get(alice.UserID); !ok || e.ConnectionCount != 1 {
		t.Fatalf("expected the reconnected entry, got %+v ok=%v", e, ok)
	}
}

// blockingMirror holds every Sync until release is closed.
type blockingMirror struct {
	fakeMirror
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (m *blockingMirror) Sync(ctx context.Context, entry domain.PresenceEntry) error {
	m.once.Do(func() { close(m.entered) })
	<-m.release
	return m.fakeMirror.Sync(ctx, entry)
}

func TestPresenceMirrorWritesOutsideRegistryLock(t *testing.T) {
	mirror := &blockingMirror{entered: make(chan struct{}), release: make(chan struct{})}
	registry := app.NewPresenceRegistry(nil, mirror)

	registered := make(chan struct{})
	go func() {
		defer close(registered)
		registry.Register(withConn(alice, "c1"))
	}()
	<-mirror.entered

	snapshot := make(chan []domain.PresenceEntry, 1)
	go func() { snapshot <- registry.Snapshot() }()
	select {
	case got := <-snapshot:
		if len(got) != 1 {
			t.Fatalf("expected alice listed while the mirror is slow, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("snapshot blocked behind a mirror write")
	}

	close(mirror.release)
	<-registered
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if _, ok := mirror.entries[alice.UserID]; !ok {
		t.Fatalf("expected mirror synced once released")
	}
}
