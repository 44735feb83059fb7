package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"live-quiz-service/internal/domain"
)

// EventUserList carries full presence snapshots.
const EventUserList = "user_list"

// mirrorTimeout bounds a single mirror write.
const mirrorTimeout = 2 * time.Second

// PresenceRegistry is the process-wide table of connected identities.
type PresenceRegistry struct {
	notifier Notifier
	mirror   PresenceMirror
	now      func() time.Time
	log      *logrus.Entry

	mu      sync.Mutex
	entries map[string]*presence

	// mirrorSeq is the next ticket handed to a batch of mirror writes.
	mirrorSeq uint64

	// mirrorMu serializes mirror writes outside mu, in ticket order.
	mirrorMu   sync.Mutex
	mirrorCond *sync.Cond
	mirrorNext uint64
}

type presence struct {
	identity      domain.Identity
	status        domain.PresenceStatus
	lastHeartbeat time.Time
	connections   map[string]struct{}
}

func (p *presence) entry() domain.PresenceEntry {
	return domain.PresenceEntry{
		Identity:        p.identity,
		Status:          p.status,
		LastHeartbeatAt: p.lastHeartbeat,
		ConnectionCount: len(p.connections),
	}
}

// mirrorOp is one pending mirror write; remove drops entry's user.
type mirrorOp struct {
	entry  domain.PresenceEntry
	remove bool
}

// mirrorBatch collects mirror writes under mu. They are applied after mu
// is released, in the order the batches were sealed.
type mirrorBatch struct {
	ops    []mirrorOp
	seq    uint64
	sealed bool
}

func NewPresenceRegistry(notifier Notifier, mirror PresenceMirror) *PresenceRegistry {
	return NewPresenceRegistryWithClock(notifier, mirror, time.Now)
}

// NewPresenceRegistryWithClock allows deterministic timestamps in tests.
func NewPresenceRegistryWithClock(notifier Notifier, mirror PresenceMirror, now func() time.Time) *PresenceRegistry {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	r := &PresenceRegistry{
		notifier: notifier,
		mirror:   mirror,
		now:      now,
		log:      logrus.WithField("component", "presence"),
		entries:  make(map[string]*presence),
	}
	r.mirrorCond = sync.NewCond(&r.mirrorMu)
	return r
}

// CheckIdentity reports whether identity may register. A user id that is
// live under a different role cannot be taken over.
func (r *PresenceRegistry) CheckIdentity(identity domain.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.checkLocked(identity)
}

func (r *PresenceRegistry) checkLocked(identity domain.Identity) error {
	p, ok := r.entries[identity.UserID]
	if ok && len(p.connections) > 0 && p.identity.Role != identity.Role {
		return domain.Rejected(domain.ReasonIdentityInUse)
	}
	return nil
}

// Register records a new connection for identity and marks it online.
func (r *PresenceRegistry) Register(identity domain.Identity) (domain.PresenceEntry, error) {
	var batch mirrorBatch
	r.mu.Lock()
	if err := r.checkLocked(identity); err != nil {
		r.mu.Unlock()
		r.log.WithField("user_id", identity.UserID).Warn("identity already live under another role")
		return domain.PresenceEntry{}, err
	}
	p, ok := r.entries[identity.UserID]
	if !ok {
		p = &presence{connections: make(map[string]struct{})}
		r.entries[identity.UserID] = p
	}
	p.identity = identity
	p.status = domain.StatusOnline
	p.lastHeartbeat = r.now()
	p.connections[identity.ConnectionID] = struct{}{}

	entry := p.entry()
	r.syncLocked(&batch, entry)
	r.broadcastLocked(nil)
	r.sealLocked(&batch)
	r.mu.Unlock()

	r.flush(&batch)
	return entry, nil
}

// Heartbeat refreshes liveness; unknown users are ignored.
func (r *PresenceRegistry) Heartbeat(userID string) {
	var batch mirrorBatch
	r.mu.Lock()
	if p, ok := r.entries[userID]; ok {
		p.lastHeartbeat = r.now()
		if p.status != domain.StatusOnline {
			p.status = domain.StatusOnline
			r.syncLocked(&batch, p.entry())
			r.broadcastLocked(nil)
		}
	}
	r.sealLocked(&batch)
	r.mu.Unlock()
	r.flush(&batch)
}

// Deregister drops one connection. When the last one goes the entry is
// broadcast once as offline, removed, and onGone runs before the registry
// lock is released, so a reconnect of the same user cannot interleave with
// it. It reports whether the user is gone; unknown users and connections
// report false.
func (r *PresenceRegistry) Deregister(userID, connectionID string, onGone func()) bool {
	var batch mirrorBatch
	gone := false
	r.mu.Lock()
	if p, ok := r.entries[userID]; ok {
		if _, live := p.connections[connectionID]; live {
			delete(p.connections, connectionID)
			if len(p.connections) > 0 {
				r.syncLocked(&batch, p.entry())
				r.broadcastLocked(nil)
			} else {
				r.removeLocked(&batch, userID, p)
				gone = true
				if onGone != nil {
					onGone()
				}
			}
		}
	}
	r.sealLocked(&batch)
	r.mu.Unlock()
	r.flush(&batch)
	return gone
}

// ForceRemove drops every connection of userID (explicit logout). It reports
// whether an entry existed.
func (r *PresenceRegistry) ForceRemove(userID string) bool {
	var batch mirrorBatch
	r.mu.Lock()
	p, ok := r.entries[userID]
	if ok {
		p.connections = make(map[string]struct{})
		r.removeLocked(&batch, userID, p)
	}
	r.sealLocked(&batch)
	r.mu.Unlock()
	r.flush(&batch)
	return ok
}

func (r *PresenceRegistry) removeLocked(batch *mirrorBatch, userID string, p *presence) {
	p.status = domain.StatusOffline
	final := p.entry()
	delete(r.entries, userID)
	if r.mirror != nil {
		batch.ops = append(batch.ops, mirrorOp{entry: final, remove: true})
	}
	r.broadcastLocked(&final)
}

// MarkIdle flags entries whose last heartbeat is older than idleAfter.
// Entries are never removed here; only transport disconnects remove them.
func (r *PresenceRegistry) MarkIdle(idleAfter time.Duration) int {
	var batch mirrorBatch
	r.mu.Lock()
	cutoff := r.now().Add(-idleAfter)
	changed := 0
	for _, p := range r.entries {
		if p.status == domain.StatusOnline && p.lastHeartbeat.Before(cutoff) {
			p.status = domain.StatusIdle
			r.syncLocked(&batch, p.entry())
			changed++
		}
	}
	if changed > 0 {
		r.broadcastLocked(nil)
	}
	r.sealLocked(&batch)
	r.mu.Unlock()
	r.flush(&batch)
	return changed
}

// Get returns the entry for userID.
func (r *PresenceRegistry) Get(userID string) (domain.PresenceEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.entries[userID]
	if !ok {
		return domain.PresenceEntry{}, false
	}
	return p.entry(), true
}

// Snapshot lists live entries ordered by username, then user id.
func (r *PresenceRegistry) Snapshot() []domain.PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Shutdown clears the table without broadcasting.
func (r *PresenceRegistry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*presence)
}

func (r *PresenceRegistry) snapshotLocked() []domain.PresenceEntry {
	out := make([]domain.PresenceEntry, 0, len(r.entries))
	for _, p := range r.entries {
		out = append(out, p.entry())
	}
	sortPresence(out)
	return out
}

func (r *PresenceRegistry) broadcastLocked(departed *domain.PresenceEntry) {
	snapshot := r.snapshotLocked()
	if departed != nil {
		snapshot = append(snapshot, *departed)
		sortPresence(snapshot)
	}
	r.notifier.Broadcast(EventUserList, snapshot)
}

func (r *PresenceRegistry) syncLocked(batch *mirrorBatch, entry domain.PresenceEntry) {
	if r.mirror == nil {
		return
	}
	batch.ops = append(batch.ops, mirrorOp{entry: entry})
}

// sealLocked hands batch the next mirror ticket if it has writes.
func (r *PresenceRegistry) sealLocked(batch *mirrorBatch) {
	if len(batch.ops) == 0 {
		return
	}
	batch.seq = r.mirrorSeq
	batch.sealed = true
	r.mirrorSeq++
}

// flush applies a sealed batch once every earlier batch has been applied.
func (r *PresenceRegistry) flush(batch *mirrorBatch) {
	if !batch.sealed {
		return
	}
	r.mirrorMu.Lock()
	defer r.mirrorMu.Unlock()
	for r.mirrorNext != batch.seq {
		r.mirrorCond.Wait()
	}
	for _, op := range batch.ops {
		userID := op.entry.Identity.UserID
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		var err error
		if op.remove {
			err = r.mirror.Remove(ctx, userID)
		} else {
			err = r.mirror.Sync(ctx, op.entry)
		}
		cancel()
		if err != nil {
			r.log.WithError(err).WithField("user_id", userID).WithField("remove", op.remove).Warn("presence mirror write failed")
		}
	}
	r.mirrorNext++
	r.mirrorCond.Broadcast()
}

func sortPresence(entries []domain.PresenceEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Identity.Username != entries[j].Identity.Username {
			return entries[i].Identity.Username < entries[j].Identity.Username
		}
		return entries[i].Identity.UserID < entries[j].Identity.UserID
	})
}
