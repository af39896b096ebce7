package chat

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"agora/cmd/internal/metrics"
)

// PresenceEntry is one online participant in the community snapshot.
type PresenceEntry struct {
	Profile Profile
	Since   time.Time
}

// presenceSession is one tracked connection. The same actor may hold several
// at once (multiple tabs or devices); snapshots collapse them to one entry.
type presenceSession struct {
	sessionID string
	profile   Profile
	since     time.Time
}

// Presence tracks who is online across the whole community and fans out
// snapshot updates to subscribed observers. There is one merged set for the
// server, independent of which room each session is viewing. Tracking is
// reference-counted by session: an actor leaves the snapshot only when their
// last session is gone.
type Presence struct {
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]presenceSession // session id -> session
	watch    map[int64]func([]PresenceEntry)
	nextID   int64
	nowFunc  func() time.Time
}

// NewPresence constructs an empty presence tracker.
func NewPresence(log *slog.Logger) *Presence {
	return &Presence{
		log:      log,
		sessions: make(map[string]presenceSession),
		watch:    make(map[int64]func([]PresenceEntry)),
		nowFunc:  time.Now,
	}
}

// PresenceHandle undoes one Track call.
type PresenceHandle struct {
	p         *Presence
	sessionID string
	once      sync.Once
}

// Leave removes this session from the set. Safe to call more than once.
func (h *PresenceHandle) Leave() {
	h.once.Do(func() {
		h.p.untrack(h.sessionID)
	})
}

// Track registers a session as online and notifies watchers. A session is
// tracked once for its whole lifetime; switching rooms does not touch the set.
func (p *Presence) Track(sessionID string, profile Profile) *PresenceHandle {
	p.mu.Lock()
	p.sessions[sessionID] = presenceSession{
		sessionID: sessionID,
		profile:   profile,
		since:     p.nowFunc(),
	}
	snap := p.snapshotLocked()
	watchers := p.watchersLocked()
	p.mu.Unlock()

	metrics.PresenceOnline.Set(float64(len(snap)))
	p.log.Debug("presence.track", "actor_id", profile.ID, "online", len(snap))
	for _, fn := range watchers {
		fn(snap)
	}
	return &PresenceHandle{p: p, sessionID: sessionID}
}

func (p *Presence) untrack(sessionID string) {
	p.mu.Lock()
	sess, ok := p.sessions[sessionID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.sessions, sessionID)
	snap := p.snapshotLocked()
	watchers := p.watchersLocked()
	p.mu.Unlock()

	metrics.PresenceOnline.Set(float64(len(snap)))
	p.log.Debug("presence.untrack", "actor_id", sess.profile.ID, "online", len(snap))
	for _, fn := range watchers {
		fn(snap)
	}
}

// Snapshot returns the online participants, one entry per actor, sorted by
// name. An actor with several sessions keeps the earliest Since.
func (p *Presence) Snapshot() []PresenceEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Presence) snapshotLocked() []PresenceEntry {
	byActor := make(map[string]PresenceEntry)
	for _, sess := range p.sessions {
		cur, ok := byActor[sess.profile.ID]
		if !ok || sess.since.Before(cur.Since) {
			byActor[sess.profile.ID] = PresenceEntry{Profile: sess.profile, Since: sess.since}
		}
	}
	out := make([]PresenceEntry, 0, len(byActor))
	for _, e := range byActor {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Profile.Name == out[j].Profile.Name {
			return out[i].Profile.ID < out[j].Profile.ID
		}
		return out[i].Profile.Name < out[j].Profile.Name
	})
	return out
}

// PresenceSub cancels a Watch registration.
type PresenceSub struct {
	p    *Presence
	id   int64
	once sync.Once
}

// Cancel removes the watcher. Safe to call more than once.
func (s *PresenceSub) Cancel() {
	s.once.Do(func() {
		s.p.mu.Lock()
		delete(s.p.watch, s.id)
		s.p.mu.Unlock()
	})
}

// Watch registers fn to receive the snapshot after every join or leave.
// fn is invoked synchronously with the current snapshot before Watch returns.
func (p *Presence) Watch(fn func([]PresenceEntry)) *PresenceSub {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.watch[id] = fn
	snap := p.snapshotLocked()
	p.mu.Unlock()

	fn(snap)
	return &PresenceSub{p: p, id: id}
}

func (p *Presence) watchersLocked() []func([]PresenceEntry) {
	out := make([]func([]PresenceEntry), 0, len(p.watch))
	for _, fn := range p.watch {
		out = append(out, fn)
	}
	return out
}
