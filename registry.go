package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cdr.dev/slog"

	"cdr.dev/broker/internal/proto"
)

const unknownField = "unknown"

// tombstoneTTL is how long a removal is remembered for rejecting late helper
// replies.
const tombstoneTTL = 10 * time.Minute

// Revision identifies the registry state a helper call started from. Replies
// are applied against the revision taken before the call was sent.
type Revision uint64

type tombstone struct {
	rev Revision
	at  time.Time
}

// StatusHook is called after a known session changes status. It runs
// without the registry lock held.
type StatusHook func(s Session, previous Status)

// Registry is the authoritative table of known sessions. It is only mutated
// in response to helper responses or broker commands.
type Registry struct {
	log slog.Logger
	now func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	rev      Revision
	removed  map[string]tombstone
	hook     StatusHook
}

// NewRegistry creates an empty registry.
func NewRegistry(log slog.Logger) *Registry {
	return &Registry{
		log:      log.Named("registry"),
		now:      time.Now,
		sessions: make(map[string]*Session),
		removed:  make(map[string]tombstone),
	}
}

// Revision returns the current revision. Take it before sending the helper
// call whose reply is passed to Sync or Observe.
func (r *Registry) Revision() Revision {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rev
}

// removedSinceLocked reports whether id was removed after since.
func (r *Registry) removedSinceLocked(id string, since Revision) bool {
	t, ok := r.removed[id]
	return ok && t.rev > since
}

// OnStatusChange installs the hook called on every status transition.
func (r *Registry) OnStatusChange(hook StatusHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = hook
}

type statusChange struct {
	session  Session
	previous Status
}

func (r *Registry) notify(changes []statusChange) {
	r.mu.RLock()
	hook := r.hook
	r.mu.RUnlock()
	if hook == nil {
		return
	}
	for _, c := range changes {
		hook(c.session, c.previous)
	}
}

// RecordConnected stores the session described by a connect response.
// Fields the helper omitted fall back to what the caller requested. If the
// helper returned no id a synthetic one is generated and flagged.
func (r *Registry) RecordConnected(resp proto.ConnectResponse, host string, port int, username string) Session {
	now := r.now()
	s := &Session{
		ID:        resp.SessionID,
		UserID:    Principal,
		Host:      firstString(resp.Host, host),
		Port:      firstInt(resp.Port, port, DefaultPort),
		Username:  firstString(resp.Username, username),
		Status:    Status(firstString(resp.Status, string(StatusConnected))),
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	if s.ID == "" {
		s.ID = r.syntheticID(now)
		s.SyntheticID = true
	}
	if prev, ok := r.sessions[s.ID]; ok {
		s.CreatedAt = prev.CreatedAt
	}
	delete(r.removed, s.ID)
	r.rev++
	r.sessions[s.ID] = s
	out := *s
	r.mu.Unlock()

	if out.SyntheticID {
		r.log.Warn(context.Background(), "helper returned no session id, using synthetic id",
			slog.F("session_id", out.ID), slog.F("host", out.Host))
	}
	return out
}

// syntheticID must be called with mu held.
func (r *Registry) syntheticID(now time.Time) string {
	base := fmt.Sprintf("session_%d", now.UnixMilli())
	id := base
	for n := 2; ; n++ {
		if _, ok := r.sessions[id]; !ok {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, n)
	}
}

// Sync merges the helper's session list, requested at revision since, into
// the registry and returns the helper's sessions in the order it reported
// them, with missing fields normalized. Sessions the helper did not report
// are left alone, and sessions removed after since are not brought back.
func (r *Registry) Sync(since Revision, infos []proto.SessionInfo) []Session {
	now := r.now()
	var (
		out     = make([]Session, 0, len(infos))
		changes []statusChange
	)

	r.mu.Lock()
	for _, info := range infos {
		id := info.Key()
		if id == "" {
			r.log.Debug(context.Background(), "skipping helper session without id", slog.F("host", info.Host))
			continue
		}
		if r.removedSinceLocked(id, since) {
			r.log.Debug(context.Background(), "skipping destroyed session in stale list", slog.F("session_id", id))
			continue
		}
		s, change := r.upsertLocked(id, info, now)
		out = append(out, s)
		if change != nil {
			changes = append(changes, *change)
		}
	}
	r.mu.Unlock()

	r.notify(changes)
	return out
}

// Observe records the helper's status report for one session, requested at
// revision since, and returns the normalized session. It reports false and
// changes nothing if the session was removed after since.
func (r *Registry) Observe(since Revision, id string, info proto.SessionInfo) (Session, bool) {
	r.mu.Lock()
	if r.removedSinceLocked(id, since) {
		r.mu.Unlock()
		r.log.Debug(context.Background(), "ignoring status for destroyed session", slog.F("session_id", id))
		return Session{}, false
	}
	s, change := r.upsertLocked(id, info, r.now())
	r.mu.Unlock()

	if change != nil {
		r.notify([]statusChange{*change})
	}
	return s, true
}

// upsertLocked must be called with mu held.
func (r *Registry) upsertLocked(id string, info proto.SessionInfo, now time.Time) (Session, *statusChange) {
	s := Session{
		ID:        id,
		UserID:    Principal,
		Host:      firstString(info.Host, unknownField),
		Port:      firstInt(info.Port, DefaultPort),
		Username:  firstString(info.Username, unknownField),
		Status:    Status(firstString(info.Status, string(StatusConnected))),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if info.CreatedAt > 0 {
		s.CreatedAt = time.Unix(info.CreatedAt, 0).UTC()
	}
	if !s.Status.Valid() {
		r.log.Debug(context.Background(), "helper reported unrecognized status",
			slog.F("session_id", id), slog.F("status", s.Status))
	}

	var change *statusChange
	prev, ok := r.sessions[id]
	if ok {
		if info.CreatedAt == 0 {
			s.CreatedAt = prev.CreatedAt
		}
		// A helper that echoes partial data must not erase what we know.
		if info.Host == "" {
			s.Host = prev.Host
		}
		if info.Username == "" {
			s.Username = prev.Username
		}
		if info.Port == 0 {
			s.Port = prev.Port
		}
		if prev.Status != s.Status {
			change = &statusChange{session: s, previous: prev.Status}
		}
	}
	r.sessions[id] = &s
	return s, change
}

// Get returns the session with the given id.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// List returns every known session ordered by creation time.
func (r *Registry) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of known sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// UpdateStatus sets the status of a known session. Unknown ids are ignored
// because stale events about forgotten sessions are expected. It reports
// whether the session was found.
func (r *Registry) UpdateStatus(id string, status Status) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		r.log.Debug(context.Background(), "ignoring status for unknown session",
			slog.F("session_id", id), slog.F("status", status))
		return false
	}
	var changes []statusChange
	if s.Status != status {
		prev := s.Status
		s.Status = status
		s.UpdatedAt = r.now()
		changes = append(changes, statusChange{session: *s, previous: prev})
	}
	r.mu.Unlock()

	r.notify(changes)
	return true
}

// MarkDisconnected sets a known session's status to disconnected.
func (r *Registry) MarkDisconnected(id string) bool {
	return r.UpdateStatus(id, StatusDisconnected)
}

// Remove forgets a session after the helper acknowledged its destruction.
// Helper replies requested before the removal cannot bring it back. It
// reports whether the session was known.
func (r *Registry) Remove(id string) bool {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.rev++
	r.removed[id] = tombstone{rev: r.rev, at: now}
	for rid, t := range r.removed {
		if now.Sub(t.at) > tombstoneTTL {
			delete(r.removed, rid)
		}
	}
	return ok
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstInt(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}
