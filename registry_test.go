package broker

import (
	"strings"
	"testing"
	"time"

	"cdr.dev/slog/sloggers/slogtest/assert"
	"github.com/google/go-cmp/cmp"

	"cdr.dev/broker/internal/proto"
)

func newTestRegistry(t *testing.T, now time.Time) *Registry {
	r := NewRegistry(testLogger(t))
	r.now = func() time.Time {
		return now
	}
	return r
}

func TestRegistryRecordConnected(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Fallbacks", func(t *testing.T) {
		t.Parallel()

		r := newTestRegistry(t, now)
		s := r.RecordConnected(proto.ConnectResponse{SessionID: "s1"}, "10.0.0.5", 0, "ops")
		exp := Session{
			ID:        "s1",
			UserID:    Principal,
			Host:      "10.0.0.5",
			Port:      22,
			Username:  "ops",
			Status:    StatusConnected,
			CreatedAt: now,
			UpdatedAt: now,
		}
		assert.Equal(t, "session", exp, s)

		got, ok := r.Get("s1")
		assert.True(t, "found", ok)
		assert.Equal(t, "stored", exp, got)
	})

	t.Run("HelperFieldsWin", func(t *testing.T) {
		t.Parallel()

		r := newTestRegistry(t, now)
		s := r.RecordConnected(proto.ConnectResponse{
			SessionID: "s1",
			Host:      "db.internal",
			Port:      2222,
			Status:    "connecting",
		}, "10.0.0.5", 22, "ops")
		assert.Equal(t, "host", "db.internal", s.Host)
		assert.Equal(t, "port", 2222, s.Port)
		assert.Equal(t, "username", "ops", s.Username)
		assert.Equal(t, "status", StatusConnecting, s.Status)
	})

	t.Run("SyntheticID", func(t *testing.T) {
		t.Parallel()

		r := newTestRegistry(t, now)
		a := r.RecordConnected(proto.ConnectResponse{}, "h", 22, "u")
		b := r.RecordConnected(proto.ConnectResponse{}, "h", 22, "u")
		assert.True(t, "synthetic", a.SyntheticID && b.SyntheticID)
		assert.True(t, "prefix", strings.HasPrefix(a.ID, "session_"))
		assert.True(t, "distinct", a.ID != b.ID)
		assert.Equal(t, "len", 2, r.Len())
	})
}

func TestRegistrySync(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Defaults", func(t *testing.T) {
		t.Parallel()

		r := newTestRegistry(t, now)
		got := r.Sync(r.Revision(), []proto.SessionInfo{
			{ID: "b"},
			{SessionID: "a", Host: "h", Port: 2022, Username: "u", Status: "error", CreatedAt: 1700000000},
			{Host: "no-id"},
		})
		exp := []Session{
			{ID: "b", UserID: Principal, Host: "unknown", Port: 22, Username: "unknown", Status: StatusConnected, CreatedAt: now, UpdatedAt: now},
			{ID: "a", UserID: Principal, Host: "h", Port: 2022, Username: "u", Status: StatusError, CreatedAt: time.Unix(1700000000, 0).UTC(), UpdatedAt: now},
		}
		if diff := cmp.Diff(exp, got); diff != "" {
			t.Fatalf("unexpected sessions (-want +got):\n%s", diff)
		}

		// List orders by creation time.
		list := r.List()
		assert.Equal(t, "len", 2, len(list))
		assert.Equal(t, "first", "a", list[0].ID)
	})

	t.Run("KeepsKnownFields", func(t *testing.T) {
		t.Parallel()

		r := newTestRegistry(t, now)
		r.RecordConnected(proto.ConnectResponse{SessionID: "s1"}, "10.0.0.5", 2222, "ops")
		got := r.Sync(r.Revision(), []proto.SessionInfo{{ID: "s1", Status: "connected"}})
		assert.Equal(t, "host", "10.0.0.5", got[0].Host)
		assert.Equal(t, "port", 2222, got[0].Port)
		assert.Equal(t, "username", "ops", got[0].Username)
	})

	t.Run("UnreportedLeftAlone", func(t *testing.T) {
		t.Parallel()

		r := newTestRegistry(t, now)
		var changes int
		r.OnStatusChange(func(s Session, previous Status) {
			changes++
		})
		rev := r.Revision()
		r.RecordConnected(proto.ConnectResponse{SessionID: "fresh"}, "h", 22, "u")

		got := r.Sync(rev, nil)
		assert.Equal(t, "returned", 0, len(got))
		s, ok := r.Get("fresh")
		assert.True(t, "found", ok)
		assert.Equal(t, "status", StatusConnected, s.Status)
		assert.Equal(t, "changes", 0, changes)
	})

	t.Run("RemovedNotRestored", func(t *testing.T) {
		t.Parallel()

		r := newTestRegistry(t, now)
		r.RecordConnected(proto.ConnectResponse{SessionID: "s1"}, "h", 22, "u")
		rev := r.Revision()
		assert.True(t, "remove", r.Remove("s1"))

		got := r.Sync(rev, []proto.SessionInfo{{ID: "s1"}, {ID: "s2"}})
		assert.Equal(t, "returned", 1, len(got))
		assert.Equal(t, "kept", "s2", got[0].ID)
		_, ok := r.Get("s1")
		assert.False(t, "s1 stays removed", ok)

		// A list requested after the removal is trusted.
		got = r.Sync(r.Revision(), []proto.SessionInfo{{ID: "s1"}})
		assert.Equal(t, "returned", 1, len(got))
		_, ok = r.Get("s1")
		assert.True(t, "s1 reported again", ok)
	})
}

func TestRegistryStatus(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t, time.Now())
	var calls int
	r.OnStatusChange(func(s Session, previous Status) {
		calls++
	})

	assert.False(t, "unknown update", r.UpdateStatus("nope", StatusError))
	assert.False(t, "unknown disconnect", r.MarkDisconnected("nope"))
	assert.False(t, "unknown remove", r.Remove("nope"))
	assert.Equal(t, "len", 0, r.Len())

	r.RecordConnected(proto.ConnectResponse{SessionID: "s1"}, "h", 22, "u")
	assert.True(t, "update", r.UpdateStatus("s1", StatusConnected))
	assert.Equal(t, "no change, no hook", 0, calls)

	assert.True(t, "disconnect", r.MarkDisconnected("s1"))
	assert.Equal(t, "hook", 1, calls)

	rev := r.Revision()
	info, ok := r.Observe(rev, "s1", proto.SessionInfo{Status: "connected"})
	assert.True(t, "observed", ok)
	assert.Equal(t, "observed", StatusConnected, info.Status)
	assert.Equal(t, "hook", 2, calls)

	assert.True(t, "remove", r.Remove("s1"))
	_, ok = r.Get("s1")
	assert.False(t, "gone", ok)

	_, ok = r.Observe(rev, "s1", proto.SessionInfo{Status: "connected"})
	assert.False(t, "stale status after removal", ok)
	_, ok = r.Get("s1")
	assert.False(t, "still gone", ok)

	r.RecordConnected(proto.ConnectResponse{SessionID: "s1"}, "h", 22, "u")
	_, ok = r.Observe(rev, "s1", proto.SessionInfo{Status: "connected"})
	assert.True(t, "reconnected id accepted", ok)
}
