package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cdr.dev/slog"
	"github.com/google/uuid"
)

// EventType names a viewer event.
type EventType string

const (
	EventSessionConnected    EventType = "session-connected"
	EventSessionDisconnected EventType = "session-disconnected"
	EventSessionOutput       EventType = "session-output"
	EventCommandComplete     EventType = "command-complete"
	EventSessionStatus       EventType = "session-status"
)

// Output stream tags.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Event is one message delivered to viewers subscribed to a session.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	// Session is set on session-connected.
	Session *Session `json:"session,omitempty"`
	// Stream and Data are set on session-output.
	Stream string `json:"stream,omitempty"`
	Data   string `json:"data,omitempty"`
	// Result is set on session-output produced by a completed execute call.
	Result *ExecuteResult `json:"result,omitempty"`
	// ExitCode is set on command-complete.
	ExitCode *int `json:"exit_code,omitempty"`
	// Status is set on session-status and session-disconnected.
	Status Status    `json:"status,omitempty"`
	Time   time.Time `json:"time"`
}

// OutputEvent builds a session-output event for one chunk of a stream.
func OutputEvent(sessionID, stream, data string) Event {
	return Event{Type: EventSessionOutput, SessionID: sessionID, Stream: stream, Data: data}
}

// CompleteEvent builds a command-complete event.
func CompleteEvent(sessionID string, exitCode int) Event {
	return Event{Type: EventCommandComplete, SessionID: sessionID, ExitCode: &exitCode}
}

// StatusEvent builds a session-status event.
func StatusEvent(sessionID string, status Status) Event {
	return Event{Type: EventSessionStatus, SessionID: sessionID, Status: status}
}

// AllSessions is a subscription key that receives the events of every
// session, for dashboards that track session lifecycle.
const AllSessions = "*"

// Viewer is a sink for events. Send must never block: a viewer that cannot
// take an event immediately returns false and the event is dropped for it.
type Viewer interface {
	ID() string
	Send(Event) bool
}

// ChanViewer is a Viewer backed by a buffered channel.
type ChanViewer struct {
	id      string
	ch      chan Event
	dropped int64
}

// NewChanViewer creates a viewer with room for buffer pending events.
func NewChanViewer(buffer int) *ChanViewer {
	if buffer < 1 {
		buffer = 1
	}
	return &ChanViewer{
		id: uuid.NewString(),
		ch: make(chan Event, buffer),
	}
}

func (v *ChanViewer) ID() string {
	return v.id
}

// Send enqueues ev unless the buffer is full.
func (v *ChanViewer) Send(ev Event) bool {
	select {
	case v.ch <- ev:
		return true
	default:
		atomic.AddInt64(&v.dropped, 1)
		return false
	}
}

// Events returns the channel events are delivered on.
func (v *ChanViewer) Events() <-chan Event {
	return v.ch
}

// Dropped returns how many events did not fit in the buffer.
func (v *ChanViewer) Dropped() int64 {
	return atomic.LoadInt64(&v.dropped)
}

// Broadcaster fans session events out to subscribed viewers. It only knows
// session ids; the Registry owns the sessions themselves.
type Broadcaster struct {
	log slog.Logger

	mu sync.RWMutex
	// subs maps session id to the viewers subscribed to it, keyed by viewer id.
	subs map[string]map[string]Viewer
	// viewers maps viewer id to the session ids it is subscribed to.
	viewers map[string]map[string]struct{}
}

// NewBroadcaster creates a broadcaster with no subscribers.
func NewBroadcaster(log slog.Logger) *Broadcaster {
	return &Broadcaster{
		log:     log.Named("broadcast"),
		subs:    make(map[string]map[string]Viewer),
		viewers: make(map[string]map[string]struct{}),
	}
}

// Subscribe adds v to sessionID's subscribers. Subscribing again replaces
// the previous subscription rather than duplicating it.
func (b *Broadcaster) Subscribe(v Viewer, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[string]Viewer)
		b.subs[sessionID] = set
	}
	set[v.ID()] = v

	sessions, ok := b.viewers[v.ID()]
	if !ok {
		sessions = make(map[string]struct{})
		b.viewers[v.ID()] = sessions
	}
	sessions[sessionID] = struct{}{}
}

// Unsubscribe removes v from sessionID's subscribers. It is a no-op if v was
// not subscribed.
func (b *Broadcaster) Unsubscribe(v Viewer, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribeLocked(v.ID(), sessionID)
}

// UnsubscribeAll removes every subscription held by v. It must be called
// when a viewer disconnects.
func (b *Broadcaster) UnsubscribeAll(v Viewer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sessionID := range b.viewers[v.ID()] {
		b.unsubscribeLocked(v.ID(), sessionID)
	}
	delete(b.viewers, v.ID())
}

func (b *Broadcaster) unsubscribeLocked(viewerID, sessionID string) {
	if set, ok := b.subs[sessionID]; ok {
		delete(set, viewerID)
		if len(set) == 0 {
			delete(b.subs, sessionID)
		}
	}
	if sessions, ok := b.viewers[viewerID]; ok {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(b.viewers, viewerID)
		}
	}
}

// Publish delivers ev to every viewer subscribed to sessionID, or to
// AllSessions, at the moment of the call and returns how many accepted it.
// Each viewer receives the event at most once. Nothing is buffered for
// viewers that subscribe later.
func (b *Broadcaster) Publish(sessionID string, ev Event) int {
	ev.SessionID = sessionID
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	// Send never blocks.
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, v := range b.subs[sessionID] {
		if b.deliver(v, ev) {
			delivered++
		}
	}
	if sessionID == AllSessions {
		return delivered
	}
	for id, v := range b.subs[AllSessions] {
		if _, dup := b.subs[sessionID][id]; dup {
			continue
		}
		if b.deliver(v, ev) {
			delivered++
		}
	}
	return delivered
}

func (b *Broadcaster) deliver(v Viewer, ev Event) bool {
	if v.Send(ev) {
		return true
	}
	b.log.Debug(context.Background(), "dropped event for slow viewer",
		slog.F("viewer_id", v.ID()),
		slog.F("session_id", ev.SessionID),
		slog.F("type", ev.Type),
	)
	return false
}

// Subscribers returns the number of viewers subscribed to sessionID.
func (b *Broadcaster) Subscribers(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}

// Subscriptions returns the number of sessions v is subscribed to.
func (b *Broadcaster) Subscriptions(v Viewer) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.viewers[v.ID()])
}
