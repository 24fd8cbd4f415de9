// Package fanout implements the Notification Fan-out (C6): for every live
// MCP session with an open SSE stream, it watches Session Registry change
// events and, when the change is within that stream's resolved scope,
// emits a coalesced list-changed notification.
package fanout

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/openbridge/mcp-bridge/internal/bridgeerr"
	"github.com/openbridge/mcp-bridge/internal/session"
	"github.com/openbridge/mcp-bridge/internal/telemetry"
)

// flushRateLimit caps how often a single Stream's deliverLoop may flush its
// coalesced notifications to its sink, so a burst of Registry changes (many
// sessions registering tools at once) cannot drive one slow SSE consumer
// into a tight write loop. Coalescing in Notify already collapses same-kind
// bursts; this bounds the cross-kind flush rate itself.
const flushRateLimit = 20 // flushes per second, burst 1

// NotificationKind is the MCP notification method name relayed over SSE.
type NotificationKind string

const (
	NotifyToolsListChanged     NotificationKind = "notifications/tools/list_changed"
	NotifyResourcesListChanged NotificationKind = "notifications/resources/list_changed"
	NotifyPromptsListChanged   NotificationKind = "notifications/prompts/list_changed"
)

// changeToKind maps a session.ChangeKind to the notification it produces.
// A session attaching or detaching changes the tools union its consumers see
// (the session's own tools appear or vanish), so it is reported the same way
// a single tool add/remove is: clients are not expected to blind-poll
// tools/list for that.
var changeToKind = map[session.ChangeKind]NotificationKind{
	session.ChangeAddedTool:       NotifyToolsListChanged,
	session.ChangeRemovedTool:     NotifyToolsListChanged,
	session.ChangeAddedResource:   NotifyResourcesListChanged,
	session.ChangeRemovedResource: NotifyResourcesListChanged,
	session.ChangeSessionAttached: NotifyToolsListChanged,
	session.ChangeSessionDetached: NotifyToolsListChanged,
}

// Sink is the per-MCP-session delivery surface: normally an SSE response
// writer wrapper. Send must not block indefinitely; a Stream treats a Send
// error as a fatal, unrecoverable consumer failure.
type Sink interface {
	Send(kind NotificationKind) error
}

// ScopeFunc reports whether sessionID is currently within an MCP session's
// resolved scope — i.e. whether a change to that frontend Session should be
// visible to this particular consumer. Bound once per Stream at creation
// time by the transport layer from that MCP session's bound token or query;
// the function may consult live registry state on each call.
type ScopeFunc func(sessionID string) bool

// Stream is one live MCP session's subscription to Registry changes. It
// coalesces same-kind notifications: multiple changes between two sink
// flushes produce exactly one pending notification per kind.
type Stream struct {
	mcpSessionID string
	sink         Sink
	inScope      ScopeFunc
	log          telemetry.Logger

	limiter *rate.Limiter

	mu      sync.Mutex
	pending map[NotificationKind]struct{}
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewStream constructs a Stream and starts its delivery goroutine. Call
// Close when the underlying SSE connection ends.
func NewStream(mcpSessionID string, sink Sink, inScope ScopeFunc, log telemetry.Logger) *Stream {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	s := &Stream{
		mcpSessionID: mcpSessionID,
		sink:         sink,
		inScope:      inScope,
		log:          log,
		limiter:      rate.NewLimiter(rate.Limit(flushRateLimit), 1),
		pending:      make(map[NotificationKind]struct{}),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	go s.deliverLoop()
	return s
}

// Notify considers one Registry change for delivery on this Stream. The
// Manager forwards every change to every Stream unfiltered; Notify drops
// change kinds that map to no notification and changes to sessions outside
// the Stream's scope, evaluating scope at the moment Notify is called.
func (s *Stream) Notify(c session.Change) {
	kind, ok := changeToKind[c.Kind]
	if !ok {
		return
	}
	if !s.inScope(c.SessionID) {
		return
	}
	s.mu.Lock()
	s.pending[kind] = struct{}{}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Stream) deliverLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			if !s.waitForFlushSlot() {
				return
			}
			s.flush()
		}
	}
}

// waitForFlushSlot blocks until the flush rate limiter admits the next
// flush, or s.done closes first. Returns false if the Stream closed while
// waiting.
func (s *Stream) waitForFlushSlot() bool {
	r := s.limiter.Reserve()
	if !r.OK() {
		return true
	}
	delay := r.Delay()
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.done:
		r.Cancel()
		return false
	}
}

func (s *Stream) flush() {
	s.mu.Lock()
	kinds := make([]NotificationKind, 0, len(s.pending))
	for k := range s.pending {
		kinds = append(kinds, k)
	}
	s.pending = make(map[NotificationKind]struct{})
	s.mu.Unlock()

	for _, k := range kinds {
		if err := s.sink.Send(k); err != nil {
			s.log.Warn(context.Background(), "sse sink rejected notification, tearing down stream",
				"mcp_session_id", s.mcpSessionID, "kind", string(k), "err", err)
			s.Close()
			return
		}
	}
}

// Close stops the delivery goroutine. Idempotent.
func (s *Stream) Close() {
	s.once.Do(func() { close(s.done) })
}

// ErrSlowConsumer is the CodeSlowConsumer error for a stream that could not
// accept a write within its buffer budget. A Stream tears itself down on any
// Send error; the SSE sink in internal/transport returns the underlying write
// error rather than this value.
var ErrSlowConsumer = bridgeerr.New(bridgeerr.CodeSlowConsumer, "sse consumer did not drain within the buffer budget")

// Manager owns every live Stream and the Registry subscription feeding
// them. One Manager serves the whole bridge process.
type Manager struct {
	registry *session.Registry

	mu      sync.Mutex
	streams map[string]*Stream

	changeCh chan session.Change
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager constructs a Manager subscribed to registry's change feed and
// starts its dispatch goroutine.
func NewManager(registry *session.Registry) *Manager {
	m := &Manager{
		registry: registry,
		streams:  make(map[string]*Stream),
		changeCh: registry.Subscribe(256),
		stopCh:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.dispatchLoop()
	return m
}

// Close unsubscribes from the registry and closes every live Stream.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.registry.Unsubscribe(m.changeCh)
	})
	m.wg.Wait()
	m.mu.Lock()
	for _, s := range m.streams {
		s.Close()
	}
	m.mu.Unlock()
}

func (m *Manager) dispatchLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case c, ok := <-m.changeCh:
			if !ok {
				return
			}
			m.mu.Lock()
			snapshot := make([]*Stream, 0, len(m.streams))
			for _, s := range m.streams {
				snapshot = append(snapshot, s)
			}
			m.mu.Unlock()
			for _, s := range snapshot {
				s.Notify(c)
			}
		}
	}
}

// Register adds a new Stream for mcpSessionID, replacing any prior Stream
// under the same id (a reconnect).
func (m *Manager) Register(s *Stream) {
	m.mu.Lock()
	if old, ok := m.streams[s.mcpSessionID]; ok {
		old.Close()
	}
	m.streams[s.mcpSessionID] = s
	m.mu.Unlock()
}

// Unregister removes and closes the Stream for mcpSessionID, if any.
func (m *Manager) Unregister(mcpSessionID string) {
	m.mu.Lock()
	s, ok := m.streams[mcpSessionID]
	delete(m.streams, mcpSessionID)
	m.mu.Unlock()
	if ok {
		s.Close()
	}
}
