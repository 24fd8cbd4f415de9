package link

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openbridge/mcp-bridge/internal/bridgeerr"
)

// unclamped is the fallback used when a Table is built without an explicit
// DeadlineClamper (e.g. in tests): it accepts whatever deadline is given,
// defaulting to 30s when none is supplied.
func unclamped(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}

// DeadlineClamper bounds a caller-requested deadline to the bridge's
// configured [min, max] window. internal/config.BridgeConfig.ClampDeadline
// satisfies this signature.
type DeadlineClamper func(time.Duration) time.Duration

// Result is what a PendingCall resolves to: either a decoded tool/resource
// response, or an error (timeout, session teardown, or a frontend-reported
// failure).
type Result struct {
	Content json.RawMessage
	IsError bool
	Err     error
}

// PendingCall tracks one outstanding tool-call or resource-read awaiting a
// correlated response from its owning frontend (C3).
type PendingCall struct {
	RequestID string
	SessionID string
	Kind      MessageKind // KindToolCall or KindResourceRead
	Created   time.Time
	Deadline  time.Time
	done      chan Result
	once      sync.Once
}

func newPendingCall(sessionID string, kind MessageKind, deadline time.Duration, now time.Time, clamp DeadlineClamper) *PendingCall {
	return &PendingCall{
		RequestID: uuid.NewString(),
		SessionID: sessionID,
		Kind:      kind,
		Created:   now,
		Deadline:  now.Add(clamp(deadline)),
		done:      make(chan Result, 1),
	}
}

func (p *PendingCall) resolve(r Result) bool {
	resolved := false
	p.once.Do(func() {
		p.done <- r
		resolved = true
	})
	return resolved
}

// Wait blocks until the call is resolved, returning the Result. It takes no
// context: the Table guarantees resolution, by its deadline sweep (Timeout)
// or by FailSession when the owning session goes away (SessionGone).
func (p *PendingCall) Wait() Result {
	return <-p.done
}

// Table is the per-bridge Pending-Call Table (C3): every outstanding call,
// keyed by request id, with a background sweep that times out calls whose
// deadline has passed and a teardown path that fails every call owned by a
// departing session.
type Table struct {
	mu       sync.Mutex
	byID     map[string]*PendingCall
	bySess   map[string]map[string]*PendingCall
	clamp    DeadlineClamper
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewTable constructs a Table and starts its background sweep goroutine,
// ticking once per second: a single timer for the whole table rather than
// one per call (see internal/query's analogous sweep).
// clamp is normally internal/config.BridgeConfig.ClampDeadline; passing nil
// falls back to an unbounded 30s default, which is only appropriate in
// tests.
func NewTable(clamp DeadlineClamper) *Table {
	if clamp == nil {
		clamp = unclamped
	}
	t := &Table{
		byID:   make(map[string]*PendingCall),
		bySess: make(map[string]map[string]*PendingCall),
		clamp:  clamp,
		stopCh: make(chan struct{}),
	}
	go t.sweepLoop()
	return t
}

// Close stops the sweep goroutine. Idempotent.
func (t *Table) Close() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

func (t *Table) sweepLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case now := <-ticker.C:
			t.sweep(now)
		}
	}
}

func (t *Table) sweep(now time.Time) {
	var expired []*PendingCall
	t.mu.Lock()
	for id, p := range t.byID {
		if now.After(p.Deadline) {
			expired = append(expired, p)
			delete(t.byID, id)
			if bucket := t.bySess[p.SessionID]; bucket != nil {
				delete(bucket, id)
				if len(bucket) == 0 {
					delete(t.bySess, p.SessionID)
				}
			}
		}
	}
	t.mu.Unlock()
	for _, p := range expired {
		p.resolve(Result{Err: bridgeerr.New(bridgeerr.CodeTimeout, "frontend did not respond before the deadline")})
	}
}

// New registers a new PendingCall for sessionID and returns it; the caller
// is responsible for sending the corresponding outbound frame and then
// calling Wait.
func (t *Table) New(sessionID string, kind MessageKind, deadline time.Duration) *PendingCall {
	p := newPendingCall(sessionID, kind, deadline, time.Now(), t.clamp)
	t.mu.Lock()
	t.byID[p.RequestID] = p
	bucket := t.bySess[sessionID]
	if bucket == nil {
		bucket = make(map[string]*PendingCall)
		t.bySess[sessionID] = bucket
	}
	bucket[p.RequestID] = p
	t.mu.Unlock()
	return p
}

// Resolve completes a pending call by request id, but only on behalf of the
// session that owns it: sessionID must match the PendingCall's SessionID, or
// the resolve is rejected outright and the call is left untouched. It
// returns false both when no such call exists (already resolved, expired, or
// never existed — a silently ignorable late or duplicate response) and when
// requestID belongs to a different session (a hijack attempt, which the
// caller should log, not silently swallow).
func (t *Table) Resolve(requestID, sessionID string, r Result) bool {
	t.mu.Lock()
	p, ok := t.byID[requestID]
	if ok && p.SessionID != sessionID {
		t.mu.Unlock()
		return false
	}
	if ok {
		delete(t.byID, requestID)
		if bucket := t.bySess[p.SessionID]; bucket != nil {
			delete(bucket, requestID)
			if len(bucket) == 0 {
				delete(t.bySess, p.SessionID)
			}
		}
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	return p.resolve(r)
}

// FailSession resolves every pending call owned by sessionID with
// CodeSessionGone — invoked when the Frontend Link for that session tears
// down (disconnect, explicit DELETE, or server shutdown).
func (t *Table) FailSession(sessionID string) {
	t.mu.Lock()
	bucket := t.bySess[sessionID]
	delete(t.bySess, sessionID)
	var calls []*PendingCall
	for id, p := range bucket {
		calls = append(calls, p)
		delete(t.byID, id)
	}
	t.mu.Unlock()
	for _, p := range calls {
		p.resolve(Result{Err: bridgeerr.New(bridgeerr.CodeSessionGone, "session disconnected before responding")})
	}
}
