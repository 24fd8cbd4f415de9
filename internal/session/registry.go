package session

import (
	"sync"
	"time"

	"github.com/openbridge/mcp-bridge/internal/bridgeerr"
	"github.com/openbridge/mcp-bridge/internal/telemetry"
)

// Registry indexes live Sessions by id, by auth token, and by session name.
// Insertion is O(1); all three indices are kept in lockstep under a single
// mutex rather than fine-grained per-index locks.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*Session
	byAuth   map[string]map[string]*Session // token -> sessionID -> Session
	byName   map[string]map[string]*Session // name -> sessionID -> Session
	arbiter  *Arbiter
	log      telemetry.Logger
	metrics  telemetry.Metrics
	changeMu sync.Mutex
	subs     map[chan Change]struct{}
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log telemetry.Logger, metrics telemetry.Metrics) *Registry {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Registry{
		byID:    make(map[string]*Session),
		byAuth:  make(map[string]map[string]*Session),
		byName:  make(map[string]map[string]*Session),
		arbiter: NewArbiter(),
		log:     log,
		metrics: metrics,
		subs:    make(map[chan Change]struct{}),
	}
}

// Subscribe returns a channel of Change events. The channel is buffered;
// callers (the Notification Fan-out) must drain it promptly. Close is the
// caller's responsibility via Unsubscribe.
func (r *Registry) Subscribe(buf int) chan Change {
	ch := make(chan Change, buf)
	r.changeMu.Lock()
	r.subs[ch] = struct{}{}
	r.changeMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel previously returned by Subscribe.
func (r *Registry) Unsubscribe(ch chan Change) {
	r.changeMu.Lock()
	if _, ok := r.subs[ch]; ok {
		delete(r.subs, ch)
		close(ch)
	}
	r.changeMu.Unlock()
}

func (r *Registry) emit(c Change) {
	r.changeMu.Lock()
	defer r.changeMu.Unlock()
	for ch := range r.subs {
		select {
		case ch <- c:
		default:
			// Best-effort: a full subscriber buffer drops this event rather
			// than blocking every other session's mutation path.
		}
	}
}

// Attach registers a new Session. It never fails and does not itself forbid
// multiple sessions sharing a name (the shared-token multi-session
// disambiguation flow requires it); callers that want strict uniqueness
// check FindByName before calling Attach, as the WebSocket upgrade handler
// does.
func (r *Registry) Attach(s *Session) {
	r.mu.Lock()
	r.byID[s.ID] = s
	if s.AuthToken != "" {
		bucket := r.byAuth[s.AuthToken]
		if bucket == nil {
			bucket = make(map[string]*Session)
			r.byAuth[s.AuthToken] = bucket
		}
		bucket[s.ID] = s
	}
	if s.Name != "" {
		bucket := r.byName[s.Name]
		if bucket == nil {
			bucket = make(map[string]*Session)
			r.byName[s.Name] = bucket
		}
		bucket[s.ID] = s
	}
	r.mu.Unlock()
	r.metrics.IncCounter("bridge.session.attached", 1)
	r.emit(Change{Kind: ChangeSessionAttached, SessionID: s.ID})
}

// Detach removes a Session from all indices.
func (r *Registry) Detach(sessionID string) {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, sessionID)
	if s.AuthToken != "" {
		if bucket, ok := r.byAuth[s.AuthToken]; ok {
			delete(bucket, sessionID)
			if len(bucket) == 0 {
				delete(r.byAuth, s.AuthToken)
			}
		}
	}
	if s.Name != "" {
		if bucket, ok := r.byName[s.Name]; ok {
			delete(bucket, sessionID)
			if len(bucket) == 0 {
				delete(r.byName, s.Name)
			}
		}
	}
	r.arbiter.forgetSession(s.Name, sessionID)
	r.mu.Unlock()
	r.metrics.IncCounter("bridge.session.detached", 1)
	r.emit(Change{Kind: ChangeSessionDetached, SessionID: sessionID})
}

// Get returns the Session by id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[sessionID]
	return s, ok
}

// FindByAuth returns every live Session registered under the given bearer
// token, in no particular order.
func (r *Registry) FindByAuth(token string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bucket := r.byAuth[token]
	out := make([]*Session, 0, len(bucket))
	for _, s := range bucket {
		out = append(out, s)
	}
	return out
}

// FindByName returns every live Session sharing the given session_name.
func (r *Registry) FindByName(name string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bucket := r.byName[name]
	out := make([]*Session, 0, len(bucket))
	for _, s := range bucket {
		out = append(out, s)
	}
	return out
}

// ForEach snapshots every live Session passing filter and invokes fn for
// each. Used for tools/list-style fan-out where callers need a consistent
// point-in-time view.
func (r *Registry) ForEach(filter func(*Session) bool, fn func(*Session)) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		if filter == nil || filter(s) {
			snapshot = append(snapshot, s)
		}
	}
	r.mu.RUnlock()
	for _, s := range snapshot {
		fn(s)
	}
}

// RegisterTool validates t against the Tool-Conflict Arbiter (C9) for s's
// session_name group and, on success, installs it and emits a change event.
// On conflict it returns the rejection without mutating s.
func (r *Registry) RegisterTool(s *Session, t ToolEntry) error {
	s.mu.RLock()
	name := s.Name
	s.mu.RUnlock()
	if name != "" {
		if err := r.arbiter.Check(name, s.ID, t); err != nil {
			r.metrics.IncCounter("bridge.tool.conflict", 1)
			return err
		}
	}
	s.setTool(t)
	r.emit(Change{Kind: ChangeAddedTool, SessionID: s.ID, Name: t.Name})
	return nil
}

// UnregisterTool removes a tool by name and emits a change event if it
// existed.
func (r *Registry) UnregisterTool(s *Session, name string) {
	if !s.removeTool(name) {
		return
	}
	if n := sessionName(s); n != "" {
		r.arbiter.forgetTool(n, s.ID, name)
	}
	r.emit(Change{Kind: ChangeRemovedTool, SessionID: s.ID, Name: name})
}

func sessionName(s *Session) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Name
}

// RegisterResource installs a resource entry and emits a change event.
func (r *Registry) RegisterResource(s *Session, res ResourceEntry) {
	s.setResource(res)
	r.emit(Change{Kind: ChangeAddedResource, SessionID: s.ID, Name: res.URI})
}

// UnregisterResource removes a resource entry and emits a change event if it
// existed.
func (r *Registry) UnregisterResource(s *Session, uri string) {
	if !s.removeResource(uri) {
		return
	}
	r.emit(Change{Kind: ChangeRemovedResource, SessionID: s.ID, Name: uri})
}

// RegisterPrompt installs a prompt entry. Prompts carry no conflict check
// and emits no change event of its own, so
// they are installed silently; consumers observe them on the next
// tools/list-equivalent snapshot.
func (r *Registry) RegisterPrompt(s *Session, p PromptEntry) {
	s.setPrompt(p)
}

// UnregisterPrompt removes a prompt entry.
func (r *Registry) UnregisterPrompt(s *Session, name string) {
	s.removePrompt(name)
}

// AvailableSessions builds the disambiguation payload for a candidate set,
// used by the Auth & Scope Resolver and by the MCP handler's isError
// shaping.
func AvailableSessions(candidates []*Session) []bridgeerr.SessionDescriptor {
	out := make([]bridgeerr.SessionDescriptor, 0, len(candidates))
	for _, s := range candidates {
		id, name, origin, title := s.Descriptor()
		out = append(out, bridgeerr.SessionDescriptor{ID: id, Name: name, Origin: origin, PageTitle: title})
	}
	return out
}

// Now is a seam for tests; production code always passes time.Now().
var Now = time.Now
