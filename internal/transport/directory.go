// Package transport implements the Transport Adapters (C8): the HTTP
// surface that classifies incoming requests (WebSocket upgrade, SSE GET,
// JSON-RPC POST, session DELETE, query lifecycle) and dispatches them
// against the bridge core. The core itself (session, link, auth, query,
// fanout, mcp) serves no HTTP; its only HTTP use is the Query Engine's
// outbound forward to the agent.
package transport

import (
	"sync"

	"github.com/openbridge/mcp-bridge/internal/link"
	"github.com/openbridge/mcp-bridge/internal/mcp"
	"github.com/openbridge/mcp-bridge/internal/query"
)

// LinkDirectory indexes live *link.Link instances by their Session's id.
// It is the concrete backing for mcp.CallerLookup and query.RelayLookup —
// both just need "is there a live duplex channel for this session" without
// knowing about websockets.
type LinkDirectory struct {
	mu   sync.RWMutex
	byID map[string]*link.Link
}

// NewLinkDirectory constructs an empty directory.
func NewLinkDirectory() *LinkDirectory {
	return &LinkDirectory{byID: make(map[string]*link.Link)}
}

// Register installs lk under its Session's id, replacing (and letting the
// caller close) any prior Link for the same id.
func (d *LinkDirectory) Register(lk *link.Link) {
	d.mu.Lock()
	d.byID[lk.Session().ID] = lk
	d.mu.Unlock()
}

// Unregister removes the Link for sessionID iff it is still the current
// occupant — a replaced Link's own teardown goroutine must not evict its
// successor.
func (d *LinkDirectory) Unregister(sessionID string, lk *link.Link) {
	d.mu.Lock()
	if cur, ok := d.byID[sessionID]; ok && cur == lk {
		delete(d.byID, sessionID)
	}
	d.mu.Unlock()
}

// Get returns the live Link for sessionID, if any.
func (d *LinkDirectory) Get(sessionID string) (*link.Link, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	lk, ok := d.byID[sessionID]
	return lk, ok
}

// Callers satisfies mcp.CallerLookup.
func (d *LinkDirectory) Callers(sessionID string) (mcp.Caller, bool) {
	lk, ok := d.Get(sessionID)
	if !ok {
		return nil, false
	}
	return lk, true
}

// Relays satisfies query.RelayLookup: *link.Link structurally implements
// query.Relay via RelayQueryEvent.
func (d *LinkDirectory) Relays(sessionID string) (query.Relay, bool) {
	lk, ok := d.Get(sessionID)
	if !ok {
		return nil, false
	}
	return lk, true
}
