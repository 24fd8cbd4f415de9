package mcp

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// McpSession is one initialized MCP consumer (distinct from a frontend
// Session): the JSON-RPC/Streamable-HTTP side of the bridge, created by
// `initialize` and destroyed by an explicit DELETE or its SSE stream
// closing.
type McpSession struct {
	ID           string
	BearerToken  string
	QueryID      string // set when this consumer authenticated via _meta.queryId
	CreatedAt    time.Time
	LastActivity time.Time
}

// Store indexes live McpSessions by id.
type Store struct {
	mu   sync.RWMutex
	byID map[string]*McpSession
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{byID: make(map[string]*McpSession)}
}

// Create mints a new McpSession with a fresh id.
func (s *Store) Create(bearerToken, queryID string, now time.Time) *McpSession {
	m := &McpSession{
		ID:           uuid.NewString(),
		BearerToken:  bearerToken,
		QueryID:      queryID,
		CreatedAt:    now,
		LastActivity: now,
	}
	s.mu.Lock()
	s.byID[m.ID] = m
	s.mu.Unlock()
	return m
}

// Get returns the McpSession by id.
func (s *Store) Get(id string) (*McpSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	return m, ok
}

// Touch updates LastActivity for id, if it exists.
func (s *Store) Touch(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byID[id]; ok {
		m.LastActivity = now
	}
}

// Delete removes an McpSession, returning whether it existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return false
	}
	delete(s.byID, id)
	return true
}
