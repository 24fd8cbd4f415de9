// Package session implements the Session Registry (C1) and the
// Tool-Conflict Arbiter (C9): the in-memory index of live frontend
// connections and the schemas they have registered.
package session

import (
	"encoding/json"
	"sync"
	"time"
)

type (
	// Session is a live frontend's presence in the bridge. It is mutated
	// only by messages arriving on its own Link (see internal/link); the
	// registry and arbiter only read and replace whole tool/resource/prompt
	// entries.
	Session struct {
		ID            string
		Name          string // session_name; optional, unique among concurrently-live sessions
		Origin        string
		PageTitle     string
		AuthToken     string
		ConnectedAt   time.Time
		LastActivity  time.Time

		mu        sync.RWMutex
		tools     map[string]ToolEntry
		resources map[string]ResourceEntry
		prompts   map[string]PromptEntry
	}

	// ToolEntry describes one callable tool exposed by a Session.
	ToolEntry struct {
		Name         string
		Description  string
		InputSchema  json.RawMessage
		OutputSchema json.RawMessage
		Meta         json.RawMessage
	}

	// ResourceEntry describes one resource exposed by a Session. Content is
	// fetched lazily via a request/response round trip to the frontend, so
	// only metadata lives here.
	ResourceEntry struct {
		URI         string
		Name        string
		Description string
		MimeType    string
	}

	// PromptEntry describes one prompt exposed by a Session. Read-only from
	// the bridge's perspective.
	PromptEntry struct {
		Name       string
		Parameters json.RawMessage
	}

	// ChangeKind enumerates the compact change events the registry emits on
	// every session, tool and resource mutation (prompt changes emit none),
	// consumed by the Notification Fan-out (C6).
	ChangeKind string
)

const (
	ChangeSessionAttached ChangeKind = "session_attached"
	ChangeSessionDetached ChangeKind = "session_detached"
	ChangeAddedTool       ChangeKind = "added_tool"
	ChangeRemovedTool     ChangeKind = "removed_tool"
	ChangeAddedResource   ChangeKind = "added_resource"
	ChangeRemovedResource ChangeKind = "removed_resource"
)

// Change is a single compact mutation notice.
type Change struct {
	Kind      ChangeKind
	SessionID string
	Name      string // tool/resource name, empty for session-level changes
}

// NewSession constructs an empty Session ready to be Attach()ed to a
// Registry.
func NewSession(id, name, origin, pageTitle, authToken string, now time.Time) *Session {
	return &Session{
		ID:           id,
		Name:         name,
		Origin:       origin,
		PageTitle:    pageTitle,
		AuthToken:    authToken,
		ConnectedAt:  now,
		LastActivity: now,
		tools:        make(map[string]ToolEntry),
		resources:    make(map[string]ResourceEntry),
		prompts:      make(map[string]PromptEntry),
	}
}

// Touch updates LastActivity. Called by the Link on every inbound message.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.LastActivity = now
	s.mu.Unlock()
}

// Tool returns the named tool and whether it exists.
func (s *Session) Tool(name string) (ToolEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[name]
	return t, ok
}

// Tools returns a snapshot slice of all registered tools.
func (s *Session) Tools() []ToolEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ToolEntry, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t)
	}
	return out
}

// ToolNames returns a snapshot of registered tool names, used to populate
// AvailableTools on a ToolNotFound error.
func (s *Session) ToolNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tools))
	for name := range s.tools {
		out = append(out, name)
	}
	return out
}

// setTool inserts or replaces a tool entry. Callers (the registry, after
// arbiter approval) hold no other lock.
func (s *Session) setTool(t ToolEntry) {
	s.mu.Lock()
	s.tools[t.Name] = t
	s.mu.Unlock()
}

// removeTool deletes a tool entry, returning whether it existed.
func (s *Session) removeTool(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tools[name]; !ok {
		return false
	}
	delete(s.tools, name)
	return true
}

// Resource returns the named resource and whether it exists.
func (s *Session) Resource(uri string) (ResourceEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.resources[uri]
	return r, ok
}

// Resources returns a snapshot slice of all registered resources.
func (s *Session) Resources() []ResourceEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ResourceEntry, 0, len(s.resources))
	for _, r := range s.resources {
		out = append(out, r)
	}
	return out
}

func (s *Session) setResource(r ResourceEntry) {
	s.mu.Lock()
	s.resources[r.URI] = r
	s.mu.Unlock()
}

func (s *Session) removeResource(uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[uri]; !ok {
		return false
	}
	delete(s.resources, uri)
	return true
}

// Prompt returns the named prompt and whether it exists.
func (s *Session) Prompt(name string) (PromptEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prompts[name]
	return p, ok
}

// Prompts returns a snapshot slice of all registered prompts.
func (s *Session) Prompts() []PromptEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PromptEntry, 0, len(s.prompts))
	for _, p := range s.prompts {
		out = append(out, p)
	}
	return out
}

func (s *Session) setPrompt(p PromptEntry) {
	s.mu.Lock()
	s.prompts[p.Name] = p
	s.mu.Unlock()
}

func (s *Session) removePrompt(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.prompts[name]; !ok {
		return false
	}
	delete(s.prompts, name)
	return true
}

// Descriptor returns the minimal public view used for disambiguation
// payloads; the caller assembles the bridgeerr.SessionDescriptor from it.
func (s *Session) Descriptor() (id, name, origin, pageTitle string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ID, s.Name, s.Origin, s.PageTitle
}
