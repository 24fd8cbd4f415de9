package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/openbridge/mcp-bridge/internal/fanout"
	"github.com/openbridge/mcp-bridge/internal/mcp"
)

// handleMCP serves the single MCP consumer URL (§6): POST is a JSON-RPC
// request/response round trip (both Streamable-HTTP and the legacy proxy
// mode share this path — legacy callers simply never send Mcp-Session-Id
// and never call initialize), GET with Accept: text/event-stream opens a
// notification stream for an already-initialized session, DELETE tears one
// down.
func (rt *Router) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		rt.handleMCPPost(w, r)
	case http.MethodGet:
		rt.handleMCPStream(w, r)
	case http.MethodDelete:
		rt.handleMCPDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (rt *Router) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	var req mcp.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, mcp.Response{
			JSONRPC: "2.0",
			Error:   &mcp.RPCError{Code: -32700, Message: "parse error: " + err.Error()},
		})
		return
	}

	mcpSessionID := r.Header.Get("Mcp-Session-Id")
	resp := rt.handler.Dispatch(r.Context(), mcpSessionID, bearerToken(r), req)

	if req.Method == "initialize" && resp.Error == nil {
		if m, ok := resp.Result.(map[string]any); ok {
			if id, ok := m["_mcpSessionId"].(string); ok {
				w.Header().Set("Mcp-Session-Id", id)
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	mcpSessionID := r.Header.Get("Mcp-Session-Id")
	if mcpSessionID == "" {
		http.Error(w, "missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}
	if !rt.handler.Sessions().Delete(mcpSessionID) {
		http.Error(w, "no such mcp session", http.StatusBadRequest)
		return
	}
	rt.fanout.Unregister(mcpSessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) handleMCPStream(w http.ResponseWriter, r *http.Request) {
	mcpSessionID := r.Header.Get("Mcp-Session-Id")
	if mcpSessionID == "" {
		http.Error(w, "missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}
	m, ok := rt.handler.Sessions().Get(mcpSessionID)
	if !ok {
		http.Error(w, "no such mcp session", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &sseSink{w: w, flusher: flusher}
	stream := fanout.NewStream(mcpSessionID, sink, rt.scopeFor(m), rt.log)
	rt.fanout.Register(stream)
	defer func() {
		rt.fanout.Unregister(mcpSessionID)
		stream.Close()
	}()

	keepalive := rt.cfg.SSEKeepalive
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sink.keepalive(); err != nil {
				return
			}
		}
	}
}

// scopeFor resolves the set of frontend Sessions an SSE stream's
// notifications should be filtered against, mirroring the same precedence
// the Auth & Scope Resolver applies to every other MCP request: a
// query-scoped consumer only ever sees its own query's originating
// session, everyone else sees every session their bearer token resolves to.
func (rt *Router) scopeFor(m *mcp.McpSession) fanout.ScopeFunc {
	if m.QueryID != "" {
		q, ok := rt.queries.Get(m.QueryID)
		if !ok {
			return func(string) bool { return false }
		}
		origin := q.OriginSessionID
		return func(sessionID string) bool { return sessionID == origin }
	}
	token := m.BearerToken
	candidates := rt.registry.FindByAuth(token)
	var mu sync.Mutex
	allowed := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		allowed[c.ID] = struct{}{}
	}
	return func(sessionID string) bool {
		mu.Lock()
		defer mu.Unlock()
		if s, ok := rt.registry.Get(sessionID); ok && token != "" && s.AuthToken == token {
			allowed[sessionID] = struct{}{}
			return true
		}
		_, ok := allowed[sessionID]
		return ok
	}
}

// sseSink adapts an http.ResponseWriter into fanout.Sink.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Send(kind fanout.NotificationKind) error {
	payload, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "method": string(kind)})
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) keepalive() error {
	if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
