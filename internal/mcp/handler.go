package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openbridge/mcp-bridge/internal/auth"
	"github.com/openbridge/mcp-bridge/internal/bridgeerr"
	"github.com/openbridge/mcp-bridge/internal/link"
	"github.com/openbridge/mcp-bridge/internal/query"
	"github.com/openbridge/mcp-bridge/internal/session"
	"github.com/openbridge/mcp-bridge/internal/telemetry"
)

// ListSessionsTool is the reserved synthetic tool name every tools/list
// response prepends. It is never present in any Session's own tool map, so
// the Tool-Conflict Arbiter never sees it.
const ListSessionsTool = "list_sessions"

// Caller is the subset of *link.Link the handler needs to forward a call to
// a specific frontend. Satisfied by *link.Link.
type Caller interface {
	CallTool(name string, args json.RawMessage, queryID string, deadline time.Duration) *link.PendingCall
	ReadResource(uri string, deadline time.Duration) *link.PendingCall
}

// CallerLookup resolves a frontend Session id to its live Caller (Link).
// Returns false if the session has no open channel (e.g. raced with
// disconnect).
type CallerLookup func(sessionID string) (Caller, bool)

// ServerInfo is echoed verbatim into every initialize response.
type ServerInfo struct {
	Name    string
	Version string
}

// Handler implements the MCP Request Handler (C5) and also implements
// link.Dispatcher, since it is the component that interprets every inbound
// frontend frame (tool registration, tool/resource responses) as well as
// every inbound MCP consumer request.
type Handler struct {
	registry     *session.Registry
	resolver     *auth.Resolver
	queries      *query.Engine
	callers      CallerLookup
	sessions     *Store
	pendingTable *link.Table
	clamp        func(time.Duration) time.Duration
	info         ServerInfo
	log          telemetry.Logger
	metrics      telemetry.Metrics
}

// New constructs a Handler. table is the Pending-Call Table shared with
// every Link the transport layer constructs.
func New(registry *session.Registry, resolver *auth.Resolver, queries *query.Engine, callers CallerLookup, table *link.Table, clamp func(time.Duration) time.Duration, info ServerInfo, log telemetry.Logger, metrics telemetry.Metrics) *Handler {
	if clamp == nil {
		clamp = func(d time.Duration) time.Duration {
			if d <= 0 {
				return 30 * time.Second
			}
			return d
		}
	}
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Handler{
		registry:     registry,
		resolver:     resolver,
		queries:      queries,
		callers:      callers,
		sessions:     NewStore(),
		pendingTable: table,
		clamp:        clamp,
		info:         info,
		log:          log,
		metrics:      metrics,
	}
}

// Sessions exposes the McpSession store, used by the transport layer to
// validate Mcp-Session-Id headers for GET/DELETE.
func (h *Handler) Sessions() *Store { return h.sessions }

type metaOnly struct {
	Meta json.RawMessage `json:"_meta,omitempty"`
}

// Dispatch handles one JSON-RPC request for an already-resolved McpSession
// and bearer token, returning the response to write back (synchronous
// reply; notifications are out-of-band via internal/fanout).
func (h *Handler) Dispatch(ctx context.Context, mcpSessionID, bearerToken string, req Request) Response {
	switch req.Method {
	case "initialize":
		return h.handleInitialize(req, bearerToken)
	case "tools/list":
		return h.handleToolsList(req, bearerToken)
	case "tools/call":
		return h.handleToolsCall(ctx, req, bearerToken)
	case "resources/list":
		return h.handleResourcesList(req, bearerToken)
	case "resources/read":
		return h.handleResourcesRead(ctx, req, bearerToken)
	case "prompts/list":
		return h.handlePromptsList(req, bearerToken)
	case "prompts/get":
		return h.handlePromptsGet(req, bearerToken)
	default:
		return newError(req.ID, codeMethodNotFound, "method not found: "+req.Method, nil)
	}
}

func (h *Handler) handleInitialize(req Request, bearerToken string) Response {
	now := time.Now()
	var queryID string
	if len(req.Params) > 0 {
		var m metaOnly
		_ = json.Unmarshal(req.Params, &m)
		if len(m.Meta) > 0 {
			var meta auth.Meta
			_ = json.Unmarshal(m.Meta, &meta)
			queryID = meta.QueryID
		}
	}
	mcpSession := h.sessions.Create(bearerToken, queryID, now)
	return newResult(req.ID, map[string]any{
		"protocolVersion": "2025-03-26",
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"resources": map[string]any{"listChanged": true},
			"prompts":   map[string]any{"listChanged": true},
		},
		"serverInfo": map[string]any{
			"name":    h.info.Name,
			"version": h.info.Version,
		},
		"_mcpSessionId": mcpSession.ID,
	})
}

// resolve runs the Auth & Scope Resolver against bearerToken and the _meta
// object embedded in params (if any).
func (h *Handler) resolve(params json.RawMessage, bearerToken string) auth.Result {
	var meta json.RawMessage
	if len(params) > 0 {
		var m metaOnly
		_ = json.Unmarshal(params, &m)
		meta = m.Meta
	}
	return h.resolver.Resolve(bearerToken, meta)
}

func toolsUnion(candidates []*session.Session) []map[string]any {
	out := []map[string]any{{
		"name":        ListSessionsTool,
		"description": "List the frontend sessions currently reachable under this authentication.",
		"inputSchema": map[string]any{"type": "object", "properties": map[string]any{}},
	}}
	for _, s := range candidates {
		for _, t := range s.Tools() {
			entry := map[string]any{"name": t.Name, "description": t.Description}
			if len(t.InputSchema) > 0 {
				entry["inputSchema"] = json.RawMessage(t.InputSchema)
			}
			if len(t.OutputSchema) > 0 {
				entry["outputSchema"] = json.RawMessage(t.OutputSchema)
			}
			out = append(out, entry)
		}
	}
	return out
}

func (h *Handler) handleToolsList(req Request, bearerToken string) Response {
	res := h.resolve(req.Params, bearerToken)
	switch res.Decision {
	case auth.DecisionAuthenticated, auth.DecisionQueryScoped:
		candidates := res.Candidates
		if candidates == nil {
			candidates = []*session.Session{res.Session}
		}
		return newResult(req.ID, map[string]any{"tools": toolsUnion(candidates)})
	case auth.DecisionNeedSessionChoice:
		return newResult(req.ID, map[string]any{
			"tools":              toolsUnion(nil),
			"isError":            true,
			"available_sessions": session.AvailableSessions(res.Candidates),
		})
	default:
		return h.rejectedResponse(req.ID, res.Err)
	}
}

func (h *Handler) handleResourcesList(req Request, bearerToken string) Response {
	res := h.resolve(req.Params, bearerToken)
	switch res.Decision {
	case auth.DecisionAuthenticated, auth.DecisionQueryScoped:
		candidates := res.Candidates
		if candidates == nil {
			candidates = []*session.Session{res.Session}
		}
		return newResult(req.ID, map[string]any{"resources": resourcesUnion(candidates)})
	case auth.DecisionNeedSessionChoice:
		return newResult(req.ID, map[string]any{
			"resources":          []any{},
			"isError":            true,
			"available_sessions": session.AvailableSessions(res.Candidates),
		})
	default:
		return h.rejectedResponse(req.ID, res.Err)
	}
}

func resourcesUnion(candidates []*session.Session) []map[string]any {
	var out []map[string]any
	for _, s := range candidates {
		for _, r := range s.Resources() {
			out = append(out, map[string]any{"uri": r.URI, "name": r.Name, "description": r.Description, "mimeType": r.MimeType})
		}
	}
	return out
}

func (h *Handler) handlePromptsList(req Request, bearerToken string) Response {
	res := h.resolve(req.Params, bearerToken)
	switch res.Decision {
	case auth.DecisionAuthenticated, auth.DecisionQueryScoped:
		candidates := res.Candidates
		if candidates == nil {
			candidates = []*session.Session{res.Session}
		}
		return newResult(req.ID, map[string]any{"prompts": promptsUnion(candidates)})
	case auth.DecisionNeedSessionChoice:
		return newResult(req.ID, map[string]any{
			"prompts":            []any{},
			"isError":            true,
			"available_sessions": session.AvailableSessions(res.Candidates),
		})
	default:
		return h.rejectedResponse(req.ID, res.Err)
	}
}

func promptsUnion(candidates []*session.Session) []map[string]any {
	var out []map[string]any
	for _, s := range candidates {
		for _, p := range s.Prompts() {
			entry := map[string]any{"name": p.Name}
			if len(p.Parameters) > 0 {
				entry["parameters"] = json.RawMessage(p.Parameters)
			}
			out = append(out, entry)
		}
	}
	return out
}

type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      json.RawMessage `json:"_meta,omitempty"`
}

func (h *Handler) handleToolsCall(ctx context.Context, req Request, bearerToken string) Response {
	var p toolsCallParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return newError(req.ID, codeInvalidParams, "invalid params", nil)
	}
	res := h.resolve(req.Params, bearerToken)

	var targetSession *session.Session
	var queryID string
	switch res.Decision {
	case auth.DecisionAuthenticated:
		targetSession = res.Session
	case auth.DecisionQueryScoped:
		targetSession = res.Session
		var meta auth.Meta
		_ = json.Unmarshal(p.Meta, &meta)
		queryID = meta.QueryID
		if q, ok := h.queries.Get(queryID); ok {
			if !q.AllowsTool(p.Name) {
				return h.bridgeErrorResponse(req.ID, bridgeerr.New(bridgeerr.CodeToolNotAllowed, "tool is outside this query's allowlist"))
			}
			switch q.State() {
			case query.StateCompleted, query.StateFailed, query.StateCancelled:
				return h.bridgeErrorResponse(req.ID, bridgeerr.New(bridgeerr.CodeQueryCompleted, "query has already reached a terminal state"))
			}
		}
	default:
		return h.rejectedResponse(req.ID, res.Err)
	}

	if p.Name == ListSessionsTool {
		candidates := h.registry.FindByAuth(bearerToken)
		return newResult(req.ID, map[string]any{
			"content": []map[string]any{{"type": "text", "text": "session roster"}},
			"_meta":   map[string]any{"available_sessions": session.AvailableSessions(candidates)},
		})
	}

	if _, ok := targetSession.Tool(p.Name); !ok {
		return h.bridgeErrorResponse(req.ID, bridgeerr.WithExtra(bridgeerr.CodeToolNotFound,
			"no such tool: "+p.Name, bridgeerr.AvailableTools{AvailableTools: targetSession.ToolNames()}))
	}

	caller, ok := h.callers(targetSession.ID)
	if !ok {
		return h.bridgeErrorResponse(req.ID, bridgeerr.New(bridgeerr.CodeSessionGone, "frontend is no longer connected"))
	}

	pending := caller.CallTool(p.Name, p.Arguments, queryID, h.clamp(0))
	result := pending.Wait()

	if queryID != "" {
		if err := h.queries.RecordToolCall(queryID, p.Name, p.Arguments, result.Content, result.Err != nil || result.IsError); err != nil {
			h.log.Warn(ctx, "failed to record tool call against query audit log", "query_id", queryID, "tool", p.Name, "err", err)
		}
	}

	if result.Err != nil {
		return h.errResponse(req.ID, result.Err)
	}
	return newResult(req.ID, shapeToolResult(result.Content, result.IsError))
}

// shapeToolResult normalizes a frontend's response content into the
// canonical MCP tools/call result shape: {content: [...], isError?}.
func shapeToolResult(content json.RawMessage, isError bool) map[string]any {
	out := map[string]any{"content": json.RawMessage(content)}
	if isError {
		out["isError"] = true
	}
	return out
}

type resourcesReadParams struct {
	URI  string          `json:"uri"`
	Meta json.RawMessage `json:"_meta,omitempty"`
}

func (h *Handler) handleResourcesRead(ctx context.Context, req Request, bearerToken string) Response {
	var p resourcesReadParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return newError(req.ID, codeInvalidParams, "invalid params", nil)
	}
	res := h.resolve(req.Params, bearerToken)
	if res.Decision != auth.DecisionAuthenticated && res.Decision != auth.DecisionQueryScoped {
		return h.rejectedResponse(req.ID, res.Err)
	}
	targetSession := res.Session

	if _, ok := targetSession.Resource(p.URI); !ok {
		return h.bridgeErrorResponse(req.ID, bridgeerr.New(bridgeerr.CodeToolNotFound, "no such resource: "+p.URI))
	}

	caller, ok := h.callers(targetSession.ID)
	if !ok {
		return h.bridgeErrorResponse(req.ID, bridgeerr.New(bridgeerr.CodeSessionGone, "frontend is no longer connected"))
	}
	pending := caller.ReadResource(p.URI, h.clamp(0))
	result := pending.Wait()
	if result.Err != nil {
		return h.errResponse(req.ID, result.Err)
	}
	return newResult(req.ID, map[string]any{"contents": []json.RawMessage{result.Content}})
}

type promptsGetParams struct {
	Name string          `json:"name"`
	Meta json.RawMessage `json:"_meta,omitempty"`
}

func (h *Handler) handlePromptsGet(req Request, bearerToken string) Response {
	var p promptsGetParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return newError(req.ID, codeInvalidParams, "invalid params", nil)
	}
	res := h.resolve(req.Params, bearerToken)
	if res.Decision != auth.DecisionAuthenticated && res.Decision != auth.DecisionQueryScoped {
		return h.rejectedResponse(req.ID, res.Err)
	}
	prompt, ok := res.Session.Prompt(p.Name)
	if !ok {
		return h.bridgeErrorResponse(req.ID, bridgeerr.New(bridgeerr.CodeToolNotFound, "no such prompt: "+p.Name))
	}
	return newResult(req.ID, map[string]any{"name": prompt.Name, "parameters": json.RawMessage(prompt.Parameters)})
}

func (h *Handler) rejectedResponse(id json.RawMessage, err error) Response {
	if err == nil {
		return newError(id, codeInvalidRequest, "request rejected", nil)
	}
	return h.bridgeErrorResponse(id, err)
}

func (h *Handler) errResponse(id json.RawMessage, err error) Response {
	return h.bridgeErrorResponse(id, err)
}

func (h *Handler) bridgeErrorResponse(id json.RawMessage, err error) Response {
	be, ok := err.(*bridgeerr.Error)
	if !ok {
		return newError(id, codeBridgeError, err.Error(), map[string]any{"code": bridgeerr.CodeInternalError})
	}
	data := map[string]any{"code": be.Code}
	if be.Extra != nil {
		data["extra"] = be.Extra
	}
	return newError(id, codeBridgeError, be.Message, data)
}
