package mcp

import (
	"context"
	"encoding/json"

	"github.com/openbridge/mcp-bridge/internal/bridgeerr"
	"github.com/openbridge/mcp-bridge/internal/link"
	"github.com/openbridge/mcp-bridge/internal/session"
)

// The methods in this file implement link.Dispatcher: Handler is the single
// component that interprets every inbound frontend frame, since tool
// registration feeds the same Registry that tools/call resolves against,
// and tool/resource responses feed the same PendingCall Table that
// tools/call and resources/read block on.

// HandleRegisterTool implements link.Dispatcher.
func (h *Handler) HandleRegisterTool(s *session.Session, p link.RegisterToolPayload) error {
	return h.registry.RegisterTool(s, session.ToolEntry{
		Name:         p.Name,
		Description:  p.Description,
		InputSchema:  p.InputSchema,
		OutputSchema: p.OutputSchema,
		Meta:         p.Meta,
	})
}

// HandleUnregisterTool implements link.Dispatcher.
func (h *Handler) HandleUnregisterTool(s *session.Session, p link.UnregisterToolPayload) {
	h.registry.UnregisterTool(s, p.Name)
}

// HandleRegisterResource implements link.Dispatcher.
func (h *Handler) HandleRegisterResource(s *session.Session, p link.RegisterResourcePayload) {
	h.registry.RegisterResource(s, session.ResourceEntry{
		URI: p.URI, Name: p.Name, Description: p.Description, MimeType: p.MimeType,
	})
}

// HandleUnregisterResource implements link.Dispatcher.
func (h *Handler) HandleUnregisterResource(s *session.Session, p link.UnregisterResourcePayload) {
	h.registry.UnregisterResource(s, p.URI)
}

// HandleRegisterPrompt implements link.Dispatcher.
func (h *Handler) HandleRegisterPrompt(s *session.Session, p link.RegisterPromptPayload) {
	h.registry.RegisterPrompt(s, session.PromptEntry{Name: p.Name, Parameters: p.Parameters})
}

// HandleUnregisterPrompt implements link.Dispatcher.
func (h *Handler) HandleUnregisterPrompt(s *session.Session, p link.UnregisterPromptPayload) {
	h.registry.UnregisterPrompt(s, p.Name)
}

// HandleToolResponse implements link.Dispatcher: it completes the
// PendingCall matching p.RequestID with the shaped result content. Late or
// unmatched responses (already timed out, or from a stale reconnect) are
// dropped with a warning log. A request id owned by a different session is
// rejected rather than resolved — resolving it would let one frontend
// session hijack or poison another session's in-flight call.
func (h *Handler) HandleToolResponse(s *session.Session, p link.ToolResponsePayload) {
	content := p.Content
	if len(content) == 0 && len(p.Data) > 0 {
		content = wrapAsTextContent(p.Data)
	}
	if !h.table().Resolve(p.RequestID, s.ID, link.Result{Content: content, IsError: p.IsError}) {
		h.log.Warn(context.Background(), "tool response did not match a pending call owned by this session", "session_id", s.ID, "request_id", p.RequestID)
	}
}

// HandleResourceResponse implements link.Dispatcher.
func (h *Handler) HandleResourceResponse(s *session.Session, p link.ResourceResponsePayload) {
	var content map[string]any
	if p.Text != nil {
		content = map[string]any{"uri": "", "mimeType": p.MimeType, "text": *p.Text}
	} else if p.Blob != nil {
		content = map[string]any{"uri": "", "mimeType": p.MimeType, "blob": *p.Blob}
	}
	raw, _ := json.Marshal(content)
	if !h.table().Resolve(p.RequestID, s.ID, link.Result{Content: raw, IsError: p.IsError}) {
		h.log.Warn(context.Background(), "resource response did not match a pending call owned by this session", "session_id", s.ID, "request_id", p.RequestID)
	}
}

// HandleQueryRelayFromFrontend implements link.Dispatcher: a frontend may
// resolve a query's lifecycle locally (e.g. the user cancels in the UI)
// rather than the agent calling back over HTTP.
func (h *Handler) HandleQueryRelayFromFrontend(s *session.Session, kind link.MessageKind, raw json.RawMessage) {
	var p link.QueryTerminalPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.log.Warn(context.Background(), "malformed query relay frame from frontend", "session_id", s.ID, "err", err)
		return
	}
	var err error
	switch kind {
	case link.KindQueryProgress:
		err = h.queries.Progress(p.QueryID, p.Message)
	case link.KindQueryComplete:
		err = h.queries.Complete(p.QueryID, p.Message)
	case link.KindQueryFailure:
		err = h.queries.Fail(p.QueryID, p.Error)
	case link.KindQueryCancel:
		err = h.queries.Cancel(p.QueryID, p.Reason)
	}
	if err != nil && !bridgeerr.Is(err, bridgeerr.CodeQueryNotFound) {
		h.log.Warn(context.Background(), "frontend query relay rejected", "session_id", s.ID, "query_id", p.QueryID, "err", err)
	}
}

// wrapAsTextContent shapes a legacy {"data": ...} payload as a single MCP
// text content item, for backward compatibility with frontends that have
// not adopted the raw `content` array shape.
func wrapAsTextContent(data json.RawMessage) json.RawMessage {
	item := map[string]any{"type": "text", "text": string(data)}
	raw, _ := json.Marshal([]any{item})
	return raw
}

// table returns the Pending-Call Table shared with every Link. Handler does
// not own the Table directly (Links do, one per connection pointing at the
// same shared *link.Table instance); it is injected so dispatcher.go and
// handler.go agree on a single source.
func (h *Handler) table() *link.Table { return h.pendingTable }
