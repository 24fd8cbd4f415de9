// Package link implements the Frontend Link (C2) — one duplex channel per
// frontend — and the Pending-Call Table (C3) that correlates outbound
// requests to their eventual responses.
package link

import "encoding/json"

// MessageKind discriminates the `type` field carried by every frame on the
// duplex channel.
type MessageKind string

const (
	// Inbound (frontend -> bridge)
	KindRegisterTool     MessageKind = "register-tool"
	KindUnregisterTool   MessageKind = "unregister-tool"
	KindRegisterResource MessageKind = "register-resource"
	KindUnregisterResource MessageKind = "unregister-resource"
	KindRegisterPrompt   MessageKind = "register-prompt"
	KindUnregisterPrompt MessageKind = "unregister-prompt"
	KindToolResponse     MessageKind = "tool-response"
	KindResourceResponse MessageKind = "resource-response"
	KindQueryProgress    MessageKind = "query-progress"
	KindQueryComplete    MessageKind = "query-complete"
	KindQueryFailure     MessageKind = "query-failure"
	KindQueryCancel      MessageKind = "query-cancel"

	// Outbound (bridge -> frontend)
	KindServerInfo    MessageKind = "server-info"
	KindToolCall      MessageKind = "tool-call"
	KindResourceRead  MessageKind = "resource-read"
	KindQuery         MessageKind = "query"
	KindQueryRelay    MessageKind = "query-relay" // progress/complete/failure/cancel relayed from the agent
)

// Envelope is the generic wire shape: a type discriminator plus the raw
// payload, decoded further once the kind is known.
type Envelope struct {
	Type    MessageKind     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Inbound payload shapes.

// RegisterToolPayload registers or replaces a tool in the sending Session.
type RegisterToolPayload struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	Meta         json.RawMessage `json:"_meta,omitempty"`
}

// UnregisterToolPayload removes a tool by name.
type UnregisterToolPayload struct {
	Name string `json:"name"`
}

// RegisterResourcePayload registers or replaces a resource.
type RegisterResourcePayload struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// UnregisterResourcePayload removes a resource by URI.
type UnregisterResourcePayload struct {
	URI string `json:"uri"`
}

// RegisterPromptPayload registers or replaces a prompt.
type RegisterPromptPayload struct {
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// UnregisterPromptPayload removes a prompt by name.
type UnregisterPromptPayload struct {
	Name string `json:"name"`
}

// ToolResponsePayload completes a pending tool-call or is ignored if no
// PendingCall matches RequestID in this Session.
//
// Data is the legacy `{data: ...}` shaping accepted for backward
// compatibility: when Content is empty and Data is
// non-nil, the bridge wraps Data as a single text content item.
type ToolResponsePayload struct {
	RequestID string          `json:"requestId"`
	Content   json.RawMessage `json:"content,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	IsError   bool            `json:"isError,omitempty"`
	Meta      json.RawMessage `json:"_meta,omitempty"`
}

// ResourceResponsePayload completes a pending resource-read.
type ResourceResponsePayload struct {
	RequestID string          `json:"requestId"`
	Text      *string         `json:"text,omitempty"`
	Blob      *string         `json:"blob,omitempty"` // base64
	MimeType  string          `json:"mimeType,omitempty"`
	IsError   bool            `json:"isError,omitempty"`
	Meta      json.RawMessage `json:"_meta,omitempty"`
}

// QueryProgressPayload carries an agent-originated progress notice relayed
// by the frontend for its own query (used when the frontend itself wants to
// surface sub-progress it observed; agent-originated progress normally
// arrives over the Query HTTP endpoints instead, see internal/query).
type QueryProgressPayload struct {
	QueryID string `json:"queryId"`
	Message string `json:"message,omitempty"`
}

// QueryTerminalPayload is shared by query-complete/query-failure/query-cancel
// frames the frontend sends when it is the one resolving the query locally
// (e.g. the user answers in the UI rather than the agent calling back).
type QueryTerminalPayload struct {
	QueryID string `json:"queryId"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Outbound payload shapes.

// ServerInfoPayload is the first frame sent on every new duplex channel.
type ServerInfoPayload struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// ToolCallPayload asks the frontend to execute one of its own tools.
type ToolCallPayload struct {
	RequestID string          `json:"requestId"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	QueryID   string          `json:"queryId,omitempty"`
}

// ResourceReadPayload asks the frontend to produce resource content.
type ResourceReadPayload struct {
	RequestID string `json:"requestId"`
	URI       string `json:"uri"`
}

// QueryDeliveryPayload hands a newly created Query to its originating
// frontend for bookkeeping (and so the frontend can offer a cancel
// affordance).
type QueryDeliveryPayload struct {
	QueryID       string          `json:"queryId"`
	Prompt        string          `json:"prompt"`
	Context       json.RawMessage `json:"context,omitempty"`
	ResponseTool  string          `json:"responseTool,omitempty"`
	Tools         []string        `json:"tools,omitempty"`
	RestrictTools bool            `json:"restrictTools,omitempty"`
}

// QueryRelayPayload relays an agent-originated lifecycle event to the
// originating frontend.
type QueryRelayPayload struct {
	QueryID string `json:"queryId"`
	Event   string `json:"event"` // "progress" | "complete" | "failure" | "cancel"
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	ToolLog json.RawMessage `json:"toolCallLog,omitempty"`
}
