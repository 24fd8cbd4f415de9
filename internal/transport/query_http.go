package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openbridge/mcp-bridge/internal/bridgeerr"
	"github.com/openbridge/mcp-bridge/internal/link"
)

type queryCreateBody struct {
	UUID          string          `json:"uuid"`
	Prompt        string          `json:"prompt"`
	Context       json.RawMessage `json:"context,omitempty"`
	Tools         []string        `json:"tools,omitempty"`
	ResponseTool  string          `json:"responseTool,omitempty"`
	RestrictTools bool            `json:"restrictTools,omitempty"`
}

// handleQueryCreate implements the frontend -> bridge leg of query
// creation (§6): PUT /query/:uuid. The requesting frontend is identified by
// its bearer token, which must resolve to exactly one live Session — a
// Query always has exactly one origin, so an ambiguous or absent bearer is
// rejected rather than guessed at.
func (rt *Router) handleQueryCreate(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	var body queryCreateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeBridgeError(w, http.StatusBadRequest, bridgeerr.New(bridgeerr.CodeInternalError, "malformed request body"))
		return
	}

	token := bearerToken(r)
	if token == "" {
		writeBridgeError(w, http.StatusUnauthorized, bridgeerr.New(bridgeerr.CodeMissingAuthentication, "query creation requires a bearer token"))
		return
	}
	candidates := rt.registry.FindByAuth(token)
	switch len(candidates) {
	case 0:
		writeBridgeError(w, http.StatusUnauthorized, bridgeerr.New(bridgeerr.CodeInvalidAuthentication, "bearer token does not match any live session"))
		return
	case 1:
		// exactly one origin, proceed
	default:
		writeBridgeError(w, http.StatusConflict, bridgeerr.New(bridgeerr.CodeSessionNotSpecified, "bearer token matches multiple sessions; a query requires exactly one origin"))
		return
	}

	origin := candidates[0]
	q := rt.queries.Create(rt.ctx, uuid, origin.ID, body.Prompt, body.Context, body.Tools, body.ResponseTool, body.RestrictTools)

	if lk, ok := rt.links.Get(origin.ID); ok {
		lk.DeliverQuery(link.QueryDeliveryPayload{
			QueryID:       q.UUID,
			Prompt:        q.Prompt,
			Context:       q.Context,
			ResponseTool:  q.ResponseTool,
			Tools:         q.Tools,
			RestrictTools: q.RestrictTools,
		})
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"uuid": q.UUID})
}

type queryProgressBody struct {
	Message string `json:"message"`
}

func (rt *Router) handleQueryProgress(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	var body queryProgressBody
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := rt.queries.Progress(uuid, body.Message); err != nil {
		writeQueryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type queryCompleteBody struct {
	Message string `json:"message"`
}

func (rt *Router) handleQueryComplete(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	var body queryCompleteBody
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := rt.queries.Complete(uuid, body.Message); err != nil {
		writeQueryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type queryFailBody struct {
	Error string `json:"error"`
}

func (rt *Router) handleQueryFail(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	var body queryFailBody
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := rt.queries.Fail(uuid, body.Error); err != nil {
		writeQueryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type queryCancelBody struct {
	Reason string `json:"reason,omitempty"`
}

func (rt *Router) handleQueryCancel(w http.ResponseWriter, r *http.Request) {
	uuid := chi.URLParam(r, "uuid")
	var body queryCancelBody
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := rt.queries.Cancel(uuid, body.Reason); err != nil {
		writeQueryError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeQueryError maps the Query Engine's bridgeerr codes to the HTTP
// statuses §7 specifies: QueryNotFound -> 404, QueryCompleted -> 409.
func writeQueryError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch bridgeerr.AsCode(err) {
	case bridgeerr.CodeQueryNotFound:
		status = http.StatusNotFound
	case bridgeerr.CodeQueryCompleted:
		status = http.StatusConflict
	}
	be, ok := err.(*bridgeerr.Error)
	if !ok {
		be = bridgeerr.New(bridgeerr.CodeInternalError, err.Error())
	}
	writeBridgeError(w, status, be)
}

func writeBridgeError(w http.ResponseWriter, status int, err *bridgeerr.Error) {
	writeJSON(w, status, map[string]any{"code": err.Code, "message": err.Message})
}
