package query

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/openbridge/mcp-bridge/internal/bridgeerr"
	"github.com/openbridge/mcp-bridge/internal/telemetry"
)

// Relay is implemented by the component that owns the originating Link for
// a Query (internal/link.Link) and delivers lifecycle events to it.
type Relay interface {
	RelayQueryEvent(queryID, event, message, errMsg string, toolLog json.RawMessage)
}

// RelayLookup resolves a query's originating session to its Relay. Returns
// false if the session has since disconnected, in which case the event is
// simply dropped — there is nobody left to tell.
type RelayLookup func(sessionID string) (Relay, bool)

// Engine owns the live Query table: creation, agent forwarding, lifecycle
// transitions, tool-call auditing, and retention-window pruning via a single
// sweep goroutine (not a timer per query).
type Engine struct {
	mu    sync.RWMutex
	byID  map[string]*Query
	log   telemetry.Logger
	metrics telemetry.Metrics

	agentURL  string
	client    *http.Client
	retention time.Duration
	relay     RelayLookup

	sweepCtx    context.Context
	sweepCancel context.CancelFunc
	sweepWg     sync.WaitGroup
}

// NewEngine constructs an Engine and starts its retention sweep. agentURL
// may be empty, in which case query creation still succeeds but forwarding
// is a no-op (spec-permitted: "empty disables query forwarding").
func NewEngine(agentURL string, retention time.Duration, relay RelayLookup, log telemetry.Logger, metrics telemetry.Metrics) *Engine {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	e := &Engine{
		byID:      make(map[string]*Query),
		log:       log,
		metrics:   metrics,
		agentURL:  agentURL,
		client:    &http.Client{Timeout: 30 * time.Second},
		retention: retention,
		relay:     relay,
	}
	e.sweepCtx, e.sweepCancel = context.WithCancel(context.Background())
	e.sweepWg.Add(1)
	go e.sweepLoop()
	return e
}

// Close stops the retention sweep goroutine.
func (e *Engine) Close() {
	e.sweepCancel()
	e.sweepWg.Wait()
}

func (e *Engine) sweepLoop() {
	defer e.sweepWg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.sweepCtx.Done():
			return
		case now := <-ticker.C:
			e.sweep(now)
		}
	}
}

func (e *Engine) sweep(now time.Time) {
	var pruned []string
	e.mu.Lock()
	for id, q := range e.byID {
		if q.State().terminal() && now.Sub(q.completedAtTime()) > e.retention {
			pruned = append(pruned, id)
			delete(e.byID, id)
		}
	}
	e.mu.Unlock()
	for _, id := range pruned {
		e.log.Debug(context.Background(), "pruned terminal query", "query_id", id)
	}
}

// Create stores a new Query and forwards it to the configured agent URL,
// returning immediately: forwarding failure does not fail creation, it is
// only logged.
func (e *Engine) Create(ctx context.Context, uuid, originSessionID, prompt string, ctxJSON json.RawMessage, tools []string, responseTool string, restrictTools bool) *Query {
	q := New(uuid, originSessionID, prompt, ctxJSON, tools, responseTool, restrictTools, time.Now())
	e.mu.Lock()
	e.byID[uuid] = q
	e.mu.Unlock()
	e.metrics.IncCounter("bridge.query.created", 1)
	go e.forward(ctx, q)
	return q
}

type forwardBody struct {
	UUID          string          `json:"uuid"`
	Prompt        string          `json:"prompt"`
	Context       json.RawMessage `json:"context,omitempty"`
	Tools         []string        `json:"tools,omitempty"`
	ResponseTool  string          `json:"responseTool,omitempty"`
	RestrictTools bool            `json:"restrictTools,omitempty"`
}

func (e *Engine) forward(ctx context.Context, q *Query) {
	if e.agentURL == "" {
		return
	}
	body, err := json.Marshal(forwardBody{
		UUID: q.UUID, Prompt: q.Prompt, Context: q.Context,
		Tools: q.Tools, ResponseTool: q.ResponseTool, RestrictTools: q.RestrictTools,
	})
	if err != nil {
		e.log.Error(ctx, "failed to marshal query forward body", "query_id", q.UUID, "err", err)
		return
	}
	url := e.agentURL + "/query/" + q.UUID
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		e.log.Error(ctx, "failed to build query forward request", "query_id", q.UUID, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		e.log.Warn(ctx, "query forward to agent failed", "query_id", q.UUID, "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		e.log.Warn(ctx, "agent rejected query forward", "query_id", q.UUID, "status", resp.StatusCode)
	}
}

// Get returns a live Query by id.
func (e *Engine) Get(uuid string) (*Query, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	q, ok := e.byID[uuid]
	return q, ok
}

// Progress records a non-terminal progress notice from the agent and relays
// it to the originating frontend. Implicitly moves Accepted -> InProgress.
func (e *Engine) Progress(uuid, message string) error {
	q, ok := e.Get(uuid)
	if !ok {
		return bridgeerr.New(bridgeerr.CodeQueryNotFound, "no such query")
	}
	if q.State().terminal() {
		return bridgeerr.New(bridgeerr.CodeQueryCompleted, "query has already reached a terminal state")
	}
	q.beginIfAccepted()
	e.relayEvent(q, "progress", message, "", nil)
	return nil
}

// Complete transitions a Query to Completed, recording resultMsg, and
// relays the event (with the tool-call log) to the originating frontend.
func (e *Engine) Complete(uuid, resultMsg string) error {
	return e.terminate(uuid, StateCompleted, resultMsg, "")
}

// Fail transitions a Query to Failed, recording errMsg.
func (e *Engine) Fail(uuid, errMsg string) error {
	return e.terminate(uuid, StateFailed, "", errMsg)
}

// Cancel transitions a Query to Cancelled. reason is carried as the
// relayed event's message.
func (e *Engine) Cancel(uuid, reason string) error {
	return e.terminate(uuid, StateCancelled, reason, "")
}

func (e *Engine) terminate(uuid string, to State, resultMsg, errMsg string) error {
	q, ok := e.Get(uuid)
	if !ok {
		return bridgeerr.New(bridgeerr.CodeQueryNotFound, "no such query")
	}
	if err := q.transition(to, resultMsg, errMsg, time.Now()); err != nil {
		return bridgeerr.New(bridgeerr.CodeQueryCompleted, err.Error())
	}
	e.metrics.IncCounter("bridge.query.transitions", 1, "state", string(to))
	event := map[State]string{StateCompleted: "complete", StateFailed: "failure", StateCancelled: "cancel"}[to]
	logJSON, _ := json.Marshal(q.ToolCallLog())
	msg := resultMsg
	if msg == "" {
		msg = errMsg
	}
	e.relayEvent(q, event, msg, errMsg, logJSON)
	return nil
}

// RecordToolCall appends a routed tool call to the Query's audit log. If the
// tool is the Query's configured ResponseTool and the call did not fail, it
// additionally completes the Query with a message naming the tool; the call's
// arguments and result are the last entry of the tool-call log relayed with
// that complete event.
func (e *Engine) RecordToolCall(uuid, tool string, arguments, result json.RawMessage, isError bool) error {
	q, ok := e.Get(uuid)
	if !ok {
		return bridgeerr.New(bridgeerr.CodeQueryNotFound, "no such query")
	}
	if q.State().terminal() {
		return bridgeerr.New(bridgeerr.CodeQueryCompleted, "query has already reached a terminal state")
	}
	q.beginIfAccepted()
	q.recordToolCall(ToolCallRecord{Tool: tool, Arguments: arguments, Result: result, IsError: isError})
	if q.ResponseTool != "" && tool == q.ResponseTool && !isError {
		return e.terminate(uuid, StateCompleted, fmt.Sprintf("responseTool %q invoked", tool), "")
	}
	return nil
}

func (e *Engine) relayEvent(q *Query, event, message, errMsg string, toolLog json.RawMessage) {
	if e.relay == nil {
		return
	}
	r, ok := e.relay(q.OriginSessionID)
	if !ok {
		return
	}
	r.RelayQueryEvent(q.UUID, event, message, errMsg, toolLog)
}
