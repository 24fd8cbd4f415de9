// Package auth implements the Auth & Scope Resolver (C4): it turns an
// incoming MCP request's bearer token and optional _meta hints into a
// decision about which Session(s) the request is authorized to act against.
package auth

import (
	"encoding/json"

	"github.com/openbridge/mcp-bridge/internal/bridgeerr"
	"github.com/openbridge/mcp-bridge/internal/session"
)

// Decision is the outcome of resolving one request's scope.
type Decision string

const (
	// DecisionAuthenticated means a single Session was unambiguously
	// resolved; Session is set.
	DecisionAuthenticated Decision = "authenticated"
	// DecisionQueryScoped means _meta.queryId bypassed bearer-token
	// resolution entirely; Session is the query's originating session.
	DecisionQueryScoped Decision = "query_scoped"
	// DecisionNeedSessionChoice means the bearer token matched more than one
	// live Session and the caller must disambiguate via _meta.sessionId.
	DecisionNeedSessionChoice Decision = "need_session_choice"
	// DecisionRejected means the request carries no usable credentials.
	DecisionRejected Decision = "rejected"
)

// Meta is the subset of a request's `_meta` object the resolver inspects.
// Fields are optional; absence is not an error.
type Meta struct {
	SessionID string `json:"sessionId,omitempty"`
	QueryID   string `json:"queryId,omitempty"`
}

// Result carries the resolver's decision and, when applicable, the resolved
// Session or the candidate set requiring disambiguation.
type Result struct {
	Decision   Decision
	Session    *session.Session
	Candidates []*session.Session
	Err        error
}

// QueryLookup resolves a query id to its originating session, used only for
// DecisionQueryScoped. cmd/bridge builds it from internal/query.Engine.Get
// and the registry.
type QueryLookup func(queryID string) (*session.Session, bool)

// Registry is the subset of session.Registry the resolver needs.
type Registry interface {
	Get(sessionID string) (*session.Session, bool)
	FindByAuth(token string) []*session.Session
}

// Resolver resolves scope for incoming MCP requests.
type Resolver struct {
	registry Registry
	lookup   QueryLookup
}

// New constructs a Resolver. lookup may be nil if the caller never resolves
// query-scoped requests through this Resolver.
func New(registry Registry, lookup QueryLookup) *Resolver {
	return &Resolver{registry: registry, lookup: lookup}
}

// Resolve decides which Session(s) bearerToken and meta authorize access to.
//
// Order of precedence (spec-defined): a queryId in _meta bypasses bearer
// token resolution entirely, since the query itself is the credential. Next,
// a sessionId in _meta is honored only if it is one of the sessions the
// bearer token would otherwise resolve to — an attacker cannot use a stolen
// sessionId alone to act as that session's owner. Absent any _meta hint, a
// bearer token resolving to exactly one session authenticates it directly;
// resolving to more than one requires disambiguation; resolving to zero, or
// no token at all, is rejected.
func (r *Resolver) Resolve(bearerToken string, meta json.RawMessage) Result {
	var m Meta
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &m) // malformed _meta is treated as absent, not an error
	}

	if m.QueryID != "" {
		if r.lookup == nil {
			return Result{Decision: DecisionRejected, Err: bridgeerr.New(bridgeerr.CodeInvalidAuthentication, "query-scoped authentication is not available")}
		}
		s, ok := r.lookup(m.QueryID)
		if !ok {
			return Result{Decision: DecisionRejected, Err: bridgeerr.New(bridgeerr.CodeQueryNotFound, "no such query")}
		}
		return Result{Decision: DecisionQueryScoped, Session: s}
	}

	if bearerToken == "" {
		return Result{Decision: DecisionRejected, Err: bridgeerr.New(bridgeerr.CodeMissingAuthentication, "no bearer token or query scope supplied")}
	}

	candidates := r.registry.FindByAuth(bearerToken)
	if len(candidates) == 0 {
		return Result{Decision: DecisionRejected, Err: bridgeerr.New(bridgeerr.CodeInvalidAuthentication, "bearer token does not match any live session")}
	}

	if m.SessionID != "" {
		for _, c := range candidates {
			if c.ID == m.SessionID {
				return Result{Decision: DecisionAuthenticated, Session: c}
			}
		}
		return Result{Decision: DecisionRejected, Err: bridgeerr.New(bridgeerr.CodeSessionNotFound, "_meta.sessionId does not match a session authorized by this bearer token")}
	}

	if len(candidates) == 1 {
		return Result{Decision: DecisionAuthenticated, Session: candidates[0]}
	}

	return Result{
		Decision:   DecisionNeedSessionChoice,
		Candidates: candidates,
		Err: bridgeerr.WithExtra(bridgeerr.CodeSessionNotSpecified,
			"bearer token matches multiple sessions; specify _meta.sessionId",
			bridgeerr.AvailableSessions{AvailableSessions: session.AvailableSessions(candidates)}),
	}
}
