package session

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/openbridge/mcp-bridge/internal/bridgeerr"
)

// Arbiter rejects a tool registration whose input/output schema disagrees
// structurally with an existing sibling's, within one session_name group
// (C9). Comparison is structural JSON-Schema equivalence, not byte equality,
// so two schemas written with different key order or object/array literal
// formatting are still considered equal.
type Arbiter struct {
	mu sync.Mutex
	// groups[sessionName][toolName] -> (owning sessionID, entry)
	groups map[string]map[string]conflictRecord
}

type conflictRecord struct {
	ownerSessionID string
	entry          ToolEntry
}

// NewArbiter constructs an empty Arbiter.
func NewArbiter() *Arbiter {
	return &Arbiter{groups: make(map[string]map[string]conflictRecord)}
}

// Check compares t against any existing tool of the same name already
// registered by a different session within groupName. It returns a
// *bridgeerr.Error with CodeToolSchemaConflict on mismatch, and nil when t
// may proceed (no sibling yet, or the sibling's schemas are structurally
// equal). Re-registration by the same sessionID (e.g. a reconnect replaying
// its tool table) is always permitted.
func (a *Arbiter) Check(groupName, sessionID string, t ToolEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	group := a.groups[groupName]
	if group == nil {
		group = make(map[string]conflictRecord)
		a.groups[groupName] = group
	}
	existing, ok := group[t.Name]
	if ok && existing.ownerSessionID != sessionID {
		equalIn, err := schemasEquivalent(existing.entry.InputSchema, t.InputSchema)
		if err != nil {
			return bridgeerr.New(bridgeerr.CodeInternalError, fmt.Sprintf("schema comparison failed: %v", err))
		}
		equalOut, err := schemasEquivalent(existing.entry.OutputSchema, t.OutputSchema)
		if err != nil {
			return bridgeerr.New(bridgeerr.CodeInternalError, fmt.Sprintf("schema comparison failed: %v", err))
		}
		if !equalIn || !equalOut {
			return bridgeerr.WithExtra(bridgeerr.CodeToolSchemaConflict,
				fmt.Sprintf("tool %q schema conflicts with an existing registration in session group %q", t.Name, groupName),
				map[string]any{
					"tool":              t.Name,
					"conflicting_with":  existing.ownerSessionID,
					"session_name":      groupName,
				})
		}
	}
	group[t.Name] = conflictRecord{ownerSessionID: sessionID, entry: t}
	return nil
}

// forgetTool removes one session's claim on a tool name within a group. If
// another sibling still owns the name under a different session, that
// record is left untouched — only the exact (group, tool, session) triple is
// cleared, since the next Check call from a surviving sibling will simply
// re-establish it.
func (a *Arbiter) forgetTool(groupName, sessionID, toolName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	group := a.groups[groupName]
	if group == nil {
		return
	}
	if rec, ok := group[toolName]; ok && rec.ownerSessionID == sessionID {
		delete(group, toolName)
	}
}

// forgetSession drops every tool claim a detaching session held within its
// group.
func (a *Arbiter) forgetSession(groupName, sessionID string) {
	if groupName == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	group := a.groups[groupName]
	if group == nil {
		return
	}
	for name, rec := range group {
		if rec.ownerSessionID == sessionID {
			delete(group, name)
		}
	}
	if len(group) == 0 {
		delete(a.groups, groupName)
	}
}

// schemasEquivalent compares two optional JSON-Schema documents for
// structural equivalence: both empty is equal; one empty and the other not
// is unequal; otherwise each is compiled via santhosh-tekuri/jsonschema to
// confirm it is a valid schema document, then compared as decoded JSON
// values so key order and whitespace never cause a false conflict.
func schemasEquivalent(a, b json.RawMessage) (bool, error) {
	aEmpty := len(a) == 0
	bEmpty := len(b) == 0
	if aEmpty != bEmpty {
		return false, nil
	}
	if aEmpty {
		return true, nil
	}
	if err := validateSchemaDocument(a); err != nil {
		return false, fmt.Errorf("existing schema invalid: %w", err)
	}
	if err := validateSchemaDocument(b); err != nil {
		return false, fmt.Errorf("incoming schema invalid: %w", err)
	}
	var av, bv any
	if err := json.Unmarshal(a, &av); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, &bv); err != nil {
		return false, err
	}
	return reflect.DeepEqual(av, bv), nil
}

// validateSchemaDocument compiles raw as a JSON-Schema document to confirm
// it is well-formed before it is trusted for structural comparison. A
// malformed schema from a misbehaving frontend is reported as an internal
// error rather than silently treated as "different from everything".
func validateSchemaDocument(raw json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	c := jsonschema.NewCompiler()
	const resourceName = "mem://tool-schema.json"
	if err := c.AddResource(resourceName, doc); err != nil {
		return err
	}
	_, err := c.Compile(resourceName)
	return err
}
