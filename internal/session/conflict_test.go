package session

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbridge/mcp-bridge/internal/bridgeerr"
)

func TestArbiterAllowsFirstRegistration(t *testing.T) {
	a := NewArbiter()
	err := a.Check("group", "s1", ToolEntry{Name: "t", InputSchema: []byte(`{"type":"object"}`)})
	require.NoError(t, err)
}

func TestArbiterAllowsSameSessionReRegistration(t *testing.T) {
	a := NewArbiter()
	require.NoError(t, a.Check("group", "s1", ToolEntry{Name: "t", InputSchema: []byte(`{"type":"object"}`)}))
	// Same owning session re-registers (e.g. reconnect replay) with a
	// different schema: always permitted, it's not a sibling conflict.
	require.NoError(t, a.Check("group", "s1", ToolEntry{Name: "t", InputSchema: []byte(`{"type":"string"}`)}))
}

func TestArbiterRejectsDifferingSiblingSchema(t *testing.T) {
	a := NewArbiter()
	require.NoError(t, a.Check("group", "s1", ToolEntry{Name: "t", InputSchema: []byte(`{"type":"object"}`)}))
	err := a.Check("group", "s2", ToolEntry{Name: "t", InputSchema: []byte(`{"type":"string"}`)})
	require.Error(t, err)
	assert.True(t, bridgeerr.Is(err, bridgeerr.CodeToolSchemaConflict))
}

func TestArbiterAcceptsKeyReorderedSchema(t *testing.T) {
	a := NewArbiter()
	require.NoError(t, a.Check("group", "s1", ToolEntry{
		Name:        "t",
		InputSchema: []byte(`{"type":"object","properties":{"a":{"type":"string"},"b":{"type":"number"}}}`),
	}))
	err := a.Check("group", "s2", ToolEntry{
		Name:        "t",
		InputSchema: []byte(`{"properties":{"b":{"type":"number"},"a":{"type":"string"}},"type":"object"}`),
	})
	assert.NoError(t, err)
}

func TestArbiterDifferentGroupsDoNotConflict(t *testing.T) {
	a := NewArbiter()
	require.NoError(t, a.Check("group-a", "s1", ToolEntry{Name: "t", InputSchema: []byte(`{"type":"object"}`)}))
	err := a.Check("group-b", "s2", ToolEntry{Name: "t", InputSchema: []byte(`{"type":"string"}`)})
	assert.NoError(t, err)
}

// TestSchemaEquivalenceProperty fuzzes the structural-equality check that
// backs the arbiter: a schema compared against itself, re-marshaled with a
// shuffled key order, must never be reported as a conflict.
func TestSchemaEquivalenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("a schema is always equivalent to itself with its keys reordered", prop.ForAll(
		func(propName string, typeName string) bool {
			schema := []byte(`{"type":"object","properties":{"` + propName + `":{"type":"` + typeName + `"}}}`)
			reordered := []byte(`{"properties":{"` + propName + `":{"type":"` + typeName + `"}},"type":"object"}`)
			equal, err := schemasEquivalent(schema, reordered)
			return err == nil && equal
		},
		gen.AlphaString(),
		gen.OneConstOf("string", "number", "boolean"),
	))

	properties.TestingRun(t)
}
