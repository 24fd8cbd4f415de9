package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(id, name, token string) *Session {
	return NewSession(id, name, "https://example.test", "Example", token, time.Now())
}

func TestRegistryAttachDetach(t *testing.T) {
	r := NewRegistry(nil, nil)
	s := newTestSession("s1", "", "tok-a")
	r.Attach(s)

	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Equal(t, s, got)

	byAuth := r.FindByAuth("tok-a")
	require.Len(t, byAuth, 1)
	assert.Equal(t, "s1", byAuth[0].ID)

	r.Detach("s1")
	_, ok = r.Get("s1")
	assert.False(t, ok)
	assert.Empty(t, r.FindByAuth("tok-a"))
}

func TestRegistryFindByAuthMultiSession(t *testing.T) {
	r := NewRegistry(nil, nil)
	s1 := newTestSession("s1", "", "shared")
	s2 := newTestSession("s2", "", "shared")
	r.Attach(s1)
	r.Attach(s2)

	got := r.FindByAuth("shared")
	assert.Len(t, got, 2)
}

func TestRegistryFindByName(t *testing.T) {
	r := NewRegistry(nil, nil)
	s1 := newTestSession("s1", "app", "tok")
	s2 := newTestSession("s2", "app", "tok2")
	r.Attach(s1)
	r.Attach(s2)

	got := r.FindByName("app")
	assert.Len(t, got, 2)
	assert.Empty(t, r.FindByName("other"))
}

func TestRegistryForEach(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Attach(newTestSession("s1", "", "a"))
	r.Attach(newTestSession("s2", "", "b"))

	var seen []string
	r.ForEach(nil, func(s *Session) { seen = append(seen, s.ID) })
	assert.ElementsMatch(t, []string{"s1", "s2"}, seen)

	seen = nil
	r.ForEach(func(s *Session) bool { return s.ID == "s1" }, func(s *Session) { seen = append(seen, s.ID) })
	assert.Equal(t, []string{"s1"}, seen)
}

func TestRegistryToolLifecycleEmitsChanges(t *testing.T) {
	r := NewRegistry(nil, nil)
	s := newTestSession("s1", "", "tok")
	r.Attach(s)
	ch := r.Subscribe(8)
	defer r.Unsubscribe(ch)

	require.NoError(t, r.RegisterTool(s, ToolEntry{Name: "greet"}))
	select {
	case c := <-ch:
		assert.Equal(t, ChangeAddedTool, c.Kind)
		assert.Equal(t, "greet", c.Name)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for added_tool change")
	}

	got, ok := s.Tool("greet")
	require.True(t, ok)
	assert.Equal(t, "greet", got.Name)

	r.UnregisterTool(s, "greet")
	select {
	case c := <-ch:
		assert.Equal(t, ChangeRemovedTool, c.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for removed_tool change")
	}
	_, ok = s.Tool("greet")
	assert.False(t, ok)
}

func TestRegistryDetachClearsArbiterClaims(t *testing.T) {
	r := NewRegistry(nil, nil)
	s1 := newTestSession("s1", "app", "a")
	s2 := newTestSession("s2", "app", "b")
	r.Attach(s1)
	r.Attach(s2)

	require.NoError(t, r.RegisterTool(s1, ToolEntry{Name: "t", InputSchema: []byte(`{"type":"string"}`)}))
	err := r.RegisterTool(s2, ToolEntry{Name: "t", InputSchema: []byte(`{"type":"number"}`)})
	require.Error(t, err)

	r.Detach("s1")
	// s1's claim is gone; s2 may now register "t" with its own schema.
	err = r.RegisterTool(s2, ToolEntry{Name: "t", InputSchema: []byte(`{"type":"number"}`)})
	require.NoError(t, err)
}
