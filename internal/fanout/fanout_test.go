package fanout

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbridge/mcp-bridge/internal/session"
)

type recordingSink struct {
	mu  sync.Mutex
	got []NotificationKind
	err error
}

func (s *recordingSink) Send(kind NotificationKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, kind)
	return nil
}

func (s *recordingSink) snapshot() []NotificationKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NotificationKind, len(s.got))
	copy(out, s.got)
	return out
}

func allInScope(string) bool { return true }
func noneInScope(string) bool { return false }

func TestStreamDeliversInScopeChange(t *testing.T) {
	sink := &recordingSink{}
	s := NewStream("mcp1", sink, allInScope, nil)
	defer s.Close()

	s.Notify(session.Change{Kind: session.ChangeAddedTool, SessionID: "s1", Name: "greet"})

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, NotifyToolsListChanged, sink.snapshot()[0])
}

func TestStreamIgnoresOutOfScopeChange(t *testing.T) {
	sink := &recordingSink{}
	s := NewStream("mcp1", sink, noneInScope, nil)
	defer s.Close()

	s.Notify(session.Change{Kind: session.ChangeAddedTool, SessionID: "s1", Name: "greet"})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.snapshot())
}

func TestStreamCoalescesSameKind(t *testing.T) {
	sink := &recordingSink{}
	s := NewStream("mcp1", sink, allInScope, nil)
	defer s.Close()

	// Pending notifications are keyed by kind, so any number of same-kind
	// changes leave one pending entry; a flush sends that kind exactly once.
	s.mu.Lock()
	s.pending[NotifyToolsListChanged] = struct{}{}
	s.mu.Unlock()
	s.flush()

	assert.Equal(t, []NotificationKind{NotifyToolsListChanged}, sink.snapshot())
}

func TestStreamClosesOnSinkError(t *testing.T) {
	sink := &recordingSink{err: errors.New("consumer gone")}
	s := NewStream("mcp1", sink, allInScope, nil)

	s.Notify(session.Change{Kind: session.ChangeAddedResource, SessionID: "s1", Name: "file://x"})

	require.Eventually(t, func() bool {
		select {
		case <-s.done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestManagerRoutesRegistryChangesToStreams(t *testing.T) {
	reg := session.NewRegistry(nil, nil)
	m := NewManager(reg)
	defer m.Close()

	sink := &recordingSink{}
	stream := NewStream("mcp1", sink, allInScope, nil)
	m.Register(stream)

	s := session.NewSession("s1", "", "", "", "tok", time.Now())
	reg.Attach(s)
	require.NoError(t, reg.RegisterTool(s, session.ToolEntry{Name: "greet"}))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestManagerRoutesSessionAttachDetachToStreams(t *testing.T) {
	reg := session.NewRegistry(nil, nil)
	m := NewManager(reg)
	defer m.Close()

	sink := &recordingSink{}
	stream := NewStream("mcp1", sink, allInScope, nil)
	m.Register(stream)

	s := session.NewSession("s1", "", "", "", "tok", time.Now())
	reg.Attach(s)

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, sink.snapshot(), NotifyToolsListChanged)

	reg.Detach("s1")

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestManagerUnregisterClosesStream(t *testing.T) {
	reg := session.NewRegistry(nil, nil)
	m := NewManager(reg)
	defer m.Close()

	stream := NewStream("mcp1", &recordingSink{}, allInScope, nil)
	m.Register(stream)
	m.Unregister("mcp1")

	select {
	case <-stream.done:
	case <-time.After(time.Second):
		t.Fatal("stream was not closed on unregister")
	}
}
