package transport

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openbridge/mcp-bridge/internal/bridgeerr"
	"github.com/openbridge/mcp-bridge/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleLink upgrades a frontend's connection request to a websocket and
// runs a Frontend Link against it for the lifetime of the connection. The
// session id travels as the `session` query parameter, per §6; a reconnect
// with an id already in the registry replaces the prior Session atomically.
func (rt *Router) handleLink(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "missing session query parameter", http.StatusBadRequest)
		return
	}

	if old, ok := rt.links.Get(sessionID); ok {
		old.Close()
	}
	rt.registry.Detach(sessionID)

	sessionName := r.URL.Query().Get("session_name")
	if sessionName != "" {
		if live := rt.registry.FindByName(sessionName); len(live) > 0 {
			writeBridgeError(w, http.StatusConflict, bridgeerr.New(bridgeerr.CodeSessionNameAlreadyUsed,
				"session_name is already in use by another live session"))
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		rt.log.Warn(r.Context(), "link upgrade failed", "session_id", sessionID, "err", err)
		return
	}

	s := session.NewSession(
		sessionID,
		sessionName,
		r.URL.Query().Get("origin"),
		r.URL.Query().Get("page_title"),
		bearerToken(r),
		time.Now(),
	)
	rt.registry.Attach(s)

	lk := rt.newLink(conn, s)
	rt.links.Register(lk)

	lk.Run(rt.ctx)

	rt.links.Unregister(sessionID, lk)
	if cur, ok := rt.registry.Get(sessionID); ok && cur == s {
		rt.registry.Detach(sessionID)
	}
}

// bearerToken extracts the token from an `Authorization: Bearer <token>`
// header, or the empty string if absent or malformed.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimPrefix(h, prefix)
}
