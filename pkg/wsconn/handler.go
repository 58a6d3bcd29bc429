package wsconn

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/vibemesh/vibemesh"
)

// Handler upgrades inbound HTTP requests to websockets and hands them to a
// PushAura. The listening socket stays owned by the caller's http.Server;
// the aura only ever sees accepted connections.
type Handler struct {
	Aura   *vibemesh.PushAura
	Logger *slog.Logger

	// Upgrader may be customized, e.g. to check origins. The zero value
	// accepts everything, matching the overlay's token-based admission.
	Upgrader websocket.Upgrader
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)

	up := h.Upgrader
	if up.CheckOrigin == nil {
		up.CheckOrigin = func(*http.Request) bool { return true }
	}
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("websocket upgrade failed", "error", err)
		}
		return
	}

	h.Aura.Admit(r.Context(), vibemesh.Inbound{
		Conn:       Wrap(ws),
		Token:      token,
		Header:     r.Header,
		RemoteAddr: r.RemoteAddr,
	})
}

// bearerToken extracts the identity token from the Authorization header,
// falling back to the "token" query parameter for browser clients that
// cannot set headers on websocket dials.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return r.URL.Query().Get("token")
}
