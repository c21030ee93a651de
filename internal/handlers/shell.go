package handlers

import (
	"log"
	"net/http"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/shellgate/shellgate/internal/logutil"
)

// ShellWS upgrades the request to a websocket and bridges it to the
// session's pty. The channel carries raw terminal bytes in binary
// frames, nothing else. The handler blocks until the bridge ends, so
// the connection stays up exactly as long as this session holds it.
// GET /shell/{id}
func (a *API) ShellWS(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Reject unknown ids before paying for the upgrade.
	if _, err := a.Registry.Get(id); err != nil {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("Failed to accept shell websocket: %v", err)
		return
	}
	defer c.CloseNow()

	c.SetReadLimit(1024 * 1024)

	conn := websocket.NetConn(r.Context(), c, websocket.MessageBinary)
	done, err := a.Registry.Attach(id, conn)
	if err != nil {
		// The session terminated between the lookup and the attach.
		c.Close(4404, "Session not found")
		return
	}

	safeID := logutil.SanitizeForLog(id)
	log.Printf("Client %s attached to session %s", r.RemoteAddr, safeID)

	<-done

	log.Printf("Client %s detached from session %s", r.RemoteAddr, safeID)
	c.Close(websocket.StatusNormalClosure, "")
}
