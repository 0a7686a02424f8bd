package api

import (
	"net/http"

	"github.com/workroom-io/workroom/ws"
)

// presence reports the users connected to a workspace on this node.
// Presence is per-process state; a load-balanced deployment queries
// each node or derives global presence from join/leave events.
func (a *API) presence(w http.ResponseWriter, r *http.Request, identity *ws.Identity) {
	workspaceID := r.PathValue("workspaceID")
	if !identity.AllowsWorkspace(workspaceID) {
		a.writeError(w, http.StatusForbidden, "workspace not permitted")
		return
	}
	a.writeJSON(w, http.StatusOK, a.node.Presence(workspaceID))
}
