package api

import "net/http"

// RouteHandler serves the routing table.
type RouteHandler struct {
	routes RouteLister
}

// ListRoutes godoc
// @Summary List routes
// @Description Returns every service name currently routable and its backend
// @Tags routes
// @Produce json
// @Success 200 {array} types.RoutingEntry
// @Router /routes [get]
func (h *RouteHandler) ListRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.routes.List())
}
