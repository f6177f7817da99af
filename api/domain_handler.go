package api

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// DomainHandler handles API requests related to published domains.
type DomainHandler struct {
	domains DomainManager
	logger  *zap.Logger
}

// ListDomains godoc
// @Summary List all domains
// @Description Returns the domains published for routed services
// @Tags domains
// @Produce json
// @Success 200 {array} types.ServiceDomain "List of domains"
// @Router /domains [get]
func (h *DomainHandler) ListDomains(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.domains.Domains())
}

// GetDomain godoc
// @Summary Get the domain of a service
// @Tags domains
// @Produce json
// @Param service path string true "Service name"
// @Success 200 {object} types.ServiceDomain "Domain information"
// @Failure 404 {object} ErrorResponse "Domain not found"
// @Router /domains/{service} [get]
func (h *DomainHandler) GetDomain(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]

	domain, exists := h.domains.Domain(service)
	if !exists {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Status:  "error",
			Message: fmt.Sprintf("Domain for service '%s' not found", service),
		})
		return
	}
	writeJSON(w, http.StatusOK, domain)
}

// DeleteDomain godoc
// @Summary Delete the domain of a service
// @Tags domains
// @Produce json
// @Param service path string true "Service name"
// @Success 200 {object} map[string]string "status: success"
// @Failure 404 {object} ErrorResponse "Domain not found"
// @Failure 500 {object} ErrorResponse "Failed to delete domain"
// @Router /domains/{service} [delete]
func (h *DomainHandler) DeleteDomain(w http.ResponseWriter, r *http.Request) {
	service := mux.Vars(r)["service"]

	if _, exists := h.domains.Domain(service); !exists {
		writeJSON(w, http.StatusNotFound, ErrorResponse{
			Status:  "error",
			Message: fmt.Sprintf("Domain for service '%s' not found", service),
		})
		return
	}

	if err := h.domains.Delete(r.Context(), service); err != nil {
		h.logger.Error("Failed to delete domain", zap.String("service", service), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Status:  "error",
			Message: fmt.Sprintf("Failed to delete domain: %v", err),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}
