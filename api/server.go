package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"subroute/observability"
	"subroute/types"
)

// RouteLister lists the current routing table.
type RouteLister interface {
	List() []types.RoutingEntry
}

// DomainManager exposes the domains published for routed services.
type DomainManager interface {
	Domains() []types.ServiceDomain
	Domain(serviceName string) (types.ServiceDomain, bool)
	Delete(ctx context.Context, serviceName string) error
}

// Dependencies are the collaborators of the management API. Routes, Domains and Metrics are optional.
type Dependencies struct {
	Runtime       ContainerRuntime
	Routes        RouteLister
	Domains       DomainManager
	Metrics       *observability.Metrics
	Logger        *zap.Logger
	RouteSuffix   string        // Appended to container names in responses, e.g. "localhost"
	CreateTimeout time.Duration // Upper bound for pull + create + start
}

// NewServer builds the management API handler.
func NewServer(deps Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	router := mux.NewRouter()

	containers := NewContainerHandler(deps.Runtime, deps.Logger.Named("containers"), deps.Metrics, deps.RouteSuffix, deps.CreateTimeout)
	router.HandleFunc("/containers", containers.CreateContainer).Methods(http.MethodPost)

	if deps.Routes != nil {
		routes := &RouteHandler{routes: deps.Routes}
		router.HandleFunc("/routes", routes.ListRoutes).Methods(http.MethodGet)
	}

	if deps.Domains != nil {
		domains := &DomainHandler{domains: deps.Domains, logger: deps.Logger.Named("domains")}
		router.HandleFunc("/domains", domains.ListDomains).Methods(http.MethodGet)
		router.HandleFunc("/domains/{service}", domains.GetDomain).Methods(http.MethodGet)
		router.HandleFunc("/domains/{service}", domains.DeleteDomain).Methods(http.MethodDelete)
	}

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	if deps.Metrics != nil {
		router.Handle("/metrics", deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	router.Use(loggingMiddleware(deps.Logger))
	return router
}

// loggingMiddleware logs incoming requests
func loggingMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("API request",
				zap.String("method", r.Method),
				zap.String("uri", r.RequestURI),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
