package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"subroute/observability"
)

// ContainerRuntime provisions containers for the management API.
type ContainerRuntime interface {
	ImageExists(ctx context.Context, ref string) (bool, error)
	PullImage(ctx context.Context, ref string) error
	CreateAndStart(ctx context.Context, ref string) (string, error)
}

// CreateContainerRequest is the body of POST /containers.
type CreateContainerRequest struct {
	Image string `json:"image"`
	Tag   string `json:"tag,omitempty"`
}

// CreateContainerResponse is returned on success.
type CreateContainerResponse struct {
	Status    string `json:"status"`
	Container string `json:"container"`
}

// ErrorResponse is returned on any failure.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ContainerHandler handles API requests related to containers.
type ContainerHandler struct {
	runtime     ContainerRuntime
	logger      *zap.Logger
	metrics     *observability.Metrics
	routeSuffix string
	timeout     time.Duration
}

// NewContainerHandler creates a new ContainerHandler.
func NewContainerHandler(runtime ContainerRuntime, logger *zap.Logger, metrics *observability.Metrics, routeSuffix string, timeout time.Duration) *ContainerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if routeSuffix == "" {
		routeSuffix = "localhost"
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &ContainerHandler{
		runtime:     runtime,
		logger:      logger,
		metrics:     metrics,
		routeSuffix: routeSuffix,
		timeout:     timeout,
	}
}

// CreateContainer godoc
// @Summary Create and start a container
// @Description Pulls the image if it is not present locally, creates and starts a container, and returns
// @Description the hostname it will be routable under once its start event has been processed.
// @Tags containers
// @Accept json
// @Produce json
// @Param container body CreateContainerRequest true "Image and optional tag (default latest)"
// @Success 200 {object} CreateContainerResponse
// @Failure 400 {object} ErrorResponse "Image is required"
// @Failure 500 {object} ErrorResponse
// @Router /containers [post]
func (h *ContainerHandler) CreateContainer(w http.ResponseWriter, r *http.Request) {
	var req CreateContainerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Image == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Status: "error", Message: "Image is required"})
		return
	}
	if req.Tag == "" {
		req.Tag = "latest"
	}
	ref := req.Image + ":" + req.Tag
	log := h.logger.With(zap.String("image", ref))

	// Outlives the client connection
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	name, err := h.provision(ctx, ref)
	if err != nil {
		log.Error("Failed to create container", zap.Error(err))
		h.metrics.RecordContainerCreate(false)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Status: "error", Message: err.Error()})
		return
	}

	h.metrics.RecordContainerCreate(true)
	hostname := name + "." + h.routeSuffix
	log.Info("Container started", zap.String("container", hostname))
	writeJSON(w, http.StatusOK, CreateContainerResponse{Status: "success", Container: hostname})
}

func (h *ContainerHandler) provision(ctx context.Context, ref string) (string, error) {
	exists, err := h.runtime.ImageExists(ctx, ref)
	if err != nil {
		return "", err
	}
	if !exists {
		h.logger.Info("Image not present locally, pulling", zap.String("image", ref))
		if err := h.runtime.PullImage(ctx, ref); err != nil {
			return "", err
		}
	}
	return h.runtime.CreateAndStart(ctx, ref)
}
