package manager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"

	"subroute/types"
)

// dockerAPI is the subset of the Docker client used by DockerRuntime.
type dockerAPI interface {
	Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error)
	ContainerInspectWithRaw(ctx context.Context, containerID string, getSize bool) (container.InspectResponse, []byte, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// DockerRuntime talks to the Docker daemon. It is the event source, the metadata
// resolver and the container runtime used by the management API.
type DockerRuntime struct {
	docker dockerAPI
	logger *zap.Logger

	lastEvent atomic.Int64 // Unix nanoseconds of the newest event received
}

// NewDockerRuntime creates a DockerRuntime from the standard DOCKER_* environment.
func NewDockerRuntime(logger *zap.Logger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return newDockerRuntime(cli, logger), nil
}

func newDockerRuntime(api dockerAPI, logger *zap.Logger) *DockerRuntime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DockerRuntime{docker: api, logger: logger}
}

// Subscribe streams container start events from the daemon. The event channel is
// closed when the daemon stream fails or ctx is cancelled. A later subscription
// replays events from the newest one already received, so starts during a
// reconnect are not lost.
func (d *DockerRuntime) Subscribe(ctx context.Context) (<-chan types.LifecycleEvent, <-chan error) {
	options := events.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("type", string(events.ContainerEventType)),
			filters.Arg("event", string(events.ActionStart)),
		),
	}
	if last := d.lastEvent.Load(); last > 0 {
		options.Since = sinceTimestamp(last)
		d.logger.Debug("Resuming event stream", zap.String("since", options.Since))
	}
	msgs, errs := d.docker.Events(ctx, options)

	out := make(chan types.LifecycleEvent)
	errOut := make(chan error, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				errOut <- err
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				d.observe(msg)
				select {
				case out <- lifecycleEvent(msg):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, errOut
}

// observe records the time of msg if it is newer than any event seen so far.
func (d *DockerRuntime) observe(msg events.Message) {
	ts := msg.TimeNano
	if ts == 0 {
		ts = msg.Time * int64(time.Second)
	}
	for {
		last := d.lastEvent.Load()
		if ts <= last || d.lastEvent.CompareAndSwap(last, ts) {
			return
		}
	}
}

// sinceTimestamp formats unix nanoseconds the way the daemon parses "since": seconds.nanoseconds.
func sinceTimestamp(nanos int64) string {
	return fmt.Sprintf("%d.%09d", nanos/int64(time.Second), nanos%int64(time.Second))
}

func lifecycleEvent(msg events.Message) types.LifecycleEvent {
	return types.LifecycleEvent{
		Type:        string(msg.Type),
		Action:      string(msg.Action),
		ContainerID: msg.Actor.ID,
	}
}

// inspectDocument is the part of the raw inspect JSON that the typed response cannot
// represent faithfully: the deprecated top-level IP field and the declaration order of ports.
type inspectDocument struct {
	Config struct {
		ExposedPorts json.RawMessage `json:"ExposedPorts"`
	} `json:"Config"`
	NetworkSettings struct {
		IPAddress string `json:"IPAddress"`
	} `json:"NetworkSettings"`
}

// Inspect resolves the name, addresses and exposed ports of a container.
func (d *DockerRuntime) Inspect(ctx context.Context, containerID string) (types.ContainerMetadata, error) {
	resp, raw, err := d.docker.ContainerInspectWithRaw(ctx, containerID, false)
	if err != nil {
		return types.ContainerMetadata{}, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	var doc inspectDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return types.ContainerMetadata{}, fmt.Errorf("failed to decode inspect response for %s: %w", containerID, err)
	}
	ports, err := orderedKeys(doc.Config.ExposedPorts)
	if err != nil {
		return types.ContainerMetadata{}, fmt.Errorf("failed to decode exposed ports for %s: %w", containerID, err)
	}

	meta := types.ContainerMetadata{
		Networks:        make(map[string]string),
		LegacyIPAddress: doc.NetworkSettings.IPAddress,
		ExposedPorts:    ports,
	}
	if resp.ContainerJSONBase != nil {
		meta.Name = resp.Name
	}
	if resp.NetworkSettings != nil {
		for name, endpoint := range resp.NetworkSettings.Networks {
			if endpoint != nil {
				meta.Networks[name] = endpoint.IPAddress
			}
		}
	}
	return meta, nil
}

// orderedKeys returns the keys of a JSON object in document order.
// A null or missing object yields no keys.
func orderedKeys(obj json.RawMessage) ([]string, error) {
	obj = bytes.TrimSpace(obj)
	if len(obj) == 0 || bytes.Equal(obj, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(obj))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected object, got %v", tok)
	}

	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("expected object key, got %v", tok)
		}
		keys = append(keys, key)

		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// ImageExists reports whether ref ("image:tag") is present in the local image store.
func (d *DockerRuntime) ImageExists(ctx context.Context, ref string) (bool, error) {
	images, err := d.docker.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to list images: %w", err)
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == ref {
				return true, nil
			}
		}
	}
	return false, nil
}

// PullImage pulls ref and waits for the pull to finish.
func (d *DockerRuntime) PullImage(ctx context.Context, ref string) error {
	d.logger.Info("Pulling image", zap.String("image", ref))

	reader, err := d.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	// Progress output is discarded; errors reported inside the stream are surfaced.
	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}

	d.logger.Info("Image pulled", zap.String("image", ref))
	return nil
}

// CreateAndStart creates a container from ref, starts it and returns its name
// without the leading "/". The container is removed by the daemon when it exits.
func (d *DockerRuntime) CreateAndStart(ctx context.Context, ref string) (string, error) {
	resp, err := d.docker.ContainerCreate(
		ctx,
		&container.Config{
			Image: ref,
			Tty:   false,
		},
		&container.HostConfig{
			AutoRemove: true,
		},
		nil, // NetworkingConfig
		nil, // Platform
		"",  // Let the daemon generate a name
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container from %s: %w", ref, err)
	}

	log := d.logger.With(zap.String("container_id", shortID(resp.ID)), zap.String("image", ref))
	log.Info("Container created, starting")

	if err := d.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if rmErr := d.docker.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true}); rmErr != nil {
			log.Warn("Failed to remove container after failed start", zap.Error(rmErr))
		}
		return "", fmt.Errorf("failed to start container %s: %w", resp.ID, err)
	}

	info, _, err := d.docker.ContainerInspectWithRaw(ctx, resp.ID, false)
	if err != nil {
		return "", fmt.Errorf("failed to inspect container %s: %w", resp.ID, err)
	}
	if info.ContainerJSONBase == nil {
		return "", fmt.Errorf("inspect of container %s returned no name", resp.ID)
	}

	name := ServiceName(info.Name)
	log.Info("Container started", zap.String("name", name))
	return name, nil
}
