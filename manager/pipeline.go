package manager

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"subroute/observability"
	"subroute/types"
)

// bridgeNetwork is the default network whose address is preferred for routing.
const bridgeNetwork = "bridge"

const defaultPublishTimeout = 30 * time.Second

// MetadataResolver looks up the routing-relevant metadata of a container.
type MetadataResolver interface {
	Inspect(ctx context.Context, containerID string) (types.ContainerMetadata, error)
}

// EventSource yields container lifecycle events.
// The event channel is closed when the stream ends; a stream failure is reported on the error channel.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan types.LifecycleEvent, <-chan error)
}

// Publisher is notified after a service has been registered.
type Publisher interface {
	Publish(ctx context.Context, entry types.RoutingEntry) error
}

// Pipeline turns container start events into registry entries.
type Pipeline struct {
	registry  Registry
	resolver  MetadataResolver
	publisher Publisher
	logger    *zap.Logger
	metrics   *observability.Metrics

	newBackOff     func() backoff.BackOff
	publishTimeout time.Duration
	publishing     sync.WaitGroup
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPublisher sets a publisher called after each successful registration.
func WithPublisher(p Publisher) PipelineOption {
	return func(pl *Pipeline) { pl.publisher = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) PipelineOption {
	return func(pl *Pipeline) { pl.metrics = m }
}

// WithPublishTimeout bounds each call to the publisher.
func WithPublishTimeout(d time.Duration) PipelineOption {
	return func(pl *Pipeline) {
		if d > 0 {
			pl.publishTimeout = d
		}
	}
}

// WithBackOff overrides the re-subscription backoff policy.
func WithBackOff(newBackOff func() backoff.BackOff) PipelineOption {
	return func(pl *Pipeline) { pl.newBackOff = newBackOff }
}

// NewPipeline creates a registration pipeline writing into registry.
func NewPipeline(registry Registry, resolver MetadataResolver, logger *zap.Logger, opts ...PipelineOption) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		registry:   registry,
		resolver:   resolver,
		logger:     logger,
		newBackOff:     defaultBackOff,
		publishTimeout: defaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // Never give up on the event stream
	return b
}

// Run consumes events until ctx is cancelled, one event at a time.
// When the stream fails or ends it re-subscribes after a backoff delay.
func (p *Pipeline) Run(ctx context.Context, source EventSource) {
	defer p.Wait()
	b := p.newBackOff()
	p.logger.Info("Registration pipeline started")

	for {
		handled, err := p.consume(ctx, source)
		if ctx.Err() != nil {
			p.logger.Info("Registration pipeline stopping")
			return
		}
		if handled > 0 {
			b.Reset()
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			delay = 30 * time.Second
		}
		p.logger.Warn("Event stream ended, re-subscribing",
			zap.Error(err), zap.Int("handled", handled), zap.Duration("retry_in", delay))

		select {
		case <-ctx.Done():
			p.logger.Info("Registration pipeline stopping")
			return
		case <-time.After(delay):
		}
	}
}

// consume reads a single subscription until it ends, returning the number of events handled.
func (p *Pipeline) consume(ctx context.Context, source EventSource) (int, error) {
	events, errs := source.Subscribe(ctx)
	handled := 0
	for {
		select {
		case <-ctx.Done():
			return handled, ctx.Err()
		case err := <-errs:
			return handled, err
		case ev, ok := <-events:
			if !ok {
				select {
				case err := <-errs:
					return handled, err
				default:
					return handled, nil
				}
			}
			p.Handle(ctx, ev)
			handled++
		}
	}
}

// Handle processes a single lifecycle event. It never fails: every problem is logged
// and the event is dropped.
func (p *Pipeline) Handle(ctx context.Context, ev types.LifecycleEvent) {
	if ev.Type == "" || ev.Action == "" {
		p.logger.Warn("Discarding malformed event",
			zap.String("type", ev.Type), zap.String("action", ev.Action), zap.String("container_id", ev.ContainerID))
		p.metrics.RecordEvent(observability.OutcomeMalformed)
		return
	}
	if !ev.IsContainerStart() {
		p.metrics.RecordEvent(observability.OutcomeIgnored)
		return
	}
	if ev.ContainerID == "" {
		p.logger.Warn("Discarding container start event without container id")
		p.metrics.RecordEvent(observability.OutcomeMalformed)
		return
	}

	log := p.logger.With(zap.String("container_id", shortID(ev.ContainerID)))

	meta, err := p.resolver.Inspect(ctx, ev.ContainerID)
	if err != nil {
		log.Error("Failed to inspect container", zap.Error(err))
		p.metrics.RecordEvent(observability.OutcomeInspectFailed)
		return
	}

	serviceName := ServiceName(meta.Name)
	log = log.With(zap.String("service", serviceName))

	address := BackendAddress(meta)
	if address == "" {
		log.Info("No routable address for container, skipping")
		p.metrics.RecordEvent(observability.OutcomeNoAddress)
		return
	}

	port, ok := DefaultPort(meta.ExposedPorts)
	if !ok {
		log.Info("No default TCP port for container, skipping", zap.Strings("exposed_ports", meta.ExposedPorts))
		p.metrics.RecordEvent(observability.OutcomeNoPort)
		return
	}

	entry := types.RoutingEntry{ServiceName: serviceName, Address: address, Port: port}
	p.registry.Put(serviceName, entry)
	p.metrics.RecordEvent(observability.OutcomeRegistered)
	if sized, ok := p.registry.(interface{ Len() int }); ok {
		p.metrics.SetRoutes(sized.Len())
	}
	log.Info("Registered service", zap.String("target", "http://"+entry.Target()))

	if p.publisher != nil {
		p.publishing.Add(1)
		go p.publish(ctx, entry, log)
	}
}

// publish runs off the event loop so a slow publisher never delays the next registration.
func (p *Pipeline) publish(ctx context.Context, entry types.RoutingEntry, log *zap.Logger) {
	defer p.publishing.Done()

	ctx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	if err := p.publisher.Publish(ctx, entry); err != nil {
		log.Error("Failed to publish service", zap.Error(err))
	}
}

// Wait blocks until every publish started by Handle has returned.
func (p *Pipeline) Wait() {
	p.publishing.Wait()
}

// ServiceName derives the routing key from a container name by stripping one leading "/".
func ServiceName(containerName string) string {
	return strings.TrimPrefix(containerName, "/")
}

// BackendAddress prefers the bridge network address and falls back to the legacy IP field.
func BackendAddress(meta types.ContainerMetadata) string {
	if ip := meta.Networks[bridgeNetwork]; ip != "" {
		return ip
	}
	return meta.LegacyIPAddress
}

// DefaultPort returns the first declared exposed port if, and only if, it is a TCP port.
// Later ports are never considered.
func DefaultPort(exposed []string) (int, bool) {
	if len(exposed) == 0 {
		return 0, false
	}
	portStr, proto, found := strings.Cut(exposed[0], "/")
	if !found || proto != "tcp" {
		return 0, false
	}
	port, err := nat.ParsePort(portStr)
	if err != nil || port <= 0 {
		return 0, false
	}
	return port, true
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
