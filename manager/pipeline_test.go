package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"subroute/observability"
	"subroute/types"
)

type fakeResolver struct {
	mu         sync.Mutex
	containers map[string]types.ContainerMetadata
	calls      []string
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{containers: make(map[string]types.ContainerMetadata)}
}

func (f *fakeResolver) add(id string, meta types.ContainerMetadata) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = meta
}

func (f *fakeResolver) Inspect(_ context.Context, id string) (types.ContainerMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	meta, ok := f.containers[id]
	if !ok {
		return types.ContainerMetadata{}, errors.New("no such container: " + id)
	}
	return meta, nil
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakePublisher struct {
	mu        sync.Mutex
	published []types.RoutingEntry
	err       error
	release   chan struct{} // When set, Publish blocks until it is closed or ctx ends
}

func (f *fakePublisher) Publish(ctx context.Context, entry types.RoutingEntry) error {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, entry)
	return f.err
}

func (f *fakePublisher) entries() []types.RoutingEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.RoutingEntry(nil), f.published...)
}

func startEvent(id string) types.LifecycleEvent {
	return types.LifecycleEvent{Type: types.EventTypeContainer, Action: types.EventActionStart, ContainerID: id}
}

func bridgeContainer(name, ip string, ports ...string) types.ContainerMetadata {
	return types.ContainerMetadata{
		Name:         name,
		Networks:     map[string]string{"bridge": ip},
		ExposedPorts: ports,
	}
}

func TestPipeline_RegistersStartEvent(t *testing.T) {
	registry := NewMemoryRegistry()
	resolver := newFakeResolver()
	resolver.add("abc", bridgeContainer("/web", "172.17.0.2", "80/tcp"))

	NewPipeline(registry, resolver, zap.NewNop()).Handle(context.Background(), startEvent("abc"))

	entry, ok := registry.Get("web")
	require.True(t, ok)
	assert.Equal(t, types.RoutingEntry{ServiceName: "web", Address: "172.17.0.2", Port: 80}, entry)
}

func TestPipeline_LastStartWins(t *testing.T) {
	registry := NewMemoryRegistry()
	resolver := newFakeResolver()
	resolver.add("first", bridgeContainer("/web", "172.17.0.2", "80/tcp"))
	resolver.add("second", bridgeContainer("/web", "172.17.0.5", "8080/tcp"))
	resolver.add("other", bridgeContainer("/api", "172.17.0.3", "3000/tcp"))

	p := NewPipeline(registry, resolver, zap.NewNop())
	for _, id := range []string{"first", "other", "second"} {
		p.Handle(context.Background(), startEvent(id))
	}

	entry, ok := registry.Get("web")
	require.True(t, ok)
	assert.Equal(t, "172.17.0.5", entry.Address)
	assert.Equal(t, 8080, entry.Port)

	entry, ok = registry.Get("api")
	require.True(t, ok)
	assert.Equal(t, 3000, entry.Port)
}

func TestPipeline_PortSelection(t *testing.T) {
	tests := []struct {
		name     string
		ports    []string
		wantPort int
		wantOK   bool
	}{
		{"single tcp", []string{"80/tcp"}, 80, true},
		{"first of many", []string{"3000/tcp", "80/tcp"}, 3000, true},
		{"no exposed ports", nil, 0, false},
		{"first is udp", []string{"53/udp", "80/tcp"}, 0, false},
		{"sctp", []string{"9000/sctp"}, 0, false},
		{"missing protocol", []string{"80"}, 0, false},
		{"not a number", []string{"http/tcp"}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewMemoryRegistry()
			resolver := newFakeResolver()
			resolver.add("id", bridgeContainer("/svc", "172.17.0.2", tt.ports...))

			NewPipeline(registry, resolver, zap.NewNop()).Handle(context.Background(), startEvent("id"))

			entry, ok := registry.Get("svc")
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantPort, entry.Port)
			}
		})
	}
}

func TestPipeline_LegacyAddressFallback(t *testing.T) {
	registry := NewMemoryRegistry()
	resolver := newFakeResolver()
	resolver.add("legacy", types.ContainerMetadata{
		Name:            "/old",
		Networks:        map[string]string{"custom": "10.1.0.4"},
		LegacyIPAddress: "172.17.0.9",
		ExposedPorts:    []string{"8000/tcp"},
	})
	resolver.add("empty-bridge", types.ContainerMetadata{
		Name:            "/blank",
		Networks:        map[string]string{"bridge": ""},
		LegacyIPAddress: "172.17.0.10",
		ExposedPorts:    []string{"8000/tcp"},
	})

	p := NewPipeline(registry, resolver, zap.NewNop())
	p.Handle(context.Background(), startEvent("legacy"))
	p.Handle(context.Background(), startEvent("empty-bridge"))

	entry, ok := registry.Get("old")
	require.True(t, ok)
	assert.Equal(t, "172.17.0.9", entry.Address)

	entry, ok = registry.Get("blank")
	require.True(t, ok)
	assert.Equal(t, "172.17.0.10", entry.Address)
}

func TestPipeline_NoAddressDiscarded(t *testing.T) {
	registry := NewMemoryRegistry()
	resolver := newFakeResolver()
	resolver.add("hostnet", types.ContainerMetadata{
		Name:         "/hostnet",
		Networks:     map[string]string{"host": ""},
		ExposedPorts: []string{"80/tcp"},
	})

	NewPipeline(registry, resolver, zap.NewNop()).Handle(context.Background(), startEvent("hostnet"))

	_, ok := registry.Get("hostnet")
	assert.False(t, ok)
	assert.Equal(t, 0, registry.Len())
}

func TestPipeline_IgnoresOtherEvents(t *testing.T) {
	registry := NewMemoryRegistry()
	resolver := newFakeResolver()
	resolver.add("abc", bridgeContainer("/web", "172.17.0.2", "80/tcp"))
	metrics := observability.NewMetrics("test")

	p := NewPipeline(registry, resolver, zap.NewNop(), WithMetrics(metrics))
	p.Handle(context.Background(), types.LifecycleEvent{Type: "container", Action: "stop", ContainerID: "abc"})
	p.Handle(context.Background(), types.LifecycleEvent{Type: "container", Action: "die", ContainerID: "abc"})
	p.Handle(context.Background(), types.LifecycleEvent{Type: "network", Action: "start", ContainerID: "abc"})

	assert.Equal(t, 0, resolver.callCount(), "non-start events must not trigger metadata lookups")
	assert.Equal(t, 0, registry.Len())
}

func TestPipeline_MalformedAndInspectFailureAreLogged(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	registry := NewMemoryRegistry()
	resolver := newFakeResolver()

	p := NewPipeline(registry, resolver, zap.New(core))
	p.Handle(context.Background(), types.LifecycleEvent{})
	p.Handle(context.Background(), types.LifecycleEvent{Type: "container", Action: "start"})
	p.Handle(context.Background(), startEvent("gone"))

	assert.Equal(t, 2, logs.FilterLevelExact(zapcore.WarnLevel).Len())
	failures := logs.FilterMessage("Failed to inspect container").All()
	require.Len(t, failures, 1)
	assert.Equal(t, zapcore.ErrorLevel, failures[0].Level)
	assert.Equal(t, 0, registry.Len())
}

func TestPipeline_StopDoesNotEvict(t *testing.T) {
	registry := NewMemoryRegistry()
	resolver := newFakeResolver()
	resolver.add("abc", bridgeContainer("/web", "172.17.0.2", "80/tcp"))

	p := NewPipeline(registry, resolver, zap.NewNop())
	p.Handle(context.Background(), startEvent("abc"))
	p.Handle(context.Background(), types.LifecycleEvent{Type: "container", Action: "die", ContainerID: "abc"})

	_, ok := registry.Get("web")
	assert.True(t, ok)
}

func TestPipeline_Publisher(t *testing.T) {
	registry := NewMemoryRegistry()
	resolver := newFakeResolver()
	resolver.add("abc", bridgeContainer("/web", "172.17.0.2", "80/tcp"))
	resolver.add("udp", bridgeContainer("/dns", "172.17.0.3", "53/udp"))
	publisher := &fakePublisher{err: errors.New("cloudflare down")}

	p := NewPipeline(registry, resolver, zap.NewNop(), WithPublisher(publisher))
	p.Handle(context.Background(), startEvent("abc"))
	p.Handle(context.Background(), startEvent("udp"))
	p.Wait()

	published := publisher.entries()
	require.Len(t, published, 1)
	assert.Equal(t, "web", published[0].ServiceName)

	_, ok := registry.Get("web")
	assert.True(t, ok, "a publish failure must not undo the registration")
}

func TestPipeline_SlowPublisherDoesNotDelayRegistration(t *testing.T) {
	registry := NewMemoryRegistry()
	resolver := newFakeResolver()
	resolver.add("a", bridgeContainer("/alpha", "172.17.0.2", "80/tcp"))
	resolver.add("b", bridgeContainer("/beta", "172.17.0.3", "80/tcp"))
	publisher := &fakePublisher{release: make(chan struct{})}

	p := NewPipeline(registry, resolver, zap.NewNop(), WithPublisher(publisher))

	start := time.Now()
	p.Handle(context.Background(), startEvent("a"))
	p.Handle(context.Background(), startEvent("b"))
	elapsed := time.Since(start)

	_, okA := registry.Get("alpha")
	_, okB := registry.Get("beta")
	assert.True(t, okA)
	assert.True(t, okB)
	assert.Less(t, elapsed, time.Second)
	assert.Empty(t, publisher.entries(), "publishes are still blocked")

	close(publisher.release)
	p.Wait()
	assert.Len(t, publisher.entries(), 2)
}

func TestPipeline_PublishTimeout(t *testing.T) {
	registry := NewMemoryRegistry()
	resolver := newFakeResolver()
	resolver.add("a", bridgeContainer("/alpha", "172.17.0.2", "80/tcp"))
	core, logs := observer.New(zapcore.ErrorLevel)
	publisher := &fakePublisher{release: make(chan struct{})}
	defer close(publisher.release)

	p := NewPipeline(registry, resolver, zap.New(core),
		WithPublisher(publisher), WithPublishTimeout(20*time.Millisecond))
	p.Handle(context.Background(), startEvent("a"))

	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish was not bounded by the timeout")
	}

	assert.Equal(t, 1, logs.FilterMessage("Failed to publish service").Len())
	assert.Empty(t, publisher.entries())
}

func TestServiceName(t *testing.T) {
	assert.Equal(t, "web", ServiceName("/web"))
	assert.Equal(t, "web", ServiceName("web"))
	assert.Equal(t, "/web", ServiceName("//web"))
	assert.Equal(t, "", ServiceName(""))
}

// scriptedSource replays one batch of events per subscription, then fails the stream.
type scriptedSource struct {
	mu            sync.Mutex
	batches       [][]types.LifecycleEvent
	subscriptions int
}

func (s *scriptedSource) Subscribe(ctx context.Context) (<-chan types.LifecycleEvent, <-chan error) {
	s.mu.Lock()
	var batch []types.LifecycleEvent
	if s.subscriptions < len(s.batches) {
		batch = s.batches[s.subscriptions]
	}
	s.subscriptions++
	s.mu.Unlock()

	events := make(chan types.LifecycleEvent)
	errs := make(chan error, 1)
	go func() {
		for _, ev := range batch {
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
		errs <- errors.New("stream reset")
	}()
	return events, errs
}

func (s *scriptedSource) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptions
}

func TestPipeline_RunSurvivesStreamErrors(t *testing.T) {
	registry := NewMemoryRegistry()
	resolver := newFakeResolver()
	resolver.add("a", bridgeContainer("/alpha", "172.17.0.2", "80/tcp"))
	resolver.add("b", bridgeContainer("/beta", "172.17.0.3", "80/tcp"))

	source := &scriptedSource{batches: [][]types.LifecycleEvent{
		{startEvent("a"), startEvent("missing"), {Type: "container"}},
		{startEvent("b")},
	}}

	p := NewPipeline(registry, resolver, zap.NewNop(), WithBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, source)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, okA := registry.Get("alpha")
		_, okB := registry.Get("beta")
		return okA && okB
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, source.count(), 2)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
