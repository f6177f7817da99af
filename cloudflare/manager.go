package cloudflare

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"subroute/types"
)

// Manager publishes a domain for every routed service, once per service name
type Manager struct {
	client  *Client
	domains map[string]types.ServiceDomain // service name -> domain
	pending map[string]struct{}            // services with a create in flight
	mu      sync.Mutex
	logger  *zap.Logger
}

// NewManager creates a new domain manager
func NewManager(client *Client, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		client:  client,
		domains: make(map[string]types.ServiceDomain),
		pending: make(map[string]struct{}),
		logger:  logger,
	}
}

// Publish creates a domain for a newly registered service.
// A service that already has a domain is left alone because its record points at this server,
// not at the container.
func (m *Manager) Publish(ctx context.Context, entry types.RoutingEntry) error {
	m.mu.Lock()
	if domain, exists := m.domains[entry.ServiceName]; exists {
		m.mu.Unlock()
		m.logger.Debug("Domain already published", zap.String("service", entry.ServiceName), zap.String("domain", domain.Domain))
		return nil
	}
	if _, inFlight := m.pending[entry.ServiceName]; inFlight {
		m.mu.Unlock()
		m.logger.Debug("Domain creation already in progress", zap.String("service", entry.ServiceName))
		return nil
	}
	m.pending[entry.ServiceName] = struct{}{}
	m.mu.Unlock()

	domain, err := m.client.CreateDomain(ctx, entry.ServiceName)

	m.mu.Lock()
	delete(m.pending, entry.ServiceName)
	if err == nil {
		m.domains[entry.ServiceName] = *domain
	}
	m.mu.Unlock()

	if err != nil {
		return err
	}
	m.logger.Info("Published domain", zap.String("service", entry.ServiceName), zap.String("domain", domain.Domain))
	return nil
}

// Domain retrieves the published domain for a service
func (m *Manager) Domain(serviceName string) (types.ServiceDomain, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	domain, exists := m.domains[serviceName]
	return domain, exists
}

// Domains returns all published domains sorted by service name
func (m *Manager) Domains() []types.ServiceDomain {
	m.mu.Lock()
	domains := make([]types.ServiceDomain, 0, len(m.domains))
	for _, domain := range m.domains {
		domains = append(domains, domain)
	}
	m.mu.Unlock()

	sort.Slice(domains, func(i, j int) bool {
		return domains[i].ServiceName < domains[j].ServiceName
	})
	return domains
}

// Delete removes the domain published for a service
func (m *Manager) Delete(ctx context.Context, serviceName string) error {
	m.mu.Lock()
	domain, exists := m.domains[serviceName]
	m.mu.Unlock()
	if !exists {
		return fmt.Errorf("no domain published for service: %s", serviceName)
	}

	if err := m.client.DeleteDomain(ctx, domain); err != nil {
		return err
	}

	m.mu.Lock()
	if current, ok := m.domains[serviceName]; ok && current.DNSRecord.RecordID == domain.DNSRecord.RecordID {
		delete(m.domains, serviceName)
	}
	m.mu.Unlock()

	m.logger.Info("Deleted domain", zap.String("service", serviceName), zap.String("domain", domain.Domain))
	return nil
}
