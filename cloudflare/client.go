package cloudflare

import (
	"context"
	"fmt"
	"strings"

	cf "github.com/cloudflare/cloudflare-go"
	"go.uber.org/zap"

	"subroute/types"
)

// dnsAPI is the part of the Cloudflare API used to manage records
type dnsAPI interface {
	CreateDNSRecord(ctx context.Context, rc *cf.ResourceContainer, params cf.CreateDNSRecordParams) (cf.DNSRecord, error)
	DeleteDNSRecord(ctx context.Context, rc *cf.ResourceContainer, recordID string) error
}

// Client creates and deletes DNS records for services
type Client struct {
	api        dnsAPI
	config     types.CloudflareConfig
	serverAddr string // The server's public IP
	logger     *zap.Logger
}

// NewClient creates a new Cloudflare API client
func NewClient(config types.CloudflareConfig, serverAddr string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	api, err := cf.NewWithAPIToken(config.APIToken)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Cloudflare API client: %w", err)
	}
	return newClient(api, config, serverAddr, logger), nil
}

func newClient(api dnsAPI, config types.CloudflareConfig, serverAddr string, logger *zap.Logger) *Client {
	return &Client{
		api:        api,
		config:     config,
		serverAddr: serverAddr,
		logger:     logger,
	}
}

// DomainFor returns the public domain a service is published under
func (c *Client) DomainFor(serviceName string) string {
	return fmt.Sprintf("%s.%s", sanitizeForDNS(serviceName), c.config.BaseDomain)
}

// CreateDomain creates an A record pointing the service's subdomain at this server
func (c *Client) CreateDomain(ctx context.Context, serviceName string) (*types.ServiceDomain, error) {
	subdomain := sanitizeForDNS(serviceName)
	fullDomain := c.DomainFor(serviceName)

	proxied := c.config.Proxied
	recordParams := cf.CreateDNSRecordParams{
		Type:    "A",
		Name:    subdomain,
		Content: c.serverAddr,
		TTL:     120,
		Proxied: &proxied,
	}

	c.logger.Info("Creating DNS record", zap.String("domain", fullDomain), zap.String("content", c.serverAddr))

	record, err := c.api.CreateDNSRecord(ctx, cf.ZoneIdentifier(c.config.ZoneID), recordParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create DNS record for %s: %w", fullDomain, err)
	}

	c.logger.Info("Created DNS record", zap.String("domain", fullDomain), zap.String("record_id", record.ID))

	return &types.ServiceDomain{
		ServiceName: serviceName,
		Domain:      fullDomain,
		DNSRecord: types.CloudflareDNSRecord{
			RecordID: record.ID,
			Name:     fullDomain,
			Content:  c.serverAddr,
			Type:     "A",
			Proxied:  proxied,
		},
	}, nil
}

// DeleteDomain removes the DNS record behind a published domain
func (c *Client) DeleteDomain(ctx context.Context, domain types.ServiceDomain) error {
	if domain.DNSRecord.RecordID == "" {
		return fmt.Errorf("no DNS record ID found for domain: %s", domain.Domain)
	}

	if err := c.api.DeleteDNSRecord(ctx, cf.ZoneIdentifier(c.config.ZoneID), domain.DNSRecord.RecordID); err != nil {
		return fmt.Errorf("failed to delete DNS record: %w", err)
	}

	c.logger.Info("Deleted DNS record", zap.String("domain", domain.Domain))
	return nil
}

// sanitizeForDNS removes characters that aren't valid in a DNS name
// and ensures it follows DNS naming conventions
func sanitizeForDNS(name string) string {
	// Replace spaces and special chars with hyphens
	sanitized := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		if r >= 'A' && r <= 'Z' {
			return r + 32 // Convert to lowercase
		}
		return '-'
	}, name)

	for strings.Contains(sanitized, "--") {
		sanitized = strings.ReplaceAll(sanitized, "--", "-")
	}

	sanitized = strings.Trim(sanitized, "-")

	// DNS labels are at most 63 octets
	if len(sanitized) > 63 {
		sanitized = strings.TrimRight(sanitized[:63], "-")
	}

	if sanitized == "" {
		sanitized = "app"
	}

	return sanitized
}
