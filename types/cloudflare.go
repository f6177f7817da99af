package types

// CloudflareConfig holds configuration for Cloudflare integration
type CloudflareConfig struct {
	Enabled    bool   `json:"enabled"`     // Whether Cloudflare integration is enabled
	APIToken   string `json:"api_token"`   // Cloudflare API token for authentication
	ZoneID     string `json:"zone_id"`     // Cloudflare Zone ID
	BaseDomain string `json:"base_domain"` // Base domain for subdomains, e.g. "example.com"
	Proxied    bool   `json:"proxied"`     // Whether created records are proxied through Cloudflare
}

// CloudflareDNSRecord represents a DNS record created for a service
type CloudflareDNSRecord struct {
	RecordID string `json:"record_id"` // Cloudflare Record ID
	Name     string `json:"name"`      // The full domain name, e.g. "myapp.example.com"
	Content  string `json:"content"`   // IP address the record points to
	Type     string `json:"type"`      // "A"
	Proxied  bool   `json:"proxied"`
}

// ServiceDomain is the public domain published for a routed service
type ServiceDomain struct {
	ServiceName string              `json:"service"`
	Domain      string              `json:"domain"`
	DNSRecord   CloudflareDNSRecord `json:"dns_record,omitempty"`
}
