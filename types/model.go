package types

import (
	"time"
)

// WellKnown is a struct for a well-known response.
type WellKnown struct {
	Links []WellKnownLink `json:"links"`
}

// WellKnownLink is a struct for the links field of a well-known response.
type WellKnownLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

// WebFinger is a struct for a WebFinger response.
type WebFinger struct {
	Subject string          `json:"subject"`
	Links   []WebFingerLink `json:"links"`
}

// WebFingerLink is a struct for the links field of a WebFinger response.
type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

// ---------------------------------------------------------------------

// NodeInfo is a struct for a NodeInfo 2.1 response.
type NodeInfo struct {
	Version           string           `json:"version" yaml:"version"`
	Software          NodeInfoSoftware `json:"software" yaml:"software"`
	Protocols         []string         `json:"protocols" yaml:"protocols"`
	Services          NodeInfoServices `json:"services" yaml:"services"`
	OpenRegistrations bool             `json:"openRegistrations" yaml:"openRegistrations"`
	Usage             NodeInfoUsage    `json:"usage" yaml:"-"`
	Metadata          NodeInfoMetadata `json:"metadata,omitempty" yaml:"metadata"`
}

// NodeInfoSoftware is a struct for the software field of a NodeInfo response.
type NodeInfoSoftware struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

// NodeInfoServices is a struct for the services field of a NodeInfo response.
type NodeInfoServices struct {
	Inbound  []string `json:"inbound" yaml:"inbound"`
	Outbound []string `json:"outbound" yaml:"outbound"`
}

// NodeInfoUsage is a struct for the usage field of a NodeInfo response.
type NodeInfoUsage struct {
	Users NodeInfoUsers `json:"users"`
}

// NodeInfoUsers is a struct for the usage.users field of a NodeInfo response.
type NodeInfoUsers struct {
	Total int64 `json:"total"`
}

// NodeInfoMetadata is a struct for the metadata field of a NodeInfo response.
type NodeInfoMetadata struct {
	NodeName        string                     `json:"nodeName,omitempty" yaml:"nodeName"`
	NodeDescription string                     `json:"nodeDescription,omitempty" yaml:"nodeDescription"`
	Maintainer      NodeInfoMetadataMaintainer `json:"maintainer,omitempty" yaml:"maintainer"`
}

// NodeInfoMetadataMaintainer is a struct for the maintainer field of a NodeInfo response.
type NodeInfoMetadataMaintainer struct {
	Name  string `json:"name,omitempty" yaml:"name"`
	Email string `json:"email,omitempty" yaml:"email"`
}

// ---------------------------------------------------------------------

// Person is an ActivityPub actor document, either fetched from a remote
// server or served for the relay itself.
type Person struct {
	Context           any              `json:"@context,omitempty"`
	ID                string           `json:"id"`
	Type              string           `json:"type,omitempty"`
	PreferredUsername string           `json:"preferredUsername,omitempty"`
	Name              string           `json:"name,omitempty"`
	Summary           string           `json:"summary,omitempty"`
	Inbox             string           `json:"inbox"`
	Outbox            string           `json:"outbox,omitempty"`
	SharedInbox       string           `json:"sharedInbox,omitempty"`
	Endpoints         *PersonEndpoints `json:"endpoints,omitempty"`
	PublicKey         *Key             `json:"publicKey,omitempty"`
	Discoverable      bool             `json:"discoverable,omitempty"`
}

// PersonEndpoints is a struct for the endpoints field of an actor.
type PersonEndpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// Key is a struct for the publicKey field of an actor.
type Key struct {
	ID           string `json:"id,omitempty"`
	Type         string `json:"type,omitempty"`
	Owner        string `json:"owner,omitempty"`
	PublicKeyPem string `json:"publicKeyPem,omitempty"`
}

// GetSharedInbox returns endpoints.sharedInbox, falling back to a top level sharedInbox.
func (p Person) GetSharedInbox() string {
	if p.Endpoints != nil && p.Endpoints.SharedInbox != "" {
		return p.Endpoints.SharedInbox
	}
	return p.SharedInbox
}

// GetPublicKeyPem returns the PEM encoded public key or an empty string.
func (p Person) GetPublicKeyPem() string {
	if p.PublicKey == nil {
		return ""
	}
	return p.PublicKey.PublicKeyPem
}

// DeliveryInbox returns the shared inbox when the actor advertises one.
func (p Person) DeliveryInbox() string {
	if shared := p.GetSharedInbox(); shared != "" {
		return shared
	}
	return p.Inbox
}

// ToActor converts a fetched actor document into a subscriber row keyed by id.
func (p Person) ToActor(id string) Actor {
	return Actor{
		ID:           id,
		Inbox:        p.Inbox,
		SharedInbox:  p.GetSharedInbox(),
		PublicKeyPem: p.GetPublicKeyPem(),
	}
}

// ---------------------------------------------------------------------

// RelayConfig holds the relay identity and outbound tuning.
type RelayConfig struct {
	Hostname            string        `yaml:"hostname"`
	PrivateKey          string        `yaml:"privateKey"`
	PublicKey           string        `yaml:"publicKey"`
	APIKey              string        `yaml:"apiKey"`
	UserAgent           string        `yaml:"userAgent"`
	DeliveryTimeout     time.Duration `yaml:"deliveryTimeout"`
	FetchTimeout        time.Duration `yaml:"fetchTimeout"`
	DeliveryConcurrency int64         `yaml:"deliveryConcurrency"`
	ActorCacheTTL       time.Duration `yaml:"actorCacheTTL"`
	DedupeTTL           time.Duration `yaml:"dedupeTTL"`
	RefreshInterval     time.Duration `yaml:"refreshInterval"`
}

// ActorID returns the IRI of the relay actor.
func (c RelayConfig) ActorID() string {
	return "https://" + c.Hostname + "/actor"
}

// KeyID returns the IRI of the relay actor's signing key.
func (c RelayConfig) KeyID() string {
	return c.ActorID() + "#main-key"
}

// WithDefaults fills unset tuning values.
func (c RelayConfig) WithDefaults() RelayConfig {
	if c.UserAgent == "" {
		c.UserAgent = "ccworld-ap-relay/1.0 (+https://" + c.Hostname + "/actor)"
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.DeliveryConcurrency <= 0 {
		c.DeliveryConcurrency = 16
	}
	if c.ActorCacheTTL <= 0 {
		c.ActorCacheTTL = 30 * time.Minute
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = 24 * time.Hour
	}
	return c
}
