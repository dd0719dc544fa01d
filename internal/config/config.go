// Package config loads the router and node YAML configuration trees
// described in spec.md §6, adapted from gateway/config/config.go's typed
// struct + tri-state UnmarshalYAML pattern (so "not set in YAML" and
// "explicitly set to false" remain distinguishable for options whose
// zero value is meaningful, like requirePayment).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RelayAdmission is the router's manifest-admission policy.
type RelayAdmission struct {
	RequireSnapshot bool    `yaml:"requireSnapshot"`
	MaxAgeMs        int64   `yaml:"maxAgeMs"`
	MinScore        float64 `yaml:"minScore"`
	MaxResults      int     `yaml:"maxResults"`
}

// Federation holds the router's control-plane settings.
type Federation struct {
	Enabled                    bool     `yaml:"enabled"`
	Endpoint                   string   `yaml:"endpoint"`
	Peers                      []string `yaml:"peers"`
	PublishIntervalMs          int64    `yaml:"publishIntervalMs"`
	RateLimitMax               int      `yaml:"rateLimitMax"`
	RateLimitWindowMs          int64    `yaml:"rateLimitWindowMs"`
	RequestTimeoutMs           int64    `yaml:"requestTimeoutMs"`
	AuctionConcurrency         int      `yaml:"auctionConcurrency"`
	PublishConcurrency         int      `yaml:"publishConcurrency"`
	NostrEnabled               bool     `yaml:"nostrEnabled"`
	NostrSubscribeSinceSeconds int64    `yaml:"nostrSubscribeSinceSeconds"`
	MaxPrivacyLevel            int      `yaml:"maxPrivacyLevel"`
}

// RouterFee configures the router's own cut of a settled payment.
type RouterFee struct {
	Enabled     bool  `yaml:"enabled"`
	Bps         int   `yaml:"bps"`
	FlatSats    int64 `yaml:"flatSats"`
	MinSats     int64 `yaml:"minSats"`
	MaxSats     int64 `yaml:"maxSats"`
	SplitEnabled bool `yaml:"splitEnabled"`
}

// Retention groups the *RetentionMs options from spec.md §6.
type Retention struct {
	PaymentRequestMs    time.Duration `yaml:"paymentRequestMs"`
	PaymentReceiptMs    time.Duration `yaml:"paymentReceiptMs"`
	NodeMs              time.Duration `yaml:"nodeMs"`
	NodeHealthMs        time.Duration `yaml:"nodeHealthMs"`
	NodeCooldownMs      time.Duration `yaml:"nodeCooldownMs"`
	FederationJobMs     time.Duration `yaml:"federationJobMs"`
	PaymentReconcileGraceMs time.Duration `yaml:"paymentReconcileGraceMs"`
}

// Observability mirrors gateway/config/config.go's ObservabilityConfig.
type Observability struct {
	ServiceName   string `yaml:"serviceName"`
	Metrics       bool   `yaml:"metrics"`
	Tracing       bool   `yaml:"tracing"`
	LogRequests   bool   `yaml:"logRequests"`
	MetricsPrefix string `yaml:"metricsPrefix"`
}

// RouterConfig is the router process's full configuration tree.
type RouterConfig struct {
	ListenAddress string        `yaml:"listen"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	Observability Observability `yaml:"observability"`

	RequirePayment RequirePaymentFlag `yaml:"requirePayment"`
	RelayAdmission RelayAdmission     `yaml:"relayAdmission"`
	Federation     Federation         `yaml:"federation"`

	ClientAllowList []string `yaml:"clientAllowList"`
	ClientMuteList  []string `yaml:"clientMuteList"`
	ClientBlockList []string `yaml:"clientBlockList"`

	RouterFee RouterFee `yaml:"routerFee"`
	Retention Retention `yaml:"retention"`

	RateLimitMax      int           `yaml:"rateLimitMax"`
	RateLimitWindowMs time.Duration `yaml:"rateLimitWindowMs"`

	InvoiceOracleURL string `yaml:"invoiceOracleUrl"`
	VerifyOracleURL  string `yaml:"verifyOracleUrl"`
	OracleTimeoutMs  int64  `yaml:"oracleTimeoutMs"`

	NonceStorePath string `yaml:"nonceStorePath"`
	NonceStoreURL  string `yaml:"nonceStoreUrl"`

	PrivateKey string `yaml:"privateKey"`
}

// RequirePaymentFlag is a tri-state bool: unset YAML leaves IsSet false so
// a caller-supplied default (true, per spec.md's payment-gated design)
// applies; an explicit "requirePayment: false" must stick.
type RequirePaymentFlag struct {
	Value bool
	IsSet bool
}

// UnmarshalYAML implements the tri-state pattern from
// gateway/config/config.go's AuthConfig.UnmarshalYAML.
func (f *RequirePaymentFlag) UnmarshalYAML(node *yaml.Node) error {
	var raw bool
	if err := node.Decode(&raw); err != nil {
		return err
	}
	f.Value = raw
	f.IsSet = true
	return nil
}

// TLS groups the node's TLS material paths.
type TLS struct {
	CertPath          string `yaml:"certPath"`
	KeyPath           string `yaml:"keyPath"`
	CAPath            string `yaml:"caPath"`
	RequireClientCert bool   `yaml:"requireClientCert"`
}

// PaymentVerification is the node's verify-oracle client configuration.
type PaymentVerification struct {
	URL              string `yaml:"url"`
	TimeoutMs        int64  `yaml:"timeoutMs"`
	RequirePreimage  bool   `yaml:"requirePreimage"`
	RetryMaxAttempts int    `yaml:"retryMaxAttempts"`
}

// SandboxMode enumerates the node's runner sandboxing posture.
type SandboxMode string

const (
	SandboxDisabled  SandboxMode = "disabled"
	SandboxRestricted SandboxMode = "restricted"
)

// NodeConfig is the node process's full configuration tree.
type NodeConfig struct {
	ListenAddress string        `yaml:"listen"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	Observability Observability `yaml:"observability"`

	CapacityMaxConcurrent int `yaml:"capacityMaxConcurrent"`
	CapacityCurrentLoad   int `yaml:"capacityCurrentLoad"`

	MaxPromptBytes  int64 `yaml:"maxPromptBytes"`
	MaxTokens       int   `yaml:"maxTokens"`
	MaxRequestBytes int64 `yaml:"maxRequestBytes"`
	MaxInferenceMs  int64 `yaml:"maxInferenceMs"`

	RouterKeyID       string   `yaml:"routerKeyId"`
	RouterPublicKey   string   `yaml:"routerPublicKey"`
	RouterAllowList   []string `yaml:"routerAllowList"`
	RouterFollowList  []string `yaml:"routerFollowList"`
	RouterMuteList    []string `yaml:"routerMuteList"`
	RouterBlockList   []string `yaml:"routerBlockList"`

	RateLimitMax      int           `yaml:"rateLimitMax"`
	RateLimitWindowMs time.Duration `yaml:"rateLimitWindowMs"`

	NonceStorePath string `yaml:"nonceStorePath"`
	NonceStoreURL  string `yaml:"nonceStoreUrl"`

	TLS TLS `yaml:"tls"`

	RequirePayment      RequirePaymentFlag  `yaml:"requirePayment"`
	PaymentVerification PaymentVerification `yaml:"paymentVerification"`

	SandboxMode            SandboxMode `yaml:"sandboxMode"`
	SandboxAllowedRunners  []string    `yaml:"sandboxAllowedRunners"`
	SandboxAllowedEndpoints []string   `yaml:"sandboxAllowedEndpoints"`

	PrivateKey string `yaml:"privateKey"`
	NodeID     string `yaml:"nodeId"`
}

// LoadRouter reads and validates a router config from path. An empty path
// returns defaults.
func LoadRouter(path string) (RouterConfig, error) {
	cfg := defaultRouterConfig()
	if path == "" {
		return cfg, cfg.applyDefaultsAndValidate()
	}
	if err := decodeFile(path, &cfg); err != nil {
		return RouterConfig{}, err
	}
	return cfg, cfg.applyDefaultsAndValidate()
}

// LoadNode reads and validates a node config from path. An empty path
// returns defaults.
func LoadNode(path string) (NodeConfig, error) {
	cfg := defaultNodeConfig()
	if path == "" {
		return cfg, cfg.applyDefaultsAndValidate()
	}
	if err := decodeFile(path, &cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, cfg.applyDefaultsAndValidate()
}

func decodeFile(path string, out interface{}) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func defaultRouterConfig() RouterConfig {
	return RouterConfig{
		ListenAddress: ":8090",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   120 * time.Second,
		Observability: Observability{
			ServiceName:   "infermesh-router",
			Metrics:       true,
			Tracing:       true,
			LogRequests:   true,
			MetricsPrefix: "infermesh_router",
		},
		RateLimitMax:      120,
		RateLimitWindowMs: time.Minute,
		OracleTimeoutMs:   10_000,
		Retention: Retention{
			PaymentRequestMs:        24 * time.Hour,
			PaymentReceiptMs:        24 * time.Hour,
			NodeMs:                  7 * 24 * time.Hour,
			NodeHealthMs:            7 * 24 * time.Hour,
			NodeCooldownMs:          24 * time.Hour,
			FederationJobMs:         24 * time.Hour,
			PaymentReconcileGraceMs: 5 * time.Minute,
		},
	}
}

func (cfg *RouterConfig) applyDefaultsAndValidate() error {
	if !cfg.RequirePayment.IsSet {
		cfg.RequirePayment.Value = true
		cfg.RequirePayment.IsSet = true
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8090"
	}
	if cfg.RateLimitMax < 0 {
		return fmt.Errorf("rateLimitMax must be >= 0")
	}
	if cfg.Federation.Enabled && cfg.Federation.Endpoint == "" {
		return fmt.Errorf("federation.endpoint is required when federation.enabled is true")
	}
	return nil
}

func defaultNodeConfig() NodeConfig {
	return NodeConfig{
		ListenAddress: ":8091",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   120 * time.Second,
		Observability: Observability{
			ServiceName:   "infermesh-node",
			Metrics:       true,
			Tracing:       true,
			LogRequests:   true,
			MetricsPrefix: "infermesh_node",
		},
		CapacityMaxConcurrent: 4,
		MaxPromptBytes:        64 * 1024,
		MaxTokens:             4096,
		MaxRequestBytes:       1 << 20,
		MaxInferenceMs:        60_000,
		RateLimitMax:          60,
		RateLimitWindowMs:     time.Minute,
		SandboxMode:           SandboxRestricted,
	}
}

func (cfg *NodeConfig) applyDefaultsAndValidate() error {
	if !cfg.RequirePayment.IsSet {
		cfg.RequirePayment.Value = true
		cfg.RequirePayment.IsSet = true
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8091"
	}
	if cfg.CapacityMaxConcurrent <= 0 {
		return fmt.Errorf("capacityMaxConcurrent must be > 0")
	}
	if cfg.SandboxMode == "" {
		cfg.SandboxMode = SandboxRestricted
	}
	if cfg.SandboxMode != SandboxDisabled && cfg.SandboxMode != SandboxRestricted {
		return fmt.Errorf("sandboxMode must be 'disabled' or 'restricted', got %q", cfg.SandboxMode)
	}
	return nil
}
