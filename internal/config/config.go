package config

import (
	"context"
	"os"
	"strings"
	"time"
)

// ListenerConfig holds the network/TLS settings for a single listener (main or management).
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

const (
	ModeProd    = "prod"
	ModeTesting = "testing"
)

// Config holds all configuration for the chat service.
type Config struct {
	// Mode controls security behavior: "prod" (default) or "testing".
	// In testing mode the bearer token is accepted verbatim as the user ID.
	Mode string

	// Database
	DatastoreType           string // "postgres" or "sqlite"
	DBURL                   string
	DatastoreMigrateAtStart bool
	DBMaxOpenConns          int
	DBMaxIdleConns          int

	// History cache
	CacheType       string // "none", "memory", or "redis"
	RedisURL        string
	HistoryCacheTTL time.Duration

	// Attachment blob store
	AttachType string // "s3" or "postgres"

	// Attachment behavior.
	AttachmentMaxSize          int64
	AttachmentPendingTTL       time.Duration
	AttachmentDeletedRetention time.Duration
	AttachmentCleanupInterval  time.Duration
	AttachmentURLExpiresIn     time.Duration

	// S3
	S3Bucket           string
	S3Prefix           string
	S3ExternalEndpoint string
	S3UsePathStyle     bool

	// Model provider (OpenAI-compatible endpoint, e.g. litellm).
	ProviderType    string
	ProviderBaseURL string
	ProviderAPIKey  string

	// Models is a comma-separated list of recognised model ids.
	Models         string
	DefaultModelID string
	TitleModelID   string
	TitleTimeout   time.Duration

	// OIDC
	OIDCIssuer       string
	OIDCDiscoveryURL string

	// APIKeys maps API key values to user IDs.
	APIKeys map[string]string

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string

	// Server
	Listener                  ListenerConfig
	ManagementListener        ListenerConfig
	ManagementListenerEnabled bool
	ManagementAccessLog       bool
	CORSEnabled               bool
	CORSOrigins               string

	// Body size limit (bytes) for non-upload requests.
	MaxBodySize int64

	// Temporary file directory. Empty uses platform default temp directory.
	TempDir string

	// Graceful shutdown drain timeout (seconds)
	DrainTimeout int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                       ModeProd,
		DatastoreType:              "postgres",
		DatastoreMigrateAtStart:    true,
		DBMaxOpenConns:             25,
		DBMaxIdleConns:             5,
		CacheType:                  "none",
		HistoryCacheTTL:            5 * time.Minute,
		AttachType:                 "s3",
		AttachmentMaxSize:          10 * 1024 * 1024, // 10 MB
		AttachmentPendingTTL:       24 * time.Hour,
		AttachmentDeletedRetention: 7 * 24 * time.Hour,
		AttachmentCleanupInterval:  15 * time.Minute,
		AttachmentURLExpiresIn:     time.Hour,
		ProviderType:               "openai",
		ProviderBaseURL:            "http://localhost:4000/v1",
		Models:                     "llama3.3,llama3.2-vision,deepseek-r1",
		DefaultModelID:             "llama3.3",
		TitleModelID:               "llama3.2-vision",
		TitleTimeout:               5 * time.Second,
		MetricsLabels:              "service=chat-service",
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			EnableTLS:         false,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ManagementListener: ListenerConfig{
			EnablePlainText: true,
		},
		MaxBodySize:  2 * 1024 * 1024,
		DrainTimeout: 30,
	}
}

// ModelIDs returns the configured model ids in declaration order.
func (c *Config) ModelIDs() []string {
	var ids []string
	for _, id := range strings.Split(c.Models, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// ResolvedTempDir returns the configured temp directory or the platform default.
func (c *Config) ResolvedTempDir() string {
	if c == nil {
		return os.TempDir()
	}
	if dir := strings.TrimSpace(c.TempDir); dir != "" {
		return dir
	}
	return os.TempDir()
}
