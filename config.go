package tripsync

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds everything the sync core needs to reach the backend.
type Config struct {
	// BaseURL of the REST API, including the /api prefix.
	// ENV: TRIPSYNC_BASE_URL
	BaseURL string `env:"TRIPSYNC_BASE_URL,default=http://localhost:8000/api"`

	// LiveEndpoint of the push channel. When empty it is derived from
	// BaseURL. ENV: TRIPSYNC_LIVE_ENDPOINT
	LiveEndpoint string `env:"TRIPSYNC_LIVE_ENDPOINT"`

	// CredentialPath is the file the credential pair persists to. Empty
	// means in-memory only (credentials do not survive a restart).
	// ENV: TRIPSYNC_CREDENTIAL_PATH
	CredentialPath string `env:"TRIPSYNC_CREDENTIAL_PATH"`

	// TelemetryInterval between position samples while a trip is in
	// progress. ENV: TRIPSYNC_TELEMETRY_INTERVAL
	TelemetryInterval time.Duration `env:"TRIPSYNC_TELEMETRY_INTERVAL,default=5s"`

	// ReconnectDelay between a live-channel disconnect and the next
	// connect attempt. ENV: TRIPSYNC_RECONNECT_DELAY
	ReconnectDelay time.Duration `env:"TRIPSYNC_RECONNECT_DELAY,default=5s"`

	// DeviceType reported when registering the push token.
	// ENV: TRIPSYNC_DEVICE_TYPE
	DeviceType string `env:"TRIPSYNC_DEVICE_TYPE,default=android"`
}

// NewConfigFromEnv populates a Config from the environment.
func NewConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("tripsync: decode config: %w", err)
	}
	return cfg, nil
}

// liveEndpoint resolves the push-channel URL: the configured one, or
// the notification socket path under the API host.
func (c Config) liveEndpoint() string {
	if c.LiveEndpoint != "" {
		return c.LiveEndpoint
	}
	base := strings.TrimSuffix(c.BaseURL, "/")
	base = strings.TrimSuffix(base, "/api")
	return base + "/ws/user/notifications/"
}
