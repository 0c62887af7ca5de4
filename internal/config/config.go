package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

type Config struct {
	Mode      Mode
	HTTPAddr  string
	PublicURL string

	DBDriver string
	DBDSN    string

	// Launch data store backend: sql|bolt|memory.
	LaunchStore   string
	BoltPath      string
	EncryptionKey []byte // decoded from LTI_ENCRYPTION_KEY (base64, 32 bytes)

	// Tool signing key. Base64 PEM wins over a file path; in offline mode a
	// throwaway key is generated when neither is set.
	PrivateKeyB64  string
	PrivateKeyFile string

	// Tool registration with the platform.
	ToolClientID string
	ToolTitle    string
	AppEntryURL  string

	// Seed platform registration, applied at startup when the issuer is set.
	PlatformName          string
	PlatformIssuer        string
	PlatformAuthURL       string
	PlatformTokenURL      string
	PlatformKeySetURL     string
	PlatformDeploymentIDs []string

	SessionTTL     time.Duration
	NonceTTL       time.Duration
	StateTTL       time.Duration
	StorageTimeout time.Duration
	SweepInterval  time.Duration

	LaunchPerMinute int

	CORSOriginsOnline  []string
	CORSOriginsOffline []string
}

func FromEnv() Config {
	mode := Mode(os.Getenv("MODE"))
	if mode == "" {
		mode = ModeOffline
	}
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	pub := os.Getenv("PUBLIC_URL")

	var encKey []byte
	if v := os.Getenv("LTI_ENCRYPTION_KEY"); v != "" {
		if b, err := base64.StdEncoding.DecodeString(v); err == nil {
			encKey = b
		}
	}

	return Config{
		Mode:      mode,
		HTTPAddr:  addr,
		PublicURL: pub,

		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    envOr("DB_DSN", ""),

		LaunchStore:   envOr("LTI_LAUNCH_STORE", "sql"),
		BoltPath:      envOr("LTI_BOLT_PATH", "./data/launches.db"),
		EncryptionKey: encKey,

		PrivateKeyB64:  os.Getenv("LTI_PRIVATE_KEY_B64"),
		PrivateKeyFile: os.Getenv("LTI_PRIVATE_KEY_FILE"),

		ToolClientID: envOr("LTI_TOOL_CLIENT_ID", ""),
		ToolTitle:    envOr("LTI_TOOL_TITLE", "CanvasOps"),
		AppEntryURL:  envOr("LTI_APP_ENTRY_URL", strings.TrimSuffix(pub, "/")+"/app"),

		PlatformName:          envOr("LTI_PLATFORM_NAME", "Canvas"),
		PlatformIssuer:        os.Getenv("LTI_PLATFORM_ISSUER"),
		PlatformAuthURL:       envOr("LTI_PLATFORM_AUTH_URL", "https://sso.canvaslms.com/api/lti/authorize_redirect"),
		PlatformTokenURL:      envOr("LTI_PLATFORM_TOKEN_URL", "https://sso.canvaslms.com/login/oauth2/token"),
		PlatformKeySetURL:     envOr("LTI_PLATFORM_KEYSET_URL", "https://sso.canvaslms.com/api/lti/security/jwks"),
		PlatformDeploymentIDs: csvOr("LTI_PLATFORM_DEPLOYMENT_IDS", ""),

		SessionTTL:     envDuration("LTI_SESSION_TTL", 24*time.Hour),
		NonceTTL:       envDuration("LTI_NONCE_TTL", 5*time.Minute),
		StateTTL:       envDuration("LTI_STATE_TTL", 5*time.Minute),
		StorageTimeout: envDuration("LTI_STORAGE_TIMEOUT", 5*time.Second),
		SweepInterval:  envDuration("LTI_SWEEP_INTERVAL", 15*time.Minute),

		LaunchPerMinute: envInt("LTI_LAUNCH_PER_MINUTE", 30),

		CORSOriginsOnline:  csvOr("CORS_ORIGINS_ONLINE", "https://canvas.instructure.com"),
		CORSOriginsOffline: csvOr("CORS_ORIGINS_OFFLINE", "http://localhost:3000,http://localhost:3010"),
	}
}

// Validate rejects configurations that cannot run safely. Online mode refuses
// to start without a real encryption key and a persistent signing key, since
// generated ones would orphan stored launch data and rotate the JWKS kid.
func (c Config) Validate() error {
	if c.Mode != ModeOnline && c.Mode != ModeOffline {
		return fmt.Errorf("config: unknown MODE %q", c.Mode)
	}
	if len(c.EncryptionKey) != 0 && len(c.EncryptionKey) != 32 {
		return fmt.Errorf("config: LTI_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(c.EncryptionKey))
	}
	switch c.LaunchStore {
	case "sql", "bolt", "memory":
	default:
		return fmt.Errorf("config: unknown LTI_LAUNCH_STORE %q", c.LaunchStore)
	}
	if c.Mode == ModeOnline {
		if len(c.EncryptionKey) == 0 {
			return fmt.Errorf("config: LTI_ENCRYPTION_KEY is required in online mode")
		}
		if c.PrivateKeyB64 == "" && c.PrivateKeyFile == "" {
			return fmt.Errorf("config: LTI_PRIVATE_KEY_B64 or LTI_PRIVATE_KEY_FILE is required in online mode")
		}
		if c.PublicURL == "" {
			return fmt.Errorf("config: PUBLIC_URL is required in online mode")
		}
		if c.ToolClientID == "" {
			return fmt.Errorf("config: LTI_TOOL_CLIENT_ID is required in online mode")
		}
	}
	return nil
}

// RedirectURI is the launch callback registered with the platform.
func (c Config) RedirectURI() string {
	if c.PublicURL == "" {
		return ""
	}
	return strings.TrimSuffix(c.PublicURL, "/") + "/lti/launch"
}

func (c Config) CORSOrigins() []string {
	if c.Mode == ModeOnline {
		return c.CORSOriginsOnline
	}
	return c.CORSOriginsOffline
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
func envDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
