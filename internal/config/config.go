package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Config is the root service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Platform  PlatformConfig  `yaml:"platform"`
	Rank      RankConfig      `yaml:"rank"`
	Audit     AuditConfig     `yaml:"audit"`
	Session   SessionConfig   `yaml:"session"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Undo      UndoConfig      `yaml:"undo"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds HTTP and gRPC listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"             env:"SERVER_ADDR"             env-default:":8080"`
	GRPCAddr        string        `yaml:"grpc_addr"        env:"SERVER_GRPC_ADDR"        env-default:":9090"`
	TLSCertFile     string        `yaml:"tls_cert_file"    env:"SERVER_TLS_CERT_FILE"`
	TLSKeyFile      string        `yaml:"tls_key_file"     env:"SERVER_TLS_KEY_FILE"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"SERVER_READ_TIMEOUT"     env-default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout"    env:"SERVER_WRITE_TIMEOUT"    env-default:"60s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"     env:"SERVER_IDLE_TIMEOUT"     env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"10s"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"   env:"SERVER_MAX_BODY_BYTES"   env-default:"1048576"`
	TrustedProxies  []string      `yaml:"trusted_proxies"  env:"SERVER_TRUSTED_PROXIES"  env-separator:","`
}

// AuthConfig holds the shared secret used by API callers.
type AuthConfig struct {
	APIKey      string `yaml:"api_key"      env:"AUTH_API_KEY"      env-required:"true"`
	TokenIssuer string `yaml:"token_issuer" env:"AUTH_TOKEN_ISSUER" env-default:"rankrelay"`
}

// PlatformConfig describes the external group-membership platform and the
// retry/cache policy used for every call to it.
type PlatformConfig struct {
	BaseURL        string        `yaml:"base_url"        env:"PLATFORM_BASE_URL"        env-required:"true"`
	GroupID        int64         `yaml:"group_id"        env:"PLATFORM_GROUP_ID"        env-required:"true"`
	Credential     string        `yaml:"credential"      env:"PLATFORM_CREDENTIAL"      env-required:"true"`
	Timeout        time.Duration `yaml:"timeout"         env:"PLATFORM_TIMEOUT"         env-default:"10s"`
	MaxAttempts    int           `yaml:"max_attempts"    env:"PLATFORM_MAX_ATTEMPTS"    env-default:"3"`
	BaseDelay      time.Duration `yaml:"base_delay"      env:"PLATFORM_BASE_DELAY"      env-default:"1s"`
	MaxDelay       time.Duration `yaml:"max_delay"       env:"PLATFORM_MAX_DELAY"       env-default:"10s"`
	Jitter         float64       `yaml:"jitter"          env:"PLATFORM_JITTER"          env-default:"0.2"`
	RolesTTL       time.Duration `yaml:"roles_ttl"       env:"PLATFORM_ROLES_TTL"       env-default:"5m"`
	GroupTTL       time.Duration `yaml:"group_ttl"       env:"PLATFORM_GROUP_TTL"       env-default:"10m"`
	PermissionsTTL time.Duration `yaml:"permissions_ttl" env:"PLATFORM_PERMISSIONS_TTL" env-default:"5m"`
	HealthTTL      time.Duration `yaml:"health_ttl"      env:"PLATFORM_HEALTH_TTL"      env-default:"30s"`
	RolesRefresh   time.Duration `yaml:"roles_refresh"   env:"PLATFORM_ROLES_REFRESH"   env-default:"5m"`
}

// RankConfig bounds which ranks this service is allowed to hand out.
type RankConfig struct {
	MinRank int `yaml:"min_rank" env:"RANK_MIN" env-default:"1"`
	MaxRank int `yaml:"max_rank" env:"RANK_MAX" env-default:"254"`
}

// AuditConfig holds in-memory retention and durable sink settings.
type AuditConfig struct {
	MaxEntries    int           `yaml:"max_entries"    env:"AUDIT_MAX_ENTRIES"    env-default:"100"`
	MaxAge        time.Duration `yaml:"max_age"        env:"AUDIT_MAX_AGE"        env-default:"1h"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"AUDIT_SWEEP_INTERVAL" env-default:"10m"`
	FilePath      string        `yaml:"file_path"      env:"AUDIT_FILE_PATH"`
	MaxFileBytes  int64         `yaml:"max_file_bytes" env:"AUDIT_MAX_FILE_BYTES" env-default:"10485760"`
	MaxFiles      int           `yaml:"max_files"      env:"AUDIT_MAX_FILES"      env-default:"5"`
	Compress      bool          `yaml:"compress"       env:"AUDIT_COMPRESS"       env-default:"false"`
	PostgresDSN   string        `yaml:"postgres_dsn"   env:"AUDIT_PG_DSN"`
}

// SessionConfig controls the credential health probe.
type SessionConfig struct {
	Interval   time.Duration `yaml:"interval"    env:"SESSION_INTERVAL"    env-default:"60s"`
	WebhookURL string        `yaml:"webhook_url" env:"SESSION_WEBHOOK_URL"`
}

// RateLimitConfig holds the per-client token bucket for /api routes.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second" env:"RATE_LIMIT_PER_SECOND" env-default:"5"`
	Burst     int     `yaml:"burst"      env:"RATE_LIMIT_BURST"      env-default:"20"`
}

// UndoConfig holds the undo expiry window.
type UndoConfig struct {
	Window time.Duration `yaml:"window" env:"UNDO_WINDOW" env-default:"5m"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// Validate checks cross-field constraints that struct tags cannot express.
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key is required"))
	}
	if c.Platform.GroupID <= 0 {
		errs = append(errs, errors.New("platform.group_id must be positive"))
	}
	if c.Platform.Credential == "" {
		errs = append(errs, errors.New("platform.credential is required"))
	}
	if c.Platform.MaxAttempts < 1 {
		errs = append(errs, errors.New("platform.max_attempts must be >= 1"))
	}
	if c.Platform.Timeout <= 0 {
		errs = append(errs, errors.New("platform.timeout must be > 0"))
	}
	if c.Platform.MaxDelay < c.Platform.BaseDelay {
		errs = append(errs, errors.New("platform.max_delay must be >= platform.base_delay"))
	}
	if c.Platform.RolesRefresh <= 0 {
		errs = append(errs, errors.New("platform.roles_refresh must be > 0"))
	}
	if c.Platform.Jitter < 0 || c.Platform.Jitter > 1 {
		errs = append(errs, errors.New("platform.jitter must be within [0, 1]"))
	}
	if c.Rank.MinRank < 0 || c.Rank.MaxRank < 1 || c.Rank.MaxRank > 255 || c.Rank.MinRank > c.Rank.MaxRank {
		errs = append(errs, fmt.Errorf("rank bounds invalid: min=%d max=%d", c.Rank.MinRank, c.Rank.MaxRank))
	}
	if c.Audit.MaxEntries < 1 {
		errs = append(errs, errors.New("audit.max_entries must be >= 1"))
	}
	if c.Audit.FilePath != "" && (c.Audit.MaxFileBytes <= 0 || c.Audit.MaxFiles < 1) {
		errs = append(errs, errors.New("audit file rotation requires max_file_bytes > 0 and max_files >= 1"))
	}
	if c.Session.Interval <= 0 {
		errs = append(errs, errors.New("session.interval must be > 0"))
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("rate_limit requires per_second > 0 and burst >= 1"))
	}
	if c.Undo.Window <= 0 {
		errs = append(errs, errors.New("undo.window must be > 0"))
	}
	for _, p := range c.Server.TrustedProxies {
		if !validProxy(p) {
			errs = append(errs, fmt.Errorf("server.trusted_proxies: %q is not a CIDR or IP address", p))
		}
	}
	if (c.Server.TLSCertFile == "") != (c.Server.TLSKeyFile == "") {
		errs = append(errs, errors.New("server TLS requires both tls_cert_file and tls_key_file"))
	}
	return errors.Join(errs...)
}

func validProxy(s string) bool {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}
