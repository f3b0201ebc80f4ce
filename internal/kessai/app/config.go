package app

import (
	"fmt"
	"time"

	"github.com/Treynis/ejbca/common/environment"
	"github.com/Treynis/ejbca/common/seal"
	"github.com/Treynis/ejbca/internal/kessai/matrix"
	"github.com/Treynis/ejbca/internal/kessai/store"
)

// Defaults for optional settings.
const (
	DefaultHTTPAddr       = ":8080"
	DefaultDatabasePath   = "./kessai.db"
	DefaultPurgeRetention = 30 * 24 * time.Hour
	DefaultPurgeInterval  = time.Hour
	DefaultSettingsReload = 30 * time.Second
	DefaultLockTTL        = 2 * time.Minute
)

// Config holds application configuration.
type Config struct {
	Database store.Config
	// HTTPAddr is the listen address of the API server.
	HTTPAddr  string
	JWTSecret []byte
	// ProfilesPath and AccessRulesPath point at the YAML documents loaded
	// once at startup.
	ProfilesPath    string
	AccessRulesPath string
	// SealKey encrypts stored actions when set. 32 bytes.
	SealKey []byte

	// RedisAddr switches the case lock to Redis so that several instances
	// can share one database.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// LockTTL must exceed the slowest executor run.
	LockTTL time.Duration

	// Matrix is optional; the client is only started when Homeserver is set.
	Matrix matrix.Config
	// NotifyRoomID receives approval notifications.
	NotifyRoomID string
	// AuditRoomID receives a one-line summary of every audit event.
	AuditRoomID string

	PurgeRetention time.Duration
	PurgeInterval  time.Duration
	SettingsReload time.Duration

	// RateLimit is the number of API requests per second allowed per
	// administrator; zero disables limiting.
	RateLimit int
	RateBurst int
}

// LoadConfig reads the configuration from the environment. Every missing or
// malformed variable is reported in the returned error.
func LoadConfig() (*Config, error) {
	env := environment.NewLoader("")

	cfg := &Config{
		HTTPAddr:        env.String("HTTP_ADDR", DefaultHTTPAddr),
		JWTSecret:       []byte(env.Required("KESSAI_JWT_SECRET")),
		ProfilesPath:    env.Required("KESSAI_PROFILES"),
		AccessRulesPath: env.Required("KESSAI_ACCESS_RULES"),
		RedisAddr:       env.String("REDIS_ADDR", ""),
		RedisPassword:   env.String("REDIS_PASSWORD", ""),
		RedisDB:         env.Int("REDIS_DB", 0),
		LockTTL:         env.Duration("KESSAI_LOCK_TTL", DefaultLockTTL),
		NotifyRoomID:    env.String("MATRIX_NOTIFY_ROOM", ""),
		AuditRoomID:     env.String("MATRIX_AUDIT_ROOM", ""),
		PurgeRetention:  env.Duration("KESSAI_PURGE_RETENTION", DefaultPurgeRetention),
		PurgeInterval:   env.Duration("KESSAI_PURGE_INTERVAL", DefaultPurgeInterval),
		SettingsReload:  env.Duration("KESSAI_SETTINGS_RELOAD", DefaultSettingsReload),
		RateLimit:       env.Int("KESSAI_RATE_LIMIT", 10),
		RateBurst:       env.Int("KESSAI_RATE_BURST", 20),
	}

	driver := store.Dialect(env.String("DATABASE_DRIVER", string(store.SQLite)))
	cfg.Database = store.Config{Dialect: driver, MaxOpenConns: env.Int("DATABASE_MAX_OPEN_CONNS", 0)}
	switch driver {
	case store.SQLite:
		cfg.Database.DSN = env.String("DATABASE_PATH", DefaultDatabasePath)
	case store.Postgres:
		cfg.Database.DSN = env.Required("DATABASE_URL")
	}

	if hs := env.String("MATRIX_HOMESERVER", ""); hs != "" {
		cfg.Matrix = matrix.Config{
			Homeserver:  hs,
			UserID:      env.Required("MATRIX_USER_ID"),
			AccessToken: env.Required("MATRIX_ACCESS_TOKEN"),
			Rooms:       env.List("MATRIX_ROOMS", nil),
		}
	}

	rawKey := env.String("KESSAI_SEAL_KEY", "")
	if err := env.Err(); err != nil {
		return nil, err
	}
	if rawKey != "" {
		key, err := seal.ParseKey(rawKey)
		if err != nil {
			return nil, fmt.Errorf("invalid KESSAI_SEAL_KEY: %w", err)
		}
		cfg.SealKey = key
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks combinations the environment loader cannot.
func (c *Config) Validate() error {
	switch c.Database.Dialect {
	case store.SQLite, store.Postgres:
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.Database.Dialect)
	}
	if len(c.JWTSecret) == 0 {
		return fmt.Errorf("a JWT secret is required")
	}
	if c.PurgeRetention <= 0 {
		return fmt.Errorf("purge retention must be positive, got %s", c.PurgeRetention)
	}
	if c.Matrix.Homeserver == "" && (c.NotifyRoomID != "" || c.AuditRoomID != "") {
		return fmt.Errorf("MATRIX_NOTIFY_ROOM and MATRIX_AUDIT_ROOM need MATRIX_HOMESERVER")
	}
	return nil
}
