package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is read when STUDIO_CONFIG is unset.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port      string   `yaml:"port"`
	LogLevel  string   `yaml:"logLevel"`
	LogFormat string   `yaml:"logFormat"`
	PublicURL string   `yaml:"publicURL"`
	CORS      []string `yaml:"corsOrigins"`

	// Store selects the document/profile store: memory, sqlite, postgres or firestore.
	Store                string `yaml:"store"`
	DatabaseURL          string `yaml:"databaseURL"`
	SQLitePath           string `yaml:"sqlitePath"`
	FirestoreProject     string `yaml:"firestoreProject"`
	FirestoreCredentials string `yaml:"firestoreCredentials"`
	PollInterval         string `yaml:"pollInterval"`

	// ChangeBus fans out SQL writes: local, redis or amqp.
	ChangeBus string `yaml:"changeBus"`
	AMQPURL   string `yaml:"amqpURL"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	// SnapshotCache is memory or redis.
	SnapshotCache    string `yaml:"snapshotCache"`
	SnapshotCacheTTL string `yaml:"snapshotCacheTTL"`

	// Identity is local or toolkit.
	Identity         string `yaml:"identity"`
	ToolkitAPIKey    string `yaml:"toolkitAPIKey"`
	ToolkitProject   string `yaml:"toolkitProjectID"`
	TokenSecret      string `yaml:"tokenSecret"`
	TokenTTL         string `yaml:"tokenTTL"`
	SignInLimit      int    `yaml:"signInLimit"`
	SignInWindow     string `yaml:"signInWindow"`
	GoogleClientID   string `yaml:"googleClientID"`
	GoogleSecret     string `yaml:"googleClientSecret"`
	GooglePopupAddr  string `yaml:"googlePopupAddr"`
	GooglePopupLimit string `yaml:"googlePopupTimeout"`

	ProfileRetryAttempts int    `yaml:"profileRetryAttempts"`
	ProfileRetryDelay    string `yaml:"profileRetryDelay"`
	PublicLimit          int    `yaml:"publicLimit"`

	// Exports is memory or minio.
	Exports        string `yaml:"exports"`
	ExportLinkTTL  string `yaml:"exportLinkTTL"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	MaxUploadBytes int64  `yaml:"maxUploadBytes"`
}

// Path returns STUDIO_CONFIG or the default path.
func Path() string {
	if v := strings.TrimSpace(os.Getenv("STUDIO_CONFIG")); v != "" {
		return v
	}
	return ConfigPath
}

// Load reads config from path. A missing file falls back to defaults so the
// studio runs with the in-memory stack.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setString(&cfg.Port, "STUDIO_PORT")
	setString(&cfg.LogLevel, "STUDIO_LOG_LEVEL")
	setString(&cfg.LogFormat, "STUDIO_LOG_FORMAT")
	setString(&cfg.PublicURL, "STUDIO_PUBLIC_URL")
	setString(&cfg.Store, "STUDIO_STORE")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.SQLitePath, "STUDIO_SQLITE_PATH")
	setString(&cfg.FirestoreProject, "FIRESTORE_PROJECT_ID")
	setString(&cfg.FirestoreCredentials, "GOOGLE_APPLICATION_CREDENTIALS")
	setString(&cfg.ChangeBus, "STUDIO_CHANGE_BUS")
	setString(&cfg.AMQPURL, "AMQP_URL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.SnapshotCache, "STUDIO_SNAPSHOT_CACHE")
	setString(&cfg.Identity, "STUDIO_IDENTITY")
	setString(&cfg.ToolkitAPIKey, "STUDIO_TOOLKIT_API_KEY")
	setString(&cfg.ToolkitProject, "STUDIO_TOOLKIT_PROJECT_ID")
	setString(&cfg.TokenSecret, "STUDIO_TOKEN_SECRET")
	setString(&cfg.GoogleClientID, "GOOGLE_CLIENT_ID")
	setString(&cfg.GoogleSecret, "GOOGLE_CLIENT_SECRET")
	setString(&cfg.Exports, "STUDIO_EXPORTS")
	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("STUDIO_CORS_ORIGINS"); v != "" {
		cfg.CORS = splitCSV(v)
	}
	if v := os.Getenv("STUDIO_PUBLIC_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PublicLimit = n
		}
	}
	if v := os.Getenv("STUDIO_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	def := func(dst *string, v string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = v
		}
	}
	def(&cfg.Port, "8090")
	def(&cfg.LogLevel, "info")
	def(&cfg.Store, "memory")
	def(&cfg.ChangeBus, "local")
	def(&cfg.SnapshotCache, "memory")
	def(&cfg.Identity, "local")
	def(&cfg.Exports, "memory")
	def(&cfg.SQLitePath, "storyforge.db")
	def(&cfg.PublicURL, "http://127.0.0.1:"+cfg.Port)
	def(&cfg.ToolkitProject, cfg.FirestoreProject)
	cfg.Store = strings.ToLower(cfg.Store)
	cfg.ChangeBus = strings.ToLower(cfg.ChangeBus)
	cfg.SnapshotCache = strings.ToLower(cfg.SnapshotCache)
	cfg.Identity = strings.ToLower(cfg.Identity)
	cfg.Exports = strings.ToLower(cfg.Exports)
}

func validateConfig(cfg FileConfig) error {
	switch cfg.Store {
	case "memory", "sqlite":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for store postgres (set in config.yaml or DATABASE_URL)")
		}
	case "firestore":
		if cfg.FirestoreProject == "" {
			return errors.New("config: firestoreProject is required for store firestore (set in config.yaml or FIRESTORE_PROJECT_ID)")
		}
	default:
		return fmt.Errorf("config: unknown store %q", cfg.Store)
	}
	switch cfg.ChangeBus {
	case "local":
	case "redis":
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required for changeBus redis")
		}
	case "amqp":
		if cfg.AMQPURL == "" {
			return errors.New("config: amqpURL is required for changeBus amqp")
		}
	default:
		return fmt.Errorf("config: unknown changeBus %q", cfg.ChangeBus)
	}
	switch cfg.SnapshotCache {
	case "memory":
	case "redis":
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required for snapshotCache redis")
		}
	default:
		return fmt.Errorf("config: unknown snapshotCache %q", cfg.SnapshotCache)
	}
	switch cfg.Identity {
	case "local":
		if cfg.TokenSecret != "" && len(cfg.TokenSecret) < 16 {
			return errors.New("config: tokenSecret must be at least 16 bytes")
		}
	case "toolkit":
		if cfg.ToolkitAPIKey == "" {
			return errors.New("config: toolkitAPIKey is required for identity toolkit (set in config.yaml or STUDIO_TOOLKIT_API_KEY)")
		}
	default:
		return fmt.Errorf("config: unknown identity %q", cfg.Identity)
	}
	if (cfg.GoogleClientID == "") != (cfg.GoogleSecret == "") {
		return errors.New("config: googleClientID and googleClientSecret must be set together")
	}
	switch cfg.Exports {
	case "memory":
	case "minio":
		if cfg.MinioEndpoint == "" || cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" || cfg.MinioBucket == "" {
			return errors.New("config: minioEndpoint, minioAccessKey, minioSecretKey and minioBucket are required for exports minio")
		}
	default:
		return fmt.Errorf("config: unknown exports %q", cfg.Exports)
	}
	for name, raw := range map[string]string{
		"pollInterval":       cfg.PollInterval,
		"snapshotCacheTTL":   cfg.SnapshotCacheTTL,
		"tokenTTL":           cfg.TokenTTL,
		"signInWindow":       cfg.SignInWindow,
		"googlePopupTimeout": cfg.GooglePopupLimit,
		"profileRetryDelay":  cfg.ProfileRetryDelay,
		"exportLinkTTL":      cfg.ExportLinkTTL,
	} {
		if _, err := ParseDuration(raw, 0); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return nil
}

// ParseDuration parses a Go duration; empty input returns fallback.
func ParseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid duration %q: must not be negative", raw)
	}
	return d, nil
}

// MustDuration is ParseDuration for values already checked by Load.
func MustDuration(raw string, fallback time.Duration) time.Duration {
	d, err := ParseDuration(raw, fallback)
	if err != nil {
		return fallback
	}
	return d
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
