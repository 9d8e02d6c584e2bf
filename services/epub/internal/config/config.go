package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location relative to the working directory.
const ConfigPath = "config.yaml"

// EnvFile is loaded, when present, before environment overrides are applied.
const EnvFile = ".env"

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"

	BlobBackendLocal = "local"
	BlobBackendMinio = "minio"

	DispatchInline = "inline"
	DispatchRedis  = "redis"
	DispatchAMQP   = "amqp"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	StoreBackend string `yaml:"storeBackend"`
	DatabaseURL  string `yaml:"databaseURL"`

	BlobBackend    string `yaml:"blobBackend"`
	UploadDir      string `yaml:"uploadDir"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	MaxUploadBytes int64  `yaml:"maxUploadBytes"`

	DispatchMode           string `yaml:"dispatchMode"`
	RedisAddr              string `yaml:"redisAddr"`
	RedisPassword          string `yaml:"redisPassword"`
	QueueName              string `yaml:"queueName"`
	QueueGroup             string `yaml:"queueGroup"`
	QueueConcurrency       int    `yaml:"queueConcurrency"`
	QueueMaxRetries        int    `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds int    `yaml:"queueRetryDelaySeconds"`
	AMQPURL                string `yaml:"amqpURL"`

	JobTimeoutSeconds    int `yaml:"jobTimeoutSeconds"`
	StaleAfterSeconds    int `yaml:"staleAfterSeconds"`
	SweepIntervalSeconds int `yaml:"sweepIntervalSeconds"`

	SessionRedisAddr     string            `yaml:"sessionRedisAddr"`
	SessionRedisPassword string            `yaml:"sessionRedisPassword"`
	SessionKeyPrefix     string            `yaml:"sessionKeyPrefix"`
	JWTSecret            string            `yaml:"jwtSecret"`
	JWKSURL              string            `yaml:"jwksURL"`
	JWTIssuer            string            `yaml:"jwtIssuer"`
	JWTAudience          string            `yaml:"jwtAudience"`
	JWTLeewaySeconds     int               `yaml:"jwtLeewaySeconds"`
	StaticTokens         map[string]string `yaml:"staticTokens"`

	UploadRateLimit         int `yaml:"uploadRateLimit"`
	UploadRateWindowSeconds int `yaml:"uploadRateWindowSeconds"`

	TrustedProxies []string `yaml:"trustedProxies"`
	CORSOrigins    []string `yaml:"corsOrigins"`
}

// Load reads config from path (defaults to config.yaml), then .env, then
// environment overrides.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := godotenv.Load(EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load %s: %w", EnvFile, err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Override with environment variables
func applyEnv(cfg *FileConfig) {
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "KIWI_LOG_LEVEL")
	setString(&cfg.StoreBackend, "KIWI_STORE_BACKEND")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.BlobBackend, "KIWI_BLOB_BACKEND")
	setString(&cfg.UploadDir, "KIWI_UPLOAD_DIR")
	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		cfg.MinioUseSSL = strings.EqualFold(v, "true")
	}
	setInt64(&cfg.MaxUploadBytes, "KIWI_MAX_UPLOAD_BYTES")
	setString(&cfg.DispatchMode, "KIWI_DISPATCH_MODE")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.QueueName, "KIWI_QUEUE_NAME")
	setString(&cfg.QueueGroup, "KIWI_QUEUE_GROUP")
	setInt(&cfg.QueueConcurrency, "KIWI_QUEUE_CONCURRENCY")
	setInt(&cfg.QueueMaxRetries, "KIWI_QUEUE_MAX_RETRIES")
	setInt(&cfg.QueueRetryDelaySeconds, "KIWI_QUEUE_RETRY_DELAY_SECONDS")
	setString(&cfg.AMQPURL, "AMQP_URL")
	setInt(&cfg.JobTimeoutSeconds, "KIWI_JOB_TIMEOUT_SECONDS")
	setInt(&cfg.StaleAfterSeconds, "KIWI_STALE_AFTER_SECONDS")
	setInt(&cfg.SweepIntervalSeconds, "KIWI_SWEEP_INTERVAL_SECONDS")
	setString(&cfg.SessionRedisAddr, "KIWI_SESSION_REDIS_ADDR")
	setString(&cfg.SessionRedisPassword, "KIWI_SESSION_REDIS_PASSWORD")
	setString(&cfg.SessionKeyPrefix, "KIWI_SESSION_KEY_PREFIX")
	setString(&cfg.JWTSecret, "KIWI_JWT_SECRET")
	setString(&cfg.JWKSURL, "KIWI_JWKS_URL")
	setString(&cfg.JWTIssuer, "KIWI_JWT_ISSUER")
	setString(&cfg.JWTAudience, "KIWI_JWT_AUDIENCE")
	setInt(&cfg.JWTLeewaySeconds, "KIWI_JWT_LEEWAY_SECONDS")
	setInt(&cfg.UploadRateLimit, "KIWI_UPLOAD_RATE_LIMIT")
	setInt(&cfg.UploadRateWindowSeconds, "KIWI_UPLOAD_RATE_WINDOW_SECONDS")
	if v := os.Getenv("KIWI_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
	if v := os.Getenv("KIWI_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = StoreBackendPostgres
	}
	if cfg.BlobBackend == "" {
		cfg.BlobBackend = BlobBackendLocal
	}
	if cfg.BlobBackend == BlobBackendLocal && cfg.UploadDir == "" {
		cfg.UploadDir = "uploads"
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
	if cfg.DispatchMode == "" {
		cfg.DispatchMode = DispatchInline
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "kiwifruit:epub:parse"
	}
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = "epub-workers"
	}
	if cfg.QueueConcurrency <= 0 {
		cfg.QueueConcurrency = 2
	}
	if cfg.QueueMaxRetries <= 0 {
		cfg.QueueMaxRetries = 3
	}
	if cfg.JobTimeoutSeconds <= 0 {
		cfg.JobTimeoutSeconds = 300
	}
	if cfg.StaleAfterSeconds <= 0 {
		cfg.StaleAfterSeconds = 3 * cfg.JobTimeoutSeconds
	}
	if cfg.SweepIntervalSeconds <= 0 {
		cfg.SweepIntervalSeconds = 60
	}
	if cfg.UploadRateWindowSeconds <= 0 {
		cfg.UploadRateWindowSeconds = 3600
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	switch cfg.StoreBackend {
	case StoreBackendPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
		}
	case StoreBackendMemory:
	default:
		return fmt.Errorf("config: storeBackend %q is not one of postgres, memory", cfg.StoreBackend)
	}
	switch cfg.BlobBackend {
	case BlobBackendLocal:
	case BlobBackendMinio:
		if cfg.MinioEndpoint == "" {
			return errors.New("config: minioEndpoint is required (set in config.yaml)")
		}
		if cfg.MinioAccessKey == "" {
			return errors.New("config: minioAccessKey is required (set in config.yaml)")
		}
		if cfg.MinioSecretKey == "" {
			return errors.New("config: minioSecretKey is required (set in config.yaml)")
		}
		if cfg.MinioBucket == "" {
			return errors.New("config: minioBucket is required (set in config.yaml)")
		}
	default:
		return fmt.Errorf("config: blobBackend %q is not one of local, minio", cfg.BlobBackend)
	}
	switch cfg.DispatchMode {
	case DispatchInline:
	case DispatchRedis:
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required for dispatchMode redis")
		}
	case DispatchAMQP:
		if cfg.AMQPURL == "" {
			return errors.New("config: amqpURL is required for dispatchMode amqp")
		}
	default:
		return fmt.Errorf("config: dispatchMode %q is not one of inline, redis, amqp", cfg.DispatchMode)
	}
	if cfg.SessionRedisAddr == "" && cfg.JWTSecret == "" && cfg.JWKSURL == "" && len(cfg.StaticTokens) == 0 {
		return errors.New("config: one of sessionRedisAddr, jwtSecret, jwksURL or staticTokens is required")
	}
	if cfg.JWTSecret != "" && cfg.JWKSURL != "" {
		return errors.New("config: jwtSecret and jwksURL are mutually exclusive")
	}
	if cfg.UploadRateLimit > 0 && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required when uploadRateLimit is set")
	}
	if cfg.StaleAfterSeconds <= cfg.JobTimeoutSeconds {
		return errors.New("config: staleAfterSeconds must exceed jobTimeoutSeconds")
	}
	return nil
}

func (c FileConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSeconds) * time.Second
}

func (c FileConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSeconds) * time.Second
}

func (c FileConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c FileConfig) QueueRetryDelay() time.Duration {
	return time.Duration(c.QueueRetryDelaySeconds) * time.Second
}

func (c FileConfig) JWTLeeway() time.Duration {
	return time.Duration(c.JWTLeewaySeconds) * time.Second
}

func (c FileConfig) UploadRateWindow() time.Duration {
	return time.Duration(c.UploadRateWindowSeconds) * time.Second
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			*dst = n
		}
	}
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
