package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"wordvision/internal/identity"
)

// ConfigPath is the default config file, overridable with WORDVISION_CONFIG.
var ConfigPath = configPathFromEnv()

func configPathFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("WORDVISION_CONFIG")); v != "" {
		return v
	}
	return "config.yaml"
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	SentryDSN   string `yaml:"sentryDSN"`
	Environment string `yaml:"environment"`

	OwnerIDScheme string `yaml:"ownerIdScheme"`
	AuthJWKSURL   string `yaml:"authJwksURL"`
	JWTIssuer     string `yaml:"jwtIssuer"`
	JWTAudience   string `yaml:"jwtAudience"`
	JWTLeeway     string `yaml:"jwtLeeway"`

	DocumentStore string `yaml:"documentStore"`
	MongoURI      string `yaml:"mongoURI"`
	MongoDatabase string `yaml:"mongoDatabase"`
	DatabaseURL   string `yaml:"databaseURL"`

	ObjectStore    string `yaml:"objectStore"`
	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`
	S3Region       string `yaml:"s3Region"`
	S3Bucket       string `yaml:"s3Bucket"`
	S3AccessKey    string `yaml:"s3AccessKey"`
	S3SecretKey    string `yaml:"s3SecretKey"`
	S3Endpoint     string `yaml:"s3Endpoint"`
	PublicBaseURL  string `yaml:"publicBaseURL"`

	ImageProvider string `yaml:"imageProvider"`
	ImageBaseURL  string `yaml:"imageBaseURL"`
	ImageAPIKey   string `yaml:"imageAPIKey"`
	ImageModel    string `yaml:"imageModel"`
	ImageTimeout  string `yaml:"imageTimeout"`

	RedisAddr             string `yaml:"redisAddr"`
	RedisPassword         string `yaml:"redisPassword"`
	ImageRateLimitPerHour int    `yaml:"imageRateLimitPerHour"`

	MaxUploadBytes int64    `yaml:"maxUploadBytes"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// Load reads config from path (defaults to ConfigPath). A .env file in the
// working directory is loaded first; environment variables override the file.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env", "err", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
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
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.SentryDSN, "SENTRY_DSN")
	setString(&cfg.Environment, "WORDVISION_ENV")
	setString(&cfg.OwnerIDScheme, "WORDVISION_OWNER_ID_SCHEME")
	setString(&cfg.AuthJWKSURL, "AUTH_JWKS_URL")
	setString(&cfg.JWTIssuer, "JWT_ISSUER")
	setString(&cfg.JWTAudience, "JWT_AUDIENCE")
	setString(&cfg.JWTLeeway, "JWT_LEEWAY")
	setString(&cfg.DocumentStore, "WORDVISION_DOCUMENT_STORE")
	setString(&cfg.MongoURI, "MONGO_URI")
	setString(&cfg.MongoDatabase, "MONGO_DATABASE")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.ObjectStore, "WORDVISION_OBJECT_STORE")
	setString(&cfg.MinioEndpoint, "MINIO_ENDPOINT")
	setString(&cfg.MinioAccessKey, "MINIO_ACCESS_KEY")
	setString(&cfg.MinioSecretKey, "MINIO_SECRET_KEY")
	setString(&cfg.MinioBucket, "MINIO_BUCKET")
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	setString(&cfg.S3Region, "AWS_REGION")
	setString(&cfg.S3Bucket, "S3_BUCKET")
	setString(&cfg.S3AccessKey, "AWS_ACCESS_KEY_ID")
	setString(&cfg.S3SecretKey, "AWS_SECRET_ACCESS_KEY")
	setString(&cfg.S3Endpoint, "S3_ENDPOINT")
	setString(&cfg.PublicBaseURL, "PUBLIC_BASE_URL")
	setString(&cfg.ImageProvider, "IMAGE_PROVIDER")
	setString(&cfg.ImageBaseURL, "IMAGE_BASE_URL")
	setString(&cfg.ImageAPIKey, "IMAGE_API_KEY")
	setString(&cfg.ImageModel, "IMAGE_MODEL")
	setString(&cfg.ImageTimeout, "IMAGE_TIMEOUT")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	if v := os.Getenv("IMAGE_RATE_LIMIT_PER_HOUR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ImageRateLimitPerHour = n
		}
	}
	if v := os.Getenv("WORDVISION_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("WORDVISION_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
}

func applyDefaults(cfg *FileConfig) {
	cfg.DocumentStore = strings.ToLower(strings.TrimSpace(cfg.DocumentStore))
	cfg.ObjectStore = strings.ToLower(strings.TrimSpace(cfg.ObjectStore))
	cfg.ImageProvider = strings.ToLower(strings.TrimSpace(cfg.ImageProvider))
	if cfg.OwnerIDScheme == "" {
		cfg.OwnerIDScheme = string(identity.SchemeSubject)
	}
	if cfg.DocumentStore == "" {
		cfg.DocumentStore = "mongo"
	}
	if cfg.MongoDatabase == "" {
		cfg.MongoDatabase = "wordvision"
	}
	if cfg.ObjectStore == "" {
		cfg.ObjectStore = "minio"
	}
	if cfg.ImageProvider == "" {
		cfg.ImageProvider = "huggingface"
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if _, err := identity.ParseScheme(cfg.OwnerIDScheme); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.AuthJWKSURL == "" {
		return errors.New("config: authJwksURL is required (set in config.yaml or AUTH_JWKS_URL)")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := ParseImageTimeout(cfg.ImageTimeout); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	switch cfg.DocumentStore {
	case "mongo":
		if cfg.MongoURI == "" {
			return errors.New("config: mongoURI is required for documentStore mongo")
		}
	case "postgres":
		if cfg.DatabaseURL == "" {
			return errors.New("config: databaseURL is required for documentStore postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown documentStore %q", cfg.DocumentStore)
	}

	switch cfg.ObjectStore {
	case "minio":
		if cfg.MinioEndpoint == "" {
			return errors.New("config: minioEndpoint is required for objectStore minio")
		}
		if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
			return errors.New("config: minioAccessKey and minioSecretKey are required for objectStore minio")
		}
		if cfg.MinioBucket == "" {
			return errors.New("config: minioBucket is required for objectStore minio")
		}
	case "s3":
		if cfg.S3Bucket == "" {
			return errors.New("config: s3Bucket is required for objectStore s3")
		}
		if cfg.S3Region == "" {
			return errors.New("config: s3Region is required for objectStore s3")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown objectStore %q", cfg.ObjectStore)
	}

	switch cfg.ImageProvider {
	case "huggingface", "openai", "openai-compat":
		if cfg.ImageAPIKey == "" {
			return fmt.Errorf("config: imageAPIKey is required for imageProvider %s", cfg.ImageProvider)
		}
	case "none":
	default:
		return fmt.Errorf("config: unknown imageProvider %q", cfg.ImageProvider)
	}

	if cfg.ImageRateLimitPerHour < 0 {
		return errors.New("config: imageRateLimitPerHour must not be negative")
	}
	if cfg.ImageRateLimitPerHour > 0 && cfg.RedisAddr == "" {
		return errors.New("config: redisAddr is required when imageRateLimitPerHour is set")
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must not be negative")
	}
	return nil
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

// ParseImageTimeout parses the optional image generation timeout. Empty
// means the generation default.
func ParseImageTimeout(timeoutStr string) (time.Duration, error) {
	if timeoutStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(timeoutStr)
	if err != nil {
		return 0, fmt.Errorf("invalid imageTimeout duration: %w", err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("invalid imageTimeout duration: must be positive")
	}
	return dur, nil
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
