package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Identity IdentityConfig `json:"identity"`
	ML       MLConfig       `json:"ml"`
	Security SecurityConfig `json:"security"`
	Redis    RedisConfig    `json:"redis"`
	Logging  LoggingConfig  `json:"logging"`
}

type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	Environment  string        `json:"environment"`
}

type StorageConfig struct {
	UploadDir string `json:"upload_dir"`
	ResultDir string `json:"result_dir"`
}

type IdentityConfig struct {
	// ClientID is the OAuth client id registered with Google; ID tokens must
	// carry it as their audience.
	ClientID        string        `json:"client_id"`
	JWKSURL         string        `json:"jwks_url"`
	Timeout         time.Duration `json:"timeout"`
	RefreshInterval time.Duration `json:"refresh_interval"`
}

type MLConfig struct {
	BaseURL             string        `json:"base_url"`
	ModelPath           string        `json:"model_path"`
	Timeout             time.Duration `json:"timeout"`
	InferenceTimeout    time.Duration `json:"inference_timeout"`
	Workers             int           `json:"workers"`
	QueueSize           int           `json:"queue_size"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
}

type SecurityConfig struct {
	AllowedOrigins            []string      `json:"allowed_origins"`
	RateLimitRPS              int           `json:"rate_limit_rps"`
	RateLimitBurst            int           `json:"rate_limit_burst"`
	MaxRequestSize            int64         `json:"max_request_size"`
	RequestTimeout            time.Duration `json:"request_timeout"`
	EnableHTTPS               bool          `json:"enable_https"`
	CertFile                  string        `json:"cert_file"`
	KeyFile                   string        `json:"key_file"`
	EnforceNamespaceOwnership bool          `json:"enforce_namespace_ownership"`
	MetricsAllowedIPs         []string      `json:"metrics_allowed_ips"`
	TrustedProxies            []string      `json:"trusted_proxies"`
	MaxImagePixels            int64         `json:"max_image_pixels"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

const defaultJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

func LoadConfig() *Config {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8000),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", 90*time.Second),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			Environment:  getEnv("ENVIRONMENT", "development"),
		},
		Storage: StorageConfig{
			UploadDir: getEnv("UPLOAD_DIR", "uploaded_files"),
			ResultDir: getEnv("RESULT_DIR", "results"),
		},
		Identity: IdentityConfig{
			ClientID:        getEnv("GOOGLE_CLIENT_ID", ""),
			JWKSURL:         getEnv("GOOGLE_JWKS_URL", defaultJWKSURL),
			Timeout:         getEnvAsDuration("IDENTITY_TIMEOUT", 10*time.Second),
			RefreshInterval: getEnvAsDuration("IDENTITY_KEY_REFRESH_INTERVAL", 15*time.Minute),
		},
		ML: MLConfig{
			BaseURL:             getEnv("ML_BASE_URL", "http://localhost:5000"),
			ModelPath:           getEnv("MODEL_PATH", "best.pt"),
			Timeout:             getEnvAsDuration("ML_TIMEOUT", 30*time.Second),
			InferenceTimeout:    getEnvAsDuration("ML_INFERENCE_TIMEOUT", 60*time.Second),
			Workers:             getEnvAsInt("ML_WORKERS", 2),
			QueueSize:           getEnvAsInt("ML_QUEUE_SIZE", 32),
			HealthCheckInterval: getEnvAsDuration("ML_HEALTH_CHECK_INTERVAL", 30*time.Second),
		},
		Security: SecurityConfig{
			AllowedOrigins:            getEnvAsStringSlice("ALLOWED_ORIGINS", []string{"*"}),
			RateLimitRPS:              getEnvAsInt("RATE_LIMIT_RPS", 10),
			RateLimitBurst:            getEnvAsInt("RATE_LIMIT_BURST", 20),
			MaxRequestSize:            getEnvAsInt64("MAX_REQUEST_SIZE", 20*1024*1024), // 20MB
			RequestTimeout:            getEnvAsDuration("REQUEST_TIMEOUT", 90*time.Second),
			EnableHTTPS:               getEnvAsBool("ENABLE_HTTPS", false),
			CertFile:                  getEnv("CERT_FILE", ""),
			KeyFile:                   getEnv("KEY_FILE", ""),
			EnforceNamespaceOwnership: getEnvAsBool("ENFORCE_NAMESPACE_OWNERSHIP", true),
			MetricsAllowedIPs:         getEnvAsStringSlice("METRICS_ALLOWED_IPS", []string{"*"}),
			TrustedProxies:            getEnvAsStringSlice("TRUSTED_PROXIES", nil),
			MaxImagePixels:            getEnvAsInt64("MAX_IMAGE_PIXELS", 50_000_000),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return config
}

func (c *Config) ValidateConfig(logger *zap.Logger) error {
	var errors []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, "server port must be between 1 and 65535")
	}

	if c.Storage.UploadDir == "" || c.Storage.ResultDir == "" {
		errors = append(errors, "upload and result directories are required")
	}

	if c.Identity.ClientID == "" {
		errors = append(errors, "Google client ID is required")
	}

	if c.Identity.JWKSURL == "" {
		errors = append(errors, "JWKS URL is required")
	}

	if c.ML.BaseURL == "" {
		errors = append(errors, "ML base URL is required")
	}

	if c.ML.Workers < 1 {
		errors = append(errors, "ML workers must be positive")
	}

	if c.ML.QueueSize < 1 {
		errors = append(errors, "ML queue size must be positive")
	}

	if c.ML.InferenceTimeout <= 0 {
		errors = append(errors, "ML inference timeout must be positive")
	}

	if c.Identity.RefreshInterval <= 0 {
		errors = append(errors, "identity key refresh interval must be positive")
	}

	if c.Security.MaxImagePixels <= 0 {
		errors = append(errors, "max image pixels must be positive")
	}

	if c.Security.MaxRequestSize <= 0 {
		errors = append(errors, "max request size must be positive")
	}

	if c.Security.EnableHTTPS && (c.Security.CertFile == "" || c.Security.KeyFile == "") {
		errors = append(errors, "cert and key files are required when HTTPS is enabled")
	}

	if !c.Security.EnforceNamespaceOwnership {
		logger.Warn("Namespace ownership is not enforced; any authenticated user can read any artifact")
	}

	if c.Redis.Host != "" && (c.Redis.Port < 1 || c.Redis.Port > 65535) {
		errors = append(errors, "Redis port must be between 1 and 65535")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, ", "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
