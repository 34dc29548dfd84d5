package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kenneth/pngcrypt/internal/crypto"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "PNGCRYPT_"

// Config holds the complete application configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level" env:"LOG_LEVEL"`
	Logging   LoggingConfig   `yaml:"logging"`
	Decoder   DecoderConfig   `yaml:"decoder"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	Emit      EmitConfig      `yaml:"emit"`
	Server    ServerConfig    `yaml:"server"`
	TLS       TLSConfig       `yaml:"tls"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Session   SessionConfig   `yaml:"session"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Audit     AuditConfig     `yaml:"audit"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Storage   StorageConfig   `yaml:"storage"`
}

// LoggingConfig holds HTTP access log settings.
type LoggingConfig struct {
	AccessLogFormat string   `yaml:"access_log_format" env:"LOGGING_ACCESS_LOG_FORMAT"` // default, json, or clf
	RedactHeaders   []string `yaml:"redact_headers" env:"LOGGING_REDACT_HEADERS"`       // comma-separated in env
}

// DecoderConfig holds chunk decoder and color transform settings.
type DecoderConfig struct {
	VerifyCRC      bool   `yaml:"verify_crc" env:"DECODER_VERIFY_CRC"`
	SkipGamma      bool   `yaml:"skip_gamma" env:"DECODER_SKIP_GAMMA"`
	MaxChunkLength uint32 `yaml:"max_chunk_length" env:"DECODER_MAX_CHUNK_LENGTH"`
}

// CryptoConfig holds RSA and key bundle settings.
type CryptoConfig struct {
	KeySize           int    `yaml:"key_size" env:"CRYPTO_KEY_SIZE"`
	MaxKeySize        int    `yaml:"max_key_size" env:"CRYPTO_MAX_KEY_SIZE"` // upper bound for requested sizes
	Mode              string `yaml:"mode" env:"CRYPTO_MODE"` // ECB or CBC
	MaxKeygenAttempts int    `yaml:"max_keygen_attempts" env:"CRYPTO_MAX_KEYGEN_ATTEMPTS"`
	KeyFileIterations int    `yaml:"key_file_iterations" env:"CRYPTO_KEY_FILE_ITERATIONS"` // PBKDF2 rounds for sealed bundles
	BundleAlgorithm   string `yaml:"bundle_algorithm" env:"CRYPTO_BUNDLE_ALGORITHM"`
}

// EmitConfig holds container writer settings.
type EmitConfig struct {
	CompressionLevel int `yaml:"compression_level" env:"EMIT_COMPRESSION_LEVEL"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ListenAddr        string        `yaml:"listen_addr" env:"SERVER_LISTEN_ADDR"`
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes" env:"SERVER_MAX_BODY_BYTES"`
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// SessionConfig bounds the server-side store of keypairs between encrypt
// and decrypt requests.
type SessionConfig struct {
	TTL      time.Duration `yaml:"ttl" env:"SESSION_TTL"`
	MaxItems int           `yaml:"max_items" env:"SESSION_MAX_ITEMS"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" env:"METRICS_ENABLED"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // Max events to keep in memory
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName    string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter       string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout or otlp
	OtlpEndpoint   string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio  float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`

	// RedactSensitive replaces session ids and credential headers in span
	// attributes with [REDACTED].
	RedactSensitive bool `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"`
}

// StorageConfig holds S3 settings for s3:// image locations.
type StorageConfig struct {
	Endpoint     string `yaml:"endpoint" env:"STORAGE_ENDPOINT"` // empty for AWS, or any S3-compatible endpoint
	Region       string `yaml:"region" env:"STORAGE_REGION"`
	AccessKey    string `yaml:"access_key" env:"STORAGE_ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"STORAGE_SECRET_KEY"`
	UsePathStyle bool   `yaml:"use_path_style" env:"STORAGE_USE_PATH_STYLE"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Logging: LoggingConfig{
			AccessLogFormat: "default",
			RedactHeaders:   []string{"authorization", "cookie", "x-amz-security-token"},
		},
		Decoder: DecoderConfig{
			VerifyCRC:      true,
			MaxChunkLength: 1<<31 - 1,
		},
		Crypto: CryptoConfig{
			KeySize:           crypto.DefaultKeySize,
			MaxKeySize:        crypto.DefaultMaxKeySize,
			Mode:              "ECB",
			MaxKeygenAttempts: 10000,
			KeyFileIterations: 100000,
			BundleAlgorithm:   "ChaCha20-Poly1305",
		},
		Emit: EmitConfig{
			CompressionLevel: 6,
		},
		Server: ServerConfig{
			ListenAddr:        ":8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      120 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20, // 1MB
			MaxBodyBytes:      32 << 20,
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  60 * time.Second,
		},
		Session: SessionConfig{
			TTL:      30 * time.Minute,
			MaxItems: 1000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Audit: AuditConfig{
			Enabled:   false,
			MaxEvents: 10000,
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "pngcrypt",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
		Storage: StorageConfig{
			Region: "us-east-1",
		},
	}
}

// LoadConfig loads configuration from a file and environment variables. A
// missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func getenv(name string) string {
	return os.Getenv(EnvPrefix + name)
}

func envString(name string, dst *string) {
	if v := getenv(name); v != "" {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	if v := getenv(name); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envInt(name string, dst *int) {
	if v := getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	envString("LOG_LEVEL", &config.LogLevel)
	envString("LOGGING_ACCESS_LOG_FORMAT", &config.Logging.AccessLogFormat)
	if v := getenv("LOGGING_REDACT_HEADERS"); v != "" {
		var headers []string
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				headers = append(headers, h)
			}
		}
		config.Logging.RedactHeaders = headers
	}

	envBool("DECODER_VERIFY_CRC", &config.Decoder.VerifyCRC)
	envBool("DECODER_SKIP_GAMMA", &config.Decoder.SkipGamma)
	if v := getenv("DECODER_MAX_CHUNK_LENGTH"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil && n > 0 {
			config.Decoder.MaxChunkLength = uint32(n)
		}
	}

	envInt("CRYPTO_KEY_SIZE", &config.Crypto.KeySize)
	envInt("CRYPTO_MAX_KEY_SIZE", &config.Crypto.MaxKeySize)
	envString("CRYPTO_MODE", &config.Crypto.Mode)
	envInt("CRYPTO_MAX_KEYGEN_ATTEMPTS", &config.Crypto.MaxKeygenAttempts)
	envInt("CRYPTO_KEY_FILE_ITERATIONS", &config.Crypto.KeyFileIterations)
	envString("CRYPTO_BUNDLE_ALGORITHM", &config.Crypto.BundleAlgorithm)

	envInt("EMIT_COMPRESSION_LEVEL", &config.Emit.CompressionLevel)

	envString("SERVER_LISTEN_ADDR", &config.Server.ListenAddr)
	envDuration("SERVER_READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("SERVER_IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envDuration("SERVER_READ_HEADER_TIMEOUT", &config.Server.ReadHeaderTimeout)
	envInt("SERVER_MAX_HEADER_BYTES", &config.Server.MaxHeaderBytes)
	if v := getenv("SERVER_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			config.Server.MaxBodyBytes = n
		}
	}

	envBool("TLS_ENABLED", &config.TLS.Enabled)
	envString("TLS_CERT_FILE", &config.TLS.CertFile)
	envString("TLS_KEY_FILE", &config.TLS.KeyFile)

	envBool("RATE_LIMIT_ENABLED", &config.RateLimit.Enabled)
	envInt("RATE_LIMIT_REQUESTS", &config.RateLimit.Limit)
	envDuration("RATE_LIMIT_WINDOW", &config.RateLimit.Window)

	envDuration("SESSION_TTL", &config.Session.TTL)
	envInt("SESSION_MAX_ITEMS", &config.Session.MaxItems)

	envBool("METRICS_ENABLED", &config.Metrics.Enabled)

	envBool("AUDIT_ENABLED", &config.Audit.Enabled)
	envInt("AUDIT_MAX_EVENTS", &config.Audit.MaxEvents)

	envBool("TRACING_ENABLED", &config.Tracing.Enabled)
	envString("TRACING_SERVICE_NAME", &config.Tracing.ServiceName)
	envString("TRACING_SERVICE_VERSION", &config.Tracing.ServiceVersion)
	envString("TRACING_EXPORTER", &config.Tracing.Exporter)
	envString("TRACING_OTLP_ENDPOINT", &config.Tracing.OtlpEndpoint)
	envBool("TRACING_REDACT_SENSITIVE", &config.Tracing.RedactSensitive)
	if v := getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}

	envString("STORAGE_ENDPOINT", &config.Storage.Endpoint)
	envString("STORAGE_REGION", &config.Storage.Region)
	envString("STORAGE_ACCESS_KEY", &config.Storage.AccessKey)
	envString("STORAGE_SECRET_KEY", &config.Storage.SecretKey)
	envBool("STORAGE_USE_PATH_STYLE", &config.Storage.UsePathStyle)
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	switch c.Logging.AccessLogFormat {
	case "default", "json", "clf":
	default:
		return fmt.Errorf("invalid logging.access_log_format: %s (must be default, json, or clf)", c.Logging.AccessLogFormat)
	}

	if c.Decoder.MaxChunkLength == 0 || c.Decoder.MaxChunkLength > 1<<31-1 {
		return fmt.Errorf("decoder.max_chunk_length must be between 1 and %d", 1<<31-1)
	}

	if err := crypto.ValidateKeySize(c.Crypto.MaxKeySize, 0); err != nil {
		return fmt.Errorf("invalid crypto.max_key_size: %w", err)
	}
	if err := crypto.ValidateKeySize(c.Crypto.KeySize, c.Crypto.MaxKeySize); err != nil {
		return fmt.Errorf("invalid crypto.key_size: %w", err)
	}
	switch strings.ToUpper(c.Crypto.Mode) {
	case "ECB", "CBC":
	default:
		return fmt.Errorf("invalid crypto.mode: %s (must be ECB or CBC)", c.Crypto.Mode)
	}
	if c.Crypto.MaxKeygenAttempts <= 0 {
		return fmt.Errorf("crypto.max_keygen_attempts must be positive")
	}
	if c.Crypto.KeyFileIterations <= 0 {
		return fmt.Errorf("crypto.key_file_iterations must be positive")
	}
	allowed := map[string]bool{
		"AES256-GCM":        true,
		"ChaCha20-Poly1305": true,
	}
	if !allowed[c.Crypto.BundleAlgorithm] {
		return fmt.Errorf("invalid crypto.bundle_algorithm: %s", c.Crypto.BundleAlgorithm)
	}

	if c.Emit.CompressionLevel < -2 || c.Emit.CompressionLevel > 9 {
		return fmt.Errorf("emit.compression_level must be between -2 and 9, got %d", c.Emit.CompressionLevel)
	}

	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
	}

	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate_limit.limit and rate_limit.window must be positive when enabled")
	}

	if c.Session.TTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.Session.MaxItems <= 0 {
		return fmt.Errorf("session.max_items must be positive")
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	if (c.Storage.AccessKey == "") != (c.Storage.SecretKey == "") {
		return fmt.Errorf("storage.access_key and storage.secret_key must be set together")
	}

	return nil
}
