package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port    string `mapstructure:"PORT"`
	Env     string `mapstructure:"ENV"`
	BaseURL string `mapstructure:"BASE_URL"`

	JWTSecret      string `mapstructure:"JWT_SECRET"`
	PrivateKey     string `mapstructure:"PRIVATE_KEY"`
	PrivateKeyFile string `mapstructure:"PRIVATE_KEY_FILE"`

	SupportedAlgs                []string `mapstructure:"SUPPORTED_ALGS"`
	AccessTokenLifetime          int      `mapstructure:"ACCESS_TOKEN_LIFETIME"`
	RefreshTokenLifetime         int      `mapstructure:"REFRESH_TOKEN_LIFETIME"`
	IncludeEncounterInStandalone bool     `mapstructure:"INCLUDE_ENCOUNTER_IN_STANDALONE"`
	FHIRReleases                 []string `mapstructure:"FHIR_RELEASES"`

	CORSOrigins      []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS     float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst   int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit        string        `mapstructure:"BODY_LIMIT"`
	JWKSFetchTimeout time.Duration `mapstructure:"JWKS_FETCH_TIMEOUT"`
	TokenCacheSize   int           `mapstructure:"TOKEN_CACHE_SIZE"`
	TokenCacheTTL    time.Duration `mapstructure:"TOKEN_CACHE_TTL"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

var knownAlgs = map[string]bool{
	"RS256": true, "RS384": true, "RS512": true,
	"PS256": true, "PS384": true, "PS512": true,
	"ES256": true, "ES384": true, "ES512": true,
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("SUPPORTED_ALGS", "RS256,RS384,RS512,ES256,ES384,ES512")
	v.SetDefault("ACCESS_TOKEN_LIFETIME", 60)
	v.SetDefault("REFRESH_TOKEN_LIFETIME", 60*24*365)
	v.SetDefault("INCLUDE_ENCOUNTER_IN_STANDALONE", false)
	v.SetDefault("FHIR_RELEASES", "r2,r3,r4")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("JWKS_FETCH_TIMEOUT", "10s")
	v.SetDefault("TOKEN_CACHE_SIZE", 100)
	v.SetDefault("TOKEN_CACHE_TTL", "1h")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "BASE_URL",
		"JWT_SECRET", "PRIVATE_KEY", "PRIVATE_KEY_FILE",
		"SUPPORTED_ALGS", "ACCESS_TOKEN_LIFETIME", "REFRESH_TOKEN_LIFETIME",
		"INCLUDE_ENCOUNTER_IN_STANDALONE", "FHIR_RELEASES",
		"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT",
		"JWKS_FETCH_TIMEOUT", "TOKEN_CACHE_SIZE", "TOKEN_CACHE_TTL",
		"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.SupportedAlgs = splitList(cfg.SupportedAlgs)
	cfg.FHIRReleases = splitList(cfg.FHIRReleases)
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return cfg, nil
}

// splitList flattens comma separated entries and drops blanks. Values from
// the environment arrive as one element per comma but may keep spaces.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// AccessTokenTTL is the default access token lifetime.
func (c *Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenLifetime) * time.Minute
}

// RefreshTokenTTL is the refresh token lifetime.
func (c *Config) RefreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenLifetime) * time.Minute
}

// HasSigningKeys reports whether both the HMAC secret and the RSA key are
// configured.
func (c *Config) HasSigningKeys() bool {
	return c.JWTSecret != "" && (c.PrivateKey != "" || c.PrivateKeyFile != "")
}

// PrivateKeyPEM returns the configured RSA key, reading PRIVATE_KEY_FILE
// when PRIVATE_KEY is not set inline. It returns nil when neither is set.
func (c *Config) PrivateKeyPEM() ([]byte, error) {
	if c.PrivateKey != "" {
		// Inline keys from env files usually have escaped newlines.
		return []byte(strings.ReplaceAll(c.PrivateKey, `\n`, "\n")), nil
	}
	if c.PrivateKeyFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading PRIVATE_KEY_FILE: %w", err)
	}
	return data, nil
}

// Validate checks that the configuration is safe to run. Production refuses
// to start without explicit signing keys; development generates ephemeral
// ones instead.
func (c *Config) Validate() error {
	if p, err := strconv.Atoi(c.Port); err != nil || p <= 0 || p > 65535 {
		return fmt.Errorf("PORT must be a valid port number, got %q", c.Port)
	}

	switch c.Env {
	case "development", "production", "test":
	default:
		return fmt.Errorf("ENV must be \"development\", \"production\" or \"test\", got %q", c.Env)
	}

	if c.PrivateKey != "" && c.PrivateKeyFile != "" {
		return fmt.Errorf("PRIVATE_KEY and PRIVATE_KEY_FILE are mutually exclusive")
	}
	if c.IsProduction() {
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.PrivateKey == "" && c.PrivateKeyFile == "" {
			return fmt.Errorf("PRIVATE_KEY or PRIVATE_KEY_FILE is required in production")
		}
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes, got %d", len(c.JWTSecret))
	}

	if c.BaseURL != "" && !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("BASE_URL must be an absolute http(s) URL, got %q", c.BaseURL)
	}

	if c.AccessTokenLifetime <= 0 {
		return fmt.Errorf("ACCESS_TOKEN_LIFETIME must be positive, got %d", c.AccessTokenLifetime)
	}
	if c.RefreshTokenLifetime <= 0 {
		return fmt.Errorf("REFRESH_TOKEN_LIFETIME must be positive, got %d", c.RefreshTokenLifetime)
	}
	if len(c.FHIRReleases) == 0 {
		return fmt.Errorf("FHIR_RELEASES must list at least one release")
	}
	if len(c.SupportedAlgs) == 0 {
		return fmt.Errorf("SUPPORTED_ALGS must list at least one algorithm")
	}
	for _, alg := range c.SupportedAlgs {
		if !knownAlgs[alg] {
			return fmt.Errorf("SUPPORTED_ALGS contains unsupported algorithm %q", alg)
		}
	}

	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must not be negative")
	}
	if c.JWKSFetchTimeout <= 0 {
		return fmt.Errorf("JWKS_FETCH_TIMEOUT must be positive, got %s", c.JWKSFetchTimeout)
	}
	if c.TokenCacheSize <= 0 {
		return fmt.Errorf("TOKEN_CACHE_SIZE must be positive, got %d", c.TokenCacheSize)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
