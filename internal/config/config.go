// Package config provides configuration loading and management for the IoT registry service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load does not override variables that are already set, so the OS
// environment always wins over .env files.
func init() {
	// Load .env file if it exists (for shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (for local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the registry service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // Database connection string (PostgreSQL); empty selects in-memory state
	NATSURL     string // NATS server URL; empty disables event streaming
	S3Endpoint  string // S3-compatible storage endpoint for snapshot archives
	S3Region    string // S3 region
	S3Bucket    string // S3 bucket name; empty disables snapshot export
	S3AccessKey string // S3 access key
	S3SecretKey string // S3 secret key
	JWTIssuer   string // Expected issuer for JWT validation
	JWTAudience string // Expected audience for JWT validation
	JWKSURL     string // JWKS endpoint; defaults to the identity service's well-known path
	IdentityURL string // Identity service URL for principal resolution

	// Marketplace parameters, applied only when no parameters are persisted yet
	ContractOwner      string // Admin principal and platform fee recipient
	PlatformFeeRateBPS uint64 // Platform fee in basis points
	MinAccessPrice     uint64 // Minimum price per access for new streams

	// Access verification
	VerificationPolicy string // verified-device, identity or allow-all

	// Ledger clock
	BlockInterval time.Duration // Wall time per ledger height
	Genesis       time.Time     // Wall time of height 0

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Default configuration values used when environment variables are not set
const (
	defaultPort           = "8080"      // Default HTTP server port
	defaultS3Region       = "us-east-1" // Default S3 region
	defaultEnv            = "dev"       // Default environment
	defaultPlatformFeeBPS = 25          // 0.25%
	defaultMinAccessPrice = 1000
	defaultPolicy         = "verified-device"
	defaultBlockInterval  = 10 * time.Minute
	defaultGenesis        = "2024-01-01T00:00:00Z"
)

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:                getEnv("IOT_ENV", defaultEnv),
		Port:               getEnv("IOT_PORT", defaultPort),
		DatabaseDSN:        os.Getenv("IOT_DB_DSN"),
		NATSURL:            os.Getenv("IOT_NATS_URL"),
		S3Endpoint:         os.Getenv("IOT_S3_ENDPOINT"),
		S3Region:           getEnv("IOT_S3_REGION", defaultS3Region),
		S3Bucket:           os.Getenv("IOT_S3_BUCKET"),
		S3AccessKey:        os.Getenv("IOT_S3_ACCESS_KEY"),
		S3SecretKey:        os.Getenv("IOT_S3_SECRET_KEY"),
		JWTIssuer:          os.Getenv("IOT_JWT_ISSUER"),
		JWTAudience:        os.Getenv("IOT_JWT_AUDIENCE"),
		JWKSURL:            os.Getenv("IOT_JWKS_URL"),
		IdentityURL:        os.Getenv("IDENTITY_URL"),
		ContractOwner:      os.Getenv("IOT_CONTRACT_OWNER"),
		VerificationPolicy: getEnv("IOT_VERIFICATION_POLICY", defaultPolicy),
	}

	var err error
	if cfg.PlatformFeeRateBPS, err = getUint("IOT_PLATFORM_FEE_BPS", defaultPlatformFeeBPS); err != nil {
		return cfg, err
	}
	if cfg.MinAccessPrice, err = getUint("IOT_MIN_ACCESS_PRICE", defaultMinAccessPrice); err != nil {
		return cfg, err
	}

	interval := getEnv("IOT_BLOCK_INTERVAL", defaultBlockInterval.String())
	if cfg.BlockInterval, err = time.ParseDuration(interval); err != nil || cfg.BlockInterval <= 0 {
		return cfg, fmt.Errorf("IOT_BLOCK_INTERVAL must be a positive duration, got %q", interval)
	}
	genesis := getEnv("IOT_GENESIS", defaultGenesis)
	if cfg.Genesis, err = time.Parse(time.RFC3339, genesis); err != nil {
		return cfg, fmt.Errorf("IOT_GENESIS must be RFC3339: %w", err)
	}

	if cfg.JWKSURL == "" && cfg.IdentityURL != "" {
		cfg.JWKSURL = strings.TrimRight(cfg.IdentityURL, "/") + "/.well-known/jwks.json"
	}

	// Handle CORS configuration
	if corsOrigins, exists := os.LookupEnv("IOT_CORS_ALLOWED_ORIGINS"); exists {
		cfg.CORSAllowedOrigins = strings.Split(corsOrigins, ",")
		// Trim whitespace from each origin
		for i, origin := range cfg.CORSAllowedOrigins {
			cfg.CORSAllowedOrigins[i] = strings.TrimSpace(origin)
		}
	}

	// Validate required parameters
	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("IOT_JWT_ISSUER is required")
	}
	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("IOT_JWT_AUDIENCE is required")
	}
	if cfg.ContractOwner == "" {
		return cfg, fmt.Errorf("IOT_CONTRACT_OWNER is required")
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// getUint parses an unsigned integer variable, returning fallback if not set or empty
func getUint(key string, fallback uint64) (uint64, error) {
	v := getEnv(key, "")
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an unsigned integer: %w", key, err)
	}
	return n, nil
}
