// Package config provides configuration loading for the media service.
// It handles environment variable parsing, default values and the
// collections document.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/RegistryAccord/registryaccord-media-go/internal/schema"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// init loads .env and .env.local when present. godotenv never overrides
// variables that are already set, so the OS environment wins.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Local overrides, gitignored
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Supported remote backends
const (
	BackendCloudinary = "cloudinary"
	BackendS3         = "s3"
)

// Config captures environment-driven settings for the media service.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // PostgreSQL connection string; empty selects the in-memory store
	NATSURL     string // NATS server URL; empty disables events
	Backend     string // Remote backend: cloudinary or s3

	CloudinaryCloudName string
	CloudinaryAPIKey    string
	CloudinaryAPISecret string

	S3Endpoint  string // S3-compatible storage endpoint
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3PublicURL string // Base URL for unsigned delivery

	JWTIssuer   string // Expected issuer for JWT validation
	JWTAudience string // Expected audience for JWT validation

	CollectionsFile string // Path to the YAML or JSON collections document
	MaxUploadSize   int64  // Maximum multipart upload size in bytes

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Default configuration values used when environment variables are not set
const (
	defaultPort            = "8080"
	defaultS3Region        = "us-east-1"
	defaultEnv             = "dev"
	defaultCollectionsFile = "collections.yaml"
	defaultMaxUploadSize   = 100 * 1024 * 1024
)

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:         getEnv("MEDIA_ENV", defaultEnv),
		Port:        getEnv("MEDIA_PORT", defaultPort),
		DatabaseDSN: os.Getenv("MEDIA_DB_DSN"),
		NATSURL:     os.Getenv("MEDIA_NATS_URL"),
		Backend:     strings.ToLower(getEnv("MEDIA_BACKEND", BackendCloudinary)),

		CloudinaryCloudName: os.Getenv("CLOUDINARY_CLOUD_NAME"),
		CloudinaryAPIKey:    os.Getenv("CLOUDINARY_API_KEY"),
		CloudinaryAPISecret: os.Getenv("CLOUDINARY_API_SECRET"),

		S3Endpoint:  os.Getenv("MEDIA_S3_ENDPOINT"),
		S3Region:    getEnv("MEDIA_S3_REGION", defaultS3Region),
		S3Bucket:    os.Getenv("MEDIA_S3_BUCKET"),
		S3AccessKey: os.Getenv("MEDIA_S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("MEDIA_S3_SECRET_KEY"),
		S3PublicURL: os.Getenv("MEDIA_S3_PUBLIC_URL"),

		JWTIssuer:   os.Getenv("MEDIA_JWT_ISSUER"),
		JWTAudience: os.Getenv("MEDIA_JWT_AUDIENCE"),

		CollectionsFile: CollectionsFile(),
		MaxUploadSize:   defaultMaxUploadSize,
	}

	if v, exists := os.LookupEnv("MEDIA_MAX_UPLOAD_SIZE"); exists {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil || size <= 0 {
			return cfg, fmt.Errorf("MEDIA_MAX_UPLOAD_SIZE must be a positive integer, got %q", v)
		}
		cfg.MaxUploadSize = size
	}

	if corsOrigins, exists := os.LookupEnv("MEDIA_CORS_ALLOWED_ORIGINS"); exists {
		for _, origin := range strings.Split(corsOrigins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, origin)
			}
		}
	}

	if cfg.Backend != BackendCloudinary && cfg.Backend != BackendS3 {
		return cfg, fmt.Errorf("MEDIA_BACKEND must be %q or %q, got %q", BackendCloudinary, BackendS3, cfg.Backend)
	}
	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("MEDIA_JWT_ISSUER is required")
	}
	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("MEDIA_JWT_AUDIENCE is required")
	}

	return cfg, nil
}

// CollectionsFile returns the collections document path from MEDIA_COLLECTIONS_FILE.
func CollectionsFile() string {
	return getEnv("MEDIA_COLLECTIONS_FILE", defaultCollectionsFile)
}

// ErrNoCollectionsFile is returned when the collections document does not exist.
var ErrNoCollectionsFile = errors.New("collections file not found")

// LoadCollections reads the collections document at path and returns its
// collections block, keyed by slug, in raw form.
func LoadCollections(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoCollectionsFile, path)
		}
		return nil, fmt.Errorf("read collections file: %w", err)
	}
	return ParseCollections(data)
}

// ParseCollections decodes a YAML or JSON collections document and validates
// it. JSON is accepted because it is a subset of YAML.
func ParseCollections(data []byte) (map[string]any, error) {
	var doc map[string]any
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse collections file: %w", err)
	}

	v, err := schema.NewValidator()
	if err != nil {
		return nil, err
	}
	if err := v.Validate(doc); err != nil {
		return nil, fmt.Errorf("collections file: %w", err)
	}

	collections, _ := doc["collections"].(map[string]any)
	return collections, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}
