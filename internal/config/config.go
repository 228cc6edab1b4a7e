package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	DBFile      string        `validate:"required"`
	AdminAddr   string        `validate:"required"`
	APIAddr     string        `validate:"required"`
	BaseURL     string        `validate:"required,url"`
	UploadsPath string        `validate:"required"`
	AuthSecret  string        `validate:"omitempty,base64"`
	TokenExpiry time.Duration `validate:"gt=0"`

	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=text json"`

	MaxContentLength   int   `validate:"gt=0"`
	MaxAttachments     int   `validate:"gt=0"`
	MaxUploadFiles     int   `validate:"gt=0"`
	MaxUploadFileSize  int64 `validate:"gt=0"`
	MaxUploadTotalSize int64 `validate:"gtefield=MaxUploadFileSize"`

	OutboundBuffer int     `validate:"gt=0"`
	RateLimit      float64 `validate:"gt=0"` // actions per second per connection
	RateBurst      int     `validate:"gt=0"`

	VAPIDPublicKey  string `validate:"required_with=VAPIDPrivateKey"`
	VAPIDPrivateKey string `validate:"required_with=VAPIDPublicKey"`
	VAPIDSubscriber string `validate:"required_with=VAPIDPublicKey"`
}

// Load reads the configuration from the environment, after loading an optional
// .env file from the working directory.
func Load(cliMode bool) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "24h"))
	if err != nil {
		return nil, fmt.Errorf("TOKEN_EXPIRY: %w", err)
	}

	cfg := &Config{
		DBFile:          getEnv("PARLEY_DB", "parley.db"),
		AdminAddr:       getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:         getEnv("API_ADDR", ":8080"),
		BaseURL:         getEnv("BASE_URL", "http://localhost:8080"),
		UploadsPath:     getEnv("UPLOADS_PATH", "uploads"),
		AuthSecret:      os.Getenv("AUTH_SECRET"),
		TokenExpiry:     tokenExpiry,
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogFormat:       getEnv("LOG_FORMAT", "text"),
		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubscriber: os.Getenv("VAPID_SUBSCRIBER"),
	}

	ints := []struct {
		key      string
		fallback int64
		dst      func(int64)
	}{
		{"MAX_CONTENT_LENGTH", 4000, func(v int64) { cfg.MaxContentLength = int(v) }},
		{"MAX_ATTACHMENTS", 10, func(v int64) { cfg.MaxAttachments = int(v) }},
		{"MAX_UPLOAD_FILES", 10, func(v int64) { cfg.MaxUploadFiles = int(v) }},
		{"MAX_UPLOAD_FILE_SIZE", 10 << 20, func(v int64) { cfg.MaxUploadFileSize = v }},
		{"MAX_UPLOAD_TOTAL_SIZE", 25 << 20, func(v int64) { cfg.MaxUploadTotalSize = v }},
		{"OUTBOUND_BUFFER", 100, func(v int64) { cfg.OutboundBuffer = int(v) }},
		{"RATE_BURST", 20, func(v int64) { cfg.RateBurst = int(v) }},
	}
	for _, i := range ints {
		v, err := getEnvInt(i.key, i.fallback)
		if err != nil {
			return nil, err
		}
		i.dst(v)
	}

	cfg.RateLimit, err = strconv.ParseFloat(getEnv("RATE_LIMIT", "5"), 64)
	if err != nil {
		return nil, fmt.Errorf("RATE_LIMIT: %w", err)
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

// PushEnabled reports whether web push notifications are configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int64) (int64, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}
