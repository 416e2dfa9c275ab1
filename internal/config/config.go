package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ServerAddress  string        `yaml:"server_address"`
	DatabaseURL    string        `yaml:"database_url"`
	JWTSecret      string        `yaml:"jwt_secret"`
	TokenTTL       time.Duration `yaml:"token_ttl"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	UploadDir      string        `yaml:"upload_dir"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	BusURL         string        `yaml:"bus_url"`
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`
	MetricsAddress string        `yaml:"metrics_address"`
}

// Defaults returns the configuration used when nothing is overridden.
// Relative paths are resolved against dir.
func Defaults(dir string) *Config {
	dataDir := filepath.Join(dir, "data")
	return &Config{
		ServerAddress:  ":8080",
		DatabaseURL:    "sqlite://" + filepath.Join(dataDir, "chat.db"),
		JWTSecret:      "your-secret-key",
		TokenTTL:       30 * 24 * time.Hour,
		AllowedOrigins: []string{"http://localhost:3000"},
		UploadDir:      filepath.Join(dataDir, "uploads"),
		MaxUploadBytes: 10 << 20,
		BusURL:         "local",
		LogLevel:       "info",
		LogFormat:      "console",
	}
}

// Load builds the configuration from defaults, an optional YAML file, a .env
// file in the working directory and finally the process environment. Later
// sources win.
func Load(path string) (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg := Defaults(cwd)

	if path == "" {
		path = os.Getenv("CHAT_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.ServerAddress = getEnv("SERVER_ADDRESS", c.ServerAddress)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.UploadDir = getEnv("UPLOAD_DIR", c.UploadDir)
	c.BusURL = getEnv("BUS_URL", c.BusURL)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.MetricsAddress = getEnv("METRICS_ADDRESS", c.MetricsAddress)

	if origins, ok := os.LookupEnv("ALLOWED_ORIGINS"); ok {
		c.AllowedOrigins = splitList(origins)
	}
	if ttl, ok := os.LookupEnv("TOKEN_TTL"); ok {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return fmt.Errorf("invalid TOKEN_TTL: %w", err)
		}
		c.TokenTTL = d
	}
	if size, ok := os.LookupEnv("MAX_UPLOAD_BYTES"); ok {
		n, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MAX_UPLOAD_BYTES: %w", err)
		}
		c.MaxUploadBytes = n
	}
	return nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("jwt secret must not be empty")
	}
	if c.TokenTTL <= 0 {
		return errors.New("token ttl must be positive")
	}
	if _, _, err := c.Database(); err != nil {
		return err
	}
	return nil
}

// Database splits DatabaseURL into a driver dialect and its data source.
// sqlite URLs yield a filesystem path made absolute against the working
// directory; postgres URLs are passed through unchanged.
func (c *Config) Database() (dialect, dsn string, err error) {
	switch {
	case strings.HasPrefix(c.DatabaseURL, "sqlite://"):
		return "sqlite", c.CleanDatabasePath(), nil
	case strings.HasPrefix(c.DatabaseURL, "postgres://"), strings.HasPrefix(c.DatabaseURL, "postgresql://"):
		return "postgres", c.DatabaseURL, nil
	case !strings.Contains(c.DatabaseURL, "://") && c.DatabaseURL != "":
		return "sqlite", c.CleanDatabasePath(), nil
	}
	return "", "", fmt.Errorf("unsupported database url %q", c.DatabaseURL)
}

// CleanDatabasePath returns a clean filesystem path from a sqlite database URL
func (c *Config) CleanDatabasePath() string {
	dbPath := strings.TrimPrefix(c.DatabaseURL, "sqlite://")
	if !filepath.IsAbs(dbPath) {
		if cwd, err := os.Getwd(); err == nil {
			dbPath = filepath.Join(cwd, dbPath)
		}
	}
	return filepath.Clean(dbPath)
}

// UpdateDatabasePath updates the database path, maintaining the sqlite:// prefix if it was present
func (c *Config) UpdateDatabasePath(newPath string) {
	if strings.HasPrefix(c.DatabaseURL, "sqlite://") {
		c.DatabaseURL = "sqlite://" + newPath
	} else {
		c.DatabaseURL = newPath
	}
}

// String masks the signing secret so the config can be logged.
func (c Config) String() string {
	type plain Config
	c.JWTSecret = "******"
	return fmt.Sprintf("%+v", plain(c))
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
