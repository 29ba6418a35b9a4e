package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	// TorrentClient selects the daemon driver: qbittorrent or deluge.
	TorrentClient string `envconfig:"TORRENT_CLIENT" default:"qbittorrent"`
	// CloudProvider selects the uploader: gdrive, putio or s3.
	CloudProvider string `envconfig:"CLOUD_PROVIDER" default:"gdrive"`
	// LinkServiceURL, when set, exchanges file ids for direct links.
	LinkServiceURL string `envconfig:"LINK_SERVICE_URL"`

	DownloadDir     string        `envconfig:"DOWNLOAD_DIR" required:"true"`
	MaxActive       int           `envconfig:"MAX_ACTIVE" default:"5"`
	UserQuota       int           `envconfig:"USER_QUOTA" default:"5"`
	MaxPayloadSize  int64         `envconfig:"MAX_PAYLOAD_SIZE" default:"12884901888"`
	PollInterval    time.Duration `envconfig:"POLL_INTERVAL" default:"10s"`
	StallTimeout    time.Duration `envconfig:"STALL_TIMEOUT" default:"5m"`
	StallCeiling    time.Duration `envconfig:"STALL_CEILING" default:"24h"`
	ReconcilePolicy string        `envconfig:"RECONCILE_POLICY" default:"fail"`

	KeepDownloadedFor time.Duration `envconfig:"KEEP_DOWNLOADED_FOR" default:"24h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`

	// StoreDriver selects the job store: sqlite or mongo.
	StoreDriver string `envconfig:"STORE_DRIVER" default:"sqlite"`
	DBPath      string `envconfig:"DB_PATH" default:"jobs.db"`
	MongoURI    string `envconfig:"MONGO_URI"`
	MongoDB     string `envconfig:"MONGO_DB" default:"magnetdrive"`

	Qbittorrent struct {
		URL      string `split_words:"true" default:"http://localhost:8080"`
		Username string `split_words:"true" default:"admin"`
		Password string `split_words:"true"`
		Insecure bool   `split_words:"true"`
	}

	Deluge struct {
		BaseURL    string `split_words:"true"`
		APIURLPath string `envconfig:"DELUGE_API_URL_PATH" default:"/json"`
		Password   string `split_words:"true"`
		Insecure   bool   `split_words:"true"`
	}

	Daemon struct {
		ConnectTimeout time.Duration `split_words:"true" default:"2m"`
		MaxFailures    uint32        `split_words:"true" default:"5"`
		OpenTimeout    time.Duration `split_words:"true" default:"30s"`
	}

	Drive struct {
		CredentialsFile string `split_words:"true"`
		ClientID        string `split_words:"true"`
		ClientSecret    string `split_words:"true"`
		RefreshToken    string `split_words:"true"`
		FolderID        string `split_words:"true"`
	}

	Putio struct {
		Token  string `split_words:"true"`
		Folder string `split_words:"true" default:"magnetdrive"`
	}

	S3 struct {
		Bucket         string        `split_words:"true"`
		Prefix         string        `split_words:"true"`
		Region         string        `split_words:"true"`
		Endpoint       string        `split_words:"true"`
		ForcePathStyle bool          `split_words:"true"`
		LinkExpiry     time.Duration `split_words:"true" default:"168h"`
	}

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"magnetdrive"`
		ServiceVersion string `split_words:"true" default:"dev"`
		OTLPEndpoint   string `envconfig:"TELEMETRY_OTLP_ENDPOINT"`
		OTLPInsecure   bool   `envconfig:"TELEMETRY_OTLP_INSECURE"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DownloadDir == "" {
		return fmt.Errorf("DOWNLOAD_DIR is required")
	}

	switch c.TorrentClient {
	case "qbittorrent", "deluge":
	default:
		return fmt.Errorf("invalid torrent client: %s", c.TorrentClient)
	}

	switch c.CloudProvider {
	case "gdrive", "putio", "s3":
	default:
		return fmt.Errorf("invalid cloud provider: %s", c.CloudProvider)
	}

	switch c.StoreDriver {
	case "sqlite":
	case "mongo":
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required for the mongo store")
		}
	default:
		return fmt.Errorf("invalid store driver: %s", c.StoreDriver)
	}

	if c.MaxActive < 1 {
		return fmt.Errorf("MAX_ACTIVE must be at least 1")
	}

	if c.UserQuota < 1 {
		return fmt.Errorf("USER_QUOTA must be at least 1")
	}

	for name, d := range map[string]time.Duration{
		"POLL_INTERVAL":       c.PollInterval,
		"STALL_TIMEOUT":       c.StallTimeout,
		"STALL_CEILING":       c.StallCeiling,
		"KEEP_DOWNLOADED_FOR": c.KeepDownloadedFor,
		"CLEANUP_INTERVAL":    c.CleanupInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
