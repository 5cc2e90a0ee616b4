package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration. Values resolve in three layers:
// built-in defaults, then the YAML file, then CRMBRIDGE_* environment
// variables. The struct is built once at startup and never mutated after.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	CRM     CRMConfig     `yaml:"crm"`
	Webhook WebhookConfig `yaml:"webhook"`
	Storage StorageConfig `yaml:"storage"`
	Sync    SyncConfig    `yaml:"sync"`

	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

type CRMConfig struct {
	BaseURL     string `yaml:"base_url"`
	AccessToken string `yaml:"access_token"`
}

type WebhookConfig struct {
	Secret  string        `yaml:"secret"`
	MaxSkew time.Duration `yaml:"max_skew"`
}

// StorageConfig selects where entity state and queued sync tasks live.
// Profile picks a preset; DSN-style fields override individual pieces.
//
//	memory         everything in process, lost on exit
//	durable-local  JSON state file plus file-backed queues under DataDir
//	sqlite         SQLite state file under DataDir, in-memory queues
//	production     Postgres state and queues, DSN required
type StorageConfig struct {
	Profile  string `yaml:"profile"`
	DSN      string `yaml:"dsn"`
	DataDir  string `yaml:"data_dir"`
	QueueDSN string `yaml:"queue_dsn"`
}

type SyncConfig struct {
	OutboundWorkers int `yaml:"outbound_workers"`
	InboundWorkers  int `yaml:"inbound_workers"`
	QueueSize       int `yaml:"queue_size"`
}

func Default() Config {
	return Config{
		ListenAddr: ":8080",
		CRM: CRMConfig{
			BaseURL: "https://api.hubapi.com",
		},
		Webhook: WebhookConfig{
			MaxSkew: 5 * time.Minute,
		},
		Storage: StorageConfig{
			Profile: "memory",
			DataDir: "./data",
		},
		Sync: SyncConfig{
			OutboundWorkers: 2,
			InboundWorkers:  2,
			QueueSize:       1024,
		},
		MaxBodyBytes: 1 << 20,
	}
}

// Load reads the config file at path, or only defaults and environment when
// path is empty. A missing file at an explicit path is an error; silently
// running with defaults in that case hides typos.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CRMBRIDGE_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("CRMBRIDGE_CRM_BASE_URL"); v != "" {
		cfg.CRM.BaseURL = v
	}
	if v := os.Getenv("CRMBRIDGE_CRM_ACCESS_TOKEN"); v != "" {
		cfg.CRM.AccessToken = v
	}
	if v := os.Getenv("CRMBRIDGE_WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv("CRMBRIDGE_STORAGE_PROFILE"); v != "" {
		cfg.Storage.Profile = v
	}
	if v := os.Getenv("CRMBRIDGE_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("CRMBRIDGE_STORAGE_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("CRMBRIDGE_STORAGE_QUEUE_DSN"); v != "" {
		cfg.Storage.QueueDSN = v
	}
	if v := os.Getenv("CRMBRIDGE_SYNC_OUTBOUND_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sync.OutboundWorkers = n
		}
	}
	if v := os.Getenv("CRMBRIDGE_SYNC_INBOUND_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sync.InboundWorkers = n
		}
	}
	if v := os.Getenv("CRMBRIDGE_SYNC_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sync.QueueSize = n
		}
	}
}

func (c Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Storage.Profile)) {
	case "", "memory", "durable-local", "sqlite":
	case "production":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage profile %q requires storage.dsn", c.Storage.Profile)
		}
	default:
		return fmt.Errorf("unknown storage profile %q", c.Storage.Profile)
	}
	if c.Sync.QueueSize < 0 {
		return fmt.Errorf("sync.queue_size must not be negative")
	}
	return nil
}

// Warnings reports startup conditions worth logging that are not fatal. The
// service runs without CRM credentials; every outbound push just fails into
// the conflict queue until a token is configured.
func (c Config) Warnings() []string {
	var warnings []string
	if strings.TrimSpace(c.CRM.AccessToken) == "" {
		warnings = append(warnings, "crm.access_token is not set; outbound sync will fail until configured")
	}
	if strings.TrimSpace(c.Webhook.Secret) == "" {
		warnings = append(warnings, "webhook.secret is not set; all webhook deliveries will be rejected")
	}
	return warnings
}
