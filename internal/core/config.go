package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/fleetfs/internal/events"
	"github.com/3cpo-dev/fleetfs/internal/health"
	"github.com/3cpo-dev/fleetfs/internal/lock"
	"github.com/3cpo-dev/fleetfs/internal/orchestrator"
	"github.com/3cpo-dev/fleetfs/internal/reconcile"
	"github.com/3cpo-dev/fleetfs/internal/registry"
	"github.com/3cpo-dev/fleetfs/internal/scheduler"
	"github.com/3cpo-dev/fleetfs/internal/store"
)

// Config is the node configuration. Zero fields take the defaults below.
type Config struct {
	DataDir      string              `yaml:"data_dir"`
	Workers      []registry.Worker   `yaml:"workers"`
	Scheduler    SchedulerConfig     `yaml:"scheduler"`
	Orchestrator orchestrator.Config `yaml:"orchestrator"`
	Health       health.Config       `yaml:"health"`
	Lock         LockConfig          `yaml:"lock"`
	Chunk        ChunkConfig         `yaml:"chunk"`
	Reconcile    ReconcileConfig     `yaml:"reconcile"`
	Stores       StoresConfig        `yaml:"stores"`
	SSH          SSHConfig           `yaml:"ssh"`
	S3           S3Config            `yaml:"s3"`
	Events       EventsConfig        `yaml:"events"`
	Monitoring   MonitoringConfig    `yaml:"monitoring"`
	Session      SessionConfig       `yaml:"session"`

	// generated is set when the worker list was filled in by defaults.
	generated bool
}

type SchedulerConfig struct {
	Policy string `yaml:"policy"`
}

type LockConfig struct {
	Dir  string        `yaml:"dir"`
	Wait time.Duration `yaml:"wait"`
}

type ChunkConfig struct {
	Size int `yaml:"size"`
}

type ReconcileConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type StoresConfig struct {
	Primary StoreConfig `yaml:"primary"`
	// Replica is optional; reconciliation runs only when it has a DSN.
	Replica StoreConfig `yaml:"replica"`
}

type SSHConfig struct {
	KeyPath    string        `yaml:"key_path"`
	KnownHosts string        `yaml:"known_hosts"`
	User       string        `yaml:"user"`
	Timeout    time.Duration `yaml:"timeout"`
	AgentToken string        `yaml:"-"`
	// Agent TLS material for https agent URLs.
	AgentCA   string `yaml:"agent_ca,omitempty"`
	AgentCert string `yaml:"agent_cert,omitempty"`
	AgentKey  string `yaml:"agent_key,omitempty"`
}

type S3Config struct {
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"-"`
	SecretKey string `yaml:"-"`
}

type EventsConfig struct {
	Buffer int `yaml:"buffer"`
}

type MonitoringConfig struct {
	// Addr serves /health, /metrics and the control API. Empty disables it.
	Addr string `yaml:"addr"`
}

type SessionConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// ConfigDir is $XDG_CONFIG_HOME/fleetfs or ~/.config/fleetfs.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "fleetfs")
}

func defaultDataDir() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "fleetfs")
}

// LoadConfig reads YAML configuration from a path. If path is empty, it resolves
// $XDG_CONFIG_HOME/fleetfs/config.yaml or ~/.config/fleetfs/config.yaml, and a
// missing default file yields the default configuration.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	explicit := path != ""
	if !explicit {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case explicit || !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("open config: %w", err)
	}

	// Merge secrets from secrets.env if present to avoid storing credentials in YAML
	secrets, _ := LoadSecretsEnv(filepath.Join(filepath.Dir(path), "secrets.env"))
	cfg.applySecrets(secrets)
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

const (
	secretReplicaDSN = "FLEETFS_REPLICA_DSN"
	secretAgentToken = "FLEETFS_AGENT_TOKEN"
	secretAWSKey     = "AWS_ACCESS_KEY_ID"
	secretAWSSecret  = "AWS_SECRET_ACCESS_KEY"
)

func (c *Config) applySecrets(secrets map[string]string) {
	for _, k := range []string{secretReplicaDSN, secretAgentToken, secretAWSKey, secretAWSSecret} {
		if v := os.Getenv(k); v != "" {
			secrets[k] = v
		}
	}
	if v := secrets[secretReplicaDSN]; v != "" {
		c.Stores.Replica.DSN = v
	}
	if v := secrets[secretAgentToken]; v != "" {
		c.SSH.AgentToken = v
	}
	if v := secrets[secretAWSKey]; v != "" {
		c.S3.AccessKey = v
		c.S3.SecretKey = secrets[secretAWSSecret]
	}
}

// DefaultConfig is the configuration used without a config file: three disk
// workers under the data directory and a SQLite store.
func DefaultConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if len(c.Workers) == 0 {
		c.generated = true
		for _, n := range []string{"w1", "w2", "w3"} {
			c.Workers = append(c.Workers, registry.Worker{
				Name: n,
				Kind: registry.KindDisk,
				Root: filepath.Join(c.DataDir, "workers", n),
			})
		}
	}
	if c.Scheduler.Policy == "" {
		c.Scheduler.Policy = scheduler.RoundRobin.String()
	}
	if c.Lock.Dir == "" {
		c.Lock.Dir = filepath.Join(c.DataDir, "locks")
	}
	if c.Lock.Wait <= 0 {
		c.Lock.Wait = lock.DefaultWait
	}
	if c.Reconcile.Interval <= 0 {
		c.Reconcile.Interval = reconcile.DefaultInterval
	}
	if c.Stores.Primary.Driver == "" {
		c.Stores.Primary.Driver = string(store.DialectSQLite)
	}
	if c.Stores.Primary.DSN == "" {
		c.Stores.Primary.DSN = filepath.Join(c.DataDir, "fleetfs.db")
	}
	if c.Stores.Replica.DSN != "" && c.Stores.Replica.Driver == "" {
		c.Stores.Replica.Driver = string(store.DialectPostgres)
	}
	if c.SSH.KeyPath == "" {
		c.SSH.KeyPath = filepath.Join(ConfigDir(), "ssh", "id_ed25519")
	}
	if c.SSH.KnownHosts == "" {
		c.SSH.KnownHosts = filepath.Join(ConfigDir(), "known_hosts")
	}
	if c.SSH.User == "" {
		c.SSH.User = "fleetfs"
	}
	if c.SSH.Timeout <= 0 {
		c.SSH.Timeout = 15 * time.Second
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = events.DefaultBuffer
	}
	if c.Session.Timeout <= 0 {
		c.Session.Timeout = store.DefaultSessionTimeout
	}
	c.Orchestrator = c.Orchestrator.WithDefaults()
}

// Validate rejects configurations the node cannot start with.
func (c Config) Validate() error {
	if _, err := scheduler.ParsePolicy(c.Scheduler.Policy); err != nil {
		return err
	}
	if c.Chunk.Size < 0 {
		return fmt.Errorf("chunk.size must not be negative")
	}
	reg := registry.New()
	for _, w := range c.Workers {
		if err := reg.Register(w); err != nil {
			return err
		}
	}
	return nil
}

// WriteDefault writes the default configuration to path unless it exists.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	c := DefaultConfig()
	b, err := yaml.Marshal(&c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
