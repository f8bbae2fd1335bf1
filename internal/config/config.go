package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the on-disk configuration of the will CLI and server.
type Config struct {
	// Identity is the caller address used by CLI commands. WILL_IDENTITY
	// overrides it.
	Identity   string           `toml:"identity"`
	HostID     string           `toml:"host_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	Vaults     []VaultConfig    `toml:"vaults"`
	Encryption EncryptionConfig `toml:"encryption"`
	Database   DatabaseConfig   `toml:"database"`
	Engine     EngineConfig     `toml:"engine"`
	Server     ServerConfig     `toml:"server"`
}

// EncryptionConfig holds the age key pair used to seal will documents.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
	// Recipients are extra age public keys (e.g. the executor's) that can
	// also open sealed documents.
	Recipients []string `toml:"recipients,omitempty"`
}

// VaultConfig is a tagged union; Type selects which fields apply.
type VaultConfig struct {
	Type string `toml:"type"` // "memory", "s3" or "filesystem"
	Name string `toml:"name"`

	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"` // S3-compatible stores such as MinIO

	FSVaultRoot string `toml:"fs_vault_root,omitempty"`
}

// DatabaseConfig is a tagged union; Type selects which fields apply.
type DatabaseConfig struct {
	Type    string `toml:"type"` // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"`
}

// EngineConfig describes the execution engine's ledger identity and the
// settings used by `will engine init`.
type EngineConfig struct {
	Address      string `toml:"address"`
	FeeBps       uint16 `toml:"fee_bps"`
	FeeRecipient string `toml:"fee_recipient"`
}

// ServerConfig configures `will serve`.
type ServerConfig struct {
	ListenAddr    string   `toml:"listen_addr"`
	JWTSecretPath string   `toml:"jwt_secret_path"`
	TokenTTL      Duration `toml:"token_ttl"`
}

// Duration is a time.Duration encoded as a Go duration string in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Defaults applied by NewConfig.
const (
	DefaultListenAddr = "127.0.0.1:8645"
	DefaultTokenTTL   = 24 * time.Hour
	DefaultEngineAddr = "0x00000000000000000000000000000000000e4e1e"
)

// NewConfig creates a Config rooted at baseDir with default paths.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:  hostID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(baseDir, "keys", "will.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "will.key"),
		},
		Database: DatabaseConfig{Type: "sqlite", DataDir: filepath.Join(baseDir, "db")},
		Engine:   EngineConfig{Address: DefaultEngineAddr},
		Server: ServerConfig{
			ListenAddr:    DefaultListenAddr,
			JWTSecretPath: filepath.Join(baseDir, "keys", "jwt.secret"),
			TokenTTL:      Duration{DefaultTokenTTL},
		},
	}
}

// Validate reports configuration that cannot work at all.
func (c *Config) Validate() error {
	if c.HostID == "" {
		return fmt.Errorf("host_id is required")
	}
	if len(c.Vaults) == 0 {
		return fmt.Errorf("no vaults configured")
	}
	for i, v := range c.Vaults {
		switch v.Type {
		case "memory":
		case "filesystem":
			if v.FSVaultRoot == "" {
				return fmt.Errorf("vaults[%d]: fs_vault_root is required", i)
			}
		case "s3":
			if v.S3Bucket == "" {
				return fmt.Errorf("vaults[%d]: s3_bucket is required", i)
			}
		default:
			return fmt.Errorf("vaults[%d]: unknown type %q", i, v.Type)
		}
	}
	if c.Engine.Address == "" {
		return fmt.Errorf("engine.address is required")
	}
	if c.Engine.FeeBps > 500 {
		return fmt.Errorf("engine.fee_bps %d exceeds 500", c.Engine.FeeBps)
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from r.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes cfg to w.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	cfg, err := (&Manager{}).Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := (&Manager{}).Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init writes cfg to path. It refuses to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
