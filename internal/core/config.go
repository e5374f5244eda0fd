package core

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/unimigrate/internal/networks"
)

// Config is the unimigrate.yaml document plus secrets merged in from
// secrets.env and the environment.
type Config struct {
	ArtifactsDir     string                      `yaml:"artifacts_dir"`
	LedgerPath       string                      `yaml:"ledger_path"`
	Plan             string                      `yaml:"plan"`
	TxTimeoutSeconds int                         `yaml:"tx_timeout_seconds"`
	PollSeconds      int                         `yaml:"poll_interval_seconds"`
	Networks         map[string]networks.Network `yaml:"networks"`
	Compiler         CompilerConfig              `yaml:"compiler"`
	Verify           VerifyConfig                `yaml:"verify"`
	Wallet           WalletConfig                `yaml:"wallet"`
	Telemetry        TelemetryConfig             `yaml:"telemetry"`

	Mnemonic        string `yaml:"-"`
	APIKey          string `yaml:"-"`
	EtherscanAPIKey string `yaml:"-"`

	// Source is the file the config was read from, empty for built-in defaults.
	Source string `yaml:"-"`
}

type CompilerConfig struct {
	Version       string `yaml:"version"`
	Optimizer     bool   `yaml:"optimizer"`
	OptimizerRuns int    `yaml:"runs"`
}

type VerifyConfig struct {
	Preamble string `yaml:"preamble"`
}

// WalletConfig selects the deploying account. KeyFile wins over the mnemonic.
type WalletConfig struct {
	HDPath  string `yaml:"hd_path"`
	Index   uint32 `yaml:"index"`
	KeyFile string `yaml:"key_file"`
}

type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ConfigError reports configuration that cannot be used. It is always
// raised before anything is sent to a network.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config %s: %v", e.Field, e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

const (
	DefaultConfigFile = "unimigrate.yaml"
	appDir            = "unimigrate"
)

// DefaultConfig mirrors the network table and compiler settings the contracts shipped with.
func DefaultConfig() Config {
	return Config{
		ArtifactsDir:     filepath.Join("build", "contracts"),
		LedgerPath:       filepath.Join(".unimigrate", "ledger.db"),
		Plan:             PlanV2,
		TxTimeoutSeconds: 750,
		PollSeconds:      2,
		Networks:         networks.Defaults(),
		Compiler:         CompilerConfig{Version: "0.8.2", Optimizer: true, OptimizerRuns: 200},
		Verify:           VerifyConfig{Preamble: "UniLend Finance V2 Contract"},
		Telemetry:        TelemetryConfig{Enabled: true},
	}
}

// configDir is $XDG_CONFIG_HOME/unimigrate or ~/.config/unimigrate.
func configDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, appDir)
}

// LoadConfig reads YAML configuration from path. If path is empty it tries
// ./unimigrate.yaml then $XDG_CONFIG_HOME/unimigrate/config.yaml, and falls
// back to the built-in defaults when neither exists.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	cfg.Networks = nil

	candidates := []string{path}
	if path == "" {
		candidates = []string{DefaultConfigFile, filepath.Join(configDir(), "config.yaml")}
	}
	for _, p := range candidates {
		content, err := os.ReadFile(p)
		if err != nil {
			if path == "" && errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return cfg, fmt.Errorf("open config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", p, err)
		}
		cfg.Source = p
		break
	}

	// Networks named in the file replace the defaults wholesale so a
	// project can drop ones it never targets.
	if cfg.Networks == nil {
		cfg.Networks = networks.Defaults()
	}
	for name, n := range cfg.Networks {
		n.Name = name
		cfg.Networks[name] = n
	}

	// Merge secrets from secrets.env if present to avoid storing keys in YAML
	secrets, err := LoadSecretsEnv("")
	if err != nil {
		return cfg, err
	}
	for _, k := range []string{"MNEMONIC", "API_KEY", "ETHERSCAN_API_KEY"} {
		if v := os.Getenv(k); v != "" {
			secrets[k] = v
		}
	}
	cfg.Mnemonic = secrets["MNEMONIC"]
	cfg.APIKey = secrets["API_KEY"]
	cfg.EtherscanAPIKey = secrets["ETHERSCAN_API_KEY"]

	return cfg, cfg.Validate()
}

// Validate checks everything that can be checked without a network.
func (c Config) Validate() error {
	if _, err := LookupPlan(c.Plan); err != nil {
		return &ConfigError{Field: "plan", Err: err}
	}
	if c.ArtifactsDir == "" {
		return &ConfigError{Field: "artifacts_dir", Err: errors.New("must not be empty")}
	}
	if c.TxTimeoutSeconds < 0 {
		return &ConfigError{Field: "tx_timeout_seconds", Err: errors.New("must not be negative")}
	}
	if len(c.Networks) == 0 {
		return &ConfigError{Field: "networks", Err: errors.New("no networks configured")}
	}
	for _, n := range c.Networks {
		if err := networks.Validate(n); err != nil {
			return err
		}
	}
	return nil
}

// Registry builds the network registry from the configured table.
func (c Config) Registry() *networks.Registry {
	r := networks.NewRegistry()
	for _, n := range c.Networks {
		r.Register(n)
	}
	return r
}

// WriteDefaultConfig writes the built-in defaults to path, refusing to
// overwrite an existing file.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	out, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(path, out, 0o644)
}
