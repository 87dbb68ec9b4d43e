package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"batchsettle/crypto"

	"github.com/BurntSushi/toml"
)

// Config is the node-level engine configuration.
type Config struct {
	DataDir              string       `toml:"DataDir"`
	StorageBackend       string       `toml:"StorageBackend"`
	WorldSeedFile        string       `toml:"WorldSeedFile"`
	EVMEndpoint          string       `toml:"EVMEndpoint,omitempty"`
	RelayerKeystorePath  string       `toml:"RelayerKeystorePath"`
	RelayerPassphraseEnv string       `toml:"RelayerPassphraseEnv,omitempty"`
	Distribution         Distribution `toml:"distribution"`
	Pauses               Pauses       `toml:"pauses"`
	Quota                Quota        `toml:"quota"`
}

// Load loads the configuration from the given path. A missing file is
// created with defaults and a fresh relayer keystore.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s: unknown key %s", path, undecoded[0].String())
	}

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./batchsettle-data"
	}
	if strings.TrimSpace(cfg.StorageBackend) == "" {
		cfg.StorageBackend = "leveldb"
	}
	if strings.TrimSpace(cfg.Distribution.DomainName) == "" {
		cfg.Distribution.DomainName = "BatchSettle"
	}
	if strings.TrimSpace(cfg.Distribution.DomainVersion) == "" {
		cfg.Distribution.DomainVersion = "1"
	}
	if cfg.Distribution.ChainID == 0 {
		cfg.Distribution.ChainID = 1
	}
	if strings.TrimSpace(cfg.Distribution.Fee) == "" {
		cfg.Distribution.Fee = "0"
	}
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.RelayerKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.RelayerKeystorePath != keystorePath {
		cfg.RelayerKeystorePath = keystorePath
		return persist(configPath, cfg)
	}

	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}

	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:             "./batchsettle-data",
		StorageBackend:      "leveldb",
		RelayerKeystorePath: keystorePath,
		Distribution: Distribution{
			Fee:           "0",
			DomainName:    "BatchSettle",
			DomainVersion: "1",
			ChainID:       1,
		},
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "relayer.keystore")
}
