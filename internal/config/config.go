// Package config loads the TOML configuration of a realm binary.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// PeerConfig configures one peer process.
type PeerConfig struct {
	SecretKey     string         `toml:"secret_key"`
	SecretKeyFile string         `toml:"secret_key_file"`
	PubPort       uint16         `toml:"pub_port"`
	ProxyPort     uint16         `toml:"proxy_port"`
	RetainLast    bool           `toml:"retain_last_value"`
	Whitelist     []string       `toml:"whitelist"`
	Ehyphae       []EhyphaConfig `toml:"ehyphae"`
	Emit          EmitConfig     `toml:"emit"`
}

// EhyphaConfig describes one remote peer to subscribe to.
type EhyphaConfig struct {
	Pubkey string   `toml:"pubkey"`
	Host   string   `toml:"host"`
	Port   uint16   `toml:"port"`
	Titles []string `toml:"titles"`
}

// EmitConfig describes the periodic demo emission of the peer binary.
type EmitConfig struct {
	Title      string `toml:"title"`
	IntervalMS int    `toml:"interval_ms"`
}

// LoadPeerConfig reads, defaults and validates a peer configuration.
func LoadPeerConfig(path string) (PeerConfig, error) {
	var cfg PeerConfig
	if err := loadToml(path, &cfg); err != nil {
		return PeerConfig{}, err
	}
	if cfg.Emit.IntervalMS == 0 {
		cfg.Emit.IntervalMS = 1000
	}
	if err := ValidatePeerConfig(cfg); err != nil {
		return PeerConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

// ValidatePeerConfig rejects configurations that cannot name a peer.
func ValidatePeerConfig(cfg PeerConfig) error {
	if strings.TrimSpace(cfg.SecretKey) == "" && strings.TrimSpace(cfg.SecretKeyFile) == "" {
		return fmt.Errorf("peer config missing secret_key or secret_key_file")
	}
	if strings.TrimSpace(cfg.SecretKey) != "" && strings.TrimSpace(cfg.SecretKeyFile) != "" {
		return fmt.Errorf("peer config sets both secret_key and secret_key_file")
	}
	for i, eh := range cfg.Ehyphae {
		if strings.TrimSpace(eh.Pubkey) == "" {
			return fmt.Errorf("ehypha[%d] missing pubkey", i)
		}
		if strings.TrimSpace(eh.Host) == "" {
			return fmt.Errorf("ehypha[%d] missing host", i)
		}
		if eh.Port == 0 {
			return fmt.Errorf("ehypha[%d] missing port", i)
		}
	}
	return nil
}

// ResolveSecretKey returns the secret key, reading the key file when
// one is configured.
func ResolveSecretKey(cfg PeerConfig) (string, error) {
	if cfg.SecretKeyFile == "" {
		return cfg.SecretKey, nil
	}
	data, err := os.ReadFile(cfg.SecretKeyFile)
	if err != nil {
		return "", fmt.Errorf("secret key file (%s): %w", cfg.SecretKeyFile, err)
	}
	return strings.TrimSpace(string(data)), nil
}
