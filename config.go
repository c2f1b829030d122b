package main

import (
	"encoding/base64"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SSHFORWARD"

// Settings are read from SSHFORWARD_* environment variables.
type Settings struct {
	ReadyTimeout      time.Duration `envconfig:"READY_TIMEOUT" default:"30s"`
	KeepaliveInterval time.Duration `envconfig:"KEEPALIVE_INTERVAL" default:"10s"`
	KeepaliveCountMax int           `envconfig:"KEEPALIVE_COUNT_MAX" default:"3"`
	StatsInterval     time.Duration `envconfig:"STATS_INTERVAL" default:"1s"`

	ListenAddr   string `envconfig:"LISTEN_ADDR" default:""`
	Proxy        string `envconfig:"PROXY" default:""`
	HostKeyCheck bool   `envconfig:"HOST_KEY_CHECK" default:"false"`
	KnownHosts   string `envconfig:"KNOWN_HOSTS" default:""`
}

func loadSettings() (Settings, error) {
	var s Settings
	if err := envconfig.Process(envPrefix, &s); err != nil {
		return Settings{}, errors.Wrap(err, "failed to load settings")
	}
	return s, nil
}

func (s Settings) transportOptions() TransportOptions {
	return TransportOptions{
		ReadyTimeout:      s.ReadyTimeout,
		KeepaliveInterval: s.KeepaliveInterval,
		KeepaliveCountMax: s.KeepaliveCountMax,
	}
}

// lookupSecret returns the value of the environment variable name. A
// base64 encoded name+".enc" variable takes precedence, as in secrets.env.
func lookupSecret(name string) (string, error) {
	if name == "" {
		return "", nil
	}
	if enc := os.Getenv(name + ".enc"); enc != "" {
		decoded, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return "", errors.Wrapf(err, "decoding %s.enc", name)
		}
		return string(decoded), nil
	}
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", errors.Errorf("secret %s is not set", name)
	}
	return value, nil
}

// tunnelEntry is one tunnel in the tunnels file. Secrets are never written
// inline; they name environment variables or a key file instead.
type tunnelEntry struct {
	TunnelConfig `yaml:",inline"`

	PasswordEnv    string `yaml:"passwordEnv"`
	PrivateKeyEnv  string `yaml:"privateKeyEnv"`
	PrivateKeyFile string `yaml:"privateKeyFile"`
	PassphraseEnv  string `yaml:"passphraseEnv"`
}

type tunnelsFile struct {
	// Defaults fills the SSH fields that an entry leaves empty.
	Defaults tunnelEntry   `yaml:"defaults"`
	Tunnels  []tunnelEntry `yaml:"tunnels"`
}

func (e tunnelEntry) withDefaults(d tunnelEntry) tunnelEntry {
	if e.SSHHost == "" {
		e.SSHHost = d.SSHHost
	}
	if e.SSHPort == 0 {
		e.SSHPort = d.SSHPort
	}
	if e.SSHUsername == "" {
		e.SSHUsername = d.SSHUsername
	}
	if e.PasswordEnv == "" && e.PrivateKeyEnv == "" && e.PrivateKeyFile == "" {
		e.PasswordEnv = d.PasswordEnv
		e.PrivateKeyEnv = d.PrivateKeyEnv
		e.PrivateKeyFile = d.PrivateKeyFile
	}
	if e.PassphraseEnv == "" {
		e.PassphraseEnv = d.PassphraseEnv
	}
	return e
}

func (e tunnelEntry) resolve() (TunnelConfig, error) {
	cfg := e.TunnelConfig
	if strings.TrimSpace(cfg.ID) == "" {
		cfg.ID = uuid.NewString()
	}

	var err error
	if cfg.SSHPassword, err = lookupSecret(e.PasswordEnv); err != nil {
		return cfg, errors.Wrapf(err, "tunnel %s", cfg.ID)
	}
	if cfg.SSHPrivateKey, err = lookupSecret(e.PrivateKeyEnv); err != nil {
		return cfg, errors.Wrapf(err, "tunnel %s", cfg.ID)
	}
	if cfg.SSHPrivateKey == "" && e.PrivateKeyFile != "" {
		key, err := os.ReadFile(e.PrivateKeyFile)
		if err != nil {
			return cfg, errors.Wrapf(err, "tunnel %s: reading private key", cfg.ID)
		}
		cfg.SSHPrivateKey = string(key)
	}
	if cfg.SSHPassphrase, err = lookupSecret(e.PassphraseEnv); err != nil {
		return cfg, errors.Wrapf(err, "tunnel %s", cfg.ID)
	}
	return cfg, nil
}

// parseTunnels decodes a tunnels file and resolves every entry's secrets.
func parseTunnels(data []byte) ([]TunnelConfig, error) {
	var f tunnelsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parsing tunnels file")
	}
	configs := make([]TunnelConfig, 0, len(f.Tunnels))
	for _, entry := range f.Tunnels {
		cfg, err := entry.withDefaults(f.Defaults).resolve()
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

func loadTunnelsFile(path string) ([]TunnelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading tunnels file")
	}
	return parseTunnels(data)
}
