package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's YAML configuration file.
//
//	peer_id: 0
//	peers:
//	  - tcp://10.0.0.1:7100
//	  - tcp://10.0.0.2:7100
//	  - tcp://10.0.0.3:7100
//	timeout: 200ms
//	data_dir: /var/lib/consent
//	log_level: info
type Config struct {
	PeerID    int           `yaml:"peer_id"`
	Peers     []string      `yaml:"peers"`
	Multicast []string      `yaml:"multicast"`
	Timeout   time.Duration `yaml:"timeout"`
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	// Backfill is how often the daemon asks for missing entries. Zero
	// means ten message timeouts.
	Backfill time.Duration `yaml:"backfill"`
}

var errConfig = errors.New("invalid config")

// Load reads and validates the file at path. Unknown keys are errors.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Config, error) {
	cfg := &Config{LogLevel: "info"}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", errConfig, err)
	}
	if cfg.Backfill == 0 {
		cfg.Backfill = 10 * cfg.Timeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case len(c.Peers) < 3:
		return fmt.Errorf("%w: %d peers, need at least 3", errConfig, len(c.Peers))
	case c.PeerID < 0 || c.PeerID >= len(c.Peers):
		return fmt.Errorf("%w: peer_id %d outside [0, %d)", errConfig, c.PeerID, len(c.Peers))
	case c.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive", errConfig)
	case c.Backfill < 0:
		return fmt.Errorf("%w: backfill must not be negative", errConfig)
	case c.DataDir == "":
		return fmt.Errorf("%w: no data_dir", errConfig)
	}
	for i, ep := range c.Peers {
		if ep == "" {
			return fmt.Errorf("%w: peer %d has no endpoint", errConfig, i)
		}
	}
	return nil
}

// DBPath is where this peer keeps its acceptor state.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, fmt.Sprintf("peer-%d.db", c.PeerID))
}
