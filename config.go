package querycache

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/imdario/mergo"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// fileConfig is the on-disk shape of a Client's default options, in either
// YAML or TOML. NetworkMode is read as a lowercase string so the file
// format never has to know about the Go enum's integer encoding.
type fileConfig struct {
	DefaultStaleTime     string `yaml:"default_stale_time" toml:"default_stale_time"`
	DefaultRetry         int    `yaml:"default_retry" toml:"default_retry"`
	DefaultMaxRetryDelay string `yaml:"default_max_retry_delay" toml:"default_max_retry_delay"`
	DefaultNetworkMode   string `yaml:"default_network_mode" toml:"default_network_mode"`
}

func (f fileConfig) toClientConfig() (ClientConfig, error) {
	var cfg ClientConfig
	var err error
	if f.DefaultStaleTime != "" {
		if cfg.DefaultStaleTime, err = time.ParseDuration(f.DefaultStaleTime); err != nil {
			return cfg, errors.Wrap(err, "querycache: parsing default_stale_time")
		}
	}
	if f.DefaultMaxRetryDelay != "" {
		if cfg.DefaultMaxRetryDelay, err = time.ParseDuration(f.DefaultMaxRetryDelay); err != nil {
			return cfg, errors.Wrap(err, "querycache: parsing default_max_retry_delay")
		}
	}
	cfg.DefaultRetry = f.DefaultRetry
	switch strings.ToLower(f.DefaultNetworkMode) {
	case "", "online":
		cfg.DefaultNetworkMode = Online
	case "offline-first", "offlinefirst":
		cfg.DefaultNetworkMode = OfflineFirst
	case "always":
		cfg.DefaultNetworkMode = Always
	default:
		return cfg, errors.Errorf("querycache: unrecognized default_network_mode %q", f.DefaultNetworkMode)
	}
	return cfg, nil
}

// LoadConfig reads a Client's defaults from a YAML or TOML file (chosen by
// extension: .yml/.yaml or .toml) and merges them onto the existing
// config: every non-zero file value replaces the current field, while a
// field the file leaves empty or at its zero value (default_retry: 0,
// default_network_mode: online) keeps its current value — the same
// override-on-merge semantics the teacher's tfunc.mergeMap uses for its
// keypair trees.
func (c *Client) LoadConfig(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "querycache: reading config file")
	}

	var fc fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return errors.Wrap(err, "querycache: parsing yaml config")
		}
	case ".toml":
		if _, err := toml.Decode(string(raw), &fc); err != nil {
			return errors.Wrap(err, "querycache: parsing toml config")
		}
	default:
		return errors.Errorf("querycache: unrecognized config extension %q", ext)
	}

	parsed, err := fc.toClientConfig()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := mergo.Merge(&c.config, parsed, mergo.WithOverride); err != nil {
		return errors.Wrap(err, "querycache: merging config")
	}
	return nil
}

// applyDefaults fills the zero-valued fields of opts from the client's
// configured defaults with a plain mergo merge (no override, unlike
// LoadConfig), and sets Enabled to true, since a plain bool cannot tell
// "unset" from false. The default retry count is applied only when
// opts.Retry is nil, so an explicit pointer to 0 keeps its value.
func (c *Client) applyDefaults(opts QueryOptions) QueryOptions {
	c.mu.RLock()
	defaults := QueryOptions{
		StaleTime:     c.config.DefaultStaleTime,
		NetworkMode:   c.config.DefaultNetworkMode,
		MaxRetryDelay: c.config.DefaultMaxRetryDelay,
		Enabled:       true,
	}
	if c.config.DefaultRetry != 0 && opts.Retry == nil {
		retry := c.config.DefaultRetry
		defaults.Retry = &retry
	}
	c.mu.RUnlock()
	merged := opts
	_ = mergo.Merge(&merged, defaults)
	return merged
}
