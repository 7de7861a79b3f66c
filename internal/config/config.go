package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// RestartPolicy defines when to restart payload units after sync
type RestartPolicy string

const (
	RestartNone    RestartPolicy = "none"
	RestartChanged RestartPolicy = "changed"
	RestartAlways  RestartPolicy = "always"
)

// DefaultDebounce is used when serve.debounce is empty.
const DefaultDebounce = 2 * time.Second

// Config represents the complete overlaysync configuration
type Config struct {
	InstallRoot string          `yaml:"install_root" toml:"install_root"`
	Overlays    []OverlayConfig `yaml:"overlays" toml:"overlays"`
	Sync        SyncConfig      `yaml:"sync" toml:"sync"`
	Restart     RestartConfig   `yaml:"restart" toml:"restart"`
	Serve       ServeConfig     `yaml:"serve" toml:"serve"`
}

// OverlayConfig identifies one overlay: where it comes from and where it is mounted
type OverlayConfig struct {
	URL            string `yaml:"url" toml:"url"`
	Path           string `yaml:"path" toml:"path"`
	PruneUntracked bool   `yaml:"prune_untracked" toml:"prune_untracked"`
}

// SyncConfig configures sync behavior
type SyncConfig struct {
	Concurrency  int  `yaml:"concurrency" toml:"concurrency"`
	StrictRepair bool `yaml:"strict_repair" toml:"strict_repair"`
}

// RestartConfig configures which systemd user units are restarted after sync
type RestartConfig struct {
	Policy RestartPolicy `yaml:"policy" toml:"policy"`
	Units  []string      `yaml:"units" toml:"units"`
}

// ServeConfig configures the long-running serve mode
type ServeConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr"`
	SecretFile string `yaml:"secret_file" toml:"secret_file"`
	Debounce   string `yaml:"debounce" toml:"debounce"`
	WatchDrift bool   `yaml:"watch_drift" toml:"watch_drift"`
}

// Load reads and parses the configuration file. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.InstallRoot = os.ExpandEnv(c.InstallRoot)
	for i := range c.Overlays {
		c.Overlays[i].URL = os.ExpandEnv(c.Overlays[i].URL)
		c.Overlays[i].Path = os.ExpandEnv(c.Overlays[i].Path)
	}
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.SecretFile = os.ExpandEnv(c.Serve.SecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	for i := range c.Overlays {
		if c.Overlays[i].Path == "" {
			c.Overlays[i].Path = "."
		}
	}
	if c.Restart.Policy == "" {
		if len(c.Restart.Units) > 0 {
			c.Restart.Policy = RestartChanged
		} else {
			c.Restart.Policy = RestartNone
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.InstallRoot == "" {
		return fmt.Errorf("install_root is required")
	}
	if !filepath.IsAbs(c.InstallRoot) {
		return fmt.Errorf("install_root must be an absolute path: %s", c.InstallRoot)
	}

	if len(c.Overlays) == 0 {
		return fmt.Errorf("at least one overlay is required")
	}
	seen := make(map[string]bool)
	for i, o := range c.Overlays {
		if o.URL == "" {
			return fmt.Errorf("overlays[%d].url is required", i)
		}
		if seen[o.URL] {
			return fmt.Errorf("overlays[%d].url %q is configured more than once", i, o.URL)
		}
		seen[o.URL] = true

		if filepath.IsAbs(o.Path) {
			return fmt.Errorf("overlays[%d].path must be relative to install_root: %s", i, o.Path)
		}
		cleaned := filepath.Clean(o.Path)
		if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
			return fmt.Errorf("overlays[%d].path escapes install_root: %s", i, o.Path)
		}
	}
	for i, o := range c.Overlays {
		if !o.PruneUntracked {
			continue
		}
		for j, other := range c.Overlays {
			if i != j && containsPath(o.Path, other.Path) {
				return fmt.Errorf("overlays[%d] prunes untracked files but overlays[%d] is mounted inside its path %s", i, j, o.Path)
			}
		}
	}

	if c.Sync.Concurrency < 0 {
		return fmt.Errorf("sync.concurrency must not be negative: %d", c.Sync.Concurrency)
	}

	switch c.Restart.Policy {
	case RestartNone, RestartChanged, RestartAlways:
		// valid
	default:
		return fmt.Errorf("invalid restart.policy: %s (must be none, changed, or always)", c.Restart.Policy)
	}

	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.SecretFile == "" {
			return fmt.Errorf("serve.secret_file is required when serve is enabled")
		}
	}
	if c.Serve.Debounce != "" {
		if d, err := time.ParseDuration(c.Serve.Debounce); err != nil || d < 0 {
			return fmt.Errorf("invalid serve.debounce %q", c.Serve.Debounce)
		}
	}

	return nil
}

// containsPath reports whether child equals parent or lies below it.
func containsPath(parent, child string) bool {
	parent = filepath.Clean(parent)
	child = filepath.Clean(child)
	if parent == "." || parent == child {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// InstallPath returns the absolute directory an overlay is mounted at
func (c *Config) InstallPath(o OverlayConfig) string {
	return filepath.Join(c.InstallRoot, filepath.FromSlash(o.Path))
}

// DebounceDelay returns the parsed serve.debounce or DefaultDebounce
func (c *Config) DebounceDelay() time.Duration {
	if c.Serve.Debounce == "" {
		return DefaultDebounce
	}
	d, err := time.ParseDuration(c.Serve.Debounce)
	if err != nil {
		return DefaultDebounce
	}
	return d
}
