// Package config loads the repository-level YAML configuration: the
// repository root, its content-store options, and the list of
// clients with the paths each backs up.
package config

import (
	"fmt"
	"os"
	"regexp"

	"dario.cat/mergo"
	yaml "gopkg.in/yaml.v3"
)

const DefaultRepository = ".hbackup"

// PathConfig is one root path a client backs up, with the remote
// prefix its nodes are journaled under.
type PathConfig struct {
	Root   string `yaml:"root"`
	Remote string `yaml:"remote"`
}

// CompressionRule names a filter pattern (matched against a node's
// name) that forces never/always compressing matching files,
// overriding the content store's default auto_later behavior.
type CompressionRule struct {
	NameRegex string `yaml:"name_regex"`
	re        *regexp.Regexp
}

// Regex returns the rule's compiled pattern, valid after Unmarshal
// has successfully returned.
func (r CompressionRule) Regex() *regexp.Regexp { return r.re }

// ClientConfig is one client's backup configuration.
type ClientConfig struct {
	Name             string            `yaml:"name"`
	Paths            []PathConfig      `yaml:"paths"`
	ExpireDays       *int64            `yaml:"expire_days"` // nil: keep all history; 0: keep only the latest
	TimeoutNoWarning bool              `yaml:"timeout_nowarning"`
	Checksum         bool              `yaml:"checksum"` // supplemented: re-hash metadata-only matches
	NeverCompress    []CompressionRule `yaml:"never_compress"`
	AlwaysCompress   []CompressionRule `yaml:"always_compress"`
	Ignore           []IgnoreRule      `yaml:"ignore"`
}

// IgnoreRule names a filter pattern (matched against a node's remote
// path: the path's remote prefix joined with the node's path under
// its root, so the two coincide when remote is empty) that excludes
// matching entries from the backup walk entirely: spec §4.C step 4's must_ignore(node).
type IgnoreRule struct {
	PathRegex string `yaml:"path_regex"`
	re        *regexp.Regexp
}

// Regex returns the rule's compiled pattern, valid after Unmarshal
// has successfully returned.
func (r IgnoreRule) Regex() *regexp.Regexp { return r.re }

// MirrorConfig configures the optional shadow tree.
type MirrorConfig struct {
	Root string `yaml:"root"`
	Mode string `yaml:"mode"` // "symlink" (default) or "hardlink"
}

// Config is the top-level repository configuration.
type Config struct {
	Repository     string         `yaml:"repository"`
	RemoveObsolete bool           `yaml:"remove_obsolete"`
	Mirror         *MirrorConfig  `yaml:"mirror"`
	Clients        []ClientConfig `yaml:"clients"`
}

// Unmarshal parses and validates a repository config document.
func Unmarshal(raw []byte) (*Config, error) {
	cfg := &Config{Repository: DefaultRepository}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w. make sure to use 'single quotes' around strings with special characters (like match patterns)", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads and parses a repository config from filename.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load %v: %w", filename, err)
	}
	return Unmarshal(content)
}

func (c *Config) validate() error {
	if len(c.Clients) == 0 {
		return fmt.Errorf("config: at least one client is required")
	}
	seen := map[string]bool{}
	for ci := range c.Clients {
		client := &c.Clients[ci]
		if client.Name == "" {
			return fmt.Errorf("config: client %d has no name", ci)
		}
		if seen[client.Name] {
			return fmt.Errorf("config: duplicate client name %q", client.Name)
		}
		seen[client.Name] = true
		if len(client.Paths) == 0 {
			return fmt.Errorf("config: client %q has no paths", client.Name)
		}
		for _, rules := range [][]CompressionRule{client.NeverCompress, client.AlwaysCompress} {
			for i := range rules {
				re, err := regexp.Compile(rules[i].NameRegex)
				if err != nil {
					return fmt.Errorf("config: client %q: bad name_regex %q: %w", client.Name, rules[i].NameRegex, err)
				}
				rules[i].re = re
			}
		}
		for i := range client.Ignore {
			re, err := regexp.Compile(client.Ignore[i].PathRegex)
			if err != nil {
				return fmt.Errorf("config: client %q: bad path_regex %q: %w", client.Name, client.Ignore[i].PathRegex, err)
			}
			client.Ignore[i].re = re
		}
	}
	if c.Mirror != nil && c.Mirror.Mode != "" && c.Mirror.Mode != "symlink" && c.Mirror.Mode != "hardlink" {
		return fmt.Errorf("config: mirror.mode must be \"symlink\" or \"hardlink\", got %q", c.Mirror.Mode)
	}
	return nil
}

// ClientNames returns every configured client's name, in file order.
func (c *Config) ClientNames() []string {
	names := make([]string, len(c.Clients))
	for i, cl := range c.Clients {
		names[i] = cl.Name
	}
	return names
}

// Client returns the named client's configuration, or nil.
func (c *Config) Client(name string) *ClientConfig {
	for i := range c.Clients {
		if c.Clients[i].Name == name {
			return &c.Clients[i]
		}
	}
	return nil
}

// ApplyOverrides merges CLI-flag overrides onto the loaded config:
// any non-zero field set in overrides wins, the same "flags win over
// file" precedence the original ad-hoc per-flag checks implemented,
// generalized to the whole struct via mergo.
func (c *Config) ApplyOverrides(overrides Config) error {
	return mergo.Merge(c, overrides, mergo.WithOverride)
}
