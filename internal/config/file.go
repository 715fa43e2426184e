// Package config loads selwatch configuration from YAML files or SQLite and
// reports changes to either.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/selwatch/observe"
)

// Config is the top-level selwatch configuration.
type Config struct {
	Browser  BrowserConfig  `yaml:"browser"`
	Pages    []PageConfig   `yaml:"pages"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Debounce DebounceConfig `yaml:"debounce"`
	Sinks    []SinkConfig   `yaml:"sinks"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	MemoryLimit      int64         `yaml:"memory_limit"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	Stealth          string        `yaml:"stealth"` // headless | headful
	XvfbDisplay      string        `yaml:"xvfb_display"`
}

// PageConfig defines a page and the selectors watched on it.
type PageConfig struct {
	ID           string        `yaml:"id"`
	URL          string        `yaml:"url"`
	StealthLevel string        `yaml:"stealth_level"` // 0 | 1 | 2 | auto
	Watches      []WatchConfig `yaml:"watches"`
}

// WatchConfig is one selector observed on a page.
type WatchConfig struct {
	ID       string `yaml:"id" json:"id"`
	Selector string `yaml:"selector" json:"selector"`
}

// FetchConfig controls the HTTP acquisition path.
type FetchConfig struct {
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout"`
}

// DebounceConfig controls arrival batching.
type DebounceConfig struct {
	Window    time.Duration `yaml:"window"`
	MaxBuffer int           `yaml:"max_buffer"`
}

// SinkConfig defines an output backend.
type SinkConfig struct {
	Type string `yaml:"type"` // stdout | webhook | sqlite
	URL  string `yaml:"url"`  // webhook
	Path string `yaml:"path"` // sqlite
}

// HTTPConfig enables the admin endpoint when Addr is set.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.Fetch.Timeout <= 0 {
		c.Fetch.Timeout = 30 * time.Second
	}
	if c.Debounce.Window <= 0 {
		c.Debounce.Window = 250 * time.Millisecond
	}
	if c.Debounce.MaxBuffer <= 0 {
		c.Debounce.MaxBuffer = 1000
	}
	if len(c.Sinks) == 0 {
		c.Sinks = []SinkConfig{{Type: "stdout"}}
	}
	for i := range c.Pages {
		p := &c.Pages[i]
		if p.StealthLevel == "" {
			p.StealthLevel = "auto"
		}
		if p.ID == "" {
			p.ID = p.URL
		}
		for j := range p.Watches {
			if p.Watches[j].ID == "" {
				p.Watches[j].ID = p.Watches[j].Selector
			}
		}
	}
}

// Validate checks identifiers, selectors and sink types.
func (c *Config) Validate() error {
	var errs []error
	pages := make(map[string]bool)
	for _, p := range c.Pages {
		if p.URL == "" {
			errs = append(errs, fmt.Errorf("page %q: url is required", p.ID))
		}
		if pages[p.ID] {
			errs = append(errs, fmt.Errorf("page %q: duplicate id", p.ID))
		}
		pages[p.ID] = true

		watches := make(map[string]bool)
		for _, w := range p.Watches {
			if w.Selector == "" {
				errs = append(errs, fmt.Errorf("page %q watch %q: selector is required", p.ID, w.ID))
			} else if err := observe.ValidateSelector(w.Selector); err != nil {
				errs = append(errs, fmt.Errorf("page %q watch %q: %w", p.ID, w.ID, err))
			}
			if watches[w.ID] {
				errs = append(errs, fmt.Errorf("page %q watch %q: duplicate id", p.ID, w.ID))
			}
			watches[w.ID] = true
		}
	}
	for i, s := range c.Sinks {
		switch s.Type {
		case "stdout":
		case "webhook":
			if s.URL == "" {
				errs = append(errs, fmt.Errorf("sink %d: webhook needs url", i))
			}
		case "sqlite":
			if s.Path == "" {
				errs = append(errs, fmt.Errorf("sink %d: sqlite needs path", i))
			}
		default:
			errs = append(errs, fmt.Errorf("sink %d: unknown type %q", i, s.Type))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
