package selwatch

import (
	"github.com/hazyhaar/selwatch/internal/config"
	"github.com/hazyhaar/selwatch/observe"
)

// Config is the top-level selwatch configuration. Re-exported from internal.
type Config = config.Config

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig = config.BrowserConfig

// PageConfig defines a page and its watches.
type PageConfig = config.PageConfig

// WatchConfig is one selector observed on a page.
type WatchConfig = config.WatchConfig

// FetchConfig controls the HTTP acquisition path.
type FetchConfig = config.FetchConfig

// DebounceConfig controls arrival batching.
type DebounceConfig = config.DebounceConfig

// SinkConfig defines an output backend.
type SinkConfig = config.SinkConfig

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (*Config, error) {
	return config.LoadFile(path)
}

// ParseConfig decodes YAML configuration.
func ParseConfig(data []byte) (*Config, error) {
	return config.Parse(data)
}

// ValidateSelector reports whether selector parses. Watches with a
// selector the engine rejects never fire, so callers taking selectors from
// users check them first.
func ValidateSelector(selector string) error {
	return observe.ValidateSelector(selector)
}
