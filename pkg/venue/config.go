package venue

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTakerFeeBps is the round-trip taker fee assumed for a venue that
// does not configure its own.
const DefaultTakerFeeBps = 4.0

// Config captures configuration for one or more venue adapters.
type Config struct {
	Default  string                    `yaml:"default"`
	Adapters map[string]*AdapterConfig `yaml:"adapters"`
}

// AdapterConfig describes how to construct a specific venue adapter instance.
type AdapterConfig struct {
	Type        string  `yaml:"type"`
	APIKey      string  `yaml:"api_key"`
	APISecret   string  `yaml:"api_secret"`
	TakerFeeBps float64 `yaml:"taker_fee_bps"`
	Testnet     bool    `yaml:"testnet"`

	TimeoutRaw string        `yaml:"timeout"`
	Timeout    time.Duration `yaml:"-"`
}

// AdapterBuilder constructs an Adapter from configuration.
type AdapterBuilder func(name string, cfg *AdapterConfig) (Adapter, error)

var (
	adapterRegistry   = make(map[string]AdapterBuilder)
	adapterRegistryMu sync.RWMutex
)

// RegisterAdapter associates a builder with a venue adapter type.
func RegisterAdapter(typeName string, builder AdapterBuilder) {
	adapterRegistryMu.Lock()
	defer adapterRegistryMu.Unlock()
	adapterRegistry[strings.ToLower(strings.TrimSpace(typeName))] = builder
}

func lookupAdapterBuilder(typeName string) (AdapterBuilder, bool) {
	adapterRegistryMu.RLock()
	defer adapterRegistryMu.RUnlock()
	builder, ok := adapterRegistry[strings.ToLower(strings.TrimSpace(typeName))]
	return builder, ok
}

// LoadConfig reads venue configuration from disk.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open venue config: %w", err)
	}
	defer file.Close()
	return LoadConfigFromReader(file)
}

// LoadConfigFromReader constructs a Config from an io.Reader.
func LoadConfigFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read venue config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal venue config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalise() error {
	if c.Adapters == nil {
		c.Adapters = make(map[string]*AdapterConfig)
	}
	for name, adapter := range c.Adapters {
		if adapter == nil {
			adapter = &AdapterConfig{}
			c.Adapters[name] = adapter
		}
		adapter.expandEnv()
		if adapter.TakerFeeBps == 0 {
			adapter.TakerFeeBps = DefaultTakerFeeBps
		}
		if err := adapter.parseDurations(name); err != nil {
			return err
		}
	}
	return nil
}

func (a *AdapterConfig) expandEnv() {
	a.Type = strings.TrimSpace(os.ExpandEnv(a.Type))
	a.APIKey = strings.TrimSpace(os.ExpandEnv(a.APIKey))
	a.APISecret = strings.TrimSpace(os.ExpandEnv(a.APISecret))
	a.TimeoutRaw = strings.TrimSpace(os.ExpandEnv(a.TimeoutRaw))
}

func (a *AdapterConfig) parseDurations(name string) error {
	if a.TimeoutRaw == "" {
		a.Timeout = 0
		return nil
	}
	d, err := time.ParseDuration(a.TimeoutRaw)
	if err != nil {
		return fmt.Errorf("venue adapter %s: invalid timeout %q: %w", name, a.TimeoutRaw, err)
	}
	if d <= 0 {
		return fmt.Errorf("venue adapter %s: timeout must be positive, got %s", name, d)
	}
	a.Timeout = d
	return nil
}

// Validate ensures all adapters have sane configuration.
func (c *Config) Validate() error {
	if len(c.Adapters) == 0 {
		return fmt.Errorf("venue config: adapters cannot be empty")
	}
	if c.Default != "" {
		if _, ok := c.Adapters[c.Default]; !ok {
			return fmt.Errorf("venue config: default adapter %q not defined", c.Default)
		}
	}
	for name, adapter := range c.Adapters {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("venue config: adapter name cannot be empty")
		}
		if adapter == nil {
			return fmt.Errorf("venue config: adapter %s is nil", name)
		}
		if strings.TrimSpace(adapter.Type) == "" {
			return fmt.Errorf("venue config: adapter %s must specify type", name)
		}
		if _, ok := lookupAdapterBuilder(adapter.Type); !ok {
			return fmt.Errorf("venue config: adapter %s has unsupported type %q", name, adapter.Type)
		}
		if adapter.TakerFeeBps < 0 {
			return fmt.Errorf("venue config: adapter %s taker_fee_bps must be non-negative", name)
		}
	}
	return nil
}

// BuildAdapters instantiates venue adapters according to the configuration.
func (c *Config) BuildAdapters() (map[string]Adapter, error) {
	result := make(map[string]Adapter, len(c.Adapters))
	for name, adapterCfg := range c.Adapters {
		builder, ok := lookupAdapterBuilder(adapterCfg.Type)
		if !ok {
			return nil, fmt.Errorf("venue adapter %s: unsupported type %q", name, adapterCfg.Type)
		}
		adapter, err := builder(name, adapterCfg)
		if err != nil {
			return nil, fmt.Errorf("venue adapter %s: %w", name, err)
		}
		result[name] = adapter
	}
	return result, nil
}

// FeeBps returns the configured round-trip taker fee for a venue, falling
// back to the default when the venue is unknown.
func (c *Config) FeeBps(name string) float64 {
	if c == nil {
		return DefaultTakerFeeBps
	}
	if a, ok := c.Adapters[name]; ok && a != nil && a.TakerFeeBps > 0 {
		return a.TakerFeeBps
	}
	return DefaultTakerFeeBps
}
