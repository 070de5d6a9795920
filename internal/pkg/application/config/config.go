package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	yaml "gopkg.in/yaml.v2"
)

type Resource struct {
	Name       string            `yaml:"name" toml:"name"`
	URL        string            `yaml:"url" toml:"url"`
	SortBy     string            `yaml:"sortBy" toml:"sortBy"`
	Descending bool              `yaml:"descending" toml:"descending"`
	Debug      bool              `yaml:"debug" toml:"debug"`
	Origin     string            `yaml:"origin" toml:"origin"`
	Headers    map[string]string `yaml:"headers" toml:"headers"`
	Seed       []map[string]any  `yaml:"seed" toml:"seed"`
}

// Path returns the last segment of the url, or the name if there is no url
func (r *Resource) Path() string {
	if r.URL == "" {
		return r.Name
	}

	trimmed := strings.TrimSuffix(r.URL, "/")
	return trimmed[strings.LastIndex(trimmed, "/")+1:]
}

type NotifierConfig struct {
	Endpoint string   `yaml:"endpoint" toml:"endpoint"`
	Events   []string `yaml:"events" toml:"events"`
}

type Config struct {
	Resources []Resource      `yaml:"resources" toml:"resources"`
	Notifier  *NotifierConfig `yaml:"notifier" toml:"notifier"`
}

func (c *Config) Resource(name string) (*Resource, bool) {
	for idx := range c.Resources {
		if c.Resources[idx].Name == name {
			return &c.Resources[idx], true
		}
	}
	return nil, false
}

// LoadConfigurationFile reads a yaml or toml configuration depending on the
// extension of path
func LoadConfigurationFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return LoadConfiguration(f)
	case ".toml":
		return LoadTOMLConfiguration(f)
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", ext)
	}
}

func LoadConfiguration(data io.Reader) (*Config, error) {

	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}

	normalizeSeeds(cfg)

	return cfg, nil
}

func LoadTOMLConfiguration(data io.Reader) (*Config, error) {
	cfg := &Config{}

	err := toml.NewDecoder(data).Decode(cfg)
	if err != nil {
		return nil, err
	}

	normalizeSeeds(cfg)

	return cfg, nil
}

func normalizeSeeds(cfg *Config) {
	for idx := range cfg.Resources {
		for i, item := range cfg.Resources[idx].Seed {
			cfg.Resources[idx].Seed[i] = normalize(item).(map[string]any)
		}
	}
}

// normalize turns the map[any]any values produced by yaml.v2 into
// map[string]any so that seeded items can be encoded as json
func normalize(v any) any {
	switch x := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, val := range x {
			m[toString(k)] = normalize(val)
		}
		return m
	case map[string]any:
		for k, val := range x {
			x[k] = normalize(val)
		}
		return x
	case []any:
		for i, val := range x {
			x[i] = normalize(val)
		}
		return x
	}
	return v
}

func toString(k any) string {
	if s, ok := k.(string); ok {
		return s
	}
	b, _ := yaml.Marshal(k)
	return strings.TrimSpace(string(b))
}
