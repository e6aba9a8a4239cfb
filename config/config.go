// Package config loads the settings shared by the tiler and the aggregator.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/pdok/rasterpyramid/logging"
	"github.com/pdok/rasterpyramid/observability"
	"github.com/pdok/rasterpyramid/store"
)

type Config struct {
	TileSize      uint   `yaml:"tileSize" default:"256" validate:"min=1,max=4096"`
	MaxZoom       uint   `yaml:"maxZoom" default:"18" validate:"max=24"`
	ZoomDown      bool   `yaml:"zoomDown"`
	Resampling    string `yaml:"resampling" validate:"omitempty,oneof=nearest bilinear"`
	Concurrency   int    `yaml:"concurrency" default:"4" validate:"min=1"`
	HistogramBins int    `yaml:"histogramBins" default:"100" validate:"min=1"`
	PageSize      int    `yaml:"pageSize" default:"1000" validate:"min=1"`
	WorkDir       string `yaml:"workDir"`

	Store   StoreConfig          `yaml:"store"`
	Cache   CacheConfig          `yaml:"cache"`
	Log     logging.Config       `yaml:"log"`
	Metrics observability.Config `yaml:"metrics"`
}

type StoreConfig struct {
	Driver string `yaml:"driver" default:"gpkg" validate:"oneof=gpkg badger memory"`
	Path   string `yaml:"path" default:"rasterpyramid.gpkg" validate:"required_unless=Driver memory"`
}

// Location returns the store location in the form accepted by store.ParseLocation.
func (s StoreConfig) Location() store.Location {
	if s.Driver == "memory" {
		return store.Location{Driver: s.Driver}
	}
	return store.Location{Driver: s.Driver, Path: s.Path}
}

type CacheConfig struct {
	// Tiles is the number of decoded tiles kept in memory, 0 disables the cache
	Tiles int `yaml:"tiles" default:"1024" validate:"min=0"`
}

// Default returns a configuration with every default applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("set config defaults: %w", err)
	}
	return cfg, nil
}

// Load reads a YAML file. An empty path gives the defaults.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil || path == "" {
		return cfg, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	err := validate.Struct(c)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return fmt.Errorf("invalid value for %s: %w", verrs[0].Namespace(), err)
	}
	return err
}
