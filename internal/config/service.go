package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kvxlabs/attnprobe/internal/errdefs"
)

// Service configures the local job daemon.
type Service struct {
	Host         string  `yaml:"host"`
	Port         int     `yaml:"port"`
	MetricsPort  int     `yaml:"metrics_port"`
	DatasetRoot  string  `yaml:"dataset_root"`
	ProgressRoot string  `yaml:"progress_root"`
	LogLevel     string  `yaml:"log_level"`
	LogFormat    string  `yaml:"log_format"`
	MaxSteps     int     `yaml:"max_steps"`
	MaxLayers    int     `yaml:"max_layers"`
	MaxDatasetMB float64 `yaml:"max_dataset_mb"`
}

func DefaultService() Service {
	return Service{
		Host:         "127.0.0.1",
		Port:         7860,
		MetricsPort:  9090,
		DatasetRoot:  "dataset",
		ProgressRoot: "outputs/runtime_progress",
		LogLevel:     "info",
		LogFormat:    "console",
		MaxSteps:     120,
		MaxLayers:    64,
		MaxDatasetMB: 200.0,
	}
}

// LoadService reads a YAML config file over the defaults. Unset keys
// keep their default values.
func LoadService(path string) (Service, error) {
	cfg := DefaultService()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, errdefs.Storage("read", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errdefs.Configuration("invalid service config %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (s *Service) Validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return errdefs.Configuration("invalid port: %d", s.Port)
	}
	if s.MetricsPort < 0 || s.MetricsPort > 65535 {
		return errdefs.Configuration("invalid metrics_port: %d", s.MetricsPort)
	}
	if s.DatasetRoot == "" {
		return errdefs.Configuration("dataset_root must not be empty")
	}
	if s.MaxSteps <= 0 {
		return errdefs.Configuration("invalid max_steps: %d (must be positive)", s.MaxSteps)
	}
	if s.MaxLayers <= 0 {
		return errdefs.Configuration("invalid max_layers: %d (must be positive)", s.MaxLayers)
	}
	if s.MaxDatasetMB <= 0 {
		return errdefs.Configuration("invalid max_dataset_mb: %f (must be positive)", s.MaxDatasetMB)
	}
	return nil
}
