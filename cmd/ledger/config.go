package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pageledger/ledger/pkg/types"
)

// RepositoryConfig is the YAML-file counterpart to cobra flags, merged
// flag-then-config-file so a CLI flag always overrides a config file value.
type RepositoryConfig struct {
	DataDir           string `yaml:"data_dir"`
	Namespace         string `yaml:"namespace"`
	DeviceFingerprint string `yaml:"device_fingerprint"`
	BindAddr          string `yaml:"bind_addr"`
	CloudAddr         string `yaml:"cloud_addr"`
	MergePolicy       string `yaml:"merge_policy"`
	GCPolicy          string `yaml:"gc_policy"`
	MetricsAddr       string `yaml:"metrics_addr"`
}

func defaultRepositoryConfig() RepositoryConfig {
	return RepositoryConfig{
		Namespace:   "default",
		MergePolicy: string(types.MergeLastOneWins),
		GCPolicy:    string(types.GCEagerLiveReferences),
		MetricsAddr: "127.0.0.1:9090",
	}
}

// loadRepositoryConfig reads path if non-empty, then overlays any flag set
// explicitly by the caller on the command line. Flags always win over the
// file.
func loadRepositoryConfig(path string, overrides RepositoryConfig, set func(flag string) bool) (RepositoryConfig, error) {
	cfg := defaultRepositoryConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if set("data-dir") || overrides.DataDir != "" {
		cfg.DataDir = overrides.DataDir
	}
	if set("namespace") || overrides.Namespace != "" {
		cfg.Namespace = overrides.Namespace
	}
	if set("device-fingerprint") || overrides.DeviceFingerprint != "" {
		cfg.DeviceFingerprint = overrides.DeviceFingerprint
	}
	if set("bind-addr") || overrides.BindAddr != "" {
		cfg.BindAddr = overrides.BindAddr
	}
	if set("cloud-addr") || overrides.CloudAddr != "" {
		cfg.CloudAddr = overrides.CloudAddr
	}
	if set("merge-policy") || overrides.MergePolicy != "" {
		cfg.MergePolicy = overrides.MergePolicy
	}
	if set("gc-policy") || overrides.GCPolicy != "" {
		cfg.GCPolicy = overrides.GCPolicy
	}
	if set("metrics-addr") || overrides.MetricsAddr != "" {
		cfg.MetricsAddr = overrides.MetricsAddr
	}

	if cfg.DataDir == "" {
		return cfg, fmt.Errorf("data-dir is required (flag, or data_dir in --config file)")
	}
	return cfg, nil
}
