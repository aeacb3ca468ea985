// Package config loads the coordinatord YAML configuration, using a
// nested Config struct and a Default()/Load(path) pattern so an omitted
// section keeps its documented default.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete coordinatord configuration.
type Config struct {
	Cluster struct {
		Epoch                int64         `yaml:"epoch"`
		PaxosPhaseTimeout    time.Duration `yaml:"paxos_phase_timeout"`
		MaxFrameworkFailover time.Duration `yaml:"max_framework_failover"`
	} `yaml:"cluster"`

	Replica struct {
		LogDir       string `yaml:"log_dir"`
		CacheEntries int    `yaml:"cache_entries"`
	} `yaml:"replica"`

	Group struct {
		Endpoints  []string      `yaml:"endpoints"`
		Prefix     string        `yaml:"prefix"`
		BackoffCap time.Duration `yaml:"backoff_cap"`
	} `yaml:"group"`

	Allocator struct {
		TickInterval time.Duration `yaml:"tick_interval"`
		BatchLimit   int           `yaml:"batch_limit"`
		MinCPU       string        `yaml:"min_cpu"`
		MinMem       string        `yaml:"min_mem"`
	} `yaml:"allocator"`

	Liveness struct {
		Threshold    time.Duration `yaml:"threshold"`
		TickInterval time.Duration `yaml:"tick_interval"`
	} `yaml:"liveness"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// Default returns a Config populated with this module's documented defaults.
func Default() *Config {
	var c Config
	c.Cluster.PaxosPhaseTimeout = 10 * time.Second
	c.Replica.LogDir = "./data/replica"
	c.Replica.CacheEntries = 4096
	c.Group.Prefix = "/clustermgr/coordinators"
	c.Group.BackoffCap = 60 * time.Second
	c.Allocator.TickInterval = time.Second
	c.Allocator.BatchLimit = 100
	c.Allocator.MinCPU = "1"
	c.Allocator.MinMem = "32Mi"
	c.Liveness.Threshold = 75 * time.Second
	c.Liveness.TickInterval = time.Second
	c.Metrics.Enabled = true
	c.Metrics.Port = 9090
	return &c
}

// Load reads and parses a YAML config file, starting from Default() so an
// omitted section keeps its documented default.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
