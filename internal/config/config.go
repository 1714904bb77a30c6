// Package config loads driftcore's node/GCS configuration from flags,
// environment variables, and an optional config file, layered the way
// determined's master config loader does with viper/cobra.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the recognized options from spec.md §6.
type Config struct {
	ClusterAddress string `mapstructure:"cluster_address"`

	NodeIPAddress   string `mapstructure:"node_ip_address"`
	NodeManagerPort int    `mapstructure:"node_manager_port"`

	ObjectStoreMemory int64 `mapstructure:"object_store_memory"`
	ObjectChunkSize   int64 `mapstructure:"object_chunk_size"`
	MaxBytesInFlight  int64 `mapstructure:"max_bytes_in_flight"`

	PullTimeoutMS int64 `mapstructure:"pull_timeout_ms"`
	PushTimeoutMS int64 `mapstructure:"push_timeout_ms"`
	TimerFreqMS   int64 `mapstructure:"timer_freq_ms"`

	RedisPassword string `mapstructure:"redis_password"`

	CodeSearchPath []string `mapstructure:"code_search_path"`

	JobID string `mapstructure:"job_id"`

	NumCPUs   float64          `mapstructure:"num_cpus"`
	NumGPUs   float64          `mapstructure:"num_gpus"`
	Resources map[string]int64 `mapstructure:"resources"`
}

// PullTimeout returns PullTimeoutMS as a time.Duration.
func (c Config) PullTimeout() time.Duration {
	return time.Duration(c.PullTimeoutMS) * time.Millisecond
}

// PushTimeout returns PushTimeoutMS as a time.Duration.
func (c Config) PushTimeout() time.Duration {
	return time.Duration(c.PushTimeoutMS) * time.Millisecond
}

// TimerFreq returns TimerFreqMS as a time.Duration.
func (c Config) TimerFreq() time.Duration {
	return time.Duration(c.TimerFreqMS) * time.Millisecond
}

// Default returns a Config populated with driftcore's out-of-the-box
// defaults, prior to any flag/env/file overrides.
func Default() Config {
	return Config{
		NodeIPAddress:     "127.0.0.1",
		NodeManagerPort:   6380,
		ObjectStoreMemory: 1 << 30, // 1 GiB
		ObjectChunkSize:   1 << 20, // 1 MiB, per spec.md E6
		MaxBytesInFlight:  64 << 20,
		PullTimeoutMS:     10_000,
		PushTimeoutMS:     10_000,
		TimerFreqMS:       100,
		NumCPUs:           1,
	}
}

// Load builds a Config by layering, highest priority first: explicit
// flags already bound to v, environment variables prefixed DRIFTCORE_,
// and an optional config file at path (ignored if empty).
func Load(v *viper.Viper, path string) (Config, error) {
	cfg := Default()

	v.SetEnvPrefix("driftcore")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees environment values for keys viper already
	// knows, so every option is bound by name.
	t := reflect.TypeOf(cfg)
	for i := 0; i < t.NumField(); i++ {
		_ = v.BindEnv(t.Field(i).Tag.Get("mapstructure"))
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	return cfg, nil
}
