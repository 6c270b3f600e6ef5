package main

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// ConfigFile represents the config.toml structure.
type ConfigFile struct {
	ListenAddr   string `toml:"listen_addr"`
	UpstreamBase string `toml:"upstream_base"`
	AccountsPath string `toml:"accounts_path"`
	StatsDBPath  string `toml:"stats_db_path"`
	APIKey       string `toml:"api_key"`
	AdminKey     string `toml:"admin_key"`
	Debug        bool   `toml:"debug"`

	// Outbound proxies for upstream traffic, rotated round-robin.
	ProxyURLs []string `toml:"proxy_urls"`

	Retry RetryConfigFile `toml:"retry"`
	Cache CacheConfigFile `toml:"cache"`
}

// RetryConfigFile is the [retry] section.
type RetryConfigFile struct {
	MaxNewSessionTries       int `toml:"max_new_session_tries"`
	MaxRequestRetries        int `toml:"max_request_retries"`
	MaxAccountSwitchTries    int `toml:"max_account_switch_tries"`
	AccountFailureThreshold  int `toml:"account_failure_threshold"`
	RateLimitCooldownSeconds int `toml:"rate_limit_cooldown_seconds"`
}

// CacheConfigFile is the [cache] section.
type CacheConfigFile struct {
	SessionTTLSeconds    int `toml:"session_ttl_seconds"`
	MaxSize              int `toml:"max_size"`
	LockTableMax         int `toml:"lock_table_max"`
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
	ExpirySweepMinutes   int `toml:"expiry_sweep_minutes"`
}

// loadConfigFile loads config.toml if it exists.
// Returns nil if the file doesn't exist.
func loadConfigFile(path string) (*ConfigFile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	var cfg ConfigFile
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// getConfigString returns the config value with priority: env var > config file > default.
func getConfigString(envKey string, configValue string, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if configValue != "" {
		return configValue
	}
	return defaultValue
}

// getConfigInt returns the config value with priority: env var > config file > default.
func getConfigInt(envKey string, configValue int, defaultValue int) int {
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	if configValue > 0 {
		return configValue
	}
	return defaultValue
}

// getConfigBool returns the config value with priority: env var > config file > default.
func getConfigBool(envKey string, configValue bool, defaultValue bool) bool {
	if v := os.Getenv(envKey); v != "" {
		return v == "1" || v == "true"
	}
	if configValue {
		return true
	}
	return defaultValue
}
