package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// initConfig sets up the config loader with defaults, env binding, and config file.
func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	// Environment variable binding.
	// Uses PORTWAY_ prefix: PORTWAY_SERVER_HOST -> server.host
	v.SetEnvPrefix("PORTWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

// setDefaults configures all default values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.version", "dev")

	// Logging defaults
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.include_pid", false)
	v.SetDefault("logging.extra_fields", map[string]string{})

	// Auth defaults
	v.SetDefault("auth.database_path", "portway-auth.db")

	// Cache defaults
	v.SetDefault("cache.provider", "memory")
	v.SetDefault("cache.response_ttl_secs", 0)
	v.SetDefault("cache.max_memory_entries", 4096)
	v.SetDefault("cache.redis.instance_name", "portway")
	v.SetDefault("cache.redis.use_ssl", false)

	// Pool defaults
	v.SetDefault("pool.driver_name", "sqlite")
	v.SetDefault("pool.min_pool_size", 2)
	v.SetDefault("pool.max_pool_size", 10)
	v.SetDefault("pool.connection_timeout", 15)
	v.SetDefault("pool.command_timeout", 30)
	v.SetDefault("pool.enabled", true)
	v.SetDefault("pool.application_name", "Portway")

	// Host allow-list defaults; blocked ranges cover private address space.
	v.SetDefault("hosts.allowed_hosts", []string{})
	v.SetDefault("hosts.blocked_ip_ranges", []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
	})
}

// Load loads configuration from a YAML file with environment variable overrides.
//
// Configuration priority (highest to lowest):
//  1. Environment variables (PORTWAY_*)
//  2. Config file values
//  3. Default values
func Load(path string) (*Config, error) {
	v, err := initConfig(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	cfg.Server.Host = v.GetString("server.host")
	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.Version = v.GetString("server.version")

	cfg.Logging.Level = strings.ToUpper(v.GetString("logging.level"))
	cfg.Logging.Format = v.GetString("logging.format")
	cfg.Logging.IncludePID = v.GetBool("logging.include_pid")
	cfg.Logging.ExtraFields = v.GetStringMapString("logging.extra_fields")

	cfg.Auth.DatabasePath = v.GetString("auth.database_path")

	cfg.Cache.Provider = strings.ToLower(v.GetString("cache.provider"))
	cfg.Cache.ResponseTTLSecs = v.GetInt("cache.response_ttl_secs")
	cfg.Cache.MaxMemoryEntries = v.GetInt("cache.max_memory_entries")
	cfg.Cache.Redis.ConnectionString = v.GetString("cache.redis.connection_string")
	cfg.Cache.Redis.InstanceName = v.GetString("cache.redis.instance_name")
	cfg.Cache.Redis.UseSSL = v.GetBool("cache.redis.use_ssl")

	cfg.Pool.DriverName = v.GetString("pool.driver_name")
	cfg.Pool.MinPoolSize = v.GetInt("pool.min_pool_size")
	cfg.Pool.MaxPoolSize = v.GetInt("pool.max_pool_size")
	cfg.Pool.ConnectionTimeout = v.GetInt("pool.connection_timeout")
	cfg.Pool.CommandTimeout = v.GetInt("pool.command_timeout")
	cfg.Pool.Enabled = v.GetBool("pool.enabled")
	cfg.Pool.ApplicationName = v.GetString("pool.application_name")

	cfg.Hosts.AllowedHosts = getStringSliceOrSplit(v, "hosts.allowed_hosts")
	cfg.Hosts.BlockedIPRanges = getStringSliceOrSplit(v, "hosts.blocked_ip_ranges")

	if err := v.UnmarshalKey("environments", &cfg.Environments); err != nil {
		return nil, fmt.Errorf("failed to parse environments: %w", err)
	}
	if err := v.UnmarshalKey("endpoints", &cfg.Endpoints); err != nil {
		return nil, fmt.Errorf("failed to parse endpoints: %w", err)
	}

	if err := normalizeConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ResolveConfigPath determines the config file path from flag or environment.
func ResolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv("PORTWAY_CONFIG")); v != "" {
		return v
	}
	return ""
}

// getStringSliceOrSplit handles both slice and comma-separated string values.
func getStringSliceOrSplit(v *viper.Viper, key string) []string {
	var raw []string
	if slice := v.GetStringSlice(key); len(slice) > 0 {
		raw = slice
	} else if s := v.GetString(key); s != "" {
		raw = strings.Split(s, ",")
	}
	result := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" {
			result = append(result, s)
		}
	}
	return result
}

// normalizeConfig validates and normalizes the configuration.
func normalizeConfig(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be 1..65535")
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.ExtraFields == nil {
		cfg.Logging.ExtraFields = map[string]string{}
	}

	switch cfg.Cache.Provider {
	case "", "memory":
		cfg.Cache.Provider = "memory"
	case "redis":
		if cfg.Cache.Redis.ConnectionString == "" {
			return errors.New("cache.redis.connection_string is required for the redis provider")
		}
	default:
		return fmt.Errorf("unknown cache provider %q", cfg.Cache.Provider)
	}

	if cfg.Pool.MinPoolSize < 1 {
		cfg.Pool.MinPoolSize = 1
	}
	if cfg.Pool.MaxPoolSize < cfg.Pool.MinPoolSize {
		cfg.Pool.MaxPoolSize = cfg.Pool.MinPoolSize
	}
	if cfg.Pool.ConnectionTimeout <= 0 {
		cfg.Pool.ConnectionTimeout = 15
	}
	if cfg.Pool.CommandTimeout <= 0 {
		cfg.Pool.CommandTimeout = 30
	}

	seen := map[string]bool{}
	for i, env := range cfg.Environments {
		name := strings.TrimSpace(env.Name)
		if name == "" {
			return fmt.Errorf("environments[%d]: name is required", i)
		}
		key := strings.ToLower(name)
		if seen[key] {
			return fmt.Errorf("duplicate environment %q", name)
		}
		seen[key] = true
		cfg.Environments[i].Name = name
	}

	for i, ep := range cfg.Endpoints {
		if strings.TrimSpace(ep.Name) == "" {
			return fmt.Errorf("endpoints[%d]: name is required", i)
		}
		switch ep.Kind {
		case KindSQL:
			if ep.Table == "" {
				return fmt.Errorf("endpoint %q: table is required for sql endpoints", ep.Name)
			}
			if cfg.Endpoints[i].Schema == "" {
				cfg.Endpoints[i].Schema = "dbo"
			}
		case KindProxy:
			if ep.TargetURL == "" {
				return fmt.Errorf("endpoint %q: target_url is required for proxy endpoints", ep.Name)
			}
		case KindComposite:
			if len(ep.Steps) == 0 {
				return fmt.Errorf("endpoint %q: composite endpoints need at least one step", ep.Name)
			}
		default:
			return fmt.Errorf("endpoint %q: unknown kind %q", ep.Name, ep.Kind)
		}
		if len(ep.AllowedMethods) == 0 {
			cfg.Endpoints[i].AllowedMethods = []string{"GET"}
		}
		if ep.PageSize < 0 {
			return fmt.Errorf("endpoint %q: page_size must be >= 0", ep.Name)
		}
	}

	return nil
}
