// Package config provides configuration loading for Portway using Viper.
// Configuration is loaded from YAML files with automatic environment variable binding.
//
// Environment variables use the PORTWAY_ prefix and underscore-separated keys:
//   - PORTWAY_SERVER_HOST -> server.host
//   - PORTWAY_SERVER_PORT -> server.port
//   - PORTWAY_CACHE_PROVIDER -> cache.provider
//   - PORTWAY_POOL_MAX_POOL_SIZE -> pool.max_pool_size
package config

import (
	"strings"
)

// EndpointKind selects the backend a gateway endpoint dispatches to.
type EndpointKind string

const (
	KindSQL       EndpointKind = "sql"
	KindProxy     EndpointKind = "proxy"
	KindComposite EndpointKind = "composite"
)

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host    string `yaml:"host"    mapstructure:"host"`
	Port    int    `yaml:"port"    mapstructure:"port"`
	Version string `yaml:"version" mapstructure:"version"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level       string            `yaml:"level"        mapstructure:"level"`
	Format      string            `yaml:"format"       mapstructure:"format"`
	IncludePID  bool              `yaml:"include_pid"  mapstructure:"include_pid"`
	ExtraFields map[string]string `yaml:"extra_fields" mapstructure:"extra_fields"`
}

// EnvironmentConfig declares one tenant environment.
type EnvironmentConfig struct {
	Name             string            `yaml:"name"              mapstructure:"name"`
	ConnectionString string            `yaml:"connection_string" mapstructure:"connection_string"`
	ServerName       string            `yaml:"server_name"       mapstructure:"server_name"`
	Headers          map[string]string `yaml:"headers"           mapstructure:"headers"`
}

// CompositeStep is one sub-call of a composite endpoint. It references
// another endpoint by name; Required steps fail the whole composite.
type CompositeStep struct {
	Name     string `yaml:"name"     mapstructure:"name"`
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint"`
	Required bool   `yaml:"required" mapstructure:"required"`
}

// EndpointConfig declares one gateway endpoint.
//
// For SQL endpoints Schema/Table name the target object and AllowedColumns
// carries "dbColumn;alias" entries. For proxy endpoints TargetURL is a
// template in which {server} and {id} are expanded at request time.
type EndpointConfig struct {
	Name                string          `yaml:"name"                 mapstructure:"name"`
	Kind                EndpointKind    `yaml:"kind"                 mapstructure:"kind"`
	Schema              string          `yaml:"schema"               mapstructure:"schema"`
	Table               string          `yaml:"table"                mapstructure:"table"`
	TargetURL           string          `yaml:"target_url"           mapstructure:"target_url"`
	AllowedMethods      []string        `yaml:"allowed_methods"      mapstructure:"allowed_methods"`
	AllowedColumns      []string        `yaml:"allowed_columns"      mapstructure:"allowed_columns"`
	PrimaryKey          string          `yaml:"primary_key"          mapstructure:"primary_key"`
	PageSize            int             `yaml:"page_size"            mapstructure:"page_size"`
	AllowedEnvironments []string        `yaml:"allowed_environments" mapstructure:"allowed_environments"`
	IsPrivate           bool            `yaml:"is_private"           mapstructure:"is_private"`
	Steps               []CompositeStep `yaml:"steps"                mapstructure:"steps"`
}

// Entity returns the "schema.table" entity name for a SQL endpoint.
func (e EndpointConfig) Entity() string {
	if e.Schema == "" {
		return e.Table
	}
	return e.Schema + "." + e.Table
}

// MethodAllowed reports whether the HTTP method is in AllowedMethods.
func (e EndpointConfig) MethodAllowed(method string) bool {
	for _, m := range e.AllowedMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// EnvironmentAllowed reports whether env may use this endpoint. An empty
// AllowedEnvironments list means every configured environment.
func (e EndpointConfig) EnvironmentAllowed(env string) bool {
	if len(e.AllowedEnvironments) == 0 {
		return true
	}
	for _, allowed := range e.AllowedEnvironments {
		if strings.EqualFold(allowed, env) {
			return true
		}
	}
	return false
}

// HostConfig controls the outbound URL allow-list.
type HostConfig struct {
	AllowedHosts    []string `yaml:"allowed_hosts"     mapstructure:"allowed_hosts"`
	BlockedIPRanges []string `yaml:"blocked_ip_ranges" mapstructure:"blocked_ip_ranges"`
}

// RedisConfig contains remote cache settings.
type RedisConfig struct {
	ConnectionString string `yaml:"connection_string" mapstructure:"connection_string"`
	InstanceName     string `yaml:"instance_name"     mapstructure:"instance_name"`
	UseSSL           bool   `yaml:"use_ssl"           mapstructure:"use_ssl"`
}

// CacheConfig selects and configures the cache provider.
type CacheConfig struct {
	Provider         string      `yaml:"provider"           mapstructure:"provider"` // "memory" or "redis"
	ResponseTTLSecs  int         `yaml:"response_ttl_secs"  mapstructure:"response_ttl_secs"`
	MaxMemoryEntries int         `yaml:"max_memory_entries" mapstructure:"max_memory_entries"`
	Redis            RedisConfig `yaml:"redis"              mapstructure:"redis"`
}

// PoolConfig contains SQL connection pool settings.
type PoolConfig struct {
	DriverName        string `yaml:"driver_name"        mapstructure:"driver_name"`
	MinPoolSize       int    `yaml:"min_pool_size"      mapstructure:"min_pool_size"`
	MaxPoolSize       int    `yaml:"max_pool_size"      mapstructure:"max_pool_size"`
	ConnectionTimeout int    `yaml:"connection_timeout" mapstructure:"connection_timeout"` // seconds
	CommandTimeout    int    `yaml:"command_timeout"    mapstructure:"command_timeout"`    // seconds
	Enabled           bool   `yaml:"enabled"            mapstructure:"enabled"`
	ApplicationName   string `yaml:"application_name"   mapstructure:"application_name"`
}

// AuthConfig contains token store settings.
type AuthConfig struct {
	DatabasePath string `yaml:"database_path" mapstructure:"database_path"`
}

// Config is the root configuration structure.
type Config struct {
	Server       ServerConfig        `yaml:"server"       mapstructure:"server"`
	Logging      LoggingConfig       `yaml:"logging"      mapstructure:"logging"`
	Auth         AuthConfig          `yaml:"auth"         mapstructure:"auth"`
	Cache        CacheConfig         `yaml:"cache"        mapstructure:"cache"`
	Pool         PoolConfig          `yaml:"pool"         mapstructure:"pool"`
	Hosts        HostConfig          `yaml:"hosts"        mapstructure:"hosts"`
	Environments []EnvironmentConfig `yaml:"environments" mapstructure:"environments"`
	Endpoints    []EndpointConfig    `yaml:"endpoints"    mapstructure:"endpoints"`
}

// Environment looks up an environment by name (case-insensitive).
func (c *Config) Environment(name string) (EnvironmentConfig, bool) {
	for _, env := range c.Environments {
		if strings.EqualFold(env.Name, name) {
			return env, true
		}
	}
	return EnvironmentConfig{}, false
}

// Endpoint looks up an endpoint visible to env. The second return is false
// when the endpoint is unknown, private, or not allowed for env.
func (c *Config) Endpoint(env, name string) (EndpointConfig, bool) {
	for _, ep := range c.Endpoints {
		if !strings.EqualFold(ep.Name, name) {
			continue
		}
		if ep.IsPrivate || !ep.EnvironmentAllowed(env) {
			return EndpointConfig{}, false
		}
		return ep, true
	}
	return EndpointConfig{}, false
}
