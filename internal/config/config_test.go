package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/melosso/portway/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "portway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "memory", cfg.Cache.Provider)
	assert.Equal(t, 2, cfg.Pool.MinPoolSize)
	assert.Equal(t, 10, cfg.Pool.MaxPoolSize)
	assert.Equal(t, 15, cfg.Pool.ConnectionTimeout)
	assert.Equal(t, 30, cfg.Pool.CommandTimeout)
	assert.True(t, cfg.Pool.Enabled)
	assert.Contains(t, cfg.Hosts.BlockedIPRanges, "10.0.0.0/8")
	assert.Contains(t, cfg.Hosts.BlockedIPRanges, "169.254.0.0/16")
}

func TestLoad_FullFile(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 127.0.0.1
  port: 9000
environments:
  - name: "600"
    connection_string: "Data Source=s600;Initial Catalog=db600"
    server_name: s600
    headers:
      CompanyNumber: "600"
  - name: "700"
    server_name: s700
endpoints:
  - name: Products
    kind: sql
    schema: dbo
    table: Items
    allowed_methods: [GET, POST]
    allowed_columns:
      - "ItemCode;ProductNumber"
      - "Description"
    primary_key: ItemCode
    page_size: 100
  - name: Invoices
    kind: proxy
    target_url: "https://{server}/api/invoices"
    allowed_methods: [GET]
    allowed_environments: ["600"]
  - name: Dashboard
    kind: composite
    steps:
      - name: products
        endpoint: Products
        required: true
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	require.Len(t, cfg.Environments, 2)
	assert.Equal(t, "600", cfg.Environments[0].Headers["CompanyNumber"])

	require.Len(t, cfg.Endpoints, 3)
	products := cfg.Endpoints[0]
	assert.Equal(t, config.KindSQL, products.Kind)
	assert.Equal(t, "dbo.Items", products.Entity())
	assert.Equal(t, "ItemCode", products.PrimaryKey)
	assert.True(t, products.MethodAllowed("GET"))
	assert.True(t, products.MethodAllowed("post"))
	assert.False(t, products.MethodAllowed("DELETE"))
}

func TestLoad_EndpointLookup(t *testing.T) {
	path := writeConfig(t, `
endpoints:
  - name: Public
    kind: sql
    table: T1
  - name: Restricted
    kind: sql
    table: T2
    allowed_environments: ["600"]
  - name: Hidden
    kind: sql
    table: T3
    is_private: true
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	_, ok := cfg.Endpoint("600", "Public")
	assert.True(t, ok)
	_, ok = cfg.Endpoint("600", "restricted")
	assert.True(t, ok)
	_, ok = cfg.Endpoint("700", "Restricted")
	assert.False(t, ok)
	_, ok = cfg.Endpoint("600", "Hidden")
	assert.False(t, ok)
	_, ok = cfg.Endpoint("600", "Missing")
	assert.False(t, ok)
}

func TestLoad_SQLSchemaDefaultsToDbo(t *testing.T) {
	path := writeConfig(t, `
endpoints:
  - name: Products
    kind: sql
    table: Items
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "dbo", cfg.Endpoints[0].Schema)
	assert.Equal(t, []string{"GET"}, cfg.Endpoints[0].AllowedMethods)
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad port", "server:\n  port: 99999\n"},
		{"sql without table", "endpoints:\n  - name: X\n    kind: sql\n"},
		{"proxy without target", "endpoints:\n  - name: X\n    kind: proxy\n"},
		{"composite without steps", "endpoints:\n  - name: X\n    kind: composite\n"},
		{"unknown kind", "endpoints:\n  - name: X\n    kind: graphql\n"},
		{"nameless endpoint", "endpoints:\n  - kind: sql\n    table: T\n"},
		{"duplicate environment", "environments:\n  - name: \"600\"\n  - name: \"600\"\n"},
		{"redis without connection", "cache:\n  provider: redis\n"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tc.content))
			assert.Error(t, err)
		})
	}
}

func TestResolveConfigPath(t *testing.T) {
	assert.Equal(t, "flag.yaml", config.ResolveConfigPath("flag.yaml"))

	t.Setenv("PORTWAY_CONFIG", "env.yaml")
	assert.Equal(t, "env.yaml", config.ResolveConfigPath(""))

	t.Setenv("PORTWAY_CONFIG", "")
	assert.Equal(t, "", config.ResolveConfigPath(""))
}
