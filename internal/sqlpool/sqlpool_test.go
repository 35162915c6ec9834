package sqlpool

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func testConfig() Config {
	return Config{
		DriverName:        "sqlite",
		MinPoolSize:       2,
		MaxPoolSize:       10,
		ConnectionTimeout: 15 * time.Second,
		CommandTimeout:    30 * time.Second,
		Enabled:           true,
		ApplicationName:   "Portway",
	}
}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	p := New(testConfig(), nil)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestOptimize_SetsPoolKeys(t *testing.T) {
	p := newTestPool(t)

	out := p.Optimize("Data Source=server;Initial Catalog=db")
	assert.Equal(t,
		"Data Source=server;Initial Catalog=db;Min Pool Size=2;Max Pool Size=10;Connect Timeout=15;Pooling=true;Application Name=Portway",
		out)
}

func TestOptimize_OverridesExistingKeys(t *testing.T) {
	p := newTestPool(t)

	out := p.Optimize("Data Source=server;Max Pool Size=500;pooling=false")
	assert.Contains(t, out, "Max Pool Size=10")
	assert.Contains(t, out, "pooling=true")
	assert.NotContains(t, out, "500")
}

func TestOptimize_Memoised(t *testing.T) {
	p := newTestPool(t)

	first := p.Optimize("Data Source=server")
	second := p.Optimize("Data Source=server")
	assert.Equal(t, first, second)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Len(t, p.optimized, 1)
}

func TestOptimize_DegenerateInput(t *testing.T) {
	p := newTestPool(t)

	out := p.Optimize(";;;")
	assert.Contains(t, out, "Min Pool Size=2")

	out = p.Optimize("")
	assert.Contains(t, out, "Application Name=Portway")
}

func TestParseConnString(t *testing.T) {
	keys, values := parseConnString("A=1; B = two ;;C;D=")
	require.Equal(t, []string{"A", "B", "C", "D"}, keys)
	assert.Equal(t, []string{"1", "two", "", ""}, values)
}

func TestNew_AppliesDefaults(t *testing.T) {
	p := New(Config{MinPoolSize: 5, MaxPoolSize: 2}, nil)
	t.Cleanup(func() { p.Close() })

	assert.Equal(t, "sqlite", p.cfg.DriverName)
	assert.Equal(t, 5, p.cfg.MinPoolSize)
	// MaxPoolSize can never undercut MinPoolSize.
	assert.Equal(t, 5, p.cfg.MaxPoolSize)
	assert.Equal(t, 15*time.Second, p.cfg.ConnectionTimeout)
	assert.Equal(t, 30*time.Second, p.cfg.CommandTimeout)
}

func TestDSN_SQLiteExtractsDataSource(t *testing.T) {
	p := newTestPool(t)

	optimized := p.Optimize("Data Source=/tmp/test.db")
	assert.Equal(t, "/tmp/test.db", p.dsn(optimized))
}

func TestClose_Idempotent(t *testing.T) {
	p := New(testConfig(), nil)
	assert.NoError(t, p.Close())
	assert.NoError(t, p.Close())
}

func TestOpenAndPrewarm_SQLite(t *testing.T) {
	p := newTestPool(t)
	connString := "Data Source=" + filepath.Join(t.TempDir(), "pool.db")

	ctx := context.Background()
	db, err := p.Open(ctx, connString)
	require.NoError(t, err)

	// The handle is shared and memoised per connection string.
	again, err := p.Open(ctx, connString)
	require.NoError(t, err)
	assert.Same(t, db, again)

	var one int
	require.NoError(t, db.GetContext(ctx, &one, "SELECT 1"))
	assert.Equal(t, 1, one)

	require.NoError(t, p.Prewarm(ctx, connString))
	// A second prewarm for the same environment is a no-op.
	require.NoError(t, p.Prewarm(ctx, connString))
}
