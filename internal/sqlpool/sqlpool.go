// Package sqlpool manages per-environment SQL connections: connection
// string normalisation, pool warm-up, and a keep-alive maintenance loop.
package sqlpool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	maintenanceDelay    = 30 * time.Second
	maintenanceInterval = 5 * time.Minute
	probeTimeout        = 5 * time.Second
)

// Config contains pool sizing and timeout settings. DriverName selects the
// database/sql driver; the embedding process registers the vendor driver it
// needs and names it here.
type Config struct {
	DriverName        string
	MinPoolSize       int
	MaxPoolSize       int
	ConnectionTimeout time.Duration
	CommandTimeout    time.Duration
	Enabled           bool
	ApplicationName   string
}

// Pool owns the open database handles. Handles returned by Open are shared
// and stay owned by the pool; keep-alive handles are owned exclusively by
// the maintenance loop.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	optimized map[string]string   // raw conn string -> optimized
	handles   map[string]*sqlx.DB // optimized conn string -> shared handle
	keepAlive map[string]*sqlx.DB // optimized conn string -> keep-alive handle

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a pool and starts its maintenance loop.
func New(cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DriverName == "" {
		cfg.DriverName = "sqlite"
	}
	if cfg.MinPoolSize < 1 {
		cfg.MinPoolSize = 1
	}
	if cfg.MaxPoolSize < cfg.MinPoolSize {
		cfg.MaxPoolSize = cfg.MinPoolSize
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 15 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}

	p := &Pool{
		cfg:       cfg,
		logger:    logger,
		optimized: make(map[string]string),
		handles:   make(map[string]*sqlx.DB),
		keepAlive: make(map[string]*sqlx.DB),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go p.maintain()
	return p
}

// CommandTimeout returns the configured per-statement deadline.
func (p *Pool) CommandTimeout() time.Duration {
	return p.cfg.CommandTimeout
}

// Optimize rewrites a connection string with the pool's sizing settings
// applied. Results are memoised.
func (p *Pool) Optimize(connString string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if out, ok := p.optimized[connString]; ok {
		return out
	}
	out := p.optimizeLocked(connString)
	p.optimized[connString] = out
	return out
}

func (p *Pool) optimizeLocked(connString string) string {
	keys, values := parseConnString(connString)

	set := func(key, value string) {
		lower := strings.ToLower(key)
		for i, k := range keys {
			if strings.ToLower(k) == lower {
				values[i] = value
				return
			}
		}
		keys = append(keys, key)
		values = append(values, value)
	}

	set("Min Pool Size", fmt.Sprintf("%d", p.cfg.MinPoolSize))
	set("Max Pool Size", fmt.Sprintf("%d", p.cfg.MaxPoolSize))
	set("Connect Timeout", fmt.Sprintf("%d", int(p.cfg.ConnectionTimeout.Seconds())))
	set("Pooling", boolWord(p.cfg.Enabled))
	if p.cfg.ApplicationName != "" {
		set("Application Name", p.cfg.ApplicationName)
	}

	parts := make([]string, len(keys))
	for i := range keys {
		parts[i] = keys[i] + "=" + values[i]
	}
	return strings.Join(parts, ";")
}

// Open returns the shared handle for a connection string, opening it on
// first use. The handle is owned by the pool and must not be closed by the
// caller.
func (p *Pool) Open(ctx context.Context, connString string) (*sqlx.DB, error) {
	optimized := p.Optimize(connString)

	p.mu.Lock()
	if db, ok := p.handles[optimized]; ok {
		p.mu.Unlock()
		return db, nil
	}
	p.mu.Unlock()

	db, err := p.open(ctx, optimized)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.handles[optimized]; ok {
		// Lost the race; keep the first handle.
		go db.Close()
		return existing, nil
	}
	p.handles[optimized] = db
	return db, nil
}

func (p *Pool) open(ctx context.Context, optimized string) (*sqlx.DB, error) {
	db, err := sqlx.Open(p.cfg.DriverName, p.dsn(optimized))
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}
	db.SetMaxOpenConns(p.cfg.MaxPoolSize)
	db.SetMaxIdleConns(p.cfg.MinPoolSize)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return db, nil
}

// dsn hands the sqlite driver only the Data Source value (or the whole
// string when it has none); every other driver receives the full
// optimized form.
func (p *Pool) dsn(optimized string) string {
	if p.cfg.DriverName != "sqlite" {
		return optimized
	}
	keys, values := parseConnString(optimized)
	for i, k := range keys {
		if strings.EqualFold(k, "Data Source") || strings.EqualFold(k, "DataSource") {
			return values[i]
		}
	}
	return optimized
}

// Prewarm opens MinPoolSize physical connections concurrently, releases
// them, and retains the handle as the keep-alive connection for the
// environment.
func (p *Pool) Prewarm(ctx context.Context, connString string) error {
	optimized := p.Optimize(connString)

	p.mu.Lock()
	if _, ok := p.keepAlive[optimized]; ok {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	db, err := p.open(ctx, optimized)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	conns := make([]interface{ Close() error }, p.cfg.MinPoolSize)
	for i := 0; i < p.cfg.MinPoolSize; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := db.Connx(ctx)
			if err != nil {
				p.logger.Debug("prewarm connection failed", "error", err)
				return
			}
			conns[i] = conn
		}(i)
	}
	wg.Wait()
	for _, c := range conns {
		if c != nil {
			c.Close()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.keepAlive[optimized]; ok {
		go db.Close()
		return nil
	}
	p.keepAlive[optimized] = db
	p.logger.Info("prewarmed connection pool", "min_pool_size", p.cfg.MinPoolSize)
	return nil
}

// maintain probes every keep-alive connection with SELECT 1; broken
// connections are recreated. Failures log and never propagate.
func (p *Pool) maintain() {
	defer close(p.done)

	timer := time.NewTimer(maintenanceDelay)
	defer timer.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-timer.C:
		}

		p.probeAll()
		timer.Reset(maintenanceInterval)
	}
}

func (p *Pool) probeAll() {
	p.mu.Lock()
	targets := make(map[string]*sqlx.DB, len(p.keepAlive))
	for k, v := range p.keepAlive {
		targets[k] = v
	}
	p.mu.Unlock()

	for optimized, db := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		_, err := db.ExecContext(ctx, "SELECT 1")
		cancel()
		if err == nil {
			continue
		}

		p.logger.Warn("keep-alive probe failed, recreating connection", "error", err)
		db.Close()

		ctx, cancel = context.WithTimeout(context.Background(), p.cfg.ConnectionTimeout)
		fresh, openErr := p.open(ctx, optimized)
		cancel()

		p.mu.Lock()
		if openErr != nil {
			delete(p.keepAlive, optimized)
			p.logger.Warn("keep-alive recreate failed", "error", openErr)
		} else {
			p.keepAlive[optimized] = fresh
		}
		p.mu.Unlock()
	}
}

// Close stops the maintenance loop and closes every handle.
func (p *Pool) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, db := range p.keepAlive {
		db.Close()
	}
	p.keepAlive = make(map[string]*sqlx.DB)
	for _, db := range p.handles {
		db.Close()
	}
	p.handles = make(map[string]*sqlx.DB)
	return nil
}

// parseConnString splits "Key=Value;Key=Value" preserving order and any
// keys it does not understand. Empty segments are dropped.
func parseConnString(s string) (keys, values []string) {
	for _, segment := range strings.Split(s, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		key, value, ok := strings.Cut(segment, "=")
		if !ok {
			key, value = segment, ""
		}
		keys = append(keys, strings.TrimSpace(key))
		values = append(values, strings.TrimSpace(value))
	}
	return keys, values
}

func boolWord(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
