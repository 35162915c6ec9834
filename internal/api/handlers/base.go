// Package handlers implements the gateway endpoint handlers: SQL, proxy
// and composite dispatch plus the health endpoints.
package handlers

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/melosso/portway/internal/api/models"
	"github.com/melosso/portway/internal/auth"
	"github.com/melosso/portway/internal/bufpool"
	"github.com/melosso/portway/internal/cache"
	"github.com/melosso/portway/internal/config"
	"github.com/melosso/portway/internal/edm"
	"github.com/melosso/portway/internal/environment"
	"github.com/melosso/portway/internal/odata"
	"github.com/melosso/portway/internal/sqlpool"
	"github.com/melosso/portway/internal/urlguard"
)

// Deps carries the collaborators a Handler needs.
type Deps struct {
	Config   *config.Config
	Logger   *slog.Logger
	Guard    *auth.Guard
	Store    *auth.Store
	Resolver *environment.Resolver
	Pool     *sqlpool.Pool
	Cache    cache.Provider
	Registry *edm.Registry
	URLGuard *urlguard.Guard
	Client   *http.Client
}

// Handler contains dependencies for gateway handlers.
type Handler struct {
	cfg      *config.Config
	logger   *slog.Logger
	guard    *auth.Guard
	store    *auth.Store
	resolver *environment.Resolver
	pool     *sqlpool.Pool
	cache    cache.Provider
	registry *edm.Registry
	urlGuard *urlguard.Guard
	client   *http.Client

	startTime time.Time
	buffers   *bufpool.Pool

	mu         sync.Mutex
	columnMaps map[string]*odata.ColumnMap // endpoint name -> derived map
}

// New creates a Handler from its dependencies.
func New(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Client == nil {
		d.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if d.Cache == nil {
		d.Cache = cache.NewMemory(1024)
	}
	return &Handler{
		cfg:        d.Config,
		logger:     d.Logger,
		guard:      d.Guard,
		store:      d.Store,
		resolver:   d.Resolver,
		pool:       d.Pool,
		cache:      d.Cache,
		registry:   d.Registry,
		urlGuard:   d.URLGuard,
		client:     d.Client,
		startTime:  time.Now(),
		buffers:    bufpool.New(32 * 1024),
		columnMaps: make(map[string]*odata.ColumnMap),
	}
}

// Guard exposes the auth guard for middleware wiring.
func (h *Handler) Guard() *auth.Guard { return h.guard }

// columnMap derives and caches the alias mapping for an endpoint.
func (h *Handler) columnMap(ep config.EndpointConfig) *odata.ColumnMap {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.columnMaps[ep.Name]; ok {
		return m
	}
	m := odata.ParseColumnMap(ep.AllowedColumns)
	h.columnMaps[ep.Name] = m
	return m
}

func respondError(c *gin.Context, status int, message, detail string) {
	c.AbortWithStatusJSON(status, models.ErrorResponse{
		Error:  message,
		Code:   status,
		Detail: detail,
	})
}
