package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/melosso/portway/internal/api/middleware"
	"github.com/melosso/portway/internal/auth"
	"github.com/melosso/portway/internal/config"
	"github.com/melosso/portway/internal/environment"
)

// Gateway is the single entry point for /api/{env}/{endpoint}[/{id}].
// Each request walks the same admission pipeline: validate the
// environment, find the endpoint, check the method, authorise the token,
// resolve the environment settings, then dispatch by endpoint kind.
func (h *Handler) Gateway(c *gin.Context) {
	env := c.Param("env")
	endpointName := c.Param("endpoint")
	id := c.Param("id")

	if !h.resolver.Known(env) {
		respondError(c, http.StatusBadRequest, "invalid environment", "")
		return
	}

	ep, ok := h.cfg.Endpoint(env, endpointName)
	if !ok {
		respondError(c, http.StatusNotFound, "unknown endpoint", "")
		return
	}

	if !ep.MethodAllowed(c.Request.Method) {
		respondError(c, http.StatusMethodNotAllowed, "method not allowed", "")
		return
	}

	bearer, _ := middleware.BearerToken(c)
	meta := auth.RequestMeta{
		Operation: c.Request.Method + " " + env + "/" + ep.Name,
		Source:    "gateway",
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
	principal, err := h.guard.Authorise(c.Request.Context(), bearer, env, ep.Name, meta)
	if err != nil {
		status := http.StatusUnauthorized
		var authErr *auth.AuthError
		if errors.As(err, &authErr) {
			status = authErr.StatusCode()
		}
		respondError(c, status, "unauthorized", "")
		return
	}
	c.Set("principal", principal)

	settings, err := h.resolver.Load(env)
	if err != nil {
		// The environment passed the allow-list but its connection data
		// is incomplete; never leak configuration detail to the client.
		h.logger.Error("environment resolution failed", "environment", env, "error", err)
		if errors.Is(err, environment.ErrEnvironmentNotAllowed) {
			respondError(c, http.StatusBadRequest, "invalid environment", "")
		} else {
			respondError(c, http.StatusInternalServerError, "internal error", "")
		}
		return
	}

	switch ep.Kind {
	case config.KindSQL:
		h.handleSQL(c, env, ep, settings, id)
	case config.KindProxy:
		h.handleProxy(c, ep, settings, id)
	case config.KindComposite:
		h.handleComposite(c, env, ep, settings)
	default:
		h.logger.Error("endpoint has unknown kind", "endpoint", ep.Name, "kind", ep.Kind)
		respondError(c, http.StatusInternalServerError, "internal error", "")
	}
}
