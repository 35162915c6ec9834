package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/melosso/portway/internal/config"
	"github.com/melosso/portway/internal/environment"
	"github.com/melosso/portway/internal/odata"
	"golang.org/x/sync/errgroup"
)

// handleComposite fans out to the endpoint's declared sub-calls and
// aggregates their results into one JSON object keyed by step name. A
// failing required step cancels the remaining steps and fails the whole
// composite; optional step failures surface as null members.
func (h *Handler) handleComposite(c *gin.Context, env string, ep config.EndpointConfig, settings environment.Settings) {
	g, ctx := errgroup.WithContext(c.Request.Context())

	var mu sync.Mutex
	results := make(map[string]any, len(ep.Steps))

	for _, step := range ep.Steps {
		g.Go(func() error {
			value, err := h.executeStep(ctx, env, step, settings)
			if err != nil {
				if step.Required {
					return fmt.Errorf("step %s: %w", step.Name, err)
				}
				h.logger.Warn("optional composite step failed", "endpoint", ep.Name, "step", step.Name, "error", err)
				value = nil
			}
			mu.Lock()
			results[step.Name] = value
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		h.logger.Error("composite failed", "endpoint", ep.Name, "error", err)
		respondError(c, http.StatusBadGateway, "upstream error", "")
		return
	}

	c.JSON(http.StatusOK, results)
}

// executeStep runs one sub-call. Steps reference other endpoints by name;
// private sub-endpoints are reachable here even though they are hidden
// from direct requests.
func (h *Handler) executeStep(ctx context.Context, env string, step config.CompositeStep, settings environment.Settings) (any, error) {
	sub, ok := h.endpointForStep(env, step.Endpoint)
	if !ok {
		return nil, fmt.Errorf("unknown endpoint %q", step.Endpoint)
	}

	switch sub.Kind {
	case config.KindSQL:
		result, _, err := h.executeSQLQuery(ctx, sub, settings, odata.Query{}, "")
		if err != nil {
			return nil, err
		}
		return result.Payload["value"], nil

	case config.KindProxy:
		return h.fetchProxyJSON(ctx, sub, settings)

	default:
		return nil, fmt.Errorf("endpoint %q cannot be a composite step", step.Endpoint)
	}
}

// endpointForStep resolves a sub-endpoint, ignoring the private flag but
// still honouring the environment allow-list.
func (h *Handler) endpointForStep(env, name string) (config.EndpointConfig, bool) {
	for _, ep := range h.cfg.Endpoints {
		if ep.Name == name && ep.EnvironmentAllowed(env) {
			return ep, true
		}
	}
	return config.EndpointConfig{}, false
}

func (h *Handler) fetchProxyJSON(ctx context.Context, ep config.EndpointConfig, settings environment.Settings) (any, error) {
	target := expandTarget(ep.TargetURL, settings, "")
	if !h.urlGuard.IsURLSafe(target) {
		return nil, fmt.Errorf("destination blocked: %s", target)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	for name, value := range settings.Headers {
		req.Header.Set(name, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("upstream returned invalid JSON: %w", err)
	}
	return value, nil
}
