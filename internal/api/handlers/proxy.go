package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/melosso/portway/internal/config"
	"github.com/melosso/portway/internal/environment"
)

// hopByHopHeaders are stripped in both directions when proxying.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func (h *Handler) handleProxy(c *gin.Context, ep config.EndpointConfig, settings environment.Settings, id string) {
	ctx := c.Request.Context()

	target := expandTarget(ep.TargetURL, settings, id)
	if raw := c.Request.URL.RawQuery; raw != "" {
		if strings.Contains(target, "?") {
			target += "&" + raw
		} else {
			target += "?" + raw
		}
	}

	if !h.urlGuard.IsURLSafe(target) {
		h.logger.Warn("proxy destination blocked", "endpoint", ep.Name, "target", target)
		respondError(c, http.StatusBadGateway, "DestinationBlocked", "")
		return
	}

	req, err := http.NewRequestWithContext(ctx, c.Request.Method, target, c.Request.Body)
	if err != nil {
		respondError(c, http.StatusBadRequest, "malformed request", "")
		return
	}

	copyHeaders(req.Header, c.Request.Header)
	// The bearer token authenticates against the gateway, not upstream.
	req.Header.Del("Authorization")
	for name, value := range settings.Headers {
		req.Header.Set(name, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		h.logger.Error("proxy request failed", "endpoint", ep.Name, "error", err)
		respondError(c, status, "upstream error", "")
		return
	}
	defer resp.Body.Close()

	copyHeaders(c.Writer.Header(), resp.Header)
	c.Status(resp.StatusCode)

	buf := h.buffers.Get()
	defer h.buffers.Put(buf)
	if _, err := io.CopyBuffer(c.Writer, resp.Body, buf); err != nil {
		// Headers are already on the wire; all we can do is log and
		// close the connection short.
		h.logger.Error("proxy response stream failed", "endpoint", ep.Name, "error", err)
	}
}

// expandTarget substitutes {server} and {id} in a proxy URL template.
func expandTarget(template string, settings environment.Settings, id string) string {
	target := strings.ReplaceAll(template, "{server}", settings.ServerName)
	target = strings.ReplaceAll(target, "{id}", id)
	return strings.TrimSuffix(target, "/")
}

func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}
