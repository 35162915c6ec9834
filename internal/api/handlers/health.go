package handlers

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/melosso/portway/internal/api/models"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HealthLive is the unauthenticated liveness probe.
func (h *Handler) HealthLive(c *gin.Context) {
	c.String(http.StatusOK, "Alive")
}

// Health reports overall status. Requires authentication.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, models.HealthResponse{
		Status:    "Healthy",
		Timestamp: time.Now().UTC(),
	})
}

// HealthDetails runs the individual component probes. Requires
// authentication.
func (h *Handler) HealthDetails(c *gin.Context) {
	start := time.Now()
	ctx := c.Request.Context()

	var checks []models.HealthCheck
	status := "Healthy"

	run := func(name string, probe func() (string, error)) {
		t := time.Now()
		detail, err := probe()
		check := models.HealthCheck{
			Name:       name,
			Status:     "Healthy",
			DurationMS: time.Since(t).Milliseconds(),
			Detail:     detail,
		}
		if err != nil {
			check.Status = "Unhealthy"
			check.Detail = err.Error()
			status = "Unhealthy"
		}
		checks = append(checks, check)
	}

	run("token-store", func() (string, error) {
		return "", h.store.Ping(ctx)
	})

	run("cache", func() (string, error) {
		if !h.cache.IsConnected(ctx) {
			return "", fmt.Errorf("%s provider not reachable", h.cache.ProviderType())
		}
		return string(h.cache.ProviderType()), nil
	})

	run("memory", func() (string, error) {
		vm, err := mem.VirtualMemory()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%.1f%% used", vm.UsedPercent), nil
	})

	run("cpu", func() (string, error) {
		usage, err := cpu.Percent(0, false)
		if err != nil {
			return "", err
		}
		detail := fmt.Sprintf("%d cores", runtime.NumCPU())
		if len(usage) > 0 {
			detail = fmt.Sprintf("%d cores, %.1f%% used", runtime.NumCPU(), usage[0])
		}
		return detail, nil
	})

	c.JSON(http.StatusOK, models.HealthDetailsResponse{
		Status:          status,
		Timestamp:       time.Now().UTC(),
		Checks:          checks,
		TotalDurationMS: time.Since(start).Milliseconds(),
		Version:         h.cfg.Server.Version,
	})
}
