// Package models defines request and response types for the Portway
// gateway API. All types are JSON-serializable.
package models

import "time"

// ErrorResponse is the stable error envelope returned on every failure.
type ErrorResponse struct {
	Error  string `json:"error"`
	Code   int    `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheck is one probe in the detailed health report.
type HealthCheck struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMS int64  `json:"durationMs"`
	Detail     string `json:"detail,omitempty"`
}

// HealthDetailsResponse is returned by /health/details.
type HealthDetailsResponse struct {
	Status          string        `json:"status"`
	Timestamp       time.Time     `json:"timestamp"`
	Checks          []HealthCheck `json:"checks"`
	TotalDurationMS int64         `json:"totalDuration"`
	Version         string        `json:"version"`
}
