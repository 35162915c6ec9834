package handlers

import (
	"net/http"
	"testing"

	"github.com/melosso/portway/internal/environment"
	"github.com/stretchr/testify/assert"
)

func TestExpandTarget(t *testing.T) {
	settings := environment.Settings{ServerName: "erp.example.com"}

	assert.Equal(t, "https://erp.example.com/api/invoices",
		expandTarget("https://{server}/api/invoices", settings, ""))
	assert.Equal(t, "https://erp.example.com/api/invoices/42",
		expandTarget("https://{server}/api/invoices/{id}", settings, "42"))
	// A template with an unused {id} placeholder loses its trailing slash.
	assert.Equal(t, "https://erp.example.com/api/invoices",
		expandTarget("https://{server}/api/invoices/{id}", settings, ""))
}

func TestIsHopByHop(t *testing.T) {
	assert.True(t, isHopByHop("Connection"))
	assert.True(t, isHopByHop("transfer-encoding"))
	assert.True(t, isHopByHop("KEEP-ALIVE"))
	assert.False(t, isHopByHop("Content-Type"))
	assert.False(t, isHopByHop("X-Custom"))
}

func TestCopyHeaders_StripsHopByHop(t *testing.T) {
	src := http.Header{
		"Content-Type":      {"application/json"},
		"Connection":        {"keep-alive"},
		"Transfer-Encoding": {"chunked"},
		"X-Custom":          {"a", "b"},
	}
	dst := http.Header{}

	copyHeaders(dst, src)

	assert.Equal(t, "application/json", dst.Get("Content-Type"))
	assert.Equal(t, []string{"a", "b"}, dst.Values("X-Custom"))
	assert.Empty(t, dst.Get("Connection"))
	assert.Empty(t, dst.Get("Transfer-Encoding"))
}
