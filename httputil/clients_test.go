package httputil

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rare_birds/config"
)

func TestNewClients_Timeouts(t *testing.T) {
	c := NewClients(&config.ProxyConfig{})

	assert.Equal(t, 30*time.Second, c.Scraping.Timeout)
	assert.Equal(t, 30*time.Second, c.API.Timeout)
	assert.Equal(t, 10*time.Second, c.Lookup.Timeout)
	assert.Equal(t, 10*time.Second, c.Media.Timeout)
}

func TestNewClients_ProxyOnlyOnScraping(t *testing.T) {
	c := NewClients(&config.ProxyConfig{URL: "http://proxy.local:8080"})

	transport, ok := c.Scraping.Transport.(*http.Transport)
	require.True(t, ok)

	req, err := http.NewRequest(http.MethodGet, "https://ebird.org/alert/summary", nil)
	require.NoError(t, err)
	proxy, err := transport.Proxy(req)
	require.NoError(t, err)
	require.NotNil(t, proxy)
	assert.Equal(t, "proxy.local:8080", proxy.Host)

	assert.Nil(t, c.API.Transport)
}
