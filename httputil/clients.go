package httputil

import (
	"net/http"
	"net/url"
	"time"

	"rare_birds/config"
)

type Clients struct {
	Scraping *http.Client // alert page, proxied when PROXY_URL is set
	API      *http.Client // eBird API
	Lookup   *http.Client // Nominatim and Wikipedia summaries
	Media    *http.Client // image downloads
}

func NewClients(proxyCfg *config.ProxyConfig) *Clients {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyCfg != nil && proxyCfg.URL != "" {
		if proxyURL, err := url.Parse(proxyCfg.URL); err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	return &Clients{
		Scraping: &http.Client{Timeout: 30 * time.Second, Transport: transport},
		API:      &http.Client{Timeout: 30 * time.Second},
		Lookup:   &http.Client{Timeout: 10 * time.Second},
		Media:    &http.Client{Timeout: 10 * time.Second},
	}
}
