// Package httpclient provides the shared outbound client for JSON
// endpoints (token refresh, device flows, usage pull). The streaming
// upstream call uses its own net/http transport instead; req buffers
// response bodies.
package httpclient

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/imroc/req/v3"
)

var (
	defaultClient *req.Client
	once          sync.Once
)

func GetClient() *req.Client {
	once.Do(func() {
		defaultClient = NewClient("")
	})
	return defaultClient
}

// NewClient builds a client with a browser TLS fingerprint; the desktop
// auth endpoints sit behind CDN bot filtering. proxyURL overrides the
// system proxy when set.
func NewClient(proxyURL string) *req.Client {
	client := req.C().
		SetTimeout(10 * time.Minute).
		ImpersonateChrome().
		SetCookieJar(nil)

	proxy := strings.TrimSpace(proxyURL)
	if proxy == "" {
		proxy = systemProxy()
	}
	if proxy != "" {
		client.SetProxyURL(proxy)
	}

	return client
}

func systemProxy() string {
	for _, env := range []string{
		"HTTPS_PROXY", "https_proxy",
		"HTTP_PROXY", "http_proxy",
		"ALL_PROXY", "all_proxy",
	} {
		if proxy := os.Getenv(env); proxy != "" {
			return proxy
		}
	}
	return ""
}
