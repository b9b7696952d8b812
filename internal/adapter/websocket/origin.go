package websocket

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
)

// NewCheckOrigin accepts requests without an Origin header and those from the
// app's own origin (derived from appURL). Loopback origins are accepted in
// development.
func NewCheckOrigin(appURL string, isDevelopment bool) func(r *http.Request) bool {
	appOrigin := originOf(appURL)

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		switch {
		case origin == "":
			return true
		case appOrigin != "" && origin == appOrigin:
			return true
		case isDevelopment && isLoopback(origin):
			return true
		case appOrigin == "" && sameHost(origin, r.Host):
			return true
		}

		slog.Warn("WebSocket origin rejected", "origin", origin, "remote_addr", r.RemoteAddr)
		return false
	}
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func isLoopback(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// sameHost covers deployments without APP_URL, where the page is served by
// this process under whatever host name the browser used.
func sameHost(origin, requestHost string) bool {
	u, err := url.Parse(origin)
	return err == nil && u.Host != "" && u.Host == requestHost
}
