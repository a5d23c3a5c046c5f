package transport

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// corsMiddleware answers cross-origin browsers for the configured host and
// its subdomains. Scheme and port are not part of the match; the API only
// speaks GET and OPTIONS.
func corsMiddleware(allowedHost string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && originAllowed(allowedHost, origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
				h.Add("Vary", "Origin")
				if r.Method == http.MethodOptions {
					h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
					h.Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// originAllowed reports whether the Origin header names the allowed host or
// one of its subdomains.
func originAllowed(allowedHost, origin string) bool {
	host := originHost(origin)
	if host == "" || allowedHost == "" {
		return false
	}
	return host == allowedHost || strings.HasSuffix(host, "."+allowedHost)
}

// originHost extracts the bare hostname from an Origin header value.
func originHost(origin string) string {
	hostport := origin
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		hostport = u.Host
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
