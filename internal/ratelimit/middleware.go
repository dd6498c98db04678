package ratelimit

import (
	"net"
	"net/http"
	"strconv"
)

// ClientIP returns the remote host of r without its port.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests over the per-client limit by calling reject
// after setting the Retry-After header.
func Middleware(l *Limiter, next http.Handler, reject func(http.ResponseWriter, *http.Request, Result)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := l.Allow(ClientIP(r))
		if !res.Allowed {
			secs := int(res.RetryAfter.Seconds() + 0.999)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			reject(w, r, res)
			return
		}
		next.ServeHTTP(w, r)
	})
}
