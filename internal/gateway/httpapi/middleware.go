package httpapi

import (
	"net"
	"net/http"
	"slices"

	"github.com/jkaninda/okapi"
)

// cors sets CORS headers for allowed origins and answers preflight requests
// with 204. With no origins configured it passes every request through.
func (g *Gateway) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origins := g.config.CORSOrigins
		origin := r.Header.Get("Origin")
		if len(origins) > 0 && origin != "" {
			switch {
			case slices.Contains(origins, "*"):
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case slices.Contains(origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}
		if len(origins) > 0 && r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitBody caps request bodies: uploads at MaxUploadBytes, everything else
// at 1 MB.
func (g *Gateway) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			limit := int64(defaultMaxRequestSize)
			if r.URL.Path == pathUpload {
				limit = g.config.MaxUploadBytes
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit rejects clients that exhausted their token bucket with 429.
func (g *Gateway) rateLimit(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if err := g.allow(c.Request()); err != nil {
			return c.JSON(g.fail(c.Context(), "rate_limit", "", "", err))
		}
		return next(c)
	}
}

func (g *Gateway) allow(r *http.Request) error {
	if !g.limiter.Enabled() {
		return nil
	}
	if err := g.limiter.Allow(clientIP(r)); err != nil {
		if g.config.Metrics != nil {
			g.config.Metrics.RateLimitedTotal.Inc()
		}
		return err
	}
	return nil
}

// clientIP returns the host part of the remote address. Forwarded headers
// are ignored; they are client controlled.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
