package metrics

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GuardedHandler wraps the Prometheus handler with the exposition policy:
// only /metrics exists, only GET and HEAD are allowed, and when auth is
// non-empty ("user:pass") requests must carry matching HTTP Basic
// credentials.
func GuardedHandler(auth string) http.Handler {
	inner := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimRight(r.URL.Path, "/") != "/metrics" {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if auth != "" && !basicAuthMatches(r, auth) {
			w.Header().Set("WWW-Authenticate", "Basic")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		inner.ServeHTTP(w, r)
	})
}

func basicAuthMatches(r *http.Request, expected string) bool {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Basic ") {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, "Basic "))
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(decoded, []byte(expected)) == 1
}

// Serve starts a metrics server on addr. Blocks until the server exits.
func Serve(addr, auth string) error {
	mux := http.NewServeMux()
	mux.Handle("/", GuardedHandler(auth))
	return http.ListenAndServe(addr, mux)
}
