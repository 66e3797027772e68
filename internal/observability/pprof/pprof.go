// Package pprof mounts the net/http/pprof handlers behind a bearer token.
package pprof

import (
	"crypto/subtle"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/gorilla/mux"
)

// Prefix is where the profiles are served.
const Prefix = "/debug/pprof/"

// Mount registers the profiling endpoints on r. Requests must carry token as
// "Authorization: Bearer <token>" or "?token=<token>". An empty token mounts nothing.
func Mount(r *mux.Router, token string) bool {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return false
	}
	sub := r.PathPrefix(strings.TrimSuffix(Prefix, "/")).Subrouter()
	sub.Use(func(next http.Handler) http.Handler { return withAuth(tok, next) })
	sub.HandleFunc("/cmdline", hpprof.Cmdline)
	sub.HandleFunc("/profile", hpprof.Profile)
	sub.HandleFunc("/symbol", hpprof.Symbol)
	sub.HandleFunc("/trace", hpprof.Trace)
	// Index serves the named profiles (heap, goroutine, ...) by path suffix.
	sub.PathPrefix("/").HandlerFunc(hpprof.Index)
	return true
}

func withAuth(token string, next http.Handler) http.Handler {
	want := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) {
				got = strings.TrimSpace(strings.TrimPrefix(ah, p))
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
