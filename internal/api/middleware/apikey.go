package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// AdminKeyAuth guards the operator endpoints (ticket status changes and
// tables reload). Chat and read-only inspection stay open.
//
// A request must carry one of the configured keys via:
//   - Authorization: Bearer <key>
//   - X-API-Key: <key>
//
// With no keys configured the guard is disabled.
type AdminKeyAuth struct {
	mu   sync.RWMutex
	keys map[string]bool
}

// NewAdminKeyAuth creates the guard from a list of keys. Blank entries are
// ignored.
func NewAdminKeyAuth(keys []string) *AdminKeyAuth {
	a := &AdminKeyAuth{keys: make(map[string]bool)}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			a.keys[k] = true
		}
	}
	return a
}

// Enabled reports whether any key is configured.
func (a *AdminKeyAuth) Enabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys) > 0
}

// AddKey adds a key at runtime.
func (a *AdminKeyAuth) AddKey(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[key] = true
}

// RemoveKey removes a key at runtime. Removing the last key disables the guard.
func (a *AdminKeyAuth) RemoveKey(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.keys, key)
}

// Middleware enforces the admin key on every request it wraps.
func (a *AdminKeyAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		key := extractAPIKey(r)
		if key == "" {
			respondUnauthorized(w, "Admin key required. Set Authorization: Bearer <key> or X-API-Key header.")
			return
		}
		if !a.validateKey(key) {
			log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("Rejected admin request with invalid key")
			respondUnauthorized(w, "Invalid admin key.")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *AdminKeyAuth) validateKey(candidate string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for key := range a.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

func extractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

func respondUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="shopdesk"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": msg,
	})
}
