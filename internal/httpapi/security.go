package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/strandworks/storefront/internal/domain/auth"
)

// apiKeyHeader carries the caller's raw API key.
const apiKeyHeader = "X-Api-Key"

// Security authenticates admin requests via HMAC-SHA256 hashed API keys.
// Raw keys never touch storage: the pepper-keyed hash is the lookup key.
type Security struct {
	apikeys auth.Repository
	pepper  []byte
}

// NewSecurity creates a Security with the given API key repository and HMAC
// pepper.
func NewSecurity(apikeys auth.Repository, pepper []byte) *Security {
	return &Security{
		apikeys: apikeys,
		pepper:  pepper,
	}
}

// HashKey computes the hex HMAC-SHA256 of a raw API key under the pepper.
// Shared with key provisioning so both sides derive the same hash.
func HashKey(pepper []byte, rawKey string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(rawKey))
	return hex.EncodeToString(mac.Sum(nil))
}

// RequireAPIKey rejects requests whose key does not resolve to an active
// stored hash, or whose key lacks the given scope. The hash comparison is
// constant-time to keep the check free of timing side-channels even when
// the repository returns a stale row.
func (s *Security) RequireAPIKey(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get(apiKeyHeader)
			if rawKey == "" {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing api key")
				return
			}

			mac := hmac.New(sha256.New, s.pepper)
			mac.Write([]byte(rawKey))
			hash := mac.Sum(nil)

			info, err := s.apikeys.FindByHash(r.Context(), hex.EncodeToString(hash))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid api key")
				return
			}

			storedBytes, err := hex.DecodeString(info.KeyHash)
			if err != nil || subtle.ConstantTimeCompare(hash, storedBytes) != 1 {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid api key")
				return
			}

			if !info.HasScope(scope) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "api key lacks scope "+scope)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
