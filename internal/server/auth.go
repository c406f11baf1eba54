package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// Authenticator accepts driver API keys by their SHA-256 hash, so the
// configuration never holds a usable key.
type Authenticator struct {
	hashes [][]byte
}

// NewAuthenticator creates an authenticator for hex-encoded key hashes.
func NewAuthenticator(keyHashes []string) (*Authenticator, error) {
	a := &Authenticator{}
	for _, h := range keyHashes {
		raw, err := hex.DecodeString(strings.TrimSpace(h))
		if err != nil || len(raw) != sha256.Size {
			return nil, fmt.Errorf("invalid api key hash %q", h)
		}
		a.hashes = append(a.hashes, raw)
	}
	return a, nil
}

// Valid reports whether key matches one of the configured hashes.
func (a *Authenticator) Valid(key string) bool {
	sum := sha256.Sum256([]byte(key))
	ok := 0
	for _, h := range a.hashes {
		ok |= subtle.ConstantTimeCompare(sum[:], h)
	}
	return ok == 1
}

// HashAPIKey returns the hex SHA-256 of key, as stored in configuration.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ExtractAPIKey reads a bearer token from the Authorization header.
func ExtractAPIKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("missing Authorization header")
	}
	scheme, key, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || key == "" {
		return "", fmt.Errorf("invalid Authorization header format")
	}
	return key, nil
}

// AuthMiddleware rejects requests without a valid driver key. A nil
// authenticator lets everything through.
func AuthMiddleware(a *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if a == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, err := ExtractAPIKey(r)
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}
			if !a.Valid(key) {
				writeError(w, r, http.StatusUnauthorized, "unauthorized", "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
