package httpapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
)

// BasicAuth guards every route behind a single shared HTTP Basic-Auth
// credential. Only a salted scrypt digest of the password is kept;
// verification re-derives and constant-time compares.
type BasicAuth struct {
	username     string
	passwordHash string // "salt:digest", both base64
}

// NewBasicAuth constructs a BasicAuth from a username and a previously
// hashed password (see HashPassword).
func NewBasicAuth(username, passwordHash string) *BasicAuth {
	return &BasicAuth{username: username, passwordHash: passwordHash}
}

// HashPassword derives a storable "salt:digest" string for password,
// suitable for persisting as Settings.WebUIPasswordHash.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("httpapi: generate salt: %w", err)
	}
	digest, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("httpapi: scrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(salt) + ":" + base64.StdEncoding.EncodeToString(digest), nil
}

func verifyPassword(password, stored string) bool {
	parts := strings.SplitN(stored, ":", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	got, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}

// Wrap returns next guarded by HTTP Basic-Auth.
func (a *BasicAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != a.username || !verifyPassword(pass, a.passwordHash) {
			w.Header().Set("WWW-Authenticate", `Basic realm="loom"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
