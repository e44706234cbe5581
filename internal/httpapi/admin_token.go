package httpapi

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const bcryptCost = 10

// hashForBcrypt pre-hashes a token with SHA-256 to stay within bcrypt's
// 72-byte limit.
func hashForBcrypt(token string) []byte {
	h := sha256.Sum256([]byte(token))
	return []byte(hex.EncodeToString(h[:]))
}

// AdminToken guards the mutating admin endpoints. Only a bcrypt hash is
// persisted; the plaintext exists in memory solely when the operator supplied
// it or it was generated this boot.
type AdminToken struct {
	mu      sync.RWMutex
	token   string // plaintext, may be "" after a restart without env
	hash    []byte // bcrypt hash, always set
	dataDir string
}

// NewAdminToken resolves the admin token with the following precedence:
//
//  1. Explicit env/config value (operator-provided, source of truth)
//  2. Previously persisted hash from the data directory (plaintext unknown)
//  3. Newly generated random token, logged once
//
// The resolved token's hash is always persisted so restarts without the env
// var keep accepting the same token.
func NewAdminToken(configToken, dataDir string, logger *slog.Logger) (*AdminToken, error) {
	a := &AdminToken{dataDir: dataDir}

	if configToken != "" {
		if err := a.set(configToken); err != nil {
			return nil, err
		}
		return a, nil
	}

	if hash := a.readPersisted(); hash != nil {
		a.hash = hash
		return a, nil
	}

	token, err := randomToken()
	if err != nil {
		return nil, err
	}
	if err := a.set(token); err != nil {
		return nil, err
	}
	// The log stream redacts credentials, so the generated plaintext goes
	// into a 0600 file the operator reads once and deletes.
	if hashPath := a.tokenFile(); hashPath != "" {
		plainPath := hashPath + ".plain"
		if err := os.WriteFile(plainPath, []byte(token+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("write generated admin token: %w", err)
		}
		logger.Warn("ADMIN_TOKEN not set, generated one for this install",
			slog.String("path", plainPath))
	}
	return a, nil
}

func randomToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate admin token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

func (a *AdminToken) set(token string) error {
	hash, err := bcrypt.GenerateFromPassword(hashForBcrypt(token), bcryptCost)
	if err != nil {
		return fmt.Errorf("hash admin token: %w", err)
	}
	a.mu.Lock()
	a.token = token
	a.hash = hash
	a.mu.Unlock()
	return a.persist(hash)
}

// Verify reports whether the provided token is the admin token. Uses a
// constant-time compare when the plaintext is in memory, bcrypt otherwise.
func (a *AdminToken) Verify(provided string) bool {
	a.mu.RLock()
	token, hash := a.token, a.hash
	a.mu.RUnlock()

	if token != "" {
		return subtle.ConstantTimeCompare([]byte(provided), []byte(token)) == 1
	}
	return bcrypt.CompareHashAndPassword(hash, hashForBcrypt(provided)) == nil
}

// Rotate replaces the token with a fresh random one and returns the new
// plaintext exactly once.
func (a *AdminToken) Rotate() (string, error) {
	token, err := randomToken()
	if err != nil {
		return "", err
	}
	if err := a.set(token); err != nil {
		return "", err
	}
	return token, nil
}

func (a *AdminToken) tokenFile() string {
	if a.dataDir == "" {
		return ""
	}
	return filepath.Join(a.dataDir, ".admin-token")
}

func (a *AdminToken) readPersisted() []byte {
	path := a.tokenFile()
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	hash := []byte(strings.TrimSpace(string(data)))
	if len(hash) == 0 {
		return nil
	}
	return hash
}

func (a *AdminToken) persist(hash []byte) error {
	path := a.tokenFile()
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(hash, '\n'), 0o600)
}

// RequireAdmin is middleware rejecting requests without a valid admin token
// in X-Admin-Token or an Authorization bearer.
func RequireAdmin(a *AdminToken) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("X-Admin-Token")
			if token == "" {
				token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if token == "" || !a.Verify(token) {
				jsonError(w, "invalid admin token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
