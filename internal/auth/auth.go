// Package auth guards the control API with a bearer token whose bcrypt hash
// is configured at startup.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

type ctxKey string

const tokenKey ctxKey = "token"

func HashToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", errors.New("auth: empty token")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	return string(b), err
}

func CheckToken(hash, token string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token))
	return err == nil
}

// Guard checks bearer tokens. bcrypt is slow, so a token that has already
// matched is remembered by its digest.
type Guard struct {
	hash string

	mu       sync.Mutex
	accepted [][sha256.Size]byte
}

func NewGuard(hash string) *Guard {
	return &Guard{hash: hash}
}

// Enabled reports whether a hash is configured. A guard without one rejects
// every request.
func (g *Guard) Enabled() bool { return g != nil && g.hash != "" }

func (g *Guard) Check(token string) bool {
	if !g.Enabled() || token == "" {
		return false
	}
	sum := sha256.Sum256([]byte(token))
	g.mu.Lock()
	for _, a := range g.accepted {
		if subtle.ConstantTimeCompare(a[:], sum[:]) == 1 {
			g.mu.Unlock()
			return true
		}
	}
	g.mu.Unlock()
	if !CheckToken(g.hash, token) {
		return false
	}
	g.mu.Lock()
	g.accepted = append(g.accepted, sum)
	g.mu.Unlock()
	return true
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// RequireToken rejects requests without a valid bearer token.
func (g *Guard) RequireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := bearer(r)
		if !g.Check(tok) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="mealsched"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), tokenKey, true)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticated reports whether ctx passed RequireToken.
func Authenticated(ctx context.Context) bool {
	ok, _ := ctx.Value(tokenKey).(bool)
	return ok
}
