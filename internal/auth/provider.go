// Package auth supplies the bearer credential used for backend calls.
package auth

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"convopipe/internal/ports"
)

// Static serves a fixed token.
type Static struct {
	token string
	now   func() time.Time
}

func NewStatic(token string) *Static {
	return &Static{token: strings.TrimSpace(token), now: time.Now}
}

func (s *Static) CurrentCredential() string {
	return usable(s.token, s.now())
}

// File serves the token stored in a file, re-reading it when the file changes
// so a separate login flow can refresh it.
type File struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	modTime time.Time
	size    int64
	token   string
}

func NewFile(path string) *File {
	return &File{path: path, now: time.Now}
}

func (f *File) CurrentCredential() string {
	if strings.TrimSpace(f.path) == "" {
		return ""
	}
	info, err := os.Stat(f.path)
	if err != nil {
		return ""
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !info.ModTime().Equal(f.modTime) || info.Size() != f.size {
		data, err := os.ReadFile(f.path)
		if err != nil {
			return ""
		}
		f.token = strings.TrimSpace(string(data))
		f.modTime = info.ModTime()
		f.size = info.Size()
	}
	return usable(f.token, f.now())
}

// Chain returns the first non-empty credential from its providers.
type Chain []ports.CredentialProvider

func (c Chain) CurrentCredential() string {
	for _, p := range c {
		if p == nil {
			continue
		}
		if token := p.CurrentCredential(); token != "" {
			return token
		}
	}
	return ""
}

// usable drops JWTs whose exp has passed. The signature is not verified here;
// that is the server's job. Opaque tokens pass through.
func usable(token string, now time.Time) string {
	token = strings.TrimSpace(token)
	if token == "" || strings.Count(token, ".") != 2 {
		return token
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return token
	}
	if claims.ExpiresAt != nil && !now.Before(claims.ExpiresAt.Time) {
		return ""
	}
	return token
}
