// SPDX-License-Identifier: GPL-2.0-or-later

// Package auth implements HTTP basic authentication.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"sensormux/pkg/log"
	"sensormux/pkg/storage"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptHashCost bcrypt hash cost.
const DefaultBcryptHashCost = 10

// ValidateResponse ValidateRequest response.
type ValidateResponse struct {
	IsValid  bool
	Username string
}

// Authenticator blocks unauthenticated requests.
type Authenticator interface {
	// ValidateRequest validates raw http requests.
	ValidateRequest(*http.Request) ValidateResponse

	// AuthDisabled if all requests should be allowed.
	AuthDisabled() bool

	// User blocks unauthenticated requests.
	User(http.Handler) http.Handler
}

// ErrInvalidHash the password hash is not a bcrypt hash.
var ErrInvalidHash = errors.New("invalid password hash")

// NewAuthenticator returns a basic authenticator,
// or a disabled one if no username is configured.
func NewAuthenticator(c storage.AuthConfig, logger *log.Logger) (Authenticator, error) {
	if c.Username == "" {
		return none{}, nil
	}
	if _, err := bcrypt.Cost([]byte(c.PasswordHash)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHash, err)
	}
	return &Basic{
		username:  c.Username,
		hash:      []byte(c.PasswordHash),
		authCache: make(map[string]ValidateResponse),
		hashCost:  DefaultBcryptHashCost,
		logger:    logger,
	}, nil
}

// HashPassword returns the bcrypt hash of a password.
func HashPassword(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), DefaultBcryptHashCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

const maxAuthCacheSize = 64

// Basic single user basic authenticator.
type Basic struct {
	username  string
	hash      []byte
	authCache map[string]ValidateResponse
	hashCost  int

	logger *log.Logger
	mu     sync.Mutex
}

// ValidateRequest Should always take the same amount of
// time to run, even when username or password is invalid.
func (a *Basic) ValidateRequest(r *http.Request) ValidateResponse {
	req := r.Header.Get("Authorization")

	a.mu.Lock()
	if res, exist := a.authCache[req]; exist {
		a.mu.Unlock()
		return res
	}
	a.mu.Unlock()

	name, pass := parseBasicAuth(req)

	res := ValidateResponse{}
	if name != a.username {
		// Generate fake hash to prevent timing based attacks.
		bcrypt.GenerateFromPassword([]byte(name), a.hashCost) //nolint:errcheck
	} else if bcrypt.CompareHashAndPassword(a.hash, []byte(pass)) == nil {
		res = ValidateResponse{IsValid: true, Username: name}
	}

	// Failed attempts are not cached.
	if res.IsValid {
		a.mu.Lock()
		if len(a.authCache) >= maxAuthCacheSize {
			a.authCache = make(map[string]ValidateResponse)
		}
		a.authCache[req] = res
		a.mu.Unlock()
	}
	return res
}

// AuthDisabled implements Authenticator.
func (a *Basic) AuthDisabled() bool { return false }

// User blocks unauthorized requests and prompts for login.
func (a *Basic) User(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := a.ValidateRequest(r)
		if !res.IsValid {
			if r.Header.Get("Authorization") != "" {
				username, _ := parseBasicAuth(r.Header.Get("Authorization"))
				LogFailedLogin(a.logger, r, username)
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="sensormux"`)
			http.Error(w, "Unauthorized.", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Modified from net/http.
func parseBasicAuth(str string) (username, password string) {
	const prefix = "Basic "
	if len(str) < len(prefix) || !strings.EqualFold(str[:len(prefix)], prefix) {
		return
	}
	c, err := base64.StdEncoding.DecodeString(str[len(prefix):])
	if err != nil {
		return
	}
	cs := string(c)
	s := strings.IndexByte(cs, ':')
	if s < 0 {
		return
	}
	return cs[:s], cs[s+1:]
}

// LogFailedLogin finds and logs the ip.
func LogFailedLogin(logger *log.Logger, r *http.Request, username string) {
	ip := ""
	realIP := r.Header.Get("X-Real-Ip")
	if realIP != "" {
		ip += "real:" + realIP + " "
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" && forwarded != realIP {
		ip += "forwarded:" + forwarded + " "
	}
	remoteAddr := r.RemoteAddr
	if remoteAddr != "" && remoteAddr != forwarded {
		ip += "addr:" + remoteAddr
	}

	logger.Info().Src("app").Msgf("failed login: username: %v %v", username, ip)
}

type none struct{}

func (none) ValidateRequest(*http.Request) ValidateResponse {
	return ValidateResponse{IsValid: true}
}

func (none) AuthDisabled() bool { return true }

func (none) User(next http.Handler) http.Handler { return next }
