// Package auth resolves session tokens to profile ids. Tokens are issued by an
// external identity service and registered here through the admin API.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"parley/internal/models"

	"github.com/c-pro/geche"
)

const DefaultTokenExpiry = 12 * time.Hour

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

// SessionRequest registers a token for a profile. An empty token asks the
// service to generate one.
type SessionRequest struct {
	ProfileID string `json:"profileId"`
	Token     string `json:"token,omitempty"`
}

type SessionResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	Token       string `json:"token,omitempty"`
	TokenExpiry int64  `json:"tokenExpiry,omitempty"`
}

// Sessions keeps live tokens in a TTL cache. Only keyed digests of tokens are held.
type Sessions struct {
	Config
	liveTokens geche.Geche[string, string]
	byProfile  *geche.Locker[string, []string]
	now        func() time.Time
}

func NewSessions(ctx context.Context, config Config) (*Sessions, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Sessions{
		Config:     config,
		liveTokens: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		byProfile:  geche.NewLocker[string, []string](geche.NewMapCache[string, []string]()),
		now:        time.Now,
	}, nil
}

func (s *Sessions) digest(token string) string {
	h := hmac.New(sha512.New, s.secretBytes)
	h.Write([]byte(token))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Register makes token resolve to profileID until it expires or is revoked.
func (s *Sessions) Register(req SessionRequest) (SessionResponse, error) {
	if err := models.ValidateID(req.ProfileID); err != nil {
		return SessionResponse{}, err
	}

	token := req.Token
	if token == "" {
		var err error
		if token, err = generateToken(); err != nil {
			slog.Error("session registration failed", "profile_id", req.ProfileID, "error", err)
			return SessionResponse{}, err
		}
	}

	key := s.digest(token)
	tx := s.byProfile.Lock()
	defer tx.Unlock()

	keys, _ := tx.Get(req.ProfileID)
	live := keys[:0]
	for _, k := range keys {
		if _, err := s.liveTokens.Get(k); err == nil && k != key {
			live = append(live, k)
		}
	}
	tx.Set(req.ProfileID, append(live, key))
	s.liveTokens.Set(key, req.ProfileID)

	return SessionResponse{
		Success:     true,
		Token:       token,
		TokenExpiry: s.now().Unix() + int64(s.TokenExpiry.Seconds()),
	}, nil
}

// Resolve returns the profile a token belongs to.
func (s *Sessions) Resolve(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing session token", models.ErrUnauthorized)
	}
	profileID, err := s.liveTokens.Get(s.digest(token))
	if err != nil {
		return "", fmt.Errorf("%w: unknown or expired session", models.ErrUnauthorized)
	}
	return profileID, nil
}

// Revoke invalidates a single token and returns the profile it belonged to.
func (s *Sessions) Revoke(token string) (string, error) {
	key := s.digest(token)
	profileID, err := s.liveTokens.Get(key)
	if err != nil {
		return "", fmt.Errorf("%w: session", models.ErrNotFound)
	}
	_ = s.liveTokens.Del(key)
	return profileID, nil
}

// RevokeProfile invalidates every token of a profile and reports how many were live.
func (s *Sessions) RevokeProfile(profileID string) int {
	tx := s.byProfile.Lock()
	defer tx.Unlock()

	keys, err := tx.Get(profileID)
	if err != nil {
		return 0
	}
	revoked := 0
	for _, k := range keys {
		if _, err := s.liveTokens.Get(k); err == nil {
			_ = s.liveTokens.Del(k)
			revoked++
		}
	}
	tx.Set(profileID, nil)
	return revoked
}

func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
