// Package userstore implements the external UserStore collaborator described
// in the screener's wire protocol: token resolution and per-user allow-listed
// filter configuration. The real deployment target for this interface is a
// separate service; InMemoryStore is the in-process stand-in that lets the
// engine run and be tested without one.
package userstore

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/yofutures/impulse-screener/auth"
)

// AllowedFilters enumerates the legal values for every filter key a user may
// set via set_config. The first value of each slice is the default applied
// when a user has no override for that key.
var AllowedFilters = map[string][]float64{
	"volume_threshold":  {1e7, 2e7, 5e7, 1e8, 2e8, 5e8},
	"min_trades_24h":    {1e4, 5e4, 1e5, 2e5},
	"orderbook_min_bid": {2e4, 5e4, 1e5, 2e5},
	"orderbook_min_ask": {2e4, 5e4, 1e5, 2e5},
	"impulse_trades":    {1e2, 2e2, 5e2, 1e3},
}

// Profile is the shape consumed from the external user store.
type Profile struct {
	UserID string
	Token  string
	ChatID string
	Config map[string]float64
}

// Store is the interface ScreenerEngine and PushHub depend on. It matches
// the external collaborator named in the wire protocol: resolve_token,
// get_user_cfg, patch_user_cfg, all_users.
type Store interface {
	ResolveToken(token string) (userID string, ok bool)
	GetUserConfig(userID string) (map[string]float64, bool)
	PatchUserConfig(userID string, patch map[string]float64) (map[string]float64, error)
	AllUsers() map[string]Profile
}

// InMemoryStore is a process-local Store backed by a map, guarded by an
// RWMutex so resolves/reads may run concurrently with the occasional
// set_config write; writes from set_config must be serialized.
type InMemoryStore struct {
	mu       sync.RWMutex
	users    map[string]*Profile
	signer   *auth.Signer
	tokenTTL time.Duration
}

// NewInMemoryStore constructs an empty store. signer mints the bearer tokens
// CreateUser hands back; the same signer (same secret) must also back
// whatever validates those tokens elsewhere in the process. tokenTTL of zero
// falls back to a 10-year token lifetime.
func NewInMemoryStore(signer *auth.Signer, tokenTTL time.Duration) *InMemoryStore {
	if tokenTTL <= 0 {
		tokenTTL = 10 * 365 * 24 * time.Hour
	}
	return &InMemoryStore{
		users:    make(map[string]*Profile),
		signer:   signer,
		tokenTTL: tokenTTL,
	}
}

// CreateUser provisions a new user with a freshly issued bearer token and
// returns the profile. chatID is optional (empty string if the user has no
// chat sink target).
func (s *InMemoryStore) CreateUser(chatID string) (*Profile, error) {
	userID := uuid.New().String()
	token, err := s.signer.Issue(userID, s.tokenTTL)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p := &Profile{
		UserID: userID,
		Token:  token,
		ChatID: chatID,
		Config: map[string]float64{},
	}
	s.users[userID] = p
	return p, nil
}

// ResolveToken validates the JWT-formatted token and confirms the user it
// names still exists in the store. This is the auth_resolver hook PushHub's
// Unauthed→Authed transition calls.
func (s *InMemoryStore) ResolveToken(token string) (string, bool) {
	userID, err := s.signer.Validate(token)
	if err != nil {
		return "", false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.users[userID]; !ok {
		return "", false
	}
	return userID, true
}

// GetUserConfig returns the user's overrides merged over the enumerated-first
// defaults: every allow-listed key's default is its first enumerated value.
func (s *InMemoryStore) GetUserConfig(userID string) (map[string]float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.users[userID]
	if !ok {
		return nil, false
	}
	return mergedConfig(p.Config), true
}

// PatchUserConfig validates patch against the allow-list, merges accepted
// keys into the user's stored overrides, and returns the new merged config.
// Keys absent from AllowedFilters, or present with a value outside the
// enumerated set, are dropped rather than rejecting the whole patch.
func (s *InMemoryStore) PatchUserConfig(userID string, patch map[string]float64) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("unknown user %s", userID)
	}

	for key, value := range patch {
		allowed, known := AllowedFilters[key]
		if !known {
			continue
		}
		if !isAllowedValue(allowed, value) {
			continue
		}
		p.Config[key] = value
	}

	return mergedConfig(p.Config), nil
}

// AllUsers returns a snapshot of every stored profile, keyed by user id.
func (s *InMemoryStore) AllUsers() map[string]Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Profile, len(s.users))
	for id, p := range s.users {
		out[id] = Profile{
			UserID: p.UserID,
			Token:  p.Token,
			ChatID: p.ChatID,
			Config: mergedConfig(p.Config),
		}
	}
	return out
}

func mergedConfig(overrides map[string]float64) map[string]float64 {
	merged := make(map[string]float64, len(AllowedFilters))
	for key, allowed := range AllowedFilters {
		merged[key] = allowed[0]
	}
	for key, value := range overrides {
		if _, known := AllowedFilters[key]; known {
			merged[key] = value
		}
	}
	return merged
}

func isAllowedValue(allowed []float64, value float64) bool {
	for _, v := range allowed {
		if v == value {
			return true
		}
	}
	return false
}
