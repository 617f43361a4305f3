// Package credentials resolves API keys used for signed venue requests.
package credentials

import (
	"os"
	"strings"
	"sync"

	"github.com/coachpo/venuelink/errs"
)

const (
	// EnvAPIKey names the environment variable holding the API key.
	EnvAPIKey = "VENUELINK_API_KEY"
	// EnvAPISecret names the environment variable holding the API secret.
	EnvAPISecret = "VENUELINK_API_SECRET"
)

// APIKey is a key/secret pair.
type APIKey struct {
	ID     string
	Key    string
	Secret string
}

// Store looks up API keys.
type Store interface {
	GetAPIKey(id string) (APIKey, error)
	GetDefaultAPIKeyID(exchangeID string) (string, error)
}

// Static is an in-memory Store.
type Static struct {
	mu       sync.RWMutex
	keys     map[string]APIKey
	defaults map[string]string
}

// NewStatic constructs an empty store.
func NewStatic() *Static {
	return &Static{keys: make(map[string]APIKey), defaults: make(map[string]string)}
}

// Put stores key and, when no default exists for exchangeID yet, makes it the default.
func (s *Static) Put(exchangeID string, key APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	if _, ok := s.defaults[exchangeID]; !ok {
		s.defaults[exchangeID] = key.ID
	}
}

func (s *Static) GetAPIKey(id string) (APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[id]
	if !ok {
		return APIKey{}, errs.New("", errs.CodeAuth, errs.WithMessage("unknown api key id "+id))
	}
	return key, nil
}

func (s *Static) GetDefaultAPIKeyID(exchangeID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.defaults[exchangeID]
	if !ok {
		return "", errs.New(exchangeID, errs.CodeAuth, errs.WithMessage("no default api key"))
	}
	return id, nil
}

// FromEnv builds a store holding the key from VENUELINK_API_KEY and VENUELINK_API_SECRET.
// An empty store is returned when the key is unset, leaving public endpoints usable.
func FromEnv(exchangeID, id string) *Static {
	s := NewStatic()
	key := strings.TrimSpace(os.Getenv(EnvAPIKey))
	secret := strings.TrimSpace(os.Getenv(EnvAPISecret))
	if key == "" {
		return s
	}
	if id == "" {
		id = exchangeID + "-default"
	}
	s.Put(exchangeID, APIKey{ID: id, Key: key, Secret: secret})
	return s
}
