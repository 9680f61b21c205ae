package dcrproxy

import (
	"context"
	"sync"
)

// ClientStore persists downstream client registrations. Lookups for unknown
// IDs return (nil, nil), not an error.
type ClientStore interface {
	GetClient(ctx context.Context, clientID string) (*ClientInformation, error)
	SaveClient(ctx context.Context, info *ClientInformation) error
	DeleteClient(ctx context.Context, clientID string) error
}

// TokenStore is the proxy's token bookkeeping. The compound operations
// (SaveTokens, RotateRefreshToken, the Revoke pair) must be atomic within an
// implementation: a reader never observes a half-rotated or half-revoked
// token family.
type TokenStore interface {
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)
	DeleteAuthorizationCode(ctx context.Context, code string) error

	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// SaveTokens records an access token and, when refresh is non-nil, the
	// refresh token paired with it.
	SaveTokens(ctx context.Context, access *AccessToken, refresh *RefreshToken) error

	// RotateRefreshToken removes oldRefresh and every access token paired
	// with it, then records the replacement pair.
	RotateRefreshToken(ctx context.Context, oldRefresh string, access *AccessToken, refresh *RefreshToken) error

	// RevokeAccessToken removes the access token, its paired refresh token,
	// and every other access token minted from that refresh token.
	RevokeAccessToken(ctx context.Context, token string) error

	// RevokeRefreshToken removes the refresh token and every access token
	// paired with it.
	RevokeRefreshToken(ctx context.Context, token string) error
}

// MemoryStore is the default single-process ClientStore + TokenStore. All
// state is lost on restart, which for a proxy just means downstream clients
// re-register and re-authorize.
type MemoryStore struct {
	mu sync.Mutex

	clients       map[string]*ClientInformation
	codes         map[string]*AuthorizationCode
	access        map[string]*AccessToken
	refresh       map[string]*RefreshToken
	accessRefresh map[string]string   // access token -> paired refresh token
	refreshAccess map[string][]string // refresh token -> access tokens minted from it
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:       make(map[string]*ClientInformation),
		codes:         make(map[string]*AuthorizationCode),
		access:        make(map[string]*AccessToken),
		refresh:       make(map[string]*RefreshToken),
		accessRefresh: make(map[string]string),
		refreshAccess: make(map[string][]string),
	}
}

var _ ClientStore = (*MemoryStore)(nil)
var _ TokenStore = (*MemoryStore)(nil)

func (s *MemoryStore) GetClient(ctx context.Context, clientID string) (*ClientInformation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients[clientID], nil
}

func (s *MemoryStore) SaveClient(ctx context.Context, info *ClientInformation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[info.ClientID] = info
	return nil
}

func (s *MemoryStore) DeleteClient(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, clientID)
	return nil
}

func (s *MemoryStore) SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.Code] = code
	return nil
}

func (s *MemoryStore) GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := s.codes[code]
	if found != nil && found.Expired() {
		delete(s.codes, code)
		return nil, nil
	}
	return found, nil
}

func (s *MemoryStore) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, code)
	return nil
}

func (s *MemoryStore) GetAccessToken(ctx context.Context, token string) (*AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := s.access[token]
	if found != nil && found.Expired() {
		s.dropAccessLocked(token)
		return nil, nil
	}
	return found, nil
}

func (s *MemoryStore) GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := s.refresh[token]
	if found != nil && found.Expired() {
		s.dropRefreshFamilyLocked(token)
		return nil, nil
	}
	return found, nil
}

func (s *MemoryStore) SaveTokens(ctx context.Context, access *AccessToken, refresh *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveTokensLocked(access, refresh)
	return nil
}

func (s *MemoryStore) RotateRefreshToken(ctx context.Context, oldRefresh string, access *AccessToken, refresh *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropRefreshFamilyLocked(oldRefresh)
	s.saveTokensLocked(access, refresh)
	return nil
}

func (s *MemoryStore) RevokeAccessToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if paired, ok := s.accessRefresh[token]; ok {
		s.dropRefreshFamilyLocked(paired)
	}
	s.dropAccessLocked(token)
	return nil
}

func (s *MemoryStore) RevokeRefreshToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropRefreshFamilyLocked(token)
	return nil
}

func (s *MemoryStore) saveTokensLocked(access *AccessToken, refresh *RefreshToken) {
	s.access[access.Token] = access
	if refresh == nil {
		return
	}
	s.refresh[refresh.Token] = refresh
	s.accessRefresh[access.Token] = refresh.Token
	s.refreshAccess[refresh.Token] = append(s.refreshAccess[refresh.Token], access.Token)
}

func (s *MemoryStore) dropAccessLocked(token string) {
	if paired, ok := s.accessRefresh[token]; ok {
		kept := s.refreshAccess[paired][:0]
		for _, at := range s.refreshAccess[paired] {
			if at != token {
				kept = append(kept, at)
			}
		}
		if len(kept) == 0 {
			delete(s.refreshAccess, paired)
		} else {
			s.refreshAccess[paired] = kept
		}
	}
	delete(s.accessRefresh, token)
	delete(s.access, token)
}

func (s *MemoryStore) dropRefreshFamilyLocked(token string) {
	for _, at := range s.refreshAccess[token] {
		delete(s.access, at)
		delete(s.accessRefresh, at)
	}
	delete(s.refreshAccess, token)
	delete(s.refresh, token)
}
