package velox

import (
	"crypto/subtle"
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemorySessionStore keeps sessions in memory and authenticates new
// clients with HTTP Basic credentials.
type MemorySessionStore struct {
	// Cookie is the session cookie name; it must match Config.SessionCookie.
	Cookie string

	mu          sync.RWMutex
	credentials map[string]string
	sessions    map[string]*Session
	now         func() time.Time
}

// NewMemorySessionStore returns a store accepting the given user/password
// pairs.
func NewMemorySessionStore(cookie string, credentials map[string]string) *MemorySessionStore {
	if cookie == "" {
		cookie = "session"
	}
	creds := make(map[string]string, len(credentials))
	for u, p := range credentials {
		creds[u] = p
	}
	return &MemorySessionStore{
		Cookie:      cookie,
		credentials: creds,
		sessions:    make(map[string]*Session),
		now:         time.Now,
	}
}

// Lookup implements SessionStore. A known session cookie wins; otherwise
// valid Basic credentials yield a session without an ID for Create.
func (s *MemorySessionStore) Lookup(authorization string, cookies map[string]string) (*Session, bool) {
	if id := cookies[s.Cookie]; id != "" {
		s.mu.RLock()
		sess, ok := s.sessions[id]
		s.mu.RUnlock()
		if ok {
			return sess, true
		}
	}
	user, pass, ok := parseBasic(authorization)
	if !ok {
		return nil, false
	}
	s.mu.RLock()
	want, known := s.credentials[user]
	s.mu.RUnlock()
	if !known || subtle.ConstantTimeCompare([]byte(pass), []byte(want)) != 1 {
		return nil, false
	}
	return &Session{Principal: user}, true
}

// Create implements SessionStore.
func (s *MemorySessionStore) Create(clientKey string) *Session {
	sess := &Session{ID: uuid.NewString(), Principal: clientKey, Created: s.now()}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess
}

// Revoke forgets a session.
func (s *MemorySessionStore) Revoke(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Len returns the number of live sessions.
func (s *MemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func parseBasic(authorization string) (user, pass string, ok bool) {
	const prefix = "basic "
	if len(authorization) < len(prefix) || !strings.EqualFold(authorization[:len(prefix)], prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(authorization[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	user, pass, ok = strings.Cut(string(raw), ":")
	return user, pass, ok
}
