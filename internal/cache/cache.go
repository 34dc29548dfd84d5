package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kenneth/pngcrypt/internal/crypto"
)

// Session holds what the decrypt call needs from the matching encrypt call.
// The container itself carries none of it.
type Session struct {
	ID             string
	Key            *crypto.Keypair
	Mode           crypto.Mode
	IV             []byte
	OriginalLength int
	// Encrypted is set once an image has been encrypted under this session.
	Encrypted bool
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsExpired checks if the session has expired at the given time.
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Store is an interface for keeping sessions between HTTP requests.
type Store interface {
	// Create stores a new session for key and returns it.
	Create(ctx context.Context, key *crypto.Keypair) (*Session, error)

	// Get retrieves a session.
	Get(ctx context.Context, id string) (*Session, bool)

	// Update replaces a stored session. The expiry is left unchanged.
	Update(ctx context.Context, session *Session) error

	// Delete removes a session.
	Delete(ctx context.Context, id string) error

	// Clear removes all sessions.
	Clear(ctx context.Context) error

	// Stats returns store statistics.
	Stats() Stats
}

// Stats holds session store statistics.
type Stats struct {
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

// ErrSessionNotFound is returned by Update for unknown or expired sessions.
var ErrSessionNotFound = fmt.Errorf("session not found")

// memoryStore is an in-memory implementation of Store.
type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	maxItems int
	ttl      time.Duration
	stats    Stats
	now      func() time.Time
}

// NewSessionStore creates a new in-memory session store. When full, the
// session closest to expiry is evicted.
func NewSessionStore(ttl time.Duration, maxItems int) Store {
	if maxItems <= 0 {
		maxItems = 1
	}
	return &memoryStore{
		sessions: make(map[string]*Session),
		maxItems: maxItems,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Create stores a new session for key.
func (c *memoryStore) Create(ctx context.Context, key *crypto.Keypair) (*Session, error) {
	if key == nil {
		return nil, fmt.Errorf("session requires a keypair")
	}

	now := c.now()
	session := &Session{
		ID:        uuid.NewString(),
		Key:       key,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpiredLocked(now)
	for len(c.sessions) >= c.maxItems {
		c.evictOldestLocked()
	}
	c.sessions[session.ID] = session

	out := *session
	return &out, nil
}

// Get retrieves a session.
func (c *memoryStore) Get(ctx context.Context, id string) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, ok := c.sessions[id]
	if !ok || session.IsExpired(c.now()) {
		c.stats.Misses++
		return nil, false
	}

	c.stats.Hits++
	out := *session
	return &out, true
}

// Update replaces a stored session.
func (c *memoryStore) Update(ctx context.Context, session *Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.sessions[session.ID]
	if !ok || current.IsExpired(c.now()) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, session.ID)
	}

	updated := *session
	updated.CreatedAt = current.CreatedAt
	updated.ExpiresAt = current.ExpiresAt
	c.sessions[session.ID] = &updated
	return nil
}

// Delete removes a session.
func (c *memoryStore) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.sessions, id)
	return nil
}

// Clear removes all sessions.
func (c *memoryStore) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessions = make(map[string]*Session)
	c.stats = Stats{}
	return nil
}

// Stats returns store statistics.
func (c *memoryStore) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpiredLocked(c.now())
	stats := c.stats
	stats.Items = len(c.sessions)
	return stats
}

// evictExpiredLocked removes expired sessions (must be called with lock held).
func (c *memoryStore) evictExpiredLocked(now time.Time) {
	for id, session := range c.sessions {
		if session.IsExpired(now) {
			delete(c.sessions, id)
			c.stats.Evictions++
		}
	}
}

// evictOldestLocked removes the session closest to expiry (must be called
// with lock held).
func (c *memoryStore) evictOldestLocked() {
	var oldest *Session
	for _, session := range c.sessions {
		if oldest == nil || session.ExpiresAt.Before(oldest.ExpiresAt) {
			oldest = session
		}
	}
	if oldest != nil {
		delete(c.sessions, oldest.ID)
		c.stats.Evictions++
	}
}
