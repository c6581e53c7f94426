package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned by a Backend when nothing is persisted under its key.
var ErrNotFound = errors.New("credential not found")

// Backend persists a single credential under one well-known key.
type Backend interface {
	Load(ctx context.Context) (*Credential, error)
	Save(ctx context.Context, c *Credential) error
	Delete(ctx context.Context) error
}

// Store is the sole owner of the current credential. Writes replace all three
// fields at once and are pushed to the backend and to subscribers.
type Store struct {
	backend Backend

	// writeMu orders memory and backend writes; it is never held while
	// subscribers run.
	writeMu sync.Mutex

	mu      sync.Mutex
	current *Credential
	subs    map[int]func(*Credential)
	nextID  int

	// unsaved is set while memory is ahead of the backend after a failed write.
	unsaved bool

	// pending and delivering serialize notify.
	pending    bool
	delivering bool
}

// NewStore returns an empty store persisting through backend.
// A nil backend keeps the credential in memory only.
func NewStore(backend Backend) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Store{
		backend: backend,
		subs:    make(map[int]func(*Credential)),
	}
}

// Get returns a copy of the current credential.
func (s *Store) Get() (Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Credential{}, false
	}
	return *s.current, true
}

// Set replaces the credential. The in-memory value is replaced even when the
// backend write fails; the backend error is returned so callers can warn.
func (s *Store) Set(ctx context.Context, c Credential) error {
	s.writeMu.Lock()
	err := s.install(ctx, c)
	s.writeMu.Unlock()

	s.notify()
	return err
}

// Swap replaces the credential only if the stored refresh token still equals
// refreshToken. It reports whether the swap happened.
func (s *Store) Swap(ctx context.Context, refreshToken string, c Credential) (bool, error) {
	s.writeMu.Lock()
	s.mu.Lock()
	held := s.current != nil && s.current.RefreshToken == refreshToken
	s.mu.Unlock()
	if !held {
		s.writeMu.Unlock()
		return false, nil
	}
	err := s.install(ctx, c)
	s.writeMu.Unlock()

	s.notify()
	return true, err
}

// Clear removes the credential from memory and from the backend.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	err := s.remove(ctx)
	s.writeMu.Unlock()

	s.notify()
	return err
}

// ClearIf removes the credential only while it is still the one carrying
// accessToken. When the backend holds a different credential, written by
// another process sharing it, that credential becomes current instead and
// nothing is deleted. It reports whether the credential was removed.
func (s *Store) ClearIf(ctx context.Context, accessToken string) (bool, error) {
	s.writeMu.Lock()
	s.mu.Lock()
	held := s.current != nil && s.current.AccessToken == accessToken
	s.mu.Unlock()
	if !held {
		s.writeMu.Unlock()
		return false, nil
	}
	if s.adoptPersisted(ctx) {
		s.writeMu.Unlock()
		s.notify()
		return false, nil
	}
	err := s.remove(ctx)
	s.writeMu.Unlock()

	s.notify()
	return true, err
}

// Sync picks up a credential another process persisted under the same key
// since this store last wrote or loaded it, and returns the current one.
// An empty or unreadable backend leaves the held credential as is, and so
// does an empty store.
func (s *Store) Sync(ctx context.Context) (Credential, bool) {
	s.writeMu.Lock()
	changed := s.adoptPersisted(ctx)
	s.writeMu.Unlock()

	if changed {
		s.notify()
	}
	return s.Get()
}

// Rehydrate loads the persisted credential, if any, without notifying
// subscribers. It reports whether a credential was found.
func (s *Store) Rehydrate(ctx context.Context) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	c, err := s.backend.Load(ctx)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load persisted credential: %w", err)
	}
	if c == nil || c.AccessToken == "" {
		return false, nil
	}

	s.mu.Lock()
	s.current = c
	s.unsaved = false
	s.mu.Unlock()
	return true, nil
}

// Subscribe registers fn for change notifications. fn receives nil after a
// clear. Notifications run outside the store lock.
func (s *Store) Subscribe(fn func(*Credential)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// install and remove expect writeMu to be held.
func (s *Store) install(ctx context.Context, c Credential) error {
	cp := c
	s.mu.Lock()
	s.current = &cp
	s.mu.Unlock()

	var err error
	if saveErr := s.backend.Save(ctx, &cp); saveErr != nil {
		err = fmt.Errorf("persist credential: %w", saveErr)
	}
	s.mu.Lock()
	s.unsaved = err != nil
	s.mu.Unlock()
	return err
}

func (s *Store) remove(ctx context.Context) error {
	s.mu.Lock()
	s.current = nil
	s.unsaved = false
	s.mu.Unlock()

	if err := s.backend.Delete(ctx); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete persisted credential: %w", err)
	}
	return nil
}

// adoptPersisted replaces the held credential with a different persisted one.
// writeMu must be held.
func (s *Store) adoptPersisted(ctx context.Context) bool {
	s.mu.Lock()
	cur, unsaved := s.current, s.unsaved
	s.mu.Unlock()
	if cur == nil || unsaved {
		return false
	}

	persisted, err := s.backend.Load(ctx)
	if err != nil || persisted == nil || persisted.AccessToken == "" {
		return false
	}
	if persisted.AccessToken == cur.AccessToken && persisted.RefreshToken == cur.RefreshToken {
		return false
	}

	s.mu.Lock()
	s.current = persisted
	s.mu.Unlock()
	return true
}

// notify hands the latest credential to subscribers. Deliveries never overlap:
// a write landing while one runs, from another goroutine or from a subscriber,
// is picked up by the running loop, so subscribers always end on the store's
// final state.
func (s *Store) notify() {
	s.mu.Lock()
	s.pending = true
	if s.delivering {
		s.mu.Unlock()
		return
	}
	s.delivering = true

	for s.pending {
		s.pending = false
		var c *Credential
		if s.current != nil {
			cp := *s.current
			c = &cp
		}
		fns := make([]func(*Credential), 0, len(s.subs))
		for id := 0; id < s.nextID; id++ {
			if fn, ok := s.subs[id]; ok {
				fns = append(fns, fn)
			}
		}
		s.mu.Unlock()

		for _, fn := range fns {
			if c == nil {
				fn(nil)
				continue
			}
			cp := *c
			fn(&cp)
		}
		s.mu.Lock()
	}

	s.delivering = false
	s.mu.Unlock()
}
