package mockstore

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hamzaKhattat/asterisk-call-checker/internal/models"
	"github.com/hamzaKhattat/asterisk-call-checker/pkg/logger"
)

const (
	DefaultTTL       = 5 * time.Minute
	DefaultMaxPerAdd = 10000

	// ChannelPrefix marks channel ids synthesized by the store.
	ChannelPrefix = "mock-"
)

// Config holds mock store settings
type Config struct {
	DefaultTTL time.Duration
	MaxPerAdd  int
	Now        func() time.Time
}

type entry struct {
	models.MockEntry
	seq uint64
}

// Store maps comparison keys to synthetic channels. A single mutex guards
// both indexes, so every operation observes either all or none of an Add.
type Store struct {
	mu        sync.Mutex
	byKey     map[string]*entry
	byChannel map[string]string
	seq       uint64

	config Config

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates an empty store
func New(config Config) *Store {
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = DefaultTTL
	}
	if config.MaxPerAdd <= 0 {
		config.MaxPerAdd = DefaultMaxPerAdd
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Store{
		byKey:     make(map[string]*entry),
		byChannel: make(map[string]string),
		config:    config,
		stop:      make(chan struct{}),
	}
}

// DefaultTTL returns the ttl applied when Add is given none.
func (s *Store) DefaultTTL() time.Duration {
	return s.config.DefaultTTL
}

// IsMockChannel reports whether channelID has the shape of a synthesized id.
func IsMockChannel(channelID string) bool {
	return strings.HasPrefix(channelID, ChannelPrefix) && len(channelID) > len(ChannelPrefix)
}

// Add inserts literal numbers and A:B ranges. Nothing is inserted unless the
// whole request is valid. Re-adding a key replaces its entry and refreshes
// the expiry.
func (s *Store) Add(numbers []string, ttl time.Duration) (*models.MockAddResult, error) {
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}

	items, err := expand(numbers, s.config.MaxPerAdd)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.config.Now()
	expiresAt := now.Add(ttl)

	added := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if old, ok := s.byKey[it.key]; ok {
			delete(s.byChannel, old.ChannelID)
		}

		s.seq++
		e := &entry{
			MockEntry: models.MockEntry{
				Key:            it.key,
				OriginalNumber: it.original,
				ChannelID:      fmt.Sprintf("%s%s-%d", ChannelPrefix, it.key, s.seq),
				CreatedAt:      now,
				ExpiresAt:      expiresAt,
			},
			seq: s.seq,
		}
		s.byKey[it.key] = e
		s.byChannel[e.ChannelID] = it.key

		if _, dup := seen[it.key]; !dup {
			seen[it.key] = struct{}{}
			added = append(added, it.key)
		}
	}

	logger.WithField("count", len(added)).Debug("Mock entries added", "expires_at", expiresAt)

	return &models.MockAddResult{
		AddedKeys: added,
		ExpiresAt: expiresAt,
	}, nil
}

// Lookup returns the live entry for key. Expired entries are evicted here.
func (s *Store) Lookup(key string) (models.MockEntry, bool) {
	if key == "" {
		return models.MockEntry{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byKey[key]
	if !ok {
		return models.MockEntry{}, false
	}
	if e.Expired(s.config.Now()) {
		s.evictLocked(e)
		return models.MockEntry{}, false
	}
	return e.MockEntry, true
}

// Status returns the live entries in insertion order.
func (s *Store) Status() models.MockStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.config.Now()
	live := make([]*entry, 0, len(s.byKey))
	for _, e := range s.byKey {
		if e.Expired(now) {
			s.evictLocked(e)
			continue
		}
		live = append(live, e)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].seq < live[j].seq })

	entries := make([]models.MockEntry, len(live))
	for i, e := range live {
		entries[i] = e.MockEntry
	}
	return models.MockStatus{Entries: entries, TotalCount: len(entries)}
}

// Clear removes every entry, expired or not, and returns how many there were.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.byKey)
	s.byKey = make(map[string]*entry)
	s.byChannel = make(map[string]string)
	return n
}

// Remove deletes the live entry with the given synthesized channel id.
func (s *Store) Remove(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.byChannel[channelID]
	if !ok {
		return false
	}
	e := s.byKey[key]
	s.evictLocked(e)
	return !e.Expired(s.config.Now())
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.config.Now()
	n := 0
	for _, e := range s.byKey {
		if !e.Expired(now) {
			n++
		}
	}
	return n
}

// Sweep evicts expired entries and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.config.Now()
	removed := 0
	for _, e := range s.byKey {
		if e.Expired(now) {
			s.evictLocked(e)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until Close. onSweep, if set, is
// called after each pass with the number removed and the number remaining.
func (s *Store) StartSweeper(interval time.Duration, onSweep func(removed, remaining int)) {
	if interval <= 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				removed := s.Sweep()
				if removed > 0 {
					logger.WithField("removed", removed).Info("Expired mock entries removed")
				}
				if onSweep != nil {
					onSweep(removed, s.Len())
				}
			}
		}
	}()
}

// Close stops the sweeper, if running.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Store) evictLocked(e *entry) {
	delete(s.byKey, e.Key)
	delete(s.byChannel, e.ChannelID)
}
