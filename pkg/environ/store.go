// Package environ implements the flat key/value environment store a
// pipeline deploys against: monotonically revisioned, idempotent on
// writes, and safe for concurrent reads from parallel stages. The engine
// consumes it through its Config interface; the file format lives in
// file.go.
package environ

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrKeyNotFound is returned by Get and Require for keys the environment
// does not hold.
var ErrKeyNotFound = errors.New("environment key not found")

// secretScheme prefixes values that reference an externally held secret.
// The reference string is handed to actions as-is; only log output and
// listings redact it.
const secretScheme = "secret://"

// Store holds the environment as a flat map of string values. Every
// change bumps a monotonically increasing revision; run records carry the
// revision they were verified against, which is what makes the skip rule
// and drift detection possible.
type Store struct {
	mu       sync.RWMutex
	values   map[string]string
	revision uint64
}

// Snapshot is a frozen copy of the store at one revision.
type Snapshot struct {
	// Revision is the store revision at capture time.
	Revision uint64 `json:"revision" yaml:"revision"`

	// Values holds the key-value pairs at capture time.
	Values map[string]string `json:"values" yaml:"values"`

	// TakenAt is when the snapshot was taken.
	TakenAt time.Time `json:"taken_at" yaml:"taken_at"`
}

// New creates an empty store at revision 1.
func New() *Store {
	return &Store{
		values:   make(map[string]string),
		revision: 1,
	}
}

// NewFromValues creates a store seeded with the given values. A zero
// revision starts the store at revision 1.
func NewFromValues(values map[string]string, revision uint64) *Store {
	if revision == 0 {
		revision = 1
	}
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &Store{
		values:   copied,
		revision: revision,
	}
}

// Get returns the value for a key. Missing keys return ErrKeyNotFound
// wrapped with the key name.
func (s *Store) Get(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return value, nil
}

// Has reports whether the key is set.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[key]
	return ok
}

// Revision returns the current revision.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// Keys returns all set keys, sorted.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of set keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Set writes a key. Writing the value a key already holds is a no-op and
// does not move the revision; any actual change bumps it. The returned
// revision is the store's revision after the call, alongside whether the
// call changed anything.
func (s *Store) Set(key, value string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.values[key]; ok && current == value {
		return s.revision, false
	}
	s.values[key] = value
	s.revision++
	return s.revision, true
}

// Delete removes a key. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return s.revision, false
	}
	delete(s.values, key)
	s.revision++
	return s.revision, true
}

// Require verifies that every given key is set and reports all missing
// keys at once, so a misconfigured run fails before any stage starts
// instead of three stages in.
func (s *Store) Require(keys ...string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	missing := make([]string, 0)
	for _, key := range keys {
		if _, ok := s.values[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%w: %s", ErrKeyNotFound, strings.Join(missing, ", "))
}

// Snapshot returns a deep copy of the store's current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values := make(map[string]string, len(s.values))
	for k, v := range s.values {
		values[k] = v
	}
	return Snapshot{
		Revision: s.revision,
		Values:   values,
		TakenAt:  time.Now(),
	}
}

// Restore replaces the store's contents with the snapshot's values. The
// revision still moves forward: restoring is a mutation of the current
// state, not time travel, so records verified against intermediate
// revisions stay distinguishable. Restoring a snapshot equal to the
// current contents is a no-op.
func (s *Store) Restore(snap Snapshot) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if valuesEqual(s.values, snap.Values) {
		return s.revision, false
	}

	values := make(map[string]string, len(snap.Values))
	for k, v := range snap.Values {
		values[k] = v
	}
	s.values = values
	s.revision++
	return s.revision, true
}

// RedactedValues returns a copy of the current values with secret
// references masked, for listings and logs.
func (s *Store) RedactedValues() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values := make(map[string]string, len(s.values))
	for k, v := range s.values {
		values[k] = Redact(v)
	}
	return values
}

// String summarizes the store without exposing any values.
func (s *Store) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("environ.Store{keys: %d, revision: %d}", len(s.values), s.revision)
}

// IsSecretRef reports whether a value is a secret reference.
func IsSecretRef(value string) bool {
	return strings.HasPrefix(value, secretScheme)
}

// Redact masks the reference part of a secret value and passes everything
// else through unchanged.
func Redact(value string) string {
	if !IsSecretRef(value) {
		return value
	}
	return secretScheme + "****"
}

func valuesEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
