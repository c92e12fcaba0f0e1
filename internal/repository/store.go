package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"mortgage-assistant/internal/domain"
)

// Kind names a persisted collection document.
type Kind string

const (
	KindUsers        Kind = "users"
	KindInteractions Kind = "interactions"
	KindFAQs         Kind = "faqs"
)

// Kinds lists every collection the store manages.
var Kinds = []Kind{KindUsers, KindInteractions, KindFAQs}

// Backend reads and writes whole collection documents.
// Read reports found=false when the document does not exist yet.
type Backend interface {
	Read(ctx context.Context, kind Kind) (data []byte, found bool, err error)
	Write(ctx context.Context, kind Kind, data []byte) error
}

// CorruptDataError reports a collection document that exists but cannot be decoded.
type CorruptDataError struct {
	Kind Kind
	Err  error
}

func (e *CorruptDataError) Error() string {
	return fmt.Sprintf("repository: corrupt %s document: %v", e.Kind, e.Err)
}

func (e *CorruptDataError) Unwrap() error {
	return e.Err
}

// Store implements whole-document load/save on top of a Backend.
// Every save rewrites the complete collection. Concurrent read-modify-write
// cycles on the same collection race unless serialized writes are enabled
// and callers hold Lock for the duration of the cycle.
type Store struct {
	backend   Backend
	serialize bool
	locks     map[Kind]*sync.Mutex
}

type Option func(*Store)

// WithSerializedWrites makes Lock return a real per-collection mutex.
func WithSerializedWrites() Option {
	return func(s *Store) {
		s.serialize = true
	}
}

// NewStore creates a Store over the given backend.
func NewStore(backend Backend, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, errors.New("repository: backend must not be nil")
	}
	s := &Store{backend: backend, locks: make(map[Kind]*sync.Mutex, len(Kinds))}
	for _, k := range Kinds {
		s.locks[k] = &sync.Mutex{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Serialized reports whether per-collection locking is enabled.
func (s *Store) Serialized() bool {
	return s.serialize
}

// Lock acquires the collection lock and returns its release func.
// Without serialized writes it is a no-op.
func (s *Store) Lock(kind Kind) (unlock func()) {
	if !s.serialize {
		return func() {}
	}
	mu, ok := s.locks[kind]
	if !ok {
		return func() {}
	}
	mu.Lock()
	return mu.Unlock
}

// LoadUsers returns the user registry, or an empty registry when none is stored.
func (s *Store) LoadUsers(ctx context.Context) (domain.UserRegistry, error) {
	users := domain.UserRegistry{}
	if err := s.load(ctx, KindUsers, &users); err != nil {
		return nil, err
	}
	if users == nil {
		users = domain.UserRegistry{}
	}
	return users, nil
}

func (s *Store) SaveUsers(ctx context.Context, users domain.UserRegistry) error {
	if users == nil {
		users = domain.UserRegistry{}
	}
	if err := s.save(ctx, KindUsers, users); err != nil {
		return fmt.Errorf("repository: SaveUsers: %w", err)
	}
	return nil
}

// LoadInteractions returns the interaction log in append order.
func (s *Store) LoadInteractions(ctx context.Context) ([]domain.Interaction, error) {
	out := []domain.Interaction{}
	if err := s.load(ctx, KindInteractions, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.Interaction{}
	}
	return out, nil
}

func (s *Store) SaveInteractions(ctx context.Context, entries []domain.Interaction) error {
	if entries == nil {
		entries = []domain.Interaction{}
	}
	if err := s.save(ctx, KindInteractions, entries); err != nil {
		return fmt.Errorf("repository: SaveInteractions: %w", err)
	}
	return nil
}

// AppendInteraction loads the log, appends entry and rewrites the whole log.
func (s *Store) AppendInteraction(ctx context.Context, entry domain.Interaction) error {
	unlock := s.Lock(KindInteractions)
	defer unlock()

	entries, err := s.LoadInteractions(ctx)
	if err != nil {
		return fmt.Errorf("repository: AppendInteraction: %w", err)
	}
	entries = append(entries, entry)
	if err := s.SaveInteractions(ctx, entries); err != nil {
		return fmt.Errorf("repository: AppendInteraction: %w", err)
	}
	return nil
}

// LoadFAQs returns the FAQ list in collection order.
func (s *Store) LoadFAQs(ctx context.Context) ([]domain.FAQ, error) {
	out := []domain.FAQ{}
	if err := s.load(ctx, KindFAQs, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.FAQ{}
	}
	return out, nil
}

func (s *Store) SaveFAQs(ctx context.Context, faqs []domain.FAQ) error {
	if faqs == nil {
		faqs = []domain.FAQ{}
	}
	if err := s.save(ctx, KindFAQs, faqs); err != nil {
		return fmt.Errorf("repository: SaveFAQs: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, kind Kind, dst any) error {
	data, found, err := s.backend.Read(ctx, kind)
	if err != nil {
		return fmt.Errorf("repository: load %s: %w", kind, err)
	}
	if !found || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return &CorruptDataError{Kind: kind, Err: err}
	}
	return nil
}

func (s *Store) save(ctx context.Context, kind Kind, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	if err := s.backend.Write(ctx, kind, data); err != nil {
		return fmt.Errorf("write %s: %w", kind, err)
	}
	return nil
}
