package kv

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/spaolacci/murmur3"
)

// memoryStore keeps versioned entries in a hashed map. It cannot scan; use
// the treemap store when range operations are needed.
type memoryStore struct {
	mtx sync.RWMutex
	m   map[uint64]entry
	log *slog.Logger
}

func NewMemoryStore() Store {
	return &memoryStore{
		m: map[uint64]entry{},
		log: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
	}
}

var _ Store = (*memoryStore)(nil)

func (s *memoryStore) Get(ctx context.Context, key []byte) ([]byte, uint64, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	h, err := s.hash(key)
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}

	e, ok := s.m[h]
	if !ok || e.Tombstone {
		return nil, e.Version, ErrNotFound
	}

	return e.Value, e.Version, nil
}

func (s *memoryStore) Apply(ctx context.Context, muts []Mutation, version uint64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for _, m := range muts {
		h, err := s.hash(m.Key)
		if err != nil {
			return errors.WithStack(err)
		}

		switch m.Op {
		case OpTypePut:
			s.m[h] = entry{Value: m.Value, Version: version}
		case OpTypeDelete:
			s.m[h] = entry{Version: version, Tombstone: true}
		}

		s.log.DebugContext(ctx, "apply",
			slog.String("key", string(m.Key)),
			slog.Uint64("version", version),
		)
	}

	return nil
}

func (s *memoryStore) hash(key []byte) (uint64, error) {
	h := murmur3.New64()
	if _, err := h.Write(key); err != nil {
		return 0, errors.WithStack(err)
	}
	return h.Sum64(), nil
}

func (s *memoryStore) Name() string {
	return "memory"
}

func (s *memoryStore) Close() error {
	return nil
}
