package kv

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
)

func byteSliceComparator(a, b interface{}) int {
	ab, okA := a.([]byte)
	bb, okB := b.([]byte)
	switch {
	case okA && okB:
		return bytes.Compare(ab, bb)
	case okA:
		return 1
	case okB:
		return -1
	default:
		return 0
	}
}

// rbStore keeps versioned entries in a red-black treemap for deterministic
// iteration order and range scans.
type rbStore struct {
	mtx  sync.RWMutex
	tree *treemap.Map // key []byte -> entry
	log  *slog.Logger
}

func NewRbStore() ScanStore {
	return &rbStore{
		tree: treemap.NewWith(byteSliceComparator),
		log: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
	}
}

var _ ScanStore = (*rbStore)(nil)

func (s *rbStore) Get(ctx context.Context, key []byte) ([]byte, uint64, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	v, ok := s.tree.Get(key)
	if !ok {
		return nil, 0, ErrNotFound
	}

	//nolint:forcetypeassert
	e := v.(entry)
	if e.Tombstone {
		return nil, e.Version, ErrNotFound
	}

	return e.Value, e.Version, nil
}

func (s *rbStore) Apply(ctx context.Context, muts []Mutation, version uint64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for _, m := range muts {
		switch m.Op {
		case OpTypePut:
			s.tree.Put(m.Key, entry{Value: m.Value, Version: version})
		case OpTypeDelete:
			s.tree.Put(m.Key, entry{Version: version, Tombstone: true})
		}

		s.log.DebugContext(ctx, "apply",
			slog.String("key", string(m.Key)),
			slog.Uint64("version", version),
		)
	}

	return nil
}

func (s *rbStore) Scan(ctx context.Context, start []byte, end []byte, limit int) ([]*KVPair, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var out []*KVPair
	it := s.tree.Iterator()
	for it.Next() {
		//nolint:forcetypeassert
		key := it.Key().([]byte)
		if !withinScanBounds(key, start, end) {
			if end != nil && bytes.Compare(key, end) >= 0 {
				break
			}
			continue
		}

		//nolint:forcetypeassert
		e := it.Value().(entry)
		if e.Tombstone {
			continue
		}

		out = append(out, &KVPair{Key: key, Value: e.Value})
		if limit > 0 && len(out) >= limit {
			break
		}
	}

	return out, nil
}

func (s *rbStore) MaxVersion(ctx context.Context, start []byte, end []byte) (uint64, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var max uint64
	it := s.tree.Iterator()
	for it.Next() {
		//nolint:forcetypeassert
		key := it.Key().([]byte)
		if !withinScanBounds(key, start, end) {
			if end != nil && bytes.Compare(key, end) >= 0 {
				break
			}
			continue
		}

		//nolint:forcetypeassert
		e := it.Value().(entry)
		if e.Version > max {
			max = e.Version
		}
	}

	return max, nil
}

func (s *rbStore) Name() string {
	return "rb"
}

func (s *rbStore) Close() error {
	return nil
}
