package kv

import (
	"bytes"
	"context"
	"encoding/binary"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"go.etcd.io/bbolt"
)

var defaultBucket = []byte("kv")

var ErrCorruptEntry = errors.New("corrupt store entry")

const boltFileMode = 0666

// entry layout on disk: 8-byte big-endian version, 1-byte tombstone flag,
// payload.
const boltHeaderSize = 9

type boltStore struct {
	bbolt *bbolt.DB
	log   *slog.Logger
}

func NewBoltStore(path string) (ScanStore, error) {
	db, err := bbolt.Open(path, boltFileMode, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(defaultBucket)
		return errors.WithStack(err)
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return &boltStore{
		bbolt: db,
		log:   slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{})),
	}, nil
}

var _ ScanStore = (*boltStore)(nil)

func encodeEntry(e entry) []byte {
	buf := make([]byte, boltHeaderSize+len(e.Value))
	binary.BigEndian.PutUint64(buf, e.Version)
	if e.Tombstone {
		buf[8] = 1
	}
	copy(buf[boltHeaderSize:], e.Value)
	return buf
}

func decodeEntry(raw []byte) (entry, error) {
	if len(raw) < boltHeaderSize {
		return entry{}, errors.WithStack(ErrCorruptEntry)
	}

	e := entry{
		Version:   binary.BigEndian.Uint64(raw),
		Tombstone: raw[8] == 1,
	}
	if !e.Tombstone {
		e.Value = append([]byte(nil), raw[boltHeaderSize:]...)
	}
	return e, nil
}

func (s *boltStore) Get(ctx context.Context, key []byte) ([]byte, uint64, error) {
	var raw []byte
	err := s.bbolt.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(defaultBucket).Get(key)
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}
	if raw == nil {
		return nil, 0, ErrNotFound
	}

	e, err := decodeEntry(raw)
	if err != nil {
		return nil, 0, err
	}
	if e.Tombstone {
		return nil, e.Version, ErrNotFound
	}

	return e.Value, e.Version, nil
}

func (s *boltStore) Apply(ctx context.Context, muts []Mutation, version uint64) error {
	err := s.bbolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(defaultBucket)
		for _, m := range muts {
			e := entry{Version: version}
			if m.Op == OpTypePut {
				e.Value = m.Value
			} else {
				e.Tombstone = true
			}
			if err := b.Put(m.Key, encodeEntry(e)); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	})

	if err != nil {
		return errors.WithStack(err)
	}

	s.log.DebugContext(ctx, "apply",
		slog.Int("mutations", len(muts)),
		slog.Uint64("version", version),
	)
	return nil
}

func (s *boltStore) Scan(ctx context.Context, start []byte, end []byte, limit int) ([]*KVPair, error) {
	var out []*KVPair

	err := s.bbolt.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(defaultBucket).Cursor()

		k, v := c.First()
		if start != nil {
			k, v = c.Seek(start)
		}
		for ; k != nil; k, v = c.Next() {
			if end != nil && bytes.Compare(k, end) >= 0 {
				break
			}

			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			if e.Tombstone {
				continue
			}

			out = append(out, &KVPair{
				Key:   append([]byte(nil), k...),
				Value: e.Value,
			})
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})

	return out, errors.WithStack(err)
}

func (s *boltStore) MaxVersion(ctx context.Context, start []byte, end []byte) (uint64, error) {
	var max uint64

	err := s.bbolt.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(defaultBucket).Cursor()

		k, v := c.First()
		if start != nil {
			k, v = c.Seek(start)
		}
		for ; k != nil; k, v = c.Next() {
			if end != nil && bytes.Compare(k, end) >= 0 {
				break
			}

			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			if e.Version > max {
				max = e.Version
			}
		}
		return nil
	})

	return max, errors.WithStack(err)
}

func (s *boltStore) Name() string {
	return "bolt"
}

func (s *boltStore) Close() error {
	return errors.WithStack(s.bbolt.Close())
}
