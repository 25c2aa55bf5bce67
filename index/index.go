// Package index maintains secondary value -> id mappings on top of
// instrumented transactions. Index keys live in their own keyspace and are
// encoded so that range scans return entries in value order, with ids
// ordered within equal values.
package index

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/kvtrace/kvtrace/kv"
)

var ErrMalformedKey = errors.New("malformed index key")

var indexKeyspace = []byte("i")

// Entry is one decoded index row.
type Entry struct {
	ID    uint64
	Value []byte
}

// Index names one value -> id mapping.
type Index struct {
	name   string
	prefix []byte
}

func New(name string) *Index {
	prefix := append([]byte(nil), indexKeyspace...)
	prefix = append(prefix, encodeComponent([]byte(name))...)

	return &Index{name: name, prefix: prefix}
}

func (i *Index) Name() string {
	return i.name
}

// key builds prefix || value-component || id tag || big-endian id.
func (i *Index) key(id uint64, value []byte) []byte {
	k := append([]byte(nil), i.prefix...)
	k = append(k, encodeComponent(value)...)
	k = append(k, idTag)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return append(k, buf[:]...)
}

// Add inserts the mapping value -> id.
func (i *Index) Add(ctx context.Context, tx *kv.Transaction, id uint64, value []byte) error {
	return errors.WithStack(tx.Set(ctx, i.key(id, value), nil))
}

// Remove deletes the mapping value -> id.
func (i *Index) Remove(ctx context.Context, tx *kv.Transaction, id uint64, value []byte) error {
	return errors.WithStack(tx.Clear(ctx, i.key(id, value)))
}

// Update moves id from the old value to the new one. Equal values are a
// no-op so the timeline is not polluted with empty writes.
func (i *Index) Update(ctx context.Context, tx *kv.Transaction, id uint64, oldValue, newValue []byte) error {
	if bytes.Equal(oldValue, newValue) {
		return nil
	}
	if err := i.Remove(ctx, tx, id, oldValue); err != nil {
		return err
	}
	return i.Add(ctx, tx, id, newValue)
}

// Lookup returns the ids mapped to exactly value, in ascending order.
func (i *Index) Lookup(ctx context.Context, tx *kv.Transaction, value []byte) ([]uint64, error) {
	start := append(append([]byte(nil), i.prefix...), encodeComponent(value)...)
	end := append(append([]byte(nil), start...), componentEnd)

	pairs, err := tx.GetRange(ctx, start, end, 0)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	ids := make([]uint64, 0, len(pairs))
	for _, p := range pairs {
		e, err := i.decode(p.Key)
		if err != nil {
			return nil, err
		}
		ids = append(ids, e.ID)
	}
	return ids, nil
}

// LookupRange returns all entries whose value lies in [from, to], ordered by
// value then id.
func (i *Index) LookupRange(ctx context.Context, tx *kv.Transaction, from, to []byte) ([]Entry, error) {
	start := append(append([]byte(nil), i.prefix...), encodeComponent(from)...)
	end := append(append([]byte(nil), i.prefix...), encodeComponent(to)...)
	end = append(end, componentEnd)

	pairs, err := tx.GetRange(ctx, start, end, 0)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	out := make([]Entry, 0, len(pairs))
	for _, p := range pairs {
		e, err := i.decode(p.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (i *Index) decode(key []byte) (Entry, error) {
	if !bytes.HasPrefix(key, i.prefix) {
		return Entry{}, errors.WithStack(ErrMalformedKey)
	}

	value, rest, err := decodeComponent(key[len(i.prefix):])
	if err != nil {
		return Entry{}, err
	}
	if len(rest) != 9 || rest[0] != idTag {
		return Entry{}, errors.WithStack(ErrMalformedKey)
	}

	return Entry{
		ID:    binary.BigEndian.Uint64(rest[1:]),
		Value: value,
	}, nil
}
