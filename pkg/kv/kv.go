// Package kv is the byte-level key-value substrate behind the local tile
// store. Keys are hierarchical segment lists such as
// {"tiles", "tile", "2_1_3_b2"}, joined with a separator byte (':' unless
// configured otherwise) when written to the backend.
//
// Two backends are provided: Badger for an on-disk cache that survives
// restarts, and Memory for tests and short-lived processes.
package kv

import (
	"context"
	"errors"
	"iter"
	"strings"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("kv: not found")

// Key is a hierarchical key. Segments must not contain the separator.
type Key []string

// String joins the segments with ':' for logs and error messages.
func (k Key) String() string {
	return strings.Join(k, ":")
}

// Append returns a new key with segs appended. k is not modified.
func (k Key) Append(segs ...string) Key {
	out := make(Key, 0, len(k)+len(segs))
	out = append(out, k...)
	return append(out, segs...)
}

// Last returns the final segment, or "" for an empty key.
func (k Key) Last() string {
	if len(k) == 0 {
		return ""
	}
	return k[len(k)-1]
}

// Entry is a key with its value.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is a key-value store addressed by hierarchical keys.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value of key, or ErrNotFound.
	Get(ctx context.Context, key Key) ([]byte, error)

	// BatchGet returns the values of the keys that exist. Missing keys are
	// absent from the result map, which is keyed by Key.String().
	BatchGet(ctx context.Context, keys []Key) (map[string][]byte, error)

	// Set writes key, replacing any previous value.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key Key) error

	// List yields every entry strictly below prefix in lexicographic order of
	// the encoded key. An empty prefix lists the whole store.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// BatchSet writes all entries atomically.
	BatchSet(ctx context.Context, entries []Entry) error

	// BatchDelete removes all keys atomically.
	BatchDelete(ctx context.Context, keys []Key) error

	// DeletePrefix removes every entry strictly below prefix and returns how
	// many were removed.
	DeletePrefix(ctx context.Context, prefix Key) (int, error)

	// Close releases the backend.
	Close() error
}

// DefaultSeparator joins key segments unless Options.Separator is set.
const DefaultSeparator byte = ':'

// Options holds settings shared by every backend. A nil *Options is valid
// and means defaults.
type Options struct {
	// Separator joins key segments in the encoded form.
	Separator byte
}

func (o *Options) sep() byte {
	if o == nil || o.Separator == 0 {
		return DefaultSeparator
	}
	return o.Separator
}

// encode joins k with the separator into a single allocation.
func (o *Options) encode(k Key) []byte {
	if len(k) == 0 {
		return nil
	}
	n := len(k) - 1
	for _, seg := range k {
		n += len(seg)
	}
	s := o.sep()
	buf := make([]byte, 0, n)
	for i, seg := range k {
		if i > 0 {
			buf = append(buf, s)
		}
		buf = append(buf, seg...)
	}
	return buf
}

// encodePrefix returns the encoded prefix followed by the separator, so
// that "tiles:tile" never matches "tiles:tiles". An empty prefix returns nil
// which matches everything.
func (o *Options) encodePrefix(prefix Key) []byte {
	p := o.encode(prefix)
	if len(p) == 0 {
		return nil
	}
	return append(p, o.sep())
}

func (o *Options) decode(b []byte) Key {
	return Key(strings.Split(string(b), string(o.sep())))
}
