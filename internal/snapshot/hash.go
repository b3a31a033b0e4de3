package snapshot

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/fnv"
	"math"
	"sort"
)

// =============================================================================
// Hash Builder
// =============================================================================

// HashBuilder provides a fluent API for building content fingerprints.
//
// Usage:
//
//	fp := NewHashBuilder().
//	    String(key.String()).
//	    Bool(rec.Enabled).
//	    Value(rec.Attributes()).
//	    Build()
//
// The hash is deterministic; map keys are visited in sorted order.
// Fingerprints are used for ETags and logging only. Change detection always
// uses exact equality.
type HashBuilder struct {
	h hash.Hash64
}

// NewHashBuilder creates a new hash builder.
func NewHashBuilder() *HashBuilder {
	return &HashBuilder{h: fnv.New64a()}
}

// String adds a string value to the hash.
func (b *HashBuilder) String(s string) *HashBuilder {
	b.h.Write([]byte(s))
	b.h.Write([]byte{0}) // Separator to avoid collisions
	return b
}

// Int adds an integer to the hash.
func (b *HashBuilder) Int(i int) *HashBuilder {
	return b.Uint64(uint64(i))
}

// Uint64 adds a uint64 to the hash.
func (b *HashBuilder) Uint64(i uint64) *HashBuilder {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, i)
	b.h.Write(buf)
	return b
}

// Float64 adds a float64 to the hash by its bit pattern.
func (b *HashBuilder) Float64(f float64) *HashBuilder {
	return b.Uint64(math.Float64bits(f))
}

// Bool adds a boolean to the hash.
func (b *HashBuilder) Bool(v bool) *HashBuilder {
	if v {
		b.h.Write([]byte{1})
	} else {
		b.h.Write([]byte{0})
	}
	return b
}

// Value adds an arbitrary decoded-JSON value to the hash.
//
// Each value is prefixed with a type tag so that "1" and 1 differ.
func (b *HashBuilder) Value(v any) *HashBuilder {
	switch t := v.(type) {
	case nil:
		b.h.Write([]byte{'n'})
	case bool:
		b.h.Write([]byte{'b'})
		b.Bool(t)
	case string:
		b.h.Write([]byte{'s'})
		b.String(t)
	case float64:
		b.h.Write([]byte{'f'})
		b.Float64(t)
	case int:
		b.h.Write([]byte{'i'})
		b.Int(t)
	case int64:
		b.h.Write([]byte{'i'})
		b.Uint64(uint64(t))
	case []string:
		b.h.Write([]byte{'l'})
		b.Int(len(t))
		for _, s := range t {
			b.String(s)
		}
	case []any:
		b.h.Write([]byte{'a'})
		b.Int(len(t))
		for _, inner := range t {
			b.Value(inner)
		}
	case map[string]any:
		b.h.Write([]byte{'m'})
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.Int(len(keys))
		for _, k := range keys {
			b.String(k)
			b.Value(t[k])
		}
	default:
		b.h.Write([]byte{'?'})
		b.String(fmt.Sprintf("%T:%v", v, v))
	}
	return b
}

// Record adds a state record to the hash.
func (b *HashBuilder) Record(r StateRecord) *HashBuilder {
	return b.Bool(r.Enabled).String(r.Name).Value(map[string]any(r.attrs))
}

// Build returns the final hash value.
func (b *HashBuilder) Build() uint64 {
	return b.h.Sum64()
}

// Hash returns the fingerprint of a single record.
func (r StateRecord) Hash() uint64 {
	return NewHashBuilder().Record(r).Build()
}
