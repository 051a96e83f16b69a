// Package strpool implements the append-only string pool used by the
// symbol merger and the .rossym writer: a single byte blob of
// NUL-terminated strings, deduplicated through an exact-match map (each
// string's offset is also recorded in a DJB-hash bucket index), with
// offset 0 reserved for the empty string.
package strpool

// numBuckets is the size of the hash index. rsym.c hashes into a fixed
// 1024-entry table. Intern and Lookup go through the exact-match map
// and never read the buckets, and buckets are not persisted, so the
// size affects neither lookups nor the wire format.
const numBuckets = 1024

// Pool is an append-only, deduplicating string table.
type Pool struct {
	buf     []byte
	offsets map[string]uint32
	buckets [numBuckets][]uint32
}

// New returns an empty pool with offset 0 reserved for "".
func New() *Pool {
	p := &Pool{
		buf:     []byte{0},
		offsets: make(map[string]uint32),
	}
	p.offsets[""] = 0
	return p
}

// Hash computes the DJB string hash rsym.c uses to bucket strings
// before a linear comparison pass.
func Hash(s string) uint32 {
	var h uint32 = 5381
	for i := 0; i < len(s); i++ {
		h = h*33 + uint32(s[i])
	}
	return h
}

// Intern adds s to the pool if not already present and returns its
// byte offset within Bytes(). The empty string always returns 0.
func (p *Pool) Intern(s string) uint32 {
	if s == "" {
		return 0
	}
	if off, ok := p.offsets[s]; ok {
		return off
	}
	off := uint32(len(p.buf))
	p.buf = append(p.buf, s...)
	p.buf = append(p.buf, 0)
	p.offsets[s] = off

	bucket := Hash(s) % numBuckets
	p.buckets[bucket] = append(p.buckets[bucket], off)
	return off
}

// Lookup returns the offset of s if it has already been interned,
// without adding it.
func (p *Pool) Lookup(s string) (uint32, bool) {
	if s == "" {
		return 0, true
	}
	off, ok := p.offsets[s]
	return off, ok
}

// StringAt returns the NUL-terminated string starting at byte offset
// off within the pool's backing buffer.
func (p *Pool) StringAt(off uint32) string {
	if off == 0 {
		return ""
	}
	if int(off) >= len(p.buf) {
		return ""
	}
	end := off
	for int(end) < len(p.buf) && p.buf[end] != 0 {
		end++
	}
	return string(p.buf[off:end])
}

// Len returns the total size in bytes of the pool's backing buffer.
func (p *Pool) Len() int { return len(p.buf) }

// Bytes returns the pool's backing buffer: a leading NUL byte for the
// empty string, followed by each interned string and its terminator
// in insertion order.
func (p *Pool) Bytes() []byte { return p.buf }

// FromBytes wraps a pre-built string blob (e.g. read back from a
// .rossym section) for lookup via StringAt, without re-deriving the
// hash index. Used by readers that never intern new strings.
func FromBytes(b []byte) *Pool {
	if len(b) == 0 {
		b = []byte{0}
	}
	return &Pool{buf: b, offsets: make(map[string]uint32)}
}
