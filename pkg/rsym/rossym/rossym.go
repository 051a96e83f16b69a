// Package rossym defines the symbol record exchanged between the
// decoders, the merger, and the .rossym payload writer, along with the
// on-disk layout of that payload.
package rossym

import (
	"encoding/binary"
	"fmt"
)

// Entry is the uniform symbol record produced by every decoder: an
// address plus three offsets/values referencing the shared string
// pool and a 1-based source line.
type Entry struct {
	Address        uint64
	FileOffset     uint32
	FunctionOffset uint32
	SourceLine     uint32
}

// entrySize is the on-disk size of one packed Symbol Record: Address
// (u32 RVA), FileOffset (u32), FunctionOffset (u32), SourceLine (u32).
const entrySize = 16

// Compare orders two entries primarily by Address ascending; among
// ties, an entry with SourceLine == 0 sorts before one with a nonzero
// line. All further ties compare equal, matching the unstable ordering
// of the original qsort-based implementation.
func Compare(a, b *Entry) int {
	if a.Address < b.Address {
		return -1
	}
	if b.Address < a.Address {
		return 1
	}
	if a.SourceLine == 0 && b.SourceLine != 0 {
		return -1
	}
	if a.SourceLine != 0 && b.SourceLine == 0 {
		return 1
	}
	return 0
}

// Header is the fixed 16-byte header at the start of a .rossym
// section payload.
type Header struct {
	SymbolsOffset uint32
	SymbolsLength uint32
	StringsOffset uint32
	StringsLength uint32
}

const headerSize = 16

// EncodePayload packs entries and the string pool bytes into a
// complete .rossym section payload: header, symbol records, then
// string pool.
func EncodePayload(entries []Entry, strings []byte) []byte {
	symLen := uint32(len(entries) * entrySize)
	hdr := Header{
		SymbolsOffset: headerSize,
		SymbolsLength: symLen,
		StringsOffset: headerSize + symLen,
		StringsLength: uint32(len(strings)),
	}

	buf := make([]byte, headerSize+int(symLen)+len(strings))
	binary.LittleEndian.PutUint32(buf[0:4], hdr.SymbolsOffset)
	binary.LittleEndian.PutUint32(buf[4:8], hdr.SymbolsLength)
	binary.LittleEndian.PutUint32(buf[8:12], hdr.StringsOffset)
	binary.LittleEndian.PutUint32(buf[12:16], hdr.StringsLength)

	off := headerSize
	for _, e := range entries {
		binary.LittleEndian.PutUint32(buf[off:], uint32(e.Address))
		binary.LittleEndian.PutUint32(buf[off+4:], e.FileOffset)
		binary.LittleEndian.PutUint32(buf[off+8:], e.FunctionOffset)
		binary.LittleEndian.PutUint32(buf[off+12:], e.SourceLine)
		off += entrySize
	}
	copy(buf[hdr.StringsOffset:], strings)

	return buf
}

// DecodePayload unpacks a .rossym section payload back into entries
// and the raw string pool bytes. Used by tests verifying round-trip
// fidelity.
func DecodePayload(buf []byte) ([]Entry, []byte, error) {
	if len(buf) < headerSize {
		return nil, nil, fmt.Errorf("rossym: payload too short for header")
	}
	hdr := Header{
		SymbolsOffset: binary.LittleEndian.Uint32(buf[0:4]),
		SymbolsLength: binary.LittleEndian.Uint32(buf[4:8]),
		StringsOffset: binary.LittleEndian.Uint32(buf[8:12]),
		StringsLength: binary.LittleEndian.Uint32(buf[12:16]),
	}

	if int(hdr.SymbolsOffset)+int(hdr.SymbolsLength) > len(buf) {
		return nil, nil, fmt.Errorf("rossym: symbol table overruns payload")
	}
	if int(hdr.StringsOffset)+int(hdr.StringsLength) > len(buf) {
		return nil, nil, fmt.Errorf("rossym: string pool overruns payload")
	}
	if hdr.SymbolsLength%entrySize != 0 {
		return nil, nil, fmt.Errorf("rossym: symbol table length %d not a multiple of %d", hdr.SymbolsLength, entrySize)
	}

	n := int(hdr.SymbolsLength) / entrySize
	entries := make([]Entry, n)
	base := int(hdr.SymbolsOffset)
	for i := 0; i < n; i++ {
		off := base + i*entrySize
		entries[i] = Entry{
			Address:        uint64(binary.LittleEndian.Uint32(buf[off:])),
			FileOffset:     binary.LittleEndian.Uint32(buf[off+4:]),
			FunctionOffset: binary.LittleEndian.Uint32(buf[off+8:]),
			SourceLine:     binary.LittleEndian.Uint32(buf[off+12:]),
		}
	}

	strs := buf[hdr.StringsOffset : hdr.StringsOffset+hdr.StringsLength]
	return entries, strs, nil
}
