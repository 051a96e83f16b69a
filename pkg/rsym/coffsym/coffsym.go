// Package coffsym decodes the legacy COFF symbol table embedded in a
// PE file into uniform symbol records, used both as the sole debug
// source for assembly-only translation units and to augment stabs
// output with symbols stabs never recorded.
package coffsym

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/reactos/rsym/pkg/rsym/pefile"
	"github.com/reactos/rsym/pkg/rsym/rossym"
	"github.com/reactos/rsym/pkg/rsym/strpool"
)

// entrySize is the fixed, 18-byte on-disk size of one COFF_SYMENT.
const entrySize = 18

// inlineNameLen is the length of the inline name field used when a
// symbol's name fits in 8 bytes (e_zeroes != 0).
const inlineNameLen = 8

// Storage-class / type bits this decoder needs from e_type/e_sclass.
const (
	classExternal = 2 // C_EXT
)

// isFunction reports whether e_type's "derived type" field marks this
// symbol a function: the 4-bit field at bits 4-7 equals 2 (DT_FCN).
func isFunction(eType uint16) bool {
	return (eType>>4)&0xF == 2
}

type entry struct {
	zeroes  uint32
	offset  uint32
	name8   [inlineNameLen]byte
	value   uint32
	scnum   int16
	eType   uint16
	sclass  uint8
	numAux  uint8
}

func readEntry(b []byte) entry {
	var e entry
	e.zeroes = binary.LittleEndian.Uint32(b[0:4])
	if e.zeroes == 0 {
		e.offset = binary.LittleEndian.Uint32(b[4:8])
	} else {
		copy(e.name8[:], b[0:8])
	}
	e.value = binary.LittleEndian.Uint32(b[8:12])
	e.scnum = int16(binary.LittleEndian.Uint16(b[12:14]))
	e.eType = binary.LittleEndian.Uint16(b[14:16])
	e.sclass = b[16]
	e.numAux = b[17]
	return e
}

// Decode walks the COFF symbol table of f, honoring the auxiliary
// record skip count, filtering to function and externally-visible
// symbols, and interning resolved, stdcall-stripped names into pool.
// Returns entries sorted by rossym.Compare.
func Decode(f *pefile.File, pool *strpool.Pool) ([]rossym.Entry, error) {
	raw := f.COFFSymbolTable()
	strTab := f.COFFStringTable()
	count := len(raw) / entrySize

	var out []rossym.Entry

	for i := 0; i < count; i++ {
		e := readEntry(raw[i*entrySize : (i+1)*entrySize])

		// A C_EXT symbol is emitted even when its type is not a
		// function; rossym.Entry has no field that marks such a record
		// as a non-function.
		if isFunction(e.eType) || e.sclass == classExternal {
			var rec rossym.Entry
			rec.Address = uint64(e.value)

			if e.scnum > 0 {
				if int(e.scnum) > len(f.Sections) {
					return nil, fmt.Errorf("coffsym: invalid section number %d (only %d sections present)", e.scnum, len(f.Sections))
				}
				rec.Address += uint64(f.Sections[e.scnum-1].VirtualAddress)
			}

			var name string
			if e.zeroes == 0 {
				s, ok := stringAt(strTab, e.offset)
				if !ok {
					return nil, fmt.Errorf("coffsym: symbol name offset %d out of range", e.offset)
				}
				if len(s) > 255 {
					return nil, fmt.Errorf("coffsym: function name %q too long", s)
				}
				name = s
			} else {
				nul := indexByte(e.name8[:], 0)
				if nul == -1 {
					nul = inlineNameLen
				}
				name = string(e.name8[:nul])
			}

			name = stripStdcall(name)
			rec.FunctionOffset = pool.Intern(name)
			rec.FileOffset = 0
			rec.SourceLine = 0
			out = append(out, rec)
		}

		i += int(e.numAux)
	}

	sort.Slice(out, func(i, j int) bool {
		return rossym.Compare(&out[i], &out[j]) < 0
	})

	return out, nil
}

// stripStdcall removes a trailing "@nn" stdcall decoration and a
// single leading "_" or "@", the one fixed demangling scheme this
// tool supports.
func stripStdcall(name string) string {
	if idx := strings.LastIndexByte(name, '@'); idx >= 0 {
		name = name[:idx]
	}
	if len(name) > 0 && (name[0] == '_' || name[0] == '@') {
		name = name[1:]
	}
	return name
}

func stringAt(tab []byte, off uint32) (string, bool) {
	if tab == nil || off >= uint32(len(tab)) {
		return "", false
	}
	nul := indexByte(tab[off:], 0)
	if nul == -1 {
		return string(tab[off:]), true
	}
	return string(tab[off : off+uint32(nul)]), true
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
