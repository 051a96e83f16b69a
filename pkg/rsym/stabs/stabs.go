// Package stabs decodes the classic .stab/.stabstr section pair into
// uniform symbol records keyed by runtime address.
package stabs

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/reactos/rsym/pkg/rsym/rossym"
	"github.com/reactos/rsym/pkg/rsym/strpool"
)

// Stab record types this decoder understands. Everything else is
// skipped.
const (
	nSO    = 0x64
	nSOL   = 0x84
	nBINCL = 0x82
	nFUN   = 0x24
	nSLINE = 0x44
)

// entrySize is the fixed, 12-byte on-disk size of one stabs record:
// n_strx (u32) n_type (u8) n_other (u8) n_desc (u16) n_value (u32).
const entrySize = 12

// maxFunctionNameLen mirrors the original tool's fixed FuncName[256]
// buffer: a function name longer than this is a fatal error rather
// than a silent truncation.
const maxFunctionNameLen = 255

type entry struct {
	Strx  uint32
	Type  uint8
	Other uint8
	Desc  uint16
	Value uint32
}

func readEntries(data []byte) []entry {
	count := len(data) / entrySize
	out := make([]entry, count)
	for i := 0; i < count; i++ {
		b := data[i*entrySize:]
		out[i] = entry{
			Strx:  binary.LittleEndian.Uint32(b[0:4]),
			Type:  b[4],
			Other: b[5],
			Desc:  binary.LittleEndian.Uint16(b[6:8]),
			Value: binary.LittleEndian.Uint32(b[8:12]),
		}
	}
	return out
}

// Decode walks stabData (an array of 12-byte records) paired with
// stabstrData (the NUL-terminated string blob n_strx indexes into),
// interning strings into pool, and returns the resulting symbol
// records sorted by rossym.Compare. imageBase is the preferred load
// address from the optional header; records with n_value below it are
// considered bogus and skipped, matching the original tool's guard.
func Decode(stabData, stabstrData []byte, imageBase uint64, pool *strpool.Pool) ([]rossym.Entry, error) {
	entries := readEntries(stabData)
	if len(entries) == 0 {
		return nil, nil
	}

	var out []rossym.Entry
	var lastFunctionAddress uint64

	for _, e := range entries {
		var address uint64
		if lastFunctionAddress == 0 {
			address = uint64(e.Value) - imageBase
		} else {
			address = lastFunctionAddress + uint64(e.Value)
		}

		switch e.Type {
		case nSO, nSOL, nBINCL:
			name, ok := cStringAt(stabstrData, e.Strx)
			if !ok || name == "" || strings.HasSuffix(name, "/") || strings.HasSuffix(name, "\\") || uint64(e.Value) < imageBase {
				continue
			}
			if len(out) == 0 || address != out[len(out)-1].Address {
				out = appendRecord(out)
				out[len(out)-1].Address = address
				if len(out) > 1 {
					out[len(out)-1].FunctionOffset = out[len(out)-2].FunctionOffset
				}
			}
			out[len(out)-1].FileOffset = pool.Intern(name)

		case nFUN:
			if e.Desc == 0 || uint64(e.Value) < imageBase {
				lastFunctionAddress = 0
				continue
			}
			if len(out) == 0 || address != out[len(out)-1].Address {
				out = appendRecord(out)
				out[len(out)-1].Address = address
				if len(out) > 1 {
					out[len(out)-1].FileOffset = out[len(out)-2].FileOffset
				}
			}
			name, _ := cStringAt(stabstrData, e.Strx)
			if idx := strings.IndexByte(name, ':'); idx >= 0 {
				name = name[:idx]
			}
			if len(name) > maxFunctionNameLen {
				return nil, fmt.Errorf("stabs: function name %q too long", name)
			}
			cur := &out[len(out)-1]
			cur.FunctionOffset = pool.Intern(name)
			cur.SourceLine = 0
			lastFunctionAddress = address

		case nSLINE:
			if len(out) == 0 || address != out[len(out)-1].Address {
				out = appendRecord(out)
				out[len(out)-1].Address = address
				if len(out) > 1 {
					out[len(out)-1].FileOffset = out[len(out)-2].FileOffset
					out[len(out)-1].FunctionOffset = out[len(out)-2].FunctionOffset
				}
			}
			out[len(out)-1].SourceLine = uint32(e.Desc)

		default:
			continue
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return rossym.Compare(&out[i], &out[j]) < 0
	})

	return out, nil
}

func appendRecord(out []rossym.Entry) []rossym.Entry {
	return append(out, rossym.Entry{})
}

func cStringAt(data []byte, off uint32) (string, bool) {
	if off >= uint32(len(data)) {
		return "", false
	}
	end := off
	for int(end) < len(data) && data[end] != 0 {
		end++
	}
	return string(data[off:end]), true
}
