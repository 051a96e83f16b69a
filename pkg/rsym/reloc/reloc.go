// Package reloc rewrites the base relocation directory of a PE image:
// blocks targeting a section the writer is about to drop are removed,
// and byte-identical blocks are deduplicated.
package reloc

import (
	"fmt"

	"github.com/reactos/rsym/pkg/rsym/pefile"
)

// Process walks the .reloc blocks referenced by f's base relocation
// data directory and returns a byte buffer containing every
// kept-section block, deduplicated by exact byte content, in original
// order. Returns a nil, zero-length result when there is no base
// relocation directory.
func Process(f *pefile.File) ([]byte, error) {
	dir := f.Opt.DataDirectory(pefile.DirectoryBaseReloc)
	if dir.VirtualAddress == 0 {
		return nil, nil
	}

	relocSection := f.SectionForRVA(dir.VirtualAddress)
	if relocSection == nil {
		return nil, fmt.Errorf("reloc: can't find section header for relocation data")
	}

	raw := f.Raw()
	start := int(relocSection.PointerToRawData) + int(dir.VirtualAddress-relocSection.VirtualAddress)
	end := start + int(dir.Size)
	if end > len(raw) {
		return nil, fmt.Errorf("reloc: base relocation directory overruns the file")
	}

	out := make([]byte, 0, dir.Size)

	pos := start
	for pos < end {
		if end-pos < 8 {
			break
		}
		blockSize := le32(raw, pos+4)
		if blockSize == 0 {
			break
		}
		if pos+int(blockSize) > end {
			return nil, fmt.Errorf("reloc: relocation block overruns its directory")
		}
		block := raw[pos : pos+int(blockSize)]

		targetRVA := le32(raw, pos)
		target := f.SectionForRVA(targetRVA)
		if target != nil && !pefile.IsDebugSection(f.SectionName(target)) {
			if !containsBlock(out, block) {
				out = append(out, block...)
			}
		}

		pos += int(blockSize)
	}

	return out, nil
}

func containsBlock(haystack, block []byte) bool {
	i := 0
	for i+8 <= len(haystack) {
		size := int(le32(haystack, i+4))
		if size <= 0 || i+size > len(haystack) {
			break
		}
		if size == len(block) && string(haystack[i:i+size]) == string(block) {
			return true
		}
		i += size
	}
	return false
}

func le32(b []byte, off int) uint32 {
	return uint32(b[off]) | uint32(b[off+1])<<8 | uint32(b[off+2])<<16 | uint32(b[off+3])<<24
}
