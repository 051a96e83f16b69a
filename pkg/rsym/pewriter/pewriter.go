// Package pewriter rebuilds a PE image with its debug sections
// stripped, its relocation directory deduplicated, and an optional
// .rossym section appended, recomputing the header checksum over the
// result.
package pewriter

import (
	"encoding/binary"
	"fmt"

	"github.com/reactos/rsym/pkg/rsym/pefile"
)

func roundUp(v, align uint32) uint32 {
	if align == 0 {
		return v
	}
	return (v + align - 1) / align * align
}

// outSection is a mutable working copy of one kept section header.
type outSection struct {
	name                                        [8]byte
	virtualSize, virtualAddress                 uint32
	sizeOfRawData, pointerToRawData             uint32
	pointerToRelocations, pointerToLineNumbers   uint32
	numberOfRelocations, numberOfLineNumbers     uint16
	characteristics                             uint32
}

func (s *outSection) encode() []byte {
	b := make([]byte, 40)
	copy(b[0:8], s.name[:])
	binary.LittleEndian.PutUint32(b[8:12], s.virtualSize)
	binary.LittleEndian.PutUint32(b[12:16], s.virtualAddress)
	binary.LittleEndian.PutUint32(b[16:20], s.sizeOfRawData)
	binary.LittleEndian.PutUint32(b[20:24], s.pointerToRawData)
	binary.LittleEndian.PutUint32(b[24:28], s.pointerToRelocations)
	binary.LittleEndian.PutUint32(b[28:32], s.pointerToLineNumbers)
	binary.LittleEndian.PutUint16(b[32:34], s.numberOfRelocations)
	binary.LittleEndian.PutUint16(b[34:36], s.numberOfLineNumbers)
	binary.LittleEndian.PutUint32(b[36:40], s.characteristics)
	return b
}

// Write reassembles f into a new PE image. processedRelocs is the
// deduplicated .reloc payload from package reloc (nil if the input has
// no base relocation directory). rosSym is the encoded .rossym section
// payload (nil/empty to omit the section entirely, e.g. when the
// merged symbol table came up empty).
func Write(f *pefile.File, processedRelocs []byte, rosSym []byte) ([]byte, error) {
	raw := f.Raw()

	// Resolved names (including long-name indirection) for every
	// section, and the one COFF-string-table length implied by the
	// last "/"-prefixed name encountered, exactly as the original tool
	// computes it: over ALL sections, not just the kept ones.
	var stringTableLength uint32
	names := make([]string, len(f.Sections))
	for i, s := range f.Sections {
		names[i] = f.SectionName(s)
		raw0 := s.RawName()
		if raw0[0] == '/' {
			off, err := parseDecimalName(raw0)
			if err == nil {
				stringTableLength = off + uint32(len(names[i])) + 1
			}
		}
	}

	startOfRawData := uint32(0)
	for i, s := range f.Sections {
		if isDropped(names[i]) || s.PointerToRawData == 0 {
			continue
		}
		if startOfRawData == 0 || s.PointerToRawData < startOfRawData {
			startOfRawData = s.PointerToRawData
		}
	}

	header := make([]byte, startOfRawData)
	copy(header, raw[:startOfRawData])

	// DOS header + PE signature are copied verbatim; only the file
	// header, optional header, and section table get regenerated.
	fileHdrOff := f.FileHeaderOffset()
	optHdrOff := f.OptionalHeaderOffset()
	sectionsOff := f.SectionHeaderOffset()

	binary.LittleEndian.PutUint32(header[fileHdrOff+8:], 0)  // PointerToSymbolTable
	binary.LittleEndian.PutUint32(header[fileHdrOff+12:], 0) // NumberOfSymbols
	chars := binary.LittleEndian.Uint16(header[fileHdrOff+18:])
	chars &^= pefile.FileLineNumsStripped | pefile.FileLocalSymsStripped | pefile.FileDebugStripped
	binary.LittleEndian.PutUint16(header[fileHdrOff+18:], chars)

	opt, err := pefile.WrapOptionalHeader(header[optHdrOff:sectionsOff])
	if err != nil {
		return nil, err
	}
	opt.SetCheckSum(0)

	relocDir := f.Opt.DataDirectory(pefile.DirectoryBaseReloc)
	inRelocSectionIndex := -1
	if relocDir.VirtualAddress != 0 {
		if s := f.SectionForRVA(relocDir.VirtualAddress); s != nil {
			inRelocSectionIndex = s.Index()
		} else {
			return nil, fmt.Errorf("pewriter: can't find section header for relocation data")
		}
	}

	var kept []*outSection
	opt.SetSizeOfImage(0)
	var rosSymOffset uint32
	relocOutIndex := -1

	for i, s := range f.Sections {
		if isDropped(names[i]) {
			continue
		}
		os := &outSection{
			name:                 s.RawName(),
			virtualSize:          s.VirtualSize,
			virtualAddress:       s.VirtualAddress,
			sizeOfRawData:        s.SizeOfRawData,
			pointerToRawData:     s.PointerToRawData,
			pointerToRelocations: s.PointerToRelocations,
			characteristics:      s.Characteristics,
		}
		if opt.SizeOfImage() < os.virtualAddress+os.virtualSize {
			opt.SetSizeOfImage(roundUp(os.virtualAddress+os.virtualSize, opt.SectionAlignment()))
		}
		if rosSymOffset < os.pointerToRawData+os.sizeOfRawData {
			rosSymOffset = os.pointerToRawData + os.sizeOfRawData
		}
		if i == inRelocSectionIndex {
			relocOutIndex = len(kept)
		}
		kept = append(kept, os)
	}

	if relocOutIndex == len(kept)-1 && relocOutIndex >= 0 {
		relocLen := uint32(len(processedRelocs))
		relocSec := kept[relocOutIndex]
		if err := opt.SetDataDirectory(pefile.DirectoryBaseReloc, pefile.DataDirectory{
			VirtualAddress: relocDir.VirtualAddress,
			Size:           relocLen,
		}); err != nil {
			return nil, err
		}
		if opt.SizeOfImage() == relocSec.virtualAddress+roundUp(relocSec.virtualSize, opt.SectionAlignment()) {
			opt.SetSizeOfImage(relocSec.virtualAddress + roundUp(relocLen, opt.SectionAlignment()))
		}
		relocSec.virtualSize = relocLen
		if rosSymOffset == relocSec.pointerToRawData+relocSec.sizeOfRawData {
			rosSymOffset = relocSec.pointerToRawData + roundUp(relocLen, opt.FileAlignment())
		}
		relocSec.sizeOfRawData = roundUp(relocLen, opt.FileAlignment())
	}

	stringTableLocation := startOfRawData
	if len(kept) > 0 {
		last := kept[len(kept)-1]
		stringTableLocation = last.pointerToRawData + last.sizeOfRawData
	}

	var rosSymFileLength uint32
	var paddedRosSym []byte
	if len(rosSym) > 0 {
		rosSymFileLength = roundUp(uint32(len(rosSym)), opt.FileAlignment())
		sec := &outSection{
			virtualSize:      uint32(len(rosSym)),
			virtualAddress:   opt.SizeOfImage(),
			sizeOfRawData:    rosSymFileLength,
			pointerToRawData: rosSymOffset,
			characteristics: pefile.SectionMemRead | pefile.SectionMemDiscardable |
				pefile.SectionLnkRemove | pefile.SectionTypeNoLoad,
		}
		copy(sec.name[:], ".rossym")
		opt.SetSizeOfImage(roundUp(sec.virtualAddress+sec.virtualSize, opt.SectionAlignment()))
		kept = append(kept, sec)

		paddedRosSym = make([]byte, rosSymFileLength)
		copy(paddedRosSym, rosSym)

		stringTableLocation = rosSymOffset + rosSymFileLength
	}

	var coffStringTable []byte
	if stringTableLength > 0 {
		binary.LittleEndian.PutUint32(header[fileHdrOff+8:], stringTableLocation) // PointerToSymbolTable
		binary.LittleEndian.PutUint32(header[fileHdrOff+12:], 0)                  // NumberOfSymbols
		src := f.COFFStringTable()
		coffStringTable = make([]byte, stringTableLength)
		if src != nil && int(stringTableLength) <= len(src) {
			copy(coffStringTable, src[:stringTableLength])
		}
		binary.LittleEndian.PutUint32(coffStringTable[0:4], stringTableLength)
	}
	binary.LittleEndian.PutUint16(header[fileHdrOff+2:], uint16(len(kept)))

	sectionBytes := make([]byte, 0, 40*len(kept))
	for _, s := range kept {
		sectionBytes = append(sectionBytes, s.encode()...)
	}
	if sectionsOff+len(sectionBytes) > len(header) {
		return nil, fmt.Errorf("pewriter: section table does not fit before start of raw data")
	}
	copy(header[sectionsOff:], sectionBytes)

	var paddedStringTable []byte
	var paddedStringTableLength uint32
	if coffStringTable != nil {
		paddingFrom := (stringTableLocation + stringTableLength) % opt.FileAlignment()
		paddingSize := uint32(0)
		if paddingFrom != 0 {
			paddingSize = opt.FileAlignment() - paddingFrom
		}
		paddedStringTableLength = stringTableLength + paddingSize
		paddedStringTable = make([]byte, paddedStringTableLength)
		copy(paddedStringTable, coffStringTable)
	}

	totalLength := startOfRawData
	for _, s := range kept {
		totalLength += s.sizeOfRawData
	}
	totalLength += paddedStringTableLength

	out := make([]byte, totalLength)
	copy(out, header)

	checksum := foldChecksum(0, header)
	for i, s := range kept {
		var data []byte
		switch {
		case i == relocOutIndex:
			data = processedRelocs
		case len(rosSym) > 0 && i == len(kept)-1:
			data = paddedRosSym
		default:
			data = sliceAt(raw, s.pointerToRawData, s.sizeOfRawData)
		}
		if s.pointerToRawData > 0 && s.sizeOfRawData > 0 {
			writeAt(out, s.pointerToRawData, data)
		}
		checksum = foldChecksum(checksum, padTo(data, int(s.sizeOfRawData)))
	}
	if paddedStringTable != nil {
		writeAt(out, stringTableLocation, paddedStringTable)
		checksum = foldChecksum(checksum, paddedStringTable)
	}
	// The final addition of the total file length is not re-folded:
	// only the word-at-a-time accumulation above stays within 16 bits.
	checksum += totalLength

	opt.SetCheckSum(checksum)
	copy(out, header)

	return out, nil
}

func isDropped(name string) bool {
	return pefile.IsDebugSection(name)
}

func parseDecimalName(raw [8]byte) (uint32, error) {
	end := 1
	for end < 8 && raw[end] >= '0' && raw[end] <= '9' {
		end++
	}
	if end == 1 {
		return 0, fmt.Errorf("no decimal digits in long name")
	}
	var v uint32
	for _, c := range raw[1:end] {
		v = v*10 + uint32(c-'0')
	}
	return v, nil
}

func sliceAt(b []byte, off, length uint32) []byte {
	if int(off) >= len(b) {
		return nil
	}
	end := int(off) + int(length)
	if end > len(b) {
		end = len(b)
	}
	return b[off:end]
}

func writeAt(out []byte, off uint32, data []byte) {
	end := int(off) + len(data)
	if end > len(out) {
		end = len(out)
	}
	copy(out[off:end], data[:end-int(off)])
}

func padTo(data []byte, n int) []byte {
	if len(data) >= n {
		return data[:n]
	}
	b := make([]byte, n)
	copy(b, data)
	return b
}

// foldChecksum folds buf into the running 16-bit end-around-carry sum
// the PE checksum algorithm uses, treating buf as an array of
// little-endian 16-bit words (any trailing odd byte is dropped,
// matching the original tool's word-at-a-time loop bound to len/2).
func foldChecksum(sum uint32, buf []byte) uint32 {
	n := len(buf) / 2
	for i := 0; i < n; i++ {
		word := uint32(buf[2*i]) | uint32(buf[2*i+1])<<8
		sum += word
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return sum & 0xffff
}
