// Package pefile provides a read-only structured view over a PE/PE32+
// image: DOS/file/optional headers, the section table, RVA-to-section
// lookup, and the COFF long-name string table used to resolve "/<n>"
// section names.
package pefile

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// DOSSignature is the "MZ" magic at the start of every DOS/PE image.
const DOSSignature = 0x5A4D

// ELFMagic is the byte sequence identifying an ELF object, which this
// tool passes through untouched.
var ELFMagic = []byte{0x7f, 'E', 'L', 'F'}

// PESignature is the "PE\0\0" magic at FileHeaderOffset-4.
const PESignature = 0x00004550

// Optional header magics.
const (
	MagicPE32  = 0x10b
	MagicPE32Plus = 0x20b
)

// Data directory indices we care about.
const (
	DirectoryBaseReloc = 5
)

// Section characteristics used by the writer and reader.
const (
	SectionMemRead       = 0x40000000
	SectionMemDiscardable = 0x02000000
	SectionLnkRemove     = 0x00000800
	SectionTypeNoLoad    = 0x00000002
)

// File header characteristics bits stripped by the writer.
const (
	FileLineNumsStripped  = 0x0004
	FileLocalSymsStripped = 0x0008
	FileDebugStripped     = 0x0200
)

// DOSHeader is the subset of IMAGE_DOS_HEADER this tool inspects.
// The full 64-byte header is preserved verbatim by the writer; only
// the magic and e_lfanew are decoded here.
type DOSHeader struct {
	Magic   uint16
	Lfanew  uint32
}

// FileHeader mirrors IMAGE_FILE_HEADER (20 bytes).
type FileHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

// File is an immutable view over an input PE image's bytes.
type File struct {
	raw []byte

	Dos     DOSHeader
	FileHdr FileHeader
	Opt     *OptionalHeader

	fileHeaderOffset int
	optHeaderOffset  int
	sectionOffset    int

	Sections []*SectionHeader
}

// Raw returns the whole input image.
func (f *File) Raw() []byte { return f.raw }

// DosHeaderSize is the size of the DOS stub header including e_lfanew
// and the trailing PE signature, i.e. the offset of IMAGE_FILE_HEADER.
func (f *File) DosHeaderSize() int { return f.fileHeaderOffset }

// FileHeaderOffset is the byte offset of IMAGE_FILE_HEADER.
func (f *File) FileHeaderOffset() int { return f.fileHeaderOffset }

// OptionalHeaderOffset is the byte offset of IMAGE_OPTIONAL_HEADER.
func (f *File) OptionalHeaderOffset() int { return f.optHeaderOffset }

// SectionHeaderOffset is the byte offset of the first IMAGE_SECTION_HEADER.
func (f *File) SectionHeaderOffset() int { return f.sectionOffset }

// IsELF reports whether data begins with the ELF magic.
func IsELF(data []byte) bool {
	return bytes.HasPrefix(data, ELFMagic)
}

// Open parses the DOS/PE/optional headers and section table of data.
// It returns a non-nil error if data is not a well-formed PE image;
// callers should check IsELF(data) first to distinguish ELF pass-through
// from a genuine parse failure.
func Open(data []byte) (*File, error) {
	if len(data) < 64 {
		return nil, fmt.Errorf("pefile: file too small to contain a DOS header")
	}

	magic := binary.LittleEndian.Uint16(data[0:2])
	if magic != DOSSignature {
		return nil, fmt.Errorf("pefile: not a PE image (bad MZ magic)")
	}

	lfanew := binary.LittleEndian.Uint32(data[60:64])
	if lfanew == 0 || int(lfanew)+4+20 > len(data) {
		return nil, fmt.Errorf("pefile: not a PE image (bad e_lfanew)")
	}

	sig := binary.LittleEndian.Uint32(data[lfanew : lfanew+4])
	if sig != PESignature {
		return nil, fmt.Errorf("pefile: not a PE image (bad PE signature)")
	}

	f := &File{
		raw: data,
		Dos: DOSHeader{Magic: magic, Lfanew: lfanew},
	}
	f.fileHeaderOffset = int(lfanew) + 4

	r := bytes.NewReader(data[f.fileHeaderOffset:])
	if err := binary.Read(r, binary.LittleEndian, &f.FileHdr); err != nil {
		return nil, fmt.Errorf("pefile: failed to read file header: %w", err)
	}

	f.optHeaderOffset = f.fileHeaderOffset + 20
	f.sectionOffset = f.optHeaderOffset + int(f.FileHdr.SizeOfOptionalHeader)
	if f.sectionOffset > len(data) {
		return nil, fmt.Errorf("pefile: section table offset out of range")
	}

	optRaw := data[f.optHeaderOffset:f.sectionOffset]
	opt, err := newOptionalHeader(optRaw)
	if err != nil {
		return nil, fmt.Errorf("pefile: failed to read optional header: %w", err)
	}
	f.Opt = opt

	need := f.sectionOffset + int(f.FileHdr.NumberOfSections)*sectionHeaderSize
	if need > len(data) {
		return nil, fmt.Errorf("pefile: section table overruns file")
	}

	f.Sections = make([]*SectionHeader, f.FileHdr.NumberOfSections)
	for i := 0; i < int(f.FileHdr.NumberOfSections); i++ {
		off := f.sectionOffset + i*sectionHeaderSize
		sh, err := readSectionHeader(data[off : off+sectionHeaderSize])
		if err != nil {
			return nil, fmt.Errorf("pefile: failed to read section %d: %w", i, err)
		}
		sh.index = i
		f.Sections[i] = sh
	}

	return f, nil
}

// ImageBase returns the image base from the optional header.
func (f *File) ImageBase() uint64 { return f.Opt.ImageBase() }

// SectionByIndex returns the section at the given 0-based index, or nil
// if idx is out of range. COFF symbols reference sections by 1-based
// e_scnum; callers pass e_scnum-1.
func (f *File) SectionByIndex(idx int) *SectionHeader {
	if idx < 0 || idx >= len(f.Sections) {
		return nil
	}
	return f.Sections[idx]
}

// SectionForRVA returns the section containing rva, or nil.
func (f *File) SectionForRVA(rva uint32) *SectionHeader {
	for _, s := range f.Sections {
		if rva >= s.VirtualAddress && rva < s.VirtualAddress+s.VirtualSize {
			return s
		}
	}
	return nil
}

// SectionData returns the on-disk raw bytes of a section.
func (f *File) SectionData(s *SectionHeader) []byte {
	if s.PointerToRawData == 0 || s.SizeOfRawData == 0 {
		return nil
	}
	start := int(s.PointerToRawData)
	end := start + int(s.SizeOfRawData)
	if start > len(f.raw) {
		return nil
	}
	if end > len(f.raw) {
		end = len(f.raw)
	}
	return f.raw[start:end]
}

// SectionName resolves a section's name, following the "/<n>" long-name
// indirection into the COFF string table when present.
func (f *File) SectionName(s *SectionHeader) string {
	raw := s.Name[:]
	nul := bytes.IndexByte(raw, 0)
	if nul == -1 {
		nul = len(raw)
	}
	name := string(raw[:nul])
	if len(name) == 0 || name[0] != '/' {
		return name
	}
	off, err := parseDecimal(name[1:])
	if err != nil {
		return name
	}
	if s, ok := f.COFFStringAt(off); ok {
		return s
	}
	return name
}

// HasCOFFSymbols reports whether the file header references a COFF
// symbol table.
func (f *File) HasCOFFSymbols() bool {
	return f.FileHdr.PointerToSymbolTable != 0 && f.FileHdr.NumberOfSymbols != 0
}

// coffSymbolEntrySize is the fixed size of one COFF_SYMENT.
const coffSymbolEntrySize = 18

// COFFSymbolTableOffset is the file offset of the first COFF symbol entry.
func (f *File) COFFSymbolTableOffset() int {
	return int(f.FileHdr.PointerToSymbolTable)
}

// COFFSymbolTable returns the raw COFF symbol table bytes.
func (f *File) COFFSymbolTable() []byte {
	if !f.HasCOFFSymbols() {
		return nil
	}
	start := f.COFFSymbolTableOffset()
	end := start + int(f.FileHdr.NumberOfSymbols)*coffSymbolEntrySize
	if start > len(f.raw) || end > len(f.raw) {
		return nil
	}
	return f.raw[start:end]
}

// coffStringTableOffset is the offset immediately following the COFF
// symbol table: a 4-byte length followed by NUL-terminated strings.
func (f *File) coffStringTableOffset() int {
	return f.COFFSymbolTableOffset() + int(f.FileHdr.NumberOfSymbols)*coffSymbolEntrySize
}

// COFFStringTableLength returns the length word at the head of the
// COFF long-name string table, including the 4 bytes of the length
// field itself. Returns 0 if there is no COFF symbol table.
func (f *File) COFFStringTableLength() uint32 {
	if !f.HasCOFFSymbols() {
		return 0
	}
	off := f.coffStringTableOffset()
	if off+4 > len(f.raw) {
		return 0
	}
	return binary.LittleEndian.Uint32(f.raw[off : off+4])
}

// COFFStringTable returns the raw bytes of the long-name string table,
// including its leading 4-byte length word.
func (f *File) COFFStringTable() []byte {
	if !f.HasCOFFSymbols() {
		return nil
	}
	off := f.coffStringTableOffset()
	length := f.COFFStringTableLength()
	if length < 4 || off+int(length) > len(f.raw) {
		return nil
	}
	return f.raw[off : off+int(length)]
}

// COFFStringAt resolves a NUL-terminated string at byte offset off
// within the long-name string table (offsets are relative to the start
// of the table, i.e. they include the 4-byte length prefix).
func (f *File) COFFStringAt(off uint32) (string, bool) {
	tab := f.COFFStringTable()
	if tab == nil || off >= uint32(len(tab)) {
		return "", false
	}
	nul := bytes.IndexByte(tab[off:], 0)
	if nul == -1 {
		return string(tab[off:]), true
	}
	return string(tab[off : off+uint32(nul)]), true
}

// FindSectionsByPrefix returns all sections whose resolved name begins
// with prefix.
func (f *File) FindSectionsByPrefix(prefix string) []*SectionHeader {
	var out []*SectionHeader
	for _, s := range f.Sections {
		if len(f.SectionName(s)) >= len(prefix) && f.SectionName(s)[:len(prefix)] == prefix {
			out = append(out, s)
		}
	}
	return out
}

// FindSection returns the first section whose resolved name exactly
// matches name, or nil.
func (f *File) FindSection(name string) *SectionHeader {
	for _, s := range f.Sections {
		if f.SectionName(s) == name {
			return s
		}
	}
	return nil
}

// IsDebugSection reports whether a resolved section name is one the PE
// Writer must drop: anything prefixed ".stab" (including ".stabstr")
// or ".debug_".
func IsDebugSection(name string) bool {
	if len(name) >= 5 && name[:5] == ".stab" {
		return true
	}
	if len(name) >= 7 && name[:7] == ".debug_" {
		return true
	}
	return false
}

func parseDecimal(s string) (uint32, error) {
	if s == "" {
		return 0, fmt.Errorf("empty long-name offset")
	}
	var v uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("non-decimal long-name offset %q", s)
		}
		v = v*10 + uint64(c-'0')
	}
	return uint32(v), nil
}
