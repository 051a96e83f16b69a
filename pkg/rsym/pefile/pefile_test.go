package pefile

import (
	"encoding/binary"
	"testing"
)

// testSection describes one section to bake into a synthetic PE image.
type testSection struct {
	name             string // resolved name; written as the raw 8-byte field if it fits
	rawName          [8]byte
	virtualAddress   uint32
	virtualSize      uint32
	pointerToRawData uint32
	data             []byte
	characteristics  uint32
}

const (
	testOptHeaderSize = 96 + 16*8 // standard PE32 16-entry data directory array
	testNumRvaSizes   = 16
)

// buildPE assembles a minimal, well-formed PE32 image: DOS stub, file
// header, optional header with a 16-entry data directory array, a
// section table, and each section's raw data placed back to back.
// dataDirs maps a data directory index to its (VirtualAddress, Size).
func buildPE(t *testing.T, sections []testSection, dataDirs map[int][2]uint32, coffSymbols []byte, coffStrings []byte) []byte {
	t.Helper()

	const lfanew = 0x80
	fileHeaderOffset := lfanew + 4
	optHeaderOffset := fileHeaderOffset + 20
	sectionOffset := optHeaderOffset + testOptHeaderSize

	pointerToRawData := uint32(sectionOffset + len(sections)*40)
	// round up to a tidy boundary
	pointerToRawData = (pointerToRawData + 0x1ff) &^ 0x1ff

	offsets := make([]uint32, len(sections))
	cur := pointerToRawData
	for i, s := range sections {
		offsets[i] = cur
		cur += uint32(len(s.data))
	}
	fileEnd := cur

	var pointerToSymbolTable uint32
	if len(coffSymbols) > 0 {
		pointerToSymbolTable = fileEnd
		fileEnd += uint32(len(coffSymbols))
		if coffStrings != nil {
			fileEnd += uint32(len(coffStrings))
		}
	}

	buf := make([]byte, fileEnd)

	binary.LittleEndian.PutUint16(buf[0:2], DOSSignature)
	binary.LittleEndian.PutUint32(buf[60:64], uint32(lfanew))
	binary.LittleEndian.PutUint32(buf[lfanew:lfanew+4], PESignature)

	binary.LittleEndian.PutUint16(buf[fileHeaderOffset:], 0x14c) // Machine: i386
	binary.LittleEndian.PutUint16(buf[fileHeaderOffset+2:], uint16(len(sections)))
	if len(coffSymbols) > 0 {
		binary.LittleEndian.PutUint32(buf[fileHeaderOffset+8:], pointerToSymbolTable)
		binary.LittleEndian.PutUint32(buf[fileHeaderOffset+12:], uint32(len(coffSymbols)/18))
	}
	binary.LittleEndian.PutUint16(buf[fileHeaderOffset+16:], uint16(testOptHeaderSize))

	opt := buf[optHeaderOffset : optHeaderOffset+testOptHeaderSize]
	binary.LittleEndian.PutUint16(opt[0:2], MagicPE32)
	binary.LittleEndian.PutUint32(opt[28:32], 0x00400000) // ImageBase
	binary.LittleEndian.PutUint32(opt[32:36], 0x1000)     // SectionAlignment
	binary.LittleEndian.PutUint32(opt[36:40], 0x200)      // FileAlignment
	binary.LittleEndian.PutUint32(opt[92:96], testNumRvaSizes)
	for idx, d := range dataDirs {
		off := 96 + idx*8
		binary.LittleEndian.PutUint32(opt[off:], d[0])
		binary.LittleEndian.PutUint32(opt[off+4:], d[1])
	}

	for i, s := range sections {
		off := sectionOffset + i*40
		raw := s.rawName
		if s.name != "" {
			copy(raw[:], s.name)
		}
		copy(buf[off:off+8], raw[:])
		binary.LittleEndian.PutUint32(buf[off+8:], s.virtualSize)
		binary.LittleEndian.PutUint32(buf[off+12:], s.virtualAddress)
		binary.LittleEndian.PutUint32(buf[off+16:], uint32(len(s.data)))
		binary.LittleEndian.PutUint32(buf[off+20:], offsets[i])
		binary.LittleEndian.PutUint32(buf[off+36:], s.characteristics)
		copy(buf[offsets[i]:], s.data)
	}

	if len(coffSymbols) > 0 {
		copy(buf[pointerToSymbolTable:], coffSymbols)
		if coffStrings != nil {
			copy(buf[pointerToSymbolTable+uint32(len(coffSymbols)):], coffStrings)
		}
	}

	return buf
}

func TestOpenRejectsShortFile(t *testing.T) {
	if _, err := Open([]byte{1, 2, 3}); err == nil {
		t.Errorf("expected an error opening a too-short file")
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	data := make([]byte, 64)
	if _, err := Open(data); err == nil {
		t.Errorf("expected an error opening a file with no MZ magic")
	}
}

func TestIsELF(t *testing.T) {
	if !IsELF([]byte{0x7f, 'E', 'L', 'F', 1, 2}) {
		t.Errorf("IsELF should recognize the ELF magic")
	}
	if IsELF([]byte{'M', 'Z'}) {
		t.Errorf("IsELF should not misidentify a PE/MZ file")
	}
}

func TestOpenParsesSections(t *testing.T) {
	data := buildPE(t, []testSection{
		{name: ".text", virtualAddress: 0x1000, virtualSize: 0x20, data: make([]byte, 0x200)},
		{name: ".data", virtualAddress: 0x2000, virtualSize: 0x10, data: make([]byte, 0x200)},
	}, nil, nil, nil)

	f, err := Open(data)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if len(f.Sections) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(f.Sections))
	}
	if f.SectionName(f.Sections[0]) != ".text" {
		t.Errorf("section 0 name = %q, want .text", f.SectionName(f.Sections[0]))
	}
	if f.Sections[0].Index() != 0 || f.Sections[1].Index() != 1 {
		t.Errorf("section indices not assigned in read order: %d, %d", f.Sections[0].Index(), f.Sections[1].Index())
	}
	if f.ImageBase() != 0x00400000 {
		t.Errorf("ImageBase() = %#x, want 0x400000", f.ImageBase())
	}
}

func TestSectionForRVA(t *testing.T) {
	data := buildPE(t, []testSection{
		{name: ".text", virtualAddress: 0x1000, virtualSize: 0x100, data: make([]byte, 0x200)},
	}, nil, nil, nil)
	f, err := Open(data)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if s := f.SectionForRVA(0x1050); s == nil {
		t.Errorf("SectionForRVA should find the .text section for an RVA within it")
	}
	if s := f.SectionForRVA(0x5000); s != nil {
		t.Errorf("SectionForRVA should return nil for an RVA outside every section")
	}
}

func TestSectionNameLongNameIndirection(t *testing.T) {
	// COFF string table: 4-byte length prefix + NUL-terminated strings.
	strTab := []byte{0, 0, 0, 0} // length patched below
	strTab = append(strTab, []byte(".debug_info")...)
	strTab = append(strTab, 0)
	binary.LittleEndian.PutUint32(strTab[0:4], uint32(len(strTab)))

	var raw [8]byte
	copy(raw[:], "/4")

	data := buildPE(t, []testSection{
		{rawName: raw, virtualAddress: 0x1000, virtualSize: 0x10, data: make([]byte, 0x200)},
	}, nil, make([]byte, 18), strTab)

	f, err := Open(data)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := f.SectionName(f.Sections[0]); got != ".debug_info" {
		t.Errorf("long section name resolution = %q, want .debug_info", got)
	}
}

func TestStabSections(t *testing.T) {
	data := buildPE(t, []testSection{
		{name: ".text", virtualAddress: 0x1000, virtualSize: 0x10, data: make([]byte, 0x200)},
		{name: ".stab", virtualAddress: 0x2000, virtualSize: 0x10, data: make([]byte, 0x200)},
		{name: ".stabstr", virtualAddress: 0x3000, virtualSize: 0x10, data: make([]byte, 0x200)},
	}, nil, nil, nil)
	f, err := Open(data)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	stab, stabstr := f.StabSections()
	if stab == nil || f.SectionName(stab) != ".stab" {
		t.Errorf("StabSections did not find .stab")
	}
	if stabstr == nil || f.SectionName(stabstr) != ".stabstr" {
		t.Errorf("StabSections did not find .stabstr")
	}
}

func TestIsDebugSection(t *testing.T) {
	cases := map[string]bool{
		".stab":      true,
		".stabstr":   true,
		".stab.index": true,
		".debug_info": true,
		".text":      false,
		".rossym":    false,
	}
	for name, want := range cases {
		if got := IsDebugSection(name); got != want {
			t.Errorf("IsDebugSection(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestHasCOFFSymbolsAndTable(t *testing.T) {
	sym := make([]byte, 18)
	binary.LittleEndian.PutUint32(sym[0:4], 0) // zeroes == 0 -> indirect name
	binary.LittleEndian.PutUint32(sym[4:8], 4) // offset into string table
	binary.LittleEndian.PutUint32(sym[8:12], 0x10)
	binary.LittleEndian.PutUint16(sym[12:14], 1) // scnum

	strTab := []byte{0, 0, 0, 0}
	strTab = append(strTab, []byte("my_symbol")...)
	strTab = append(strTab, 0)
	binary.LittleEndian.PutUint32(strTab[0:4], uint32(len(strTab)))

	data := buildPE(t, []testSection{
		{name: ".text", virtualAddress: 0x1000, virtualSize: 0x10, data: make([]byte, 0x200)},
	}, nil, sym, strTab)

	f, err := Open(data)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if !f.HasCOFFSymbols() {
		t.Fatalf("HasCOFFSymbols should be true")
	}
	if got, ok := f.COFFStringAt(4); !ok || got != "my_symbol" {
		t.Errorf("COFFStringAt(4) = %q, %v, want my_symbol, true", got, ok)
	}
}
