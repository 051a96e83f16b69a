package pewriter

import (
	"encoding/binary"
	"testing"

	"github.com/reactos/rsym/pkg/rsym/pefile"
)

const testOptHeaderSize = 96 + 16*8

type testSection struct {
	name             string
	virtualAddress   uint32
	virtualSize      uint32
	data             []byte
	characteristics  uint32
}

func buildTestPE(t *testing.T, sections []testSection) *pefile.File {
	t.Helper()

	const lfanew = 0x80
	fileHeaderOffset := lfanew + 4
	optHeaderOffset := fileHeaderOffset + 20
	sectionOffset := optHeaderOffset + testOptHeaderSize
	pointerToRawData := uint32(sectionOffset+len(sections)*40+0x1ff) &^ 0x1ff

	offsets := make([]uint32, len(sections))
	cur := pointerToRawData
	for i, s := range sections {
		offsets[i] = cur
		cur += uint32(len(s.data))
	}

	buf := make([]byte, cur)
	binary.LittleEndian.PutUint16(buf[0:2], pefile.DOSSignature)
	binary.LittleEndian.PutUint32(buf[60:64], lfanew)
	binary.LittleEndian.PutUint32(buf[lfanew:lfanew+4], pefile.PESignature)

	binary.LittleEndian.PutUint16(buf[fileHeaderOffset:], 0x14c)
	binary.LittleEndian.PutUint16(buf[fileHeaderOffset+2:], uint16(len(sections)))
	binary.LittleEndian.PutUint16(buf[fileHeaderOffset+16:], uint16(testOptHeaderSize))

	opt := buf[optHeaderOffset : optHeaderOffset+testOptHeaderSize]
	binary.LittleEndian.PutUint16(opt[0:2], pefile.MagicPE32)
	binary.LittleEndian.PutUint32(opt[28:32], 0x00400000)
	binary.LittleEndian.PutUint32(opt[32:36], 0x1000)
	binary.LittleEndian.PutUint32(opt[36:40], 0x200)
	binary.LittleEndian.PutUint32(opt[92:96], 16)

	for i, s := range sections {
		off := sectionOffset + i*40
		copy(buf[off:off+8], s.name)
		binary.LittleEndian.PutUint32(buf[off+8:], s.virtualSize)
		binary.LittleEndian.PutUint32(buf[off+12:], s.virtualAddress)
		binary.LittleEndian.PutUint32(buf[off+16:], uint32(len(s.data)))
		binary.LittleEndian.PutUint32(buf[off+20:], offsets[i])
		binary.LittleEndian.PutUint32(buf[off+36:], s.characteristics)
		copy(buf[offsets[i]:], s.data)
	}

	f, err := pefile.Open(buf)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return f
}

func TestWriteDropsDebugSectionsAndAppendsRosSym(t *testing.T) {
	f := buildTestPE(t, []testSection{
		{name: ".text", virtualAddress: 0x1000, virtualSize: 0x20, data: make([]byte, 0x200), characteristics: 0x60000020},
		{name: ".stab", virtualAddress: 0x2000, virtualSize: 0x10, data: make([]byte, 0x200)},
	})

	rosSym := []byte("fake-rossym-payload-1234")
	out, err := Write(f, nil, rosSym)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := pefile.Open(out)
	if err != nil {
		t.Fatalf("re-opening the written image failed: %v", err)
	}

	if len(got.Sections) != 2 {
		t.Fatalf("expected 2 output sections (.text + .rossym), got %d", len(got.Sections))
	}
	if got.SectionName(got.Sections[0]) != ".text" {
		t.Errorf("output section 0 = %q, want .text", got.SectionName(got.Sections[0]))
	}
	if got.SectionName(got.Sections[1]) != ".rossym" {
		t.Errorf("output section 1 = %q, want .rossym", got.SectionName(got.Sections[1]))
	}
	if got.Sections[1].VirtualSize != uint32(len(rosSym)) {
		t.Errorf(".rossym VirtualSize = %d, want %d", got.Sections[1].VirtualSize, len(rosSym))
	}
	if got.Opt.CheckSum() == 0 {
		t.Errorf("expected a nonzero recomputed checksum")
	}
}

func TestWriteOmitsRosSymWhenEmpty(t *testing.T) {
	f := buildTestPE(t, []testSection{
		{name: ".text", virtualAddress: 0x1000, virtualSize: 0x20, data: make([]byte, 0x200), characteristics: 0x60000020},
	})

	out, err := Write(f, nil, nil)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	got, err := pefile.Open(out)
	if err != nil {
		t.Fatalf("re-opening the written image failed: %v", err)
	}
	if len(got.Sections) != 1 {
		t.Errorf("expected only .text to survive with no rossym payload, got %d sections", len(got.Sections))
	}
}

func TestFoldChecksumIsDeterministic(t *testing.T) {
	buf := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	a := foldChecksum(0, buf)
	b := foldChecksum(0, buf)
	if a != b {
		t.Errorf("foldChecksum is not deterministic: %d != %d", a, b)
	}
	if a > 0xffff {
		t.Errorf("foldChecksum result must stay within 16 bits, got %#x", a)
	}
}

func TestRoundUp(t *testing.T) {
	if got := roundUp(0x201, 0x200); got != 0x400 {
		t.Errorf("roundUp(0x201, 0x200) = %#x, want 0x400", got)
	}
	if got := roundUp(0x200, 0x200); got != 0x200 {
		t.Errorf("roundUp(0x200, 0x200) = %#x, want 0x200", got)
	}
	if got := roundUp(5, 0); got != 5 {
		t.Errorf("roundUp with zero alignment should return v unchanged, got %d", got)
	}
}
