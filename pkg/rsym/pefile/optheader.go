package pefile

import (
	"encoding/binary"
	"fmt"
)

// DataDirectory mirrors one IMAGE_DATA_DIRECTORY entry.
type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

// OptionalHeader is a byte-offset view over IMAGE_OPTIONAL_HEADER32 or
// IMAGE_OPTIONAL_HEADER64. The two layouts diverge after BaseOfCode in
// ways binary.Read cannot express with one struct (PE32+ widens several
// fields to 64 bits and drops BaseOfData), so field access goes through
// accessor methods computed from fixed offsets rather than a tagged
// union struct.
type OptionalHeader struct {
	raw  []byte
	is64 bool
}

// PE32 field offsets, relative to the start of the optional header.
const (
	offMagic              = 0
	offSizeOfCode         = 4
	offAddressOfEntryPoint = 16
	offBaseOfCode         = 20
	offBaseOfData32       = 24 // PE32 only
	offImageBase32        = 28
	offImageBase64        = 24
	offSectionAlignment   = 32
	offFileAlignment      = 36
	offSizeOfImage        = 56
	offSizeOfHeaders      = 60
	offCheckSum           = 64
	offSubsystem          = 68
	offNumberOfRvaAndSizes32 = 92
	offNumberOfRvaAndSizes64 = 108
	offDataDirectory32    = 96
	offDataDirectory64    = 112
)

// WrapOptionalHeader builds an OptionalHeader view over an independent
// byte slice (e.g. a fresh copy being assembled by the PE Writer)
// rather than over an open File's bytes.
func WrapOptionalHeader(b []byte) (*OptionalHeader, error) {
	return newOptionalHeader(b)
}

func newOptionalHeader(b []byte) (*OptionalHeader, error) {
	if len(b) < offSizeOfCode+4 {
		return nil, fmt.Errorf("optional header too short")
	}
	magic := binary.LittleEndian.Uint16(b[offMagic:])
	switch magic {
	case MagicPE32:
		return &OptionalHeader{raw: b, is64: false}, nil
	case MagicPE32Plus:
		return &OptionalHeader{raw: b, is64: true}, nil
	default:
		return nil, fmt.Errorf("unrecognized optional header magic 0x%x", magic)
	}
}

// Is64 reports whether this is a PE32+ (IMAGE_OPTIONAL_HEADER64) image.
func (o *OptionalHeader) Is64() bool { return o.is64 }

// Magic returns the raw optional header magic (0x10b or 0x20b).
func (o *OptionalHeader) Magic() uint16 {
	return binary.LittleEndian.Uint16(o.raw[offMagic:])
}

// ImageBase returns the preferred load address, widened to 64 bits
// regardless of the on-disk width.
func (o *OptionalHeader) ImageBase() uint64 {
	if o.is64 {
		return binary.LittleEndian.Uint64(o.raw[offImageBase64:])
	}
	return uint64(binary.LittleEndian.Uint32(o.raw[offImageBase32:]))
}

// SectionAlignment returns the in-memory section alignment.
func (o *OptionalHeader) SectionAlignment() uint32 {
	return binary.LittleEndian.Uint32(o.raw[offSectionAlignment:])
}

// FileAlignment returns the on-disk section alignment.
func (o *OptionalHeader) FileAlignment() uint32 {
	return binary.LittleEndian.Uint32(o.raw[offFileAlignment:])
}

// SizeOfImage returns the total mapped image size.
func (o *OptionalHeader) SizeOfImage() uint32 {
	return binary.LittleEndian.Uint32(o.raw[offSizeOfImage:])
}

// SetSizeOfImage overwrites SizeOfImage in place.
func (o *OptionalHeader) SetSizeOfImage(v uint32) {
	binary.LittleEndian.PutUint32(o.raw[offSizeOfImage:], v)
}

// SizeOfHeaders returns the size of all headers rounded to FileAlignment.
func (o *OptionalHeader) SizeOfHeaders() uint32 {
	return binary.LittleEndian.Uint32(o.raw[offSizeOfHeaders:])
}

// CheckSum returns the stored PE checksum field.
func (o *OptionalHeader) CheckSum() uint32 {
	return binary.LittleEndian.Uint32(o.raw[offCheckSum:])
}

// SetCheckSum overwrites the stored PE checksum field.
func (o *OptionalHeader) SetCheckSum(v uint32) {
	binary.LittleEndian.PutUint32(o.raw[offCheckSum:], v)
}

// CheckSumFieldOffset returns the byte offset of the checksum field relative
// to the start of the optional header, so callers can locate it within
// a full-file byte slice.
func (o *OptionalHeader) CheckSumFieldOffset() int { return offCheckSum }

func (o *OptionalHeader) numberOfRvaAndSizesOffset() int {
	if o.is64 {
		return offNumberOfRvaAndSizes64
	}
	return offNumberOfRvaAndSizes32
}

func (o *OptionalHeader) dataDirectoryOffset() int {
	if o.is64 {
		return offDataDirectory64
	}
	return offDataDirectory32
}

// NumberOfRvaAndSizes returns the count of valid data directory entries.
func (o *OptionalHeader) NumberOfRvaAndSizes() uint32 {
	return binary.LittleEndian.Uint32(o.raw[o.numberOfRvaAndSizesOffset():])
}

// DataDirectory returns the i'th data directory entry. Returns the zero
// value if i is beyond NumberOfRvaAndSizes or the header is too short.
func (o *OptionalHeader) DataDirectory(i int) DataDirectory {
	if i < 0 || uint32(i) >= o.NumberOfRvaAndSizes() {
		return DataDirectory{}
	}
	off := o.dataDirectoryOffset() + i*8
	if off+8 > len(o.raw) {
		return DataDirectory{}
	}
	return DataDirectory{
		VirtualAddress: binary.LittleEndian.Uint32(o.raw[off:]),
		Size:           binary.LittleEndian.Uint32(o.raw[off+4:]),
	}
}

// SetDataDirectory overwrites the i'th data directory entry in place.
func (o *OptionalHeader) SetDataDirectory(i int, d DataDirectory) error {
	if i < 0 || uint32(i) >= o.NumberOfRvaAndSizes() {
		return fmt.Errorf("pefile: data directory index %d out of range", i)
	}
	off := o.dataDirectoryOffset() + i*8
	if off+8 > len(o.raw) {
		return fmt.Errorf("pefile: data directory index %d overruns optional header", i)
	}
	binary.LittleEndian.PutUint32(o.raw[off:], d.VirtualAddress)
	binary.LittleEndian.PutUint32(o.raw[off+4:], d.Size)
	return nil
}

// Bytes returns the raw bytes backing this header. Mutations made
// through Set* methods are visible here since OptionalHeader wraps the
// underlying file's byte slice directly rather than a copy.
func (o *OptionalHeader) Bytes() []byte { return o.raw }
