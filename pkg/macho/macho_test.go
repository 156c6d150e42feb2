package macho

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/blacktop/go-macho/types"
)

type machoBuilder struct {
	buf bytes.Buffer
}

func (b *machoBuilder) u32(v uint32) {
	binary.Write(&b.buf, binary.LittleEndian, v)
}

func (b *machoBuilder) u64(v uint64) {
	binary.Write(&b.buf, binary.LittleEndian, v)
}

func (b *machoBuilder) name16(s string) {
	var name [16]byte
	copy(name[:], s)
	b.buf.Write(name[:])
}

func (b *machoBuilder) pad(n int) {
	b.buf.Write(make([]byte, n))
}

func buildImage() []byte {
	var b machoBuilder

	b.u32(uint32(types.Magic64))
	b.u32(uint32(types.CPUArm64))
	b.pad(8)  // cpusubtype, filetype
	b.u32(4)  // ncmds
	b.pad(12) // sizeofcmds, flags, reserved

	// A command the parser does not recognize; must be skipped by size.
	b.u32(0x1b) // LC_UUID
	b.u32(24)
	b.pad(16)

	// __TEXT with one section.
	b.u32(uint32(types.LC_SEGMENT_64))
	b.u32(72 + 80)
	b.name16("__TEXT")
	b.u64(0x180001000) // vmaddr
	b.u64(0x4000)      // vmsize
	b.u64(0x1000)      // fileoff
	b.u64(0x4000)      // filesize
	b.u32(5)           // maxprot
	b.u32(5)           // initprot
	b.u32(1)           // nsects
	b.u32(0)           // flags
	b.name16("__text")
	b.name16("__TEXT")
	b.u64(0x180001200) // addr
	b.u64(0x3000)      // size
	b.u32(0x1200)      // offset
	b.u32(2)           // align
	b.u32(0)           // reloff
	b.u32(0)           // nreloc
	b.u32(0x80000400)  // flags
	b.pad(12)          // reserved1..3

	// __LINKEDIT without sections.
	b.u32(uint32(types.LC_SEGMENT_64))
	b.u32(72)
	b.name16("__LINKEDIT")
	b.u64(0x180008000)
	b.u64(0x2000)
	b.u64(0x8000)
	b.u64(0x2000)
	b.u32(1)
	b.u32(1)
	b.u32(0)
	b.u32(0)

	b.u32(uint32(types.LC_SYMTAB))
	b.u32(24)
	b.u32(0x8000) // symoff
	b.u32(12)     // nsyms
	b.u32(0x9000) // stroff
	b.u32(0x400)  // strsize

	return b.buf.Bytes()
}

func TestNewHeader(t *testing.T) {
	h, err := NewHeader(bytes.NewReader(buildImage()))
	if err != nil {
		t.Fatalf("NewHeader() error: %v", err)
	}

	if h.Magic != types.Magic64 {
		t.Errorf("Magic = %#x; want Magic64", uint32(h.Magic))
	}
	if h.CPU != types.CPUArm64 {
		t.Errorf("CPU = %#x; want CPUArm64", uint32(h.CPU))
	}
	if len(h.Segments) != 2 {
		t.Fatalf("got %d segments; want 2", len(h.Segments))
	}

	text, err := h.Segment("__TEXT")
	if err != nil {
		t.Fatal(err)
	}
	if text.Addr != 0x180001000 || text.Offset != 0x1000 || text.Filesz != 0x4000 {
		t.Errorf("__TEXT = %+v", text)
	}
	if !text.Prot.Read() || !text.Prot.Execute() || text.Prot.Write() {
		t.Errorf("__TEXT prot = %s; want r-x", text.Prot)
	}

	sect, err := h.Section("__TEXT", "__text")
	if err != nil {
		t.Fatal(err)
	}
	if sect.Addr != 0x180001200 || sect.Size != 0x3000 || sect.Offset != 0x1200 || sect.Align != 2 {
		t.Errorf("__text = %+v", sect)
	}

	linkedit, err := h.Segment("__LINKEDIT")
	if err != nil {
		t.Fatal(err)
	}
	if got := linkedit.Addr - linkedit.Offset; got != 0x180000000 {
		t.Errorf("linkedit base = %#x; want 0x180000000", got)
	}

	if h.Symtab == nil {
		t.Fatal("Symtab not parsed")
	}
	if h.Symtab.Symoff != 0x8000 || h.Symtab.Nsyms != 12 || h.Symtab.Stroff != 0x9000 || h.Symtab.Strsize != 0x400 {
		t.Errorf("Symtab = %+v", h.Symtab)
	}
}

func TestNewHeaderNotFound(t *testing.T) {
	h, err := NewHeader(bytes.NewReader(buildImage()))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.Segment("__DATA"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Segment(__DATA) = %v; want ErrNotFound", err)
	}
	if _, err := h.Section("__TEXT", "__cstring"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Section(__TEXT, __cstring) = %v; want ErrNotFound", err)
	}
	if _, err := h.Section("__DATA_CONST", "__objc_classlist"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Section(__DATA_CONST, ...) = %v; want ErrNotFound", err)
	}
}

func TestNewHeaderBadMagic(t *testing.T) {
	data := buildImage()
	binary.LittleEndian.PutUint32(data, 0xfeedface) // 32-bit magic
	var formatErr *FormatError
	if _, err := NewHeader(bytes.NewReader(data)); !errors.As(err, &formatErr) {
		t.Errorf("NewHeader() with 32-bit magic = %v; want FormatError", err)
	}
}
