package macho

import (
	"fmt"
	"io"

	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"

	"github.com/blacktop/inferno/internal/utils"
)

// ErrNotFound is returned when a requested segment or section is absent
// from an image.
var ErrNotFound = errors.New("not found")

// FormatError is returned when the bytes at the parse position are not a
// 64-bit Mach-O header.
type FormatError struct {
	off int64
	msg string
	val any
}

func (e *FormatError) Error() string {
	msg := e.msg
	if e.val != nil {
		msg += fmt.Sprintf(" '%v'", e.val)
	}
	msg += fmt.Sprintf(" in record at byte %#x", e.off)
	return msg
}

// A Section holds the section header fields the patcher cares about.
type Section struct {
	Addr     uint64
	Size     uint64
	Offset   uint32
	Align    uint32
	RelOff   uint32
	RelCount uint32
	Flags    uint32
}

// A Segment is a 64-bit segment load command with its sections keyed by name.
type Segment struct {
	Addr     uint64
	Memsz    uint64
	Offset   uint64
	Filesz   uint64
	Maxprot  types.VmProtection
	Prot     types.VmProtection
	Flags    uint32
	Sections map[string]*Section
}

// Section looks a section up by name.
func (s *Segment) Section(name string) (*Section, error) {
	sec, ok := s.Sections[name]
	if !ok {
		return nil, fmt.Errorf("section %s: %w", name, ErrNotFound)
	}
	return sec, nil
}

// A Symtab records the LC_SYMTAB fields.
type Symtab struct {
	Symoff  uint32
	Nsyms   uint32
	Stroff  uint32
	Strsize uint32
}

// A Header is a 64-bit Mach-O header parsed out of a shared cache member at
// the image's file offset. Only LC_SEGMENT_64 and LC_SYMTAB are decoded;
// every other load command is skipped by its declared size.
type Header struct {
	Magic    types.Magic
	CPU      types.CPU
	Segments map[string]*Segment
	Symtab   *Symtab
}

// NewHeader parses a Mach-O header at the current stream position.
func NewHeader(rs io.ReadSeeker) (*Header, error) {
	r := utils.NewReader(rs)

	start, err := r.Offset()
	if err != nil {
		return nil, err
	}

	magic, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	h := &Header{
		Magic:    types.Magic(magic),
		Segments: make(map[string]*Segment),
	}
	if h.Magic != types.Magic64 {
		return nil, &FormatError{start, "invalid magic number", magic}
	}

	cpu, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	h.CPU = types.CPU(cpu)

	if _, err := r.Seek(8, io.SeekCurrent); err != nil { // cpusubtype, filetype
		return nil, err
	}
	ncmds, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if _, err := r.Seek(12, io.SeekCurrent); err != nil { // sizeofcmds, flags, reserved
		return nil, err
	}

	for i := uint32(0); i < ncmds; i++ {
		cmdStart, err := r.Offset()
		if err != nil {
			return nil, err
		}
		cmd, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		cmdsize, err := r.Uint32()
		if err != nil {
			return nil, err
		}

		switch types.LoadCmd(cmd) {
		case types.LC_SYMTAB:
			symtab, err := parseSymtab(r)
			if err != nil {
				return nil, err
			}
			h.Symtab = symtab
		case types.LC_SEGMENT_64:
			name, seg, err := parseSegment(r)
			if err != nil {
				return nil, err
			}
			h.Segments[name] = seg
		}

		if _, err := r.Seek(cmdStart+int64(cmdsize), io.SeekStart); err != nil {
			return nil, err
		}
	}

	return h, nil
}

func parseSymtab(r *utils.Reader) (*Symtab, error) {
	var symtab Symtab
	var err error
	if symtab.Symoff, err = r.Uint32(); err != nil {
		return nil, err
	}
	if symtab.Nsyms, err = r.Uint32(); err != nil {
		return nil, err
	}
	if symtab.Stroff, err = r.Uint32(); err != nil {
		return nil, err
	}
	if symtab.Strsize, err = r.Uint32(); err != nil {
		return nil, err
	}
	return &symtab, nil
}

func parseSegment(r *utils.Reader) (string, *Segment, error) {
	name, err := r.CStringN(16)
	if err != nil {
		return "", nil, err
	}

	seg := &Segment{Sections: make(map[string]*Section)}
	if seg.Addr, err = r.Uint64(); err != nil {
		return "", nil, err
	}
	if seg.Memsz, err = r.Uint64(); err != nil {
		return "", nil, err
	}
	if seg.Offset, err = r.Uint64(); err != nil {
		return "", nil, err
	}
	if seg.Filesz, err = r.Uint64(); err != nil {
		return "", nil, err
	}
	maxprot, err := r.Uint32()
	if err != nil {
		return "", nil, err
	}
	seg.Maxprot = types.VmProtection(maxprot)
	prot, err := r.Uint32()
	if err != nil {
		return "", nil, err
	}
	seg.Prot = types.VmProtection(prot)
	nsect, err := r.Uint32()
	if err != nil {
		return "", nil, err
	}
	if seg.Flags, err = r.Uint32(); err != nil {
		return "", nil, err
	}

	for i := uint32(0); i < nsect; i++ {
		sectName, sect, err := parseSection(r)
		if err != nil {
			return "", nil, err
		}
		seg.Sections[sectName] = sect
	}

	return name, seg, nil
}

func parseSection(r *utils.Reader) (string, *Section, error) {
	name, err := r.CStringN(16)
	if err != nil {
		return "", nil, err
	}
	if _, err := r.Seek(16, io.SeekCurrent); err != nil { // segment name
		return "", nil, err
	}

	sect := &Section{}
	if sect.Addr, err = r.Uint64(); err != nil {
		return "", nil, err
	}
	if sect.Size, err = r.Uint64(); err != nil {
		return "", nil, err
	}
	if sect.Offset, err = r.Uint32(); err != nil {
		return "", nil, err
	}
	if sect.Align, err = r.Uint32(); err != nil {
		return "", nil, err
	}
	if sect.RelOff, err = r.Uint32(); err != nil {
		return "", nil, err
	}
	if sect.RelCount, err = r.Uint32(); err != nil {
		return "", nil, err
	}
	if sect.Flags, err = r.Uint32(); err != nil {
		return "", nil, err
	}
	if _, err := r.Seek(12, io.SeekCurrent); err != nil { // reserved1..3
		return "", nil, err
	}

	return name, sect, nil
}

// Segment looks a segment up by name.
func (h *Header) Segment(name string) (*Segment, error) {
	seg, ok := h.Segments[name]
	if !ok {
		return nil, fmt.Errorf("segment %s: %w", name, ErrNotFound)
	}
	return seg, nil
}

// Section looks a section up by segment and section name.
func (h *Header) Section(segName, sectName string) (*Section, error) {
	seg, err := h.Segment(segName)
	if err != nil {
		return nil, err
	}
	return seg.Section(sectName)
}
