package arm64

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/blacktop/inferno/internal/utils"
	"github.com/blacktop/inferno/pkg/dyld"
	"github.com/blacktop/inferno/pkg/patcher"
)

// Register is a general-purpose register number.
type Register uint8

const (
	R0 Register = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// MovzShift is the left shift applied to a MOVZ immediate.
type MovzShift uint8

const (
	MovzLSL0 MovzShift = iota
	MovzLSL16
	MovzLSL32
	MovzLSL48
)

// AddShift is the left shift applied to an ADD immediate.
type AddShift uint8

const (
	AddLSL0 AddShift = iota
	AddLSL12
)

const instSize = 4

// DefaultInstLimit is how many instruction slots the Find* scanners inspect
// before giving up.
const DefaultInstLimit = 0x400

// AnyTarget makes FindBL match a BL regardless of its branch target.
const AnyTarget = ^uint64(0)

var (
	// ErrInvalidOperand is returned when a value does not fit an
	// instruction's immediate encoding.
	ErrInvalidOperand = errors.New("invalid operand")
	// ErrPatternNotFound is returned when a scan exhausts its instruction
	// limit without a match.
	ErrPatternNotFound = errors.New("no matching instruction found")
)

const (
	nopInst  uint32 = 0xD503201F
	retInst  uint32 = 0xD65F03C0
	movzInst uint32 = 0x52800000
	adrpInst uint32 = 0x90000000
	addInst  uint32 = 0x11000000
	blrInst  uint32 = 0xD63F0000

	blInst       uint32 = 0x94000000
	blInstMask   uint32 = 0xFC000000
	cbzInst      uint32 = 0x34000000
	cbzInstMask  uint32 = 0x7F000000
	blraInst     uint32 = 0xD63F0800
	blraInstMask uint32 = 0xFEFFF800
)

const (
	adrpImmMax = 1<<20 - 1
	adrpMax    = int64(adrpImmMax) << 12
)

func makeMovz(reg Register, wide bool, imm uint16, shift MovzShift) (uint32, error) {
	if wide && shift != MovzLSL0 {
		return 0, fmt.Errorf("cannot have a shift for wide movz: %w", ErrInvalidOperand)
	}
	inst := movzInst | uint32(shift)<<21 | uint32(imm)<<5 | uint32(reg)
	if wide {
		inst |= 1 << 31
	}
	return inst, nil
}

func makeAdrp(pages int32, reg Register) (uint32, error) {
	if pages > adrpImmMax || pages < -adrpImmMax {
		return 0, fmt.Errorf("invalid imm for adrp: %w", ErrInvalidOperand)
	}
	imm := uint32(pages)
	return adrpInst | (imm&0x3)<<29 | (imm>>2&0x7FFFF)<<5 | uint32(reg), nil
}

func makeAdd(imm uint16, wide bool, srcReg, dstReg Register, shift AddShift) (uint32, error) {
	if imm>>12 != 0 {
		return 0, fmt.Errorf("invalid imm for add: %w", ErrInvalidOperand)
	}
	inst := addInst | uint32(shift)<<22 | uint32(imm)<<10 | uint32(srcReg)<<5 | uint32(dstReg)
	if wide {
		inst |= 1 << 31
	}
	return inst, nil
}

func makeBlr(reg Register) uint32 {
	return blrInst | uint32(reg)<<5
}

// disasBL recovers the branch target of a BL at instAddr: the low 26 bits
// are a sign-extended word offset.
func disasBL(instAddr uint64, inst uint32) uint64 {
	off := int64(int32(inst<<6)>>6) * instSize
	return uint64(int64(instAddr) + off)
}

// An Assembler emits fixed-width instructions through a patch buffer at
// virtual addresses resolved through the owning cache member's header.
type Assembler struct {
	patcher *patcher.Patcher
}

func NewAssembler(p *patcher.Patcher) *Assembler {
	return &Assembler{patcher: p}
}

func (a *Assembler) writeInst(path string, header *dyld.CacheHeader, addr uint64, inst uint32) error {
	off, err := header.VMAddrToFileOff(addr)
	if err != nil {
		return err
	}
	var buf [instSize]byte
	binary.LittleEndian.PutUint32(buf[:], inst)
	a.patcher.Write(path, off, buf[:])
	return nil
}

func (a *Assembler) writeInstIncr(path string, header *dyld.CacheHeader, addr *uint64, inst uint32) error {
	if err := a.writeInst(path, header, *addr, inst); err != nil {
		return err
	}
	*addr += instSize
	return nil
}

// WriteMovz stages a MOVZ at addr.
func (a *Assembler) WriteMovz(path string, header *dyld.CacheHeader, addr uint64, reg Register, wide bool, imm uint16, shift MovzShift) error {
	inst, err := makeMovz(reg, wide, imm, shift)
	if err != nil {
		return err
	}
	return a.writeInst(path, header, addr, inst)
}

// WriteMovzIncr stages a MOVZ at *addr and advances it past the instruction.
func (a *Assembler) WriteMovzIncr(path string, header *dyld.CacheHeader, addr *uint64, reg Register, wide bool, imm uint16, shift MovzShift) error {
	inst, err := makeMovz(reg, wide, imm, shift)
	if err != nil {
		return err
	}
	return a.writeInstIncr(path, header, addr, inst)
}

// WriteNop stages a NOP at addr.
func (a *Assembler) WriteNop(path string, header *dyld.CacheHeader, addr uint64) error {
	return a.writeInst(path, header, addr, nopInst)
}

// WriteNopIncr stages a NOP at *addr and advances it past the instruction.
func (a *Assembler) WriteNopIncr(path string, header *dyld.CacheHeader, addr *uint64) error {
	return a.writeInstIncr(path, header, addr, nopInst)
}

// WriteRet stages a RET at addr.
func (a *Assembler) WriteRet(path string, header *dyld.CacheHeader, addr uint64) error {
	return a.writeInst(path, header, addr, retInst)
}

// WriteRetIncr stages a RET at *addr and advances it past the instruction.
func (a *Assembler) WriteRetIncr(path string, header *dyld.CacheHeader, addr *uint64) error {
	return a.writeInstIncr(path, header, addr, retInst)
}

// WriteBlr stages a BLR through reg at addr.
func (a *Assembler) WriteBlr(path string, header *dyld.CacheHeader, addr uint64, reg Register) error {
	return a.writeInst(path, header, addr, makeBlr(reg))
}

// WriteAdrpAddIncr stages the canonical ADRP+ADD pair that materialises the
// absolute address target into reg at *addr, advancing it past both
// instructions.
func (a *Assembler) WriteAdrpAddIncr(path string, header *dyld.CacheHeader, addr *uint64, target uint64, reg Register) error {
	pcPage := *addr &^ 0xFFF
	targetPage := target &^ 0xFFF
	low12 := uint16(target & 0xFFF)

	var pages int32
	if targetPage > pcPage {
		offPages := targetPage - pcPage
		if offPages > uint64(adrpMax) {
			return fmt.Errorf("target %#x too far away from %#x: %w", target, *addr, ErrInvalidOperand)
		}
		pages = int32(offPages >> 12)
	} else {
		offPages := pcPage - targetPage
		if offPages > uint64(adrpMax) {
			return fmt.Errorf("target %#x too far away from %#x: %w", target, *addr, ErrInvalidOperand)
		}
		pages = -int32(offPages >> 12)
	}

	adrp, err := makeAdrp(pages, reg)
	if err != nil {
		return err
	}
	if err := a.writeInstIncr(path, header, addr, adrp); err != nil {
		return err
	}

	add, err := makeAdd(low12, true, reg, reg, AddLSL0)
	if err != nil {
		return err
	}
	return a.writeInstIncr(path, header, addr, add)
}

// scan walks the instruction stream 4 bytes at a time from startAddr,
// forward or backward, and returns the vm address of the first instruction
// the match function accepts.
func scan(rs io.ReadSeeker, header *dyld.CacheHeader, startAddr uint64, rev bool, instLimit uint32, match func(inst uint32) bool) (uint64, error) {
	off, err := header.VMAddrToFileOff(startAddr)
	if err != nil {
		return 0, err
	}
	r := utils.NewReader(rs)
	if _, err := r.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	for i := uint32(0); i < instLimit; i++ {
		inst, err := r.Uint32()
		if err != nil {
			return 0, err
		}
		if rev {
			if _, err := r.Seek(-2*instSize, io.SeekCurrent); err != nil {
				return 0, err
			}
		}
		if match(inst) {
			if rev {
				return startAddr - uint64(i)*instSize, nil
			}
			return startAddr + uint64(i)*instSize, nil
		}
	}
	return 0, ErrPatternNotFound
}

// FindCBZ returns the vm address of the first CBZ(32/64-bit per wide) at or
// after startAddr, or at or before it when rev is set.
func FindCBZ(rs io.ReadSeeker, header *dyld.CacheHeader, startAddr uint64, wide, rev bool, instLimit uint32) (uint64, error) {
	addr, err := scan(rs, header, startAddr, rev, instLimit, func(inst uint32) bool {
		return inst&cbzInstMask == cbzInst && (inst>>31 == 1) == wide
	})
	if errors.Is(err, ErrPatternNotFound) {
		return 0, fmt.Errorf("no cbz instruction found start_addr=%#x wide=%t rev=%t inst_limit=%d: %w",
			startAddr, wide, rev, instLimit, err)
	}
	return addr, err
}

// FindBL returns the vm address of the first BL whose branch target equals
// targetAddr; pass AnyTarget to match any BL.
func FindBL(rs io.ReadSeeker, header *dyld.CacheHeader, startAddr, targetAddr uint64, rev bool, instLimit uint32) (uint64, error) {
	i := uint32(0)
	addr, err := scan(rs, header, startAddr, rev, instLimit, func(inst uint32) bool {
		instAddr := startAddr + uint64(i)*instSize
		if rev {
			instAddr = startAddr - uint64(i)*instSize
		}
		i++
		return inst&blInstMask == blInst && (targetAddr == AnyTarget || disasBL(instAddr, inst) == targetAddr)
	})
	if errors.Is(err, ErrPatternNotFound) {
		return 0, fmt.Errorf("no bl instruction found start_addr=%#x target_addr=%#x: %w",
			startAddr, targetAddr, err)
	}
	return addr, err
}

// FindBLIncr is FindBL returning the address after the matched instruction.
func FindBLIncr(rs io.ReadSeeker, header *dyld.CacheHeader, startAddr, targetAddr uint64, rev bool, instLimit uint32) (uint64, error) {
	addr, err := FindBL(rs, header, startAddr, targetAddr, rev, instLimit)
	if err != nil {
		return 0, err
	}
	return addr + instSize, nil
}

// FindBLRA returns the vm address of the first authenticated BLR with the
// given zero-discriminator and key selection bits.
func FindBLRA(rs io.ReadSeeker, header *dyld.CacheHeader, startAddr uint64, zero, keyB, rev bool, instLimit uint32) (uint64, error) {
	addr, err := scan(rs, header, startAddr, rev, instLimit, func(inst uint32) bool {
		return inst&blraInstMask == blraInst &&
			utils.TestBit(uint64(inst), 24) == zero &&
			utils.TestBit(uint64(inst), 10) == keyB
	})
	if errors.Is(err, ErrPatternNotFound) {
		return 0, fmt.Errorf("no blra instruction found start_addr=%#x zero=%t key_b=%t: %w",
			startAddr, zero, keyB, err)
	}
	return addr, err
}
