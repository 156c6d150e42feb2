package utils

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// ErrOutOfRange is returned on short reads and on seeks that land outside
// the valid data of the stream.
var ErrOutOfRange = errors.New("out of range")

// Reader wraps a seekable byte stream with little-endian decoding helpers.
// The byte order of the source is fixed little-endian regardless of host;
// multi-byte values are assembled explicitly from bytes.
type Reader struct {
	rs io.ReadSeeker
}

func NewReader(rs io.ReadSeeker) *Reader {
	return &Reader{rs: rs}
}

// Seek repositions the stream. A target before the start or past the end of
// the stream is ErrOutOfRange.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	pos, err := r.rs.Seek(offset, whence)
	if err != nil {
		return 0, fmt.Errorf("seek to %#x (whence=%d): %w", offset, whence, ErrOutOfRange)
	}
	end, err := r.rs.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, fmt.Errorf("failed to find the end of the stream: %w", err)
	}
	if pos > end {
		return 0, fmt.Errorf("seek to %#x past end %#x: %w", pos, end, ErrOutOfRange)
	}
	if _, err := r.rs.Seek(pos, io.SeekStart); err != nil {
		return 0, fmt.Errorf("seek to %#x: %w", pos, err)
	}
	return pos, nil
}

// Offset returns the current stream position.
func (r *Reader) Offset() (int64, error) {
	return r.rs.Seek(0, io.SeekCurrent)
}

func (r *Reader) read(buf []byte) error {
	if _, err := io.ReadFull(r.rs, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return fmt.Errorf("short read of %d bytes: %w", len(buf), ErrOutOfRange)
		}
		return fmt.Errorf("failed to read %d bytes: %w", len(buf), err)
	}
	return nil
}

func (r *Reader) Uint8() (uint8, error) {
	var buf [1]byte
	if err := r.read(buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

func (r *Reader) Uint16() (uint16, error) {
	var buf [2]byte
	if err := r.read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (r *Reader) Uint32() (uint32, error) {
	var buf [4]byte
	if err := r.read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (r *Reader) Uint64() (uint64, error) {
	var buf [8]byte
	if err := r.read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// ReadBytes reads exactly n bytes.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := r.read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// CString reads bytes up to and including the terminating NUL.
func (r *Reader) CString() (string, error) {
	var str []byte
	var buf [1]byte
	for {
		if err := r.read(buf[:]); err != nil {
			return "", err
		}
		if buf[0] == 0 {
			break
		}
		str = append(str, buf[0])
	}
	return string(str), nil
}

// CStringN reads up to n bytes, stopping at the first NUL, and always
// advances the stream by exactly n bytes.
func (r *Reader) CStringN(n uint32) (string, error) {
	buf, err := r.ReadBytes(int(n))
	if err != nil {
		return "", err
	}
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), nil
		}
	}
	return string(buf), nil
}
