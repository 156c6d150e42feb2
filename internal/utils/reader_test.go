package utils

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestReaderScalars(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{
		0x01,
		0x02, 0x03,
		0x04, 0x05, 0x06, 0x07,
		0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f,
	}))

	if got, err := r.Uint8(); err != nil || got != 0x01 {
		t.Errorf("Uint8() = %#x, %v; want 0x01", got, err)
	}
	if got, err := r.Uint16(); err != nil || got != 0x0302 {
		t.Errorf("Uint16() = %#x, %v; want 0x0302", got, err)
	}
	if got, err := r.Uint32(); err != nil || got != 0x07060504 {
		t.Errorf("Uint32() = %#x, %v; want 0x07060504", got, err)
	}
	if got, err := r.Uint64(); err != nil || got != 0x0f0e0d0c0b0a0908 {
		t.Errorf("Uint64() = %#x, %v; want 0x0f0e0d0c0b0a0908", got, err)
	}
	if _, err := r.Uint8(); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Uint8() past end = %v; want ErrOutOfRange", err)
	}
}

func TestReaderShortRead(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{0x01, 0x02}))
	if _, err := r.Uint32(); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Uint32() on 2-byte stream = %v; want ErrOutOfRange", err)
	}
}

func TestReaderCString(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("hello\x00world\x00")))
	if got, err := r.CString(); err != nil || got != "hello" {
		t.Errorf("CString() = %q, %v; want \"hello\"", got, err)
	}
	// NUL is consumed, so the next read starts at "world".
	if got, err := r.CString(); err != nil || got != "world" {
		t.Errorf("CString() = %q, %v; want \"world\"", got, err)
	}
	if _, err := r.CString(); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("CString() past end = %v; want ErrOutOfRange", err)
	}
}

func TestReaderCStringN(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		n       uint32
		want    string
		wantOff int64
	}{
		{"padded", "abc\x00\x00\x00\x00\x00xyz", 8, "abc", 8},
		{"full width", "abcdefghxyz", 8, "abcdefgh", 8},
		{"leading nul", "\x00\x00\x00\x00xyz", 4, "", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReader(bytes.NewReader([]byte(tt.data)))
			got, err := r.CStringN(tt.n)
			if err != nil {
				t.Fatalf("CStringN(%d) error: %v", tt.n, err)
			}
			if got != tt.want {
				t.Errorf("CStringN(%d) = %q; want %q", tt.n, got, tt.want)
			}
			off, err := r.Offset()
			if err != nil {
				t.Fatal(err)
			}
			if off != tt.wantOff {
				t.Errorf("stream advanced to %d; want %d", off, tt.wantOff)
			}
		})
	}
}

func TestReaderSeek(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{0x01, 0x02, 0x03, 0x04}))
	if _, err := r.Seek(2, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	if got, _ := r.Uint8(); got != 0x03 {
		t.Errorf("read after seek = %#x; want 0x03", got)
	}
	if _, err := r.Seek(-10, io.SeekCurrent); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("negative seek = %v; want ErrOutOfRange", err)
	}
}

func TestExtractBits(t *testing.T) {
	if got := ExtractBits(0x8001000000001234, 32, 19); got != 0x10000 {
		t.Errorf("ExtractBits(0x8001000000001234, 32, 19) = %#x; want 0x10000", got)
	}
	if got := ExtractBits(0x8001000000001234, 0, 32); got != 0x1234 {
		t.Errorf("ExtractBits(..., 0, 32) = %#x; want 0x1234", got)
	}
	if !TestBit(1<<63, 63) || TestBit(1<<62, 63) {
		t.Error("TestBit bit 63 misbehaves")
	}
}
