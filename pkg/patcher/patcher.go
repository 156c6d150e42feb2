package patcher

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/pkg/errors"
)

// OrigBytesExt is the extension of the sidecar file that records the bytes
// a Commit displaced, so Revert can restore the file verbatim.
const OrigBytesExt = ".InfernoOriginalBytes"

// ErrMalformedSidecar is returned when a sidecar token cannot be replayed.
var ErrMalformedSidecar = errors.New("malformed original-bytes file")

// A Patcher accumulates staged writes keyed by (path, file offset). Nothing
// touches disk until Commit. A later write at the same offset replaces an
// earlier one.
type Patcher struct {
	writeQueue map[string]map[int64][]byte
}

func New() *Patcher {
	return &Patcher{writeQueue: make(map[string]map[int64][]byte)}
}

// Write stages bytes to be written at fileOff in path.
func (p *Patcher) Write(path string, fileOff int64, data []byte) {
	if p.writeQueue[path] == nil {
		p.writeQueue[path] = make(map[int64][]byte)
	}
	p.writeQueue[path][fileOff] = slices.Clone(data)
}

func (p *Patcher) sortedPaths() []string {
	paths := make([]string, 0, len(p.writeQueue))
	for path := range p.writeQueue {
		paths = append(paths, path)
	}
	slices.Sort(paths)
	return paths
}

func sortedOffsets(entries map[int64][]byte) []int64 {
	offsets := make([]int64, 0, len(entries))
	for off := range entries {
		offsets = append(offsets, off)
	}
	slices.Sort(offsets)
	return offsets
}

// PrintChanges writes the staged changes to stdout, one file at a time,
// offsets and bytes in hexadecimal.
func (p *Patcher) PrintChanges() {
	pathColor := color.New(color.Bold).SprintFunc()
	for _, path := range p.sortedPaths() {
		entries := p.writeQueue[path]
		fmt.Printf("  %s:\n", pathColor(path))
		for _, off := range sortedOffsets(entries) {
			var sb strings.Builder
			for _, b := range entries[off] {
				fmt.Fprintf(&sb, " %#x", b)
			}
			fmt.Printf("    %#x:%s\n", off, sb.String())
		}
	}
}

// Commit applies the staged writes in ascending offset order. For every
// patched file it records the displaced bytes in a sidecar next to it; the
// working cache must have been reverted first or the sidecar would describe
// bytes no longer present.
func (p *Patcher) Commit() error {
	for _, path := range p.sortedPaths() {
		entries := p.writeQueue[path]

		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("failed to open cache file %s: %w", path, err)
		}

		sidecarPath := path + OrigBytesExt
		sidecar, err := os.Create(sidecarPath)
		if err != nil {
			f.Close()
			return fmt.Errorf("failed to create orig bytes file %s: %w", sidecarPath, err)
		}

		var total uint64
		for _, off := range sortedOffsets(entries) {
			data := entries[off]

			orig := make([]byte, len(data))
			if _, err := f.ReadAt(orig, off); err != nil {
				f.Close()
				sidecar.Close()
				return fmt.Errorf("failed to read %d original bytes at %#x in %s: %w", len(data), off, path, err)
			}
			if _, err := f.WriteAt(data, off); err != nil {
				f.Close()
				sidecar.Close()
				return fmt.Errorf("failed to write %d bytes at %#x in %s: %w", len(data), off, path, err)
			}

			fmt.Fprintf(sidecar, "%x:", off)
			for _, b := range orig {
				fmt.Fprintf(sidecar, " %x", b)
			}
			fmt.Fprintln(sidecar)

			total += uint64(len(data))
		}

		if err := f.Close(); err != nil {
			sidecar.Close()
			return fmt.Errorf("failed to flush cache file %s: %w", path, err)
		}
		if err := sidecar.Close(); err != nil {
			return fmt.Errorf("failed to flush orig bytes file %s: %w", sidecarPath, err)
		}

		log.WithFields(log.Fields{
			"sites": len(entries),
			"bytes": humanize.Bytes(total),
		}).Debugf("patched %s", path)
	}

	return nil
}

// Revert replays the sidecar next to path in order, restoring the displaced
// bytes, and deletes it. Without a sidecar it is a no-op.
func Revert(path string) error {
	sidecarPath := path + OrigBytesExt

	data, err := os.ReadFile(sidecarPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open orig bytes file %s: %w", sidecarPath, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", path, err)
	}
	defer f.Close()

	var cursor int64
	for _, tok := range strings.Fields(string(data)) {
		if off, ok := strings.CutSuffix(tok, ":"); ok {
			cursor, err = strconv.ParseInt(off, 16, 64)
			if err != nil {
				return fmt.Errorf("bad offset token %q: %w", tok, ErrMalformedSidecar)
			}
			continue
		}
		val, err := strconv.ParseUint(tok, 16, 64)
		if err != nil {
			return fmt.Errorf("bad byte token %q: %w", tok, ErrMalformedSidecar)
		}
		if val > 0xFF {
			return fmt.Errorf("byte %#x too large: %w", val, ErrMalformedSidecar)
		}
		if _, err := f.WriteAt([]byte{byte(val)}, cursor); err != nil {
			return fmt.Errorf("failed to restore a byte at %#x in %s: %w", cursor, path, err)
		}
		cursor++
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to flush file %s: %w", path, err)
	}
	return os.Remove(sidecarPath)
}
