package dyld

import (
	"fmt"
	"io"

	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"

	"github.com/blacktop/inferno/internal/utils"
)

// Field offsets in dyld_cache_header across its revisions. The mapping-info
// offset at 0x10 equals the size of the header revision that produced the
// cache, so comparing it against a later field's offset tells whether that
// field exists in this cache. Taken from dyld's dyld_cache_format.h history;
// do not extrapolate to unseen thresholds.
const (
	mappingInfoOffset        = 0x10  // dyld_cache_header.mappingOffset (version probe)
	imagesOffsetOld          = 0x18  // imagesOffsetOld, pre-split caches
	localSymbolsInfoOffset   = 0x48  // dyld_cache_header.localSymbolsOffset
	sharedRegionStartOffset  = 0xE0  // dyld_cache_header.sharedRegionStart
	subCacheArrayOffset      = 0x188 // dyld_cache_header.subCacheArrayOffset
	subCacheArrayCountOffset = 0x18C // probe: subcache directory exists
	symbolFileUUIDOffset     = 0x190 // probe: symbolFileUUID field exists
	imagesOffsetNew          = 0x1C0 // dyld_cache_header.imagesOffset, split caches
	cacheSubTypeOffset       = 0x1C8 // probe: subcache entries carry an inline suffix
)

const subCacheSuffixLen = 32

// CacheType is the role a cache file plays in the shared cache tree.
type CacheType uint8

const (
	MainCache CacheType = iota
	SubCache
	SymbolsCache
)

// ErrAddressNotMapped is returned when a virtual address falls outside every
// mapping of a cache member.
var ErrAddressNotMapped = errors.New("address not found in any mapping")

// FormatError is returned when header fields assert a layout that is
// inconsistent with the declared cache role.
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

// CacheMapping is one contiguous vm range declared by a cache member.
type CacheMapping struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
}

// CacheImage is one image entry of the main cache's image directory.
type CacheImage struct {
	Address uint64
	Path    string
}

// CacheLocalSymbolsEntry locates one image's slice of the local nlist array.
type CacheLocalSymbolsEntry struct {
	NlistStartIndex uint32
	NlistCount      uint32
}

// CacheLocalSymbolsInfo is the decoded local-symbols block, with entries
// keyed by image base address.
type CacheLocalSymbolsInfo struct {
	NlistOffset   uint32
	StringsOffset uint32
	Entries       map[uint64]CacheLocalSymbolsEntry
}

// SubCacheEntry names a subcache file by the suffix appended to the main
// cache path.
type SubCacheEntry struct {
	CacheVMOffset uint64
	Suffix        string
}

// A CacheHeader is the decoded header of one cache member. It is built once
// and immutable afterwards.
type CacheHeader struct {
	Mappings           []CacheMapping
	Images             []CacheImage
	CacheBase          uint64
	LocalSymbolsOffset int64
	LocalSymbols       CacheLocalSymbolsInfo
	SubCaches          []SubCacheEntry
	SymbolFileUUID     types.UUID
}

// NewCacheHeader parses a cache member header at the start of the stream.
// For the Symbols member mainCacheBase rebases the local-symbols entry keys;
// pass 0 for the main cache. A Sub member's parse stops after its mappings
// and cache base, so mainCacheBase has no effect there.
func NewCacheHeader(rs io.ReadSeeker, typ CacheType, mainCacheBase uint64) (*CacheHeader, error) {
	r := utils.NewReader(rs)
	h := &CacheHeader{}

	if _, err := r.Seek(mappingInfoOffset, io.SeekStart); err != nil { // magic
		return nil, err
	}
	mappingOff, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	mappingCount, err := r.Uint32()
	if err != nil {
		return nil, err
	}

	if typ != SymbolsCache && mappingOff != 0 && mappingCount != 0 {
		if _, err := r.Seek(int64(mappingOff), io.SeekStart); err != nil {
			return nil, err
		}
		h.Mappings = make([]CacheMapping, 0, mappingCount)
		for i := uint32(0); i < mappingCount; i++ {
			m, err := parseMapping(r)
			if err != nil {
				return nil, err
			}
			h.Mappings = append(h.Mappings, m)
		}
	}

	if _, err := r.Seek(sharedRegionStartOffset, io.SeekStart); err != nil {
		return nil, err
	}
	if h.CacheBase, err = r.Uint64(); err != nil {
		return nil, err
	}

	if typ == SubCache {
		return h, nil
	}

	symbolFileSupport := typ == SymbolsCache || mappingOff >= symbolFileUUIDOffset
	if typ != SymbolsCache && symbolFileSupport {
		if _, err := r.Seek(symbolFileUUIDOffset, io.SeekStart); err != nil {
			return nil, err
		}
		uuid, err := r.ReadBytes(16)
		if err != nil {
			return nil, err
		}
		copy(h.SymbolFileUUID[:], uuid)
	}

	if typ == SymbolsCache || h.SymbolFileUUID.IsNull() {
		if _, err := r.Seek(localSymbolsInfoOffset, io.SeekStart); err != nil {
			return nil, err
		}
		localSymOff, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		h.LocalSymbolsOffset = int64(localSymOff)
		if localSymOff != 0 {
			base := h.CacheBase
			if mainCacheBase != 0 {
				base = mainCacheBase
			}
			if h.LocalSymbols, err = parseLocalSymbolsInfo(r, h.LocalSymbolsOffset, symbolFileSupport, base); err != nil {
				return nil, err
			}
		}
	}

	if typ != MainCache {
		return h, nil
	}

	split := mappingOff >= subCacheArrayCountOffset

	imageDir := int64(imagesOffsetOld)
	if split {
		imageDir = imagesOffsetNew
	}
	if _, err := r.Seek(imageDir, io.SeekStart); err != nil {
		return nil, err
	}
	imageOff, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	imageCount, err := r.Uint32()
	if err != nil {
		return nil, err
	}

	// APPLE BUG: `split && imageCount == 0` should mean this is a subcache,
	// but some dyld subcache headers are technically broken and contain the
	// images info copied from the main header.
	if split && imageCount == 0 {
		return nil, &FormatError{imageDir, "main cache expected, but got a subcache", nil}
	}

	if imageOff != 0 && imageCount != 0 {
		if _, err := r.Seek(int64(imageOff), io.SeekStart); err != nil {
			return nil, err
		}
		h.Images = make([]CacheImage, 0, imageCount)
		for i := uint32(0); i < imageCount; i++ {
			img, err := parseImage(r)
			if err != nil {
				return nil, err
			}
			h.Images = append(h.Images, img)
		}
	}

	if split {
		if _, err := r.Seek(subCacheArrayOffset, io.SeekStart); err != nil {
			return nil, err
		}
		subCacheOff, err := r.Uint32()
		if err != nil {
			return nil, err
		}
		subCacheCount, err := r.Uint32()
		if err != nil {
			return nil, err
		}

		if subCacheOff != 0 && subCacheCount != 0 {
			subCacheV1 := mappingOff <= cacheSubTypeOffset
			if _, err := r.Seek(int64(subCacheOff), io.SeekStart); err != nil {
				return nil, err
			}
			h.SubCaches = make([]SubCacheEntry, 0, subCacheCount)
			for i := uint32(0); i < subCacheCount; i++ {
				sc, err := parseSubCache(r, i, subCacheV1)
				if err != nil {
					return nil, err
				}
				h.SubCaches = append(h.SubCaches, sc)
			}
		}
	}

	return h, nil
}

func parseMapping(r *utils.Reader) (CacheMapping, error) {
	var m CacheMapping
	var err error
	if m.Address, err = r.Uint64(); err != nil {
		return m, err
	}
	if m.Size, err = r.Uint64(); err != nil {
		return m, err
	}
	if m.FileOffset, err = r.Uint64(); err != nil {
		return m, err
	}
	if _, err = r.Seek(8, io.SeekCurrent); err != nil { // maxProt, initProt
		return m, err
	}
	return m, nil
}

func parseImage(r *utils.Reader) (CacheImage, error) {
	var img CacheImage
	var err error
	if img.Address, err = r.Uint64(); err != nil {
		return img, err
	}
	if _, err = r.Seek(16, io.SeekCurrent); err != nil { // modTime, inode
		return img, err
	}
	pathOff, err := r.Uint32()
	if err != nil {
		return img, err
	}
	if _, err = r.Seek(4, io.SeekCurrent); err != nil { // pad
		return img, err
	}
	prev, err := r.Offset()
	if err != nil {
		return img, err
	}
	if _, err = r.Seek(int64(pathOff), io.SeekStart); err != nil {
		return img, err
	}
	if img.Path, err = r.CString(); err != nil {
		return img, err
	}
	if _, err = r.Seek(prev, io.SeekStart); err != nil {
		return img, err
	}
	return img, nil
}

func parseSubCache(r *utils.Reader, index uint32, v1 bool) (SubCacheEntry, error) {
	var sc SubCacheEntry
	var err error
	if _, err = r.Seek(16, io.SeekCurrent); err != nil { // uuid
		return sc, err
	}
	if sc.CacheVMOffset, err = r.Uint64(); err != nil {
		return sc, err
	}
	if v1 {
		sc.Suffix = fmt.Sprintf(".%d", index+1)
	} else if sc.Suffix, err = r.CStringN(subCacheSuffixLen); err != nil {
		return sc, err
	}
	return sc, nil
}

func parseLocalSymbolsInfo(r *utils.Reader, off int64, is64 bool, cacheBase uint64) (CacheLocalSymbolsInfo, error) {
	var lsi CacheLocalSymbolsInfo
	var err error
	if _, err = r.Seek(off, io.SeekStart); err != nil {
		return lsi, err
	}
	if lsi.NlistOffset, err = r.Uint32(); err != nil {
		return lsi, err
	}
	if _, err = r.Seek(4, io.SeekCurrent); err != nil { // nlistCount
		return lsi, err
	}
	if lsi.StringsOffset, err = r.Uint32(); err != nil {
		return lsi, err
	}
	if _, err = r.Seek(4, io.SeekCurrent); err != nil { // stringsSize
		return lsi, err
	}
	entriesOffset, err := r.Uint32()
	if err != nil {
		return lsi, err
	}
	entriesCount, err := r.Uint32()
	if err != nil {
		return lsi, err
	}

	if _, err = r.Seek(off+int64(entriesOffset), io.SeekStart); err != nil {
		return lsi, err
	}
	lsi.Entries = make(map[uint64]CacheLocalSymbolsEntry, entriesCount)
	for i := uint32(0); i < entriesCount; i++ {
		var dylibOffset uint64
		if is64 {
			if dylibOffset, err = r.Uint64(); err != nil {
				return lsi, err
			}
		} else {
			off32, err := r.Uint32()
			if err != nil {
				return lsi, err
			}
			dylibOffset = uint64(off32)
		}
		var entry CacheLocalSymbolsEntry
		if entry.NlistStartIndex, err = r.Uint32(); err != nil {
			return lsi, err
		}
		if entry.NlistCount, err = r.Uint32(); err != nil {
			return lsi, err
		}
		lsi.Entries[cacheBase+dylibOffset] = entry
	}

	return lsi, nil
}

// VMAddrToFileOff translates a virtual address to a file offset within this
// cache member.
func (h *CacheHeader) VMAddrToFileOff(addr uint64) (int64, error) {
	for _, m := range h.Mappings {
		if addr >= m.Address && addr < m.Address+m.Size {
			return int64(m.FileOffset + (addr - m.Address)), nil
		}
	}
	return 0, fmt.Errorf("address %#x: %w", addr, ErrAddressNotMapped)
}
