package dyld

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"

	"github.com/blacktop/inferno/internal/utils"
	"github.com/blacktop/inferno/pkg/macho"
)

var (
	// ErrImageNotFound is returned when no image in the main cache matches.
	ErrImageNotFound = errors.New("image not found")
	// ErrSymbolNotFound is returned when none of the candidate symbol names
	// is present in an image's symbol map.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrClassNotFound is returned when an Objective-C class is absent.
	ErrClassNotFound = errors.New("objc class not found")
	// ErrUnsupportedFixup is returned when a fixup word encodes a bind; only
	// rebase targets can be followed without materialising the fixup chains.
	ErrUnsupportedFixup = errors.New("unsupported fixup pointer")
)

const redactedName = "<redacted>"

// A CacheEntry pairs a cache member file with its parsed header.
type CacheEntry struct {
	Path   string
	Header *CacheHeader
}

// An Analyser holds the parsed headers of a whole shared cache tree: the
// main cache, its subcaches in declaration order, and the optional symbols
// sidecar. It keeps no file handles open between calls.
type Analyser struct {
	Caches       []CacheEntry
	SymbolsCache *CacheEntry
}

// An Image is the analysed view of one image in the cache: where its Mach
// header lives and what its symbols and (optionally) Objective-C classes
// resolve to. The header reference is a back-reference to the owning cache
// member, not an ownership.
type Image struct {
	Path        string
	Header      *CacheHeader
	FileOffset  int64
	Address     uint64
	Symbols     map[string]uint64
	ObjCClasses map[string]uint64
}

// ResolveSymbol returns the address of the first candidate name present in
// the image. Multiple candidates support renamed exports across platform
// versions.
func (i *Image) ResolveSymbol(names ...string) (uint64, error) {
	for _, name := range names {
		if addr, ok := i.Symbols[name]; ok {
			return addr, nil
		}
	}
	if len(names) == 0 {
		return 0, fmt.Errorf("no symbol name given: %w", ErrSymbolNotFound)
	}
	return 0, fmt.Errorf("symbol `%s`: %w", names[0], ErrSymbolNotFound)
}

// ResolveObjCClass returns the address of an Objective-C class by exact name.
func (i *Image) ResolveObjCClass(name string) (uint64, error) {
	addr, ok := i.ObjCClasses[name]
	if !ok {
		return 0, fmt.Errorf("Objective-C class `%s`: %w", name, ErrClassNotFound)
	}
	return addr, nil
}

// NewAnalyser opens the cache tree rooted at basePath: the main cache, every
// subcache it declares, and the symbols sidecar if the main header carries a
// non-zero symbol-file UUID. Any member that fails to open is fatal.
func NewAnalyser(basePath string) (*Analyser, error) {
	mainHeader, err := parseCacheFile(basePath, MainCache, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to parse main cache %s: %w", basePath, err)
	}

	a := &Analyser{
		Caches: make([]CacheEntry, 0, 1+len(mainHeader.SubCaches)),
	}
	a.Caches = append(a.Caches, CacheEntry{Path: basePath, Header: mainHeader})

	for _, sc := range mainHeader.SubCaches {
		subPath := basePath + sc.Suffix
		subHeader, err := parseCacheFile(subPath, SubCache, mainHeader.CacheBase)
		if err != nil {
			return nil, fmt.Errorf("failed to parse subcache %s: %w", subPath, err)
		}
		a.Caches = append(a.Caches, CacheEntry{Path: subPath, Header: subHeader})
	}

	if !mainHeader.SymbolFileUUID.IsNull() {
		symPath := basePath + ".symbols"
		symHeader, err := parseCacheFile(symPath, SymbolsCache, mainHeader.CacheBase)
		if err != nil {
			return nil, fmt.Errorf("failed to parse symbols subcache %s: %w", symPath, err)
		}
		a.SymbolsCache = &CacheEntry{Path: symPath, Header: symHeader}
	}

	return a, nil
}

func parseCacheFile(path string, typ CacheType, mainCacheBase uint64) (*CacheHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewCacheHeader(f, typ, mainCacheBase)
}

// MainCache returns the main cache member.
func (a *Analyser) MainCache() *CacheEntry {
	return &a.Caches[0]
}

// FindEntryFromVMAddr resolves a virtual address to a file offset and the
// cache member that maps it. The symbols sidecar is never consulted; its
// role is limited to local-symbol lookup.
func (a *Analyser) FindEntryFromVMAddr(addr uint64) (int64, *CacheEntry, error) {
	for i := range a.Caches {
		off, err := a.Caches[i].Header.VMAddrToFileOff(addr)
		if err != nil {
			continue
		}
		return off, &a.Caches[i], nil
	}
	return 0, nil, fmt.Errorf("address %#x: %w", addr, ErrAddressNotMapped)
}

// readPtrAt reads the u64 at a file offset and follows it as a fixup word:
// rebase targets are extracted, binds are rejected. Walking the chained
// fixups properly is not worth it just for this.
func (a *Analyser) readPtrAt(rs io.ReadSeeker, imageBase uint64, off int64) (uint64, error) {
	r := utils.NewReader(rs)
	if _, err := r.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	fixup, err := r.Uint64()
	if err != nil {
		return 0, err
	}

	var val uint64
	if utils.TestBit(fixup, 63) {
		if utils.TestBit(fixup, 62) {
			return 0, fmt.Errorf("stumbled upon auth_bind pointer (%#x): %w", fixup, ErrUnsupportedFixup)
		}
		if utils.ExtractBits(fixup, 32, 19) == 0 { // reserved bits zero, is bind
			return 0, fmt.Errorf("stumbled upon bind pointer (%#x): %w", fixup, ErrUnsupportedFixup)
		}
		// Probably auth_rebase. Extract only the target.
		val = utils.ExtractBits(fixup, 0, 32)
	} else {
		val = utils.ExtractBits(fixup, 0, 36)
	}

	if val > imageBase {
		return val, nil
	}
	return val + a.MainCache().Header.CacheBase, nil
}

// ReadPtrAt resolves a virtual address and follows the fixup word stored
// there. See readPtrAt for the supported fixup kinds.
func (a *Analyser) ReadPtrAt(imageBase, addr uint64) (uint64, error) {
	off, entry, err := a.FindEntryFromVMAddr(addr)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(entry.Path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return a.readPtrAt(f, imageBase, off)
}

// FindImage selects the first image whose install path the matcher accepts
// and builds its analysed view: the union of the image's own symbol table
// and its slice of the cache's local symbols, plus the Objective-C class
// map when requested.
func (a *Analyser) FindImage(m Matcher, withObjCClasses bool) (*Image, error) {
	main := a.MainCache()

	var cacheImage *CacheImage
	for i := range main.Header.Images {
		if m.Matches(main.Header.Images[i].Path) {
			cacheImage = &main.Header.Images[i]
			break
		}
	}
	if cacheImage == nil {
		return nil, fmt.Errorf("image `%s`: %w", m.Name(), ErrImageNotFound)
	}

	imageOff, entry, err := a.FindEntryFromVMAddr(cacheImage.Address)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(entry.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(imageOff, io.SeekStart); err != nil {
		return nil, err
	}
	mh, err := macho.NewHeader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Mach header of %s: %w", cacheImage.Path, err)
	}

	linkedit, err := mh.Segment("__LINKEDIT")
	if err != nil {
		return nil, err
	}
	linkeditBase := linkedit.Addr - linkedit.Offset

	symbols := make(map[string]uint64)

	if mh.Symtab != nil {
		if err := a.parseSymtab(mh.Symtab, linkeditBase, symbols); err != nil {
			return nil, err
		}
	}

	if err := a.parseLocalSymbols(cacheImage.Address, symbols); err != nil {
		return nil, err
	}

	var objcClasses map[string]uint64
	if withObjCClasses {
		if objcClasses, err = a.parseObjCClasses(mh, cacheImage.Address); err != nil {
			return nil, err
		}
	}

	return &Image{
		Path:        entry.Path,
		Header:      entry.Header,
		FileOffset:  imageOff,
		Address:     cacheImage.Address,
		Symbols:     symbols,
		ObjCClasses: objcClasses,
	}, nil
}

// parseSymtab merges an image's own LC_SYMTAB entries into symbols.
// Existing names are kept; the first write wins.
func (a *Analyser) parseSymtab(symtab *macho.Symtab, linkeditBase uint64, symbols map[string]uint64) error {
	symOff, symEntry, err := a.FindEntryFromVMAddr(linkeditBase + uint64(symtab.Symoff))
	if err != nil {
		return err
	}
	strOff, strEntry, err := a.FindEntryFromVMAddr(linkeditBase + uint64(symtab.Stroff))
	if err != nil {
		return err
	}

	symFile, err := os.Open(symEntry.Path)
	if err != nil {
		return err
	}
	defer symFile.Close()
	if _, err := symFile.Seek(symOff, io.SeekStart); err != nil {
		return err
	}

	strFile, err := os.Open(strEntry.Path)
	if err != nil {
		return err
	}
	defer strFile.Close()
	strReader := utils.NewReader(strFile)

	for i := uint32(0); i < symtab.Nsyms; i++ {
		var nlist types.Nlist64
		if err := binary.Read(symFile, binary.LittleEndian, &nlist); err != nil {
			return err
		}

		if nlist.Name == 0 {
			continue
		}
		if !nlist.Type.IsDefinedInSection() {
			continue
		}

		if _, err := strReader.Seek(strOff+int64(nlist.Name), io.SeekStart); err != nil {
			return err
		}
		name, err := strReader.CString()
		if err != nil {
			return err
		}

		if name == "" || name == redactedName {
			continue
		}

		if _, ok := symbols[name]; !ok {
			symbols[name] = nlist.Value
		}
	}

	return nil
}

// parseLocalSymbols merges the image's slice of the local-symbols table
// into symbols. The symbols sidecar carries the table when present, else
// the main cache does. Names already present are kept.
func (a *Analyser) parseLocalSymbols(imageAddr uint64, symbols map[string]uint64) error {
	symCache := a.MainCache()
	if a.SymbolsCache != nil {
		symCache = a.SymbolsCache
	}

	localSyms := symCache.Header.LocalSymbols
	entry, ok := localSyms.Entries[imageAddr]
	if !ok {
		return nil
	}

	f, err := os.Open(symCache.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	nlistSize := int64(binary.Size(types.Nlist64{}))
	symbolsOff := symCache.Header.LocalSymbolsOffset
	if _, err := f.Seek(symbolsOff+int64(localSyms.NlistOffset)+int64(entry.NlistStartIndex)*nlistSize, io.SeekStart); err != nil {
		return err
	}

	r := utils.NewReader(f)
	for i := uint32(0); i < entry.NlistCount; i++ {
		var nlist types.Nlist64
		if err := binary.Read(f, binary.LittleEndian, &nlist); err != nil {
			return err
		}

		if nlist.Name == 0 {
			continue
		}
		if !nlist.Type.IsDefinedInSection() {
			continue
		}

		prev, err := r.Offset()
		if err != nil {
			return err
		}
		if _, err := r.Seek(symbolsOff+int64(localSyms.StringsOffset)+int64(nlist.Name), io.SeekStart); err != nil {
			return err
		}
		name, err := r.CString()
		if err != nil {
			return err
		}
		if _, err := r.Seek(prev, io.SeekStart); err != nil {
			return err
		}

		if name == "" || name == redactedName {
			continue
		}

		if _, ok := symbols[name]; !ok {
			symbols[name] = nlist.Value
		}
	}

	return nil
}

// parseObjCClasses walks __DATA_CONST.__objc_classlist: every slot rebases
// to a class, whose class_ro (+0x20) in turn rebases to the name (+0x18).
func (a *Analyser) parseObjCClasses(mh *macho.Header, imageAddr uint64) (map[string]uint64, error) {
	classList, err := mh.Section("__DATA_CONST", "__objc_classlist")
	if err != nil {
		return nil, err
	}

	classListOff, classListEntry, err := a.FindEntryFromVMAddr(classList.Addr)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(classListEntry.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	classes := make(map[string]uint64)

	end := classListOff + int64(classList.Size)
	for cur := classListOff; cur < end; cur += 8 {
		classAddr, err := a.readPtrAt(f, imageAddr, cur)
		if err != nil {
			return nil, err
		}

		classROOff, err := classListEntry.Header.VMAddrToFileOff(classAddr + 0x20)
		if err != nil {
			return nil, err
		}
		classROAddr, err := a.readPtrAt(f, imageAddr, classROOff)
		if err != nil {
			return nil, err
		}

		nameOff, err := classListEntry.Header.VMAddrToFileOff(classROAddr + 0x18)
		if err != nil {
			return nil, err
		}
		nameAddr, err := a.readPtrAt(f, imageAddr, nameOff)
		if err != nil {
			return nil, err
		}

		name, err := a.readClassName(nameAddr)
		if err != nil {
			return nil, err
		}

		if _, ok := classes[name]; !ok {
			classes[name] = classAddr
		}
	}

	return classes, nil
}

func (a *Analyser) readClassName(addr uint64) (string, error) {
	off, entry, err := a.FindEntryFromVMAddr(addr)
	if err != nil {
		return "", err
	}
	f, err := os.Open(entry.Path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	r := utils.NewReader(f)
	if _, err := r.Seek(off, io.SeekStart); err != nil {
		return "", err
	}
	return r.CString()
}
