package packfile

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/Nivl/git-go/ginternals"
	"github.com/Nivl/git-go/internal/mmap"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

const (
	fanoutEntries   = 256
	fanoutTableSize = fanoutEntries * 4
	crcEntrySize    = 4
	offsetEntrySize = 4
	wideEntrySize   = 8
)

var indexMagic = []byte{0xff, 't', 'O', 'c'}

// ErrInvalidMagic is returned when a file doesn't start with the
// expected pack-index magic bytes.
var ErrInvalidMagic = xerrors.New("invalid index magic")

// ErrUnsupportedVersion is returned when the pack index isn't a
// version 2 index. Version 1 indexes are not supported.
var ErrUnsupportedVersion = xerrors.New("unsupported index version")

// span is the minimal random-access surface PackIndex needs over the
// index file. It's backed by a memory-mapped window on real files and
// by a plain in-memory buffer on afero filesystems that aren't backed
// by an *os.File (e.g. in tests).
type span interface {
	GetSpan(offset int64, length int) ([]byte, error)
	Release()
	Close() error
}

// bufferSpan is a span backed by the whole file read into memory; used
// when the file isn't a real *os.File and therefore can't be mmap'd.
type bufferSpan struct {
	data []byte
}

func (b *bufferSpan) GetSpan(offset int64, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset+int64(length) > int64(len(b.data)) {
		return nil, xerrors.Errorf("span [%d,%d) is out of bounds of a %d byte buffer", offset, offset+int64(length), len(b.data))
	}
	return b.data[offset : offset+int64(length)], nil
}

func (b *bufferSpan) Release()     {}
func (b *bufferSpan) Close() error { return nil }

// mmapSpan pairs a mmap.File window with the afero.File backing it, so
// closing the index also closes the underlying descriptor (mmap.File
// itself only unmaps, it doesn't own the file).
type mmapSpan struct {
	mf *mmap.File
	f  afero.File
}

func (m *mmapSpan) GetSpan(offset int64, length int) ([]byte, error) {
	return m.mf.GetSpan(offset, length)
}

func (m *mmapSpan) Release() {
	m.mf.Release()
}

func (m *mmapSpan) Close() error {
	unmapErr := m.mf.Close()
	closeErr := m.f.Close()
	if unmapErr != nil {
		return unmapErr
	}
	return closeErr
}

// PackIndex represents a packfile's index file (.idx), as described in
// https://git-scm.com/docs/pack-format
//
// The index contains a header, 5 layers, and a footer.
// header:  8 bytes  - magic (4 bytes) + version (4 bytes, BE, always 2)
// layer1:  1024 bytes - 256 entries of 4 bytes, each the CUMULATIVE
//          number of objects whose oid's first byte is <= the entry's
//          index. fanout[255] is the total object count.
// layer2:  N*20 bytes - the sorted object ids
// layer3:  N*4 bytes - a CRC32 per object (not verified by this reader)
// layer4:  N*4 bytes - offset of each object in the packfile. If the
//          MSB is set, the remaining 31 bits index into layer5 instead
//          (used for packfiles bigger than 2GiB).
// layer5:  M*8 bytes - 64-bit offsets, only present when layer4 has
//          at least one MSB-set entry.
// footer:  40 bytes - packfile SHA1, then index-file SHA1
type PackIndex struct {
	span span

	fanout      [fanoutEntries]uint32
	objectCount uint32

	oidTableOffset    int64
	crcTableOffset    int64
	offsetTableOffset int64
	wideTableOffset   int64
}

// NewIndexFromFile opens the pack index located at path.
func NewIndexFromFile(fs afero.Fs, path string) (idx *PackIndex, err error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("could not open index %s: %w", path, err)
	}

	var sp span
	if osFile, ok := f.(*os.File); ok {
		mf, mErr := mmap.Open(osFile)
		if mErr != nil {
			_ = f.Close()
			return nil, xerrors.Errorf("could not mmap index %s: %w", path, mErr)
		}
		sp = &mmapSpan{mf: mf, f: f}
	} else {
		data, rErr := io.ReadAll(f)
		_ = f.Close()
		if rErr != nil {
			return nil, xerrors.Errorf("could not read index %s: %w", path, rErr)
		}
		sp = &bufferSpan{data: data}
	}

	idx, err = newIndex(sp)
	if err != nil {
		_ = sp.Close()
		return nil, err
	}
	return idx, nil
}

func newIndex(sp span) (*PackIndex, error) {
	header, err := sp.GetSpan(0, 8)
	if err != nil {
		return nil, xerrors.Errorf("could not read index header: %w", err)
	}
	magic := make([]byte, 4)
	copy(magic, header[:4])
	version := binary.BigEndian.Uint32(header[4:8])
	sp.Release()

	if !bytes.Equal(magic, indexMagic) {
		return nil, ErrInvalidMagic
	}
	if version != 2 {
		return nil, xerrors.Errorf("version %d: %w", version, ErrUnsupportedVersion)
	}

	fanoutRaw, err := sp.GetSpan(8, fanoutTableSize)
	if err != nil {
		return nil, xerrors.Errorf("could not read fan-out table: %w", err)
	}
	idx := &PackIndex{span: sp}
	for i := 0; i < fanoutEntries; i++ {
		idx.fanout[i] = binary.BigEndian.Uint32(fanoutRaw[i*4 : i*4+4])
	}
	sp.Release()
	idx.objectCount = idx.fanout[fanoutEntries-1]

	idx.oidTableOffset = 8 + fanoutTableSize
	idx.crcTableOffset = idx.oidTableOffset + int64(idx.objectCount)*ginternals.OidSize
	idx.offsetTableOffset = idx.crcTableOffset + int64(idx.objectCount)*crcEntrySize
	idx.wideTableOffset = idx.offsetTableOffset + int64(idx.objectCount)*offsetEntrySize

	return idx, nil
}

// Close releases the resources (mapped window or in-memory buffer)
// held by the index.
func (idx *PackIndex) Close() error {
	return idx.span.Close()
}

// ObjectCount returns the number of objects indexed.
func (idx *PackIndex) ObjectCount() uint32 {
	return idx.objectCount
}

// bucketBounds returns the [start,end) slice of layer2/4 entries whose
// oid's first byte equals b, using the cumulative fan-out table.
func (idx *PackIndex) bucketBounds(b byte) (start, end uint32) {
	if b == 0 {
		return 0, idx.fanout[0]
	}
	return idx.fanout[b-1], idx.fanout[b]
}

// oidAt returns the raw 20 bytes of the object name at position i in
// the sorted oid table (layer2).
func (idx *PackIndex) oidAt(i uint32) ([]byte, error) {
	off := idx.oidTableOffset + int64(i)*ginternals.OidSize
	raw, err := idx.span.GetSpan(off, ginternals.OidSize)
	if err != nil {
		return nil, err
	}
	defer idx.span.Release()
	out := make([]byte, ginternals.OidSize)
	copy(out, raw)
	return out, nil
}

// OidAt returns the object id stored at position i of the sorted oid
// table (layer2). Used to walk every object indexed without going
// through a lookup.
func (idx *PackIndex) OidAt(i uint32) (ginternals.Oid, error) {
	raw, err := idx.oidAt(i)
	if err != nil {
		return ginternals.NullOid, err
	}
	return ginternals.NewOidFromBytes(raw)
}

// offsetAt returns the packfile offset of the object at position i in
// the sorted oid table, resolving through layer5 if needed.
func (idx *PackIndex) offsetAt(i uint32) (uint64, error) {
	off := idx.offsetTableOffset + int64(i)*offsetEntrySize
	raw, err := idx.span.GetSpan(off, offsetEntrySize)
	if err != nil {
		return 0, err
	}
	entry := binary.BigEndian.Uint32(raw)
	idx.span.Release()

	// MSB set: the remaining 31 bits are an index into the 64-bit
	// layer5 table, not the offset itself. Never sign-extend those 31
	// bits; they're a plain unsigned index.
	if entry&0x8000_0000 == 0 {
		return uint64(entry), nil
	}
	wideIndex := entry &^ 0x8000_0000
	wideOff := idx.wideTableOffset + int64(wideIndex)*wideEntrySize
	wideRaw, err := idx.span.GetSpan(wideOff, wideEntrySize)
	if err != nil {
		return 0, err
	}
	defer idx.span.Release()
	return binary.BigEndian.Uint64(wideRaw), nil
}

// Lookup searches the index for the object whose id matches prefix.
// prefix must contain the raw (decoded) bytes of the candidate id; if
// the caller only has an odd number of hex digits, it should append a
// 0 nibble to prefix and set endsWithHalfByte so the lookup masks off
// the low 4 bits of the last candidate byte before comparing.
//
// Returns found=false if nothing matches.
func (idx *PackIndex) Lookup(prefix []byte, endsWithHalfByte bool) (offset uint64, id ginternals.Oid, found bool, err error) {
	if len(prefix) == 0 {
		return 0, ginternals.NullOid, false, nil
	}
	start, end := idx.bucketBounds(prefix[0])
	if start == end {
		return 0, ginternals.NullOid, false, nil
	}

	n := int(end - start)
	var spanErr error
	i := sort.Search(n, func(i int) bool {
		raw, e := idx.oidAt(start + uint32(i))
		if e != nil {
			spanErr = e
			return true
		}
		return compareOidPrefix(raw, prefix, endsWithHalfByte) >= 0
	})
	if spanErr != nil {
		return 0, ginternals.NullOid, false, xerrors.Errorf("could not binary search index: %w", spanErr)
	}
	if i >= n {
		return 0, ginternals.NullOid, false, nil
	}

	raw, err := idx.oidAt(start + uint32(i))
	if err != nil {
		return 0, ginternals.NullOid, false, xerrors.Errorf("could not read candidate oid: %w", err)
	}
	if compareOidPrefix(raw, prefix, endsWithHalfByte) != 0 {
		return 0, ginternals.NullOid, false, nil
	}

	off, err := idx.offsetAt(start + uint32(i))
	if err != nil {
		return 0, ginternals.NullOid, false, xerrors.Errorf("could not read offset: %w", err)
	}
	oid, err := ginternals.NewOidFromBytes(raw)
	if err != nil {
		return 0, ginternals.NullOid, false, xerrors.Errorf("invalid oid in index: %w", err)
	}
	return off, oid, true, nil
}

// GetObjectOffset is a convenience wrapper around Lookup for full
// (20-byte) object ids.
func (idx *PackIndex) GetObjectOffset(oid ginternals.Oid) (uint64, error) {
	off, _, found, err := idx.Lookup(oid[:], false)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ginternals.ErrObjectNotFound
	}
	return off, nil
}

// compareOidPrefix compares candidate (a full 20-byte oid) against
// prefix, which may be shorter than 20 bytes. If endsWithHalfByte is
// set, the low nibble of the last byte of prefix is masked off before
// comparing, so a single odd hex digit of slack doesn't fail the match.
func compareOidPrefix(candidate, prefix []byte, endsWithHalfByte bool) int {
	n := len(prefix)
	full := n
	if endsWithHalfByte {
		full = n - 1
	}
	if full > len(candidate) {
		full = len(candidate)
	}
	if c := bytes.Compare(candidate[:full], prefix[:full]); c != 0 {
		return c
	}
	if !endsWithHalfByte || n == 0 {
		return 0
	}
	cb := candidate[n-1] & 0xf0
	pb := prefix[n-1] & 0xf0
	switch {
	case cb < pb:
		return -1
	case cb > pb:
		return 1
	default:
		return 0
	}
}
