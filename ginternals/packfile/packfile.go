// Package packfile contains methods and structs to read and write packfiles
package packfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"sync"

	"github.com/Nivl/git-go/ginternals"
	"github.com/Nivl/git-go/ginternals/object"
	"github.com/Nivl/git-go/internal/cache"
	"github.com/klauspost/compress/zlib"
	"github.com/spf13/afero"
	"golang.org/x/xerrors"
)

const (
	// packfileHeaderSize is the 12-byte header: 4-byte magic, 4-byte
	// version (always 2), 4-byte object count.
	packfileHeaderSize = 12

	// ExtPackfile is the extension used by packfiles
	ExtPackfile = ".pack"
	// ExtIndex is the extension used by pack index files
	ExtIndex = ".idx"
)

var packfileMagic = []byte{'P', 'A', 'C', 'K'}

// ErrIntOverflow is returned when a variable-length integer in a
// packfile doesn't fit in 64 bits
var ErrIntOverflow = xerrors.New("int64 overflow")

// ErrInvalidVersion is returned when a packfile's version isn't 2
var ErrInvalidVersion = xerrors.New("invalid packfile version")

// OidWalkFunc is run against every oid found by WalkOids
type OidWalkFunc = func(oid ginternals.Oid) error

// OidWalkStop is a fake error used to tell WalkOids to stop early
// without propagating an actual error.
var OidWalkStop = xerrors.New("stop walking") //nolint:revive // fake error, intentionally doesn't start with Err

// ExternalBaseResolver looks up an object that a REF_DELTA entry
// points to but that doesn't live in the pack's own index: another
// pack, the loose store, or an alternate. Installed by the repository
// layer, which is the only thing that knows about all of those at
// once.
type ExternalBaseResolver func(id ginternals.Oid) (typ object.Type, data []byte, err error)

// Option configures a Pack at construction time.
type Option func(*Pack)

// WithCache overrides the default PackCache with c. Pass
// cache.NewNullCache() to trade memory for repeated decompression when
// deltas are rare.
func WithCache(c cache.Cache) Option {
	return func(p *Pack) {
		p.cache = c
	}
}

// WithExternalBaseResolver installs r, used to resolve a REF_DELTA
// base that isn't present in this pack's own index.
func WithExternalBaseResolver(r ExternalBaseResolver) Option {
	return func(p *Pack) {
		p.externalBase = r
	}
}

// Pack represents a Packfile along with its index.
//
// The packfile itself contains a header, a content, and a footer.
// Header: 12 bytes, magic + version + object count.
// Content: every object, zlib compressed, each preceded by a
// variable-length header containing its type and decompressed size.
// Deltified objects (OFS_DELTA/REF_DELTA) are preceded by an extra
// base reference (a relative offset or a full oid) before the zlib
// stream.
// Footer: 20 bytes, the SHA1 of the packfile.
// https://github.com/git/git/blob/master/Documentation/technical/pack-format.txt
type Pack struct {
	r     afero.File
	idx   *PackIndex
	cache cache.Cache

	externalBase ExternalBaseResolver

	id     ginternals.Oid
	count  uint32
	mu     sync.Mutex
	types  map[uint64]object.Type
	typeMu sync.Mutex
}

// NewFromFile returns a pack object from the given file.
// The pack needs to be closed using Close().
func NewFromFile(fs afero.Fs, filePath string, opts ...Option) (pack *Pack, err error) {
	f, err := fs.Open(filePath)
	if err != nil {
		return nil, xerrors.Errorf("could not open %s: %w", filePath, err)
	}
	defer func() {
		if err != nil {
			f.Close() //nolint:errcheck // it already failed
		}
	}()

	header := make([]byte, packfileHeaderSize)
	if _, err = f.ReadAt(header, 0); err != nil {
		return nil, xerrors.Errorf("could not read header of packfile: %w", err)
	}
	if !bytes.Equal(header[0:4], packfileMagic) {
		return nil, xerrors.Errorf("invalid header: %w", ErrInvalidMagic)
	}
	version := binary.BigEndian.Uint32(header[4:8])
	if version != 2 {
		return nil, xerrors.Errorf("version %d: %w", version, ErrInvalidVersion)
	}

	p := &Pack{
		r:     f,
		count: binary.BigEndian.Uint32(header[8:12]),
		cache: cache.NewPackCache(),
		types: map[uint64]object.Type{},
	}
	for _, opt := range opts {
		opt(p)
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, xerrors.Errorf("could not get size of packfile: %w", err)
	}
	idBuf := make([]byte, ginternals.OidSize)
	if _, err = f.ReadAt(idBuf, size-ginternals.OidSize); err != nil {
		return nil, xerrors.Errorf("could not read packfile trailer: %w", err)
	}
	p.id, err = ginternals.NewOidFromBytes(idBuf)
	if err != nil {
		return nil, xerrors.Errorf("could not parse packfile id: %w", err)
	}

	indexFilePath := strings.TrimSuffix(filePath, ExtPackfile) + ExtIndex
	p.idx, err = NewIndexFromFile(fs, indexFilePath)
	if err != nil {
		return nil, xerrors.Errorf("could create index for %s: %w", indexFilePath, err)
	}

	return p, nil
}

// ID returns the id of the packfile, read from its trailer when it
// was opened.
func (pck *Pack) ID() ginternals.Oid {
	return pck.id
}

// ObjectCount returns the number of objects in the packfile
func (pck *Pack) ObjectCount() uint32 {
	return pck.count
}

// Close frees the resources held by the pack and its index
func (pck *Pack) Close() error {
	pck.mu.Lock()
	defer pck.mu.Unlock()

	idxErr := pck.idx.Close()
	packErr := pck.r.Close()
	if packErr != nil {
		return packErr
	}
	return idxErr
}

// WalkOids runs f against every object id stored in the packfile, in
// index order. Returning OidWalkStop from f stops the walk without
// returning an error.
func (pck *Pack) WalkOids(f OidWalkFunc) error {
	for i := uint32(0); i < pck.idx.ObjectCount(); i++ {
		oid, err := pck.idx.OidAt(i)
		if err != nil {
			return xerrors.Errorf("could not read oid %d: %w", i, err)
		}
		if err := f(oid); err != nil {
			if err == OidWalkStop { //nolint:errorlint,goerr113 // fake error, no need for Is()
				return nil
			}
			return err
		}
	}
	return nil
}

// FindPrefix searches the pack's index for an object id matching
// prefix without decompressing or reconstructing the object, so a
// repository can probe every pack cheaply while resolving a partial
// id. See PackIndex.Lookup for the meaning of endsWithHalfByte.
func (pck *Pack) FindPrefix(prefix []byte, endsWithHalfByte bool) (ginternals.Oid, bool, error) {
	_, id, found, err := pck.idx.Lookup(prefix, endsWithHalfByte)
	if err != nil {
		return ginternals.NullOid, false, xerrors.Errorf("could not look up prefix in index: %w", err)
	}
	return id, found, nil
}

// GetObject returns the object stored under oid.
func (pck *Pack) GetObject(oid ginternals.Oid) (*object.Object, error) {
	offset, err := pck.idx.GetObjectOffset(oid)
	if err != nil {
		return nil, err
	}
	return pck.getObjectAt(offset, oid)
}

// getObjectAt fully materializes the object located at offset,
// resolving any delta chain along the way. knownID, when not the zero
// oid, is used to skip the sha1 recomputation New() would otherwise do
// since the index lookup already gave us a trusted id.
func (pck *Pack) getObjectAt(offset uint64, knownID ginternals.Oid) (*object.Object, error) {
	typ, view, err := pck.resolvedAt(offset)
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(view)
	if err != nil {
		return nil, xerrors.Errorf("could not read object at offset %d: %w", offset, err)
	}
	if !knownID.IsZero() {
		return object.NewWithID(knownID, typ, data), nil
	}
	return object.New(typ, data), nil
}

// resolvedAt returns the logical type and a seekable, cached view of
// the fully-reconstructed content of the object at offset. If offset
// has already been resolved (directly, or as someone else's delta
// base), the cached buffer is reused instead of re-decompressing.
func (pck *Pack) resolvedAt(offset uint64) (object.Type, cache.Stream, error) {
	if view, ok := pck.cache.TryOpen(offset); ok {
		if typ, ok := pck.typeAt(offset); ok {
			return typ, view, nil
		}
	}

	hdrType, _, hdrLen, err := pck.readObjectHeader(offset)
	if err != nil {
		return 0, nil, xerrors.Errorf("could not read object header at offset %d: %w", offset, err)
	}
	bodyOffset := offset + uint64(hdrLen)

	switch hdrType {
	case object.ObjectDeltaOFS:
		relOffset, relLen, err := pck.readDeltaOffsetAt(bodyOffset)
		if err != nil {
			return 0, nil, xerrors.Errorf("could not read delta base offset at offset %d: %w", bodyOffset, err)
		}
		if relOffset > offset {
			return 0, nil, xerrors.Errorf("delta base offset underflows the start of the packfile: %w", ErrIntOverflow)
		}
		baseOffset := offset - relOffset
		baseType, base, err := pck.resolvedAt(baseOffset)
		if err != nil {
			return 0, nil, xerrors.Errorf("could not resolve delta base at offset %d: %w", baseOffset, err)
		}
		zr, err := pck.zlibReaderAt(bodyOffset + uint64(relLen))
		if err != nil {
			return 0, nil, err
		}
		ds, err := NewDeltaStream(zr, base)
		if err != nil {
			return 0, nil, xerrors.Errorf("could not build delta stream at offset %d: %w", offset, err)
		}
		view := pck.cache.Add(offset, ds)
		pck.setType(offset, baseType)
		return baseType, view, nil

	case object.ObjectDeltaRef:
		baseOidBuf, err := pck.readAt(bodyOffset, ginternals.OidSize)
		if err != nil {
			return 0, nil, xerrors.Errorf("could not read delta base oid at offset %d: %w", bodyOffset, err)
		}
		baseOid, err := ginternals.NewOidFromBytes(baseOidBuf)
		if err != nil {
			return 0, nil, xerrors.Errorf("invalid delta base oid: %w", err)
		}

		var baseType object.Type
		var base seekableBase
		baseOffset, idxErr := pck.idx.GetObjectOffset(baseOid)
		if idxErr == nil {
			baseType, base, err = pck.resolvedAt(baseOffset)
			if err != nil {
				return 0, nil, xerrors.Errorf("could not resolve delta base %s: %w", baseOid.String(), err)
			}
		} else {
			// the base isn't in this pack's own index: it may live in
			// another pack, the loose store, or an alternate, which only
			// the repository layer knows how to search.
			if pck.externalBase == nil {
				return 0, nil, xerrors.Errorf("could not find delta base %s: %w", baseOid.String(), idxErr)
			}
			t, content, extErr := pck.externalBase(baseOid)
			if extErr != nil {
				return 0, nil, xerrors.Errorf("could not resolve external delta base %s: %w", baseOid.String(), extErr)
			}
			baseType, base = t, bytes.NewReader(content)
		}

		zr, err := pck.zlibReaderAt(bodyOffset + ginternals.OidSize)
		if err != nil {
			return 0, nil, err
		}
		ds, err := NewDeltaStream(zr, base)
		if err != nil {
			return 0, nil, xerrors.Errorf("could not build delta stream at offset %d: %w", offset, err)
		}
		view := pck.cache.Add(offset, ds)
		pck.setType(offset, baseType)
		return baseType, view, nil

	default:
		if !hdrType.IsValid() {
			return 0, nil, xerrors.Errorf("unknown object type %d at offset %d", hdrType, offset)
		}
		zr, err := pck.zlibReaderAt(bodyOffset)
		if err != nil {
			return 0, nil, err
		}
		view := pck.cache.Add(offset, zr)
		pck.setType(offset, hdrType)
		return hdrType, view, nil
	}
}

func (pck *Pack) typeAt(offset uint64) (object.Type, bool) {
	pck.typeMu.Lock()
	defer pck.typeMu.Unlock()
	typ, ok := pck.types[offset]
	return typ, ok
}

func (pck *Pack) setType(offset uint64, typ object.Type) {
	pck.typeMu.Lock()
	defer pck.typeMu.Unlock()
	pck.types[offset] = typ
}

// readAt reads exactly n bytes starting at offset, using ReadAt so
// concurrent reads of the pack file don't race over a shared cursor.
func (pck *Pack) readAt(offset uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := pck.r.ReadAt(buf, int64(offset)); err != nil {
		return nil, err
	}
	return buf, nil
}

// zlibReaderAt returns a zlib decompressor reading from offset onward.
// The decompressor stops consuming once it hits the end of its own
// deflate stream; any trailing bytes (the next object) are simply
// never read by it.
func (pck *Pack) zlibReaderAt(offset uint64) (io.ReadCloser, error) {
	sr := &sectionReader{f: pck.r, pos: int64(offset)}
	zr, err := zlib.NewReader(bufio.NewReader(sr))
	if err != nil {
		return nil, xerrors.Errorf("could not open zlib stream at offset %d: %w", offset, err)
	}
	return zr, nil
}

// sectionReader is an io.Reader over an afero.File using ReadAt, so
// several sectionReaders over the same file can be read concurrently
// without fighting over the shared Seek cursor.
type sectionReader struct {
	f   afero.File
	pos int64
}

func (s *sectionReader) Read(p []byte) (int, error) {
	n, err := s.f.ReadAt(p, s.pos)
	s.pos += int64(n)
	return n, err
}

// readObjectHeader parses the variable-length object header at
// offset: a first byte with a continuation bit, a 3-bit type, and the
// low 4 bits of the size, followed by 7-bit little-endian
// continuation bytes for the rest of the size.
func (pck *Pack) readObjectHeader(offset uint64) (typ object.Type, size uint64, headerLen int, err error) {
	peek, err := pck.readAt(offset, 10)
	if err != nil && len(peek) == 0 {
		return 0, 0, 0, err
	}

	typ = object.Type((peek[0] & 0b_0111_0000) >> 4)
	size = uint64(peek[0] & 0b_0000_1111)
	headerLen = 1

	if isMSBSet(peek[0]) {
		rest, read, rErr := readVarintLE(peek[1:])
		if rErr != nil {
			return 0, 0, 0, rErr
		}
		headerLen += read
		size |= rest << 4
	}
	return typ, size, headerLen, nil
}

// readDeltaOffsetAt parses the OFS_DELTA relative-offset encoding at
// offset: 7 bits per byte, big-endian, with every non-final chunk
// biased by +1 so the encoding can't represent the same value two ways.
func (pck *Pack) readDeltaOffsetAt(offset uint64) (relOffset uint64, bytesRead int, err error) {
	peek, err := pck.readAt(offset, 9)
	if err != nil && len(peek) == 0 {
		return 0, 0, err
	}

	for i, b := range peek {
		bytesRead++
		chunk := uint64(unsetMSB(b))
		if bytesRead == 1 {
			relOffset = chunk
		} else {
			relOffset = (relOffset+1)<<7 | chunk
		}
		if !isMSBSet(b) {
			return relOffset, bytesRead, nil
		}
		if i == len(peek)-1 {
			return 0, 0, ErrIntOverflow
		}
	}
	return 0, 0, ErrIntOverflow
}

// readVarintLE reads the continuation bytes of a size varint: 7 bits
// per byte, little-endian, continuing while the MSB is set.
func readVarintLE(data []byte) (value uint64, bytesRead int, err error) {
	for i, b := range data {
		bytesRead++
		value |= uint64(unsetMSB(b)) << (uint(i) * 7)
		if !isMSBSet(b) {
			return value, bytesRead, nil
		}
	}
	return 0, 0, ErrIntOverflow
}

func isMSBSet(b byte) bool {
	return b&0b_1000_0000 != 0
}

func unsetMSB(b byte) byte {
	return b & 0b_0111_1111
}
