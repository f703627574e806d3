package cache

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/Nivl/git-go/internal/syncutil"
	"golang.org/x/xerrors"
)

// Stream is what Add and TryOpen hand back: something a delta chain
// can read forward and seek (forward) around in.
type Stream interface {
	io.Reader
	io.Seeker
}

// Cache turns a forward-only decompressed/delta stream into a Stream,
// optionally retaining it so a later, or concurrent, reader of the
// same packed-object offset doesn't have to re-decompress or re-apply
// a delta. PackCache and NullCache are the two implementations.
type Cache interface {
	// Add registers source under offset, if the implementation retains
	// anything at all, and returns a Stream over it.
	Add(offset uint64, source io.Reader) Stream
	// TryOpen returns a Stream over the entry registered for offset,
	// if any.
	TryOpen(offset uint64) (Stream, bool)
}

// PackCache converts forward-only decompressed/delta streams into
// shared, position-independent seekable views. Decompression and
// delta application can only be driven forward; reconstructing a
// delta needs to seek its base around freely, so the first full read
// of a base is buffered here and every subsequent reader (including
// concurrent ones) gets its own ViewStream over the same buffer
// instead of re-decompressing.
type PackCache struct {
	locks   *syncutil.NamedMutex
	mu      sync.Mutex
	entries map[uint64]*cacheStream
}

// NewPackCache returns an empty PackCache.
func NewPackCache() *PackCache {
	return &PackCache{
		locks:   syncutil.NewNamedMutex(64),
		entries: map[uint64]*cacheStream{},
	}
}

// Add registers source under the given packed-object offset and
// returns a fresh ViewStream over it. If an entry already exists for
// offset it's replaced - callers are expected to check TryOpen first.
// The offset is also used as a key into a NamedMutex, which serializes
// registrations for the same offset. Two goroutines that both missed
// TryOpen each register and read their own source; the later
// registration replaces the earlier one.
func (pc *PackCache) Add(offset uint64, source io.Reader) Stream {
	key := offsetKey(offset)
	pc.locks.Lock(key)
	defer pc.locks.Unlock(key)

	cs := newCacheStream(source)
	pc.mu.Lock()
	pc.entries[offset] = cs
	pc.mu.Unlock()
	return &ViewStream{cs: cs}
}

// TryOpen returns a fresh, independent ViewStream over the entry
// registered for offset, if any.
func (pc *PackCache) TryOpen(offset uint64) (Stream, bool) {
	key := offsetKey(offset)
	pc.locks.RLock(key)
	defer pc.locks.RUnlock(key)

	pc.mu.Lock()
	cs, ok := pc.entries[offset]
	pc.mu.Unlock()
	if !ok {
		return nil, false
	}
	return &ViewStream{cs: cs}, true
}

func offsetKey(offset uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, offset)
	return key
}

// cacheStream owns the growable buffer backing every ViewStream handed
// out for one packed-object offset. All mutation of buf, and every
// read from source, happens under lock so concurrent ViewStream
// readers can interleave safely; each one still tracks its own
// position independently.
type cacheStream struct {
	mu       sync.Mutex
	source   io.Reader
	buf      []byte
	complete bool // true once source has been fully drained into buf
}

func newCacheStream(source io.Reader) *cacheStream {
	return &cacheStream{source: source}
}

// fill grows buf until it holds at least upTo bytes, or the source is
// exhausted (in which case it's disposed and complete is set).
func (cs *cacheStream) fill(upTo int) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for len(cs.buf) < upTo && !cs.complete {
		chunk := make([]byte, 32*1024)
		n, err := cs.source.Read(chunk)
		if n > 0 {
			cs.buf = append(cs.buf, chunk[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				cs.complete = true
				if closer, ok := cs.source.(io.Closer); ok {
					_ = closer.Close()
				}
				cs.source = nil
				break
			}
			return xerrors.Errorf("could not read from underlying source: %w", err)
		}
	}
	return nil
}

// ViewStream is a lightweight, independently-positioned handle onto a
// cacheStream's shared buffer.
type ViewStream struct {
	cs  *cacheStream
	pos int64
}

// Read implements io.Reader. A read crossing the buffered extent pulls
// more from the underlying source under lock before being served.
func (v *ViewStream) Read(p []byte) (int, error) {
	if err := v.cs.fill(int(v.pos) + len(p)); err != nil {
		return 0, err
	}

	v.cs.mu.Lock()
	avail := int64(len(v.cs.buf)) - v.pos
	complete := v.cs.complete
	var n int
	if avail > 0 {
		n = len(p)
		if int64(n) > avail {
			n = int(avail)
		}
		copy(p, v.cs.buf[v.pos:v.pos+int64(n)])
	}
	v.cs.mu.Unlock()

	v.pos += int64(n)
	if n == 0 && complete {
		return 0, io.EOF
	}
	return n, nil
}

// Seek repositions the view. Seeking backward, or forward within the
// already-buffered extent, is cheap (no I/O). Seeking past the
// buffered extent reads through the underlying source, discarding
// into the buffer, until the target is reached.
func (v *ViewStream) Seek(offset int64, whence int) (int64, error) {
	if whence != io.SeekStart {
		return 0, xerrors.Errorf("ViewStream only supports io.SeekStart")
	}
	if offset < 0 {
		return 0, xerrors.Errorf("cannot seek to a negative offset")
	}
	if err := v.cs.fill(int(offset)); err != nil {
		return 0, err
	}
	v.pos = offset
	return offset, nil
}

// Len returns the total size of the source once it's been fully
// buffered; ok is false if the source hasn't been drained yet.
func (v *ViewStream) Len() (size int64, ok bool) {
	v.cs.mu.Lock()
	defer v.cs.mu.Unlock()
	if !v.cs.complete {
		return 0, false
	}
	return int64(len(v.cs.buf)), true
}

// NullCache is a Cache that never retains anything: Add returns its
// input wrapped just enough to satisfy the Stream contract, and
// TryOpen always misses, so a delta base is re-decompressed every
// time it's needed. Pass it to packfile.WithCache when deltas are
// rare and memory is precious.
type NullCache struct{}

// NewNullCache returns a NullCache.
func NewNullCache() *NullCache {
	return &NullCache{}
}

// Add returns a ForwardSeeker wrapping source, unmodified and
// unregistered.
func (NullCache) Add(_ uint64, source io.Reader) Stream {
	return &ForwardSeeker{r: source}
}

// TryOpen always misses: NullCache never retains anything.
func (NullCache) TryOpen(_ uint64) (Stream, bool) {
	return nil, false
}

// we make sure both implementations satisfy Cache
var (
	_ Cache = (*PackCache)(nil)
	_ Cache = (*NullCache)(nil)
)

// ForwardSeeker adapts a plain io.Reader to support seeking forward
// by discarding bytes. It cannot seek backward.
type ForwardSeeker struct {
	r   io.Reader
	pos int64
}

// Read implements io.Reader.
func (f *ForwardSeeker) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	f.pos += int64(n)
	return n, err
}

// Seek only supports moving forward from the current position.
func (f *ForwardSeeker) Seek(offset int64, whence int) (int64, error) {
	if whence != io.SeekStart {
		return 0, xerrors.Errorf("ForwardSeeker only supports io.SeekStart")
	}
	if offset < f.pos {
		return 0, xerrors.Errorf("ForwardSeeker cannot seek backward from %d to %d", f.pos, offset)
	}
	toDiscard := offset - f.pos
	buf := make([]byte, 32*1024)
	for toDiscard > 0 {
		chunk := buf
		if int64(len(chunk)) > toDiscard {
			chunk = chunk[:toDiscard]
		}
		n, err := f.r.Read(chunk)
		toDiscard -= int64(n)
		f.pos += int64(n)
		if err != nil {
			return f.pos, err
		}
	}
	return f.pos, nil
}
