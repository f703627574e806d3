//go:build unix

package mmap

import (
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

type unixMapping struct {
	raw []byte
}

func (m unixMapping) unmap() error {
	if m.raw == nil {
		return nil
	}
	return unix.Munmap(m.raw)
}

// mapWindow maps [start,start+size) of the file, or falls back to a
// plain read into a buffer on 32-bit builds where holding a chunk of
// address space mapped isn't a safe default.
func (mf *File) mapWindow(start, size int64) ([]byte, rawMapping, error) {
	if !is64Bit {
		return mf.readWindow(start, size)
	}

	raw, err := unix.Mmap(int(mf.f.Fd()), start, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, xerrors.Errorf("could not mmap window [%d,%d): %w", start, start+size, err)
	}
	return raw, unixMapping{raw: raw}, nil
}

func (mf *File) readWindow(start, size int64) ([]byte, rawMapping, error) {
	buf := make([]byte, size)
	if _, err := mf.f.ReadAt(buf, start); err != nil {
		return nil, nil, xerrors.Errorf("could not read window [%d,%d): %w", start, start+size, err)
	}
	return buf, noopMapping{}, nil
}
