//go:build windows

package mmap

import (
	"unsafe"

	"golang.org/x/sys/windows"
	"golang.org/x/xerrors"
)

// unsafeSlice builds a []byte view over a mapped region, whose
// lifetime is tied to the file mapping, not to Go's garbage collector.
func unsafeSlice(addr uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

type windowsMapping struct {
	handle windows.Handle
	addr   uintptr
	size   int
}

func (m windowsMapping) unmap() error {
	if m.addr == 0 {
		return nil
	}
	if err := windows.UnmapViewOfFile(m.addr); err != nil {
		return err
	}
	return windows.CloseHandle(m.handle)
}

// mapWindow maps [start,start+size) of the file using a Windows file
// mapping object. On 32-bit builds we fall back to reading the window
// into a plain buffer, same as the unix implementation.
func (mf *File) mapWindow(start, size int64) ([]byte, rawMapping, error) {
	if !is64Bit {
		return mf.readWindow(start, size)
	}

	h, err := windows.CreateFileMapping(windows.Handle(mf.f.Fd()), nil, windows.PAGE_READONLY, 0, 0, nil)
	if err != nil {
		return nil, nil, xerrors.Errorf("could not create file mapping: %w", err)
	}

	hi := uint32(start >> 32)
	lo := uint32(start & 0xffffffff)
	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_READ, hi, lo, uintptr(size))
	if err != nil {
		_ = windows.CloseHandle(h)
		return nil, nil, xerrors.Errorf("could not map view of file: %w", err)
	}

	raw := unsafeSlice(addr, int(size))
	return raw, windowsMapping{handle: h, addr: addr, size: int(size)}, nil
}

func (mf *File) readWindow(start, size int64) ([]byte, rawMapping, error) {
	buf := make([]byte, size)
	if _, err := mf.f.ReadAt(buf, start); err != nil {
		return nil, nil, xerrors.Errorf("could not read window [%d,%d): %w", start, start+size, err)
	}
	return buf, noopMapping{}, nil
}
