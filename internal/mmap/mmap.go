// Package mmap provides a sliding, memory-mapped window over a file,
// falling back to plain seek+read on platforms where mapping isn't
// available or isn't safe (32-bit address spaces).
//
// Only one window is ever open at a time: GetSpan either serves the
// request from the current window or remaps before reading. A span
// handed out by GetSpan must be released before the window can be
// remapped again.
package mmap

import (
	"os"
	"strconv"

	"golang.org/x/xerrors"
)

// DefaultWindowSize is the size of the window we try to map by
// default. Actual requests bigger than this grow the window instead
// of failing.
const DefaultWindowSize = 1 << 20 // 1MiB

// is64Bit is true on platforms where mapping large windows of a
// packfile is safe to do with no regard for address space exhaustion.
// On 32-bit builds we never mmap and always fall back to seek+read.
const is64Bit = strconv.IntSize == 64

// File is a read-only, windowed view over an *os.File.
type File struct {
	f    *os.File
	size int64

	win       []byte // currently mapped (or buffered) window, nil if none
	winOffset int64  // file offset the window starts at
	winRaw    rawMapping
	borrowed  bool // true while a span returned by GetSpan hasn't been released
}

// rawMapping is satisfied by the platform-specific mmap handle. It's a
// no-op stand-in on platforms/builds that don't mmap.
type rawMapping interface {
	unmap() error
}

type noopMapping struct{}

func (noopMapping) unmap() error { return nil }

// Open opens f for windowed reading. f stays open for the lifetime of
// the File; callers should call Close when they're done.
func Open(f *os.File) (*File, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, xerrors.Errorf("could not stat file: %w", err)
	}
	return &File{f: f, size: fi.Size()}, nil
}

// Size returns the size of the underlying file.
func (mf *File) Size() int64 {
	return mf.size
}

// GetSpan returns length bytes starting at offset. The returned slice
// is only valid until the next call to GetSpan or Close; callers that
// need to keep the bytes around must copy them.
func (mf *File) GetSpan(offset int64, length int) ([]byte, error) {
	if offset < 0 || length < 0 || offset+int64(length) > mf.size {
		return nil, xerrors.Errorf("span [%d,%d) is out of bounds of a %d byte file", offset, offset+int64(length), mf.size)
	}
	if mf.borrowed {
		return nil, xerrors.Errorf("cannot fetch a new span while a previous one is still borrowed")
	}

	if mf.win == nil || offset < mf.winOffset || offset+int64(length) > mf.winOffset+int64(len(mf.win)) {
		if err := mf.remap(offset, length); err != nil {
			return nil, err
		}
	}

	start := offset - mf.winOffset
	mf.borrowed = true
	return mf.win[start : start+int64(length)], nil
}

// Release must be called once the caller is done with the slice
// returned by GetSpan, allowing the window to be remapped.
func (mf *File) Release() {
	mf.borrowed = false
}

// remap sizes a new window as max(DefaultWindowSize, length), clamped
// to the file size, and snaps it so [offset,offset+length) lies fully
// inside it.
func (mf *File) remap(offset int64, length int) error {
	if mf.win != nil {
		if err := mf.winRaw.unmap(); err != nil {
			return xerrors.Errorf("could not unmap previous window: %w", err)
		}
		mf.win = nil
	}

	winSize := int64(DefaultWindowSize)
	if int64(length) > winSize {
		winSize = int64(length)
	}
	if winSize > mf.size {
		winSize = mf.size
	}

	start := offset
	if start+winSize > mf.size {
		start = mf.size - winSize
	}
	if start < 0 {
		start = 0
	}

	win, raw, err := mf.mapWindow(start, winSize)
	if err != nil {
		return err
	}
	mf.win = win
	mf.winRaw = raw
	mf.winOffset = start
	return nil
}

// Close releases the current window and does NOT close the
// underlying *os.File, which the caller owns.
func (mf *File) Close() error {
	if mf.win == nil {
		return nil
	}
	err := mf.winRaw.unmap()
	mf.win = nil
	return err
}
