package packfile

import (
	"bufio"
	"io"

	"golang.org/x/xerrors"
)

// seekableBase is what a delta program copies bytes from. A base can
// itself be a DeltaStream (when deltas chain), as long as it's been
// wrapped in something that supports seeking backward - in practice
// this is always a cache-backed view (see the cache package), since a
// raw forward-only decompressed stream cannot rewind.
type seekableBase interface {
	io.Reader
	io.Seeker
}

// DeltaStream reconstructs an object by replaying a delta program
// against a seekable base. It's forward-only: Seek only supports
// moving forward (discarding bytes), matching how callers consume
// decompressed git objects.
type DeltaStream struct {
	base seekableBase
	prog *bufio.Reader

	baseLen   uint64
	resultLen uint64

	pos uint64 // how many result bytes have been produced so far

	cur        DeltaInstruction
	curHave    bool
	curRemain  uint32 // bytes left to emit from the current instruction
	curBaseOff uint64 // next base offset to read from, for a Copy in progress
}

// NewDeltaStream parses the two leading size varints of prog (base
// length, then result length) and returns a stream that reconstructs
// the target object by replaying the remaining instructions against base.
func NewDeltaStream(prog io.Reader, base seekableBase) (*DeltaStream, error) {
	br := bufio.NewReader(prog)

	baseLen, err := readDeltaBodySize(br)
	if err != nil {
		return nil, xerrors.Errorf("could not read delta base length: %w", err)
	}
	resultLen, err := readDeltaBodySize(br)
	if err != nil {
		return nil, xerrors.Errorf("could not read delta result length: %w", err)
	}

	return &DeltaStream{
		base:      base,
		prog:      br,
		baseLen:   baseLen,
		resultLen: resultLen,
	}, nil
}

// Len returns the authoritative length of the reconstructed object,
// taken from the delta program's result-length varint.
func (d *DeltaStream) Len() uint64 {
	return d.resultLen
}

// Read implements io.Reader, replaying Copy/Insert instructions as
// needed to fill p.
func (d *DeltaStream) Read(p []byte) (int, error) {
	if d.pos >= d.resultLen {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) {
		if !d.curHave {
			if d.pos >= d.resultLen {
				break
			}
			instr, err := readDeltaInstruction(d.prog)
			if err != nil {
				if n > 0 {
					return n, nil
				}
				return 0, xerrors.Errorf("could not read delta instruction at result offset %d: %w", d.pos, err)
			}
			if err := d.startInstruction(instr); err != nil {
				return n, err
			}
		}

		chunk := p[n:]
		if uint32(len(chunk)) > d.curRemain {
			chunk = chunk[:d.curRemain]
		}

		read, err := d.readCurrent(chunk)
		n += read
		d.pos += uint64(read)
		d.curRemain -= uint32(read)
		if d.curRemain == 0 {
			d.curHave = false
		}
		if err != nil && err != io.EOF {
			return n, xerrors.Errorf("could not replay instruction at result offset %d: %w", d.pos, err)
		}
		if read == 0 && err == io.EOF {
			return n, xerrors.Errorf("base exhausted early while replaying copy: %w", ErrDeltaCorrupt)
		}
	}
	return n, nil
}

func (d *DeltaStream) startInstruction(instr DeltaInstruction) error {
	if instr.Kind == DeltaCopy {
		if instr.Offset > 0 && uint64(instr.Offset) >= d.baseLen {
			return xerrors.Errorf("copy offset %d is past base length %d: %w", instr.Offset, d.baseLen, ErrDeltaCorrupt)
		}
		if uint64(instr.Offset)+uint64(instr.Size) > d.baseLen {
			return xerrors.Errorf("copy [%d,%d) overruns base length %d: %w", instr.Offset, uint64(instr.Offset)+uint64(instr.Size), d.baseLen, ErrDeltaCorrupt)
		}
		if _, err := d.base.Seek(int64(instr.Offset), io.SeekStart); err != nil {
			return xerrors.Errorf("could not seek base to %d: %w", instr.Offset, err)
		}
		d.curBaseOff = uint64(instr.Offset)
	}
	d.cur = instr
	d.curHave = true
	d.curRemain = instr.Size
	return nil
}

func (d *DeltaStream) readCurrent(p []byte) (int, error) {
	switch d.cur.Kind {
	case DeltaInsert:
		return io.ReadFull(d.prog, p)
	case DeltaCopy:
		n, err := d.base.Read(p)
		d.curBaseOff += uint64(n)
		return n, err
	default:
		return 0, xerrors.Errorf("unknown delta instruction kind %d: %w", d.cur.Kind, ErrDeltaCorrupt)
	}
}

// Seek only supports seeking forward from the current position (or to
// the current position), which it implements by discarding bytes.
// Seeking backward is not supported by a forward-only stream.
func (d *DeltaStream) Seek(offset int64, whence int) (int64, error) {
	if whence != io.SeekStart {
		return 0, xerrors.Errorf("DeltaStream only supports io.SeekStart")
	}
	if offset < int64(d.pos) {
		return 0, xerrors.Errorf("DeltaStream cannot seek backward from %d to %d", d.pos, offset)
	}
	toDiscard := offset - int64(d.pos)
	if toDiscard == 0 {
		return offset, nil
	}
	buf := make([]byte, 32*1024)
	for toDiscard > 0 {
		chunk := buf
		if int64(len(chunk)) > toDiscard {
			chunk = chunk[:toDiscard]
		}
		n, err := d.Read(chunk)
		toDiscard -= int64(n)
		if err != nil && err != io.EOF {
			return 0, err
		}
		if n == 0 {
			break
		}
	}
	return offset, nil
}
