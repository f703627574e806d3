package packfile

import (
	"io"

	"golang.org/x/xerrors"
)

// ErrDeltaCorrupt is returned when a delta program contains an
// instruction or offset that isn't valid Git delta encoding.
var ErrDeltaCorrupt = xerrors.New("corrupt delta")

// DeltaInstructionKind distinguishes the two delta opcodes.
type DeltaInstructionKind int8

const (
	// DeltaCopy copies Size bytes from the base object starting at Offset.
	DeltaCopy DeltaInstructionKind = iota
	// DeltaInsert copies Size bytes from the delta program itself.
	DeltaInsert
)

// DeltaInstruction is one decoded instruction of a delta program.
type DeltaInstruction struct {
	Kind   DeltaInstructionKind
	Offset uint32 // only meaningful for DeltaCopy
	Size   uint32
}

// readByter is the minimal surface readDeltaInstruction needs; both
// bufio.Reader and bytes.Reader satisfy it.
type readByter interface {
	io.Reader
	ReadByte() (byte, error)
}

// readDeltaInstruction reads and decodes a single instruction from r.
//
// The opcode byte's top bit selects the kind:
//   - 0xxxxxxx: Insert. The low 7 bits are the size (1-127, inline
//     bytes follow in the delta body). A size of 0 never occurs.
//   - 1xxxxxxx: Copy. Bits 0-3 (if set) each gate one little-endian
//     byte of Offset; bits 4-6 (if set) each gate one little-endian
//     byte of Size. Any gated byte that's absent contributes 0. A
//     decoded Size of 0 means 0x10000 (64KiB), the only value that
//     can't be represented directly.
func readDeltaInstruction(r readByter) (DeltaInstruction, error) {
	op, err := r.ReadByte()
	if err != nil {
		return DeltaInstruction{}, err
	}

	if op&0x80 == 0 {
		size := op & 0x7f
		if size == 0 {
			return DeltaInstruction{}, xerrors.Errorf("insert opcode with size 0: %w", ErrDeltaCorrupt)
		}
		return DeltaInstruction{Kind: DeltaInsert, Size: uint32(size)}, nil
	}

	var offset, size uint32
	for i, bit := range []byte{0x01, 0x02, 0x04, 0x08} {
		if op&bit != 0 {
			b, err := r.ReadByte()
			if err != nil {
				return DeltaInstruction{}, xerrors.Errorf("could not read copy offset byte %d: %w", i, err)
			}
			offset |= uint32(b) << (8 * i)
		}
	}
	for i, bit := range []byte{0x10, 0x20, 0x40} {
		if op&bit != 0 {
			b, err := r.ReadByte()
			if err != nil {
				return DeltaInstruction{}, xerrors.Errorf("could not read copy size byte %d: %w", i, err)
			}
			size |= uint32(b) << (8 * i)
		}
	}
	if size == 0 {
		size = 0x10000
	}
	return DeltaInstruction{Kind: DeltaCopy, Offset: offset, Size: size}, nil
}

// readDeltaBodySize reads one of the two varints that prefix a delta
// program (base length, then result length): 7 bits per byte,
// little-endian, continuing while the MSB is set.
func readDeltaBodySize(r readByter) (uint64, error) {
	var size uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, xerrors.Errorf("could not read size varint: %w", err)
		}
		size |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return size, nil
		}
		shift += 7
	}
}
