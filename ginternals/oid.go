package ginternals

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"

	"github.com/Nivl/git-go/ginternals/githash"
	"golang.org/x/xerrors"
)

// hasher computes the content hash backing every Oid. git-go only
// supports SHA1, so this is the one Hash implementation ever used, but
// going through githash.Hash instead of calling crypto/sha1 directly
// keeps that a single assumption to change instead of several.
var hasher = githash.NewSHA1()

// OidSize is the amount of bytes an Oid takes once decoded.
// git-go only supports SHA1, so this is a fixed 20 bytes, unlike
// upstream git which is migrating some repositories to SHA256.
const OidSize = 20

// OidHexSize is the length of the hex-encoded, human readable,
// representation of an Oid.
const OidHexSize = OidSize * 2

// ErrInvalidOid is returned when a string or a slice of bytes cannot
// be turned into a valid Oid.
var ErrInvalidOid = xerrors.New("invalid Oid")

// Oid represents the SHA1 of a git object. It's kept as a fixed-size
// array, rather than a slice, so it can be used as a map key and
// compared with ==.
type Oid [OidSize]byte

// NullOid is the zero-value Oid, used to represent "no object".
var NullOid = Oid{}

// NewOidFromStr turns an hex encoded SHA (40 characters, lower or
// upper case) into an Oid.
func NewOidFromStr(sha string) (Oid, error) {
	b, err := hex.DecodeString(sha)
	if err != nil {
		return NullOid, xerrors.Errorf("%s is not valid hex: %w", sha, ErrInvalidOid)
	}
	return NewOidFromBytes(b)
}

// NewOidFromChars turns the ascii-encoded characters of a SHA
// (as they appear in a commit or tag object, for example) into an Oid.
func NewOidFromChars(sha []byte) (Oid, error) {
	return NewOidFromStr(string(sha))
}

// NewOidFromBytes turns the 20 raw bytes of a SHA into an Oid.
func NewOidFromBytes(b []byte) (Oid, error) {
	if len(b) != OidSize {
		return NullOid, xerrors.Errorf("expected %d bytes, got %d: %w", OidSize, len(b), ErrInvalidOid)
	}
	var oid Oid
	copy(oid[:], b)
	return oid, nil
}

// NewOidFromHex is an alias of NewOidFromBytes kept for readers coming
// from tree-entry parsing code, where the 20 bytes are the raw,
// already-decoded SHA (as opposed to its hex text form).
func NewOidFromHex(b []byte) (Oid, error) {
	return NewOidFromBytes(b)
}

// NewOidFromContent returns the Oid of the given content, i.e. the
// SHA1 sum of the bytes.
func NewOidFromContent(data []byte) Oid {
	var oid Oid
	copy(oid[:], hasher.Sum(data).Bytes())
	return oid
}

// String returns the lowercase, 40 characters, hex representation
// of the Oid.
func (o Oid) String() string {
	return hex.EncodeToString(o[:])
}

// Bytes returns the 20 raw bytes backing the Oid.
func (o Oid) Bytes() []byte {
	return o[:]
}

// IsZero returns whether the Oid is the NullOid.
func (o Oid) IsZero() bool {
	return o == NullOid
}

// Compare returns a negative number if o sorts before other, a
// positive number if it sorts after, and 0 if they're equal. Ordering
// is the lexicographic ordering of the raw bytes.
func (o Oid) Compare(other Oid) int {
	return bytes.Compare(o[:], other[:])
}

// ShortHash returns the first 4 bytes of the Oid as a little-endian
// uint32. It's used as a cheap, non-cryptographic bucket key, not as
// a substitute for the full Oid.
func (o Oid) ShortHash() uint32 {
	return binary.LittleEndian.Uint32(o[:4])
}

// LeadingU16 returns the first 2 bytes of the Oid as a big-endian
// uint16.
func (o Oid) LeadingU16() uint16 {
	return binary.BigEndian.Uint16(o[:2])
}
