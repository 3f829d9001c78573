package krpc

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
)

// IDLength is the size of node identifiers and info-hashes.
const IDLength = 20

// ID is a 160-bit node identifier or info-hash.
type ID [IDLength]byte

// ErrInvalidID indicates an identifier of the wrong length.
var ErrInvalidID = errors.New("invalid node id")

// IDFromBytes copies b into an ID. b must be exactly IDLength bytes.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != IDLength {
		return id, fmt.Errorf("%w: %d bytes", ErrInvalidID, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// IDFromHex parses a 40 character hex string.
func IDFromHex(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	return IDFromBytes(b)
}

// RandomID returns an identifier drawn from crypto/rand.
func RandomID() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic("krpc: crypto/rand failed: " + err.Error())
	}
	return id
}

// RandomHashID returns the SHA-1 of random bytes, the form the network uses
// for fresh local identifiers.
func RandomHashID() ID {
	seed := RandomID()
	return ID(sha1.Sum(seed[:]))
}

// String returns the identifier in lower case hex.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether every byte is zero.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Xor returns the XOR distance between id and other.
func (id ID) Xor(other ID) ID {
	var d ID
	for i := range id {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// Cmp compares two identifiers as unsigned 160-bit big-endian integers.
func (id ID) Cmp(other ID) int {
	for i := range id {
		if id[i] < other[i] {
			return -1
		}
		if id[i] > other[i] {
			return 1
		}
	}
	return 0
}

// CloserTo reports whether id is strictly closer to target than other.
func (id ID) CloserTo(target, other ID) bool {
	return id.Xor(target).Cmp(other.Xor(target)) < 0
}

// CommonPrefixLen returns the number of leading bits id shares with other.
func (id ID) CommonPrefixLen(other ID) int {
	for i := range id {
		if x := id[i] ^ other[i]; x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return IDLength * 8
}

// Bit returns bit i counting from the most significant bit.
func (id ID) Bit(i int) byte {
	return (id[i/8] >> (7 - uint(i%8))) & 1
}

// RandomIDWithPrefix returns a random identifier sharing exactly prefixLen
// leading bits with id. For prefixLen >= 160 it returns id.
func RandomIDWithPrefix(id ID, prefixLen int) ID {
	if prefixLen >= IDLength*8 {
		return id
	}
	out := RandomID()
	for i := 0; i < prefixLen; i++ {
		setBit(&out, i, id.Bit(i))
	}
	setBit(&out, prefixLen, id.Bit(prefixLen)^1)
	return out
}

func setBit(id *ID, i int, v byte) {
	mask := byte(1) << (7 - uint(i%8))
	if v == 0 {
		id[i/8] &^= mask
	} else {
		id[i/8] |= mask
	}
}
