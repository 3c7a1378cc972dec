package merkle

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

const HashSize = 32

// Domain separation prefixes. A leaf can never be reinterpreted as an internal node and
// neither can be confused with the empty sentinel.
const (
	leafPrefix  byte = 0x00
	nodePrefix  byte = 0x01
	emptyPrefix byte = 0x02
)

// Hash is a SHA-256 digest, rendered as base58 in text form.
type Hash [HashSize]byte

// EmptySentinel pads the last node of an odd-sized level.
var EmptySentinel = Hash(sha256.Sum256(append([]byte{emptyPrefix}, []byte("mevdist:empty")...)))

func (h Hash) String() string {
	return base58.Encode(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := HashFromBase58(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

func HashFromBase58(s string) (Hash, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid base58 hash %q: %w", s, err)
	}
	if len(b) != HashSize {
		return Hash{}, fmt.Errorf("invalid hash length %d for %q, expected %d", len(b), s, HashSize)
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}

// LeafHash commits to a claimant, the amount it may claim and its position in the tree.
func LeafHash(claimant solana.PublicKey, amount, index uint64) Hash {
	var buf [1 + solana.PublicKeyLength + 8 + 8]byte
	buf[0] = leafPrefix
	copy(buf[1:], claimant[:])
	binary.LittleEndian.PutUint64(buf[1+solana.PublicKeyLength:], amount)
	binary.LittleEndian.PutUint64(buf[1+solana.PublicKeyLength+8:], index)
	return sha256.Sum256(buf[:])
}

// NodeHash combines a left and right child. Order matters.
func NodeHash(left, right Hash) Hash {
	var buf [1 + 2*HashSize]byte
	buf[0] = nodePrefix
	copy(buf[1:], left[:])
	copy(buf[1+HashSize:], right[:])
	return sha256.Sum256(buf[:])
}
