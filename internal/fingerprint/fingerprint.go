// Package fingerprint defines the canonical content identifier used across
// the daemon: the 32-byte BLAKE3 hash of an object's bytes, presented
// base58-encoded. Fingerprints double as DHT keys via a raw CIDv1 with a
// BLAKE3 multihash.
package fingerprint

import (
	"bytes"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/mr-tron/base58"
	mh "github.com/multiformats/go-multihash"
	"lukechampine.com/blake3"
)

// Size is the length of a fingerprint in bytes.
const Size = 32

// Fingerprint is the BLAKE3 hash of an object's bytes.
type Fingerprint [Size]byte

// FromBytes computes the fingerprint of data.
func FromBytes(data []byte) Fingerprint {
	return Fingerprint(blake3.Sum256(data))
}

// Parse decodes a base58 fingerprint string.
func Parse(s string) (Fingerprint, error) {
	var fp Fingerprint
	raw, err := base58.Decode(s)
	if err != nil {
		return fp, fmt.Errorf("fingerprint: decode %q: %w", s, err)
	}
	if len(raw) != Size {
		return fp, fmt.Errorf("fingerprint: expected %d bytes, got %d", Size, len(raw))
	}
	copy(fp[:], raw)
	return fp, nil
}

// String returns the base58 text form.
func (f Fingerprint) String() string {
	return base58.Encode(f[:])
}

// Bytes returns the raw digest.
func (f Fingerprint) Bytes() []byte {
	return f[:]
}

// Matches reports whether data hashes to this fingerprint.
func (f Fingerprint) Matches(data []byte) bool {
	sum := blake3.Sum256(data)
	return bytes.Equal(sum[:], f[:])
}

// DHTKey maps the fingerprint to its Kademlia key: a raw CIDv1 wrapping the
// digest as a BLAKE3 multihash. The digest is already uniformly distributed,
// so no further hashing happens on the DHT side.
func (f Fingerprint) DHTKey() (cid.Cid, error) {
	encoded, err := mh.Encode(f[:], mh.BLAKE3)
	if err != nil {
		return cid.Undef, fmt.Errorf("fingerprint: multihash encode: %w", err)
	}
	return cid.NewCidV1(cid.Raw, encoded), nil
}
