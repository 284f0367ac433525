// Package identity manages a node's long-term Ed25519 keypair. A recorded
// seed derives the same keypair on every start so peer IDs stay stable across
// restarts; without a seed a fresh random key is generated. The key doubles
// as the libp2p node identity and as the object store's owner signer.
package identity

import (
	cryptorand "crypto/rand"
	"fmt"
	mathrand "math/rand"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// FromSeed deterministically derives an Ed25519 keypair from seed.
func FromSeed(seed uint64) (crypto.PrivKey, error) {
	r := mathrand.New(mathrand.NewSource(int64(seed)))
	priv, _, err := crypto.GenerateEd25519Key(r)
	if err != nil {
		return nil, fmt.Errorf("identity: derive keypair from seed: %w", err)
	}
	return priv, nil
}

// Generate creates a fresh random Ed25519 keypair.
func Generate() (crypto.PrivKey, error) {
	priv, _, err := crypto.GenerateEd25519Key(cryptorand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	return priv, nil
}

// PeerID derives the libp2p peer ID for a keypair.
func PeerID(priv crypto.PrivKey) (peer.ID, error) {
	id, err := peer.IDFromPublicKey(priv.GetPublic())
	if err != nil {
		return "", fmt.Errorf("identity: derive peer id: %w", err)
	}
	return id, nil
}

// Marshal encodes the private key in the libp2p protobuf envelope, the format
// persisted in a node's keypair file.
func Marshal(priv crypto.PrivKey) ([]byte, error) {
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("identity: marshal keypair: %w", err)
	}
	return raw, nil
}

// Unmarshal decodes a private key from its protobuf envelope.
func Unmarshal(raw []byte) (crypto.PrivKey, error) {
	priv, err := crypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("identity: unmarshal keypair: %w", err)
	}
	return priv, nil
}

// Sign produces the owner signature over a message (a fingerprint digest for
// delete authorization).
func Sign(priv crypto.PrivKey, msg []byte) ([]byte, error) {
	sig, err := priv.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("identity: sign: %w", err)
	}
	return sig, nil
}

// Verify checks sig over msg against the public key embedded in the peer ID.
// Ed25519 peer IDs are identity multihashes, so the key is always
// recoverable.
func Verify(id peer.ID, msg, sig []byte) (bool, error) {
	pub, err := id.ExtractPublicKey()
	if err != nil {
		return false, fmt.Errorf("identity: extract public key from %s: %w", id, err)
	}
	ok, err := pub.Verify(msg, sig)
	if err != nil {
		return false, fmt.Errorf("identity: verify: %w", err)
	}
	return ok, nil
}
