package objectstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// metaVersion tags the sidecar encoding so future formats can coexist.
const metaVersion = 0x01

// Meta is the sidecar record kept next to each blob.
type Meta struct {
	// Owner is the peer ID that published the object.
	Owner peer.ID
	// PublishedAt is when the object was first stored here.
	PublishedAt time.Time
	// RefCount counts logical publications. Zero marks a cached copy
	// obtained via download.
	RefCount uint32
}

// encode renders the versioned binary sidecar record:
//
//	version(1) || owner_len(u16) || owner || published_unixnano(i64) || refcount(u32)
//
// all integers big-endian.
func (m *Meta) encode() ([]byte, error) {
	owner := []byte(m.Owner)
	if len(owner) > 0xFFFF {
		return nil, fmt.Errorf("owner id too long: %d bytes", len(owner))
	}
	var buf bytes.Buffer
	buf.WriteByte(metaVersion)
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(owner)))
	buf.Write(l[:])
	buf.Write(owner)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(m.PublishedAt.UnixNano()))
	buf.Write(ts[:])
	var rc [4]byte
	binary.BigEndian.PutUint32(rc[:], m.RefCount)
	buf.Write(rc[:])
	return buf.Bytes(), nil
}

func decodeMeta(payload []byte) (*Meta, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("empty record")
	}
	if payload[0] != metaVersion {
		return nil, fmt.Errorf("unsupported record version 0x%02x", payload[0])
	}
	rest := payload[1:]
	if len(rest) < 2 {
		return nil, fmt.Errorf("truncated owner length")
	}
	ownerLen := int(binary.BigEndian.Uint16(rest[:2]))
	rest = rest[2:]
	if len(rest) < ownerLen+8+4 {
		return nil, fmt.Errorf("truncated record")
	}
	owner := peer.ID(rest[:ownerLen])
	rest = rest[ownerLen:]
	ns := int64(binary.BigEndian.Uint64(rest[:8]))
	refCount := binary.BigEndian.Uint32(rest[8:12])
	return &Meta{
		Owner:       owner,
		PublishedAt: time.Unix(0, ns).UTC(),
		RefCount:    refCount,
	}, nil
}
