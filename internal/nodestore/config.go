package nodestore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/liberum-neto/liberum/internal/fingerprint"
)

// configVersion tags the binary config encoding.
const configVersion = 0x01

// The config record is a versioned, compact binary encoding:
//
//	version(1)
//	bootstrap_count(u16) { id_len(u16) || id || addr_len(u16) || addr-text }*
//	external_count(u16)  { addr_len(u16) || addr-text }*
//	owned_count(u16)     { fingerprint[32] }*
//
// all integers big-endian. Readers tolerate records that end after any
// complete section; missing trailing sections default to empty, which keeps
// configs written by older daemons loadable.

func encodeConfig(m *Manifest) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(configVersion)

	if err := writeCount(&buf, len(m.Bootstrap)); err != nil {
		return nil, err
	}
	for _, bp := range m.Bootstrap {
		if err := writeBlob(&buf, []byte(bp.ID)); err != nil {
			return nil, fmt.Errorf("bootstrap peer id: %w", err)
		}
		if err := writeBlob(&buf, []byte(bp.Addr.String())); err != nil {
			return nil, fmt.Errorf("bootstrap address: %w", err)
		}
	}

	if err := writeCount(&buf, len(m.ExternalAddrs)); err != nil {
		return nil, err
	}
	for _, addr := range m.ExternalAddrs {
		if err := writeBlob(&buf, []byte(addr.String())); err != nil {
			return nil, fmt.Errorf("external address: %w", err)
		}
	}

	if err := writeCount(&buf, len(m.OwnedObjects)); err != nil {
		return nil, err
	}
	for _, fp := range m.OwnedObjects {
		buf.Write(fp.Bytes())
	}

	return buf.Bytes(), nil
}

func decodeConfig(payload []byte, m *Manifest) error {
	if len(payload) < 1 {
		return fmt.Errorf("empty config record")
	}
	if payload[0] != configVersion {
		return fmt.Errorf("unsupported config version 0x%02x", payload[0])
	}
	r := bytes.NewReader(payload[1:])

	n, err := readCount(r)
	if err != nil {
		return sectionEOF(err)
	}
	for i := 0; i < n; i++ {
		idRaw, err := readBlob(r)
		if err != nil {
			return fmt.Errorf("bootstrap peer %d: %w", i, err)
		}
		addrRaw, err := readBlob(r)
		if err != nil {
			return fmt.Errorf("bootstrap address %d: %w", i, err)
		}
		addr, err := ma.NewMultiaddr(string(addrRaw))
		if err != nil {
			return fmt.Errorf("bootstrap address %d: %w", i, err)
		}
		m.Bootstrap = append(m.Bootstrap, BootstrapPeer{ID: peer.ID(idRaw), Addr: addr})
	}

	n, err = readCount(r)
	if err != nil {
		return sectionEOF(err)
	}
	for i := 0; i < n; i++ {
		addrRaw, err := readBlob(r)
		if err != nil {
			return fmt.Errorf("external address %d: %w", i, err)
		}
		addr, err := ma.NewMultiaddr(string(addrRaw))
		if err != nil {
			return fmt.Errorf("external address %d: %w", i, err)
		}
		m.ExternalAddrs = append(m.ExternalAddrs, addr)
	}

	n, err = readCount(r)
	if err != nil {
		return sectionEOF(err)
	}
	for i := 0; i < n; i++ {
		var fp fingerprint.Fingerprint
		if _, err := io.ReadFull(r, fp[:]); err != nil {
			return fmt.Errorf("owned fingerprint %d: %w", i, err)
		}
		m.OwnedObjects = append(m.OwnedObjects, fp)
	}

	return nil
}

// sectionEOF maps a clean end-of-record before an optional section to
// success, anything else to the underlying error.
func sectionEOF(err error) error {
	if err == io.EOF {
		return nil
	}
	return err
}

func writeCount(buf *bytes.Buffer, n int) error {
	if n > 0xFFFF {
		return fmt.Errorf("section too large: %d entries", n)
	}
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(n))
	buf.Write(b[:])
	return nil
}

func readCount(r *bytes.Reader) (int, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return 0, io.EOF
		}
		return 0, err
	}
	return int(binary.BigEndian.Uint16(b[:])), nil
}

func writeBlob(buf *bytes.Buffer, raw []byte) error {
	if len(raw) > 0xFFFF {
		return fmt.Errorf("blob too large: %d bytes", len(raw))
	}
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(len(raw)))
	buf.Write(b[:])
	buf.Write(raw)
	return nil
}

func readBlob(r *bytes.Reader) ([]byte, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return nil, err
	}
	raw := make([]byte, binary.BigEndian.Uint16(b[:]))
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}
	return raw, nil
}
