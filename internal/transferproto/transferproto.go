// Package transferproto implements the binary request/response codec spoken
// on the object transfer stream protocol. Two message kinds exist, each a
// request/reply pair sharing a leading tag byte:
//
//	FetchRequest  := tag=0x01 || fingerprint[32]
//	FetchReply    := tag=0x01 || status(1) || [len(u32, big-endian) || bytes]
//	DeleteRequest := tag=0x02 || fingerprint[32] || sig_len(u16) || signature
//	DeleteReply   := tag=0x02 || status(1) || success_count(u32)
//
// A reply payload is present only for status Ok. Any unknown tag or status
// byte is a framing error and terminates the stream.
package transferproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/liberum-neto/liberum/internal/fingerprint"
)

// ProtocolID names the libp2p stream protocol carrying this codec.
const ProtocolID = "/liberum/transfer/1.0.0"

// Message tags.
const (
	TagFetch  byte = 0x01
	TagDelete byte = 0x02
)

// Status codes carried in replies.
const (
	StatusOK       byte = 0
	StatusAbsent   byte = 1
	StatusNotOwner byte = 2
	StatusBusy     byte = 3
)

// DefaultMaxMessageSize bounds a fetched object payload.
const DefaultMaxMessageSize = 64 << 20

// ErrFraming reports a malformed frame; the stream must be closed.
var ErrFraming = errors.New("transferproto: protocol framing error")

// FetchRequest asks a provider for the object named by Fingerprint.
type FetchRequest struct {
	Fingerprint fingerprint.Fingerprint
}

// FetchReply answers a FetchRequest. Data is set only for StatusOK.
type FetchReply struct {
	Status byte
	Data   []byte
}

// DeleteRequest asks a provider to drop the object named by Fingerprint. The
// signature is the requester's signature over the raw digest and proves
// ownership.
type DeleteRequest struct {
	Fingerprint fingerprint.Fingerprint
	Signature   []byte
}

// DeleteReply answers a DeleteRequest. SuccessCount reports how many
// replicas the provider removed (meaningful for StatusOK).
type DeleteReply struct {
	Status       byte
	SuccessCount uint32
}

func validStatus(s byte) bool {
	return s <= StatusBusy
}

// WriteRequest encodes req, which must be a FetchRequest or DeleteRequest.
func WriteRequest(w io.Writer, req any) error {
	switch r := req.(type) {
	case FetchRequest:
		buf := make([]byte, 1+fingerprint.Size)
		buf[0] = TagFetch
		copy(buf[1:], r.Fingerprint.Bytes())
		_, err := w.Write(buf)
		return err
	case DeleteRequest:
		if len(r.Signature) > 0xFFFF {
			return fmt.Errorf("transferproto: signature too long: %d bytes", len(r.Signature))
		}
		buf := make([]byte, 1+fingerprint.Size+2+len(r.Signature))
		buf[0] = TagDelete
		copy(buf[1:], r.Fingerprint.Bytes())
		binary.BigEndian.PutUint16(buf[1+fingerprint.Size:], uint16(len(r.Signature)))
		copy(buf[1+fingerprint.Size+2:], r.Signature)
		_, err := w.Write(buf)
		return err
	default:
		return fmt.Errorf("transferproto: unsupported request type %T", req)
	}
}

// ReadRequest decodes the next request from r, returning a FetchRequest or
// DeleteRequest.
func ReadRequest(r io.Reader) (any, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return nil, err
	}
	switch tag[0] {
	case TagFetch:
		var req FetchRequest
		if _, err := io.ReadFull(r, req.Fingerprint[:]); err != nil {
			return nil, fmt.Errorf("%w: truncated fetch request", ErrFraming)
		}
		return req, nil
	case TagDelete:
		var req DeleteRequest
		if _, err := io.ReadFull(r, req.Fingerprint[:]); err != nil {
			return nil, fmt.Errorf("%w: truncated delete request", ErrFraming)
		}
		var l [2]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return nil, fmt.Errorf("%w: truncated signature length", ErrFraming)
		}
		req.Signature = make([]byte, binary.BigEndian.Uint16(l[:]))
		if _, err := io.ReadFull(r, req.Signature); err != nil {
			return nil, fmt.Errorf("%w: truncated signature", ErrFraming)
		}
		return req, nil
	default:
		return nil, fmt.Errorf("%w: unknown request tag 0x%02x", ErrFraming, tag[0])
	}
}

// WriteFetchReply encodes rep. The payload section is emitted only for
// StatusOK.
func WriteFetchReply(w io.Writer, rep FetchReply) error {
	if !validStatus(rep.Status) {
		return fmt.Errorf("%w: invalid status 0x%02x", ErrFraming, rep.Status)
	}
	header := []byte{TagFetch, rep.Status}
	if rep.Status != StatusOK {
		_, err := w.Write(header)
		return err
	}
	buf := make([]byte, 2+4+len(rep.Data))
	copy(buf, header)
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(rep.Data)))
	copy(buf[6:], rep.Data)
	_, err := w.Write(buf)
	return err
}

// ReadFetchReply decodes a FetchReply, refusing payloads above maxSize.
func ReadFetchReply(r io.Reader, maxSize uint32) (FetchReply, error) {
	var rep FetchReply
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return rep, fmt.Errorf("%w: truncated fetch reply", ErrFraming)
	}
	if head[0] != TagFetch {
		return rep, fmt.Errorf("%w: unexpected reply tag 0x%02x", ErrFraming, head[0])
	}
	if !validStatus(head[1]) {
		return rep, fmt.Errorf("%w: unknown status 0x%02x", ErrFraming, head[1])
	}
	rep.Status = head[1]
	if rep.Status != StatusOK {
		return rep, nil
	}
	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return rep, fmt.Errorf("%w: truncated payload length", ErrFraming)
	}
	n := binary.BigEndian.Uint32(l[:])
	if n > maxSize {
		return rep, fmt.Errorf("%w: payload of %d bytes exceeds limit %d", ErrFraming, n, maxSize)
	}
	rep.Data = make([]byte, n)
	if _, err := io.ReadFull(r, rep.Data); err != nil {
		return rep, fmt.Errorf("%w: truncated payload", ErrFraming)
	}
	return rep, nil
}

// WriteDeleteReply encodes rep.
func WriteDeleteReply(w io.Writer, rep DeleteReply) error {
	if !validStatus(rep.Status) {
		return fmt.Errorf("%w: invalid status 0x%02x", ErrFraming, rep.Status)
	}
	buf := make([]byte, 2+4)
	buf[0] = TagDelete
	buf[1] = rep.Status
	binary.BigEndian.PutUint32(buf[2:], rep.SuccessCount)
	_, err := w.Write(buf)
	return err
}

// ReadDeleteReply decodes a DeleteReply.
func ReadDeleteReply(r io.Reader) (DeleteReply, error) {
	var rep DeleteReply
	var buf [6]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return rep, fmt.Errorf("%w: truncated delete reply", ErrFraming)
	}
	if buf[0] != TagDelete {
		return rep, fmt.Errorf("%w: unexpected reply tag 0x%02x", ErrFraming, buf[0])
	}
	if !validStatus(buf[1]) {
		return rep, fmt.Errorf("%w: unknown status 0x%02x", ErrFraming, buf[1])
	}
	rep.Status = buf[1]
	rep.SuccessCount = binary.BigEndian.Uint32(buf[2:])
	return rep, nil
}
