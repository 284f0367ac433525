package api

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize bounds one control frame. Object payloads travel inside
// frames, so the bound sits above the transfer protocol's default object
// limit.
const MaxFrameSize = 80 << 20

// WriteFrame encodes v as one length-prefixed JSON frame.
func WriteFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("api: encode frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("api: frame of %d bytes exceeds limit", len(payload))
	}
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(payload)))
	if _, err := w.Write(l[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame decodes the next frame into v.
func ReadFrame(r io.Reader, v any) error {
	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(l[:])
	if n > MaxFrameSize {
		return fmt.Errorf("api: frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("api: decode frame: %w", err)
	}
	return nil
}
