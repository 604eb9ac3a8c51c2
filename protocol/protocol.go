// Package protocol implements the frame protocol spoken between irpc clients and providers.
//
// Every frame is a fixed 14-byte header followed by a variable-length body.
// The receiver reads the header first to learn the body length, then reads
// exactly that many bytes.
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ irp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// Heartbeat frames travel in both directions: a client sends one with a fresh
// seq as a liveness probe and the provider echoes it back with the same seq.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Version    byte = 0x01
	HeaderSize      = 14

	// MaxBodyLen bounds a single frame so a corrupt header cannot trigger a huge allocation.
	MaxBodyLen uint32 = 16 << 20
)

// Magic opens every frame.
var Magic = [3]byte{'i', 'r', 'p'}

// ErrInvalidFrame wraps every header validation failure. The connection is
// out of sync once it is returned and must be closed.
var ErrInvalidFrame = errors.New("protocol: invalid frame")

type MsgType byte

const (
	MsgTypeRequest   MsgType = 0
	MsgTypeResponse  MsgType = 1
	MsgTypeHeartbeat MsgType = 2
)

func (t MsgType) valid() bool {
	return t <= MsgTypeHeartbeat
}

// Codec type constants, mirrored from the codec package to avoid an import cycle.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header is the fixed part of a frame.
type Header struct {
	CodecType byte
	MsgType   MsgType
	Seq       uint32 // Matches a response to its request on a multiplexed connection
	BodyLen   uint32 // Set by Encode from the body
}

func (h *Header) put(buf []byte) {
	copy(buf[0:3], Magic[:])
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], h.BodyLen)
}

func parseHeader(buf []byte) (*Header, error) {
	if [3]byte(buf[0:3]) != Magic {
		return nil, fmt.Errorf("%w: invalid magic number %x", ErrInvalidFrame, buf[0:3])
	}
	if buf[3] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidFrame, buf[3])
	}
	h := &Header{
		CodecType: buf[4],
		MsgType:   MsgType(buf[5]),
		Seq:       binary.BigEndian.Uint32(buf[6:10]),
		BodyLen:   binary.BigEndian.Uint32(buf[10:14]),
	}
	if h.CodecType != CodecTypeJSON && h.CodecType != CodecTypeBinary {
		return nil, fmt.Errorf("%w: unsupported codec type %d", ErrInvalidFrame, h.CodecType)
	}
	if !h.MsgType.valid() {
		return nil, fmt.Errorf("%w: unsupported message type %d", ErrInvalidFrame, h.MsgType)
	}
	if h.BodyLen > MaxBodyLen {
		return nil, fmt.Errorf("%w: body too large (%d bytes)", ErrInvalidFrame, h.BodyLen)
	}
	return h, nil
}

// Encode writes header and body to w with a single Write, so concurrent
// writers holding a lock never interleave partial frames.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodyLen {
		return fmt.Errorf("%w: body too large (%d bytes)", ErrInvalidFrame, len(body))
	}
	h.BodyLen = uint32(len(body))
	buf := make([]byte, HeaderSize+len(body))
	h.put(buf)
	copy(buf[HeaderSize:], body)
	_, err := w.Write(buf)
	return err
}

// Decode reads one frame from r.
func Decode(r io.Reader) (*Header, []byte, error) {
	var headerBuf [HeaderSize]byte
	if _, err := io.ReadFull(r, headerBuf[:]); err != nil {
		return nil, nil, err
	}
	h, err := parseHeader(headerBuf[:])
	if err != nil {
		return nil, nil, err
	}
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
