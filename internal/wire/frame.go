// Package wire implements the command codec carried over the tunnel
// transport: an ordered tuple of opaque byte strings, with a single
// command byte as the first non-routing part.
package wire

import (
	"encoding/binary"
	"errors"

	"github.com/valyala/bytebufferpool"
)

// Command identifies the kind of a Frame.
type Command byte

const (
	CmdHeartbeat Command = 0x00
	CmdLogon     Command = 0x01 // reserved, not emitted by the current design
	CmdLogout    Command = 0x02 // reserved, not emitted by the current design
	CmdException Command = 0x03
	CmdRelay     Command = 0x04
)

func (c Command) String() string {
	switch c {
	case CmdHeartbeat:
		return "HEARTBEAT"
	case CmdLogon:
		return "LOGON"
	case CmdLogout:
		return "LOGOUT"
	case CmdException:
		return "EXCEPTION"
	case CmdRelay:
		return "RELAY"
	default:
		return "UNKNOWN"
	}
}

// ErrMalformedFrame is returned by Unmarshal when a frame cannot be
// decoded per the wire layout in spec §4.1.
var ErrMalformedFrame = errors.New("wire: malformed frame")

// maxFrameSize bounds a single decoded frame, guarding against a
// corrupt or hostile length field. Mirrors the teacher's packet cap.
const maxFrameSize = 1 << 26 // 64MiB

// Frame is one message on the tunnel transport, stripped of the leading
// empty routing delimiter and (on the server's accepting side) the
// peer-identity part the transport prepends automatically.
type Frame struct {
	Command Command
	Args    [][]byte
}

// Heartbeat builds a HEARTBEAT frame.
func Heartbeat() *Frame {
	return &Frame{Command: CmdHeartbeat}
}

// Exception builds an EXCEPTION frame carrying a UTF-8 message.
func Exception(message string) *Frame {
	return &Frame{Command: CmdException, Args: [][]byte{[]byte(message)}}
}

// Relay builds a RELAY frame carrying a client address and payload.
// Payload must be non-empty: EOF is signalled by session teardown, not
// by an empty RELAY frame.
func Relay(clientAddr, payload []byte) *Frame {
	return &Frame{Command: CmdRelay, Args: [][]byte{clientAddr, payload}}
}

// ClientAddr returns the client_addr argument of a RELAY frame.
func (f *Frame) ClientAddr() []byte {
	return f.Args[0]
}

// Payload returns the payload argument of a RELAY frame.
func (f *Frame) Payload() []byte {
	return f.Args[1]
}

// Message returns the text argument of an EXCEPTION frame.
func (f *Frame) Message() string {
	return string(f.Args[0])
}

// Validate enforces the per-command shape rules of spec §4.1.
func (f *Frame) Validate() error {
	switch f.Command {
	case CmdHeartbeat, CmdLogon, CmdLogout:
		return nil
	case CmdException:
		if len(f.Args) < 1 {
			return ErrMalformedFrame
		}
		return nil
	case CmdRelay:
		if len(f.Args) < 2 {
			return ErrMalformedFrame
		}
		if len(f.Args[1]) == 0 {
			return ErrMalformedFrame
		}
		return nil
	default:
		return ErrMalformedFrame
	}
}

// Marshal encodes a frame as: 1 command byte, 2-byte big-endian arg
// count, then per arg a 4-byte big-endian length followed by the bytes.
func Marshal(f *Frame) []byte {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.WriteByte(byte(f.Command))

	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[:2], uint16(len(f.Args)))
	buf.Write(hdr[:2])

	for _, arg := range f.Args {
		binary.BigEndian.PutUint32(hdr[:], uint32(len(arg)))
		buf.Write(hdr[:])
		buf.Write(arg)
	}

	out := make([]byte, len(buf.B))
	copy(out, buf.B)
	return out
}

// Unmarshal decodes a single message produced by Marshal and validates
// it per spec §4.1, returning ErrMalformedFrame on any violation.
func Unmarshal(data []byte) (*Frame, error) {
	if len(data) < 3 {
		return nil, ErrMalformedFrame
	}
	cmd := Command(data[0])
	count := int(binary.BigEndian.Uint16(data[1:3]))
	off := 3

	args := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if off+4 > len(data) {
			return nil, ErrMalformedFrame
		}
		n := int(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
		if n < 0 || n > maxFrameSize || off+n > len(data) {
			return nil, ErrMalformedFrame
		}
		args = append(args, data[off:off+n])
		off += n
	}
	if off != len(data) {
		return nil, ErrMalformedFrame
	}

	f := &Frame{Command: cmd, Args: args}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}
