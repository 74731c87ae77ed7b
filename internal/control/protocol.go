package control

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	swerrors "p4switch/internal/errors"
)

// Message codes. Every frame starts with one of these bytes; the rest
// of the frame is fixed width and little-endian.
const (
	CodeAddPort byte = 0x01
	CodeDelPort byte = 0x02
	CodeStatus  byte = 0x03
)

// IfaceLen is the width of the NUL-padded interface name field.
const IfaceLen = 128

// Body sizes, excluding the code byte.
const (
	addPortBodyLen = 8 + IfaceLen + 2
	delPortBodyLen = 8 + IfaceLen
	statusBodyLen  = 8 + 4
)

// Request is a decoded control request.
type Request interface {
	ID() uint64
}

// AddPort asks the switch to attach Interface as port Port.
type AddPort struct {
	RequestID uint64
	Interface string
	Port      uint16
}

// DelPort asks the switch to detach a port. The port number travels as
// a decimal string in the interface field.
type DelPort struct {
	RequestID uint64
	Interface string
}

// Status answers a request. Negative codes are errno values.
type Status struct {
	RequestID uint64
	Code      int32
}

func (m AddPort) ID() uint64 { return m.RequestID }
func (m DelPort) ID() uint64 { return m.RequestID }

// Port parses the decimal port number carried in the interface field.
func (m DelPort) Port() (uint16, error) {
	n, err := strconv.ParseUint(m.Interface, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: del-port field %q is not a port number", swerrors.ErrMalformedFrame, m.Interface)
	}
	return uint16(n), nil
}

// MarshalBinary encodes the frame, truncating long names.
func (m AddPort) MarshalBinary() ([]byte, error) {
	b := make([]byte, 1+addPortBodyLen)
	b[0] = CodeAddPort
	binary.LittleEndian.PutUint64(b[1:], m.RequestID)
	putIface(b[9:9+IfaceLen], m.Interface)
	binary.LittleEndian.PutUint16(b[9+IfaceLen:], m.Port)
	return b, nil
}

// MarshalBinary encodes the frame, truncating long names.
func (m DelPort) MarshalBinary() ([]byte, error) {
	b := make([]byte, 1+delPortBodyLen)
	b[0] = CodeDelPort
	binary.LittleEndian.PutUint64(b[1:], m.RequestID)
	putIface(b[9:9+IfaceLen], m.Interface)
	return b, nil
}

// MarshalBinary encodes the frame.
func (m Status) MarshalBinary() ([]byte, error) {
	b := make([]byte, 1+statusBodyLen)
	b[0] = CodeStatus
	binary.LittleEndian.PutUint64(b[1:], m.RequestID)
	binary.LittleEndian.PutUint32(b[9:], uint32(m.Code))
	return b, nil
}

// ReadRequest reads one request frame. A clean end of stream before
// the code byte returns io.EOF. Unknown codes return an error wrapping
// ErrUnknownCode without consuming anything further; truncated bodies
// wrap ErrMalformedFrame.
func ReadRequest(r io.Reader) (Request, error) {
	var code [1]byte
	if _, err := io.ReadFull(r, code[:]); err != nil {
		return nil, err
	}

	switch code[0] {
	case CodeAddPort:
		var body [addPortBodyLen]byte
		if err := readBody(r, body[:]); err != nil {
			return nil, err
		}
		return AddPort{
			RequestID: binary.LittleEndian.Uint64(body[0:]),
			Interface: getIface(body[8 : 8+IfaceLen]),
			Port:      binary.LittleEndian.Uint16(body[8+IfaceLen:]),
		}, nil

	case CodeDelPort:
		var body [delPortBodyLen]byte
		if err := readBody(r, body[:]); err != nil {
			return nil, err
		}
		return DelPort{
			RequestID: binary.LittleEndian.Uint64(body[0:]),
			Interface: getIface(body[8 : 8+IfaceLen]),
		}, nil
	}
	return nil, fmt.Errorf("%w %#02x", swerrors.ErrUnknownCode, code[0])
}

// ReadStatus reads one status frame.
func ReadStatus(r io.Reader) (Status, error) {
	var b [1 + statusBodyLen]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Status{}, err
	}
	if b[0] != CodeStatus {
		return Status{}, fmt.Errorf("%w %#02x", swerrors.ErrUnknownCode, b[0])
	}
	return Status{
		RequestID: binary.LittleEndian.Uint64(b[1:]),
		Code:      int32(binary.LittleEndian.Uint32(b[9:])),
	}, nil
}

// WriteStatus writes one status frame.
func WriteStatus(w io.Writer, s Status) error {
	b, _ := s.MarshalBinary()
	_, err := w.Write(b)
	return err
}

func readBody(r io.Reader, body []byte) error {
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return fmt.Errorf("%w: truncated frame", swerrors.ErrMalformedFrame)
		}
		return err
	}
	return nil
}

// putIface copies name into a zeroed field, always leaving room for a
// terminating NUL.
func putIface(field []byte, name string) {
	if len(name) > len(field)-1 {
		name = name[:len(field)-1]
	}
	copy(field, name)
}

func getIface(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}
