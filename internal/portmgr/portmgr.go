// Package portmgr creates and destroys data-plane ports and delivers
// inbound frames to a packet handler.
//
// A port binds a switch port number to a host network interface. The
// Linux implementation opens an AF_PACKET socket per port; tests use
// the in-memory double in portmgrtest.
package portmgr

import (
	"errors"

	"golang.org/x/sys/unix"
)

var (
	ErrPortExists      = errors.New("port number already in use")
	ErrNoSuchPort      = errors.New("no such port")
	ErrNoSuchInterface = errors.New("no such network interface")
	ErrInterfaceBusy   = errors.New("interface already attached to a port")
	ErrClosed          = errors.New("port manager closed")
)

// PacketHandler receives one inbound frame. The frame slice is only
// valid for the duration of the call.
type PacketHandler func(port uint16, frame []byte)

// Manager is the port I/O surface the switch core drives.
type Manager interface {
	// AddInterface attaches the named interface as port. A non-empty
	// pcapPath enables capture of received frames to that file.
	AddInterface(name string, port uint16, pcapPath string) error

	// RemoveInterface detaches port and releases its resources.
	RemoveInterface(port uint16) error

	// Send transmits frame out of port.
	Send(port uint16, frame []byte) error

	// SetPacketHandler installs the inbound frame callback. Frames
	// received before a handler is installed are dropped.
	SetPacketHandler(h PacketHandler)

	// Close detaches every port.
	Close() error
}

// Status converts a port manager error into the signed status carried
// in control channel responses: 0 on success, a negative errno value
// otherwise.
func Status(err error) int32 {
	if err == nil {
		return 0
	}
	switch {
	case errors.Is(err, ErrPortExists):
		return -int32(unix.EEXIST)
	case errors.Is(err, ErrNoSuchPort):
		return -int32(unix.ENOENT)
	case errors.Is(err, ErrNoSuchInterface):
		return -int32(unix.ENODEV)
	case errors.Is(err, ErrInterfaceBusy):
		return -int32(unix.EBUSY)
	case errors.Is(err, ErrClosed):
		return -int32(unix.ESHUTDOWN)
	}
	var errno unix.Errno
	if errors.As(err, &errno) && errno != 0 {
		return -int32(errno)
	}
	return -int32(unix.EIO)
}
