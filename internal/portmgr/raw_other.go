//go:build !linux

package portmgr

import (
	"errors"

	"p4switch/internal/metrics"
	"p4switch/util"
)

var errUnsupported = errors.New("raw packet ports need Linux")

// RawManager is unavailable off Linux; every attach fails.
type RawManager struct{}

// NewRaw returns a RawManager that rejects every port.
func NewRaw(*util.Logger, *metrics.Collector) *RawManager { return &RawManager{} }

func (*RawManager) AddInterface(string, uint16, string) error { return errUnsupported }
func (*RawManager) RemoveInterface(uint16) error              { return ErrNoSuchPort }
func (*RawManager) Send(uint16, []byte) error                 { return ErrNoSuchPort }
func (*RawManager) SetPacketHandler(PacketHandler)            {}
func (*RawManager) Close() error                              { return nil }

// EnsureVethPair always fails off Linux.
func EnsureVethPair(string, string) error { return errUnsupported }
