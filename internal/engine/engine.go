// Package engine connects inbound data-plane frames to the packet
// processing pipeline.
//
// The pipeline itself is external to the switch node. This package
// defines the contract it must satisfy and ships a Tracer that logs
// every frame before handing it on, which is also what a node runs
// when no pipeline is linked in.
package engine

import (
	"fmt"
	"strings"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/header"

	"p4switch/internal/metrics"
	"p4switch/internal/portmgr"
	"p4switch/util"
)

// Engine processes one frame received on an ingress port and returns
// the pipeline's verdict. Implementations must be safe for concurrent
// use: every port delivers from its own goroutine.
type Engine interface {
	Process(port uint16, frame []byte) int
}

// Func adapts an ordinary function to the Engine interface.
type Func func(port uint16, frame []byte) int

// Process calls f(port, frame).
func (f Func) Process(port uint16, frame []byte) int { return f(port, frame) }

// previewLen is how many leading bytes of each frame are logged.
const previewLen = 16

// Tracer logs frames and forwards them to the next Engine.
type Tracer struct {
	next    Engine
	logger  *util.Logger
	metrics *metrics.Collector
}

// NewTracer returns a Tracer in front of next. A nil next makes the
// tracer terminal; it then reports 0 for every frame.
func NewTracer(next Engine, logger *util.Logger, m *metrics.Collector) *Tracer {
	if logger == nil {
		logger = util.Discard()
	}
	return &Tracer{
		next:    next,
		logger:  logger.With("engine"),
		metrics: m,
	}
}

// Process implements Engine.
func (t *Tracer) Process(port uint16, frame []byte) int {
	t.metrics.PacketProcessed()

	if t.logger.Enabled(util.LogVerbose) {
		t.logger.Verbose("packet in on port %d length %d; first bytes: %s",
			port, len(frame), Preview(frame))
	}
	if t.logger.Enabled(util.LogDebug) {
		t.logger.Debug("port %d: %s", port, Describe(frame))
	}

	if t.next == nil {
		return 0
	}
	rc := t.next.Process(port, frame)
	t.logger.Debug("pipeline returns %d", rc)
	return rc
}

// Handler adapts e to the port manager's packet callback.
func Handler(e Engine) portmgr.PacketHandler {
	return func(port uint16, frame []byte) {
		e.Process(port, frame)
	}
}

// Preview renders up to the first 16 bytes of frame as hex, grouped in
// blocks of four bytes.
func Preview(frame []byte) string {
	n := len(frame)
	if n > previewLen {
		n = previewLen
	}
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 && i%4 == 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02x", frame[i])
	}
	return b.String()
}

// Describe decodes the Ethernet header of frame and, for IPv4, the
// network and transport addressing. Truncated headers are reported as
// such rather than guessed at.
func Describe(frame []byte) string {
	if len(frame) < header.EthernetMinimumSize {
		return fmt.Sprintf("runt frame (%d bytes)", len(frame))
	}
	eth := header.Ethernet(frame)
	payload := frame[header.EthernetMinimumSize:]
	desc := fmt.Sprintf("%s > %s", eth.SourceAddress(), eth.DestinationAddress())

	switch eth.Type() {
	case header.IPv4ProtocolNumber:
		return desc + " " + describeIPv4(payload)
	case header.IPv6ProtocolNumber:
		return desc + " ipv6"
	case header.ARPProtocolNumber:
		return desc + " arp"
	default:
		return fmt.Sprintf("%s ethertype %#04x", desc, uint16(eth.Type()))
	}
}

func describeIPv4(b []byte) string {
	if len(b) < header.IPv4MinimumSize {
		return "ipv4 (truncated)"
	}
	ip := header.IPv4(b)
	hlen := int(ip.HeaderLength())
	if hlen < header.IPv4MinimumSize || hlen > len(b) {
		return "ipv4 (bad header length)"
	}
	src, dst := ip.SourceAddress(), ip.DestinationAddress()
	l4 := b[hlen:]

	switch tcpip.TransportProtocolNumber(ip.Protocol()) {
	case header.TCPProtocolNumber:
		if len(l4) < header.TCPMinimumSize {
			return fmt.Sprintf("ipv4 %s > %s tcp (truncated)", src, dst)
		}
		tcp := header.TCP(l4)
		return fmt.Sprintf("ipv4 %s:%d > %s:%d tcp", src, tcp.SourcePort(), dst, tcp.DestinationPort())
	case header.UDPProtocolNumber:
		if len(l4) < header.UDPMinimumSize {
			return fmt.Sprintf("ipv4 %s > %s udp (truncated)", src, dst)
		}
		udp := header.UDP(l4)
		return fmt.Sprintf("ipv4 %s:%d > %s:%d udp", src, udp.SourcePort(), dst, udp.DestinationPort())
	default:
		return fmt.Sprintf("ipv4 %s > %s proto %d", src, dst, ip.Protocol())
	}
}
