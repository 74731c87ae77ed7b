//go:build linux

package portmgr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"p4switch/internal/metrics"
	"p4switch/util"
)

// recvTimeout bounds each blocking receive so a removed port's reader
// notices promptly.
const recvTimeout = 100 * time.Millisecond

// RawManager attaches host interfaces with AF_PACKET sockets.
type RawManager struct {
	mu      sync.Mutex
	ports   map[uint16]*rawPort
	byName  map[string]uint16
	closed  bool
	handler atomic.Pointer[PacketHandler]
	logger  *util.Logger
	metrics *metrics.Collector
}

type rawPort struct {
	num     uint16
	name    string
	ifindex int
	fd      int
	pcap    *PcapWriter
	done    chan struct{}
	stopped chan struct{}
}

// NewRaw returns an empty RawManager. Attaching ports needs
// CAP_NET_RAW and CAP_NET_ADMIN.
func NewRaw(logger *util.Logger, m *metrics.Collector) *RawManager {
	return &RawManager{
		ports:   make(map[uint16]*rawPort),
		byName:  make(map[string]uint16),
		logger:  logger.With("portmgr"),
		metrics: m,
	}
}

// AddInterface implements [Manager].
func (m *RawManager) AddInterface(name string, port uint16, pcapPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.ports[port]; ok {
		return fmt.Errorf("port %d: %w", port, ErrPortExists)
	}
	if owner, ok := m.byName[name]; ok {
		return fmt.Errorf("%s on port %d: %w", name, owner, ErrInterfaceBusy)
	}

	link, err := netlink.LinkByName(name)
	if err != nil {
		var nf netlink.LinkNotFoundError
		if errors.As(err, &nf) {
			return fmt.Errorf("%s: %w", name, ErrNoSuchInterface)
		}
		return fmt.Errorf("lookup %s: %w", name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set %s up: %w", name, err)
	}
	if err := netlink.SetPromiscOn(link); err != nil {
		return fmt.Errorf("set %s promiscuous: %w", name, err)
	}

	fd, err := openPacketSocket(link.Attrs().Index)
	if err != nil {
		return fmt.Errorf("attach %s: %w", name, err)
	}

	p := &rawPort{
		num:     port,
		name:    name,
		ifindex: link.Attrs().Index,
		fd:      fd,
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if pcapPath != "" {
		if p.pcap, err = CreatePcap(pcapPath); err != nil {
			unix.Close(fd)
			return err
		}
	}

	m.ports[port] = p
	m.byName[name] = port
	go m.receive(p)

	m.logger.Verbose("attached %s (ifindex %d) as port %d", name, p.ifindex, port)
	return nil
}

// RemoveInterface implements [Manager].
func (m *RawManager) RemoveInterface(port uint16) error {
	m.mu.Lock()
	p, ok := m.ports[port]
	if ok {
		delete(m.ports, port)
		delete(m.byName, p.name)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("port %d: %w", port, ErrNoSuchPort)
	}
	// The reader may be inside the handler, which may call Send, so
	// wait for it with the lock released.
	m.stop(p)
	m.logger.Verbose("detached %s from port %d", p.name, port)
	return nil
}

// Send implements [Manager].
func (m *RawManager) Send(port uint16, frame []byte) error {
	m.mu.Lock()
	p, ok := m.ports[port]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("port %d: %w", port, ErrNoSuchPort)
	}

	if _, err := unix.Write(p.fd, frame); err != nil {
		return fmt.Errorf("send on port %d: %w", port, err)
	}
	m.metrics.FrameSent()
	return nil
}

// SetPacketHandler implements [Manager].
func (m *RawManager) SetPacketHandler(h PacketHandler) {
	m.handler.Store(&h)
}

// Close implements [Manager].
func (m *RawManager) Close() error {
	m.mu.Lock()
	m.closed = true
	ports := make([]*rawPort, 0, len(m.ports))
	for _, p := range m.ports {
		ports = append(ports, p)
	}
	m.ports = make(map[uint16]*rawPort)
	m.byName = make(map[string]uint16)
	m.mu.Unlock()

	for _, p := range ports {
		m.stop(p)
	}
	return nil
}

func (m *RawManager) stop(p *rawPort) {
	close(p.done)
	<-p.stopped
	unix.Close(p.fd)
	if p.pcap != nil {
		if err := p.pcap.Close(); err != nil {
			m.logger.Warn("closing capture for port %d: %v", p.num, err)
		}
	}
}

func (m *RawManager) receive(p *rawPort) {
	defer close(p.stopped)

	bufp := util.GetFrame()
	defer util.PutFrame(bufp)
	buf := *bufp

	for {
		select {
		case <-p.done:
			return
		default:
		}

		n, from, err := unix.Recvfrom(p.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			m.logger.Error("receive on port %d: %v", p.num, err)
			return
		}
		if ll, ok := from.(*unix.SockaddrLinklayer); ok && ll.Pkttype == unix.PACKET_OUTGOING {
			continue
		}

		frame := buf[:n]
		m.metrics.FrameReceived(n)
		if p.pcap != nil {
			if err := p.pcap.WriteFrame(time.Now(), frame); err != nil {
				m.logger.Debug("capture on port %d: %v", p.num, err)
			}
		}
		if h := m.handler.Load(); h != nil && *h != nil {
			(*h)(p.num, frame)
		}
	}
}

func openPacketSocket(ifindex int) (int, error) {
	proto := htons(unix.ETH_P_ALL)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(proto))
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{Protocol: proto, Ifindex: ifindex}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}
	tv := unix.NsecToTimeval(recvTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("SO_RCVTIMEO: %w", err)
	}
	return fd, nil
}

// htons returns v laid out in network byte order in host memory.
func htons(v uint16) uint16 {
	return binary.NativeEndian.Uint16(binary.BigEndian.AppendUint16(nil, v))
}

// EnsureVethPair creates the veth pair name/peer when name does not
// exist yet and brings both ends up.
func EnsureVethPair(name, peer string) error {
	if _, err := netlink.LinkByName(name); err != nil {
		var nf netlink.LinkNotFoundError
		if !errors.As(err, &nf) {
			return fmt.Errorf("lookup %s: %w", name, err)
		}
		veth := &netlink.Veth{
			LinkAttrs: netlink.LinkAttrs{Name: name},
			PeerName:  peer,
		}
		if err := netlink.LinkAdd(veth); err != nil {
			return fmt.Errorf("create veth %s/%s: %w", name, peer, err)
		}
	}
	for _, n := range []string{name, peer} {
		link, err := netlink.LinkByName(n)
		if err != nil {
			return fmt.Errorf("lookup %s: %w", n, err)
		}
		if err := netlink.LinkSetUp(link); err != nil {
			return fmt.Errorf("set %s up: %w", n, err)
		}
	}
	return nil
}

var _ Manager = (*RawManager)(nil)
