// Package portmgrtest provides an in-memory portmgr.Manager for tests.
package portmgrtest

import (
	"fmt"
	"sort"
	"sync"

	"p4switch/internal/portmgr"
)

// Call records one AddInterface or RemoveInterface invocation.
type Call struct {
	Op       string // "add" or "remove"
	Name     string
	Port     uint16
	PcapPath string
}

// Fake is an in-memory Manager. Interfaces named in Missing behave as
// absent from the host; FailAdd injects an error for a given name.
type Fake struct {
	mu      sync.Mutex
	ports   map[uint16]string
	pcaps   map[uint16]string
	calls   []Call
	sent    map[uint16][][]byte
	handler portmgr.PacketHandler
	closed  bool

	Missing map[string]bool
	FailAdd map[string]error
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		ports:   make(map[uint16]string),
		pcaps:   make(map[uint16]string),
		sent:    make(map[uint16][][]byte),
		Missing: make(map[string]bool),
		FailAdd: make(map[string]error),
	}
}

func (f *Fake) AddInterface(name string, port uint16, pcapPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Op: "add", Name: name, Port: port, PcapPath: pcapPath})
	if f.closed {
		return portmgr.ErrClosed
	}
	if err := f.FailAdd[name]; err != nil {
		return err
	}
	if f.Missing[name] {
		return fmt.Errorf("%s: %w", name, portmgr.ErrNoSuchInterface)
	}
	if _, ok := f.ports[port]; ok {
		return fmt.Errorf("port %d: %w", port, portmgr.ErrPortExists)
	}
	for p, n := range f.ports {
		if n == name {
			return fmt.Errorf("%s on port %d: %w", name, p, portmgr.ErrInterfaceBusy)
		}
	}
	f.ports[port] = name
	if pcapPath != "" {
		f.pcaps[port] = pcapPath
	}
	return nil
}

func (f *Fake) RemoveInterface(port uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Op: "remove", Port: port})
	name, ok := f.ports[port]
	if !ok {
		return fmt.Errorf("port %d: %w", port, portmgr.ErrNoSuchPort)
	}
	delete(f.ports, port)
	delete(f.pcaps, port)
	f.calls[len(f.calls)-1].Name = name
	return nil
}

func (f *Fake) Send(port uint16, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ports[port]; !ok {
		return fmt.Errorf("port %d: %w", port, portmgr.ErrNoSuchPort)
	}
	f.sent[port] = append(f.sent[port], append([]byte(nil), frame...))
	return nil
}

func (f *Fake) SetPacketHandler(h portmgr.PacketHandler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.ports = make(map[uint16]string)
	return nil
}

// Deliver hands frame to the installed handler as if it arrived on
// port. It reports whether a handler was installed.
func (f *Fake) Deliver(port uint16, frame []byte) bool {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h == nil {
		return false
	}
	h(port, frame)
	return true
}

// HasHandler reports whether SetPacketHandler installed a handler.
func (f *Fake) HasHandler() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler != nil
}

// Ports returns the attached port numbers mapped to interface names.
func (f *Fake) Ports() map[uint16]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uint16]string, len(f.ports))
	for k, v := range f.ports {
		out[k] = v
	}
	return out
}

// PortNumbers returns the attached port numbers in ascending order.
func (f *Fake) PortNumbers() []uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint16, 0, len(f.ports))
	for p := range f.ports {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// PcapPath returns the capture path recorded for port.
func (f *Fake) PcapPath(port uint16) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pcaps[port]
}

// Calls returns a copy of every add/remove invocation so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Sent returns the frames transmitted on port.
func (f *Fake) Sent(port uint16) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent[port]...)
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var _ portmgr.Manager = (*Fake)(nil)
