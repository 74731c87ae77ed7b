// Package porttable keeps the switch's record of active ports and
// hands out port numbers.
//
// Numbers come from a per-process counter starting at 0 and are never
// reused, even after the port is removed. Every mutation and every
// call into the port manager happens under one mutex, so startup
// provisioning and control channel requests cannot interleave.
package porttable

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"p4switch/internal/metrics"
	"p4switch/internal/portmgr"
	"p4switch/util"
)

// MaxPorts is the size of the port number space.
const MaxPorts = 1 << 16

var (
	// ErrPortIssued rejects a requested number that this process has
	// already handed out.
	ErrPortIssued = fmt.Errorf("port number already issued: %w", portmgr.ErrPortExists)
	// ErrExhausted means every port number has been issued.
	ErrExhausted = fmt.Errorf("port numbers exhausted: %w", unix.ENOSPC)
)

// Entry is one active port.
type Entry struct {
	Name     string
	Port     uint16
	PcapPath string
}

// Table records active ports and drives the port manager.
type Table struct {
	mu      sync.Mutex
	mgr     portmgr.Manager
	next    int
	issued  map[uint16]struct{}
	entries map[uint16]Entry

	pcapDir  string
	datapath string
	capture  bool

	logger  *util.Logger
	metrics *metrics.Collector
}

// Option configures a Table.
type Option func(*Table)

// WithCapture enables a capture file per port, named after datapath,
// under dir.
func WithCapture(dir, datapath string) Option {
	return func(t *Table) {
		t.capture = true
		t.pcapDir = dir
		t.datapath = datapath
	}
}

// WithLogger sets the table's logger.
func WithLogger(l *util.Logger) Option {
	return func(t *Table) { t.logger = l.With("ports") }
}

// WithMetrics counts port churn in m.
func WithMetrics(m *metrics.Collector) Option {
	return func(t *Table) { t.metrics = m }
}

// New returns an empty table that attaches ports through mgr.
func New(mgr portmgr.Manager, opts ...Option) *Table {
	t := &Table{
		mgr:     mgr,
		issued:  make(map[uint16]struct{}),
		entries: make(map[uint16]Entry),
		logger:  util.Discard(),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// PcapPath returns the capture file name used for port of datapath.
func PcapPath(dir, datapath string, port uint16) string {
	return filepath.Join(dir, fmt.Sprintf("p4ns.%s-port%02d.pcap", datapath, port))
}

// Add attaches name under the next unused port number and returns it.
// A failed attach does not consume the number.
func (t *Table) Add(name string) (uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.next >= MaxPorts {
		return 0, ErrExhausted
	}
	port := uint16(t.next)
	if err := t.attach(name, port); err != nil {
		return 0, err
	}
	return port, nil
}

// AddAt attaches name under a caller-chosen port number. Numbers this
// process has issued before are rejected with [ErrPortIssued]. Later
// calls to Add continue above the highest number issued.
func (t *Table) AddAt(name string, port uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.issued[port]; ok {
		return fmt.Errorf("port %d: %w", port, ErrPortIssued)
	}
	return t.attach(name, port)
}

// attach runs with t.mu held.
func (t *Table) attach(name string, port uint16) error {
	var pcap string
	if t.capture {
		pcap = PcapPath(t.pcapDir, t.datapath, port)
	}
	if err := t.mgr.AddInterface(name, port, pcap); err != nil {
		return fmt.Errorf("add %s as port %d: %w", name, port, err)
	}

	t.issued[port] = struct{}{}
	if int(port) >= t.next {
		t.next = int(port) + 1
	}
	t.entries[port] = Entry{Name: name, Port: port, PcapPath: pcap}
	t.metrics.PortAdded()
	t.logger.Info("port %d: %s", port, name)
	return nil
}

// Remove detaches port. The number is not returned to the pool.
func (t *Table) Remove(port uint16) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[port]
	if !ok {
		return Entry{}, fmt.Errorf("port %d: %w", port, portmgr.ErrNoSuchPort)
	}
	if err := t.mgr.RemoveInterface(port); err != nil {
		return Entry{}, fmt.Errorf("remove port %d: %w", port, err)
	}
	delete(t.entries, port)
	t.metrics.PortRemoved()
	t.logger.Info("port %d: %s removed", port, e.Name)
	return e, nil
}

// Lookup returns the entry for port.
func (t *Table) Lookup(port uint16) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[port]
	return e, ok
}

// Entries returns the active ports ordered by number.
func (t *Table) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Len returns the number of active ports.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close detaches every port through the manager.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[uint16]Entry)
	return t.mgr.Close()
}
