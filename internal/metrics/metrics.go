// Package metrics provides lock-free counters for a running switch
// node: control connections, control messages, port churn, data-plane
// frames and registry notification outcomes.
//
// All methods are safe for concurrent use. A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for one switch process.
type Collector struct {
	controlActive   atomic.Int64
	controlTotal    atomic.Int64
	controlMessages atomic.Int64
	portsAdded      atomic.Int64
	portsRemoved    atomic.Int64
	framesIn        atomic.Int64
	framesOut       atomic.Int64
	bytesIn         atomic.Int64
	processed       atomic.Int64
	notifyFailures  atomic.Int64
	errorsTotal     atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Control channel ──────────────────────────────────────────────────

// ControlOpened records an accepted control connection.
func (c *Collector) ControlOpened() {
	if c == nil {
		return
	}
	c.controlActive.Add(1)
	c.controlTotal.Add(1)
}

// ControlClosed records the end of a control connection.
func (c *Collector) ControlClosed() {
	if c == nil {
		return
	}
	c.controlActive.Add(-1)
}

// ControlMessage records one decoded control message.
func (c *Collector) ControlMessage() {
	if c == nil {
		return
	}
	c.controlMessages.Add(1)
}

// ActiveControl returns the number of open control connections.
func (c *Collector) ActiveControl() int64 {
	if c == nil {
		return 0
	}
	return c.controlActive.Load()
}

// ── Ports ────────────────────────────────────────────────────────────

// PortAdded records a successful port attachment.
func (c *Collector) PortAdded() {
	if c == nil {
		return
	}
	c.portsAdded.Add(1)
}

// PortRemoved records a successful port detachment.
func (c *Collector) PortRemoved() {
	if c == nil {
		return
	}
	c.portsRemoved.Add(1)
}

// ── Data plane ───────────────────────────────────────────────────────

// FrameReceived records an inbound frame of n bytes.
func (c *Collector) FrameReceived(n int) {
	if c == nil {
		return
	}
	c.framesIn.Add(1)
	c.bytesIn.Add(int64(n))
}

// FrameSent records an outbound frame.
func (c *Collector) FrameSent() {
	if c == nil {
		return
	}
	c.framesOut.Add(1)
}

// PacketProcessed records a frame handed to the packet engine.
func (c *Collector) PacketProcessed() {
	if c == nil {
		return
	}
	c.processed.Add(1)
}

// ── Registry ─────────────────────────────────────────────────────────

// NotifyFailed records an advisory registry update that did not land.
func (c *Collector) NotifyFailed() {
	if c == nil {
		return
	}
	c.notifyFailures.Add(1)
}

// ── Errors ───────────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string `json:"uptime"`
	ControlActive    int64  `json:"control_active"`
	ControlTotal     int64  `json:"control_total"`
	ControlMessages  int64  `json:"control_messages"`
	PortsAdded       int64  `json:"ports_added"`
	PortsRemoved     int64  `json:"ports_removed"`
	FramesIn         int64  `json:"frames_in"`
	FramesOut        int64  `json:"frames_out"`
	BytesIn          int64  `json:"bytes_in"`
	Processed        int64  `json:"packets_processed"`
	NotifyFailures   int64  `json:"registry_notify_failures"`
	ErrorsTotal      int64  `json:"errors_total"`
	LastError        string `json:"last_error,omitempty"`
	LastErrorMessage string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:          time.Since(c.startTime).Truncate(time.Second).String(),
		ControlActive:   c.controlActive.Load(),
		ControlTotal:    c.controlTotal.Load(),
		ControlMessages: c.controlMessages.Load(),
		PortsAdded:      c.portsAdded.Load(),
		PortsRemoved:    c.portsRemoved.Load(),
		FramesIn:        c.framesIn.Load(),
		FramesOut:       c.framesOut.Load(),
		BytesIn:         c.bytesIn.Load(),
		Processed:       c.processed.Load(),
		NotifyFailures:  c.notifyFailures.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	data, _ := json.MarshalIndent(c.Snapshot(), "", "  ")
	return string(data)
}
