package portmgr

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	pcapMagic     = 0xa1b2c3d4
	pcapSnapLen   = 65535
	linkTypeEther = 1
)

// PcapWriter appends frames to a classic libpcap capture file.
type PcapWriter struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// CreatePcap truncates or creates path and writes the file header.
func CreatePcap(path string) (*PcapWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("pcap %s: %w", path, err)
	}
	p := &PcapWriter{f: f, w: bufio.NewWriter(f)}

	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:], pcapMagic)
	binary.LittleEndian.PutUint16(hdr[4:], 2)
	binary.LittleEndian.PutUint16(hdr[6:], 4)
	// thiszone and sigfigs stay zero.
	binary.LittleEndian.PutUint32(hdr[16:], pcapSnapLen)
	binary.LittleEndian.PutUint32(hdr[20:], linkTypeEther)
	if _, err := p.w.Write(hdr[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("pcap %s: %w", path, err)
	}
	return p, nil
}

// WriteFrame records one frame captured at ts.
func (p *PcapWriter) WriteFrame(ts time.Time, frame []byte) error {
	captured := frame
	if len(captured) > pcapSnapLen {
		captured = captured[:pcapSnapLen]
	}

	var rec [16]byte
	binary.LittleEndian.PutUint32(rec[0:], uint32(ts.Unix()))
	binary.LittleEndian.PutUint32(rec[4:], uint32(ts.Nanosecond()/1000))
	binary.LittleEndian.PutUint32(rec[8:], uint32(len(captured)))
	binary.LittleEndian.PutUint32(rec[12:], uint32(len(frame)))

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.w.Write(rec[:]); err != nil {
		return err
	}
	_, err := p.w.Write(captured)
	return err
}

// Flush pushes buffered records to the file.
func (p *PcapWriter) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.w.Flush()
}

// Close flushes and closes the file.
func (p *PcapWriter) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ferr := p.w.Flush()
	cerr := p.f.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}
