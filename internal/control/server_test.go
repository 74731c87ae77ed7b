package control

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"

	"p4switch/internal/metrics"
	"p4switch/internal/portmgr/portmgrtest"
	"p4switch/internal/porttable"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	addr  string
	mgr   *portmgrtest.Fake
	table *porttable.Table
	stop  func() error
}

func startServer(t *testing.T, names []string, opts ...Option) *harness {
	t.Helper()

	mgr := portmgrtest.New()
	tbl := porttable.New(mgr)
	for _, n := range names {
		_, err := tbl.Add(n)
		require.NoError(t, err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewServer(tbl, opts...).Serve(ctx, ln) }()

	var once sync.Once
	var serveErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case serveErr = <-done:
			case <-time.After(5 * time.Second):
				serveErr = errors.New("server did not stop")
			}
		})
		return serveErr
	}
	t.Cleanup(func() { require.NoError(t, stop()) })

	return &harness{addr: ln.Addr().String(), mgr: mgr, table: tbl, stop: stop}
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type marshaler interface{ MarshalBinary() ([]byte, error) }

func send(t *testing.T, conn net.Conn, m marshaler) {
	t.Helper()
	b, err := m.MarshalBinary()
	require.NoError(t, err)
	_, err = conn.Write(b)
	require.NoError(t, err)
}

func roundTrip(t *testing.T, conn net.Conn, m marshaler) Status {
	t.Helper()
	send(t, conn, m)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	st, err := ReadStatus(conn)
	require.NoError(t, err)
	return st
}

// expectClosed asserts the server hung up without sending anything.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var b [1]byte
	n, err := conn.Read(b[:])
	assert.Zero(t, n, "no response frame expected")
	assert.True(t, errors.Is(err, io.EOF) || errors.Is(err, unix.ECONNRESET), "want hang-up, got %v", err)
}

func TestServer_DelPortExisting(t *testing.T) {
	h := startServer(t, []string{"eth0", "eth1", "eth2", "eth3"})
	conn := dial(t, h.addr)

	st := roundTrip(t, conn, DelPort{RequestID: 11, Interface: "3"})
	assert.Equal(t, uint64(11), st.RequestID)
	assert.GreaterOrEqual(t, st.Code, int32(0))
	_, ok := h.table.Lookup(3)
	assert.False(t, ok)
	assert.NotContains(t, h.mgr.Ports(), uint16(3))

	st = roundTrip(t, conn, DelPort{RequestID: 12, Interface: "3"})
	assert.Equal(t, uint64(12), st.RequestID)
	assert.Equal(t, -int32(unix.ENOENT), st.Code)
}

func TestServer_DelPortMissingLeavesTable(t *testing.T) {
	h := startServer(t, []string{"eth0"})
	conn := dial(t, h.addr)
	before := h.table.Entries()

	st := roundTrip(t, conn, DelPort{RequestID: 1, Interface: "9"})
	assert.Less(t, st.Code, int32(0))
	assert.Equal(t, before, h.table.Entries())
}

func TestServer_UnknownCodeClosesConnection(t *testing.T) {
	h := startServer(t, []string{"eth0"})
	before := h.table.Entries()

	conn := dial(t, h.addr)
	_, err := conn.Write([]byte{0x42})
	require.NoError(t, err)
	expectClosed(t, conn)

	assert.Equal(t, before, h.table.Entries())

	// The server is still accepting.
	next := dial(t, h.addr)
	st := roundTrip(t, next, DelPort{RequestID: 2, Interface: "0"})
	assert.Equal(t, int32(0), st.Code)
}

func TestServer_MalformedDelPortClosesConnection(t *testing.T) {
	h := startServer(t, []string{"eth0"})

	conn := dial(t, h.addr)
	send(t, conn, DelPort{RequestID: 1, Interface: "eth0"})
	expectClosed(t, conn)

	_, ok := h.table.Lookup(0)
	assert.True(t, ok)

	next := dial(t, h.addr)
	st := roundTrip(t, next, DelPort{RequestID: 2, Interface: "0"})
	assert.Equal(t, int32(0), st.Code)
}

func TestServer_TruncatedFrameClosesConnection(t *testing.T) {
	h := startServer(t, nil)
	conn := dial(t, h.addr)

	b, _ := DelPort{RequestID: 1, Interface: "0"}.MarshalBinary()
	_, err := conn.Write(b[:20])
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	expectClosed(t, conn)
}

func TestServer_AddPort(t *testing.T) {
	h := startServer(t, []string{"eth0", "eth1"})
	conn := dial(t, h.addr)

	st := roundTrip(t, conn, AddPort{RequestID: 5, Interface: "veth8", Port: 4})
	assert.Equal(t, Status{RequestID: 5, Code: 0}, st)
	e, ok := h.table.Lookup(4)
	require.True(t, ok)
	assert.Equal(t, "veth8", e.Name)

	// Issued numbers are never handed out twice.
	st = roundTrip(t, conn, AddPort{RequestID: 6, Interface: "veth9", Port: 1})
	assert.Equal(t, -int32(unix.EEXIST), st.Code)

	st = roundTrip(t, conn, AddPort{RequestID: 7, Interface: "", Port: 9})
	assert.Equal(t, -int32(unix.EINVAL), st.Code)

	h.mgr.Missing["nope0"] = true
	st = roundTrip(t, conn, AddPort{RequestID: 8, Interface: "nope0", Port: 10})
	assert.Equal(t, -int32(unix.ENODEV), st.Code)
}

func TestServer_OneConnectionAtATime(t *testing.T) {
	h := startServer(t, []string{"eth0", "eth1"})

	first := dial(t, h.addr)
	roundTrip(t, first, DelPort{RequestID: 1, Interface: "0"})

	second := dial(t, h.addr)
	send(t, second, DelPort{RequestID: 2, Interface: "1"})
	require.NoError(t, second.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, err := ReadStatus(second)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout(), "second connection must wait for the first")

	require.NoError(t, first.Close())

	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	st, err := ReadStatus(second)
	require.NoError(t, err)
	assert.Equal(t, Status{RequestID: 2, Code: 0}, st)
}

func TestServer_IdleTimeout(t *testing.T) {
	h := startServer(t, nil, WithIdleTimeout(100*time.Millisecond))
	conn := dial(t, h.addr)
	expectClosed(t, conn)
}

func TestServer_CancelClosesActiveConnection(t *testing.T) {
	h := startServer(t, []string{"eth0"})
	conn := dial(t, h.addr)
	roundTrip(t, conn, DelPort{RequestID: 1, Interface: "0"})

	require.NoError(t, h.stop())
	expectClosed(t, conn)

	_, err := net.DialTimeout("tcp", h.addr, 500*time.Millisecond)
	assert.Error(t, err, "listener should be closed")
}

type recordingNotifier struct {
	mu   sync.Mutex
	adds map[uint16]string
	dels []uint16
}

func (n *recordingNotifier) NotifyAddPort(_ context.Context, iface string, port uint16) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.adds == nil {
		n.adds = make(map[uint16]string)
	}
	n.adds[port] = iface
}

func (n *recordingNotifier) NotifyDelPort(_ context.Context, port uint16) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dels = append(n.dels, port)
}

func TestServer_MirrorsSuccessfulRequests(t *testing.T) {
	n := &recordingNotifier{}
	m := metrics.New()
	h := startServer(t, []string{"eth0"}, WithNotifier(n), WithMetrics(m))
	conn := dial(t, h.addr)

	roundTrip(t, conn, AddPort{RequestID: 1, Interface: "eth7", Port: 7})
	roundTrip(t, conn, DelPort{RequestID: 2, Interface: "0"})
	roundTrip(t, conn, DelPort{RequestID: 3, Interface: "0"})
	require.NoError(t, conn.Close())
	require.NoError(t, h.stop())

	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Equal(t, map[uint16]string{7: "eth7"}, n.adds)
	assert.Equal(t, []uint16{0}, n.dels, "failed requests are not mirrored")

	s := m.Snapshot()
	assert.Equal(t, int64(3), s.ControlMessages)
	assert.Equal(t, int64(1), s.ControlTotal)
	assert.Equal(t, int64(0), s.ControlActive)
}
