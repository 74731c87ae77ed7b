package porttable

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"p4switch/internal/metrics"
	"p4switch/internal/portmgr"
	"p4switch/internal/portmgr/portmgrtest"
)

func TestTable_AddAssignsSequentialNumbers(t *testing.T) {
	mgr := portmgrtest.New()
	tbl := New(mgr)

	for i, name := range []string{"eth0", "eth1", "eth2"} {
		port, err := tbl.Add(name)
		require.NoError(t, err)
		assert.Equal(t, uint16(i), port)
	}
	assert.Equal(t, map[uint16]string{0: "eth0", 1: "eth1", 2: "eth2"}, mgr.Ports())
}

func TestTable_NumbersNeverReused(t *testing.T) {
	tbl := New(portmgrtest.New())

	var last int = -1
	for i := 0; i < 20; i++ {
		port, err := tbl.Add(fmt.Sprintf("veth%d", i))
		require.NoError(t, err)
		assert.Greater(t, int(port), last, "numbers must be strictly increasing")
		last = int(port)

		// Remove every other port so removals interleave with adds.
		if i%2 == 0 {
			_, err := tbl.Remove(port)
			require.NoError(t, err)
		}
	}
	assert.Equal(t, 10, tbl.Len())
}

func TestTable_FailedAddDoesNotConsumeNumber(t *testing.T) {
	mgr := portmgrtest.New()
	mgr.Missing["eth9"] = true
	tbl := New(mgr)

	_, err := tbl.Add("eth9")
	require.Error(t, err)
	assert.ErrorIs(t, err, portmgr.ErrNoSuchInterface)

	port, err := tbl.Add("eth0")
	require.NoError(t, err)
	assert.Equal(t, uint16(0), port)
}

func TestTable_AddAt(t *testing.T) {
	tbl := New(portmgrtest.New())

	require.NoError(t, tbl.AddAt("eth5", 5))

	port, err := tbl.Add("eth6")
	require.NoError(t, err)
	assert.Equal(t, uint16(6), port, "Add continues above the highest issued number")

	_, err = tbl.Remove(5)
	require.NoError(t, err)

	err = tbl.AddAt("eth5", 5)
	assert.ErrorIs(t, err, ErrPortIssued)
	assert.ErrorIs(t, err, portmgr.ErrPortExists)
	assert.Less(t, portmgr.Status(err), int32(0))
}

func TestTable_AddAtBelowCounterNeverIssued(t *testing.T) {
	tbl := New(portmgrtest.New())
	require.NoError(t, tbl.AddAt("eth7", 7))

	// 3 was never handed out, so it is still available on request.
	require.NoError(t, tbl.AddAt("eth3", 3))

	port, err := tbl.Add("eth8")
	require.NoError(t, err)
	assert.Equal(t, uint16(8), port)
}

func TestTable_RemoveMissingLeavesTableUnchanged(t *testing.T) {
	mgr := portmgrtest.New()
	tbl := New(mgr)
	_, err := tbl.Add("eth0")
	require.NoError(t, err)
	before := tbl.Entries()

	_, err = tbl.Remove(3)
	require.Error(t, err)
	assert.ErrorIs(t, err, portmgr.ErrNoSuchPort)
	assert.Less(t, portmgr.Status(err), int32(0))
	assert.Equal(t, before, tbl.Entries())

	for _, c := range mgr.Calls() {
		assert.NotEqual(t, "remove", c.Op, "manager must not be asked to remove an unknown port")
	}
}

func TestTable_RemoveTwice(t *testing.T) {
	tbl := New(portmgrtest.New())
	for _, n := range []string{"a", "b", "c", "d"} {
		_, err := tbl.Add(n)
		require.NoError(t, err)
	}

	e, err := tbl.Remove(3)
	require.NoError(t, err)
	assert.Equal(t, "d", e.Name)

	_, err = tbl.Remove(3)
	assert.ErrorIs(t, err, portmgr.ErrNoSuchPort)
}

func TestTable_ManagerRemoveFailureKeepsEntry(t *testing.T) {
	mgr := &failingRemove{Fake: portmgrtest.New()}
	tbl := New(mgr)
	port, err := tbl.Add("eth0")
	require.NoError(t, err)

	_, err = tbl.Remove(port)
	require.Error(t, err)
	_, ok := tbl.Lookup(port)
	assert.True(t, ok)
}

func TestTable_Capture(t *testing.T) {
	mgr := portmgrtest.New()
	dir := t.TempDir()
	tbl := New(mgr, WithCapture(dir, "s1"))

	port, err := tbl.Add("veth0")
	require.NoError(t, err)

	want := filepath.Join(dir, "p4ns.s1-port00.pcap")
	assert.Equal(t, want, mgr.PcapPath(port))
	e, ok := tbl.Lookup(port)
	require.True(t, ok)
	assert.Equal(t, want, e.PcapPath)
}

func TestTable_NoCaptureByDefault(t *testing.T) {
	mgr := portmgrtest.New()
	tbl := New(mgr)
	port, err := tbl.Add("veth0")
	require.NoError(t, err)
	assert.Empty(t, mgr.PcapPath(port))
}

func TestPcapPath(t *testing.T) {
	assert.Equal(t, "p4ns.sw-port07.pcap", PcapPath(".", "sw", 7))
	assert.Equal(t, filepath.Join("/tmp", "p4ns.sw-port123.pcap"), PcapPath("/tmp", "sw", 123))
}

func TestTable_Metrics(t *testing.T) {
	m := metrics.New()
	tbl := New(portmgrtest.New(), WithMetrics(m))

	port, err := tbl.Add("eth0")
	require.NoError(t, err)
	_, err = tbl.Remove(port)
	require.NoError(t, err)

	s := m.Snapshot()
	assert.Equal(t, int64(1), s.PortsAdded)
	assert.Equal(t, int64(1), s.PortsRemoved)
}

func TestTable_ConcurrentMutations(t *testing.T) {
	tbl := New(portmgrtest.New())

	var wg sync.WaitGroup
	ports := make(chan uint16, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			port, err := tbl.Add(fmt.Sprintf("if%d", i))
			if err == nil {
				ports <- port
			}
		}(i)
	}
	wg.Wait()
	close(ports)

	seen := make(map[uint16]bool)
	for p := range ports {
		assert.False(t, seen[p], "port %d issued twice", p)
		seen[p] = true
	}
	assert.Len(t, seen, 64)
	assert.Equal(t, 64, tbl.Len())
}

func TestTable_Close(t *testing.T) {
	mgr := portmgrtest.New()
	tbl := New(mgr)
	_, err := tbl.Add("eth0")
	require.NoError(t, err)

	require.NoError(t, tbl.Close())
	assert.True(t, mgr.Closed())
	assert.Zero(t, tbl.Len())
}

type failingRemove struct {
	*portmgrtest.Fake
}

func (f *failingRemove) RemoveInterface(uint16) error {
	return errors.New("device busy")
}
