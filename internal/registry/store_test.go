package registry_test

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	swerrors "p4switch/internal/errors"
	"p4switch/internal/registry"
)

func newRedisStore(t *testing.T) (*registry.RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	s, err := registry.NewRedis(registry.RedisConfig{
		Addr:         mr.Addr(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s, mr
}

func newSQLiteStore(t *testing.T) *registry.SQLiteStore {
	t.Helper()

	s, err := registry.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func TestStores(t *testing.T) {
	backends := map[string]func(t *testing.T) registry.Store{
		"redis": func(t *testing.T) registry.Store {
			s, _ := newRedisStore(t)
			return s
		},
		"sqlite": func(t *testing.T) registry.Store {
			return newSQLiteStore(t)
		},
	}
	for name, newStore := range backends {
		t.Run(name, func(t *testing.T) {
			testStore(t, newStore)
		})
	}
}

func testStore(t *testing.T, newStore func(t *testing.T) registry.Store) {
	ctx := context.Background()

	t.Run("ping", func(t *testing.T) {
		require.NoError(t, newStore(t).Ping(ctx))
	})

	t.Run("add datapath then read it back", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.AddDatapath(ctx, "s1", 0xdeadbeef))
		require.NoError(t, s.SetListener(ctx, "s1", "10.0.0.5:9000"))
		require.NoError(t, s.AddPort(ctx, "s1", "eth0", 0))
		require.NoError(t, s.AddPort(ctx, "s1", "eth1", 1))

		dp, err := s.Datapath(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, uint64(0xdeadbeef), dp.DPID)
		assert.Equal(t, "10.0.0.5:9000", dp.Listener)
		assert.Equal(t, map[uint16]string{0: "eth0", 1: "eth1"}, dp.Ports)
	})

	t.Run("duplicate name is rejected without overwrite", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.AddDatapath(ctx, "s1", 1))
		err := s.AddDatapath(ctx, "s1", 2)
		assert.ErrorIs(t, err, swerrors.ErrDatapathExists)

		dp, err := s.Datapath(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), dp.DPID, "existing entry must keep its dpid")
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.AddDatapath(ctx, "s1", 1))
		require.NoError(t, s.AddPort(ctx, "s1", "eth0", 0))
		require.NoError(t, s.DelDatapath(ctx, "s1"))
		require.NoError(t, s.DelDatapath(ctx, "s1"))
		require.NoError(t, s.DelDatapath(ctx, "never-existed"))

		_, err := s.Datapath(ctx, "s1")
		assert.ErrorIs(t, err, swerrors.ErrDatapathNotFound)

		// The name is free again and carries no stale ports.
		require.NoError(t, s.AddDatapath(ctx, "s1", 3))
		dp, err := s.Datapath(ctx, "s1")
		require.NoError(t, err)
		assert.Empty(t, dp.Ports)
	})

	t.Run("listener on missing datapath", func(t *testing.T) {
		s := newStore(t)
		err := s.SetListener(ctx, "ghost", "127.0.0.1:9000")
		assert.ErrorIs(t, err, swerrors.ErrDatapathNotFound)
	})

	t.Run("port on missing datapath", func(t *testing.T) {
		s := newStore(t)
		err := s.AddPort(ctx, "ghost", "eth0", 0)
		assert.ErrorIs(t, err, swerrors.ErrDatapathNotFound)
	})

	t.Run("delete port", func(t *testing.T) {
		s := newStore(t)

		require.NoError(t, s.AddDatapath(ctx, "s1", 1))
		require.NoError(t, s.AddPort(ctx, "s1", "eth0", 0))
		require.NoError(t, s.AddPort(ctx, "s1", "eth1", 1))
		require.NoError(t, s.DelPort(ctx, "s1", 0))
		require.NoError(t, s.DelPort(ctx, "s1", 7))

		dp, err := s.Datapath(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, map[uint16]string{1: "eth1"}, dp.Ports)
	})
}

func TestRedisStore_KeyLayout(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddDatapath(ctx, "s1", 0xab))
	require.NoError(t, s.SetListener(ctx, "s1", "10.0.0.5:9000"))
	require.NoError(t, s.AddPort(ctx, "s1", "eth0", 0))

	assert.Equal(t, "ab", mr.HGet("p4ns.datapath:s1", "dpid"))
	assert.Equal(t, "10.0.0.5:9000", mr.HGet("p4ns.datapath:s1", "listener"))
	assert.Equal(t, "eth0", mr.HGet("p4ns.ports:s1", "0"))

	members, err := mr.Members("p4ns.datapaths")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, members)

	require.NoError(t, s.DelDatapath(ctx, "s1"))
	assert.False(t, mr.Exists("p4ns.datapath:s1"))
	assert.False(t, mr.Exists("p4ns.ports:s1"))
}

// resetOn drops the connection instead of sending any write that
// contains marker.
type resetOn struct {
	net.Conn
	marker []byte
}

func (c *resetOn) Write(b []byte) (int, error) {
	if bytes.Contains(b, c.marker) {
		c.Conn.Close()
		return 0, syscall.ECONNRESET
	}
	return c.Conn.Write(b)
}

func TestRedisStore_AddDatapathLeavesNothingOnFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	broken, err := registry.NewRedis(registry.RedisConfig{
		Addr: mr.Addr(),
		Dialer: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &resetOn{Conn: conn, marker: []byte("SADD")}, nil
		},
	})
	require.NoError(t, err)
	defer broken.Close()

	require.Error(t, broken.AddDatapath(ctx, "s1", 1))
	assert.False(t, mr.Exists("p4ns.datapath:s1"), "datapath hash left behind")
	ok, _ := mr.SIsMember("p4ns.datapaths", "s1")
	assert.False(t, ok)

	s, err := registry.NewRedis(registry.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.AddDatapath(ctx, "s1", 1), "name blocked by a failed registration")

	ok, _ = mr.SIsMember("p4ns.datapaths", "s1")
	assert.True(t, ok)
	assert.Equal(t, "1", mr.HGet("p4ns.datapath:s1", "dpid"))
	assert.ErrorIs(t, s.AddDatapath(ctx, "s1", 2), swerrors.ErrDatapathExists)
	assert.Equal(t, "1", mr.HGet("p4ns.datapath:s1", "dpid"))
}

func TestNewRedis_BadURL(t *testing.T) {
	_, err := registry.NewRedis(registry.RedisConfig{URL: "redis://127.0.0.1:6379/notanumber"})
	assert.Error(t, err)
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		spec    string
		want    registry.Endpoint
		wantErr bool
	}{
		{spec: "10.0.0.1", want: registry.Endpoint{Kind: registry.KindRedis, Addr: "10.0.0.1:6379"}},
		{spec: "10.0.0.1:7000", want: registry.Endpoint{Kind: registry.KindRedis, Addr: "10.0.0.1:7000"}},
		{spec: ":7000", want: registry.Endpoint{Kind: registry.KindRedis, Addr: "127.0.0.1:7000"}},
		{spec: "redis://db.lab:6380/2", want: registry.Endpoint{Kind: registry.KindRedis, URL: "redis://db.lab:6380/2"}},
		{spec: "sqlite:///var/lib/p4ns/registry.db", want: registry.Endpoint{Kind: registry.KindSQLite, Path: "/var/lib/p4ns/registry.db"}},
		{spec: "", wantErr: true},
		{spec: "sqlite://", wantErr: true},
		{spec: "etcd://x", wantErr: true},
		{spec: "host:notaport", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := registry.ParseEndpoint(tt.spec, 6379)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEndpoint_String(t *testing.T) {
	assert.Equal(t, "sqlite://r.db", registry.Endpoint{Kind: registry.KindSQLite, Path: "r.db"}.String())
	assert.Equal(t, "127.0.0.1:6379", registry.Endpoint{Kind: registry.KindRedis, Addr: "127.0.0.1:6379"}.String())
}
