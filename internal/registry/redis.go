package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	swerrors "p4switch/internal/errors"
)

const keyPrefix = "p4ns"

func datapathsKey() string          { return keyPrefix + ".datapaths" }
func datapathKey(name string) string { return keyPrefix + ".datapath:" + name }
func portsKey(name string) string    { return keyPrefix + ".ports:" + name }

// DialFunc matches go-redis Options.Dialer.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// RedisConfig holds the parameters needed to connect to a Redis
// registry.
type RedisConfig struct {
	Addr         string
	URL          string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Dialer, if set, replaces the default TCP dialer, for example to
	// reach the registry through an SSH bastion.
	Dialer DialFunc
}

// RedisStore is a [Store] backed by Redis.
//
// Layout: the set p4ns.datapaths lists names, the hash
// p4ns.datapath:<name> holds dpid and listener, and the hash
// p4ns.ports:<name> maps port numbers to interface names.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedis creates a RedisStore. No connection is made until the
// first command.
func NewRedis(cfg RedisConfig) (*RedisStore, error) {
	opts := &redis.Options{Addr: cfg.Addr}
	if cfg.URL != "" {
		var err error
		if opts, err = redis.ParseURL(cfg.URL); err != nil {
			return nil, fmt.Errorf("registry url: %w", err)
		}
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	// Retries are the caller's decision.
	opts.MaxRetries = -1
	if cfg.Dialer != nil {
		opts.Dialer = cfg.Dialer
	}
	return &RedisStore{rdb: redis.NewClient(opts)}, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// addDatapath creates the datapath hash and lists the name in one
// step, so a failure never leaves a hash the set does not know about.
var addDatapath = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], 'dpid', ARGV[1]) == 0 then
  return 0
end
redis.call('SADD', KEYS[2], ARGV[2])
return 1
`)

func (s *RedisStore) AddDatapath(ctx context.Context, name string, dpid uint64) error {
	created, err := addDatapath.Run(ctx, s.rdb,
		[]string{datapathKey(name), datapathsKey()},
		formatDPID(dpid), name,
	).Int()
	if err != nil {
		return err
	}
	if created == 0 {
		return swerrors.ErrDatapathExists
	}
	return nil
}

func (s *RedisStore) DelDatapath(ctx context.Context, name string) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, datapathKey(name), portsKey(name))
		p.SRem(ctx, datapathsKey(), name)
		return nil
	})
	return err
}

func (s *RedisStore) SetListener(ctx context.Context, name, addr string) error {
	if err := s.mustExist(ctx, name); err != nil {
		return err
	}
	return s.rdb.HSet(ctx, datapathKey(name), "listener", addr).Err()
}

func (s *RedisStore) AddPort(ctx context.Context, name, iface string, port uint16) error {
	if err := s.mustExist(ctx, name); err != nil {
		return err
	}
	return s.rdb.HSet(ctx, portsKey(name), strconv.Itoa(int(port)), iface).Err()
}

func (s *RedisStore) DelPort(ctx context.Context, name string, port uint16) error {
	return s.rdb.HDel(ctx, portsKey(name), strconv.Itoa(int(port))).Err()
}

func (s *RedisStore) Datapath(ctx context.Context, name string) (*Datapath, error) {
	fields, err := s.rdb.HGetAll(ctx, datapathKey(name)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, swerrors.ErrDatapathNotFound
	}
	dpid, err := parseDPID(fields["dpid"])
	if err != nil {
		return nil, fmt.Errorf("datapath %s: %w", name, err)
	}

	ports, err := s.rdb.HGetAll(ctx, portsKey(name)).Result()
	if err != nil {
		return nil, err
	}
	dp := &Datapath{
		Name:     name,
		DPID:     dpid,
		Listener: fields["listener"],
		Ports:    make(map[uint16]string, len(ports)),
	}
	for k, iface := range ports {
		n, err := strconv.ParseUint(k, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("datapath %s: bad port key %q", name, k)
		}
		dp.Ports[uint16(n)] = iface
	}
	return dp, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) mustExist(ctx context.Context, name string) error {
	n, err := s.rdb.Exists(ctx, datapathKey(name)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return swerrors.ErrDatapathNotFound
	}
	return nil
}

func formatDPID(dpid uint64) string {
	return strconv.FormatUint(dpid, 16)
}

func parseDPID(s string) (uint64, error) {
	if s == "" {
		return 0, errors.New("missing dpid")
	}
	return strconv.ParseUint(s, 16, 64)
}

var _ Store = (*RedisStore)(nil)
