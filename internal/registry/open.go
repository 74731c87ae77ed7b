package registry

import (
	"context"
	"fmt"
	"time"

	swerrors "p4switch/internal/errors"
	"p4switch/internal/retry"
	"p4switch/internal/transport"
)

// Opener opens a fresh, pinged connection to the registry.
type Opener func(ctx context.Context) (Store, error)

// OpenOptions tunes how an Opener reaches the registry.
type OpenOptions struct {
	// Dialer carries Redis connections; nil uses a direct TCP dial.
	Dialer       transport.Dialer
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewOpener returns an Opener for ep. Each call opens a new
// connection, pings it and returns it; a failed ping closes it again.
// Only ping failures are worth retrying.
func NewOpener(ep Endpoint, opts OpenOptions) Opener {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 3 * time.Second
	}
	return func(ctx context.Context) (Store, error) {
		var (
			s   Store
			err error
		)
		switch ep.Kind {
		case KindSQLite:
			s, err = OpenSQLite(ctx, ep.Path)
		case KindRedis:
			cfg := RedisConfig{
				Addr:         ep.Addr,
				URL:          ep.URL,
				DialTimeout:  opts.DialTimeout,
				ReadTimeout:  opts.ReadTimeout,
				WriteTimeout: opts.WriteTimeout,
			}
			if opts.Dialer != nil {
				cfg.Dialer = opts.Dialer.Dial
			}
			s, err = NewRedis(cfg)
		default:
			return nil, retry.Permanent(fmt.Errorf("registry backend %q not supported", ep.Kind))
		}
		if err != nil {
			// A bad URL or an unopenable database file does not heal.
			return nil, retry.Permanent(err)
		}
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, swerrors.Wrap("connect", ep.String(), err)
		}
		return s, nil
	}
}

// Connect opens the registry with b's retry schedule, stopping early on
// errors that another attempt cannot fix. Any failure wraps
// ErrRegistryUnavailable.
func Connect(ctx context.Context, open Opener, b *retry.Backoff) (Store, error) {
	if b == nil {
		b = &retry.Backoff{MaxAttempts: 1}
	}
	if b.Retryable == nil {
		bb := *b
		bb.Retryable = swerrors.IsRetryable
		b = &bb
	}
	var s Store
	err := b.Do(ctx, func(int) error {
		var err error
		s, err = open(ctx)
		return err
	})
	if err != nil {
		return nil, swerrors.WrapRegistry("connect", "",
			fmt.Errorf("%w: %w", swerrors.ErrRegistryUnavailable, err))
	}
	return s, nil
}
