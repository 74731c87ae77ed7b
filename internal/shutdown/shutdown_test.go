package shutdown

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type recorder struct {
	mu     sync.Mutex
	raised []os.Signal
}

func (r *recorder) raise(sig os.Signal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raised = append(r.raised, sig)
	return nil
}

func (r *recorder) signals() []os.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]os.Signal(nil), r.raised...)
}

func waitFired(t *testing.T, c *Coordinator) {
	t.Helper()
	select {
	case <-c.Fired():
	case <-time.After(5 * time.Second):
		t.Fatal("coordinator did not fire")
	}
}

func TestCoordinator_SignalRunsCleanupOnceAndReraises(t *testing.T) {
	var calls atomic.Int32
	rec := &recorder{}
	c := New(func(context.Context) error {
		calls.Add(1)
		return nil
	}, WithSignals(unix.SIGUSR1), WithRaise(rec.raise))

	assert.Equal(t, StateIdle, c.State())
	c.Arm()
	assert.Equal(t, StateArmed, c.State())

	require.NoError(t, unix.Kill(unix.Getpid(), unix.SIGUSR1))
	waitFired(t, c)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, StateDone, c.State())
	assert.Equal(t, []os.Signal{unix.SIGUSR1}, rec.signals())

	// The normal exit path must not clean up a second time.
	require.NoError(t, c.Exit(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCoordinator_ExitWithoutSignal(t *testing.T) {
	var calls atomic.Int32
	rec := &recorder{}
	c := New(func(context.Context) error {
		calls.Add(1)
		return nil
	}, WithSignals(unix.SIGUSR2), WithRaise(rec.raise))
	c.Arm()

	require.NoError(t, c.Exit(context.Background()))
	require.NoError(t, c.Exit(context.Background()))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, StateDone, c.State())
	assert.Empty(t, rec.signals())
}

func TestCoordinator_ExitBeforeArm(t *testing.T) {
	var calls atomic.Int32
	c := New(func(context.Context) error {
		calls.Add(1)
		return nil
	})
	require.NoError(t, c.Exit(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestCoordinator_CleanupErrorReturnedFromExit(t *testing.T) {
	boom := errors.New("registry unreachable")
	c := New(func(context.Context) error { return boom })
	assert.ErrorIs(t, c.Exit(context.Background()), boom)
	// Still reported on a repeat call, without running again.
	assert.ErrorIs(t, c.Exit(context.Background()), boom)
}

func TestCoordinator_CleanupIsBounded(t *testing.T) {
	c := New(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithTimeout(50*time.Millisecond))

	start := time.Now()
	err := c.Exit(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCoordinator_ConcurrentSignalAndExit(t *testing.T) {
	var calls atomic.Int32
	rec := &recorder{}
	c := New(func(context.Context) error {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return nil
	}, WithSignals(unix.SIGUSR1), WithRaise(rec.raise))
	c.Arm()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.fire(unix.SIGUSR1)
	}()
	go func() {
		defer wg.Done()
		_ = c.Exit(context.Background())
	}()
	wg.Wait()

	// Whichever path won, the cleanup ran exactly once.
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, StateDone, c.State())
	assert.Equal(t, []os.Signal{unix.SIGUSR1}, rec.signals())
}

func TestCoordinator_RaiseFailureFallsBackToExit(t *testing.T) {
	exited := make(chan int, 1)
	c := New(nil,
		WithSignals(unix.SIGUSR2),
		WithRaise(func(os.Signal) error { return errors.New("kill: operation not permitted") }),
		WithExit(func(code int) { exited <- code }),
	)
	c.Arm()

	require.NoError(t, unix.Kill(unix.Getpid(), unix.SIGUSR2))

	select {
	case code := <-exited:
		assert.Equal(t, 128+int(unix.SIGUSR2), code)
	case <-time.After(5 * time.Second):
		t.Fatal("exit fallback not called")
	}
}

const childEnv = "P4SWITCH_SHUTDOWN_CHILD"

// runSignalChild mimics main: arm, wait for the coordinator, then exit
// normally. Exiting 0 here means the signal was swallowed.
func runSignalChild() {
	c := New(func(context.Context) error {
		fmt.Println("cleaned")
		return nil
	})
	c.Arm()
	fmt.Println("armed")
	<-c.Fired()
	os.Exit(0)
}

func TestCoordinator_SignalTerminatesProcess(t *testing.T) {
	if os.Getenv(childEnv) == "1" {
		runSignalChild()
		return
	}

	for i := 0; i < 5; i++ {
		cmd := exec.Command(os.Args[0], "-test.run=^TestCoordinator_SignalTerminatesProcess$")
		cmd.Env = append(os.Environ(), childEnv+"=1")
		stdout, err := cmd.StdoutPipe()
		require.NoError(t, err)
		require.NoError(t, cmd.Start())

		r := bufio.NewReader(stdout)
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		require.Equal(t, "armed\n", line)

		require.NoError(t, cmd.Process.Signal(unix.SIGTERM))
		rest, _ := io.ReadAll(r)
		err = cmd.Wait()

		var ee *exec.ExitError
		require.ErrorAs(t, err, &ee, "child exited cleanly instead of dying by signal")
		ws := ee.Sys().(syscall.WaitStatus)
		assert.True(t, ws.Signaled(), "exit status %d, want death by SIGTERM", ws.ExitStatus())
		assert.Equal(t, syscall.SIGTERM, ws.Signal())
		assert.Contains(t, string(rest), "cleaned")
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "armed", StateArmed.String())
	assert.Equal(t, "fired", StateFired.String())
	assert.Equal(t, "unknown", State(9).String())
}
