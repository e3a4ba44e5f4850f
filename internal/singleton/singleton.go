// Package singleton enforces one running agent per host. It combines an
// OS exclusive lock on a lock file with a liveness record so that crashed
// owners are detected and taken over, while live owners are never evicted.
package singleton

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cms-fleet/cms-agent/internal/clock"
	"github.com/cms-fleet/cms-agent/internal/logging"
	"github.com/cms-fleet/cms-agent/internal/platform"
)

// AcquireResult reports how Acquire resolved.
type AcquireResult int

const (
	// Acquired means the lock file was created fresh.
	Acquired AcquireResult = iota
	// AcquiredStaleTakeover means an abandoned lock was taken over.
	AcquiredStaleTakeover
	// HeldByLiveProcess means another agent owns the lock.
	HeldByLiveProcess
)

// DefaultStaleTimeout is how old a heartbeat may be before the record is
// considered abandoned.
const DefaultStaleTimeout = 120 * time.Second

// Guard is the per-host mutual-exclusion lock. The zero value is not
// usable; construct with New.
type Guard struct {
	path         string
	staleTimeout time.Duration
	log          *logging.Logger
	clk          clock.Clock
	pidAlive     func(int) bool
	pid          int

	mu     sync.Mutex
	file   *os.File
	held   bool
	stopHB chan struct{}
	hbDone chan struct{}
}

// Option customizes a Guard.
type Option func(*Guard)

// WithStaleTimeout overrides the stale-heartbeat threshold.
func WithStaleTimeout(d time.Duration) Option {
	return func(g *Guard) { g.staleTimeout = d }
}

// WithPIDProbe overrides process-liveness probing. Tests use this.
func WithPIDProbe(f func(int) bool) Option {
	return func(g *Guard) { g.pidAlive = f }
}

// WithClock overrides the clock. Tests use this.
func WithClock(c clock.Clock) Option {
	return func(g *Guard) { g.clk = c }
}

// New creates a Guard for the lock file at path.
func New(path string, log *logging.Logger, opts ...Option) *Guard {
	g := &Guard{
		path:         path,
		staleTimeout: DefaultStaleTimeout,
		log:          log,
		clk:          clock.Real{},
		pidAlive:     platform.PIDAlive,
		pid:          os.Getpid(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// heartbeatInterval is the refresh cadence: half the stale timeout, with a
// 15 s floor so the timestamp always has safe margin before staleness.
func (g *Guard) heartbeatInterval() time.Duration {
	iv := g.staleTimeout / 2
	if iv < 15*time.Second {
		iv = 15 * time.Second
	}
	return iv
}

// Acquire attempts to take the lock. It never blocks: the outcome is one
// of fresh acquisition, stale takeover, or refusal because a live process
// holds the lock.
func (g *Guard) Acquire() (AcquireResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return Acquired, nil
	}

	// Fresh path: atomic create.
	f, err := os.OpenFile(g.path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err == nil {
		if res, lockErr := g.lockAndRecord(f); lockErr != nil {
			f.Close()
			os.Remove(g.path)
			return res, lockErr
		}
		g.startHeartbeat()
		return Acquired, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return HeldByLiveProcess, fmt.Errorf("create lock file: %w", err)
	}

	// File exists: try to lock it. A live owner holds the byte-range lock
	// continuously, so success means the previous owner is gone.
	f, err = os.OpenFile(g.path, os.O_RDWR, 0o600)
	if err != nil {
		return HeldByLiveProcess, fmt.Errorf("open existing lock file: %w", err)
	}
	locked, err := platform.TryLockFile(f)
	if err != nil {
		f.Close()
		return HeldByLiveProcess, fmt.Errorf("probe lock: %w", err)
	}
	if !locked {
		f.Close()
		return HeldByLiveProcess, nil
	}

	// Lock-free file: confirm staleness from the record before evicting.
	if pid, hb, ok := g.readRecord(f); ok {
		fresh := g.clk.Since(hb) < g.staleTimeout
		if fresh && g.pidAlive(pid) {
			_ = platform.UnlockFile(f)
			f.Close()
			return HeldByLiveProcess, nil
		}
		g.log.Warn("taking over stale singleton lock",
			"path", g.path, "stale_pid", pid, "heartbeat", hb)
	}

	if err := g.writeRecord(f); err != nil {
		_ = platform.UnlockFile(f)
		f.Close()
		return HeldByLiveProcess, fmt.Errorf("overwrite stale record: %w", err)
	}
	g.file = f
	g.held = true
	g.startHeartbeat()
	return AcquiredStaleTakeover, nil
}

// lockAndRecord locks a freshly created file and writes the record.
func (g *Guard) lockAndRecord(f *os.File) (AcquireResult, error) {
	locked, err := platform.TryLockFile(f)
	if err != nil {
		return HeldByLiveProcess, fmt.Errorf("lock fresh file: %w", err)
	}
	if !locked {
		// Lost a create/lock race with another starting agent.
		return HeldByLiveProcess, errors.New("lock taken between create and lock")
	}
	if err := g.writeRecord(f); err != nil {
		_ = platform.UnlockFile(f)
		return HeldByLiveProcess, fmt.Errorf("write lock record: %w", err)
	}
	g.file = f
	g.held = true
	return Acquired, nil
}

// writeRecord rewrites the lock record "PID|ISO-timestamp".
func (g *Guard) writeRecord(f *os.File) error {
	record := fmt.Sprintf("%d|%s", g.pid, g.clk.Now().UTC().Format(time.RFC3339))
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(record), 0); err != nil {
		return err
	}
	return f.Sync()
}

// readRecord parses "PID|ISO-timestamp" from the lock file.
func (g *Guard) readRecord(f *os.File) (pid int, heartbeat time.Time, ok bool) {
	buf := make([]byte, 128)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return 0, time.Time{}, false
	}
	parts := strings.SplitN(strings.TrimRight(string(buf[:n]), "\x00\n "), "|", 2)
	if len(parts) != 2 {
		return 0, time.Time{}, false
	}
	pid, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, time.Time{}, false
	}
	heartbeat, err = time.Parse(time.RFC3339, parts[1])
	if err != nil {
		return 0, time.Time{}, false
	}
	return pid, heartbeat, true
}

// startHeartbeat refreshes the record timestamp on a timer so other
// processes can judge staleness even if the OS lock outlives us oddly.
// Caller holds g.mu.
func (g *Guard) startHeartbeat() {
	g.stopHB = make(chan struct{})
	g.hbDone = make(chan struct{})
	go func() {
		defer close(g.hbDone)
		for {
			select {
			case <-g.stopHB:
				return
			case <-g.clk.After(g.heartbeatInterval()):
				g.mu.Lock()
				if g.held && g.file != nil {
					if err := g.writeRecord(g.file); err != nil {
						g.log.Warn("singleton heartbeat write failed", "error", err)
					}
				}
				g.mu.Unlock()
			}
		}
	}()
}

// Release unlocks and removes the lock file. Safe to call multiple times
// and registered on every exit path.
func (g *Guard) Release() {
	g.mu.Lock()
	if !g.held {
		g.mu.Unlock()
		return
	}
	g.held = false
	close(g.stopHB)
	file := g.file
	g.file = nil
	done := g.hbDone
	g.mu.Unlock()

	<-done
	if file != nil {
		_ = platform.UnlockFile(file)
		file.Close()
	}
	if err := os.Remove(g.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		g.log.Warn("failed to remove lock file", "path", g.path, "error", err)
	}
}

// Held reports whether this process currently owns the lock.
func (g *Guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

// WaitForRelease polls until the lock can be acquired by probing, or the
// timeout elapses. Used by `--force` after asking a running agent to
// restart. Returns true when the lock became free.
func WaitForRelease(path string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return true
		}
		f, err := os.OpenFile(path, os.O_RDWR, 0o600)
		if err == nil {
			locked, lockErr := platform.TryLockFile(f)
			if lockErr == nil && locked {
				_ = platform.UnlockFile(f)
				f.Close()
				return true
			}
			f.Close()
		}
		time.Sleep(500 * time.Millisecond)
	}
	return false
}
