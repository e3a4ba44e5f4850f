package command

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cms-fleet/cms-agent/internal/logging"
)

// resultCollector records emitted results in arrival order.
type resultCollector struct {
	mu      sync.Mutex
	results map[string]Result
	order   []string
}

func newCollector() *resultCollector {
	return &resultCollector{results: make(map[string]Result)}
}

func (rc *resultCollector) emit(id string, res Result) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.results[id] = res
	rc.order = append(rc.order, id)
}

func (rc *resultCollector) get(id string) (Result, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	r, ok := rc.results[id]
	return r, ok
}

func (rc *resultCollector) count() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.order)
}

func (rc *resultCollector) waitFor(t *testing.T, id string, timeout time.Duration) Result {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if r, ok := rc.get(id); ok {
			return r
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no result for command %s within %s", id, timeout)
	return Result{}
}

// blockingHandler parks until released.
type blockingHandler struct {
	release chan struct{}
	started chan string
}

func (h *blockingHandler) Execute(ctx context.Context, c Command, res *Result) {
	select {
	case h.started <- c.ID:
	default:
	}
	select {
	case <-h.release:
		res.Success = true
		res.Result = ExecOutput{ExitCode: 0}
	case <-ctx.Done():
		res.Result = ExecOutput{ExitCode: 124, Stderr: "command timed out"}
	}
}

type echoHandler struct{}

func (echoHandler) Execute(_ context.Context, c Command, res *Result) {
	res.Success = true
	res.Result = ExecOutput{Stdout: c.Payload}
}

type panicHandler struct{}

func (panicHandler) Execute(context.Context, Command, *Result) {
	panic("handler exploded")
}

func errInfo(t *testing.T, r Result) ErrInfo {
	t.Helper()
	ei, ok := r.Result.(ErrInfo)
	if !ok {
		t.Fatalf("result payload = %T, want ErrInfo", r.Result)
	}
	return ei
}

func TestSubmitRejectsInvalidEnvelope(t *testing.T) {
	rc := newCollector()
	e := NewExecutor(ExecutorConfig{}, rc.emit, logging.NewDiscard())
	e.Start()
	defer e.Stop(true, time.Second)

	e.Submit(Command{ID: "c1", Type: "console", Payload: ""})
	r := rc.waitFor(t, "c1", time.Second)
	if r.Success {
		t.Error("empty payload should fail")
	}
	if ei := errInfo(t, r); ei.ErrorType != ErrTypeInput {
		t.Errorf("error type = %s, want %s", ei.ErrorType, ErrTypeInput)
	}
}

func TestMissingHandler(t *testing.T) {
	rc := newCollector()
	e := NewExecutor(ExecutorConfig{}, rc.emit, logging.NewDiscard())
	e.Start()
	defer e.Stop(true, time.Second)

	e.Submit(Command{ID: "c1", Type: "nonsense", Payload: "whoami"})
	r := rc.waitFor(t, "c1", time.Second)
	if r.Success {
		t.Error("missing handler should fail")
	}
	if ei := errInfo(t, r); ei.ErrorType != ErrTypeHandler {
		t.Errorf("error type = %s, want %s", ei.ErrorType, ErrTypeHandler)
	}
}

func TestPanicRecovery(t *testing.T) {
	rc := newCollector()
	e := NewExecutor(ExecutorConfig{MaxParallel: 1}, rc.emit, logging.NewDiscard())
	e.Register("console", panicHandler{})
	e.Start()
	defer e.Stop(true, time.Second)

	e.Submit(Command{ID: "boom", Type: "console", Payload: "x"})
	r := rc.waitFor(t, "boom", time.Second)
	if r.Success {
		t.Error("panicking handler should produce a failure result")
	}
	ei := errInfo(t, r)
	if ei.ErrorType != ErrTypeHandler {
		t.Errorf("error type = %s, want %s", ei.ErrorType, ErrTypeHandler)
	}
	if ei.Exception == "" {
		t.Error("panic result should carry the exception type")
	}

	// The worker survives and keeps serving.
	e.Register("echo", echoHandler{})
	e.Submit(Command{ID: "after", Type: "echo", Payload: "still alive"})
	r = rc.waitFor(t, "after", time.Second)
	if !r.Success {
		t.Error("worker should keep processing after a panic")
	}
}

func TestQueueOverflowBurst(t *testing.T) {
	rc := newCollector()
	h := &blockingHandler{release: make(chan struct{}), started: make(chan string, 8)}
	e := NewExecutor(ExecutorConfig{MaxParallel: 1, QueueCapacity: 2}, rc.emit, logging.NewDiscard())
	e.Register("console", h)
	e.Start()

	// One in flight, two queued, the rest rejected.
	e.Submit(Command{ID: "c0", Type: "console", Payload: "x"})
	select {
	case <-h.started:
	case <-time.After(time.Second):
		t.Fatal("worker never started c0")
	}
	for i := 1; i <= 5; i++ {
		e.Submit(Command{ID: "c" + string(rune('0'+i)), Type: "console", Payload: "x"})
	}

	// Rejections are synchronous; wait only for them.
	rejected := 0
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && rejected < 3 {
		rejected = 0
		for i := 1; i <= 5; i++ {
			if r, ok := rc.get("c" + string(rune('0'+i))); ok {
				if ei, isErr := r.Result.(ErrInfo); isErr && ei.ErrorType == ErrTypeQueue {
					rejected++
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	if rejected != 3 {
		t.Errorf("rejected = %d, want 3 (capacity 2 + 1 in flight)", rejected)
	}

	close(h.release)
	e.Stop(true, time.Second)

	// Everything accepted eventually completed.
	for _, id := range []string{"c0"} {
		if r, ok := rc.get(id); !ok || !r.Success {
			t.Errorf("command %s = %+v, want success", id, r)
		}
	}
	if rc.count() != 6 {
		t.Errorf("total results = %d, want 6 (one per submission)", rc.count())
	}
}

func TestHandlerTimeout(t *testing.T) {
	rc := newCollector()
	h := &blockingHandler{release: make(chan struct{}), started: make(chan string, 1)}
	e := NewExecutor(ExecutorConfig{MaxParallel: 1, DefaultTimeout: 50 * time.Millisecond}, rc.emit, logging.NewDiscard())
	e.Register("console", h)
	e.Start()
	defer e.Stop(true, time.Second)

	e.Submit(Command{ID: "slow", Type: "console", Payload: "sleep"})
	r := rc.waitFor(t, "slow", 2*time.Second)
	if r.Success {
		t.Error("timed-out command should fail")
	}
	out, ok := r.Result.(ExecOutput)
	if !ok {
		t.Fatalf("result payload = %T, want ExecOutput", r.Result)
	}
	if out.ExitCode != 124 {
		t.Errorf("exit code = %d, want 124", out.ExitCode)
	}
}

func TestNonGracefulStopDiscardsQueue(t *testing.T) {
	rc := newCollector()
	h := &blockingHandler{release: make(chan struct{}), started: make(chan string, 1)}
	e := NewExecutor(ExecutorConfig{MaxParallel: 1, QueueCapacity: 4}, rc.emit, logging.NewDiscard())
	e.Register("console", h)
	e.Start()

	e.Submit(Command{ID: "running", Type: "console", Payload: "x"})
	select {
	case <-h.started:
	case <-time.After(time.Second):
		t.Fatal("worker never started")
	}
	e.Submit(Command{ID: "queued1", Type: "console", Payload: "x"})
	e.Submit(Command{ID: "queued2", Type: "console", Payload: "x"})

	close(h.release)
	e.Stop(false, time.Second)

	if r, ok := rc.get("running"); !ok || !r.Success {
		t.Errorf("in-flight command = %+v, want completed", r)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	e := NewExecutor(ExecutorConfig{}, newCollector().emit, logging.NewDiscard())
	e.Start()
	e.Stop(true, time.Second)
	e.Stop(true, time.Second) // second call must return immediately
}

func TestSubmitAfterStopIsRejected(t *testing.T) {
	rc := newCollector()
	e := NewExecutor(ExecutorConfig{}, rc.emit, logging.NewDiscard())
	e.Start()
	e.Stop(true, time.Second)

	e.Submit(Command{ID: "late", Type: "console", Payload: "x"})
	r, ok := rc.get("late")
	if !ok {
		t.Fatal("late submission should get a synchronous rejection")
	}
	if ei := errInfo(t, r); ei.ErrorType != ErrTypeQueue {
		t.Errorf("error type = %s, want %s", ei.ErrorType, ErrTypeQueue)
	}
}
