package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cms-fleet/cms-agent/internal/logging"
	"github.com/cms-fleet/cms-agent/internal/metrics"
)

// ExecutorConfig sizes the worker pool and queue.
type ExecutorConfig struct {
	MaxParallel    int           // worker count (default 2)
	QueueCapacity  int           // rejection threshold (default MaxParallel*10)
	DefaultTimeout time.Duration // subprocess timeout (default 300s)
}

func (c *ExecutorConfig) applyDefaults() {
	if c.MaxParallel <= 0 {
		c.MaxParallel = 2
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = c.MaxParallel * 10
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 300 * time.Second
	}
}

// Executor is the bounded concurrent command executor.
type Executor struct {
	cfg      ExecutorConfig
	handlers map[string]Handler
	emit     EmitFunc
	log      *logging.Logger

	queue chan Command

	mu       sync.Mutex
	started  bool
	stopping bool
	wg       sync.WaitGroup
}

// NewExecutor creates an executor. Handlers are registered per command
// type before Start.
func NewExecutor(cfg ExecutorConfig, emit EmitFunc, log *logging.Logger) *Executor {
	cfg.applyDefaults()
	return &Executor{
		cfg:      cfg,
		handlers: make(map[string]Handler),
		emit:     emit,
		log:      log,
		queue:    make(chan Command, cfg.QueueCapacity),
	}
}

// Register installs the handler for a command type.
func (e *Executor) Register(cmdType string, h Handler) {
	e.handlers[cmdType] = h
}

// Start launches the worker pool.
func (e *Executor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	for i := 0; i < e.cfg.MaxParallel; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	e.log.Info("command executor started",
		"workers", e.cfg.MaxParallel, "queue_capacity", e.cfg.QueueCapacity)
}

// Submit validates and enqueues a command. Validation failures and queue
// overflow produce immediate synthetic results; nothing is enqueued for
// them.
func (e *Executor) Submit(c Command) {
	if c.Payload == "" || c.ID == "" {
		e.log.Warn("rejecting invalid command envelope", "command_id", c.ID, "type", c.Type)
		metrics.CommandsTotal.WithLabelValues("rejected").Inc()
		e.emit(c.ID, Result{
			Type:    c.Type,
			Success: false,
			Result:  ErrInfo{ErrorType: ErrTypeInput, Message: "command envelope requires an id and a non-empty command string"},
		})
		return
	}

	if c.ReceivedAt.IsZero() {
		c.ReceivedAt = time.Now()
	}

	// The enqueue happens under the lock so it cannot race Stop's close
	// of the queue channel.
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		e.rejectQueueFull(c, "executor is shutting down")
		return
	}
	var accepted bool
	select {
	case e.queue <- c:
		accepted = true
	default:
	}
	e.mu.Unlock()

	if accepted {
		metrics.QueueDepth.Set(float64(len(e.queue)))
	} else {
		e.rejectQueueFull(c, fmt.Sprintf("command queue is full (capacity %d)", e.cfg.QueueCapacity))
	}
}

func (e *Executor) rejectQueueFull(c Command, msg string) {
	e.log.Warn("rejecting command", "command_id", c.ID, "reason", msg)
	metrics.CommandsTotal.WithLabelValues("rejected").Inc()
	e.emit(c.ID, Result{
		Type:    c.Type,
		Success: false,
		Result:  ErrInfo{ErrorType: ErrTypeQueue, Message: msg},
	})
}

// QueueDepth returns the number of commands currently waiting.
func (e *Executor) QueueDepth() int { return len(e.queue) }

// worker consumes the queue until it is closed and drained.
func (e *Executor) worker(n int) {
	defer e.wg.Done()
	for c := range e.queue {
		metrics.QueueDepth.Set(float64(len(e.queue)))
		e.runOne(n, c)
	}
}

// runOne dispatches a single command to its handler with panic recovery.
func (e *Executor) runOne(worker int, c Command) {
	res := Result{Type: c.Type, Success: false, Result: nil}

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("handler panic", "worker", worker, "command_id", c.ID, "panic", r)
			res.Success = false
			res.Result = ErrInfo{
				ErrorType: ErrTypeHandler,
				Message:   fmt.Sprintf("handler panic: %v", r),
				Exception: fmt.Sprintf("%T", r),
			}
			e.emit(c.ID, res)
			metrics.CommandsTotal.WithLabelValues("failed").Inc()
		}
	}()

	h, ok := e.handlers[c.Type]
	if !ok {
		res.Result = ErrInfo{ErrorType: ErrTypeHandler, Message: fmt.Sprintf("no handler registered for type %q", c.Type)}
		e.emit(c.ID, res)
		metrics.CommandsTotal.WithLabelValues("failed").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DefaultTimeout)
	start := time.Now()
	h.Execute(ctx, c, &res)
	cancel()
	metrics.CommandDuration.Observe(time.Since(start).Seconds())

	e.emit(c.ID, res)
	if res.Success {
		metrics.CommandsTotal.WithLabelValues("success").Inc()
	} else {
		metrics.CommandsTotal.WithLabelValues("failed").Inc()
	}
}

// Stop shuts the executor down. Graceful lets queued commands finish;
// non-graceful discards the queue first. Wait is bounded by
// timeout × worker count.
func (e *Executor) Stop(graceful bool, timeout time.Duration) {
	e.mu.Lock()
	if !e.started || e.stopping {
		e.mu.Unlock()
		return
	}
	e.stopping = true
	if !graceful {
		// Purge whatever is still queued; workers finish only their
		// in-flight command.
	purge:
		for {
			select {
			case c := <-e.queue:
				e.log.Warn("discarding queued command on non-graceful stop", "command_id", c.ID)
			default:
				break purge
			}
		}
	}
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	joinTimeout := timeout * time.Duration(e.cfg.MaxParallel)
	select {
	case <-done:
		e.log.Info("command executor stopped", "graceful", graceful)
	case <-time.After(joinTimeout):
		e.log.Warn("command executor stop timed out; workers abandoned", "timeout", joinTimeout)
	}
	metrics.QueueDepth.Set(0)
}
