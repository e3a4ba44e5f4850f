// Package command implements the bounded concurrent command execution
// pipeline: a fixed worker pool consuming a bounded queue, per-type
// handler dispatch, and timeout-bounded subprocess execution. Every
// accepted command produces exactly one result, including validation
// failures, queue overflow, missing handlers, and handler panics.
package command

import (
	"context"
	"time"
)

// Command is one queued execution request.
type Command struct {
	ID         string
	Type       string // "console" or "system"
	Payload    string
	ReceivedAt time.Time
}

// Result is the structured outcome emitted for a command.
type Result struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Result  any    `json:"result"`
}

// ExecOutput is the result payload of a completed subprocess.
type ExecOutput struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// ErrInfo is the result payload of a failed command.
type ErrInfo struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
	Exception string `json:"exception,omitempty"`
}

// Error types carried in ErrInfo.
const (
	ErrTypeInput    = "InputError"
	ErrTypeQueue    = "QueueError"
	ErrTypeHandler  = "HandlerError"
	ErrTypeExecutor = "ExecutorError"
)

// Handler executes one command type. Implementations mutate res in place
// and reflect their own failures in res.Result; they do not panic by
// contract, but the worker still recovers if one does.
type Handler interface {
	Execute(ctx context.Context, c Command, res *Result)
}

// EmitFunc receives the result for a command. The agent core wires this
// to the push channel (and the local journal).
type EmitFunc func(commandID string, res Result)
