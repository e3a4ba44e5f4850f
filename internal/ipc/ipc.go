// Package ipc implements the agent's local control endpoint: a
// platform-local listener (named pipe on Windows, unix socket elsewhere)
// that authenticates callers with the session token and implements the
// force_restart handshake used by `--force` invocations.
package ipc

// Request is the one-message-per-connection request document.
type Request struct {
	Command string   `json:"command"`
	Token   string   `json:"token"`
	NewArgs []string `json:"new_args,omitempty"`
}

// Response statuses.
const (
	StatusAcknowledged    = "acknowledged"
	StatusInvalidToken    = "invalid_token"
	StatusBusyUpdating    = "busy_updating"
	StatusUnknownCommand  = "unknown_command"
	StatusAgentNotRunning = "agent_not_running"
)

// Response is the reply document.
type Response struct {
	Status string `json:"status"`
}

// CommandForceRestart asks the running agent to shut down so the caller
// can take over the singleton lock.
const CommandForceRestart = "force_restart"

// maxMessageSize bounds request and response documents.
const maxMessageSize = 4 * 1024

// PlaceholderToken is installed before the first successful
// authentication. Ordinary pre-auth callers are rejected with
// invalid_token because they cannot know it.
const PlaceholderToken = "123"
