package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cms-fleet/cms-agent/internal/platform"
)

// dialTimeout bounds connecting to a possibly-absent endpoint.
const dialTimeout = 3 * time.Second

// SendForceCommand asks a running agent to restart. Returns the server's
// status string, or StatusAgentNotRunning when no agent listens on the
// endpoint.
func SendForceCommand(isAdmin bool, newArgs []string, token string) (string, error) {
	endpoint := platform.EndpointName(isAdmin)
	conn, err := platform.DialIPC(endpoint, dialTimeout)
	if errors.Is(err, os.ErrNotExist) {
		return StatusAgentNotRunning, nil
	}
	if err != nil {
		return "", fmt.Errorf("dial ipc endpoint %s: %w", endpoint, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(dialTimeout))

	req := Request{Command: CommandForceRestart, Token: token, NewArgs: newArgs}
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal ipc request: %w", err)
	}
	if _, err := conn.Write(data); err != nil {
		return "", fmt.Errorf("send ipc request: %w", err)
	}

	var resp Response
	dec := json.NewDecoder(io.LimitReader(conn, maxMessageSize))
	if err := dec.Decode(&resp); err != nil {
		return "", fmt.Errorf("read ipc response: %w", err)
	}
	return resp.Status, nil
}
