package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/cms-fleet/cms-agent/internal/logging"
	"github.com/cms-fleet/cms-agent/internal/metrics"
)

// ConnState is the push channel's observable state.
type ConnState int32

const (
	// StateDisconnected means no live transport.
	StateDisconnected ConnState = iota
	// StateConnected means the transport is up but the server has not yet
	// confirmed authentication. Nothing may be emitted in this state.
	StateConnected
	// StateAuthenticated means the server sent auth_success.
	StateAuthenticated
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "transport_connected_unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

// EventSink receives server-initiated events. The agent core implements it;
// injecting the sink keeps the push client free of upward dependencies.
type EventSink interface {
	// OnCommand delivers a command envelope for execution.
	OnCommand(id, commandType, payload string)
	// OnNewVersion signals that the server advertises a new stable
	// version. It is a nudge, not a manifest.
	OnNewVersion(version string)
}

// ReconnectPolicy configures the transport-level reconnector.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  *int // nil = retry forever
}

// frame is the wire format of one push-channel message in either
// direction.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StatusUpdatePayload is the agent:status_update emission.
type StatusUpdatePayload struct {
	CPUUsage  float64 `json:"cpuUsage"`
	RAMUsage  float64 `json:"ramUsage"`
	DiskUsage float64 `json:"diskUsage"`
	AgentID   string  `json:"agentId"`
}

// CommandResultPayload is the agent:command_result emission.
type CommandResultPayload struct {
	CommandID string `json:"commandId"`
	AgentID   string `json:"agentId"`
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	Result    any    `json:"result"`
}

// PushClient is the long-lived bidirectional event channel to the control
// plane. The transport reconnects on its own timer; application-level
// authentication is confirmed by a server-sent auth_success event before
// any emission is allowed.
type PushClient struct {
	wsURL  string
	policy ReconnectPolicy
	sink   EventSink
	log    *logging.Logger
	dialer *websocket.Dialer

	state atomic.Int32

	mu       sync.Mutex
	deviceID string
	token    string
	conn     *websocket.Conn
	authedCh chan struct{}
	stopCh   chan struct{}
	started  bool
	wg       sync.WaitGroup

	writeMu sync.Mutex
}

// NewPushClient creates a push client for the given server base URL.
func NewPushClient(serverURL string, policy ReconnectPolicy, sink EventSink, log *logging.Logger) *PushClient {
	ws := strings.TrimRight(serverURL, "/") + "/api/agent/push"
	ws = strings.Replace(ws, "https://", "wss://", 1)
	ws = strings.Replace(ws, "http://", "ws://", 1)
	return &PushClient{
		wsURL:    ws,
		policy:   policy,
		sink:     sink,
		log:      log,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		authedCh: make(chan struct{}),
		stopCh:   make(chan struct{}),
	}
}

// UpdateToken supplies the token used on the next handshake. PushClient is
// a TokenHandle sink.
func (p *PushClient) UpdateToken(token string) {
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
}

// State returns the current observable connection state.
func (p *PushClient) State() ConnState {
	return ConnState(p.state.Load())
}

// ConnectAndAuthenticate starts the transport with authentication
// credentials in the handshake. It does not block; callers gate on
// WaitForAuthenticated.
func (p *PushClient) ConnectAndAuthenticate(deviceID, token string) {
	p.mu.Lock()
	p.deviceID = deviceID
	p.token = token
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go p.reconnectLoop()
}

// WaitForAuthenticated blocks until the server confirms authentication or
// the timeout elapses.
func (p *PushClient) WaitForAuthenticated(timeout time.Duration) bool {
	p.mu.Lock()
	ch := p.authedCh
	p.mu.Unlock()
	if p.State() == StateAuthenticated {
		return true
	}
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return p.State() == StateAuthenticated
	}
}

// Disconnect stops the reconnector and closes the transport.
func (p *PushClient) Disconnect() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	close(p.stopCh)
	conn := p.conn
	p.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	p.wg.Wait()
	p.state.Store(int32(StateDisconnected))
}

// reconnectLoop dials, runs one session, and retries with exponential
// backoff until Disconnect. A session that authenticated resets the
// backoff so the next reconnect starts fast.
func (p *PushClient) reconnectLoop() {
	defer p.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.policy.InitialDelay
	bo.MaxInterval = p.policy.MaxDelay
	bo.MaxElapsedTime = 0 // never give up by elapsed time
	bo.Reset()

	attempts := 0
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		authenticated, err := p.runSession()
		if p.stopped() {
			return
		}
		p.state.Store(int32(StateDisconnected))
		p.resetAuthSignal()

		if authenticated {
			bo.Reset()
			attempts = 0
		}
		attempts++
		if p.policy.MaxAttempts != nil && attempts >= *p.policy.MaxAttempts {
			p.log.Error("push channel giving up after max reconnect attempts",
				"attempts", attempts, "error", err)
			return
		}

		wait := bo.NextBackOff()
		p.log.Warn("push channel disconnected, reconnecting",
			"error", err, "backoff", wait)
		metrics.PushReconnects.Inc()
		select {
		case <-p.stopCh:
			return
		case <-time.After(wait):
		}
	}
}

func (p *PushClient) stopped() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// runSession dials the server, sends the in-band auth payload, and reads
// frames until the transport fails. Returns whether the session reached
// the authenticated state.
func (p *PushClient) runSession() (bool, error) {
	p.mu.Lock()
	deviceID, token := p.deviceID, p.token
	p.mu.Unlock()

	// Credentials ride in both the connection headers and an in-band auth
	// payload; servers may consume either.
	header := http.Header{}
	header.Set("X-Agent-Id", deviceID)
	header.Set("Authorization", "Bearer "+token)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	conn, _, err := p.dialer.DialContext(ctx, p.wsURL, header)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial push channel: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	p.state.Store(int32(StateConnected))
	p.log.Info("push transport connected", "url", p.wsURL)

	authPayload, _ := json.Marshal(map[string]string{"agentId": deviceID, "token": token})
	if err := p.writeFrame(frame{Event: "authenticate", Data: authPayload}); err != nil {
		conn.Close()
		return false, fmt.Errorf("send auth payload: %w", err)
	}

	wasAuthenticated := false
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			p.mu.Lock()
			p.conn = nil
			p.mu.Unlock()
			conn.Close()
			return wasAuthenticated, fmt.Errorf("read frame: %w", err)
		}
		if p.dispatch(f) {
			wasAuthenticated = true
		}
	}
}

// dispatch routes one server frame. Returns true when the frame
// transitioned the client to authenticated.
func (p *PushClient) dispatch(f frame) bool {
	switch f.Event {
	case "auth_success":
		p.state.Store(int32(StateAuthenticated))
		p.signalAuthenticated()
		p.log.Info("push channel authenticated")
		return true

	case "auth_failed":
		// Stay transport-connected but unauthenticated; retrying is the
		// caller's policy, not ours.
		p.log.Error("push channel authentication rejected by server")

	case "command:execute":
		var cmd struct {
			CommandID string `json:"commandId"`
			Command   string `json:"command"`
			Type      string `json:"type"`
		}
		if err := json.Unmarshal(f.Data, &cmd); err != nil {
			p.log.Error("malformed command:execute payload", "error", err)
			return false
		}
		if cmd.CommandID == "" {
			p.log.Error("command:execute missing command id, dropping")
			return false
		}
		if cmd.Type == "" {
			cmd.Type = "console"
		}
		if cmd.Command == "" {
			// The server gets a synthetic failure so the command does not
			// vanish silently.
			p.emitCommandError(cmd.CommandID, cmd.Type, "InputError", "command string missing")
			return false
		}
		p.sink.OnCommand(cmd.CommandID, cmd.Type, cmd.Command)

	case "new_version_available":
		var v struct {
			NewStableVersion string `json:"new_stable_version"`
		}
		if err := json.Unmarshal(f.Data, &v); err != nil || v.NewStableVersion == "" {
			p.log.Error("malformed new_version_available payload", "error", err)
			return false
		}
		p.sink.OnNewVersion(v.NewStableVersion)

	default:
		p.log.Debug("unhandled push event", "event", f.Event)
	}
	return false
}

// Emit sends an event to the server. Emissions require the authenticated
// state and a structured payload; anything else fails locally without
// touching the transport.
func (p *PushClient) Emit(event string, payload any) error {
	if p.State() != StateAuthenticated {
		return fmt.Errorf("push channel not authenticated (state %s), dropping %s", p.State(), event)
	}
	if !structured(payload) {
		return fmt.Errorf("emit %s: payload must be a structured record, got %T", event, payload)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("emit %s: marshal payload: %w", event, err)
	}
	return p.writeFrame(frame{Event: event, Data: data})
}

// EmitStatusUpdate sends an agent:status_update event.
func (p *PushClient) EmitStatusUpdate(s StatusUpdatePayload) error {
	if err := p.Emit("agent:status_update", s); err != nil {
		return err
	}
	metrics.StatusUpdatesSent.Inc()
	return nil
}

// EmitCommandResult sends an agent:command_result event.
func (p *PushClient) EmitCommandResult(r CommandResultPayload) error {
	return p.Emit("agent:command_result", r)
}

// emitCommandError sends a synthetic failure result for a command that
// never reached the executor.
func (p *PushClient) emitCommandError(id, cmdType, errType, message string) {
	p.mu.Lock()
	agentID := p.deviceID
	p.mu.Unlock()
	err := p.EmitCommandResult(CommandResultPayload{
		CommandID: id,
		AgentID:   agentID,
		Type:      cmdType,
		Success:   false,
		Result:    map[string]string{"error_type": errType, "message": message},
	})
	if err != nil {
		p.log.Error("failed to emit synthetic command error", "command_id", id, "error", err)
	}
}

// writeFrame serializes one frame. gorilla/websocket allows a single
// concurrent writer, hence the write mutex.
func (p *PushClient) writeFrame(f frame) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("push transport is down")
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(f)
}

func (p *PushClient) signalAuthenticated() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.authedCh:
		// already signalled
	default:
		close(p.authedCh)
	}
}

func (p *PushClient) resetAuthSignal() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.authedCh:
		p.authedCh = make(chan struct{})
	default:
	}
}

// structured accepts maps and structs (directly or behind pointers);
// scalars and raw blobs are rejected.
func structured(v any) bool {
	if v == nil {
		return false
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct || t.Kind() == reflect.Map
}
