package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cms-fleet/cms-agent/internal/logging"
)

// recordingSink captures events delivered to the agent core.
type recordingSink struct {
	mu       sync.Mutex
	commands [][3]string // id, type, payload
	versions []string
}

func (s *recordingSink) OnCommand(id, cmdType, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, [3]string{id, cmdType, payload})
}

func (s *recordingSink) OnNewVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions = append(s.versions, v)
}

func (s *recordingSink) commandCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commands)
}

func (s *recordingSink) lastCommand() ([3]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.commands) == 0 {
		return [3]string{}, false
	}
	return s.commands[len(s.commands)-1], true
}

func (s *recordingSink) versionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.versions)
}

// pushServer is a scripted control-plane endpoint for one websocket
// session at a time.
type pushServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	received []frame
	headers  http.Header
	connCh   chan struct{}
	rejected bool
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	ps := &pushServer{t: t, connCh: make(chan struct{}, 8)}
	ps.srv = httptest.NewServer(http.HandlerFunc(ps.handle))
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *pushServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := ps.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ps.mu.Lock()
	ps.conn = conn
	ps.headers = r.Header.Clone()
	rejected := ps.rejected
	ps.mu.Unlock()
	ps.connCh <- struct{}{}

	// First frame is the in-band authenticate payload.
	var auth frame
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	reply := "auth_success"
	if rejected {
		reply = "auth_failed"
	}
	_ = conn.WriteJSON(frame{Event: reply})

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		ps.mu.Lock()
		ps.received = append(ps.received, f)
		ps.mu.Unlock()
	}
}

func (ps *pushServer) send(f frame) {
	ps.mu.Lock()
	conn := ps.conn
	ps.mu.Unlock()
	if conn == nil {
		ps.t.Fatal("no websocket connection established")
	}
	if err := conn.WriteJSON(f); err != nil {
		ps.t.Fatalf("server write: %v", err)
	}
}

func (ps *pushServer) frames() []frame {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	out := make([]frame, len(ps.received))
	copy(out, ps.received)
	return out
}

func newTestPush(t *testing.T, srvURL string, sink EventSink) *PushClient {
	t.Helper()
	p := NewPushClient(srvURL, ReconnectPolicy{
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     200 * time.Millisecond,
	}, sink, logging.NewDiscard())
	t.Cleanup(p.Disconnect)
	return p
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestAuthenticationHandshake(t *testing.T) {
	ps := newPushServer(t)
	p := newTestPush(t, ps.srv.URL, &recordingSink{})

	p.ConnectAndAuthenticate("dev-1", "tok-1")
	if !p.WaitForAuthenticated(5 * time.Second) {
		t.Fatal("never authenticated")
	}
	if p.State() != StateAuthenticated {
		t.Errorf("state = %s, want authenticated", p.State())
	}

	// Credentials ride in the handshake headers too.
	ps.mu.Lock()
	auth := ps.headers.Get("Authorization")
	agent := ps.headers.Get("X-Agent-Id")
	ps.mu.Unlock()
	if auth != "Bearer tok-1" || agent != "dev-1" {
		t.Errorf("handshake headers = %q / %q", auth, agent)
	}
}

func TestAuthFailedStaysUnauthenticated(t *testing.T) {
	ps := newPushServer(t)
	ps.rejected = true
	p := newTestPush(t, ps.srv.URL, &recordingSink{})

	p.ConnectAndAuthenticate("dev-1", "bad-token")
	if p.WaitForAuthenticated(500 * time.Millisecond) {
		t.Fatal("authenticated despite auth_failed")
	}
	if p.State() == StateAuthenticated {
		t.Error("state must not be authenticated")
	}
}

func TestEmitRequiresAuthentication(t *testing.T) {
	p := newTestPush(t, "http://127.0.0.1:1", &recordingSink{})
	err := p.Emit("agent:status_update", StatusUpdatePayload{AgentID: "dev-1"})
	if err == nil {
		t.Error("emit before authentication should fail locally")
	}
}

func TestEmitRejectsUnstructuredPayload(t *testing.T) {
	ps := newPushServer(t)
	p := newTestPush(t, ps.srv.URL, &recordingSink{})
	p.ConnectAndAuthenticate("dev-1", "tok")
	if !p.WaitForAuthenticated(5 * time.Second) {
		t.Fatal("never authenticated")
	}

	for _, payload := range []any{nil, "a string", 42, []byte("blob")} {
		if err := p.Emit("agent:status_update", payload); err == nil {
			t.Errorf("Emit accepted unstructured payload %T", payload)
		}
	}
	if err := p.Emit("agent:status_update", StatusUpdatePayload{AgentID: "dev-1"}); err != nil {
		t.Errorf("Emit rejected structured payload: %v", err)
	}
}

func TestCommandDispatch(t *testing.T) {
	ps := newPushServer(t)
	sink := &recordingSink{}
	p := newTestPush(t, ps.srv.URL, sink)
	p.ConnectAndAuthenticate("dev-1", "tok")
	if !p.WaitForAuthenticated(5 * time.Second) {
		t.Fatal("never authenticated")
	}

	data, _ := json.Marshal(map[string]string{"commandId": "c1", "command": "whoami", "type": "console"})
	ps.send(frame{Event: "command:execute", Data: data})

	waitFor(t, 2*time.Second, func() bool { return sink.commandCount() == 1 })
	got, _ := sink.lastCommand()
	if got != [3]string{"c1", "console", "whoami"} {
		t.Errorf("command = %v", got)
	}
}

func TestCommandMissingTypeDefaultsToConsole(t *testing.T) {
	ps := newPushServer(t)
	sink := &recordingSink{}
	p := newTestPush(t, ps.srv.URL, sink)
	p.ConnectAndAuthenticate("dev-1", "tok")
	if !p.WaitForAuthenticated(5 * time.Second) {
		t.Fatal("never authenticated")
	}

	data, _ := json.Marshal(map[string]string{"commandId": "c2", "command": "hostname"})
	ps.send(frame{Event: "command:execute", Data: data})

	waitFor(t, 2*time.Second, func() bool { return sink.commandCount() == 1 })
	got, _ := sink.lastCommand()
	if got[1] != "console" {
		t.Errorf("type = %q, want console default", got[1])
	}
}

func TestCommandMissingIDIsDropped(t *testing.T) {
	ps := newPushServer(t)
	sink := &recordingSink{}
	p := newTestPush(t, ps.srv.URL, sink)
	p.ConnectAndAuthenticate("dev-1", "tok")
	if !p.WaitForAuthenticated(5 * time.Second) {
		t.Fatal("never authenticated")
	}

	data, _ := json.Marshal(map[string]string{"command": "whoami"})
	ps.send(frame{Event: "command:execute", Data: data})

	time.Sleep(200 * time.Millisecond)
	if sink.commandCount() != 0 {
		t.Error("command without id must be dropped")
	}
	if len(ps.frames()) != 0 {
		t.Error("no synthetic result should be sent for an id-less command")
	}
}

func TestCommandMissingStringGetsSyntheticError(t *testing.T) {
	ps := newPushServer(t)
	sink := &recordingSink{}
	p := newTestPush(t, ps.srv.URL, sink)
	p.ConnectAndAuthenticate("dev-1", "tok")
	if !p.WaitForAuthenticated(5 * time.Second) {
		t.Fatal("never authenticated")
	}

	data, _ := json.Marshal(map[string]string{"commandId": "c3"})
	ps.send(frame{Event: "command:execute", Data: data})

	waitFor(t, 2*time.Second, func() bool { return len(ps.frames()) == 1 })
	if sink.commandCount() != 0 {
		t.Error("command must not reach the executor")
	}
	f := ps.frames()[0]
	if f.Event != "agent:command_result" {
		t.Fatalf("event = %s", f.Event)
	}
	var result CommandResultPayload
	if err := json.Unmarshal(f.Data, &result); err != nil {
		t.Fatal(err)
	}
	if result.CommandID != "c3" || result.Success {
		t.Errorf("synthetic result = %+v", result)
	}
}

func TestNewVersionDispatch(t *testing.T) {
	ps := newPushServer(t)
	sink := &recordingSink{}
	p := newTestPush(t, ps.srv.URL, sink)
	p.ConnectAndAuthenticate("dev-1", "tok")
	if !p.WaitForAuthenticated(5 * time.Second) {
		t.Fatal("never authenticated")
	}

	data, _ := json.Marshal(map[string]string{"new_stable_version": "2.0.0"})
	ps.send(frame{Event: "new_version_available", Data: data})

	waitFor(t, 2*time.Second, func() bool { return sink.versionCount() == 1 })
}

func TestStatusUpdateEmission(t *testing.T) {
	ps := newPushServer(t)
	p := newTestPush(t, ps.srv.URL, &recordingSink{})
	p.ConnectAndAuthenticate("dev-1", "tok")
	if !p.WaitForAuthenticated(5 * time.Second) {
		t.Fatal("never authenticated")
	}

	err := p.EmitStatusUpdate(StatusUpdatePayload{CPUUsage: 10, RAMUsage: 20, DiskUsage: 30, AgentID: "dev-1"})
	if err != nil {
		t.Fatalf("EmitStatusUpdate: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(ps.frames()) == 1 })
	f := ps.frames()[0]
	if f.Event != "agent:status_update" {
		t.Errorf("event = %s", f.Event)
	}
	var s StatusUpdatePayload
	if err := json.Unmarshal(f.Data, &s); err != nil || s.CPUUsage != 10 || s.AgentID != "dev-1" {
		t.Errorf("payload = %+v (err %v)", s, err)
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	ps := newPushServer(t)
	p := newTestPush(t, ps.srv.URL, &recordingSink{})
	p.ConnectAndAuthenticate("dev-1", "tok")
	if !p.WaitForAuthenticated(5 * time.Second) {
		t.Fatal("never authenticated")
	}

	// Drain the first-connection signal, then kill the session
	// server-side; the client must come back on its own.
	<-ps.connCh
	ps.mu.Lock()
	ps.conn.Close()
	ps.mu.Unlock()

	select {
	case <-ps.connCh:
	case <-time.After(5 * time.Second):
		t.Fatal("client never reconnected")
	}
	if !p.WaitForAuthenticated(5 * time.Second) {
		t.Fatal("did not re-authenticate after reconnect")
	}
}

func TestDisconnectStopsReconnects(t *testing.T) {
	ps := newPushServer(t)
	p := newTestPush(t, ps.srv.URL, &recordingSink{})
	p.ConnectAndAuthenticate("dev-1", "tok")
	if !p.WaitForAuthenticated(5 * time.Second) {
		t.Fatal("never authenticated")
	}
	p.Disconnect()
	if p.State() != StateDisconnected {
		t.Errorf("state = %s after Disconnect", p.State())
	}
}
