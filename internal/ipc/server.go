package ipc

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/cms-fleet/cms-agent/internal/logging"
	"github.com/cms-fleet/cms-agent/internal/platform"
)

// CoreControl is the narrow view of the agent core the IPC server needs:
// whether an update is in flight, and the restart request.
type CoreControl interface {
	IsUpdating() bool
	RequestRestart()
}

// restartAckDelay lets the acknowledged reply flush before shutdown
// starts tearing connections down.
const restartAckDelay = 100 * time.Millisecond

// Server listens on the agent's local control endpoint. One instance per
// running agent.
type Server struct {
	endpoint string
	core     CoreControl
	log      *logging.Logger

	mu      sync.Mutex
	token   string
	ln      net.Listener
	stopped bool
	wg      sync.WaitGroup
}

// NewServer creates the IPC server for the given endpoint name. The token
// starts as the placeholder; UpdateToken installs the real one after
// authentication.
func NewServer(endpoint string, core CoreControl, log *logging.Logger) *Server {
	return &Server{
		endpoint: endpoint,
		core:     core,
		log:      log,
		token:    PlaceholderToken,
	}
}

// UpdateToken replaces the token used for caller validation. Server is a
// session-token sink.
func (s *Server) UpdateToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Start opens the endpoint and begins accepting connections.
func (s *Server) Start() error {
	ln, err := platform.ListenIPC(s.endpoint)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)
	s.log.Info("ipc server listening", "endpoint", s.endpoint)
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("ipc accept failed", "error", err)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

// handle serves one request/response exchange and closes the connection.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	var req Request
	dec := json.NewDecoder(io.LimitReader(conn, maxMessageSize))
	if err := dec.Decode(&req); err != nil {
		// A caller that cannot even frame a request has not presented a
		// token; answer the same way an invalid one would.
		s.log.Warn("malformed ipc request", "error", err)
		s.reply(conn, Response{Status: StatusInvalidToken})
		return
	}

	// Validation order matters: token first, then update-in-progress,
	// then command dispatch.
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()
	if req.Token == "" || req.Token != token {
		s.reply(conn, Response{Status: StatusInvalidToken})
		return
	}

	if s.core.IsUpdating() {
		s.reply(conn, Response{Status: StatusBusyUpdating})
		return
	}

	if req.Command != CommandForceRestart {
		s.reply(conn, Response{Status: StatusUnknownCommand})
		return
	}

	s.log.Info("ipc force_restart accepted", "new_args", req.NewArgs)
	s.reply(conn, Response{Status: StatusAcknowledged})
	// Restart asynchronously so the reply reaches the caller before
	// shutdown begins.
	go func() {
		time.Sleep(restartAckDelay)
		s.core.RequestRestart()
	}()
}

func (s *Server) reply(conn net.Conn, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_, _ = conn.Write(data)
}

// Stop closes the listener and waits for in-flight handlers.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	ln := s.ln
	s.mu.Unlock()

	if ln != nil {
		// Closing the listener unblocks the accept loop.
		_ = ln.Close()
	}
	s.wg.Wait()
	s.log.Info("ipc server stopped")
}
