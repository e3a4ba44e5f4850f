// Package agent hosts the core: it wires every component together, runs
// the startup sequence, receives push events, and owns the one ordered
// graceful shutdown path.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cms-fleet/cms-agent/internal/clock"
	"github.com/cms-fleet/cms-agent/internal/command"
	"github.com/cms-fleet/cms-agent/internal/config"
	"github.com/cms-fleet/cms-agent/internal/ipc"
	"github.com/cms-fleet/cms-agent/internal/journal"
	"github.com/cms-fleet/cms-agent/internal/logging"
	"github.com/cms-fleet/cms-agent/internal/metrics"
	"github.com/cms-fleet/cms-agent/internal/platform"
	"github.com/cms-fleet/cms-agent/internal/server"
	"github.com/cms-fleet/cms-agent/internal/singleton"
	"github.com/cms-fleet/cms-agent/internal/state"
	"github.com/cms-fleet/cms-agent/internal/statestore"
	"github.com/cms-fleet/cms-agent/internal/sysinfo"
	"github.com/cms-fleet/cms-agent/internal/update"
)

// authRetryDelay separates failed authentication attempts during startup.
const authRetryDelay = 10 * time.Second

// Shutdown step bounds.
const (
	executorStopTimeout = 10 * time.Second
	spoolDrainTimeout   = 10 * time.Second
	ipcStopTimeout      = 5 * time.Second
)

// Options carries everything the core needs from the CLI layer.
type Options struct {
	Config    *config.Config
	Log       *logging.Logger
	Store     *statestore.Store
	Guard     *singleton.Guard
	Journal   *journal.Journal
	Prompter  server.UserPrompter
	Inspector sysinfo.Inspector
	Room      statestore.RoomAssignment
	DeviceID  string
	Version   string
	IsAdmin   bool
}

// Core is the agent's central coordinator. It implements the push event
// sink and the IPC control surface.
type Core struct {
	cfg     *config.Config
	log     *logging.Logger
	machine *state.Machine
	store   *statestore.Store
	guard   *singleton.Guard
	jrnl    *journal.Journal
	insp    sysinfo.Inspector

	tokens *server.TokenHandle
	req    *server.RequestClient
	push   *server.PushClient
	conn   *server.Connector
	exec   *command.Executor
	engine *update.Engine
	ipcSrv *ipc.Server
	sched  *cron.Cron

	metricsSrv *http.Server

	room     statestore.RoomAssignment
	deviceID string
	version  string

	ctx      context.Context
	stopOnce sync.Once
	stopCh   chan struct{}
	downOnce sync.Once
}

// New wires a Core and all the components it coordinates.
func New(o Options) *Core {
	c := &Core{
		cfg:      o.Config,
		log:      o.Log,
		machine:  state.NewMachine(o.Log),
		store:    o.Store,
		guard:    o.Guard,
		jrnl:     o.Journal,
		insp:     o.Inspector,
		room:     o.Room,
		deviceID: o.DeviceID,
		version:  o.Version,
		stopCh:   make(chan struct{}),
	}

	c.tokens = server.NewTokenHandle()
	c.req = server.NewRequestClient(o.Config.ServerURL, o.Version, o.Config.RequestTimeout(), c.tokens, o.Log)
	c.req.SetDeviceID(o.DeviceID)

	policy := server.ReconnectPolicy{
		InitialDelay: time.Duration(o.Config.WebSocket.ReconnectDelayInitialSec) * time.Second,
		MaxDelay:     time.Duration(o.Config.WebSocket.ReconnectDelayMaxSec) * time.Second,
		MaxAttempts:  o.Config.WebSocket.ReconnectAttemptsMax,
	}
	c.push = server.NewPushClient(o.Config.ServerURL, policy, c, o.Log)

	c.conn = server.NewConnector(o.Store, c.req, c.push, c.tokens, o.Prompter, o.Inspector, o.DeviceID, o.Version, o.Log)

	c.exec = command.NewExecutor(command.ExecutorConfig{
		MaxParallel:    o.Config.CommandExecutor.MaxParallelCommands,
		QueueCapacity:  o.Config.CommandExecutor.MaxQueueSize,
		DefaultTimeout: o.Config.CommandTimeout(),
	}, c.emitResult, o.Log)
	c.exec.Register("console", command.NewConsoleHandler(o.Config.CommandExecutor.ConsoleEncoding, o.Log))
	c.exec.Register("system", command.NewSystemHandler())

	c.engine = update.NewEngine(update.Config{
		Requests:       c.req,
		Machine:        c.machine,
		Inspector:      o.Inspector,
		Journal:        o.Journal,
		Reporter:       c.conn,
		Log:            o.Log,
		UpdatesDir:     o.Store.UpdatesDir(),
		StorageRoot:    o.Store.Root(),
		CurrentVersion: o.Version,
		Shutdown:       c.triggerStop,
	})

	c.ipcSrv = ipc.NewServer(platform.EndpointName(o.IsAdmin), c, o.Log)
	c.sched = cron.New()

	return c
}

// Run executes the startup sequence and parks until a shutdown trigger,
// then runs the graceful shutdown and returns. The returned error is
// non-nil only for unrecoverable startup failures.
func (c *Core) Run(ctx context.Context) error {
	c.ctx = ctx
	c.log.Info("agent core starting", "device_id", c.deviceID, "version", c.version)

	// The session token fans out to every sink the moment authentication
	// lands one. Until then the IPC server holds the placeholder.
	c.tokens.Register(c.push)
	c.tokens.Register(c.ipcSrv)

	if err := c.ipcSrv.Start(); err != nil {
		return fmt.Errorf("start ipc server: %w", err)
	}
	c.startMetricsListener()

	if err := c.authenticateLoop(ctx); err != nil {
		c.shutdown()
		return err
	}

	c.exec.Start()
	go c.conn.DrainErrorSpool(ctx, 3)

	if err := c.startSchedules(); err != nil {
		c.shutdown()
		return fmt.Errorf("start schedules: %w", err)
	}

	if err := c.machine.Set(state.Idle); err != nil {
		c.shutdown()
		return err
	}
	c.log.Info("agent core running")

	// Startup update check runs once the agent is idle.
	go c.engine.CheckAndRun(ctx)

	select {
	case <-ctx.Done():
		c.log.Info("shutdown requested by signal")
	case <-c.stopCh:
	}
	c.shutdown()
	return nil
}

// authenticateLoop retries authentication until it succeeds, the failure
// is unrecoverable, or shutdown begins.
func (c *Core) authenticateLoop(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := c.conn.Authenticate(ctx, c.room)
		if err == nil {
			return nil
		}

		var ae *server.AuthError
		if errors.As(err, &ae) {
			switch ae.Reason {
			case server.FailMFACancelled, server.FailPosition:
				// Retrying cannot help without operator action.
				return err
			}
		}
		c.log.Warn("authentication attempt failed, retrying",
			"attempt", attempt, "delay", authRetryDelay, "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return errors.New("shutdown during authentication")
		case <-clock.Real{}.After(authRetryDelay):
		}
	}
}

// startSchedules installs the periodic jobs: the status reporter and,
// when enabled, the update poll.
func (c *Core) startSchedules() error {
	spec := fmt.Sprintf("@every %s", c.cfg.StatusReportInterval())
	if _, err := c.sched.AddFunc(spec, c.conn.SendStatusOnce); err != nil {
		return fmt.Errorf("schedule status reporter: %w", err)
	}

	if iv := c.cfg.UpdateCheckInterval(); iv > 0 {
		spec := fmt.Sprintf("@every %s", iv)
		_, err := c.sched.AddFunc(spec, func() {
			if c.machine.Current() == state.Idle {
				c.engine.CheckAndRun(c.ctx)
			}
		})
		if err != nil {
			return fmt.Errorf("schedule update poll: %w", err)
		}
	}

	c.sched.Start()
	return nil
}

// startMetricsListener serves /metrics and /healthz when configured. A
// bind failure is logged and ignored; observability never blocks the
// agent.
func (c *Core) startMetricsListener() {
	addr := c.cfg.Agent.MetricsListenAddr
	if addr == "" {
		return
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		c.log.Warn("metrics listener unavailable", "addr", addr, "error", err)
		return
	}
	c.metricsSrv = &http.Server{Handler: metrics.Handler()}
	go func() {
		if err := c.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Warn("metrics listener stopped", "error", err)
		}
	}()
	c.log.Info("metrics listener started", "addr", addr)
}

// OnCommand implements the push event sink: envelopes go straight to the
// executor, which owns validation and rejection.
func (c *Core) OnCommand(id, commandType, payload string) {
	c.exec.Submit(command.Command{
		ID:      id,
		Type:    commandType,
		Payload: payload,
	})
}

// OnNewVersion implements the push event sink. The advertisement is a
// nudge; the manifest still comes from the update check endpoint, and the
// check only runs from idle.
func (c *Core) OnNewVersion(version string) {
	if version == "" || version == c.version {
		return
	}
	if c.machine.Current() != state.Idle {
		c.log.Info("ignoring version advertisement while busy",
			"version", version, "state", c.machine.Current().String())
		return
	}
	c.log.Info("server advertises new version", "version", version)
	go c.engine.CheckAndRun(c.ctx)
}

// IsUpdating implements the IPC control surface.
func (c *Core) IsUpdating() bool {
	return c.machine.Current().IsUpdating()
}

// RequestRestart implements the IPC control surface: a validated
// force_restart moves the agent to FORCE_RESTARTING and triggers
// shutdown. The caller takes over the singleton lock once we release it.
func (c *Core) RequestRestart() {
	if err := c.machine.Set(state.ForceRestarting); err != nil {
		c.log.Warn("force restart refused", "error", err)
		return
	}
	c.triggerStop()
}

// triggerStop wakes Run's park loop exactly once.
func (c *Core) triggerStop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// emitResult publishes a command result to the server and journals it
// locally. An unauthenticated push channel drops the emission with a
// warning; the journal entry is written regardless.
func (c *Core) emitResult(id string, res command.Result) {
	err := c.push.EmitCommandResult(server.CommandResultPayload{
		CommandID: id,
		AgentID:   c.deviceID,
		Type:      res.Type,
		Success:   res.Success,
		Result:    res.Result,
	})
	if err != nil {
		c.log.Warn("command result not delivered", "command_id", id, "error", err)
	}

	rec := journal.CommandRecord{
		CommandID: id,
		Type:      res.Type,
		Success:   res.Success,
	}
	switch v := res.Result.(type) {
	case command.ExecOutput:
		rec.ExitCode = v.ExitCode
	case command.ErrInfo:
		rec.Error = v.Message
	}
	if err := c.jrnl.RecordCommand(rec); err != nil {
		c.log.Warn("failed to journal command result", "command_id", id, "error", err)
	}
}

// shutdown is the single ordered teardown path. Idempotent; every exit
// route funnels through it. During an updater handoff the sequence is the
// same, but the process must reach the end so the updater finds a clean
// storage root.
func (c *Core) shutdown() {
	c.downOnce.Do(func() {
		handoff := c.machine.Current() == state.UpdatingPreparingShutdown
		_ = c.machine.Set(state.ShuttingDown)
		c.log.Info("graceful shutdown started", "updater_handoff", handoff)

		// Stop sources of new work first.
		schedCtx := c.sched.Stop()
		select {
		case <-schedCtx.Done():
		case <-time.After(2 * time.Second):
		}

		// Drain the executor while the push channel is still up so results
		// of in-flight commands reach the server, then disconnect.
		c.exec.Stop(true, executorStopTimeout)
		c.push.Disconnect()

		drainCtx, cancel := context.WithTimeout(context.Background(), spoolDrainTimeout)
		c.conn.DrainErrorSpool(drainCtx, 1)
		cancel()

		c.stopIPC()
		c.stopMetricsListener()

		if err := c.jrnl.Close(); err != nil {
			c.log.Warn("journal close failed", "error", err)
		}
		c.guard.Release()

		_ = c.machine.Set(state.Stopped)
		c.log.Info("graceful shutdown complete")
	})
}

// stopIPC joins the IPC server with a bound so a wedged handler cannot
// hold the whole shutdown hostage.
func (c *Core) stopIPC() {
	done := make(chan struct{})
	go func() {
		c.ipcSrv.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ipcStopTimeout):
		c.log.Warn("ipc server stop timed out, abandoning")
	}
}

func (c *Core) stopMetricsListener() {
	if c.metricsSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = c.metricsSrv.Shutdown(ctx)
}
