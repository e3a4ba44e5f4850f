// Command cms-agent runs the fleet endpoint agent: it authenticates with
// the control plane, reports status, executes remote commands, and keeps
// itself up to date.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cms-fleet/cms-agent/internal/agent"
	"github.com/cms-fleet/cms-agent/internal/config"
	"github.com/cms-fleet/cms-agent/internal/ipc"
	"github.com/cms-fleet/cms-agent/internal/journal"
	"github.com/cms-fleet/cms-agent/internal/logging"
	"github.com/cms-fleet/cms-agent/internal/platform"
	"github.com/cms-fleet/cms-agent/internal/prompt"
	"github.com/cms-fleet/cms-agent/internal/singleton"
	"github.com/cms-fleet/cms-agent/internal/statestore"
	"github.com/cms-fleet/cms-agent/internal/sysinfo"
	"github.com/cms-fleet/cms-agent/internal/version"
)

// forceTakeoverTimeout bounds how long --force waits for the running
// agent to release the singleton lock.
const forceTakeoverTimeout = 60 * time.Second

type cliOptions struct {
	configName       string
	debug            bool
	force            bool
	enableAutostart  bool
	disableAutostart bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cms-agent: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	cmd := &cobra.Command{
		Use:           "cms-agent",
		Short:         "Fleet endpoint agent",
		Version:       version.Current,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(opts)
		},
	}
	cmd.Flags().StringVar(&opts.configName, "config-name", "agent_config.json", "config filename under <storage>/config")
	cmd.Flags().BoolVar(&opts.debug, "debug", false, "log at debug level")
	cmd.Flags().BoolVar(&opts.force, "force", false, "ask a running agent to restart and take over")
	cmd.Flags().BoolVar(&opts.enableAutostart, "enable-autostart", false, "register the agent for autostart and exit")
	cmd.Flags().BoolVar(&opts.disableAutostart, "disable-autostart", false, "unregister the agent from autostart and exit")
	cmd.MarkFlagsMutuallyExclusive("enable-autostart", "disable-autostart")
	return cmd
}

func run(opts *cliOptions) error {
	isAdmin := platform.IsAdmin()

	cfg, root, err := loadConfig(opts.configName, isAdmin)
	if err != nil {
		return err
	}

	// Autostart flags are one-shots; they never start the agent.
	if opts.enableAutostart || opts.disableAutostart {
		enable := opts.enableAutostart
		if err := platform.SetAutostart(enable, isAdmin, cfg.Agent.AppName); err != nil {
			return fmt.Errorf("autostart: %w", err)
		}
		if enable {
			fmt.Println("autostart enabled")
		} else {
			fmt.Println("autostart disabled")
		}
		return nil
	}

	store, err := statestore.Open(root, cfg.Agent.StateFilename, cfg.Agent.AppName, isAdmin)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}

	log := logging.New(logging.Options{Dir: store.LogDir(), Debug: opts.debug})
	defer log.Close()
	log.Info("starting", "version", version.Current, "storage_root", root, "admin", isAdmin)

	deviceID, err := store.EnsureDeviceIdentity()
	if err != nil {
		log.Critical("cannot establish device identity", "error", err)
		return fmt.Errorf("device identity: %w", err)
	}

	lockPath := filepath.Join(root, "agent.lock")
	if opts.force {
		if err := forceTakeover(store, deviceID, lockPath, isAdmin, log); err != nil {
			return err
		}
	}

	guard := singleton.New(lockPath, log)
	res, err := guard.Acquire()
	if err != nil {
		return fmt.Errorf("acquire singleton lock: %w", err)
	}
	switch res {
	case singleton.HeldByLiveProcess:
		return fmt.Errorf("another agent instance is already running (use --force to replace it)")
	case singleton.AcquiredStaleTakeover:
		log.Warn("recovered singleton lock from a crashed instance")
	}
	defer guard.Release()

	room, err := ensureRoom(store, log)
	if err != nil {
		return err
	}

	jrnl, err := journal.Open(filepath.Join(root, "journal.db"))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}

	core := agent.New(agent.Options{
		Config:    cfg,
		Log:       log,
		Store:     store,
		Guard:     guard,
		Journal:   jrnl,
		Prompter:  prompt.NewConsole(os.Stdin, os.Stdout),
		Inspector: sysinfo.New(),
		Room:      room,
		DeviceID:  deviceID,
		Version:   version.Current,
		IsAdmin:   isAdmin,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	if err := core.Run(ctx); err != nil {
		log.Error("agent exited with error", "error", err)
		return err
	}
	log.Info("agent exited cleanly")
	return nil
}

// loadConfig resolves the storage root and loads the config file under
// it. Warnings raised during load (migration, newer version) go to
// stderr because the logger does not exist yet.
func loadConfig(configName string, isAdmin bool) (*config.Config, string, error) {
	root, err := platform.StorageRoot("CMSAgent", isAdmin)
	if err != nil {
		return nil, "", fmt.Errorf("resolve storage root: %w", err)
	}
	cfgPath := filepath.Join(root, "config", configName)
	cfg, err := config.Load(cfgPath, func(msg string) {
		fmt.Fprintf(os.Stderr, "config: %s\n", msg)
	})
	if err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, root, nil
}

// forceTakeover asks a running agent to restart over IPC and waits for
// the singleton lock to come free. A missing agent is not an error; the
// startup simply proceeds.
func forceTakeover(store *statestore.Store, deviceID, lockPath string, isAdmin bool, log *logging.Logger) error {
	token, err := store.LoadToken(deviceID)
	if err != nil || token == "" {
		token = ipc.PlaceholderToken
	}

	status, err := ipc.SendForceCommand(isAdmin, restartArgs(), token)
	if err != nil {
		return fmt.Errorf("force restart request: %w", err)
	}
	switch status {
	case ipc.StatusAgentNotRunning:
		log.Info("no running agent found, continuing startup")
		return nil
	case ipc.StatusAcknowledged:
		log.Info("running agent acknowledged restart, waiting for lock release")
		if !singleton.WaitForRelease(lockPath, forceTakeoverTimeout) {
			return fmt.Errorf("running agent did not release the lock within %s", forceTakeoverTimeout)
		}
		return nil
	case ipc.StatusBusyUpdating:
		return fmt.Errorf("running agent is applying an update; retry once it finishes")
	default:
		return fmt.Errorf("running agent refused the restart request: %s", status)
	}
}

// restartArgs returns this invocation's arguments with --force stripped,
// for the restarting agent's records.
func restartArgs() []string {
	var out []string
	for _, a := range os.Args[1:] {
		if a == "--force" {
			continue
		}
		out = append(out, a)
	}
	return out
}

// ensureRoom returns the persisted room assignment, prompting on first
// run.
func ensureRoom(store *statestore.Store, log *logging.Logger) (statestore.RoomAssignment, error) {
	room, ok, err := store.GetRoom()
	if err != nil {
		return room, fmt.Errorf("read room assignment: %w", err)
	}
	if ok {
		return room, nil
	}

	fmt.Println("First run: this device needs a room assignment.")
	room, err = prompt.NewConsole(os.Stdin, os.Stdout).PromptRoom()
	if err != nil {
		return room, fmt.Errorf("room prompt: %w", err)
	}
	if err := store.PutRoom(room); err != nil {
		return room, fmt.Errorf("persist room assignment: %w", err)
	}
	log.Info("room assignment saved", "room", room.Room, "x", room.Position.X, "y", room.Position.Y)
	return room, nil
}
