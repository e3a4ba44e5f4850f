// Package state defines the agent's operational states and the guarded
// machine every transition goes through. Only the agent core mutates the
// machine; other components observe snapshots.
package state

import (
	"fmt"
	"sync"

	"github.com/cms-fleet/cms-agent/internal/logging"
)

// State is the agent's operational state.
type State int

const (
	Starting State = iota
	Idle
	ForceRestarting
	UpdatingStarting
	UpdatingDownloading
	UpdatingVerifying
	UpdatingExtracting
	UpdatingReplacingUpdater
	UpdatingPreparingShutdown
	ShuttingDown
	Stopped
)

var names = map[State]string{
	Starting:                  "STARTING",
	Idle:                      "IDLE",
	ForceRestarting:           "FORCE_RESTARTING",
	UpdatingStarting:          "UPDATING_STARTING",
	UpdatingDownloading:       "UPDATING_DOWNLOADING",
	UpdatingVerifying:         "UPDATING_VERIFYING",
	UpdatingExtracting:        "UPDATING_EXTRACTING",
	UpdatingReplacingUpdater:  "UPDATING_REPLACING_UPDATER",
	UpdatingPreparingShutdown: "UPDATING_PREPARING_SHUTDOWN",
	ShuttingDown:              "SHUTTING_DOWN",
	Stopped:                   "STOPPED",
}

func (s State) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// IsUpdating reports whether s is any update phase.
func (s State) IsUpdating() bool {
	return s >= UpdatingStarting && s <= UpdatingPreparingShutdown
}

// transitions is the legality matrix, excluding the universal rule that
// any state may move to ShuttingDown or Stopped. Update phases are
// monotone: the only road back to Idle is retreating to UpdatingStarting
// first (pre-commit rollback).
var transitions = map[State][]State{
	Starting:                  {Idle, ForceRestarting},
	Idle:                      {UpdatingStarting, ForceRestarting},
	UpdatingStarting:          {UpdatingDownloading, Idle},
	UpdatingDownloading:       {UpdatingVerifying, UpdatingStarting},
	UpdatingVerifying:         {UpdatingExtracting, UpdatingStarting},
	UpdatingExtracting:        {UpdatingReplacingUpdater, UpdatingPreparingShutdown, UpdatingStarting},
	UpdatingReplacingUpdater:  {UpdatingPreparingShutdown, UpdatingStarting},
	UpdatingPreparingShutdown: {UpdatingStarting},
	ForceRestarting:           {},
	ShuttingDown:              {Stopped},
	Stopped:                   {},
}

// Machine guards the current state behind a mutex and the legality
// matrix.
type Machine struct {
	mu  sync.Mutex
	cur State
	log *logging.Logger
}

// NewMachine starts in Starting.
func NewMachine(log *logging.Logger) *Machine {
	return &Machine{cur: Starting, log: log}
}

// Current returns a snapshot of the state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Set transitions to next, rejecting moves the matrix does not allow.
func (m *Machine) Set(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if next == m.cur {
		return nil
	}
	if !legal(m.cur, next) {
		err := fmt.Errorf("illegal state transition %s -> %s", m.cur, next)
		m.log.Error("state transition rejected", "from", m.cur.String(), "to", next.String())
		return err
	}
	m.log.Info("state transition", "from", m.cur.String(), "to", next.String())
	m.cur = next
	return nil
}

// SetIf transitions to next only when the current state equals from.
// Returns whether the transition happened.
func (m *Machine) SetIf(from, next State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur != from || !legal(m.cur, next) {
		return false
	}
	m.log.Info("state transition", "from", m.cur.String(), "to", next.String())
	m.cur = next
	return true
}

func legal(from, to State) bool {
	// Shutdown is reachable from everywhere.
	if to == ShuttingDown || to == Stopped {
		return from != Stopped || to == Stopped
	}
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
