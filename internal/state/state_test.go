package state

import (
	"testing"

	"github.com/cms-fleet/cms-agent/internal/logging"
)

func newMachine(t *testing.T) *Machine {
	t.Helper()
	return NewMachine(logging.NewDiscard())
}

func TestStartupPath(t *testing.T) {
	m := newMachine(t)
	if m.Current() != Starting {
		t.Fatalf("Current() = %s, want STARTING", m.Current())
	}
	if err := m.Set(Idle); err != nil {
		t.Fatalf("Starting -> Idle: %v", err)
	}
	if m.Current() != Idle {
		t.Errorf("Current() = %s, want IDLE", m.Current())
	}
}

func TestShutdownReachableFromEverywhere(t *testing.T) {
	for s := Starting; s <= ShuttingDown; s++ {
		m := &Machine{cur: s, log: logging.NewDiscard()}
		if err := m.Set(ShuttingDown); err != nil {
			t.Errorf("%s -> SHUTTING_DOWN rejected: %v", s, err)
		}
	}
	m := &Machine{cur: Stopped, log: logging.NewDiscard()}
	if err := m.Set(ShuttingDown); err == nil {
		t.Error("STOPPED -> SHUTTING_DOWN should be rejected")
	}
}

func TestUpdatePhasesAreMonotone(t *testing.T) {
	// Direct returns to Idle from mid-update phases are illegal.
	for _, s := range []State{UpdatingDownloading, UpdatingVerifying, UpdatingExtracting, UpdatingReplacingUpdater, UpdatingPreparingShutdown} {
		m := &Machine{cur: s, log: logging.NewDiscard()}
		if err := m.Set(Idle); err == nil {
			t.Errorf("%s -> IDLE should be rejected", s)
		}
	}
}

func TestUpdateRollbackViaStarting(t *testing.T) {
	m := &Machine{cur: UpdatingVerifying, log: logging.NewDiscard()}
	if err := m.Set(UpdatingStarting); err != nil {
		t.Fatalf("retreat to UPDATING_STARTING: %v", err)
	}
	if err := m.Set(Idle); err != nil {
		t.Fatalf("UPDATING_STARTING -> IDLE: %v", err)
	}
}

func TestFullUpdateSequence(t *testing.T) {
	m := newMachine(t)
	steps := []State{Idle, UpdatingStarting, UpdatingDownloading, UpdatingVerifying,
		UpdatingExtracting, UpdatingReplacingUpdater, UpdatingPreparingShutdown,
		ShuttingDown, Stopped}
	for _, s := range steps {
		if err := m.Set(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
}

func TestPreparingShutdownExits(t *testing.T) {
	// Forward: only shutdown. Backward: only the rollback entry point, so
	// a failed updater launch can still return the agent to service.
	for _, to := range []State{Idle, UpdatingDownloading, ForceRestarting} {
		m := &Machine{cur: UpdatingPreparingShutdown, log: logging.NewDiscard()}
		if err := m.Set(to); err == nil {
			t.Errorf("UPDATING_PREPARING_SHUTDOWN -> %s should be rejected", to)
		}
	}
	m := &Machine{cur: UpdatingPreparingShutdown, log: logging.NewDiscard()}
	if err := m.Set(UpdatingStarting); err != nil {
		t.Fatalf("retreat to UPDATING_STARTING: %v", err)
	}
	if err := m.Set(Idle); err != nil {
		t.Fatalf("UPDATING_STARTING -> IDLE: %v", err)
	}
}

func TestIllegalSkips(t *testing.T) {
	cases := []struct{ from, to State }{
		{Idle, UpdatingDownloading},
		{Starting, UpdatingStarting},
		{UpdatingStarting, UpdatingVerifying},
		{ForceRestarting, Idle},
	}
	for _, c := range cases {
		m := &Machine{cur: c.from, log: logging.NewDiscard()}
		if err := m.Set(c.to); err == nil {
			t.Errorf("%s -> %s should be rejected", c.from, c.to)
		}
	}
}

func TestSetIf(t *testing.T) {
	m := newMachine(t)
	if m.SetIf(Idle, UpdatingStarting) {
		t.Error("SetIf succeeded from STARTING with from=IDLE")
	}
	if err := m.Set(Idle); err != nil {
		t.Fatal(err)
	}
	if !m.SetIf(Idle, UpdatingStarting) {
		t.Error("SetIf(Idle, UpdatingStarting) failed from IDLE")
	}
	if m.Current() != UpdatingStarting {
		t.Errorf("Current() = %s, want UPDATING_STARTING", m.Current())
	}
}

func TestSetSameStateIsNoop(t *testing.T) {
	m := newMachine(t)
	if err := m.Set(Starting); err != nil {
		t.Errorf("self-transition should be accepted: %v", err)
	}
}

func TestIsUpdating(t *testing.T) {
	updating := map[State]bool{
		UpdatingStarting: true, UpdatingDownloading: true, UpdatingVerifying: true,
		UpdatingExtracting: true, UpdatingReplacingUpdater: true, UpdatingPreparingShutdown: true,
	}
	for s := Starting; s <= Stopped; s++ {
		if got := s.IsUpdating(); got != updating[s] {
			t.Errorf("%s.IsUpdating() = %v, want %v", s, got, updating[s])
		}
	}
}
