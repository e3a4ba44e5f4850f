// Package platform isolates every OS-specific surface the agent touches:
// storage root selection, hidden files, ACLs, byte-range file locks, PID
// liveness, subprocess flags, and the local IPC endpoint. The rest of the
// agent never imports syscall-level primitives directly; build tags select
// the implementation.
package platform

import (
	"os/user"

	"github.com/shirou/gopsutil/v4/process"
)

// IPCPrefix is the stable endpoint base name shared by server and client.
const IPCPrefix = "CMSAgentIPC"

// PIDAlive reports whether pid names a live process.
func PIDAlive(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// CurrentUserID returns a stable identifier for the invoking user: the SID
// on Windows, the numeric UID elsewhere. Used to scope per-user IPC
// endpoint names.
func CurrentUserID() string {
	u, err := user.Current()
	if err != nil {
		return "unknown"
	}
	return u.Uid
}

// EndpointName returns the IPC endpoint name for the given privilege scope.
// System-scoped agents share one well-known name; user-scoped agents get a
// per-user name so concurrent users do not collide.
func EndpointName(isAdmin bool) string {
	if isAdmin {
		return IPCPrefix + "_System"
	}
	return IPCPrefix + "_User_" + CurrentUserID()
}
