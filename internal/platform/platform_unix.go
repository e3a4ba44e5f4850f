//go:build !windows

package platform

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// IsAdmin reports whether the process runs with administrative privileges.
func IsAdmin() bool {
	return os.Geteuid() == 0
}

// StorageRoot returns the per-install data directory: the all-users
// location when running privileged, the user's local data directory
// otherwise.
func StorageRoot(appName string, isAdmin bool) (string, error) {
	if isAdmin {
		return filepath.Join("/var/lib", appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", appName), nil
}

// HideFile marks a file hidden. Unix has no hidden attribute; files under
// the storage root are already shielded by directory permissions.
func HideFile(string) error { return nil }

// ApplySystemACL tightens the root directory to owner-only access. The
// explicit SYSTEM grant is a Windows concept; 0700 is the equivalent here.
func ApplySystemACL(path string) error {
	return os.Chmod(path, 0o700)
}

// TryLockFile acquires a non-blocking exclusive lock on f. Returns false
// when another process holds the lock.
func TryLockFile(f *os.File) (bool, error) {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return true, nil
	}
	if err == unix.EWOULDBLOCK {
		return false, nil
	}
	return false, err
}

// UnlockFile releases a lock taken by TryLockFile.
func UnlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// endpointPath maps an endpoint name to a socket path.
func endpointPath(name string) string {
	return filepath.Join(os.TempDir(), name+".sock")
}

// ListenIPC opens the local IPC endpoint. Only the owning user may connect;
// the socket is created 0600 with any stale file removed first.
func ListenIPC(name string) (net.Listener, error) {
	path := endpointPath(name)
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

// DialIPC connects to a local IPC endpoint with a timeout. Returns
// os.ErrNotExist when no agent is listening.
func DialIPC(name string, timeout time.Duration) (net.Conn, error) {
	path := endpointPath(name)
	if _, err := os.Stat(path); err != nil {
		return nil, os.ErrNotExist
	}
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		// Socket file left behind by a dead agent.
		if errIsConnRefused(err) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	return conn, nil
}

func errIsConnRefused(err error) bool {
	var sysErr *os.SyscallError
	if opErr, ok := err.(*net.OpError); ok {
		if se, ok := opErr.Err.(*os.SyscallError); ok {
			sysErr = se
		}
	}
	return sysErr != nil && sysErr.Err == unix.ECONNREFUSED
}

// NoConsoleAttr returns subprocess attributes for command execution. On
// Unix the child gets its own process group so timeouts can kill the whole
// tree.
func NoConsoleAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// DetachedAttr returns attributes for launching the external updater so it
// survives this process exiting.
func DetachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// KillProcessGroup terminates a subprocess started with NoConsoleAttr,
// including its children.
func KillProcessGroup(pid int) error {
	return unix.Kill(-pid, unix.SIGKILL)
}

const unitTemplate = `[Unit]
Description=%s endpoint agent
After=network-online.target

[Service]
ExecStart=%s
Restart=on-failure

[Install]
WantedBy=%s
`

// SetAutostart installs or removes a systemd unit for the current
// executable: a system unit when privileged, a user unit otherwise.
func SetAutostart(enable, isAdmin bool, appName string) error {
	unitName := strings.ToLower(appName) + ".service"
	var unitDir, target string
	if isAdmin {
		unitDir = "/etc/systemd/system"
		target = "multi-user.target"
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home dir: %w", err)
		}
		unitDir = filepath.Join(home, ".config", "systemd", "user")
		target = "default.target"
	}
	unitPath := filepath.Join(unitDir, unitName)
	linkPath := filepath.Join(unitDir, target+".wants", unitName)

	if !enable {
		if err := os.Remove(linkPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove unit link: %w", err)
		}
		if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove unit: %w", err)
		}
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(linkPath), 0o755); err != nil {
		return fmt.Errorf("create unit dir: %w", err)
	}
	unit := fmt.Sprintf(unitTemplate, appName, exe, target)
	if err := os.WriteFile(unitPath, []byte(unit), 0o644); err != nil {
		return fmt.Errorf("write unit: %w", err)
	}
	_ = os.Remove(linkPath)
	if err := os.Symlink(unitPath, linkPath); err != nil {
		return fmt.Errorf("enable unit: %w", err)
	}
	return nil
}
