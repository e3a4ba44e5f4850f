//go:build windows

package platform

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Microsoft/go-winio"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

// IsAdmin reports whether the process token is elevated.
func IsAdmin() bool {
	var sid *windows.SID
	err := windows.AllocateAndInitializeSid(
		&windows.SECURITY_NT_AUTHORITY, 2,
		windows.SECURITY_BUILTIN_DOMAIN_RID, windows.DOMAIN_ALIAS_RID_ADMINS,
		0, 0, 0, 0, 0, 0, &sid)
	if err != nil {
		return false
	}
	defer windows.FreeSid(sid)

	token := windows.Token(0)
	member, err := token.IsMember(sid)
	return err == nil && member
}

// StorageRoot returns the per-install data directory: ProgramData when
// running elevated, the user's LocalAppData otherwise.
func StorageRoot(appName string, isAdmin bool) (string, error) {
	if isAdmin {
		base := os.Getenv("ProgramData")
		if base == "" {
			base = `C:\ProgramData`
		}
		return filepath.Join(base, appName), nil
	}
	base := os.Getenv("LocalAppData")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		base = filepath.Join(home, "AppData", "Local")
	}
	return filepath.Join(base, appName), nil
}

// HideFile sets the hidden attribute on path.
func HideFile(path string) error {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return err
	}
	attrs, err := windows.GetFileAttributes(p)
	if err != nil {
		return err
	}
	return windows.SetFileAttributes(p, attrs|windows.FILE_ATTRIBUTE_HIDDEN)
}

// ApplySystemACL grants the local SYSTEM principal and the owner full
// access to path with inheritance disabled.
func ApplySystemACL(path string) error {
	// SY = Local System, BA = Builtin Administrators, P = protected
	// (no inherited ACEs).
	const sddl = "D:P(A;OICI;GA;;;SY)(A;OICI;GA;;;BA)"
	sd, err := windows.SecurityDescriptorFromString(sddl)
	if err != nil {
		return fmt.Errorf("parse sddl: %w", err)
	}
	dacl, _, err := sd.DACL()
	if err != nil {
		return fmt.Errorf("extract dacl: %w", err)
	}
	return windows.SetNamedSecurityInfo(
		path, windows.SE_FILE_OBJECT,
		windows.DACL_SECURITY_INFORMATION|windows.PROTECTED_DACL_SECURITY_INFORMATION,
		nil, nil, dacl, nil)
}

// TryLockFile acquires a non-blocking exclusive byte-range lock on the
// first byte of f. Returns false when another process holds the lock.
func TryLockFile(f *os.File) (bool, error) {
	ol := new(windows.Overlapped)
	err := windows.LockFileEx(windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, 1, 0, ol)
	if err == nil {
		return true, nil
	}
	if err == windows.ERROR_LOCK_VIOLATION {
		return false, nil
	}
	return false, err
}

// UnlockFile releases a lock taken by TryLockFile.
func UnlockFile(f *os.File) error {
	ol := new(windows.Overlapped)
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, 1, 0, ol)
}

func pipePath(name string) string {
	return `\\.\pipe\` + name
}

// ListenIPC opens the named-pipe endpoint. The pipe DACL admits only the
// owning principal: SYSTEM plus Administrators when elevated, the current
// user otherwise. Message mode keeps the one-request-per-connection
// framing of the protocol.
func ListenIPC(name string) (net.Listener, error) {
	sddl := "D:P(A;;GA;;;SY)(A;;GA;;;BA)"
	if !IsAdmin() {
		sddl = "D:P(A;;GA;;;" + CurrentUserID() + ")"
	}
	cfg := &winio.PipeConfig{
		SecurityDescriptor: sddl,
		MessageMode:        true,
		InputBufferSize:    4096,
		OutputBufferSize:   4096,
	}
	ln, err := winio.ListenPipe(pipePath(name), cfg)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", pipePath(name), err)
	}
	return ln, nil
}

// DialIPC connects to a named-pipe endpoint with a timeout. Returns
// os.ErrNotExist when no agent is listening.
func DialIPC(name string, timeout time.Duration) (net.Conn, error) {
	conn, err := winio.DialPipe(pipePath(name), &timeout)
	if err != nil {
		if os.IsNotExist(err) || err == winio.ErrTimeout {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	return conn, nil
}

// NoConsoleAttr returns subprocess attributes that suppress the console
// window for spawned commands.
func NoConsoleAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		HideWindow:    true,
		CreationFlags: windows.CREATE_NO_WINDOW,
	}
}

// DetachedAttr returns attributes for launching the external updater so it
// survives this process exiting.
func DetachedAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		CreationFlags: windows.DETACHED_PROCESS | windows.CREATE_NEW_PROCESS_GROUP,
	}
}

// KillProcessGroup terminates a subprocess started with NoConsoleAttr.
func KillProcessGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

const runKeyPath = `Software\Microsoft\Windows\CurrentVersion\Run`

// SetAutostart installs or removes the Run-key entry for the current
// executable: HKLM when elevated (all users), HKCU otherwise.
func SetAutostart(enable, isAdmin bool, appName string) error {
	root := registry.CURRENT_USER
	if isAdmin {
		root = registry.LOCAL_MACHINE
	}
	k, err := registry.OpenKey(root, runKeyPath, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("open run key: %w", err)
	}
	defer k.Close()

	if !enable {
		err := k.DeleteValue(appName)
		if err != nil && err != registry.ErrNotExist {
			return fmt.Errorf("delete run entry: %w", err)
		}
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	if err := k.SetStringValue(appName, `"`+exe+`"`); err != nil {
		return fmt.Errorf("write run entry: %w", err)
	}
	return nil
}
