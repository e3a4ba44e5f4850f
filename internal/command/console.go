package command

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os/exec"
	"runtime"
	"strings"
	"syscall"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"github.com/cms-fleet/cms-agent/internal/logging"
	"github.com/cms-fleet/cms-agent/internal/platform"
)

// Subprocess exit codes for failure classes, mirroring shell conventions.
const (
	exitTimeout          = 124
	exitPermissionDenied = 126
	exitNotFound         = 127
)

// ConsoleHandler executes commands through the host shell, capturing
// stdout and stderr with the configured console encoding.
type ConsoleHandler struct {
	encoding string // "utf-8" or a code page name like "cp1252"
	log      *logging.Logger
}

// NewConsoleHandler creates the handler. encoding defaults to utf-8 when
// empty.
func NewConsoleHandler(consoleEncoding string, log *logging.Logger) *ConsoleHandler {
	if consoleEncoding == "" {
		consoleEncoding = "utf-8"
	}
	return &ConsoleHandler{encoding: consoleEncoding, log: log}
}

// Execute runs the command string through the shell, bounded by the
// context deadline. The result always carries stdout, stderr, and an exit
// code; success means exit code zero.
func (h *ConsoleHandler) Execute(ctx context.Context, c Command, res *Result) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", c.Payload)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", c.Payload)
	}
	cmd.SysProcAttr = platform.NoConsoleAttr()
	cmd.Cancel = func() error {
		return platform.KillProcessGroup(cmd.Process.Pid)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	h.log.Debug("executing console command", "command_id", c.ID)
	err := cmd.Run()

	out := ExecOutput{
		Stdout: strings.TrimSpace(h.decode(stdout.Bytes())),
		Stderr: strings.TrimSpace(h.decode(stderr.Bytes())),
	}

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		out.ExitCode = exitTimeout
		if out.Stderr == "" {
			out.Stderr = "command timed out"
		} else {
			out.Stderr += "\ncommand timed out"
		}
	case err == nil:
		out.ExitCode = 0
	default:
		out.ExitCode = classifyExecError(err)
	}

	res.Success = out.ExitCode == 0
	res.Result = out
}

// classifyExecError maps a subprocess failure to an exit code.
func classifyExecError(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return exitNotFound
	}
	if errors.Is(err, fs.ErrPermission) {
		return exitPermissionDenied
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return 1
}

// decode converts raw subprocess output to a UTF-8 string using the
// configured encoding with the replacement policy for invalid bytes.
func (h *ConsoleHandler) decode(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var dec *encoding.Decoder
	switch strings.ToLower(h.encoding) {
	case "cp1252", "windows-1252":
		dec = charmap.Windows1252.NewDecoder()
	case "utf-16le":
		dec = unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
	default:
		// UTF-8 with invalid sequences replaced.
		return strings.ToValidUTF8(string(raw), "�")
	}
	decoded, err := dec.Bytes(raw)
	if err != nil {
		return strings.ToValidUTF8(string(raw), "�")
	}
	return string(decoded)
}
