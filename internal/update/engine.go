// Package update implements staged self-update: download the archive for
// a newer version, verify its checksum, extract it, replace the helper
// updater binary, launch the updater detached, and hand the process over
// via graceful shutdown. Every failure before the handoff cleans up the
// staging area and returns the agent to normal operation.
package update

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cms-fleet/cms-agent/internal/clock"
	"github.com/cms-fleet/cms-agent/internal/journal"
	"github.com/cms-fleet/cms-agent/internal/logging"
	"github.com/cms-fleet/cms-agent/internal/metrics"
	"github.com/cms-fleet/cms-agent/internal/platform"
	"github.com/cms-fleet/cms-agent/internal/server"
	"github.com/cms-fleet/cms-agent/internal/state"
	"github.com/cms-fleet/cms-agent/internal/sysinfo"
)

// Error types attached to update failure reports.
const (
	ErrStartFailed        = "UpdateStartFailed"
	ErrDownloadFailed     = "UpdateDownloadFailed"
	ErrVerificationFailed = "UpdateVerificationFailed"
	ErrExtractionFailed   = "UpdateExtractionFailed"
	ErrReplaceUpdater     = "UpdateReplaceUpdaterFailed"
	ErrLaunchFailed       = "UpdateLaunchFailed"
	ErrCritical           = "UpdateCriticalError"
)

// minFreeDiskBytes is required in the staging area before a download
// starts.
const minFreeDiskBytes = 100 << 20

// updaterReplaceAttempts/Delay govern the helper self-replace retries
// (the old updater file can be transiently locked on Windows).
const (
	updaterReplaceAttempts = 3
	updaterReplaceDelay    = time.Second
)

// Reporter uploads (or spools) a structured error report.
type Reporter interface {
	ReportError(ctx context.Context, errorType, message string, details map[string]any, stack string)
}

// Engine drives one self-update at a time. Concurrent triggers while a
// run is in flight are dropped, not queued.
type Engine struct {
	req      *server.RequestClient
	machine  *state.Machine
	insp     sysinfo.Inspector
	jrnl     *journal.Journal
	reporter Reporter
	log      *logging.Logger
	clk      clock.Clock

	updatesDir     string
	storageRoot    string
	currentVersion string

	// shutdown is the agent core's graceful shutdown for the updater
	// handoff; called on a fresh goroutine after a successful launch.
	shutdown func()

	mu sync.Mutex
}

// Config wires an Engine.
type Config struct {
	Requests       *server.RequestClient
	Machine        *state.Machine
	Inspector      sysinfo.Inspector
	Journal        *journal.Journal
	Reporter       Reporter
	Log            *logging.Logger
	UpdatesDir     string
	StorageRoot    string
	CurrentVersion string
	Shutdown       func()
}

// NewEngine builds the engine.
func NewEngine(cfg Config) *Engine {
	return &Engine{
		req:            cfg.Requests,
		machine:        cfg.Machine,
		insp:           cfg.Inspector,
		jrnl:           cfg.Journal,
		reporter:       cfg.Reporter,
		log:            cfg.Log,
		clk:            clock.Real{},
		updatesDir:     cfg.UpdatesDir,
		storageRoot:    cfg.StorageRoot,
		currentVersion: cfg.CurrentVersion,
		shutdown:       cfg.Shutdown,
	}
}

// CheckAndRun asks the server for a newer version and runs the update
// when one is offered. A 204 or a manifest for the running version is a
// no-op.
func (e *Engine) CheckAndRun(ctx context.Context) {
	manifest, err := e.req.CheckUpdate(ctx, e.currentVersion)
	if err != nil {
		e.log.Warn("update check failed", "error", err)
		return
	}
	if manifest == nil {
		e.log.Debug("no update available", "current", e.currentVersion)
		return
	}
	if manifest.Version == e.currentVersion {
		return
	}
	e.Run(ctx, manifest)
}

// Run performs one staged update toward manifest. It returns after the
// updater launch has been handed to the shutdown goroutine, or after the
// failure epilogue. Triggers while another run holds the engine are
// dropped.
func (e *Engine) Run(ctx context.Context, manifest *server.UpdateManifest) {
	if !e.mu.TryLock() {
		e.log.Info("update already in progress, dropping trigger", "version", manifest.Version)
		return
	}
	defer e.mu.Unlock()

	if !e.machine.SetIf(state.Idle, state.UpdatingStarting) {
		e.log.Info("agent not idle, dropping update trigger",
			"state", e.machine.Current().String(), "version", manifest.Version)
		return
	}
	e.log.Info("starting update", "from", e.currentVersion, "to", manifest.Version)

	archivePath, extractDir, err := e.stage(ctx, manifest)
	if err != nil {
		e.cleanup(archivePath, extractDir)
		return
	}

	newAgent, newUpdater, err := resolveBinaries(extractDir)
	if err != nil {
		e.fail(ctx, ErrExtractionFailed, manifest.Version, err, nil)
		e.cleanup(archivePath, extractDir)
		return
	}

	if err := e.machine.Set(state.UpdatingReplacingUpdater); err != nil {
		e.fail(ctx, ErrCritical, manifest.Version, err, nil)
		e.cleanup(archivePath, extractDir)
		return
	}
	updaterPath := e.replaceUpdater(newUpdater)

	if err := e.machine.Set(state.UpdatingPreparingShutdown); err != nil {
		e.fail(ctx, ErrCritical, manifest.Version, err, nil)
		e.cleanup(archivePath, extractDir)
		return
	}
	if err := e.launchUpdater(updaterPath, newAgent); err != nil {
		e.fail(ctx, ErrLaunchFailed, manifest.Version, err, nil)
		e.cleanup(archivePath, extractDir)
		return
	}

	metrics.UpdatesTotal.WithLabelValues("launched").Inc()
	if err := e.jrnl.RecordUpdate(journal.UpdateAttempt{
		Version: manifest.Version,
		Outcome: "launched",
	}); err != nil {
		e.log.Warn("failed to journal update launch", "error", err)
	}
	e.log.Info("updater launched, handing over", "version", manifest.Version)

	// Shutdown runs off this goroutine; the updater waits on our pid.
	go e.shutdown()
}

// stage runs the pre-handoff steps: prerequisites, download, verify,
// extract. On failure it runs the report epilogue and returns the paths
// created so far for cleanup.
func (e *Engine) stage(ctx context.Context, manifest *server.UpdateManifest) (archivePath, extractDir string, err error) {
	if err = e.checkPrerequisites(manifest); err != nil {
		e.fail(ctx, ErrStartFailed, manifest.Version, err, nil)
		return "", "", err
	}

	if serr := e.machine.Set(state.UpdatingDownloading); serr != nil {
		e.fail(ctx, ErrCritical, manifest.Version, serr, nil)
		return "", "", serr
	}
	archivePath = filepath.Join(e.updatesDir, archiveName(manifest.Version, manifest.DownloadURL))
	// A stale archive from an interrupted run must not survive into the
	// checksum step.
	if err = os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
		e.fail(ctx, ErrDownloadFailed, manifest.Version, fmt.Errorf("remove stale archive: %w", err), nil)
		return archivePath, "", err
	}
	if err = e.req.Download(ctx, manifest.DownloadURL, archivePath); err != nil {
		e.fail(ctx, ErrDownloadFailed, manifest.Version, err, nil)
		return archivePath, "", err
	}

	if serr := e.machine.Set(state.UpdatingVerifying); serr != nil {
		e.fail(ctx, ErrCritical, manifest.Version, serr, nil)
		return archivePath, "", serr
	}
	if err = verifyChecksum(archivePath, manifest.ChecksumSHA256); err != nil {
		e.fail(ctx, ErrVerificationFailed, manifest.Version, err, map[string]any{
			"expected_checksum": manifest.ChecksumSHA256,
		})
		return archivePath, "", err
	}

	if serr := e.machine.Set(state.UpdatingExtracting); serr != nil {
		e.fail(ctx, ErrCritical, manifest.Version, serr, nil)
		return archivePath, "", serr
	}
	extractDir = filepath.Join(e.updatesDir, "new_agent_"+manifest.Version)
	if err = os.RemoveAll(extractDir); err != nil {
		e.fail(ctx, ErrExtractionFailed, manifest.Version, fmt.Errorf("clear extraction dir: %w", err), nil)
		return archivePath, extractDir, err
	}
	if err = extractArchive(archivePath, extractDir); err != nil {
		e.fail(ctx, ErrExtractionFailed, manifest.Version, err, nil)
		return archivePath, extractDir, err
	}
	return archivePath, extractDir, nil
}

// checkPrerequisites validates the manifest and the staging area.
func (e *Engine) checkPrerequisites(manifest *server.UpdateManifest) error {
	if manifest.Version == "" || manifest.DownloadURL == "" || manifest.ChecksumSHA256 == "" {
		return fmt.Errorf("incomplete manifest: version=%q url=%q checksum_len=%d",
			manifest.Version, manifest.DownloadURL, len(manifest.ChecksumSHA256))
	}
	if err := os.MkdirAll(e.updatesDir, 0o700); err != nil {
		return fmt.Errorf("create updates dir: %w", err)
	}
	free, err := e.insp.FreeDiskSpace(e.updatesDir)
	if err != nil {
		return fmt.Errorf("probe free disk space: %w", err)
	}
	if free < minFreeDiskBytes {
		return fmt.Errorf("insufficient disk space for update: %d bytes free, need %d", free, minFreeDiskBytes)
	}
	return nil
}

// fail runs the failure epilogue: journal, metrics, report, and the
// retreat back to Idle through UpdatingStarting.
func (e *Engine) fail(ctx context.Context, errorType, version string, cause error, details map[string]any) {
	e.log.Error("update failed", "type", errorType, "version", version, "error", cause)
	metrics.UpdatesTotal.WithLabelValues("failed").Inc()
	if err := e.jrnl.RecordUpdate(journal.UpdateAttempt{
		Version: version,
		Outcome: "failed",
		Error:   fmt.Sprintf("%s: %v", errorType, cause),
	}); err != nil {
		e.log.Warn("failed to journal update failure", "error", err)
	}

	if details == nil {
		details = map[string]any{}
	}
	details["target_version"] = version
	e.reporter.ReportError(ctx, errorType, cause.Error(), details, "")

	// Update phases are monotone; the road back to Idle runs through
	// UpdatingStarting.
	if cur := e.machine.Current(); cur.IsUpdating() && cur != state.UpdatingStarting {
		if err := e.machine.Set(state.UpdatingStarting); err != nil {
			e.log.Critical("cannot retreat update state", "from", cur.String(), "error", err)
			return
		}
	}
	if err := e.machine.Set(state.Idle); err != nil {
		e.log.Critical("cannot return to idle after update failure", "error", err)
	}
}

// cleanup removes staging artifacts. Best effort.
func (e *Engine) cleanup(archivePath, extractDir string) {
	if archivePath != "" {
		if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
			e.log.Warn("failed to remove update archive", "path", archivePath, "error", err)
		}
	}
	if extractDir != "" {
		if err := os.RemoveAll(extractDir); err != nil {
			e.log.Warn("failed to remove extraction dir", "path", extractDir, "error", err)
		}
	}
}

// replaceUpdater copies the freshly extracted updater over the one
// sitting next to the running executable, retrying a few times for
// transient file locks. When every attempt fails the extracted copy is
// used directly instead of aborting the update.
func (e *Engine) replaceUpdater(newUpdater string) string {
	exe, err := os.Executable()
	if err != nil {
		e.log.Warn("cannot resolve current executable, using extracted updater", "error", err)
		return newUpdater
	}
	current := filepath.Join(filepath.Dir(exe), filepath.Base(newUpdater))

	var lastErr error
	for attempt := 1; attempt <= updaterReplaceAttempts; attempt++ {
		if lastErr = copyFile(newUpdater, current, 0o755); lastErr == nil {
			e.log.Info("updater binary replaced", "path", current)
			return current
		}
		if attempt < updaterReplaceAttempts {
			<-e.clk.After(updaterReplaceDelay)
		}
	}
	e.log.Warn("updater replace failed, launching extracted copy",
		"dest", current, "error", lastErr)
	return newUpdater
}

// copyFile writes src's contents to a temp sibling of dst and renames it
// into place.
func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".new"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// launchUpdater starts the updater detached from the agent's console and
// process group, then releases the handle. The updater takes over once
// our pid exits.
func (e *Engine) launchUpdater(updaterPath, newAgent string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve current executable: %w", err)
	}
	args := []string{
		"--pid", strconv.Itoa(os.Getpid()),
		"--new_agent", newAgent,
		"--current_agent", exe,
		"--storage_dir", e.storageRoot,
	}
	cmd := launchCommand(updaterPath, args)
	cmd.Dir = filepath.Dir(updaterPath)
	cmd.SysProcAttr = platform.DetachedAttr()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start updater %s: %w", updaterPath, err)
	}
	e.log.Info("updater started", "path", updaterPath, "updater_pid", cmd.Process.Pid)
	return cmd.Process.Release()
}

// launchCommand builds the exec.Cmd for a resolved updater path,
// inserting an interpreter for script payloads.
func launchCommand(path string, args []string) *exec.Cmd {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return exec.Command(pythonInterpreter(), append([]string{path}, args...)...)
	case ".sh":
		return exec.Command("/bin/sh", append([]string{path}, args...)...)
	case ".bat", ".cmd":
		return exec.Command("cmd", append([]string{"/C", path}, args...)...)
	default:
		return exec.Command(path, args...)
	}
}

func pythonInterpreter() string {
	if runtime.GOOS == "windows" {
		return "python"
	}
	return "python3"
}

// archiveName derives the staged archive filename from the version and
// the download URL's extension.
func archiveName(version, downloadURL string) string {
	lower := strings.ToLower(downloadURL)
	ext := ".zip"
	switch {
	case strings.HasSuffix(lower, ".tar.gz"):
		ext = ".tar.gz"
	case strings.HasSuffix(lower, ".tgz"):
		ext = ".tgz"
	}
	return "agent_update_" + version + ext
}

// verifyChecksum compares the archive's SHA-256 with expected,
// case-insensitively.
func verifyChecksum(path, expected string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash archive: %w", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, expected) {
		return fmt.Errorf("checksum mismatch: got %s, want %s", got, expected)
	}
	return nil
}

// extractArchive unpacks a zip or gzipped tar into dest. Entries that
// would escape dest are rejected.
func extractArchive(archivePath, dest string) error {
	if err := os.MkdirAll(dest, 0o700); err != nil {
		return fmt.Errorf("create extraction dir: %w", err)
	}
	switch strings.ToLower(filepath.Ext(archivePath)) {
	case ".zip":
		return extractZip(archivePath, dest)
	case ".gz", ".tgz":
		return extractTarGz(archivePath, dest)
	default:
		return fmt.Errorf("unsupported archive format: %s", filepath.Base(archivePath))
	}
}

func extractZip(archivePath, dest string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		target, err := safeJoin(dest, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o700); err != nil {
				return fmt.Errorf("create dir %s: %w", f.Name, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return fmt.Errorf("create parent of %s: %w", f.Name, err)
		}
		src, err := f.Open()
		if err != nil {
			return fmt.Errorf("open zip entry %s: %w", f.Name, err)
		}
		err = writeExtracted(target, src, f.Mode())
		src.Close()
		if err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractTarGz(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o700); err != nil {
				return fmt.Errorf("create dir %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return fmt.Errorf("create parent of %s: %w", hdr.Name, err)
			}
			if err := writeExtracted(target, tr, fs.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
		default:
			// Symlinks and specials have no place in an agent bundle.
		}
	}
}

func writeExtracted(target string, src io.Reader, mode fs.FileMode) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// safeJoin joins name under dest and rejects traversal outside it.
func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(name))
	if target != dest && !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry escapes extraction dir: %s", name)
	}
	return target, nil
}

// resolveBinaries locates the new agent and updater inside the
// extraction dir. Bundles may place them in agent/ and updater/
// subdirectories, at the top level, or nested one layer deeper.
func resolveBinaries(root string) (agent, updater string, err error) {
	agent = findBinary(root, "agent")
	updater = findBinary(root, "updater")
	if agent == "" {
		return "", "", fmt.Errorf("no agent binary found under %s", root)
	}
	if updater == "" {
		return "", "", fmt.Errorf("no updater binary found under %s", root)
	}
	return agent, updater, nil
}

// findBinary looks for base (with platform-appropriate extensions) in
// root/<base>/, then directly under root, then recursively.
func findBinary(root, base string) string {
	names := candidateNames(base)

	for _, dir := range []string{filepath.Join(root, base), root} {
		for _, n := range names {
			p := filepath.Join(dir, n)
			if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
				return p
			}
		}
	}

	var found string
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || found != "" || d.IsDir() {
			return nil
		}
		for _, n := range names {
			if d.Name() == n {
				found = p
				return fs.SkipAll
			}
		}
		return nil
	})
	return found
}

// candidateNames lists acceptable filenames for a bundle binary, most
// specific first.
func candidateNames(base string) []string {
	if runtime.GOOS == "windows" {
		return []string{base + ".exe", base + ".bat", base + ".cmd", base + ".py"}
	}
	return []string{base, base + ".sh", base + ".py"}
}
