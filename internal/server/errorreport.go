package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cms-fleet/cms-agent/internal/clock"
	"github.com/cms-fleet/cms-agent/internal/metrics"
)

// ErrorReport is the structured record uploaded to /report-error, or
// spooled locally when the upload fails.
type ErrorReport struct {
	ErrorType    string         `json:"error_type"`
	ErrorMessage string         `json:"error_message"`
	ErrorDetails map[string]any `json:"error_details"`
	Timestamp    time.Time      `json:"timestamp"`
}

// spoolRetryDelay separates upload attempts while draining the spool.
const spoolRetryDelay = 2 * time.Second

// ReportError builds an error report, augments the details with the stack
// trace and agent version, and tries to upload it. On any failure the
// report lands in the spool directory for a later drain.
func (c *Connector) ReportError(ctx context.Context, errorType, message string, details map[string]any, stack string) {
	if details == nil {
		details = map[string]any{}
	}
	details["agent_version"] = c.agentVersion
	if stack != "" {
		details["stack_trace"] = stack
	}
	report := ErrorReport{
		ErrorType:    errorType,
		ErrorMessage: message,
		ErrorDetails: details,
		Timestamp:    time.Now().UTC(),
	}

	if err := c.req.ReportError(ctx, report); err == nil {
		return
	}
	c.spoolReport(report)
}

// spoolReport writes a report to the error spool with the name
// YYYYMMDD_HHMMSS_<type>_<8hex>.json.
func (c *Connector) spoolReport(report ErrorReport) {
	name := fmt.Sprintf("%s_%s_%s.json",
		report.Timestamp.Format("20060102_150405"),
		report.ErrorType,
		uuid.NewString()[:8])
	path := filepath.Join(c.store.ErrorSpoolDir(), name)

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		c.log.Error("failed to marshal error report for spooling", "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		c.log.Error("failed to spool error report", "path", path, "error", err)
		return
	}
	metrics.ErrorReportsSpooled.Inc()
	c.log.Info("error report spooled", "path", path)
}

// DrainErrorSpool uploads spooled reports, deleting each on success. Every
// file gets up to maxRetries attempts separated by spoolRetryDelay; on
// exhaustion the file stays for a future drain. Returns (sent, total).
func (c *Connector) DrainErrorSpool(ctx context.Context, maxRetries int) (int, int) {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	files, err := filepath.Glob(filepath.Join(c.store.ErrorSpoolDir(), "*.json"))
	if err != nil || len(files) == 0 {
		return 0, 0
	}

	sent := 0
	for _, path := range files {
		if ctx.Err() != nil {
			break
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			c.log.Warn("unreadable spool file, skipping", "path", path, "error", err)
			continue
		}
		var report ErrorReport
		if err := json.Unmarshal(raw, &report); err != nil {
			c.log.Warn("corrupt spool file, removing", "path", path, "error", err)
			_ = os.Remove(path)
			continue
		}

		for attempt := 1; attempt <= maxRetries; attempt++ {
			if err := c.req.ReportError(ctx, report); err == nil {
				_ = os.Remove(path)
				sent++
				break
			} else if attempt < maxRetries {
				if clock.SleepCtx(ctx, clock.Real{}, spoolRetryDelay) != nil {
					return sent, len(files)
				}
			} else {
				c.log.Warn("spooled report upload exhausted retries, keeping",
					"path", path, "attempts", maxRetries, "error", err)
			}
		}
	}
	c.log.Info("error spool drained", "sent", sent, "total", len(files))
	return sent, len(files)
}
