package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cms-fleet/cms-agent/internal/logging"
)

// ErrKind classifies request failures. Callers branch on the kind and
// never parse raw HTTP.
type ErrKind string

const (
	ErrTimeout           ErrKind = "timeout"
	ErrConnection        ErrKind = "connection_error"
	ErrServer            ErrKind = "server_error"
	ErrInvalidResponse   ErrKind = "invalid_response"
	ErrAuthNotConfigured ErrKind = "auth_not_configured"

	// ErrLocalIO is a failure on this machine (disk, permissions) while
	// handling an otherwise healthy response. Retrying the request will
	// not help until the local condition clears.
	ErrLocalIO ErrKind = "local_io_error"
)

// Error is the structured failure a RequestClient call returns.
type Error struct {
	Kind    ErrKind
	Status  int             // HTTP status for ErrServer
	Message string
	Body    json.RawMessage // parsed body for ErrServer, when the body was JSON
}

func (e *Error) Error() string {
	if e.Kind == ErrServer {
		return fmt.Sprintf("%s: status %d: %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// IdentifyStatus values the control plane returns from /identify and
// /verify-mfa.
const (
	StatusRegistered    = "registered"
	StatusMFARequired   = "mfa_required"
	StatusPositionError = "position_error"
	StatusError         = "error"
)

// PositionInfo is the room placement sent with first-run identification.
type PositionInfo struct {
	RoomName string `json:"roomName"`
	PosX     int    `json:"posX"`
	PosY     int    `json:"posY"`
}

// IdentifyRequest is the /identify request body.
type IdentifyRequest struct {
	UniqueAgentID   string        `json:"unique_agent_id"`
	ForceRenewToken bool          `json:"forceRenewToken,omitempty"`
	PositionInfo    *PositionInfo `json:"positionInfo,omitempty"`
}

// IdentifyResponse is the body of /identify and /verify-mfa responses.
type IdentifyResponse struct {
	Status     string `json:"status"`
	AgentToken string `json:"agentToken,omitempty"`
	Message    string `json:"message,omitempty"`
}

// UpdateManifest describes an available agent version.
type UpdateManifest struct {
	Version        string `json:"version"`
	DownloadURL    string `json:"download_url"`
	ChecksumSHA256 string `json:"checksum_sha256"`
}

// RequestClient is the authenticated HTTPS request/response transport.
// All endpoints live under <server_url>/api/agent/.
type RequestClient struct {
	base      string
	deviceID  string
	tokens    *TokenHandle
	timeout   time.Duration
	userAgent string
	client    *http.Client
	log       *logging.Logger
}

// NewRequestClient creates a client for the given server base URL.
// deviceID may be set later with SetDeviceID (it is only known after the
// state store yields the identity).
func NewRequestClient(serverURL, agentVersion string, timeout time.Duration, tokens *TokenHandle, log *logging.Logger) *RequestClient {
	return &RequestClient{
		base:      strings.TrimRight(serverURL, "/") + "/api/agent",
		tokens:    tokens,
		timeout:   timeout,
		userAgent: "CMSAgent/" + agentVersion,
		client:    &http.Client{},
		log:       log,
	}
}

// SetDeviceID sets the device identity attached to authenticated calls.
func (c *RequestClient) SetDeviceID(id string) { c.deviceID = id }

// Identify registers the device or asks for MFA.
func (c *RequestClient) Identify(ctx context.Context, req IdentifyRequest) (*IdentifyResponse, error) {
	var resp IdentifyResponse
	if err := c.postJSON(ctx, "/identify", req, &resp, false, c.timeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyMFA exchanges a prompted MFA code for a token.
func (c *RequestClient) VerifyMFA(ctx context.Context, deviceID, code string) (*IdentifyResponse, error) {
	body := map[string]string{"unique_agent_id": deviceID, "mfaCode": code}
	var resp IdentifyResponse
	if err := c.postJSON(ctx, "/verify-mfa", body, &resp, false, c.timeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendHardwareInfo uploads the hardware inventory. Authenticated.
func (c *RequestClient) SendHardwareInfo(ctx context.Context, inventory any) error {
	return c.postJSON(ctx, "/hardware-info", inventory, nil, true, c.timeout)
}

// ReportError uploads one error report. Authenticated.
func (c *RequestClient) ReportError(ctx context.Context, report any) error {
	return c.postJSON(ctx, "/report-error", report, nil, true, c.timeout)
}

// CheckUpdate asks whether a newer version exists. Returns (nil, nil) when
// the server answers 204 (no update available).
func (c *RequestClient) CheckUpdate(ctx context.Context, currentVersion string) (*UpdateManifest, error) {
	u := c.base + "/check-update?current_version=" + url.QueryEscape(currentVersion)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := c.newRequest(ctx, http.MethodGet, u, nil, true)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var m UpdateManifest
		if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
			return nil, &Error{Kind: ErrInvalidResponse, Message: fmt.Sprintf("decode manifest: %v", err)}
		}
		return &m, nil
	default:
		return nil, serverError(resp)
	}
}

// downloadProgressInterval is how often streaming downloads log progress.
const downloadProgressInterval = 3 * time.Second

// Download streams rawURL (absolute, or relative to the server base) to
// destPath. The body is written to a sibling temp file and renamed into
// place on completion; any failure removes the temp file. Downloads get
// four times the standard request timeout.
func (c *RequestClient) Download(ctx context.Context, rawURL, destPath string) error {
	u := rawURL
	if !strings.Contains(rawURL, "://") {
		u = c.base + "/" + strings.TrimLeft(rawURL, "/")
	}

	ctx, cancel := context.WithTimeout(ctx, 4*c.timeout)
	defer cancel()
	req, err := c.newRequest(ctx, http.MethodGet, u, nil, true)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return serverError(resp)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o700); err != nil {
		return &Error{Kind: ErrLocalIO, Message: fmt.Sprintf("create destination dir: %v", err)}
	}
	tmp, err := os.CreateTemp(filepath.Dir(destPath), filepath.Base(destPath)+".part*")
	if err != nil {
		return &Error{Kind: ErrLocalIO, Message: fmt.Sprintf("create temp file: %v", err)}
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	var written int64
	total := resp.ContentLength
	lastLog := time.Now()
	buf := make([]byte, 128*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				cleanup()
				return &Error{Kind: ErrLocalIO, Message: fmt.Sprintf("write download: %v", werr)}
			}
			written += int64(n)
			if time.Since(lastLog) >= downloadProgressInterval {
				lastLog = time.Now()
				if total > 0 {
					c.log.Info("download progress", "dest", filepath.Base(destPath),
						"written", written, "total", total,
						"percent", fmt.Sprintf("%.1f", float64(written)/float64(total)*100))
				} else {
					c.log.Info("download progress", "dest", filepath.Base(destPath), "written", written)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			cleanup()
			return classifyTransportErr(readErr)
		}
	}

	if err := tmp.Sync(); err != nil {
		cleanup()
		return &Error{Kind: ErrLocalIO, Message: fmt.Sprintf("sync download: %v", err)}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &Error{Kind: ErrLocalIO, Message: fmt.Sprintf("close download: %v", err)}
	}
	if err := os.Rename(tmpName, destPath); err != nil {
		os.Remove(tmpName)
		return &Error{Kind: ErrLocalIO, Message: fmt.Sprintf("rename download: %v", err)}
	}
	c.log.Info("download complete", "dest", destPath, "bytes", written)
	return nil
}

// postJSON issues a POST with a JSON body; out (when non-nil) receives the
// decoded 2xx response body.
func (c *RequestClient) postJSON(ctx context.Context, path string, in, out any, authed bool, timeout time.Duration) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return &Error{Kind: ErrInvalidResponse, Message: fmt.Sprintf("marshal request: %v", err)}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := c.newRequest(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload), authed)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Kind: ErrInvalidResponse, Message: fmt.Sprintf("decode response: %v", err)}
		}
		return nil
	default:
		return serverError(resp)
	}
}

// newRequest builds a request with the standard headers. Authenticated
// requests without a configured token fail locally — the client never
// makes an anonymous call to an authenticated endpoint. The caller is
// responsible for the timeout on ctx.
func (c *RequestClient) newRequest(ctx context.Context, method, u string, body io.Reader, authed bool) (*http.Request, error) {
	var token string
	if authed {
		token = c.tokens.Get()
		if token == "" {
			return nil, &Error{Kind: ErrAuthNotConfigured, Message: "no session token configured"}
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, &Error{Kind: ErrConnection, Message: fmt.Sprintf("build request: %v", err)}
	}

	req.Header.Set("User-Agent", c.userAgent)
	if authed {
		req.Header.Set("X-Agent-Id", c.deviceID)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// do executes the request and maps transport failures to the taxonomy.
func (c *RequestClient) do(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	return resp, nil
}

// classifyTransportErr maps a net/http error to ErrTimeout or
// ErrConnection.
func classifyTransportErr(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: ErrTimeout, Message: err.Error()}
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: ErrTimeout, Message: err.Error()}
	}
	return &Error{Kind: ErrConnection, Message: err.Error()}
}

// serverError builds an ErrServer from a non-2xx response, attaching the
// body when it parses as JSON.
func serverError(resp *http.Response) *Error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	e := &Error{
		Kind:    ErrServer,
		Status:  resp.StatusCode,
		Message: http.StatusText(resp.StatusCode),
	}
	if json.Valid(raw) {
		e.Body = json.RawMessage(raw)
	}
	return e
}
