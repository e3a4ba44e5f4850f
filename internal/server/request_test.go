package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cms-fleet/cms-agent/internal/logging"
)

func newTestClient(t *testing.T, serverURL, token string) *RequestClient {
	t.Helper()
	tokens := NewTokenHandle()
	if token != "" {
		tokens.Set(token)
	}
	c := NewRequestClient(serverURL, "1.2.3", 2*time.Second, tokens, logging.NewDiscard())
	c.SetDeviceID("host_aabbcc")
	return c
}

func requestErr(t *testing.T, err error) *Error {
	t.Helper()
	var e *Error
	if !errors.As(err, &e) {
		t.Fatalf("error %v (%T) is not a *server.Error", err, err)
	}
	return e
}

func TestIdentifyHeadersAndBody(t *testing.T) {
	var gotUA, gotPath string
	var gotReq IdentifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_ = json.NewEncoder(w).Encode(IdentifyResponse{Status: StatusRegistered, AgentToken: "tok"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "")
	resp, err := c.Identify(context.Background(), IdentifyRequest{
		UniqueAgentID: "host_aabbcc",
		PositionInfo:  &PositionInfo{RoomName: "Lab", PosX: 1, PosY: 2},
	})
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if resp.Status != StatusRegistered || resp.AgentToken != "tok" {
		t.Errorf("resp = %+v", resp)
	}
	if gotPath != "/api/agent/identify" {
		t.Errorf("path = %s", gotPath)
	}
	if gotUA != "CMSAgent/1.2.3" {
		t.Errorf("user agent = %q", gotUA)
	}
	if gotReq.PositionInfo == nil || gotReq.PositionInfo.RoomName != "Lab" {
		t.Errorf("position info = %+v", gotReq.PositionInfo)
	}
}

func TestAuthedCallWithoutTokenFailsLocally(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "")
	err := c.SendHardwareInfo(context.Background(), map[string]string{"hostname": "x"})
	if e := requestErr(t, err); e.Kind != ErrAuthNotConfigured {
		t.Errorf("kind = %s, want %s", e.Kind, ErrAuthNotConfigured)
	}
	if hits.Load() != 0 {
		t.Error("client must not reach the server without a token")
	}
}

func TestAuthedCallSendsCredentials(t *testing.T) {
	var gotAuth, gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAgent = r.Header.Get("X-Agent-Id")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "tok-123")
	if err := c.ReportError(context.Background(), map[string]string{"error_type": "x"}); err != nil {
		t.Fatalf("ReportError: %v", err)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotAgent != "host_aabbcc" {
		t.Errorf("X-Agent-Id = %q", gotAgent)
	}
}

func TestServerErrorCarriesStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"duplicate device"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "tok")
	err := c.SendHardwareInfo(context.Background(), map[string]string{})
	e := requestErr(t, err)
	if e.Kind != ErrServer || e.Status != http.StatusConflict {
		t.Errorf("error = %+v, want server_error 409", e)
	}
	if !strings.Contains(string(e.Body), "duplicate device") {
		t.Errorf("body = %s, want JSON attached", e.Body)
	}
}

func TestConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listens anymore

	c := newTestClient(t, srv.URL, "")
	_, err := c.Identify(context.Background(), IdentifyRequest{UniqueAgentID: "x"})
	if e := requestErr(t, err); e.Kind != ErrConnection {
		t.Errorf("kind = %s, want %s", e.Kind, ErrConnection)
	}
}

func TestTimeoutClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(10 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	tokens := NewTokenHandle()
	c := NewRequestClient(srv.URL, "1.2.3", 100*time.Millisecond, tokens, logging.NewDiscard())
	_, err := c.Identify(context.Background(), IdentifyRequest{UniqueAgentID: "x"})
	if e := requestErr(t, err); e.Kind != ErrTimeout {
		t.Errorf("kind = %s, want %s", e.Kind, ErrTimeout)
	}
}

func TestInvalidResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "")
	_, err := c.Identify(context.Background(), IdentifyRequest{UniqueAgentID: "x"})
	if e := requestErr(t, err); e.Kind != ErrInvalidResponse {
		t.Errorf("kind = %s, want %s", e.Kind, ErrInvalidResponse)
	}
}

func TestCheckUpdateNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "tok")
	m, err := c.CheckUpdate(context.Background(), "1.2.3")
	if err != nil || m != nil {
		t.Errorf("CheckUpdate = %v, %v, want nil, nil on 204", m, err)
	}
}

func TestCheckUpdateManifest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("current_version"); got != "1.2.3" {
			t.Errorf("current_version = %q", got)
		}
		_ = json.NewEncoder(w).Encode(UpdateManifest{
			Version:        "2.0.0",
			DownloadURL:    "/downloads/agent_2.0.0.zip",
			ChecksumSHA256: "abc",
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, "tok")
	m, err := c.CheckUpdate(context.Background(), "1.2.3")
	if err != nil {
		t.Fatalf("CheckUpdate: %v", err)
	}
	if m.Version != "2.0.0" || m.DownloadURL == "" {
		t.Errorf("manifest = %+v", m)
	}
}

func TestDownloadWritesAtomically(t *testing.T) {
	payload := strings.Repeat("binary-data-", 1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/downloads/pkg.zip" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(payload))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "pkg.zip")
	c := newTestClient(t, srv.URL, "tok")
	if err := c.Download(context.Background(), srv.URL+"/downloads/pkg.zip", dest); err != nil {
		t.Fatalf("Download: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil || string(got) != payload {
		t.Errorf("downloaded content mismatch (err %v)", err)
	}

	// No partial files remain.
	entries, _ := os.ReadDir(filepath.Dir(dest))
	for _, e := range entries {
		if strings.Contains(e.Name(), ".part") {
			t.Errorf("partial file %s left behind", e.Name())
		}
	}
}

func TestDownloadFailureLeavesNoFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "pkg.zip")
	c := newTestClient(t, srv.URL, "tok")
	err := c.Download(context.Background(), srv.URL+"/x.zip", dest)
	if e := requestErr(t, err); e.Kind != ErrServer {
		t.Errorf("kind = %s, want %s", e.Kind, ErrServer)
	}
	if _, err := os.Stat(dest); !errors.Is(err, os.ErrNotExist) {
		t.Error("destination must not exist after a failed download")
	}
}

func TestDownloadLocalFailureIsNotConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	// The destination's parent is a regular file, so the local mkdir fails
	// even though the server answered cleanly.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	c := newTestClient(t, srv.URL, "tok")
	err := c.Download(context.Background(), srv.URL+"/pkg.zip", filepath.Join(blocker, "pkg.zip"))
	if e := requestErr(t, err); e.Kind != ErrLocalIO {
		t.Errorf("kind = %s, want %s", e.Kind, ErrLocalIO)
	}
}

func TestDownloadRelativeURL(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "pkg.zip")
	c := newTestClient(t, srv.URL, "tok")
	if err := c.Download(context.Background(), "downloads/pkg.zip", dest); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if gotPath != "/api/agent/downloads/pkg.zip" {
		t.Errorf("relative URL resolved to %s", gotPath)
	}
}
