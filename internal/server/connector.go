package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cms-fleet/cms-agent/internal/logging"
	"github.com/cms-fleet/cms-agent/internal/statestore"
	"github.com/cms-fleet/cms-agent/internal/sysinfo"
)

// UserPrompter is the console-interaction capability. The connector only
// needs the MFA prompt; first-run room configuration happens before
// authentication, in the CLI layer.
type UserPrompter interface {
	// PromptMFA asks the user for a one-time code. Returning ok=false
	// means the user cancelled.
	PromptMFA() (code string, ok bool)
}

// AuthFailReason classifies why an authentication attempt failed.
type AuthFailReason string

const (
	FailIdentify           AuthFailReason = "identify_failed"
	FailMFACancelled       AuthFailReason = "mfa_cancelled"
	FailMFARejected        AuthFailReason = "mfa_rejected"
	FailPosition           AuthFailReason = "position_error"
	FailNoLocalToken       AuthFailReason = "server_thinks_registered_but_no_local_token"
	FailHardwareUpload     AuthFailReason = "hardware_upload_failed"
	FailPushAuthentication AuthFailReason = "push_auth_failed"
)

// AuthError is a failed authentication attempt.
type AuthError struct {
	Reason  AuthFailReason
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%s): %s", e.Reason, e.Message)
}

// pushAuthTimeout bounds how long session bring-up waits for the server's
// auth_success confirmation.
const pushAuthTimeout = 20 * time.Second

// Connector owns the authentication sequence and the live session token.
type Connector struct {
	store     *statestore.Store
	req       *RequestClient
	push      *PushClient
	tokens    *TokenHandle
	prompter  UserPrompter
	inspector sysinfo.Inspector
	log       *logging.Logger

	deviceID     string
	agentVersion string
}

// NewConnector wires the connector. deviceID must already be ensured by
// the state store.
func NewConnector(store *statestore.Store, req *RequestClient, push *PushClient, tokens *TokenHandle, prompter UserPrompter, inspector sysinfo.Inspector, deviceID, agentVersion string, log *logging.Logger) *Connector {
	return &Connector{
		store:        store,
		req:          req,
		push:         push,
		tokens:       tokens,
		prompter:     prompter,
		inspector:    inspector,
		deviceID:     deviceID,
		agentVersion: agentVersion,
		log:          log,
	}
}

// DeviceID returns the device identity the connector authenticates as.
func (c *Connector) DeviceID() string { return c.deviceID }

// Authenticate runs the full sequence: token load, identify (with MFA
// sub-flow when required), inventory upload, and push-channel bring-up.
// On success the session token has been fanned out to every registered
// sink. The caller retries failed attempts on its own backoff.
func (c *Connector) Authenticate(ctx context.Context, room statestore.RoomAssignment) error {
	token, err := c.store.LoadToken(c.deviceID)
	if err != nil {
		c.log.Warn("token load failed, treating as absent", "error", err)
	}

	persisted := token != ""
	if !persisted {
		token, err = c.identify(ctx, room, false)
		if err != nil {
			return err
		}
	} else {
		c.log.Info("using persisted session token")
	}

	// Publish the token; RequestClient picks it up for the authenticated
	// endpoints below.
	c.tokens.Set(token)

	inv, err := c.inspector.Hardware(c.agentVersion)
	if err != nil {
		c.log.Warn("hardware enumeration incomplete", "error", err)
	}
	if err := c.req.SendHardwareInfo(ctx, inv); err != nil {
		if !persisted || !tokenRejected(err) {
			return &AuthError{Reason: FailHardwareUpload, Message: err.Error()}
		}
		// The server no longer honors the persisted token. Discard it and
		// register again with a forced renewal.
		c.log.Warn("persisted token rejected by server, re-registering", "error", err)
		c.discardToken()
		persisted = false
		if token, err = c.identify(ctx, room, true); err != nil {
			return err
		}
		c.tokens.Set(token)
		if err := c.req.SendHardwareInfo(ctx, inv); err != nil {
			return &AuthError{Reason: FailHardwareUpload, Message: err.Error()}
		}
	}

	c.push.ConnectAndAuthenticate(c.deviceID, token)
	if !c.push.WaitForAuthenticated(pushAuthTimeout) {
		c.push.Disconnect()
		if persisted {
			// A stale token surfaces on this channel as auth_failed; clearing
			// it routes the next attempt through /identify.
			c.discardToken()
		}
		return &AuthError{Reason: FailPushAuthentication, Message: "server did not confirm push authentication in time"}
	}

	c.log.Info("session established", "device_id", c.deviceID)
	return nil
}

// tokenRejected reports whether the server refused the credential itself,
// as opposed to the request failing for any other reason.
func tokenRejected(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == ErrServer &&
		(e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden)
}

// discardToken removes a server-rejected token from local storage so the
// on-disk credential never outlives its server-side validity.
func (c *Connector) discardToken() {
	if err := c.store.DeleteToken(c.deviceID); err != nil {
		c.log.Warn("failed to delete rejected token", "error", err)
	}
}

// identify runs /identify and the optional MFA sub-flow, persisting any
// token the server issues. forceRenew asks the server to mint a fresh
// token even if it considers the device registered. Returns the usable
// session token.
func (c *Connector) identify(ctx context.Context, room statestore.RoomAssignment, forceRenew bool) (string, error) {
	resp, err := c.req.Identify(ctx, IdentifyRequest{
		UniqueAgentID:   c.deviceID,
		ForceRenewToken: forceRenew,
		PositionInfo: &PositionInfo{
			RoomName: room.Room,
			PosX:     room.Position.X,
			PosY:     room.Position.Y,
		},
	})
	if err != nil {
		return "", &AuthError{Reason: FailIdentify, Message: err.Error()}
	}

	switch resp.Status {
	case StatusRegistered:
		if resp.AgentToken != "" {
			c.persistToken(resp.AgentToken)
			return resp.AgentToken, nil
		}
		// The server recognizes the device but issued no token; only a
		// locally persisted one can carry the session.
		existing, err := c.store.LoadToken(c.deviceID)
		if err != nil || existing == "" {
			return "", &AuthError{Reason: FailNoLocalToken, Message: "server reports registered but no token is stored locally"}
		}
		return existing, nil

	case StatusMFARequired:
		return c.runMFA(ctx)

	case StatusPositionError:
		return "", &AuthError{Reason: FailPosition, Message: resp.Message}

	default:
		return "", &AuthError{Reason: FailIdentify, Message: fmt.Sprintf("server status %q: %s", resp.Status, resp.Message)}
	}
}

// runMFA prompts for a code and verifies it with the server.
func (c *Connector) runMFA(ctx context.Context) (string, error) {
	code, ok := c.prompter.PromptMFA()
	if !ok {
		return "", &AuthError{Reason: FailMFACancelled, Message: "user cancelled the MFA prompt"}
	}
	resp, err := c.req.VerifyMFA(ctx, c.deviceID, code)
	if err != nil {
		return "", &AuthError{Reason: FailMFARejected, Message: err.Error()}
	}
	if resp.Status != StatusRegistered || resp.AgentToken == "" {
		return "", &AuthError{Reason: FailMFARejected, Message: resp.Message}
	}
	c.persistToken(resp.AgentToken)
	return resp.AgentToken, nil
}

// persistToken stores a freshly issued token. A persistence failure
// compromises cross-restart behavior, so it is logged CRITICAL, but the
// in-session token remains usable.
func (c *Connector) persistToken(token string) {
	if err := c.store.PutToken(c.deviceID, token); err != nil {
		c.log.Critical("failed to persist session token; next restart will re-register", "error", err)
	}
}

// SendStatusOnce samples resource usage and emits one status update.
// When the push channel is not authenticated the sample is dropped with a
// warning; the next tick tries again.
func (c *Connector) SendStatusOnce() {
	st, err := c.inspector.Status()
	if err != nil {
		c.log.Warn("status sample failed", "error", err)
		return
	}
	err = c.push.EmitStatusUpdate(StatusUpdatePayload{
		CPUUsage:  st.CPUUsage,
		RAMUsage:  st.RAMUsage,
		DiskUsage: st.DiskUsage,
		AgentID:   c.deviceID,
	})
	if err != nil {
		c.log.Warn("status update dropped", "error", err)
	}
}
