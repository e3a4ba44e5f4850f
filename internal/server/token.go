// Package server implements the agent's two northbound transports (the
// authenticated HTTPS request/response client and the websocket push
// channel) plus the connector that drives the authentication sequence and
// owns the live session token.
package server

import "sync"

// TokenSink receives the session token whenever it changes. RequestClient,
// PushClient, and the IPC server register as sinks so there is exactly one
// writer and no shared mutable field.
type TokenSink interface {
	UpdateToken(token string)
}

// TokenHandle is the single source of truth for the live session token.
type TokenHandle struct {
	mu    sync.RWMutex
	token string
	sinks []TokenSink
}

// NewTokenHandle creates an empty handle.
func NewTokenHandle() *TokenHandle { return &TokenHandle{} }

// Register adds a sink. If a token is already set the sink is brought up
// to date immediately.
func (h *TokenHandle) Register(s TokenSink) {
	h.mu.Lock()
	h.sinks = append(h.sinks, s)
	token := h.token
	h.mu.Unlock()
	if token != "" {
		s.UpdateToken(token)
	}
}

// Set stores the token and fans it out to every registered sink.
func (h *TokenHandle) Set(token string) {
	h.mu.Lock()
	h.token = token
	sinks := make([]TokenSink, len(h.sinks))
	copy(sinks, h.sinks)
	h.mu.Unlock()
	for _, s := range sinks {
		s.UpdateToken(token)
	}
}

// Get returns the current token, or "" when unauthenticated.
func (h *TokenHandle) Get() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}
