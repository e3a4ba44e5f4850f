package server

import "testing"

type captureSink struct {
	tokens []string
}

func (s *captureSink) UpdateToken(token string) { s.tokens = append(s.tokens, token) }

func TestTokenFanOut(t *testing.T) {
	h := NewTokenHandle()
	a, b := &captureSink{}, &captureSink{}
	h.Register(a)
	h.Register(b)

	h.Set("tok-1")
	h.Set("tok-2")

	for _, s := range []*captureSink{a, b} {
		if len(s.tokens) != 2 || s.tokens[1] != "tok-2" {
			t.Errorf("sink saw %v, want both updates", s.tokens)
		}
	}
	if h.Get() != "tok-2" {
		t.Errorf("Get = %q", h.Get())
	}
}

func TestRegisterAfterSetSyncsImmediately(t *testing.T) {
	h := NewTokenHandle()
	h.Set("tok")

	late := &captureSink{}
	h.Register(late)
	if len(late.tokens) != 1 || late.tokens[0] != "tok" {
		t.Errorf("late sink saw %v, want immediate sync", late.tokens)
	}
}

func TestRegisterBeforeAnyTokenStaysSilent(t *testing.T) {
	h := NewTokenHandle()
	s := &captureSink{}
	h.Register(s)
	if len(s.tokens) != 0 {
		t.Errorf("sink saw %v before any token was set", s.tokens)
	}
	if h.Get() != "" {
		t.Errorf("Get = %q, want empty", h.Get())
	}
}
