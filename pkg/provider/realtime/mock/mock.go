// Package mock provides a scriptable in-memory realtime.Provider for tests.
//
// A mock session records everything the caller sends and lets the test
// script backend behaviour: mark the session ready, emit events, or fail
// the open handshake.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/phonelark/switchboard/pkg/provider/realtime"
)

var _ realtime.Provider = (*Provider)(nil)
var _ realtime.Handle = (*Session)(nil)

// Provider hands out pre-built Sessions in Open order. If the script runs
// out, fresh unscripted sessions are created on demand.
type Provider struct {
	mu       sync.Mutex
	scripted []*Session
	opened   []*Session
}

// NewProvider returns a Provider that will hand out the given sessions, in
// order, on successive Open calls.
func NewProvider(script ...*Session) *Provider {
	return &Provider{scripted: script}
}

// Open returns the next scripted session, or a fresh one when the script is
// exhausted. The configuration is recorded on the session.
func (p *Provider) Open(_ context.Context, cfg realtime.SessionConfig) realtime.Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s *Session
	if len(p.scripted) > 0 {
		s = p.scripted[0]
		p.scripted = p.scripted[1:]
	} else {
		s = NewSession()
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	p.opened = append(p.opened, s)
	return s
}

// Opened returns every session handed out so far, in Open order.
func (p *Provider) Opened() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.opened...)
}

// Session is a scriptable realtime.Handle.
type Session struct {
	events chan realtime.Event

	mu          sync.Mutex
	cfg         realtime.SessionConfig
	pending     [][]byte
	sent        [][]byte
	toolResults []ToolResult
	ready       bool
	closed      bool
	closeCalls  int
	finished    bool
}

// ToolResult records one SendToolResult call.
type ToolResult struct {
	CallID string
	Name   string
	Result map[string]any
}

// NewSession returns an unready session with an open event stream.
func NewSession() *Session {
	return &Session{events: make(chan realtime.Event, 64)}
}

// Config returns the SessionConfig the session was opened with.
func (s *Session) Config() realtime.SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Ready marks the session ready, moving queued audio into the sent log in
// arrival order.
func (s *Session) Ready() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ready = true
	s.sent = append(s.sent, s.pending...)
	s.pending = nil
}

// Fail terminates the session the way a failed open does: queued audio is
// discarded and ErrorEvent then Closed are emitted.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending = nil
	s.mu.Unlock()

	s.events <- realtime.ErrorEvent{Err: err}
	s.terminate()
}

// Emit places an event on the session's stream, as if the backend produced it.
func (s *Session) Emit(ev realtime.Event) {
	s.events <- ev
}

// End terminates the event stream cleanly: a Closed event, then channel close.
func (s *Session) End() {
	s.terminate()
}

func (s *Session) terminate() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.mu.Unlock()

	s.events <- realtime.Closed{}
	close(s.events)
}

// Sent returns every audio chunk delivered after the session became ready,
// including replayed pre-ready chunks, in order.
func (s *Session) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

// Queued returns audio currently held while the session is not yet ready.
func (s *Session) Queued() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.pending...)
}

// ToolResults returns every recorded SendToolResult call, in order.
func (s *Session) ToolResults() []ToolResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ToolResult(nil), s.toolResults...)
}

// CloseCalls returns how many times Close has been invoked.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// ── realtime.Handle ────────────────────────────────────────────────────────────

func (s *Session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("mock: session closed")
	}
	if !s.ready {
		s.pending = append(s.pending, pcm)
		return nil
	}
	s.sent = append(s.sent, pcm)
	return nil
}

func (s *Session) SendToolResult(callID, name string, result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("mock: session closed")
	}
	s.toolResults = append(s.toolResults, ToolResult{CallID: callID, Name: name, Result: result})
	return nil
}

func (s *Session) Events() <-chan realtime.Event { return s.events }

// Close marks the session closed and ends the event stream. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCalls++
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()

	if !alreadyClosed {
		s.terminate()
	}
	return nil
}
