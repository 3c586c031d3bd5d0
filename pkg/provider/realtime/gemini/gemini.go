// Package gemini implements the realtime.Provider interface for Google's
// Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Audio travels as base64-encoded PCM chunks; tool calls and
// transcripts are surfaced on the session's event stream.
//
// Open returns a handle immediately and completes the dial and setup
// handshake in the background. Audio sent before setupComplete arrives is
// held in a bounded queue and replayed in order once the session is ready.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/phonelark/switchboard/pkg/provider/realtime"
)

// Compile-time assertions that Provider and session satisfy the realtime interfaces.
var _ realtime.Provider = (*Provider)(nil)
var _ realtime.Handle = (*session)(nil)

const (
	defaultModel       = "gemini-2.0-flash-live-001"
	defaultBaseURL     = "wss://generativelanguage.googleapis.com/ws"
	defaultOpenTimeout = 5 * time.Second

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	// pendingLimit bounds the queue of audio chunks accepted before the
	// session is ready. When full, the oldest chunk is dropped.
	pendingLimit = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithOpenTimeout bounds how long a session waits for the setupComplete
// acknowledgement before failing closed.
func WithOpenTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.openTimeout = d
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements realtime.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey      string
	model       string
	baseURL     string
	openTimeout time.Duration
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:      apiKey,
		model:       defaultModel,
		baseURL:     defaultBaseURL,
		openTimeout: defaultOpenTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Open starts establishing a new Gemini Live session and returns its handle
// immediately. The dial and setup handshake run in the background; audio
// sent before the handshake completes is queued and replayed in order. A
// handshake failure or timeout surfaces as ErrorEvent then Closed on the
// event stream.
func (p *Provider) Open(ctx context.Context, cfg realtime.SessionConfig) realtime.Handle {
	sessCtx, sessCancel := context.WithCancel(ctx)
	sess := &session{
		events: make(chan realtime.Event, 64),
		done:   make(chan struct{}),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	go sess.open(p, cfg)

	return sess
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
	Tools             []geminiTool       `json:"tools,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete        *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent        *serverContent   `json:"serverContent,omitempty"`
	ToolCall             *toolCallMsg     `json:"toolCall,omitempty"`
	ToolCallCancellation *json.RawMessage `json:"toolCallCancellation,omitempty"`
	Error                *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	events chan realtime.Event

	mu      sync.Mutex
	conn    *websocket.Conn // nil until the dial succeeds
	pending [][]byte        // audio queued before ready, FIFO
	ready   bool
	closed  bool

	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	finalOnce sync.Once
}

// open performs the dial and setup handshake, replays queued audio, and
// hands the connection to the receive and keepalive loops. Runs in its own
// goroutine; every failure path terminates the event stream.
func (s *session) open(p *Provider, cfg realtime.SessionConfig) {
	openCtx, cancel := context.WithTimeout(s.ctx, p.openTimeout)
	defer cancel()

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)

	conn, _, err := websocket.Dial(openCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		s.failOpen(fmt.Errorf("gemini: dial: %w", err))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "session closed")
		s.finish()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	if err := s.sendSetup(p.model, cfg); err != nil {
		s.failOpen(fmt.Errorf("gemini: setup: %w", err))
		return
	}

	if err := s.awaitSetupComplete(openCtx); err != nil {
		s.failOpen(err)
		return
	}

	s.markReady()

	go s.receiveLoop()
	go s.keepaliveLoop()
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(model string, cfg realtime.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	return s.writeJSON(msg)
}

// awaitSetupComplete reads server messages until the setupComplete
// acknowledgement arrives. ctx carries the open deadline.
func (s *session) awaitSetupComplete(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("gemini: awaiting setup acknowledgement: %w", err)
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("gemini: setup rejected: %s", msg.Error.Message)
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// markReady flips the session to ready and replays queued audio in arrival
// order. The lock is held across the replay so concurrent SendAudio calls
// cannot interleave ahead of queued chunks.
func (s *session) markReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ready = true
	for _, chunk := range s.pending {
		_ = s.writeAudioLocked(chunk)
	}
	s.pending = nil
}

// failOpen discards queued audio and terminates the event stream with an
// ErrorEvent followed by Closed.
func (s *session) failOpen(err error) {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.pending = nil
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
	}
	if !alreadyClosed {
		s.emit(realtime.ErrorEvent{Err: err})
	}
	s.cancel()
	s.finish()
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// writeAudioLocked writes one PCM chunk as a realtimeInput message.
// Callers must hold s.mu.
func (s *session) writeAudioLocked(chunk []byte) error {
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: "audio/pcm;rate=16000", Data: base64.StdEncoding.EncodeToString(chunk)},
			},
		},
	}
	return s.writeJSON(msg)
}

// receiveLoop reads messages from the WebSocket and dispatches them. It owns
// the event channel tail: when it exits, the stream terminates with Closed.
func (s *session) receiveLoop() {
	defer s.finish()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// If the session context was cancelled, exit cleanly.
			if s.ctx.Err() != nil {
				return
			}
			s.emit(realtime.ErrorEvent{Err: fmt.Errorf("gemini: read: %w", err)})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		s.handleServerMessage(&msg)
	}
}

func (s *session) handleServerMessage(msg *serverMessage) {
	if msg.Error != nil {
		text := "unknown error"
		if msg.Error.Message != "" {
			text = msg.Error.Message
		}
		s.emit(realtime.ErrorEvent{Err: fmt.Errorf("gemini: %s", text)})
	}
	if msg.ServerContent != nil {
		s.handleServerContent(msg.ServerContent)
	}
	if msg.ToolCall != nil {
		s.handleToolCall(msg.ToolCall)
	}
}

func (s *session) handleServerContent(sc *serverContent) {
	// Barge-in: the interrupted flag precedes any parts of the abandoned
	// turn, so emit it first.
	if sc.Interrupted {
		s.emit(realtime.Interrupted{})
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				audioData, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(audioData) == 0 {
					continue
				}
				mime := p.InlineData.MIMEType
				if mime == "" {
					mime = "audio/pcm;rate=24000"
				}
				s.emit(realtime.AudioChunk{Data: audioData, MIMEType: mime})
			}
			if p.Text != "" {
				s.emit(realtime.Transcript{Role: "model", Text: p.Text})
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.emit(realtime.Transcript{Role: "user", Text: sc.InputTranscription.Text})
	}

	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		s.emit(realtime.Transcript{Role: "model", Text: sc.OutputTranscription.Text})
	}
}

func (s *session) handleToolCall(tc *toolCallMsg) {
	for _, fc := range tc.FunctionCalls {
		args := make(map[string]string, len(fc.Args))
		for k, v := range fc.Args {
			args[k] = fmt.Sprint(v)
		}
		s.emit(realtime.ToolCall{ID: fc.ID, Name: fc.Name, Args: args})
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// emit delivers an event, giving up if the session is torn down first.
func (s *session) emit(ev realtime.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// finish terminates the event stream: a final Closed event, then channel
// close. Safe to call from any goroutine, exactly one call wins.
func (s *session) finish() {
	s.finalOnce.Do(func() {
		select {
		case s.events <- realtime.Closed{}:
		default:
		}
		close(s.events)
	})
}

// ── Handle methods ─────────────────────────────────────────────────────────────

// SendAudio delivers a raw PCM chunk (16 kHz, s16le, mono) to the model.
// Before the setup handshake completes, chunks are queued (bounded,
// oldest-dropped) and replayed in order once the session is ready.
func (s *session) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("gemini: session closed")
	}
	if !s.ready {
		if len(s.pending) >= pendingLimit {
			s.pending = s.pending[1:]
		}
		s.pending = append(s.pending, pcm)
		return nil
	}
	return s.writeAudioLocked(pcm)
}

// SendToolResult answers a tool call previously surfaced on the event stream.
func (s *session) SendToolResult(callID, name string, result map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("gemini: session closed")
	}
	if !s.ready {
		return fmt.Errorf("gemini: session not ready")
	}

	msg := toolResponseMessage{
		ToolResponse: toolResponse{
			FunctionResponses: []functionResponse{
				{ID: callID, Name: name, Response: result},
			},
		},
	}
	return s.writeJSON(msg)
}

// Events returns the session's ordered event stream.
func (s *session) Events() <-chan realtime.Event { return s.events }

// Close terminates the session and releases all resources. Idempotent, and
// safe to call while the open handshake is still in flight. The event
// channel is closed by the session's own goroutine once it winds down.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.pending = nil
		conn := s.conn
		s.mu.Unlock()

		s.cancel()    // unblocks the receive and keepalive loops
		close(s.done) // signals keepaliveLoop via done channel
		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "session closed")
		}
	})
	return nil
}
