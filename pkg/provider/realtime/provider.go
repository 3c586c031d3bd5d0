// Package realtime defines the Provider interface for realtime voice AI
// backends.
//
// A realtime provider wraps a bidirectional voice service that accepts raw
// PCM audio and returns synthesised audio in a single stateful session,
// bypassing a separate STT → LLM → TTS pipeline. The central abstraction is
// Handle: a session that accepts audio writes immediately — even while the
// underlying connection is still being established — and surfaces everything
// the backend produces (audio, interruptions, tool calls, transcripts,
// errors) as a single ordered event stream.
//
// All implementations must be safe for concurrent use.
package realtime

import "context"

// ToolDefinition describes one function the model may invoke during a
// session.
type ToolDefinition struct {
	// Name is the function name the model calls.
	Name string

	// Description tells the model when to use the function.
	Description string

	// Parameters is a JSON-schema object describing the arguments.
	Parameters map[string]any
}

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	// Instructions is the system-level prompt defining the agent's persona
	// and behavioural constraints.
	Instructions string

	// Voice selects the provider voice for synthesised speech output.
	Voice string

	// Tools is the set of functions offered to the model for this session.
	Tools []ToolDefinition
}

// Event is one item on a session's ordered event stream. Exactly the types
// in this package implement it: AudioChunk, Interrupted, ToolCall,
// Transcript, ErrorEvent and Closed.
type Event interface {
	// EventType returns a short stable tag for logging and metrics.
	EventType() string
}

// AudioChunk carries one chunk of synthesised model speech.
type AudioChunk struct {
	// Data is raw PCM, signed 16-bit little-endian mono.
	Data []byte

	// MIMEType describes the format, e.g. "audio/pcm;rate=24000".
	MIMEType string
}

func (AudioChunk) EventType() string { return "audio" }

// Interrupted signals that the caller started speaking over the model and
// the backend abandoned the current response. Any audio the consumer has
// buffered from before this event is stale and should be discarded.
type Interrupted struct{}

func (Interrupted) EventType() string { return "interrupted" }

// ToolCall is a function invocation requested by the model. The consumer
// must answer it via Handle.SendToolResult using the same ID and Name.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]string
}

func (ToolCall) EventType() string { return "tool_call" }

// Transcript carries a text rendition of one side of the conversation, as
// produced by the backend. Role is "user" or "model".
type Transcript struct {
	Role string
	Text string
}

func (Transcript) EventType() string { return "transcript" }

// ErrorEvent reports a session-level failure. A fatal failure is followed
// by Closed; a non-fatal one is not.
type ErrorEvent struct {
	Err error
}

func (ErrorEvent) EventType() string { return "error" }

// Closed is the terminal event. The event channel is closed after it is
// delivered; no further events follow.
type Closed struct{}

func (Closed) EventType() string { return "closed" }

// Handle represents an open (or opening) realtime session. It is an
// interface so call-handling code can be tested against a scripted mock.
//
// The session is the hot path of the audio relay: every method must return
// quickly. All methods are safe for concurrent use. Callers must call Close
// when the session is no longer needed.
type Handle interface {
	// SendAudio delivers a raw PCM chunk (16 kHz, s16le, mono) to the
	// model. Chunks sent before the connection is ready are held in a
	// bounded queue and replayed in order once it is; when the queue is
	// full the oldest chunk is dropped. Returns an error only once the
	// session is closed.
	SendAudio(pcm []byte) error

	// SendToolResult answers a previously received ToolCall event.
	SendToolResult(callID, name string, result map[string]any) error

	// Events returns the session's ordered event stream. The channel is
	// closed after a Closed event. Consumers must drain it promptly to
	// avoid stalling the session's receive loop.
	Events() <-chan Event

	// Close terminates the session and releases all resources. Safe to
	// call at any point in the session lifecycle, any number of times.
	Close() error
}

// Provider is the abstraction over any realtime voice backend.
//
// Implementations must be safe for concurrent use; the router opens one
// session per active call.
type Provider interface {
	// Open starts establishing a new session and returns its Handle
	// immediately. Connection setup proceeds in the background: audio sent
	// before the backend is ready is queued and replayed, and a setup
	// failure or timeout surfaces as ErrorEvent then Closed on the event
	// stream. ctx bounds the whole session, not just the dial.
	Open(ctx context.Context, cfg SessionConfig) Handle
}
