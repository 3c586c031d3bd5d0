// Package call hosts the per-call relay session and the router that spawns
// one session per inbound media stream.
//
// A [Session] bridges a telephony media stream (8 kHz μ-law over WebSocket)
// and a realtime AI backend (16 kHz PCM in, 24 kHz PCM out). The telephony
// read loop lives in the router and feeds frames to [Session.HandleFrame];
// the session runs two goroutines of its own — one consuming the backend's
// event stream, one draining the bounded outbound frame queue into the
// telephony socket.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/phonelark/switchboard/internal/observe"
	"github.com/phonelark/switchboard/internal/resilience"
	"github.com/phonelark/switchboard/internal/summary"
	"github.com/phonelark/switchboard/internal/twilio"
	"github.com/phonelark/switchboard/pkg/audio"
	"github.com/phonelark/switchboard/pkg/provider/realtime"
)

const (
	// telephonyRate is the sample rate of the μ-law media stream.
	telephonyRate = 8000

	// upsampleRatio converts telephony 8 kHz input to the backend's 16 kHz.
	upsampleRatio = 2

	// defaultDownsampleRatio converts 24 kHz model output, the rate assumed
	// when a chunk's MIME type does not name a usable one.
	defaultDownsampleRatio = 3

	// outboundQueueSize bounds the frames waiting to be written back to the
	// telephony socket. A full queue means the peer stopped reading; the
	// session tears down rather than buffer without limit.
	outboundQueueSize = 32
)

// State is the lifecycle phase of a Session.
type State int32

const (
	// StateStarting covers the window between the start frame and the first
	// backend event. Caller audio sent now is queued by the adapter.
	StateStarting State = iota

	// StateActive is the steady relay state.
	StateActive

	// StateClosing means teardown has begun. Inbound frames are ignored.
	StateClosing

	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// FrameWriter sends one encoded media-stream message to the telephony peer.
// The session serialises calls; implementations need not be concurrency-safe
// with respect to each other but must tolerate a call racing connection
// close.
type FrameWriter interface {
	WriteFrame(ctx context.Context, data []byte) error
}

// Controller is the slice of call control the session needs. Implemented by
// [twilio.CallControl].
type Controller interface {
	Transfer(ctx context.Context, callSID, destination string) error
	Hangup(ctx context.Context, callSID string) error
}

// Config carries the per-call wiring for a Session.
type Config struct {
	StreamSID   string
	CallSID     string
	CompanyName string

	// Gate drops near-silent caller frames before they reach the backend.
	// A zero-threshold gate forwards everything.
	Gate audio.Gate

	// Directory resolves transfer_call tool invocations. Required.
	Directory *Directory

	// Control performs REST call actions. Optional; without it a transfer
	// tool call is answered with an error result.
	Control Controller

	// Breaker, when set, is informed of the open outcome: success on the
	// first backend event, failure when the session dies while starting.
	Breaker *resilience.Breaker

	// Summary, when set, receives the accumulated transcript after close.
	Summary *summary.Service

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Session is one live call relay. Create it with [New], drive it with
// [Session.Start] and [Session.HandleFrame], and stop it with
// [Session.Close] (idempotent). Done is signalled via [Session.Done].
type Session struct {
	cfg    Config
	writer FrameWriter
	handle realtime.Handle
	log    *slog.Logger

	state     atomic.Int32
	startedAt time.Time

	outbound chan []byte
	closed   chan struct{}

	closeOnce  sync.Once
	firstAudio sync.Once
	openOnce   sync.Once
	wg         sync.WaitGroup

	mu         sync.Mutex
	transcript []summary.Line
}

// New builds a Session around an already-opened backend handle. The handle's
// connection may still be establishing; audio relayed meanwhile is queued by
// the adapter and replayed in order.
func New(writer FrameWriter, handle realtime.Handle, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	s := &Session{
		cfg:       cfg,
		writer:    writer,
		handle:    handle,
		log:       cfg.Logger.With("call_sid", cfg.CallSID, "stream_sid", cfg.StreamSID),
		startedAt: time.Now(),
		outbound:  make(chan []byte, outboundQueueSize),
		closed:    make(chan struct{}),
	}
	s.state.Store(int32(StateStarting))
	return s
}

// State reports the current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed when teardown begins. The router uses it to stop reading
// the telephony socket.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Start launches the session's background loops: the backend event consumer
// and the outbound frame writer. ctx bounds both; cancelling it closes the
// session.
func (s *Session) Start(ctx context.Context) {
	s.cfg.Metrics.ActiveCalls.Add(ctx, 1)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.consumeEvents(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.writeLoop(ctx)
	}()
}

// Wait blocks until both background loops have exited.
func (s *Session) Wait() {
	s.wg.Wait()
}

// HandleFrame processes one raw inbound message from the telephony socket.
// Malformed frames are logged and skipped; the connection survives. A stop
// frame closes the session. The error return is always nil today; it exists
// so the router's read loop reads naturally.
func (s *Session) HandleFrame(ctx context.Context, raw []byte) error {
	if s.State() >= StateClosing {
		return nil
	}

	frame, err := twilio.DecodeFrame(raw)
	if err != nil {
		s.log.Warn("skipping malformed frame", "err", err)
		return nil
	}

	switch frame.Event {
	case twilio.EventMedia:
		s.relayInbound(ctx, frame)
	case twilio.EventStop:
		s.Close(ctx, "caller hung up")
	case twilio.EventConnected, twilio.EventMark:
		// Informational only.
	}
	return nil
}

// relayInbound runs the caller-to-backend leg: μ-law → PCM @8k → upsample
// ×2 → noise gate → backend.
func (s *Session) relayInbound(ctx context.Context, frame *twilio.Frame) {
	mulaw, err := frame.AudioPayload()
	if err != nil {
		s.log.Warn("skipping media frame", "err", err)
		return
	}

	pcm := audio.Upsample(audio.DecodeMuLaw(mulaw), upsampleRatio)
	if !s.cfg.Gate.Pass(pcm) {
		s.cfg.Metrics.FramesGated.Add(ctx, 1)
		return
	}

	if err := s.handle.SendAudio(audio.BytesLE(pcm)); err != nil {
		s.Close(ctx, fmt.Sprintf("send audio: %v", err))
		return
	}
	s.cfg.Metrics.FramesForwarded.Add(ctx, 1)
}

// consumeEvents drains the backend event stream until it closes or the
// session ends.
func (s *Session) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-s.closed:
			return
		case ev, ok := <-s.handle.Events():
			if !ok {
				if s.State() == StateStarting {
					s.reportOpen(ctx, false)
				}
				s.Close(ctx, "backend event stream ended")
				return
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, ev realtime.Event) {
	switch ev := ev.(type) {
	case realtime.AudioChunk:
		s.markActive(ctx)
		s.firstAudio.Do(func() {
			s.cfg.Metrics.FirstAudioDelay.Record(ctx, time.Since(s.startedAt).Seconds())
		})
		s.relayOutbound(ctx, ev)

	case realtime.Interrupted:
		s.markActive(ctx)
		s.cfg.Metrics.Interruptions.Add(ctx, 1)
		s.dropQueuedOutbound()
		if frame, err := twilio.EncodeClearFrame(s.cfg.StreamSID); err == nil {
			s.enqueue(ctx, frame)
		}

	case realtime.ToolCall:
		s.markActive(ctx)
		s.handleToolCall(ctx, ev)

	case realtime.Transcript:
		s.markActive(ctx)
		s.mu.Lock()
		s.transcript = append(s.transcript, summary.Line{Role: ev.Role, Text: ev.Text})
		s.mu.Unlock()

	case realtime.ErrorEvent:
		if s.State() == StateStarting {
			s.reportOpen(ctx, false)
			s.Close(ctx, fmt.Sprintf("backend open failed: %v", ev.Err))
			return
		}
		s.log.Warn("backend session error", "err", ev.Err)

	case realtime.Closed:
		if s.State() == StateStarting {
			s.reportOpen(ctx, false)
		}
		s.Close(ctx, "backend session closed")
	}
}

// relayOutbound runs the backend-to-caller leg: model PCM at the rate its
// MIME type names → downsample to 8 kHz → μ-law → media frame → bounded
// queue.
func (s *Session) relayOutbound(ctx context.Context, chunk realtime.AudioChunk) {
	down := audio.Downsample(audio.SamplesLE(chunk.Data), outputRatio(chunk.MIMEType))
	if len(down) == 0 {
		return
	}
	frame, err := twilio.EncodeMediaFrame(s.cfg.StreamSID, audio.EncodeMuLaw(down))
	if err != nil {
		s.log.Warn("dropping outbound chunk", "err", err)
		return
	}
	s.enqueue(ctx, frame)
}

// outputRatio derives the downsample ratio from an audio MIME type such as
// "audio/pcm;rate=24000". Rates that are absent, unparseable, or not a
// whole multiple of the telephony 8 kHz fall back to the default 24 kHz
// assumption.
func outputRatio(mimeType string) int {
	for _, part := range strings.Split(mimeType, ";") {
		rest, ok := strings.CutPrefix(strings.TrimSpace(part), "rate=")
		if !ok {
			continue
		}
		rate, err := strconv.Atoi(rest)
		if err != nil || rate <= 0 || rate%telephonyRate != 0 {
			break
		}
		return rate / telephonyRate
	}
	return defaultDownsampleRatio
}

// enqueue places a frame on the outbound queue without blocking. A full
// queue means the telephony peer is not draining writes, so the session
// tears down instead of buffering unboundedly.
func (s *Session) enqueue(ctx context.Context, frame []byte) {
	select {
	case s.outbound <- frame:
	default:
		s.Close(ctx, "outbound queue full")
	}
}

// dropQueuedOutbound discards frames queued before a barge-in. Audio already
// buffered on the provider side is flushed by the clear frame that follows.
func (s *Session) dropQueuedOutbound() {
	for {
		select {
		case <-s.outbound:
		default:
			return
		}
	}
}

// writeLoop is the only goroutine that writes to the telephony socket.
func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.Close(ctx, "context cancelled")
			return
		case <-s.closed:
			return
		case frame := <-s.outbound:
			if err := s.writer.WriteFrame(ctx, frame); err != nil {
				s.Close(ctx, fmt.Sprintf("write frame: %v", err))
				return
			}
		}
	}
}

func (s *Session) handleToolCall(ctx context.Context, tc realtime.ToolCall) {
	if tc.Name != ToolTransferCall {
		s.log.Warn("unknown tool call", "tool", tc.Name)
		s.cfg.Metrics.RecordToolCall(ctx, tc.Name, "unknown")
		_ = s.handle.SendToolResult(tc.ID, tc.Name, map[string]any{
			"error": "unknown tool",
		})
		return
	}

	dest := s.cfg.Directory.Resolve(tc.Args)
	s.log.Info("transfer requested", "destination", dest, "args", tc.Args)

	if s.cfg.Control == nil {
		s.cfg.Metrics.RecordToolCall(ctx, tc.Name, "error")
		_ = s.handle.SendToolResult(tc.ID, tc.Name, map[string]any{
			"error": "call control unavailable",
		})
		return
	}

	if err := s.cfg.Control.Transfer(ctx, s.cfg.CallSID, dest); err != nil {
		s.log.Error("transfer failed", "destination", dest, "err", err)
		s.cfg.Metrics.RecordToolCall(ctx, tc.Name, "error")
		_ = s.handle.SendToolResult(tc.ID, tc.Name, map[string]any{
			"error": fmt.Sprintf("transfer failed: %v", err),
		})
		return
	}

	s.cfg.Metrics.RecordToolCall(ctx, tc.Name, "ok")
	_ = s.handle.SendToolResult(tc.ID, tc.Name, map[string]any{
		"status":      "transferred",
		"destination": dest,
	})
	s.Close(ctx, "transferred to "+dest)
}

// markActive moves Starting → Active on the first backend event and reports
// the open as a success.
func (s *Session) markActive(ctx context.Context) {
	if s.state.CompareAndSwap(int32(StateStarting), int32(StateActive)) {
		s.reportOpen(ctx, true)
		s.log.Info("backend session active")
	}
}

// reportOpen records the backend open outcome exactly once, feeding both the
// breaker and the session-open counter.
func (s *Session) reportOpen(ctx context.Context, ok bool) {
	s.openOnce.Do(func() {
		status := "ok"
		if ok {
			if s.cfg.Breaker != nil {
				s.cfg.Breaker.RecordSuccess()
			}
		} else {
			status = "error"
			if s.cfg.Breaker != nil {
				s.cfg.Breaker.RecordFailure()
			}
		}
		s.cfg.Metrics.RecordSessionOpen(ctx, status)
	})
}

// Close begins teardown. Safe to call from any goroutine, any number of
// times; only the first call acts. It closes the backend handle, records
// call metrics, and hands the transcript to the summary service.
func (s *Session) Close(ctx context.Context, reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		close(s.closed)

		_ = s.handle.Close()

		duration := time.Since(s.startedAt)
		s.cfg.Metrics.ActiveCalls.Add(ctx, -1)
		s.cfg.Metrics.CallDuration.Record(ctx, duration.Seconds())

		s.mu.Lock()
		transcript := s.transcript
		s.transcript = nil
		s.mu.Unlock()

		if s.cfg.Summary != nil && len(transcript) > 0 {
			s.cfg.Summary.ProcessAsync(summary.CallRecord{
				CallSID:     s.cfg.CallSID,
				CompanyName: s.cfg.CompanyName,
				StartedAt:   s.startedAt,
				Duration:    duration,
				Transcript:  transcript,
			})
		}

		s.state.Store(int32(StateClosed))
		s.log.Info("call closed", "reason", reason, "duration", duration)
	})
}
