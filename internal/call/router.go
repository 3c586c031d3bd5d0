package call

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/phonelark/switchboard/internal/instructions"
	"github.com/phonelark/switchboard/internal/observe"
	"github.com/phonelark/switchboard/internal/resilience"
	"github.com/phonelark/switchboard/internal/summary"
	"github.com/phonelark/switchboard/internal/twilio"
	"github.com/phonelark/switchboard/pkg/audio"
	"github.com/phonelark/switchboard/pkg/provider/realtime"
)

// defaultStartWait bounds how long the router waits for the start frame
// after a WebSocket upgrade before giving up on the connection.
const defaultStartWait = 5 * time.Second

// RouterConfig wires a Router.
type RouterConfig struct {
	// Provider opens one AI session per accepted call. Required.
	Provider realtime.Provider

	// Instructions resolves the per-call system prompt. Required; wrap
	// with [instructions.WithDefault] for a static fallback.
	Instructions instructions.Store

	// Directory resolves transfer destinations. Required.
	Directory *Directory

	// Voice selects the backend voice for all calls.
	Voice string

	// Gate is the noise gate applied to caller audio.
	Gate audio.Gate

	// Control performs REST call actions for transfers. Optional.
	Control Controller

	// Breaker guards AI session opening. Optional; without it every call
	// attempts an open.
	Breaker *resilience.Breaker

	// Summary receives call transcripts after close. Optional.
	Summary *summary.Service

	// StartWait bounds the wait for the start frame. Zero means 5s.
	StartWait time.Duration

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Router accepts media-stream WebSocket connections and runs one [Session]
// per connection. A failure in one session never affects another or the
// accept path; each connection is handled entirely within its own
// ServeHTTP call.
type Router struct {
	cfg RouterConfig
	log *slog.Logger

	mu     sync.Mutex
	active map[*Session]struct{}
}

// NewRouter validates cfg and returns a Router ready to mount on the media
// endpoint.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Provider == nil {
		return nil, errors.New("call: router needs a provider")
	}
	if cfg.Instructions == nil {
		return nil, errors.New("call: router needs an instruction store")
	}
	if cfg.Directory == nil {
		return nil, errors.New("call: router needs a transfer directory")
	}
	if cfg.StartWait <= 0 {
		cfg.StartWait = defaultStartWait
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Router{
		cfg:    cfg,
		log:    cfg.Logger,
		active: make(map[*Session]struct{}),
	}, nil
}

func (r *Router) track(s *Session) {
	r.mu.Lock()
	r.active[s] = struct{}{}
	r.mu.Unlock()
}

func (r *Router) untrack(s *Session) {
	r.mu.Lock()
	delete(r.active, s)
	r.mu.Unlock()
}

// ActiveSessions reports how many calls are currently being relayed.
func (r *Router) ActiveSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Drain closes every active session and waits for each to finish, bounded
// by ctx. Used during graceful shutdown so in-flight calls tear down
// cleanly instead of being cut mid-write.
func (r *Router) Drain(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.active))
	for s := range r.active {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close(ctx, "server shutting down")
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// wsWriter adapts a websocket connection to [FrameWriter]. Media Streams
// messages are JSON text frames.
type wsWriter struct {
	conn *websocket.Conn
}

func (w wsWriter) WriteFrame(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

// ServeHTTP upgrades the request and relays the call until either side
// hangs up.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		r.log.Warn("media upgrade failed", "err", err, "remote", req.RemoteAddr)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "call ended")

	r.handleConn(req.Context(), conn)
}

func (r *Router) handleConn(ctx context.Context, conn *websocket.Conn) {
	start, err := r.awaitStart(ctx, conn)
	if err != nil {
		r.log.Warn("no start frame", "err", err)
		return
	}

	// One span per relayed call, a child of the middleware's request span.
	ctx, span := observe.StartSpan(ctx, "call.relay")
	defer span.End()

	log := r.log.With("call_sid", start.CallSID, "stream_sid", start.StreamSID)
	if cid := observe.CorrelationID(ctx); cid != "" {
		log = log.With("trace_id", cid)
	}

	inst, err := r.cfg.Instructions.Get(ctx, start.CallSID)
	if err != nil {
		// Only possible without a WithDefault wrapper or on store failure.
		log.Error("instruction lookup failed", "err", err)
		return
	}

	if r.cfg.Breaker != nil {
		if err := r.cfg.Breaker.Allow(); err != nil {
			log.Error("rejecting call", "err", err)
			r.cfg.Metrics.RecordSessionOpen(ctx, "rejected")
			r.hangup(ctx, start.CallSID)
			return
		}
	}

	handle := r.cfg.Provider.Open(ctx, realtime.SessionConfig{
		Instructions: inst.Content,
		Voice:        r.cfg.Voice,
		Tools:        []realtime.ToolDefinition{r.cfg.Directory.TransferTool()},
	})

	sess := New(wsWriter{conn: conn}, handle, Config{
		StreamSID:   start.StreamSID,
		CallSID:     start.CallSID,
		CompanyName: inst.CompanyName,
		Gate:        r.cfg.Gate,
		Directory:   r.cfg.Directory,
		Control:     r.cfg.Control,
		Breaker:     r.cfg.Breaker,
		Summary:     r.cfg.Summary,
		Metrics:     r.cfg.Metrics,
		Logger:      r.cfg.Logger,
	})
	sess.Start(ctx)
	r.track(sess)
	defer r.untrack(sess)

	log.Info("call started", "company", inst.CompanyName)

	// When the session ends from the backend side (transfer, backend close),
	// closing the socket unblocks the read loop below.
	go func() {
		select {
		case <-sess.Done():
			conn.Close(websocket.StatusNormalClosure, "session ended")
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			sess.Close(ctx, "media stream disconnected")
			break
		}
		_ = sess.HandleFrame(ctx, data)
	}
	sess.Wait()
}

// awaitStart reads frames until the start frame arrives, tolerating the
// initial connected frame and skipping malformed messages. The wait is
// bounded by StartWait.
func (r *Router) awaitStart(ctx context.Context, conn *websocket.Conn) (*twilio.StartFrame, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.StartWait)
	defer cancel()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		frame, err := twilio.DecodeFrame(data)
		if err != nil {
			r.log.Warn("skipping malformed frame before start", "err", err)
			continue
		}
		switch frame.Event {
		case twilio.EventStart:
			return frame.Start, nil
		case twilio.EventConnected:
			continue
		default:
			r.log.Warn("ignoring frame before start", "event", frame.Event)
		}
	}
}

// hangup ends the PSTN leg of a call the relay cannot serve, so callers
// hear a clean disconnect instead of dead air.
func (r *Router) hangup(ctx context.Context, callSID string) {
	if r.cfg.Control == nil {
		return
	}
	if err := r.cfg.Control.Hangup(ctx, callSID); err != nil {
		r.log.Warn("hangup failed", "call_sid", callSID, "err", err)
	}
}
