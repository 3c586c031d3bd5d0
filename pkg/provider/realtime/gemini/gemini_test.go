package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/phonelark/switchboard/pkg/provider/realtime"
	"github.com/phonelark/switchboard/pkg/provider/realtime/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

// nextEvent pulls the next event off the handle's stream, failing the test
// on timeout or channel close.
func nextEvent(t *testing.T, h realtime.Handle) realtime.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatal("event channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return nil
}

// ── Option constructor tests ───────────────────────────────────────────────────

func TestNew_DefaultValues(t *testing.T) {
	t.Parallel()
	if p := gemini.New("my-key"); p == nil {
		t.Fatal("New returned nil")
	}
}

func TestWithModel_SetsModel(t *testing.T) {
	t.Parallel()

	modelCh := make(chan string, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup struct {
				Model string `json:"model"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		modelCh <- msg.Setup.Model
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithModel("custom-model"), gemini.WithBaseURL(wsURL(srv)))
	handle := p.Open(context.Background(), realtime.SessionConfig{})
	defer handle.Close()

	select {
	case model := <-modelCh:
		if want := "models/custom-model"; model != want {
			t.Errorf("model = %q; want %q", model, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for model in setup message")
	}
}

// ── Setup handshake ────────────────────────────────────────────────────────────

func TestOpen_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			Tools []struct {
				FunctionDeclarations []struct {
					Name string `json:"name"`
				} `json:"functionDeclarations"`
			} `json:"tools"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	cfg := realtime.SessionConfig{
		Instructions: "You are the receptionist for Acme Plumbing.",
		Voice:        "Aoede",
		Tools: []realtime.ToolDefinition{
			{Name: "transfer_call", Description: "Transfers the call"},
		},
	}
	handle := p.Open(context.Background(), cfg)
	defer handle.Close()

	select {
	case msg := <-received:
		if !strings.HasPrefix(msg.Setup.Model, "models/") {
			t.Errorf("model %q should start with 'models/'", msg.Setup.Model)
		}
		if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "audio" {
			t.Errorf("responseModalities = %v; want [audio]", got)
		}
		if msg.Setup.SystemInstruction == nil ||
			len(msg.Setup.SystemInstruction.Parts) == 0 ||
			msg.Setup.SystemInstruction.Parts[0].Text != cfg.Instructions {
			t.Errorf("unexpected system instruction: %+v", msg.Setup.SystemInstruction)
		}
		if sc := msg.Setup.GenerationConfig.SpeechConfig; sc == nil ||
			sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Aoede" {
			t.Errorf("unexpected speechConfig: %+v", sc)
		}
		if len(msg.Setup.Tools) == 0 || len(msg.Setup.Tools[0].FunctionDeclarations) == 0 ||
			msg.Setup.Tools[0].FunctionDeclarations[0].Name != "transfer_call" {
			t.Errorf("unexpected tools: %+v", msg.Setup.Tools)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestOpen_IncludesAPIKeyInURL(t *testing.T) {
	t.Parallel()

	urlQuery := make(chan string, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		urlQuery <- r.URL.RawQuery
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("secret-key", gemini.WithBaseURL(wsURL(srv)))
	handle := p.Open(context.Background(), realtime.SessionConfig{})
	defer handle.Close()

	select {
	case q := <-urlQuery:
		if !strings.Contains(q, "key=secret-key") {
			t.Errorf("URL query %q should contain key=secret-key", q)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

// ── Pre-ready queueing ─────────────────────────────────────────────────────────

// Audio sent before the server acknowledges setup must be held and then
// replayed to the backend in send order once the ack arrives.
func TestSendAudio_QueuedBeforeReady_ReplayedInOrder(t *testing.T) {
	t.Parallel()

	type realtimeInput struct {
		RealtimeInput struct {
			MediaChunks []struct {
				Data string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	release := make(chan struct{})
	got := make(chan []byte, 3)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // setup

		// Hold the ack until the client has queued its chunks.
		<-release
		sendSetupComplete(t, conn)

		for range 3 {
			var msg realtimeInput
			readJSON(t, conn, &msg)
			data, _ := base64.StdEncoding.DecodeString(msg.RealtimeInput.MediaChunks[0].Data)
			got <- data
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle := p.Open(context.Background(), realtime.SessionConfig{})
	defer handle.Close()

	for _, b := range []byte{1, 2, 3} {
		if err := handle.SendAudio([]byte{b}); err != nil {
			t.Fatalf("SendAudio before ready: %v", err)
		}
	}
	close(release)

	for want := byte(1); want <= 3; want++ {
		select {
		case chunk := <-got:
			if len(chunk) != 1 || chunk[0] != want {
				t.Fatalf("replayed chunk = %v; want [%d]", chunk, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for replayed chunk %d", want)
		}
	}
}

// The pre-ready queue is bounded at 64 chunks; overflow drops the oldest
// so the freshest audio survives, and the remainder replays in order.
func TestSendAudio_PendingQueueOverflow_DropsOldest(t *testing.T) {
	t.Parallel()

	const (
		queueLimit = 64
		overflow   = 3
	)

	type realtimeInput struct {
		RealtimeInput struct {
			MediaChunks []struct {
				Data string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	release := make(chan struct{})
	got := make(chan byte, queueLimit)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw) // setup

		// Hold the ack until the client has overfilled its queue.
		<-release
		sendSetupComplete(t, conn)

		for range queueLimit {
			var msg realtimeInput
			readJSON(t, conn, &msg)
			data, _ := base64.StdEncoding.DecodeString(msg.RealtimeInput.MediaChunks[0].Data)
			got <- data[0]
		}

		// The dropped chunks must not show up as extra frames.
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		if _, _, err := conn.Read(ctx); err == nil {
			t.Error("received a frame beyond the replayed queue")
		}
	})

	p := newProvider(srv)
	handle := p.Open(context.Background(), realtime.SessionConfig{})
	defer handle.Close()

	for i := 1; i <= queueLimit+overflow; i++ {
		if err := handle.SendAudio([]byte{byte(i)}); err != nil {
			t.Fatalf("SendAudio %d before ready: %v", i, err)
		}
	}
	close(release)

	for i := range queueLimit {
		want := byte(overflow + 1 + i)
		select {
		case b := <-got:
			if b != want {
				t.Fatalf("replayed chunk %d = %d; want %d", i, b, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for replayed chunk %d", i)
		}
	}
}

func TestSendAudio_EncodesAndSends(t *testing.T) {
	t.Parallel()

	type realtimeInput struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	audioMsg := make(chan realtimeInput, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		var msg realtimeInput
		readJSON(t, conn, &msg)
		audioMsg <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle := p.Open(context.Background(), realtime.SessionConfig{})
	defer handle.Close()

	wantPCM := []byte{0x01, 0x02, 0x03, 0x04}
	if err := handle.SendAudio(wantPCM); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-audioMsg:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) == 0 {
			t.Fatal("no media chunks in realtimeInput")
		}
		if chunks[0].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q; want audio/pcm;rate=16000", chunks[0].MIMEType)
		}
		got, err := base64.StdEncoding.DecodeString(chunks[0].Data)
		if err != nil {
			t.Fatalf("base64 decode: %v", err)
		}
		if string(got) != string(wantPCM) {
			t.Errorf("decoded audio = %v; want %v", got, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio message")
	}
}

// ── Event stream ───────────────────────────────────────────────────────────────

func TestEvents_DeliversAudioChunk(t *testing.T) {
	t.Parallel()

	wantPCM := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	encoded := base64.StdEncoding.EncodeToString(wantPCM)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{
							"inlineData": map[string]any{
								"mimeType": "audio/pcm;rate=24000",
								"data":     encoded,
							},
						},
					},
				},
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle := p.Open(context.Background(), realtime.SessionConfig{})
	defer handle.Close()

	ev := nextEvent(t, handle)
	chunk, ok := ev.(realtime.AudioChunk)
	if !ok {
		t.Fatalf("event = %T (%s); want AudioChunk", ev, ev.EventType())
	}
	if string(chunk.Data) != string(wantPCM) {
		t.Errorf("audio data = %v; want %v", chunk.Data, wantPCM)
	}
	if chunk.MIMEType != "audio/pcm;rate=24000" {
		t.Errorf("mimeType = %q; want audio/pcm;rate=24000", chunk.MIMEType)
	}
}

func TestEvents_Interrupted(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"interrupted": true},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle := p.Open(context.Background(), realtime.SessionConfig{})
	defer handle.Close()

	if ev := nextEvent(t, handle); ev.EventType() != "interrupted" {
		t.Fatalf("event = %T (%s); want Interrupted", ev, ev.EventType())
	}
}

func TestEvents_Transcripts(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "I need a plumber."},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"outputTranscription": map[string]any{"text": "Of course, one moment."},
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle := p.Open(context.Background(), realtime.SessionConfig{})
	defer handle.Close()

	first, ok := nextEvent(t, handle).(realtime.Transcript)
	if !ok || first.Role != "user" || first.Text != "I need a plumber." {
		t.Fatalf("first transcript = %+v; want user transcript", first)
	}
	second, ok := nextEvent(t, handle).(realtime.Transcript)
	if !ok || second.Role != "model" || second.Text != "Of course, one moment." {
		t.Fatalf("second transcript = %+v; want model transcript", second)
	}
}

func TestEvents_ToolCall_StringifiesArgs(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{
			"toolCall": map[string]any{
				"functionCalls": []map[string]any{
					{
						"id":   "fc-1",
						"name": "transfer_call",
						"args": map[string]any{"destination": "sales", "extension": 12},
					},
				},
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle := p.Open(context.Background(), realtime.SessionConfig{})
	defer handle.Close()

	ev := nextEvent(t, handle)
	call, ok := ev.(realtime.ToolCall)
	if !ok {
		t.Fatalf("event = %T (%s); want ToolCall", ev, ev.EventType())
	}
	if call.ID != "fc-1" || call.Name != "transfer_call" {
		t.Errorf("call = %+v; want id fc-1 name transfer_call", call)
	}
	if call.Args["destination"] != "sales" {
		t.Errorf("args[destination] = %q; want sales", call.Args["destination"])
	}
	if call.Args["extension"] != "12" {
		t.Errorf("args[extension] = %q; want \"12\" (stringified)", call.Args["extension"])
	}
}

func TestSendToolResult_SendsToolResponse(t *testing.T) {
	t.Parallel()

	type toolRespMsg struct {
		ToolResponse struct {
			FunctionResponses []struct {
				ID       string         `json:"id"`
				Name     string         `json:"name"`
				Response map[string]any `json:"response"`
			} `json:"functionResponses"`
		} `json:"toolResponse"`
	}

	respCh := make(chan toolRespMsg, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		var msg toolRespMsg
		readJSON(t, conn, &msg)
		respCh <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle := p.Open(context.Background(), realtime.SessionConfig{})
	defer handle.Close()

	// Wait for ready by round-tripping a chunk is unnecessary: tool results
	// only ever answer a ToolCall event, which implies ready. Poll instead.
	deadline := time.Now().Add(3 * time.Second)
	for {
		err := handle.SendToolResult("fc-1", "transfer_call", map[string]any{"status": "transferring"})
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("SendToolResult never succeeded: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case msg := <-respCh:
		frs := msg.ToolResponse.FunctionResponses
		if len(frs) != 1 {
			t.Fatalf("functionResponses = %d; want 1", len(frs))
		}
		if frs[0].ID != "fc-1" || frs[0].Name != "transfer_call" {
			t.Errorf("response = %+v; want id fc-1 name transfer_call", frs[0])
		}
		if frs[0].Response["status"] != "transferring" {
			t.Errorf("response body = %v; want status transferring", frs[0].Response)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for toolResponse")
	}
}

// ── Failure paths ──────────────────────────────────────────────────────────────

// A backend that never acknowledges setup must fail the handle within the
// open timeout: an ErrorEvent followed by Closed, then channel close.
func TestOpen_Timeout_FailsClosed(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		// No setupComplete, ever.
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key",
		gemini.WithBaseURL(wsURL(srv)),
		gemini.WithOpenTimeout(100*time.Millisecond),
	)
	handle := p.Open(context.Background(), realtime.SessionConfig{})
	defer handle.Close()

	if err := handle.SendAudio([]byte{1, 2}); err != nil {
		t.Fatalf("SendAudio while opening: %v", err)
	}

	ev := nextEvent(t, handle)
	if _, ok := ev.(realtime.ErrorEvent); !ok {
		t.Fatalf("event = %T (%s); want ErrorEvent", ev, ev.EventType())
	}
	ev = nextEvent(t, handle)
	if _, ok := ev.(realtime.Closed); !ok {
		t.Fatalf("event = %T (%s); want Closed", ev, ev.EventType())
	}

	select {
	case _, open := <-handle.Events():
		if open {
			t.Error("event channel should be closed after Closed")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event channel close")
	}
}

func TestOpen_DialFailure_EmitsErrorThenClosed(t *testing.T) {
	t.Parallel()

	// Plain HTTP handler: the upgrade is refused, so the dial fails.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	p := gemini.New("key", gemini.WithBaseURL(wsURL(srv)))
	handle := p.Open(context.Background(), realtime.SessionConfig{})
	defer handle.Close()

	ev := nextEvent(t, handle)
	errEv, ok := ev.(realtime.ErrorEvent)
	if !ok {
		t.Fatalf("event = %T (%s); want ErrorEvent", ev, ev.EventType())
	}
	if errEv.Err == nil {
		t.Error("ErrorEvent.Err is nil")
	}
	if ev := nextEvent(t, handle); ev.EventType() != "closed" {
		t.Fatalf("event = %T (%s); want Closed", ev, ev.EventType())
	}
}

// ── Close semantics ────────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle := p.Open(context.Background(), realtime.SessionConfig{})

	if err := handle.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}
}

func TestClose_TerminatesEventChannel(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle := p.Open(context.Background(), realtime.SessionConfig{})
	_ = handle.Close()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, open := <-handle.Events():
			if !open {
				return // closed as expected
			}
		case <-deadline:
			t.Fatal("timeout waiting for event channel to close")
		}
	}
}

func TestSendAudio_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := newProvider(srv)
	handle := p.Open(context.Background(), realtime.SessionConfig{})
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := handle.SendAudio([]byte{1, 2, 3}); err == nil {
		t.Fatal("SendAudio after Close should return an error")
	}
}

// ── Concurrency ────────────────────────────────────────────────────────────────

func TestConcurrentSendAudio_DoesNotRace(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		ctx := context.Background()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	p := newProvider(srv)
	handle := p.Open(context.Background(), realtime.SessionConfig{})
	defer handle.Close()

	const goroutines = 8
	const chunksPerGoroutine = 16

	var wg sync.WaitGroup
	for range goroutines {
		wg.Go(func() {
			for range chunksPerGoroutine {
				_ = handle.SendAudio([]byte{0x01, 0x02, 0x03, 0x04})
			}
		})
	}
	wg.Wait()
}
