package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luminalpark/3cx-translator/internal/provider"
	"github.com/luminalpark/3cx-translator/internal/relay"
)

// echoChannel answers every audio chunk with a one-chunk translation.
type echoChannel struct {
	mu     sync.Mutex
	events chan provider.Event
	closed bool
}

func (c *echoChannel) SendAudio(_ context.Context, pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return provider.ErrClosed
	}
	for _, ev := range []provider.Event{
		provider.EventTargetTranscript{Text: "ciao"},
		provider.EventAudio{PCM: bytes.Clone(pcm), Rate: 16000},
		provider.EventTurnComplete{Status: provider.StatusCompleted},
	} {
		select {
		case c.events <- ev:
		default:
			return errors.New("echo channel full")
		}
	}
	return nil
}

func (c *echoChannel) SendSignal(context.Context, provider.Signal) error {
	return provider.ErrUnsupportedSignal
}

func (c *echoChannel) Events() <-chan provider.Event { return c.events }
func (c *echoChannel) Err() error                    { return nil }

func (c *echoChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

type stubProvider struct {
	connectErr error
}

func (p *stubProvider) Name() string    { return "stub" }
func (p *stubProvider) Model() string   { return "stub-1" }
func (p *stubProvider) Voice() string   { return "Kore" }
func (p *stubProvider) InputRate() int  { return 16000 }
func (p *stubProvider) OutputRate() int { return 16000 }

func (p *stubProvider) Connect(context.Context, provider.Config) (provider.Channel, error) {
	if p.connectErr != nil {
		return nil, p.connectErr
	}
	return &echoChannel{events: make(chan provider.Event, 64)}, nil
}

func newTestRouter(cfg RouterConfig, p provider.Provider) (*Router, http.Handler) {
	if cfg.Session.PollInterval == 0 {
		cfg.Session.PollInterval = 10 * time.Millisecond
	}
	if cfg.JWTExpiry == 0 {
		cfg.JWTExpiry = time.Hour
	}
	r := &Router{
		cfg:      cfg,
		logger:   zap.NewNop().Sugar(),
		provider: p,
		sessions: relay.NewRegistry(),
		mux:      http.NewServeMux(),
	}
	r.routes()
	return r, withSentryRecovery(withCORS(r.mux))
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads JSON messages until one has the wanted type. Binary
// frames are collected and returned.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) (map[string]any, [][]byte) {
	t.Helper()
	var audio [][]byte
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", typ, err)
		}
		if mt == websocket.BinaryMessage {
			audio = append(audio, data)
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("invalid JSON from server: %v", err)
		}
		if m["type"] == typ {
			return m, audio
		}
	}
}

func TestTranslateWS_Configure(t *testing.T) {
	_, h := newTestRouter(RouterConfig{Session: relay.Config{SourceLang: "auto", TargetLang: "it"}}, &stubProvider{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialWS(t, srv, "/ws/translate")
	hello, _ := readUntil(t, conn, "connected")
	if hello["provider"] != "stub" || hello["target_lang"] != "it" {
		t.Errorf("connected = %v", hello)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"configure","source_lang":"en","target_lang":"it"}`)); err != nil {
		t.Fatal(err)
	}
	m, _ := readUntil(t, conn, "configured")
	if m["source_lang"] != "en" || m["target_lang"] != "it" {
		t.Errorf("configured = %v", m)
	}
}

func TestTranslateWS_AudioTooShort(t *testing.T) {
	_, h := newTestRouter(RouterConfig{}, &stubProvider{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialWS(t, srv, "/ws")
	readUntil(t, conn, "connected")

	_ = conn.WriteMessage(websocket.BinaryMessage, make([]byte, 1600))
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"translate"}`))

	m, _ := readUntil(t, conn, "error")
	if m["code"] != "AUDIO_TOO_SHORT" {
		t.Errorf("error code = %v, want AUDIO_TOO_SHORT", m["code"])
	}

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
	pong, _ := readUntil(t, conn, "pong")
	if pong["buffer_size"] != float64(0) {
		t.Errorf("buffer_size = %v, want 0", pong["buffer_size"])
	}
}

func TestTranslateWS_Streaming(t *testing.T) {
	_, h := newTestRouter(RouterConfig{Session: relay.Config{SourceLang: "en", TargetLang: "it"}}, &stubProvider{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialWS(t, srv, "/ws/translate?streaming=true")
	readUntil(t, conn, "streaming_session_ready")

	chunk := bytes.Repeat([]byte{1, 0}, 320)
	if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		t.Fatal(err)
	}

	m, audio := readUntil(t, conn, "translation")
	if m["translated_text"] != "ciao" {
		t.Errorf("translation = %v", m)
	}
	if len(audio) != 1 || !bytes.Equal(audio[0], chunk) {
		t.Errorf("got %d audio frames, want the echoed chunk", len(audio))
	}
	done, _ := readUntil(t, conn, "turn_complete")
	if done["status"] != provider.StatusCompleted {
		t.Errorf("turn_complete status = %v", done["status"])
	}
}

func TestTranslateWS_StreamingConnectFailure(t *testing.T) {
	_, h := newTestRouter(RouterConfig{}, &stubProvider{connectErr: errors.New("no route")})
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialWS(t, srv, "/ws/translate")
	readUntil(t, conn, "connected")

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"set_streaming","enabled":true}`))
	m, _ := readUntil(t, conn, "error")
	if m["code"] != "PROVIDER_CONNECT_ERROR" {
		t.Errorf("error code = %v, want PROVIDER_CONNECT_ERROR", m["code"])
	}
	enabled, _ := readUntil(t, conn, "streaming_enabled")
	if enabled["enabled"] != false {
		t.Errorf("streaming_enabled = %v, want false", enabled["enabled"])
	}
}

func TestTranslateWS_RegistersSessions(t *testing.T) {
	r, h := newTestRouter(RouterConfig{}, &stubProvider{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dialWS(t, srv, "/ws/translate")
	readUntil(t, conn, "connected")
	if n := r.sessions.Count(); n != 1 {
		t.Errorf("active sessions = %d, want 1", n)
	}

	conn.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.sessions.Wait(ctx); err != nil {
		t.Errorf("session not removed after disconnect: %v", err)
	}
}

func TestTranslateWS_RejectsWhenDraining(t *testing.T) {
	r, h := newTestRouter(RouterConfig{}, &stubProvider{})
	r.sessions.StartDraining()

	req := httptest.NewRequest(http.MethodGet, "/ws/translate", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestTranslateWS_InvalidQuery(t *testing.T) {
	_, h := newTestRouter(RouterConfig{}, &stubProvider{})

	tests := []string{
		"/ws/translate?target_lang=auto",
		"/ws/translate?source_lang=xx",
		"/ws/translate?mode=telepathy",
		"/ws/translate?streaming=maybe",
	}
	for _, path := range tests {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("GET %s status = %d, want %d", path, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestTranslateWS_RequiresAuth(t *testing.T) {
	_, h := newTestRouter(RouterConfig{AuthToken: "s3cret"}, &stubProvider{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/translate"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without token succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}

	conn := dialWS(t, srv, "/ws/translate?token=s3cret")
	readUntil(t, conn, "connected")
}
