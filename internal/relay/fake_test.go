package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/luminalpark/3cx-translator/internal/provider"
)

const waitTimeout = 2 * time.Second

// frame is one message written to the fake client: JSON or binary audio.
type frame struct {
	msg   map[string]any
	audio []byte
}

func (f frame) typ() string {
	if f.msg == nil {
		return ""
	}
	s, _ := f.msg["type"].(string)
	return s
}

type fakeClient struct {
	mu     sync.Mutex
	frames []frame
	closed int
}

func (c *fakeClient) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame{msg: m})
	return nil
}

func (c *fakeClient) WriteAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame{audio: bytes.Clone(pcm)})
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeClient) snapshot() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frame(nil), c.frames...)
}

func (c *fakeClient) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// waitFor polls until a frame matches and returns its index and value.
func (c *fakeClient) waitFor(t *testing.T, desc string, match func(frame) bool) (int, frame) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		for i, f := range c.snapshot() {
			if match(f) {
				return i, f
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; got %v", desc, c.types())
	return -1, frame{}
}

func (c *fakeClient) waitType(t *testing.T, typ string) map[string]any {
	t.Helper()
	_, f := c.waitFor(t, typ, func(f frame) bool { return f.typ() == typ })
	return f.msg
}

func (c *fakeClient) waitError(t *testing.T, code Code) map[string]any {
	t.Helper()
	_, f := c.waitFor(t, "error "+string(code), func(f frame) bool {
		return f.typ() == "error" && f.msg["code"] == string(code)
	})
	return f.msg
}

func (c *fakeClient) count(match func(frame) bool) int {
	n := 0
	for _, f := range c.snapshot() {
		if match(f) {
			n++
		}
	}
	return n
}

func (c *fakeClient) types() []string {
	var out []string
	for _, f := range c.snapshot() {
		if f.msg == nil {
			out = append(out, "<audio>")
			continue
		}
		out = append(out, f.typ())
	}
	return out
}

func isError(code Code) func(frame) bool {
	return func(f frame) bool { return f.typ() == "error" && f.msg["code"] == string(code) }
}

// sent is one call received by a fake channel.
type sent struct {
	audio  []byte
	signal provider.Signal
}

type fakeChannel struct {
	events chan provider.Event
	gate   chan struct{}

	// onSignal runs after a signal has been recorded.
	onSignal func(*fakeChannel, provider.Signal)
	// noCancel makes SignalCancelResponse unsupported, as with Gemini Live.
	noCancel bool

	mu         sync.Mutex
	sent       []sent
	closed     bool
	closeCalls int
	err        error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{events: make(chan provider.Event, 64)}
}

func (c *fakeChannel) SendAudio(ctx context.Context, pcm []byte) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return provider.ErrClosed
	}
	c.sent = append(c.sent, sent{audio: bytes.Clone(pcm)})
	return nil
}

func (c *fakeChannel) SendSignal(ctx context.Context, sig provider.Signal) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return provider.ErrClosed
	}
	c.sent = append(c.sent, sent{signal: sig})
	hook := c.onSignal
	c.mu.Unlock()
	if sig == provider.SignalCancelResponse && c.noCancel {
		return provider.ErrUnsupportedSignal
	}
	if hook != nil {
		hook(c, sig)
	}
	return nil
}

func (c *fakeChannel) Events() <-chan provider.Event { return c.events }

func (c *fakeChannel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
	c.end(nil)
	return nil
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// emit delivers an event unless the channel has ended.
func (c *fakeChannel) emit(evs ...provider.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, ev := range evs {
		c.events <- ev
	}
}

// fail ends the channel as if the remote connection dropped.
func (c *fakeChannel) fail(err error) {
	c.end(err)
}

func (c *fakeChannel) end(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.events)
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) calls() []sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sent(nil), c.sent...)
}

func (c *fakeChannel) waitCalls(t *testing.T, n int) []sent {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if calls := c.calls(); len(calls) >= n {
			return calls
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d provider calls, got %d", n, len(c.calls()))
	return nil
}

type fakeProvider struct {
	connectErr   error
	connectDelay time.Duration
	gate         chan struct{}
	onSignal     func(*fakeChannel, provider.Signal)
	noCancel     bool

	mu       sync.Mutex
	configs  []provider.Config
	channels []*fakeChannel
}

func (p *fakeProvider) Name() string    { return "fake" }
func (p *fakeProvider) Model() string   { return "fake-live-1" }
func (p *fakeProvider) Voice() string   { return "Kore" }
func (p *fakeProvider) InputRate() int  { return 16000 }
func (p *fakeProvider) OutputRate() int { return 16000 }

func (p *fakeProvider) Connect(ctx context.Context, cfg provider.Config) (provider.Channel, error) {
	p.mu.Lock()
	p.configs = append(p.configs, cfg)
	p.mu.Unlock()

	if p.connectDelay > 0 {
		select {
		case <-time.After(p.connectDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.connectErr != nil {
		return nil, p.connectErr
	}

	ch := newFakeChannel()
	ch.gate = p.gate
	ch.onSignal = p.onSignal
	ch.noCancel = p.noCancel
	p.mu.Lock()
	p.channels = append(p.channels, ch)
	p.mu.Unlock()
	return ch, nil
}

func (p *fakeProvider) connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.configs)
}

func (p *fakeProvider) config(i int) provider.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.configs[i]
}

func (p *fakeProvider) waitChannel(t *testing.T, n int) *fakeChannel {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		if len(p.channels) >= n {
			ch := p.channels[n-1]
			p.mu.Unlock()
			return ch
		}
		p.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for provider channel %d", n)
	return nil
}

func testConfig() Config {
	return Config{
		SourceLang:      "en",
		TargetLang:      "it",
		ClientRate:      16000,
		QueueSize:       64,
		ReadyTimeout:    time.Second,
		ResponseTimeout: 5 * time.Second,
		BatchTimeout:    2 * time.Second,
		PollInterval:    10 * time.Millisecond,
	}
}

func newTestSession(t *testing.T, cfg Config, p *fakeProvider) (*Session, *fakeClient) {
	t.Helper()
	client := &fakeClient{}
	s := NewSession(Deps{Provider: p, Client: client, Config: cfg})
	t.Cleanup(s.Close)
	s.Hello()
	return s, client
}

// startStreaming enables streaming and returns the provider channel.
func startStreaming(t *testing.T, s *Session, c *fakeClient, p *fakeProvider) *fakeChannel {
	t.Helper()
	s.HandleMessage([]byte(`{"type":"set_streaming","enabled":true}`))
	c.waitType(t, "streaming_session_ready")
	if !s.Streaming() {
		t.Fatal("Streaming() = false after set_streaming")
	}
	return p.waitChannel(t, p.connects())
}

func pcmChunk(samples int, fill byte) []byte {
	b := make([]byte, samples*2)
	for i := range b {
		b[i] = fill
	}
	return b
}
