package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luminalpark/3cx-translator/internal/audio"
)

const (
	defaultOpenAIRealtimeURL = "wss://api.openai.com/v1/realtime"
	defaultOpenAIModel       = "gpt-4o-realtime-preview"
	defaultOpenAIVoice       = "alloy"
	openAIWriteTimeout       = 10 * time.Second
)

// OpenAIConfig holds configuration for the OpenAI Realtime provider.
type OpenAIConfig struct {
	APIKey string
	URL    string // websocket endpoint, model is added as a query parameter
	Model  string
	Voice  string
	Logger *zap.SugaredLogger
}

// OpenAI implements Provider using the OpenAI Realtime websocket API.
type OpenAI struct {
	cfg    OpenAIConfig
	dialer *websocket.Dialer
}

// NewOpenAI creates an OpenAI Realtime provider.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.URL == "" {
		cfg.URL = defaultOpenAIRealtimeURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.Voice == "" {
		cfg.Voice = defaultOpenAIVoice
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	return &OpenAI{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
	}
}

func (o *OpenAI) Name() string    { return "openai" }
func (o *OpenAI) Model() string   { return o.cfg.Model }
func (o *OpenAI) Voice() string   { return o.cfg.Voice }
func (o *OpenAI) InputRate() int  { return audio.OpenAIRate }
func (o *OpenAI) OutputRate() int { return audio.OpenAIRate }

// Connect dials the realtime endpoint, waits for session.created, applies
// the session configuration and waits for session.updated.
func (o *OpenAI) Connect(ctx context.Context, cfg Config) (Channel, error) {
	u, err := url.Parse(o.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid OpenAI realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", o.cfg.Model)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+o.cfg.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := o.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to OpenAI (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to OpenAI: %w", err)
	}

	if cfg.Voice == "" {
		cfg.Voice = o.cfg.Voice
	}
	c := &openAIChannel{
		pipe:   newPipe(),
		conn:   conn,
		cfg:    cfg,
		logger: o.cfg.Logger,
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	err = c.handshake()
	if !stop() {
		_ = conn.Close()
		return nil, ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	c.wg.Add(1)
	go c.readLoop()

	return c, nil
}

type openAIChannel struct {
	*pipe

	conn   *websocket.Conn
	cfg    Config
	logger *zap.SugaredLogger

	mu        sync.Mutex // serializes writes
	closeOnce sync.Once
	wg        sync.WaitGroup

	items []string // conversation items to delete after each response
}

// realtimeEvent is the subset of server events the relay consumes.
type realtimeEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Item       struct {
		ID string `json:"id"`
	} `json:"item"`
	Response struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// RemoteError is an error event returned by the provider during setup.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code == "" {
		return "provider: " + e.Message
	}
	return fmt.Sprintf("provider: %s: %s", e.Code, e.Message)
}

func sessionUpdate(cfg Config) map[string]any {
	var turnDetection any
	if cfg.TurnDetection == TurnDetectionAuto {
		turnDetection = map[string]any{
			"type":                "server_vad",
			"threshold":           cfg.VAD.Threshold,
			"prefix_padding_ms":   cfg.VAD.PrefixPadding.Milliseconds(),
			"silence_duration_ms": cfg.VAD.SilenceDuration.Milliseconds(),
		}
	}

	return map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"modalities":          []string{"text", "audio"},
			"instructions":        cfg.Instruction,
			"voice":               cfg.Voice,
			"input_audio_format":  "pcm16",
			"output_audio_format": "pcm16",
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
			"turn_detection": turnDetection,
		},
	}
}

func (c *openAIChannel) handshake() error {
	if err := c.await("session.created"); err != nil {
		return err
	}
	if err := c.writeJSON(sessionUpdate(c.cfg)); err != nil {
		return fmt.Errorf("failed to send session.update: %w", err)
	}
	return c.await("session.updated")
}

func (c *openAIChannel) await(want string) error {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("waiting for %s: %w", want, err)
		}
		var ev realtimeEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			c.logger.Warnf("openai: failed to parse setup event: %v", err)
			continue
		}
		switch ev.Type {
		case want:
			return nil
		case "error":
			return &RemoteError{Code: ev.Error.Code, Message: ev.Error.Message}
		}
	}
}

// decodeRealtimeEvent maps one server event to relay events. Unknown and
// bookkeeping events yield nothing.
func decodeRealtimeEvent(ev *realtimeEvent) ([]Event, error) {
	switch ev.Type {
	case "input_audio_buffer.speech_started":
		return []Event{EventSpeechStarted{}}, nil
	case "input_audio_buffer.speech_stopped":
		return []Event{EventSpeechStopped{}}, nil
	case "response.created":
		return []Event{EventTurnStarted{}}, nil
	case "response.audio.delta", "response.output_audio.delta":
		if ev.Delta == "" {
			return nil, nil
		}
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			return nil, fmt.Errorf("invalid audio delta: %w", err)
		}
		return []Event{EventAudio{PCM: pcm, Rate: audio.OpenAIRate}}, nil
	case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		if ev.Delta == "" {
			return nil, nil
		}
		return []Event{EventTargetTranscript{Text: ev.Delta}}, nil
	case "conversation.item.input_audio_transcription.completed":
		if ev.Transcript == "" {
			return nil, nil
		}
		return []Event{EventSourceTranscript{Text: ev.Transcript}}, nil
	case "response.done":
		status := ev.Response.Status
		if status == "" {
			status = StatusCompleted
		}
		return []Event{EventTurnComplete{Status: status}}, nil
	case "error":
		kind := ev.Error.Code
		if kind == "" {
			kind = ev.Error.Type
		}
		return []Event{EventError{Kind: kind, Message: ev.Error.Message}}, nil
	}
	return nil, nil
}

func (c *openAIChannel) SendAudio(ctx context.Context, pcm []byte) error {
	return c.send(ctx, map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

func (c *openAIChannel) SendSignal(ctx context.Context, sig Signal) error {
	switch sig {
	case SignalActivityStart:
		// The input buffer starts accumulating on the first append.
		return nil
	case SignalActivityEnd:
		if err := c.send(ctx, map[string]any{"type": "input_audio_buffer.commit"}); err != nil {
			return err
		}
		return c.send(ctx, map[string]any{"type": "response.create"})
	case SignalClearInput:
		return c.send(ctx, map[string]any{"type": "input_audio_buffer.clear"})
	case SignalCancelResponse:
		return c.send(ctx, map[string]any{"type": "response.cancel"})
	}
	return ErrUnsupportedSignal
}

func (c *openAIChannel) send(ctx context.Context, v any) error {
	if c.closed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.writeJSON(v); err != nil {
		// A broken write ends the channel; the reader reports it via Err.
		c.fail(fmt.Errorf("write error: %w", err))
		_ = c.conn.Close()
		return err
	}
	return nil
}

func (c *openAIChannel) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(openAIWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the OpenAI connection.
func (c *openAIChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.mu.Unlock()

		err = c.conn.Close()

		// Wait for readLoop to finish; it closes the events channel.
		c.wg.Wait()
	})
	return err
}

// readLoop reads server events and delivers them on the events channel.
func (c *openAIChannel) readLoop() {
	defer c.wg.Done()
	defer close(c.events)

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("read error: %w", err))
			return
		}

		var ev realtimeEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			c.logger.Warnf("openai: failed to parse event: %v", err)
			continue
		}

		if c.cfg.ClearContextPerTurn {
			c.trackItems(&ev)
		}

		events, err := decodeRealtimeEvent(&ev)
		if err != nil {
			c.logger.Warnf("openai: %s: %v", ev.Type, err)
			continue
		}
		for _, e := range events {
			if !c.emit(e) {
				return
			}
		}
	}
}

// trackItems records conversation items and deletes them after each response
// so periodic fragments do not accumulate context.
func (c *openAIChannel) trackItems(ev *realtimeEvent) {
	switch ev.Type {
	case "conversation.item.created":
		if ev.Item.ID != "" {
			c.items = append(c.items, ev.Item.ID)
		}
	case "response.done":
		items := c.items
		c.items = nil
		for _, id := range items {
			if err := c.writeJSON(map[string]any{"type": "conversation.item.delete", "item_id": id}); err != nil {
				c.logger.Warnf("openai: failed to delete item %s: %v", id, err)
				return
			}
		}
		if err := c.writeJSON(map[string]any{"type": "input_audio_buffer.clear"}); err != nil {
			c.logger.Warnf("openai: failed to clear input buffer: %v", err)
			return
		}
		c.logger.Debugf("openai: conversation cleared (%d items)", len(items))
	}
}
