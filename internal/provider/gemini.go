package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/luminalpark/3cx-translator/internal/audio"
	"github.com/luminalpark/3cx-translator/internal/language"
)

const (
	defaultGeminiModel = "gemini-2.0-flash-exp"
	defaultGeminiVoice = "Kore"
)

// GeminiConfig holds configuration for the Gemini Live provider.
type GeminiConfig struct {
	APIKey string
	Model  string
	Voice  string
	Logger *zap.SugaredLogger
}

// Gemini implements Provider using the Gemini Live API.
type Gemini struct {
	client *genai.Client
	cfg    GeminiConfig
}

// NewGemini creates a Gemini Live provider backed by the Gemini API.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	if cfg.Voice == "" {
		cfg.Voice = defaultGeminiVoice
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Gemini{client: client, cfg: cfg}, nil
}

func (g *Gemini) Name() string    { return "gemini" }
func (g *Gemini) Model() string   { return g.cfg.Model }
func (g *Gemini) Voice() string   { return g.cfg.Voice }
func (g *Gemini) InputRate() int  { return audio.GeminiInputRate }
func (g *Gemini) OutputRate() int { return audio.GeminiOutputRate }

var errSetupIncomplete = errors.New("gemini: connection closed before setup completed")

// Connect opens a Live session and waits for setupComplete.
func (g *Gemini) Connect(ctx context.Context, cfg Config) (Channel, error) {
	if cfg.Voice == "" {
		cfg.Voice = g.cfg.Voice
	}

	session, err := g.client.Live.Connect(ctx, g.cfg.Model, liveConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Gemini Live: %w", err)
	}

	c := &geminiChannel{
		pipe:    newPipe(),
		session: session,
		cfg:     cfg,
		logger:  g.cfg.Logger,
		ready:   make(chan struct{}),
		exited:  make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop()

	select {
	case <-c.ready:
		return c, nil
	case <-c.exited:
		err := c.Err()
		_ = c.Close()
		if err == nil {
			err = errSetupIncomplete
		}
		return nil, err
	case <-ctx.Done():
		_ = c.Close()
		return nil, ctx.Err()
	}
}

func liveConfig(cfg Config) *genai.LiveConnectConfig {
	conf := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
			LanguageCode: language.BCP47(cfg.Target),
		},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if cfg.Instruction != "" {
		conf.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.Instruction}}}
	}

	switch {
	case cfg.TurnDetection == TurnDetectionManual:
		conf.RealtimeInputConfig = &genai.RealtimeInputConfig{
			AutomaticActivityDetection: &genai.AutomaticActivityDetection{Disabled: true},
		}
	case cfg.VAD.SilenceDuration > 0:
		conf.RealtimeInputConfig = &genai.RealtimeInputConfig{
			AutomaticActivityDetection: &genai.AutomaticActivityDetection{
				PrefixPaddingMs:   genai.Ptr(int32(cfg.VAD.PrefixPadding.Milliseconds())),
				SilenceDurationMs: genai.Ptr(int32(cfg.VAD.SilenceDuration.Milliseconds())),
			},
		}
	}
	return conf
}

type geminiChannel struct {
	*pipe

	session *genai.Session
	cfg     Config
	logger  *zap.SugaredLogger

	ready     chan struct{}
	readyOnce sync.Once
	exited    chan struct{}

	mu        sync.Mutex // serializes writes
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// liveTurn tracks whether the current model turn has been announced.
type liveTurn struct {
	started bool
}

// decodeLiveMessage maps one server message to relay events in the order the
// relay forwards them.
func decodeLiveMessage(msg *genai.LiveServerMessage, turn *liveTurn) []Event {
	sc := msg.ServerContent
	if sc == nil {
		return nil
	}

	var events []Event
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		events = append(events, EventSourceTranscript{Text: sc.InputTranscription.Text})
	}

	hasOutput := (sc.ModelTurn != nil && len(sc.ModelTurn.Parts) > 0) ||
		(sc.OutputTranscription != nil && sc.OutputTranscription.Text != "")
	if hasOutput && !turn.started {
		turn.started = true
		events = append(events, EventTurnStarted{})
	}

	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, EventTargetTranscript{Text: sc.OutputTranscription.Text})
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			events = append(events, EventAudio{PCM: part.InlineData.Data, Rate: audio.GeminiOutputRate})
		}
	}

	switch {
	case sc.Interrupted:
		turn.started = false
		events = append(events, EventTurnComplete{Status: StatusInterrupted})
	case sc.TurnComplete:
		turn.started = false
		events = append(events, EventTurnComplete{Status: StatusCompleted})
	}
	return events
}

func (c *geminiChannel) SendAudio(ctx context.Context, pcm []byte) error {
	return c.send(ctx, genai.LiveRealtimeInput{
		Audio: &genai.Blob{
			MIMEType: fmt.Sprintf("audio/pcm;rate=%d", audio.GeminiInputRate),
			Data:     pcm,
		},
	})
}

func (c *geminiChannel) SendSignal(ctx context.Context, sig Signal) error {
	manual := c.cfg.TurnDetection == TurnDetectionManual
	switch {
	case sig == SignalActivityStart && manual:
		return c.send(ctx, genai.LiveRealtimeInput{ActivityStart: &genai.ActivityStart{}})
	case sig == SignalActivityEnd && manual:
		return c.send(ctx, genai.LiveRealtimeInput{ActivityEnd: &genai.ActivityEnd{}})
	case sig == SignalActivityEnd:
		return c.send(ctx, genai.LiveRealtimeInput{AudioStreamEnd: true})
	}
	return ErrUnsupportedSignal
}

func (c *geminiChannel) send(ctx context.Context, in genai.LiveRealtimeInput) error {
	if c.closed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	err := c.session.SendRealtimeInput(in)
	c.mu.Unlock()
	if err != nil {
		c.fail(fmt.Errorf("write error: %w", err))
		_ = c.session.Close()
		return err
	}
	return nil
}

// Close closes the Live session.
func (c *geminiChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.session.Close()
		c.wg.Wait()
	})
	return err
}

func (c *geminiChannel) readLoop() {
	defer c.wg.Done()
	defer close(c.exited)
	defer close(c.events)

	var turn liveTurn
	for {
		msg, err := c.session.Receive()
		if err != nil {
			c.fail(fmt.Errorf("read error: %w", err))
			return
		}

		if msg.SetupComplete != nil {
			c.readyOnce.Do(func() { close(c.ready) })
			continue
		}
		if msg.GoAway != nil {
			c.logger.Warnf("gemini: server going away in %s", msg.GoAway.TimeLeft)
		}

		for _, ev := range decodeLiveMessage(msg, &turn) {
			if !c.emit(ev) {
				return
			}
		}
	}
}
