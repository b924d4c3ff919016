// Package relay runs translation sessions: it moves client audio to a
// provider channel and provider events back to the client, driving the turn
// state machine in between.
package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luminalpark/3cx-translator/internal/audio"
	"github.com/luminalpark/3cx-translator/internal/costs"
	"github.com/luminalpark/3cx-translator/internal/eventlog"
	"github.com/luminalpark/3cx-translator/internal/language"
	"github.com/luminalpark/3cx-translator/internal/provider"
)

// Config holds the per-session relay settings.
type Config struct {
	SourceLang string
	TargetLang string
	Streaming  bool
	Mode       Mode

	ClientRate       int
	QueueSize        int
	MaxBufferSeconds int

	ReadyTimeout     time.Duration
	ResponseTimeout  time.Duration
	IdleTimeout      time.Duration
	BatchTimeout     time.Duration
	PeriodicInterval time.Duration
	ReconnectDelay   time.Duration
	PollInterval     time.Duration

	VAD provider.VAD
}

func (c Config) withDefaults() Config {
	if c.SourceLang == "" {
		c.SourceLang = language.Auto
	}
	if c.TargetLang == "" {
		c.TargetLang = "it"
	}
	if c.ClientRate <= 0 {
		c.ClientRate = audio.ClientRate
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MaxBufferSeconds <= 0 {
		c.MaxBufferSeconds = 30
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 2 * time.Second
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 30 * time.Second
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 30 * time.Second
	}
	if c.PeriodicInterval <= 0 {
		c.PeriodicInterval = 3 * time.Second
	}
	if c.ReconnectDelay < 0 {
		c.ReconnectDelay = 0
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Deps bundles what a session needs from the server.
type Deps struct {
	Provider provider.Provider
	Client   Client
	Config   Config
	Events   *eventlog.Logger
	Logger   *zap.SugaredLogger
}

type stats struct {
	chunksIn   atomic.Int64
	chunksSent atomic.Int64
	chunksOut  atomic.Int64
	bytesIn    atomic.Int64
	bytesOut   atomic.Int64
	dropped    atomic.Int64
	turns      atomic.Int64

	// Audio exchanged with the provider, for billing.
	inputAudio  atomic.Int64
	outputAudio atomic.Int64
}

// Session is one client connection. HandleAudio and HandleMessage are
// called from the transport goroutine only; Close may be called from
// anywhere.
type Session struct {
	id        string
	cfg       Config
	prov      provider.Provider
	client    Client
	events    *eventlog.Logger
	logger    *zap.SugaredLogger
	turn      *Turn
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	source       string
	target       string
	detected     string // last explicit source language, "" while only auto was used
	streaming    bool
	stream       *stream
	buffer       []byte
	bufferWarned bool

	stats stats

	closing   atomic.Bool
	closeOnce sync.Once
}

// NewSession creates a session in batch mode. Call Hello to greet the client.
func NewSession(d Deps) *Session {
	cfg := d.Config.withDefaults()
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:        id,
		cfg:       cfg,
		prov:      d.Provider,
		client:    d.Client,
		events:    d.Events,
		logger:    logger.With("session_id", id),
		turn:      NewTurn(cfg.Mode),
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		source:    cfg.SourceLang,
		target:    cfg.TargetLang,
	}
	if cfg.SourceLang != language.Auto {
		s.detected = cfg.SourceLang
	}
	return s
}

func (s *Session) ID() string { return s.id }

// Streaming reports whether a provider stream is active.
func (s *Session) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// BufferSize returns the number of buffered batch-mode bytes.
func (s *Session) BufferSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

func (s *Session) Phase() Phase { return s.turn.Phase() }

// Hello sends the connected greeting and, if configured, starts streaming.
func (s *Session) Hello() {
	src, tgt := s.languages()
	s.send(msg{
		"type":                "connected",
		"session_id":          s.id,
		"provider":            s.prov.Name(),
		"model":               s.prov.Model(),
		"voice":               s.prov.Voice(),
		"source_lang":         src,
		"target_lang":         tgt,
		"streaming":           false,
		"turn_detection":      s.turn.Mode().String(),
		"supported_languages": language.Names(),
		"sample_rate":         s.cfg.ClientRate,
	})
	s.logger.Infof("relay: session started (provider=%s, %s -> %s)", s.prov.Name(), src, tgt)
	s.events.LogAsync(s.id, eventlog.EventSessionStarted, map[string]any{
		"provider":    s.prov.Name(),
		"model":       s.prov.Model(),
		"source_lang": src,
		"target_lang": tgt,
	})

	if s.cfg.Streaming {
		s.setStreaming(true)
	}
}

// HandleAudio accepts one binary frame of PCM16 mono at the client rate.
func (s *Session) HandleAudio(pcm []byte) {
	if s.closing.Load() || len(pcm) == 0 {
		return
	}
	s.stats.chunksIn.Add(1)
	s.stats.bytesIn.Add(int64(len(pcm)))

	s.mu.Lock()
	streaming, st := s.streaming, s.stream
	s.mu.Unlock()

	if !streaming {
		s.bufferAudio(pcm)
		return
	}
	if st == nil {
		return
	}
	s.admit(st, pcm)
}

func (s *Session) admit(st *stream, pcm []byte) {
	adm, notify := s.turn.Admit()
	switch adm {
	case Dropped:
		s.stats.dropped.Add(1)
		if notify {
			s.logger.Warnf("relay: dropping audio while %s", s.turn.Phase())
		}
		return
	case Rejected:
		s.stats.dropped.Add(1)
		if notify {
			s.sendError(newError(CodeAudioRejected, nil,
				"audio rejected while %s, send activity_start first", s.turn.Phase()))
		}
		return
	case Opened:
		if err := st.queue.pushSignal(st.ctx, provider.SignalActivityStart); err != nil {
			return
		}
	}

	ok, burst := st.queue.pushAudio(pcm)
	if ok {
		return
	}
	s.stats.dropped.Add(1)
	if burst {
		s.logger.Warnf("relay: outbound queue full (%d), dropping audio", s.cfg.QueueSize)
		s.sendError(newError(CodeQueueOverflow, nil, "outbound queue full, dropping audio"))
		s.events.LogAsync(s.id, eventlog.EventQueueOverflow, map[string]any{
			"queue_size": s.cfg.QueueSize,
			"dropped":    st.queue.dropped.Load(),
		})
	}
}

func (s *Session) bufferAudio(pcm []byte) {
	limit := s.cfg.MaxBufferSeconds * s.cfg.ClientRate * 2

	s.mu.Lock()
	if len(s.buffer)+len(pcm) <= limit {
		s.buffer = append(s.buffer, pcm...)
		s.mu.Unlock()
		return
	}
	warn := !s.bufferWarned
	s.bufferWarned = true
	s.mu.Unlock()

	s.stats.dropped.Add(1)
	if warn {
		s.logger.Warnf("relay: audio buffer full (%ds), dropping audio", s.cfg.MaxBufferSeconds)
		s.sendError(newError(CodeQueueOverflow, nil,
			"audio buffer full (%ds), send translate or clear", s.cfg.MaxBufferSeconds))
	}
}

func (s *Session) takeBuffer() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buffer
	s.buffer = nil
	s.bufferWarned = false
	return b
}

func (s *Session) languages() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source, s.target
}

func (s *Session) setLanguages(src, tgt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source, s.target = src, tgt
	if src != language.Auto {
		s.detected = src
	}
}

// withDetected adds the last known source language to a reply. The
// language is null until the client names one.
func (s *Session) withDetected(m msg) msg {
	s.mu.Lock()
	code := s.detected
	s.mu.Unlock()
	if code == "" {
		m["detected_language"] = nil
		m["detected_language_name"] = ""
		return m
	}
	m["detected_language"] = code
	m["detected_language_name"] = language.Name(code)
	return m
}

func (s *Session) currentStream() *stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// providerConfig builds the channel configuration for mode.
func (s *Session) providerConfig(mode Mode) provider.Config {
	src, tgt := s.languages()
	cfg := provider.Config{
		Source:        src,
		Target:        tgt,
		Voice:         s.prov.Voice(),
		TurnDetection: provider.TurnDetectionAuto,
		VAD:           s.cfg.VAD,
	}
	style := language.StyleUtterance
	switch mode {
	case ModeManual:
		cfg.TurnDetection = provider.TurnDetectionManual
	case ModePeriodic:
		cfg.TurnDetection = provider.TurnDetectionManual
		cfg.ClearContextPerTurn = true
		style = language.StyleSimultaneous
	}
	cfg.Instruction = language.Instruction(src, tgt, style)
	return cfg
}

func (s *Session) setStreaming(enabled bool) {
	if enabled == s.Streaming() {
		s.send(msg{"type": "streaming_enabled", "enabled": enabled})
		if enabled {
			s.sendReady()
		}
		return
	}

	if !enabled {
		s.stopStreaming("client")
		s.send(msg{"type": "streaming_enabled", "enabled": false})
		return
	}

	if err := s.startStreaming(); err != nil {
		s.sendError(err)
		s.send(msg{"type": "streaming_enabled", "enabled": false})
		return
	}
	s.send(msg{"type": "streaming_enabled", "enabled": true})
	s.sendReady()
}

func (s *Session) startStreaming() error {
	s.turn.Reset()
	st, err := s.startStream()
	if err != nil {
		s.logger.Warnf("relay: failed to connect to %s: %v", s.prov.Name(), err)
		s.captureError(err, "relay: provider connect failed")
		s.events.LogAsync(s.id, eventlog.EventProviderError, map[string]any{
			"stage": "connect",
			"error": err.Error(),
		})
		return newError(CodeProviderConnect, err, "failed to connect to %s", s.prov.Name())
	}

	s.mu.Lock()
	if s.closing.Load() {
		s.mu.Unlock()
		st.stop()
		return newError(CodeStreamingError, errClosing, "session is closing")
	}
	s.stream = st
	s.streaming = true
	s.buffer = nil
	s.bufferWarned = false
	s.mu.Unlock()

	s.logger.Infof("relay: streaming started (mode=%s)", s.turn.Mode())
	s.events.LogAsync(s.id, eventlog.EventStreamingStarted, map[string]any{
		"mode": s.turn.Mode().String(),
	})
	return nil
}

// stopStreaming tears down the current stream. It reports whether one was
// running.
func (s *Session) stopStreaming(reason string) bool {
	s.mu.Lock()
	st := s.stream
	s.stream = nil
	s.streaming = false
	s.mu.Unlock()

	if st == nil {
		return false
	}
	st.stop()
	s.turn.Reset()
	s.logger.Infof("relay: streaming stopped (%s)", reason)
	s.events.LogAsync(s.id, eventlog.EventStreamingStopped, map[string]any{"reason": reason})
	return true
}

// reconfigure replaces the provider stream so new settings take effect.
// apply runs while no stream is active. Without streaming only apply runs.
func (s *Session) reconfigure(apply func()) {
	if !s.Streaming() {
		if apply != nil {
			apply()
		}
		return
	}

	phase := s.turn.Phase()
	s.stopStreaming("reconfigure")
	if phase != PhaseIdle {
		s.logger.Infof("relay: discarded %s turn for reconfiguration", phase)
		s.events.LogAsync(s.id, eventlog.EventTurnDiscarded, map[string]any{
			"reason": "reconfigure",
			"phase":  phase.String(),
		})
	}
	if apply != nil {
		apply()
	}

	if err := s.startStreaming(); err != nil {
		s.sendError(newError(CodeReconfigureError, err, "failed to reconfigure provider session"))
		s.send(msg{"type": "streaming_enabled", "enabled": false})
		return
	}
	s.sendReady()
}

// streamEnded runs on the stream's watcher goroutine after both loops have
// exited with err.
func (s *Session) streamEnded(st *stream, err error) {
	if s.closing.Load() {
		return
	}

	switch {
	case isIdleTimeout(err):
		s.logger.Warnf("relay: provider idle for %s, closing session", s.cfg.IdleTimeout)
		s.sendError(newError(CodeProviderTimeout, err, "no provider activity for %s", s.cfg.IdleTimeout))
		s.Close()

	case isStreamLost(err):
		s.mu.Lock()
		current := s.stream == st
		if current {
			s.stream = nil
			s.streaming = false
		}
		s.mu.Unlock()
		if !current {
			return
		}
		s.turn.Reset()
		s.logger.Errorf("relay: provider stream lost, streaming disabled: %v", err)
		s.captureError(err, "relay: provider stream lost")
		s.sendError(newError(CodeStreamingError, err, "provider stream lost, streaming disabled"))
		s.send(msg{"type": "streaming_enabled", "enabled": false})
		s.events.LogAsync(s.id, eventlog.EventStreamingStopped, map[string]any{
			"reason": "stream_lost",
			"error":  err.Error(),
		})

	default:
		s.logger.Errorf("relay: stream loop failed: %v", err)
		s.captureError(err, "relay: stream loop failed")
		s.sendError(newError(CodeServerError, err, "internal error"))
		s.Close()
	}
}

// handleEvent forwards one provider event. It runs on the receive loop.
func (s *Session) handleEvent(st *stream, ev provider.Event) {
	if st.stopping.Load() {
		return
	}

	step := s.turn.Apply(ev)
	if step.Started {
		s.send(msg{"type": "model_turn_started"})
	}

	switch e := ev.(type) {
	case provider.EventAudio:
		if !step.Forward {
			return
		}
		rate := e.Rate
		if rate <= 0 {
			rate = s.prov.OutputRate()
		}
		s.stats.outputAudio.Add(int64(audio.Duration(len(e.PCM), rate)))
		pcm, err := audio.ResamplePCM16(e.PCM, rate, s.cfg.ClientRate)
		if err != nil {
			s.logger.Warnf("relay: dropping provider audio: %v", err)
			return
		}
		s.stats.chunksOut.Add(1)
		s.stats.bytesOut.Add(int64(len(pcm)))
		if err := s.client.WriteAudio(pcm); err != nil {
			s.logger.Debugf("relay: write audio failed: %v", err)
		}

	case provider.EventSourceTranscript:
		if step.Forward {
			s.send(msg{"type": "source_text", "text": e.Text})
		}

	case provider.EventTargetTranscript:
		if step.Forward {
			s.send(msg{"type": "translated_text", "text": e.Text})
		}

	case provider.EventSpeechStarted:
		s.send(msg{"type": "speech_started"})

	case provider.EventSpeechStopped:
		s.send(msg{"type": "speech_stopped"})

	case provider.EventError:
		s.logger.Warnf("relay: provider error (%s): %s", e.Kind, e.Message)
		s.events.LogAsync(s.id, eventlog.EventProviderError, map[string]any{
			"stage": "stream",
			"kind":  e.Kind,
			"error": e.Message,
		})
		s.sendError(newError(CodeProviderError, nil, "%s", e.Message))

	case provider.EventTurnComplete:
		st.failures = 0
		if !step.Deliver {
			return
		}
		s.deliver(step.Transcript)
	}
}

func (s *Session) deliver(tr Transcript) {
	src, tgt := s.languages()
	if !tr.Empty() {
		s.send(s.withDetected(msg{
			"type":            "translation",
			"source_text":     tr.Source,
			"translated_text": tr.Target,
			"source_lang":     src,
			"target_lang":     tgt,
			"latency_ms":      tr.Latency.Milliseconds(),
			"status":          tr.Status,
		}))
	}
	s.send(msg{"type": "turn_complete", "status": tr.Status})

	s.stats.turns.Add(1)
	s.events.LogAsync(s.id, eventlog.EventTurnCompleted, map[string]any{
		"status":     tr.Status,
		"latency_ms": tr.Latency.Milliseconds(),
		"audio_ms":   audio.Duration(tr.AudioBytes, s.prov.OutputRate()).Milliseconds(),
		"empty":      tr.Empty(),
	})
}

// Close tears the session down once. It is safe to call concurrently and
// from the stream loops.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.turn.Close()
		s.cancel()

		s.mu.Lock()
		st := s.stream
		s.stream = nil
		s.streaming = false
		s.buffer = nil
		s.mu.Unlock()

		if st != nil {
			st.stop()
		}
		_ = s.client.Close()

		usage := costs.SessionUsage{
			Provider:           s.prov.Name(),
			InputAudioSeconds:  time.Duration(s.stats.inputAudio.Load()).Seconds(),
			OutputAudioSeconds: time.Duration(s.stats.outputAudio.Load()).Seconds(),
		}
		c := costs.CalculateSessionCosts(usage)
		duration := time.Since(s.startedAt)

		s.logger.Infof("relay: session closed after %s (in=%d sent=%d out=%d dropped=%d turns=%d cost=%d cents)",
			duration.Round(time.Millisecond),
			s.stats.chunksIn.Load(), s.stats.chunksSent.Load(), s.stats.chunksOut.Load(),
			s.stats.dropped.Load(), s.stats.turns.Load(), c.TotalCostCents)
		s.events.LogAsync(s.id, eventlog.EventSessionEnded, map[string]any{
			"duration_ms":          duration.Milliseconds(),
			"chunks_in":            s.stats.chunksIn.Load(),
			"chunks_sent":          s.stats.chunksSent.Load(),
			"chunks_out":           s.stats.chunksOut.Load(),
			"bytes_in":             s.stats.bytesIn.Load(),
			"bytes_out":            s.stats.bytesOut.Load(),
			"dropped":              s.stats.dropped.Load(),
			"turns":                s.stats.turns.Load(),
			"input_audio_seconds":  usage.InputAudioSeconds,
			"output_audio_seconds": usage.OutputAudioSeconds,
			"cost_cents":           c.TotalCostCents,
		})
	})
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	return s.closing.Load()
}

// captureError sends an error to Sentry tagged with the session.
func (s *Session) captureError(err error, message string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("session_id", s.id)
		scope.SetTag("provider", s.prov.Name())
		scope.SetExtra("message", message)
		sentry.CaptureException(err)
	})
}
