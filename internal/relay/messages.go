package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/luminalpark/3cx-translator/internal/eventlog"
	"github.com/luminalpark/3cx-translator/internal/language"
	"github.com/luminalpark/3cx-translator/internal/provider"
)

// Client is the transport side of a session. Implementations must make
// concurrent writes safe: the transport goroutine and the receive loop both
// write.
type Client interface {
	WriteJSON(v any) error
	WriteAudio(pcm []byte) error
	Close() error
}

// msg is an outbound JSON message.
type msg map[string]any

type envelope struct {
	Type string `json:"type"`
}

type configureMessage struct {
	SourceLang *string `json:"source_lang"`
	TargetLang *string `json:"target_lang"`
	Source     *string `json:"source"`
	Target     *string `json:"target"`
}

type streamingMessage struct {
	Enabled *bool `json:"enabled"`
}

type languageMessage struct {
	SourceLang string `json:"source_lang"`
	Language   string `json:"language"`
}

type modeMessage struct {
	Mode string `json:"mode"`
}

// HandleMessage decodes one client text frame and dispatches it. Failures
// are reported to the client; the session keeps running.
func (s *Session) HandleMessage(raw []byte) {
	if s.closing.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic handling message: %v", r)
			s.logger.Errorf("relay: %v\n%s", err, debug.Stack())
			s.captureError(err, "relay: message handler panic")
			s.sendError(newError(CodeServerError, err, "internal error"))
		}
	}()

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if !json.Valid(raw) {
			s.sendError(newError(CodeInvalidJSON, err, "invalid JSON"))
			return
		}
		s.sendError(newError(CodeInvalidMessage, err, "message must be a JSON object"))
		return
	}
	if env.Type == "" {
		s.sendError(newError(CodeInvalidMessage, nil, "missing message type"))
		return
	}

	switch env.Type {
	case "configure", "config":
		s.handleConfigure(raw)
	case "set_streaming":
		s.handleSetStreaming(raw)
	case "translate":
		s.handleTranslate()
	case "activity_start":
		s.handleActivity(provider.SignalActivityStart)
	case "activity_end":
		s.handleActivity(provider.SignalActivityEnd)
	case "cancel":
		s.handleCancel()
	case "clear":
		s.handleClear()
	case "set_language":
		s.handleSetLanguage(raw)
	case "enable_auto_detect":
		s.handleAutoDetect()
	case "set_turn_detection", "set_translation_mode":
		s.handleSetMode(raw)
	case "ping":
		s.handlePing()
	default:
		s.sendError(newError(CodeUnknownMessage, nil, "unknown message type: %s", env.Type))
	}
}

func decodeMessage(raw []byte, v any) *Error {
	if err := json.Unmarshal(raw, v); err != nil {
		return newError(CodeInvalidMessage, err, "invalid message fields")
	}
	return nil
}

func firstOf(vals ...*string) *string {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func (s *Session) handleConfigure(raw []byte) {
	var m configureMessage
	if err := decodeMessage(raw, &m); err != nil {
		s.sendError(err)
		return
	}

	src, tgt := s.languages()
	newSrc, newTgt := src, tgt
	if v := firstOf(m.SourceLang, m.Source); v != nil {
		newSrc = language.Normalize(*v)
		if !language.ValidSource(newSrc) {
			s.sendError(newError(CodeInvalidLanguage, nil, "unsupported source language: %s", *v))
			return
		}
	}
	if v := firstOf(m.TargetLang, m.Target); v != nil {
		newTgt = language.Normalize(*v)
		if !language.ValidTarget(newTgt) {
			s.sendError(newError(CodeInvalidLanguage, nil, "unsupported target language: %s", *v))
			return
		}
	}

	s.setLanguages(newSrc, newTgt)
	s.send(msg{"type": "configured", "source_lang": newSrc, "target_lang": newTgt})
	s.events.LogAsync(s.id, eventlog.EventSessionConfigured, map[string]any{
		"source_lang": newSrc,
		"target_lang": newTgt,
	})

	if newSrc != src || newTgt != tgt {
		s.reconfigure(nil)
	} else if s.Streaming() {
		s.sendReady()
	}
}

func (s *Session) handleSetStreaming(raw []byte) {
	var m streamingMessage
	if err := decodeMessage(raw, &m); err != nil {
		s.sendError(err)
		return
	}
	if m.Enabled == nil {
		s.sendError(newError(CodeInvalidMessage, nil, "set_streaming requires enabled"))
		return
	}
	s.setStreaming(*m.Enabled)
}

func (s *Session) handleTranslate() {
	if s.Streaming() {
		s.sendError(newError(CodeInvalidMessage, nil, "translate is not available while streaming"))
		return
	}
	s.translateBuffer()
}

func (s *Session) handleActivity(sig provider.Signal) {
	st := s.currentStream()
	if st == nil {
		s.sendError(newError(CodeInvalidMessage, nil, "%s requires streaming mode", sig))
		return
	}

	var err error
	if sig == provider.SignalActivityStart {
		err = s.turn.Start()
	} else {
		err = s.turn.End()
	}
	if err != nil {
		s.sendError(newError(CodeInvalidMessage, err, "%s rejected: %v", sig, err))
		return
	}
	if err := st.queue.pushSignal(st.ctx, sig); err != nil {
		s.logger.Debugf("relay: %s not queued: %v", sig, err)
	}
}

func (s *Session) handleCancel() {
	if st := s.currentStream(); st != nil {
		if s.turn.Discard(true) {
			s.logger.Infof("relay: turn cancelled by client")
			s.events.LogAsync(s.id, eventlog.EventTurnDiscarded, map[string]any{"reason": "cancel"})
		}
		st.queue.clear()
		if err := st.queue.pushSignal(st.ctx, provider.SignalCancelResponse); err != nil {
			s.logger.Debugf("relay: cancel not queued: %v", err)
		}
	} else {
		s.takeBuffer()
	}
	s.send(msg{"type": "cancelled"})
}

func (s *Session) handleClear() {
	s.takeBuffer()
	if st := s.currentStream(); st != nil {
		if s.turn.Phase() == PhaseCapturing {
			s.turn.Discard(false)
		}
		st.queue.clear()
		if err := st.queue.pushSignal(st.ctx, provider.SignalClearInput); err != nil {
			s.logger.Debugf("relay: clear not queued: %v", err)
		}
	}
	s.send(msg{"type": "cleared"})
}

func (s *Session) handleSetLanguage(raw []byte) {
	var m languageMessage
	if err := decodeMessage(raw, &m); err != nil {
		s.sendError(err)
		return
	}
	code := m.SourceLang
	if code == "" {
		code = m.Language
	}
	if code == "" {
		s.sendError(newError(CodeInvalidMessage, nil, "set_language requires source_lang"))
		return
	}
	src := language.Normalize(code)
	if !language.ValidSource(src) {
		s.sendError(newError(CodeInvalidLanguage, nil, "unsupported source language: %s", code))
		return
	}
	s.changeSource(src)
	s.send(msg{"type": "language_set", "source_lang": src})
}

func (s *Session) handleAutoDetect() {
	s.changeSource(language.Auto)
	s.send(msg{"type": "auto_detect_enabled", "source_lang": language.Auto})
}

func (s *Session) changeSource(src string) {
	cur, tgt := s.languages()
	if cur == src {
		return
	}
	s.setLanguages(src, tgt)
	s.reconfigure(nil)
}

func (s *Session) handleSetMode(raw []byte) {
	var m modeMessage
	if err := decodeMessage(raw, &m); err != nil {
		s.sendError(err)
		return
	}
	mode, ok := ParseMode(m.Mode)
	if !ok {
		s.sendError(newError(CodeInvalidMode, nil, "unsupported turn detection mode: %q", m.Mode))
		return
	}
	if mode != s.turn.Mode() {
		s.reconfigure(func() { s.turn.SetMode(mode) })
	}
	s.send(msg{"type": "turn_detection_set", "mode": mode.String()})
}

func (s *Session) handlePing() {
	depth := 0
	if st := s.currentStream(); st != nil {
		depth = st.queue.len()
	}
	s.mu.Lock()
	var detected any
	if s.detected != "" {
		detected = s.detected
	}
	s.mu.Unlock()

	s.send(msg{
		"type":                   "pong",
		"turn_phase":             s.turn.Phase().String(),
		"turn_detection":         s.turn.Mode().String(),
		"streaming":              s.Streaming(),
		"buffer_size":            s.BufferSize(),
		"queue_depth":            depth,
		"last_detected_language": detected,
	})
}

// send writes one JSON message. Write failures mean the client is gone; the
// transport read loop notices and closes the session.
func (s *Session) send(m msg) {
	if err := s.client.WriteJSON(m); err != nil {
		s.logger.Debugf("relay: write %v failed: %v", m["type"], err)
	}
}

func (s *Session) sendError(err error) {
	var re *Error
	if !errors.As(err, &re) {
		re = newError(CodeServerError, err, "%v", err)
	}
	if re.Err != nil {
		s.logger.Infof("relay: %s: %s: %v", re.Code, re.Message, re.Err)
	} else {
		s.logger.Infof("relay: %s: %s", re.Code, re.Message)
	}
	s.send(msg{"type": "error", "code": string(re.Code), "message": re.Message})
}

func (s *Session) sendReady() {
	src, tgt := s.languages()
	s.send(msg{
		"type":           "streaming_session_ready",
		"source_lang":    src,
		"target_lang":    tgt,
		"turn_detection": s.turn.Mode().String(),
	})
}
