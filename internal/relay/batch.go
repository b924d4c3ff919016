package relay

import (
	"context"
	"errors"
	"time"

	"github.com/luminalpark/3cx-translator/internal/audio"
	"github.com/luminalpark/3cx-translator/internal/eventlog"
	"github.com/luminalpark/3cx-translator/internal/language"
	"github.com/luminalpark/3cx-translator/internal/provider"
)

// minBatchAudio is the shortest utterance worth a provider round trip.
const minBatchAudio = 100 * time.Millisecond

// translateBuffer runs one request/response cycle over the buffered audio.
// The buffer is emptied whatever the outcome.
func (s *Session) translateBuffer() {
	pcm := s.takeBuffer()
	src, tgt := s.languages()

	if minBytes := audio.BytesFor(minBatchAudio, s.cfg.ClientRate); len(pcm) < minBytes {
		s.sendError(newError(CodeAudioTooShort, nil, "audio too short: %dms, need at least %dms",
			audio.Duration(len(pcm), s.cfg.ClientRate).Milliseconds(), minBatchAudio.Milliseconds()))
		return
	}
	if src != language.Auto && src == tgt {
		s.send(s.withDetected(msg{"type": "skipped", "reason": "same_language", "source_lang": src, "target_lang": tgt}))
		return
	}

	in, err := audio.ResamplePCM16(pcm, s.cfg.ClientRate, s.prov.InputRate())
	if err != nil {
		s.sendError(newError(CodeTranslationError, err, "failed to prepare audio"))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.BatchTimeout)
	defer cancel()

	start := time.Now()
	res, err := provider.Translate(ctx, s.prov, s.providerConfig(ModeManual), in)
	latency := time.Since(start)
	if err != nil {
		s.batchFailed(err)
		return
	}
	s.stats.inputAudio.Add(int64(audio.Duration(len(in), s.prov.InputRate())))
	s.stats.outputAudio.Add(int64(audio.Duration(len(res.Audio), res.Rate)))

	out, err := audio.ResamplePCM16(res.Audio, res.Rate, s.cfg.ClientRate)
	if err != nil {
		s.batchFailed(err)
		return
	}

	s.send(s.withDetected(msg{
		"type":              "translation",
		"source_text":       res.SourceText,
		"translated_text":   res.TargetText,
		"source_lang":       src,
		"target_lang":       tgt,
		"latency_ms":        latency.Milliseconds(),
		"status":            res.Status,
		"audio_sample_rate": s.cfg.ClientRate,
		"audio_duration_ms": audio.Duration(len(out), s.cfg.ClientRate).Milliseconds(),
	}))
	if len(out) > 0 {
		s.stats.chunksOut.Add(1)
		s.stats.bytesOut.Add(int64(len(out)))
		if err := s.client.WriteAudio(out); err != nil {
			s.logger.Debugf("relay: write audio failed: %v", err)
		}
	}

	s.stats.turns.Add(1)
	s.logger.Infof("relay: batch translated %dms of audio in %s",
		audio.Duration(len(pcm), s.cfg.ClientRate).Milliseconds(), latency.Round(time.Millisecond))
	s.events.LogAsync(s.id, eventlog.EventBatchTranslated, map[string]any{
		"input_ms":   audio.Duration(len(pcm), s.cfg.ClientRate).Milliseconds(),
		"output_ms":  audio.Duration(len(out), s.cfg.ClientRate).Milliseconds(),
		"latency_ms": latency.Milliseconds(),
	})
}

func (s *Session) batchFailed(err error) {
	if s.closing.Load() {
		return
	}
	s.logger.Warnf("relay: batch translation failed: %v", err)
	s.events.LogAsync(s.id, eventlog.EventProviderError, map[string]any{
		"stage": "batch",
		"error": err.Error(),
	})

	var perr *provider.ProviderError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		s.sendError(newError(CodeProviderTimeout, err, "translation timed out after %s", s.cfg.BatchTimeout))
	case errors.As(err, &perr):
		s.sendError(newError(CodeTranslationError, err, "translation failed: %s", perr.Message))
	default:
		s.captureError(err, "relay: batch translation failed")
		s.sendError(newError(CodeTranslationError, err, "translation failed"))
	}
}
