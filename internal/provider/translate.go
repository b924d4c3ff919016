package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/luminalpark/3cx-translator/internal/audio"
)

// Result is the outcome of one batch translation.
type Result struct {
	SourceText string
	TargetText string
	Audio      []byte // PCM16 mono at Rate
	Rate       int
	Status     string
}

// ErrIncomplete is returned when the channel ends before the turn completes.
var ErrIncomplete = errors.New("provider: channel ended before turn complete")

// ProviderError wraps an error event received during a batch translation.
type ProviderError struct {
	Kind    string
	Message string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (%s): %s", e.Kind, e.Message)
}

// batchChunk is the audio duration sent per message during a batch cycle.
const batchChunk = 100 * time.Millisecond

// Translate runs one request/response cycle: it opens a channel with manual
// turn detection, sends the utterance between activity signals and collects
// events until the turn completes. pcm must be at p.InputRate().
func Translate(ctx context.Context, p Provider, cfg Config, pcm []byte) (Result, error) {
	cfg.TurnDetection = TurnDetectionManual
	cfg.ClearContextPerTurn = false

	ch, err := p.Connect(ctx, cfg)
	if err != nil {
		return Result{}, err
	}
	defer ch.Close()

	if err := ch.SendSignal(ctx, SignalActivityStart); err != nil && !errors.Is(err, ErrUnsupportedSignal) {
		return Result{}, fmt.Errorf("activity start: %w", err)
	}

	step := audio.BytesFor(batchChunk, p.InputRate())
	if step <= 0 {
		step = len(pcm) + 1
	}
	for off := 0; off < len(pcm); off += step {
		end := off + step
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := ch.SendAudio(ctx, pcm[off:end]); err != nil {
			return Result{}, fmt.Errorf("send audio: %w", err)
		}
	}

	if err := ch.SendSignal(ctx, SignalActivityEnd); err != nil {
		return Result{}, fmt.Errorf("activity end: %w", err)
	}

	return collect(ctx, ch, p.OutputRate())
}

func collect(ctx context.Context, ch Channel, rate int) (Result, error) {
	var (
		res    = Result{Rate: rate}
		source strings.Builder
		target strings.Builder
		buf    []byte
	)

	events := ch.Events()
	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				if err := ch.Err(); err != nil {
					return Result{}, err
				}
				return Result{}, ErrIncomplete
			}
			switch e := ev.(type) {
			case EventSourceTranscript:
				source.WriteString(e.Text)
			case EventTargetTranscript:
				target.WriteString(e.Text)
			case EventAudio:
				if e.Rate != 0 && e.Rate != res.Rate {
					pcm, err := audio.ResamplePCM16(e.PCM, e.Rate, res.Rate)
					if err != nil {
						return Result{}, err
					}
					buf = append(buf, pcm...)
					continue
				}
				buf = append(buf, e.PCM...)
			case EventError:
				return Result{}, &ProviderError{Kind: e.Kind, Message: e.Message}
			case EventTurnComplete:
				res.SourceText = strings.TrimSpace(source.String())
				res.TargetText = strings.TrimSpace(target.String())
				res.Audio = buf
				res.Status = e.Status
				return res, nil
			}
		}
	}
}
