// Package provider abstracts the outbound streaming connection to a
// speech-translation service.
package provider

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Event is a decoded provider event. The concrete types below are the only
// implementations.
type Event interface {
	isEvent()
}

// EventSourceTranscript carries recognized source-language text.
type EventSourceTranscript struct{ Text string }

// EventTargetTranscript carries translated text for the response in progress.
type EventTargetTranscript struct{ Text string }

// EventAudio carries translated speech as PCM16 mono at Rate.
type EventAudio struct {
	PCM  []byte
	Rate int
}

// EventSpeechStarted is emitted by a provider-side VAD.
type EventSpeechStarted struct{}

// EventSpeechStopped is emitted by a provider-side VAD.
type EventSpeechStopped struct{}

// EventTurnStarted marks the first response event of a turn.
type EventTurnStarted struct{}

// EventTurnComplete ends the response. Status is provider specific
// ("completed", "cancelled", "interrupted", "failed").
type EventTurnComplete struct{ Status string }

// EventError is a non-terminal error reported by the provider.
type EventError struct {
	Kind    string
	Message string
}

func (EventSourceTranscript) isEvent() {}
func (EventTargetTranscript) isEvent() {}
func (EventAudio) isEvent()            {}
func (EventSpeechStarted) isEvent()    {}
func (EventSpeechStopped) isEvent()    {}
func (EventTurnStarted) isEvent()      {}
func (EventTurnComplete) isEvent()     {}
func (EventError) isEvent()            {}

// Turn complete statuses.
const (
	StatusCompleted   = "completed"
	StatusCancelled   = "cancelled"
	StatusInterrupted = "interrupted"
	StatusFailed      = "failed"
)

// Signal is an out-of-band control message sent to the provider.
type Signal int

const (
	SignalActivityStart Signal = iota + 1
	SignalActivityEnd
	SignalClearInput
	SignalCancelResponse
)

func (s Signal) String() string {
	switch s {
	case SignalActivityStart:
		return "activity_start"
	case SignalActivityEnd:
		return "activity_end"
	case SignalClearInput:
		return "clear_input"
	case SignalCancelResponse:
		return "cancel_response"
	default:
		return "unknown"
	}
}

// TurnDetection selects who decides speech boundaries.
type TurnDetection int

const (
	// TurnDetectionAuto uses the provider's voice activity detector.
	TurnDetectionAuto TurnDetection = iota
	// TurnDetectionManual requires explicit activity start/end signals.
	TurnDetectionManual
)

// VAD tunes provider-side voice activity detection.
type VAD struct {
	Threshold       float64
	PrefixPadding   time.Duration
	SilenceDuration time.Duration
}

// Config is the one-time session configuration applied before any audio.
type Config struct {
	Source        string
	Target        string
	Voice         string
	Instruction   string
	TurnDetection TurnDetection
	VAD           VAD

	// ClearContextPerTurn drops the conversation after every response so
	// fragments are translated independently.
	ClearContextPerTurn bool
}

// Provider opens channels to one provider family.
type Provider interface {
	Name() string
	Model() string
	Voice() string
	// InputRate is the sample rate SendAudio expects.
	InputRate() int
	// OutputRate is the sample rate of EventAudio.
	OutputRate() int
	// Connect returns once the remote session is configured and ready for
	// audio. It is bounded by ctx.
	Connect(ctx context.Context, cfg Config) (Channel, error)
}

// Channel is one live duplex connection. Send methods are safe for
// concurrent use. Events is closed when the connection ends; Err then
// reports why (nil after Close).
type Channel interface {
	SendAudio(ctx context.Context, pcm []byte) error
	SendSignal(ctx context.Context, sig Signal) error
	Events() <-chan Event
	Err() error
	Close() error
}

// ErrClosed is returned by sends on a closed channel.
var ErrClosed = errors.New("provider: channel closed")

// ErrUnsupportedSignal is returned when a provider has no equivalent for a signal.
var ErrUnsupportedSignal = errors.New("provider: unsupported signal")

const eventBuffer = 256

// pipe is the event side shared by channel implementations.
type pipe struct {
	events chan Event
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func newPipe() *pipe {
	return &pipe{
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
}

// emit delivers ev unless the channel is closing.
func (p *pipe) emit(ev Event) bool {
	select {
	case p.events <- ev:
		return true
	case <-p.done:
		return false
	}
}

// fail records the first terminal error unless the channel was closed locally.
func (p *pipe) fail(err error) {
	select {
	case <-p.done:
		return
	default:
	}
	p.mu.Lock()
	if p.err == nil {
		p.err = err
	}
	p.mu.Unlock()
}

func (p *pipe) closed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *pipe) Events() <-chan Event { return p.events }

func (p *pipe) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
