package relay

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/luminalpark/3cx-translator/internal/provider"
)

// Phase is the turn state of a session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseCapturing
	PhaseAwaitingResponse
	PhaseResponding
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseCapturing:
		return "capturing"
	case PhaseAwaitingResponse:
		return "awaiting_response"
	case PhaseResponding:
		return "responding"
	default:
		return "unknown"
	}
}

// Mode selects who decides turn boundaries.
type Mode int

const (
	// ModeAuto leaves speech boundaries to the provider's VAD.
	ModeAuto Mode = iota
	// ModeManual takes boundaries from client activity_start/activity_end.
	ModeManual
	// ModePeriodic closes the turn at a fixed interval while audio flows.
	ModePeriodic
)

func (m Mode) String() string {
	switch m {
	case ModeManual:
		return "manual"
	case ModePeriodic:
		return "periodic"
	default:
		return "auto"
	}
}

// ParseMode accepts the mode names used by clients and configuration.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto", "vad", "server_vad", "standard":
		return ModeAuto, true
	case "manual":
		return ModeManual, true
	case "periodic", "simultaneous":
		return ModePeriodic, true
	}
	return ModeAuto, false
}

// Admission is the coordinator's verdict on an incoming audio chunk.
type Admission int

const (
	// Admitted: queue the chunk.
	Admitted Admission = iota
	// Opened: the chunk opened a turn; queue an activity start before it.
	Opened
	// Dropped: discard with a warning.
	Dropped
	// Rejected: discard and tell the client to stop sending.
	Rejected
)

// Transcript is the flushed result of a completed turn.
type Transcript struct {
	Source     string
	Target     string
	Status     string
	Latency    time.Duration
	AudioBytes int // provider audio received for the turn
}

// Empty reports whether the turn produced no text.
func (t Transcript) Empty() bool {
	return t.Source == "" && t.Target == ""
}

// Step tells the session what to do with one provider event.
type Step struct {
	Forward    bool // relay the event to the client
	Started    bool // first response event of the turn
	Completed  bool
	Deliver    bool // Transcript holds a result for the client
	Transcript Transcript
}

var (
	errManualOnly     = errors.New("activity signals require manual turn detection")
	errTurnInProgress = errors.New("a turn is already in progress")
	errNotCapturing   = errors.New("no turn is being captured")
	errClosing        = errors.New("session is closing")
)

// Turn is the per-session turn state machine. It is safe for concurrent use
// by the transport goroutine and the receive loop.
type Turn struct {
	mu  sync.Mutex
	now func() time.Time

	mode    Mode
	phase   Phase
	since   time.Time // phase entry, refreshed by response activity
	opened  time.Time
	ended   time.Time
	closing bool

	source          strings.Builder
	target          strings.Builder
	audioBytes      int
	responseStarted bool

	notified      bool // drop/reject already reported in this phase
	suppress      bool // swallow the tail of a discarded response
	suppressSince time.Time
}

// NewTurn returns a coordinator in PhaseIdle.
func NewTurn(mode Mode) *Turn {
	t := &Turn{now: time.Now, mode: mode}
	t.since = t.now()
	return t
}

func (t *Turn) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

func (t *Turn) Mode() Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// SetMode switches the mode and drops any turn in progress.
func (t *Turn) SetMode(m Mode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mode = m
	t.suppress = false
	t.reset()
}

// Admit decides whether an audio chunk may enter the outbound queue. The
// second result is true the first time a chunk is dropped or rejected in
// the current phase.
func (t *Turn) Admit() (Admission, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closing {
		return Rejected, false
	}

	if t.mode == ModeManual {
		if t.phase == PhaseCapturing {
			return Admitted, false
		}
		return Rejected, t.notifyOnce()
	}

	switch t.phase {
	case PhaseIdle:
		if t.mode == ModePeriodic {
			t.open()
			return Opened, false
		}
		return Admitted, false
	case PhaseCapturing:
		return Admitted, false
	}
	return Dropped, t.notifyOnce()
}

// Start opens a manual turn.
func (t *Turn) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.closing:
		return errClosing
	case t.mode != ModeManual:
		return errManualOnly
	case t.phase != PhaseIdle:
		return errTurnInProgress
	}
	t.open()
	return nil
}

// End closes a manual turn and waits for the response.
func (t *Turn) End() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case t.closing:
		return errClosing
	case t.mode != ModeManual:
		return errManualOnly
	case t.phase != PhaseCapturing:
		return errNotCapturing
	}
	t.awaitResponse()
	return nil
}

// PeriodicDue closes a periodic turn once it has captured for interval.
func (t *Turn) PeriodicDue(interval time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closing || t.mode != ModePeriodic || t.phase != PhaseCapturing {
		return false
	}
	if t.now().Sub(t.opened) < interval {
		return false
	}
	t.awaitResponse()
	return true
}

// Apply advances the state machine for one provider event.
func (t *Turn) Apply(ev provider.Event) Step {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closing {
		return Step{}
	}

	switch e := ev.(type) {
	case provider.EventSpeechStarted:
		if t.phase == PhaseIdle {
			t.open()
		}
		return Step{Forward: true}

	case provider.EventSpeechStopped:
		if t.phase == PhaseCapturing {
			t.awaitResponse()
		}
		return Step{Forward: true}

	case provider.EventTurnStarted:
		if t.suppress {
			return Step{}
		}
		return Step{Started: t.responding()}

	case provider.EventAudio:
		if t.suppress {
			return Step{}
		}
		started := t.responding()
		t.audioBytes += len(e.PCM)
		return Step{Forward: true, Started: started}

	case provider.EventTargetTranscript:
		if t.suppress {
			return Step{}
		}
		started := t.responding()
		t.target.WriteString(e.Text)
		return Step{Forward: true, Started: started}

	case provider.EventSourceTranscript:
		if t.suppress {
			return Step{}
		}
		t.source.WriteString(e.Text)
		return Step{Forward: true}

	case provider.EventTurnComplete:
		if t.suppress {
			t.suppress = false
			t.reset()
			return Step{Completed: true}
		}
		tr := t.flush(e.Status)
		t.reset()
		return Step{Completed: true, Deliver: true, Transcript: tr}

	case provider.EventError:
		return Step{Forward: true}
	}
	return Step{}
}

// Discard drops the turn in progress without a result. With expectTail the
// remaining events of an already requested response are swallowed until the
// provider completes it. It reports whether anything was in flight.
func (t *Turn) Discard(expectTail bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	inFlight := t.phase != PhaseIdle || t.source.Len() > 0 || t.target.Len() > 0
	if expectTail && (t.phase == PhaseAwaitingResponse || t.phase == PhaseResponding) {
		t.suppress = true
		t.suppressSince = t.now()
	}
	t.reset()
	return inFlight
}

// Reset returns to a fresh PhaseIdle, forgetting any response tail. Used
// when the provider channel is replaced.
func (t *Turn) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.suppress = false
	t.reset()
}

// Expire discards a turn that has waited on the provider for longer than
// timeout and lifts a stale tail suppression. A late response to an expired
// turn is swallowed. It reports whether a turn was discarded.
func (t *Turn) Expire(timeout time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closing || timeout <= 0 {
		return false
	}
	now := t.now()
	if t.suppress && now.Sub(t.suppressSince) >= timeout {
		t.suppress = false
	}
	if (t.phase == PhaseAwaitingResponse || t.phase == PhaseResponding) && now.Sub(t.since) >= timeout {
		t.suppress = true
		t.suppressSince = now
		t.reset()
		return true
	}
	return false
}

// Close moves the coordinator into its terminal state.
func (t *Turn) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closing = true
	t.reset()
}

// Unsuppress stops swallowing the tail of a discarded response. Used when
// the provider cannot cancel, so no tail will be completed for it.
func (t *Turn) Unsuppress() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.suppress = false
}

func (t *Turn) setPhase(p Phase) {
	t.phase = p
	t.since = t.now()
	t.notified = false
}

// open starts a new turn. A new turn ends any tail suppression.
func (t *Turn) open() {
	t.suppress = false
	t.clearPending()
	t.opened = t.now()
	t.setPhase(PhaseCapturing)
}

func (t *Turn) awaitResponse() {
	t.ended = t.now()
	t.setPhase(PhaseAwaitingResponse)
}

// responding enters PhaseResponding and reports whether this is the first
// response event of the turn.
func (t *Turn) responding() bool {
	if t.phase != PhaseResponding {
		t.setPhase(PhaseResponding)
	} else {
		t.since = t.now()
	}
	first := !t.responseStarted
	t.responseStarted = true
	return first
}

func (t *Turn) notifyOnce() bool {
	if t.notified {
		return false
	}
	t.notified = true
	return true
}

func (t *Turn) flush(status string) Transcript {
	tr := Transcript{
		Source:     strings.TrimSpace(t.source.String()),
		Target:     strings.TrimSpace(t.target.String()),
		Status:     status,
		AudioBytes: t.audioBytes,
	}
	switch {
	case !t.ended.IsZero():
		tr.Latency = t.now().Sub(t.ended)
	case !t.opened.IsZero():
		tr.Latency = t.now().Sub(t.opened)
	}
	return tr
}

func (t *Turn) clearPending() {
	t.source.Reset()
	t.target.Reset()
	t.audioBytes = 0
	t.responseStarted = false
	t.opened = time.Time{}
	t.ended = time.Time{}
}

func (t *Turn) reset() {
	t.clearPending()
	t.setPhase(PhaseIdle)
}
