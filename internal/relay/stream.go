package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/luminalpark/3cx-translator/internal/audio"
	"github.com/luminalpark/3cx-translator/internal/eventlog"
	"github.com/luminalpark/3cx-translator/internal/provider"
)

const (
	// maxReconnects is the number of reconnect attempts allowed between two
	// completed turns.
	maxReconnects = 1

	periodicPoll = 100 * time.Millisecond
)

var (
	errIdleTimeout  = errors.New("provider idle timeout")
	errStreamLost   = errors.New("provider stream lost")
	errChannelEnded = errors.New("provider channel ended")
	errNotReady     = errors.New("provider not ready")
)

func isIdleTimeout(err error) bool { return errors.Is(err, errIdleTimeout) }
func isStreamLost(err error) bool  { return errors.Is(err, errStreamLost) }

// stream is one streaming episode: a provider channel (replaced on
// reconnect), the outbound queue and the send and receive loops.
type stream struct {
	s      *Session
	cfg    provider.Config
	queue  *queue
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu sync.Mutex
	ch provider.Channel

	stopping atomic.Bool
	stopOnce sync.Once

	// Receive loop only.
	failures  int
	lastEvent time.Time
}

// startStream connects a provider channel and starts both loops.
func (s *Session) startStream() (*stream, error) {
	ctx, cancel := context.WithCancel(s.ctx)
	st := &stream{
		s:      s,
		cfg:    s.providerConfig(s.turn.Mode()),
		queue:  newQueue(s.cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	ch, err := st.connect()
	if err != nil {
		cancel()
		return nil, err
	}
	st.ch = ch

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return st.sendLoop(gctx) })
	g.Go(func() error { return st.recvLoop(gctx) })

	go func() {
		err := g.Wait()
		st.closeChannel()
		close(st.done)
		if err != nil && !st.stopping.Load() {
			s.streamEnded(st, err)
		}
	}()

	return st, nil
}

// readiness resolves once with the outcome of a provider connect.
type readiness struct {
	done chan struct{}
	ch   provider.Channel
	err  error
}

// connect opens a channel, waiting at most ReadyTimeout for the provider
// to become ready. A channel that arrives after the deadline is closed.
func (st *stream) connect() (provider.Channel, error) {
	timeout := st.s.cfg.ReadyTimeout
	ctx, cancel := context.WithTimeout(st.ctx, timeout)
	defer cancel()

	r := &readiness{done: make(chan struct{})}
	go func() {
		r.ch, r.err = st.s.prov.Connect(ctx, st.cfg)
		close(r.done)
	}()

	select {
	case <-r.done:
		if r.err != nil {
			return nil, r.err
		}
		return r.ch, nil
	case <-ctx.Done():
		go func() {
			<-r.done
			if r.ch != nil {
				_ = r.ch.Close()
			}
		}()
		if st.ctx.Err() != nil {
			return nil, st.ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", errNotReady, timeout)
	}
}

func (st *stream) channel() provider.Channel {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ch
}

func (st *stream) setChannel(ch provider.Channel) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.ch = ch
}

// closeChannel releases the current channel exactly once.
func (st *stream) closeChannel() {
	st.mu.Lock()
	ch := st.ch
	st.ch = nil
	st.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
}

// stop ends the stream and waits for both loops. Safe to call repeatedly.
func (st *stream) stop() {
	st.stopOnce.Do(func() {
		st.stopping.Store(true)
		st.cancel()
		st.queue.clear()
		st.queue.stop()
	})
	<-st.done
}

// sendLoop is the only consumer of the queue. Audio and signals reach the
// provider in the order they were queued.
func (st *stream) sendLoop(ctx context.Context) error {
	poll := st.s.cfg.PollInterval
	periodic := st.s.turn.Mode() == ModePeriodic
	if periodic && periodicPoll < poll {
		poll = periodicPoll
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case it := <-st.queue.items:
			if it.sentinel {
				return nil
			}
			st.forward(ctx, it)
		case <-ticker.C:
			if st.stopping.Load() {
				return nil
			}
			if periodic && st.s.turn.PeriodicDue(st.s.cfg.PeriodicInterval) {
				if !st.drain(ctx) {
					return nil
				}
				st.forward(ctx, item{signal: provider.SignalActivityEnd})
			}
		}
	}
}

// drain forwards what is already queued. It returns false when it met the
// stop sentinel.
func (st *stream) drain(ctx context.Context) bool {
	for {
		select {
		case it := <-st.queue.items:
			if it.sentinel {
				return false
			}
			st.forward(ctx, it)
		default:
			return true
		}
	}
}

func (st *stream) forward(ctx context.Context, it item) {
	ch := st.channel()
	if ch == nil {
		return
	}
	s := st.s

	if it.audio != nil {
		pcm, err := audio.ResamplePCM16(it.audio, s.cfg.ClientRate, s.prov.InputRate())
		if err != nil {
			s.logger.Warnf("relay: dropping client audio: %v", err)
			return
		}
		if err := ch.SendAudio(ctx, pcm); err != nil {
			st.sendFailed("audio", err)
			return
		}
		s.stats.chunksSent.Add(1)
		s.stats.inputAudio.Add(int64(audio.Duration(len(pcm), s.prov.InputRate())))
		return
	}

	if err := ch.SendSignal(ctx, it.signal); err != nil {
		if errors.Is(err, provider.ErrUnsupportedSignal) {
			s.logger.Debugf("relay: %s not supported by %s", it.signal, s.prov.Name())
			if it.signal == provider.SignalCancelResponse {
				s.turn.Unsuppress()
			}
			return
		}
		st.sendFailed(it.signal.String(), err)
	}
}

// sendFailed logs a send error unless the channel is already going away;
// the receive loop handles the channel ending.
func (st *stream) sendFailed(what string, err error) {
	if st.ctx.Err() != nil || errors.Is(err, provider.ErrClosed) {
		return
	}
	st.s.logger.Warnf("relay: failed to send %s: %v", what, err)
}

func (st *stream) recvLoop(ctx context.Context) error {
	ch := st.channel()
	if ch == nil {
		return nil
	}
	events := ch.Events()

	ticker := time.NewTicker(st.s.cfg.PollInterval)
	defer ticker.Stop()
	st.lastEvent = time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil || st.stopping.Load() {
					return nil
				}
				next, err := st.recover(ctx, ch)
				if err != nil || next == nil {
					return err
				}
				ch = next
				events = ch.Events()
				st.lastEvent = time.Now()
				continue
			}
			st.lastEvent = time.Now()
			st.s.handleEvent(st, ev)

		case <-ticker.C:
			if st.s.turn.Expire(st.s.cfg.ResponseTimeout) {
				st.responseTimedOut(ctx)
			}
			if idle := st.s.cfg.IdleTimeout; idle > 0 && time.Since(st.lastEvent) >= idle {
				return errIdleTimeout
			}
		}
	}
}

func (st *stream) responseTimedOut(ctx context.Context) {
	s := st.s
	s.logger.Warnf("relay: no response within %s, turn discarded", s.cfg.ResponseTimeout)
	s.sendError(newError(CodeProviderTimeout, nil, "no response from provider within %s", s.cfg.ResponseTimeout))
	s.events.LogAsync(s.id, eventlog.EventTurnDiscarded, map[string]any{"reason": "response_timeout"})
	st.queue.clear()
	if err := st.queue.pushSignal(ctx, provider.SignalCancelResponse); err != nil {
		s.logger.Debugf("relay: cancel not queued: %v", err)
	}
}

// recover replaces a channel that ended on its own. It returns the new
// channel, nil when the stream is stopping, or an errStreamLost error.
func (st *stream) recover(ctx context.Context, dead provider.Channel) (provider.Channel, error) {
	s := st.s
	cause := dead.Err()
	if cause == nil {
		cause = errChannelEnded
	}
	st.failures++

	s.logger.Warnf("relay: provider stream ended (attempt %d): %v", st.failures, cause)
	s.captureError(cause, "relay: provider stream error")
	s.events.LogAsync(s.id, eventlog.EventProviderError, map[string]any{
		"stage":   "stream",
		"error":   cause.Error(),
		"attempt": st.failures,
	})
	s.sendError(newError(CodeProviderStream, cause, "provider stream interrupted"))

	if s.turn.Discard(false) {
		s.events.LogAsync(s.id, eventlog.EventTurnDiscarded, map[string]any{"reason": "stream_error"})
	}
	st.queue.clear()
	st.closeChannel()

	if st.failures > maxReconnects {
		return nil, fmt.Errorf("%w: %v", errStreamLost, cause)
	}

	if d := s.cfg.ReconnectDelay; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, nil
		}
	}

	ch, err := st.connect()
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: reconnect: %v", errStreamLost, err)
	}
	st.setChannel(ch)
	if st.stopping.Load() {
		st.closeChannel()
		return nil, nil
	}

	s.turn.Reset()
	s.logger.Infof("relay: provider stream reconnected")
	s.events.LogAsync(s.id, eventlog.EventStreamReconnected, map[string]any{"attempt": st.failures})
	return ch, nil
}
