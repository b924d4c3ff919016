package relay

import (
	"context"
	"sync/atomic"

	"github.com/luminalpark/3cx-translator/internal/provider"
)

// item is one entry of the outbound queue: client audio, a control signal
// or the stop sentinel.
type item struct {
	audio    []byte
	signal   provider.Signal
	sentinel bool
}

// queue is the bounded FIFO between the transport goroutine (producer) and
// the send loop (sole consumer). Audio that does not fit is dropped; signals
// wait for room so turn boundaries are never lost.
type queue struct {
	items       chan item
	overflowing atomic.Bool
	dropped     atomic.Int64
}

func newQueue(size int) *queue {
	if size <= 0 {
		size = 1
	}
	return &queue{items: make(chan item, size)}
}

// pushAudio enqueues pcm without blocking. On overflow the chunk is
// dropped; burst is true for the first drop after a successful push.
func (q *queue) pushAudio(pcm []byte) (ok, burst bool) {
	select {
	case q.items <- item{audio: pcm}:
		q.overflowing.Store(false)
		return true, false
	default:
		q.dropped.Add(1)
		return false, q.overflowing.CompareAndSwap(false, true)
	}
}

// pushSignal enqueues sig, waiting for room until ctx is done.
func (q *queue) pushSignal(ctx context.Context, sig provider.Signal) error {
	select {
	case q.items <- item{signal: sig}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// clear drops everything queued and returns how many items were removed.
func (q *queue) clear() int {
	n := 0
	for {
		select {
		case it := <-q.items:
			if it.sentinel {
				// Keep the stop request.
				q.stop()
				return n
			}
			n++
		default:
			return n
		}
	}
}

// stop wakes the send loop with the sentinel. Callers clear the queue
// first; if a racing producer fills it, the send loop still exits through
// its context.
func (q *queue) stop() {
	select {
	case q.items <- item{sentinel: true}:
	default:
	}
}

func (q *queue) len() int {
	return len(q.items)
}
