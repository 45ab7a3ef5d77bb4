// Package bus provides the ordered, durable, replayable message channel
// between workers and the coordinator. The log is append-only: messages
// are never mutated after publication, and replay from any watermark is
// idempotent. Delivery is at-least-once; consumers dedupe by Seq.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/gantry-dev/gantry/pkg/models"
)

// Predicate filters messages for a subscriber. A nil predicate matches
// every message.
type Predicate func(models.Message) bool

// Journal persists the message log. The bus appends every published
// message and replays the journal on startup so a resumed run continues
// the sequence where it left off.
type Journal interface {
	// Append durably records one message.
	Append(msg models.Message) error
	// Replay returns all recorded messages with Seq >= fromSeq, in order.
	Replay(fromSeq uint64) ([]models.Message, error)
	// Close releases the journal.
	Close() error
}

// Bus is the in-process message log plus live fan-out. Publish never
// blocks on subscribers: live delivery waits on each subscriber's own
// goroutine, and a slow consumer can always catch up via replay.
type Bus struct {
	mu      sync.Mutex
	cond    *sync.Cond
	log     []models.Message
	nextSeq uint64
	journal Journal
	closed  bool
	now     func() time.Time
}

// New creates a bus. A non-nil journal is replayed to seed the log, so
// the sequence continues across restarts; pass nil for a purely
// in-memory bus.
func New(journal Journal) (*Bus, error) {
	b := &Bus{nextSeq: 1, journal: journal, now: time.Now}
	b.cond = sync.NewCond(&b.mu)

	if journal != nil {
		replayed, err := journal.Replay(1)
		if err != nil {
			return nil, fmt.Errorf("replay journal: %w", err)
		}
		b.log = replayed
		if n := len(replayed); n > 0 {
			b.nextSeq = replayed[n-1].Seq + 1
		}
	}
	return b, nil
}

// Publish assigns the next sequence number, stamps the message, appends
// it to the log and journal, and wakes subscribers. It never blocks on a
// consumer.
func (b *Bus) Publish(msg models.Message) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, fmt.Errorf("publish: bus closed")
	}

	msg.Seq = b.nextSeq
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now()
	}

	if b.journal != nil {
		if err := b.journal.Append(msg); err != nil {
			return 0, fmt.Errorf("journal append: %w", err)
		}
	}

	b.log = append(b.log, msg)
	b.nextSeq++
	b.cond.Broadcast()
	return msg.Seq, nil
}

// Replay returns a copy of the log suffix with Seq >= fromSeq matching
// the predicate. Replaying the same watermark always yields the same
// messages.
func (b *Bus) Replay(fromSeq uint64, pred Predicate) []models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []models.Message
	for _, msg := range b.log {
		if msg.Seq < fromSeq {
			continue
		}
		if pred == nil || pred(msg) {
			out = append(out, msg)
		}
	}
	return out
}

// LastSeq returns the highest sequence number published so far, or 0.
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq - 1
}

// Subscription is a lazy, restartable message stream. Cancel releases
// the subscriber; the channel closes when the subscription ends.
type Subscription struct {
	// C delivers matching messages in seq order.
	C <-chan models.Message

	bus  *Bus
	done chan struct{}
	once sync.Once
}

// Cancel stops the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		close(s.done)
		// Wake the subscriber goroutine if it is waiting for messages.
		s.bus.mu.Lock()
		s.bus.cond.Broadcast()
		s.bus.mu.Unlock()
	})
}

// Subscribe streams messages with Seq >= fromSeq matching the predicate:
// first the existing backlog, then live messages as they are published.
// Restarting a consumer is just a new Subscribe with its last processed
// seq + 1 as the watermark.
func (b *Bus) Subscribe(fromSeq uint64, pred Predicate, bufSize int) *Subscription {
	if bufSize <= 0 {
		bufSize = 64
	}
	ch := make(chan models.Message, bufSize)
	sub := &Subscription{C: ch, bus: b, done: make(chan struct{})}

	go func() {
		defer close(ch)
		cursor := fromSeq
		if cursor == 0 {
			cursor = 1
		}

		for {
			b.mu.Lock()
			for !b.closed && cursor >= b.nextSeq && !cancelled(sub) {
				b.cond.Wait()
			}
			if cancelled(sub) || (b.closed && cursor >= b.nextSeq) {
				b.mu.Unlock()
				return
			}

			var batch []models.Message
			for _, msg := range b.log {
				if msg.Seq < cursor {
					continue
				}
				if pred == nil || pred(msg) {
					batch = append(batch, msg)
				}
			}
			cursor = b.nextSeq
			b.mu.Unlock()

			for _, msg := range batch {
				select {
				case ch <- msg:
				case <-sub.done:
					return
				}
			}
		}
	}()

	return sub
}

func cancelled(s *Subscription) bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close stops the bus. Subscribers drain what was published before the
// close and then see their channels closed.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()

	if b.journal != nil {
		return b.journal.Close()
	}
	return nil
}
