// Package eventbus decouples the mirror pipelines from their observers:
// the forwarder and fetch engine publish what they did, and audit or
// ops-log subscribers consume at their own pace.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the suite.
const (
	TopicForwarded    = "forward.sent"
	TopicForwardSkip  = "forward.skipped"
	TopicFetchSynced  = "fetch.synced"
	TopicRelayed      = "relay.sent"
	TopicPingSent     = "ping.sent"
	TopicConfigReload = "config.reloaded"
)

// Event is an in-memory signal. Publish never blocks; a subscriber
// that falls behind its buffer loses events rather than stalling the
// pipeline. Data stays small and JSON-serializable.
type Event struct {
	Topic string
	Time  time.Time
	Data  map[string]any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns the in-memory fanout bus. It owns no goroutines; each
// subscriber drains its own channel.
func New() Bus {
	return &fanout{subs: map[uint64]chan Event{}}
}

type fanout struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot so Publish holds no lock while delivering.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// An unsubscribe can close the channel between the snapshot and
		// the send; the recover absorbs that race.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
