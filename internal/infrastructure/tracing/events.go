package tracing

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/channels/internal/shared/id"
)

// EventKind names a channel diagnostic event
type EventKind string

const (
	EventConnect         EventKind = "connect"
	EventDispose         EventKind = "dispose"
	EventFree            EventKind = "free"
	EventRelease         EventKind = "release"
	EventMove            EventKind = "move"
	EventTransferBlock   EventKind = "transfer_block"
	EventTransferContent EventKind = "transfer_content"
	EventNotify          EventKind = "notify"
)

// Event is one {kind, channel, process} diagnostic record.
type Event struct {
	ID        id.EventID `json:"id"`
	Kind      EventKind  `json:"kind"`
	ChannelID int64      `json:"channel_id"`
	ProcessID uint32     `json:"process_id"`
	Detail    string     `json:"detail,omitempty"`
	Time      time.Time  `json:"time"`
}

// Sink receives every emitted event on the collector goroutine.
type Sink interface {
	Write(Event) error
}

// EmitterStats holds emitter counters
type EmitterStats struct {
	Emitted     uint64 `json:"emitted"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

// Emitter fans channel events out to the log, sinks and live subscribers.
// Emit never blocks: a full buffer drops the event and counts it.
type Emitter struct {
	logger *zap.Logger
	sinks  []Sink

	mu     sync.RWMutex
	events chan Event
	closed bool

	subMu   sync.RWMutex
	subs    map[uint64]chan Event
	nextSub uint64

	emitted atomic.Uint64
	dropped atomic.Uint64
	done    chan struct{}
}

// NewEmitter starts an emitter with a buffer of the given size
func NewEmitter(logger *zap.Logger, buffer int, sinks ...Sink) *Emitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	e := &Emitter{
		logger: logger,
		sinks:  sinks,
		events: make(chan Event, buffer),
		subs:   make(map[uint64]chan Event),
		done:   make(chan struct{}),
	}
	go e.collect()
	return e
}

// Emit queues ev. ID and Time are filled in when unset.
func (e *Emitter) Emit(ev Event) {
	if ev.ID == "" {
		ev.ID = id.NewEventID()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.dropped.Add(1)
		return
	}
	select {
	case e.events <- ev:
		e.emitted.Add(1)
	default:
		e.dropped.Add(1)
	}
}

// Subscribe returns a channel receiving events emitted from now on and a
// cancel func. A slow subscriber misses events rather than stalling others.
func (e *Emitter) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	e.subMu.Lock()
	e.nextSub++
	key := e.nextSub
	e.subs[key] = ch
	e.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subMu.Lock()
			if _, ok := e.subs[key]; ok {
				delete(e.subs, key)
				close(ch)
			}
			e.subMu.Unlock()
		})
	}
}

func (e *Emitter) collect() {
	defer close(e.done)
	for ev := range e.events {
		e.logger.Debug("channel event",
			zap.String("event_id", ev.ID.String()),
			zap.String("kind", string(ev.Kind)),
			zap.Int64("channel_id", ev.ChannelID),
			zap.Uint32("process_id", ev.ProcessID),
		)

		for _, s := range e.sinks {
			if err := s.Write(ev); err != nil {
				e.logger.Warn("event sink write failed", zap.Error(err))
			}
		}

		e.subMu.RLock()
		for _, ch := range e.subs {
			select {
			case ch <- ev:
			default:
			}
		}
		e.subMu.RUnlock()
	}
}

// Stats returns the emitter counters
func (e *Emitter) Stats() EmitterStats {
	e.subMu.RLock()
	subs := len(e.subs)
	e.subMu.RUnlock()
	return EmitterStats{
		Emitted:     e.emitted.Load(),
		Dropped:     e.dropped.Load(),
		Subscribers: subs,
	}
}

// Close drains queued events, closes subscriber channels and closes every
// sink implementing io.Closer.
func (e *Emitter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.events)
	e.mu.Unlock()

	<-e.done

	e.subMu.Lock()
	for key, ch := range e.subs {
		delete(e.subs, key)
		close(ch)
	}
	e.subMu.Unlock()

	var err error
	for _, s := range e.sinks {
		if c, ok := s.(io.Closer); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}
