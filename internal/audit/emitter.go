package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/straja-ai/cxrlens/internal/redact"
	"github.com/straja-ai/cxrlens/internal/telemetry"
)

const (
	defaultQueueSize = 1000
	defaultDrain     = 2 * time.Second
)

// Sink consumes audit events (file, webhook, memory).
type Sink interface {
	Name() string
	Deliver(context.Context, *Event) error
	Close(context.Context) error
}

// Outcome is what happened to an event on its way to the sinks.
type Outcome string

const (
	OutcomeQueued    Outcome = "queued"
	OutcomeDropped   Outcome = "dropped"
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
)

type tally struct {
	kind    Kind
	outcome Outcome
	sink    string
}

// Stats is a copy of the emitter counters. Queued and dropped events are counted
// per kind, delivered and failed ones per kind and sink.
type Stats struct {
	counts map[tally]uint64
}

// Count sums the counters for outcome. An empty kind or sink matches all.
func (s Stats) Count(outcome Outcome, kind Kind, sink string) uint64 {
	var n uint64
	for t, v := range s.counts {
		if t.outcome != outcome || (kind != "" && t.kind != kind) || (sink != "" && t.sink != sink) {
			continue
		}
		n += v
	}
	return n
}

func (s Stats) Queued(kind Kind) uint64  { return s.Count(OutcomeQueued, kind, "") }
func (s Stats) Dropped(kind Kind) uint64 { return s.Count(OutcomeDropped, kind, "") }

func (s Stats) Delivered(sink string, kind Kind) uint64 {
	return s.Count(OutcomeDelivered, kind, sink)
}

func (s Stats) Failed(sink string, kind Kind) uint64 {
	return s.Count(OutcomeFailed, kind, sink)
}

// EmitterConfig controls queue sizing and where delivery counters are reported.
type EmitterConfig struct {
	QueueSize       int
	Workers         int
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	Telemetry       *telemetry.Provider
}

// Emitter hands events to a bounded queue drained by background workers, so a slow
// sink never delays a diagnosis. Events that do not fit are dropped and counted.
type Emitter struct {
	events    chan *Event
	sinks     []Sink
	drain     time.Duration
	logger    *slog.Logger
	tel       *telemetry.Provider
	stopGauge func()
	workers   sync.WaitGroup

	// mu orders Emit against Close so nothing is sent on a closed queue.
	mu     sync.RWMutex
	closed bool

	statsMu sync.Mutex
	counts  map[tally]uint64
}

// NewEmitter starts cfg.Workers goroutines delivering every event to each sink in turn.
func NewEmitter(cfg EmitterConfig, sinks []Sink) *Emitter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultDrain
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Emitter{
		events: make(chan *Event, cfg.QueueSize),
		sinks:  sinks,
		drain:  cfg.ShutdownTimeout,
		logger: cfg.Logger.With("component", "audit"),
		tel:    cfg.Telemetry,
		counts: make(map[tally]uint64),
	}
	e.stopGauge = e.tel.ObserveAuditQueue(e.Pending)
	e.workers.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go e.run()
	}
	return e
}

// Emit queues ev without blocking. When the queue is full or the emitter is closed
// the event is dropped.
func (e *Emitter) Emit(ctx context.Context, ev *Event) {
	if e == nil || ev == nil {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	outcome := OutcomeDropped
	if !e.closed {
		select {
		case e.events <- ev:
			outcome = OutcomeQueued
		default:
		}
	}
	if outcome == OutcomeDropped {
		e.logger.Debug("audit event dropped", "kind", ev.Kind, "event_id", ev.ID, "closed", e.closed)
	}
	e.count(ctx, ev.Kind, outcome, "")
}

// Pending is the number of events waiting for a worker.
func (e *Emitter) Pending() int {
	if e == nil {
		return 0
	}
	return len(e.events)
}

// Stats copies the delivery counters.
func (e *Emitter) Stats() Stats {
	if e == nil {
		return Stats{}
	}
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	out := Stats{counts: make(map[tally]uint64, len(e.counts))}
	for k, v := range e.counts {
		out.counts[k] = v
	}
	return out
}

// Close rejects new events, gives the workers up to the shutdown timeout to empty
// the queue and then closes every sink. Calling it again is a no-op.
func (e *Emitter) Close(ctx context.Context) {
	if e == nil {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.events)
	e.mu.Unlock()
	defer e.stopGauge()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, e.drain)
	defer cancel()

	drained := make(chan struct{})
	go func() {
		e.workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		e.logger.Warn("audit queue not drained before shutdown", "pending", len(e.events))
	}

	for _, s := range e.sinks {
		if err := s.Close(ctx); err != nil {
			e.logger.Error("audit sink close failed", "sink", redact.String(s.Name()), redact.Attr("error", err.Error()))
		}
	}
}

func (e *Emitter) run() {
	defer e.workers.Done()
	ctx := context.Background()
	for ev := range e.events {
		for _, s := range e.sinks {
			outcome := OutcomeDelivered
			if err := s.Deliver(ctx, ev); err != nil {
				outcome = OutcomeFailed
				e.logger.Error("audit delivery failed", "sink", redact.String(s.Name()), "kind", ev.Kind,
					"event_id", ev.ID, redact.Attr("error", err.Error()))
			}
			e.count(ctx, ev.Kind, outcome, s.Name())
		}
	}
}

func (e *Emitter) count(ctx context.Context, kind Kind, outcome Outcome, sink string) {
	e.statsMu.Lock()
	e.counts[tally{kind: kind, outcome: outcome, sink: sink}]++
	e.statsMu.Unlock()
	e.tel.RecordAuditEvent(ctx, string(kind), string(outcome), sink)
}
