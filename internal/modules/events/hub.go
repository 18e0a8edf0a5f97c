// README: In-process event hub: topic registry, replay ring and an async sink queue.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tomo/internal/metrics"
)

// Sink receives every locally published event off the request path.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev OrderEvent) error
}

type HubConfig struct {
	// Buffer is the per-subscriber channel size.
	Buffer int
	// History is how many recent events are kept for reconnect replay.
	History int
	// SinkQueue bounds events waiting for sinks.
	SinkQueue int
	// Origin identifies this instance on shared relays.
	Origin      string
	SinkTimeout time.Duration
}

type Hub struct {
	cfg HubConfig
	log *slog.Logger

	mu   sync.RWMutex
	seq  uint64
	ring []OrderEvent
	subs map[Topic]map[*Subscriber]struct{}

	sinks []Sink
	sinkq chan OrderEvent
}

type Subscriber struct {
	hub    *Hub
	topics []Topic
	ch     chan OrderEvent
	lagged atomic.Bool
	once   sync.Once
}

func NewHub(cfg HubConfig, log *slog.Logger) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.History <= 0 {
		cfg.History = 1024
	}
	if cfg.SinkQueue <= 0 {
		cfg.SinkQueue = 1024
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		cfg:   cfg,
		log:   log,
		subs:  make(map[Topic]map[*Subscriber]struct{}),
		sinkq: make(chan OrderEvent, cfg.SinkQueue),
	}
}

func (h *Hub) Origin() string { return h.cfg.Origin }

// AddSink registers a sink. Call before Run.
func (h *Hub) AddSink(s Sink) {
	h.sinks = append(h.sinks, s)
}

// Publish numbers the event, delivers it to local subscribers and queues it
// for sinks. It never blocks on a slow consumer.
func (h *Hub) Publish(ev OrderEvent) {
	ev.Origin = h.cfg.Origin
	ev = h.dispatch(ev)
	if len(h.sinks) == 0 {
		return
	}
	select {
	case h.sinkq <- ev:
	default:
		metrics.EventsDroppedTotal.WithLabelValues("sink_queue").Inc()
		h.log.Warn("event sink queue full, dropping", "order_id", ev.OrderID, "seq", ev.Seq)
	}
}

// Inject delivers an event received from another instance to local
// subscribers only.
func (h *Hub) Inject(ev OrderEvent) {
	h.dispatch(ev)
}

func (h *Hub) dispatch(ev OrderEvent) OrderEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	ev.Seq = h.seq
	h.ring = append(h.ring, ev)
	if len(h.ring) > h.cfg.History {
		h.ring = h.ring[len(h.ring)-h.cfg.History:]
	}
	metrics.EventsPublishedTotal.Inc()

	delivered := map[*Subscriber]bool{}
	for _, t := range TopicsFor(ev) {
		for sub := range h.subs[t] {
			if delivered[sub] {
				continue
			}
			delivered[sub] = true
			select {
			case sub.ch <- ev:
			default:
				sub.lagged.Store(true)
				metrics.EventsDroppedTotal.WithLabelValues("subscriber").Inc()
			}
		}
	}
	return ev
}

// Subscribe registers interest in topics from now on.
func (h *Hub) Subscribe(topics ...Topic) *Subscriber {
	sub, _, _ := h.SubscribeFrom(0, topics...)
	return sub
}

// SubscribeFrom registers a subscriber and, when since > 0, returns the
// buffered events after since atomically with the registration so nothing
// falls between replay and live delivery. ok is false when the history no
// longer covers since and the caller must resync.
func (h *Hub) SubscribeFrom(since uint64, topics ...Topic) (*Subscriber, []OrderEvent, bool) {
	sub := &Subscriber{hub: h, topics: topics, ch: make(chan OrderEvent, h.cfg.Buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range topics {
		set, ok := h.subs[t]
		if !ok {
			set = make(map[*Subscriber]struct{})
			h.subs[t] = set
		}
		set[sub] = struct{}{}
	}
	metrics.ActiveSubscribers.Inc()

	if since == 0 {
		return sub, nil, true
	}
	missed, ok := h.sinceLocked(since, topics)
	return sub, missed, ok
}

// Since returns buffered events after seq that match topics. It backs the
// polling fallback.
func (h *Hub) Since(seq uint64, topics ...Topic) ([]OrderEvent, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sinceLocked(seq, topics)
}

// Seq is the last assigned sequence number.
func (h *Hub) Seq() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

func (h *Hub) sinceLocked(seq uint64, topics []Topic) ([]OrderEvent, bool) {
	if seq == h.seq {
		return nil, true
	}
	// A cursor ahead of us comes from before a restart.
	if seq > h.seq || len(h.ring) == 0 || h.ring[0].Seq > seq+1 {
		return nil, false
	}
	want := make(map[Topic]bool, len(topics))
	for _, t := range topics {
		want[t] = true
	}
	var out []OrderEvent
	for _, ev := range h.ring {
		if ev.Seq <= seq {
			continue
		}
		for _, t := range TopicsFor(ev) {
			if want[t] {
				out = append(out, ev)
				break
			}
		}
	}
	return out, true
}

func (h *Hub) unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range sub.topics {
		if set, ok := h.subs[t]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, t)
			}
		}
	}
	metrics.ActiveSubscribers.Dec()
}

// Run drains the sink queue until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-h.sinkq:
			for _, s := range h.sinks {
				sctx, cancel := context.WithTimeout(ctx, h.cfg.SinkTimeout)
				if err := s.Deliver(sctx, ev); err != nil {
					metrics.SinkFailuresTotal.WithLabelValues(s.Name()).Inc()
					h.log.Warn("event sink failed", "sink", s.Name(), "order_id", ev.OrderID, "seq", ev.Seq, "err", err)
				}
				cancel()
			}
		}
	}
}

func (s *Subscriber) C() <-chan OrderEvent { return s.ch }

// TakeLagged reports whether events were dropped since the last call.
func (s *Subscriber) TakeLagged() bool {
	return s.lagged.Swap(false)
}

func (s *Subscriber) Close() {
	s.once.Do(func() { s.hub.unsubscribe(s) })
}
