// Package ticks turns raw stream payloads into ordered TickEvents and fans
// them out to independent subscribers.
package ticks

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gregtusar/brokerd/internal/metrics"
	"github.com/gregtusar/brokerd/pkg/instruments"
	"github.com/gregtusar/brokerd/pkg/models"
	"github.com/sirupsen/logrus"
)

type Config struct {
	SubscriberBuffer int
}

type Stats struct {
	Received    uint64 `json:"received"`
	Malformed   uint64 `json:"malformed"`
	Unknown     uint64 `json:"unknown"`
	OutOfOrder  uint64 `json:"out_of_order"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

// sequence is per-instrument ordering state.
type sequence struct {
	seq      uint64
	exchTime time.Time
}

// Pipeline must receive OnRawTick calls from a single goroutine, the dispatch
// loop; Subscribe and Close may be called from anywhere.
type Pipeline struct {
	lookup  instruments.Lookup
	buffer  int
	metrics *metrics.Metrics
	logger  *logrus.Entry
	now     func() time.Time

	// owned by the dispatch loop
	sequences map[uint32]*sequence

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	received   atomic.Uint64
	malformed  atomic.Uint64
	unknown    atomic.Uint64
	outOfOrder atomic.Uint64
	dropped    atomic.Uint64
}

func NewPipeline(cfg Config, lookup instruments.Lookup, m *metrics.Metrics, logger *logrus.Logger) *Pipeline {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 1024
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Pipeline{
		lookup:    lookup,
		buffer:    cfg.SubscriberBuffer,
		metrics:   m,
		logger:    logger.WithField("component", "ticks"),
		now:       time.Now,
		sequences: make(map[uint32]*sequence),
		subs:      make(map[uint64]*Subscription),
	}
}

// OnRawTick decodes, sequences and broadcasts one payload received on connID.
// A malformed payload is dropped whole; unknown or stale instruments are
// dropped individually.
func (p *Pipeline) OnRawTick(connID string, payload []byte) {
	quotes, err := Decode(payload)
	if err != nil {
		p.malformed.Add(1)
		p.metrics.TicksDiscarded.WithLabelValues("malformed").Inc()
		p.logger.WithError(err).WithFields(logrus.Fields{
			"connection": connID,
			"bytes":      len(payload),
		}).Debug("Discarding tick payload")
		return
	}

	received := p.now()
	for i := range quotes {
		q := &quotes[i]
		inst, ok := p.lookup.ByToken(q.Token)
		if !ok {
			p.unknown.Add(1)
			p.metrics.TicksDiscarded.WithLabelValues("unknown_instrument").Inc()
			continue
		}

		st := p.sequences[q.Token]
		if st == nil {
			st = &sequence{}
			p.sequences[q.Token] = st
		}
		if !q.ExchangeTime.IsZero() && q.ExchangeTime.Before(st.exchTime) {
			p.outOfOrder.Add(1)
			p.metrics.TicksDiscarded.WithLabelValues("out_of_order").Inc()
			continue
		}
		st.seq++
		if !q.ExchangeTime.IsZero() {
			st.exchTime = q.ExchangeTime
		}

		ev := models.TickEvent{
			Instrument:   inst,
			Seq:          st.seq,
			LastPrice:    q.LastPrice,
			LastQuantity: q.LastQuantity,
			AveragePrice: q.AveragePrice,
			Volume:       q.Volume,
			BestBid:      q.bestBid(),
			BestAsk:      q.bestAsk(),
			Depth:        q.Depth,
			OpenInterest: q.OpenInterest,
			ExchangeTime: q.ExchangeTime,
			ReceivedAt:   received,
		}
		p.received.Add(1)
		p.metrics.TicksReceived.Inc()
		p.broadcast(ev)
	}
}

func (p *Pipeline) broadcast(ev models.TickEvent) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.subs {
		if s.filter != nil && !s.filter(&ev) {
			continue
		}
		s.push(ev)
	}
}

// Subscribe attaches a consumer with its own bounded buffer. name labels the
// consumer in metrics.
func (p *Pipeline) Subscribe(name string, filter Filter) *Subscription {
	return p.SubscribeBuffered(name, p.buffer, filter)
}

// SubscribeBuffered is Subscribe with an explicit buffer size.
func (p *Pipeline) SubscribeBuffered(name string, size int, filter Filter) *Subscription {
	dropCounter := p.metrics.TicksDropped.WithLabelValues(name)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := p.nextID
	s := newSubscription(id, name, size, filter, func() {
		p.dropped.Add(1)
		dropCounter.Inc()
	})
	s.cancel = func() { p.unsubscribe(id) }
	p.subs[id] = s
	p.logger.WithFields(logrus.Fields{
		"subscriber": name,
		"buffer":     size,
	}).Debug("Tick subscriber attached")
	return s
}

func (p *Pipeline) unsubscribe(id uint64) {
	p.mu.Lock()
	delete(p.subs, id)
	p.mu.Unlock()
}

// Stats is safe to call from any goroutine.
func (p *Pipeline) Stats() Stats {
	p.mu.RLock()
	n := len(p.subs)
	p.mu.RUnlock()
	return Stats{
		Received:    p.received.Load(),
		Malformed:   p.malformed.Load(),
		Unknown:     p.unknown.Load(),
		OutOfOrder:  p.outOfOrder.Load(),
		Dropped:     p.dropped.Load(),
		Subscribers: n,
	}
}
