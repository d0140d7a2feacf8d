package ticks

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/gregtusar/brokerd/internal/metrics"
	"github.com/gregtusar/brokerd/pkg/bus"
	"github.com/sirupsen/logrus"
)

// Forwarder republishes every tick on the pub/sub bus. It is an ordinary
// subscriber, so a slow bus only ever loses its own oldest events.
type Forwarder struct {
	sub     *Subscription
	pub     bus.Publisher
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *logrus.Entry

	published atomic.Uint64
	failed    atomic.Uint64
}

func NewForwarder(p *Pipeline, pub bus.Publisher, buffer int, publishTimeout time.Duration, m *metrics.Metrics, logger *logrus.Logger) *Forwarder {
	if buffer <= 0 {
		buffer = p.buffer
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Forwarder{
		sub:     p.SubscribeBuffered("bus", buffer, nil),
		pub:     pub,
		timeout: publishTimeout,
		metrics: m,
		logger:  logger.WithField("component", "bus-forwarder"),
	}
}

// Run publishes until ctx is done, then detaches from the pipeline.
func (f *Forwarder) Run(ctx context.Context) {
	defer f.sub.Close()
	for {
		ev, err := f.sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrSubscriptionClosed) {
				f.logger.WithError(err).Warn("Forwarder stopped")
			}
			return
		}

		pctx, cancel := ctx, context.CancelFunc(func() {})
		if f.timeout > 0 {
			pctx, cancel = context.WithTimeout(ctx, f.timeout)
		}
		err = f.pub.Publish(pctx, ev.Channel(), ev)
		cancel()
		if err != nil {
			// Errors during shutdown are expected.
			if ctx.Err() != nil {
				return
			}
			if f.failed.Add(1)%1000 == 1 {
				f.logger.WithError(err).WithField("channel", ev.Channel()).Warn("Failed to publish tick")
			}
			f.metrics.BusPublishErrors.Inc()
			continue
		}
		f.published.Add(1)
	}
}

func (f *Forwarder) Published() uint64 { return f.published.Load() }
func (f *Forwarder) Failed() uint64    { return f.failed.Load() }
func (f *Forwarder) Dropped() uint64   { return f.sub.Dropped() }
