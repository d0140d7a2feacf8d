// Package engine assembles the streaming and order components and sequences
// their startup and shutdown.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gregtusar/brokerd/internal/config"
	"github.com/gregtusar/brokerd/internal/metrics"
	"github.com/gregtusar/brokerd/pkg/broker"
	"github.com/gregtusar/brokerd/pkg/bus"
	"github.com/gregtusar/brokerd/pkg/dispatch"
	"github.com/gregtusar/brokerd/pkg/instruments"
	"github.com/gregtusar/brokerd/pkg/models"
	"github.com/gregtusar/brokerd/pkg/orders"
	"github.com/gregtusar/brokerd/pkg/pool"
	"github.com/gregtusar/brokerd/pkg/resilience"
	"github.com/gregtusar/brokerd/pkg/subscription"
	"github.com/gregtusar/brokerd/pkg/ticks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	healthInterval  = 10 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Deps overrides the collaborators New would otherwise build from config.
type Deps struct {
	Transports  broker.TransportFactory
	Orders      broker.OrderClientFactory
	Instruments *instruments.Registry
	Publisher   bus.Publisher
	Registerer  prometheus.Registerer
}

type Engine struct {
	cfg    *config.Config
	logger *logrus.Logger

	loop        *dispatch.Loop
	pool        *pool.Manager
	pipeline    *ticks.Pipeline
	forwarder   *ticks.Forwarder
	publisher   bus.Publisher
	breaker     *resilience.CircuitBreaker
	orders      *orders.Engine
	coordinator *subscription.Coordinator
	instruments *instruments.Registry
	metrics     *metrics.Metrics

	mu      sync.RWMutex
	symbols []string

	loopCancel context.CancelFunc
	workCancel context.CancelFunc
	loopDone   chan struct{}
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopCh     chan struct{}
	started    bool
}

func New(cfg *config.Config, deps Deps, logger *logrus.Logger) (*Engine, error) {
	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		symbols:  append([]string(nil), cfg.Subscriptions.Symbols...),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}

	e.metrics = metrics.New(deps.Registerer)
	e.loop = dispatch.New(cfg.Pool.DispatchQueueSize, logger)
	e.metrics.RegisterQueueGauge(deps.Registerer, func() float64 {
		return float64(e.loop.Stats().Queued)
	})

	e.instruments = deps.Instruments
	if e.instruments == nil {
		list, err := instruments.LoadFile(cfg.Broker.InstrumentsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load instruments: %w", err)
		}
		e.instruments = instruments.NewRegistry(list...)
		logger.WithFields(logrus.Fields{
			"file":        cfg.Broker.InstrumentsFile,
			"instruments": len(list),
		}).Info("Loaded instrument dump")
	}

	e.publisher = deps.Publisher
	if e.publisher == nil {
		pub, err := bus.New(bus.Config{
			Backend:      cfg.Bus.Backend,
			RedisAddr:    cfg.Bus.RedisAddr,
			RedisDB:      cfg.Bus.RedisDB,
			KafkaBrokers: cfg.Bus.KafkaBrokers,
			KafkaTopic:   cfg.Bus.KafkaTopic,
			WriteTimeout: cfg.Bus.PublishTimeout,
			OnAsyncError: func(error) { e.metrics.BusPublishErrors.Inc() },
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create bus publisher: %w", err)
		}
		e.publisher = pub
	}

	e.pipeline = ticks.NewPipeline(ticks.Config{SubscriberBuffer: cfg.Ticks.SubscriberBuffer}, e.instruments, e.metrics, logger)
	e.forwarder = ticks.NewForwarder(e.pipeline, e.publisher, cfg.Bus.Buffer, cfg.Bus.PublishTimeout, e.metrics, logger)

	transports := deps.Transports
	if transports == nil {
		transports = broker.NewTransportFactory(broker.StreamConfig{
			URL:              cfg.Broker.WSURL,
			HandshakeTimeout: cfg.Pool.DialTimeout,
			PingInterval:     cfg.Broker.PingInterval,
			StaleTimeout:     cfg.Broker.StaleTimeout,
			Mode:             cfg.Broker.Mode,
		}, logger)
	}
	orderClients := deps.Orders
	if orderClients == nil {
		orderClients = broker.NewOrderClientFactory(cfg.Broker.RESTURL, cfg.Broker.RequestTimeout)
	}

	p, err := pool.NewManager(pool.Config{
		InstrumentsPerConnection: cfg.Pool.InstrumentsPerConnection,
		DialTimeout:              cfg.Pool.DialTimeout,
		ReconnectMin:             cfg.Pool.ReconnectMin,
		ReconnectMax:             cfg.Pool.ReconnectMax,
		MaxReconnectAttempts:     cfg.Pool.MaxReconnectAttempts,
	}, cfg.AccountModels(), e.loop, transports, orderClients, e.pipeline.OnRawTick, e.metrics, logger)
	if err != nil {
		return nil, err
	}
	e.pool = p

	e.breaker = resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:             "orders",
		FailureThreshold: cfg.Orders.BreakerThreshold,
		RecoveryTimeout:  cfg.Orders.BreakerRecovery,
		IsFailure:        upstreamFailure,
		OnStateChange: func(name string, from, to resilience.State) {
			e.metrics.BreakerState.WithLabelValues(name).Set(float64(to))
		},
	}, logger)
	e.metrics.BreakerState.WithLabelValues("orders").Set(float64(resilience.StateClosed))
	invoker := resilience.NewInvoker(
		resilience.NewLimiter(cfg.Orders.RatePerSecond, cfg.Orders.Burst),
		e.breaker,
		cfg.Orders.CallTimeout,
	)
	e.orders = orders.NewEngine(orders.Config{
		Workers:           cfg.Orders.Workers,
		QueueSize:         cfg.Orders.QueueSize,
		RegistrySize:      cfg.Orders.RegistrySize,
		IdempotencyWindow: cfg.Orders.IdempotencyWindow,
		IdempotencyBucket: cfg.Orders.IdempotencyBucket,
	}, e.pool, invoker, e.metrics, logger)

	e.coordinator = subscription.NewCoordinator(subscription.Config{Debounce: cfg.Subscriptions.Debounce}, e.pool, e.desired, e.metrics, logger)
	e.pool.OnConnectionLost(func(connID string) {
		logger.WithField("connection", connID).Warn("Connection lost for good, replacing its instruments")
		e.coordinator.Reload()
	})

	return e, nil
}

func (e *Engine) Start(ctx context.Context) error {
	e.logger.WithFields(logrus.Fields{
		"accounts": len(e.cfg.Accounts),
		"symbols":  len(e.Symbols()),
	}).Info("Starting broker engine")

	loopCtx, loopCancel := context.WithCancel(context.Background())
	workCtx, workCancel := context.WithCancel(ctx)
	e.loopCancel = loopCancel
	e.workCancel = workCancel
	e.started = true

	go func() {
		defer close(e.loopDone)
		e.loop.Run(loopCtx)
	}()

	e.orders.Start(workCtx)

	e.wg.Add(3)
	go func() {
		defer e.wg.Done()
		e.forwarder.Run(workCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.coordinator.Run(workCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.monitorHealth(workCtx)
	}()

	e.coordinator.Reload()
	return nil
}

// Stop tears the engine down: order workers first, letting in-flight broker
// calls finish, then the background loops, the upstream connections, the
// dispatch loop and the bus.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.logger.Info("Stopping broker engine")
		close(e.stopCh)
		e.orders.Stop()
		if e.started {
			e.workCancel()
		}
		e.wg.Wait()

		if e.started {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := e.pool.Shutdown(ctx); err != nil {
				e.logger.WithError(err).Warn("Pool shutdown incomplete")
			}
			e.loopCancel()
			<-e.loopDone
		}
		if err := e.publisher.Close(); err != nil {
			e.logger.WithError(err).Warn("Failed to close bus publisher")
		}
		e.logger.Info("Broker engine stopped")
	})
}

// Reload schedules a debounced subscription reconcile.
func (e *Engine) Reload() {
	e.coordinator.Reload()
}

// SetSymbols replaces the desired instrument list and schedules a reload.
func (e *Engine) SetSymbols(symbols []string) {
	e.mu.Lock()
	e.symbols = append([]string(nil), symbols...)
	e.mu.Unlock()
	e.coordinator.Reload()
}

func (e *Engine) Symbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.symbols...)
}

func (e *Engine) desired(ctx context.Context) ([]models.Instrument, error) {
	found, missing := e.instruments.Resolve(e.Symbols())
	if len(missing) > 0 {
		e.logger.WithField("symbols", missing).Warn("Unknown symbols skipped")
	}
	return found, nil
}

func (e *Engine) Orders() *orders.Engine                 { return e.orders }
func (e *Engine) Ticks() *ticks.Pipeline                 { return e.pipeline }
func (e *Engine) Coordinator() *subscription.Coordinator { return e.coordinator }

func (e *Engine) Assignment() []subscription.Assignment { return e.coordinator.Assignment() }
func (e *Engine) Unassigned() []models.Instrument       { return e.coordinator.Unassigned() }

// Health summarises whether every desired instrument is streaming.
type Health struct {
	Status      string                    `json:"status"`
	Breaker     string                    `json:"breaker"`
	Stale       []subscription.Assignment `json:"stale,omitempty"`
	Unassigned  []models.Instrument       `json:"unassigned,omitempty"`
	Connections []pool.ConnStatus         `json:"connections"`
}

func (e *Engine) Health(ctx context.Context) (Health, error) {
	conns, err := e.pool.Statuses(ctx)
	if err != nil {
		return Health{}, err
	}
	stale, err := e.coordinator.Stale(ctx)
	if err != nil {
		return Health{}, err
	}
	h := Health{
		Status:      "healthy",
		Breaker:     e.breaker.State().String(),
		Stale:       stale,
		Unassigned:  e.coordinator.Unassigned(),
		Connections: conns,
	}
	if len(h.Stale) > 0 || len(h.Unassigned) > 0 || e.breaker.State() != resilience.StateClosed {
		h.Status = "degraded"
	}
	return h, nil
}

type Stats struct {
	Dispatch  dispatch.Stats `json:"dispatch"`
	Ticks     ticks.Stats    `json:"ticks"`
	Orders    orders.Stats   `json:"orders"`
	Published uint64         `json:"bus_published"`
	BusFailed uint64         `json:"bus_failed"`
	Passes    uint64         `json:"reconcile_passes"`
	Assigned  int            `json:"assigned"`
}

func (e *Engine) Stats() Stats {
	return Stats{
		Dispatch:  e.loop.Stats(),
		Ticks:     e.pipeline.Stats(),
		Orders:    e.orders.Stats(),
		Published: e.forwarder.Published(),
		BusFailed: e.forwarder.Failed(),
		Passes:    e.coordinator.Passes(),
		Assigned:  len(e.coordinator.Assignment()),
	}
}

// monitorHealth retries placement while instruments sit on dead
// connections or found no capacity.
func (e *Engine) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.checkHealth(ctx)
		}
	}
}

func (e *Engine) checkHealth(ctx context.Context) {
	stale, err := e.coordinator.Stale(ctx)
	if err != nil {
		e.logger.WithError(err).Debug("Health check skipped")
		return
	}
	unassigned := len(e.coordinator.Unassigned())
	if len(stale) == 0 && unassigned == 0 {
		return
	}
	e.logger.WithFields(logrus.Fields{
		"stale":      len(stale),
		"unassigned": unassigned,
	}).Warn("Instruments not streaming, scheduling reconcile")
	e.coordinator.Reload()
}

// upstreamFailure counts transport errors and retryable broker errors against
// the order breaker. Rejections of a single order do not.
func upstreamFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}
