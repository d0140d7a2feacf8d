// Package orders executes order requests against the broker through a bounded
// queue and a fixed pool of workers.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/brokerd/internal/metrics"
	"github.com/gregtusar/brokerd/pkg/broker"
	"github.com/gregtusar/brokerd/pkg/models"
	"github.com/gregtusar/brokerd/pkg/resilience"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidRequest = errors.New("invalid order request")
	ErrBackpressure   = errors.New("order queue full")
	ErrStopped        = errors.New("order engine stopped")
)

type Config struct {
	Workers           int
	QueueSize         int
	RegistrySize      int
	IdempotencyWindow time.Duration
	// IdempotencyBucket is how long a nonce-less repeat keeps matching the
	// first submission.
	IdempotencyBucket time.Duration
}

func (c *Config) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RegistrySize <= 0 {
		c.RegistrySize = 10000
	}
	if c.IdempotencyWindow <= 0 {
		c.IdempotencyWindow = 5 * time.Minute
	}
	if c.IdempotencyBucket <= 0 {
		c.IdempotencyBucket = time.Second
	}
}

// Clients resolves the order session of an account.
type Clients interface {
	OrderClient(account string) (broker.OrderClient, error)
}

type Stats struct {
	Queued     int    `json:"queued"`
	QueueSize  int    `json:"queue_size"`
	Workers    int    `json:"workers"`
	Tasks      int    `json:"tasks"`
	Retained   int    `json:"retained_terminal"`
	Accepted   uint64 `json:"accepted"`
	Duplicates uint64 `json:"duplicates"`
	Rejected   uint64 `json:"rejected"`
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
	Cancelled  uint64 `json:"cancelled"`
	Breaker    string `json:"breaker"`
}

type Engine struct {
	cfg     Config
	clients Clients
	invoker *resilience.Invoker
	metrics *metrics.Metrics
	logger  *logrus.Entry
	now     func() time.Time

	queue chan string

	mu        sync.Mutex
	registry  *Registry
	byKey     map[string]string
	cancelReq map[string]bool
	stopped   bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	accepted   atomic.Uint64
	duplicates atomic.Uint64
	rejected   atomic.Uint64
	completed  atomic.Uint64
	failed     atomic.Uint64
	cancelled  atomic.Uint64
}

func NewEngine(cfg Config, clients Clients, invoker *resilience.Invoker, m *metrics.Metrics, logger *logrus.Logger) *Engine {
	cfg.setDefaults()
	if invoker == nil {
		invoker = resilience.NewInvoker(nil, nil, 0)
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Engine{
		cfg:       cfg,
		clients:   clients,
		invoker:   invoker,
		metrics:   m,
		logger:    logger.WithField("component", "orders"),
		now:       time.Now,
		queue:     make(chan string, cfg.QueueSize),
		registry:  NewRegistry(cfg.RegistrySize),
		byKey:     make(map[string]string),
		cancelReq: make(map[string]bool),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the worker pool.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx)
	}
	e.logger.WithFields(logrus.Fields{
		"workers": e.cfg.Workers,
		"queue":   e.cfg.QueueSize,
	}).Info("Order engine started")
}

// Stop refuses new work, lets in-flight calls finish and fails whatever is
// still queued.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		e.mu.Unlock()
		close(e.stopCh)
	})
	e.wg.Wait()

	for {
		select {
		case id := <-e.queue:
			e.finish(id, models.OrderStatusFailed, ErrStopped)
		default:
			e.logger.Info("Order engine stopped")
			return
		}
	}
}

// Submit validates req and queues it. With a nonce, a duplicate of a live task
// or of a finished one created within the idempotency window returns that
// task's id. Without one, any repeat within the bucket interval of the first
// submission does.
func (e *Engine) Submit(ctx context.Context, req models.OrderRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := e.validate(req); err != nil {
		e.reject("invalid")
		return "", err
	}

	now := e.now()
	key := IdempotencyKey(req)
	window := e.cfg.IdempotencyWindow
	if req.Nonce == "" {
		window = e.cfg.IdempotencyBucket
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if id, ok := e.byKey[key]; ok {
		if t, found := e.registry.Get(id); found {
			live := req.Nonce != "" && !t.Status.Terminal()
			if live || now.Sub(t.CreatedAt) < window {
				e.duplicates.Add(1)
				return id, nil
			}
		}
		delete(e.byKey, key)
	}

	if e.stopped {
		e.reject("stopped")
		return "", ErrStopped
	}
	if b := e.invoker.Breaker(); b != nil && !b.Ready() {
		e.reject("circuit_open")
		return "", resilience.ErrCircuitOpen
	}

	t := &models.OrderTask{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		Request:        req,
		Status:         models.OrderStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	select {
	case e.queue <- t.ID:
	default:
		e.reject("backpressure")
		return "", ErrBackpressure
	}
	e.registry.Add(t)
	e.byKey[key] = t.ID
	e.accepted.Add(1)
	e.metrics.OrdersSubmitted.Inc()
	e.metrics.OrderQueueDepth.Set(float64(len(e.queue)))
	return t.ID, nil
}

// Modify changes a task. A queued task is edited before it reaches the
// broker; a placed order is modified upstream. Tasks with a call in flight or
// without an open broker order are refused.
func (e *Engine) Modify(ctx context.Context, taskID string, changes models.OrderChanges) bool {
	e.mu.Lock()
	t, ok := e.registry.Get(taskID)
	if !ok {
		e.mu.Unlock()
		return false
	}
	req := applyChanges(t.Request, changes)
	if err := validateFields(req); err != nil {
		e.mu.Unlock()
		e.logger.WithError(err).WithField("task", taskID).Warn("Rejected order modification")
		return false
	}

	switch {
	case t.Status == models.OrderStatusPending || t.Status == models.OrderStatusSubmitted:
		t.Request = req
		t.UpdatedAt = e.now()
		e.mu.Unlock()
		return true
	case t.Status == models.OrderStatusCompleted && t.BrokerOrderID != "":
	default:
		e.mu.Unlock()
		return false
	}
	brokerOrderID := t.BrokerOrderID
	account := t.Request.Account
	e.mu.Unlock()

	log := e.logger.WithFields(logrus.Fields{
		"task":            taskID,
		"broker_order_id": brokerOrderID,
	})
	client, err := e.clients.OrderClient(account)
	if err != nil {
		log.WithError(err).Warn("Rejected order modification")
		return false
	}
	if err := e.invoker.Do(ctx, func(ctx context.Context) error {
		return client.ModifyOrder(ctx, brokerOrderID, changes)
	}); err != nil {
		log.WithError(err).Warn("Failed to modify placed order")
		return false
	}

	e.mu.Lock()
	if t, ok := e.registry.Peek(taskID); ok {
		t.Request = req
		t.UpdatedAt = e.now()
	}
	e.mu.Unlock()
	log.Info("Order modified at broker")
	return true
}

func applyChanges(req models.OrderRequest, changes models.OrderChanges) models.OrderRequest {
	if changes.Quantity != nil {
		req.Quantity = *changes.Quantity
	}
	if changes.Price != nil {
		req.Price = *changes.Price
	}
	if changes.TriggerPrice != nil {
		req.TriggerPrice = *changes.TriggerPrice
	}
	if changes.Type != nil {
		req.Type = *changes.Type
	}
	return req
}

// Cancel stops a task. Before the broker call the call is skipped; once the
// call is in flight the placed order is cancelled upstream as soon as it is
// acknowledged.
func (e *Engine) Cancel(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.registry.Get(taskID)
	if !ok {
		return false
	}
	switch t.Status {
	case models.OrderStatusPending, models.OrderStatusSubmitted:
		e.finishLocked(t, models.OrderStatusCancelled, nil)
		return true
	case models.OrderStatusExecuting:
		e.cancelReq[taskID] = true
		return true
	default:
		return false
	}
}

// Get returns a snapshot of the task.
func (e *Engine) Get(taskID string) (models.OrderTask, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.registry.Get(taskID)
	if !ok {
		return models.OrderTask{}, false
	}
	return *t, true
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	tasks := e.registry.Len()
	retained := e.registry.TerminalLen()
	e.mu.Unlock()

	s := Stats{
		Queued:     len(e.queue),
		QueueSize:  cap(e.queue),
		Workers:    e.cfg.Workers,
		Tasks:      tasks,
		Retained:   retained,
		Accepted:   e.accepted.Load(),
		Duplicates: e.duplicates.Load(),
		Rejected:   e.rejected.Load(),
		Completed:  e.completed.Load(),
		Failed:     e.failed.Load(),
		Cancelled:  e.cancelled.Load(),
	}
	if b := e.invoker.Breaker(); b != nil {
		s.Breaker = b.State().String()
	}
	return s
}

func (e *Engine) worker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case id := <-e.queue:
			e.metrics.OrderQueueDepth.Set(float64(len(e.queue)))
			select {
			case <-e.stopCh:
				e.finish(id, models.OrderStatusFailed, ErrStopped)
				return
			default:
			}
			e.execute(ctx, id)
		}
	}
}

func (e *Engine) execute(ctx context.Context, id string) {
	e.mu.Lock()
	t, ok := e.registry.Peek(id)
	if !ok || t.Status != models.OrderStatusPending {
		e.mu.Unlock()
		return
	}
	t.Status = models.OrderStatusSubmitted
	t.UpdatedAt = e.now()
	account := t.Request.Account
	e.mu.Unlock()

	client, err := e.clients.OrderClient(account)
	if err != nil {
		e.finish(id, models.OrderStatusFailed, err)
		return
	}

	// Upstream calls are not cancelled by shutdown; the invoker's call
	// timeout bounds them.
	ctx = context.WithoutCancel(ctx)

	e.mu.Lock()
	if t.Status != models.OrderStatusSubmitted {
		e.mu.Unlock()
		return
	}
	t.Status = models.OrderStatusExecuting
	t.Attempts++
	t.UpdatedAt = e.now()
	req := t.Request
	e.mu.Unlock()

	log := e.logger.WithFields(logrus.Fields{
		"task":    id,
		"account": req.Account,
		"symbol":  req.Symbol,
		"side":    req.Side,
	})

	start := time.Now()
	placed, err := resilience.Invoke(ctx, e.invoker, func(ctx context.Context) (*models.BrokerOrder, error) {
		return client.PlaceOrder(ctx, req)
	})
	e.metrics.OrderLatency.Observe(time.Since(start).Seconds())

	e.mu.Lock()
	wantCancel := e.cancelReq[id]
	delete(e.cancelReq, id)
	if err != nil {
		status := models.OrderStatusFailed
		if wantCancel {
			status = models.OrderStatusCancelled
		}
		e.finishLocked(t, status, err)
		e.mu.Unlock()
		log.WithError(err).Warn("Order placement failed")
		return
	}
	t.BrokerOrderID = placed.OrderID
	if !wantCancel {
		e.finishLocked(t, models.OrderStatusCompleted, nil)
		e.mu.Unlock()
		log.WithField("broker_order_id", placed.OrderID).Info("Order placed")
		return
	}
	e.mu.Unlock()

	cerr := e.invoker.Do(ctx, func(ctx context.Context) error {
		return client.CancelOrder(ctx, placed.OrderID)
	})
	if cerr != nil {
		// The order is live at the broker; report it as placed.
		log.WithError(cerr).WithField("broker_order_id", placed.OrderID).Error("Failed to cancel placed order")
		e.finish(id, models.OrderStatusCompleted, fmt.Errorf("cancel after placement: %w", cerr))
		return
	}
	log.WithField("broker_order_id", placed.OrderID).Info("Order cancelled after placement")
	e.finish(id, models.OrderStatusCancelled, nil)
}

func (e *Engine) finish(id string, status models.OrderStatus, cause error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.registry.Peek(id); ok {
		e.finishLocked(t, status, cause)
	}
}

func (e *Engine) finishLocked(t *models.OrderTask, status models.OrderStatus, cause error) {
	if t.Status.Terminal() {
		return
	}
	t.Status = status
	t.UpdatedAt = e.now()
	if cause != nil {
		t.Error = cause.Error()
	}
	switch status {
	case models.OrderStatusCompleted:
		e.completed.Add(1)
	case models.OrderStatusFailed:
		e.failed.Add(1)
	case models.OrderStatusCancelled:
		e.cancelled.Add(1)
	}
	e.metrics.OrdersFinished.WithLabelValues(string(status)).Inc()

	for _, old := range e.registry.Finished(t.ID) {
		if e.byKey[old.IdempotencyKey] == old.ID {
			delete(e.byKey, old.IdempotencyKey)
		}
	}
}

func (e *Engine) reject(reason string) {
	e.rejected.Add(1)
	e.metrics.OrdersRejected.WithLabelValues(reason).Inc()
}

func (e *Engine) validate(req models.OrderRequest) error {
	if req.Account == "" {
		return fmt.Errorf("%w: account is required", ErrInvalidRequest)
	}
	if _, err := e.clients.OrderClient(req.Account); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return validateFields(req)
}

func validateFields(req models.OrderRequest) error {
	if req.Token == 0 && req.Symbol == "" {
		return fmt.Errorf("%w: instrument token or symbol is required", ErrInvalidRequest)
	}
	switch req.Side {
	case models.OrderSideBuy, models.OrderSideSell:
	default:
		return fmt.Errorf("%w: side %q", ErrInvalidRequest, req.Side)
	}
	if req.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidRequest)
	}
	if req.Price.IsNegative() || req.TriggerPrice.IsNegative() {
		return fmt.Errorf("%w: negative price", ErrInvalidRequest)
	}
	switch req.Type {
	case models.OrderTypeMarket:
	case models.OrderTypeLimit:
		if !req.Price.IsPositive() {
			return fmt.Errorf("%w: limit order needs a price", ErrInvalidRequest)
		}
	case models.OrderTypeStopLimit:
		if !req.Price.IsPositive() || !req.TriggerPrice.IsPositive() {
			return fmt.Errorf("%w: stop-limit order needs price and trigger", ErrInvalidRequest)
		}
	case models.OrderTypeStopMarket:
		if !req.TriggerPrice.IsPositive() {
			return fmt.Errorf("%w: stop-market order needs a trigger", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: order type %q", ErrInvalidRequest, req.Type)
	}
	return nil
}
