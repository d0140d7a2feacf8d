package orders

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/brokerd/pkg/broker"
	"github.com/gregtusar/brokerd/pkg/broker/brokertest"
	"github.com/gregtusar/brokerd/pkg/models"
	"github.com/gregtusar/brokerd/pkg/resilience"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clientMap map[string]broker.OrderClient

func (m clientMap) OrderClient(account string) (broker.OrderClient, error) {
	c, ok := m[account]
	if !ok {
		return nil, fmt.Errorf("unknown account %q", account)
	}
	return c, nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type fixture struct {
	engine  *Engine
	client  *brokertest.OrderClient
	breaker *resilience.CircuitBreaker
}

func newFixture(t *testing.T, cfg Config, threshold int) *fixture {
	t.Helper()
	logger := quietLogger()
	client := brokertest.NewOrderClient()
	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:             "orders",
		FailureThreshold: threshold,
		RecoveryTimeout:  time.Minute,
	}, logger)
	invoker := resilience.NewInvoker(resilience.NewLimiter(0, 1), breaker, time.Second)
	e := NewEngine(cfg, clientMap{"acct": client}, invoker, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	t.Cleanup(func() {
		cancel()
		e.Stop()
	})
	return &fixture{engine: e, client: client, breaker: breaker}
}

func limitBuy(nonce string) models.OrderRequest {
	return models.OrderRequest{
		Account:  "acct",
		Token:    408065,
		Exchange: "NSE",
		Symbol:   "INFY",
		Side:     models.OrderSideBuy,
		Type:     models.OrderTypeLimit,
		Quantity: 10,
		Price:    decimal.RequireFromString("1500.25"),
		Product:  "CNC",
		Nonce:    nonce,
	}
}

func waitStatus(t *testing.T, e *Engine, id string, want models.OrderStatus) models.OrderTask {
	t.Helper()
	var task models.OrderTask
	require.Eventually(t, func() bool {
		task, _ = e.Get(id)
		return task.Status == want
	}, 2*time.Second, time.Millisecond, "task %s never reached %s", id, want)
	return task
}

func TestEngine_RejectsInvalidRequests(t *testing.T) {
	f := newFixture(t, Config{}, 5)

	tests := []struct {
		name   string
		mutate func(r *models.OrderRequest)
	}{
		{"missing account", func(r *models.OrderRequest) { r.Account = "" }},
		{"unknown account", func(r *models.OrderRequest) { r.Account = "ghost" }},
		{"no instrument", func(r *models.OrderRequest) { r.Token = 0; r.Symbol = "" }},
		{"bad side", func(r *models.OrderRequest) { r.Side = "HOLD" }},
		{"zero quantity", func(r *models.OrderRequest) { r.Quantity = 0 }},
		{"limit without price", func(r *models.OrderRequest) { r.Price = decimal.Zero }},
		{"negative trigger", func(r *models.OrderRequest) { r.TriggerPrice = decimal.NewFromInt(-1) }},
		{"stop market without trigger", func(r *models.OrderRequest) { r.Type = models.OrderTypeStopMarket }},
		{"unknown type", func(r *models.OrderRequest) { r.Type = "ICEBERG" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := limitBuy(tt.name)
			tt.mutate(&req)
			_, err := f.engine.Submit(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Zero(t, f.engine.Stats().Tasks)
	assert.Zero(t, f.client.Calls())
}

func TestEngine_PlacesOrder(t *testing.T) {
	f := newFixture(t, Config{}, 5)

	id, err := f.engine.Submit(context.Background(), limitBuy("n1"))
	require.NoError(t, err)

	task := waitStatus(t, f.engine, id, models.OrderStatusCompleted)
	assert.Equal(t, "B000001", task.BrokerOrderID)
	assert.Equal(t, 1, task.Attempts)
	assert.Empty(t, task.Error)
	require.Len(t, f.client.Placed(), 1)
	assert.Equal(t, "INFY", f.client.Placed()[0].Symbol)
}

func TestEngine_ConcurrentDuplicatesShareOneTask(t *testing.T) {
	f := newFixture(t, Config{}, 5)
	release := f.client.Block()

	const callers = 50
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := f.engine.Submit(context.Background(), limitBuy("same"))
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()
	release()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	waitStatus(t, f.engine, ids[0], models.OrderStatusCompleted)
	assert.Equal(t, 1, f.client.Calls())
	assert.Equal(t, uint64(callers-1), f.engine.Stats().Duplicates)
}

func TestEngine_DuplicateAfterCompletionWithinWindow(t *testing.T) {
	f := newFixture(t, Config{IdempotencyWindow: time.Minute}, 5)

	first, err := f.engine.Submit(context.Background(), limitBuy("k"))
	require.NoError(t, err)
	waitStatus(t, f.engine, first, models.OrderStatusCompleted)

	second, err := f.engine.Submit(context.Background(), limitBuy("k"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.client.Calls())
}

func TestEngine_DuplicateAfterWindowIsNewTask(t *testing.T) {
	f := newFixture(t, Config{IdempotencyWindow: time.Minute}, 5)
	base := time.Now()
	var mu sync.Mutex
	clock := base
	f.engine.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}

	first, err := f.engine.Submit(context.Background(), limitBuy("k"))
	require.NoError(t, err)
	waitStatus(t, f.engine, first, models.OrderStatusCompleted)

	mu.Lock()
	clock = base.Add(2 * time.Minute)
	mu.Unlock()

	second, err := f.engine.Submit(context.Background(), limitBuy("k"))
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	waitStatus(t, f.engine, second, models.OrderStatusCompleted)
	assert.Equal(t, 2, f.client.Calls())
}

func TestEngine_NoncelessRepeatsMatchWithinInterval(t *testing.T) {
	f := newFixture(t, Config{IdempotencyBucket: time.Second}, 5)
	base := time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := base.Add(999 * time.Millisecond)
	setClock := func(at time.Time) {
		mu.Lock()
		clock = at
		mu.Unlock()
	}
	f.engine.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}

	a, err := f.engine.Submit(context.Background(), limitBuy(""))
	require.NoError(t, err)
	waitStatus(t, f.engine, a, models.OrderStatusCompleted)

	// A retry 2ms later lands in the next wall-clock second.
	setClock(base.Add(1001 * time.Millisecond))
	b, err := f.engine.Submit(context.Background(), limitBuy(""))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, f.client.Calls())

	setClock(base.Add(2 * time.Second))
	c, err := f.engine.Submit(context.Background(), limitBuy(""))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
	waitStatus(t, f.engine, c, models.OrderStatusCompleted)
	assert.Equal(t, 2, f.client.Calls())
}

func TestEngine_BreakerShedsLoadAfterThreshold(t *testing.T) {
	f := newFixture(t, Config{Workers: 1}, 5)
	f.client.FailWith(&broker.APIError{StatusCode: 503, Message: "exchange unavailable"})

	for i := 0; i < 5; i++ {
		id, err := f.engine.Submit(context.Background(), limitBuy(fmt.Sprintf("n%d", i)))
		require.NoError(t, err)
		task := waitStatus(t, f.engine, id, models.OrderStatusFailed)
		assert.Contains(t, task.Error, "exchange unavailable")
	}
	assert.Equal(t, resilience.StateOpen, f.breaker.State())

	_, err := f.engine.Submit(context.Background(), limitBuy("n5"))
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, 5, f.client.Calls())
	assert.Equal(t, "open", f.engine.Stats().Breaker)
}

func TestEngine_Backpressure(t *testing.T) {
	f := newFixture(t, Config{Workers: 1, QueueSize: 1}, 5)
	release := f.client.Block()
	defer release()

	running, err := f.engine.Submit(context.Background(), limitBuy("a"))
	require.NoError(t, err)
	waitStatus(t, f.engine, running, models.OrderStatusExecuting)

	_, err = f.engine.Submit(context.Background(), limitBuy("b"))
	require.NoError(t, err)

	_, err = f.engine.Submit(context.Background(), limitBuy("c"))
	assert.ErrorIs(t, err, ErrBackpressure)
	assert.Equal(t, 2, f.engine.Stats().Tasks, "rejected submission creates no task")
}

func TestEngine_CancelPendingSkipsBrokerCall(t *testing.T) {
	f := newFixture(t, Config{Workers: 1, QueueSize: 4}, 5)
	release := f.client.Block()

	blocker, err := f.engine.Submit(context.Background(), limitBuy("a"))
	require.NoError(t, err)
	waitStatus(t, f.engine, blocker, models.OrderStatusExecuting)

	queued, err := f.engine.Submit(context.Background(), limitBuy("b"))
	require.NoError(t, err)
	assert.True(t, f.engine.Cancel(queued))
	release()

	waitStatus(t, f.engine, blocker, models.OrderStatusCompleted)
	task, ok := f.engine.Get(queued)
	require.True(t, ok)
	assert.Equal(t, models.OrderStatusCancelled, task.Status)
	assert.Equal(t, 1, f.client.Calls())
	assert.False(t, f.engine.Cancel(queued), "terminal task cannot be cancelled again")
}

func TestEngine_CancelExecutingCancelsUpstream(t *testing.T) {
	f := newFixture(t, Config{}, 5)
	release := f.client.Block()

	id, err := f.engine.Submit(context.Background(), limitBuy("a"))
	require.NoError(t, err)
	waitStatus(t, f.engine, id, models.OrderStatusExecuting)

	assert.True(t, f.engine.Cancel(id))
	release()

	task := waitStatus(t, f.engine, id, models.OrderStatusCancelled)
	assert.Equal(t, "B000001", task.BrokerOrderID)
	assert.Equal(t, []string{"B000001"}, f.client.Cancels())
}

func TestEngine_Modify(t *testing.T) {
	f := newFixture(t, Config{Workers: 1, QueueSize: 4}, 5)
	release := f.client.Block()

	running, err := f.engine.Submit(context.Background(), limitBuy("a"))
	require.NoError(t, err)
	waitStatus(t, f.engine, running, models.OrderStatusExecuting)

	queued, err := f.engine.Submit(context.Background(), limitBuy("b"))
	require.NoError(t, err)

	qty := int64(25)
	price := decimal.RequireFromString("1490")
	ctx := context.Background()
	assert.True(t, f.engine.Modify(ctx, queued, models.OrderChanges{Quantity: &qty, Price: &price}))

	zero := int64(0)
	assert.False(t, f.engine.Modify(ctx, queued, models.OrderChanges{Quantity: &zero}), "invalid change is refused")
	assert.False(t, f.engine.Modify(ctx, running, models.OrderChanges{Quantity: &qty}), "executing task is immutable")
	assert.False(t, f.engine.Modify(ctx, "missing", models.OrderChanges{Quantity: &qty}))

	release()
	waitStatus(t, f.engine, queued, models.OrderStatusCompleted)
	placed := f.client.Placed()
	require.Len(t, placed, 2)
	assert.Equal(t, int64(25), placed[1].Quantity)
	assert.Equal(t, "1490", placed[1].Price.String())
	assert.Empty(t, f.client.Modifies(), "queued edits never reach the broker")
}

func TestEngine_ModifyPlacedOrderGoesUpstream(t *testing.T) {
	f := newFixture(t, Config{}, 5)
	ctx := context.Background()

	id, err := f.engine.Submit(ctx, limitBuy("a"))
	require.NoError(t, err)
	waitStatus(t, f.engine, id, models.OrderStatusCompleted)

	price := decimal.RequireFromString("1495.50")
	assert.True(t, f.engine.Modify(ctx, id, models.OrderChanges{Price: &price}))
	assert.Equal(t, []string{"B000001"}, f.client.Modifies())
	task, _ := f.engine.Get(id)
	assert.Equal(t, "1495.5", task.Request.Price.String())

	f.client.FailModifyWith(&broker.APIError{StatusCode: 400, Message: "order already filled"})
	other := decimal.RequireFromString("1480")
	assert.False(t, f.engine.Modify(ctx, id, models.OrderChanges{Price: &other}))
	task, _ = f.engine.Get(id)
	assert.Equal(t, "1495.5", task.Request.Price.String(), "refused modify leaves the task alone")
	assert.Equal(t, 1, f.client.Calls())
}

func TestEngine_ModifyRefusedWithoutOpenOrder(t *testing.T) {
	f := newFixture(t, Config{}, 5)
	f.client.FailWith(&broker.APIError{StatusCode: 400, Message: "insufficient margin"})
	ctx := context.Background()

	id, err := f.engine.Submit(ctx, limitBuy("a"))
	require.NoError(t, err)
	waitStatus(t, f.engine, id, models.OrderStatusFailed)

	qty := int64(5)
	assert.False(t, f.engine.Modify(ctx, id, models.OrderChanges{Quantity: &qty}))
	assert.Empty(t, f.client.Modifies())
}

func TestEngine_EvictsFinishedTasksBeyondRegistrySize(t *testing.T) {
	const max, total = 3, 8
	f := newFixture(t, Config{RegistrySize: max}, 5)

	ids := make([]string, 0, total)
	for i := 0; i < total; i++ {
		id, err := f.engine.Submit(context.Background(), limitBuy(fmt.Sprintf("n%d", i)))
		require.NoError(t, err)
		waitStatus(t, f.engine, id, models.OrderStatusCompleted)
		ids = append(ids, id)
	}

	stats := f.engine.Stats()
	assert.Equal(t, max, stats.Retained)
	assert.Equal(t, max, stats.Tasks)

	evicted := 0
	for _, id := range ids {
		if _, ok := f.engine.Get(id); !ok {
			evicted++
		}
	}
	assert.Equal(t, total-max, evicted)
}

func TestEngine_StopFailsQueuedTasks(t *testing.T) {
	logger := quietLogger()
	client := brokertest.NewOrderClient()
	e := NewEngine(Config{Workers: 1, QueueSize: 4}, clientMap{"acct": client}, nil, nil, logger)
	release := client.Block()

	e.Start(context.Background())
	running, err := e.Submit(context.Background(), limitBuy("a"))
	require.NoError(t, err)
	waitStatus(t, e, running, models.OrderStatusExecuting)
	queued, err := e.Submit(context.Background(), limitBuy("b"))
	require.NoError(t, err)

	stopped := make(chan struct{})
	go func() { e.Stop(); close(stopped) }()
	release()
	<-stopped

	task, _ := e.Get(running)
	assert.Equal(t, models.OrderStatusCompleted, task.Status)
	task, _ = e.Get(queued)
	assert.Equal(t, models.OrderStatusFailed, task.Status)
	assert.Equal(t, ErrStopped.Error(), task.Error)

	_, err = e.Submit(context.Background(), limitBuy("c"))
	assert.True(t, errors.Is(err, ErrStopped))
}
