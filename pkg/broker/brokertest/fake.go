// Package brokertest provides in-memory broker transports and order clients
// for tests.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gregtusar/brokerd/pkg/broker"
	"github.com/gregtusar/brokerd/pkg/models"
)

var (
	ErrDialRefused    = errors.New("dial refused")
	ErrSessionDropped = errors.New("session dropped after handshake")
)

// Transport is a fake broker.Transport. Tests drive callbacks with Emit*.
type Transport struct {
	Account models.Account

	mu          sync.Mutex
	handlers    broker.Handlers
	connected   bool
	closed      bool
	subscribed  map[uint32]struct{}
	subCalls    int
	unsubCalls  int
	subTokens   int
	unsubTokens int
	connects    int
	failDial    bool
	dropAfter   int
}

func NewTransport(account models.Account) *Transport {
	return &Transport{Account: account, subscribed: make(map[uint32]struct{})}
}

func (t *Transport) SetHandlers(h broker.Handlers) {
	t.mu.Lock()
	t.handlers = h
	t.mu.Unlock()
}

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.failDial {
		t.mu.Unlock()
		return ErrDialRefused
	}
	if t.closed {
		t.mu.Unlock()
		return broker.ErrAlreadyClosed
	}
	t.connected = true
	t.connects++
	h := t.handlers
	drop := t.dropAfter > 0
	if drop {
		t.dropAfter--
	}
	t.mu.Unlock()
	if h.OnConnect != nil {
		h.OnConnect()
	}
	if drop {
		t.Drop(ErrSessionDropped)
	}
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.connected = false
	t.mu.Unlock()
	return nil
}

func (t *Transport) Subscribe(tokens []uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return broker.ErrNotConnected
	}
	t.subCalls++
	t.subTokens += len(tokens)
	for _, tok := range tokens {
		t.subscribed[tok] = struct{}{}
	}
	return nil
}

func (t *Transport) Unsubscribe(tokens []uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return broker.ErrNotConnected
	}
	t.unsubCalls++
	t.unsubTokens += len(tokens)
	for _, tok := range tokens {
		delete(t.subscribed, tok)
	}
	return nil
}

// FailDial makes subsequent Connect calls fail (or succeed again).
func (t *Transport) FailDial(fail bool) {
	t.mu.Lock()
	t.failDial = fail
	t.mu.Unlock()
}

// DropAfterConnect makes the next n successful Connect calls lose the session
// right after the handshake, before Connect returns.
func (t *Transport) DropAfterConnect(n int) {
	t.mu.Lock()
	t.dropAfter = n
	t.mu.Unlock()
}

// EmitTick invokes the tick callback as the broker's reader goroutine would.
func (t *Transport) EmitTick(payload []byte) {
	t.mu.Lock()
	h := t.handlers
	t.mu.Unlock()
	if h.OnTick != nil {
		h.OnTick(payload)
	}
}

// Drop simulates an unexpected disconnect. The broker forgets the session's
// subscriptions, as the real one does.
func (t *Transport) Drop(cause error) {
	t.mu.Lock()
	t.connected = false
	t.subscribed = make(map[uint32]struct{})
	h := t.handlers
	t.mu.Unlock()
	if h.OnClose != nil {
		h.OnClose(cause)
	}
}

func (t *Transport) Subscribed() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint32, 0, len(t.subscribed))
	for tok := range t.subscribed {
		out = append(out, tok)
	}
	return out
}

// TokenOps returns how many tokens were sent in subscribe and unsubscribe calls.
func (t *Transport) TokenOps() (subscribed, unsubscribed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.subTokens, t.unsubTokens
}

func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Factory hands out fake transports and remembers them in creation order.
type Factory struct {
	mu         sync.Mutex
	transports []*Transport
	failDial   bool
	dropAfter  int
}

func (f *Factory) New(account models.Account) broker.Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := NewTransport(account)
	t.failDial = f.failDial
	t.dropAfter = f.dropAfter
	f.transports = append(f.transports, t)
	return t
}

// FailDials makes transports created from now on refuse to connect.
func (f *Factory) FailDials(fail bool) {
	f.mu.Lock()
	f.failDial = fail
	f.mu.Unlock()
}

// DropAfterConnect applies Transport.DropAfterConnect to transports created
// from now on.
func (f *Factory) DropAfterConnect(n int) {
	f.mu.Lock()
	f.dropAfter = n
	f.mu.Unlock()
}

func (f *Factory) Transports() []*Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Transport(nil), f.transports...)
}

// TokenOps sums subscribe/unsubscribe token counts over every transport.
func (f *Factory) TokenOps() (subscribed, unsubscribed int) {
	for _, t := range f.Transports() {
		s, u := t.TokenOps()
		subscribed += s
		unsubscribed += u
	}
	return subscribed, unsubscribed
}

// OrderClient is a fake broker.OrderClient with a scriptable outcome.
type OrderClient struct {
	mu        sync.Mutex
	placeErr  error
	modifyErr error
	block     chan struct{}
	placed    []models.OrderRequest
	cancels   []string
	modifies  []string
	calls     atomic.Int64
	seq       atomic.Int64
}

func NewOrderClient() *OrderClient {
	return &OrderClient{}
}

// FailWith makes every following PlaceOrder return err (nil to succeed).
func (c *OrderClient) FailWith(err error) {
	c.mu.Lock()
	c.placeErr = err
	c.mu.Unlock()
}

// Block makes PlaceOrder wait until the returned release func is called.
func (c *OrderClient) Block() (release func()) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.block = ch
	c.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (c *OrderClient) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.BrokerOrder, error) {
	c.calls.Add(1)
	c.mu.Lock()
	block := c.block
	err := c.placeErr
	c.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.placed = append(c.placed, req)
	c.mu.Unlock()
	return &models.BrokerOrder{OrderID: fmt.Sprintf("B%06d", c.seq.Add(1)), Status: "OPEN"}, nil
}

// FailModifyWith makes every following ModifyOrder return err.
func (c *OrderClient) FailModifyWith(err error) {
	c.mu.Lock()
	c.modifyErr = err
	c.mu.Unlock()
}

func (c *OrderClient) ModifyOrder(ctx context.Context, orderID string, changes models.OrderChanges) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.modifyErr != nil {
		return c.modifyErr
	}
	c.modifies = append(c.modifies, orderID)
	return nil
}

func (c *OrderClient) CancelOrder(ctx context.Context, orderID string) error {
	c.mu.Lock()
	c.cancels = append(c.cancels, orderID)
	c.mu.Unlock()
	return nil
}

// Calls is the number of PlaceOrder invocations, successful or not.
func (c *OrderClient) Calls() int {
	return int(c.calls.Load())
}

func (c *OrderClient) Placed() []models.OrderRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.OrderRequest(nil), c.placed...)
}

func (c *OrderClient) Cancels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.cancels...)
}

// Modifies lists the broker order ids that were modified successfully.
func (c *OrderClient) Modifies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.modifies...)
}
