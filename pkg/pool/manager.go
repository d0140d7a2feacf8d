// Package pool manages the upstream streaming connections of every trading
// account. All pool state lives on the dispatch loop; dials, reconnects and
// subscribe frames run on their own goroutines.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gregtusar/brokerd/internal/metrics"
	"github.com/gregtusar/brokerd/pkg/broker"
	"github.com/gregtusar/brokerd/pkg/dispatch"
	"github.com/gregtusar/brokerd/pkg/models"
	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
)

var (
	ErrConnectionLimit   = errors.New("connection limit reached")
	ErrUnknownAccount    = errors.New("unknown account")
	ErrUnknownConnection = errors.New("unknown connection")
)

type Config struct {
	InstrumentsPerConnection int
	DialTimeout              time.Duration
	ReconnectMin             time.Duration
	ReconnectMax             time.Duration
	MaxReconnectAttempts     int // 0 retries forever
}

func (c *Config) setDefaults() {
	if c.InstrumentsPerConnection <= 0 {
		c.InstrumentsPerConnection = 3000
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 500 * time.Millisecond
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = 30 * time.Second
	}
}

// TickHandler receives raw payloads on the dispatch loop.
type TickHandler func(connID string, payload []byte)

type Manager struct {
	cfg        Config
	loop       *dispatch.Loop
	transports broker.TransportFactory
	onTick     TickHandler
	onLost     func(connID string)
	metrics    *metrics.Metrics
	logger     *logrus.Entry

	order   []models.Account
	configs map[string]models.Account
	clients map[string]broker.OrderClient

	// owned by the dispatch loop
	accounts map[string]*accountState
	conns    map[string]*connection
}

// NewManager builds the pool. orders may be nil when no account trades.
func NewManager(
	cfg Config,
	accounts []models.Account,
	loop *dispatch.Loop,
	transports broker.TransportFactory,
	orders broker.OrderClientFactory,
	onTick TickHandler,
	m *metrics.Metrics,
	logger *logrus.Logger,
) (*Manager, error) {
	cfg.setDefaults()
	if m == nil {
		m = metrics.New(nil)
	}
	mgr := &Manager{
		cfg:        cfg,
		loop:       loop,
		transports: transports,
		onTick:     onTick,
		metrics:    m,
		logger:     logger.WithField("component", "pool"),
		configs:    make(map[string]models.Account, len(accounts)),
		clients:    make(map[string]broker.OrderClient, len(accounts)),
		accounts:   make(map[string]*accountState),
		conns:      make(map[string]*connection),
	}
	for _, acct := range accounts {
		if _, dup := mgr.configs[acct.Name]; dup {
			return nil, fmt.Errorf("duplicate account %q", acct.Name)
		}
		mgr.order = append(mgr.order, acct)
		mgr.configs[acct.Name] = acct
		if orders == nil {
			continue
		}
		client, err := orders(acct)
		if err != nil {
			return nil, fmt.Errorf("order client for %s: %w", acct.Name, err)
		}
		mgr.clients[acct.Name] = client
	}
	return mgr, nil
}

// OnConnectionLost registers fn to be called, off the loop, when a connection
// is given up after exhausting its reconnect attempts. Call before use.
func (m *Manager) OnConnectionLost(fn func(connID string)) {
	m.onLost = fn
}

// Accounts returns the configured accounts in configuration order.
func (m *Manager) Accounts() []models.Account {
	return append([]models.Account(nil), m.order...)
}

// Limit is the per-connection instrument limit.
func (m *Manager) Limit() int {
	return m.cfg.InstrumentsPerConnection
}

// OrderClient returns the account's order session.
func (m *Manager) OrderClient(account string) (broker.OrderClient, error) {
	c, ok := m.clients[account]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}
	return c, nil
}

// EnsureCapacity opens connections for account until their combined limit
// covers instrumentCount or the account ceiling is hit. The live connections
// are returned in creation order; ErrConnectionLimit comes with them when the
// ceiling is below instrumentCount.
func (m *Manager) EnsureCapacity(ctx context.Context, account string, instrumentCount int) ([]Handle, error) {
	var (
		dials []*connection
		err   error
	)
	callErr := m.loop.Call(ctx, func() {
		var st *accountState
		st, err = m.state(account)
		if err != nil {
			return
		}
		live := st.live()
		capacity := len(live) * m.cfg.InstrumentsPerConnection
		want := min(instrumentCount, st.account.Capacity(m.cfg.InstrumentsPerConnection))
		for capacity < want && len(live)+len(dials) < st.account.MaxConnections {
			dials = append(dials, m.open(st))
			capacity += m.cfg.InstrumentsPerConnection
		}
	})
	if callErr != nil {
		return nil, callErr
	}
	if err != nil {
		return nil, err
	}

	dialErr := m.dialAll(dials)

	var (
		handles  []Handle
		capacity int
	)
	callErr = m.loop.Call(ctx, func() {
		st, ok := m.accounts[account]
		if !ok {
			return
		}
		for _, c := range st.live() {
			handles = append(handles, c.handle())
		}
		capacity = min(len(handles)*m.cfg.InstrumentsPerConnection, st.account.Capacity(m.cfg.InstrumentsPerConnection))
	})
	if callErr != nil {
		return nil, callErr
	}
	if len(handles) == 0 && dialErr != nil {
		return nil, fmt.Errorf("connect %s: %w", account, dialErr)
	}
	if capacity < instrumentCount {
		return handles, fmt.Errorf("%w: account %s holds %d of %d instruments", ErrConnectionLimit, account, capacity, instrumentCount)
	}
	return handles, nil
}

// Subscribe places instruments on connID. Whatever does not fit spills onto
// the account's other connections, opening new ones as needed. Instruments
// already held by the account keep their connection.
func (m *Manager) Subscribe(ctx context.Context, connID string, instruments []models.Instrument) ([]Placement, error) {
	placed, rest, account, err := m.place(ctx, connID, instruments)
	if err != nil || len(rest) == 0 {
		return placed, err
	}

	var used int
	if err := m.loop.Call(ctx, func() {
		if st, ok := m.accounts[account]; ok {
			used = st.used()
		}
	}); err != nil {
		return placed, err
	}

	handles, err := m.EnsureCapacity(ctx, account, used+len(rest))
	if err != nil && !errors.Is(err, ErrConnectionLimit) {
		return placed, err
	}
	for _, h := range handles {
		if len(rest) == 0 {
			break
		}
		if h.ID == connID {
			continue
		}
		more, left, _, perr := m.place(ctx, h.ID, rest)
		if perr != nil && !errors.Is(perr, ErrUnknownConnection) {
			return append(placed, more...), perr
		}
		placed = append(placed, more...)
		rest = left
	}
	if len(rest) > 0 {
		return placed, fmt.Errorf("%w: %d instruments left unplaced on %s", ErrConnectionLimit, len(rest), account)
	}
	return placed, nil
}

// place reserves room on one connection and sends the subscribe frame.
func (m *Manager) place(ctx context.Context, connID string, instruments []models.Instrument) (placed []Placement, rest []models.Instrument, account string, err error) {
	c, err := m.lookup(ctx, connID)
	if err != nil {
		return nil, instruments, "", err
	}

	c.wire.Lock()
	defer c.wire.Unlock()

	var send []uint32
	callErr := m.loop.Call(ctx, func() {
		if c.status == StatusClosed {
			err = fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
			rest = instruments
			return
		}
		st := c.account
		account = st.account.Name
		remaining := st.account.Capacity(c.limit) - st.used()
		for _, inst := range instruments {
			if owner := st.owner(inst.Token); owner != nil {
				placed = append(placed, Placement{Instrument: inst, ConnID: owner.id})
				continue
			}
			if c.free() <= 0 || remaining <= 0 {
				rest = append(rest, inst)
				continue
			}
			c.tokens[inst.Token] = struct{}{}
			remaining--
			send = append(send, inst.Token)
			placed = append(placed, Placement{Instrument: inst, ConnID: c.id})
		}
		m.metrics.SubscribedTokens.WithLabelValues(account).Set(float64(st.used()))
	})
	if callErr != nil {
		return nil, instruments, "", callErr
	}
	if err != nil {
		return nil, rest, "", err
	}

	if len(send) > 0 {
		if serr := c.transport.Subscribe(send); serr != nil {
			// The token set is authoritative; the next reconnect resends it.
			m.logger.WithError(serr).WithFields(logrus.Fields{
				"connection": c.id,
				"tokens":     len(send),
			}).Warn("Subscribe not delivered")
		}
	}
	return placed, rest, account, nil
}

// Unsubscribe drops instruments from connID. Tokens not held there are ignored.
func (m *Manager) Unsubscribe(ctx context.Context, connID string, instruments []models.Instrument) error {
	c, err := m.lookup(ctx, connID)
	if errors.Is(err, ErrUnknownConnection) {
		return nil
	}
	if err != nil {
		return err
	}

	c.wire.Lock()
	defer c.wire.Unlock()

	var (
		removed   []uint32
		connected bool
	)
	if err := m.loop.Call(ctx, func() {
		for _, inst := range instruments {
			if _, ok := c.tokens[inst.Token]; ok {
				delete(c.tokens, inst.Token)
				removed = append(removed, inst.Token)
			}
		}
		connected = c.status == StatusConnected
		m.metrics.SubscribedTokens.WithLabelValues(c.account.account.Name).Set(float64(c.account.used()))
	}); err != nil {
		return err
	}

	if len(removed) > 0 && connected {
		if uerr := c.transport.Unsubscribe(removed); uerr != nil {
			m.logger.WithError(uerr).WithField("connection", c.id).Warn("Unsubscribe not delivered")
		}
	}
	return nil
}

// Close tears down every connection of account and cancels any pending
// reconnect. The account can be used again afterwards.
func (m *Manager) Close(ctx context.Context, account string) error {
	var victims []*connection
	if err := m.loop.Call(ctx, func() {
		st, ok := m.accounts[account]
		if !ok {
			return
		}
		st.cancel()
		for _, c := range st.conns {
			c.status = StatusClosed
			c.tokens = make(map[uint32]struct{})
			delete(m.conns, c.id)
			m.metrics.ConnectionStatus.DeleteLabelValues(account, c.id)
		}
		victims = st.conns
		delete(m.accounts, account)
		m.metrics.SubscribedTokens.WithLabelValues(account).Set(0)
	}); err != nil {
		return err
	}
	for _, c := range victims {
		m.closeTransport(c)
	}
	if len(victims) > 0 {
		m.logger.WithFields(logrus.Fields{
			"account":     account,
			"connections": len(victims),
		}).Info("Closed account connections")
	}
	return nil
}

// Shutdown closes every account.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	for _, acct := range m.order {
		if err := m.Close(ctx, acct.Name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Statuses reports every live connection, accounts in configuration order.
func (m *Manager) Statuses(ctx context.Context) ([]ConnStatus, error) {
	var out []ConnStatus
	err := m.loop.Call(ctx, func() {
		for _, acct := range m.order {
			st, ok := m.accounts[acct.Name]
			if !ok {
				continue
			}
			for _, c := range st.conns {
				out = append(out, c.snapshot())
			}
		}
	})
	return out, err
}

func (m *Manager) lookup(ctx context.Context, connID string) (*connection, error) {
	var c *connection
	if err := m.loop.Call(ctx, func() { c = m.conns[connID] }); err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}
	return c, nil
}

// state must run on the loop.
func (m *Manager) state(account string) (*accountState, error) {
	if st, ok := m.accounts[account]; ok {
		return st, nil
	}
	acct, ok := m.configs[account]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, account)
	}
	ctx, cancel := context.WithCancel(context.Background())
	st := &accountState{account: acct, ctx: ctx, cancel: cancel}
	m.accounts[account] = st
	return st, nil
}

// open must run on the loop. The dial happens later, off the loop.
func (m *Manager) open(st *accountState) *connection {
	st.seq++
	c := &connection{
		id:        fmt.Sprintf("%s-%d", st.account.Name, st.seq),
		account:   st,
		transport: m.transports(st.account),
		limit:     m.cfg.InstrumentsPerConnection,
		status:    StatusConnecting,
		tokens:    make(map[uint32]struct{}),
	}
	c.transport.SetHandlers(m.handlers(c))
	st.conns = append(st.conns, c)
	m.conns[c.id] = c
	return c
}

// handlers only hand events to the loop.
func (m *Manager) handlers(c *connection) broker.Handlers {
	ctx := c.account.ctx
	return broker.Handlers{
		OnTick: func(payload []byte) {
			if m.onTick == nil {
				return
			}
			_ = m.loop.Post(ctx, func() { m.onTick(c.id, payload) })
		},
		OnConnect: func() {
			m.logger.WithField("connection", c.id).Debug("Transport connected")
		},
		OnClose: func(err error) {
			_ = m.loop.Post(ctx, func() { m.dropped(c, err) })
		},
		OnError: func(err error) {
			m.logger.WithError(err).WithField("connection", c.id).Warn("Transport error")
		},
	}
}

// dialAll connects the new connections in parallel and returns the last dial
// error, if any.
func (m *Manager) dialAll(dials []*connection) error {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		lastErr error
	)
	for _, c := range dials {
		wg.Add(1)
		go func(c *connection) {
			defer wg.Done()
			dctx, cancel := context.WithTimeout(c.account.ctx, m.cfg.DialTimeout)
			err := c.transport.Connect(dctx)
			cancel()
			if err != nil {
				mu.Lock()
				lastErr = err
				mu.Unlock()
				m.logger.WithError(err).WithField("connection", c.id).Error("Failed to connect")
				_ = m.loop.Call(c.account.ctx, func() { m.discard(c, err) })
				m.closeTransport(c)
				return
			}
			m.logger.WithField("connection", c.id).Info("Connection established")
			m.resubscribe(c)
		}(c)
	}
	wg.Wait()
	return lastErr
}

// dropped runs on the loop when the transport closed unexpectedly.
func (m *Manager) dropped(c *connection, cause error) {
	switch c.status {
	case StatusConnected:
	case StatusConnecting, StatusDegraded:
		// The dial succeeded but resubscribe has not run yet.
		c.lostEarly = true
		c.lastErr = cause
		return
	default:
		return
	}
	c.status = StatusDegraded
	c.lastErr = cause
	m.metrics.ConnectionStatus.WithLabelValues(c.account.account.Name, c.id).Set(0)
	m.logger.WithError(cause).WithFields(logrus.Fields{
		"connection": c.id,
		"tokens":     len(c.tokens),
	}).Warn("Connection lost, reconnecting")
	go m.reconnect(c)
}

func (m *Manager) reconnect(c *connection) {
	ctx := c.account.ctx
	account := c.account.account.Name
	b := &backoff.Backoff{
		Min:    m.cfg.ReconnectMin,
		Max:    m.cfg.ReconnectMax,
		Factor: 2,
		Jitter: true,
	}

	for attempt := 1; m.cfg.MaxReconnectAttempts <= 0 || attempt <= m.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.Duration()):
		}

		dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
		err := c.transport.Connect(dctx)
		cancel()
		if err == nil {
			m.metrics.Reconnects.WithLabelValues(account, "success").Inc()
			m.logger.WithFields(logrus.Fields{
				"connection": c.id,
				"attempt":    attempt,
			}).Info("Reconnected")
			m.resubscribe(c)
			return
		}
		if ctx.Err() != nil {
			return
		}

		m.metrics.Reconnects.WithLabelValues(account, "failure").Inc()
		m.logger.WithError(err).WithFields(logrus.Fields{
			"connection": c.id,
			"attempt":    attempt,
		}).Warn("Reconnect failed")
		n := attempt
		_ = m.loop.TryPost(func() {
			c.reconnects = n
			c.lastErr = err
		})
	}

	_ = m.loop.Post(ctx, func() { m.giveUp(c) })
}

// resubscribe marks c connected and replays its whole token set. A session
// that already closed goes back to reconnecting instead.
func (m *Manager) resubscribe(c *connection) {
	c.wire.Lock()
	defer c.wire.Unlock()

	var (
		tokens []uint32
		alive  bool
		lost   bool
	)
	if err := m.loop.Call(c.account.ctx, func() {
		if c.status == StatusClosed {
			return
		}
		alive = true
		if c.lostEarly {
			c.lostEarly = false
			c.status = StatusDegraded
			lost = true
			m.metrics.ConnectionStatus.WithLabelValues(c.account.account.Name, c.id).Set(0)
			return
		}
		c.status = StatusConnected
		c.reconnects = 0
		c.lastErr = nil
		tokens = c.sortedTokens()
		m.metrics.ConnectionStatus.WithLabelValues(c.account.account.Name, c.id).Set(1)
	}); err != nil || !alive {
		m.closeTransport(c)
		return
	}
	if lost {
		m.logger.WithField("connection", c.id).Warn("Connection closed before resubscribe, reconnecting")
		go m.reconnect(c)
		return
	}

	if len(tokens) == 0 {
		return
	}
	if err := c.transport.Subscribe(tokens); err != nil {
		m.logger.WithError(err).WithField("connection", c.id).Warn("Resubscribe failed")
		return
	}
	m.logger.WithFields(logrus.Fields{
		"connection": c.id,
		"tokens":     len(tokens),
	}).Info("Resubscribed")
}

// giveUp runs on the loop after the reconnect budget is spent.
func (m *Manager) giveUp(c *connection) {
	if c.status == StatusClosed {
		return
	}
	m.logger.WithError(c.lastErr).WithFields(logrus.Fields{
		"connection": c.id,
		"tokens":     len(c.tokens),
	}).Error("Connection unrecoverable, releasing its instruments")
	m.discard(c, c.lastErr)
	go m.closeTransport(c)
	if m.onLost != nil {
		go m.onLost(c.id)
	}
}

// discard must run on the loop.
func (m *Manager) discard(c *connection, cause error) {
	c.status = StatusClosed
	c.lastErr = cause
	c.tokens = make(map[uint32]struct{})
	c.account.remove(c)
	delete(m.conns, c.id)
	m.metrics.ConnectionStatus.DeleteLabelValues(c.account.account.Name, c.id)
	m.metrics.SubscribedTokens.WithLabelValues(c.account.account.Name).Set(float64(c.account.used()))
}

func (m *Manager) closeTransport(c *connection) {
	if err := c.transport.Close(); err != nil && !errors.Is(err, broker.ErrAlreadyClosed) {
		m.logger.WithError(err).WithField("connection", c.id).Debug("Transport close")
	}
}
