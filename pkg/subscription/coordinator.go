// Package subscription keeps the set of streamed instruments in line with the
// desired set, spreading them over the pool's accounts and connections.
package subscription

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gregtusar/brokerd/internal/metrics"
	"github.com/gregtusar/brokerd/pkg/models"
	"github.com/gregtusar/brokerd/pkg/pool"
	"github.com/sirupsen/logrus"
)

// Pool is the part of the connection pool the coordinator drives.
type Pool interface {
	Accounts() []models.Account
	Limit() int
	EnsureCapacity(ctx context.Context, account string, instrumentCount int) ([]pool.Handle, error)
	Subscribe(ctx context.Context, connID string, instruments []models.Instrument) ([]pool.Placement, error)
	Unsubscribe(ctx context.Context, connID string, instruments []models.Instrument) error
	Statuses(ctx context.Context) ([]pool.ConnStatus, error)
}

// Source yields the desired instrument set for a reload pass.
type Source func(ctx context.Context) ([]models.Instrument, error)

type Assignment struct {
	Instrument models.Instrument `json:"instrument"`
	Account    string            `json:"account"`
	ConnID     string            `json:"conn_id"`
}

type AssignmentDiff struct {
	Added      []Assignment
	Removed    []Assignment
	Unchanged  []Assignment
	Unassigned []models.Instrument
}

type Config struct {
	Debounce time.Duration
}

type Coordinator struct {
	pool     Pool
	source   Source
	debounce time.Duration
	metrics  *metrics.Metrics
	logger   *logrus.Entry

	reload chan struct{}
	passes atomic.Uint64

	// pass serializes reconcile passes; mu guards the fields below for readers.
	pass       sync.Mutex
	mu         sync.RWMutex
	current    map[uint32]Assignment
	unassigned []models.Instrument
}

func NewCoordinator(cfg Config, p Pool, source Source, m *metrics.Metrics, logger *logrus.Logger) *Coordinator {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Coordinator{
		pool:     p,
		source:   source,
		debounce: cfg.Debounce,
		metrics:  m,
		logger:   logger.WithField("component", "subscriptions"),
		reload:   make(chan struct{}, 1),
		current:  make(map[uint32]Assignment),
	}
}

// Reload requests a reconcile pass against the source. It never blocks; calls
// landing within the debounce window collapse into one pass.
func (c *Coordinator) Reload() {
	select {
	case c.reload <- struct{}{}:
	default:
	}
}

// Run executes debounced reload passes until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.reload:
		}

		if !c.settle(ctx) {
			return
		}

		desired, err := c.source(ctx)
		if err != nil {
			c.logger.WithError(err).Error("Failed to load desired instruments")
			continue
		}
		if _, err := c.Reconcile(ctx, desired); err != nil && ctx.Err() == nil {
			c.logger.WithError(err).Error("Reconcile failed")
		}
	}
}

// settle waits until no reload arrived for a full debounce window.
func (c *Coordinator) settle(ctx context.Context) bool {
	timer := time.NewTimer(c.debounce)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-c.reload:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.debounce)
		case <-timer.C:
			return true
		}
	}
}

// Reconcile moves the live assignment to desired, touching only the symmetric
// difference. Assignments whose connection is gone are re-placed.
func (c *Coordinator) Reconcile(ctx context.Context, desired []models.Instrument) (AssignmentDiff, error) {
	c.pass.Lock()
	defer c.pass.Unlock()

	var diff AssignmentDiff
	live, err := c.liveConnections(ctx)
	if err != nil {
		return diff, err
	}

	want := make(map[uint32]models.Instrument, len(desired))
	for _, inst := range desired {
		want[inst.Token] = inst
	}

	c.mu.RLock()
	next := make(map[uint32]Assignment, len(c.current))
	for tok, a := range c.current {
		next[tok] = a
	}
	c.mu.RUnlock()

	// Removals grouped per connection.
	byConn := make(map[string][]models.Instrument)
	var added []models.Instrument
	for tok, a := range next {
		if _, ok := want[tok]; ok {
			continue
		}
		diff.Removed = append(diff.Removed, a)
		delete(next, tok)
		if live[a.ConnID] {
			byConn[a.ConnID] = append(byConn[a.ConnID], a.Instrument)
		}
	}
	for connID, list := range byConn {
		if err := c.pool.Unsubscribe(ctx, connID, list); err != nil {
			return diff, err
		}
	}

	for tok, inst := range want {
		a, ok := next[tok]
		switch {
		case ok && live[a.ConnID]:
			diff.Unchanged = append(diff.Unchanged, a)
		case ok:
			// Its connection was lost.
			delete(next, tok)
			added = append(added, inst)
		default:
			added = append(added, inst)
		}
	}
	sort.Slice(added, func(i, j int) bool { return added[i].Token < added[j].Token })

	placed, unassigned, err := c.place(ctx, next, added)
	diff.Added = placed
	diff.Unassigned = unassigned

	c.mu.Lock()
	c.current = next
	c.unassigned = unassigned
	c.mu.Unlock()

	c.passes.Add(1)
	c.metrics.ReconcilePasses.Inc()
	c.metrics.UnassignedTokens.Set(float64(len(unassigned)))
	sortAssignments(diff.Added)
	sortAssignments(diff.Removed)
	sortAssignments(diff.Unchanged)

	entry := c.logger.WithFields(logrus.Fields{
		"added":      len(diff.Added),
		"removed":    len(diff.Removed),
		"unchanged":  len(diff.Unchanged),
		"unassigned": len(diff.Unassigned),
	})
	if len(unassigned) > 0 {
		entry.Warn("Reconciled with unassigned instruments")
	} else {
		entry.Info("Reconciled subscriptions")
	}
	return diff, err
}

// place assigns instruments first-fit: accounts in configured order, then the
// account's connections in creation order.
func (c *Coordinator) place(ctx context.Context, next map[uint32]Assignment, pending []models.Instrument) ([]Assignment, []models.Instrument, error) {
	var added []Assignment
	perAccount := make(map[string]int)
	for _, a := range next {
		perAccount[a.Account]++
	}

	for _, acct := range c.pool.Accounts() {
		if len(pending) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return added, pending, err
		}
		used := perAccount[acct.Name]
		room := acct.Capacity(c.pool.Limit()) - used
		if room <= 0 {
			continue
		}
		chunk := pending[:min(room, len(pending))]

		handles, err := c.pool.EnsureCapacity(ctx, acct.Name, used+len(chunk))
		if err != nil && !errors.Is(err, pool.ErrConnectionLimit) {
			c.logger.WithError(err).WithField("account", acct.Name).Warn("Account has no usable connection")
			continue
		}
		start := firstWithRoom(handles)
		if start == "" {
			continue
		}

		placements, err := c.pool.Subscribe(ctx, start, chunk)
		if err != nil && !errors.Is(err, pool.ErrConnectionLimit) {
			c.logger.WithError(err).WithField("account", acct.Name).Warn("Subscribe failed")
		}
		done := make(map[uint32]bool, len(placements))
		for _, p := range placements {
			a := Assignment{Instrument: p.Instrument, Account: acct.Name, ConnID: p.ConnID}
			next[p.Instrument.Token] = a
			added = append(added, a)
			done[p.Instrument.Token] = true
		}
		perAccount[acct.Name] += len(placements)

		rest := pending[:0:0]
		for _, inst := range pending {
			if !done[inst.Token] {
				rest = append(rest, inst)
			}
		}
		pending = rest
	}
	return added, pending, nil
}

func firstWithRoom(handles []pool.Handle) string {
	for _, h := range handles {
		if h.Free() > 0 {
			return h.ID
		}
	}
	return ""
}

func (c *Coordinator) liveConnections(ctx context.Context) (map[string]bool, error) {
	statuses, err := c.pool.Statuses(ctx)
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		if s.Status != pool.StatusClosed {
			live[s.ID] = true
		}
	}
	return live, nil
}

// Assignment returns the current assignment ordered by token.
func (c *Coordinator) Assignment() []Assignment {
	c.mu.RLock()
	out := make([]Assignment, 0, len(c.current))
	for _, a := range c.current {
		out = append(out, a)
	}
	c.mu.RUnlock()
	sortAssignments(out)
	return out
}

// Unassigned returns the instruments the last pass could not place.
func (c *Coordinator) Unassigned() []models.Instrument {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.Instrument(nil), c.unassigned...)
}

// Stale returns assigned instruments whose connection is not currently
// streaming.
func (c *Coordinator) Stale(ctx context.Context) ([]Assignment, error) {
	statuses, err := c.pool.Statuses(ctx)
	if err != nil {
		return nil, err
	}
	connected := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		connected[s.ID] = s.Status == pool.StatusConnected
	}

	var stale []Assignment
	for _, a := range c.Assignment() {
		if !connected[a.ConnID] {
			stale = append(stale, a)
		}
	}
	return stale, nil
}

// Passes counts completed reconcile passes.
func (c *Coordinator) Passes() uint64 {
	return c.passes.Load()
}

func sortAssignments(list []Assignment) {
	sort.Slice(list, func(i, j int) bool { return list[i].Instrument.Token < list[j].Instrument.Token })
}
