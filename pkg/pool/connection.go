package pool

import (
	"context"
	"sort"
	"sync"

	"github.com/gregtusar/brokerd/pkg/broker"
	"github.com/gregtusar/brokerd/pkg/models"
)

type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusDegraded   Status = "degraded"
	StatusClosed     Status = "closed"
)

// Handle is a read-only view of a connection returned to callers.
type Handle struct {
	ID      string
	Account string
	Limit   int
	Used    int
	Status  Status
}

func (h Handle) Free() int {
	return h.Limit - h.Used
}

// Placement records the connection an instrument ended up on.
type Placement struct {
	Instrument models.Instrument
	ConnID     string
}

// ConnStatus is the health view of one connection.
type ConnStatus struct {
	ID         string `json:"id"`
	Account    string `json:"account"`
	Status     Status `json:"status"`
	Subscribed int    `json:"subscribed"`
	Limit      int    `json:"limit"`
	Reconnects int    `json:"reconnects"`
	LastError  string `json:"last_error,omitempty"`
}

type accountState struct {
	account models.Account
	conns   []*connection // creation order
	seq     int
	ctx     context.Context
	cancel  context.CancelFunc
}

func (st *accountState) live() []*connection {
	out := make([]*connection, 0, len(st.conns))
	for _, c := range st.conns {
		if c.status != StatusClosed {
			out = append(out, c)
		}
	}
	return out
}

func (st *accountState) used() int {
	n := 0
	for _, c := range st.conns {
		n += len(c.tokens)
	}
	return n
}

func (st *accountState) owner(token uint32) *connection {
	for _, c := range st.conns {
		if _, ok := c.tokens[token]; ok {
			return c
		}
	}
	return nil
}

func (st *accountState) remove(c *connection) {
	for i, cur := range st.conns {
		if cur == c {
			st.conns = append(st.conns[:i], st.conns[i+1:]...)
			return
		}
	}
}

// connection is one upstream streaming session. Everything except transport
// and wire is owned by the dispatch loop.
type connection struct {
	id        string
	account   *accountState
	transport broker.Transport
	limit     int

	status     Status
	tokens     map[uint32]struct{}
	reconnects int
	lastErr    error

	// lostEarly is set when the session closed before resubscribe claimed it.
	lostEarly bool

	// wire keeps subscribe frames in the same order as token set changes.
	wire sync.Mutex
}

func (c *connection) free() int {
	return c.limit - len(c.tokens)
}

func (c *connection) sortedTokens() []uint32 {
	out := make([]uint32, 0, len(c.tokens))
	for tok := range c.tokens {
		out = append(out, tok)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *connection) handle() Handle {
	return Handle{
		ID:      c.id,
		Account: c.account.account.Name,
		Limit:   c.limit,
		Used:    len(c.tokens),
		Status:  c.status,
	}
}

func (c *connection) snapshot() ConnStatus {
	s := ConnStatus{
		ID:         c.id,
		Account:    c.account.account.Name,
		Status:     c.status,
		Subscribed: len(c.tokens),
		Limit:      c.limit,
		Reconnects: c.reconnects,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}
