// Package broker wraps the upstream brokerage: a callback-driven streaming
// transport and a REST order client.
package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/gregtusar/brokerd/pkg/models"
)

var (
	ErrNotConnected  = errors.New("websocket not connected")
	ErrAlreadyClosed = errors.New("transport already closed")
	ErrStale         = errors.New("connection stale (no heartbeat)")
)

// Handlers are invoked on the transport's own goroutines. Implementations must
// not block and must not touch shared state; they should hand the event off.
type Handlers struct {
	OnTick    func(payload []byte)
	OnConnect func()
	OnClose   func(err error)
	OnError   func(err error)
}

// Transport is one streaming session to the broker.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Subscribe(tokens []uint32) error
	Unsubscribe(tokens []uint32) error
	SetHandlers(h Handlers)
}

// TransportFactory builds an unconnected transport for an account.
type TransportFactory func(account models.Account) Transport

// OrderClient is the order half of the broker API.
type OrderClient interface {
	PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.BrokerOrder, error)
	ModifyOrder(ctx context.Context, orderID string, changes models.OrderChanges) error
	CancelOrder(ctx context.Context, orderID string) error
}

// OrderClientFactory builds the order session for an account.
type OrderClientFactory func(account models.Account) (OrderClient, error)

// APIError is a structured error returned by the REST API.
type APIError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker api error (%d %s): %s", e.StatusCode, e.Type, e.Message)
}

// Temporary reports whether retrying later may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
