package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gregtusar/brokerd/pkg/models"
	"github.com/shopspring/decimal"
)

// RESTClient places orders over the broker's HTTP API.
type RESTClient struct {
	baseURL    string
	auth       Authenticator
	httpClient *http.Client
}

func NewRESTClient(baseURL string, auth Authenticator, timeout time.Duration) *RESTClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &RESTClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		auth:       auth,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// NewOrderClientFactory returns a factory building one RESTClient per account.
func NewOrderClientFactory(baseURL string, timeout time.Duration) OrderClientFactory {
	return func(account models.Account) (OrderClient, error) {
		auth, err := NewAuthenticator(account)
		if err != nil {
			return nil, err
		}
		return NewRESTClient(baseURL, auth, timeout), nil
	}
}

type orderPayload struct {
	Exchange        string           `json:"exchange"`
	TradingSymbol   string           `json:"tradingsymbol"`
	InstrumentToken uint32           `json:"instrument_token"`
	TransactionType string           `json:"transaction_type"`
	OrderType       string           `json:"order_type"`
	Quantity        int64            `json:"quantity"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	TriggerPrice    *decimal.Decimal `json:"trigger_price,omitempty"`
	Product         string           `json:"product,omitempty"`
	Tag             string           `json:"tag,omitempty"`
}

type apiEnvelope struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
}

type orderAck struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

func (c *RESTClient) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.BrokerOrder, error) {
	payload := orderPayload{
		Exchange:        req.Exchange,
		TradingSymbol:   req.Symbol,
		InstrumentToken: req.Token,
		TransactionType: string(req.Side),
		OrderType:       string(req.Type),
		Quantity:        req.Quantity,
		Product:         req.Product,
		Tag:             req.Nonce,
	}
	if !req.Price.IsZero() {
		p := req.Price
		payload.Price = &p
	}
	if !req.TriggerPrice.IsZero() {
		tp := req.TriggerPrice
		payload.TriggerPrice = &tp
	}

	var ack orderAck
	if err := c.do(ctx, http.MethodPost, "/orders", payload, &ack); err != nil {
		return nil, err
	}
	if ack.OrderID == "" {
		return nil, fmt.Errorf("place order: empty order id in response")
	}
	return &models.BrokerOrder{
		OrderID:   ack.OrderID,
		Status:    ack.Status,
		Timestamp: time.Now(),
	}, nil
}

func (c *RESTClient) ModifyOrder(ctx context.Context, orderID string, changes models.OrderChanges) error {
	body := map[string]interface{}{}
	if changes.Quantity != nil {
		body["quantity"] = *changes.Quantity
	}
	if changes.Price != nil {
		body["price"] = *changes.Price
	}
	if changes.TriggerPrice != nil {
		body["trigger_price"] = *changes.TriggerPrice
	}
	if changes.Type != nil {
		body["order_type"] = string(*changes.Type)
	}
	return c.do(ctx, http.MethodPut, "/orders/"+url.PathEscape(orderID), body, nil)
}

func (c *RESTClient) CancelOrder(ctx context.Context, orderID string) error {
	return c.do(ctx, http.MethodDelete, "/orders/"+url.PathEscape(orderID), nil, nil)
}

func (c *RESTClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.auth != nil {
		if err := c.auth.AddAuthHeaders(req.Header, method, req.URL.Host, req.URL.Path, string(body)); err != nil {
			return fmt.Errorf("authenticate request: %w", err)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env apiEnvelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	if resp.StatusCode >= 300 || env.Status == "error" {
		msg := env.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Type: env.ErrorType, Message: msg}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}
