package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Segment string

const (
	SegmentEquity  Segment = "EQ"
	SegmentFutures Segment = "FUT"
	SegmentOptions Segment = "OPT"
	SegmentIndex   Segment = "INDICES"
)

// Instrument is an immutable tradable identifier resolved from the instrument registry.
type Instrument struct {
	Token          uint32          `json:"instrument_token"`
	Exchange       string          `json:"exchange"`
	TradingSymbol  string          `json:"tradingsymbol"`
	Name           string          `json:"name,omitempty"`
	Segment        Segment         `json:"segment"`
	InstrumentType string          `json:"instrument_type"` // EQ, FUT, CE, PE
	Expiry         time.Time       `json:"expiry,omitempty"`
	Strike         decimal.Decimal `json:"strike"`
	TickSize       decimal.Decimal `json:"tick_size"`
	LotSize        int             `json:"lot_size"`
}

// Key returns "EXCHANGE:SYMBOL".
func (i Instrument) Key() string {
	return i.Exchange + ":" + i.TradingSymbol
}

func (i Instrument) IsDerivative() bool {
	return i.Segment == SegmentFutures || i.Segment == SegmentOptions
}

func (i Instrument) String() string {
	return fmt.Sprintf("%s(%d)", i.Key(), i.Token)
}

type DepthLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Orders   int             `json:"orders"`
}

type Depth struct {
	Bids []DepthLevel `json:"buy"`
	Asks []DepthLevel `json:"sell"`
}

// TickEvent is a normalized market snapshot for one instrument. Seq is assigned
// per instrument by the tick pipeline and never decreases for a subscriber.
type TickEvent struct {
	Instrument   Instrument      `json:"instrument"`
	Seq          uint64          `json:"seq"`
	LastPrice    decimal.Decimal `json:"last_price"`
	LastQuantity int64           `json:"last_quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	Volume       int64           `json:"volume"`
	BestBid      decimal.Decimal `json:"best_bid"`
	BestAsk      decimal.Decimal `json:"best_ask"`
	Depth        Depth           `json:"depth"`
	OpenInterest int64           `json:"oi"`
	ExchangeTime time.Time       `json:"exchange_timestamp"`
	ReceivedAt   time.Time       `json:"received_at"`
}

// Channel is the pub/sub channel a tick is published on.
func (t TickEvent) Channel() string {
	return "ticks." + t.Instrument.Exchange + "." + t.Instrument.TradingSymbol
}
