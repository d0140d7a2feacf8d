package ticks

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gregtusar/brokerd/pkg/models"
	"github.com/shopspring/decimal"
)

var ErrMalformed = errors.New("malformed tick payload")

// Packet sizes of the binary stream, one per mode.
const (
	packetLTP        = 8
	packetIndexQuote = 28
	packetIndexFull  = 32
	packetQuote      = 44
	packetFull       = 184
)

// Exchange segments encoded in the low byte of an instrument token.
const (
	segmentCDS = 3
	segmentBCD = 6
)

// Quote is one decoded market update before it is bound to an instrument.
type Quote struct {
	Token        uint32
	LastPrice    decimal.Decimal
	LastQuantity int64
	AveragePrice decimal.Decimal
	Volume       int64
	OpenInterest int64
	Depth        models.Depth
	ExchangeTime time.Time
}

func (q Quote) bestBid() decimal.Decimal {
	if len(q.Depth.Bids) == 0 {
		return decimal.Zero
	}
	return q.Depth.Bids[0].Price
}

func (q Quote) bestAsk() decimal.Decimal {
	if len(q.Depth.Asks) == 0 {
		return decimal.Zero
	}
	return q.Depth.Asks[0].Price
}

// Decode parses a raw stream payload. Text payloads are JSON envelopes, any
// other payload is a binary quote message.
func Decode(payload []byte) ([]Quote, error) {
	trimmed := bytes.TrimLeft(payload, " \t\r\n")
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return decodeJSON(trimmed)
	}
	return decodeBinary(payload)
}

func decodeBinary(b []byte) ([]Quote, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	count := int(binary.BigEndian.Uint16(b))
	off := 2
	out := make([]Quote, 0, count)
	for i := 0; i < count; i++ {
		if off+2 > len(b) {
			return nil, fmt.Errorf("%w: truncated header of packet %d", ErrMalformed, i)
		}
		size := int(binary.BigEndian.Uint16(b[off:]))
		off += 2
		if off+size > len(b) {
			return nil, fmt.Errorf("%w: packet %d wants %d bytes, %d left", ErrMalformed, i, size, len(b)-off)
		}
		q, err := decodePacket(b[off : off+size])
		if err != nil {
			return nil, err
		}
		out = append(out, q)
		off += size
	}
	return out, nil
}

func decodePacket(p []byte) (Quote, error) {
	if len(p) < packetLTP {
		return Quote{}, fmt.Errorf("%w: packet of %d bytes", ErrMalformed, len(p))
	}
	q := Quote{Token: binary.BigEndian.Uint32(p)}
	exp := priceExponent(q.Token)
	price := func(off int) decimal.Decimal {
		return decimal.New(int64(int32(binary.BigEndian.Uint32(p[off:]))), exp)
	}
	integer := func(off int) int64 {
		return int64(int32(binary.BigEndian.Uint32(p[off:])))
	}
	q.LastPrice = price(4)

	switch len(p) {
	case packetLTP:
	case packetIndexQuote, packetIndexFull:
		// token, ltp, high, low, open, close, change [, exchange time]
		if len(p) == packetIndexFull {
			q.ExchangeTime = time.Unix(integer(28), 0)
		}
	case packetQuote, packetFull:
		q.LastQuantity = integer(8)
		q.AveragePrice = price(12)
		q.Volume = integer(16)
		if len(p) == packetFull {
			q.OpenInterest = integer(48)
			q.ExchangeTime = time.Unix(integer(60), 0)
			q.Depth = decodeDepth(p[64:], exp)
		}
	default:
		return Quote{}, fmt.Errorf("%w: unknown packet size %d", ErrMalformed, len(p))
	}
	return q, nil
}

// decodeDepth reads five bid levels then five ask levels of 12 bytes each:
// quantity, price, order count and two bytes of padding.
func decodeDepth(p []byte, exp int32) models.Depth {
	var d models.Depth
	for i := 0; i < 10; i++ {
		off := i * 12
		level := models.DepthLevel{
			Quantity: int64(int32(binary.BigEndian.Uint32(p[off:]))),
			Price:    decimal.New(int64(int32(binary.BigEndian.Uint32(p[off+4:]))), exp),
			Orders:   int(binary.BigEndian.Uint16(p[off+8:])),
		}
		if i < 5 {
			d.Bids = append(d.Bids, level)
		} else {
			d.Asks = append(d.Asks, level)
		}
	}
	return d
}

// priceExponent gives the scale of integer prices: paise for most segments,
// finer for currency derivatives.
func priceExponent(token uint32) int32 {
	switch token & 0xff {
	case segmentCDS:
		return -7
	case segmentBCD:
		return -4
	default:
		return -2
	}
}

type jsonEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type jsonLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Orders   int             `json:"orders"`
}

type jsonTick struct {
	Token        uint32          `json:"instrument_token"`
	LastPrice    decimal.Decimal `json:"last_price"`
	LastQuantity int64           `json:"last_quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	Volume       int64           `json:"volume"`
	OpenInterest int64           `json:"oi"`
	ExchangeTime *time.Time      `json:"exchange_timestamp"`
	Depth        *struct {
		Buy  []jsonLevel `json:"buy"`
		Sell []jsonLevel `json:"sell"`
	} `json:"depth"`
}

func (t jsonTick) quote() (Quote, error) {
	if t.Token == 0 {
		return Quote{}, fmt.Errorf("%w: tick without instrument_token", ErrMalformed)
	}
	q := Quote{
		Token:        t.Token,
		LastPrice:    t.LastPrice,
		LastQuantity: t.LastQuantity,
		AveragePrice: t.AveragePrice,
		Volume:       t.Volume,
		OpenInterest: t.OpenInterest,
	}
	if t.ExchangeTime != nil {
		q.ExchangeTime = *t.ExchangeTime
	}
	if t.Depth != nil {
		for _, l := range t.Depth.Buy {
			q.Depth.Bids = append(q.Depth.Bids, models.DepthLevel(l))
		}
		for _, l := range t.Depth.Sell {
			q.Depth.Asks = append(q.Depth.Asks, models.DepthLevel(l))
		}
	}
	return q, nil
}

// decodeJSON accepts {"type":"tick","data":{..}}, {"type":"ticks","data":[..]}
// and a bare array of ticks.
func decodeJSON(b []byte) ([]Quote, error) {
	raw := b
	if b[0] == '{' {
		var env jsonEnvelope
		if err := json.Unmarshal(b, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		switch env.Type {
		case "tick", "ticks":
		default:
			return nil, fmt.Errorf("%w: message type %q", ErrMalformed, env.Type)
		}
		raw = bytes.TrimLeft(env.Data, " \t\r\n")
		if len(raw) == 0 {
			return nil, fmt.Errorf("%w: empty data", ErrMalformed)
		}
	}

	var ticks []jsonTick
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &ticks); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	} else {
		var one jsonTick
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		ticks = append(ticks, one)
	}

	out := make([]Quote, 0, len(ticks))
	for _, t := range ticks {
		q, err := t.quote()
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}
