// Package instruments is the read-mostly instrument registry, loaded from the
// broker's instrument dump.
package instruments

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gregtusar/brokerd/pkg/models"
	"github.com/shopspring/decimal"
)

// Lookup is the read side used by the streaming core.
type Lookup interface {
	ByToken(token uint32) (models.Instrument, bool)
	BySymbol(exchange, symbol string) (models.Instrument, bool)
}

type Registry struct {
	mu       sync.RWMutex
	byToken  map[uint32]models.Instrument
	bySymbol map[string]uint32
}

func NewRegistry(list ...models.Instrument) *Registry {
	r := &Registry{
		byToken:  make(map[uint32]models.Instrument),
		bySymbol: make(map[string]uint32),
	}
	r.Replace(list)
	return r
}

func (r *Registry) ByToken(token uint32) (models.Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.byToken[token]
	return inst, ok
}

func (r *Registry) BySymbol(exchange, symbol string) (models.Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tok, ok := r.bySymbol[symbolKey(exchange, symbol)]
	if !ok {
		return models.Instrument{}, false
	}
	return r.byToken[tok], true
}

// Resolve maps "EXCHANGE:SYMBOL" keys to instruments, returning the keys that
// could not be resolved separately.
func (r *Registry) Resolve(keys []string) ([]models.Instrument, []string) {
	var found []models.Instrument
	var missing []string
	for _, key := range keys {
		exchange, symbol, ok := strings.Cut(key, ":")
		if !ok {
			missing = append(missing, key)
			continue
		}
		inst, ok := r.BySymbol(exchange, symbol)
		if !ok {
			missing = append(missing, key)
			continue
		}
		found = append(found, inst)
	}
	return found, missing
}

// Replace swaps the whole registry content atomically.
func (r *Registry) Replace(list []models.Instrument) {
	byToken := make(map[uint32]models.Instrument, len(list))
	bySymbol := make(map[string]uint32, len(list))
	for _, inst := range list {
		byToken[inst.Token] = inst
		bySymbol[symbolKey(inst.Exchange, inst.TradingSymbol)] = inst.Token
	}
	r.mu.Lock()
	r.byToken = byToken
	r.bySymbol = bySymbol
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byToken)
}

// All returns every instrument ordered by token.
func (r *Registry) All() []models.Instrument {
	r.mu.RLock()
	out := make([]models.Instrument, 0, len(r.byToken))
	for _, inst := range r.byToken {
		out = append(out, inst)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

func symbolKey(exchange, symbol string) string {
	return strings.ToUpper(exchange) + ":" + strings.ToUpper(symbol)
}

// LoadFile reads an instrument dump from disk.
func LoadFile(path string) ([]models.Instrument, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open instruments file: %w", err)
	}
	defer f.Close()
	return LoadCSV(f)
}

// LoadCSV parses the broker instrument dump. Columns are located by header
// name so extra or reordered columns are tolerated.
func LoadCSV(r io.Reader) ([]models.Instrument, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, required := range []string{"instrument_token", "tradingsymbol", "exchange"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	field := func(rec []string, name string) string {
		if i, ok := col[name]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	var out []models.Instrument
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		token, err := strconv.ParseUint(field(rec, "instrument_token"), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid instrument_token: %w", line, err)
		}
		inst := models.Instrument{
			Token:          uint32(token),
			Exchange:       field(rec, "exchange"),
			TradingSymbol:  field(rec, "tradingsymbol"),
			Name:           field(rec, "name"),
			InstrumentType: field(rec, "instrument_type"),
			Segment:        segmentOf(field(rec, "segment"), field(rec, "instrument_type")),
		}
		if v := field(rec, "expiry"); v != "" {
			if inst.Expiry, err = time.Parse("2006-01-02", v); err != nil {
				return nil, fmt.Errorf("line %d: invalid expiry: %w", line, err)
			}
		}
		if v := field(rec, "strike"); v != "" {
			if inst.Strike, err = decimal.NewFromString(v); err != nil {
				return nil, fmt.Errorf("line %d: invalid strike: %w", line, err)
			}
		}
		if v := field(rec, "tick_size"); v != "" {
			if inst.TickSize, err = decimal.NewFromString(v); err != nil {
				return nil, fmt.Errorf("line %d: invalid tick_size: %w", line, err)
			}
		}
		if v := field(rec, "lot_size"); v != "" {
			if inst.LotSize, err = strconv.Atoi(v); err != nil {
				return nil, fmt.Errorf("line %d: invalid lot_size: %w", line, err)
			}
		}
		out = append(out, inst)
	}
	return out, nil
}

func segmentOf(segment, instrumentType string) models.Segment {
	switch {
	case strings.HasSuffix(segment, "INDICES"):
		return models.SegmentIndex
	case instrumentType == "FUT":
		return models.SegmentFutures
	case instrumentType == "CE" || instrumentType == "PE":
		return models.SegmentOptions
	default:
		return models.SegmentEquity
	}
}
