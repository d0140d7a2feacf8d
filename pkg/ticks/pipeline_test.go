package ticks

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gregtusar/brokerd/pkg/bus"
	"github.com/gregtusar/brokerd/pkg/instruments"
	"github.com/gregtusar/brokerd/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	infy = models.Instrument{Token: 408065, Exchange: "NSE", TradingSymbol: "INFY"}
	tcs  = models.Instrument{Token: 2953217, Exchange: "NSE", TradingSymbol: "TCS"}
)

func newTestPipeline(buffer int) *Pipeline {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewPipeline(Config{SubscriberBuffer: buffer}, instruments.NewRegistry(infy, tcs), nil, logger)
}

func ltp(token uint32, paise uint32) []byte {
	return message(packet(token, paise))
}

func fullAt(token uint32, price string, at time.Time) []byte {
	return encodeFull(Quote{Token: token, LastPrice: decimal.RequireFromString(price), ExchangeTime: at})
}

func TestPipeline_SequencePerInstrument(t *testing.T) {
	p := newTestPipeline(64)
	sub := p.Subscribe("test", nil)
	defer sub.Close()

	for i := 0; i < 3; i++ {
		p.OnRawTick("c1", ltp(infy.Token, 100+uint32(i)))
		p.OnRawTick("c1", ltp(tcs.Token, 200+uint32(i)))
	}

	last := map[uint32]uint64{}
	for i := 0; i < 6; i++ {
		ev, err := sub.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, last[ev.Instrument.Token]+1, ev.Seq)
		last[ev.Instrument.Token] = ev.Seq
		assert.False(t, ev.ReceivedAt.IsZero())
	}
	assert.Equal(t, map[uint32]uint64{infy.Token: 3, tcs.Token: 3}, last)
}

func TestPipeline_ConcurrentConsumersSeeNonDecreasingSeq(t *testing.T) {
	p := newTestPipeline(8)
	const consumers = 4
	const ticks = 2000

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	violations := make(chan uint64, consumers)
	for i := 0; i < consumers; i++ {
		sub := p.Subscribe("consumer", Tokens(infy.Token))
		wg.Add(1)
		go func() {
			defer wg.Done()
			var last uint64
			for {
				ev, err := sub.Next(ctx)
				if err != nil {
					return
				}
				if ev.Seq < last {
					violations <- ev.Seq
					return
				}
				last = ev.Seq
				if ev.Seq == ticks {
					return
				}
			}
		}()
	}

	for i := 0; i < ticks; i++ {
		p.OnRawTick("c1", ltp(infy.Token, uint32(i)))
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumers did not reach the last tick")
	}
	close(violations)
	for seq := range violations {
		t.Errorf("sequence went backwards to %d", seq)
	}
}

func TestSubscription_DropsOldestWhenFull(t *testing.T) {
	p := newTestPipeline(64)
	slow := p.SubscribeBuffered("slow", 2, nil)
	fast := p.Subscribe("fast", nil)

	for i := 1; i <= 5; i++ {
		p.OnRawTick("c1", ltp(infy.Token, uint32(i*100)))
	}

	assert.Equal(t, uint64(3), slow.Dropped())
	assert.Zero(t, fast.Dropped())
	assert.Equal(t, 5, fast.Len())

	ev, err := slow.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), ev.Seq)
	ev, err = slow.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), ev.Seq)

	assert.Equal(t, uint64(3), p.Stats().Dropped)
}

func TestPipeline_CountsDiscards(t *testing.T) {
	p := newTestPipeline(64)
	sub := p.Subscribe("test", nil)

	p.OnRawTick("c1", []byte{0x00})
	p.OnRawTick("c1", []byte(`{"type":"tick","data":{`))
	p.OnRawTick("c1", ltp(999, 100))
	p.OnRawTick("c1", message(packet(999, 1), packet(infy.Token, 2)))

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Malformed)
	assert.Equal(t, uint64(2), stats.Unknown)
	assert.Equal(t, uint64(1), stats.Received, "known instrument in a mixed message still flows")
	assert.Equal(t, 1, sub.Len())
}

func TestPipeline_DiscardsOlderExchangeTime(t *testing.T) {
	p := newTestPipeline(64)
	sub := p.Subscribe("test", nil)
	base := time.Unix(1709284500, 0)

	p.OnRawTick("c1", fullAt(infy.Token, "100", base.Add(2*time.Second)))
	p.OnRawTick("c2", fullAt(infy.Token, "99", base.Add(time.Second)))
	p.OnRawTick("c1", fullAt(infy.Token, "101", base.Add(2*time.Second)))

	assert.Equal(t, uint64(1), p.Stats().OutOfOrder)
	require.Equal(t, 2, sub.Len())

	first, _ := sub.Next(context.Background())
	second, _ := sub.Next(context.Background())
	assert.Equal(t, "100", first.LastPrice.String())
	assert.Equal(t, "101", second.LastPrice.String())
	assert.Equal(t, uint64(2), second.Seq)
}

func TestPipeline_FilterByToken(t *testing.T) {
	p := newTestPipeline(64)
	sub := p.Subscribe("tcs-only", Tokens(tcs.Token))

	p.OnRawTick("c1", ltp(infy.Token, 1))
	p.OnRawTick("c1", ltp(tcs.Token, 2))

	require.Equal(t, 1, sub.Len())
	ev, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "TCS", ev.Instrument.TradingSymbol)
}

func TestSubscription_CloseAndContext(t *testing.T) {
	p := newTestPipeline(64)
	sub := p.Subscribe("test", nil)
	assert.Equal(t, 1, p.Stats().Subscribers)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	waiting := make(chan error, 1)
	go func() {
		_, err := sub.Next(context.Background())
		waiting <- err
	}()
	time.Sleep(5 * time.Millisecond)
	sub.Close()
	sub.Close()

	select {
	case err := <-waiting:
		assert.ErrorIs(t, err, ErrSubscriptionClosed)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
	assert.Zero(t, p.Stats().Subscribers)

	p.OnRawTick("c1", ltp(infy.Token, 1))
	assert.Zero(t, sub.Len())
}

func TestForwarder_PublishesOnInstrumentChannel(t *testing.T) {
	p := newTestPipeline(64)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	mem := &bus.Memory{}
	fwd := NewForwarder(p, mem, 16, time.Second, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { fwd.Run(ctx); close(done) }()

	p.OnRawTick("c1", ltp(infy.Token, 150025))
	p.OnRawTick("c1", ltp(tcs.Token, 350000))

	require.Eventually(t, func() bool { return fwd.Published() == 2 }, time.Second, 2*time.Millisecond)
	cancel()
	<-done

	msgs := mem.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "ticks.NSE.INFY", msgs[0].Channel)
	assert.Equal(t, "ticks.NSE.TCS", msgs[1].Channel)

	var ev struct {
		Seq       uint64 `json:"seq"`
		LastPrice string `json:"last_price"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &ev))
	assert.Equal(t, uint64(1), ev.Seq)
	assert.Equal(t, "1500.25", ev.LastPrice)
	assert.Zero(t, p.Stats().Subscribers, "forwarder detaches on exit")
}

func TestForwarder_CountsPublishFailures(t *testing.T) {
	p := newTestPipeline(64)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	mem := &bus.Memory{}
	mem.FailWith(assert.AnError)
	fwd := NewForwarder(p, mem, 16, 0, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fwd.Run(ctx)

	p.OnRawTick("c1", ltp(infy.Token, 1))
	p.OnRawTick("c1", ltp(infy.Token, 2))

	assert.Eventually(t, func() bool { return fwd.Failed() == 2 }, time.Second, 2*time.Millisecond)
	assert.Zero(t, fwd.Published())
}
