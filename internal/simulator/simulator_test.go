package simulator

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const figiSber = "BBG004730N88"

func TestInitInstrument_Validation(t *testing.T) {
	tests := []struct {
		name          string
		figi          string
		basePrice     float64
		volatility    float64
		spreadPercent float64
		wantErr       bool
	}{
		{"valid", figiSber, 280.0, 0.02, 0.001, false},
		{"default spread", figiSber, 280.0, 0.02, 0, false},
		{"zero volatility", figiSber, 280.0, 0, 0, false},
		{"empty figi", "", 280.0, 0.02, 0, true},
		{"zero base price", figiSber, 0, 0.02, 0, true},
		{"negative base price", figiSber, -1, 0.02, 0, true},
		{"negative volatility", figiSber, 280.0, -0.01, 0, true},
		{"negative spread", figiSber, 280.0, 0.02, -0.001, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := New(1)
			err := sim.InitInstrument(tt.figi, tt.basePrice, tt.volatility, tt.spreadPercent)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidArgument)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestInitInstrument_SetsQuoteAroundBasePrice(t *testing.T) {
	sim := New(1)
	require.NoError(t, sim.InitInstrument(figiSber, 280.0, 0.02, 0))

	quote, ok := sim.GetQuote(figiSber)
	require.True(t, ok)
	assert.Equal(t, 280.0, quote.LastPrice)
	assert.InDelta(t, 280.0*(1-DefaultSpreadPercent/2), quote.Bid, 1e-9)
	assert.InDelta(t, 280.0*(1+DefaultSpreadPercent/2), quote.Ask, 1e-9)
}

func TestInitInstrument_ReinitResetsState(t *testing.T) {
	sim := New(1)
	require.NoError(t, sim.InitInstrument(figiSber, 280.0, 0.02, 0))
	for i := 0; i < 10; i++ {
		require.NoError(t, sim.Tick(figiSber))
	}

	require.NoError(t, sim.InitInstrument(figiSber, 100.0, 0.01, 0))
	quote, ok := sim.GetQuote(figiSber)
	require.True(t, ok)
	assert.Equal(t, 100.0, quote.LastPrice)
}

func TestGetQuote_UnknownInstrument(t *testing.T) {
	sim := New(1)
	_, ok := sim.GetQuote("nope")
	assert.False(t, ok)
}

func TestTick_UnknownInstrument(t *testing.T) {
	sim := New(1)
	assert.ErrorIs(t, sim.Tick("nope"), ErrUnknownInstrument)
}

// Two simulators with the same seed and the same call sequence must
// produce identical price sequences.
func TestDeterminism_SameSeedSamePrices(t *testing.T) {
	const seed, ticks = 42, 100

	run := func() []float64 {
		sim := New(seed)
		require.NoError(t, sim.InitInstrument(figiSber, 280.0, 0.02, 0))
		prices := make([]float64, 0, ticks)
		for i := 0; i < ticks; i++ {
			require.NoError(t, sim.Tick(figiSber))
			quote, ok := sim.GetQuote(figiSber)
			require.True(t, ok)
			prices = append(prices, quote.LastPrice)
		}
		return prices
	}

	assert.Equal(t, run(), run())
}

func TestDeterminism_DifferentSeedsDiverge(t *testing.T) {
	prices := func(seed int64) float64 {
		sim := New(seed)
		require.NoError(t, sim.InitInstrument(figiSber, 280.0, 0.02, 0))
		for i := 0; i < 10; i++ {
			require.NoError(t, sim.Tick(figiSber))
		}
		quote, _ := sim.GetQuote(figiSber)
		return quote.LastPrice
	}

	assert.NotEqual(t, prices(1), prices(2))
}

// An instrument's stream is derived from the simulator seed and its own
// key, so activity in other instruments does not change its path.
func TestDeterminism_StreamsIndependentAcrossInstruments(t *testing.T) {
	const seed, ticks = 42, 50

	solo := New(seed)
	require.NoError(t, solo.InitInstrument(figiSber, 280.0, 0.02, 0))

	crowded := New(seed)
	require.NoError(t, crowded.InitInstrument(figiSber, 280.0, 0.02, 0))
	require.NoError(t, crowded.InitInstrument("BBG004730RP0", 160.0, 0.05, 0))

	for i := 0; i < ticks; i++ {
		require.NoError(t, solo.Tick(figiSber))
		crowded.TickAll([]string{"BBG004730RP0", figiSber})
	}

	q1, _ := solo.GetQuote(figiSber)
	q2, _ := crowded.GetQuote(figiSber)
	assert.Equal(t, q1.LastPrice, q2.LastPrice)
}

// The price floor must hold even under violent downward pressure.
func TestPositivity_PriceNeverReachesZero(t *testing.T) {
	sim := New(7)
	require.NoError(t, sim.InitInstrumentScenario(figiSber, Crash(1.0)))

	for i := 0; i < 10_000; i++ {
		require.NoError(t, sim.Tick(figiSber))
		quote, ok := sim.GetQuote(figiSber)
		require.True(t, ok)
		require.GreaterOrEqual(t, quote.LastPrice, 0.01)
	}
}

func TestSpreadInvariant_BidNeverAboveAsk(t *testing.T) {
	sim := New(3)
	require.NoError(t, sim.InitInstrument(figiSber, 280.0, 0.05, 0.002))

	for i := 0; i < 1000; i++ {
		require.NoError(t, sim.Tick(figiSber))
		quote, ok := sim.GetQuote(figiSber)
		require.True(t, ok)
		require.LessOrEqual(t, quote.Bid, quote.LastPrice)
		require.LessOrEqual(t, quote.LastPrice, quote.Ask)
	}
}

func TestClear_RemovesAllInstruments(t *testing.T) {
	sim := New(1)
	require.NoError(t, sim.InitInstrument(figiSber, 280.0, 0.02, 0))
	sim.Clear()

	_, ok := sim.GetQuote(figiSber)
	assert.False(t, ok)
	assert.Empty(t, sim.Instruments())
}

func TestScenarioPresets(t *testing.T) {
	realistic := Realistic(280.0)
	assert.Equal(t, 280.0, realistic.BasePrice)
	assert.Zero(t, realistic.DriftBias)

	assert.Positive(t, Bullish(280.0).DriftBias)
	assert.Negative(t, Bearish(280.0).DriftBias)

	crash := Crash(280.0)
	assert.Negative(t, crash.DriftBias)
	assert.Greater(t, crash.Volatility, realistic.Volatility)
}

func TestScenario_DriftBiasMovesPrices(t *testing.T) {
	sim := New(11)
	require.NoError(t, sim.InitInstrumentScenario(figiSber, Crash(280.0)))

	for i := 0; i < 50; i++ {
		require.NoError(t, sim.Tick(figiSber))
	}
	quote, _ := sim.GetQuote(figiSber)
	assert.Less(t, quote.LastPrice, 280.0)
}

// Tick and GetQuote race against each other without corrupting state.
func TestConcurrentTickAndRead(t *testing.T) {
	sim := New(5)
	require.NoError(t, sim.InitInstrument(figiSber, 280.0, 0.02, 0))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				_ = sim.Tick(figiSber)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				quote, ok := sim.GetQuote(figiSber)
				if ok && quote.Bid > quote.Ask {
					t.Error("bid above ask")
					return
				}
			}
		}()
	}
	wg.Wait()
}
