package simulator

import (
	"errors"
	"hash/fnv"
	"math/rand"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/tradesim/tradesim-api/internal/types"
)

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrUnknownInstrument = errors.New("unknown instrument")
)

const (
	// DefaultSpreadPercent is applied when an instrument is registered
	// without an explicit spread.
	DefaultSpreadPercent = 0.001 // 0.1%

	// priceFloor keeps prices strictly positive regardless of how many
	// adverse ticks accumulate.
	priceFloor = 0.01
)

// instrument holds the mutable quote state for one FIGI. Each instrument
// carries its own RNG stream so its price path depends only on the
// simulator seed, the FIGI and the number of ticks applied to it, not on
// activity in other instruments.
type instrument struct {
	lastPrice     float64
	bid           float64
	ask           float64
	volatility    float64
	spreadPercent float64
	driftBias     float64
	rng           *rand.Rand
}

// Simulator owns per-instrument quote state and advances it with a seeded
// geometric random walk. All methods are safe for concurrent use.
type Simulator struct {
	mu          sync.Mutex
	seed        int64
	instruments map[string]*instrument
}

// New creates a Simulator. Two simulators constructed with the same seed
// produce identical price sequences for identical registration and tick
// call sequences.
func New(seed int64) *Simulator {
	return &Simulator{
		seed:        seed,
		instruments: make(map[string]*instrument),
	}
}

// InitInstrument registers an instrument or resets an existing one.
// A spreadPercent of 0 selects the default spread.
func (s *Simulator) InitInstrument(figi string, basePrice, volatility, spreadPercent float64) error {
	if figi == "" {
		return ErrInvalidArgument
	}
	if basePrice <= 0 || volatility < 0 || spreadPercent < 0 {
		return ErrInvalidArgument
	}
	if spreadPercent == 0 {
		spreadPercent = DefaultSpreadPercent
	}

	inst := &instrument{
		lastPrice:     basePrice,
		volatility:    volatility,
		spreadPercent: spreadPercent,
		rng:           rand.New(rand.NewSource(streamSeed(s.seed, figi))),
	}
	inst.reprice(basePrice)

	s.mu.Lock()
	s.instruments[figi] = inst
	s.mu.Unlock()

	log.Debug().
		Str("figi", figi).
		Float64("base_price", basePrice).
		Float64("volatility", volatility).
		Float64("spread_percent", spreadPercent).
		Msg("instrument registered")

	return nil
}

// InitInstrumentScenario registers an instrument using a scenario preset.
func (s *Simulator) InitInstrumentScenario(figi string, sc Scenario) error {
	if err := s.InitInstrument(figi, sc.BasePrice, sc.Volatility, sc.SpreadPercent); err != nil {
		return err
	}
	if sc.DriftBias != 0 {
		s.mu.Lock()
		if inst, ok := s.instruments[figi]; ok {
			inst.driftBias = sc.DriftBias
		}
		s.mu.Unlock()
	}
	return nil
}

// GetQuote returns a snapshot of the instrument's quote. The second return
// value is false when the instrument was never registered.
func (s *Simulator) GetQuote(figi string) (types.Quote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instruments[figi]
	if !ok {
		return types.Quote{}, false
	}
	return types.Quote{
		FIGI:      figi,
		Bid:       inst.bid,
		Ask:       inst.ask,
		LastPrice: inst.lastPrice,
	}, true
}

// Tick advances one instrument by a single random-walk step.
func (s *Simulator) Tick(figi string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instruments[figi]
	if !ok {
		return ErrUnknownInstrument
	}
	inst.step()
	return nil
}

// TickAll advances every listed instrument, skipping unknown keys.
func (s *Simulator) TickAll(figis []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, figi := range figis {
		if inst, ok := s.instruments[figi]; ok {
			inst.step()
		}
	}
}

// Instruments returns the registered FIGIs.
func (s *Simulator) Instruments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.instruments))
	for figi := range s.instruments {
		keys = append(keys, figi)
	}
	return keys
}

// Clear removes all instruments. Test support.
func (s *Simulator) Clear() {
	s.mu.Lock()
	s.instruments = make(map[string]*instrument)
	s.mu.Unlock()
}

// step applies one geometric random-walk move:
//
//	price' = max(floor, price * (1 + drift + N(0, volatility)))
func (i *instrument) step() {
	move := i.driftBias + i.rng.NormFloat64()*i.volatility
	next := i.lastPrice * (1 + move)
	if next < priceFloor {
		next = priceFloor
	}
	i.reprice(next)
}

// reprice recomputes bid and ask around the given last price.
func (i *instrument) reprice(price float64) {
	i.lastPrice = price
	i.bid = price * (1 - i.spreadPercent/2)
	i.ask = price * (1 + i.spreadPercent/2)
}

// streamSeed derives a per-instrument seed so each FIGI gets an
// independent, reproducible RNG stream.
func streamSeed(seed int64, figi string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(figi))
	return seed ^ int64(h.Sum64())
}
