package simulator

// Scenario is an immutable market-condition preset. It packages the
// volatility, spread and directional drift used to initialise an
// instrument or to parameterise a single order evaluation.
type Scenario struct {
	Name          string
	BasePrice     float64
	Volatility    float64
	SpreadPercent float64
	DriftBias     float64 // per-tick relative drift, positive is upward
}

// Realistic models a calm large-cap instrument: modest volatility, tight
// spread, no drift.
func Realistic(basePrice float64) Scenario {
	return Scenario{
		Name:          "realistic",
		BasePrice:     basePrice,
		Volatility:    0.02,
		SpreadPercent: DefaultSpreadPercent,
	}
}

// Bullish adds a small upward drift to the realistic baseline.
func Bullish(basePrice float64) Scenario {
	return Scenario{
		Name:          "bullish",
		BasePrice:     basePrice,
		Volatility:    0.02,
		SpreadPercent: DefaultSpreadPercent,
		DriftBias:     0.005,
	}
}

// Bearish adds a small downward drift to the realistic baseline.
func Bearish(basePrice float64) Scenario {
	return Scenario{
		Name:          "bearish",
		BasePrice:     basePrice,
		Volatility:    0.02,
		SpreadPercent: DefaultSpreadPercent,
		DriftBias:     -0.005,
	}
}

// Crash models a fast sell-off: heavy downward drift, wide spread and
// elevated volatility.
func Crash(basePrice float64) Scenario {
	return Scenario{
		Name:          "crash",
		BasePrice:     basePrice,
		Volatility:    0.08,
		SpreadPercent: 0.01,
		DriftBias:     -0.05,
	}
}
