package strategy

// Interpolate evaluates a piecewise-linear curve at x. Points must be sorted
// by RiskValue ascending; x outside the knots clamps to the endpoint
// multipliers. An empty curve returns the neutral multiplier 1.
func Interpolate(points []AdjustmentPoint, x float64) float64 {
	if len(points) == 0 {
		return 1.0
	}
	if x <= points[0].RiskValue {
		return points[0].Multiplier
	}
	last := points[len(points)-1]
	if x >= last.RiskValue {
		return last.Multiplier
	}

	for i := 1; i < len(points); i++ {
		lo, hi := points[i-1], points[i]
		if x <= hi.RiskValue {
			span := hi.RiskValue - lo.RiskValue
			if span == 0 {
				return hi.Multiplier
			}
			t := (x - lo.RiskValue) / span
			return lo.Multiplier + t*(hi.Multiplier-lo.Multiplier)
		}
	}
	return last.Multiplier
}

// PositionSizePct computes the capital fraction for an entry: the base
// percentage scaled by the risk multiplier, clamped to the configured
// [min, max] band.
func (gl *GlobalLimits) PositionSizePct(riskValue float64) float64 {
	pct := gl.BasePositionPct * Interpolate(gl.RiskAdjustmentPoints, riskValue)
	if pct < gl.MinPositionPct {
		pct = gl.MinPositionPct
	}
	if gl.MaxPositionPct > 0 && pct > gl.MaxPositionPct {
		pct = gl.MaxPositionPct
	}
	return pct
}

// Quantity converts a position size percentage into an order quantity at the
// current price. Returns 0 when price is not positive.
func Quantity(availableCapital, positionSizePct, currentPrice float64) float64 {
	if currentPrice <= 0 {
		return 0
	}
	return availableCapital * (positionSizePct / 100.0) / currentPrice
}

// AdjustedClosePrice applies the risk-indexed close-price adjustment used by
// ZE1 exits: base_price * (1 + adjustment_pct/100), where adjustment_pct is
// interpolated over the close-price curve at the current risk indicator.
func (gl *GlobalLimits) AdjustedClosePrice(basePrice, riskIndicator float64) float64 {
	if len(gl.ClosePriceAdjustmentPoints) == 0 {
		return basePrice
	}
	adjustmentPct := Interpolate(gl.ClosePriceAdjustmentPoints, riskIndicator)
	return basePrice * (1 + adjustmentPct/100.0)
}
