package allocation

import (
	"math/big"

	"github.com/shopspring/decimal"

	"fairdraw/internal/models"
)

var (
	one     = decimal.NewFromInt(1)
	twoTo64 = decimal.NewFromBigInt(new(big.Int).Lsh(big.NewInt(1), 64), 0)
)

// liveWeights returns one weight per tier (zero for ineligible tiers) built
// from remaining stock. When a profit rate is set, the combined mass of the
// major tiers is scaled by rate and minor tiers share the rest:
//
//	T  = eligible remaining, Mj = major remaining, Mn = T - Mj
//	major_i = rem_i * rate * Mn
//	minor_j = rem_j * (T - rate*Mj)
//
// Both are the normalized probabilities multiplied by T*Mn, so the table
// stays exact. If rate*Mj reaches T the majors take the whole mass.
func liveWeights(tiers []models.Tier, eligible func(int) bool, major map[string]bool, rate decimal.Decimal) []decimal.Decimal {
	weights := make([]decimal.Decimal, len(tiers))
	var total, majorRem int64
	for i, t := range tiers {
		if !eligible(i) || t.RemainingCount <= 0 {
			continue
		}
		total += int64(t.RemainingCount)
		if major[t.Label] {
			majorRem += int64(t.RemainingCount)
		}
	}
	minorRem := total - majorRem

	adjust := !rate.IsZero() && !rate.Equal(one) && majorRem > 0 && minorRem > 0
	var majorFactor, minorFactor decimal.Decimal
	if adjust {
		scaled := rate.Mul(decimal.NewFromInt(majorRem))
		if scaled.GreaterThanOrEqual(decimal.NewFromInt(total)) {
			majorFactor, minorFactor = one, decimal.Zero
		} else {
			majorFactor = rate.Mul(decimal.NewFromInt(minorRem))
			minorFactor = decimal.NewFromInt(total).Sub(scaled)
		}
	}

	for i, t := range tiers {
		if !eligible(i) || t.RemainingCount <= 0 {
			weights[i] = decimal.Zero
			continue
		}
		w := decimal.NewFromInt(int64(t.RemainingCount))
		if adjust {
			if major[t.Label] {
				w = w.Mul(majorFactor)
			} else {
				w = w.Mul(minorFactor)
			}
		}
		weights[i] = w
	}
	return weights
}

// pick walks the cumulative table in tier order and returns the first tier
// whose boundary exceeds draw/2^64, compared exactly as
// cum * 2^64 > draw * total. It returns -1 when all weights are zero.
func pick(weights []decimal.Decimal, draw uint64) int {
	total := decimal.Zero
	for _, w := range weights {
		total = total.Add(w)
	}
	if !total.IsPositive() {
		return -1
	}
	target := decimal.NewFromBigInt(new(big.Int).SetUint64(draw), 0).Mul(total)
	cum := decimal.Zero
	for i, w := range weights {
		if !w.IsPositive() {
			continue
		}
		cum = cum.Add(w)
		if cum.Mul(twoTo64).GreaterThan(target) {
			return i
		}
	}
	// unreachable: the last positive boundary equals total and draw < 2^64
	return -1
}

// Probabilities renders the live table as fractions of one, for display.
func Probabilities(weights []decimal.Decimal) []decimal.Decimal {
	total := decimal.Zero
	for _, w := range weights {
		total = total.Add(w)
	}
	out := make([]decimal.Decimal, len(weights))
	for i, w := range weights {
		if total.IsPositive() {
			out[i] = w.Div(total)
		} else {
			out[i] = decimal.Zero
		}
	}
	return out
}
