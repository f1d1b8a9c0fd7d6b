package derive

import (
	"fmt"
	"math"
	"math/big"
	"sort"
)

// DefaultStepCap bounds the number of base-100 steps taken when looking for
// distinct positions.
const DefaultStepCap = 100

// MaxSteps is the number of base-100 steps a seed of seedBytes bytes can
// feed with a non-zero quotient when its leading byte is set.
func MaxSteps(seedBytes int) int {
	if seedBytes <= 0 {
		return 0
	}
	return int(float64(seedBytes*8) * math.Log10(2) / 2)
}

// ErrPositionsExhausted is returned when the step cap (or the seed's digits)
// run out before enough distinct positions were found.
type ErrPositionsExhausted struct {
	Found, Needed, Steps int
}

func (e *ErrPositionsExhausted) Error() string {
	return fmt.Sprintf("found %d of %d positions after %d steps", e.Found, e.Needed, e.Steps)
}

// Positions computes the fixed major-prize ticket numbers for a pool of
// tagCount tickets. The seed is read as a big-endian unsigned integer S; for
// step = 1, 2, ... the candidate is floor(S / 100^step) mod tagCount + 1.
// Duplicates are skipped. The result is in generation order.
func Positions(seed []byte, tagCount, prizeCount, stepCap int) ([]int, error) {
	if tagCount <= 0 {
		return nil, fmt.Errorf("tag count must be positive, got %d", tagCount)
	}
	if prizeCount < 0 || prizeCount > tagCount {
		return nil, fmt.Errorf("prize count %d out of range for %d tags", prizeCount, tagCount)
	}
	if prizeCount == 0 {
		return []int{}, nil
	}
	if stepCap <= 0 {
		stepCap = DefaultStepCap
	}

	s := new(big.Int).SetBytes(seed)
	hundred := big.NewInt(100)
	tags := big.NewInt(int64(tagCount))
	divisor := big.NewInt(1)
	q := new(big.Int)
	m := new(big.Int)

	seen := make(map[int]bool, prizeCount)
	out := make([]int, 0, prizeCount)
	step := 0
	for step < stepCap && len(out) < prizeCount {
		step++
		divisor.Mul(divisor, hundred)
		q.Quo(s, divisor)
		m.Mod(q, tags)
		pos := int(m.Int64()) + 1
		if !seen[pos] {
			seen[pos] = true
			out = append(out, pos)
		}
		// every later quotient is zero too, so nothing new can appear
		if q.Sign() == 0 {
			break
		}
	}
	if len(out) < prizeCount {
		return nil, &ErrPositionsExhausted{Found: len(out), Needed: prizeCount, Steps: step}
	}
	return out, nil
}

// Sorted returns a sorted copy of positions, the form that is published.
func Sorted(positions []int) []int {
	out := append([]int(nil), positions...)
	sort.Ints(out)
	return out
}

// IndexOf returns the generation index of ticket within positions, or -1.
func IndexOf(positions []int, ticket int) int {
	for i, p := range positions {
		if p == ticket {
			return i
		}
	}
	return -1
}
