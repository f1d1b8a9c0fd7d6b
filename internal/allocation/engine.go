// Package allocation maps derived randomness onto concrete prizes.
//
// A State is a working copy of a product's tiers. The ledger allocates
// against it while holding the product lock, and the verifier replays
// records against a fresh State seeded from the initial counts, so both
// paths share one formula.
package allocation

import (
	"github.com/shopspring/decimal"

	"fairdraw/internal/derive"
	"fairdraw/internal/drawerr"
	"fairdraw/internal/models"
)

// Outcome is the result of allocating one unit.
type Outcome struct {
	TierIndex    int
	Tier         string
	Draw         uint64
	HasDraw      bool
	DerivedIndex int
	Source       models.Source
	IsLastOne    bool
}

// State is the mutable allocation state of one product.
type State struct {
	ProductID   string
	Mode        models.Mode
	Tiers       []models.Tier
	Major       map[string]bool
	LastOneTier string
	ProfitRate  decimal.Decimal
	TotalUnits  int
	NextNonce   int64

	// Positions in generation order and the major tier instance each one
	// holds (major tiers expanded by initial count, in tier order).
	Positions []int
	Instances []int
}

// NewState builds a state from the product's current stock.
func NewState(p models.Product) *State {
	c := p.Clone()
	s := &State{
		ProductID:   c.ID,
		Mode:        c.Mode,
		Tiers:       c.Tiers,
		Major:       c.MajorSet(),
		LastOneTier: c.LastOneTier,
		ProfitRate:  c.ProfitRate,
		TotalUnits:  c.TotalUnits,
		NextNonce:   c.NextNonce,
		Positions:   c.Positions,
	}
	s.Instances = majorInstances(c.Tiers, s.Major)
	return s
}

// NewReplayState builds a state as it was before the first sale.
func NewReplayState(p models.Product) *State {
	c := p.Clone()
	for i := range c.Tiers {
		c.Tiers[i].RemainingCount = c.Tiers[i].InitialCount
	}
	c.NextNonce = 1
	return NewState(c)
}

func majorInstances(tiers []models.Tier, major map[string]bool) []int {
	var out []int
	for i, t := range tiers {
		if !major[t.Label] {
			continue
		}
		for n := 0; n < t.InitialCount; n++ {
			out = append(out, i)
		}
	}
	return out
}

// Remaining returns the unsold units across all tiers.
func (s *State) Remaining() int {
	n := 0
	for _, t := range s.Tiers {
		n += t.RemainingCount
	}
	return n
}

// LiveWeights exposes the current draw table for the given mode of draw.
func (s *State) LiveWeights() []decimal.Decimal {
	if s.Mode == models.ModePositional {
		return liveWeights(s.Tiers, s.minorOnly, nil, decimal.Zero)
	}
	return liveWeights(s.Tiers, s.ordinary, s.Major, s.ProfitRate)
}

func (s *State) ordinary(i int) bool {
	return s.LastOneTier == "" || s.Tiers[i].Label != s.LastOneTier
}

func (s *State) minorOnly(i int) bool {
	return !s.Major[s.Tiers[i].Label]
}

// Allocate assigns one unit for nonce and decrements the chosen tier.
// ticket is the purchased ticket number in positional mode and is ignored
// in stream mode. On error the state is unchanged.
func (s *State) Allocate(seed []byte, nonce int64, ticket int) (Outcome, error) {
	if nonce != s.NextNonce {
		return Outcome{}, &drawerr.Error{Kind: drawerr.KindInvalidNonce, ProductID: s.ProductID, Nonce: nonce, Expected: s.NextNonce}
	}
	remaining := s.Remaining()
	if remaining == 0 {
		return Outcome{}, &drawerr.Error{Kind: drawerr.KindOutOfStock, ProductID: s.ProductID, Nonce: nonce}
	}
	if s.Mode == models.ModePositional && (ticket < 1 || ticket > s.TotalUnits) {
		return Outcome{}, &drawerr.Error{Kind: drawerr.KindInvalidRequest, ProductID: s.ProductID, Nonce: nonce, Ticket: ticket, Msg: "ticket out of range"}
	}

	var (
		out Outcome
		err error
	)
	switch {
	case remaining == 1:
		out, err = s.lastOne(seed, nonce)
	case s.Mode == models.ModePositional:
		out, err = s.positional(seed, nonce, ticket)
	default:
		out, err = s.stream(seed, nonce)
	}
	if err != nil {
		return Outcome{}, err
	}

	s.Tiers[out.TierIndex].RemainingCount--
	s.NextNonce++
	out.Tier = s.Tiers[out.TierIndex].Label
	return out, nil
}

// lastOne routes the final physical unit to the tier holding it.
func (s *State) lastOne(seed []byte, nonce int64) (Outcome, error) {
	for i, t := range s.Tiers {
		if t.RemainingCount == 1 {
			d := derive.Draw(seed, nonce)
			return Outcome{TierIndex: i, Draw: d, HasDraw: true, DerivedIndex: -1, Source: models.SourceLastOne, IsLastOne: true}, nil
		}
	}
	return Outcome{}, &drawerr.Error{Kind: drawerr.KindTierInconsistency, ProductID: s.ProductID, Nonce: nonce, Msg: "one unit remains but no tier holds it"}
}

func (s *State) stream(seed []byte, nonce int64) (Outcome, error) {
	d := derive.Draw(seed, nonce)
	idx := pick(liveWeights(s.Tiers, s.ordinary, s.Major, s.ProfitRate), d)
	if idx < 0 {
		return Outcome{}, &drawerr.Error{Kind: drawerr.KindTierInconsistency, ProductID: s.ProductID, Nonce: nonce, Msg: "live weights sum to zero while units remain"}
	}
	return Outcome{TierIndex: idx, Draw: d, HasDraw: true, DerivedIndex: -1, Source: models.SourceStream}, nil
}

func (s *State) positional(seed []byte, nonce int64, ticket int) (Outcome, error) {
	if i := derive.IndexOf(s.Positions, ticket); i >= 0 {
		if i >= len(s.Instances) {
			return Outcome{}, &drawerr.Error{Kind: drawerr.KindTierInconsistency, ProductID: s.ProductID, Nonce: nonce, Ticket: ticket, Msg: "position without a major tier instance"}
		}
		idx := s.Instances[i]
		if s.Tiers[idx].RemainingCount <= 0 {
			return Outcome{}, &drawerr.Error{Kind: drawerr.KindTierInconsistency, ProductID: s.ProductID, Nonce: nonce, Ticket: ticket, Tier: s.Tiers[idx].Label, Msg: "major position already consumed"}
		}
		return Outcome{TierIndex: idx, DerivedIndex: i, Source: models.SourcePosition}, nil
	}

	d := derive.Draw(seed, nonce)
	idx := pick(liveWeights(s.Tiers, s.minorOnly, nil, decimal.Zero), d)
	if idx < 0 {
		return Outcome{}, &drawerr.Error{Kind: drawerr.KindTierInconsistency, ProductID: s.ProductID, Nonce: nonce, Ticket: ticket, Msg: "no minor stock for a non-prize ticket"}
	}
	return Outcome{TierIndex: idx, Draw: d, HasDraw: true, DerivedIndex: -1, Source: models.SourceMinor}, nil
}
