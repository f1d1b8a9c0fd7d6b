package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mode selects how units of a product are allocated.
type Mode string

const (
	// ModeStream draws one probability outcome per unit; units are fungible.
	ModeStream Mode = "stream"
	// ModePositional fixes major prizes to numbered tickets in advance.
	ModePositional Mode = "positional"
)

// Status is the lifecycle state of a product.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusSoldOut  Status = "sold_out"
	StatusRevealed Status = "revealed"
	StatusArchived Status = "archived"
)

// Termination records how a product stopped selling.
type Termination string

const (
	TerminationNone    Termination = ""
	TerminationSoldOut Termination = "sold_out"
	TerminationForced  Termination = "forced"
)

// Tier is one prize category with its own stock.
// Tiers are drawn in the order they appear in the product definition.
type Tier struct {
	Label          string          `json:"label"`
	DisplayName    string          `json:"display_name"`
	InitialCount   int             `json:"initial_count"`
	RemainingCount int             `json:"remaining_count"`
	BaseWeight     decimal.Decimal `json:"base_weight"` // published nominal weight; draws use live stock
}

// Product is one sellable lottery product and its draw pool.
type Product struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Mode        Mode            `json:"mode"`
	TotalUnits  int             `json:"total_units"`
	Tiers       []Tier          `json:"tiers"`
	MajorTiers  []string        `json:"major_tiers"`
	LastOneTier string          `json:"last_one_tier,omitempty"`
	ProfitRate  decimal.Decimal `json:"profit_rate"`

	// Seed and Positions stay private until the product is revealed.
	// StepCap is the base-100 step limit the positions were derived with.
	Seed       []byte `json:"-"`
	Positions  []int  `json:"-"`
	StepCap    int    `json:"step_cap,omitempty"`
	Commitment string `json:"commitment"`

	NextNonce   int64       `json:"next_nonce"`
	Version     int64       `json:"version"`
	Status      Status      `json:"status"`
	Termination Termination `json:"termination,omitempty"`
	ForceReason string      `json:"force_reason,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	ActivatedAt time.Time `json:"activated_at"`
	SoldOutAt   time.Time `json:"sold_out_at"`
	RevealedAt  time.Time `json:"revealed_at"`
	ArchivedAt  time.Time `json:"archived_at"`
}

// ProductDefinition is what an operator submits to put a product on sale.
type ProductDefinition struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Mode        Mode            `json:"mode"`
	Tiers       []Tier          `json:"tiers"`
	MajorTiers  []string        `json:"major_tiers"`
	LastOneTier string          `json:"last_one_tier,omitempty"`
	ProfitRate  decimal.Decimal `json:"profit_rate"`
}

// Remaining returns the number of unsold units across all tiers.
func (p *Product) Remaining() int {
	n := 0
	for _, t := range p.Tiers {
		n += t.RemainingCount
	}
	return n
}

// PrizeCount is the number of major prize units; in positional mode it is
// the number of fixed ticket positions.
func (p *Product) PrizeCount() int {
	major := p.MajorSet()
	n := 0
	for _, t := range p.Tiers {
		if major[t.Label] {
			n += t.InitialCount
		}
	}
	return n
}

// MajorSet returns the major tier labels as a set.
func (p *Product) MajorSet() map[string]bool {
	set := make(map[string]bool, len(p.MajorTiers))
	for _, l := range p.MajorTiers {
		set[l] = true
	}
	return set
}

// Revealed reports whether the seed may be published.
func (p *Product) Revealed() bool {
	return p.Status == StatusRevealed || p.Status == StatusArchived
}

// Clone returns a deep copy so callers can mutate tiers freely.
func (p Product) Clone() Product {
	c := p
	c.Tiers = append([]Tier(nil), p.Tiers...)
	c.MajorTiers = append([]string(nil), p.MajorTiers...)
	c.Seed = append([]byte(nil), p.Seed...)
	c.Positions = append([]int(nil), p.Positions...)
	return c
}
