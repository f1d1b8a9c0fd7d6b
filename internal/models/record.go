package models

import (
	"encoding/hex"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Source tells how a record's tier was decided.
type Source string

const (
	SourceStream   Source = "stream"   // live-weighted draw over all eligible tiers
	SourcePosition Source = "position" // fixed major position
	SourceMinor    Source = "minor"    // live-weighted draw over minor tiers
	SourceLastOne  Source = "last_one" // final physical unit
)

// DrawRecord is the append-only audit entry for one unit sold.
type DrawRecord struct {
	ID           string    `json:"id"`
	ProductID    string    `json:"product_id"`
	AccountID    string    `json:"account_id"`
	Nonce        int64     `json:"nonce"`
	TicketNumber int       `json:"ticket_number"`
	Tier         string    `json:"tier"`
	Draw         string    `json:"draw,omitempty"` // hex of the 8-byte keyed-hash prefix
	RandomValue  float64   `json:"random_value"`
	DerivedIndex int       `json:"derived_index"`
	Source       Source    `json:"source"`
	IsLastOne    bool      `json:"is_last_one"`
	CreatedAt    time.Time `json:"created_at"`
}

// PublicRecord is the view of a product anyone may read. Seed and
// Positions are empty until the product is revealed.
type PublicRecord struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Mode        Mode            `json:"mode"`
	TotalUnits  int             `json:"total_units"`
	PrizeCount  int             `json:"prize_count"`
	Tiers       []Tier          `json:"tiers"`
	MajorTiers  []string        `json:"major_tiers"`
	LastOneTier string          `json:"last_one_tier,omitempty"`
	ProfitRate  decimal.Decimal `json:"profit_rate"`
	StepCap     int             `json:"step_cap,omitempty"`
	Commitment  string          `json:"commitment"`
	Seed        string          `json:"seed,omitempty"`
	Positions   []int           `json:"positions,omitempty"`
	Remaining   int             `json:"remaining"`
	NextNonce   int64           `json:"next_nonce"`
	Status      Status          `json:"status"`
	Termination Termination     `json:"termination,omitempty"`
}

// Public builds the public view of p.
func (p *Product) Public() PublicRecord {
	pub := PublicRecord{
		ID:          p.ID,
		Name:        p.Name,
		Mode:        p.Mode,
		TotalUnits:  p.TotalUnits,
		PrizeCount:  p.PrizeCount(),
		Tiers:       append([]Tier(nil), p.Tiers...),
		MajorTiers:  append([]string(nil), p.MajorTiers...),
		LastOneTier: p.LastOneTier,
		ProfitRate:  p.ProfitRate,
		StepCap:     p.StepCap,
		Commitment:  p.Commitment,
		Remaining:   p.Remaining(),
		NextNonce:   p.NextNonce,
		Status:      p.Status,
		Termination: p.Termination,
	}
	if p.Revealed() {
		pub.Seed = hex.EncodeToString(p.Seed)
		pub.Positions = append([]int(nil), p.Positions...)
		sort.Ints(pub.Positions)
	}
	return pub
}

// MismatchKind classifies a verification finding.
type MismatchKind string

const (
	MismatchTier      MismatchKind = "tier"
	MismatchDuplicate MismatchKind = "duplicate"
	MismatchNonceGap  MismatchKind = "nonce_gap"
	MismatchLastOne   MismatchKind = "last_one"
	MismatchTicket    MismatchKind = "ticket"
	MismatchDraw      MismatchKind = "draw"
	MismatchCoverage  MismatchKind = "coverage"
	MismatchSource    MismatchKind = "source"
	MismatchDerived   MismatchKind = "derived_index"
)

// Mismatch is one discrepancy found by the verifier.
type Mismatch struct {
	Nonce        int64        `json:"nonce"`
	TicketNumber int          `json:"ticket_number,omitempty"`
	Kind         MismatchKind `json:"kind"`
	Stored       string       `json:"stored,omitempty"`
	Expected     string       `json:"expected,omitempty"`
	Detail       string       `json:"detail,omitempty"`
}

// VerificationReport is the verifier's itemized result.
type VerificationReport struct {
	ProductID       string     `json:"product_id"`
	CommitmentValid bool       `json:"commitment_valid"`
	OK              bool       `json:"ok"`
	Checked         int        `json:"checked"`
	Positions       []int      `json:"positions,omitempty"`
	Mismatches      []Mismatch `json:"mismatches"`
}
