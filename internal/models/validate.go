package models

import (
	"fairdraw/internal/drawerr"
)

// Validate checks a definition before it is turned into a product.
func (d *ProductDefinition) Validate() error {
	if d.Mode != ModeStream && d.Mode != ModePositional {
		return drawerr.New(drawerr.KindInvalidDefinition, d.ID, "unknown mode %q", d.Mode)
	}
	if len(d.Tiers) == 0 {
		return drawerr.New(drawerr.KindInvalidDefinition, d.ID, "no prize tiers")
	}
	labels := make(map[string]Tier, len(d.Tiers))
	for _, t := range d.Tiers {
		if t.Label == "" {
			return drawerr.New(drawerr.KindInvalidDefinition, d.ID, "tier without label")
		}
		if _, dup := labels[t.Label]; dup {
			return drawerr.New(drawerr.KindInvalidDefinition, d.ID, "duplicate tier %q", t.Label)
		}
		if t.InitialCount <= 0 {
			return drawerr.New(drawerr.KindInvalidDefinition, d.ID, "tier %q needs a positive count", t.Label)
		}
		if t.BaseWeight.IsNegative() {
			return drawerr.New(drawerr.KindInvalidDefinition, d.ID, "tier %q has a negative weight", t.Label)
		}
		labels[t.Label] = t
	}

	seen := make(map[string]bool, len(d.MajorTiers))
	for _, l := range d.MajorTiers {
		if _, ok := labels[l]; !ok {
			return drawerr.New(drawerr.KindInvalidDefinition, d.ID, "major tier %q is not defined", l)
		}
		if seen[l] {
			return drawerr.New(drawerr.KindInvalidDefinition, d.ID, "major tier %q listed twice", l)
		}
		seen[l] = true
	}

	if d.LastOneTier != "" {
		t, ok := labels[d.LastOneTier]
		switch {
		case !ok:
			return drawerr.New(drawerr.KindInvalidDefinition, d.ID, "last-one tier %q is not defined", d.LastOneTier)
		case d.Mode != ModeStream:
			return drawerr.New(drawerr.KindInvalidDefinition, d.ID, "last-one tier requires stream mode")
		case t.InitialCount != 1:
			return drawerr.New(drawerr.KindInvalidDefinition, d.ID, "last-one tier %q must hold exactly one unit", d.LastOneTier)
		case seen[d.LastOneTier]:
			return drawerr.New(drawerr.KindInvalidDefinition, d.ID, "last-one tier %q cannot be major", d.LastOneTier)
		}
	}

	if d.ProfitRate.IsNegative() {
		return drawerr.New(drawerr.KindInvalidDefinition, d.ID, "negative profit rate")
	}
	return nil
}

// NewProduct builds a pending product from a validated definition.
func (d *ProductDefinition) NewProduct() Product {
	p := Product{
		ID:          d.ID,
		Name:        d.Name,
		Mode:        d.Mode,
		MajorTiers:  append([]string(nil), d.MajorTiers...),
		LastOneTier: d.LastOneTier,
		ProfitRate:  d.ProfitRate,
		NextNonce:   1,
		Status:      StatusPending,
	}
	for _, t := range d.Tiers {
		t.RemainingCount = t.InitialCount
		p.Tiers = append(p.Tiers, t)
		p.TotalUnits += t.InitialCount
	}
	return p
}
