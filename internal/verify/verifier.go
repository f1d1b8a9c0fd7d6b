// Package verify replays a product's draw records from its revealed seed.
//
// The verifier only needs published data: the public record, the seed and
// the records. It never trusts stored tiers; every record is recomputed and
// each discrepancy is reported against its nonce.
package verify

import (
	"errors"
	"fmt"
	"sort"

	"fairdraw/internal/allocation"
	"fairdraw/internal/commitment"
	"fairdraw/internal/derive"
	"fairdraw/internal/drawerr"
	"fairdraw/internal/models"
)

// Verify checks seedHex against the published commitment and replays
// records. A commitment mismatch stops verification and is returned both
// in the report and as a CommitmentMismatch error.
func Verify(pub models.PublicRecord, seedHex string, records []models.DrawRecord) (models.VerificationReport, error) {
	report := models.VerificationReport{ProductID: pub.ID, Mismatches: []models.Mismatch{}}

	seed, err := commitment.DecodeSeed(seedHex)
	if err != nil {
		return report, &drawerr.Error{Kind: drawerr.KindInvalidRequest, ProductID: pub.ID, Err: err}
	}
	if !commitment.Check(seed, pub.Commitment) {
		report.Mismatches = append(report.Mismatches, models.Mismatch{
			Kind:     models.MismatchKind(drawerr.KindCommitmentMismatch),
			Stored:   pub.Commitment,
			Expected: commitment.Digest(seed),
			Detail:   "seed does not hash to the published commitment",
		})
		return report, &drawerr.Error{Kind: drawerr.KindCommitmentMismatch, ProductID: pub.ID}
	}
	report.CommitmentValid = true

	p := productOf(pub)
	if p.Mode == models.ModePositional {
		stepCap := pub.StepCap
		if stepCap <= 0 {
			stepCap = derive.DefaultStepCap
		}
		positions, err := derive.Positions(seed, p.TotalUnits, p.PrizeCount(), stepCap)
		if err != nil {
			var ex *derive.ErrPositionsExhausted
			if errors.As(err, &ex) {
				return report, &drawerr.Error{Kind: drawerr.KindPositionsExhausted, ProductID: pub.ID, Err: err}
			}
			return report, fmt.Errorf("positions of %s: %w", pub.ID, err)
		}
		p.Positions = positions
		report.Positions = derive.Sorted(positions)
		if len(pub.Positions) > 0 && !equalInts(report.Positions, derive.Sorted(pub.Positions)) {
			report.Mismatches = append(report.Mismatches, models.Mismatch{
				Kind:     models.MismatchTicket,
				Stored:   fmt.Sprint(derive.Sorted(pub.Positions)),
				Expected: fmt.Sprint(report.Positions),
				Detail:   "published positions differ from the seed",
			})
		}
	}

	r := &replay{state: allocation.NewReplayState(p), seed: seed, report: &report}
	unique := r.run(records)

	sold := 0
	for _, t := range pub.Tiers {
		sold += t.InitialCount
	}
	sold -= pub.Remaining
	if unique != sold {
		report.Mismatches = append(report.Mismatches, models.Mismatch{
			Kind:     models.MismatchCoverage,
			Stored:   fmt.Sprint(unique),
			Expected: fmt.Sprint(sold),
			Detail:   "record count does not match units sold",
		})
	}

	report.OK = len(report.Mismatches) == 0
	return report, nil
}

func productOf(pub models.PublicRecord) models.Product {
	p := models.Product{
		ID:          pub.ID,
		StepCap:     pub.StepCap,
		Name:        pub.Name,
		Mode:        pub.Mode,
		TotalUnits:  pub.TotalUnits,
		Tiers:       append([]models.Tier(nil), pub.Tiers...),
		MajorTiers:  append([]string(nil), pub.MajorTiers...),
		LastOneTier: pub.LastOneTier,
		ProfitRate:  pub.ProfitRate,
	}
	if p.TotalUnits == 0 {
		for _, t := range p.Tiers {
			p.TotalUnits += t.InitialCount
		}
	}
	return p
}

type replay struct {
	state  *allocation.State
	seed   []byte
	report *models.VerificationReport
}

func (r *replay) add(m models.Mismatch) {
	r.report.Mismatches = append(r.report.Mismatches, m)
}

// run replays records in nonce order and returns how many distinct
// nonces it saw.
func (r *replay) run(records []models.DrawRecord) int {
	sorted := append([]models.DrawRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Nonce < sorted[j].Nonce })

	nonces := make(map[int64]bool, len(sorted))
	tickets := make(map[int]int64, len(sorted))
	for _, rec := range sorted {
		if nonces[rec.Nonce] {
			r.add(models.Mismatch{Nonce: rec.Nonce, TicketNumber: rec.TicketNumber, Kind: models.MismatchDuplicate, Detail: "nonce recorded twice"})
			continue
		}
		nonces[rec.Nonce] = true
		if prev, dup := tickets[rec.TicketNumber]; dup {
			r.add(models.Mismatch{Nonce: rec.Nonce, TicketNumber: rec.TicketNumber, Kind: models.MismatchDuplicate,
				Detail: fmt.Sprintf("ticket already sold at nonce %d", prev)})
			continue
		}
		tickets[rec.TicketNumber] = rec.Nonce
		r.report.Checked++
		r.check(rec)
	}
	return len(nonces)
}

func (r *replay) check(rec models.DrawRecord) {
	st := r.state
	if rec.Nonce < st.NextNonce {
		r.add(models.Mismatch{Nonce: rec.Nonce, Kind: models.MismatchNonceGap, Detail: "nonce below the sequence start"})
		return
	}
	if rec.Nonce > st.NextNonce {
		r.add(models.Mismatch{
			Nonce:    rec.Nonce,
			Kind:     models.MismatchNonceGap,
			Expected: fmt.Sprint(st.NextNonce),
			Stored:   fmt.Sprint(rec.Nonce),
			Detail:   fmt.Sprintf("nonces %d..%d missing", st.NextNonce, rec.Nonce-1),
		})
		st.NextNonce = rec.Nonce
	}
	if st.Mode != models.ModePositional && int64(rec.TicketNumber) != rec.Nonce {
		r.add(models.Mismatch{Nonce: rec.Nonce, TicketNumber: rec.TicketNumber, Kind: models.MismatchTicket,
			Stored: fmt.Sprint(rec.TicketNumber), Expected: fmt.Sprint(rec.Nonce)})
	}

	out, err := st.Allocate(r.seed, rec.Nonce, rec.TicketNumber)
	if err != nil {
		kind := models.MismatchTier
		if errors.Is(err, drawerr.ErrOutOfStock) {
			kind = models.MismatchCoverage
		}
		r.add(models.Mismatch{Nonce: rec.Nonce, TicketNumber: rec.TicketNumber, Kind: kind, Stored: rec.Tier, Detail: err.Error()})
		st.NextNonce = rec.Nonce + 1
		return
	}

	// the final unit is owed to whichever tier physically holds it
	if out.IsLastOne || rec.IsLastOne {
		if !out.IsLastOne || !rec.IsLastOne || rec.Tier != out.Tier {
			r.add(models.Mismatch{Nonce: rec.Nonce, TicketNumber: rec.TicketNumber, Kind: models.MismatchLastOne,
				Stored: lastOneLabel(rec.Tier, rec.IsLastOne), Expected: lastOneLabel(out.Tier, out.IsLastOne)})
		}
		return
	}

	if rec.Tier != out.Tier {
		r.add(models.Mismatch{Nonce: rec.Nonce, TicketNumber: rec.TicketNumber, Kind: models.MismatchTier, Stored: rec.Tier, Expected: out.Tier})
		return
	}
	if rec.Source != out.Source {
		r.add(models.Mismatch{Nonce: rec.Nonce, TicketNumber: rec.TicketNumber, Kind: models.MismatchSource, Stored: string(rec.Source), Expected: string(out.Source)})
	}
	if rec.DerivedIndex != out.DerivedIndex {
		r.add(models.Mismatch{Nonce: rec.Nonce, TicketNumber: rec.TicketNumber, Kind: models.MismatchDerived,
			Stored: fmt.Sprint(rec.DerivedIndex), Expected: fmt.Sprint(out.DerivedIndex)})
	}
	if out.HasDraw && rec.Draw != "" {
		if want := derive.DrawHex(out.Draw); rec.Draw != want {
			r.add(models.Mismatch{Nonce: rec.Nonce, TicketNumber: rec.TicketNumber, Kind: models.MismatchDraw, Stored: rec.Draw, Expected: want})
		}
	}
}

func lastOneLabel(tier string, last bool) string {
	if last {
		return tier + " (last one)"
	}
	return tier
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
