// Package ledger reserves units and allocates their prizes in one step.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"

	"fairdraw/internal/allocation"
	"fairdraw/internal/derive"
	"fairdraw/internal/drawerr"
	"fairdraw/internal/models"
	"fairdraw/internal/store"
)

// PurchaseRequest buys Count units of a product. In positional mode the
// buyer names Tickets and Count may be left zero. NonceStart, when set,
// must equal the product's next nonce.
type PurchaseRequest struct {
	ProductID  string `json:"-"`
	AccountID  string `json:"account_id"`
	Count      int    `json:"count"`
	Tickets    []int  `json:"tickets,omitempty"`
	NonceStart int64  `json:"nonce_start,omitempty"`
}

// Result is what a successful purchase produced.
type Result struct {
	Records []models.DrawRecord
	Product models.Product
	SoldOut bool
}

// Ledger serializes purchases per product and persists them atomically.
type Ledger struct {
	store  store.Store
	locker Locker
	now    func() time.Time
}

// New returns a ledger over s. A nil locker falls back to a MutexLocker.
func New(s store.Store, locker Locker) *Ledger {
	if locker == nil {
		locker = NewMutexLocker()
	}
	return &Ledger{store: s, locker: locker, now: func() time.Time { return time.Now().UTC() }}
}

// Purchase reserves and allocates the requested units. Either every unit
// is recorded or nothing is.
func (l *Ledger) Purchase(ctx context.Context, req PurchaseRequest) (Result, error) {
	count := req.Count
	if len(req.Tickets) > 0 {
		if count != 0 && count != len(req.Tickets) {
			return Result{}, drawerr.New(drawerr.KindInvalidRequest, req.ProductID, "count %d does not match %d tickets", count, len(req.Tickets))
		}
		count = len(req.Tickets)
	}
	if count <= 0 {
		return Result{}, drawerr.New(drawerr.KindInvalidRequest, req.ProductID, "count must be positive")
	}

	unlock, err := l.locker.Lock(ctx, req.ProductID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	p, err := l.store.GetProduct(ctx, req.ProductID)
	if err != nil {
		return Result{}, err
	}
	switch p.Status {
	case models.StatusActive:
	case models.StatusSoldOut:
		return Result{}, &drawerr.Error{Kind: drawerr.KindOutOfStock, ProductID: p.ID, Msg: "sold out"}
	default:
		return Result{}, drawerr.New(drawerr.KindNotActive, p.ID, "product is %s", p.Status)
	}

	if remaining := p.Remaining(); count > remaining {
		return Result{}, drawerr.New(drawerr.KindOutOfStock, p.ID, "requested %d, %d left", count, remaining)
	}
	if req.NonceStart != 0 && req.NonceStart != p.NextNonce {
		return Result{}, &drawerr.Error{Kind: drawerr.KindInvalidNonce, ProductID: p.ID, Nonce: req.NonceStart, Expected: p.NextNonce}
	}

	tickets, err := l.tickets(ctx, p, req.Tickets, count)
	if err != nil {
		return Result{}, err
	}

	state := allocation.NewState(p)
	now := l.now()
	records := make([]models.DrawRecord, 0, count)
	for i := 0; i < count; i++ {
		nonce := state.NextNonce
		out, err := state.Allocate(p.Seed, nonce, tickets[i])
		if err != nil {
			return Result{}, err
		}
		records = append(records, newRecord(p.ID, req.AccountID, nonce, tickets[i], out, now))
	}

	commit := store.PurchaseCommit{
		ProductID:       p.ID,
		ExpectedVersion: p.Version,
		Tiers:           state.Tiers,
		NextNonce:       state.NextNonce,
		Status:          models.StatusActive,
		Records:         records,
	}
	soldOut := state.Remaining() == 0
	if soldOut {
		commit.Status = models.StatusSoldOut
		commit.SoldOutAt = now
	}
	if err := l.store.CommitPurchase(ctx, commit); err != nil {
		return Result{}, err
	}

	p.Tiers = state.Tiers
	p.NextNonce = state.NextNonce
	p.Status = commit.Status
	p.Version++
	if soldOut {
		p.SoldOutAt = now
		p.Termination = models.TerminationSoldOut
	}
	return Result{Records: records, Product: p, SoldOut: soldOut}, nil
}

// tickets returns the ticket number of each unit. Stream tickets are the
// nonces themselves; positional tickets must be in range, distinct and
// unsold.
func (l *Ledger) tickets(ctx context.Context, p models.Product, requested []int, count int) ([]int, error) {
	if p.Mode != models.ModePositional {
		out := make([]int, count)
		for i := range out {
			out[i] = int(p.NextNonce) + i
		}
		return out, nil
	}
	if len(requested) == 0 {
		return nil, drawerr.New(drawerr.KindInvalidRequest, p.ID, "positional products need ticket numbers")
	}

	sold, err := l.store.SoldTickets(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	seen := make(map[int]bool, len(requested))
	for _, t := range requested {
		if t < 1 || t > p.TotalUnits {
			return nil, &drawerr.Error{Kind: drawerr.KindInvalidRequest, ProductID: p.ID, Ticket: t, Msg: "ticket out of range"}
		}
		if sold[t] || seen[t] {
			return nil, &drawerr.Error{Kind: drawerr.KindTicketUnavailable, ProductID: p.ID, Ticket: t}
		}
		seen[t] = true
	}
	return append([]int(nil), requested...), nil
}

func newRecord(productID, accountID string, nonce int64, ticket int, out allocation.Outcome, at time.Time) models.DrawRecord {
	r := models.DrawRecord{
		ID:           uuid.NewString(),
		ProductID:    productID,
		AccountID:    accountID,
		Nonce:        nonce,
		TicketNumber: ticket,
		Tier:         out.Tier,
		DerivedIndex: out.DerivedIndex,
		Source:       out.Source,
		IsLastOne:    out.IsLastOne,
		CreatedAt:    at,
	}
	if out.HasDraw {
		r.Draw = derive.DrawHex(out.Draw)
		r.RandomValue = derive.RandomValue(out.Draw)
	}
	return r
}
