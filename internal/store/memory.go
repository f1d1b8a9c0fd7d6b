package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"fairdraw/internal/drawerr"
	"fairdraw/internal/models"
)

// MemoryStore keeps products and records in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	products map[string]models.Product
	records  map[string][]models.DrawRecord
	tickets  map[string]map[int]bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[string]models.Product),
		records:  make(map[string][]models.DrawRecord),
		tickets:  make(map[string]map[int]bool),
	}
}

func (m *MemoryStore) CreateProduct(_ context.Context, p models.Product) (models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.products[p.ID]; exists {
		return models.Product{}, drawerr.New(drawerr.KindAlreadyInitialized, p.ID, "product already exists")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	m.products[p.ID] = p.Clone()
	m.tickets[p.ID] = make(map[int]bool)
	return p.Clone(), nil
}

func (m *MemoryStore) GetProduct(_ context.Context, id string) (models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[id]
	if !ok {
		return models.Product{}, drawerr.New(drawerr.KindNotFound, id, "product not found")
	}
	return p.Clone(), nil
}

func (m *MemoryStore) ListProducts(_ context.Context, status models.Status) ([]models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Product
	for _, p := range m.products {
		if status == "" || p.Status == status {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ActivateProduct(_ context.Context, id string, a Activation) (models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[id]
	if !ok {
		return models.Product{}, drawerr.New(drawerr.KindNotFound, id, "product not found")
	}
	if p.Status != models.StatusPending || len(p.Seed) > 0 {
		return models.Product{}, drawerr.New(drawerr.KindAlreadyInitialized, id, "seed already generated")
	}
	p.Seed = append([]byte(nil), a.Seed...)
	p.Commitment = a.Commitment
	p.Positions = append([]int(nil), a.Positions...)
	p.StepCap = a.StepCap
	p.Status = models.StatusActive
	p.ActivatedAt = a.At
	p.Version++
	m.products[id] = p
	return p.Clone(), nil
}

func (m *MemoryStore) CommitPurchase(_ context.Context, c PurchaseCommit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[c.ProductID]
	if !ok {
		return drawerr.New(drawerr.KindNotFound, c.ProductID, "product not found")
	}
	if p.Version != c.ExpectedVersion {
		return drawerr.New(drawerr.KindConflict, c.ProductID, "version %d, expected %d", p.Version, c.ExpectedVersion)
	}
	sold := m.tickets[c.ProductID]
	seen := make(map[int]bool, len(c.Records))
	for _, r := range c.Records {
		if sold[r.TicketNumber] || seen[r.TicketNumber] {
			return &drawerr.Error{Kind: drawerr.KindTicketUnavailable, ProductID: c.ProductID, Ticket: r.TicketNumber, Nonce: r.Nonce}
		}
		seen[r.TicketNumber] = true
	}

	p.Tiers = append([]models.Tier(nil), c.Tiers...)
	p.NextNonce = c.NextNonce
	p.Status = c.Status
	if !c.SoldOutAt.IsZero() {
		p.SoldOutAt = c.SoldOutAt
		p.Termination = models.TerminationSoldOut
	}
	p.Version++
	m.products[c.ProductID] = p

	for _, r := range c.Records {
		sold[r.TicketNumber] = true
	}
	m.records[c.ProductID] = append(m.records[c.ProductID], c.Records...)
	return nil
}

func (m *MemoryStore) TransitionProduct(_ context.Context, t Transition) (models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[t.ProductID]
	if !ok {
		return models.Product{}, drawerr.New(drawerr.KindNotFound, t.ProductID, "product not found")
	}
	if p.Status != t.From {
		return models.Product{}, drawerr.New(drawerr.KindConflict, t.ProductID, "status is %s, expected %s", p.Status, t.From)
	}
	applyTransition(&p, t)
	m.products[t.ProductID] = p
	return p.Clone(), nil
}

func applyTransition(p *models.Product, t Transition) {
	p.Status = t.To
	if t.Termination != models.TerminationNone {
		p.Termination = t.Termination
	}
	if t.Reason != "" {
		p.ForceReason = t.Reason
	}
	switch t.To {
	case models.StatusRevealed:
		p.RevealedAt = t.At
	case models.StatusArchived:
		p.ArchivedAt = t.At
	}
	p.Version++
}

func (m *MemoryStore) SoldTickets(_ context.Context, productID string) (map[int]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[int]bool, len(m.tickets[productID]))
	for k := range m.tickets[productID] {
		out[k] = true
	}
	return out, nil
}

func (m *MemoryStore) ListRecords(_ context.Context, productID string) ([]models.DrawRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]models.DrawRecord(nil), m.records[productID]...), nil
}
