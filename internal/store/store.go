// Package store persists products and their draw records.
package store

import (
	"context"
	"time"

	"fairdraw/internal/models"
)

// Activation is the write-once payload stored when a product goes on sale.
type Activation struct {
	Seed       []byte
	Commitment string
	Positions  []int
	StepCap    int
	At         time.Time
}

// PurchaseCommit is everything one purchase changes. It is applied
// atomically and only if the product is still at ExpectedVersion.
type PurchaseCommit struct {
	ProductID       string
	ExpectedVersion int64
	Tiers           []models.Tier
	NextNonce       int64
	Status          models.Status
	SoldOutAt       time.Time
	Records         []models.DrawRecord
}

// Transition moves a product between lifecycle states.
type Transition struct {
	ProductID   string
	From        models.Status
	To          models.Status
	Termination models.Termination
	Reason      string
	At          time.Time
}

// Store is the persistence collaborator of the draw engine.
type Store interface {
	// CreateProduct inserts a pending product. It fails with
	// AlreadyInitialized if the id is taken.
	CreateProduct(ctx context.Context, p models.Product) (models.Product, error)
	GetProduct(ctx context.Context, id string) (models.Product, error)
	ListProducts(ctx context.Context, status models.Status) ([]models.Product, error)

	// ActivateProduct stores the seed on a pending product with no seed.
	// Any other state fails with AlreadyInitialized.
	ActivateProduct(ctx context.Context, id string, a Activation) (models.Product, error)

	// CommitPurchase writes tier state and records in one step.
	CommitPurchase(ctx context.Context, c PurchaseCommit) error

	// TransitionProduct applies t only if the product is in t.From.
	TransitionProduct(ctx context.Context, t Transition) (models.Product, error)

	SoldTickets(ctx context.Context, productID string) (map[int]bool, error)
	ListRecords(ctx context.Context, productID string) ([]models.DrawRecord, error)
}
