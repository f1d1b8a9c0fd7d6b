package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fairdraw/internal/commitment"
	"fairdraw/internal/drawerr"
	"fairdraw/internal/ledger"
	"fairdraw/internal/metrics"
	"fairdraw/internal/models"
	"fairdraw/internal/store"
)

func newTestService(t *testing.T, opts Options) (*LotteryService, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	service, err := NewLotteryService(st, ledger.NewMutexLocker(), opts)
	if err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	return service, st
}

func kujiDefinition(id string) models.ProductDefinition {
	return models.ProductDefinition{
		ID:   id,
		Name: "Ichiban box",
		Mode: models.ModeStream,
		Tiers: []models.Tier{
			{Label: "A", DisplayName: "Figure", InitialCount: 1, BaseWeight: decimal.NewFromInt(1)},
			{Label: "B", DisplayName: "Towel", InitialCount: 2, BaseWeight: decimal.NewFromInt(2)},
			{Label: "C", DisplayName: "Sticker", InitialCount: 7, BaseWeight: decimal.NewFromInt(7)},
		},
		MajorTiers: []string{"A"},
	}
}

func TestLotteryService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t, Options{})

	pub, err := service.Initialize(ctx, kujiDefinition("kuji-1"))
	if err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}

	t.Run("Test initialize publishes only the commitment", func(t *testing.T) {
		if pub.Status != models.StatusActive || len(pub.Commitment) != 64 {
			t.Fatalf("Unexpected public record: %+v", pub)
		}
		if pub.Seed != "" || len(pub.Positions) != 0 {
			t.Fatal("Expected seed to stay hidden before reveal")
		}
		if pub.TotalUnits != 10 || pub.PrizeCount != 1 {
			t.Errorf("Expected 10 units and 1 prize, got %d and %d", pub.TotalUnits, pub.PrizeCount)
		}
	})

	t.Run("Test initialize twice fails", func(t *testing.T) {
		_, err := service.Initialize(ctx, kujiDefinition("kuji-1"))
		if !errors.Is(err, drawerr.ErrAlreadyInitialized) {
			t.Fatalf("Expected AlreadyInitialized, but got %v", err)
		}
	})

	t.Run("Test reveal before sell-out fails", func(t *testing.T) {
		_, err := service.Reveal(ctx, "kuji-1")
		if !errors.Is(err, drawerr.ErrNotSoldOut) {
			t.Fatalf("Expected NotSoldOut, but got %v", err)
		}
		if _, err := service.Verify(ctx, "kuji-1", "", nil); !errors.Is(err, drawerr.ErrNotSoldOut) {
			t.Fatalf("Expected NotSoldOut from verify, but got %v", err)
		}
	})

	t.Run("Test sell out, reveal and verify", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			records, err := service.Purchase(ctx, ledger.PurchaseRequest{ProductID: "kuji-1", AccountID: "alice", Count: 2})
			if err != nil {
				t.Fatalf("Expected no error, but got %v", err)
			}
			if len(records) != 2 {
				t.Fatalf("Expected 2 records, but got %d", len(records))
			}
		}

		seedHex, err := service.Reveal(ctx, "kuji-1")
		if err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		seed, err := commitment.DecodeSeed(seedHex)
		if err != nil || !commitment.Check(seed, pub.Commitment) {
			t.Fatalf("Revealed seed does not match commitment: %v", err)
		}
		again, err := service.Reveal(ctx, "kuji-1")
		if err != nil || again != seedHex {
			t.Fatalf("Expected reveal to be repeatable, got %q, %v", again, err)
		}

		report, err := service.Verify(ctx, "kuji-1", "", nil)
		if err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		if !report.OK || report.Checked != 10 {
			t.Errorf("Expected a clean report over 10 records, got %+v", report)
		}
	})

	t.Run("Test archive", func(t *testing.T) {
		if err := service.Archive(ctx, "kuji-1"); err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		p, _ := service.PublicRecord(ctx, "kuji-1")
		if p.Status != models.StatusArchived || p.Seed == "" {
			t.Errorf("Expected archived product with published seed, got %+v", p)
		}
	})
}

func TestLotteryService_ForceClose(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t, Options{})
	if _, err := service.Initialize(ctx, kujiDefinition("kuji-2")); err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	if _, err := service.Purchase(ctx, ledger.PurchaseRequest{ProductID: "kuji-2", Count: 3}); err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}

	if _, err := service.ForceClose(ctx, "kuji-2", "  "); !errors.Is(err, drawerr.ErrInvalidRequest) {
		t.Fatalf("Expected a reason to be required, got %v", err)
	}

	seedHex, err := service.ForceClose(ctx, "kuji-2", "recalled by manufacturer")
	if err != nil || seedHex == "" {
		t.Fatalf("Expected seed on force close, got %q, %v", seedHex, err)
	}
	p, _ := service.PublicRecord(ctx, "kuji-2")
	if p.Termination != models.TerminationForced || p.Remaining != 7 {
		t.Errorf("Expected forced termination with 7 unsold, got %+v", p)
	}

	if _, err := service.Purchase(ctx, ledger.PurchaseRequest{ProductID: "kuji-2", Count: 1}); !errors.Is(err, drawerr.ErrNotActive) {
		t.Errorf("Expected purchases to stop, got %v", err)
	}
	if _, err := service.ForceClose(ctx, "kuji-2", "again"); !errors.Is(err, drawerr.ErrNotActive) {
		t.Errorf("Expected NotActive on second force close, got %v", err)
	}

	report, err := service.Verify(ctx, "kuji-2", seedHex, nil)
	if err != nil || !report.OK || report.Checked != 3 {
		t.Errorf("Expected partial sale to verify, got %+v, %v", report, err)
	}
}

func TestLotteryService_AutoRevealAndSweep(t *testing.T) {
	ctx := context.Background()
	service, st := newTestService(t, Options{AutoReveal: true, ArchiveAfter: time.Hour})
	if _, err := service.Initialize(ctx, kujiDefinition("kuji-3")); err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	if _, err := service.Purchase(ctx, ledger.PurchaseRequest{ProductID: "kuji-3", Count: 10}); err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}

	p, _ := st.GetProduct(ctx, "kuji-3")
	if p.Status != models.StatusRevealed {
		t.Fatalf("Expected auto reveal on sell-out, got %s", p.Status)
	}

	if err := service.Sweep(ctx); err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	if p, _ = st.GetProduct(ctx, "kuji-3"); p.Status != models.StatusRevealed {
		t.Fatalf("Expected product to stay revealed inside retention, got %s", p.Status)
	}

	service.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	if err := service.Sweep(ctx); err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	if p, _ = st.GetProduct(ctx, "kuji-3"); p.Status != models.StatusArchived {
		t.Errorf("Expected sweep to archive, got %s", p.Status)
	}
}

func TestLotteryService_Positional(t *testing.T) {
	ctx := context.Background()
	def := models.ProductDefinition{
		ID:   "tags",
		Mode: models.ModePositional,
		Tiers: []models.Tier{
			{Label: "A", InitialCount: 1},
			{Label: "B", InitialCount: 2},
			{Label: "C", InitialCount: 97},
		},
		MajorTiers: []string{"A", "B"},
	}

	t.Run("Test step cap exhaustion", func(t *testing.T) {
		service, st := newTestService(t, Options{StepCap: 1})
		_, err := service.Initialize(ctx, def)
		if !errors.Is(err, drawerr.ErrPositionsExhausted) {
			t.Fatalf("Expected PositionsExhausted, but got %v", err)
		}
		if _, err := st.GetProduct(ctx, "tags"); !errors.Is(err, drawerr.ErrNotFound) {
			t.Errorf("Expected nothing stored after failure, got %v", err)
		}
	})

	t.Run("Test positional sale", func(t *testing.T) {
		service, _ := newTestService(t, Options{})
		if _, err := service.Initialize(ctx, def); err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		records, err := service.Purchase(ctx, ledger.PurchaseRequest{ProductID: "tags", AccountID: "bob", Tickets: []int{5, 6, 7}})
		if err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		for i, r := range records {
			if r.TicketNumber != 5+i || r.Nonce != int64(i+1) {
				t.Errorf("Unexpected record %+v", r)
			}
		}
		if _, err := service.Purchase(ctx, ledger.PurchaseRequest{ProductID: "tags", Tickets: []int{6}}); !errors.Is(err, drawerr.ErrTicketUnavailable) {
			t.Errorf("Expected TicketUnavailable, got %v", err)
		}
	})
}

func TestLotteryService_InvalidDefinition(t *testing.T) {
	service, _ := newTestService(t, Options{})
	def := kujiDefinition("")
	def.MajorTiers = []string{"Z"}
	if _, err := service.Initialize(context.Background(), def); !errors.Is(err, drawerr.ErrInvalidDefinition) {
		t.Fatalf("Expected InvalidDefinition, but got %v", err)
	}

	if _, err := NewLotteryService(store.NewMemoryStore(), nil, Options{SeedBytes: 8}); err == nil {
		t.Fatal("Expected short seeds to be rejected")
	}
	if _, err := NewLotteryService(store.NewMemoryStore(), nil, Options{SeedBytes: 64, StepCap: 100}); err == nil {
		t.Fatal("Expected a step cap beyond the seed's digits to be rejected")
	}
}

func TestLotteryService_CustomStepCap(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService(t, Options{SeedBytes: 128, StepCap: 150})
	def := models.ProductDefinition{
		ID:   "wide",
		Mode: models.ModePositional,
		Tiers: []models.Tier{
			{Label: "A", InitialCount: 10},
			{Label: "B", InitialCount: 100},
			{Label: "C", InitialCount: 9890},
		},
		MajorTiers: []string{"A", "B"},
	}

	pub, err := service.Initialize(ctx, def)
	if err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	if pub.StepCap != 150 {
		t.Fatalf("Expected step cap 150 to be published, got %d", pub.StepCap)
	}
	if _, err := service.Purchase(ctx, ledger.PurchaseRequest{ProductID: "wide", Tickets: []int{1, 2, 3}}); err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	if _, err := service.ForceClose(ctx, "wide", "end of campaign"); err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}

	report, err := service.Verify(ctx, "wide", "", nil)
	if err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	if !report.OK || len(report.Positions) != 110 {
		t.Errorf("Expected a clean report over 110 positions, got %d positions and %+v", len(report.Positions), report.Mismatches)
	}
}

// flakyStore fails the first product insert.
type flakyStore struct {
	*store.MemoryStore
	failed bool
}

func (f *flakyStore) CreateProduct(ctx context.Context, p models.Product) (models.Product, error) {
	if !f.failed {
		f.failed = true
		return models.Product{}, errors.New("connection reset")
	}
	return f.MemoryStore.CreateProduct(ctx, p)
}

func TestLotteryService_InitializeRetry(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	service, err := NewLotteryService(st, ledger.NewMutexLocker(), Options{Metrics: metrics.New()})
	if err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}

	if _, err := service.Initialize(ctx, kujiDefinition("kuji-4")); err == nil {
		t.Fatal("Expected the failed insert to surface")
	}
	if _, err := st.GetProduct(ctx, "kuji-4"); !errors.Is(err, drawerr.ErrNotFound) {
		t.Fatalf("Expected nothing stored after a failed insert, got %v", err)
	}

	pub, err := service.Initialize(ctx, kujiDefinition("kuji-4"))
	if err != nil {
		t.Fatalf("Expected retry to succeed, but got %v", err)
	}
	if pub.Status != models.StatusActive || pub.Commitment == "" {
		t.Errorf("Expected an active product with a commitment, got %+v", pub)
	}
	if _, err := service.Purchase(ctx, ledger.PurchaseRequest{ProductID: "kuji-4", Count: 1}); err != nil {
		t.Errorf("Expected the retried product to sell, got %v", err)
	}
}
