package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/logger"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"fairdraw/internal/commitment"
	"fairdraw/internal/derive"
	"fairdraw/internal/drawerr"
	"fairdraw/internal/ledger"
	"fairdraw/internal/metrics"
	"fairdraw/internal/models"
	"fairdraw/internal/store"
	"fairdraw/internal/verify"
)

// Options tunes a LotteryService.
type Options struct {
	SeedBytes    int
	StepCap      int
	AutoReveal   bool
	ArchiveAfter time.Duration
	Metrics      *metrics.Metrics
}

// LotteryService runs the product lifecycle: commit, sell, reveal, verify.
type LotteryService struct {
	store        store.Store
	ledger       *ledger.Ledger
	seeds        *commitment.Generator
	stepCap      int
	autoReveal   bool
	archiveAfter time.Duration
	metrics      *metrics.Metrics
	now          func() time.Time
}

// NewLotteryService creates and initializes a new LotteryService.
func NewLotteryService(s store.Store, locker ledger.Locker, opts Options) (*LotteryService, error) {
	seeds, err := commitment.NewGenerator(opts.SeedBytes)
	if err != nil {
		return nil, err
	}
	stepCap := opts.StepCap
	if stepCap <= 0 {
		stepCap = derive.DefaultStepCap
	}
	if limit := derive.MaxSteps(seeds.Size()); stepCap > limit {
		return nil, fmt.Errorf("step cap %d exceeds the %d steps a %d-byte seed can feed", stepCap, limit, seeds.Size())
	}
	return &LotteryService{
		store:        s,
		ledger:       ledger.New(s, locker),
		seeds:        seeds,
		stepCap:      stepCap,
		autoReveal:   opts.AutoReveal,
		archiveAfter: opts.ArchiveAfter,
		metrics:      opts.Metrics,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// fail counts err and escalates configuration errors.
func (s *LotteryService) fail(err error) error {
	kind := drawerr.KindOf(err)
	s.metrics.ObserveError(string(kind))
	if kind.Fatal() {
		logger.Errorf("draw engine: %v", err)
	}
	return err
}

// Initialize generates a seed, derives positions when needed and stores the
// product already active with its commitment. The product is on sale once
// this returns.
func (s *LotteryService) Initialize(ctx context.Context, def models.ProductDefinition) (models.PublicRecord, error) {
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	if err := def.Validate(); err != nil {
		return models.PublicRecord{}, s.fail(err)
	}
	p := def.NewProduct()

	seed, err := s.seeds.Generate()
	if err != nil {
		return models.PublicRecord{}, s.fail(err)
	}
	var positions []int
	if p.Mode == models.ModePositional {
		positions, err = derive.Positions(seed.Value, p.TotalUnits, p.PrizeCount(), s.stepCap)
		if err != nil {
			var ex *derive.ErrPositionsExhausted
			if errors.As(err, &ex) {
				err = &drawerr.Error{Kind: drawerr.KindPositionsExhausted, ProductID: p.ID, Err: err}
			}
			return models.PublicRecord{}, s.fail(err)
		}
	}

	// one write: a failed insert leaves nothing behind and the id can be retried
	p.Seed = seed.Value
	p.Commitment = seed.Commitment
	p.Positions = positions
	p.StepCap = s.stepCap
	p.Status = models.StatusActive
	p.ActivatedAt = s.now()
	active, err := s.store.CreateProduct(ctx, p)
	if err != nil {
		return models.PublicRecord{}, s.fail(err)
	}

	logger.Infof("Initialized product %s (%s, %d units) with commitment %s", active.ID, active.Mode, active.TotalUnits, active.Commitment)
	return active.Public(), nil
}

// Purchase reserves units for an account and returns their records.
func (s *LotteryService) Purchase(ctx context.Context, req ledger.PurchaseRequest) ([]models.DrawRecord, error) {
	start := time.Now()
	res, err := s.ledger.Purchase(ctx, req)
	if err != nil {
		return nil, s.fail(err)
	}

	sources := make([]string, len(res.Records))
	for i, r := range res.Records {
		sources[i] = string(r.Source)
	}
	s.metrics.ObservePurchase(string(res.Product.Mode), sources, time.Since(start))

	if res.SoldOut {
		logger.Infof("Product %s sold out at nonce %d", res.Product.ID, res.Product.NextNonce-1)
		if s.autoReveal {
			if _, err := s.Reveal(ctx, res.Product.ID); err != nil {
				logger.Errorf("Auto reveal of %s failed: %v", res.Product.ID, err)
			}
		}
	}
	return res.Records, nil
}

// Reveal publishes the seed of a sold-out product. Revealing again
// returns the same seed.
func (s *LotteryService) Reveal(ctx context.Context, id string) (string, error) {
	p, err := s.store.GetProduct(ctx, id)
	if err != nil {
		return "", s.fail(err)
	}
	if p.Revealed() {
		return revealedSeed(p), nil
	}
	if p.Status != models.StatusSoldOut {
		return "", s.fail(drawerr.New(drawerr.KindNotSoldOut, id, "%d units remain", p.Remaining()))
	}

	p, err = s.store.TransitionProduct(ctx, store.Transition{
		ProductID: id,
		From:      models.StatusSoldOut,
		To:        models.StatusRevealed,
		At:        s.now(),
	})
	if err != nil {
		// a concurrent reveal already won
		if errors.Is(err, drawerr.ErrConflict) {
			if again, gerr := s.store.GetProduct(ctx, id); gerr == nil && again.Revealed() {
				return revealedSeed(again), nil
			}
		}
		return "", s.fail(err)
	}
	s.metrics.ObserveReveal(string(models.TerminationSoldOut))
	logger.Infof("Revealed seed of product %s", id)
	return revealedSeed(p), nil
}

// ForceClose stops sales of an active product and reveals its seed
// before sell-out. It is recorded as a forced termination.
func (s *LotteryService) ForceClose(ctx context.Context, id, reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "", s.fail(drawerr.New(drawerr.KindInvalidRequest, id, "force close needs a reason"))
	}
	p, err := s.store.TransitionProduct(ctx, store.Transition{
		ProductID:   id,
		From:        models.StatusActive,
		To:          models.StatusRevealed,
		Termination: models.TerminationForced,
		Reason:      reason,
		At:          s.now(),
	})
	if err != nil {
		if errors.Is(err, drawerr.ErrConflict) {
			err = drawerr.New(drawerr.KindNotActive, id, "only active products can be force closed")
		}
		return "", s.fail(err)
	}
	s.metrics.ObserveReveal(string(models.TerminationForced))
	logger.Warningf("FORCED CLOSE of product %s with %d units unsold at nonce %d: %s", id, p.Remaining(), p.NextNonce, reason)
	return revealedSeed(p), nil
}

// Archive retires a revealed product.
func (s *LotteryService) Archive(ctx context.Context, id string) error {
	_, err := s.store.TransitionProduct(ctx, store.Transition{
		ProductID: id,
		From:      models.StatusRevealed,
		To:        models.StatusArchived,
		At:        s.now(),
	})
	if err != nil {
		if errors.Is(err, drawerr.ErrConflict) {
			err = drawerr.New(drawerr.KindNotSoldOut, id, "only revealed products can be archived")
		}
		return s.fail(err)
	}
	logger.Infof("Archived product %s", id)
	return nil
}

// PublicRecord returns the published view of a product.
func (s *LotteryService) PublicRecord(ctx context.Context, id string) (models.PublicRecord, error) {
	p, err := s.store.GetProduct(ctx, id)
	if err != nil {
		return models.PublicRecord{}, s.fail(err)
	}
	return p.Public(), nil
}

// Products lists public records, optionally filtered by status.
func (s *LotteryService) Products(ctx context.Context, status models.Status) ([]models.PublicRecord, error) {
	products, err := s.store.ListProducts(ctx, status)
	if err != nil {
		return nil, s.fail(err)
	}
	out := make([]models.PublicRecord, 0, len(products))
	for i := range products {
		out = append(out, products[i].Public())
	}
	return out, nil
}

// Records returns the draw records of a product in nonce order.
func (s *LotteryService) Records(ctx context.Context, id string) ([]models.DrawRecord, error) {
	if _, err := s.store.GetProduct(ctx, id); err != nil {
		return nil, s.fail(err)
	}
	records, err := s.store.ListRecords(ctx, id)
	if err != nil {
		return nil, s.fail(err)
	}
	return records, nil
}

// Verify replays records against a seed. An empty seedHex uses the
// revealed seed and nil records uses the stored ones.
func (s *LotteryService) Verify(ctx context.Context, id, seedHex string, records []models.DrawRecord) (models.VerificationReport, error) {
	p, err := s.store.GetProduct(ctx, id)
	if err != nil {
		return models.VerificationReport{}, s.fail(err)
	}
	pub := p.Public()
	if seedHex == "" {
		if !p.Revealed() {
			return models.VerificationReport{}, s.fail(drawerr.New(drawerr.KindNotSoldOut, id, "seed is not revealed yet"))
		}
		seedHex = pub.Seed
	}
	if records == nil {
		if records, err = s.store.ListRecords(ctx, id); err != nil {
			return models.VerificationReport{}, s.fail(err)
		}
	}

	report, err := verify.Verify(pub, seedHex, records)
	if err != nil && !errors.Is(err, drawerr.ErrCommitmentMismatch) {
		return report, s.fail(err)
	}
	s.metrics.ObserveVerification(report.OK)
	if !report.OK {
		logger.Warningf("Verification of product %s found %d mismatches", id, len(report.Mismatches))
		for _, m := range report.Mismatches {
			logger.Warningf("  nonce %d ticket %d %s: stored=%q expected=%q %s", m.Nonce, m.TicketNumber, m.Kind, m.Stored, m.Expected, m.Detail)
		}
	}
	if err != nil {
		return report, s.fail(err)
	}
	return report, nil
}

// Sweep reveals sold-out products when auto reveal is on and archives
// revealed products older than the retention window.
func (s *LotteryService) Sweep(ctx context.Context) error {
	var errs []error
	if s.autoReveal {
		soldOut, err := s.store.ListProducts(ctx, models.StatusSoldOut)
		if err != nil {
			return fmt.Errorf("list sold out products: %w", err)
		}
		for _, p := range soldOut {
			if _, err := s.Reveal(ctx, p.ID); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if s.archiveAfter > 0 {
		revealed, err := s.store.ListProducts(ctx, models.StatusRevealed)
		if err != nil {
			return fmt.Errorf("list revealed products: %w", err)
		}
		cutoff := s.now().Add(-s.archiveAfter)
		for _, p := range revealed {
			if p.RevealedAt.Before(cutoff) {
				if err := s.Archive(ctx, p.ID); err != nil {
					errs = append(errs, err)
				}
			}
		}
	}
	return errors.Join(errs...)
}

// StartSweeper runs Sweep on a cron schedule until the returned cron is
// stopped.
func (s *LotteryService) StartSweeper(schedule string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if err := s.Sweep(context.Background()); err != nil {
			logger.Errorf("Sweep failed: %v", err)
			return
		}
		logger.Infof("Performed sweep of finished products.")
	})
	if err != nil {
		return nil, fmt.Errorf("schedule sweep %q: %w", schedule, err)
	}
	c.Start()
	return c, nil
}

func revealedSeed(p models.Product) string {
	return p.Public().Seed
}
