package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"fairdraw/internal/drawerr"
	"fairdraw/internal/models"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies the embedded schema migrations to the database at dsn.
func Migrate(dsn string) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// OpenPostgres connects to PostgreSQL through lib/pq.
func OpenPostgres(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return db, nil
}

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sqlx.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const productColumns = `id, name, mode, total_units, tiers, major_tiers, last_one_tier, profit_rate,
	seed, positions, step_cap, commitment, next_nonce, version, status, termination, force_reason,
	created_at, activated_at, sold_out_at, revealed_at, archived_at`

type productRow struct {
	ID          string          `db:"id"`
	Name        string          `db:"name"`
	Mode        string          `db:"mode"`
	TotalUnits  int             `db:"total_units"`
	Tiers       []byte          `db:"tiers"`
	MajorTiers  []byte          `db:"major_tiers"`
	LastOneTier string          `db:"last_one_tier"`
	ProfitRate  decimal.Decimal `db:"profit_rate"`
	Seed        []byte          `db:"seed"`
	Positions   []byte          `db:"positions"`
	StepCap     int             `db:"step_cap"`
	Commitment  string          `db:"commitment"`
	NextNonce   int64           `db:"next_nonce"`
	Version     int64           `db:"version"`
	Status      string          `db:"status"`
	Termination string          `db:"termination"`
	ForceReason string          `db:"force_reason"`
	CreatedAt   time.Time       `db:"created_at"`
	ActivatedAt sql.NullTime    `db:"activated_at"`
	SoldOutAt   sql.NullTime    `db:"sold_out_at"`
	RevealedAt  sql.NullTime    `db:"revealed_at"`
	ArchivedAt  sql.NullTime    `db:"archived_at"`
}

func (r productRow) product() (models.Product, error) {
	p := models.Product{
		ID:          r.ID,
		Name:        r.Name,
		Mode:        models.Mode(r.Mode),
		TotalUnits:  r.TotalUnits,
		LastOneTier: r.LastOneTier,
		ProfitRate:  r.ProfitRate,
		Seed:        r.Seed,
		StepCap:     r.StepCap,
		Commitment:  r.Commitment,
		NextNonce:   r.NextNonce,
		Version:     r.Version,
		Status:      models.Status(r.Status),
		Termination: models.Termination(r.Termination),
		ForceReason: r.ForceReason,
		CreatedAt:   r.CreatedAt,
		ActivatedAt: r.ActivatedAt.Time,
		SoldOutAt:   r.SoldOutAt.Time,
		RevealedAt:  r.RevealedAt.Time,
		ArchivedAt:  r.ArchivedAt.Time,
	}
	if err := json.Unmarshal(r.Tiers, &p.Tiers); err != nil {
		return models.Product{}, fmt.Errorf("decode tiers of %s: %w", r.ID, err)
	}
	if len(r.MajorTiers) > 0 {
		if err := json.Unmarshal(r.MajorTiers, &p.MajorTiers); err != nil {
			return models.Product{}, fmt.Errorf("decode major tiers of %s: %w", r.ID, err)
		}
	}
	if len(r.Positions) > 0 {
		if err := json.Unmarshal(r.Positions, &p.Positions); err != nil {
			return models.Product{}, fmt.Errorf("decode positions of %s: %w", r.ID, err)
		}
	}
	return p, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func encodePositions(positions []int) ([]byte, error) {
	if positions == nil {
		positions = []int{}
	}
	return json.Marshal(positions)
}

func (s *PostgresStore) CreateProduct(ctx context.Context, p models.Product) (models.Product, error) {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	tiers, err := json.Marshal(p.Tiers)
	if err != nil {
		return models.Product{}, err
	}
	majors, err := json.Marshal(p.MajorTiers)
	if err != nil {
		return models.Product{}, err
	}
	positions, err := encodePositions(p.Positions)
	if err != nil {
		return models.Product{}, err
	}
	var seed []byte
	if len(p.Seed) > 0 {
		seed = p.Seed
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO draw_products (id, name, mode, total_units, tiers, major_tiers, last_one_tier,
			profit_rate, seed, positions, step_cap, commitment, next_nonce, version, status,
			created_at, activated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, p.ID, p.Name, string(p.Mode), p.TotalUnits, tiers, majors, p.LastOneTier,
		p.ProfitRate, seed, positions, p.StepCap, p.Commitment, p.NextNonce, p.Version, string(p.Status),
		p.CreatedAt, nullTime(p.ActivatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return models.Product{}, drawerr.New(drawerr.KindAlreadyInitialized, p.ID, "product already exists")
		}
		return models.Product{}, fmt.Errorf("insert product: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, id string) (models.Product, error) {
	return s.getProduct(ctx, s.db, id, false)
}

func (s *PostgresStore) getProduct(ctx context.Context, q sqlx.QueryerContext, id string, forUpdate bool) (models.Product, error) {
	query := `SELECT ` + productColumns + ` FROM draw_products WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var row productRow
	if err := sqlx.GetContext(ctx, q, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Product{}, drawerr.New(drawerr.KindNotFound, id, "product not found")
		}
		return models.Product{}, fmt.Errorf("select product: %w", err)
	}
	return row.product()
}

func (s *PostgresStore) ListProducts(ctx context.Context, status models.Status) ([]models.Product, error) {
	var rows []productRow
	var err error
	if status == "" {
		err = s.db.SelectContext(ctx, &rows, `SELECT `+productColumns+` FROM draw_products ORDER BY id`)
	} else {
		err = s.db.SelectContext(ctx, &rows, `SELECT `+productColumns+` FROM draw_products WHERE status = $1 ORDER BY id`, string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	out := make([]models.Product, 0, len(rows))
	for _, r := range rows {
		p, err := r.product()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *PostgresStore) ActivateProduct(ctx context.Context, id string, a Activation) (models.Product, error) {
	positions, err := encodePositions(a.Positions)
	if err != nil {
		return models.Product{}, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE draw_products
		SET seed = $2, commitment = $3, positions = $4, step_cap = $5, status = $6, activated_at = $7,
			version = version + 1
		WHERE id = $1 AND status = $8 AND seed IS NULL
	`, id, a.Seed, a.Commitment, positions, a.StepCap, string(models.StatusActive), a.At, string(models.StatusPending))
	if err != nil {
		return models.Product{}, fmt.Errorf("activate product: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetProduct(ctx, id); err != nil {
			return models.Product{}, err
		}
		return models.Product{}, drawerr.New(drawerr.KindAlreadyInitialized, id, "seed already generated")
	}
	return s.GetProduct(ctx, id)
}

func (s *PostgresStore) CommitPurchase(ctx context.Context, c PurchaseCommit) error {
	tiers, err := json.Marshal(c.Tiers)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin purchase: %w", err)
	}
	defer tx.Rollback()

	termination := ""
	if !c.SoldOutAt.IsZero() {
		termination = string(models.TerminationSoldOut)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE draw_products
		SET tiers = $2, next_nonce = $3, status = $4, sold_out_at = COALESCE($5, sold_out_at),
			termination = CASE WHEN $6 = '' THEN termination ELSE $6 END, version = version + 1
		WHERE id = $1 AND version = $7
	`, c.ProductID, tiers, c.NextNonce, string(c.Status), nullTime(c.SoldOutAt), termination, c.ExpectedVersion)
	if err != nil {
		return fmt.Errorf("update tiers: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return drawerr.New(drawerr.KindConflict, c.ProductID, "product changed since version %d", c.ExpectedVersion)
	}

	for _, r := range c.Records {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO draw_records (id, product_id, account_id, nonce, ticket_number, tier, draw,
				random_value, derived_index, source, is_last_one, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, r.ID, r.ProductID, r.AccountID, r.Nonce, r.TicketNumber, r.Tier, r.Draw,
			r.RandomValue, r.DerivedIndex, string(r.Source), r.IsLastOne, r.CreatedAt)
		if err != nil {
			return recordInsertError(c.ProductID, r, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit purchase: %w", err)
	}
	return nil
}

func recordInsertError(productID string, r models.DrawRecord, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		if strings.Contains(pqErr.Constraint, "ticket") {
			return &drawerr.Error{Kind: drawerr.KindTicketUnavailable, ProductID: productID, Ticket: r.TicketNumber, Nonce: r.Nonce, Err: err}
		}
		return &drawerr.Error{Kind: drawerr.KindConflict, ProductID: productID, Nonce: r.Nonce, Err: err}
	}
	return fmt.Errorf("insert record %d: %w", r.Nonce, err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *PostgresStore) TransitionProduct(ctx context.Context, t Transition) (models.Product, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Product{}, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback()

	p, err := s.getProduct(ctx, tx, t.ProductID, true)
	if err != nil {
		return models.Product{}, err
	}
	if p.Status != t.From {
		return models.Product{}, drawerr.New(drawerr.KindConflict, t.ProductID, "status is %s, expected %s", p.Status, t.From)
	}
	applyTransition(&p, t)

	_, err = tx.ExecContext(ctx, `
		UPDATE draw_products
		SET status = $2, termination = $3, force_reason = $4, revealed_at = $5, archived_at = $6, version = $7
		WHERE id = $1
	`, p.ID, string(p.Status), string(p.Termination), p.ForceReason, nullTime(p.RevealedAt), nullTime(p.ArchivedAt), p.Version)
	if err != nil {
		return models.Product{}, fmt.Errorf("update status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Product{}, fmt.Errorf("commit transition: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) SoldTickets(ctx context.Context, productID string) (map[int]bool, error) {
	var tickets []int
	if err := s.db.SelectContext(ctx, &tickets, `SELECT ticket_number FROM draw_records WHERE product_id = $1`, productID); err != nil {
		return nil, fmt.Errorf("select tickets: %w", err)
	}
	out := make(map[int]bool, len(tickets))
	for _, t := range tickets {
		out[t] = true
	}
	return out, nil
}

type recordRow struct {
	ID           string    `db:"id"`
	ProductID    string    `db:"product_id"`
	AccountID    string    `db:"account_id"`
	Nonce        int64     `db:"nonce"`
	TicketNumber int       `db:"ticket_number"`
	Tier         string    `db:"tier"`
	Draw         string    `db:"draw"`
	RandomValue  float64   `db:"random_value"`
	DerivedIndex int       `db:"derived_index"`
	Source       string    `db:"source"`
	IsLastOne    bool      `db:"is_last_one"`
	CreatedAt    time.Time `db:"created_at"`
}

func (s *PostgresStore) ListRecords(ctx context.Context, productID string) ([]models.DrawRecord, error) {
	var rows []recordRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, product_id, account_id, nonce, ticket_number, tier, draw, random_value,
			derived_index, source, is_last_one, created_at
		FROM draw_records
		WHERE product_id = $1
		ORDER BY nonce
	`, productID)
	if err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}
	out := make([]models.DrawRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.DrawRecord{
			ID:           r.ID,
			ProductID:    r.ProductID,
			AccountID:    r.AccountID,
			Nonce:        r.Nonce,
			TicketNumber: r.TicketNumber,
			Tier:         r.Tier,
			Draw:         r.Draw,
			RandomValue:  r.RandomValue,
			DerivedIndex: r.DerivedIndex,
			Source:       models.Source(r.Source),
			IsLastOne:    r.IsLastOne,
			CreatedAt:    r.CreatedAt,
		})
	}
	return out, nil
}
