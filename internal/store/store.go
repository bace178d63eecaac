package store

import (
	"context"
	"fmt"
	"time"

	"storefront/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// InsertStockIntent records a pending stock decrement for a settled charge.
// Duplicate inserts for the same charge are silently ignored, so webhook
// redelivery never produces a second intent.
func (s *Store) InsertStockIntent(ctx context.Context, intent *models.StockIntent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stock_intents (charge_id, product_ids, quantities)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (charge_id) DO NOTHING`,
		intent.ChargeID, intent.ProductIDs, intent.Quantities)
	return err
}

// MarkStockApplied marks a stock intent as applied after its inventory
// transaction committed.
func (s *Store) MarkStockApplied(ctx context.Context, chargeID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE stock_intents SET applied = TRUE, applied_at = NOW() WHERE charge_id = $1`,
		chargeID)
	return err
}

// PendingStockIntents lists unapplied intents older than the grace period.
// The grace period keeps the reconcile worker from racing a settlement
// that is still in flight.
func (s *Store) PendingStockIntents(ctx context.Context, olderThan time.Duration, limit int) ([]models.StockIntent, error) {
	cutoff := time.Now().Add(-olderThan)

	var intents []models.StockIntent
	err := s.db.SelectContext(ctx, &intents,
		`SELECT charge_id, product_ids, quantities, applied, created_at, applied_at
		 FROM stock_intents
		 WHERE applied = FALSE AND created_at < $1
		 ORDER BY created_at
		 LIMIT $2`,
		cutoff, limit)
	return intents, err
}

// SaveDeadLetter keeps a verified but unprocessable webhook event for
// operator review. The provider has already been acknowledged, so this row
// is the only trace of the charge.
func (s *Store) SaveDeadLetter(ctx context.Context, event *models.DeadLetterEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letter_events (charge_id, reason, payload)
		 VALUES ($1, $2, $3)`,
		event.ChargeID, event.Reason, event.Payload)
	return err
}

// DeadLetters lists recent dead-lettered events, newest first.
func (s *Store) DeadLetters(ctx context.Context, limit int) ([]models.DeadLetterEvent, error) {
	var events []models.DeadLetterEvent
	err := s.db.SelectContext(ctx, &events,
		`SELECT id, charge_id, reason, payload, received_at
		 FROM dead_letter_events
		 ORDER BY received_at DESC
		 LIMIT $1`,
		limit)
	return events, err
}
