package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MikeSquared-Agency/dealflow/internal/domain"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store is a Postgres-backed processed set.
type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Migrate applies the embedded schema and returns the resulting version.
func Migrate(databaseURL string) (uint, error) {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("create iofs source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, migrateURL(databaseURL))
	if err != nil {
		return 0, fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("run migrations: %w", err)
	}

	version, _, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("migration version: %w", err)
	}
	return version, nil
}

// migrateURL swaps the scheme so golang-migrate picks its pgx/v5 driver.
func migrateURL(databaseURL string) string {
	for _, prefix := range []string{"postgresql://", "postgres://"} {
		if strings.HasPrefix(databaseURL, prefix) {
			return "pgx5://" + strings.TrimPrefix(databaseURL, prefix)
		}
	}
	return databaseURL
}

func (s *Store) IsProcessed(ctx context.Context, documentID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_documents WHERE document_id = $1)`,
		documentID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query processed: %w", err)
	}
	return exists, nil
}

// MarkProcessed upserts the set row and appends to the log in one transaction.
func (s *Store) MarkProcessed(ctx context.Context, m domain.ProcessedMarker) error {
	if m.DocumentID == "" {
		return fmt.Errorf("mark processed: empty document id")
	}
	if m.ProcessedAt.IsZero() {
		m.ProcessedAt = time.Now().UTC()
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO processed_documents (document_id, processed_at, outcome, detail, deal_id)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (document_id) DO UPDATE
			SET processed_at = EXCLUDED.processed_at,
			    outcome = EXCLUDED.outcome,
			    detail = EXCLUDED.detail,
			    deal_id = EXCLUDED.deal_id`,
			m.DocumentID, m.ProcessedAt, string(m.Outcome), m.Detail, m.DealID,
		); err != nil {
			return fmt.Errorf("upsert processed: %w", err)
		}
		if err := appendLog(ctx, tx, m); err != nil {
			return err
		}
		return nil
	})
}

// Forget removes the document from the set and logs a reset entry.
func (s *Store) Forget(ctx context.Context, documentID string) error {
	m := domain.ProcessedMarker{
		DocumentID:  documentID,
		ProcessedAt: time.Now().UTC(),
		Outcome:     domain.OutcomeReset,
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM processed_documents WHERE document_id = $1`, documentID); err != nil {
			return fmt.Errorf("delete processed: %w", err)
		}
		return appendLog(ctx, tx, m)
	})
}

func appendLog(ctx context.Context, tx pgx.Tx, m domain.ProcessedMarker) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO processed_log (document_id, processed_at, outcome, detail, deal_id)
		VALUES ($1, $2, $3, $4, $5)`,
		m.DocumentID, m.ProcessedAt, string(m.Outcome), m.Detail, m.DealID,
	)
	if err != nil {
		return fmt.Errorf("append processed log: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]domain.ProcessedMarker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT document_id, processed_at, outcome, detail, deal_id
		FROM processed_documents
		ORDER BY processed_at, document_id`)
	if err != nil {
		return nil, fmt.Errorf("list processed: %w", err)
	}
	defer rows.Close()

	var out []domain.ProcessedMarker
	for rows.Next() {
		var m domain.ProcessedMarker
		var outcome string
		if err := rows.Scan(&m.DocumentID, &m.ProcessedAt, &outcome, &m.Detail, &m.DealID); err != nil {
			return nil, fmt.Errorf("scan processed: %w", err)
		}
		m.Outcome = domain.Outcome(outcome)
		out = append(out, m)
	}
	return out, rows.Err()
}

// History returns every log entry for one document, oldest first.
func (s *Store) History(ctx context.Context, documentID string) ([]domain.ProcessedMarker, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT document_id, processed_at, outcome, detail, deal_id
		FROM processed_log
		WHERE document_id = $1
		ORDER BY id`, documentID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []domain.ProcessedMarker
	for rows.Next() {
		var m domain.ProcessedMarker
		var outcome string
		if err := rows.Scan(&m.DocumentID, &m.ProcessedAt, &outcome, &m.Detail, &m.DealID); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		m.Outcome = domain.Outcome(outcome)
		out = append(out, m)
	}
	return out, rows.Err()
}
