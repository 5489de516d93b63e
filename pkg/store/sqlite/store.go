// Package sqlite is the default durable RecordStore, backed by modernc's pure-Go SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"nodepool/pkg/log"
	"nodepool/pkg/models"
	"nodepool/pkg/store"

	_ "modernc.org/sqlite"
)

// Store keeps node records in a single SQLite table.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

var _ store.RecordStore = (*Store)(nil)

// New opens (or creates) the database at dbPath and applies the schema.
func New(dbPath string) (*Store, error) {
	database, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", store.ErrDatabaseError, err)
	}

	ctx := context.Background()

	// Enable WAL mode so diagnostics reads do not block the periodic save
	if _, err := database.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("%w: failed to enable WAL mode: %w", store.ErrDatabaseError, err)
	}

	if _, err := database.ExecContext(ctx, Schema); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("%w: failed to initialize schema: %w", store.ErrDatabaseError, err)
	}

	return &Store{db: database}, nil
}

// Load implements store.RecordStore.
func (s *Store) Load(ctx context.Context) ([]models.NodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrStoreClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT endpoint, data FROM node_records ORDER BY endpoint`)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrDatabaseError, err)
	}
	defer func() { _ = rows.Close() }()

	var records []models.NodeRecord
	for rows.Next() {
		var (
			endpoint string
			data     string
		)
		if err := rows.Scan(&endpoint, &data); err != nil {
			return nil, fmt.Errorf("%w: %w", store.ErrDatabaseError, err)
		}
		record, err := store.DecodeRecord([]byte(data))
		if err != nil {
			log.Warn().Err(err).Str("endpoint", endpoint).Msg("Skipping undecodable node record")
			continue
		}
		records = append(records, record)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrDatabaseError, err)
	}
	return records, nil
}

// Save implements store.RecordStore; the table is replaced inside one transaction.
func (s *Store) Save(ctx context.Context, records []models.NodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", store.ErrDatabaseError, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM node_records`); err != nil {
		return fmt.Errorf("%w: %w", store.ErrDatabaseError, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO node_records (endpoint, origin, state, data, updated_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: %w", store.ErrDatabaseError, err)
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now()
	for _, record := range records {
		data, err := store.EncodeRecord(record)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, record.Key(), string(record.Origin), record.State.String(), string(data), now); err != nil {
			return fmt.Errorf("%w: %w", store.ErrDatabaseError, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrDatabaseError, err)
	}
	return nil
}

// Count returns the number of stored rows.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, store.ErrStoreClosed
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM node_records`).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: %w", store.ErrDatabaseError, err)
	}
	return count, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
