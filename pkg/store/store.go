// Package store defines how node records round-trip through durable storage.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"nodepool/pkg/models"
)

var (
	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrCorruptRecord is returned when a stored record cannot be decoded.
	ErrCorruptRecord = errors.New("corrupt node record")

	// ErrDatabaseError wraps failures of the underlying database.
	ErrDatabaseError = errors.New("database error")
)

// RecordStore persists the full node record set. Save replaces whatever was stored before.
type RecordStore interface {
	// Load returns every stored record. Records that cannot be decoded are skipped.
	Load(ctx context.Context) ([]models.NodeRecord, error)

	// Save atomically replaces the stored set with records.
	Save(ctx context.Context, records []models.NodeRecord) error

	// Close releases the underlying resources.
	Close() error
}

// EncodeRecord serialises a record for storage.
func EncodeRecord(record models.NodeRecord) ([]byte, error) {
	record.SchemaVersion = models.CurrentSchemaVersion
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", record.Key(), err)
	}
	return data, nil
}

// DecodeRecord parses a stored record. Unknown fields are ignored and missing
// fields keep their zero values, so rows written by older or newer schemas load.
func DecodeRecord(data []byte) (models.NodeRecord, error) {
	var record models.NodeRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return models.NodeRecord{}, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}
	if record.Endpoint.Host == "" || record.Endpoint.Port <= 0 {
		return models.NodeRecord{}, fmt.Errorf("%w: missing endpoint", ErrCorruptRecord)
	}
	if !record.Origin.Valid() {
		record.Origin = models.OriginDiscovered
	}
	if record.Profile.Hints.Prefix24 == "" {
		record.Profile.Hints.Prefix24 = record.Endpoint.Prefix24()
	}
	if record.DiscoveredAt.IsZero() {
		record.DiscoveredAt = record.LastActivity()
	}
	return record, nil
}

// MemoryStore keeps encoded records in memory. It exercises the same encode/decode
// path as the durable stores and is used by tests and ephemeral runs.
type MemoryStore struct {
	mu     sync.Mutex
	rows   map[string][]byte
	closed bool
	saves  int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string][]byte)}
}

// Load implements RecordStore.
func (m *MemoryStore) Load(_ context.Context) ([]models.NodeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStoreClosed
	}

	keys := make([]string, 0, len(m.rows))
	for key := range m.rows {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	records := make([]models.NodeRecord, 0, len(keys))
	for _, key := range keys {
		record, err := DecodeRecord(m.rows[key])
		if err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Save implements RecordStore.
func (m *MemoryStore) Save(_ context.Context, records []models.NodeRecord) error {
	rows := make(map[string][]byte, len(records))
	for _, record := range records {
		data, err := EncodeRecord(record)
		if err != nil {
			return err
		}
		rows[record.Key()] = data
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	m.rows = rows
	m.saves++
	return nil
}

// Close implements RecordStore.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Saves returns how many times Save succeeded.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// PutRaw stores arbitrary bytes under key; used to simulate rows from other schema versions.
func (m *MemoryStore) PutRaw(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[key] = data
}
