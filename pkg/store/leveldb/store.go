// Package leveldb is an alternative RecordStore on goleveldb, one key per endpoint.
package leveldb

import (
	"context"
	"fmt"
	"sync"

	"nodepool/pkg/log"
	"nodepool/pkg/models"
	"nodepool/pkg/store"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const keyPrefix = "node/"

// Store keeps node records in a LevelDB directory.
type Store struct {
	db     *leveldb.DB
	mu     sync.RWMutex
	closed bool
}

var _ store.RecordStore = (*Store)(nil)

// New opens (or creates) the database directory at path.
func New(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open leveldb: %w", store.ErrDatabaseError, err)
	}
	return &Store{db: db}, nil
}

func recordKey(record models.NodeRecord) []byte {
	return []byte(keyPrefix + record.Key())
}

// Load implements store.RecordStore.
func (s *Store) Load(_ context.Context) ([]models.NodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrStoreClosed
	}

	iter := s.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	defer iter.Release()

	var records []models.NodeRecord
	for iter.Next() {
		record, err := store.DecodeRecord(append([]byte(nil), iter.Value()...))
		if err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Skipping undecodable node record")
			continue
		}
		records = append(records, record)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrDatabaseError, err)
	}
	return records, nil
}

// Save implements store.RecordStore; stale keys are deleted in the same batch.
func (s *Store) Save(_ context.Context, records []models.NodeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrStoreClosed
	}

	keep := make(map[string]struct{}, len(records))
	batch := new(leveldb.Batch)
	for _, record := range records {
		data, err := store.EncodeRecord(record)
		if err != nil {
			return err
		}
		key := recordKey(record)
		keep[string(key)] = struct{}{}
		batch.Put(key, data)
	}

	iter := s.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	for iter.Next() {
		if _, ok := keep[string(iter.Key())]; !ok {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrDatabaseError, err)
	}

	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("%w: %w", store.ErrDatabaseError, err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
