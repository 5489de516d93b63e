package registry

import (
	"context"
	"fmt"
	"time"

	"nodepool/pkg/log"
	"nodepool/pkg/models"
)

const (
	defaultPersistInterval = time.Minute
	finalPersistTimeout    = 5 * time.Second
)

// Load merges persisted records into the registry. Records already present win. States
// are recomputed from profile and health, keeping a stored active assignment only while
// the node still qualifies.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	records, err := r.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPersist, err)
	}

	r.mu.Lock()
	now := r.now()
	loaded := 0
	for i := range records {
		record := records[i].Clone()
		key := record.Key()
		if _, exists := r.records[key]; exists {
			continue
		}
		record.State = resolveState(record.State, DeriveState(record.Profile, record.Health, now, r.policy))
		r.records[key] = &record
		loaded++
	}
	r.healthChangedLocked()
	r.mu.Unlock()

	log.Info().Int("records", loaded).Msg("Node records loaded")
	r.notify()
	return loaded, nil
}

// PersistNow writes the full record set to the store.
func (r *Registry) PersistNow(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	r.mu.Lock()
	snapshot := make([]models.NodeRecord, 0, len(r.records))
	for _, record := range r.records {
		snapshot = append(snapshot, record.Clone())
	}
	r.dirty = false
	r.mu.Unlock()

	if err := r.store.Save(ctx, snapshot); err != nil {
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}

	log.Debug().Int("records", len(snapshot)).Msg("Node records persisted")
	return nil
}

// RequestPersist schedules an out-of-cadence save, used after impactful discovery events.
func (r *Registry) RequestPersist() {
	select {
	case r.persistCh <- struct{}{}:
	default:
	}
}

// Start runs the persistence loop: dirty records are saved every interval and on
// RequestPersist. Calling Start twice is a no-op.
func (r *Registry) Start(interval time.Duration) {
	if interval <= 0 {
		interval = defaultPersistInterval
	}

	r.persistMu.Lock()
	defer r.persistMu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})

	r.wg.Add(1)
	go r.persistLoop(interval, r.stopCh)

	log.Info().Dur("interval", interval).Msg("Registry persistence started")
}

// Stop ends the persistence loop after a final save.
func (r *Registry) Stop() {
	r.persistMu.Lock()
	if !r.running {
		r.persistMu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.persistMu.Unlock()

	r.wg.Wait()
	log.Info().Msg("Registry persistence stopped")
}

func (r *Registry) persistLoop(interval time.Duration, stopCh chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if r.isDirty() {
				r.persist(context.Background())
			}
		case <-r.persistCh:
			r.persist(context.Background())
		case <-stopCh:
			ctx, cancel := context.WithTimeout(context.Background(), finalPersistTimeout)
			r.persist(ctx)
			cancel()
			return
		}
	}
}

func (r *Registry) persist(ctx context.Context) {
	if err := r.PersistNow(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to persist node records")
	}
}

func (r *Registry) isDirty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dirty
}
