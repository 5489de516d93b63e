// Package netmon carries the external network-quality signal: a coarse quality tier and
// an epoch counter bumped on every network path change.
package netmon

import (
	"sync"

	"nodepool/pkg/log"
	"nodepool/pkg/models"
)

// Source is the epoch monitor contract. The engine only consumes it.
type Source interface {
	Snapshot() models.NetworkSnapshot
	Subscribe() chan struct{}
	Unsubscribe(ch chan struct{})
}

// Manual is a Source driven by explicit calls, used on desktop, in the diagnostics API
// and in tests. Mobile hosts wire their platform path monitor to the same methods.
type Manual struct {
	mu          sync.RWMutex
	snapshot    models.NetworkSnapshot
	subscribers []chan struct{}
}

var _ Source = (*Manual)(nil)

// NewManual starts at epoch 0 with quality.
func NewManual(quality models.NetworkQuality) *Manual {
	return &Manual{snapshot: models.NetworkSnapshot{Quality: quality}}
}

// Snapshot implements Source.
func (m *Manual) Snapshot() models.NetworkSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// SetQuality changes the tier within the current epoch.
func (m *Manual) SetQuality(quality models.NetworkQuality) {
	m.mu.Lock()
	changed := m.snapshot.Quality != quality
	m.snapshot.Quality = quality
	m.mu.Unlock()

	if changed {
		m.emit()
	}
}

// PathChanged bumps the epoch, sets the new tier and returns the new snapshot.
func (m *Manual) PathChanged(quality models.NetworkQuality) models.NetworkSnapshot {
	m.mu.Lock()
	m.snapshot.EpochID++
	m.snapshot.Quality = quality
	snapshot := m.snapshot
	m.mu.Unlock()

	log.Info().
		Uint64("epoch_id", snapshot.EpochID).
		Str("quality", snapshot.Quality.String()).
		Msg("Network path changed")
	m.emit()
	return snapshot
}

// Subscribe implements Source.
func (m *Manual) Subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, ch)
	return ch
}

// Unsubscribe implements Source.
func (m *Manual) Unsubscribe(ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, subscriber := range m.subscribers {
		if subscriber == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (m *Manual) emit() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, subscriber := range m.subscribers {
		select {
		case subscriber <- struct{}{}:
		default:
		}
	}
}
