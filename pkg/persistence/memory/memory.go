// Package memory is an in-memory persistence.Store. Intended for testing
// and for single-process deployments that accept losing the replay guard
// and attestation ledger on restart.
package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/titleprotocol/core/pkg/persistence"
)

type nonceEntry struct {
	expiresAt time.Time
}

// Persistence is an in-memory implementation of persistence.Store.
// Thread-safe via sync.RWMutex. Deep-copies records on write and read to
// prevent external mutation of stored state.
type Persistence struct {
	mu sync.RWMutex

	nonces       map[[32]byte]nonceEntry
	attestations []persistence.AttestationRecord
	closed       bool
}

// New creates a new in-memory persistence layer.
func New() *Persistence {
	return &Persistence{
		nonces: make(map[[32]byte]nonceEntry),
	}
}

// SeenNonce reports whether sigHash has an unexpired entry.
func (m *Persistence) SeenNonce(sigHash [32]byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false, fmt.Errorf("persistence layer is closed")
	}

	entry, exists := m.nonces[sigHash]
	if !exists {
		return false, nil
	}
	return time.Now().Before(entry.expiresAt), nil
}

// MarkNonceSeen records sigHash with an in-memory expiry after ttl.
func (m *Persistence) MarkNonceSeen(sigHash [32]byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	m.nonces[sigHash] = nonceEntry{expiresAt: time.Now().Add(ttl)}
	return nil
}

// RecordAttestation appends one audit entry.
func (m *Persistence) RecordAttestation(rec persistence.AttestationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	m.attestations = append(m.attestations, rec)
	return nil
}

// RecentAttestations returns up to limit records, newest first.
func (m *Persistence) RecentAttestations(limit int) ([]persistence.AttestationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	result := make([]persistence.AttestationRecord, len(m.attestations))
	copy(result, m.attestations)
	sort.Slice(result, func(i, j int) bool { return result[i].RecordedAt > result[j].RecordedAt })

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Close shuts down the persistence layer. Idempotent.
func (m *Persistence) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// HealthCheck verifies the persistence layer is operational.
func (m *Persistence) HealthCheck() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("persistence layer is closed")
	}
	return nil
}

var _ persistence.Store = (*Persistence)(nil)
