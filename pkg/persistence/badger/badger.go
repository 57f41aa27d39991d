// Package badger is a disk-backed persistence.Store, suitable for a
// single-process title-node deployment that wants its replay guard and
// attestation ledger to survive a restart.
package badger

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/titleprotocol/core/pkg/persistence"
)

const (
	keyPrefixNonce       = "nonce:"
	keyPrefixAttestation = "attestation:"
	keySchemaVersion     = "metadata:schema_version"
	currentSchemaVersion = "v1"
)

// Persistence is a production-ready persistence.Store backed by Badger.
type Persistence struct {
	db       *badgerdb.DB
	logger   *zap.Logger
	gcCancel context.CancelFunc
	gcWg     sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

// New opens a Badger database at dataPath with SyncWrites enabled for
// durability and starts a background value-log GC loop.
func New(dataPath string, logger *zap.Logger) (*Persistence, error) {
	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("resolve absolute path: %w", err)
	}

	opts := badgerdb.DefaultOptions(absPath)
	opts.Logger = &badgerLoggerAdapter{logger: logger}
	opts.SyncWrites = true
	opts.CompactL0OnClose = true
	opts.NumVersionsToKeep = 1

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database at %s: %w", absPath, err)
	}

	p := &Persistence{db: db, logger: logger}
	if err := p.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.gcCancel = cancel
	p.gcWg.Add(1)
	go p.runGC(ctx)

	logger.Sugar().Infow("badger persistence initialized", "path", absPath)
	return p, nil
}

func (p *Persistence) initSchema() error {
	return p.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keySchemaVersion))
		if err == badgerdb.ErrKeyNotFound {
			return txn.Set([]byte(keySchemaVersion), []byte(currentSchemaVersion))
		}
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		var existing string
		if err := item.Value(func(val []byte) error { existing = string(val); return nil }); err != nil {
			return fmt.Errorf("read schema version value: %w", err)
		}
		if existing != currentSchemaVersion {
			return fmt.Errorf("unsupported schema version: %s (expected %s)", existing, currentSchemaVersion)
		}
		return nil
	})
}

func (p *Persistence) runGC(ctx context.Context) {
	defer p.gcWg.Done()
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := p.db.RunValueLogGC(0.5); err != nil && err != badgerdb.ErrNoRewrite {
				p.logger.Sugar().Warnw("badger gc error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func nonceKey(sigHash [32]byte) string {
	return keyPrefixNonce + hex.EncodeToString(sigHash[:])
}

// SeenNonce reports whether sigHash has an unexpired entry.
func (p *Persistence) SeenNonce(sigHash [32]byte) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false, fmt.Errorf("persistence layer is closed")
	}

	seen := false
	err := p.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte(nonceKey(sigHash)))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		seen = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("check seen nonce: %w", err)
	}
	return seen, nil
}

// MarkNonceSeen records sigHash with a Badger TTL entry expiring after ttl.
func (p *Persistence) MarkNonceSeen(sigHash [32]byte, ttl time.Duration) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	entry := badgerdb.NewEntry([]byte(nonceKey(sigHash)), []byte{1}).WithTTL(ttl)
	return p.db.Update(func(txn *badgerdb.Txn) error {
		return txn.SetEntry(entry)
	})
}

// RecordAttestation appends one audit entry, keyed by RecordedAt followed
// by a random suffix so entries recorded in the same second do not
// overwrite each other.
func (p *Persistence) RecordAttestation(rec persistence.AttestationRecord) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	data, err := persistence.MarshalAttestationRecord(rec)
	if err != nil {
		return fmt.Errorf("marshal attestation record: %w", err)
	}

	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf, uint64(rec.RecordedAt))
	if _, err := rand.Read(buf[8:]); err != nil {
		return fmt.Errorf("generate attestation key suffix: %w", err)
	}
	key := append([]byte(keyPrefixAttestation), buf...)

	return p.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(key, data)
	})
}

// RecentAttestations returns up to limit records, newest first.
func (p *Persistence) RecentAttestations(limit int) ([]persistence.AttestationRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	var records []persistence.AttestationRecord
	err := p.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixAttestation)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var data []byte
			if err := it.Item().Value(func(val []byte) error {
				data = append([]byte{}, val...)
				return nil
			}); err != nil {
				return fmt.Errorf("read value: %w", err)
			}
			rec, err := persistence.UnmarshalAttestationRecord(data)
			if err != nil {
				p.logger.Sugar().Warnw("skipping unparseable attestation record", "error", err)
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list attestation records: %w", err)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].RecordedAt > records[j].RecordedAt })
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Close shuts down the persistence layer, stopping the GC loop first.
func (p *Persistence) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.gcCancel != nil {
		p.gcCancel()
	}
	p.gcWg.Wait()

	if err := p.db.Close(); err != nil {
		return fmt.Errorf("close badger database: %w", err)
	}
	p.logger.Sugar().Info("badger persistence closed")
	return nil
}

// HealthCheck verifies the schema marker is still readable.
func (p *Persistence) HealthCheck() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("persistence layer is closed")
	}
	return p.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte(keySchemaVersion))
		if err == badgerdb.ErrKeyNotFound {
			return fmt.Errorf("schema version not found - database may be corrupted")
		}
		return err
	})
}

var _ persistence.Store = (*Persistence)(nil)
