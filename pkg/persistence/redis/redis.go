// Package redis is a distributed persistence.Store backed by Redis,
// suitable for a multi-replica title-node deployment where the replay
// guard and attestation ledger must be shared across instances.
package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/titleprotocol/core/pkg/persistence"
)

const (
	keyPrefixNonce       = "title:nonce:"
	keyZsetAttestations  = "title:attestations:index"
	keyPrefixAttestation = "title:attestation:"
	keySchemaVersion     = "title:metadata:schema_version"
	currentSchemaVersion = "v1"
)

// Config holds the configuration for connecting to Redis.
type Config struct {
	// Address is the Redis server address (host:port).
	Address string
	// Password is the optional Redis password.
	Password string
	// DB is the Redis database number.
	DB int
	// KeyPrefix is an optional additional prefix for multi-tenant setups.
	KeyPrefix string
}

// Persistence is a production-ready persistence.Store backed by Redis.
type Persistence struct {
	client    *redis.Client
	logger    *zap.Logger
	keyPrefix string
	mu        sync.RWMutex
	closed    bool
}

// New connects to Redis per cfg and validates the schema marker.
func New(cfg *Config, logger *zap.Logger) (*Persistence, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Address, err)
	}

	p := &Persistence{client: client, logger: logger, keyPrefix: cfg.KeyPrefix}
	if err := p.initSchema(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	logger.Sugar().Infow("redis persistence initialized", "address", cfg.Address, "db", cfg.DB)
	return p, nil
}

func (p *Persistence) prefixKey(key string) string {
	if p.keyPrefix == "" {
		return key
	}
	return p.keyPrefix + key
}

func (p *Persistence) initSchema(ctx context.Context) error {
	key := p.prefixKey(keySchemaVersion)
	existing, err := p.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return p.client.Set(ctx, key, currentSchemaVersion, 0).Err()
	}
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if existing != currentSchemaVersion {
		return fmt.Errorf("unsupported schema version: %s (expected %s)", existing, currentSchemaVersion)
	}
	return nil
}

// SeenNonce reports whether sigHash has an unexpired entry.
func (p *Persistence) SeenNonce(sigHash [32]byte) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false, fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := p.prefixKey(keyPrefixNonce + hex.EncodeToString(sigHash[:]))
	n, err := p.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("check seen nonce: %w", err)
	}
	return n > 0, nil
}

// MarkNonceSeen records sigHash with a Redis key expiring after ttl.
func (p *Persistence) MarkNonceSeen(sigHash [32]byte, ttl time.Duration) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key := p.prefixKey(keyPrefixNonce + hex.EncodeToString(sigHash[:]))
	return p.client.Set(ctx, key, 1, ttl).Err()
}

// RecordAttestation writes the record and indexes it in a sorted set keyed
// by RecordedAt so RecentAttestations can page newest-first.
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

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// A random suffix keeps entries recorded in the same second distinct.
	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		return fmt.Errorf("generate attestation member suffix: %w", err)
	}
	member := fmt.Sprintf("%d-%s", rec.RecordedAt, hex.EncodeToString(suffix))
	recordKey := p.prefixKey(keyPrefixAttestation + member)
	zsetKey := p.prefixKey(keyZsetAttestations)

	pipe := p.client.TxPipeline()
	pipe.Set(ctx, recordKey, data, 0)
	pipe.ZAdd(ctx, zsetKey, redis.Z{Score: float64(rec.RecordedAt), Member: member})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record attestation: %w", err)
	}
	return nil
}

// RecentAttestations returns up to limit records, newest first.
func (p *Persistence) RecentAttestations(limit int) ([]persistence.AttestationRecord, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	members, err := p.client.ZRevRange(ctx, p.prefixKey(keyZsetAttestations), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("list attestation index: %w", err)
	}

	records := make([]persistence.AttestationRecord, 0, len(members))
	for _, member := range members {
		data, err := p.client.Get(ctx, p.prefixKey(keyPrefixAttestation+member)).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetch attestation record: %w", err)
		}
		rec, err := persistence.UnmarshalAttestationRecord([]byte(data))
		if err != nil {
			p.logger.Sugar().Warnw("skipping unparseable attestation record", "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close shuts down the Redis client. Idempotent.
func (p *Persistence) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	p.logger.Sugar().Info("redis persistence closed")
	return nil
}

// HealthCheck pings Redis and verifies the schema marker.
func (p *Persistence) HealthCheck() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return fmt.Errorf("persistence layer is closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check: %w", err)
	}
	_, err := p.client.Get(ctx, p.prefixKey(keySchemaVersion)).Result()
	if err == redis.Nil {
		return fmt.Errorf("schema version not found - database may not be properly initialized")
	}
	if err != nil {
		return fmt.Errorf("verify schema version: %w", err)
	}
	return nil
}

var _ persistence.Store = (*Persistence)(nil)
