package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var bucketEntries = []byte("entries")

// BoltKV implements KV over an embedded bbolt database. Each value is stored
// as an 8-byte big-endian expiry (unix nanoseconds) followed by the payload;
// expired entries behave as absent on read and are deleted lazily.
type BoltKV struct {
	db    *bbolt.DB
	clock Clock
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// OpenBolt opens (or creates) the cache database at path.
func OpenBolt(path string) (*BoltKV, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache bucket: %w", err)
	}

	return &BoltKV{db: db, clock: realClock{}}, nil
}

// OpenBoltWithClock opens a cache database with a custom clock (for testing).
func OpenBoltWithClock(path string, clock Clock) (*BoltKV, error) {
	kv, err := OpenBolt(path)
	if err != nil {
		return nil, err
	}
	kv.clock = clock
	return kv, nil
}

// Get returns the payload for key, or absent if the key is missing or its
// entry has expired.
func (b *BoltKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var payload []byte
	var expired bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get([]byte(key))
		if raw == nil || len(raw) < 8 {
			return nil
		}
		expiry := time.Unix(0, int64(binary.BigEndian.Uint64(raw[:8])))
		if !b.clock.Now().Before(expiry) {
			expired = true
			return nil
		}
		payload = append([]byte(nil), raw[8:]...)
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if expired {
		// Lazy cleanup; losing the race with a concurrent write is fine.
		_ = b.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketEntries).Delete([]byte(key))
		})
		return nil, false, nil
	}
	if payload == nil {
		return nil, false, nil
	}
	return payload, true, nil
}

// SetEx stores value under key with the given time-to-live.
func (b *BoltKV) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive, got %s", ttl)
	}

	expiry := b.clock.Now().Add(ttl)
	raw := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(raw[:8], uint64(expiry.UnixNano()))
	copy(raw[8:], value)

	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(key), raw)
	})
}

// Close closes the underlying database.
func (b *BoltKV) Close() error {
	return b.db.Close()
}
