package natsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	kvOpTimeout    = 5 * time.Second
	kvMaxValueSize = 1 << 20
)

var (
	ErrKVKeyNotFound      = errors.New("kv: key not found")
	ErrKVKeyExists        = errors.New("kv: key already exists")
	ErrKVRevisionMismatch = errors.New("kv: stale revision")
)

// KVEntry is a value read together with the revision to pass to Update.
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVStore is a bucket with a per-call timeout, a value size cap and
// jetstream errors mapped onto the ErrKV sentinels.
type KVStore struct {
	bucket jetstream.KeyValue
	logger *slog.Logger
}

// NewKVStore wraps a bucket obtained from CreateKeyValueBucket or
// GetKeyValueBucket.
func (c *Client) NewKVStore(bucket jetstream.KeyValue) *KVStore {
	return &KVStore{bucket: bucket, logger: c.logger.With("bucket", bucket.Bucket())}
}

func (kv *KVStore) Bucket() string { return kv.bucket.Bucket() }

// write runs one mutating call. conflict, when non-nil, replaces errors
// that IsKVConflictError recognises.
func (kv *KVStore) write(ctx context.Context, op, key string, value []byte, conflict error,
	call func(context.Context) (uint64, error)) (uint64, error) {
	if len(value) > kvMaxValueSize {
		return 0, fmt.Errorf("kv %s %s: %d byte value over the %d byte limit", op, key, len(value), kvMaxValueSize)
	}
	ctx, cancel := context.WithTimeout(ctx, kvOpTimeout)
	defer cancel()

	rev, err := call(ctx)
	switch {
	case err == nil:
		kv.logger.Debug("KV write", "op", op, "key", key, "revision", rev)
		return rev, nil
	case conflict != nil && IsKVConflictError(err):
		return 0, conflict
	}
	return 0, fmt.Errorf("kv %s %s: %w", op, key, err)
}

func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, kvOpTimeout)
	defer cancel()

	e, err := kv.bucket.Get(ctx, key)
	if IsKVNotFoundError(err) {
		return nil, ErrKVKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return &KVEntry{Key: key, Value: e.Value(), Revision: e.Revision()}, nil
}

// Put writes key unconditionally.
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	return kv.write(ctx, "put", key, value, nil, func(ctx context.Context) (uint64, error) {
		return kv.bucket.Put(ctx, key, value)
	})
}

// Create fails with ErrKVKeyExists when key is already live.
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	return kv.write(ctx, "create", key, value, ErrKVKeyExists, func(ctx context.Context) (uint64, error) {
		return kv.bucket.Create(ctx, key, value)
	})
}

// Update fails with ErrKVRevisionMismatch unless key is still at revision.
func (kv *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	return kv.write(ctx, "update", key, value, ErrKVRevisionMismatch, func(ctx context.Context) (uint64, error) {
		return kv.bucket.Update(ctx, key, value, revision)
	})
}

func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, kvOpTimeout)
	defer cancel()

	err := kv.bucket.Delete(ctx, key)
	if IsKVNotFoundError(err) {
		return ErrKVKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// Keys returns nil for an empty bucket.
func (kv *KVStore) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, kvOpTimeout)
	defer cancel()

	keys, err := kv.bucket.Keys(ctx)
	if errors.Is(err, jetstream.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kv keys: %w", err)
	}
	return keys, nil
}

// Watch streams the current value of every key matching pattern, then a
// nil entry, then live changes (unless jetstream.UpdatesOnly is given).
func (kv *KVStore) Watch(ctx context.Context, pattern string, opts ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	w, err := kv.bucket.Watch(ctx, pattern, opts...)
	if err != nil {
		return nil, fmt.Errorf("kv watch %s: %w", pattern, err)
	}
	return w, nil
}

func IsKVNotFoundError(err error) bool {
	return err != nil && (errors.Is(err, ErrKVKeyNotFound) ||
		errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted))
}

// IsKVConflictError covers both an existing key on create and a stale
// revision on update.
func IsKVConflictError(err error) bool {
	if errors.Is(err, ErrKVRevisionMismatch) || errors.Is(err, ErrKVKeyExists) || errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
