package cache

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// natsShared backs the shared layer with a NATS JetStream KV bucket, so
// multiple worker processes on the same host share one cache tier.
//
// Cache keys contain characters NATS KV rejects (":"), so keys are stored
// URL-safe base64 encoded.
type natsShared struct {
	kv jetstream.KeyValue
}

// NewNATSShared connects the shared layer to a JetStream KV bucket,
// creating the bucket when absent.
func NewNATSShared(ctx context.Context, nc *nats.Conn, bucket string) (SharedStore, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "lexstream shared cache tier",
		})
	}
	if err != nil {
		return nil, fmt.Errorf("kv bucket %s: %w", bucket, err)
	}

	return &natsShared{kv: kv}, nil
}

func encodeKVKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeKVKey(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode kv key %q: %w", encoded, err)
	}
	return string(raw), nil
}

func (s *natsShared) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := s.kv.Get(ctx, encodeKVKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get: %w", err)
	}
	return entry.Value(), true, nil
}

func (s *natsShared) Set(ctx context.Context, key string, data []byte) error {
	if _, err := s.kv.Put(ctx, encodeKVKey(key), data); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

func (s *natsShared) Delete(ctx context.Context, key string) error {
	err := s.kv.Delete(ctx, encodeKVKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

func (s *natsShared) Keys(ctx context.Context) ([]string, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv list keys: %w", err)
	}

	var keys []string
	for encoded := range lister.Keys() {
		key, err := decodeKVKey(encoded)
		if err != nil {
			// Skip foreign keys; the bucket may be shared.
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}
