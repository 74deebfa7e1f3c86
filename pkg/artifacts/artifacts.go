// Package artifacts stores files produced by jobs, such as generated
// reports, and hands back a URL the job can return as its result.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned for a missing or expired artifact.
var ErrNotFound = errors.New("jobq: artifact not found")

// BlobStore saves artifacts under a caller-chosen key.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// RedisStore keeps artifacts as plain Redis strings with a TTL.
type RedisStore struct {
	rdb     redis.UniversalClient
	prefix  string
	baseURL string
	ttl     time.Duration
}

// NewRedisStore returns a store whose URLs are baseURL + "/" + key. A zero
// ttl keeps artifacts forever.
func NewRedisStore(rdb redis.UniversalClient, baseURL string, ttl time.Duration) *RedisStore {
	return &RedisStore{
		rdb:     rdb,
		prefix:  "jobq:artifacts:",
		baseURL: strings.TrimRight(baseURL, "/"),
		ttl:     ttl,
	}
}

// Put stores data under key and returns its URL. An existing artifact with
// the same key is replaced.
func (s *RedisStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", errors.New("jobq: artifact key must not be empty")
	}
	if err := s.rdb.Set(ctx, s.prefix+key, data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("store artifact %s: %w", key, err)
	}
	return s.baseURL + "/" + url.PathEscape(key), nil
}

// Get loads the artifact stored under key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load artifact %s: %w", key, err)
	}
	return data, nil
}
