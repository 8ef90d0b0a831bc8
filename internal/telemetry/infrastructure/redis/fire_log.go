package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "meact:fire"

// FireLog keeps the last successful firing per rule, board and sensor type.
type FireLog struct {
	client *goredis.Client
	prefix string
}

// Option configures FireLog.
type Option func(*FireLog)

// WithKeyPrefix overrides the key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(f *FireLog) {
		if strings.TrimSpace(prefix) != "" {
			f.prefix = strings.TrimSuffix(prefix, ":")
		}
	}
}

// NewFireLog constructs a redis backed fire log.
func NewFireLog(client *goredis.Client, opts ...Option) *FireLog {
	f := &FireLog{client: client, prefix: defaultKeyPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Key returns the storage key for one status entry.
func (f *FireLog) Key(ruleID, boardID, sensorType string) string {
	return f.prefix + ":" + ruleID + ":" + boardID + ":" + sensorType
}

// LastFireTime returns the stored firing time, if any.
func (f *FireLog) LastFireTime(ctx context.Context, ruleID, boardID, sensorType string) (time.Time, bool, error) {
	if f == nil || f.client == nil {
		return time.Time{}, false, errors.New("redis fire log: nil client")
	}
	raw, err := f.client.Get(ctx, f.Key(ruleID, boardID, sensorType)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return at.UTC(), true, nil
}

// RecordFire overwrites the stored firing time.
func (f *FireLog) RecordFire(ctx context.Context, ruleID, boardID, sensorType string, at time.Time) error {
	if f == nil || f.client == nil {
		return errors.New("redis fire log: nil client")
	}
	return f.client.Set(ctx, f.Key(ruleID, boardID, sensorType), at.UTC().Format(time.RFC3339Nano), 0).Err()
}
