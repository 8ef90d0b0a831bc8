package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"meact/internal/engine/interfaces"
)

const (
	defaultMaxReconnects  = -1
	defaultReconnectWait  = 2 * time.Second
	defaultConnectTimeout = 5 * time.Second
	defaultHandlerTimeout = 30 * time.Second
)

// Config holds connection settings.
type Config struct {
	URL           string
	Name          string
	StatusBucket  string
	MaxReconnects int
	ReconnectWait time.Duration
}

// Bus implements the engine bus on NATS core subjects. Retained messages are
// kept in a JetStream key-value bucket keyed by subject.
type Bus struct {
	conn           *natsgo.Conn
	kv             jetstream.KeyValue
	handlerTimeout time.Duration
	logger         *slog.Logger

	mu   sync.Mutex
	subs []*natsgo.Subscription
}

// Connect dials NATS and opens the retained-message bucket when configured.
func Connect(ctx context.Context, cfg Config, logger *slog.Logger) (*Bus, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("nats bus: empty url")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = defaultReconnectWait
	}

	opts := []natsgo.Option{
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.Timeout(defaultConnectTimeout),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		natsgo.ReconnectHandler(func(c *natsgo.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
		natsgo.ErrorHandler(func(_ *natsgo.Conn, sub *natsgo.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("nats async error", "subject", subject, "error", err)
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, natsgo.Name(cfg.Name))
	}

	conn, err := natsgo.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats bus: connect: %w", err)
	}
	b := &Bus{conn: conn, handlerTimeout: defaultHandlerTimeout, logger: logger}

	if cfg.StatusBucket != "" {
		kv, err := openBucket(ctx, conn, cfg.StatusBucket)
		if err != nil {
			conn.Close()
			return nil, err
		}
		b.kv = kv
	}
	logger.Info("nats connected", "url", conn.ConnectedUrl(), "status_bucket", cfg.StatusBucket)
	return b, nil
}

func openBucket(ctx context.Context, conn *natsgo.Conn, bucket string) (jetstream.KeyValue, error) {
	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("nats bus: jetstream: %w", err)
	}
	kv, err := js.KeyValue(ctx, bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("nats bus: open bucket %s: %w", bucket, err)
	}
	kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket, History: 1})
	if err != nil {
		// another instance may have created it first
		if existing, getErr := js.KeyValue(ctx, bucket); getErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("nats bus: create bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// Subject converts an MQTT style topic into a NATS subject.
func Subject(topic string) string {
	topic = strings.Trim(topic, "/")
	topic = strings.ReplaceAll(topic, "/", ".")
	topic = strings.ReplaceAll(topic, "+", "*")
	return strings.ReplaceAll(topic, "#", ">")
}

// Subscribe registers handler on a subject pattern. Retained messages whose
// subject matches are replayed first.
func (b *Bus) Subscribe(pattern string, handler interfaces.Handler) error {
	if handler == nil {
		return errors.New("nats bus: nil handler")
	}
	subject := Subject(pattern)
	sub, err := b.conn.Subscribe(subject, func(msg *natsgo.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), b.handlerTimeout)
		defer cancel()
		handler(ctx, msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats bus: subscribe %s: %w", subject, err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.replay(subject, handler)
	return nil
}

func (b *Bus) replay(subject string, handler interfaces.Handler) {
	if b.kv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.handlerTimeout)
	defer cancel()
	keys, err := b.kv.Keys(ctx)
	if err != nil {
		if !errors.Is(err, jetstream.ErrNoKeysFound) {
			b.logger.Warn("retained replay failed", "subject", subject, "error", err)
		}
		return
	}
	for _, key := range keys {
		if !interfaces.MatchSubject(subject, key) {
			continue
		}
		entry, err := b.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		handler(ctx, key, entry.Value())
	}
}

// Publish sends payload on topic. With retain the payload is also stored as
// the topic's last value.
func (b *Bus) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	subject := Subject(topic)
	if subject == "" {
		return errors.New("nats bus: empty topic")
	}
	if err := b.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("nats bus: publish %s: %w", subject, err)
	}
	if retain && b.kv != nil {
		if _, err := b.kv.Put(ctx, subject, payload); err != nil {
			return fmt.Errorf("nats bus: retain %s: %w", subject, err)
		}
	}
	return nil
}

// Retained returns the stored value of a topic.
func (b *Bus) Retained(ctx context.Context, topic string) ([]byte, bool, error) {
	if b.kv == nil {
		return nil, false, nil
	}
	entry, err := b.kv.Get(ctx, Subject(topic))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry.Value(), true, nil
}

// Healthy reports whether the connection is up.
func (b *Bus) Healthy() bool {
	return b != nil && b.conn != nil && b.conn.IsConnected()
}

// Close drains subscriptions and closes the connection.
func (b *Bus) Close() error {
	if b == nil || b.conn == nil {
		return nil
	}
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}
