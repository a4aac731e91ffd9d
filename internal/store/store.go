// Package store adapts an external key-value + hash + pub/sub service to
// the rest of the backend. Every operation opens a span, records a
// latency histogram, and sets span status on error.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrUnavailable is returned when the backing service cannot be reached;
// callers must treat it as transient.
var ErrUnavailable = errors.New("store: unavailable")

// ErrNotFound is returned by Get for callers that need to distinguish
// "absent" from a transport error.
var ErrNotFound = errors.New("store: not found")

// UpdateFunc mutates the decoded value of a key during an AtomicUpdate and
// returns the new value to persist, or an error to abort the update
// without writing. It must be pure and idempotent: AtomicUpdate may invoke
// it more than once if a concurrent writer interferes.
type UpdateFunc func(current []byte, exists bool) (next []byte, err error)

// Store is the shared state store adapter.
type Store struct {
	client  *redis.Client
	latency metric.Float64Histogram
	tracer  trace.Tracer
}

// Options configures the underlying Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New dials the backing Redis-compatible service and verifies
// connectivity before returning.
func New(ctx context.Context, opts Options) (*Store, error) {
	meter := otel.Meter("store-client")
	latency, err := meter.Float64Histogram("store.command.latency", metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create store.command.latency instrument: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	tracer := otel.Tracer("store-client")
	ctx, span := tracer.Start(ctx, "store.ping")
	defer span.End()
	if err := client.Ping(ctx).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ping failed")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	span.SetStatus(codes.Ok, "connected")

	return &Store{client: client, latency: latency, tracer: tracer}, nil
}

// NewWithClient wraps an already-constructed *redis.Client; used by tests
// to point the Store at a miniredis instance.
func NewWithClient(client *redis.Client) *Store {
	latency, _ := otel.Meter("store-client").Float64Histogram("store.command.latency", metric.WithUnit("ms"))
	return &Store{
		client:  client,
		latency: latency,
		tracer:  otel.Tracer("store-client"),
	}
}

func (s *Store) instrument(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span, func(err error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "store."+op, trace.WithAttributes(attrs...))
	end := func(err error) {
		if s.latency != nil {
			s.latency.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("store.command", op)))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
	return ctx, span, end
}

func wrapErr(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Get returns the value for key, or ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, _, end := s.instrument(ctx, "get", attribute.String("store.key", key))
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		end(nil)
		return nil, ErrNotFound
	}
	if err != nil {
		werr := wrapErr(err)
		end(werr)
		return nil, werr
	}
	end(nil)
	return val, nil
}

// Set writes value for key with last-writer-wins semantics; ttl of 0 means
// no expiration.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, _, end := s.instrument(ctx, "set", attribute.String("store.key", key))
	err := wrapErr(s.client.Set(ctx, key, value, ttl).Err())
	end(err)
	return err
}

// Delete removes key, if present.
func (s *Store) Delete(ctx context.Context, key string) error {
	ctx, _, end := s.instrument(ctx, "delete", attribute.String("store.key", key))
	err := wrapErr(s.client.Del(ctx, key).Err())
	end(err)
	return err
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	ctx, _, end := s.instrument(ctx, "exists", attribute.String("store.key", key))
	n, err := s.client.Exists(ctx, key).Result()
	werr := wrapErr(err)
	end(werr)
	if werr != nil {
		return false, werr
	}
	return n > 0, nil
}

// ListKeysWithPrefix returns every key beginning with prefix, using SCAN so
// a large keyspace does not block the server.
func (s *Store) ListKeysWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	ctx, _, end := s.instrument(ctx, "scan", attribute.String("store.prefix", prefix))
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	err := wrapErr(iter.Err())
	end(err)
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// HashSet sets a single field within the hash at key.
func (s *Store) HashSet(ctx context.Context, key, field string, value interface{}) error {
	ctx, _, end := s.instrument(ctx, "hset", attribute.String("store.key", key), attribute.String("store.field", field))
	err := wrapErr(s.client.HSet(ctx, key, field, value).Err())
	end(err)
	return err
}

// HashGetAll returns every field/value pair in the hash at key. An absent
// hash returns an empty, non-nil map and no error (mirrors HGETALL on a
// missing key).
func (s *Store) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, _, end := s.instrument(ctx, "hgetall", attribute.String("store.key", key))
	m, err := s.client.HGetAll(ctx, key).Result()
	werr := wrapErr(err)
	end(werr)
	if werr != nil {
		return nil, werr
	}
	return m, nil
}

// HashDelete removes field from the hash at key.
func (s *Store) HashDelete(ctx context.Context, key, field string) error {
	ctx, _, end := s.instrument(ctx, "hdel", attribute.String("store.key", key), attribute.String("store.field", field))
	err := wrapErr(s.client.HDel(ctx, key, field).Err())
	end(err)
	return err
}

// Publish fire-and-forget delivers payload to channel's current subscribers.
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, _, end := s.instrument(ctx, "publish", attribute.String("store.channel", channel))
	err := wrapErr(s.client.Publish(ctx, channel, payload).Err())
	end(err)
	return err
}

// Subscription is a long-lived subscription handle; callers must call
// Close when done listening.
type Subscription struct {
	pubsub *redis.PubSub
}

// Messages returns the channel of incoming payloads.
func (sub *Subscription) Messages() <-chan *redis.Message {
	return sub.pubsub.Channel()
}

// Close terminates the subscription.
func (sub *Subscription) Close() error {
	return sub.pubsub.Close()
}

// Subscribe opens a subscription to channel. The caller drives the
// handler loop off Subscription.Messages(); this call itself does not
// block.
func (s *Store) Subscribe(ctx context.Context, channel string) *Subscription {
	_, span := s.tracer.Start(ctx, "store.subscribe", trace.WithAttributes(attribute.String("store.channel", channel)))
	defer span.End()
	return &Subscription{pubsub: s.client.Subscribe(ctx, channel)}
}

// AtomicUpdate applies fn to the current value of key under optimistic
// concurrency control: it WATCHes the key, reads the current value,
// computes fn, and commits via MULTI/EXEC. On a WATCH-detected conflict
// it retries fn against the fresh value, so concurrent updates to the
// same key never interleave.
func (s *Store) AtomicUpdate(ctx context.Context, key string, fn UpdateFunc) ([]byte, error) {
	ctx, _, end := s.instrument(ctx, "atomic_update", attribute.String("store.key", key))

	const maxAttempts = 64
	var result []byte

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		exists := true
		if errors.Is(err, redis.Nil) {
			exists = false
			err = nil
		}
		if err != nil {
			return err
		}

		next, err := fn(current, exists)
		if err != nil {
			return &domainErr{err}
		}
		result = next

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = s.client.Watch(ctx, txf, key)
		if err == nil {
			end(nil)
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		break
	}

	var rejected *domainErr
	if errors.As(err, &rejected) {
		err = rejected.err
	} else if errors.Is(err, redis.TxFailedErr) {
		err = fmt.Errorf("store: atomic update on %s exceeded retry budget", key)
	} else if err != nil {
		err = wrapErr(err)
	}
	end(err)
	return nil, err
}

// domainErr marks an UpdateFunc rejection so it passes through the retry
// loop untouched instead of being wrapped as ErrUnavailable.
type domainErr struct{ err error }

func (e *domainErr) Error() string { return e.err.Error() }

func (e *domainErr) Unwrap() error { return e.err }

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client exposes the underlying *redis.Client for components (like the
// rate limiter) that need direct script/pipeline access not covered by
// this adapter's contract.
func (s *Store) Client() *redis.Client {
	return s.client
}
