package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/1ureka/qrdrop/internal/protocol"
	"github.com/1ureka/qrdrop/internal/util"
)

// KeyPrefix namespaces rendezvous entries in Redis.
const KeyPrefix = "qrdrop:rendezvous:"

// maxWatchRetries bounds optimistic-lock retries in PublishResponse.
const maxWatchRetries = 3

// RedisStore is a Store shared through Redis, so that several rendezvous
// servers can serve the same codes. Keys carry a TTL equal to the window; the
// age is checked again on read.
type RedisStore struct {
	client *redis.Client
	window time.Duration
	now    func() time.Time
	log    util.Logger
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int, window time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisStore{
		client: client,
		window: window,
		now:    time.Now,
		log:    util.Scoped("rendezvous.redis"),
	}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) key(id string) string {
	return KeyPrefix + id
}

func (s *RedisStore) PublishRequest(ctx context.Context, id string, req protocol.Request) error {
	ctx, span := tracer.Start(ctx, "redis.publish_request",
		trace.WithAttributes(
			attribute.String("rendezvous.id", id),
			attribute.String("file_name", req.File.Name),
		),
	)
	defer span.End()

	data, err := json.Marshal(&Entry{ID: id, Request: req, CreatedAt: s.now()})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if err := s.client.Set(ctx, s.key(id), data, s.window).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "set failed")
		return fmt.Errorf("failed to store request: %w", err)
	}

	span.SetAttributes(attribute.Int64("ttl_seconds", int64(s.window.Seconds())))
	s.log.Debugf("published request %s", id)
	return nil
}

func (s *RedisStore) LookupRequest(ctx context.Context, id string) (protocol.Request, error) {
	ctx, span := tracer.Start(ctx, "redis.lookup_request",
		trace.WithAttributes(attribute.String("rendezvous.id", id)),
	)
	defer span.End()

	e, err := s.get(ctx, s.client, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrAlreadyAnswered) {
			span.RecordError(err)
		}
		span.SetAttributes(attribute.Bool("found", false))
		return protocol.Request{}, err
	}
	span.SetAttributes(attribute.Bool("found", true))
	return e.Request, nil
}

func (s *RedisStore) PublishResponse(ctx context.Context, id string, desc protocol.Descriptor) error {
	ctx, span := tracer.Start(ctx, "redis.publish_response",
		trace.WithAttributes(attribute.String("rendezvous.id", id)),
	)
	defer span.End()

	key := s.key(id)
	update := func(tx *redis.Tx) error {
		e, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if e.Response != nil {
			return ErrAlreadyAnswered
		}
		d := desc
		e.Response = &d
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, data, redis.SetArgs{Mode: "XX", KeepTTL: true})
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < maxWatchRetries; i++ {
		err = s.client.Watch(ctx, update, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		s.log.Debugf("entry %s changed during response publish, retrying", id)
	}
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
			err = fmt.Errorf("failed to store response: %w", err)
		}
		return err
	}

	s.log.Debugf("published response %s", id)
	return nil
}

func (s *RedisStore) PollResponse(ctx context.Context, id string) (protocol.Descriptor, bool, error) {
	e, err := s.get(ctx, s.client, id)
	if err != nil {
		return protocol.Descriptor{}, false, err
	}
	if e.Response == nil {
		return protocol.Descriptor{}, false, nil
	}
	return *e.Response, true, nil
}

func (s *RedisStore) Remove(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "redis.remove",
		trace.WithAttributes(attribute.String("rendezvous.id", id)),
	)
	defer span.End()

	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to remove entry: %w", err)
	}
	return nil
}

// get loads a live entry through c, which is either the client or a
// transaction watching the key.
func (s *RedisStore) get(ctx context.Context, c redis.Cmdable, id string) (*Entry, error) {
	data, err := c.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read entry: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	if e.expired(s.now(), s.window) {
		return nil, ErrNotFound
	}
	return &e, nil
}
