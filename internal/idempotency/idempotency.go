// Package idempotency caches checkout responses by client-supplied
// Idempotency-Key so retried requests do not create duplicate orders.
package idempotency

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// ErrInProgress is returned when another request holds the same key.
var ErrInProgress = errors.New("request with this idempotency key is in progress")

// ErrKeyReused is returned when a key is presented with a different request
// than the one it was first used for.
var ErrKeyReused = errors.New("idempotency key was already used for a different request")

const pending = "pending"

// Response is a stored HTTP response.
type Response struct {
	Status int
	Body   []byte
}

// Store reserves keys and remembers the response of the first request. The
// fingerprint identifies the request body; a key only replays for the same
// fingerprint.
type Store interface {
	// Begin reserves key. It returns the stored response if the key already
	// completed, nil if the caller now owns the key, ErrInProgress if another
	// request owns it and ErrKeyReused if the key belongs to another body.
	Begin(ctx context.Context, key, fingerprint string) (*Response, error)
	// Complete stores the response for an owned key.
	Complete(ctx context.Context, key, fingerprint string, r Response) error
	// Release drops an owned key so the client can retry.
	Release(ctx context.Context, key, fingerprint string) error
}

var _ Store = (*RedisStore)(nil)

// releaseScript deletes the key only while it still holds the pending marker.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore implements Store with SETNX reservations.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	lockTTL time.Duration
}

// NewRedisStore returns a RedisStore. Completed responses live for ttl; an
// unfinished reservation expires after lockTTL.
func NewRedisStore(client redis.UniversalClient, ttl, lockTTL time.Duration) *RedisStore {
	return &RedisStore{
		client:  client,
		prefix:  "idem:",
		ttl:     ttl,
		lockTTL: lockTTL,
	}
}

func (s *RedisStore) Begin(ctx context.Context, key, fingerprint string) (*Response, error) {
	k := s.prefix + key
	marker := pendingMarker(fingerprint)
	// Two attempts cover a reservation expiring between SETNX and GET.
	for range 2 {
		ok, err := s.client.SetNX(ctx, k, marker, s.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx failed: %w", err)
		}
		if ok {
			return nil, nil
		}

		val, err := s.client.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("redis get failed: %w", err)
		}
		fp, resp, err := decode(val)
		if err != nil {
			return nil, err
		}
		switch {
		case fp != fingerprint:
			return nil, ErrKeyReused
		case resp == nil:
			return nil, ErrInProgress
		default:
			return resp, nil
		}
	}
	return nil, ErrInProgress
}

func (s *RedisStore) Complete(ctx context.Context, key, fingerprint string, r Response) error {
	if err := s.client.Set(ctx, s.prefix+key, encode(fingerprint, r), s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key, fingerprint string) error {
	err := releaseScript.Run(ctx, s.client, []string{s.prefix + key}, pendingMarker(fingerprint)).Err()
	if err != nil {
		return fmt.Errorf("redis release failed: %w", err)
	}
	return nil
}

func pendingMarker(fingerprint string) string {
	return pending + "\n" + fingerprint
}

// encode stores "<status>\n<fingerprint>\n<body>".
func encode(fingerprint string, r Response) []byte {
	var buf bytes.Buffer
	buf.WriteString(strconv.Itoa(r.Status))
	buf.WriteByte('\n')
	buf.WriteString(fingerprint)
	buf.WriteByte('\n')
	buf.Write(r.Body)
	return buf.Bytes()
}

// decode returns the fingerprint of a record and its response. A pending
// reservation has no response.
func decode(val []byte) (string, *Response, error) {
	head, rest, ok := bytes.Cut(val, []byte{'\n'})
	if !ok {
		return "", nil, errors.New("malformed idempotency record")
	}
	if string(head) == pending {
		return string(rest), nil, nil
	}
	fp, body, ok := bytes.Cut(rest, []byte{'\n'})
	if !ok {
		return "", nil, errors.New("malformed idempotency record")
	}
	status, err := strconv.Atoi(string(head))
	if err != nil {
		return "", nil, errors.Wrap(err, "parse status")
	}
	return string(fp), &Response{Status: status, Body: body}, nil
}
