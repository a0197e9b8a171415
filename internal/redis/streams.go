package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sydneyDK/rearview/internal/jobs"
)

// Queue is the cluster-wide work queue carrying execution units from the
// schedulers to the workers, backed by a Redis Stream with one consumer
// group shared by all workers.
type Queue struct {
	RDB    *redis.Client
	Stream string
	DLQ    string
	Group  string
}

func NewQueue(rdb *redis.Client, stream, dlq, group string) *Queue {
	if stream == "" {
		stream = "rearview:units"
	}
	if dlq == "" {
		dlq = "rearview:units:dlq"
	}
	if group == "" {
		group = "cg:workers"
	}
	return &Queue{RDB: rdb, Stream: stream, DLQ: dlq, Group: group}
}

// EnsureGroup creates the consumer group if it does not exist yet.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.RDB.XGroupCreateMkStream(ctx, q.Stream, q.Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}
	return nil
}

func isBusyGroup(err error) bool {
	if err == nil {
		return false
	}
	// v9 doesn't export ErrGroupExists; detect BUSYGROUP manually
	return strings.Contains(err.Error(), "BUSYGROUP")
}

// Enqueue places one execution unit on the stream.
func (q *Queue) Enqueue(ctx context.Context, u jobs.ExecutionUnit) (string, error) {
	b, err := json.Marshal(u)
	if err != nil {
		return "", err
	}
	return q.RDB.XAdd(ctx, &redis.XAddArgs{
		Stream: q.Stream,
		ID:     "*",
		Values: map[string]any{"data": string(b)},
	}).Result()
}

// Message is one delivered execution unit plus its stream identity.
type Message struct {
	ID   string
	Unit jobs.ExecutionUnit
	Raw  redis.XMessage
}

// ReadGroup blocks for up to block waiting for new units addressed to
// this consumer.
func (q *Queue) ReadGroup(ctx context.Context, consumer string, count int64, block time.Duration) ([]Message, error) {
	res, err := q.RDB.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.Group,
		Consumer: consumer,
		Streams:  []string{q.Stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return decode(res), nil
}

func decode(res []redis.XStream) []Message {
	var out []Message
	for _, s := range res {
		for _, m := range s.Messages {
			var u jobs.ExecutionUnit
			if raw, ok := m.Values["data"].(string); ok && raw != "" {
				_ = json.Unmarshal([]byte(raw), &u)
			}
			out = append(out, Message{ID: m.ID, Unit: u, Raw: m})
		}
	}
	return out
}

func (q *Queue) Ack(ctx context.Context, ids ...string) (int64, error) {
	return q.RDB.XAck(ctx, q.Stream, q.Group, ids...).Result()
}

// Dead moves a unit that cannot be processed onto the dead-letter stream.
func (q *Queue) Dead(ctx context.Context, m Message, reason string) error {
	_, err := q.RDB.XAdd(ctx, &redis.XAddArgs{
		Stream: q.DLQ,
		ID:     "*",
		Values: map[string]any{"data": m.Raw.Values["data"], "reason": reason},
	}).Result()
	if err != nil {
		return err
	}
	_, err = q.Ack(ctx, m.ID)
	return err
}

// ClaimPending takes over units another consumer read but never acked,
// once they have been idle past idleFor. This is how a run abandoned by a
// crashed worker gets retried by a peer.
func (q *Queue) ClaimPending(ctx context.Context, consumer string, idleFor time.Duration, count int64) ([]Message, error) {
	pending, err := q.RDB.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.Stream, Group: q.Group, Start: "-", End: "+", Count: count,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	var ids []string
	for _, p := range pending {
		if p.Idle >= idleFor {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	claimed, err := q.RDB.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.Stream,
		Group:    q.Group,
		Consumer: consumer,
		MinIdle:  idleFor,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return decode([]redis.XStream{{Stream: q.Stream, Messages: claimed}}), nil
}
