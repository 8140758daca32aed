package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"automatic-submission-service/internal/config"
	"automatic-submission-service/internal/models"
)

// Message is one change notification batch read from the feed. Err is set
// when the payload could not be decoded.
type Message struct {
	ID    string
	Raw   string
	Batch []models.Changeset
	Err   error
}

// DeadLetter is a batch that could not be handled.
type DeadLetter struct {
	MessageID string    `json:"message_id"`
	Data      string    `json:"data"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// RedisFeed carries change notification batches over a Redis stream read
// by a consumer group, with a list as dead-letter queue.
type RedisFeed struct {
	client    *redis.Client
	stream    string
	group     string
	consumer  string
	batchSize int64
	block     time.Duration
	claimIdle time.Duration
	dlqKey    string
}

// NewClient builds a Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisFeed builds a feed client from config.
func NewRedisFeed(client *redis.Client, cfg config.FeedConfig) *RedisFeed {
	batch := int64(cfg.BatchSize)
	if batch <= 0 {
		batch = 10
	}
	// A negative block makes reads return immediately.
	block := cfg.Block
	if block <= 0 {
		block = -1
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle == 0 {
		claimIdle = time.Minute
	}
	return &RedisFeed{
		client:    client,
		stream:    cfg.Stream,
		group:     cfg.Group,
		consumer:  cfg.Consumer,
		batchSize: batch,
		block:     block,
		claimIdle: claimIdle,
		dlqKey:    cfg.DLQName,
	}
}

// Publish appends a batch to the stream and returns its message id.
func (f *RedisFeed) Publish(ctx context.Context, batch []models.Changeset) (string, error) {
	data, err := json.Marshal(batch)
	if err != nil {
		return "", fmt.Errorf("marshal batch: %w", err)
	}
	id, err := f.client.XAdd(ctx, &redis.XAddArgs{
		Stream: f.stream,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("add to stream: %w", err)
	}
	return id, nil
}

// EnsureGroup creates the consumer group and the stream if needed.
func (f *RedisFeed) EnsureGroup(ctx context.Context) error {
	err := f.client.XGroupCreateMkStream(ctx, f.stream, f.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Read returns the next batches delivered to this consumer, blocking up to
// the configured duration. No messages yields an empty slice.
func (f *RedisFeed) Read(ctx context.Context) ([]Message, error) {
	streams, err := f.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    f.group,
		Consumer: f.consumer,
		Streams:  []string{f.stream, ">"},
		Count:    f.batchSize,
		Block:    f.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	var out []Message
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, decode(m))
		}
	}
	return out, nil
}

// ClaimStale takes over batches another consumer read but never acked.
func (f *RedisFeed) ClaimStale(ctx context.Context) ([]Message, error) {
	msgs, _, err := f.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   f.stream,
		Group:    f.group,
		Consumer: f.consumer,
		MinIdle:  f.claimIdle,
		Start:    "0-0",
		Count:    f.batchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("claim stale messages: %w", err)
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, decode(m))
	}
	return out, nil
}

func decode(m redis.XMessage) Message {
	msg := Message{ID: m.ID}
	data, ok := m.Values["data"].(string)
	if !ok {
		msg.Err = fmt.Errorf("message %s has no data field", m.ID)
		return msg
	}
	msg.Raw = data
	if err := json.Unmarshal([]byte(data), &msg.Batch); err != nil {
		msg.Err = fmt.Errorf("decode message %s: %w", m.ID, err)
	}
	return msg
}

// Ack marks a batch as handled for the consumer group.
func (f *RedisFeed) Ack(ctx context.Context, id string) error {
	return f.client.XAck(ctx, f.stream, f.group, id).Err()
}

// DLQPush records a failed batch and acks it in one transaction.
func (f *RedisFeed) DLQPush(ctx context.Context, msg Message, reason string) error {
	data, err := json.Marshal(DeadLetter{MessageID: msg.ID, Data: msg.Raw, Reason: reason, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	pipe := f.client.TxPipeline()
	pipe.RPush(ctx, f.dlqKey, data)
	pipe.XAck(ctx, f.stream, f.group, msg.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// DLQPeek returns up to n dead letters, oldest first.
func (f *RedisFeed) DLQPeek(ctx context.Context, n int64) ([]DeadLetter, error) {
	if n <= 0 {
		n = 50
	}
	raw, err := f.client.LRange(ctx, f.dlqKey, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, r := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(r), &dl); err != nil {
			return nil, fmt.Errorf("decode dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// Deliveries reports how often the batch was delivered to the group. A batch
// that is not pending yields 0.
func (f *RedisFeed) Deliveries(ctx context.Context, id string) (int64, error) {
	entries, err := f.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: f.stream,
		Group:  f.group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("pending entry %s: %w", id, err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	return entries[0].RetryCount, nil
}

// Pending reports how many batches were delivered but not yet acked.
func (f *RedisFeed) Pending(ctx context.Context) (int64, error) {
	p, err := f.client.XPending(ctx, f.stream, f.group).Result()
	if err != nil {
		return 0, err
	}
	return p.Count, nil
}
