package signaling

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"callbridge/internal/call"
)

// Key and channel layout. One record per call id, flat keyspace, plus one
// pub/sub channel per record and one per receiving identity.
const (
	recordKeyPrefix    = "callbridge:call:"
	callChannelPrefix  = "callbridge:updates:call:"
	inboxChannelPrefix = "callbridge:updates:inbox:"

	// Ended records stay readable for a day so late observers can resolve
	// stale notices; durable history lives in Postgres.
	endedRecordTTL = 24 * time.Hour
)

// attachAnswerScript performs the first-accepted-wins answer write: the
// answer lands and the status flips to active only while the record is still
// calling. A concurrent second accept sees the flipped status and loses.
var attachAnswerScript = redis.NewScript(`
-- KEYS[1] = record key
-- ARGV[1] = base64 answer descriptor
local raw = redis.call('GET', KEYS[1])
if not raw then
  return redis.error_reply('record not_found')
end
local rec = cjson.decode(raw)
if rec.status ~= 'calling' then
  return redis.error_reply('record expired')
end
rec.status = 'active'
rec.answer = ARGV[1]
local out = cjson.encode(rec)
redis.call('SET', KEYS[1], out)
return out
`)

// endScript marks the record ended exactly once; the first writer's
// timestamp sticks and a concurrent second end is a no-op.
var endScript = redis.NewScript(`
-- KEYS[1] = record key
-- ARGV[1] = ended_at (RFC3339)
-- ARGV[2] = ttl seconds
local raw = redis.call('GET', KEYS[1])
if not raw then
  return redis.error_reply('record not_found')
end
local rec = cjson.decode(raw)
if rec.status == 'ended' then
  return raw
end
rec.status = 'ended'
rec.ended_at = ARGV[1]
local out = cjson.encode(rec)
redis.call('SET', KEYS[1], out, 'EX', tonumber(ARGV[2]))
return out
`)

// Redis is the production Channel: records are JSON values keyed by call id,
// live subscriptions ride pub/sub, and the answer race is resolved with an
// atomic Lua compare-and-set.
type Redis struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewRedis(rdb *redis.Client, log *slog.Logger) *Redis {
	if log == nil {
		log = slog.Default()
	}
	return &Redis{rdb: rdb, log: log}
}

func (c *Redis) Publish(ctx context.Context, rec call.Record) error {
	existing, err := c.Get(ctx, rec.CallID)
	if err == nil && existing.Terminal() {
		// Stale write against immutable history; drop silently.
		return nil
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := c.rdb.Set(ctx, recordKeyPrefix+rec.CallID, raw, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.fanout(ctx, rec, raw)
	return nil
}

func (c *Redis) AttachAnswer(ctx context.Context, callID string, answer call.Descriptor) (call.Record, error) {
	encoded := base64.StdEncoding.EncodeToString(answer)
	raw, err := attachAnswerScript.Run(ctx, c.rdb, []string{recordKeyPrefix + callID}, encoded).Text()
	if err != nil {
		switch {
		case strings.Contains(err.Error(), "not_found"):
			return call.Record{}, call.ErrNotFound
		case strings.Contains(err.Error(), "expired"):
			return call.Record{}, call.ErrNoticeExpired
		default:
			return call.Record{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	var rec call.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return call.Record{}, fmt.Errorf("decode record: %w", err)
	}
	c.fanout(ctx, rec, []byte(raw))
	return rec, nil
}

func (c *Redis) End(ctx context.Context, callID string, endedAt time.Time) error {
	raw, err := endScript.Run(ctx, c.rdb,
		[]string{recordKeyPrefix + callID},
		endedAt.UTC().Format(time.RFC3339Nano),
		int(endedRecordTTL.Seconds()),
	).Text()
	if err != nil {
		if strings.Contains(err.Error(), "not_found") {
			return call.ErrNotFound
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var rec call.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	c.fanout(ctx, rec, []byte(raw))
	return nil
}

func (c *Redis) Get(ctx context.Context, callID string) (call.Record, error) {
	raw, err := c.rdb.Get(ctx, recordKeyPrefix+callID).Bytes()
	if err == redis.Nil {
		return call.Record{}, call.ErrNotFound
	}
	if err != nil {
		return call.Record{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var rec call.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return call.Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

func (c *Redis) Subscribe(ctx context.Context, f Filter) (Subscription, error) {
	var channel string
	switch {
	case f.CallID != "":
		channel = callChannelPrefix + f.CallID
	case f.ReceiverID != "":
		channel = inboxChannelPrefix + f.ReceiverID
	default:
		return nil, fmt.Errorf("%w: empty filter", call.ErrInvalidArgument)
	}

	pubsub := c.rdb.Subscribe(ctx, channel)
	// Force the subscription onto the wire before the initial snapshot so the
	// window between snapshot and live feed stays closed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sub := &redisSub{
		pubsub: pubsub,
		out:    make(chan call.Record, 16),
	}
	go sub.pump(f, c.log)

	// Snapshot after subscribing: a record written before the subscription
	// existed would otherwise never be delivered. Duplicates with the live
	// feed are expected and deduplicated by the consumer.
	if f.CallID != "" {
		if rec, err := c.Get(ctx, f.CallID); err == nil && f.Matches(rec) {
			sub.deliver(rec)
		}
	}
	return sub, nil
}

func (c *Redis) fanout(ctx context.Context, rec call.Record, raw []byte) {
	for _, channel := range []string{
		callChannelPrefix + rec.CallID,
		inboxChannelPrefix + rec.ReceiverID,
	} {
		if err := c.rdb.Publish(ctx, channel, raw).Err(); err != nil {
			c.log.Warn("signaling fanout failed", "channel", channel, "call_id", rec.CallID, "err", err)
		}
	}
}

type redisSub struct {
	pubsub *redis.PubSub
	out    chan call.Record

	mu     sync.Mutex
	closed bool
	once   sync.Once
}

func (s *redisSub) Records() <-chan call.Record { return s.out }

func (s *redisSub) pump(f Filter, log *slog.Logger) {
	for msg := range s.pubsub.Channel() {
		var rec call.Record
		if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
			log.Warn("signaling payload decode failed", "err", err)
			continue
		}
		if f.Matches(rec) {
			s.deliver(rec)
		}
	}
	s.Cancel()
}

func (s *redisSub) deliver(rec call.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- rec:
	default:
		// Slow consumer; at-least-once, not exactly-once.
	}
}

func (s *redisSub) Cancel() {
	s.once.Do(func() {
		_ = s.pubsub.Close()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.out)
	})
}
