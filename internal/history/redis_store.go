package history

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mbd888/txfeatures/internal/txn"
)

// RedisConfig configures Redis access for history persistence.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore keeps one sorted set per entity scored by event timestamp.
// Members are "<seq, zero padded>|<json>", so members sharing a score sort by
// sequence. Per-merchant and per-category sets hold the same members to serve
// predicate lookups, and a hash maps transaction ids to sequences so repeated
// commits are absorbed.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// Compile-time check.
var _ Store = (*RedisStore)(nil)

// insertScript performs dedup, sequence assignment and every index write
// atomically.
//
// KEYS: seq counter, txn hash, entity set, merchant set, category set
// ARGV: score, payload, txn id, has merchant, has category
var insertScript = redis.NewScript(`
if ARGV[3] ~= '' then
  local existing = redis.call('HGET', KEYS[2], ARGV[3])
  if existing then
    return tonumber(existing)
  end
end
local seq = redis.call('INCR', KEYS[1])
local member = string.format('%020d', seq) .. '|' .. ARGV[2]
redis.call('ZADD', KEYS[3], ARGV[1], member)
if ARGV[4] == '1' then
  redis.call('ZADD', KEYS[4], ARGV[1], member)
end
if ARGV[5] == '1' then
  redis.call('ZADD', KEYS[5], ARGV[1], member)
end
if ARGV[3] ~= '' then
  redis.call('HSET', KEYS[2], ARGV[3], seq)
end
return seq
`)

// NewRedisStore constructs a Redis-backed history store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis history: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string) *RedisStore {
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "txfeatures:history"
	}
	return &RedisStore{client: client, prefix: strings.TrimSpace(keyPrefix)}
}

func (s *RedisStore) Insert(ctx context.Context, ev txn.Event) (int64, error) {
	payload, err := json.Marshal(toRedisEvent(ev))
	if err != nil {
		return 0, fmt.Errorf("%w: encode event: %w", ErrStorage, err)
	}

	keys := []string{
		s.seqKey(),
		s.txnKey(),
		s.entityKey(ev.Entity),
		s.predicateKey(ev.Entity, MerchantIs(ev.Merchant)),
		s.predicateKey(ev.Entity, CategoryIs(ev.Category)),
	}
	seq, err := insertScript.Run(ctx, s.client, keys,
		strconv.FormatInt(ev.Timestamp, 10),
		string(payload),
		ev.TxnID,
		flag(ev.Merchant != ""),
		flag(ev.Category != ""),
	).Int64()
	if err != nil {
		return 0, fault(ctx, "insert event", err)
	}
	return seq, nil
}

func (s *RedisStore) QueryWindow(ctx context.Context, entity string, asOf int64, window time.Duration) ([]Entry, error) {
	lo, hi, ok := windowBounds(asOf, window)
	if !ok {
		return nil, nil
	}
	members, err := s.client.ZRangeByScore(ctx, s.entityKey(entity), &redis.ZRangeBy{
		Min: strconv.FormatInt(lo, 10),
		Max: "(" + strconv.FormatInt(hi, 10),
	}).Result()
	if err != nil {
		return nil, fault(ctx, "query window", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	out := make([]Entry, 0, len(members))
	for _, m := range members {
		e, err := decodeMember(m)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStorage, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisStore) LastBefore(ctx context.Context, entity string, asOf int64) (Entry, bool, error) {
	return s.lastIn(ctx, s.entityKey(entity), asOf)
}

func (s *RedisStore) LastMatchingBefore(ctx context.Context, entity string, asOf int64, p Predicate) (Entry, bool, error) {
	key := s.predicateKey(entity, p)
	if key == "" {
		return Entry{}, false, nil
	}
	return s.lastIn(ctx, key, asOf)
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fault(ctx, "ping", err)
	}
	return nil
}

// Close closes Redis resources.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) lastIn(ctx context.Context, key string, asOf int64) (Entry, bool, error) {
	members, err := s.client.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
		Max:   "(" + strconv.FormatInt(asOf, 10),
		Min:   "-inf",
		Count: 1,
	}).Result()
	if err != nil {
		return Entry{}, false, fault(ctx, "query last event", err)
	}
	if len(members) == 0 {
		return Entry{}, false, nil
	}
	e, err := decodeMember(members[0])
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return e, true, nil
}

func (s *RedisStore) seqKey() string {
	return s.prefix + ":seq"
}

func (s *RedisStore) txnKey() string {
	return s.prefix + ":txn"
}

func (s *RedisStore) entityKey(entity string) string {
	return s.prefix + ":entity:" + entity
}

// predicateKey returns "" when the predicate can never match. The entity is
// length-prefixed so no entity/value pair can share a key with another.
func (s *RedisStore) predicateKey(entity string, p Predicate) string {
	if p.Value == "" {
		return ""
	}
	var ns string
	switch p.Field {
	case FieldMerchant:
		ns = ":merchant:"
	case FieldCategory:
		ns = ":category:"
	default:
		return ""
	}
	return s.prefix + ns + strconv.Itoa(len(entity)) + ":" + entity + ":" + p.Value
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func decodeMember(member string) (Entry, error) {
	seqPart, payload, ok := strings.Cut(member, "|")
	if !ok {
		return Entry{}, fmt.Errorf("malformed history member %q", member)
	}
	seq, err := strconv.ParseInt(seqPart, 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("malformed history sequence %q: %w", seqPart, err)
	}
	var re redisEvent
	if err := json.Unmarshal([]byte(payload), &re); err != nil {
		return Entry{}, fmt.Errorf("decode history event %d: %w", seq, err)
	}
	return Entry{Seq: seq, Event: re.event()}, nil
}

// redisEvent is the stored payload. Pointers keep absent values null.
type redisEvent struct {
	TxnID     string   `json:"trans_num,omitempty"`
	Entity    string   `json:"cc_num"`
	Timestamp int64    `json:"unix_time"`
	Amount    *float64 `json:"amt"`
	Lat       *float64 `json:"lat"`
	Long      *float64 `json:"long"`
	MerchLat  *float64 `json:"merch_lat"`
	MerchLong *float64 `json:"merch_long"`
	Merchant  string   `json:"merchant,omitempty"`
	Category  string   `json:"category,omitempty"`
	TransDate string   `json:"trans_date,omitempty"`
	TransTime string   `json:"trans_time,omitempty"`
	DOB       string   `json:"dob,omitempty"`
	Gender    string   `json:"gender,omitempty"`
	CityPop   *int64   `json:"city_pop"`
}

func toRedisEvent(ev txn.Event) redisEvent {
	re := redisEvent{
		TxnID:     ev.TxnID,
		Entity:    ev.Entity,
		Timestamp: ev.Timestamp,
		Merchant:  ev.Merchant,
		Category:  ev.Category,
		TransDate: ev.TransDate,
		TransTime: ev.TransTime,
		DOB:       ev.DOB,
		Gender:    ev.Gender,
	}
	re.Amount = floatPtr(ev.Amount.Float64, ev.Amount.Valid)
	re.Lat = floatPtr(ev.Lat.Float64, ev.Lat.Valid)
	re.Long = floatPtr(ev.Long.Float64, ev.Long.Valid)
	re.MerchLat = floatPtr(ev.MerchLat.Float64, ev.MerchLat.Valid)
	re.MerchLong = floatPtr(ev.MerchLong.Float64, ev.MerchLong.Valid)
	if ev.CityPop.Valid {
		v := ev.CityPop.Int64
		re.CityPop = &v
	}
	return re
}

func (re redisEvent) event() txn.Event {
	ev := txn.Event{
		TxnID:     re.TxnID,
		Entity:    re.Entity,
		Timestamp: re.Timestamp,
		Merchant:  re.Merchant,
		Category:  re.Category,
		TransDate: re.TransDate,
		TransTime: re.TransTime,
		DOB:       re.DOB,
		Gender:    re.Gender,
	}
	if re.Amount != nil {
		ev.Amount = txn.Float(*re.Amount)
	}
	if re.Lat != nil {
		ev.Lat = txn.Float(*re.Lat)
	}
	if re.Long != nil {
		ev.Long = txn.Float(*re.Long)
	}
	if re.MerchLat != nil {
		ev.MerchLat = txn.Float(*re.MerchLat)
	}
	if re.MerchLong != nil {
		ev.MerchLong = txn.Float(*re.MerchLong)
	}
	if re.CityPop != nil {
		ev.CityPop = txn.Int(*re.CityPop)
	}
	return ev
}

func floatPtr(v float64, ok bool) *float64 {
	if !ok {
		return nil
	}
	return &v
}
