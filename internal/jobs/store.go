package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix   = "nbforge:conversion:"
	sequenceKey = "nbforge:conversion:seq"
	indexKey    = "nbforge:conversions"

	maxUpdateRetries = 10
)

// RecordStore は変換記録の保存先です。
type RecordStore interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, id int64) (*Record, error)
	List(ctx context.Context) ([]*Record, error)
	Delete(ctx context.Context, id int64) (*Record, error)
	Update(ctx context.Context, id int64, mutate func(*Record) error) (*Record, error)
}

// Store は変換記録を Redis に保存します。
// ID は連番で採番し、一覧用に ID をスコアとするソート済みセットを持ちます。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ RecordStore = (*Store)(nil)

// NewStore は Store を作成します。ttl が 0 以下なら記録は期限切れになりません。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
	}
}

// Create は新しい ID を採番して記録を保存します。
func (s *Store) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	id, err := s.rdb.Incr(ctx, sequenceKey).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate conversion id: %w", err)
	}

	now := time.Now().UTC()
	record.ID = id
	if record.Status == "" {
		record.Status = StatusPending
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, recordKey(id), payload, s.ttl)
		pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(id), Member: strconv.FormatInt(id, 10)})
		return nil
	})
	return err
}

// Get は記録を取得します。存在しない場合は (nil, nil) を返します。
func (s *Store) Get(ctx context.Context, id int64) (*Record, error) {
	data, err := s.rdb.Get(ctx, recordKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return decodeRecord(data)
}

// List は記録を新しい順に返します。期限切れの記録は索引からも取り除きます。
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	members, err := s.rdb.ZRevRange(ctx, indexKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return []*Record{}, nil
	}

	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = keyPrefix + m
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	records := make([]*Record, 0, len(values))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, members[i])
			continue
		}
		record, err := decodeRecord([]byte(raw))
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if len(stale) > 0 {
		_ = s.rdb.ZRem(ctx, indexKey, stale...).Err()
	}
	return records, nil
}

// Delete は記録を削除し、削除前の内容を返します。存在しない場合は ErrNotFound を返します。
func (s *Store) Delete(ctx context.Context, id int64) (*Record, error) {
	record, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrNotFound
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, recordKey(id))
		pipe.ZRem(ctx, indexKey, strconv.FormatInt(id, 10))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Update は WATCH による楽観ロックで記録を読み出し、mutate の結果を保存します。
// mutate がエラーを返した場合は保存せずにそのエラーを返します。
func (s *Store) Update(ctx context.Context, id int64, mutate func(*Record) error) (*Record, error) {
	key := recordKey(id)
	var updated *Record

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		record, err := decodeRecord(data)
		if err != nil {
			return err
		}
		if err := mutate(record); err != nil {
			return err
		}
		record.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}
		ttl := s.ttl
		if ttl > 0 {
			// 残り期限を引き継ぐ
			if remaining, err := tx.TTL(ctx, key).Result(); err == nil && remaining > 0 {
				ttl = remaining
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			return nil
		})
		if err == nil {
			updated = record
		}
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("conversion %d: too many concurrent updates", id)
}

func decodeRecord(data []byte) (*Record, error) {
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode conversion record: %w", err)
	}
	return &record, nil
}

func recordKey(id int64) string {
	return keyPrefix + strconv.FormatInt(id, 10)
}
