package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/nuwa-protocol/payment-gateway/rav"
)

const redisKeyPrefix = "paygate"

// RedisRAVStore is the production RAVStore. Signed RAVs live in one sorted set
// per sub-channel scored by nonce; the claimed cursor is a plain string key.
//
// Monotonicity checks are read-modify-write, serialized per sub-channel by an
// in-process KeyMutex. The gateway is the only writer for its service id, so
// in-process serialization is sufficient; running two gateways against the
// same keyspace is not supported.
type RedisRAVStore struct {
	client *redis.Client
	byKey  *KeyMutex
	prefix string
}

var _ RAVStore = (*RedisRAVStore)(nil)

func NewRedisRAVStore(client *redis.Client) *RedisRAVStore {
	return &RedisRAVStore{
		client: client,
		byKey:  NewKeyMutex(),
		prefix: redisKeyPrefix,
	}
}

func (s *RedisRAVStore) ravsKey(channelID, fragment string) string {
	return fmt.Sprintf("%s:ravs:%s:%s", s.prefix, channelID, fragment)
}

func (s *RedisRAVStore) claimedKey(channelID, fragment string) string {
	return fmt.Sprintf("%s:claimed:%s:%s", s.prefix, channelID, fragment)
}

func (s *RedisRAVStore) fragmentsKey(channelID string) string {
	return fmt.Sprintf("%s:frags:%s", s.prefix, channelID)
}

func (s *RedisRAVStore) Save(ctx context.Context, signed *rav.SignedSubRAV) error {
	record := signed.SubRAV
	lockKey := subChannelKey(record.ChannelID, record.VMIDFragment)

	s.byKey.Lock(lockKey)
	defer s.byKey.Unlock(lockKey)

	ravsKey := s.ravsKey(record.ChannelID, record.VMIDFragment)

	latest, err := s.latestLocked(ctx, ravsKey)
	if err != nil {
		return err
	}

	if latest != nil {
		latestRecord := latest.SubRAV
		if record.Nonce <= latestRecord.Nonce {
			stored, err := s.atNonce(ctx, ravsKey, record.Nonce)
			if err != nil {
				return err
			}
			if stored != nil && stored.SubRAV.Equal(record) {
				return nil // idempotent re-save
			}
			if stored != nil {
				return fmt.Errorf("%w: nonce %d already stored with different payload", ErrRegression, record.Nonce)
			}
			return fmt.Errorf("%w: nonce %d not above latest %d", ErrRegression, record.Nonce, latestRecord.Nonce)
		}
		if record.AccumulatedAmount.Cmp(latestRecord.AccumulatedAmount) < 0 {
			return fmt.Errorf("%w: amount %s below latest %s at nonce %d",
				ErrRegression, record.AccumulatedAmount, latestRecord.AccumulatedAmount, latestRecord.Nonce)
		}
	}

	payload, err := json.Marshal(signed)
	if err != nil {
		return fmt.Errorf("marshaling signed rav: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, ravsKey, redis.Z{Score: float64(record.Nonce), Member: payload})
	pipe.SAdd(ctx, s.fragmentsKey(record.ChannelID), record.VMIDFragment)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("persisting signed rav: %w", err)
	}
	return nil
}

func (s *RedisRAVStore) Latest(ctx context.Context, channelID, vmIDFragment string) (*rav.SignedSubRAV, error) {
	return s.latestLocked(ctx, s.ravsKey(channelID, vmIDFragment))
}

func (s *RedisRAVStore) latestLocked(ctx context.Context, ravsKey string) (*rav.SignedSubRAV, error) {
	members, err := s.client.ZRevRange(ctx, ravsKey, 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("reading latest rav: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	return decodeSignedRAV(members[0])
}

func (s *RedisRAVStore) atNonce(ctx context.Context, ravsKey string, nonce uint64) (*rav.SignedSubRAV, error) {
	score := strconv.FormatUint(nonce, 10)
	members, err := s.client.ZRangeByScore(ctx, ravsKey, &redis.ZRangeBy{Min: score, Max: score}).Result()
	if err != nil {
		return nil, fmt.Errorf("reading rav at nonce %d: %w", nonce, err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	return decodeSignedRAV(members[0])
}

func (s *RedisRAVStore) List(ctx context.Context, channelID string, fn func(*rav.SignedSubRAV) error) error {
	fragments, err := s.client.SMembers(ctx, s.fragmentsKey(channelID)).Result()
	if err != nil {
		return fmt.Errorf("listing sub-channels: %w", err)
	}

	for _, fragment := range fragments {
		members, err := s.client.ZRange(ctx, s.ravsKey(channelID, fragment), 0, -1).Result()
		if err != nil {
			return fmt.Errorf("listing ravs for %s: %w", fragment, err)
		}
		for _, member := range members {
			signed, err := decodeSignedRAV(member)
			if err != nil {
				return err
			}
			if err := fn(signed); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *RedisRAVStore) Unclaimed(ctx context.Context, channelID string) (map[string]*rav.SignedSubRAV, error) {
	fragments, err := s.client.SMembers(ctx, s.fragmentsKey(channelID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing sub-channels: %w", err)
	}

	out := make(map[string]*rav.SignedSubRAV)
	for _, fragment := range fragments {
		latest, err := s.Latest(ctx, channelID, fragment)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			continue
		}
		claimed, _, err := s.ClaimedNonce(ctx, channelID, fragment)
		if err != nil {
			return nil, err
		}
		if latest.SubRAV.Nonce > claimed {
			out[fragment] = latest
		}
	}
	return out, nil
}

func (s *RedisRAVStore) MarkClaimed(ctx context.Context, channelID, vmIDFragment string, nonce uint64) error {
	lockKey := subChannelKey(channelID, vmIDFragment)

	s.byKey.Lock(lockKey)
	defer s.byKey.Unlock(lockKey)

	existing, ok, err := s.ClaimedNonce(ctx, channelID, vmIDFragment)
	if err != nil {
		return err
	}
	if ok && existing >= nonce {
		return nil
	}
	if err := s.client.Set(ctx, s.claimedKey(channelID, vmIDFragment), nonce, 0).Err(); err != nil {
		return fmt.Errorf("advancing claimed cursor: %w", err)
	}
	return nil
}

func (s *RedisRAVStore) ClaimedNonce(ctx context.Context, channelID, vmIDFragment string) (uint64, bool, error) {
	value, err := s.client.Get(ctx, s.claimedKey(channelID, vmIDFragment)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading claimed cursor: %w", err)
	}
	nonce, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parsing claimed cursor %q: %w", value, err)
	}
	return nonce, true, nil
}

func (s *RedisRAVStore) ResetChannel(ctx context.Context, channelID string) error {
	fragments, err := s.client.SMembers(ctx, s.fragmentsKey(channelID)).Result()
	if err != nil {
		return fmt.Errorf("listing sub-channels: %w", err)
	}

	keys := []string{s.fragmentsKey(channelID)}
	for _, fragment := range fragments {
		keys = append(keys, s.ravsKey(channelID, fragment), s.claimedKey(channelID, fragment))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("resetting channel %s: %w", channelID, err)
	}
	return nil
}

func decodeSignedRAV(payload string) (*rav.SignedSubRAV, error) {
	var signed rav.SignedSubRAV
	if err := json.Unmarshal([]byte(payload), &signed); err != nil {
		return nil, fmt.Errorf("decoding stored rav: %w", err)
	}
	return &signed, nil
}
