// README: Presence store backed by Redis: a last-seen ZSET plus a GEO set for positions.
package location

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"tomo/internal/types"
)

const (
	seenKey = "presence:drivers:seen"
	geoKey  = "presence:drivers:geo"
)

type Store interface {
	Put(ctx context.Context, p Presence) error
	Remove(ctx context.Context, driverID types.ID) error
	// SeenSince returns drivers with a heartbeat at or after t, freshest first.
	SeenSince(ctx context.Context, t time.Time) ([]types.ID, error)
	Get(ctx context.Context, driverID types.ID) (*Presence, error)
}

type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(redis *redis.Client) *RedisStore {
	return &RedisStore{redis: redis}
}

func (s *RedisStore) Put(ctx context.Context, p Presence) error {
	member := p.DriverID.String()
	pipe := s.redis.Pipeline()
	pipe.ZAdd(ctx, seenKey, redis.Z{Score: float64(p.SeenAt.Unix()), Member: member})
	pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{
		Name:      member,
		Longitude: p.Position.Lng,
		Latitude:  p.Position.Lat,
	})
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Remove(ctx context.Context, driverID types.ID) error {
	member := driverID.String()
	pipe := s.redis.Pipeline()
	pipe.ZRem(ctx, seenKey, member)
	pipe.ZRem(ctx, geoKey, member)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) SeenSince(ctx context.Context, t time.Time) ([]types.ID, error) {
	floor := strconv.FormatInt(t.Unix(), 10)
	// Stale members are pruned on read.
	if err := s.redis.ZRemRangeByScore(ctx, seenKey, "-inf", "("+floor).Err(); err != nil {
		return nil, err
	}
	members, err := s.redis.ZRevRangeByScore(ctx, seenKey, &redis.ZRangeBy{Min: floor, Max: "+inf"}).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]types.ID, 0, len(members))
	for _, m := range members {
		id, err := types.ParseID(m)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *RedisStore) Get(ctx context.Context, driverID types.ID) (*Presence, error) {
	member := driverID.String()
	score, err := s.redis.ZScore(ctx, seenKey, member).Result()
	if err == redis.Nil {
		return nil, ErrUnknownDriver
	}
	if err != nil {
		return nil, err
	}
	p := &Presence{DriverID: driverID, Online: true, SeenAt: time.Unix(int64(score), 0)}
	pos, err := s.redis.GeoPos(ctx, geoKey, member).Result()
	if err != nil {
		return nil, err
	}
	if len(pos) == 1 && pos[0] != nil {
		p.Position = types.Point{Lat: pos[0].Latitude, Lng: pos[0].Longitude}
	}
	return p, nil
}
