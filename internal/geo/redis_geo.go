package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ambulance-dispatch/internal/models"
)

// RedisClient is the subset of go-redis used for positions.
type RedisClient interface {
	GeoAdd(ctx context.Context, key string, geoLocation ...*redis.GeoLocation) *redis.IntCmd
	GeoPos(ctx context.Context, key string, members ...string) *redis.GeoPosCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// RedisPositions implements Positions using Redis GEO commands. Members are
// "<requestID>:<role>" so both parties share one sorted set.
type RedisPositions struct {
	client RedisClient
	key    string
	ttl    time.Duration
}

func NewRedisPositions(client RedisClient, key string, ttl time.Duration) *RedisPositions {
	return &RedisPositions{client: client, key: key, ttl: ttl}
}

func (r *RedisPositions) Upsert(ctx context.Context, s models.LocationSample) error {
	member := memberName(s.RequestID, s.Role)
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: s.Lon, Latitude: s.Lat, Name: member}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", member, err)
	}
	meta := metaKey(member)
	if err := r.client.HSet(ctx, meta,
		"accuracy", strconv.FormatFloat(s.Accuracy, 'f', -1, 64),
		"captured", s.CapturedAt.UTC().Format(time.RFC3339Nano),
	).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", meta, err)
	}
	if r.ttl > 0 {
		_ = r.client.Expire(ctx, meta, r.ttl).Err()
	}
	return nil
}

func (r *RedisPositions) Last(ctx context.Context, requestID string) (map[models.Role]models.LocationSample, error) {
	roles := []models.Role{models.RolePatient, models.RoleDriver}
	members := []string{memberName(requestID, roles[0]), memberName(requestID, roles[1])}
	pos, err := r.client.GeoPos(ctx, r.key, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("geopos %s: %w", requestID, err)
	}
	out := make(map[models.Role]models.LocationSample, 2)
	for i, p := range pos {
		if p == nil {
			continue
		}
		s := models.LocationSample{RequestID: requestID, Role: roles[i], Lat: p.Latitude, Lon: p.Longitude}
		if m, err := r.client.HGetAll(ctx, metaKey(members[i])).Result(); err == nil {
			if v, ok := m["accuracy"]; ok {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.Accuracy = f
				}
			}
			if v, ok := m["captured"]; ok {
				if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
					s.CapturedAt = ts
				}
			}
		}
		out[roles[i]] = s
	}
	return out, nil
}

func memberName(requestID string, role models.Role) string { return requestID + ":" + string(role) }

func metaKey(member string) string { return "position:meta:" + member }
