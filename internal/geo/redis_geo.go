package geo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisClient is the subset of redis commands the location mirror needs.
type RedisClient interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	Members(ctx context.Context, key string) ([]string, error)
	GeoPos(ctx context.Context, key string, members ...string) ([]*redis.GeoPos, error)
	HGet(ctx context.Context, key, field string) (string, error)
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	_, err := r.c.GeoAdd(ctx, key, loc).Result()
	return err
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	_, err := r.c.HSet(ctx, key, values).Result()
	return err
}

func (r *redisAdapter) Members(ctx context.Context, key string) ([]string, error) {
	return r.c.ZRange(ctx, key, 0, -1).Result()
}

func (r *redisAdapter) GeoPos(ctx context.Context, key string, members ...string) ([]*redis.GeoPos, error) {
	return r.c.GeoPos(ctx, key, members...).Result()
}

func (r *redisAdapter) HGet(ctx context.Context, key, field string) (string, error) {
	return r.c.HGet(ctx, key, field).Result()
}

// RedisMirror keeps the last known location of every driver in a Redis GEO
// set so a restarted dispatcher can hydrate its registry.
type RedisMirror struct {
	client RedisClient
	key    string
}

func NewRedisMirror(c *redis.Client, key string) *RedisMirror {
	return NewRedisMirrorWithClient(&redisAdapter{c: c}, key)
}

func NewRedisMirrorWithClient(c RedisClient, key string) *RedisMirror {
	return &RedisMirror{client: c, key: key}
}

// Save mirrors a location with last-write-wins semantics on its timestamp.
// A ping older than the mirrored one is dropped without error.
func (m *RedisMirror) Save(ctx context.Context, ev models.LocationEvent) error {
	stored, ok, err := m.storedTimestamp(ctx, ev.DriverID)
	if err != nil {
		return err
	}
	if ok && ev.Timestamp.Before(stored) {
		return nil
	}
	if err := m.client.GeoAdd(ctx, m.key, &redis.GeoLocation{Longitude: ev.Lon, Latitude: ev.Lat, Name: ev.DriverID}); err != nil {
		return fmt.Errorf("geoadd %s: %w", ev.DriverID, err)
	}
	if err := m.client.HSet(ctx, metaKey(ev.DriverID), map[string]interface{}{"ts": ev.Timestamp.UTC().Format(time.RFC3339Nano)}); err != nil {
		return fmt.Errorf("hset %s: %w", ev.DriverID, err)
	}
	return nil
}

// Load returns every mirrored location. Members without a readable timestamp
// are skipped since last-write-wins cannot order them.
func (m *RedisMirror) Load(ctx context.Context) ([]models.LocationEvent, error) {
	ids, err := m.client.Members(ctx, m.key)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pos, err := m.client.GeoPos(ctx, m.key, ids...)
	if err != nil {
		return nil, fmt.Errorf("geopos: %w", err)
	}
	out := make([]models.LocationEvent, 0, len(ids))
	for i, id := range ids {
		if i >= len(pos) || pos[i] == nil {
			continue
		}
		ts, ok, err := m.storedTimestamp(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, models.LocationEvent{DriverID: id, Lat: pos[i].Latitude, Lon: pos[i].Longitude, Timestamp: ts})
	}
	return out, nil
}

// storedTimestamp reads the mirrored ping time of id. A missing or unreadable
// value reports false.
func (m *RedisMirror) storedTimestamp(ctx context.Context, id string) (time.Time, bool, error) {
	raw, err := m.client.HGet(ctx, metaKey(id), "ts")
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("hget %s: %w", id, err)
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, nil
	}
	return ts, true, nil
}

func metaKey(id string) string { return "driver:loc:" + id }
