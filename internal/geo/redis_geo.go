package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// casAvailable flips the availability field only when it holds the expected value.
var casAvailable = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'available')
if cur == false then
  return -1
end
if cur == ARGV[1] then
  redis.call('HSET', KEYS[1], 'available', ARGV[2])
  return 1
end
return 0
`)

// RedisStore implements Store using Redis GEO commands for the spatial index
// and one hash per driver for presence fields.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = "drivers_geo"
	}
	return &RedisStore{client: client, key: key}
}

func (r *RedisStore) Upsert(ctx context.Context, loc models.DriverLocation) error {
	if loc.DriverID == "" {
		return fmt.Errorf("%w: driver id required", models.ErrInvalidRequest)
	}
	if loc.LastSeen.IsZero() {
		loc.LastSeen = time.Now()
	}
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Loc.Lon, Latitude: loc.Loc.Lat, Name: loc.DriverID})
	pipe.HSet(ctx, metaKey(loc.DriverID), map[string]interface{}{
		"lat":       strconv.FormatFloat(loc.Loc.Lat, 'f', -1, 64),
		"lon":       strconv.FormatFloat(loc.Loc.Lon, 'f', -1, 64),
		"online":    strconv.FormatBool(loc.Online),
		"verified":  strconv.FormatBool(loc.Verified),
		"class":     string(loc.VehicleClass),
		"geohash":   Cell(loc.Loc),
		"last_seen": strconv.FormatInt(loc.LastSeen.UnixMilli(), 10),
	})
	// first sighting only; afterwards availability belongs to the CAS path
	pipe.HSetNX(ctx, metaKey(loc.DriverID), "available", "true")
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) SetOnline(ctx context.Context, driverID string, online bool) error {
	n, err := r.client.Exists(ctx, metaKey(driverID)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("driver %s: %w", driverID, models.ErrNotFound)
	}
	return r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"online":    strconv.FormatBool(online),
		"last_seen": strconv.FormatInt(time.Now().UnixMilli(), 10),
	}).Err()
}

func (r *RedisStore) UpsertProfile(ctx context.Context, p models.DriverProfile) error {
	return r.client.HSet(ctx, profileKey(p.DriverID), map[string]interface{}{
		"rating": strconv.FormatFloat(p.Rating, 'f', -1, 64),
		"trips":  strconv.Itoa(p.CompletedTrips),
	}).Err()
}

func (r *RedisStore) Get(ctx context.Context, driverID string) (models.DriverLocation, error) {
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.DriverLocation{}, err
	}
	if len(m) == 0 {
		return models.DriverLocation{}, fmt.Errorf("driver %s: %w", driverID, models.ErrNotFound)
	}
	return parseLocation(driverID, m), nil
}

func (r *RedisStore) Profile(ctx context.Context, driverID string) (models.DriverProfile, error) {
	m, err := r.client.HGetAll(ctx, profileKey(driverID)).Result()
	if err != nil {
		return models.DriverProfile{}, err
	}
	p := models.DriverProfile{DriverID: driverID}
	if v, ok := m["rating"]; ok {
		p.Rating, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m["trips"]; ok {
		p.CompletedTrips, _ = strconv.Atoi(v)
	}
	return p, nil
}

func (r *RedisStore) Nearby(ctx context.Context, q Query) ([]models.DriverLocation, error) {
	names, err := r.client.GeoSearch(ctx, r.key, &redis.GeoSearchQuery{
		Longitude:  q.Center.Lon,
		Latitude:   q.Center.Lat,
		Radius:     q.RadiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(names))
	for i, n := range names {
		cmds[i] = pipe.HGetAll(ctx, metaKey(n))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]models.DriverLocation, 0, len(names))
	for i, n := range names {
		m, err := cmds[i].Result()
		if err != nil || len(m) == 0 {
			continue
		}
		loc := parseLocation(n, m)
		if !q.Match(loc) {
			continue
		}
		out = append(out, loc)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (r *RedisStore) CompareAndSwapAvailable(ctx context.Context, driverID string, expected, next bool) (bool, error) {
	res, err := casAvailable.Run(ctx, r.client, []string{metaKey(driverID)}, strconv.FormatBool(expected), strconv.FormatBool(next)).Int()
	if err != nil {
		return false, err
	}
	if res < 0 {
		return false, fmt.Errorf("driver %s: %w", driverID, models.ErrNotFound)
	}
	return res == 1, nil
}

func parseLocation(id string, m map[string]string) models.DriverLocation {
	loc := models.DriverLocation{DriverID: id}
	loc.Loc.Lat, _ = strconv.ParseFloat(m["lat"], 64)
	loc.Loc.Lon, _ = strconv.ParseFloat(m["lon"], 64)
	loc.Online = m["online"] == "true"
	loc.Available = m["available"] == "true"
	loc.Verified = m["verified"] == "true"
	loc.VehicleClass = models.VehicleClass(m["class"])
	loc.Geohash = m["geohash"]
	if ms, err := strconv.ParseInt(m["last_seen"], 10, 64); err == nil {
		loc.LastSeen = time.UnixMilli(ms)
	}
	return loc
}

func metaKey(id string) string    { return "driver:meta:" + id }
func profileKey(id string) string { return "driver:profile:" + id }
