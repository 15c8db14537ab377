package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"fleet-monitor/livefeed/internal/config"
	"fleet-monitor/livefeed/internal/domain"
)

// vehicleStatePattern matches the per-vehicle hashes the ingestion
// pipeline keeps current.
const vehicleStatePattern = "vehicle:*:state"

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, cfg *config.Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// VehicleStates reads every live vehicle hash. Hashes that fail to
// decode are skipped and counted in the returned skipped value.
func (r *RedisStore) VehicleStates(ctx context.Context) ([]domain.VehicleState, int, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, vehicleStatePattern, 500).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, 0, fmt.Errorf("redis scan vehicle states failed: %w", err)
	}
	if len(keys) == 0 {
		return nil, 0, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, 0, fmt.Errorf("redis pipeline failed: %w", err)
	}

	vehicles := make([]domain.VehicleState, 0, len(keys))
	skipped := 0
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// Expired between SCAN and HGETALL.
			continue
		}
		v, err := vehicleStateFromHash(fields)
		if err != nil {
			skipped++
			continue
		}
		vehicles = append(vehicles, v)
	}
	return vehicles, skipped, nil
}

// GetAPIKey returns the owner of a dashboard API key, or "" when the key
// is unknown.
func (r *RedisStore) GetAPIKey(ctx context.Context, apiKey string) (string, error) {
	key := fmt.Sprintf("dashboard:auth:%s", apiKey)
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get api key failed: %w", err)
	}
	return val, nil
}

// vehicleStateFromHash decodes the hash layout written by the ingestion
// state writer: lat, lng, speed_kmh, fuel_pct, engine_on and a unix
// timestamp.
func vehicleStateFromHash(fields map[string]string) (domain.VehicleState, error) {
	id := fields["vehicle_id"]
	if id == "" {
		return domain.VehicleState{}, fmt.Errorf("vehicle state hash without vehicle_id")
	}

	lat, err := parseFloatField(fields, "lat")
	if err != nil {
		return domain.VehicleState{}, err
	}
	lng, err := parseFloatField(fields, "lng")
	if err != nil {
		return domain.VehicleState{}, err
	}
	speed, err := parseFloatField(fields, "speed_kmh")
	if err != nil {
		return domain.VehicleState{}, err
	}
	unix, err := strconv.ParseInt(fields["timestamp"], 10, 64)
	if err != nil {
		return domain.VehicleState{}, fmt.Errorf("field timestamp: %w", err)
	}
	at := time.Unix(unix, 0).UTC()

	v := domain.VehicleState{
		VehicleID: id,
		Status:    domain.StatusForSpeed(speed),
		LastLocation: &domain.Location{
			Latitude:  lat,
			Longitude: lng,
			Speed:     speed,
			Timestamp: at,
		},
		LastUpdateAt: at,
	}
	if raw, ok := fields["fuel_pct"]; ok {
		if fuel, err := strconv.ParseFloat(raw, 64); err == nil {
			v.FuelLevel = &fuel
		}
	}
	if raw, ok := fields["engine_on"]; ok {
		if on, err := strconv.ParseBool(raw); err == nil {
			v.EngineStatus = engineStatus(on)
		}
	}
	return v, nil
}

func parseFloatField(fields map[string]string, name string) (float64, error) {
	f, err := strconv.ParseFloat(fields[name], 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", name, err)
	}
	return f, nil
}
