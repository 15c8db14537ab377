package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file, using system environment variables")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     redisGetEnv("REDIS_ADDR", "localhost:6379"),
		Password: redisGetEnv("REDIS_PASSWORD", ""),
		DB:       0,
	})
	defer client.Close()

	ctx := context.Background()

	fmt.Println("Connecting to Redis...")
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure Redis is running:\n  docker-compose up -d redis", err)
	}
	fmt.Println("✓ Connected")

	step1_dashboard_keys(ctx, client)
	step2_vehicle_states(ctx, client)
	step3_verify(ctx, client)

	fmt.Println("\n✅ Redis seeded successfully")
	fmt.Println("   Run next: BOOTSTRAP_SOURCE=redis AUTH_ENABLED=true go run ./cmd/livefeed")
}

func step1_dashboard_keys(ctx context.Context, client *redis.Client) {
	fmt.Println("\n── Step 1: Seeding dashboard API keys ──────────")

	// Key pattern: dashboard:auth:{api_key} → owner
	// Looked up by the authenticator after static keys and its local cache.
	apiKeys := map[string]string{
		"dashboard:auth:ops_console_key": "ops_console",
		"dashboard:auth:dispatch_key":    "dispatch_team",
		"dashboard:auth:test_key":        "test_dashboard",
	}

	for key, owner := range apiKeys {
		if err := client.Set(ctx, key, owner, 0).Err(); err != nil {
			log.Fatalf("Failed to set key %s: %v", key, err)
		}
		fmt.Printf("  ✓ %-40s → %s\n", key, owner)
	}
}

type demoVehicle struct {
	id       string
	lat, lng float64
	speed    float64
	fuel     float64
	engineOn bool
	age      time.Duration
}

func step2_vehicle_states(ctx context.Context, client *redis.Client) {
	fmt.Println("\n── Step 2: Seeding vehicle state hashes ────────")

	now := time.Now()
	vehicles := []demoVehicle{
		{id: "TRK-001", lat: 28.6139, lng: 77.2090, speed: 64, fuel: 72, engineOn: true, age: 10 * time.Second},
		{id: "TRK-002", lat: 26.9124, lng: 75.7873, speed: 0, fuel: 41, engineOn: true, age: 45 * time.Second},
		{id: "TRK-003", lat: 19.0760, lng: 72.8777, speed: 2, fuel: 8, engineOn: false, age: 3 * time.Minute},
		// Old enough to be swept offline on the first pass.
		{id: "TRK-004", lat: 12.9716, lng: 77.5946, speed: 55, fuel: 60, engineOn: true, age: 20 * time.Minute},
	}

	pipe := client.Pipeline()
	for _, v := range vehicles {
		key := fmt.Sprintf("vehicle:%s:state", v.id)
		pipe.HSet(ctx, key, map[string]any{
			"vehicle_id": v.id,
			"lat":        strconv.FormatFloat(v.lat, 'f', 6, 64),
			"lng":        strconv.FormatFloat(v.lng, 'f', 6, 64),
			"speed_kmh":  strconv.FormatFloat(v.speed, 'f', 1, 64),
			"fuel_pct":   strconv.FormatFloat(v.fuel, 'f', 1, 64),
			"engine_on":  strconv.FormatBool(v.engineOn),
			"timestamp":  strconv.FormatInt(now.Add(-v.age).Unix(), 10),
		})
		pipe.Expire(ctx, key, time.Hour)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Fatalf("Failed to seed vehicle states: %v", err)
	}
	for _, v := range vehicles {
		fmt.Printf("  ✓ vehicle:%s:state (%.0f km/h, last seen %s ago)\n", v.id, v.speed, v.age)
	}
}

func step3_verify(ctx context.Context, client *redis.Client) {
	fmt.Println("\n── Step 3: Verification ────────────────────────")

	keys, err := client.Keys(ctx, "dashboard:auth:*").Result()
	if err != nil {
		log.Fatalf("Verification failed: %v", err)
	}
	fmt.Printf("  ✓ %d dashboard API keys found in Redis\n", len(keys))

	states, err := client.Keys(ctx, "vehicle:*:state").Result()
	if err != nil {
		log.Fatalf("Verification failed: %v", err)
	}
	fmt.Printf("  ✓ %d vehicle state hashes found in Redis\n", len(states))

	val, err := client.Get(ctx, "dashboard:auth:test_key").Result()
	if err != nil {
		log.Fatalf("Spot check failed: %v", err)
	}
	fmt.Printf("  ✓ spot check: dashboard:auth:test_key → %s\n", val)
}

func redisGetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
