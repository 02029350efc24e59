package integration_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"testing"
	"time"

	"fleet-core/internal/stream"

	"github.com/redis/go-redis/v9"
)

func redisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping Redis integration test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	return client
}

func TestProduceConsumeAck_Redis(t *testing.T) {
	client := redisClient(t)
	defer client.Close()
	ctx := context.Background()

	streamKey := fmt.Sprintf("it:%s:%d", stream.TelemetryIngestion, time.Now().UnixNano())
	defer client.Del(ctx, streamKey)

	producer, err := stream.NewProducer(client, streamKey, 1000)
	if err != nil {
		t.Fatal(err)
	}
	id, err := producer.Add(ctx, map[string]any{"device_id": "it-device", "count": 2})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if id == "" {
		t.Fatal("empty entry id")
	}

	logger := log.New(io.Discard, "", 0)
	consumer, err := stream.NewConsumer(client, streamKey, "it-group", "worker-1", logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := consumer.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	// A second call must tolerate the group already existing.
	if err := consumer.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group twice: %v", err)
	}

	msgs, err := consumer.ReadNew(ctx)
	if err != nil {
		t.Fatalf("read new: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.ID != id {
		t.Errorf("id = %s, want %s", msg.ID, id)
	}
	if msg.Data["device_id"] != "it-device" {
		t.Errorf("payload = %v", msg.Data)
	}

	if err := consumer.Ack(ctx, msg.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	pending, err := client.XPending(ctx, streamKey, "it-group").Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("pending after ack = %d, want 0", pending.Count)
	}
}

func TestPendingReplay_Redis(t *testing.T) {
	client := redisClient(t)
	defer client.Close()
	ctx := context.Background()

	streamKey := fmt.Sprintf("it:%s:%d", stream.DeviceCommands, time.Now().UnixNano())
	defer client.Del(ctx, streamKey)

	producer, err := stream.NewProducer(client, streamKey, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := producer.Add(ctx, map[string]any{"command_id": "c-1"}); err != nil {
		t.Fatal(err)
	}

	logger := log.New(io.Discard, "", 0)
	first, err := stream.NewConsumer(client, streamKey, "it-group", "worker-1", logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.EnsureGroup(ctx); err != nil {
		t.Fatal(err)
	}
	// Read without acking, simulating a crash mid-handling.
	msgs, err := first.ReadNew(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}

	second, err := stream.NewConsumer(client, streamKey, "it-group", "worker-1", logger)
	if err != nil {
		t.Fatal(err)
	}
	replayed, err := second.ReadPending(ctx)
	if err != nil {
		t.Fatalf("read pending: %v", err)
	}
	if len(replayed) != 1 {
		t.Fatalf("replayed = %d, want 1", len(replayed))
	}
	if replayed[0].Data["command_id"] != "c-1" {
		t.Errorf("payload = %v", replayed[0].Data)
	}
	if err := second.Ack(ctx, replayed[0].ID); err != nil {
		t.Fatal(err)
	}
}
