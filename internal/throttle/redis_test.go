package throttle

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"outdial/internal/config"
)

// Set OUTDIAL_TEST_REDIS=host:port to run against a real server.
func TestRedisCap(t *testing.T) {
	addr := os.Getenv("OUTDIAL_TEST_REDIS")
	if addr == "" {
		t.Skip("OUTDIAL_TEST_REDIS not set")
	}
	ctx := context.Background()
	rdb, err := OpenRedis(ctx, config.RedisConfig{Addr: addr})
	if err != nil {
		t.Fatalf("OpenRedis: %v", err)
	}
	defer rdb.Close()

	c := NewRedisCap(rdb, "outdial:test:"+uuid.NewString()+":", time.Minute)
	if ok, err := c.Acquire(ctx, "t1", 1); err != nil || !ok {
		t.Fatalf("first acquire = %v, %v", ok, err)
	}
	if ok, _ := c.Acquire(ctx, "t1", 1); ok {
		t.Fatal("second acquire should be rejected")
	}
	if err := c.Release(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := c.Acquire(ctx, "t1", 1); !ok {
		t.Fatal("acquire after release rejected")
	}
}

func TestOpenRedisRequiresAddr(t *testing.T) {
	if _, err := OpenRedis(context.Background(), config.RedisConfig{}); err == nil {
		t.Fatal("expected error for empty addr")
	}
}
