package downstream

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
)

func exerciseTokenStore(t *testing.T, store TokenStore) {
	t.Helper()
	ctx := context.Background()
	key := "staff-product:test-" + time.Now().Format("150405.000000")

	token, err := store.Load(ctx, key)
	if err != nil || token != nil {
		t.Fatalf("expected empty cache, got %+v (%v)", token, err)
	}

	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	if err := store.Save(ctx, key, &oauth2.Token{AccessToken: "abc", TokenType: "Bearer", Expiry: expiry}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	token, err = store.Load(ctx, key)
	if err != nil || token == nil {
		t.Fatalf("Load: %+v (%v)", token, err)
	}
	if token.AccessToken != "abc" || !token.Expiry.Equal(expiry) {
		t.Fatalf("unexpected token: %+v", token)
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if token, _ := store.Load(ctx, key); token != nil {
		t.Fatalf("expected token to be removed, got %+v", token)
	}
}

func TestMemoryTokenStore(t *testing.T) {
	exerciseTokenStore(t, NewMemoryTokenStore())
}

func TestRedisTokenStore(t *testing.T) {
	addr := os.Getenv("ORDERING_REDIS_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis is unavailable at %s: %v", addr, err)
	}

	exerciseTokenStore(t, NewRedisTokenStore(client, "ordering-test"))
}

func TestTokenSourceRespectsSafetyMargin(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryTokenStore()
	cfg := DefaultTargetConfig("staff-product")
	cfg.ClientID = "ordering"
	source := newTokenSource(cfg, store, 30*time.Second, nil, clock.Now, nil)

	_ = store.Save(context.Background(), source.cacheKey(), &oauth2.Token{
		AccessToken: "cached",
		Expiry:      clock.Now().Add(time.Minute),
	})
	if token := source.cached(context.Background()); token == nil || token.AccessToken != "cached" {
		t.Fatalf("expected cached token, got %+v", token)
	}

	clock.Advance(31 * time.Second)
	if token := source.cached(context.Background()); token != nil {
		t.Fatalf("token inside safety margin must be refreshed, got %+v", token)
	}
}
