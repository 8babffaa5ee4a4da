package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) *RedisStore {
	t.Helper()
	s := miniredis.RunT(t)
	redisStore, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("create redis store: %v", err)
	}
	t.Cleanup(func() { _ = redisStore.Close() })
	return redisStore
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	if _, err := NewRedisStore("not-a-url"); err == nil {
		t.Fatal("expected error for malformed redis url")
	}
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	redisStore := setupTestRedis(t)
	ctx := context.Background()

	hash := "token-hash-1"
	if err := redisStore.SaveRefreshSession(ctx, hash, "user-123", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("save: %v", err)
	}

	userID, err := redisStore.LookupRefreshSession(ctx, hash)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("expected user-123, got %q", userID)
	}
}

func TestLookupUnknownTokenFails(t *testing.T) {
	redisStore := setupTestRedis(t)

	_, err := redisStore.LookupRefreshSession(context.Background(), "missing")
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not-found error, got %v", err)
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	redisStore := setupTestRedis(t)
	ctx := context.Background()

	hash := "token-hash-2"
	if err := redisStore.SaveRefreshSession(ctx, hash, "user-123", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := redisStore.RevokeRefreshSession(ctx, hash); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := redisStore.LookupRefreshSession(ctx, hash); err == nil {
		t.Fatal("expected lookup to fail after revoke")
	}

	// Revoking again is a no-op.
	if err := redisStore.RevokeRefreshSession(ctx, hash); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
}

func TestSaveRejectsExpiredToken(t *testing.T) {
	redisStore := setupTestRedis(t)

	err := redisStore.SaveRefreshSession(context.Background(), "hash", "user-123", time.Now().Add(-time.Minute))
	if err == nil {
		t.Fatal("expected error for already-expired token")
	}
}
