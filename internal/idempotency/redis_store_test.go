package idempotency

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestRedisStoreLifecycle(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewRedisStore(ctx, url)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	key := "test-key-" + time.Now().Format("150405.000")
	rec := Record{
		StatusCode: 201,
		Response:   []byte(`{"uuid":"p-1"}`),
		CreatedAt:  time.Now().UTC(),
		ExpiresAt:  time.Now().Add(time.Minute).UTC(),
	}
	if err := store.Save(ctx, key, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || string(got.Response) != string(rec.Response) {
		t.Fatalf("unexpected record: %#v", got)
	}

	if missing, err := store.Get(ctx, key+"-missing"); err != nil || missing != nil {
		t.Fatalf("expected miss, got %#v %v", missing, err)
	}
}

func TestNewRedisStoreRejectsEmptyURL(t *testing.T) {
	if _, err := NewRedisStore(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty url")
	}
}
