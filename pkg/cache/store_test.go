package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Sternrassler/warehouse-query-cache/internal/testutil"
	"github.com/Sternrassler/warehouse-query-cache/pkg/strategy"
	"github.com/Sternrassler/warehouse-query-cache/pkg/warehouse"
)

func TestNewStore_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewStore should panic with nil redis client")
		}
	}()
	NewStore(nil)
}

func TestStore_SetAndGet(t *testing.T) {
	client, mr := testutil.NewRedis(t)
	store := NewStore(client)
	ctx := context.Background()

	entry := &Entry{
		Key:      "cache:abc",
		Rows:     []warehouse.Row{{"region": "eu", "total": float64(12)}},
		Strategy: strategy.Static,
	}

	if err := store.Set(ctx, entry, time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := store.Get(ctx, "cache:abc")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(got.Rows) != 1 || got.Rows[0]["region"] != "eu" {
		t.Errorf("Rows = %v, want one eu row", got.Rows)
	}
	if got.Strategy != strategy.Static {
		t.Errorf("Strategy = %v, want static", got.Strategy)
	}
	if got.TTLSeconds == nil || *got.TTLSeconds != 3600 {
		t.Errorf("TTLSeconds = %v, want 3600", got.TTLSeconds)
	}
	if ttl := mr.TTL("cache:abc"); ttl != time.Hour {
		t.Errorf("redis TTL = %v, want 1h", ttl)
	}
}

func TestStore_Get_CacheMiss(t *testing.T) {
	client, _ := testutil.NewRedis(t)
	store := NewStore(client)

	_, err := store.Get(context.Background(), "cache:nonexistent")
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss, got %v", err)
	}
}

func TestStore_Get_Corrupted(t *testing.T) {
	client, mr := testutil.NewRedis(t)
	store := NewStore(client)

	mr.Set("cache:bad", "{not json")

	_, err := store.Get(context.Background(), "cache:bad")
	if !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("Expected ErrInvalidEntry, got %v", err)
	}
	var storeErr *StoreError
	if !errors.As(err, &storeErr) || storeErr.Op != "get" {
		t.Errorf("Expected *StoreError for get, got %T", err)
	}
}

func TestStore_TTL(t *testing.T) {
	client, _ := testutil.NewRedis(t)
	store := NewStore(client)
	ctx := context.Background()

	if err := store.Set(ctx, &Entry{Key: "cache:permanent"}, 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Set(ctx, &Entry{Key: "cache:daily"}, 24*time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	ttl, err := store.TTL(ctx, "cache:permanent")
	if err != nil || ttl != NoExpiry {
		t.Errorf("TTL(permanent) = %v, %v; want NoExpiry", ttl, err)
	}

	ttl, err = store.TTL(ctx, "cache:daily")
	if err != nil || ttl != 24*time.Hour {
		t.Errorf("TTL(daily) = %v, %v; want 24h", ttl, err)
	}

	_, err = store.TTL(ctx, "cache:missing")
	if !errors.Is(err, ErrCacheMiss) {
		t.Errorf("TTL(missing) error = %v, want ErrCacheMiss", err)
	}
}

func TestStore_PermanentEntry(t *testing.T) {
	client, _ := testutil.NewRedis(t)
	store := NewStore(client)
	ctx := context.Background()

	entry := &Entry{Key: "cache:warm", Strategy: strategy.Static}
	if err := store.Set(ctx, entry, 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := store.Get(ctx, "cache:warm")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.IsPermanent() {
		t.Error("entry written without TTL should be permanent")
	}
}

func TestStore_Delete(t *testing.T) {
	client, _ := testutil.NewRedis(t)
	store := NewStore(client)
	ctx := context.Background()

	if err := store.Set(ctx, &Entry{Key: "cache:gone"}, time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Delete(ctx, "cache:gone"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "cache:gone"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("Expected ErrCacheMiss after Delete, got %v", err)
	}
	if err := store.Delete(ctx, "cache:gone"); err != nil {
		t.Errorf("Delete of missing key should succeed, got %v", err)
	}
}

func TestStore_Set_Invalid(t *testing.T) {
	client, _ := testutil.NewRedis(t)
	store := NewStore(client)
	ctx := context.Background()

	if err := store.Set(ctx, nil, time.Minute); err == nil {
		t.Error("Set with nil entry should return error")
	}
	if err := store.Set(ctx, &Entry{}, time.Minute); err == nil {
		t.Error("Set with empty key should return error")
	}
	if err := store.Set(ctx, &Entry{Key: "cache:x"}, -time.Second); err == nil {
		t.Error("Set with negative ttl should return error")
	}
}

func TestStore_BackendFailure(t *testing.T) {
	client, mr := testutil.NewRedis(t)
	store := NewStore(client)
	ctx := context.Background()

	mr.SetError("ERR backend unavailable")

	_, err := store.Get(ctx, "cache:any")
	var storeErr *StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("Get error = %v, want *StoreError", err)
	}
	if errors.Is(err, ErrCacheMiss) {
		t.Error("backend failure must not look like a cache miss")
	}

	err = store.Set(ctx, &Entry{Key: "cache:any"}, time.Minute)
	if !errors.As(err, &storeErr) || storeErr.Op != "set" {
		t.Errorf("Set error = %v, want *StoreError for set", err)
	}
}

func TestStore_Metadata(t *testing.T) {
	client, mr := testutil.NewRedis(t)
	store := NewStore(client)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	if _, err := store.GetMeta(ctx, "cache:abc"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("GetMeta on empty store = %v, want ErrCacheMiss", err)
	}

	meta := NewMetadata("hash-1", now)
	if err := store.SetMeta(ctx, "cache:abc", meta, time.Hour); err != nil {
		t.Fatalf("SetMeta failed: %v", err)
	}

	got, err := store.GetMeta(ctx, "cache:abc")
	if err != nil {
		t.Fatalf("GetMeta failed: %v", err)
	}
	if got.DataHash != "hash-1" || !got.LastVerified.Equal(now) {
		t.Errorf("GetMeta = %+v", got)
	}
	if ttl := mr.TTL("cache:abc:meta"); ttl != time.Hour {
		t.Errorf("meta TTL = %v, want 1h", ttl)
	}

	ttl, err := store.MetaTTL(ctx, "cache:abc")
	if err != nil || ttl != time.Hour {
		t.Errorf("MetaTTL = %v, %v; want 1h", ttl, err)
	}

	if err := store.DeleteMeta(ctx, "cache:abc"); err != nil {
		t.Fatalf("DeleteMeta failed: %v", err)
	}
	if _, err := store.GetMeta(ctx, "cache:abc"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("GetMeta after delete = %v, want ErrCacheMiss", err)
	}
}

func TestStore_Metadata_Rejects(t *testing.T) {
	client, mr := testutil.NewRedis(t)
	store := NewStore(client)
	ctx := context.Background()

	mr.Set("cache:old:meta", `{"v":0,"data_hash":"x"}`)
	if _, err := store.GetMeta(ctx, "cache:old"); !errors.Is(err, ErrUnsupportedSchema) {
		t.Errorf("GetMeta(old schema) = %v, want ErrUnsupportedSchema", err)
	}

	bad := &Metadata{VerificationCount: 1, DataChangeCount: 2}
	if err := store.SetMeta(ctx, "cache:bad", bad, 0); err == nil {
		t.Error("SetMeta should reject DataChangeCount > VerificationCount")
	}
}
