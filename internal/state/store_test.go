package state

import (
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"grimm.is/chainwall/internal/clock"
)

// TestNewSQLiteStore tests store creation
func TestNewSQLiteStore(t *testing.T) {
	store, err := NewSQLiteStore(DefaultOptions(":memory:"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	if store.CurrentVersion() != 0 {
		t.Errorf("expected version 0, got %d", store.CurrentVersion())
	}
}

// TestNewSQLiteStore_FileBackend tests store with file backend
func TestNewSQLiteStore_FileBackend(t *testing.T) {
	tmpFile := t.TempDir() + "/test.db"
	defer os.Remove(tmpFile)

	store, err := NewSQLiteStore(DefaultOptions(tmpFile))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	store.Close()

	// Reopen and verify
	store2, err := NewSQLiteStore(DefaultOptions(tmpFile))
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer store2.Close()
}

// TestBucketOperations tests bucket creation
func TestBucketOperations(t *testing.T) {
	store, _ := NewSQLiteStore(DefaultOptions(":memory:"))
	defer store.Close()

	// Create bucket
	if err := store.CreateBucket("test"); err != nil {
		t.Fatalf("failed to create bucket: %v", err)
	}

	// Create duplicate should fail
	if err := store.CreateBucket("test"); err != ErrBucketExists {
		t.Errorf("expected ErrBucketExists, got %v", err)
	}
}

// TestKeyValueOperations tests Get/Set/Delete
func TestKeyValueOperations(t *testing.T) {
	store, _ := NewSQLiteStore(DefaultOptions(":memory:"))
	defer store.Close()

	store.CreateBucket("kv")

	// Set value
	if err := store.Set("kv", "key1", []byte("value1")); err != nil {
		t.Fatalf("failed to set: %v", err)
	}

	// Get value
	val, err := store.Get("kv", "key1")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if string(val) != "value1" {
		t.Errorf("expected value1, got %s", val)
	}

	// Get nonexistent
	_, err = store.Get("kv", "nonexistent")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	// Update value
	if err := store.Set("kv", "key1", []byte("updated")); err != nil {
		t.Fatalf("failed to update: %v", err)
	}
	val, _ = store.Get("kv", "key1")
	if string(val) != "updated" {
		t.Errorf("expected updated, got %s", val)
	}

	// Delete value
	if err := store.Delete("kv", "key1"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}

	// Verify deleted
	_, err = store.Get("kv", "key1")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	// Delete nonexistent
	if err := store.Delete("kv", "nonexistent"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestGetWithMeta tests metadata retrieval
func TestGetWithMeta(t *testing.T) {
	store, _ := NewSQLiteStore(DefaultOptions(":memory:"))
	defer store.Close()

	store.CreateBucket("meta")
	store.Set("meta", "key1", []byte("value1"))

	entry, err := store.GetWithMeta("meta", "key1")
	if err != nil {
		t.Fatalf("failed to get with meta: %v", err)
	}

	if string(entry.Value) != "value1" {
		t.Errorf("wrong value: %s", entry.Value)
	}
	if entry.Version != 1 {
		t.Errorf("expected version 1, got %d", entry.Version)
	}
	if entry.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be set")
	}
}

// TestSetWithTTL tests TTL functionality
func TestSetWithTTL(t *testing.T) {
	mock := clock.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	opts := DefaultOptions(":memory:")
	opts.Clock = mock
	opts.CleanupInterval = 0
	store, err := NewSQLiteStore(opts)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer store.Close()

	store.CreateBucket("ttl")

	if err := store.SetWithTTL("ttl", "expires", []byte("soon"), time.Minute); err != nil {
		t.Fatalf("failed to set with TTL: %v", err)
	}
	store.Set("ttl", "forever", []byte("always"))

	// Should exist immediately
	val, err := store.Get("ttl", "expires")
	if err != nil {
		t.Fatalf("should exist: %v", err)
	}
	if string(val) != "soon" {
		t.Errorf("wrong value: %s", val)
	}

	mock.Advance(2 * time.Minute)

	// Should not exist after expiry
	if _, err := store.Get("ttl", "expires"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after TTL, got %v", err)
	}
	if keys, _ := store.ListKeys("ttl"); len(keys) != 1 || keys[0] != "forever" {
		t.Errorf("expected only [forever], got %v", keys)
	}

	if n := store.Cleanup(); n != 1 {
		t.Errorf("expected cleanup to remove 1 entry, got %d", n)
	}
	if n := store.Cleanup(); n != 0 {
		t.Errorf("expected second cleanup to remove nothing, got %d", n)
	}
}

// TestListOperations tests ListKeys
func TestListOperations(t *testing.T) {
	store, _ := NewSQLiteStore(DefaultOptions(":memory:"))
	defer store.Close()

	store.CreateBucket("list")
	store.Set("list", "a", []byte("1"))
	store.Set("list", "b", []byte("2"))
	store.Set("list", "c", []byte("3"))

	keys, err := store.ListKeys("list")
	if err != nil {
		t.Fatalf("failed to list keys: %v", err)
	}
	if len(keys) != 3 {
		t.Errorf("expected 3 keys, got %d", len(keys))
	}
	// Should be sorted
	if keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Errorf("keys not sorted: %v", keys)
	}
}

// TestJSONOperations tests GetJSON/SetJSON
func TestJSONOperations(t *testing.T) {
	store, _ := NewSQLiteStore(DefaultOptions(":memory:"))
	defer store.Close()

	store.CreateBucket("json")

	type record struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	if err := store.SetJSON("json", "r", record{Name: "web", Count: 3}); err != nil {
		t.Fatalf("failed to set JSON: %v", err)
	}

	var got record
	if err := store.GetJSON("json", "r", &got); err != nil {
		t.Fatalf("failed to get JSON: %v", err)
	}
	if got.Name != "web" || got.Count != 3 {
		t.Errorf("unexpected record: %+v", got)
	}
}

// TestSetMissingBucket tests writes into a bucket that was never created
func TestSetMissingBucket(t *testing.T) {
	store, _ := NewSQLiteStore(DefaultOptions(":memory:"))
	defer store.Close()

	err := store.Set("nope", "key", []byte("v"))
	if !errors.Is(err, ErrBucketMissing) {
		t.Errorf("expected ErrBucketMissing, got %v", err)
	}
	if store.CurrentVersion() != 0 {
		t.Errorf("failed write should not bump version, got %d", store.CurrentVersion())
	}
}

// TestVersionSurvivesReopen tests that versions keep increasing across restarts
func TestVersionSurvivesReopen(t *testing.T) {
	path := t.TempDir() + "/state.db"

	store, err := NewSQLiteStore(DefaultOptions(path))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	store.CreateBucket("v")
	store.Set("v", "a", []byte("1"))
	store.Set("v", "b", []byte("2"))
	store.Close()

	store2, err := NewSQLiteStore(DefaultOptions(path))
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer store2.Close()

	if store2.CurrentVersion() != 2 {
		t.Errorf("expected version 2 after reopen, got %d", store2.CurrentVersion())
	}
	store2.Set("v", "c", []byte("3"))
	entry, _ := store2.GetWithMeta("v", "c")
	if entry.Version != 3 {
		t.Errorf("expected version 3, got %d", entry.Version)
	}
}

// TestClosedStore tests operations on closed store
func TestClosedStore(t *testing.T) {
	store, _ := NewSQLiteStore(DefaultOptions(":memory:"))
	store.Close()

	if err := store.CreateBucket("test"); err != ErrStoreClosed {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
	if _, err := store.Get("test", "key"); err != ErrStoreClosed {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
	if err := store.Set("test", "key", []byte("value")); err != ErrStoreClosed {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
}

// TestConcurrency tests concurrent access
func TestConcurrency(t *testing.T) {
	store, _ := NewSQLiteStore(DefaultOptions(":memory:"))
	defer store.Close()

	store.CreateBucket("concurrent")

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func(id int) {
			key := fmt.Sprintf("key-%d", id)
			if err := store.Set("concurrent", key, []byte("val")); err != nil {
				t.Errorf("concurrent set failed: %v", err)
			}
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("key-%d", i)
		if _, err := store.Get("concurrent", key); err != nil {
			t.Errorf("missing key %s: %v", key, err)
		}
	}
	if store.CurrentVersion() != 10 {
		t.Errorf("expected version 10, got %d", store.CurrentVersion())
	}
}
