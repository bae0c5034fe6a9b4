package store

import (
	"context"
	"testing"
)

func TestMemoryStore_SetGetRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Set(ctx, "key1", []byte("value1")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	v, err := s.Get(ctx, "key1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(v) != "value1" {
		t.Fatalf("expected value1, got %q", v)
	}
}

func TestMemoryStore_GetMissingIsNilNil(t *testing.T) {
	s := NewMemoryStore()
	v, err := s.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("expected nil error for missing key, got %v", err)
	}
	if v != nil {
		t.Fatalf("expected nil value, got %v", v)
	}
}

func TestMemoryStore_RemoveAndExists(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Set(ctx, "k", []byte("v"))

	ok, err := s.Exists(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("expected k to exist, ok=%v err=%v", ok, err)
	}

	if err := s.Remove(ctx, "k"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	ok, err = s.Exists(ctx, "k")
	if err != nil || ok {
		t.Fatalf("expected k to not exist after Remove, ok=%v err=%v", ok, err)
	}
}

func TestMemoryStore_List(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_ = s.Set(ctx, "doc1/data.bin", []byte("a"))
	_ = s.Set(ctx, "doc1/updates/1", []byte("b"))
	_ = s.Set(ctx, "doc2/data.bin", []byte("c"))

	keys, err := s.List(ctx, "doc1/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys under doc1/, got %d: %v", len(keys), keys)
	}
}

func TestMemoryStore_FailNext(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	s.FailNext(&Error{Kind: KindTransient, Op: "set", Key: "k", Err: context.DeadlineExceeded})
	if err := s.Set(ctx, "k", []byte("v")); err == nil {
		t.Fatal("expected injected failure on Set")
	}

	// Failure should only apply once.
	if err := s.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("second Set should succeed, got %v", err)
	}
}
