package idempotency

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type stubStore struct {
	keys    map[string]string
	nxErr   error
	delKeys []string
}

func newStubStore() *stubStore {
	return &stubStore{keys: map[string]string{}}
}

func (s *stubStore) Get(ctx context.Context, key string) (string, error) {
	return s.keys[key], nil
}

func (s *stubStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if s.nxErr != nil {
		return false, s.nxErr
	}
	if _, exists := s.keys[key]; exists {
		return false, nil
	}
	s.keys[key] = "1"
	return true, nil
}

func (s *stubStore) IdempotencyKey(scope, id string) string {
	return strings.Join([]string{"vn", "idempotency", scope, id}, ":")
}

func (s *stubStore) Del(ctx context.Context, keys ...string) error {
	s.delKeys = append(s.delKeys, keys...)
	for _, k := range keys {
		delete(s.keys, k)
	}
	return nil
}

func TestCheckAndMarkProcessed(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	mgr, err := NewManager(store, time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	seen, err := mgr.CheckAndMarkProcessed(context.Background(), "ingest", "msg-1")
	if err != nil {
		t.Fatalf("first check returned error: %v", err)
	}
	if seen {
		t.Fatal("first delivery should not be marked processed")
	}

	seen, err = mgr.CheckAndMarkProcessed(context.Background(), "ingest", "msg-1")
	if err != nil {
		t.Fatalf("second check returned error: %v", err)
	}
	if !seen {
		t.Fatal("redelivery should be marked processed")
	}

	// different consumer tracks independently
	seen, err = mgr.CheckAndMarkProcessed(context.Background(), "transcription", "msg-1")
	if err != nil {
		t.Fatalf("cross-consumer check returned error: %v", err)
	}
	if seen {
		t.Fatal("other consumers should not share processed marks")
	}
}

func TestReleaseAllowsReprocessing(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	mgr, err := NewManager(store, time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	if _, err := mgr.CheckAndMarkProcessed(context.Background(), "ingest", "msg-2"); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if err := mgr.Release(context.Background(), "ingest", "msg-2"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	seen, err := mgr.CheckAndMarkProcessed(context.Background(), "ingest", "msg-2")
	if err != nil {
		t.Fatalf("recheck: %v", err)
	}
	if seen {
		t.Fatal("released message should be processable again")
	}
}

func TestManagerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewManager(nil, time.Hour); err == nil {
		t.Fatal("expected error for nil store")
	}
	if _, err := NewManager(newStubStore(), -time.Second); err == nil {
		t.Fatal("expected error for negative ttl")
	}

	mgr, err := NewManager(newStubStore(), 0)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := mgr.CheckAndMarkProcessed(context.Background(), "", "msg"); err == nil {
		t.Fatal("expected error for empty consumer")
	}
	if _, err := mgr.CheckAndMarkProcessed(context.Background(), "ingest", ""); err == nil {
		t.Fatal("expected error for empty message id")
	}
}

func TestCheckPropagatesStoreErrors(t *testing.T) {
	t.Parallel()

	store := newStubStore()
	store.nxErr = errors.New("redis down")
	mgr, err := NewManager(store, time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := mgr.CheckAndMarkProcessed(context.Background(), "ingest", "msg-3"); err == nil {
		t.Fatal("expected store error to propagate")
	}
}
