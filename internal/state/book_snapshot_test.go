package state

import (
	"context"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
)

type memoryStore struct {
	mu    sync.Mutex
	items map[string]string
}

func (m *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	val, ok := m.items[key]
	return val, ok, nil
}

func (m *memoryStore) Set(ctx context.Context, key, value string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string]string)
	}
	m.items[key] = value
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *memoryStore) Close() error {
	return nil
}

func (m *memoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func TestBookSnapshotPersists(t *testing.T) {
	store := &memoryStore{}
	ctx := context.Background()
	snapshot := BookSnapshot{
		Strategy:    "eur-wall",
		Orders:      map[string][]string{"EUR : BTS": {"1.7.1", "1.7.2"}},
		UpdatedAtMS: 12345,
	}
	if err := SaveBookSnapshot(ctx, store, snapshot); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	if _, ok := store.items["book:eur-wall"]; !ok {
		t.Fatalf("expected snapshot under the strategy key, got %v", store.items)
	}
	loaded, ok, err := LoadBookSnapshot(ctx, store, "eur-wall")
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if !ok || !reflect.DeepEqual(loaded, snapshot) {
		t.Fatalf("unexpected snapshot: %+v (ok=%v)", loaded, ok)
	}
	if err := DeleteBookSnapshot(ctx, store, "eur-wall"); err != nil {
		t.Fatalf("delete snapshot: %v", err)
	}
	if _, ok, _ := LoadBookSnapshot(ctx, store, "eur-wall"); ok {
		t.Fatalf("expected snapshot to be deleted")
	}
}

func TestLoadBookSnapshotMissing(t *testing.T) {
	_, ok, err := LoadBookSnapshot(context.Background(), &memoryStore{}, "absent")
	if err != nil || ok {
		t.Fatalf("expected no snapshot, got ok=%v err=%v", ok, err)
	}
	_, ok, err = LoadBookSnapshot(context.Background(), nil, "absent")
	if err != nil || ok {
		t.Fatalf("expected nil store to be a no-op, got ok=%v err=%v", ok, err)
	}
}

func TestLoadBookSnapshotCorrupt(t *testing.T) {
	store := &memoryStore{items: map[string]string{"book:x": "not base64!"}}
	if _, _, err := LoadBookSnapshot(context.Background(), store, "x"); err == nil {
		t.Fatalf("expected error for corrupt snapshot")
	}
}

func TestPruneBookSnapshots(t *testing.T) {
	store := &memoryStore{items: map[string]string{
		"book:eur-wall":   "a",
		"book:old-ramp":   "b",
		"book:usd-borrow": "c",
		"nonce:other":     "d",
	}}
	removed, err := PruneBookSnapshots(context.Background(), store, []string{"eur-wall", "usd-borrow"})
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if !reflect.DeepEqual(removed, []string{"old-ramp"}) {
		t.Fatalf("unexpected removed set %v", removed)
	}
	if _, ok := store.items["book:old-ramp"]; ok {
		t.Fatalf("expected stale snapshot deleted")
	}
	if len(store.items) != 3 {
		t.Fatalf("expected other keys kept, got %v", store.items)
	}
	if removed, err := PruneBookSnapshots(context.Background(), nil, nil); err != nil || removed != nil {
		t.Fatalf("expected nil store to be a no-op, got %v %v", removed, err)
	}
}
