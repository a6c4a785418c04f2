package state

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

const bookSnapshotPrefix = "book:"

// BookSnapshot is the persisted form of a strategy instance's known order ids,
// keyed by the formatted market.
type BookSnapshot struct {
	Strategy    string              `msgpack:"strategy"`
	Orders      map[string][]string `msgpack:"orders"`
	UpdatedAtMS int64               `msgpack:"updated_at_ms"`
}

func BookSnapshotKey(strategy string) string {
	return bookSnapshotPrefix + strategy
}

func LoadBookSnapshot(ctx context.Context, store Store, strategy string) (BookSnapshot, bool, error) {
	if store == nil {
		return BookSnapshot{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, BookSnapshotKey(strategy))
	if err != nil {
		return BookSnapshot{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return BookSnapshot{}, false, nil
	}
	payload, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return BookSnapshot{}, false, fmt.Errorf("decode book snapshot: %w", err)
	}
	var snapshot BookSnapshot
	if err := msgpack.Unmarshal(payload, &snapshot); err != nil {
		return BookSnapshot{}, false, fmt.Errorf("unmarshal book snapshot: %w", err)
	}
	return snapshot, true, nil
}

func SaveBookSnapshot(ctx context.Context, store Store, snapshot BookSnapshot) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := msgpack.Marshal(snapshot)
	if err != nil {
		return err
	}
	return store.Set(ctx, BookSnapshotKey(snapshot.Strategy), base64.StdEncoding.EncodeToString(payload))
}

func DeleteBookSnapshot(ctx context.Context, store Store, strategy string) error {
	if store == nil {
		return nil
	}
	return store.Delete(ctx, BookSnapshotKey(strategy))
}

// KeyLister is implemented by stores that can enumerate their keys.
type KeyLister interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// PruneBookSnapshots deletes the snapshots of strategies not named in keep and
// returns the removed strategy names.
func PruneBookSnapshots(ctx context.Context, store Store, keep []string) ([]string, error) {
	lister, ok := store.(KeyLister)
	if store == nil || !ok {
		return nil, nil
	}
	keys, err := lister.Keys(ctx, bookSnapshotPrefix)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(keep))
	for _, name := range keep {
		wanted[name] = struct{}{}
	}
	var removed []string
	for _, key := range keys {
		name := strings.TrimPrefix(key, bookSnapshotPrefix)
		if _, ok := wanted[name]; ok {
			continue
		}
		if err := store.Delete(ctx, key); err != nil {
			return removed, err
		}
		removed = append(removed, name)
	}
	return removed, nil
}
