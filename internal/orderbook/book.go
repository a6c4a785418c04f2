package orderbook

import (
	"sort"
	"sync"

	"dex-liquidity-bot/internal/dex"
)

// Diff returns the ids present in previous but absent from current, sorted.
// An id that disappeared was either filled or cancelled; the book alone cannot
// tell which.
func Diff(previous, current dex.OrderIDSet) []string {
	var gone []string
	for id := range previous {
		if !current.Has(id) {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	return gone
}

// Book holds the order ids known to be resting on each market as of the last
// reconciliation.
type Book struct {
	mu    sync.Mutex
	known map[dex.Market]dex.OrderIDSet
}

func NewBook() *Book {
	return &Book{known: make(map[dex.Market]dex.OrderIDSet)}
}

// Reconcile reports the ids that vanished from market since the last call and
// replaces the known set with current, so a given id is reported once.
func (b *Book) Reconcile(market dex.Market, current dex.OrderIDSet) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	gone := Diff(b.known[market], current)
	b.known[market] = current.Clone()
	return gone
}

// Track records ids placed by the engine since the last reconciliation.
func (b *Book) Track(market dex.Market, ids ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.known[market]
	if set == nil {
		set = make(dex.OrderIDSet, len(ids))
		b.known[market] = set
	}
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
}

// Forget drops ids the engine cancelled itself so they are not reported as
// fills.
func (b *Book) Forget(market dex.Market, ids ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.known[market]
	for _, id := range ids {
		delete(set, id)
	}
}

func (b *Book) Known(market dex.Market) dex.OrderIDSet {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.known[market].Clone()
}

// Snapshot copies every market's known ids as sorted slices keyed by market.
func (b *Book) Snapshot() map[dex.Market][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[dex.Market][]string, len(b.known))
	for market, set := range b.known {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[market] = ids
	}
	return out
}

// Restore replaces the known ids with a previously taken snapshot.
func (b *Book) Restore(snapshot map[dex.Market][]string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.known = make(map[dex.Market]dex.OrderIDSet, len(snapshot))
	for market, ids := range snapshot {
		b.known[market] = dex.NewOrderIDSet(ids...)
	}
}
