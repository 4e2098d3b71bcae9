package jobs

import (
	"context"
	"sort"
)

// BuyerLister pages buyer ids in ascending order.
type BuyerLister interface {
	CountBuyers(ctx context.Context) (int, error)
	ListBuyerIDs(ctx context.Context, afterID string, limit int) ([]string, error)
}

// BuyerSource iterates every buyer in the store.
type BuyerSource struct {
	Store BuyerLister
}

// Count returns the number of buyers.
func (s BuyerSource) Count(ctx context.Context) (int, error) {
	return s.Store.CountBuyers(ctx)
}

// IDsAfter returns up to limit buyer ids after afterID.
func (s BuyerSource) IDsAfter(ctx context.Context, afterID string, limit int) ([]string, error) {
	return s.Store.ListBuyerIDs(ctx, afterID, limit)
}

// StaticSource iterates a fixed id list, sorted once.
type StaticSource struct {
	ids []string
}

// NewStaticSource copies and sorts ids.
func NewStaticSource(ids []string) StaticSource {
	cp := append([]string(nil), ids...)
	sort.Strings(cp)
	return StaticSource{ids: cp}
}

// Count returns the number of ids.
func (s StaticSource) Count(context.Context) (int, error) {
	return len(s.ids), nil
}

// IDsAfter returns up to limit ids greater than afterID.
func (s StaticSource) IDsAfter(_ context.Context, afterID string, limit int) ([]string, error) {
	start := sort.SearchStrings(s.ids, afterID)
	for start < len(s.ids) && s.ids[start] <= afterID {
		start++
	}
	end := min(start+limit, len(s.ids))
	return s.ids[start:end], nil
}
