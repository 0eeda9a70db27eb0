package ingestion

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// RequestLookup reports whether a request ID has been seen before, e.g. in
// the operation journal.
type RequestLookup interface {
	RequestSeen(ctx context.Context, requestID string) (bool, error)
}

// Deduper drops intents whose request ID was already dispatched.
// Two tiers: recent IDs in an LRU, older ones via the lookup.
type Deduper struct {
	recent *lru.Cache[string, struct{}]
	lookup RequestLookup // optional
	logger zerolog.Logger
}

func NewDeduper(capacity int, lookup RequestLookup, logger zerolog.Logger) (*Deduper, error) {
	if capacity <= 0 {
		capacity = 10_000
	}
	recent, err := lru.New[string, struct{}](capacity)
	if err != nil {
		return nil, fmt.Errorf("dedup cache: %w", err)
	}
	return &Deduper{recent: recent, lookup: lookup, logger: logger}, nil
}

// Admit records requestID and reports whether it is new. Empty IDs are
// always admitted. A failed lookup admits the intent.
func (d *Deduper) Admit(ctx context.Context, requestID string) bool {
	if requestID == "" {
		return true
	}
	if found, _ := d.recent.ContainsOrAdd(requestID, struct{}{}); found {
		return false
	}

	if d.lookup == nil {
		return true
	}
	seen, err := d.lookup.RequestSeen(ctx, requestID)
	if err != nil {
		d.logger.Warn().Err(err).Str("request_id", requestID).Msg("dedup lookup failed; admitting intent")
		return true
	}
	return !seen
}

// Len is the number of IDs held in memory.
func (d *Deduper) Len() int {
	return d.recent.Len()
}
