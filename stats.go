package bucketcache

import (
	"errors"
	"iter"
	"sort"
)

// Keys iterates over the CacheKeys of live entries in sorted order.
// Unloaded entries are decoded on the way through; expired ones are evicted
// and skipped, as are files the backend cannot decode. The sequence is
// restartable: each range starts a fresh walk.
func (b *Bucket) Keys() iter.Seq[string] {
	return func(yield func(string) bool) {
		b.mu.RLock()
		keys := make([]string, 0, len(b.index))
		for key := range b.index {
			keys = append(keys, key)
		}
		b.mu.RUnlock()
		sort.Strings(keys)

		for _, key := range keys {
			if _, _, err := b.getByKey(key); err != nil {
				if !errors.Is(err, ErrKeyNotFound) {
					getLogger().Debug().Err(err).Str("key", key).Msg("skipping entry during iteration")
				}
				continue
			}
			if !yield(key) {
				return
			}
		}
	}
}

// Len counts live entries. Like Keys, it loads unloaded entries and evicts
// expired ones along the way.
func (b *Bucket) Len() int {
	n := 0
	for range b.Keys() {
		n++
	}
	return n
}

// PruneExpired deletes every expired entry and its file, returning the
// number of entries removed. Expiry is otherwise lazy, so an expired file
// lingers on disk until its key is next touched or this sweep runs.
func (b *Bucket) PruneExpired() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()
	removed := 0
	for _, e := range b.index {
		if !e.loaded {
			if err := b.loadEntry(e); err != nil {
				var corrupt *CorruptEntryError
				if errors.As(err, &corrupt) {
					getLogger().Debug().Err(err).Str("key", e.key).Msg("skipping corrupt entry during prune")
					continue
				}
				return removed, err
			}
		}
		if e.expired(now, b.lifetime) {
			if err := b.evict(e); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
