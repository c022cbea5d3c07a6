package bucketcache

import (
	"errors"
)

// DeferredWriteBucket is a Bucket whose writes stay in memory until Sync.
// Reads fall through to disk as usual, and buffered entries are readable
// before they are persisted.
type DeferredWriteBucket struct {
	*Bucket
}

// OpenDeferred opens a bucket like Open and puts it in deferred-write mode.
func OpenDeferred(path string, options ...Option) (*DeferredWriteBucket, error) {
	b, err := Open(path, options...)
	if err != nil {
		return nil, err
	}
	b.deferred = true
	return &DeferredWriteBucket{Bucket: b}, nil
}

// NewDeferredWriteBucket returns a deferred-write view over the same
// directory, backend and lifetime as b. The view starts from b's current
// index; b itself keeps writing through.
func NewDeferredWriteBucket(b *Bucket) *DeferredWriteBucket {
	b.mu.RLock()
	index := make(map[string]*entry, len(b.index))
	for key, e := range b.index {
		index[key] = e
	}
	b.mu.RUnlock()

	view := &Bucket{
		root:     b.root,
		fs:       b.fs,
		backend:  b.backend,
		keyMaker: b.keyMaker,
		lifetime: b.lifetime,
		hashFunc: b.hashFunc,
		nowFunc:  b.nowFunc,
		deferred: true,
		index:    index,
	}
	return &DeferredWriteBucket{Bucket: view}
}

// Sync persists every buffered entry. Entries that expired while buffered
// are dropped rather than written. Sync is idempotent: a second call with
// nothing pending performs no writes.
func (d *DeferredWriteBucket) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.nowFunc()
	for key, e := range d.index {
		if !e.pending {
			continue
		}
		if e.expired(now, d.lifetime) {
			delete(d.index, key)
			continue
		}
		if err := d.writeEntry(e); err != nil {
			return err
		}
		e.pending = false
	}
	return nil
}

// Unload synchronizes buffered entries before dropping the in-memory value,
// since an unsynced entry has no on-disk backing to reload from.
func (d *DeferredWriteBucket) Unload(material any) error {
	if err := d.Sync(); err != nil {
		return err
	}
	return d.Bucket.Unload(material)
}

// DeferWrites runs fn against a deferred-write view of b, synchronizes the
// buffered entries afterwards, and folds the view's entries back into b.
// The sync still happens when fn returns an error; if fn failed before
// writing anything it is naturally a no-op. Errors from fn and Sync are
// joined.
func DeferWrites(b *Bucket, fn func(*DeferredWriteBucket) error) error {
	d := NewDeferredWriteBucket(b)
	fnErr := fn(d)
	syncErr := d.Sync()

	if syncErr == nil {
		b.mu.Lock()
		d.mu.RLock()
		for key, e := range d.index {
			b.index[key] = e
		}
		d.mu.RUnlock()
		b.mu.Unlock()
	}
	return errors.Join(fnErr, syncErr)
}
