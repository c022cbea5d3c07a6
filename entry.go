package bucketcache

import (
	"fmt"
	"time"

	"github.com/spf13/afero"
)

// entry is the in-memory record of one cached value.
type entry struct {
	key       string
	value     any
	createdAt time.Time
	expiresAt time.Time // zero for entries that never expire
	loaded    bool      // value and timestamps decoded from disk
	pending   bool      // buffered write not yet persisted (deferred mode)
}

// expired reports whether the entry is past its expiration at now, under
// the bucket's configured lifetime. An entry whose recorded expiration is
// absent, or further away than now+lifetime allows, was written under
// different lifetime settings and counts as expired.
func (e *entry) expired(now time.Time, lifetime time.Duration) bool {
	if e.expiresAt.IsZero() {
		return lifetime > 0
	}
	if !now.Before(e.expiresAt) {
		return true
	}
	return lifetime > 0 && e.expiresAt.After(now.Add(lifetime))
}

// writeEntry encodes the entry through the backend and atomically replaces
// its file. Writes land in a temp file in the bucket directory first, so a
// reader in another process never observes a partial entry.
func (b *Bucket) writeEntry(e *entry) error {
	tmp, err := afero.TempFile(b.fs, b.root, "tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp entry file: %w", err)
	}
	tmpName := tmp.Name()

	env := &Envelope{
		Value:     e.value,
		CreatedAt: e.createdAt,
		ExpiresAt: e.expiresAt,
	}
	if err := b.backend.Encode(tmp, env); err != nil {
		_ = tmp.Close()
		_ = b.fs.Remove(tmpName)
		return fmt.Errorf("failed to encode entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = b.fs.Remove(tmpName)
		return fmt.Errorf("failed to close temp entry file: %w", err)
	}

	if err := b.fs.Rename(tmpName, b.entryPath(e.key)); err != nil {
		_ = b.fs.Remove(tmpName)
		return fmt.Errorf("failed to rename entry file: %w", err)
	}
	return nil
}

// loadEntry decodes the entry's file, filling in its value and timestamps.
func (b *Bucket) loadEntry(e *entry) error {
	path := b.entryPath(e.key)
	f, err := b.fs.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open entry file: %w", err)
	}
	defer f.Close()

	env, err := b.backend.Decode(f)
	if err != nil {
		return &CorruptEntryError{Path: path, Err: err}
	}

	e.value = env.Value
	e.createdAt = env.CreatedAt
	e.expiresAt = env.ExpiresAt
	e.loaded = true
	return nil
}
