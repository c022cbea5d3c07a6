package bucketcache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// HashFunc defines a function that creates a new hash.Hash instance.
type HashFunc func() hash.Hash

// NowFunc defines a function that returns the current time.
type NowFunc func() time.Time

// Option defines a function that configures a Bucket.
type Option func(*Bucket)

// Bucket is a disk-backed key/value store. Values are stored under
// fingerprints derived from arbitrary key material, one file per entry,
// encoded by a pluggable backend. Entries written with a lifetime expire
// lazily: they are detected and evicted when next touched.
type Bucket struct {
	root        string
	fs          afero.Fs
	backend     Backend
	backendName string
	keyMaker    KeyMaker
	lifetime    time.Duration
	hashFunc    HashFunc
	nowFunc     NowFunc
	deferred    bool

	mu    sync.RWMutex
	index map[string]*entry
}

// Open opens the bucket rooted at path, creating the directory if needed.
// Entry files already under path are indexed immediately; their values are
// decoded lazily on first access.
func Open(path string, options ...Option) (*Bucket, error) {
	b := &Bucket{
		root:     path,
		fs:       afero.NewOsFs(),
		keyMaker: DefaultKeyMaker{},
		nowFunc:  time.Now,
		hashFunc: defaultHashFunc,
		index:    make(map[string]*entry),
	}

	// Apply options
	for _, option := range options {
		option(b)
	}

	if b.lifetime < 0 {
		return nil, fmt.Errorf("negative lifetime %v", b.lifetime)
	}
	if b.backend == nil {
		if b.backendName != "" {
			backend, err := LookupBackend(b.backendName)
			if err != nil {
				return nil, err
			}
			b.backend = backend
		} else {
			b.backend = NewGobBackend(DefaultGobConfig())
		}
	}

	if err := b.fs.MkdirAll(b.root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bucket directory: %w", err)
	}
	if err := b.scan(); err != nil {
		return nil, err
	}

	return b, nil
}

// scan rebuilds the index from the entry files on disk.
func (b *Bucket) scan() error {
	infos, err := afero.ReadDir(b.fs, b.root)
	if err != nil {
		return fmt.Errorf("failed to list bucket directory: %w", err)
	}

	ext := "." + b.backend.FileExtension()
	for _, info := range infos {
		if info.IsDir() {
			continue
		}
		name := info.Name()
		if !strings.HasSuffix(name, ext) {
			continue
		}
		key := strings.TrimSuffix(name, ext)
		if !validKey(key) {
			continue
		}
		b.index[key] = &entry{key: key}
	}
	return nil
}

// Set stores value under the fingerprint of material, replacing any
// previous entry. With a lifetime configured the entry expires that long
// from now; otherwise it never expires.
func (b *Bucket) Set(material, value any) error {
	key, err := b.fingerprint(material)
	if err != nil {
		return err
	}
	logKeyEvent("storing entry", key, material)
	return b.setByKey(key, value)
}

// Get returns the value stored under the fingerprint of material.
// It returns ErrKeyNotFound when no entry exists and ErrKeyExpired when an
// entry existed but its lifetime had elapsed; both match ErrKeyNotFound
// under errors.Is. Reads never extend an entry's lifetime.
func (b *Bucket) Get(material any) (any, error) {
	key, err := b.fingerprint(material)
	if err != nil {
		return nil, err
	}

	value, _, err := b.getByKey(key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			logKeyEvent("cache miss", key, material)
		}
		return nil, err
	}
	logKeyEvent("cache hit", key, material)
	return value, nil
}

// Contains reports whether a live entry exists for material. It never
// fails: anything that would keep a Get from succeeding counts as absence.
// Unexpected failures are still visible at debug level.
func (b *Bucket) Contains(material any) bool {
	key, err := b.fingerprint(material)
	if err != nil {
		getLogger().Debug().Err(err).Msg("contains: failed to derive key")
		return false
	}

	if _, _, err := b.getByKey(key); err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			getLogger().Debug().Err(err).Str("key", key).Msg("contains: failed to load entry")
		}
		return false
	}
	return true
}

// Delete removes the entry for material together with its file. It returns
// ErrKeyNotFound when no entry exists; whether to ignore that is the
// caller's choice.
func (b *Bucket) Delete(material any) error {
	key, err := b.fingerprint(material)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.index[key]; !ok {
		return ErrKeyNotFound
	}
	delete(b.index, key)
	if err := b.fs.Remove(b.entryPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove entry file: %w", err)
	}
	logKeyEvent("deleted entry", key, material)
	return nil
}

// Unload drops the in-memory decoded value for material, keeping the entry
// on disk and in the index. Unloading an absent key is a no-op.
func (b *Bucket) Unload(material any) error {
	key, err := b.fingerprint(material)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.index[key]; ok && e.loaded && !e.pending {
		e.value = nil
		e.loaded = false
	}
	return nil
}

// fingerprint derives the CacheKey for material. The backend name is mixed
// in, so entries written under one serialization format are invisible to
// buckets using another.
func (b *Bucket) fingerprint(material any) (string, error) {
	h := b.hashFunc()
	if _, err := io.WriteString(h, b.backend.Name()); err != nil {
		return "", fmt.Errorf("failed to hash backend name: %w", err)
	}
	if err := b.keyMaker.WriteKey(h, material); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// setByKey stores value under an already-derived key.
func (b *Bucket) setByKey(key string, value any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()
	e := &entry{
		key:       key,
		value:     value,
		createdAt: now,
		loaded:    true,
	}
	if b.lifetime > 0 {
		e.expiresAt = now.Add(b.lifetime)
	}

	if b.deferred {
		e.pending = true
		b.index[key] = e
		return nil
	}
	if err := b.writeEntry(e); err != nil {
		return err
	}
	b.index[key] = e
	return nil
}

// getByKey returns the value and expiration of the live entry for key,
// loading it from disk if necessary and evicting it if expired.
func (b *Bucket) getByKey(key string) (any, time.Time, error) {
	b.mu.RLock()
	if e, ok := b.index[key]; ok && e.loaded && !e.expired(b.nowFunc(), b.lifetime) {
		value, expiresAt := e.value, e.expiresAt
		b.mu.RUnlock()
		return value, expiresAt, nil
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.index[key]
	if !ok {
		return nil, time.Time{}, ErrKeyNotFound
	}
	if !e.loaded {
		if err := b.loadEntry(e); err != nil {
			return nil, time.Time{}, err
		}
	}
	if e.expired(b.nowFunc(), b.lifetime) {
		if err := b.evict(e); err != nil {
			return nil, time.Time{}, err
		}
		return nil, time.Time{}, ErrKeyExpired
	}
	return e.value, e.expiresAt, nil
}

// evict removes an entry and its file. Must be called with b.mu held for
// writing.
func (b *Bucket) evict(e *entry) error {
	delete(b.index, e.key)
	if err := b.fs.Remove(b.entryPath(e.key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove expired entry file: %w", err)
	}
	return nil
}

// entryPath returns the file path for a CacheKey.
func (b *Bucket) entryPath(key string) string {
	return filepath.Join(b.root, key+"."+b.backend.FileExtension())
}

// validKey reports whether name looks like a CacheKey: the lowercase hex
// form of a hash digest.
func validKey(key string) bool {
	if key == "" {
		return false
	}
	for _, r := range key {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// defaultHashFunc returns the default fingerprint hash (SHA-256).
func defaultHashFunc() hash.Hash {
	return sha256.New()
}
