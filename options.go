package bucketcache

import (
	"time"

	"github.com/spf13/afero"
)

// WithBackend sets the serialization backend for the bucket.
// The default is the gob backend with its default configuration.
//
// Example:
//
//	bucket, err := bucketcache.Open(".cache",
//		bucketcache.WithBackend(bucketcache.NewJSONBackend(bucketcache.DefaultJSONConfig())))
func WithBackend(backend Backend) Option {
	return func(b *Bucket) {
		b.backend = backend
	}
}

// WithNamedBackend selects a registered backend by name with its default
// configuration. Open fails with a *BackendUnavailableError if nothing is
// registered under the name; a backend that is never selected costs
// nothing.
func WithNamedBackend(name string) Option {
	return func(b *Bucket) {
		b.backendName = name
	}
}

// WithKeyMaker sets the key maker used to canonicalize key material.
// The default is DefaultKeyMaker. SpooledKeyMaker derives identical keys,
// so the two can be swapped without invalidating existing entries.
func WithKeyMaker(km KeyMaker) Option {
	return func(b *Bucket) {
		b.keyMaker = km
	}
}

// WithLifetime sets the lifetime applied to every entry written through the
// bucket. Zero, the default, means entries never expire. The lifetime is
// fixed at construction, not per entry; entries written under different
// lifetime settings are treated as expired when read back.
func WithLifetime(lifetime time.Duration) Option {
	return func(b *Bucket) {
		b.lifetime = lifetime
	}
}

// WithFs sets a custom filesystem for the bucket.
// This is primarily useful for testing with in-memory filesystems.
//
// Example:
//
//	bucket, err := bucketcache.Open(".cache", bucketcache.WithFs(afero.NewMemMapFs()))
func WithFs(fs afero.Fs) Option {
	return func(b *Bucket) {
		b.fs = fs
	}
}

// WithHashFunc sets the hash used to derive CacheKeys from key material.
// The default is SHA-256 for its collision resistance; a fast hash like
// xxHash64 trades that margin for speed.
//
// Note: Changing the hash function will invalidate existing cache entries.
func WithHashFunc(hashFunc HashFunc) Option {
	return func(b *Bucket) {
		b.hashFunc = hashFunc
	}
}

// WithNowFunc sets a custom time function for the bucket.
// This is primarily useful for testing lifetime behavior with
// deterministic timestamps.
func WithNowFunc(nowFunc NowFunc) Option {
	return func(b *Bucket) {
		b.nowFunc = nowFunc
	}
}
