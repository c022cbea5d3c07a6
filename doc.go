/*
	Package bucketcache provides a disk-backed memoization cache for Go applications.

It stores values under fingerprints derived from arbitrary key material, with
an optional expiration lifetime and pluggable serialization, and can wrap
functions so that repeated calls with equivalent arguments are served from
disk instead of recomputed.

# Overview

A Bucket is a directory of entry files, one per cache key. Keys are derived
by canonically encoding key material (any Go value, or a bound function
call) and hashing it together with the backend name. Entries are indexed in
memory when the bucket opens and decoded lazily on first access.

# Core Architecture

The pieces, from the bottom up:

  - KeyMaker: canonical byte encoding of key material (deterministic,
    restart-stable, type-discriminated)
  - Backend: encode/decode of stored envelopes in one serialization format
    (gob by default; JSON and MessagePack included)
  - Bucket: the store itself: set/get/delete/contains, lifetime
    enforcement, lazy expiry, iteration
  - DeferredWriteBucket: buffers writes in memory until an explicit Sync
  - CachedFunc: wraps a function so calls are fingerprinted and memoized

# Basic Usage

Opening a bucket and storing values directly:

	bucket, err := bucketcache.Open(".cache")
	if err != nil {
	    log.Fatalf("Failed to open bucket: %v", err)
	}

	if err := bucket.Set("greeting", "hello"); err != nil {
	    log.Fatal(err)
	}

	v, err := bucket.Get("greeting")
	if errors.Is(err, bucketcache.ErrKeyNotFound) {
	    // absent or expired
	}

Any value the key maker can canonicalize works as key material: strings,
numbers, slices, maps, structs. Values of different declared types never
share a key, even when structurally equal.

# Wrapping Functions

Wrap memoizes a function described by an explicit signature:

	sig := bucketcache.Signature{
	    Name: "add",
	    Params: []bucketcache.Param{
	        {Name: "a", Kind: bucketcache.Positional},
	        {Name: "b", Kind: bucketcache.Positional},
	    },
	}
	add, err := bucket.Wrap(sig, func(args map[string]any, _ []any) (any, error) {
	    return args["a"].(int) + args["b"].(int), nil
	})

	result, err := add.Call(1, 2)             // invokes the function
	result, err = add.Call(1, 2)              // served from cache
	result, err = add.CallKw(nil, map[string]any{"a": 1, "b": 2}) // same entry

Calls bind against the signature before fingerprinting, so positional and
keyword spellings of the same call share one cache entry. Wrap options
exclude parameters from the key (WithIgnore), name a skip-cache flag
(WithNoCacheParam), bind the function to an instance (WithMethod), or
collapse concurrent misses (WithSingleFlight). A callback registered with
OnHit observes every cache hit.

# Lifetimes

A bucket built with WithLifetime stamps every entry with an expiration.
Expiry is lazy: expired entries are evicted when next touched, or in bulk
by PruneExpired. Reads never extend a lifetime. Entries written under
different lifetime settings are treated as expired, so shortening a
bucket's lifetime retires its old entries.

# Deferred Writes

A DeferredWriteBucket keeps writes in memory until Sync:

	err := bucketcache.DeferWrites(bucket, func(d *bucketcache.DeferredWriteBucket) error {
	    for _, item := range items {
	        if err := d.Set(item.ID, item); err != nil {
	            return err
	        }
	    }
	    return nil // synced and folded back into bucket on return
	})

# Configuration Options

Open accepts options:

	bucket, err := bucketcache.Open(
	    ".cache",
	    bucketcache.WithLifetime(time.Hour),
	    bucketcache.WithBackend(bucketcache.NewMsgpackBackend(bucketcache.DefaultMsgpackConfig())),
	    bucketcache.WithFs(afero.NewMemMapFs()),
	)

WithNamedBackend selects a registered backend by name and fails with
BackendUnavailableError when the name is unknown. WithHashFunc and
WithNowFunc swap the fingerprint hash and the clock.

# File Structure

One file per entry, directly inside the bucket directory:

	.cache/
	├── 6c9fabb4c2d98a42f0d7e03c55f18b21.gob
	└── a11f9d7e03c55f188a42f0d76c9fabb4.gob

The file name is the CacheKey; the extension comes from the backend.
Writes go through a temporary file and an atomic rename, so concurrent
readers never observe a partial entry.

# Error Handling

The package defines several error types:

  - ErrKeyNotFound: no entry for the key; ErrKeyExpired wraps it for
    entries that existed but aged out
  - KeyMaterialError: the key material cannot be canonicalized
  - BackendUnavailableError: a backend selected by name is not registered
  - CorruptEntryError: an entry file exists but does not decode; the file
    is left in place

Always check for absence with errors.Is:

	v, err := bucket.Get(key)
	if err != nil {
	    if errors.Is(err, bucketcache.ErrKeyNotFound) {
	        // compute and Set
	    } else {
	        // real failure
	    }
	}

# Diagnostics

Logging is off by default. SetLogger installs a zerolog logger for entry
lifecycle events; SetLogFullKeys controls whether key material appears in
full or truncated.
*/
package bucketcache
