package bucketcache

import (
	"errors"
	"hash"
	"io"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
)

// countingBackend wraps a backend and counts its encode and decode calls.
type countingBackend struct {
	inner   Backend
	encodes int
	decodes int
}

func (c *countingBackend) Name() string          { return c.inner.Name() }
func (c *countingBackend) FileExtension() string { return c.inner.FileExtension() }
func (c *countingBackend) Binary() bool          { return c.inner.Binary() }

func (c *countingBackend) Encode(w io.Writer, e *Envelope) error {
	c.encodes++
	return c.inner.Encode(w, e)
}

func (c *countingBackend) Decode(r io.Reader) (*Envelope, error) {
	c.decodes++
	return c.inner.Decode(r)
}

// setupTestBucket creates a new in-memory filesystem and bucket for testing.
// It returns the bucket, filesystem, and bucket directory path.
func setupTestBucket(t *testing.T, tempDirName string, options ...Option) (*Bucket, afero.Fs, string) {
	t.Helper()

	// Create an in-memory filesystem
	memFs := afero.NewMemMapFs()

	// Create a temporary directory for the test
	tempDir := "/" + tempDirName
	if err := memFs.MkdirAll(tempDir, 0o755); err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}

	// Open a bucket over the in-memory filesystem
	options = append([]Option{WithFs(memFs)}, options...)
	bucket, err := Open(tempDir, options...)
	if err != nil {
		t.Fatalf("Failed to open bucket: %v", err)
	}

	return bucket, memFs, tempDir
}

// reopenBucket opens a bucket over an existing filesystem.
func reopenBucket(t *testing.T, fs afero.Fs, path string, options ...Option) *Bucket {
	t.Helper()

	options = append([]Option{WithFs(fs)}, options...)
	bucket, err := Open(path, options...)
	if err != nil {
		t.Fatalf("Failed to open bucket at %s: %v", path, err)
	}
	return bucket
}

// assertMiss asserts that no live entry exists for material.
func assertMiss(t *testing.T, bucket *Bucket, material any, context string) {
	t.Helper()

	if _, err := bucket.Get(material); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Expected miss on %s, got error %v", context, err)
	}
}

// assertHit asserts that Get returns the expected value.
func assertHit(t *testing.T, bucket *Bucket, material, expected any, context string) {
	t.Helper()

	value, err := bucket.Get(material)
	if err != nil {
		t.Fatalf("Unexpected error on %s: %v", context, err)
	}
	if !reflect.DeepEqual(value, expected) {
		t.Fatalf("Value mismatch on %s:\nExpected: %v\nActual: %v", context, expected, value)
	}
}

// assertSetSucceeds asserts that a store operation succeeds.
func assertSetSucceeds(t *testing.T, bucket *Bucket, material, value any, context string) {
	t.Helper()

	if err := bucket.Set(material, value); err != nil {
		t.Fatalf("Failed to Set %s: %v", context, err)
	}
}

// entryFileNames returns the names of regular files in the bucket directory.
func entryFileNames(t *testing.T, fs afero.Fs, dir string) []string {
	t.Helper()

	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		t.Fatalf("Failed to read bucket directory: %v", err)
	}
	var names []string
	for _, info := range infos {
		if !info.IsDir() {
			names = append(names, info.Name())
		}
	}
	return names
}

func TestBucketSetGet(t *testing.T) {
	bucket, memFs, tempDir := setupTestBucket(t, "bucket-test")

	material := map[string]any{"query": "select 1", "page": 1}

	// First get should be a miss
	assertMiss(t, bucket, material, "first Get")

	// Store a value
	assertSetSucceeds(t, bucket, material, "result-1", "initial value")

	// Second get should be a hit
	assertHit(t, bucket, material, "result-1", "second Get")

	// Different material should still miss
	other := map[string]any{"query": "select 1", "page": 2}
	assertMiss(t, bucket, other, "Get with different material")

	// Overwriting replaces the value without adding a file
	assertSetSucceeds(t, bucket, material, "result-2", "replacement value")
	assertHit(t, bucket, material, "result-2", "Get after overwrite")
	if names := entryFileNames(t, memFs, tempDir); len(names) != 1 {
		t.Fatalf("Expected 1 entry file after overwrite, got %v", names)
	}

	// Delete removes the entry and its file
	if err := bucket.Delete(material); err != nil {
		t.Fatalf("Failed to Delete: %v", err)
	}
	assertMiss(t, bucket, material, "Get after Delete")
	if names := entryFileNames(t, memFs, tempDir); len(names) != 0 {
		t.Fatalf("Expected no entry files after Delete, got %v", names)
	}

	// Deleting again reports the absence
	if err := bucket.Delete(material); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Expected ErrKeyNotFound deleting absent entry, got: %v", err)
	}
}

func TestBucketContains(t *testing.T) {
	bucket, _, _ := setupTestBucket(t, "bucket-contains-test")

	if bucket.Contains("missing") {
		t.Fatalf("Expected Contains to report absence for missing entry")
	}

	assertSetSucceeds(t, bucket, "present", 42, "value")
	if !bucket.Contains("present") {
		t.Fatalf("Expected Contains to report presence for stored entry")
	}

	// Unusable key material is absence, not an error
	if bucket.Contains(make(chan int)) {
		t.Fatalf("Expected Contains to report absence for unusable key material")
	}
}

func TestBucketKeyMaterialErrors(t *testing.T) {
	bucket, _, _ := setupTestBucket(t, "bucket-material-test")

	var keyErr *KeyMaterialError
	if _, err := bucket.Get(make(chan int)); !errors.As(err, &keyErr) {
		t.Fatalf("Expected KeyMaterialError from Get, got: %v", err)
	}
	if err := bucket.Set(func() {}, 1); !errors.As(err, &keyErr) {
		t.Fatalf("Expected KeyMaterialError from Set, got: %v", err)
	}
}

func TestBucketLifetime(t *testing.T) {
	now := fixedNowFunc()
	bucket, memFs, tempDir := setupTestBucket(t, "bucket-lifetime-test",
		WithLifetime(time.Hour),
		WithNowFunc(func() time.Time { return now }),
	)

	assertSetSucceeds(t, bucket, "report", "rendered", "entry with lifetime")
	assertHit(t, bucket, "report", "rendered", "Get before expiry")

	// Just before the deadline the entry is still live
	now = fixedNowFunc().Add(time.Hour - time.Second)
	assertHit(t, bucket, "report", "rendered", "Get just before expiry")

	// At the deadline it expires and is evicted together with its file
	now = fixedNowFunc().Add(time.Hour)
	_, err := bucket.Get("report")
	if !errors.Is(err, ErrKeyExpired) {
		t.Fatalf("Expected ErrKeyExpired, got: %v", err)
	}
	if !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("Expected expired read to match ErrKeyNotFound, got: %v", err)
	}
	if names := entryFileNames(t, memFs, tempDir); len(names) != 0 {
		t.Fatalf("Expected expired entry file to be removed, got %v", names)
	}
}

// TestBucketLifetimeChange checks how entries written under one lifetime
// setting are treated when the bucket is reopened with another.
func TestBucketLifetimeChange(t *testing.T) {
	memFs := afero.NewMemMapFs()
	now := fixedNowFunc()
	nowFunc := func() time.Time { return now }

	// Entries written without a lifetime expire under a bucket that has one
	forever := reopenBucket(t, memFs, "/forever", WithNowFunc(nowFunc))
	assertSetSucceeds(t, forever, "k", "v", "entry without lifetime")
	limited := reopenBucket(t, memFs, "/forever", WithNowFunc(nowFunc), WithLifetime(time.Hour))
	if _, err := limited.Get("k"); !errors.Is(err, ErrKeyExpired) {
		t.Fatalf("Expected ErrKeyExpired under added lifetime, got: %v", err)
	}

	// Entries written under a longer lifetime expire under a shorter one
	long := reopenBucket(t, memFs, "/long", WithNowFunc(nowFunc), WithLifetime(10*time.Hour))
	assertSetSucceeds(t, long, "k", "v", "entry with long lifetime")
	short := reopenBucket(t, memFs, "/long", WithNowFunc(nowFunc), WithLifetime(time.Hour))
	if _, err := short.Get("k"); !errors.Is(err, ErrKeyExpired) {
		t.Fatalf("Expected ErrKeyExpired under shortened lifetime, got: %v", err)
	}

	// Entries written under a shorter lifetime keep their deadline under a
	// longer one
	brief := reopenBucket(t, memFs, "/brief", WithNowFunc(nowFunc), WithLifetime(time.Hour))
	assertSetSucceeds(t, brief, "k", "v", "entry with brief lifetime")
	extended := reopenBucket(t, memFs, "/brief", WithNowFunc(nowFunc), WithLifetime(10*time.Hour))
	assertHit(t, extended, "k", "v", "Get under extended lifetime")
}

func TestBucketReopen(t *testing.T) {
	bucket, memFs, tempDir := setupTestBucket(t, "bucket-reopen-test")

	assertSetSucceeds(t, bucket, "first", "v1", "first entry")
	assertSetSucceeds(t, bucket, "second", "v2", "second entry")

	// Unrelated files and directories are not mistaken for entries
	if err := afero.WriteFile(memFs, filepath.Join(tempDir, "README.txt"), []byte("notes"), 0o644); err != nil {
		t.Fatalf("Failed to write unrelated file: %v", err)
	}
	if err := afero.WriteFile(memFs, filepath.Join(tempDir, "not-a-key.gob"), []byte("x"), 0o644); err != nil {
		t.Fatalf("Failed to write unrelated file: %v", err)
	}
	if err := memFs.MkdirAll(filepath.Join(tempDir, "sub"), 0o755); err != nil {
		t.Fatalf("Failed to create subdirectory: %v", err)
	}

	reopened := reopenBucket(t, memFs, tempDir)
	assertHit(t, reopened, "first", "v1", "first Get after reopen")
	assertHit(t, reopened, "second", "v2", "second Get after reopen")
	if n := reopened.Len(); n != 2 {
		t.Fatalf("Expected 2 entries after reopen, got %d", n)
	}
}

func TestBucketUnload(t *testing.T) {
	backend := &countingBackend{inner: NewGobBackend(DefaultGobConfig())}
	bucket, _, _ := setupTestBucket(t, "bucket-unload-test", WithBackend(backend))

	assertSetSucceeds(t, bucket, "big", []string{"x", "y"}, "value")
	assertHit(t, bucket, "big", []string{"x", "y"}, "Get while loaded")
	if backend.decodes != 0 {
		t.Fatalf("Expected no decodes while entry is loaded, got %d", backend.decodes)
	}

	if err := bucket.Unload("big"); err != nil {
		t.Fatalf("Failed to Unload: %v", err)
	}
	assertHit(t, bucket, "big", []string{"x", "y"}, "Get after Unload")
	if backend.decodes != 1 {
		t.Fatalf("Expected entry to be decoded once after Unload, got %d decodes", backend.decodes)
	}

	// Unloading an absent key is a no-op
	if err := bucket.Unload("absent"); err != nil {
		t.Fatalf("Unexpected error unloading absent key: %v", err)
	}
}

func TestBucketKeysAndLen(t *testing.T) {
	now := fixedNowFunc()
	bucket, _, _ := setupTestBucket(t, "bucket-keys-test",
		WithLifetime(time.Hour),
		WithNowFunc(func() time.Time { return now }),
	)

	materials := []string{"alpha", "beta", "gamma"}
	for _, m := range materials {
		assertSetSucceeds(t, bucket, m, strings.ToUpper(m), m)
	}

	var keys []string
	for key := range bucket.Keys() {
		keys = append(keys, key)
	}
	if len(keys) != 3 {
		t.Fatalf("Expected 3 keys, got %v", keys)
	}
	if !sort.StringsAreSorted(keys) {
		t.Fatalf("Expected keys in sorted order, got %v", keys)
	}
	if n := bucket.Len(); n != 3 {
		t.Fatalf("Expected Len 3, got %d", n)
	}

	// Ranging can stop early
	for range bucket.Keys() {
		break
	}

	// Expired entries vanish from iteration
	now = fixedNowFunc().Add(2 * time.Hour)
	if n := bucket.Len(); n != 0 {
		t.Fatalf("Expected Len 0 after expiry, got %d", n)
	}
}

func TestBucketPruneExpired(t *testing.T) {
	now := fixedNowFunc()
	bucket, memFs, tempDir := setupTestBucket(t, "bucket-prune-test",
		WithLifetime(time.Hour),
		WithNowFunc(func() time.Time { return now }),
	)

	assertSetSucceeds(t, bucket, "old-1", 1, "first entry")
	assertSetSucceeds(t, bucket, "old-2", 2, "second entry")

	now = fixedNowFunc().Add(30 * time.Minute)
	assertSetSucceeds(t, bucket, "fresh", 3, "third entry")

	// Seventy minutes in, only the first two have expired
	now = fixedNowFunc().Add(70 * time.Minute)
	removed, err := bucket.PruneExpired()
	if err != nil {
		t.Fatalf("Failed to PruneExpired: %v", err)
	}
	if removed != 2 {
		t.Fatalf("Expected 2 entries pruned, got %d", removed)
	}
	if names := entryFileNames(t, memFs, tempDir); len(names) != 1 {
		t.Fatalf("Expected 1 entry file after prune, got %v", names)
	}
	assertHit(t, bucket, "fresh", 3, "Get after prune")

	// Nothing left to prune
	removed, err = bucket.PruneExpired()
	if err != nil {
		t.Fatalf("Failed to PruneExpired: %v", err)
	}
	if removed != 0 {
		t.Fatalf("Expected no entries pruned, got %d", removed)
	}
}

func TestBucketCorruptEntry(t *testing.T) {
	bucket, memFs, tempDir := setupTestBucket(t, "bucket-corrupt-test")

	assertSetSucceeds(t, bucket, "record", "payload", "entry")

	// Clobber the entry file behind the bucket's back
	names := entryFileNames(t, memFs, tempDir)
	if len(names) != 1 {
		t.Fatalf("Expected 1 entry file, got %v", names)
	}
	path := filepath.Join(tempDir, names[0])
	if err := afero.WriteFile(memFs, path, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("Failed to overwrite entry file: %v", err)
	}

	// The loaded copy still serves
	assertHit(t, bucket, "record", "payload", "Get while loaded")

	// A reload surfaces the corruption with the file path
	if err := bucket.Unload("record"); err != nil {
		t.Fatalf("Failed to Unload: %v", err)
	}
	_, err := bucket.Get("record")
	var corrupt *CorruptEntryError
	if !errors.As(err, &corrupt) {
		t.Fatalf("Expected CorruptEntryError, got %T: %v", err, err)
	}
	if corrupt.Path != path {
		t.Fatalf("Expected corrupt path %q, got %q", path, corrupt.Path)
	}

	// Contains treats the unreadable entry as absent
	if bucket.Contains("record") {
		t.Fatalf("Expected Contains to report absence for corrupt entry")
	}

	// Iteration and pruning skip it; the file stays for inspection
	if n := bucket.Len(); n != 0 {
		t.Fatalf("Expected Len 0 with corrupt entry, got %d", n)
	}
	removed, err := bucket.PruneExpired()
	if err != nil {
		t.Fatalf("Failed to PruneExpired: %v", err)
	}
	if removed != 0 {
		t.Fatalf("Expected no entries pruned, got %d", removed)
	}
	if exists, _ := afero.Exists(memFs, path); !exists {
		t.Fatalf("Expected corrupt entry file to be left in place")
	}
}

func TestBucketNamedBackend(t *testing.T) {
	memFs := afero.NewMemMapFs()

	bucket := reopenBucket(t, memFs, "/named-json", WithNamedBackend("json"))
	assertSetSucceeds(t, bucket, "doc", map[string]any{"n": 1.0}, "json value")
	assertHit(t, bucket, "doc", map[string]any{"n": 1.0}, "Get")

	names := entryFileNames(t, memFs, "/named-json")
	if len(names) != 1 || !strings.HasSuffix(names[0], ".json") {
		t.Fatalf("Expected one .json entry file, got %v", names)
	}

	_, err := Open("/named-missing", WithFs(memFs), WithNamedBackend("cbor"))
	var unavailable *BackendUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("Expected BackendUnavailableError, got %T: %v", err, err)
	}
}

// TestBucketBackendIsolation checks that the backend name is part of the
// fingerprint: the same material maps to different entries under different
// serialization formats.
func TestBucketBackendIsolation(t *testing.T) {
	memFs := afero.NewMemMapFs()
	dir := "/shared-root"

	gobBucket := reopenBucket(t, memFs, dir)
	jsonBucket := reopenBucket(t, memFs, dir, WithNamedBackend("json"))

	assertSetSucceeds(t, gobBucket, "answer", "gob-value", "gob entry")
	assertMiss(t, jsonBucket, "answer", "Get through json bucket")

	assertSetSucceeds(t, jsonBucket, "answer", "json-value", "json entry")
	assertHit(t, gobBucket, "answer", "gob-value", "gob Get")
	assertHit(t, jsonBucket, "answer", "json-value", "json Get")

	names := entryFileNames(t, memFs, dir)
	if len(names) != 2 {
		t.Fatalf("Expected 2 entry files, one per backend, got %v", names)
	}
}

func TestBucketNegativeLifetime(t *testing.T) {
	_, err := Open("/neg", WithFs(afero.NewMemMapFs()), WithLifetime(-time.Second))
	if err == nil {
		t.Fatalf("Expected error for negative lifetime, got none")
	}
}

func TestBucketHashFunc(t *testing.T) {
	memFs := afero.NewMemMapFs()
	bucket := reopenBucket(t, memFs, "/xxhash-bucket",
		WithHashFunc(func() hash.Hash { return xxhash.New() }))

	assertSetSucceeds(t, bucket, "fast", "value", "entry")
	assertHit(t, bucket, "fast", "value", "Get")

	// 64-bit digests make for 16-character keys
	names := entryFileNames(t, memFs, "/xxhash-bucket")
	if len(names) != 1 {
		t.Fatalf("Expected 1 entry file, got %v", names)
	}
	key := strings.TrimSuffix(names[0], ".gob")
	if len(key) != 16 {
		t.Fatalf("Expected a 16-character key, got %q", key)
	}

	// Reopening with the same hash still finds the entry
	reopened := reopenBucket(t, memFs, "/xxhash-bucket",
		WithHashFunc(func() hash.Hash { return xxhash.New() }))
	assertHit(t, reopened, "fast", "value", "Get after reopen")
}

// TestBucketKeyMakerInterop checks that both key makers derive the same keys,
// so entries written under one are reachable under the other.
func TestBucketKeyMakerInterop(t *testing.T) {
	memFs := afero.NewMemMapFs()

	bucket := reopenBucket(t, memFs, "/keymaker-bucket")
	material := map[string]any{"dataset": "trades", "day": 17}
	assertSetSucceeds(t, bucket, material, "rows", "entry")

	spooled := reopenBucket(t, memFs, "/keymaker-bucket", WithKeyMaker(SpooledKeyMaker{Fs: memFs}))
	assertHit(t, spooled, material, "rows", "Get through spooled key maker")
}
