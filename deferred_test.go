package bucketcache

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
)

// openDeferredBucket opens a deferred-write bucket over a fresh in-memory
// filesystem.
func openDeferredBucket(t *testing.T, tempDirName string, options ...Option) (*DeferredWriteBucket, afero.Fs, string) {
	t.Helper()

	memFs := afero.NewMemMapFs()
	tempDir := "/" + tempDirName
	if err := memFs.MkdirAll(tempDir, 0o755); err != nil {
		t.Fatalf("Failed to create temp directory: %v", err)
	}

	options = append([]Option{WithFs(memFs)}, options...)
	bucket, err := OpenDeferred(tempDir, options...)
	if err != nil {
		t.Fatalf("Failed to open deferred bucket: %v", err)
	}

	return bucket, memFs, tempDir
}

func TestDeferredWritesBuffered(t *testing.T) {
	backend := &countingBackend{inner: NewGobBackend(DefaultGobConfig())}
	bucket, memFs, tempDir := openDeferredBucket(t, "deferred-test", WithBackend(backend))

	// Writes stay in memory
	assertSetSucceeds(t, bucket.Bucket, "job", "output", "buffered entry")
	if names := entryFileNames(t, memFs, tempDir); len(names) != 0 {
		t.Fatalf("Expected no entry files before Sync, got %v", names)
	}
	if backend.encodes != 0 {
		t.Fatalf("Expected no encodes before Sync, got %d", backend.encodes)
	}

	// Buffered entries are readable before they are persisted
	assertHit(t, bucket.Bucket, "job", "output", "Get before Sync")
	if !bucket.Contains("job") {
		t.Fatalf("Expected Contains to see buffered entry")
	}

	// Sync persists the entry
	if err := bucket.Sync(); err != nil {
		t.Fatalf("Failed to Sync: %v", err)
	}
	if names := entryFileNames(t, memFs, tempDir); len(names) != 1 {
		t.Fatalf("Expected 1 entry file after Sync, got %v", names)
	}
	if backend.encodes != 1 {
		t.Fatalf("Expected 1 encode after Sync, got %d", backend.encodes)
	}
	assertHit(t, bucket.Bucket, "job", "output", "Get after Sync")

	// A second Sync has nothing to write
	if err := bucket.Sync(); err != nil {
		t.Fatalf("Failed to Sync again: %v", err)
	}
	if backend.encodes != 1 {
		t.Fatalf("Expected repeated Sync to write nothing, got %d encodes", backend.encodes)
	}
}

func TestDeferredSyncDropsExpired(t *testing.T) {
	now := fixedNowFunc()
	bucket, memFs, tempDir := openDeferredBucket(t, "deferred-expiry-test",
		WithLifetime(time.Hour),
		WithNowFunc(func() time.Time { return now }),
	)

	assertSetSucceeds(t, bucket.Bucket, "stale", "value", "buffered entry")

	// The entry expires while still buffered
	now = fixedNowFunc().Add(2 * time.Hour)
	if err := bucket.Sync(); err != nil {
		t.Fatalf("Failed to Sync: %v", err)
	}
	if names := entryFileNames(t, memFs, tempDir); len(names) != 0 {
		t.Fatalf("Expected expired buffered entry not to be written, got %v", names)
	}
	assertMiss(t, bucket.Bucket, "stale", "Get after expired Sync")
}

func TestDeferredUnloadSyncsFirst(t *testing.T) {
	backend := &countingBackend{inner: NewGobBackend(DefaultGobConfig())}
	bucket, _, _ := openDeferredBucket(t, "deferred-unload-test", WithBackend(backend))

	assertSetSucceeds(t, bucket.Bucket, "doc", "contents", "buffered entry")

	// Unload must persist the buffered entry before dropping the value,
	// otherwise there would be nothing to reload from
	if err := bucket.Unload("doc"); err != nil {
		t.Fatalf("Failed to Unload: %v", err)
	}
	if backend.encodes != 1 {
		t.Fatalf("Expected Unload to sync the entry, got %d encodes", backend.encodes)
	}

	assertHit(t, bucket.Bucket, "doc", "contents", "Get after Unload")
	if backend.decodes != 1 {
		t.Fatalf("Expected entry to be reloaded from disk, got %d decodes", backend.decodes)
	}
}

func TestDeferWritesScope(t *testing.T) {
	bucket, memFs, tempDir := setupTestBucket(t, "defer-scope-test")

	assertSetSucceeds(t, bucket, "base", "b0", "entry before the scope")

	err := DeferWrites(bucket, func(d *DeferredWriteBucket) error {
		// The view starts from the origin's entries
		assertHit(t, d.Bucket, "base", "b0", "Get through view")

		assertSetSucceeds(t, d.Bucket, "step-1", "s1", "first scoped entry")
		assertSetSucceeds(t, d.Bucket, "step-2", "s2", "second scoped entry")

		// Nothing lands on disk inside the scope
		if names := entryFileNames(t, memFs, tempDir); len(names) != 1 {
			t.Fatalf("Expected only the base entry file inside the scope, got %v", names)
		}
		assertHit(t, d.Bucket, "step-1", "s1", "scoped Get")
		return nil
	})
	if err != nil {
		t.Fatalf("DeferWrites failed: %v", err)
	}

	// After the scope the entries are on disk and visible to the origin
	// bucket without reopening
	if names := entryFileNames(t, memFs, tempDir); len(names) != 3 {
		t.Fatalf("Expected 3 entry files after the scope, got %v", names)
	}
	assertHit(t, bucket, "step-1", "s1", "origin Get after the scope")
	assertHit(t, bucket, "step-2", "s2", "origin Get after the scope")
}

func TestDeferWritesError(t *testing.T) {
	bucket, memFs, tempDir := setupTestBucket(t, "defer-error-test")

	errStep := errors.New("pipeline step failed")
	err := DeferWrites(bucket, func(d *DeferredWriteBucket) error {
		assertSetSucceeds(t, d.Bucket, "partial", "result", "scoped entry")
		return errStep
	})
	if !errors.Is(err, errStep) {
		t.Fatalf("Expected DeferWrites to surface the callback error, got: %v", err)
	}

	// Entries written before the failure are still persisted
	if names := entryFileNames(t, memFs, tempDir); len(names) != 1 {
		t.Fatalf("Expected 1 entry file after failed scope, got %v", names)
	}
	assertHit(t, bucket, "partial", "result", "origin Get after failed scope")
}

// TestDeferredDiscard checks that buffered entries vanish with the process:
// a deferred bucket that never syncs leaves nothing behind.
func TestDeferredDiscard(t *testing.T) {
	bucket, memFs, tempDir := openDeferredBucket(t, "deferred-discard-test")

	assertSetSucceeds(t, bucket.Bucket, "lost", "value", "buffered entry")

	reopened := reopenBucket(t, memFs, tempDir)
	assertMiss(t, reopened, "lost", "Get after reopen without Sync")
	if names := entryFileNames(t, memFs, tempDir); len(names) != 0 {
		t.Fatalf("Expected no entry files without Sync, got %v", names)
	}
}
