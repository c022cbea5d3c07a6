package bucketcache

import (
	"io"
	"sort"
	"sync"
	"time"
)

// Envelope is the record a backend persists for one entry: the stored value
// together with its lifecycle timestamps.
type Envelope struct {
	Value     any
	CreatedAt time.Time
	ExpiresAt time.Time // zero for entries that never expire
}

// Backend encodes and decodes envelopes for one serialization format.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Name is a stable identifier for the format. It is mixed into every
	// fingerprint, so entries written under one backend are invisible to
	// buckets using another.
	Name() string

	// FileExtension names entry files, without the leading dot.
	FileExtension() string

	// Binary reports whether entry files hold binary rather than text data.
	Binary() bool

	// Encode writes the envelope to w.
	Encode(w io.Writer, e *Envelope) error

	// Decode reads an envelope from r.
	Decode(r io.Reader) (*Envelope, error)
}

// BackendFactory builds a backend with its default configuration.
type BackendFactory func() Backend

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]BackendFactory)
)

// RegisterBackend makes a backend selectable through WithNamedBackend.
// The backends provided by this package register themselves; applications
// can register additional formats. Re-registering a name replaces the
// previous factory.
func RegisterBackend(name string, factory BackendFactory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[name] = factory
}

// LookupBackend returns the backend registered under name, or a
// *BackendUnavailableError if there is none.
func LookupBackend(name string) (Backend, error) {
	backendsMu.RLock()
	factory, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, &BackendUnavailableError{Name: name}
	}
	return factory(), nil
}

// RegisteredBackends returns the registered backend names in sorted order.
func RegisteredBackends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
