package bucketcache

import (
	"encoding/gob"
	"fmt"
	"io"
)

// GobConfig configures the gob backend.
type GobConfig struct {
	// Register lists concrete types that will be stored through
	// interface-typed values. Each is passed to gob.Register before the
	// backend is used; basic types need no registration.
	Register []any
}

// DefaultGobConfig returns the default gob backend configuration.
func DefaultGobConfig() GobConfig {
	return GobConfig{}
}

// GobBackend stores arbitrary Go values using encoding/gob.
// It is the default backend.
type GobBackend struct{}

// NewGobBackend creates a gob backend, registering the types named in cfg.
func NewGobBackend(cfg GobConfig) *GobBackend {
	for _, v := range cfg.Register {
		gob.Register(v)
	}
	return &GobBackend{}
}

// Name implements Backend.
func (*GobBackend) Name() string { return "gob" }

// FileExtension implements Backend.
func (*GobBackend) FileExtension() string { return "gob" }

// Binary implements Backend.
func (*GobBackend) Binary() bool { return true }

// Encode implements Backend.
func (*GobBackend) Encode(w io.Writer, e *Envelope) error {
	if err := gob.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	return nil
}

// Decode implements Backend.
func (*GobBackend) Decode(r io.Reader) (*Envelope, error) {
	var e Envelope
	if err := gob.NewDecoder(r).Decode(&e); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return &e, nil
}

func init() {
	RegisterBackend("gob", func() Backend {
		return NewGobBackend(DefaultGobConfig())
	})
}
