package bucketcache

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// JSONConfig configures the JSON backend.
type JSONConfig struct {
	// Indent is the indentation for entry files. Empty writes compact
	// documents.
	Indent string

	// EscapeHTML controls escaping of <, > and & inside strings.
	EscapeHTML bool

	// UseNumber decodes numbers as json.Number instead of float64.
	UseNumber bool
}

// DefaultJSONConfig returns the default JSON backend configuration.
func DefaultJSONConfig() JSONConfig {
	return JSONConfig{Indent: "  "}
}

// JSONBackend stores JSON-representable values as human-readable text.
// Values round-trip through JSON's type system: numbers come back as
// float64 (or json.Number), maps as map[string]any.
type JSONBackend struct {
	cfg JSONConfig
}

// NewJSONBackend creates a JSON backend with the given configuration.
func NewJSONBackend(cfg JSONConfig) *JSONBackend {
	return &JSONBackend{cfg: cfg}
}

// Name implements Backend.
func (*JSONBackend) Name() string { return "json" }

// FileExtension implements Backend.
func (*JSONBackend) FileExtension() string { return "json" }

// Binary implements Backend.
func (*JSONBackend) Binary() bool { return false }

// jsonEnvelope is the on-disk document shape.
type jsonEnvelope struct {
	Value     any       `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// Encode implements Backend.
func (b *JSONBackend) Encode(w io.Writer, e *Envelope) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(b.cfg.EscapeHTML)
	if b.cfg.Indent != "" {
		enc.SetIndent("", b.cfg.Indent)
	}

	je := jsonEnvelope{
		Value:     e.Value,
		CreatedAt: e.CreatedAt,
		ExpiresAt: e.ExpiresAt,
	}
	if err := enc.Encode(je); err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	return nil
}

// Decode implements Backend.
func (b *JSONBackend) Decode(r io.Reader) (*Envelope, error) {
	dec := json.NewDecoder(r)
	if b.cfg.UseNumber {
		dec.UseNumber()
	}

	var je jsonEnvelope
	if err := dec.Decode(&je); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return &Envelope{
		Value:     je.Value,
		CreatedAt: je.CreatedAt,
		ExpiresAt: je.ExpiresAt,
	}, nil
}

func init() {
	RegisterBackend("json", func() Backend {
		return NewJSONBackend(DefaultJSONConfig())
	})
}
