package bucketcache

import (
	"fmt"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackConfig configures the MessagePack backend.
type MsgpackConfig struct {
	// SortMapKeys writes map entries in sorted key order, making encodings
	// reproducible at some encoding cost.
	SortMapKeys bool

	// CompactInts stores integers in the smallest representation that fits.
	CompactInts bool

	// CompactFloats stores float64 values as float32 when no precision is
	// lost.
	CompactFloats bool
}

// DefaultMsgpackConfig returns the default MessagePack backend
// configuration.
func DefaultMsgpackConfig() MsgpackConfig {
	return MsgpackConfig{CompactInts: true}
}

// MsgpackBackend stores msgpack-representable values in a compact binary
// form. Values round-trip through MessagePack's type system: integers come
// back as int64 family values, maps as map[string]any.
type MsgpackBackend struct {
	cfg MsgpackConfig
}

// NewMsgpackBackend creates a MessagePack backend with the given
// configuration.
func NewMsgpackBackend(cfg MsgpackConfig) *MsgpackBackend {
	return &MsgpackBackend{cfg: cfg}
}

// Name implements Backend.
func (*MsgpackBackend) Name() string { return "msgpack" }

// FileExtension implements Backend.
func (*MsgpackBackend) FileExtension() string { return "msgpack" }

// Binary implements Backend.
func (*MsgpackBackend) Binary() bool { return true }

// msgpackEnvelope is the on-disk record shape.
type msgpackEnvelope struct {
	Value     any       `msgpack:"value"`
	CreatedAt time.Time `msgpack:"createdAt"`
	ExpiresAt time.Time `msgpack:"expiresAt"`
}

// Encode implements Backend.
func (b *MsgpackBackend) Encode(w io.Writer, e *Envelope) error {
	enc := msgpack.NewEncoder(w)
	enc.SetSortMapKeys(b.cfg.SortMapKeys)
	enc.UseCompactInts(b.cfg.CompactInts)
	enc.UseCompactFloats(b.cfg.CompactFloats)

	me := msgpackEnvelope{
		Value:     e.Value,
		CreatedAt: e.CreatedAt,
		ExpiresAt: e.ExpiresAt,
	}
	if err := enc.Encode(me); err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	return nil
}

// Decode implements Backend.
func (*MsgpackBackend) Decode(r io.Reader) (*Envelope, error) {
	var me msgpackEnvelope
	if err := msgpack.NewDecoder(r).Decode(&me); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return &Envelope{
		Value:     me.Value,
		CreatedAt: me.CreatedAt,
		ExpiresAt: me.ExpiresAt,
	}, nil
}

func init() {
	RegisterBackend("msgpack", func() Backend {
		return NewMsgpackBackend(DefaultMsgpackConfig())
	})
}
