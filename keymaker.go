package bucketcache

import (
	"bufio"
	"bytes"
	"encoding"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"sort"

	"github.com/spf13/afero"
)

// KeyMaker converts key material into a canonical byte form.
// The bucket hashes that form, together with the backend name, into the
// CacheKey an entry is stored under. Equal material must always produce
// equal bytes, across calls and across process restarts.
type KeyMaker interface {
	// WriteKey writes the canonical encoding of material to w.
	// It returns a *KeyMaterialError if material cannot be canonicalized.
	WriteKey(w io.Writer, material any) error
}

// DefaultKeyMaker materializes the canonical form in memory before writing
// it out. It is the right choice for ordinary key material.
type DefaultKeyMaker struct{}

// WriteKey implements KeyMaker.
func (DefaultKeyMaker) WriteKey(w io.Writer, material any) error {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, material); err != nil {
		return err
	}
	if _, err := buf.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write key material: %w", err)
	}
	return nil
}

// SpooledKeyMaker spools the canonical form through a temporary file,
// bounding peak memory for very large key material. It produces byte-for-byte
// the same encoding as DefaultKeyMaker, so the two are interchangeable:
// entries written under one remain reachable under the other.
type SpooledKeyMaker struct {
	// Fs is the filesystem used for spool files.
	// Defaults to the OS filesystem.
	Fs afero.Fs
}

// WriteKey implements KeyMaker.
func (s SpooledKeyMaker) WriteKey(w io.Writer, material any) error {
	fs := s.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	spool, err := afero.TempFile(fs, "", "bucketcache-key-")
	if err != nil {
		return fmt.Errorf("failed to create spool file: %w", err)
	}
	defer func() {
		_ = spool.Close()
		_ = fs.Remove(spool.Name())
	}()

	bw := bufio.NewWriter(spool)
	if err := writeCanonical(bw, material); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush spool file: %w", err)
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind spool file: %w", err)
	}
	return copyBuffered(w, spool)
}

// Canonical encoding tags. Every value is written as a tag byte followed by
// a fixed-size or length-prefixed payload, so no two distinct structures
// share an encoding.
const (
	tagNil     = 'z'
	tagBool    = 'b'
	tagInt     = 'i'
	tagUint    = 'u'
	tagFloat   = 'f'
	tagComplex = 'c'
	tagString  = 's'
	tagBytes   = 'y'
	tagSlice   = 'l'
	tagArray   = 'a'
	tagMap     = 'm'
	tagStruct  = 'v'
	tagType    = 'T'
	tagJSON    = 'J'
	tagText    = 'X'
)

var (
	jsonMarshalerType = reflect.TypeFor[json.Marshaler]()
	textMarshalerType = reflect.TypeFor[encoding.TextMarshaler]()
)

// writeCanonical writes the canonical encoding of material to w.
func writeCanonical(w io.Writer, material any) error {
	enc := &keyEncoder{w: w}
	return enc.encode(reflect.ValueOf(material))
}

// keyEncoder walks a value recursively, writing its canonical form.
type keyEncoder struct {
	w io.Writer
	// active holds the pointers on the current encoding path.
	// A pointer reached again while still active is a cycle.
	active map[uintptr]struct{}
}

func (e *keyEncoder) encode(v reflect.Value) error {
	if !v.IsValid() {
		return e.writeTag(tagNil)
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return e.writeTag(tagNil)
		}
		return e.encode(v.Elem())
	case reflect.Pointer:
		// Indirection is invisible: a pointer encodes as its target, so
		// *T and T values in the same state share a fingerprint.
		if v.IsNil() {
			return e.writeTag(tagNil)
		}
		return e.withActive(v.Pointer(), func() error {
			return e.encode(v.Elem())
		})
	}

	if done, err := e.encodeMarshaled(v); done {
		return err
	}

	t := v.Type()
	if t.Name() != "" && t.PkgPath() != "" {
		if err := e.writeString(tagType, typeName(t)); err != nil {
			return err
		}
	}

	switch v.Kind() {
	case reflect.Bool:
		if err := e.writeTag(tagBool); err != nil {
			return err
		}
		var b byte
		if v.Bool() {
			b = 1
		}
		return e.writeRaw([]byte{b})
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if err := e.writeTag(tagInt); err != nil {
			return err
		}
		return e.writeUint64(uint64(v.Int()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if err := e.writeTag(tagUint); err != nil {
			return err
		}
		return e.writeUint64(v.Uint())
	case reflect.Float32, reflect.Float64:
		if err := e.writeTag(tagFloat); err != nil {
			return err
		}
		return e.writeUint64(floatBits(v.Float()))
	case reflect.Complex64, reflect.Complex128:
		if err := e.writeTag(tagComplex); err != nil {
			return err
		}
		c := v.Complex()
		if err := e.writeUint64(floatBits(real(c))); err != nil {
			return err
		}
		return e.writeUint64(floatBits(imag(c)))
	case reflect.String:
		return e.writeString(tagString, v.String())
	case reflect.Slice:
		if v.IsNil() {
			return e.writeTag(tagNil)
		}
		if t.Elem().Kind() == reflect.Uint8 && t.Elem().PkgPath() == "" {
			return e.writeBytes(tagBytes, v.Bytes())
		}
		return e.withActive(v.Pointer(), func() error {
			return e.encodeSeq(tagSlice, v)
		})
	case reflect.Array:
		return e.encodeSeq(tagArray, v)
	case reflect.Map:
		if v.IsNil() {
			return e.writeTag(tagNil)
		}
		return e.withActive(v.Pointer(), func() error {
			return e.encodeMap(v)
		})
	case reflect.Struct:
		return e.encodeStruct(v)
	default:
		// Chan, Func, UnsafePointer, Uintptr
		return &KeyMaterialError{Err: fmt.Errorf("cannot canonicalize %s value", t)}
	}
}

// encodeMarshaled writes values that declare their own canonical form.
// Types implementing json.Marshaler or encoding.TextMarshaler control the
// bytes their values contribute to a fingerprint; this also gives time.Time
// a stable encoding independent of its monotonic clock reading.
func (e *keyEncoder) encodeMarshaled(v reflect.Value) (bool, error) {
	if m, ok := implementing(v, jsonMarshalerType); ok {
		b, err := m.Interface().(json.Marshaler).MarshalJSON()
		if err != nil {
			return true, &KeyMaterialError{Err: fmt.Errorf("%s: %w", typeName(v.Type()), err)}
		}
		return true, e.writeBlock(tagJSON, typeName(v.Type()), b)
	}
	if m, ok := implementing(v, textMarshalerType); ok {
		b, err := m.Interface().(encoding.TextMarshaler).MarshalText()
		if err != nil {
			return true, &KeyMaterialError{Err: fmt.Errorf("%s: %w", typeName(v.Type()), err)}
		}
		return true, e.writeBlock(tagText, typeName(v.Type()), b)
	}
	return false, nil
}

// implementing returns the value to call iface's method on, trying the value
// itself first and its address second.
func implementing(v reflect.Value, iface reflect.Type) (reflect.Value, bool) {
	if v.Type().Implements(iface) {
		return v, true
	}
	if v.CanAddr() && reflect.PointerTo(v.Type()).Implements(iface) {
		return v.Addr(), true
	}
	return reflect.Value{}, false
}

// encodeSeq writes slice or array elements in order.
func (e *keyEncoder) encodeSeq(tag byte, v reflect.Value) error {
	if err := e.writeTag(tag); err != nil {
		return err
	}
	if err := e.writeUint64(uint64(v.Len())); err != nil {
		return err
	}
	for i := 0; i < v.Len(); i++ {
		if err := e.encode(v.Index(i)); err != nil {
			return err
		}
	}
	return nil
}

// encodeMap writes map entries ordered by the canonical form of their keys.
func (e *keyEncoder) encodeMap(v reflect.Value) error {
	if err := e.writeTag(tagMap); err != nil {
		return err
	}
	if err := e.writeUint64(uint64(v.Len())); err != nil {
		return err
	}

	type mapKey struct {
		form []byte
		key  reflect.Value
	}
	keys := make([]mapKey, 0, v.Len())
	for _, k := range v.MapKeys() {
		var buf bytes.Buffer
		sub := &keyEncoder{w: &buf, active: e.active}
		if err := sub.encode(k); err != nil {
			return err
		}
		keys = append(keys, mapKey{form: buf.Bytes(), key: k})
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i].form, keys[j].form) < 0
	})

	for _, k := range keys {
		if err := e.writeRaw(k.form); err != nil {
			return err
		}
		if err := e.encode(v.MapIndex(k.key)); err != nil {
			return err
		}
	}
	return nil
}

// encodeStruct writes exported fields in declaration order.
func (e *keyEncoder) encodeStruct(v reflect.Value) error {
	t := v.Type()
	fields := make([]reflect.StructField, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if f := t.Field(i); f.IsExported() {
			fields = append(fields, f)
		}
	}

	if err := e.writeTag(tagStruct); err != nil {
		return err
	}
	if err := e.writeUint64(uint64(len(fields))); err != nil {
		return err
	}
	for _, f := range fields {
		if err := e.writeString(tagString, f.Name); err != nil {
			return err
		}
		if err := e.encode(v.FieldByIndex(f.Index)); err != nil {
			return err
		}
	}
	return nil
}

// withActive runs fn with ptr marked as being encoded. Shared substructure
// is fine; re-entering a pointer on the same path is a cycle and cannot be
// canonicalized.
func (e *keyEncoder) withActive(ptr uintptr, fn func() error) error {
	if e.active == nil {
		e.active = make(map[uintptr]struct{})
	}
	if _, ok := e.active[ptr]; ok {
		return &KeyMaterialError{Err: errors.New("key material contains a cycle")}
	}
	e.active[ptr] = struct{}{}
	defer delete(e.active, ptr)
	return fn()
}

func (e *keyEncoder) writeTag(tag byte) error {
	return e.writeRaw([]byte{tag})
}

func (e *keyEncoder) writeUint64(u uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], u)
	return e.writeRaw(b[:])
}

func (e *keyEncoder) writeBytes(tag byte, p []byte) error {
	if err := e.writeTag(tag); err != nil {
		return err
	}
	if err := e.writeUint64(uint64(len(p))); err != nil {
		return err
	}
	return e.writeRaw(p)
}

func (e *keyEncoder) writeString(tag byte, s string) error {
	return e.writeBytes(tag, []byte(s))
}

// writeBlock writes a marshaled payload with its type discriminator.
func (e *keyEncoder) writeBlock(tag byte, typ string, payload []byte) error {
	if err := e.writeString(tag, typ); err != nil {
		return err
	}
	return e.writeBytes(tagBytes, payload)
}

func (e *keyEncoder) writeRaw(p []byte) error {
	if _, err := e.w.Write(p); err != nil {
		return fmt.Errorf("failed to write key material: %w", err)
	}
	return nil
}

// typeName returns the fully qualified name for defined types and the type
// string for predeclared or composite ones.
func typeName(t reflect.Type) string {
	if t.Name() != "" && t.PkgPath() != "" {
		return t.PkgPath() + "." + t.Name()
	}
	return t.String()
}

// floatBits returns the IEEE 754 bit pattern used in canonical encodings.
func floatBits(f float64) uint64 {
	return math.Float64bits(f)
}
