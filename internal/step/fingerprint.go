package step

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"math"
	"sort"
	"strconv"
)

// Fingerprint is the deterministic identity of a step.
type Fingerprint string

// String returns the full hex digest.
func (f Fingerprint) String() string { return string(f) }

// Short returns a 12 character prefix suitable for paths and log lines.
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}

// maxExactInt is the largest integer a float64 represents exactly.
const maxExactInt = 1 << 53

// Compute hashes (kind, params, inputs) into a Fingerprint.
//
// Every field is length-prefixed. Parameter maps are walked in sorted key
// order, Set values are sorted before hashing, and non-integral floats are
// rendered with 12 significant digits. Input order is preserved.
func Compute(kind Kind, params map[string]any, inputs []Input) (Fingerprint, error) {
	enc := newEncoder()
	enc.field("kind")
	enc.field(string(kind))

	enc.field("params")
	if err := enc.value(params); err != nil {
		return "", fmt.Errorf("fingerprint %s params: %w", kind, err)
	}

	enc.field("inputs")
	enc.field(strconv.Itoa(len(inputs)))
	for _, in := range inputs {
		enc.field(in.Slot)
		switch {
		case in.IsUpstream():
			enc.field("u")
			enc.field(string(in.Upstream))
		case in.External != nil:
			enc.field("x")
			enc.field(in.External.Path)
			enc.field(in.External.Revision)
		default:
			return "", fmt.Errorf("fingerprint %s: input slot %q has no source", kind, in.Slot)
		}
	}

	return Fingerprint(hex.EncodeToString(enc.h.Sum(nil))), nil
}

// CanonicalFloat renders f in the fixed textual form used for hashing:
// integral values as integers, anything else in exponent form with 12
// significant digits.
func CanonicalFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("non-finite float %v", f)
	}
	if f == math.Trunc(f) && math.Abs(f) <= maxExactInt {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return strconv.FormatFloat(f, 'e', 11, 64), nil
}

type encoder struct {
	h   hash.Hash
	buf [8]byte
}

func newEncoder() *encoder {
	return &encoder{h: sha256.New()}
}

func (e *encoder) field(s string) {
	binary.BigEndian.PutUint64(e.buf[:], uint64(len(s)))
	e.h.Write(e.buf[:])
	e.h.Write([]byte(s))
}

func (e *encoder) tagged(tag, s string) {
	e.field(tag)
	e.field(s)
}

func (e *encoder) value(v any) error {
	switch val := v.(type) {
	case nil:
		e.field("n")
	case string:
		e.tagged("s", val)
	case bool:
		e.tagged("b", strconv.FormatBool(val))
	case int:
		e.tagged("i", strconv.FormatInt(int64(val), 10))
	case int8:
		e.tagged("i", strconv.FormatInt(int64(val), 10))
	case int16:
		e.tagged("i", strconv.FormatInt(int64(val), 10))
	case int32:
		e.tagged("i", strconv.FormatInt(int64(val), 10))
	case int64:
		e.tagged("i", strconv.FormatInt(val, 10))
	case uint:
		e.tagged("i", strconv.FormatUint(uint64(val), 10))
	case uint8:
		e.tagged("i", strconv.FormatUint(uint64(val), 10))
	case uint16:
		e.tagged("i", strconv.FormatUint(uint64(val), 10))
	case uint32:
		e.tagged("i", strconv.FormatUint(uint64(val), 10))
	case uint64:
		e.tagged("i", strconv.FormatUint(val, 10))
	case float32:
		return e.float(float64(val))
	case float64:
		return e.float(val)
	case Set:
		members := val.Canonical()
		e.tagged("S", strconv.Itoa(len(members)))
		for _, m := range members {
			e.field(m)
		}
	case []string:
		e.tagged("l", strconv.Itoa(len(val)))
		for _, item := range val {
			e.tagged("s", item)
		}
	case []float64:
		e.tagged("l", strconv.Itoa(len(val)))
		for _, item := range val {
			if err := e.float(item); err != nil {
				return err
			}
		}
	case []int:
		e.tagged("l", strconv.Itoa(len(val)))
		for _, item := range val {
			e.tagged("i", strconv.Itoa(item))
		}
	case []any:
		e.tagged("l", strconv.Itoa(len(val)))
		for i, item := range val {
			if err := e.value(item); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
	case map[string]string:
		keys := sortedKeys(val)
		e.tagged("m", strconv.Itoa(len(keys)))
		for _, k := range keys {
			e.field(k)
			e.tagged("s", val[k])
		}
	case map[string]any:
		keys := sortedKeys(val)
		e.tagged("m", strconv.Itoa(len(keys)))
		for _, k := range keys {
			e.field(k)
			if err := e.value(val[k]); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
		}
	default:
		return fmt.Errorf("unsupported parameter type %T", v)
	}
	return nil
}

func (e *encoder) float(f float64) error {
	text, err := CanonicalFloat(f)
	if err != nil {
		return err
	}
	if f == math.Trunc(f) && math.Abs(f) <= maxExactInt {
		e.tagged("i", text)
		return nil
	}
	e.tagged("f", text)
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
