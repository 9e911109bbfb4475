// Copyright 2025 Certen Protocol
//
// Package canon implements the canonical encoding that every unit hash,
// ball hash, address chash, and signature in this module is computed
// over. It is adapted from the teacher's pkg/commitment.CanonicalizeJSON
// (sorted-key JSON, deterministic formatting), extended with the explicit
// failure modes spec §4.1 requires: commitment.CanonicalizeJSON there silently
// accepted NaN/empty containers; this encoder rejects them.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Failure modes, spec §4.1.
var (
	ErrNonFiniteNumber = errors.New("canon: non-finite number")
	ErrNullValue       = errors.New("canon: null value")
	ErrEmptyContainer  = errors.New("canon: empty object or array")
	ErrUnsupportedType = errors.New("canon: unsupported type")
)

// Options controls encoder leniency. The zero value is the strict mode
// that every hash/signature path must use.
type Options struct {
	AllowEmpty bool
}

// CanonicalBytes produces the deterministic UTF-8 byte sequence described
// in spec §4.1: object keys sorted lexicographically, numbers rendered as
// their shortest finite decimal, empty containers rejected unless
// AllowEmpty is set, nulls rejected outright.
func CanonicalBytes(v interface{}, opts Options) ([]byte, error) {
	norm, err := normalize(v, opts)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := encodeValue(&buf, norm); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalize walks an arbitrary decoded-JSON-shaped value (the output of
// encoding/json.Unmarshal into interface{}, or hand-built
// map[string]interface{}/[]interface{}/string/float64/bool/nil trees) and
// validates it against the failure modes above, producing an ordered
// representation encodeValue can stream deterministically.
func normalize(v interface{}, opts Options) (interface{}, error) {
	switch t := v.(type) {
	case nil:
		return nil, ErrNullValue
	case bool, string:
		return t, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, ErrNonFiniteNumber
		}
		return t, nil
	case int, int64, uint64:
		return t, nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedType, err)
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, ErrNonFiniteNumber
		}
		return t, nil
	case map[string]interface{}:
		if len(t) == 0 && !opts.AllowEmpty {
			return nil, ErrEmptyContainer
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := orderedObject{keys: keys, values: make(map[string]interface{}, len(t))}
		for _, k := range keys {
			nv, err := normalize(t[k], opts)
			if err != nil {
				return nil, err
			}
			out.values[k] = nv
		}
		return out, nil
	case []interface{}:
		if len(t) == 0 && !opts.AllowEmpty {
			return nil, ErrEmptyContainer
		}
		out := make([]interface{}, len(t))
		for i, e := range t {
			nv, err := normalize(e, opts)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

// orderedObject preserves the lexicographic key order computed in
// normalize so encodeValue never has to re-sort (and can't accidentally
// use map iteration order, which Go randomizes).
type orderedObject struct {
	keys   []string
	values map[string]interface{}
}

func encodeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		return ErrNullValue
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case string:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	case float64:
		buf.WriteString(shortestDecimal(t))
		return nil
	case int:
		buf.WriteString(strconv.Itoa(t))
		return nil
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
		return nil
	case uint64:
		buf.WriteString(strconv.FormatUint(t, 10))
		return nil
	case json.Number:
		buf.WriteString(t.String())
		return nil
	case orderedObject:
		buf.WriteByte('{')
		for i, k := range t.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeValue(buf, t.values[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

// shortestDecimal renders f as the shortest decimal string that
// round-trips to the same float64, matching spec §4.1's "shortest finite
// decimal" requirement. strconv's 'g' verb with precision -1 already
// implements the shortest round-tripping algorithm used by encoding/json.
func shortestDecimal(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Hash256 is plain SHA-256 over canonical bytes.
func Hash256(v interface{}, opts Options) ([32]byte, error) {
	b, err := CanonicalBytes(v, opts)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(b), nil
}

// HashHex256 is Hash256 rendered as lowercase hex.
func HashHex256(v interface{}, opts Options) (string, error) {
	h, err := Hash256(v, opts)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h[:]), nil
}

// base32NoPad is the Obyte-style base32 alphabet used for chash and unit
// hash text encoding: unpadded, uppercase.
var base32NoPad = base32.StdEncoding.WithPadding(base32.NoPadding)

// EncodeBase32 renders bytes using the unpadded base32 alphabet used for
// addresses and hash text forms throughout the wire protocol.
func EncodeBase32(b []byte) string {
	return base32NoPad.EncodeToString(b)
}
