// Copyright 2025 Certen Protocol

package formula

import (
	"crypto/sha1" //nolint:gosec // sha1() is a formula operator the language exposes to scripts, not a security-sensitive use in this package
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	"github.com/dagchain/corenode/pkg/canon"
)

func hashSHA256(v Value) (Value, error) {
	b := []byte(v.AsString())
	if err := checkHashInputLength(b); err != nil {
		return Value{}, err
	}
	sum := sha256.Sum256(b)
	return String(hex.EncodeToString(sum[:])), nil
}

func hashSHA1(v Value) (Value, error) {
	b := []byte(v.AsString())
	if err := checkHashInputLength(b); err != nil {
		return Value{}, err
	}
	sum := sha1.Sum(b) //nolint:gosec
	return String(hex.EncodeToString(sum[:])), nil
}

// hashChash160 delegates to pkg/canon.Chash160, the same checksummed
// content-hash the wire protocol uses to turn an address definition into
// its address — the formula operator chash160(x) is that same scheme
// applied to an arbitrary formula value.
func hashChash160(v Value) (Value, error) {
	if err := checkHashInputLength([]byte(v.AsString())); err != nil {
		return Value{}, err
	}
	var input interface{} = v.AsString()
	if v.Kind == KindObject {
		input = v.Obj
	}
	h, err := canon.Chash160(input)
	if err != nil {
		return Value{}, err
	}
	return String(h), nil
}

func encodeBase32(v Value) (Value, error) {
	b := []byte(v.AsString())
	if err := checkHashInputLength(b); err != nil {
		return Value{}, err
	}
	return String(canon.EncodeBase32(b)), nil
}

func encodeBase64(v Value) (Value, error) {
	b := []byte(v.AsString())
	if err := checkHashInputLength(b); err != nil {
		return Value{}, err
	}
	return String(base64.StdEncoding.EncodeToString(b)), nil
}

func encodeHex(v Value) (Value, error) {
	b := []byte(v.AsString())
	if err := checkHashInputLength(b); err != nil {
		return Value{}, err
	}
	return String(hex.EncodeToString(b)), nil
}
