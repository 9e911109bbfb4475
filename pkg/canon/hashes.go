package canon

import (
	"crypto/sha256"
	"sort"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // ripemd160 is required by the chash160 address scheme, not a choice of convenience
)

// UnitForHashing is the minimal field projection unit_hash is computed
// over: every field that participates in the unit's identity, in the
// exact shape the wire protocol signs. Building this projection (rather
// than hashing dag.Unit directly) keeps I1 ("unit_hash is a pure function
// of canonically encoded content") independent of Go struct layout.
type UnitForHashing struct {
	Version           string
	AltChainID        string
	ParentUnits       []string
	LastBall          string
	LastBallUnit      string
	WitnessListUnit   string
	HeadersCommission uint64
	PayloadCommission uint64
	Authors           []interface{}
	Messages          []interface{}
	Timestamp         int64
}

func (u UnitForHashing) toMap() map[string]interface{} {
	m := map[string]interface{}{
		"version":            u.Version,
		"parent_units":       toInterfaceSlice(u.ParentUnits),
		"headers_commission": u.HeadersCommission,
		"payload_commission": u.PayloadCommission,
		"authors":            u.Authors,
		"messages":           u.Messages,
		"timestamp":          u.Timestamp,
	}
	if u.AltChainID != "" {
		m["alt"] = u.AltChainID
	}
	if u.LastBall != "" {
		m["last_ball"] = u.LastBall
		m["last_ball_unit"] = u.LastBallUnit
	}
	if u.WitnessListUnit != "" {
		m["witness_list_unit"] = u.WitnessListUnit
	}
	return m
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// UnitHash computes the spec §3/§4.1 unit hash: sha256 over the
// canonical-bytes encoding of the unit's content fields, hex-encoded.
// Parents are hashed in the order given by the caller — the validator is
// responsible for enforcing parent-order canonicality separately from
// hashing, matching §4.5 step 1's "uniqueness of parents" structural
// check rather than silently re-sorting here.
func UnitHash(u UnitForHashing) (string, error) {
	return HashHex256(u.toMap(), Options{})
}

// BallHash computes ball_hash = H(unit, sorted(parent_balls),
// sorted(skiplist_balls), is_nonserial) per spec §3.
func BallHash(unitHash string, parentBalls, skiplistBalls []string, isNonserial bool) (string, error) {
	pb := append([]string(nil), parentBalls...)
	sort.Strings(pb)
	sl := append([]string(nil), skiplistBalls...)
	sort.Strings(sl)

	m := map[string]interface{}{
		"unit":         unitHash,
		"parent_balls": toInterfaceSlice(pb),
	}
	if len(sl) > 0 {
		m["skiplist_balls"] = toInterfaceSlice(sl)
	}
	if isNonserial {
		m["is_nonserial"] = true
	}
	return HashHex256(m, Options{AllowEmpty: true})
}

// Chash160 computes the 160-bit content hash of an address definition:
// truncated-checksum base32 over ripemd160(sha256(canonical bytes)),
// following the same "hash then shorten for a human-typeable address"
// shape as Bitcoin/Ethereum-style chashes used throughout the example
// pack (btcutil, go-ethereum/common). ripemd160 has no substitute in the
// sha2/sha3 family — it is kept on because the wire format's address
// length (160 bits) is fixed by the spec's chash scheme, not chosen here.
func Chash160(definition interface{}) (string, error) {
	b, err := CanonicalBytes(definition, Options{})
	if err != nil {
		return "", err
	}
	sh := sha256.Sum256(b)
	r := ripemd160.New()
	_, _ = r.Write(sh[:])
	full := r.Sum(nil)
	return EncodeBase32(appendChecksum(full)), nil
}

// appendChecksum appends a 4-byte checksum (first 4 bytes of a second
// sha256 pass) so a mistyped address is detectable, mirroring the
// checksummed-address convention the pack's wallet/coinjoin examples use.
func appendChecksum(payload []byte) []byte {
	cs := sha256.Sum256(payload)
	return append(append([]byte{}, payload...), cs[:4]...)
}
