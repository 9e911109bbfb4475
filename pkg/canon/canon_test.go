package canon

import (
	"math"
	"testing"
)

func TestCanonicalBytes_SortsKeys(t *testing.T) {
	a, err := CanonicalBytes(map[string]interface{}{"b": 1.0, "a": 2.0}, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"a":2,"b":1}`
	if string(a) != want {
		t.Fatalf("got %s, want %s", a, want)
	}
}

func TestCanonicalBytes_Deterministic(t *testing.T) {
	v := map[string]interface{}{"z": 1.0, "m": []interface{}{1.0, 2.0}, "a": "hi"}
	first, err := CanonicalBytes(v, Options{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		got, err := CanonicalBytes(v, Options{})
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != string(first) {
			t.Fatalf("encoding not stable across repeated calls")
		}
	}
}

func TestCanonicalBytes_RejectsNaN(t *testing.T) {
	_, err := CanonicalBytes(map[string]interface{}{"x": math.NaN()}, Options{})
	if err != ErrNonFiniteNumber {
		t.Fatalf("expected ErrNonFiniteNumber, got %v", err)
	}
}

func TestCanonicalBytes_RejectsEmptyContainer(t *testing.T) {
	if _, err := CanonicalBytes(map[string]interface{}{}, Options{}); err != ErrEmptyContainer {
		t.Fatalf("expected ErrEmptyContainer for empty object, got %v", err)
	}
	if _, err := CanonicalBytes([]interface{}{}, Options{}); err != ErrEmptyContainer {
		t.Fatalf("expected ErrEmptyContainer for empty array, got %v", err)
	}
	if _, err := CanonicalBytes([]interface{}{}, Options{AllowEmpty: true}); err != nil {
		t.Fatalf("AllowEmpty should permit empty arrays, got %v", err)
	}
}

func TestCanonicalBytes_RejectsNull(t *testing.T) {
	if _, err := CanonicalBytes(nil, Options{}); err != ErrNullValue {
		t.Fatalf("expected ErrNullValue, got %v", err)
	}
}

func TestUnitHash_PureFunctionOfContent(t *testing.T) {
	u := UnitForHashing{
		Version:           "4.0",
		ParentUnits:       []string{"P1", "P2"},
		HeadersCommission: 344,
		PayloadCommission: 157,
		Authors:           []interface{}{map[string]interface{}{"address": "ADDR1"}},
		Messages:          []interface{}{map[string]interface{}{"app": "payment"}},
		Timestamp:         1000,
	}
	h1, err := UnitHash(u)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := UnitHash(u)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("unit hash not a pure function of content: %s != %s", h1, h2)
	}
	u.Timestamp = 1001
	h3, err := UnitHash(u)
	if err != nil {
		t.Fatal(err)
	}
	if h3 == h1 {
		t.Fatalf("unit hash did not change when content changed")
	}
}

func TestBallHash_SortsParentsAndSkiplist(t *testing.T) {
	h1, err := BallHash("U", []string{"B", "A"}, []string{"S2", "S1"}, false)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := BallHash("U", []string{"A", "B"}, []string{"S1", "S2"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatalf("ball hash must be order-independent over parent/skiplist balls")
	}
}

func TestChash160_Deterministic(t *testing.T) {
	def := []interface{}{"sig", map[string]interface{}{"pubkey": "AAAA"}}
	a1, err := Chash160(def)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := Chash160(def)
	if err != nil {
		t.Fatal(err)
	}
	if a1 != a2 {
		t.Fatalf("chash160 not deterministic")
	}
}
