// Copyright 2025 Certen Protocol

package formula

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/dagchain/corenode/pkg/dag"
)

type fakeData struct {
	balances     map[string]decimal.Decimal
	feeds        map[string][]DataFeedCandidate
	attestations map[string]string
}

func newFakeData() *fakeData {
	return &fakeData{
		balances:     make(map[string]decimal.Decimal),
		feeds:        make(map[string][]DataFeedCandidate),
		attestations: make(map[string]string),
	}
}

func (f *fakeData) Balance(ctx context.Context, address, asset string) (Value, error) {
	return Decimal(f.balances[address+"/"+asset]), nil
}

func (f *fakeData) AssetMeta(ctx context.Context, asset string) (map[string]interface{}, bool, error) {
	if asset == dag.BaseAsset {
		return map[string]interface{}{"is_private": false}, true, nil
	}
	return nil, false, nil
}

func (f *fakeData) DataFeedCandidates(ctx context.Context, oracle, feedName string) ([]DataFeedCandidate, error) {
	return f.feeds[oracle+"/"+feedName], nil
}

func (f *fakeData) AttestationValue(ctx context.Context, attestor, address, field string) (string, bool, error) {
	v, ok := f.attestations[attestor+"/"+address+"/"+field]
	return v, ok, nil
}

type fakeState struct {
	vars map[string]Value
}

func (s *fakeState) Get(address, name string) (Value, bool, error) {
	v, ok := s.vars[address+"/"+name]
	return v, ok, nil
}

func newEnv() (*Env, *fakeData, *fakeState) {
	data := newFakeData()
	state := &fakeState{vars: make(map[string]Value)}
	env := NewEnv(Trigger{Address: "AA1", InitialAddress: "AA1", Unit: "U1", InitialUnit: "U1", Timestamp: 1700000000}, data, state, "AA1")
	return env, data, state
}

func dec(s string) interface{} { return []interface{}{"dec", s} }

func TestArithmetic(t *testing.T) {
	env, _, _ := newEnv()
	budget := NewBudget()

	v, err := Evaluate(context.Background(), env, budget, []interface{}{"+", dec("1.5"), dec("2.25")})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.Dec.String() != "3.75" {
		t.Fatalf("expected 3.75, got %s", v.Dec.String())
	}
}

func TestDivisionByZeroIsFatal(t *testing.T) {
	env, _, _ := newEnv()
	budget := NewBudget()

	_, err := Evaluate(context.Background(), env, budget, []interface{}{"/", dec("1"), dec("0")})
	if !dag.IsKind(err, dag.KindFormulaFatal) {
		t.Fatalf("expected FormulaFatal, got %v", err)
	}
}

func TestComplexityBudgetExhaustion(t *testing.T) {
	env, _, _ := newEnv()
	budget := NewBudget()

	// A flat concat of dag.MaxComplexity "not" nodes stays far below the
	// nesting limit; each node visit charges the budget once, so the concat
	// plus its children make dag.MaxComplexity+1 visits and trip
	// MAX_COMPLEXITY deterministically.
	expr := []interface{}{"concat"}
	for i := 0; i < dag.MaxComplexity; i++ {
		expr = append(expr, []interface{}{"not", true})
	}

	_, err := Evaluate(context.Background(), env, budget, expr)
	if !dag.IsKind(err, dag.KindFormulaFatal) {
		t.Fatalf("expected a FormulaFatal from exhausting MAX_COMPLEXITY, got %v", err)
	}
}

// TestHashInputLengthBoundary covers B4: exactly MAX_HASH_INPUT_LENGTH is
// accepted, one byte more is a FormulaFatal.
func TestHashInputLengthBoundary(t *testing.T) {
	env, _, _ := newEnv()

	ok := strings.Repeat("a", dag.MaxHashInputLength)
	if _, err := Evaluate(context.Background(), env, NewBudget(), []interface{}{"sha256", ok}); err != nil {
		t.Fatalf("expected exactly-at-limit hash input to be accepted, got %v", err)
	}

	tooLong := strings.Repeat("a", dag.MaxHashInputLength+1)
	_, err := Evaluate(context.Background(), env, NewBudget(), []interface{}{"sha256", tooLong})
	if !dag.IsKind(err, dag.KindFormulaFatal) {
		t.Fatalf("expected FormulaFatal for an oversized hash input, got %v", err)
	}
}

func TestDataFeedTieBreakByUnitHashAscending(t *testing.T) {
	env, data, _ := newEnv()
	data.feeds["ORACLE1/price"] = []DataFeedCandidate{
		{Value: "100", UnitHash: "ZZZ", MCI: 5, Level: 3},
		{Value: "101", UnitHash: "AAA", MCI: 5, Level: 3},
		{Value: "99", UnitHash: "MMM", MCI: 4, Level: 9},
	}

	v, err := Evaluate(context.Background(), env, NewBudget(), []interface{}{"data_feed", "ORACLE1", "price"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	// Highest (mci, level) wins; among the two candidates tied at
	// (mci=5, level=3), the smaller unit_hash ("AAA") wins.
	if v.Str != "101" {
		t.Fatalf("expected tie-break to pick unit_hash AAA's value 101, got %s", v.Str)
	}
}

func TestInDataFeedFalseWhenAbsent(t *testing.T) {
	env, _, _ := newEnv()
	v, err := Evaluate(context.Background(), env, NewBudget(), []interface{}{"in_data_feed", "ORACLE1", "missing"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.IsTruthy() {
		t.Fatalf("expected in_data_feed to be false for an unposted feed")
	}
}

func TestStateSetOnceDoesNotOverwrite(t *testing.T) {
	env, _, state := newEnv()
	state.vars["AA1/counter"] = Decimal(decimal.NewFromInt(5))
	budget := NewBudget()

	_, err := ExecStatements(context.Background(), env, budget, []interface{}{
		[]interface{}{"state_set_once", "counter", dec("999")},
	})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if len(env.Changes()) != 0 {
		t.Fatalf("expected ||= to make no change when the variable already exists, got %+v", env.Changes())
	}
}

func TestStateAddAccumulatesOverPriorValue(t *testing.T) {
	env, _, state := newEnv()
	state.vars["AA1/counter"] = Decimal(decimal.NewFromInt(5))
	budget := NewBudget()

	_, err := ExecStatements(context.Background(), env, budget, []interface{}{
		[]interface{}{"state_add", "counter", dec("3")},
	})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	changes := env.Changes()
	if len(changes) != 1 || changes[0].Value.Dec.String() != "8" {
		t.Fatalf("expected counter to become 8, got %+v", changes)
	}
}

func TestStateVarValueLengthBoundary(t *testing.T) {
	env, _, _ := newEnv()
	budget := NewBudget()

	ok := strings.Repeat("a", dag.MaxStateVarValueLen)
	if err := execStateAssign(context.Background(), env, budget, "state_set", []interface{}{"s", ok}); err != nil {
		t.Fatalf("expected exactly-at-limit state var value to be accepted, got %v", err)
	}

	tooLong := strings.Repeat("a", dag.MaxStateVarValueLen+1)
	err := execStateAssign(context.Background(), env, budget, "state_set", []interface{}{"s", tooLong})
	if !dag.IsKind(err, dag.KindFormulaFatal) {
		t.Fatalf("expected FormulaFatal for an oversized state variable value, got %v", err)
	}
}

func TestBounceShortCircuitsRemainingStatements(t *testing.T) {
	env, _, _ := newEnv()
	budget := NewBudget()

	out, err := ExecStatements(context.Background(), env, budget, []interface{}{
		[]interface{}{"bounce", "insufficient funds"},
		[]interface{}{"state_set", "never", dec("1")},
	})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if !out.Bounced || out.BounceReason != "insufficient funds" {
		t.Fatalf("expected a bounce outcome, got %+v", out)
	}
	if len(env.Changes()) != 0 {
		t.Fatalf("expected the statement after bounce to never run, got %+v", env.Changes())
	}
}

func TestLocalVariableReadAfterWrite(t *testing.T) {
	env, _, _ := newEnv()
	budget := NewBudget()

	out, err := ExecStatements(context.Background(), env, budget, []interface{}{
		[]interface{}{"assign", "x", dec("10")},
		[]interface{}{"return", []interface{}{"+", []interface{}{"local", "x"}, dec("1")}},
	})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if !out.Returned || out.ReturnValue.Dec.String() != "11" {
		t.Fatalf("expected return value 11, got %+v", out)
	}
}

func TestSendAccumulatesPayments(t *testing.T) {
	env, _, _ := newEnv()
	budget := NewBudget()

	_, err := ExecStatements(context.Background(), env, budget, []interface{}{
		[]interface{}{"send", dag.BaseAsset, "ADDR1", dec("1000")},
		[]interface{}{"send", dag.BaseAsset, "ADDR2", dec("500")},
	})
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	payments := env.Payments()
	if len(payments) != 2 || payments[0].Amount != 1000 || payments[1].Address != "ADDR2" {
		t.Fatalf("unexpected payments: %+v", payments)
	}
}

func TestSendRejectsFractionalAmount(t *testing.T) {
	env, _, _ := newEnv()
	budget := NewBudget()

	_, err := ExecStatements(context.Background(), env, budget, []interface{}{
		[]interface{}{"send", dag.BaseAsset, "ADDR1", dec("1.5")},
	})
	if !dag.IsKind(err, dag.KindFormulaFatal) {
		t.Fatalf("expected FormulaFatal for a fractional send amount, got %v", err)
	}
}

func TestTriggerFieldAccess(t *testing.T) {
	env, _, _ := newEnv()
	env.Trigger.Outputs = map[string]uint64{dag.BaseAsset: 1000}

	v, err := Evaluate(context.Background(), env, NewBudget(), []interface{}{"trigger", "address"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if v.Str != "AA1" {
		t.Fatalf("expected trigger.address AA1, got %s", v.Str)
	}
}
