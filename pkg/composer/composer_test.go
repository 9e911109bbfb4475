// Copyright 2025 Certen Protocol
//
// Integration tests against a real Postgres instance, following the same
// env-var-gated TestMain shape used elsewhere in this module for
// DB-backed repository tests: set CORENODE_TEST_DB to a connection
// string to run them, otherwise they're skipped. Pure-function tests
// (substituteParams, triggerData, paymentMessages, nesting depth) run
// unconditionally below.
package composer

import (
	"context"
	"os"
	"testing"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/cometbft/cometbft/libs/log"

	"github.com/dagchain/corenode/pkg/cache"
	"github.com/dagchain/corenode/pkg/config"
	"github.com/dagchain/corenode/pkg/dag"
	"github.com/dagchain/corenode/pkg/formula"
	"github.com/dagchain/corenode/pkg/graph"
	"github.com/dagchain/corenode/pkg/keymutex"
	"github.com/dagchain/corenode/pkg/kvstore"
	"github.com/dagchain/corenode/pkg/storage"
	"github.com/dagchain/corenode/pkg/writer"
)

func TestSubstituteParamsReplacesParamNodes(t *testing.T) {
	tree := []interface{}{
		"if",
		[]interface{}{">", []interface{}{"param", "threshold"}, float64(10)},
		map[string]interface{}{"then": []interface{}{"param", "recipient"}},
	}
	params := map[string]interface{}{"threshold": float64(42), "recipient": "ADDR123"}

	out := substituteParams(tree, params)
	list, ok := out.([]interface{})
	if !ok || len(list) != 3 {
		t.Fatalf("substituteParams: expected 3-element list, got %#v", out)
	}
	cond, ok := list[1].([]interface{})
	if !ok || cond[1] != float64(42) {
		t.Fatalf("substituteParams: threshold not substituted: %#v", list[1])
	}
	then, ok := list[2].(map[string]interface{})
	if !ok || then["then"] != "ADDR123" {
		t.Fatalf("substituteParams: recipient not substituted: %#v", list[2])
	}
}

func TestSubstituteParamsLeavesUnknownParamNil(t *testing.T) {
	tree := []interface{}{"param", "missing"}
	out := substituteParams(tree, map[string]interface{}{})
	if out != nil {
		t.Fatalf("substituteParams: expected nil for unset param, got %#v", out)
	}
}

func TestTriggerDataReturnsFirstDataMessagePayload(t *testing.T) {
	u := &dag.Unit{
		Messages: []dag.Message{
			{App: dag.AppPayment},
			{App: dag.AppData, Payload: map[string]interface{}{"hello": "world"}},
			{App: dag.AppData, Payload: "second, never reached"},
		},
	}
	got := triggerData(u)
	m, ok := got.(map[string]interface{})
	if !ok || m["hello"] != "world" {
		t.Fatalf("triggerData: expected first data payload, got %#v", got)
	}
}

func TestTriggerDataNilWhenNoDataMessage(t *testing.T) {
	u := &dag.Unit{Messages: []dag.Message{{App: dag.AppPayment}}}
	if got := triggerData(u); got != nil {
		t.Fatalf("triggerData: expected nil, got %#v", got)
	}
}

func TestPaymentMessagesGroupsByAssetInSortedOrder(t *testing.T) {
	payments := []formula.Payment{
		{Asset: "USD", Address: "A", Amount: 5},
		{Asset: dag.BaseAsset, Address: "B", Amount: 10},
		{Asset: "USD", Address: "C", Amount: 3},
	}
	msgs := paymentMessages(payments)
	if len(msgs) != 2 {
		t.Fatalf("paymentMessages: expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Outputs[0].Asset != "USD" {
		t.Fatalf("paymentMessages: expected %q first, got %q", "USD", msgs[0].Outputs[0].Asset)
	}
	if len(msgs[0].Outputs) != 2 || msgs[0].Outputs[0].Address != "A" || msgs[0].Outputs[1].Address != "C" {
		t.Fatalf("paymentMessages: expected USD outputs in staged order, got %#v", msgs[0].Outputs)
	}
	if msgs[1].Outputs[0].Asset != dag.BaseAsset {
		t.Fatalf("paymentMessages: expected %q second, got %q", dag.BaseAsset, msgs[1].Outputs[0].Asset)
	}
}

func TestNestingDepthDefaultsToZero(t *testing.T) {
	if d := nestingDepth(context.Background()); d != 0 {
		t.Fatalf("nestingDepth: expected 0 for bare context, got %d", d)
	}
	ctx := withNestingDepth(context.Background(), 7)
	if d := nestingDepth(ctx); d != 7 {
		t.Fatalf("nestingDepth: expected 7, got %d", d)
	}
}

var testClient *storage.Client

func TestMain(m *testing.M) {
	connStr := os.Getenv("CORENODE_TEST_DB")
	if connStr == "" {
		os.Exit(m.Run())
	}

	var err error
	testClient, err = storage.NewClient(&config.Config{DatabaseURL: connStr, DatabaseMaxConns: 5, DatabaseMinConns: 1, DatabaseMaxIdleTime: 60, DatabaseMaxLifetime: 300})
	if err != nil {
		panic("composer: failed to connect to test database: " + err.Error())
	}
	if err := testClient.MigrateUp(context.Background()); err != nil {
		panic("composer: failed to migrate test database: " + err.Error())
	}

	code := m.Run()
	testClient.Close()
	os.Exit(code)
}

type storageLoader struct {
	repos *storage.Repositories
}

func (l *storageLoader) Get(ctx context.Context, unitHash string) (*dag.UnitProps, error) {
	return l.repos.Units.LoadUnitProps(ctx, unitHash)
}

func newTestComposer(t *testing.T) (*Composer, *storage.Repositories) {
	t.Helper()
	repos := storage.NewRepositories(testClient)
	g := graph.New(&storageLoader{repos: repos})
	c := cache.New(repos.Units, 100)
	adapter, err := kvstore.NewAdapter(dbm.MemDBBackend, "composer_test", t.TempDir())
	if err != nil {
		t.Fatalf("kvstore.NewAdapter: %v", err)
	}
	t.Cleanup(func() { adapter.Close() })
	state := kvstore.NewStateStore(adapter)

	w := writer.New(testClient, repos, keymutex.NewLocks(), g, c, nil, nil, log.NewNopLogger())
	comp := New(testClient, repos, state, w, log.NewNopLogger())
	return comp, repos
}

// TestHandleTriggersNoopOnEmptyWakeup confirms HandleTriggers treats a
// nil/empty triggers argument as "nothing to do" without touching the
// database — it never needs to distinguish "woken with zero new triggers"
// from "not woken at all" since the authoritative queue is always reread
// before any real work happens.
func TestHandleTriggersNoopOnEmptyWakeup(t *testing.T) {
	if testClient == nil {
		t.Skip("CORENODE_TEST_DB not set")
	}
	comp, _ := newTestComposer(t)
	comp.HandleTriggers(context.Background(), nil)
}
