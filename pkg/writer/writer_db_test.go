// Copyright 2025 Certen Protocol
//
// Integration tests against a real Postgres instance, following the same
// env-var-gated TestMain shape used elsewhere in this module for
// DB-backed repository tests: set CORENODE_TEST_DB to a connection string
// to run them, otherwise they're skipped.
package writer

import (
	"context"
	"os"
	"testing"

	"github.com/dagchain/corenode/pkg/cache"
	"github.com/dagchain/corenode/pkg/config"
	"github.com/dagchain/corenode/pkg/dag"
	"github.com/dagchain/corenode/pkg/graph"
	"github.com/dagchain/corenode/pkg/keymutex"
	"github.com/dagchain/corenode/pkg/storage"
	"github.com/dagchain/corenode/pkg/validator"
)

var testClient *storage.Client

func TestMain(m *testing.M) {
	connStr := os.Getenv("CORENODE_TEST_DB")
	if connStr == "" {
		os.Exit(m.Run())
	}

	var err error
	testClient, err = storage.NewClient(&config.Config{DatabaseURL: connStr, DatabaseMaxConns: 5, DatabaseMinConns: 1, DatabaseMaxIdleTime: 60, DatabaseMaxLifetime: 300})
	if err != nil {
		panic("writer: failed to connect to test database: " + err.Error())
	}
	if err := testClient.MigrateUp(context.Background()); err != nil {
		panic("writer: failed to migrate test database: " + err.Error())
	}

	code := m.Run()
	testClient.Close()
	os.Exit(code)
}

func newTestWriter(t *testing.T) (*Writer, *storage.Repositories) {
	t.Helper()
	repos := storage.NewRepositories(testClient)
	g := graph.New(&storageLoader{repos: repos})
	c := cache.New(&storageLoader{repos: repos}, 100)
	w := New(testClient, repos, keymutex.NewLocks(), g, c, nil, nil, nil)
	return w, repos
}

// storageLoader adapts storage.UnitRepository.LoadUnitProps to both
// graph.Loader and cache.UnitLoader for these tests.
type storageLoader struct {
	repos *storage.Repositories
}

func (l *storageLoader) Get(ctx context.Context, unitHash string) (*dag.UnitProps, error) {
	return l.repos.Units.LoadUnitProps(ctx, unitHash)
}

func (l *storageLoader) LoadUnitProps(ctx context.Context, unitHash string) (*dag.UnitProps, error) {
	return l.repos.Units.LoadUnitProps(ctx, unitHash)
}

func cleanupUnit(t *testing.T, unitHash string) {
	t.Helper()
	db := testClient.DB()
	_, _ = db.Exec("DELETE FROM balls WHERE unit = $1", unitHash)
	_, _ = db.Exec("DELETE FROM unit_authors WHERE unit = $1", unitHash)
	_, _ = db.Exec("DELETE FROM units WHERE unit_hash = $1", unitHash)
}

// TestSaveJointGenesis exercises SaveJoint against a unit with no parents,
// the case PropagateMainChain special-cases to main_chain_index 0.
func TestSaveJointGenesis(t *testing.T) {
	if testClient == nil {
		t.Skip("CORENODE_TEST_DB not configured")
	}

	w, repos := newTestWriter(t)
	ctx := context.Background()

	genesisHash := "GENESIS_TEST_UNIT_0001"
	defer cleanupUnit(t, genesisHash)

	unit := &dag.Unit{
		UnitHash:    genesisHash,
		Version:     "1.0",
		ParentUnits: nil,
		Timestamp:   1700000000,
		Authors: []dag.Author{
			{Address: "GENESIS_ADDRESS_000000000000000000000000"},
		},
	}

	vr := &validator.Result{Unit: unit}

	result, err := w.SaveJoint(ctx, vr)
	if err != nil {
		t.Fatalf("SaveJoint: %v", err)
	}
	if result.Unit.UnitHash != genesisHash {
		t.Fatalf("unexpected unit in result: %+v", result.Unit)
	}

	stored, err := repos.Units.GetByHash(ctx, genesisHash)
	if err != nil {
		t.Fatalf("GetByHash: %v", err)
	}
	if stored.MainChainIndex == nil || *stored.MainChainIndex != 0 {
		t.Fatalf("expected genesis main_chain_index 0, got %v", stored.MainChainIndex)
	}
	if !stored.IsOnMainChain {
		t.Fatalf("expected genesis to be on the main chain")
	}
}

// TestSaveJointRollsBackOnDuplicate confirms a second SaveJoint for the
// same unit hash fails and leaves the cache without a dangling entry for
// the failed attempt's speculative Put.
func TestSaveJointRollsBackOnDuplicate(t *testing.T) {
	if testClient == nil {
		t.Skip("CORENODE_TEST_DB not configured")
	}

	w, _ := newTestWriter(t)
	ctx := context.Background()

	unitHash := "GENESIS_TEST_UNIT_0002"
	defer cleanupUnit(t, unitHash)

	unit := &dag.Unit{
		UnitHash:    unitHash,
		Version:     "1.0",
		ParentUnits: nil,
		Timestamp:   1700000001,
		Authors: []dag.Author{
			{Address: "GENESIS_ADDRESS_000000000000000000000001"},
		},
	}
	vr := &validator.Result{Unit: unit}

	if _, err := w.SaveJoint(ctx, vr); err != nil {
		t.Fatalf("first SaveJoint: %v", err)
	}

	if _, err := w.SaveJoint(ctx, vr); err == nil {
		t.Fatalf("expected second SaveJoint of the same unit hash to fail")
	}

	if _, err := w.cacheGet(ctx, unitHash); err != nil {
		t.Fatalf("cache lookup after failed duplicate save should still resolve via storage: %v", err)
	}
}

func (w *Writer) cacheGet(ctx context.Context, unitHash string) (*dag.UnitProps, error) {
	return w.cache.Get(ctx, unitHash)
}
