// Copyright 2025 Certen Protocol

package kvstore

import (
	"context"
	"encoding/json"
	"fmt"

	cmtlog "github.com/cometbft/cometbft/libs/log"

	"github.com/dagchain/corenode/pkg/dag"
	"github.com/dagchain/corenode/pkg/storage"
)

// journalPayload is the serialized form of one atomic KV mutation set, as
// written into storage.JournalRepository.Append alongside the relational
// writes it accompanies.
type journalPayload struct {
	Sets              []dag.StateVar  `json:"sets"`
	Deletes           []JournalDelete `json:"deletes,omitempty"`
	MinRetrievableMCI *uint64         `json:"min_retrievable_mci,omitempty"`
}

// JournalDelete names one state variable to remove when a journal entry
// is applied or replayed.
type JournalDelete struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// EncodeJournalPayload serializes a mutation set for JournalRepository.Append.
func EncodeJournalPayload(sets []dag.StateVar, deletes []JournalDelete, minRetrievableMCI *uint64) ([]byte, error) {
	return json.Marshal(journalPayload{Sets: sets, Deletes: deletes, MinRetrievableMCI: minRetrievableMCI})
}

// Replayer implements the startup half of the atomicity contract: any
// journal row left unapplied by a process killed between the relational
// commit and the KV batch_write is replayed here before the node accepts
// new units, so "on restart the relational and key-value stores agree on
// every (unit, aa_address, var_name, balance) quadruple" holds.
type Replayer struct {
	journal *storage.JournalRepository
	state   *StateStore
	logger  cmtlog.Logger
}

func NewReplayer(journal *storage.JournalRepository, state *StateStore, logger cmtlog.Logger) *Replayer {
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	return &Replayer{journal: journal, state: state, logger: logger}
}

// Run applies every unapplied journal entry, oldest first, then marks each
// applied. It is idempotent: replaying an already-applied KV mutation is a
// no-op overwrite, so a crash mid-replay simply resumes from the next call.
func (r *Replayer) Run(ctx context.Context) (int, error) {
	entries, err := r.journal.Unapplied(ctx)
	if err != nil {
		return 0, fmt.Errorf("kvstore: replayer load unapplied: %w", err)
	}

	for _, e := range entries {
		var p journalPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return 0, fmt.Errorf("kvstore: replayer decode entry %d: %w", e.ID, err)
		}

		batch := r.state.NewMutationBatch()
		for i := range p.Sets {
			if err := batch.Set(&p.Sets[i]); err != nil {
				return 0, fmt.Errorf("kvstore: replayer set entry %d: %w", e.ID, err)
			}
		}
		for _, d := range p.Deletes {
			if err := batch.Delete(d.Address, d.Name); err != nil {
				return 0, fmt.Errorf("kvstore: replayer delete entry %d: %w", e.ID, err)
			}
		}
		if err := batch.Commit(); err != nil {
			return 0, fmt.Errorf("kvstore: replayer commit entry %d: %w", e.ID, err)
		}
		if p.MinRetrievableMCI != nil {
			if err := r.state.SetMinRetrievableMCI(*p.MinRetrievableMCI); err != nil {
				return 0, fmt.Errorf("kvstore: replayer watermark entry %d: %w", e.ID, err)
			}
		}

		if err := r.journal.MarkApplied(ctx, e.ID); err != nil {
			return 0, fmt.Errorf("kvstore: replayer mark applied entry %d: %w", e.ID, err)
		}
		r.logger.Info("replayed journal entry", "id", e.ID)
	}

	return len(entries), nil
}
