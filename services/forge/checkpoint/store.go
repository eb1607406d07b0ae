// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianForge/services/forge/agent"
)

const keyPrefix = "run/"

// ErrClosed indicates the store was used after Close.
var ErrClosed = errors.New("checkpoint store closed")

var _ agent.Checkpointer = (*Store)(nil)

// Summary is the listing view of a snapshot.
type Summary struct {
	RunID       string      `json:"run_id"`
	ProjectName string      `json:"project_name"`
	Description string      `json:"description"`
	NextStage   agent.Stage `json:"next_stage"`
	StepsDone   int         `json:"steps_done"`
	StepsTotal  int         `json:"steps_total"`
	Finished    bool        `json:"finished"`
	Error       string      `json:"error,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Store implements agent.Checkpointer on BadgerDB.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Store struct {
	db *badger.DB
	gc *gcRunner

	mu     sync.RWMutex
	closed bool
}

// Open opens a checkpoint store.
//
// Inputs:
//
//	cfg - Database configuration. Path is required unless InMemory is set.
//
// Outputs:
//
//	*Store - The store. Call Close when done.
//	error - Non-nil if the database cannot be opened.
func Open(cfg Config) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gc = startGC(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
	}
	return s, nil
}

// Close stops GC and closes the database. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.gc != nil {
		s.gc.stop()
	}
	return s.db.Close()
}

func runKey(runID string) []byte {
	return []byte(keyPrefix + runID)
}

// guard checks ctx and the closed flag and holds the read lock on success.
func (s *Store) guard(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrClosed
	}
	return s.mu.RUnlock, nil
}

// Save writes snap under run/<RunID>, replacing any earlier snapshot.
func (s *Store) Save(ctx context.Context, snap *agent.Snapshot) error {
	if snap == nil || snap.RunID == "" {
		return errors.New("snapshot requires a run ID")
	}
	release, err := s.guard(ctx)
	if err != nil {
		return err
	}
	defer release()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.RunID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(runKey(snap.RunID), data)
	})
}

// Load returns the snapshot for runID.
//
// Outputs:
//
//	*agent.Snapshot - The latest snapshot
//	error - Wraps agent.ErrCheckpointNotFound for unknown runs
func (s *Store) Load(ctx context.Context, runID string) (*agent.Snapshot, error) {
	release, err := s.guard(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var snap agent.Snapshot
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(runID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", agent.ErrCheckpointNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", runID, err)
	}
	return &snap, nil
}

// List returns summaries of every stored run, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	release, err := s.guard(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var out []Summary
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var snap agent.Snapshot
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			out = append(out, summarize(&snap))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// Delete removes the snapshot for runID. Unknown runs are not an error.
func (s *Store) Delete(ctx context.Context, runID string) error {
	release, err := s.guard(ctx)
	if err != nil {
		return err
	}
	defer release()

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(runKey(runID))
	})
}

func summarize(snap *agent.Snapshot) Summary {
	sum := Summary{
		RunID:     snap.RunID,
		NextStage: snap.NextStage,
		Finished:  snap.IsFinished(),
		Error:     snap.Error,
		UpdatedAt: snap.UpdatedAt,
	}
	if st := snap.State; st != nil {
		sum.ProjectName = st.ProjectName
		sum.Description = firstLine(st.SoftwareDescription, 80)
		sum.StepsDone = len(st.StepsDone)
		sum.StepsTotal = len(st.PlanSteps)
	}
	return sum
}

func firstLine(s string, limit int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if r := []rune(s); len(r) > limit {
		return string(r[:limit-3]) + "..."
	}
	return s
}
