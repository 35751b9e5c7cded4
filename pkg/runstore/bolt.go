package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/moosh3/mindloom/pkg/types"
)

var bucketRuns = []byte("runs")

// BoltStore persists runs in a local bbolt database. The database file is
// locked by the owning process, so this driver suits single-process
// deployments and tests; cluster workers need the postgres driver.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (creating if necessary) the run database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "mindloom.db")
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create runs bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) InsertPending(ctx context.Context, kind types.RunnableKind, runnableID string, inputVars map[string]any) (*types.Run, error) {
	run := &types.Run{
		RunnableKind:   kind,
		RunnableID:     runnableID,
		Status:         types.StatusPending,
		InputVariables: inputVars,
		SubmittedAt:    time.Now().UTC(),
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		for attempt := 0; attempt < 5; attempt++ {
			id := uuid.NewString()
			if b.Get([]byte(id)) != nil {
				continue
			}
			run.ID = id
			data, err := json.Marshal(run)
			if err != nil {
				return fmt.Errorf("failed to marshal run: %w", err)
			}
			return b.Put([]byte(id), data)
		}
		return fmt.Errorf("failed to allocate a unique run id")
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *BoltStore) Transition(ctx context.Context, id string, expected, next types.Status, patch Patch) (bool, error) {
	if !expected.CanTransitionTo(next) {
		return false, fmt.Errorf("%s -> %s: %w", expected, next, types.ErrInvalidTransition)
	}

	swapped := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data := b.Get([]byte(id))
		if data == nil {
			return types.ErrNotFound
		}

		var run types.Run
		if err := json.Unmarshal(data, &run); err != nil {
			return fmt.Errorf("failed to unmarshal run %s: %w", id, err)
		}
		if run.Status != expected {
			return nil
		}

		run.Status = next
		applyPatch(&run, patch)
		updated, err := json.Marshal(&run)
		if err != nil {
			return fmt.Errorf("failed to marshal run %s: %w", id, err)
		}
		if err := b.Put([]byte(id), updated); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

func (s *BoltStore) Fetch(ctx context.Context, id string) (*types.Run, error) {
	var run *types.Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(id))
		if data == nil {
			return types.ErrNotFound
		}
		run = &types.Run{}
		return json.Unmarshal(data, run)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *BoltStore) List(ctx context.Context, f Filter) ([]*types.Run, error) {
	var runs []*types.Run
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(_, data []byte) error {
			var run types.Run
			if err := json.Unmarshal(data, &run); err != nil {
				return fmt.Errorf("failed to unmarshal run: %w", err)
			}
			if f.RunnableID != "" && run.RunnableID != f.RunnableID {
				return nil
			}
			if f.Status != "" && run.Status != f.Status {
				return nil
			}
			runs = append(runs, &run)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].SubmittedAt.After(runs[j].SubmittedAt)
	})
	return runs, nil
}

func (s *BoltStore) ForEachActive(ctx context.Context, fn func(*types.Run) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(_, data []byte) error {
			var run types.Run
			if err := json.Unmarshal(data, &run); err != nil {
				return fmt.Errorf("failed to unmarshal run: %w", err)
			}
			if run.Status.IsTerminal() {
				return nil
			}
			return fn(&run)
		})
	})
}

func (s *BoltStore) CountByStatus(ctx context.Context) (map[types.Status]int, error) {
	counts := map[types.Status]int{
		types.StatusPending:   0,
		types.StatusRunning:   0,
		types.StatusCompleted: 0,
		types.StatusFailed:    0,
		types.StatusCancelled: 0,
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).ForEach(func(_, data []byte) error {
			var run types.Run
			if err := json.Unmarshal(data, &run); err != nil {
				return fmt.Errorf("failed to unmarshal run: %w", err)
			}
			counts[run.Status]++
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
