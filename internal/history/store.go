// Package history journals every run in LevelDB so past tasks can be listed
// and inspected after the process exits.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/haricheung/qaml/internal/tools"
	"github.com/haricheung/qaml/internal/types"
)

// LevelDB key prefix scheme; "|" separates parts.
//
//	r|<id>                 → Run JSON  (primary record)
//	t|<started_at>|<id>    → nil       (time index, fixed-width UTC so keys sort by time)
const (
	prefixRun  = "r|"
	prefixTime = "t|"
)

// indexLayout keeps every fractional digit; RFC3339Nano trims trailing
// zeros and so does not sort lexically.
const indexLayout = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("history: run not found")

// Store is the LevelDB-backed run journal. LevelDB is single-writer: only one
// process may hold the database open.
type Store struct {
	db *leveldb.DB
}

// Open opens (or creates) the journal at dir.
func Open(dir string) (*Store, error) {
	dir = tools.ExpandHome(dir)
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("history: open %s (is another qaml process running?): %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Put writes run, replacing any earlier version with the same id.
//
// Expectations:
//   - Rejects a run without an id
//   - Keeps exactly one time-index entry per run even if StartedAt changes
func (s *Store) Put(run types.Run) error {
	if run.ID == "" {
		return errors.New("history: run has no id")
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("history: marshal run: %w", err)
	}

	batch := new(leveldb.Batch)
	if prev, err := s.Get(run.ID); err == nil && prev.StartedAt != run.StartedAt {
		batch.Delete([]byte(timeKey(prev.StartedAt, prev.ID)))
	}
	batch.Put([]byte(prefixRun+run.ID), data)
	batch.Put([]byte(timeKey(run.StartedAt, run.ID)), nil)
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("history: write run %s: %w", run.ID, err)
	}
	return nil
}

// Get returns the run with the given id.
func (s *Store) Get(id string) (types.Run, error) {
	data, err := s.db.Get([]byte(prefixRun+id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return types.Run{}, ErrNotFound
	}
	if err != nil {
		return types.Run{}, fmt.Errorf("history: read run %s: %w", id, err)
	}
	var run types.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return types.Run{}, fmt.Errorf("history: decode run %s: %w", id, err)
	}
	return run, nil
}

// List returns up to limit runs, newest first. limit <= 0 returns all.
func (s *Store) List(limit int) ([]types.Run, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefixTime)), nil)
	defer iter.Release()

	var runs []types.Run
	for ok := iter.Last(); ok; ok = iter.Prev() {
		id := idFromTimeKey(string(iter.Key()))
		if id == "" {
			continue
		}
		run, err := s.Get(id)
		if err != nil {
			continue
		}
		runs = append(runs, run)
		if limit > 0 && len(runs) >= limit {
			break
		}
	}
	return runs, iter.Error()
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// timeKey builds the index key of a run. A StartedAt that does not parse is
// used as is.
func timeKey(startedAt, id string) string {
	if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
		startedAt = t.UTC().Format(indexLayout)
	}
	return prefixTime + startedAt + "|" + id
}

func idFromTimeKey(key string) string {
	i := strings.LastIndex(key, "|")
	if i < len(prefixTime) {
		return ""
	}
	return key[i+1:]
}
