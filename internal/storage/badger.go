package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"wexplore/internal/model"
)

const (
	runKeyPrefix   = "run/"
	cycleKeyPrefix = "cycle/"
)

type BadgerConfig struct {
	// Path is the database directory. Empty opens an in-memory database.
	Path       string
	SyncWrites bool
	Logger     *slog.Logger
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore keeps runs under run/<id> and cycles under
// cycle/<id>/<zero-padded cycle>, so a prefix scan yields cycles in order.
type BadgerStore struct {
	cfg BadgerConfig

	mu sync.RWMutex
	db *badger.DB
}

func NewBadgerStore(cfg BadgerConfig) *BadgerStore {
	return &BadgerStore{cfg: cfg}
}

func (s *BadgerStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}
	var opts badger.Options
	if s.cfg.Path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(s.cfg.Path, 0o750); err != nil {
			return fmt.Errorf("create badger dir %s: %w", s.cfg.Path, err)
		}
		opts = badger.DefaultOptions(s.cfg.Path).WithSyncWrites(s.cfg.SyncWrites)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if s.cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: s.cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return fmt.Errorf("open badger: %w", err)
	}
	s.db = db
	return nil
}

func runKey(runID string) []byte { return []byte(runKeyPrefix + runID) }

func cycleKey(runID string, cycle int) []byte {
	// offset keeps the construction cycle (-1) sortable
	return []byte(fmt.Sprintf("%s%s/%012d", cycleKeyPrefix, runID, int64(cycle)+1))
}

func (s *BadgerStore) put(key, value []byte) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *BadgerStore) get(key []byte) ([]byte, bool, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, false, err
	}
	var payload []byte
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		payload, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (s *BadgerStore) scan(prefix []byte) ([][]byte, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0)
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, value)
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) SaveRun(_ context.Context, run model.RunRecord) error {
	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}
	return s.put(runKey(run.RunID), payload)
}

func (s *BadgerStore) GetRun(_ context.Context, runID string) (model.RunRecord, bool, error) {
	payload, ok, err := s.get(runKey(runID))
	if err != nil || !ok {
		return model.RunRecord{}, false, err
	}
	run, err := DecodeRun(payload)
	if err != nil {
		return model.RunRecord{}, false, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return run, true, nil
}

func (s *BadgerStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	payloads, err := s.scan([]byte(runKeyPrefix))
	if err != nil {
		return nil, err
	}
	runs := make([]model.RunRecord, 0, len(payloads))
	for _, payload := range payloads {
		run, err := DecodeRun(payload)
		if err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		runs = append(runs, run)
	}
	sortRuns(runs)
	return runs, nil
}

func (s *BadgerStore) SaveCycle(_ context.Context, record model.CycleRecord) error {
	payload, err := EncodeCycle(record)
	if err != nil {
		return err
	}
	return s.put(cycleKey(record.RunID, record.Cycle), payload)
}

func (s *BadgerStore) GetCycle(_ context.Context, runID string, cycle int) (model.CycleRecord, bool, error) {
	payload, ok, err := s.get(cycleKey(runID, cycle))
	if err != nil || !ok {
		return model.CycleRecord{}, false, err
	}
	record, err := DecodeCycle(payload)
	if err != nil {
		return model.CycleRecord{}, false, fmt.Errorf("decode cycle %s/%d: %w", runID, cycle, err)
	}
	return record, true, nil
}

func (s *BadgerStore) ListCycles(_ context.Context, runID string) ([]model.CycleRecord, error) {
	payloads, err := s.scan([]byte(cycleKeyPrefix + runID + "/"))
	if err != nil {
		return nil, err
	}
	out := make([]model.CycleRecord, 0, len(payloads))
	for _, payload := range payloads {
		record, err := DecodeCycle(payload)
		if err != nil {
			return nil, fmt.Errorf("decode cycle %s: %w", runID, err)
		}
		out = append(out, record)
	}
	return out, nil
}

func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *BadgerStore) getDB() (*badger.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrNotInitialized
	}
	return s.db, nil
}
