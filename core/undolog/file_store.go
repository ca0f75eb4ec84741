package undolog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sushant-115/photobook/core/transaction"
	"github.com/sushant-115/photobook/core/txerrors"
)

const (
	logFilePrefix = "transaction_"
	logFileSuffix = ".json"
	archiveSubdir = "committed"
)

// FileStore keeps one JSON file per transaction in a directory. Files are
// replaced atomically (write temp, fsync, rename) so a crash leaves either
// the previous or the new version of a log, never a torn one.
type FileStore struct {
	dir        string
	archiveDir string
	logger     *zap.Logger

	mu    sync.Mutex
	locks map[transaction.TxnID]*sync.Mutex
}

// NewFileStore opens (creating if needed) an undo log directory.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	archiveDir := filepath.Join(dir, archiveSubdir)
	if err := os.MkdirAll(archiveDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create undo log directory %s: %w", dir, err)
	}
	return &FileStore{
		dir:        dir,
		archiveDir: archiveDir,
		logger:     logger.Named("undolog"),
		locks:      make(map[transaction.TxnID]*sync.Mutex),
	}, nil
}

// Dir returns the directory holding pending logs.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) Create(ctx context.Context, tid transaction.TxnID) error {
	path, err := s.path(tid)
	if err != nil {
		return err
	}
	unlock := s.lock(tid)
	defer unlock()

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("undo log for %s: %w", tid, txerrors.ErrTxnAlreadyExists)
	}
	l := &Log{TransactionID: tid, CreatedAt: time.Now().UTC(), Entries: []Entry{}}
	if err := s.write(path, l); err != nil {
		return err
	}
	s.logger.Debug("Undo log created", zap.String("txnID", string(tid)), zap.String("path", path))
	return nil
}

func (s *FileStore) Append(ctx context.Context, tid transaction.TxnID, entry Entry) error {
	path, err := s.path(tid)
	if err != nil {
		return err
	}
	unlock := s.lock(tid)
	defer unlock()

	l, err := s.read(path, tid)
	if err != nil {
		return err
	}
	l.Entries = append(l.Entries, entry)
	if err := s.write(path, l); err != nil {
		return err
	}
	s.logger.Debug("Undo entry appended",
		zap.String("txnID", string(tid)),
		zap.String("table", entry.Table),
		zap.Bool("insert", entry.IsInsert()),
		zap.Int("entries", len(l.Entries)),
	)
	return nil
}

func (s *FileStore) Read(ctx context.Context, tid transaction.TxnID) (*Log, error) {
	path, err := s.path(tid)
	if err != nil {
		return nil, err
	}
	unlock := s.lock(tid)
	defer unlock()
	return s.read(path, tid)
}

func (s *FileStore) Delete(ctx context.Context, tid transaction.TxnID) error {
	path, err := s.path(tid)
	if err != nil {
		return err
	}
	unlock := s.lock(tid)
	err = os.Remove(path)
	unlock()
	s.forget(tid)

	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete undo log %s: %v: %w", tid, err, txerrors.ErrPersistenceFailure)
	}
	return nil
}

func (s *FileStore) Archive(ctx context.Context, tid transaction.TxnID) error {
	path, err := s.path(tid)
	if err != nil {
		return err
	}
	unlock := s.lock(tid)
	target := filepath.Join(s.archiveDir, filepath.Base(path))
	err = os.Rename(path, target)
	unlock()
	s.forget(tid)

	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("archive %s: %w", tid, txerrors.ErrUndoLogNotFound)
	}
	if err != nil {
		return fmt.Errorf("archive undo log %s: %v: %w", tid, err, txerrors.ErrPersistenceFailure)
	}
	return nil
}

// Pending reads the transaction id out of every log file still in the
// directory. Files that fail to decode are skipped with a warning.
func (s *FileStore) Pending(ctx context.Context) ([]transaction.TxnID, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list undo logs: %v: %w", err, txerrors.ErrPersistenceFailure)
	}
	var ids []transaction.TxnID
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, logFilePrefix) || !strings.HasSuffix(name, logFileSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Warn("Unreadable undo log", zap.String("file", name), zap.Error(err))
			continue
		}
		var header struct {
			TransactionID transaction.TxnID `json:"transaction_id"`
		}
		if err := json.Unmarshal(data, &header); err != nil {
			s.logger.Warn("Undecodable undo log", zap.String("file", name), zap.Error(err))
			continue
		}
		ids = append(ids, header.TransactionID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *FileStore) path(tid transaction.TxnID) (string, error) {
	if err := tid.Validate(); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, logFilePrefix+string(tid)+logFileSuffix), nil
}

func (s *FileStore) read(path string, tid transaction.TxnID) (*Log, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("transaction %s: %w", tid, txerrors.ErrUndoLogNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read undo log %s: %v: %w", tid, err, txerrors.ErrPersistenceFailure)
	}
	var l Log
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("decode undo log %s: %v: %w", tid, err, txerrors.ErrUndoLogCorrupt)
	}
	sum, err := checksum(l.Entries)
	if err != nil {
		return nil, err
	}
	if sum != l.Checksum {
		return nil, fmt.Errorf("undo log %s (stored %s, computed %s): %w", tid, l.Checksum, sum, txerrors.ErrUndoLogCorrupt)
	}
	if l.Entries == nil {
		l.Entries = []Entry{}
	}
	return &l, nil
}

func (s *FileStore) write(path string, l *Log) error {
	sum, err := checksum(l.Entries)
	if err != nil {
		return err
	}
	l.Checksum = sum
	data, err := json.MarshalIndent(l, "", "    ")
	if err != nil {
		return fmt.Errorf("encode undo log %s: %w", l.TransactionID, err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-"+logFilePrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp undo log: %v: %w", err, txerrors.ErrPersistenceFailure)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write undo log %s: %v: %w", l.TransactionID, err, txerrors.ErrPersistenceFailure)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync undo log %s: %v: %w", l.TransactionID, err, txerrors.ErrPersistenceFailure)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close undo log %s: %v: %w", l.TransactionID, err, txerrors.ErrPersistenceFailure)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("install undo log %s: %v: %w", l.TransactionID, err, txerrors.ErrPersistenceFailure)
	}
	return nil
}

// lock serialises all file operations on one transaction's log.
func (s *FileStore) lock(tid transaction.TxnID) func() {
	s.mu.Lock()
	m, ok := s.locks[tid]
	if !ok {
		m = &sync.Mutex{}
		s.locks[tid] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

func (s *FileStore) forget(tid transaction.TxnID) {
	s.mu.Lock()
	delete(s.locks, tid)
	s.mu.Unlock()
}

var _ Store = (*FileStore)(nil)
