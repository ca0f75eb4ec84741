// Package boltstore implements the partition stores on bbolt: one database
// file per partition, one bucket per table, JSON-encoded rows keyed by the
// big-endian row id.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
	"go.uber.org/zap"

	"github.com/sushant-115/photobook/core/storage"
	"github.com/sushant-115/photobook/core/txerrors"
)

const (
	StudioFile    = "studio.db"
	ClienteleFile = "clientele.db"
)

var (
	bucketPhotographers = []byte("photographers")
	bucketTimeslots     = []byte("timeslots")
	bucketClients       = []byte("clients")
	bucketBookings      = []byte("bookings")
)

// Open opens (creating if needed) both partition files under dir.
func Open(dir string, logger *zap.Logger) (storage.Stores, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return storage.Stores{}, fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	studio, err := OpenStudio(filepath.Join(dir, StudioFile), logger)
	if err != nil {
		return storage.Stores{}, err
	}
	clientele, err := OpenClientele(filepath.Join(dir, ClienteleFile), logger)
	if err != nil {
		studio.Close()
		return storage.Stores{}, err
	}
	return storage.Stores{Studio: studio, Clientele: clientele}, nil
}

func openDB(path string, buckets [][]byte, logger *zap.Logger) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %v: %w", path, err, txerrors.ErrPersistenceFailure)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init buckets in %s: %v: %w", path, err, txerrors.ErrPersistenceFailure)
	}
	if logger != nil {
		logger.Info("Partition store opened", zap.String("path", path))
	}
	return db, nil
}

func beginTx(ctx context.Context, db *bolt.DB, writable bool) (*bolt.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx, err := db.Begin(writable)
	if err != nil {
		return nil, fmt.Errorf("begin: %v: %w", err, txerrors.ErrPersistenceFailure)
	}
	return tx, nil
}

// boltTx holds what both partition transactions share.
type boltTx struct {
	tx *bolt.Tx
}

func (t boltTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %v: %w", err, txerrors.ErrPersistenceFailure)
	}
	return nil
}

func (t boltTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback()
	if err == nil || errors.Is(err, berrors.ErrTxClosed) {
		return nil
	}
	return err
}

func itob(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func getRow[T any](b *bolt.Bucket, kind string, id int64) (T, error) {
	var row T
	data := b.Get(itob(id))
	if data == nil {
		return row, fmt.Errorf("%s %d: %w", kind, id, txerrors.ErrRecordNotFound)
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return row, fmt.Errorf("decode %s %d: %v: %w", kind, id, err, txerrors.ErrPersistenceFailure)
	}
	return row, nil
}

// putRow stores v under id and keeps the bucket sequence ahead of every
// explicitly written id, so NextSequence never hands out a taken key.
func putRow(b *bolt.Bucket, kind string, id int64, v any) error {
	if id <= 0 {
		return fmt.Errorf("%s id must be positive, got %d", kind, id)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s %d: %w", kind, id, err)
	}
	if err := b.Put(itob(id), data); err != nil {
		return fmt.Errorf("put %s %d: %v: %w", kind, id, err, txerrors.ErrPersistenceFailure)
	}
	if uint64(id) > b.Sequence() {
		if err := b.SetSequence(uint64(id)); err != nil {
			return fmt.Errorf("advance %s sequence: %v: %w", kind, err, txerrors.ErrPersistenceFailure)
		}
	}
	return nil
}

func deleteRow(b *bolt.Bucket, kind string, id int64) error {
	if err := b.Delete(itob(id)); err != nil {
		return fmt.Errorf("delete %s %d: %v: %w", kind, id, err, txerrors.ErrPersistenceFailure)
	}
	return nil
}

func listRows[T any](b *bolt.Bucket, kind string, keep func(T) bool) ([]T, error) {
	out := []T{}
	err := b.ForEach(func(_, data []byte) error {
		var row T
		if err := json.Unmarshal(data, &row); err != nil {
			return fmt.Errorf("decode %s: %v: %w", kind, err, txerrors.ErrPersistenceFailure)
		}
		if keep == nil || keep(row) {
			out = append(out, row)
		}
		return nil
	})
	return out, err
}

func nextID(b *bolt.Bucket, kind string) (int64, error) {
	seq, err := b.NextSequence()
	if err != nil {
		return 0, fmt.Errorf("allocate %s id: %v: %w", kind, err, txerrors.ErrPersistenceFailure)
	}
	return int64(seq), nil
}
