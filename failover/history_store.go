package failover

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// operationsBucket holds finished operations keyed by start time and id,
// so a cursor walks them in chronological order.
var operationsBucket = []byte("operations")

// HistoryStore persists finished failover operations in a bolt database
// so the operation history survives restarts.
type HistoryStore struct {
	Path string

	db  *bolt.DB
	log *zap.Logger
}

// NewHistoryStore returns an instance of HistoryStore backed by the file
// at path.
func NewHistoryStore(path string) *HistoryStore {
	return &HistoryStore{
		Path: path,
		log:  zap.NewNop(),
	}
}

// WithLogger sets the logger on the store.
func (s *HistoryStore) WithLogger(log *zap.Logger) {
	s.log = log.With(zap.String("service", "failover-history"))
}

// Open creates or opens the bolt database file.
func (s *HistoryStore) Open(ctx context.Context) error {
	if _, err := os.Stat(s.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0700); err != nil {
		return fmt.Errorf("unable to create directory for %s: %w", s.Path, err)
	}

	db, err := bolt.Open(s.Path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("unable to open boltdb at %s: %w", s.Path, err)
	}
	s.db = db

	if err := s.initialize(ctx); err != nil {
		return err
	}

	s.log.Info("Failover history opened", zap.String("path", s.Path))
	return nil
}

// initialize creates buckets that are missing.
func (s *HistoryStore) initialize(ctx context.Context) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(operationsBucket)
		return err
	})
}

// Close closes the bolt database.
func (s *HistoryStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put persists one finished operation.
func (s *HistoryStore) Put(op *Operation) error {
	buf, err := json.Marshal(op)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(operationsBucket).Put(historyKey(op), buf)
	})
}

// Operations returns finished operations, newest first, up to limit. A
// non-positive limit returns everything.
func (s *HistoryStore) Operations(limit int) ([]*Operation, error) {
	var out []*Operation
	err := s.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(operationsBucket).Cursor()
		for k, v := cur.Last(); k != nil; k, v = cur.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var op Operation
			if err := json.Unmarshal(v, &op); err != nil {
				return fmt.Errorf("corrupt operation record %q: %w", k, err)
			}
			out = append(out, &op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// historyKey orders operations chronologically within the bucket.
func historyKey(op *Operation) []byte {
	return []byte(fmt.Sprintf("%020d/%s", op.StartedAt.UnixNano(), op.ID))
}
