// Package boltstore persists replication state in a bbolt file: the server
// state and the log of locally originated changes used to resend them after
// a session restart.
package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/replication/internal/csn"
	replerrors "github.com/devrev/pairdb/replication/internal/errors"
	"github.com/devrev/pairdb/replication/internal/model"
	"github.com/devrev/pairdb/replication/internal/util"
)

var (
	bucketState     = []byte("state")
	bucketChangelog = []byte("changelog")

	keyServerState = []byte("server_state")
)

// Store is a bbolt-backed replication store.
type Store struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// Open opens or creates the store at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, replerrors.StoreFailed("failed to open store", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Replication store opened", zap.String("path", path))
	return s, nil
}

func (s *Store) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketState, bucketChangelog} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return replerrors.StoreFailed(fmt.Sprintf("failed to create bucket %s", b), err)
			}
		}
		return nil
	})
}

// Close closes the database file.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveServerState writes the encoded server state.
func (s *Store) SaveServerState(_ context.Context, state *csn.ServerState) error {
	data, err := json.Marshal(state.Encode())
	if err != nil {
		return fmt.Errorf("failed to marshal server state: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketState).Put(keyServerState, data)
	})
	if err != nil {
		return replerrors.StoreFailed("failed to save server state", err)
	}
	return nil
}

// LoadServerState reads the server state. A fresh store yields an empty state.
func (s *Store) LoadServerState(_ context.Context) (*csn.ServerState, error) {
	var values []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketState).Get(keyServerState)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &values)
	})
	if err != nil {
		return nil, replerrors.StoreFailed("failed to load server state", err)
	}
	return csn.DecodeServerState(values)
}

// AppendChange records a locally originated change. Keys are encoded CSNs,
// so the bucket iterates in CSN order. Values carry a checksum.
func (s *Store) AppendChange(_ context.Context, msg *model.UpdateMsg) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal change %s: %w", msg.CSN, err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketChangelog).Put([]byte(msg.CSN.String()), util.Seal(data))
	})
	if err != nil {
		return replerrors.StoreFailed("failed to append change", err).WithDetail("csn", msg.CSN.String())
	}
	return nil
}

// ChangesAfter returns up to limit changes of replicaID strictly newer than
// after, oldest first. A limit of zero returns all of them.
func (s *Store) ChangesAfter(_ context.Context, replicaID uint32, after csn.CSN, limit int) ([]*model.UpdateMsg, error) {
	var out []*model.UpdateMsg
	start := []byte(after.String())

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketChangelog).Cursor()
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			if bytes.Equal(k, start) {
				continue
			}
			data, err := util.Unseal(v)
			if err != nil {
				return fmt.Errorf("change %s: %w", k, err)
			}
			msg := &model.UpdateMsg{}
			if err := json.Unmarshal(data, msg); err != nil {
				return fmt.Errorf("failed to unmarshal change %s: %w", k, err)
			}
			if msg.CSN.ReplicaID != replicaID {
				continue
			}
			out = append(out, msg)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, replerrors.StoreFailed("failed to read changelog", err)
	}
	return out, nil
}

// PurgeChangesBefore removes changes older than c and returns how many were
// removed.
func (s *Store) PurgeChangesBefore(_ context.Context, c csn.CSN) (int, error) {
	limit := []byte(c.String())
	removed := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChangelog)
		var keys [][]byte
		cur := b.Cursor()
		for k, _ := cur.First(); k != nil && bytes.Compare(k, limit) < 0; k, _ = cur.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(keys)
		return nil
	})
	if err != nil {
		return 0, replerrors.StoreFailed("failed to purge changelog", err)
	}
	if removed > 0 {
		s.logger.Debug("Purged changelog", zap.Int("removed", removed), zap.String("before", c.String()))
	}
	return removed, nil
}
