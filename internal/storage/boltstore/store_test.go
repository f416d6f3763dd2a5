package boltstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/replication/internal/csn"
	"github.com/devrev/pairdb/replication/internal/model"
	"github.com/devrev/pairdb/replication/internal/util"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replication.db")
	s, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestOpen_CreatesBuckets(t *testing.T) {
	s, _ := openTestStore(t)

	err := s.db.View(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketState, bucketChangelog} {
			assert.NotNil(t, tx.Bucket(b), "bucket %s", b)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestServerState_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	s, path := openTestStore(t)

	empty, err := s.LoadServerState(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty.Snapshot())

	state := csn.NewServerState()
	state.Update(csn.CSN{Time: 100, Seq: 1, ReplicaID: 1})
	state.Update(csn.CSN{Time: 200, Seq: 3, ReplicaID: 2})
	require.NoError(t, s.SaveServerState(ctx, state))
	require.NoError(t, s.Close())

	reopened, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.LoadServerState(ctx)
	require.NoError(t, err)
	assert.Equal(t, state.Snapshot(), loaded.Snapshot())
}

func TestChangelog_ChangesAfterAndPurge(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	var local []csn.CSN
	for i := uint64(1); i <= 5; i++ {
		c := csn.CSN{Time: i * 10, Seq: 1, ReplicaID: 1}
		local = append(local, c)
		require.NoError(t, s.AppendChange(ctx, &model.UpdateMsg{Kind: model.OpDelete, CSN: c, DN: model.MustParseDN("cn=x,o=1"), EntryUUID: "U"}))
	}
	foreign := csn.CSN{Time: 25, Seq: 1, ReplicaID: 2}
	require.NoError(t, s.AppendChange(ctx, &model.UpdateMsg{Kind: model.OpDelete, CSN: foreign, DN: model.MustParseDN("cn=y,o=1"), EntryUUID: "V"}))

	changes, err := s.ChangesAfter(ctx, 1, local[1], 0)
	require.NoError(t, err)
	require.Len(t, changes, 3)
	assert.Equal(t, local[2], changes[0].CSN)
	assert.Equal(t, local[4], changes[2].CSN)
	assert.True(t, changes[0].DN.Equal(model.MustParseDN("cn=x,o=1")))

	changes, err = s.ChangesAfter(ctx, 1, csn.CSN{}, 2)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, local[0], changes[0].CSN)

	removed, err := s.PurgeChangesBefore(ctx, local[3])
	require.NoError(t, err)
	assert.Equal(t, 4, removed, "three local and one foreign change")

	changes, err = s.ChangesAfter(ctx, 1, csn.CSN{}, 0)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, local[3], changes[0].CSN)
}

func TestChangelog_CorruptRecord(t *testing.T) {
	ctx := context.Background()
	s, _ := openTestStore(t)

	c := csn.CSN{Time: 10, Seq: 1, ReplicaID: 1}
	require.NoError(t, s.AppendChange(ctx, &model.UpdateMsg{Kind: model.OpDelete, CSN: c, DN: model.MustParseDN("cn=x,o=1"), EntryUUID: "U"}))

	require.NoError(t, s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChangelog)
		v := append([]byte(nil), b.Get([]byte(c.String()))...)
		v[len(v)-1] ^= 0xFF
		return b.Put([]byte(c.String()), v)
	}))

	_, err := s.ChangesAfter(ctx, 1, csn.CSN{}, 0)
	assert.ErrorIs(t, err, util.ErrChecksumMismatch)
}
