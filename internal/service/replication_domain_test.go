package service

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/devrev/pairdb/replication/internal/csn"
	"github.com/devrev/pairdb/replication/internal/metrics"
	"github.com/devrev/pairdb/replication/internal/model"
	"github.com/devrev/pairdb/replication/internal/notify"
	"github.com/devrev/pairdb/replication/internal/storage/boltstore"
	"github.com/devrev/pairdb/replication/internal/storage/memdir"
)

const (
	localReplica  = 2
	remoteReplica = 1
	waitFor       = 5 * time.Second
	tick          = 5 * time.Millisecond
)

var dn = model.MustParseDN

type recordingPublisher struct {
	mu        sync.Mutex
	published []*model.UpdateMsg
	recovered []*model.UpdateMsg
}

func (p *recordingPublisher) Publish(_ context.Context, msg *model.UpdateMsg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, msg)
	return nil
}

func (p *recordingPublisher) PublishRecovery(_ context.Context, msg *model.UpdateMsg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recovered = append(p.recovered, msg)
	return nil
}

func (p *recordingPublisher) Published() []*model.UpdateMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*model.UpdateMsg(nil), p.published...)
}

func (p *recordingPublisher) Recovered() []*model.UpdateMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*model.UpdateMsg(nil), p.recovered...)
}

// gatedBackend holds every Add, or only the Add at only when set, until
// release is closed.
type gatedBackend struct {
	*memdir.Directory
	only    model.DN
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBackend) Add(ctx context.Context, entry *model.Entry) model.ResultCode {
	if g.only != nil && !entry.DN.Equal(g.only) {
		return g.Directory.Add(ctx, entry)
	}
	g.entered <- struct{}{}
	<-g.release
	return g.Directory.Add(ctx, entry)
}

// busyBackend answers Busy to the first busy Modify calls.
type busyBackend struct {
	*memdir.Directory
	busy  int32
	calls atomic.Int32
}

func (b *busyBackend) Modify(ctx context.Context, d model.DN, mods []model.Modification) model.ResultCode {
	if b.calls.Add(1) <= b.busy {
		return model.Busy
	}
	return b.Directory.Modify(ctx, d, mods)
}

// movedBackend answers NoSuchObject to every Modify, as if the entry kept
// moving away.
type movedBackend struct {
	*memdir.Directory
	calls atomic.Int32
}

func (b *movedBackend) Modify(_ context.Context, _ model.DN, _ []model.Modification) model.ResultCode {
	b.calls.Add(1)
	return model.NoSuchObject
}

// failingBackend answers code to every Modify.
type failingBackend struct {
	*memdir.Directory
	code model.ResultCode
}

func (b *failingBackend) Modify(_ context.Context, _ model.DN, _ []model.Modification) model.ResultCode {
	return b.code
}

type domainFixture struct {
	dir       *memdir.Directory
	store     *boltstore.Store
	publisher *recordingPublisher
	domain    *ReplicationDomain
}

func newDomainFixture(t *testing.T, cfg DomainConfig, wrap func(*memdir.Directory) Backend) *domainFixture {
	t.Helper()
	return newDomainFixtureWithLogger(t, cfg, wrap, zap.NewNop())
}

func newDomainFixtureWithLogger(t *testing.T, cfg DomainConfig, wrap func(*memdir.Directory) Backend, logger *zap.Logger) *domainFixture {
	t.Helper()

	dir := memdir.New(cfg.Schema, zap.NewNop())
	require.Equal(t, model.Success, dir.Add(context.Background(), model.NewEntry(dn("o=1"), "BASE", nil)))

	store, err := boltstore.Open(filepath.Join(t.TempDir(), "replication.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var backend Backend = dir
	if wrap != nil {
		backend = wrap(dir)
	}

	cfg.ReplicaID = localReplica
	cfg.BaseDN = dn("o=1")
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	publisher := &recordingPublisher{}
	m := metrics.NewMetrics("2", prometheus.NewRegistry())
	domain := NewReplicationDomain(cfg, csn.NewServerState(), backend, publisher, store,
		notify.NewAlerter(0, 1, zap.NewNop()), m, logger)
	t.Cleanup(func() { domain.Stop(time.Second) })

	return &domainFixture{dir: dir, store: store, publisher: publisher, domain: domain}
}

func (f *domainFixture) waitReplayed(t *testing.T, c csn.CSN) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.domain.ServerState().Cover(c)
	}, waitFor, tick, "update %s never committed", c)
}

func (f *domainFixture) entry(t *testing.T, name string) *model.Entry {
	t.Helper()
	e, err := f.dir.GetEntry(context.Background(), dn(name))
	require.NoError(t, err)
	require.NotNil(t, e, "no entry at %s", name)
	return e
}

func (f *domainFixture) uuidOf(t *testing.T, name string) string {
	t.Helper()
	id, found, err := f.dir.FindUUIDByDN(context.Background(), dn(name))
	require.NoError(t, err)
	require.True(t, found, "no entry at %s", name)
	return id
}

func remoteCSN(t uint64) csn.CSN {
	return csn.CSN{Time: t, ReplicaID: remoteReplica}
}

// futureCSN is newer than anything this replica generated so far.
func futureCSN(offset uint64) csn.CSN {
	return remoteCSN(uint64(time.Now().Add(time.Hour).UnixMilli()) + offset)
}

func TestProcessUpdate_AddAddConflict(t *testing.T) {
	ctx := context.Background()
	f := newDomainFixture(t, DomainConfig{}, nil)

	code, err := f.domain.LocalAdd(ctx, model.NewEntry(dn("cn=x,o=1"), "", nil))
	require.NoError(t, err)
	require.Equal(t, model.Success, code)
	localUUID := f.uuidOf(t, "cn=x,o=1")

	c := remoteCSN(10)
	accepted, err := f.domain.ProcessUpdate(ctx, &model.UpdateMsg{
		Kind:       model.OpAdd,
		CSN:        c,
		DN:         dn("cn=x,o=1"),
		EntryUUID:  "U1",
		ParentUUID: "BASE",
		Attributes: map[string][]string{"cn": {"x"}},
	})
	require.NoError(t, err)
	require.True(t, accepted)
	f.waitReplayed(t, c)

	assert.Equal(t, localUUID, f.uuidOf(t, "cn=x,o=1"))
	parked := f.entry(t, "entryuuid=U1+cn=x,o=1")
	marker, ok := parked.ConflictMarker()
	require.True(t, ok)
	assert.Equal(t, "cn=x,o=1", marker)

	stats := f.domain.Stats()
	assert.Equal(t, uint64(1), stats.ReplayedUpdates)
	assert.Equal(t, uint64(1), stats.UnresolvedNamingConflicts)

	// deleting the winner hands its name to the parked entry
	code, err = f.domain.LocalDelete(ctx, dn("cn=x,o=1"))
	require.NoError(t, err)
	require.Equal(t, model.Success, code)

	restored := f.entry(t, "cn=x,o=1")
	assert.Equal(t, "U1", restored.UUID)
	_, ok = restored.ConflictMarker()
	assert.False(t, ok)
}

func TestProcessUpdate_SingleValuedOutOfOrder(t *testing.T) {
	ctx := context.Background()
	f := newDomainFixture(t, DomainConfig{
		Schema: model.NewSchema([]string{"description"}, nil),
	}, nil)

	_, err := f.domain.LocalAdd(ctx, model.NewEntry(dn("cn=y,o=1"), "U2", map[string][]string{"description": {"orig"}}))
	require.NoError(t, err)
	code, err := f.domain.LocalModify(ctx, dn("cn=y,o=1"), []model.Modification{
		{Type: model.ModReplace, Attr: "description", Values: []string{"b"}},
	})
	require.NoError(t, err)
	require.Equal(t, model.Success, code)

	// made on the other replica before the local replace
	c := remoteCSN(10)
	_, err = f.domain.ProcessUpdate(ctx, &model.UpdateMsg{
		Kind:      model.OpModify,
		CSN:       c,
		DN:        dn("cn=y,o=1"),
		EntryUUID: "U2",
		Mods:      []model.Modification{{Type: model.ModReplace, Attr: "description", Values: []string{"a"}}},
	})
	require.NoError(t, err)
	f.waitReplayed(t, c)

	assert.Equal(t, []string{"b"}, f.entry(t, "cn=y,o=1").Values("description"))
	stats := f.domain.Stats()
	assert.Equal(t, uint64(1), stats.ResolvedModifyConflicts)
	assert.Equal(t, uint64(1), stats.DroppedModifications)
}

func TestProcessUpdate_NewerModifyWins(t *testing.T) {
	ctx := context.Background()
	f := newDomainFixture(t, DomainConfig{
		Schema: model.NewSchema([]string{"description"}, nil),
	}, nil)

	_, err := f.domain.LocalAdd(ctx, model.NewEntry(dn("cn=y,o=1"), "U2", map[string][]string{"description": {"orig"}}))
	require.NoError(t, err)

	c := futureCSN(0)
	_, err = f.domain.ProcessUpdate(ctx, &model.UpdateMsg{
		Kind:      model.OpModify,
		CSN:       c,
		DN:        dn("cn=y,o=1"),
		EntryUUID: "U2",
		Mods:      []model.Modification{{Type: model.ModReplace, Attr: "description", Values: []string{"a"}}},
	})
	require.NoError(t, err)
	f.waitReplayed(t, c)

	assert.Equal(t, []string{"a"}, f.entry(t, "cn=y,o=1").Values("description"))

	// the generator moved past the remote CSN
	code, err := f.domain.LocalModify(ctx, dn("cn=y,o=1"), []model.Modification{
		{Type: model.ModReplace, Attr: "description", Values: []string{"b"}},
	})
	require.NoError(t, err)
	require.Equal(t, model.Success, code)
	published := f.publisher.Published()
	require.NotEmpty(t, published)
	assert.True(t, published[len(published)-1].CSN.Newer(c))
}

func TestProcessUpdate_Duplicates(t *testing.T) {
	ctx := context.Background()
	f := newDomainFixture(t, DomainConfig{}, nil)

	msg := &model.UpdateMsg{
		Kind:       model.OpAdd,
		CSN:        remoteCSN(10),
		DN:         dn("cn=d,o=1"),
		EntryUUID:  "U3",
		ParentUUID: "BASE",
	}
	accepted, err := f.domain.ProcessUpdate(ctx, msg)
	require.NoError(t, err)
	require.True(t, accepted)
	f.waitReplayed(t, msg.CSN)

	accepted, err = f.domain.ProcessUpdate(ctx, msg.Clone())
	require.NoError(t, err)
	assert.False(t, accepted)

	echo := msg.Clone()
	echo.CSN = csn.CSN{Time: 11, ReplicaID: localReplica}
	accepted, err = f.domain.ProcessUpdate(ctx, echo)
	require.NoError(t, err)
	assert.False(t, accepted)

	_, err = f.domain.ProcessUpdate(ctx, &model.UpdateMsg{Kind: model.OpAdd, DN: dn("cn=e,o=1")})
	assert.Error(t, err)

	stats := f.domain.Stats()
	assert.Equal(t, uint64(2), stats.DuplicateUpdates)
	assert.Equal(t, uint64(1), stats.ReplayedUpdates)
	assert.Equal(t, 1, f.dir.Len()-1)
}

func TestProcessUpdate_ModifyWaitsForAdd(t *testing.T) {
	ctx := context.Background()
	var gated *gatedBackend
	f := newDomainFixture(t, DomainConfig{Workers: 2}, func(dir *memdir.Directory) Backend {
		gated = &gatedBackend{Directory: dir, entered: make(chan struct{}, 1), release: make(chan struct{})}
		return gated
	})

	add := &model.UpdateMsg{
		Kind:       model.OpAdd,
		CSN:        futureCSN(0),
		DN:         dn("cn=z,o=1"),
		EntryUUID:  "U4",
		ParentUUID: "BASE",
	}
	mod := &model.UpdateMsg{
		Kind:      model.OpModify,
		CSN:       futureCSN(1),
		DN:        dn("cn=z,o=1"),
		EntryUUID: "U4",
		Mods:      []model.Modification{{Type: model.ModAdd, Attr: "description", Values: []string{"z"}}},
	}

	_, err := f.domain.ProcessUpdate(ctx, add)
	require.NoError(t, err)
	<-gated.entered

	_, err = f.domain.ProcessUpdate(ctx, mod)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.domain.Stats().DependentUpdates == 1
	}, waitFor, tick)
	assert.False(t, f.domain.ServerState().Cover(mod.CSN))

	close(gated.release)
	f.waitReplayed(t, mod.CSN)

	assert.Equal(t, []string{"z"}, f.entry(t, "cn=z,o=1").Values("description"))
	stats := f.domain.Stats()
	assert.Equal(t, 0, stats.DependentUpdates)
	assert.Equal(t, 0, stats.PendingRemoteChanges)
	assert.Equal(t, uint64(2), stats.ReplayedUpdates)
}

func TestProcessUpdate_RetriesBusy(t *testing.T) {
	ctx := context.Background()
	var busy *busyBackend
	f := newDomainFixture(t, DomainConfig{}, func(dir *memdir.Directory) Backend {
		busy = &busyBackend{Directory: dir, busy: 2}
		return busy
	})

	_, err := f.domain.LocalAdd(ctx, model.NewEntry(dn("cn=b,o=1"), "U5", nil))
	require.NoError(t, err)

	c := futureCSN(0)
	_, err = f.domain.ProcessUpdate(ctx, &model.UpdateMsg{
		Kind:      model.OpModify,
		CSN:       c,
		DN:        dn("cn=b,o=1"),
		EntryUUID: "U5",
		Mods:      []model.Modification{{Type: model.ModAdd, Attr: "mail", Values: []string{"b@example.com"}}},
	})
	require.NoError(t, err)
	f.waitReplayed(t, c)

	assert.Equal(t, int32(3), busy.calls.Load())
	assert.Equal(t, []string{"b@example.com"}, f.entry(t, "cn=b,o=1").Values("mail"))
	assert.Equal(t, uint64(0), f.domain.Stats().RepairNeeded)
}

func TestProcessUpdate_AttemptsExhausted(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zap.ErrorLevel)
	var moved *movedBackend
	f := newDomainFixtureWithLogger(t, DomainConfig{MaxAttempts: 3}, func(dir *memdir.Directory) Backend {
		moved = &movedBackend{Directory: dir}
		return moved
	}, zap.New(core))

	_, err := f.domain.LocalAdd(ctx, model.NewEntry(dn("cn=m,o=1"), "U9", nil))
	require.NoError(t, err)

	c := futureCSN(0)
	_, err = f.domain.ProcessUpdate(ctx, &model.UpdateMsg{
		Kind:      model.OpModify,
		CSN:       c,
		DN:        dn("cn=m,o=1"),
		EntryUUID: "U9",
		Mods:      []model.Modification{{Type: model.ModAdd, Attr: "mail", Values: []string{"m@example.com"}}},
	})
	require.NoError(t, err)

	// given up, but committed so the stream keeps moving
	f.waitReplayed(t, c)
	assert.Equal(t, int32(3), moved.calls.Load())

	stats := f.domain.Stats()
	assert.Equal(t, uint64(1), stats.RepairNeeded)
	assert.Equal(t, uint64(1), stats.ReplayedUpdates)
	assert.Equal(t, 0, stats.PendingRemoteChanges)

	entries := logs.FilterMessage("Replicated operation needs manual repair").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "replay attempts exhausted", entries[0].ContextMap()["reason"])
	assert.Equal(t, c.String(), entries[0].ContextMap()["csn"])

	// the next update from the same replica is replayed normally
	next := futureCSN(1)
	_, err = f.domain.ProcessUpdate(ctx, &model.UpdateMsg{Kind: model.OpDelete, CSN: next, DN: dn("cn=m,o=1"), EntryUUID: "U9"})
	require.NoError(t, err)
	f.waitReplayed(t, next)
	_, found, err := f.dir.FindDNByUUID(ctx, "U9")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestProcessUpdate_UnexpectedCodeNeedsRepair(t *testing.T) {
	ctx := context.Background()
	f := newDomainFixture(t, DomainConfig{}, func(dir *memdir.Directory) Backend {
		return &failingBackend{Directory: dir, code: model.ConstraintViolation}
	})

	_, err := f.domain.LocalAdd(ctx, model.NewEntry(dn("cn=v,o=1"), "U10", nil))
	require.NoError(t, err)

	c := futureCSN(0)
	_, err = f.domain.ProcessUpdate(ctx, &model.UpdateMsg{
		Kind:      model.OpModify,
		CSN:       c,
		DN:        dn("cn=v,o=1"),
		EntryUUID: "U10",
		Mods:      []model.Modification{{Type: model.ModAdd, Attr: "mail", Values: []string{"v@example.com"}}},
	})
	require.NoError(t, err)
	f.waitReplayed(t, c)

	stats := f.domain.Stats()
	assert.Equal(t, uint64(1), stats.RepairNeeded)
	assert.Equal(t, uint64(1), stats.UnresolvedNamingConflicts)
	assert.Equal(t, uint64(1), stats.ReplayedUpdates)
}

func TestProcessUpdate_FractionalAttributes(t *testing.T) {
	ctx := context.Background()
	f := newDomainFixture(t, DomainConfig{FractionalExclude: []string{"telephoneNumber"}}, nil)

	add := &model.UpdateMsg{
		Kind:       model.OpAdd,
		CSN:        futureCSN(0),
		DN:         dn("cn=f,o=1"),
		EntryUUID:  "U6",
		ParentUUID: "BASE",
		Attributes: map[string][]string{
			"telephonenumber": {"555"},
			"mail":            {"f@example.com"},
		},
	}
	mod := &model.UpdateMsg{
		Kind:      model.OpModify,
		CSN:       futureCSN(1),
		DN:        dn("cn=f,o=1"),
		EntryUUID: "U6",
		Mods:      []model.Modification{{Type: model.ModReplace, Attr: "telephoneNumber", Values: []string{"556"}}},
	}
	for _, msg := range []*model.UpdateMsg{add, mod} {
		_, err := f.domain.ProcessUpdate(ctx, msg)
		require.NoError(t, err)
	}
	f.waitReplayed(t, mod.CSN)

	e := f.entry(t, "cn=f,o=1")
	assert.False(t, e.HasAttribute("telephonenumber"))
	assert.Equal(t, []string{"f@example.com"}, e.Values("mail"))

	lines, err := f.dir.LoadHistory(ctx, "U6")
	require.NoError(t, err)
	for _, line := range lines {
		assert.NotContains(t, line, "telephonenumber")
	}
}

func TestProcessUpdate_DeleteReplayedAfterRename(t *testing.T) {
	ctx := context.Background()
	f := newDomainFixture(t, DomainConfig{}, nil)

	_, err := f.domain.LocalAdd(ctx, model.NewEntry(dn("cn=r,o=1"), "U7", nil))
	require.NoError(t, err)
	_, err = f.domain.LocalModifyDN(ctx, dn("cn=r,o=1"), model.RDN{{Type: "cn", Value: "s"}}, true, nil)
	require.NoError(t, err)

	// the remote replica still knew the entry by its old name
	c := futureCSN(0)
	_, err = f.domain.ProcessUpdate(ctx, &model.UpdateMsg{
		Kind:      model.OpDelete,
		CSN:       c,
		DN:        dn("cn=r,o=1"),
		EntryUUID: "U7",
	})
	require.NoError(t, err)
	f.waitReplayed(t, c)

	_, found, err := f.dir.FindDNByUUID(ctx, "U7")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1, f.dir.Len())
}

func TestLocalOperations_PublishInOrder(t *testing.T) {
	ctx := context.Background()
	f := newDomainFixture(t, DomainConfig{}, nil)

	code, err := f.domain.LocalAdd(ctx, model.NewEntry(dn("ou=p,o=1"), "", map[string][]string{"ou": {"p"}}))
	require.NoError(t, err)
	require.Equal(t, model.Success, code)
	code, err = f.domain.LocalModify(ctx, dn("ou=p,o=1"), []model.Modification{
		{Type: model.ModAdd, Attr: "description", Values: []string{"people"}},
	})
	require.NoError(t, err)
	require.Equal(t, model.Success, code)
	code, err = f.domain.LocalModifyDN(ctx, dn("ou=p,o=1"), model.RDN{{Type: "ou", Value: "q"}}, true, nil)
	require.NoError(t, err)
	require.Equal(t, model.Success, code)
	code, err = f.domain.LocalDelete(ctx, dn("ou=q,o=1"))
	require.NoError(t, err)
	require.Equal(t, model.Success, code)

	published := f.publisher.Published()
	require.Len(t, published, 4)
	kinds := []model.OpKind{model.OpAdd, model.OpModify, model.OpModifyDN, model.OpDelete}
	for i, msg := range published {
		assert.Equal(t, kinds[i], msg.Kind)
		assert.Equal(t, uint32(localReplica), msg.CSN.ReplicaID)
		assert.Equal(t, published[0].EntryUUID, msg.EntryUUID)
		if i > 0 {
			assert.True(t, msg.CSN.Newer(published[i-1].CSN))
		}
	}
	assert.Equal(t, "BASE", published[0].ParentUUID)
	assert.NotContains(t, published[0].Attributes, model.AttrHistorical)

	assert.Equal(t, published[3].CSN, f.domain.ServerState().Get(localReplica))
	assert.Equal(t, 0, f.domain.Stats().PendingLocalChanges)

	logged, err := f.store.ChangesAfter(ctx, localReplica, csn.CSN{}, 10)
	require.NoError(t, err)
	require.Len(t, logged, 4)
	assert.Equal(t, published[0].CSN, logged[0].CSN)
}

func TestLocalOperations_Failures(t *testing.T) {
	ctx := context.Background()
	f := newDomainFixture(t, DomainConfig{}, nil)

	code, err := f.domain.LocalDelete(ctx, dn("cn=missing,o=1"))
	require.NoError(t, err)
	assert.Equal(t, model.NoSuchObject, code)

	code, err = f.domain.LocalAdd(ctx, model.NewEntry(dn("cn=orphan,ou=none,o=1"), "", nil))
	require.NoError(t, err)
	assert.Equal(t, model.NoSuchObject, code)

	_, err = f.domain.LocalAdd(ctx, model.NewEntry(dn("cn=h,o=1"), "", nil))
	require.NoError(t, err)
	code, err = f.domain.LocalModify(ctx, dn("cn=h,o=1"), []model.Modification{
		{Type: model.ModReplace, Attr: model.AttrHistorical, Values: []string{"x"}},
	})
	assert.Error(t, err)
	assert.Equal(t, model.UnwillingToPerform, code)

	// only the successful add went out and nothing is held back
	assert.Len(t, f.publisher.Published(), 1)
	assert.Equal(t, 0, f.domain.Stats().PendingLocalChanges)
}

func TestSessionInitiated_Recovery(t *testing.T) {
	ctx := context.Background()
	f := newDomainFixture(t, DomainConfig{RecoveryBatchSize: 1}, nil)

	assert.False(t, f.domain.SessionInitiated(ctx, csn.NewServerState()), "nothing to recover")

	for _, name := range []string{"cn=a,o=1", "cn=b,o=1", "cn=c,o=1"} {
		_, err := f.domain.LocalAdd(ctx, model.NewEntry(dn(name), "", nil))
		require.NoError(t, err)
	}
	published := f.publisher.Published()
	require.Len(t, published, 3)

	upToDate := csn.NewServerState()
	upToDate.Update(published[2].CSN)
	assert.False(t, f.domain.SessionInitiated(ctx, upToDate))

	// the peers saw only the first change
	behind := csn.NewServerState()
	behind.Update(published[0].CSN)
	require.True(t, f.domain.SessionInitiated(ctx, behind))

	require.Eventually(t, func() bool {
		return !f.domain.IsRecovering()
	}, waitFor, tick)

	recovered := f.publisher.Recovered()
	require.Len(t, recovered, 2)
	assert.Equal(t, published[1].CSN, recovered[0].CSN)
	assert.Equal(t, published[2].CSN, recovered[1].CSN)

	// publication resumed
	_, err := f.domain.LocalAdd(ctx, model.NewEntry(dn("cn=d,o=1"), "", nil))
	require.NoError(t, err)
	assert.Len(t, f.publisher.Published(), 4)
}

func TestSessionInitiated_RecoveryKeepsHeldBackChanges(t *testing.T) {
	ctx := context.Background()
	var gated *gatedBackend
	f := newDomainFixture(t, DomainConfig{}, func(dir *memdir.Directory) Backend {
		gated = &gatedBackend{
			Directory: dir,
			only:      dn("cn=x,o=1"),
			entered:   make(chan struct{}, 1),
			release:   make(chan struct{}),
		}
		return gated
	})

	_, err := f.domain.LocalAdd(ctx, model.NewEntry(dn("cn=a,o=1"), "", nil))
	require.NoError(t, err)

	// x takes its CSN, then stalls in the backend
	added := make(chan model.ResultCode, 1)
	go func() {
		code, _ := f.domain.LocalAdd(ctx, model.NewEntry(dn("cn=x,o=1"), "", nil))
		added <- code
	}()
	<-gated.entered

	// y commits and is logged but waits behind x
	_, err = f.domain.LocalAdd(ctx, model.NewEntry(dn("cn=y,o=1"), "", nil))
	require.NoError(t, err)
	require.Len(t, f.publisher.Published(), 1)

	require.True(t, f.domain.SessionInitiated(ctx, csn.NewServerState()))
	require.Eventually(t, func() bool {
		return !f.domain.IsRecovering()
	}, waitFor, tick)

	recovered := f.publisher.Recovered()
	require.Len(t, recovered, 1)
	assert.Equal(t, "cn=a,o=1", recovered[0].DN.String())

	close(gated.release)
	require.Equal(t, model.Success, <-added)

	published := f.publisher.Published()
	require.Len(t, published, 3)

	// a peer drops whatever its state already covers
	peer := csn.NewServerState()
	delivered := map[string]bool{}
	for _, msg := range append(recovered, published...) {
		if peer.Cover(msg.CSN) {
			continue
		}
		peer.Update(msg.CSN)
		delivered[msg.DN.String()] = true
	}
	assert.Equal(t, map[string]bool{"cn=a,o=1": true, "cn=x,o=1": true, "cn=y,o=1": true}, delivered)
}

func TestStop_RejectsUpdates(t *testing.T) {
	ctx := context.Background()
	f := newDomainFixture(t, DomainConfig{}, nil)
	require.NoError(t, f.domain.Stop(time.Second))

	c := futureCSN(0)
	accepted, err := f.domain.ProcessUpdate(ctx, &model.UpdateMsg{
		Kind:       model.OpAdd,
		CSN:        c,
		DN:         dn("cn=late,o=1"),
		EntryUUID:  "U8",
		ParentUUID: "BASE",
	})
	assert.Error(t, err)
	assert.False(t, accepted)
	assert.False(t, f.domain.ServerState().Cover(c))
	assert.Equal(t, 0, f.domain.Stats().PendingRemoteChanges)

	// Stop is idempotent
	assert.NoError(t, f.domain.Stop(time.Second))
}
