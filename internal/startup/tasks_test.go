package startup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/horus/internal/pipeline"
	"github.com/mesh-intelligence/horus/internal/reconcile"
	"github.com/mesh-intelligence/horus/internal/sqlite"
	"github.com/mesh-intelligence/horus/pkg/types"
)

func testSchemes() []types.EntityScheme {
	id := types.Attribute{Name: "id", Type: types.TypePrimaryKeyUUID, Version: 1, CascadeDelete: true}
	return []types.EntityScheme{
		{Name: "notes", Kind: types.EntityWritable, Attributes: []types.Attribute{id,
			{Name: "body", Type: types.TypeText, Version: 2}}},
		{Name: "species", Kind: types.EntityReadable, Attributes: []types.Attribute{id}},
		{Name: "regions", Kind: types.EntityReadable, Attributes: []types.Attribute{id}},
	}
}

type fakeRemote struct {
	schemes     []types.EntityScheme
	version     int
	schemaErr   error
	data        []types.EntityInstance
	schemaCalls int
	dataCalls   int
	entityCalls []string
	entityAfter []time.Time
}

func (r *fakeRemote) FetchSchema(context.Context) ([]types.EntityScheme, int, error) {
	r.schemaCalls++
	return r.schemes, r.version, r.schemaErr
}

func (r *fakeRemote) FetchData(context.Context, time.Time) ([]types.EntityInstance, error) {
	r.dataCalls++
	return r.data, nil
}

func (r *fakeRemote) FetchEntityData(_ context.Context, entity string, after time.Time, _ ...string) ([]types.EntityInstance, error) {
	r.entityCalls = append(r.entityCalls, entity)
	r.entityAfter = append(r.entityAfter, after)
	return []types.EntityInstance{{Name: entity, Attributes: types.Attributes{types.F("id", entity+"-1")}}}, nil
}

type fakeStore struct {
	version    int
	completed  map[types.OperationType]bool
	marks      []types.OperationStatus
	checkpoint time.Time
	inserted   int
	schemes    []types.EntityScheme
	times      map[string]time.Time
	calls      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{completed: map[types.OperationType]bool{}, times: map[string]time.Time{}}
}

func (s *fakeStore) SchemaVersion(context.Context) (int, error) { s.calls++; return s.version, nil }
func (s *fakeStore) SetSchemaVersion(_ context.Context, v int) error {
	s.calls++
	s.version = v
	return nil
}
func (s *fakeStore) IsCompleted(_ context.Context, op types.OperationType) (bool, error) {
	s.calls++
	return s.completed[op], nil
}
func (s *fakeStore) MarkOperation(_ context.Context, op types.OperationType, st types.OperationStatus) error {
	s.calls++
	s.marks = append(s.marks, st)
	if st == types.OpCompleted {
		s.completed[op] = true
	}
	return nil
}
func (s *fakeStore) SetCheckpoint(_ context.Context, t time.Time) error {
	s.calls++
	s.checkpoint = t
	return nil
}
func (s *fakeStore) InsertBatch(_ context.Context, in []types.EntityInstance) (int, error) {
	s.calls++
	s.inserted += len(in)
	return len(in), nil
}
func (s *fakeStore) Schemes(context.Context) ([]types.EntityScheme, error) {
	s.calls++
	return s.schemes, nil
}
func (s *fakeStore) TimeSetting(_ context.Context, key string) (time.Time, bool, error) {
	s.calls++
	t, ok := s.times[key]
	return t, ok, nil
}
func (s *fakeStore) SetTimeSetting(_ context.Context, key string, t time.Time) error {
	s.calls++
	s.times[key] = t
	return nil
}

type fakeMigrator struct {
	created  int
	migrated [][2]int
}

func (m *fakeMigrator) Create(_ context.Context, schemes []types.EntityScheme) (sqlite.Applied, error) {
	m.created++
	return sqlite.Applied{Version: types.SchemaVersion(schemes)}, nil
}

func (m *fakeMigrator) Migrate(_ context.Context, from, to int, _ []types.EntityScheme) (sqlite.Applied, error) {
	m.migrated = append(m.migrated, [2]int{from, to})
	return sqlite.Applied{FromVersion: from, Version: to}, nil
}

type fakeHandshaker struct{ err error }

func (h fakeHandshaker) Handshake(context.Context) error { return h.err }

type fakeSync struct{ calls int }

func (s *fakeSync) TrySynchronize(context.Context) (reconcile.Outcome, error) {
	s.calls++
	return reconcile.Outcome{}, nil
}

type fixture struct {
	remote   *fakeRemote
	store    *fakeStore
	migrator *fakeMigrator
	sync     *fakeSync
	now      time.Time
	deps     Deps
}

func newFixture() *fixture {
	f := &fixture{
		remote:   &fakeRemote{schemes: testSchemes(), version: 2},
		store:    newFakeStore(),
		migrator: &fakeMigrator{},
		sync:     &fakeSync{},
		now:      time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.store.schemes = testSchemes()
	f.deps = Deps{
		Remote:       f.remote,
		Store:        f.store,
		Migrator:     f.migrator,
		Handshaker:   fakeHandshaker{},
		Synchronizer: f.sync,
		RefreshTTL:   10 * time.Minute,
		Now:          func() time.Time { return f.now },
	}.withDefaults()
	return f
}

func TestPipeline_Order(t *testing.T) {
	p, err := NewPipeline(newFixture().deps)
	require.NoError(t, err)
	assert.Equal(t, []string{
		TaskFetchSchema, TaskMigrate, TaskHandshake, TaskInitialSync, TaskReadableRefresh, TaskSynchronize,
	}, p.Names())
}

func TestPipeline_FreshStore(t *testing.T) {
	f := newFixture()
	f.remote.data = []types.EntityInstance{{Name: "notes", Attributes: types.Attributes{types.F("id", "n1")}}}
	p, err := NewPipeline(f.deps)
	require.NoError(t, err)

	_, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pipeline.Completed, p.Status())
	assert.Equal(t, 1, f.migrator.created)
	assert.Equal(t, 2, f.store.version)
	assert.True(t, f.store.completed[types.OpHashValidation])
	assert.True(t, f.store.completed[types.OpInitialSynchronization])
	assert.Equal(t, f.now, f.store.checkpoint)
	assert.Equal(t, []string{"species", "regions"}, f.remote.entityCalls)
	assert.Equal(t, 1, f.sync.calls)

	// A second start skips creation and the initial load.
	f.now = f.now.Add(time.Minute)
	_, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, f.migrator.created)
	assert.Equal(t, 1, f.remote.dataCalls)
	assert.Equal(t, 2, f.sync.calls)
}

func TestMigrate_Versions(t *testing.T) {
	t.Run("older store migrates", func(t *testing.T) {
		f := newFixture()
		f.store.version = 1
		_, err := f.deps.migrate(context.Background(), Schema{Schemes: testSchemes(), Version: 2})
		require.NoError(t, err)
		assert.Equal(t, [][2]int{{1, 2}}, f.migrator.migrated)
		assert.Equal(t, 2, f.store.version)
	})
	t.Run("same version is left alone", func(t *testing.T) {
		f := newFixture()
		f.store.version = 2
		_, err := f.deps.migrate(context.Background(), Schema{Schemes: testSchemes(), Version: 2})
		require.NoError(t, err)
		assert.Zero(t, f.migrator.created)
		assert.Empty(t, f.migrator.migrated)
	})
	t.Run("newer store is rejected", func(t *testing.T) {
		f := newFixture()
		f.store.version = 3
		_, err := f.deps.migrate(context.Background(), Schema{Schemes: testSchemes(), Version: 2})
		assert.ErrorIs(t, err, types.ErrInvalidSchema)
	})
}

func TestFetchSchema_RejectsInvalid(t *testing.T) {
	f := newFixture()
	f.remote.schemes = []types.EntityScheme{{Name: "bad name", Kind: types.EntityWritable}}
	_, err := f.deps.fetchSchema(context.Background(), nil)
	assert.ErrorIs(t, err, types.ErrInvalidIdentifier)
}

func TestHandshake_Failure(t *testing.T) {
	f := newFixture()
	f.deps.Handshaker = fakeHandshaker{err: types.ErrHashMismatch}
	p, err := NewPipeline(f.deps)
	require.NoError(t, err)

	_, err = p.Run(context.Background())
	require.ErrorIs(t, err, types.ErrHashMismatch)
	task, _ := p.Err()
	assert.Equal(t, TaskHandshake, task)
	assert.Equal(t, []types.OperationStatus{types.OpFailed}, f.store.marks)
	assert.Zero(t, f.remote.dataCalls)
	assert.Zero(t, f.sync.calls)
}

func TestFetchSchema_Failure(t *testing.T) {
	f := newFixture()
	f.remote.schemaErr = fmt.Errorf("dial: %w", types.ErrRemoteUnavailable)
	p, err := NewPipeline(f.deps)
	require.NoError(t, err)

	_, err = p.Run(context.Background())
	assert.ErrorIs(t, err, types.ErrRemoteUnavailable)
	assert.Equal(t, pipeline.Failed, p.Status())
	assert.Zero(t, f.migrator.created)
}

func TestReadableRefresh_TTL(t *testing.T) {
	f := newFixture()
	r := NewReadableRefresh(f.deps, "")
	ctx := context.Background()

	_, err := r.Execute(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, f.remote.entityCalls, 2)
	assert.True(t, f.remote.entityAfter[0].IsZero(), "first refresh fetches everything")
	assert.Equal(t, f.now, f.store.times[sqlite.SettingReadableRefreshed])

	// Within the TTL nothing is fetched and the store is not read.
	f.now = f.now.Add(9 * time.Minute)
	f.store.calls = 0
	f.remote.entityCalls = nil
	_, err = r.Execute(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, f.store.calls)
	assert.Empty(t, f.remote.entityCalls)

	// After the TTL the refresh fetches changes since the last run.
	last := f.store.times[sqlite.SettingReadableRefreshed]
	f.now = f.now.Add(2 * time.Minute)
	f.remote.entityAfter = nil
	_, err = r.Execute(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, f.remote.entityCalls, 2)
	assert.Equal(t, last, f.remote.entityAfter[0])
}

func TestReadableRefresh_UsesStoredTimestamp(t *testing.T) {
	f := newFixture()
	f.store.times[sqlite.SettingReadableRefreshed] = f.now.Add(-time.Minute)
	r := NewReadableRefresh(f.deps, "")

	_, err := r.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, f.remote.entityCalls)
}
