package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/horus/internal/network"
	"github.com/mesh-intelligence/horus/pkg/types"
)

var base = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

// memStore is an in-memory action log and checkpoint store.
type memStore struct {
	mu          sync.Mutex
	actions     []types.Action
	applied     []types.Action
	applyErr    error
	checkpoints []time.Time
}

func newMemStore(n int) *memStore {
	s := &memStore{}
	// Recorded newest first so ordering is the store's job.
	for i := n; i >= 1; i-- {
		s.actions = append(s.actions, types.Action{
			ID:         int64(i),
			Kind:       types.ActionDelete,
			Entity:     "notes",
			Status:     types.ActionPending,
			Data:       types.DeleteData(types.Int(int64(i))),
			ActionedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	return s
}

func (s *memStore) PendingActions(context.Context) ([]types.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Action
	for _, a := range s.actions {
		if a.Status == types.ActionPending {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memStore) CompleteActions(_ context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for i := range s.actions {
		if want[s.actions[i].ID] {
			s.actions[i].Status = types.ActionCompleted
		}
	}
	return nil
}

func (s *memStore) CompletedActionsAfter(_ context.Context, t time.Time) ([]types.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Action
	for _, a := range s.actions {
		if a.Status == types.ActionCompleted && a.ActionedAt.After(t) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memStore) ApplyRemote(_ context.Context, actions []types.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return s.applyErr
	}
	s.applied = append(s.applied, actions...)
	return nil
}

func (s *memStore) LastCheckpoint(context.Context) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last time.Time
	for _, c := range s.checkpoints {
		if c.After(last) {
			last = c
		}
	}
	return last, len(s.checkpoints) > 0, nil
}

func (s *memStore) SetCheckpoint(_ context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints = append(s.checkpoints, t)
	return nil
}

func (s *memStore) completed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.actions {
		if a.Status == types.ActionCompleted {
			n++
		}
	}
	return n
}

// fakeRemote records pushed chunks and serves queued remote actions.
type fakeRemote struct {
	mu        sync.Mutex
	chunks    [][]types.Action
	failChunk int
	incoming  []types.Action
	pulls     []pullCall
}

type pullCall struct {
	after   time.Time
	exclude []int64
}

func (f *fakeRemote) PushActions(_ context.Context, actions []types.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failChunk == len(f.chunks)+1 {
		return types.ErrRemoteUnavailable
	}
	f.chunks = append(f.chunks, actions)
	return nil
}

func (f *fakeRemote) PullActions(_ context.Context, after time.Time, exclude []int64) ([]types.Action, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls = append(f.pulls, pullCall{after: after, exclude: exclude})
	out := f.incoming
	f.incoming = nil
	return out, nil
}

type recordingSleeper struct {
	calls []time.Duration
}

func (r *recordingSleeper) sleep(_ context.Context, d time.Duration) error {
	r.calls = append(r.calls, d)
	return nil
}

func newReconciler(store *memStore, remote *fakeRemote, net types.NetworkMonitor, sleeper *recordingSleeper) *Reconciler {
	cfg := types.Config{PushBatchSize: 1000, PushPacing: 250 * time.Millisecond}
	return New(store, store, remote, net, cfg, WithSleeper(sleeper.sleep))
}

func TestPushPending_ChunksAndPacing(t *testing.T) {
	store := newMemStore(1500)
	remote := &fakeRemote{}
	sleeper := &recordingSleeper{}
	r := newReconciler(store, remote, network.NewStatic(true), sleeper)

	res, err := r.PushPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PushResult{Pushed: 1500, Chunks: 2}, res)

	require.Len(t, remote.chunks, 2)
	assert.Len(t, remote.chunks[0], 1000)
	assert.Len(t, remote.chunks[1], 500)
	assert.Equal(t, int64(1), remote.chunks[0][0].ID, "oldest action goes first")
	assert.Equal(t, int64(1001), remote.chunks[1][0].ID)
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, sleeper.calls, "one pause between two chunks")
	assert.Equal(t, 1500, store.completed())
}

func TestPushPending_FirstChunkFails(t *testing.T) {
	store := newMemStore(1500)
	remote := &fakeRemote{failChunk: 1}
	sleeper := &recordingSleeper{}
	r := newReconciler(store, remote, network.NewStatic(true), sleeper)

	_, err := r.PushPending(context.Background())
	require.ErrorIs(t, err, types.ErrRemoteUnavailable)
	assert.Empty(t, remote.chunks, "no later chunk is attempted")
	assert.Zero(t, store.completed())
	assert.Empty(t, sleeper.calls)
}

func TestPushPending_SecondChunkFails(t *testing.T) {
	store := newMemStore(1500)
	remote := &fakeRemote{failChunk: 2}
	r := newReconciler(store, remote, network.NewStatic(true), &recordingSleeper{})

	res, err := r.PushPending(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1000, res.Pushed)
	assert.Equal(t, 1000, store.completed(), "the accepted chunk stays completed")
}

func TestPushPending_CancelledDuringPacing(t *testing.T) {
	store := newMemStore(3)
	remote := &fakeRemote{}
	cfg := types.Config{PushBatchSize: 1, PushPacing: time.Hour}
	r := New(store, store, remote, nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := r.PushPending(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, remote.chunks, 1)
}

func TestChunk(t *testing.T) {
	actions := make([]types.Action, 5)
	assert.Len(t, Chunk(actions, 2), 3)
	assert.Len(t, Chunk(actions, 5), 1)
	assert.Empty(t, Chunk(nil, 2))
}

func TestPullSince_AppliesThenCheckpoints(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(0)
	remote := &fakeRemote{incoming: []types.Action{
		{ID: 2, Kind: types.ActionDelete, Entity: "notes", Data: types.DeleteData(types.Int(2)), ActionedAt: base.Add(2 * time.Minute)},
		{ID: 1, Kind: types.ActionDelete, Entity: "notes", Data: types.DeleteData(types.Int(1)), ActionedAt: base.Add(time.Minute)},
	}}
	r := newReconciler(store, remote, network.NewStatic(true), &recordingSleeper{})

	got, err := r.PullSince(ctx, base, []int64{5, 3, 5})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), store.applied[0].ID, "applied in timestamp order")
	assert.Equal(t, []int64{3, 5}, remote.pulls[0].exclude)

	cp, ok, err := store.LastCheckpoint(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, base.Add(2*time.Minute), cp)
}

func TestPullSince_ApplyFailureKeepsCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(0)
	store.applyErr = errors.New("disk full")
	remote := &fakeRemote{incoming: []types.Action{
		{Kind: types.ActionDelete, Entity: "notes", Data: types.DeleteData(types.Int(1)), ActionedAt: base},
	}}
	r := newReconciler(store, remote, network.NewStatic(true), &recordingSleeper{})

	_, err := r.PullSince(ctx, time.Time{}, nil)
	require.Error(t, err)
	_, ok, _ := store.LastCheckpoint(ctx)
	assert.False(t, ok)
}

func TestTrySynchronize(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(3)
	remote := &fakeRemote{}
	net := network.NewSwitchable(false)
	r := newReconciler(store, remote, net, &recordingSleeper{})

	out, err := r.TrySynchronize(ctx)
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Empty(t, remote.chunks)
	assert.Empty(t, remote.pulls)

	net.Set(true)
	out, err = r.TrySynchronize(ctx)
	require.NoError(t, err)
	assert.Equal(t, Outcome{Pushed: 3}, out)
	require.Len(t, remote.pulls, 1)
	assert.Len(t, remote.pulls[0].exclude, 3, "own completed actions are excluded from the pull")

	out, err = r.TrySynchronize(ctx)
	require.NoError(t, err)
	assert.Equal(t, Outcome{}, out)
	assert.Len(t, remote.chunks, 1, "nothing pending means nothing pushed")
}

func TestDispenser_Coalesces(t *testing.T) {
	var calls atomic.Int32
	d := NewDispenser(30*time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	defer d.Close()

	for i := 0; i < 20; i++ {
		d.Trigger()
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	d.Trigger()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, d.Runs())
}

func TestDispenser_TriggerDuringRun(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	d := NewDispenser(5*time.Millisecond, func(context.Context) error {
		if calls.Add(1) == 1 {
			<-release
		}
		return nil
	})
	defer d.Close()

	d.Trigger()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
	d.Trigger()
	d.Trigger()
	close(release)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(2), calls.Load(), "triggers during a run collapse into one follow-up")
}

func TestDispenser_CloseCancelsPending(t *testing.T) {
	var calls atomic.Int32
	d := NewDispenser(20*time.Millisecond, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	d.Trigger()
	d.Close()
	d.Close()
	d.Trigger()
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, calls.Load())
}
