// Package reconcile pushes the local action log to the remote and replays
// remote actions locally.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/horus/internal/logging"
	"github.com/mesh-intelligence/horus/pkg/types"
)

// Remote is the part of the remote protocol used for reconciliation.
type Remote interface {
	PushActions(ctx context.Context, actions []types.Action) error
	PullActions(ctx context.Context, after time.Time, exclude []int64) ([]types.Action, error)
}

// Store is the local action log.
type Store interface {
	PendingActions(ctx context.Context) ([]types.Action, error)
	CompleteActions(ctx context.Context, ids []int64) error
	CompletedActionsAfter(ctx context.Context, t time.Time) ([]types.Action, error)
	ApplyRemote(ctx context.Context, actions []types.Action) error
}

// Checkpoints persists the pull boundary.
type Checkpoints interface {
	LastCheckpoint(ctx context.Context) (time.Time, bool, error)
	SetCheckpoint(ctx context.Context, t time.Time) error
}

// Sleeper waits between pushed chunks. It returns early with the context
// error when ctx is cancelled.
type Sleeper func(ctx context.Context, d time.Duration) error

// Reconciler runs push and pull passes. Passes are serialized.
type Reconciler struct {
	store       Store
	checkpoints Checkpoints
	remote      Remote
	network     types.NetworkMonitor
	batchSize   int
	pacing      time.Duration
	sleep       Sleeper
	log         logrus.FieldLogger
	mu          sync.Mutex
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the reconciler logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}

// WithSleeper replaces the pacing sleep between chunks.
func WithSleeper(s Sleeper) Option {
	return func(r *Reconciler) {
		if s != nil {
			r.sleep = s
		}
	}
}

// New returns a reconciler. Batch size and pacing come from cfg after
// defaults are applied.
func New(store Store, checkpoints Checkpoints, remote Remote, network types.NetworkMonitor, cfg types.Config, opts ...Option) *Reconciler {
	cfg = cfg.WithDefaults()
	r := &Reconciler{
		store:       store,
		checkpoints: checkpoints,
		remote:      remote,
		network:     network,
		batchSize:   cfg.PushBatchSize,
		pacing:      cfg.PushPacing,
		sleep:       sleepContext,
		log:         logging.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// PushResult summarizes a push pass.
type PushResult struct {
	Pushed int
	Chunks int
}

// PushPending sends pending actions oldest first in chunks of the
// configured batch size, pausing between chunks. Each chunk's actions are
// completed once the remote accepts it. The first failed chunk stops the
// pass; later chunks are not attempted and stay pending.
func (r *Reconciler) PushPending(ctx context.Context) (PushResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushPending(ctx)
}

func (r *Reconciler) pushPending(ctx context.Context) (PushResult, error) {
	var res PushResult
	pending, err := r.store.PendingActions(ctx)
	if err != nil {
		return res, fmt.Errorf("loading pending actions: %w", err)
	}
	if len(pending) == 0 {
		return res, nil
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].ActionedAt.Before(pending[j].ActionedAt)
	})

	chunks := Chunk(pending, r.batchSize)
	for i, chunk := range chunks {
		if i > 0 {
			if err := r.sleep(ctx, r.pacing); err != nil {
				return res, err
			}
		}
		log := r.log.WithFields(logrus.Fields{"chunk": i + 1, "chunks": len(chunks), "size": len(chunk)})
		if err := r.remote.PushActions(ctx, chunk); err != nil {
			log.WithError(err).Warn("push failed")
			return res, fmt.Errorf("pushing chunk %d of %d: %w", i+1, len(chunks), err)
		}
		ids := make([]int64, len(chunk))
		for j, a := range chunk {
			ids[j] = a.ID
		}
		if err := r.store.CompleteActions(ctx, ids); err != nil {
			if !errors.Is(err, types.ErrPartialBatch) {
				return res, fmt.Errorf("completing chunk %d: %w", i+1, err)
			}
			log.WithError(err).Warn("chunk completed partially")
		}
		res.Pushed += len(chunk)
		res.Chunks++
		log.Debug("chunk pushed")
	}
	return res, nil
}

// Chunk splits actions into consecutive slices of at most size elements.
func Chunk(actions []types.Action, size int) [][]types.Action {
	if size <= 0 {
		size = types.DefaultPushBatchSize
	}
	var out [][]types.Action
	for start := 0; start < len(actions); start += size {
		end := min(start+size, len(actions))
		out = append(out, actions[start:end])
	}
	return out
}

// PullSince fetches remote actions after checkpoint, skipping the excluded
// timestamps, applies them locally and then advances the checkpoint to the
// newest applied action. The checkpoint is left alone when nothing arrives
// or when applying fails.
func (r *Reconciler) PullSince(ctx context.Context, checkpoint time.Time, exclude []int64) ([]types.Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pullSince(ctx, checkpoint, exclude)
}

func (r *Reconciler) pullSince(ctx context.Context, checkpoint time.Time, exclude []int64) ([]types.Action, error) {
	actions, err := r.remote.PullActions(ctx, checkpoint, dedupInts(exclude))
	if err != nil {
		return nil, fmt.Errorf("pulling actions: %w", err)
	}
	if len(actions) == 0 {
		return nil, nil
	}
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].ActionedAt.Before(actions[j].ActionedAt)
	})
	if err := r.store.ApplyRemote(ctx, actions); err != nil {
		return nil, err
	}
	latest := actions[len(actions)-1].ActionedAt
	if err := r.checkpoints.SetCheckpoint(ctx, latest); err != nil {
		return nil, fmt.Errorf("advancing checkpoint: %w", err)
	}
	r.log.WithFields(logrus.Fields{"applied": len(actions), "checkpoint": latest.Unix()}).Debug("remote actions applied")
	return actions, nil
}

// Pull runs PullSince from the stored checkpoint, excluding the timestamps
// of local actions already completed since then.
func (r *Reconciler) Pull(ctx context.Context) ([]types.Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pull(ctx)
}

func (r *Reconciler) pull(ctx context.Context) ([]types.Action, error) {
	checkpoint, _, err := r.checkpoints.LastCheckpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	own, err := r.store.CompletedActionsAfter(ctx, checkpoint)
	if err != nil {
		return nil, fmt.Errorf("listing completed actions: %w", err)
	}
	exclude := make([]int64, len(own))
	for i, a := range own {
		exclude[i] = a.ActionedAt.Unix()
	}
	return r.pullSince(ctx, checkpoint, exclude)
}

// Outcome summarizes a synchronization pass.
type Outcome struct {
	Skipped bool
	Pushed  int
	Pulled  int
}

// TrySynchronize pushes pending actions and then pulls remote ones. It is
// a no-op when the network is unavailable at entry.
func (r *Reconciler) TrySynchronize(ctx context.Context) (Outcome, error) {
	if r.network != nil && !r.network.IsAvailable() {
		r.log.Debug("offline, synchronization skipped")
		return Outcome{Skipped: true}, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	pushed, err := r.pushPending(ctx)
	if err != nil {
		return Outcome{Pushed: pushed.Pushed}, err
	}
	pulled, err := r.pull(ctx)
	if err != nil {
		return Outcome{Pushed: pushed.Pushed}, err
	}
	out := Outcome{Pushed: pushed.Pushed, Pulled: len(pulled)}
	if out.Pushed > 0 || out.Pulled > 0 {
		r.log.WithFields(logrus.Fields{"pushed": out.Pushed, "pulled": out.Pulled}).Info("synchronized")
	}
	return out, nil
}

func dedupInts(in []int64) []int64 {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[int64]bool, len(in))
	out := make([]int64, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
