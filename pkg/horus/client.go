// Package horus is the public entry point of the offline-first data sync
// client. A Client owns the local store, the remote transport, the startup
// pipeline and the background synchronizer; nothing is global.
package horus

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/horus/internal/hashing"
	"github.com/mesh-intelligence/horus/internal/logging"
	"github.com/mesh-intelligence/horus/internal/network"
	"github.com/mesh-intelligence/horus/internal/pipeline"
	"github.com/mesh-intelligence/horus/internal/reconcile"
	"github.com/mesh-intelligence/horus/internal/remote"
	"github.com/mesh-intelligence/horus/internal/sqlbuilder"
	"github.com/mesh-intelligence/horus/internal/sqlite"
	"github.com/mesh-intelligence/horus/internal/startup"
	"github.com/mesh-intelligence/horus/pkg/types"
)

// Version is the client release.
const Version = "0.3.0"

// Re-exported so callers can use these values without importing internal
// packages.
type (
	Status    = pipeline.Status
	Event     = sqlite.Event
	EventKind = sqlite.EventKind
	Outcome   = reconcile.Outcome
	Query     = sqlbuilder.Query
	Predicate = sqlbuilder.Predicate
	Order     = sqlbuilder.Order
)

// Pipeline states.
const (
	StatusIdle      = pipeline.Idle
	StatusRunning   = pipeline.Running
	StatusCompleted = pipeline.Completed
	StatusFailed    = pipeline.Failed
)

// Store events.
const (
	EventActionCreated = sqlite.EventActionCreated
	EventEntityCreated = sqlite.EventEntityCreated
	EventEntityUpdated = sqlite.EventEntityUpdated
	EventEntityDeleted = sqlite.EventEntityDeleted
)

// Predicate constructors.
var (
	Eq        = sqlbuilder.Eq
	Ne        = sqlbuilder.Ne
	Lt        = sqlbuilder.Lt
	Le        = sqlbuilder.Le
	Gt        = sqlbuilder.Gt
	Ge        = sqlbuilder.Ge
	Like      = sqlbuilder.Like
	In        = sqlbuilder.In
	IsNull    = sqlbuilder.IsNull
	IsNotNull = sqlbuilder.IsNotNull
)

// Client is an attached local store bound to one remote.
type Client struct {
	cfg      types.Config
	log      logrus.FieldLogger
	network  types.NetworkMonitor
	now      func() time.Time
	sleeper  reconcile.Sleeper
	remoteOp []remote.Option

	mu         sync.Mutex
	closed     bool
	ready      bool
	backend    *sqlite.Backend
	actions    *sqlite.ActionLog
	remote     *remote.Client
	validator  *hashing.Validator
	reconciler *reconcile.Reconciler
	dispenser  *reconcile.Dispenser
	pipeline   *pipeline.Pipeline
	statusSubs []statusSub
	nextStatus int
	unsubs     []func()
}

type statusSub struct {
	id int
	fn func(Status)
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger shared by every component.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithNetworkMonitor sets the connectivity source. Without one the network
// is assumed available.
func WithNetworkMonitor(m types.NetworkMonitor) Option {
	return func(c *Client) {
		if m != nil {
			c.network = m
		}
	}
}

// WithClock replaces time.Now for stored timestamps and refresh TTLs.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithPushSleeper replaces the pause between pushed chunks.
func WithPushSleeper(s reconcile.Sleeper) Option {
	return func(c *Client) { c.sleeper = s }
}

// WithHTTPClient sets the HTTP client used for the remote.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.remoteOp = append(c.remoteOp, remote.WithHTTPClient(hc)) }
}

// WithHeaderProvider supplies per-request headers such as credentials.
func WithHeaderProvider(p remote.HeaderProvider) Option {
	return func(c *Client) { c.remoteOp = append(c.remoteOp, remote.WithHeaderProvider(p)) }
}

// WithBearerToken authenticates every request with a static token.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.remoteOp = append(c.remoteOp, remote.WithBearerToken(token)) }
}

// New attaches the local store under cfg.DataDir and wires the client. It
// does not contact the remote; call Start for that.
func New(cfg types.Config, opts ...Option) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateRemote(); err != nil {
		return nil, err
	}
	c := &Client{cfg: cfg, log: logging.Discard(), network: network.NewStatic(true), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.wire(); err != nil {
		return nil, err
	}
	return c, nil
}

// wire builds every component over a freshly attached backend.
func (c *Client) wire() error {
	backend := sqlite.NewBackend(sqlite.WithLogger(c.log), sqlite.WithClock(c.now))
	if err := backend.Attach(c.cfg); err != nil {
		return err
	}
	ropts := append([]remote.Option{
		remote.WithTimeout(c.cfg.HTTPTimeout),
		remote.WithLogger(c.log.WithField("component", "remote")),
	}, c.remoteOp...)
	rc, err := remote.New(c.cfg.BaseURL, ropts...)
	if err != nil {
		backend.Detach()
		return err
	}

	actions := sqlite.NewActionLog(backend)
	validator := hashing.NewValidator(rc, backend, hashing.WithLogger(c.log.WithField("component", "hashing")))
	recOpts := []reconcile.Option{reconcile.WithLogger(c.log.WithField("component", "reconciler"))}
	if c.sleeper != nil {
		recOpts = append(recOpts, reconcile.WithSleeper(c.sleeper))
	}
	rec := reconcile.New(actions, backend, rc, c.network, c.cfg, recOpts...)
	p, err := startup.NewPipeline(startup.Deps{
		Remote:       rc,
		Store:        backend,
		Migrator:     sqlite.NewMigrator(backend),
		Handshaker:   validator,
		Synchronizer: rec,
		RefreshTTL:   c.cfg.ReadableEntityRefreshTTL,
		Now:          c.now,
		Log:          c.log.WithField("component", "startup"),
	})
	if err != nil {
		backend.Detach()
		return err
	}

	c.backend, c.actions, c.remote = backend, actions, rc
	c.validator, c.reconciler, c.pipeline = validator, rec, p
	c.ready = false
	c.dispenser = reconcile.NewDispenser(c.cfg.PushExpirationWindow, c.dispensed,
		reconcile.WithDispenserLogger(c.log.WithField("component", "dispenser")))

	c.unsubs = []func(){
		p.OnStatus(c.relayStatus),
		actions.Subscribe(func(ev sqlite.Event) {
			if ev.Kind == sqlite.EventActionCreated && !ev.Remote {
				c.trigger()
			}
		}),
		c.network.Subscribe(func(available bool) {
			if available {
				c.trigger()
			}
		}),
	}
	return nil
}

func (c *Client) trigger() {
	c.mu.Lock()
	d := c.dispenser
	c.mu.Unlock()
	if d != nil {
		d.Trigger()
	}
}

// dispensed is the coalesced background pass. It does nothing until the
// startup pipeline has completed once.
func (c *Client) dispensed(ctx context.Context) error {
	c.mu.Lock()
	ready, rec := c.ready, c.reconciler
	c.mu.Unlock()
	if !ready {
		c.log.Debug("client not started, background synchronization deferred")
		return nil
	}
	_, err := rec.TrySynchronize(ctx)
	return err
}

// Start runs the startup pipeline: fetch the remote schema, migrate the
// store, validate hashing, load initial data, refresh readable entities and
// synchronize. It returns ErrPipelineRunning when a run is in progress.
func (c *Client) Start(ctx context.Context) error {
	_, err := c.start(ctx)
	return err
}

func (c *Client) start(ctx context.Context) (Outcome, error) {
	p, err := c.current()
	if err != nil {
		return Outcome{}, err
	}
	out, err := p.Run(ctx)
	if err != nil {
		return Outcome{}, err
	}
	c.mu.Lock()
	if c.pipeline == p {
		c.ready = true
	}
	c.mu.Unlock()
	o, _ := out.(Outcome)
	return o, nil
}

// Synchronize pushes pending actions and pulls remote ones. Before the
// first successful Start it runs the whole startup pipeline instead.
func (c *Client) Synchronize(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Outcome{}, types.ErrStoreDetached
	}
	ready, rec := c.ready, c.reconciler
	c.mu.Unlock()
	if !ready {
		return c.start(ctx)
	}
	return rec.TrySynchronize(ctx)
}

// Started reports whether the startup pipeline has completed.
func (c *Client) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Status returns the startup pipeline state.
func (c *Client) Status() Status {
	p, err := c.current()
	if err != nil {
		return StatusIdle
	}
	return p.Status()
}

// OnStatus registers fn for startup pipeline transitions. The subscription
// survives Reset.
func (c *Client) OnStatus(fn func(Status)) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextStatus
	c.nextStatus++
	c.statusSubs = append(c.statusSubs, statusSub{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, s := range c.statusSubs {
				if s.id == id {
					c.statusSubs = append(c.statusSubs[:i], c.statusSubs[i+1:]...)
					return
				}
			}
		})
	}
}

func (c *Client) relayStatus(s Status) {
	c.mu.Lock()
	subs := make([]statusSub, len(c.statusSubs))
	copy(subs, c.statusSubs)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.fn(s)
	}
}

// Subscribe registers fn for store events: actions created locally and
// entity rows created, updated or deleted locally or by the remote.
func (c *Client) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.mu.Lock()
	actions := c.actions
	c.mu.Unlock()
	if actions == nil {
		return func() {}
	}
	return actions.Subscribe(fn)
}

func (c *Client) current() (*pipeline.Pipeline, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, types.ErrStoreDetached
	}
	return c.pipeline, nil
}

func (c *Client) store() (*sqlite.Backend, *sqlite.ActionLog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, types.ErrStoreDetached
	}
	return c.backend, c.actions, nil
}

// writable resolves the store and rejects entities that are not writable.
func (c *Client) writable(ctx context.Context, entity string) (*sqlite.ActionLog, error) {
	backend, actions, err := c.store()
	if err != nil {
		return nil, err
	}
	ok, err := backend.IsEntityWritable(ctx, entity)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", entity, types.ErrEntityNotWritable)
	}
	return actions, nil
}

// Insert writes a new row of a writable entity and queues its action.
func (c *Client) Insert(ctx context.Context, entity string, attrs types.Attributes) (types.Action, error) {
	actions, err := c.writable(ctx, entity)
	if err != nil {
		return types.Action{}, err
	}
	return actions.RecordInsert(ctx, entity, attrs)
}

// Update changes attributes of a row of a writable entity.
func (c *Client) Update(ctx context.Context, entity string, id types.Value, attrs types.Attributes) (types.Action, error) {
	actions, err := c.writable(ctx, entity)
	if err != nil {
		return types.Action{}, err
	}
	return actions.RecordUpdate(ctx, entity, id, attrs)
}

// Delete removes a row of a writable entity.
func (c *Client) Delete(ctx context.Context, entity string, id types.Value) (types.Action, error) {
	actions, err := c.writable(ctx, entity)
	if err != nil {
		return types.Action{}, err
	}
	return actions.RecordDelete(ctx, entity, id)
}

// Get returns one row by primary key.
func (c *Client) Get(ctx context.Context, entity string, id types.Value) (types.EntityInstance, error) {
	backend, _, err := c.store()
	if err != nil {
		return types.EntityInstance{}, err
	}
	return backend.Get(ctx, entity, id)
}

// Find runs a single-table lookup.
func (c *Client) Find(ctx context.Context, q Query) ([]types.EntityInstance, error) {
	backend, _, err := c.store()
	if err != nil {
		return nil, err
	}
	return backend.Query(ctx, q)
}

// Count returns the number of rows of entity matching preds.
func (c *Client) Count(ctx context.Context, entity string, preds ...Predicate) (int, error) {
	backend, _, err := c.store()
	if err != nil {
		return 0, err
	}
	return backend.Count(ctx, entity, preds...)
}

// Pending returns the number of actions not yet accepted by the remote.
func (c *Client) Pending(ctx context.Context) (int, error) {
	_, actions, err := c.store()
	if err != nil {
		return 0, err
	}
	return actions.CountPending(ctx)
}

// Actions lists recorded actions, newest first, filtered by status when
// status is not empty.
func (c *Client) Actions(ctx context.Context, status types.ActionStatus, limit int) ([]types.Action, error) {
	_, actions, err := c.store()
	if err != nil {
		return nil, err
	}
	return actions.Actions(ctx, status, limit)
}

// ValidateData compares per-entity aggregate hashes with the remote. Every
// registered entity is checked when entities is empty. It returns
// ErrOffline without contacting the remote when the network is down.
func (c *Client) ValidateData(ctx context.Context, entities ...string) ([]hashing.EntityResult, error) {
	backend, _, err := c.store()
	if err != nil {
		return nil, err
	}
	if c.network != nil && !c.network.IsAvailable() {
		return nil, types.ErrOffline
	}
	if len(entities) == 0 {
		schemes, err := backend.Schemes(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range schemes {
			entities = append(entities, e.Name)
		}
	}
	c.mu.Lock()
	v := c.validator
	c.mu.Unlock()
	return v.ValidateEntitiesData(ctx, entities)
}

// Reset removes the local database and starts over with an empty store.
// OnStatus observers survive; Subscribe subscriptions do not. Start must be
// run again.
func (c *Client) Reset() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return types.ErrStoreDetached
	}
	if c.pipeline.Status() == StatusRunning {
		c.mu.Unlock()
		return types.ErrPipelineRunning
	}
	c.teardown()
	backend := c.backend
	c.mu.Unlock()

	if err := backend.Destroy(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.wire(); err != nil {
		c.closed = true
		return err
	}
	c.log.Info("local store reset")
	return nil
}

// teardown stops background work. Callers hold mu; the dispenser is closed
// without it because a running pass may need the lock.
func (c *Client) teardown() {
	for _, u := range c.unsubs {
		u()
	}
	c.unsubs = nil
	d := c.dispenser
	c.dispenser = nil
	if d != nil {
		c.mu.Unlock()
		d.Close()
		c.mu.Lock()
	}
}

// Close stops background synchronization and detaches the store. Close is
// idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.teardown()
	backend := c.backend
	c.mu.Unlock()
	return backend.Detach()
}
