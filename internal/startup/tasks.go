// Package startup defines the synchronization tasks run when a client
// starts: fetch the remote schema, migrate the local store, validate
// hashing, load initial data, refresh readable entities and synchronize.
package startup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/horus/internal/logging"
	"github.com/mesh-intelligence/horus/internal/pipeline"
	"github.com/mesh-intelligence/horus/internal/reconcile"
	"github.com/mesh-intelligence/horus/internal/sqlite"
	"github.com/mesh-intelligence/horus/pkg/types"
)

// Task names in chain order.
const (
	TaskFetchSchema     = "fetch_schema"
	TaskMigrate         = "migrate"
	TaskHandshake       = "validate_hashing"
	TaskInitialSync     = "initial_synchronization"
	TaskReadableRefresh = "refresh_readable"
	TaskSynchronize     = "synchronize"
)

// Remote is the part of the remote protocol used at startup.
type Remote interface {
	FetchSchema(ctx context.Context) ([]types.EntityScheme, int, error)
	FetchData(ctx context.Context, after time.Time) ([]types.EntityInstance, error)
	FetchEntityData(ctx context.Context, entity string, after time.Time, ids ...string) ([]types.EntityInstance, error)
}

// Store is the local state touched at startup.
type Store interface {
	SchemaVersion(ctx context.Context) (int, error)
	SetSchemaVersion(ctx context.Context, v int) error
	IsCompleted(ctx context.Context, op types.OperationType) (bool, error)
	MarkOperation(ctx context.Context, op types.OperationType, status types.OperationStatus) error
	SetCheckpoint(ctx context.Context, t time.Time) error
	InsertBatch(ctx context.Context, instances []types.EntityInstance) (int, error)
	Schemes(ctx context.Context) ([]types.EntityScheme, error)
	TimeSetting(ctx context.Context, key string) (time.Time, bool, error)
	SetTimeSetting(ctx context.Context, key string, t time.Time) error
}

// Migrator applies schema changes to the local store.
type Migrator interface {
	Create(ctx context.Context, schemes []types.EntityScheme) (sqlite.Applied, error)
	Migrate(ctx context.Context, oldVersion, newVersion int, schemes []types.EntityScheme) (sqlite.Applied, error)
}

// Handshaker validates that client and remote hash alike.
type Handshaker interface {
	Handshake(ctx context.Context) error
}

// Synchronizer runs one push and pull pass.
type Synchronizer interface {
	TrySynchronize(ctx context.Context) (reconcile.Outcome, error)
}

// Schema is the output of the fetch task.
type Schema struct {
	Schemes []types.EntityScheme
	Version int
}

// Deps wires the startup tasks.
type Deps struct {
	Remote       Remote
	Store        Store
	Migrator     Migrator
	Handshaker   Handshaker
	Synchronizer Synchronizer
	RefreshTTL   time.Duration
	Now          func() time.Time
	Log          logrus.FieldLogger
}

func (d Deps) withDefaults() Deps {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Log == nil {
		d.Log = logging.Discard()
	}
	return d
}

// Tasks returns the startup chain. Each task declares its predecessor.
func Tasks(d Deps) []pipeline.Task {
	d = d.withDefaults()
	return []pipeline.Task{
		pipeline.Func(TaskFetchSchema, "", d.fetchSchema),
		pipeline.Func(TaskMigrate, TaskFetchSchema, d.migrate),
		pipeline.Func(TaskHandshake, TaskMigrate, d.handshake),
		pipeline.Func(TaskInitialSync, TaskHandshake, d.initialSync),
		NewReadableRefresh(d, TaskInitialSync),
		pipeline.Func(TaskSynchronize, TaskReadableRefresh, d.synchronize),
	}
}

// NewPipeline builds the startup pipeline.
func NewPipeline(d Deps) (*pipeline.Pipeline, error) {
	d = d.withDefaults()
	return pipeline.New(Tasks(d), pipeline.WithLogger(d.Log))
}

// ApplySchema brings the store to schema.Version by the rules of the
// migrate task. Only Store, Migrator and Log are used.
func ApplySchema(ctx context.Context, d Deps, schema Schema) error {
	_, err := d.withDefaults().migrate(ctx, schema)
	return err
}

func (d Deps) fetchSchema(ctx context.Context, _ any) (any, error) {
	schemes, version, err := d.Remote.FetchSchema(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := types.PlanSchema(schemes); err != nil {
		return nil, fmt.Errorf("remote schema: %w", err)
	}
	return Schema{Schemes: schemes, Version: version}, nil
}

// migrate brings the store to the fetched version. A fresh store is
// created at once; an older one is migrated version by version; a store
// already at the version is left alone.
func (d Deps) migrate(ctx context.Context, prev any) (any, error) {
	schema, ok := prev.(Schema)
	if !ok {
		return nil, fmt.Errorf("migrate: unexpected input %T", prev)
	}
	current, err := d.Store.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	log := d.Log.WithFields(logrus.Fields{"from": current, "to": schema.Version})
	switch {
	case current == schema.Version:
		log.Debug("schema up to date")
		return schema, nil
	case current > schema.Version:
		return nil, fmt.Errorf("remote schema version %d is older than local %d: %w", schema.Version, current, types.ErrInvalidSchema)
	case current == 0:
		applied, err := d.Migrator.Create(ctx, schema.Schemes)
		if err != nil {
			return nil, err
		}
		log.WithField("created", applied.Created).Info("schema created")
	default:
		applied, err := d.Migrator.Migrate(ctx, current, schema.Version, schema.Schemes)
		if err != nil {
			return nil, err
		}
		log.WithField("statements", len(applied.Statements)).Info("schema migrated")
	}
	if err := d.Store.SetSchemaVersion(ctx, schema.Version); err != nil {
		return nil, err
	}
	return schema, nil
}

func (d Deps) handshake(ctx context.Context, prev any) (any, error) {
	err := d.Handshaker.Handshake(ctx)
	status := types.OpCompleted
	if err != nil {
		status = types.OpFailed
	}
	if markErr := d.Store.MarkOperation(ctx, types.OpHashValidation, status); markErr != nil && err == nil {
		err = markErr
	}
	if err != nil {
		return nil, err
	}
	return prev, nil
}

func (d Deps) initialSync(ctx context.Context, prev any) (any, error) {
	done, err := d.Store.IsCompleted(ctx, types.OpInitialSynchronization)
	if err != nil {
		return nil, err
	}
	if done {
		return prev, nil
	}
	started := d.Now()
	data, err := d.Remote.FetchData(ctx, time.Time{})
	if err != nil {
		return nil, err
	}
	n, err := d.Store.InsertBatch(ctx, data)
	if err != nil {
		return nil, err
	}
	if err := d.Store.MarkOperation(ctx, types.OpInitialSynchronization, types.OpCompleted); err != nil {
		return nil, err
	}
	if err := d.Store.SetCheckpoint(ctx, started); err != nil {
		return nil, err
	}
	d.Log.WithField("rows", n).Info("initial synchronization completed")
	return prev, nil
}

// synchronize ends the chain; its reconcile.Outcome is the pipeline output.
func (d Deps) synchronize(ctx context.Context, _ any) (any, error) {
	out, err := d.Synchronizer.TrySynchronize(ctx)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReadableRefresh reloads readable entities from the remote at most once
// per TTL. Within the TTL it returns at once without touching the remote
// or the store.
type ReadableRefresh struct {
	d     Deps
	after string

	mu      sync.Mutex
	lastRun time.Time
	loaded  bool
}

// NewReadableRefresh returns the refresh task, chained after the named task.
func NewReadableRefresh(d Deps, after string) *ReadableRefresh {
	return &ReadableRefresh{d: d.withDefaults(), after: after}
}

// Name implements pipeline.Task.
func (r *ReadableRefresh) Name() string { return TaskReadableRefresh }

// DependsOn implements pipeline.Dependent.
func (r *ReadableRefresh) DependsOn() string { return r.after }

// Execute implements pipeline.Task.
func (r *ReadableRefresh) Execute(ctx context.Context, prev any) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.d.Now()
	if r.fresh(now) {
		return prev, nil
	}
	if !r.loaded {
		last, ok, err := r.d.Store.TimeSetting(ctx, sqlite.SettingReadableRefreshed)
		if err != nil {
			return nil, err
		}
		r.loaded = true
		if ok {
			r.lastRun = last
		}
		if r.fresh(now) {
			return prev, nil
		}
	}

	schemes, err := r.d.Store.Schemes(ctx)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, e := range schemes {
		if e.IsWritable() {
			continue
		}
		data, err := r.d.Remote.FetchEntityData(ctx, e.Name, r.lastRun)
		if err != nil {
			return nil, err
		}
		n, err := r.d.Store.InsertBatch(ctx, data)
		if err != nil {
			return nil, err
		}
		total += n
	}
	if err := r.d.Store.SetTimeSetting(ctx, sqlite.SettingReadableRefreshed, now); err != nil {
		return nil, err
	}
	r.lastRun = now
	r.d.Log.WithField("rows", total).Debug("readable entities refreshed")
	return prev, nil
}

func (r *ReadableRefresh) fresh(now time.Time) bool {
	return !r.lastRun.IsZero() && now.Sub(r.lastRun) < r.d.RefreshTTL
}
