package hashing

import (
	"context"
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/horus/internal/logging"
	"github.com/mesh-intelligence/horus/pkg/types"
)

// Result is the remote's verdict on one hash.
type Result struct {
	Expected string `json:"expected"`
	Obtained string `json:"obtained"`
	Matched  bool   `json:"matched"`
}

// EntityHash is the aggregate hash of one entity sent for validation.
type EntityHash struct {
	Entity string `json:"entity"`
	Hash   string `json:"hash"`
}

// EntityResult is the remote's verdict for one entity.
type EntityResult struct {
	Entity            string `json:"entity"`
	HashingValidation Result `json:"hashingValidation"`
}

// Outcome of a validation.
type Outcome int

// Outcomes.
const (
	Matched Outcome = iota
	Mismatched
)

func (o Outcome) String() string {
	if o == Matched {
		return "matched"
	}
	return "mismatched"
}

// Remote is the part of the remote protocol the validator uses.
type Remote interface {
	ValidateHashing(ctx context.Context, data types.Attributes, hash string) (Result, error)
	ValidateData(ctx context.Context, hashes []EntityHash) ([]EntityResult, error)
	EntityHashes(ctx context.Context, entity string) ([]RowHash, error)
}

// Store supplies the local row hashes of an entity.
type Store interface {
	RowHashes(ctx context.Context, entity string) ([]RowHash, error)
}

// Validator compares local hashes with remote-computed ones.
type Validator struct {
	remote Remote
	store  Store
	log    logrus.FieldLogger
	sample func() types.Attributes
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the validator logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(v *Validator) {
		if l != nil {
			v.log = l
		}
	}
}

// WithSample replaces the generator of handshake payloads.
func WithSample(fn func() types.Attributes) Option {
	return func(v *Validator) {
		if fn != nil {
			v.sample = fn
		}
	}
}

// NewValidator returns a validator. store may be nil when only the
// handshake is used.
func NewValidator(remote Remote, store Store, opts ...Option) *Validator {
	v := &Validator{remote: remote, store: store, log: logging.Discard(), sample: Sample}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Sample returns an arbitrary payload mixing every value kind.
func Sample() types.Attributes {
	return types.Attributes{
		{Name: "label", Value: types.String(uuid.NewString())},
		{Name: "count", Value: types.Int(rand.Int63n(1_000_000))},
		{Name: "ratio", Value: types.Float(float64(rand.Intn(10_000)) / 100)},
		{Name: "enabled", Value: types.Bool(rand.Intn(2) == 1)},
		{Name: "note", Value: types.Null()},
	}
}

// ValidateAgainstRemote sends sample and its local hash to the remote and
// reports whether the remote computed the same hash.
func (v *Validator) ValidateAgainstRemote(ctx context.Context, sample types.Attributes) (Outcome, error) {
	hash := ComputeHash(sample)
	res, err := v.remote.ValidateHashing(ctx, sample, hash)
	if err != nil {
		return Mismatched, fmt.Errorf("hash validation: %w", err)
	}
	if !res.Matched || res.Obtained != hash {
		v.log.WithFields(logrus.Fields{
			"expected": res.Expected,
			"obtained": res.Obtained,
			"local":    hash,
		}).Warn("hash handshake mismatch")
		return Mismatched, nil
	}
	return Matched, nil
}

// Handshake validates a freshly generated sample. A mismatch returns
// ErrHashMismatch; synchronization must not proceed past it.
func (v *Validator) Handshake(ctx context.Context) error {
	outcome, err := v.ValidateAgainstRemote(ctx, v.sample())
	if err != nil {
		return err
	}
	if outcome == Mismatched {
		return fmt.Errorf("handshake: %w", types.ErrHashMismatch)
	}
	return nil
}

// ValidateEntitiesData sends the aggregate row hash of each entity and
// returns the remote's verdicts. Any mismatched entity makes the error wrap
// ErrHashMismatch; the results are returned either way.
func (v *Validator) ValidateEntitiesData(ctx context.Context, entities []string) ([]EntityResult, error) {
	if v.store == nil {
		return nil, fmt.Errorf("entity validation without a store: %w", types.ErrStoreDetached)
	}
	hashes := make([]EntityHash, 0, len(entities))
	for _, name := range entities {
		rows, err := v.store.RowHashes(ctx, name)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, EntityHash{Entity: name, Hash: AggregateHash(rows)})
	}
	results, err := v.remote.ValidateData(ctx, hashes)
	if err != nil {
		return nil, fmt.Errorf("entity validation: %w", err)
	}
	var bad []string
	for _, r := range results {
		if !r.HashingValidation.Matched {
			bad = append(bad, r.Entity)
		}
	}
	if len(bad) > 0 {
		v.log.WithField("entities", bad).Warn("entity data drift")
		return results, fmt.Errorf("entities %s: %w", strings.Join(bad, ", "), types.ErrHashMismatch)
	}
	return results, nil
}

// CheckRows compares local row hashes of an entity with the remote's.
func (v *Validator) CheckRows(ctx context.Context, entity string) (Drift, error) {
	if v.store == nil {
		return Drift{}, fmt.Errorf("row check without a store: %w", types.ErrStoreDetached)
	}
	local, err := v.store.RowHashes(ctx, entity)
	if err != nil {
		return Drift{}, err
	}
	remote, err := v.remote.EntityHashes(ctx, entity)
	if err != nil {
		return Drift{}, fmt.Errorf("remote hashes of %s: %w", entity, err)
	}
	return CompareRowHashes(local, remote), nil
}
