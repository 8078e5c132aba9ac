package hashing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/horus/pkg/types"
)

func TestComputeHash_Stability(t *testing.T) {
	base := types.Attributes{
		types.F("sku", "A-1"),
		types.F("name", "Tea"),
		types.F("stock", 4),
		types.F("active", true),
	}
	want := ComputeHash(base)

	tests := []struct {
		name  string
		attrs types.Attributes
	}{
		{"reordered", types.Attributes{types.F("active", true), types.F("stock", 4), types.F("name", "Tea"), types.F("sku", "A-1")}},
		{"with sync_updated_at", append(append(types.Attributes{}, base...), types.F(types.AttrSyncUpdatedAt, time.Now()))},
		{"with id and owner", append(append(types.Attributes{}, base...), types.F("id", "x"), types.F(types.AttrSyncOwnerID, "o"))},
		{"duplicate name, last wins", append(types.Attributes{types.F("name", "Coffee")}, base...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, want, ComputeHash(tt.attrs))
		})
	}
}

func TestComputeHash_SensitiveToEachAttribute(t *testing.T) {
	base := types.Attributes{types.F("sku", "A-1"), types.F("name", "Tea"), types.F("stock", 4)}
	want := ComputeHash(base)
	for i := range base {
		changed := append(types.Attributes{}, base...)
		changed[i] = types.F(base[i].Name, "changed")
		assert.NotEqual(t, want, ComputeHash(changed), "changing %s must change the hash", base[i].Name)
	}
}

func TestComputeHash_KnownValue(t *testing.T) {
	got := ComputeHash(types.Attributes{types.F("note", nil), types.F("name", "Tea"), types.F("flag", true)})
	assert.Equal(t, sha256Hex("4:flag1:14:name3:Tea4:note~"), got)
}

func TestComputeHash_DistinguishesBoundaries(t *testing.T) {
	tests := []struct {
		name string
		a, b types.Attributes
	}{
		{
			"null vs empty string",
			types.Attributes{types.F("note", nil)},
			types.Attributes{types.F("note", "")},
		},
		{
			"value moved between attributes",
			types.Attributes{types.F("a", "xy"), types.F("b", "")},
			types.Attributes{types.F("a", "x"), types.F("b", "y")},
		},
		{
			"same values under other names",
			types.Attributes{types.F("a", "1"), types.F("b", "2")},
			types.Attributes{types.F("c", "1"), types.F("d", "2")},
		},
		{
			"separator inside a value",
			types.Attributes{types.F("a", "1:b1:2")},
			types.Attributes{types.F("a", "1"), types.F("b", "2")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, ComputeHash(tt.a), ComputeHash(tt.b))
		})
	}
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestCompareRowHashes(t *testing.T) {
	local := []RowHash{{"a", "1"}, {"b", "2"}, {"c", "3"}}
	remote := []RowHash{{"a", "1"}, {"b", "9"}, {"d", "4"}}
	d := CompareRowHashes(local, remote)
	assert.Equal(t, []string{"d"}, d.Missing)
	assert.Equal(t, []string{"c"}, d.Extra)
	assert.Equal(t, []string{"b"}, d.Changed)
	assert.False(t, d.Empty())
	assert.True(t, CompareRowHashes(local, local).Empty())
}

func TestAggregateHash_OrderIndependent(t *testing.T) {
	a := AggregateHash([]RowHash{{"a", "1"}, {"b", "2"}})
	b := AggregateHash([]RowHash{{"b", "2"}, {"a", "1"}})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, AggregateHash([]RowHash{{"a", "1"}, {"b", "3"}}))
}

type fakeRemote struct {
	skew     bool
	err      error
	remote   map[string][]RowHash
	received []EntityHash
}

func (f *fakeRemote) ValidateHashing(_ context.Context, data types.Attributes, hash string) (Result, error) {
	if f.err != nil {
		return Result{}, f.err
	}
	obtained := ComputeHash(data)
	if f.skew {
		obtained = "skewed"
	}
	return Result{Expected: hash, Obtained: obtained, Matched: obtained == hash}, nil
}

func (f *fakeRemote) ValidateData(_ context.Context, hashes []EntityHash) ([]EntityResult, error) {
	f.received = hashes
	out := make([]EntityResult, len(hashes))
	for i, h := range hashes {
		want := AggregateHash(f.remote[h.Entity])
		out[i] = EntityResult{Entity: h.Entity, HashingValidation: Result{Expected: h.Hash, Obtained: want, Matched: want == h.Hash}}
	}
	return out, nil
}

func (f *fakeRemote) EntityHashes(_ context.Context, entity string) ([]RowHash, error) {
	return f.remote[entity], nil
}

type fakeStore map[string][]RowHash

func (s fakeStore) RowHashes(_ context.Context, entity string) ([]RowHash, error) {
	return s[entity], nil
}

func TestHandshake(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, NewValidator(&fakeRemote{}, nil).Handshake(ctx))

	err := NewValidator(&fakeRemote{skew: true}, nil).Handshake(ctx)
	assert.ErrorIs(t, err, types.ErrHashMismatch)

	transport := errors.New("boom")
	err = NewValidator(&fakeRemote{err: transport}, nil).Handshake(ctx)
	assert.ErrorIs(t, err, transport)
	assert.NotErrorIs(t, err, types.ErrHashMismatch)
}

func TestValidateAgainstRemote_UsesGivenSample(t *testing.T) {
	v := NewValidator(&fakeRemote{}, nil)
	outcome, err := v.ValidateAgainstRemote(context.Background(), types.Attributes{types.F("k", "v")})
	require.NoError(t, err)
	assert.Equal(t, Matched, outcome)
}

func TestValidateEntitiesData(t *testing.T) {
	store := fakeStore{"products": {{"p1", "h1"}}, "brands": {{"b1", "h2"}}}
	remote := &fakeRemote{remote: map[string][]RowHash{
		"products": {{"p1", "h1"}},
		"brands":   {{"b1", "other"}},
	}}
	v := NewValidator(remote, store)

	results, err := v.ValidateEntitiesData(context.Background(), []string{"products", "brands"})
	assert.ErrorIs(t, err, types.ErrHashMismatch)
	require.Len(t, results, 2)
	assert.True(t, results[0].HashingValidation.Matched)
	assert.False(t, results[1].HashingValidation.Matched)
	assert.Equal(t, AggregateHash(store["products"]), remote.received[0].Hash)

	drift, err := v.CheckRows(context.Background(), "brands")
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, drift.Changed)
}
