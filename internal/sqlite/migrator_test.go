package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/horus/pkg/types"
)

func uuidKey() types.Attribute {
	return types.Attribute{Name: "id", Type: types.TypePrimaryKeyUUID, Version: 1, CascadeDelete: true}
}

// productsV1 is products(id, sku); productsV2 adds name at version 2.
func productsV1() []types.EntityScheme {
	return []types.EntityScheme{{
		Name: "products", Kind: types.EntityWritable,
		Attributes: []types.Attribute{
			uuidKey(),
			{Name: "sku", Type: types.TypeString, Version: 1},
		},
	}}
}

func productsV2() []types.EntityScheme {
	s := productsV1()
	s[0].Attributes = append(s[0].Attributes, types.Attribute{Name: "name", Type: types.TypeString, Version: 2})
	return s
}

// farmsSchema is farms -> lots -> trees with stock levels introduced over
// three versions.
func farmsSchema(version int) []types.EntityScheme {
	farms := types.EntityScheme{
		Name: "farms", Kind: types.EntityWritable,
		Attributes: []types.Attribute{
			uuidKey(),
			{Name: "name", Type: types.TypeString, Version: 1},
			{Name: "lots", Type: types.TypeRelationMany, Version: 1, LinkedEntity: "lots"},
		},
	}
	lots := types.EntityScheme{
		Name: "lots", Kind: types.EntityWritable,
		Attributes: []types.Attribute{
			uuidKey(),
			{Name: "farm_id", Type: types.TypeUUID, Version: 1, LinkedEntity: "farms", CascadeDelete: true},
		},
	}
	trees := types.EntityScheme{
		Name: "trees", Kind: types.EntityReadable,
		Attributes: []types.Attribute{
			uuidKey(),
			{Name: "lot_id", Type: types.TypeUUID, Version: 1, LinkedEntity: "lots", CascadeDelete: true},
		},
	}
	if version >= 2 {
		lots.Attributes = append(lots.Attributes,
			types.Attribute{Name: "area", Type: types.TypeFloat, Version: 2, Nullable: true},
			types.Attribute{Name: "status", Type: types.TypeEnum, Version: 2, Options: []string{"active", "fallow"}})
	}
	if version >= 3 {
		farms.Attributes = append(farms.Attributes,
			types.Attribute{Name: "certified", Type: types.TypeBoolean, Version: 3})
		trees.Attributes = append(trees.Attributes,
			types.Attribute{Name: "planted_at", Type: types.TypeTimestamp, Version: 3, Nullable: true})
	}
	lots.Related = []types.EntityScheme{trees}
	farms.Related = []types.EntityScheme{lots}
	return []types.EntityScheme{farms}
}

func columnSets(t *testing.T, b *Backend, tables ...string) map[string][]string {
	t.Helper()
	out := make(map[string][]string)
	for _, tbl := range tables {
		cols, err := b.TableColumns(context.Background(), tbl)
		require.NoError(t, err)
		out[tbl] = cols
	}
	return out
}

func TestCreate_Idempotent(t *testing.T) {
	ctx := context.Background()
	b := attachTestBackend(t)
	m := NewMigrator(b)

	_, err := m.Create(ctx, farmsSchema(1))
	require.NoError(t, err)
	once, err := b.TableCount(ctx)
	require.NoError(t, err)

	applied, err := m.Create(ctx, farmsSchema(1))
	require.NoError(t, err)
	twice, err := b.TableCount(ctx)
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Empty(t, applied.Created, "second create must not create anything")
	n, err := b.EntityTableCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCreate_ForeignKeyOrder(t *testing.T) {
	// a -> b -> c declared in the reverse of creation order.
	schemes := []types.EntityScheme{
		{Name: "a", Kind: types.EntityWritable, Attributes: []types.Attribute{
			uuidKey(), {Name: "b_id", Type: types.TypeUUID, Version: 1, LinkedEntity: "b", CascadeDelete: true},
		}},
		{Name: "b", Kind: types.EntityWritable, Attributes: []types.Attribute{
			uuidKey(), {Name: "c_id", Type: types.TypeUUID, Version: 1, LinkedEntity: "c", CascadeDelete: true},
		}},
		{Name: "c", Kind: types.EntityWritable, Attributes: []types.Attribute{uuidKey()}},
	}
	b := attachTestBackend(t)
	applied, err := NewMigrator(b).Create(context.Background(), schemes)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, applied.Created)
	require.Len(t, applied.Statements, 3)
	assert.Contains(t, applied.Statements[2], `FOREIGN KEY ("b_id") REFERENCES "b"("id")`)
}

func TestMigrate_SequentialEquivalence(t *testing.T) {
	ctx := context.Background()
	tables := []string{"farms", "lots", "trees"}

	jump := attachTestBackend(t)
	mj := NewMigrator(jump)
	_, err := mj.Create(ctx, farmsSchema(1))
	require.NoError(t, err)
	_, err = mj.Migrate(ctx, 1, 3, farmsSchema(3))
	require.NoError(t, err)

	steps := attachTestBackend(t)
	ms := NewMigrator(steps)
	_, err = ms.Create(ctx, farmsSchema(1))
	require.NoError(t, err)
	_, err = ms.Migrate(ctx, 1, 2, farmsSchema(2))
	require.NoError(t, err)
	_, err = ms.Migrate(ctx, 2, 3, farmsSchema(3))
	require.NoError(t, err)

	assert.Equal(t, columnSets(t, steps, tables...), columnSets(t, jump, tables...))
	assert.Equal(t, []string{"id", "farm_id", "area", "status"}, columnSets(t, jump, "lots")["lots"])
}

func TestMigrate_ProductsScenario(t *testing.T) {
	ctx := context.Background()
	b := attachTestBackend(t)
	m := NewMigrator(b)
	log := NewActionLog(b)

	_, err := m.Create(ctx, productsV1())
	require.NoError(t, err)
	cols, err := b.TableColumns(ctx, "products")
	require.NoError(t, err)
	assert.Len(t, cols, 2)
	levelBefore, err := b.EntityLevel(ctx, "products")
	require.NoError(t, err)

	inserted, err := log.RecordInsert(ctx, "products", types.Attributes{types.F("sku", "A-1")})
	require.NoError(t, err)

	applied, err := m.Migrate(ctx, 1, 2, productsV2())
	require.NoError(t, err)
	assert.Equal(t, []string{`ALTER TABLE "products" ADD COLUMN "name" TEXT NOT NULL DEFAULT ''`}, applied.Statements)

	cols, err = b.TableColumns(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "sku", "name"}, cols)

	row, err := b.Get(ctx, "products", inserted.Data.ID)
	require.NoError(t, err)
	sku, _ := row.Attributes.Get("sku")
	name, _ := row.Attributes.Get("name")
	assert.Equal(t, "A-1", sku.Canonical())
	assert.Equal(t, "", name.Canonical())

	levelAfter, err := b.EntityLevel(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, levelBefore, levelAfter)

	// Repeating the migration is harmless.
	applied, err = m.Migrate(ctx, 1, 2, productsV2())
	require.NoError(t, err)
	assert.Empty(t, applied.Statements)
}

func TestMigrate_CreatesNewEntities(t *testing.T) {
	ctx := context.Background()
	b := attachTestBackend(t)
	m := NewMigrator(b)
	_, err := m.Create(ctx, productsV1())
	require.NoError(t, err)

	v2 := productsV2()
	v2 = append(v2, types.EntityScheme{
		Name: "brands", Kind: types.EntityReadable,
		Attributes: []types.Attribute{
			{Name: "id", Type: types.TypePrimaryKeyInteger, Version: 2},
			{Name: "label", Type: types.TypeString, Version: 2},
		},
	})
	applied, err := m.Migrate(ctx, 1, 2, v2)
	require.NoError(t, err)
	assert.Equal(t, []string{"brands"}, applied.Created)

	writable, err := b.IsEntityWritable(ctx, "brands")
	require.NoError(t, err)
	assert.False(t, writable)
}

func TestMigrate_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	b := attachTestBackend(t)
	m := NewMigrator(b)
	_, err := m.Create(ctx, productsV1())
	require.NoError(t, err)

	broken := productsV2()
	broken = append(broken, types.EntityScheme{
		Name: "stores", Kind: types.EntityWritable,
		Attributes: []types.Attribute{uuidKey()},
	})
	_, err = m.Create(ctx, broken[1:])
	require.NoError(t, err)
	// A primary key introduced later cannot be added to an existing table.
	broken[1].Attributes = []types.Attribute{
		{Name: "id", Type: types.TypePrimaryKeyUUID, Version: 1},
		{Name: "code", Type: types.TypePrimaryKeyString, Version: 2},
	}

	_, err = m.Migrate(ctx, 1, 2, broken)
	require.Error(t, err)

	cols, err := b.TableColumns(ctx, "products")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "sku"}, cols, "no column of a failed migration may persist")
}

func TestMigrate_Downgrade(t *testing.T) {
	b := attachTestBackend(t)
	_, err := NewMigrator(b).Migrate(context.Background(), 3, 2, productsV2())
	assert.ErrorIs(t, err, types.ErrInvalidSchema)
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	b := attachTestBackend(t)
	_, err := NewMigrator(b).Create(ctx, farmsSchema(3))
	require.NoError(t, err)

	tests := []struct {
		entity   string
		writable bool
		level    int
	}{
		{"farms", true, 0},
		{"lots", true, 1},
		{"trees", false, 2},
	}
	for _, tt := range tests {
		t.Run(tt.entity, func(t *testing.T) {
			w, err := b.IsEntityWritable(ctx, tt.entity)
			require.NoError(t, err)
			assert.Equal(t, tt.writable, w)
			l, err := b.EntityLevel(ctx, tt.entity)
			require.NoError(t, err)
			assert.Equal(t, tt.level, l)
		})
	}

	_, err = b.IsEntityWritable(ctx, "nope")
	assert.ErrorIs(t, err, types.ErrUnknownEntity)

	lots, err := b.Scheme(ctx, "lots")
	require.NoError(t, err)
	status, ok := lots.Attribute("status")
	require.True(t, ok)
	assert.Equal(t, []string{"active", "fallow"}, status.Options)

	schemes, err := b.Schemes(ctx)
	require.NoError(t, err)
	names := make([]string, len(schemes))
	for i, s := range schemes {
		names[i] = s.Name
	}
	assert.Equal(t, []string{"farms", "lots", "trees"}, names)
}
