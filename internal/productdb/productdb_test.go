package productdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-dm/srcbuild/internal/table"
)

func openTestDB(t *testing.T) *SQLDB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "srcbuild.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestHasIdentityFalseBeforeDeclare(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ok, err := db.HasIdentity(ctx, "afw", "deadbeef")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeclareThenHasIdentityTrue(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rec := Record{
		Product:    "afw",
		Version:    "current",
		Identity:   "deadbeef",
		Flavor:     "linux",
		ProductDir: "/install/afw/current",
		Table: &table.Table{
			Product:  "afw",
			Required: []table.Dependency{{Name: "daf_base"}},
		},
	}
	require.NoError(t, db.Declare(ctx, rec))

	ok, err := db.HasIdentity(ctx, "afw", "deadbeef")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetTableFromIdentityRoundTrips(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rec := Record{
		Product:    "afw",
		Version:    "current",
		Identity:   "deadbeef",
		Flavor:     "linux",
		ProductDir: "/install/afw/current",
		Tag:        "w_2026_01",
		Table: &table.Table{
			Product:  "afw",
			Required: []table.Dependency{{Name: "daf_base", Constraint: ">= 1.0"}},
			Setup:    []table.SetupFragment{{Op: table.EnvSet, Key: "FOO", Value: "bar"}},
		},
	}
	require.NoError(t, db.Declare(ctx, rec))

	got, err := db.GetTableFromIdentity(ctx, "afw", "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "current", got.Version)
	assert.Equal(t, "w_2026_01", got.Tag)
	assert.Equal(t, "/install/afw/current", got.ProductDir)
	require.Len(t, got.Table.Required, 1)
	assert.Equal(t, "daf_base", got.Table.Required[0].Name)
	require.Len(t, got.Table.Setup, 1)
	assert.Equal(t, "bar", got.Table.Setup[0].Value)
}

func TestGetDatabasePathFromVersionReturnsDeclaredProductDir(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Declare(ctx, Record{
		Product: "afw", Version: "current", Identity: "id1",
		Flavor: "linux", ProductDir: "/install/afw/current",
		Table: &table.Table{Product: "afw"},
	}))

	path, err := db.GetDatabasePathFromVersion(ctx, "afw", "current")
	require.NoError(t, err)
	assert.Equal(t, "/install/afw/current", path)
}

func TestDeclareUpsertsOnSameIdentity(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	base := Record{
		Product: "afw", Version: "current", Identity: "id1",
		Flavor: "linux", ProductDir: "/install/afw/current",
		Table: &table.Table{Product: "afw"},
	}
	require.NoError(t, db.Declare(ctx, base))

	base.ProductDir = "/install/afw/current-2"
	require.NoError(t, db.Declare(ctx, base))

	got, err := db.GetTableFromIdentity(ctx, "afw", "id1")
	require.NoError(t, err)
	assert.Equal(t, "/install/afw/current-2", got.ProductDir)
}
