package localstore

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func openRawDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestGetTableInfo(t *testing.T) {
	db := openRawDB(t)
	_, err := db.Exec(`CREATE TABLE things (
		id    INTEGER PRIMARY KEY,
		name  TEXT NOT NULL,
		price TEXT NOT NULL DEFAULT '0',
		note  TEXT
	)`)
	require.NoError(t, err)

	info, err := GetTableInfo(db, "things")
	require.NoError(t, err)
	require.Equal(t, "things", info.Table)
	require.Len(t, info.Columns, 4)

	byName := map[string]ColumnInfo{}
	for _, c := range info.Columns {
		byName[c.Name] = c
	}
	require.True(t, byName["id"].IsPrimaryKey)
	require.True(t, byName["name"].NotNull)
	require.False(t, byName["note"].NotNull)
	require.NotNil(t, byName["price"].DefaultValue)
	require.Equal(t, "'0'", *byName["price"].DefaultValue)
	require.Nil(t, byName["name"].DefaultValue)
}

func TestGetTableInfoMissingTable(t *testing.T) {
	db := openRawDB(t)
	info, err := GetTableInfo(db, "nope")
	require.NoError(t, err)
	require.Empty(t, info.Columns)
}

func TestTableHasColumn(t *testing.T) {
	db := openRawDB(t)
	_, err := db.Exec(`CREATE TABLE t (a TEXT, b TEXT)`)
	require.NoError(t, err)

	has, err := TableHasColumn(db, "t", "a")
	require.NoError(t, err)
	require.True(t, has)

	has, err = TableHasColumn(db, "t", "B")
	require.NoError(t, err)
	require.True(t, has, "column match is case insensitive")

	has, err = TableHasColumn(db, "t", "c")
	require.NoError(t, err)
	require.False(t, has)
}

func TestTableExists(t *testing.T) {
	db := openRawDB(t)
	_, err := db.Exec(`CREATE TABLE t (a TEXT)`)
	require.NoError(t, err)

	ok, err := tableExists(db, "t")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tableExists(db, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}
