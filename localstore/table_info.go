package localstore

import (
	"database/sql"
	"fmt"
	"strings"
)

// queryer is satisfied by *sql.DB and *sql.Tx so introspection works both
// during migrations and in tests.
type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

// ColumnInfo describes one column of a table as reported by SQLite.
type ColumnInfo struct {
	Name         string
	DeclaredType string
	IsPrimaryKey bool
	NotNull      bool
	DefaultValue *string
}

// TableInfo is the introspected structure of a table.
type TableInfo struct {
	Table   string
	Columns []ColumnInfo
}

// GetTableInfo introspects a table via PRAGMA table_info. An existing table
// always yields at least one column; a missing table yields none.
func GetTableInfo(q queryer, table string) (*TableInfo, error) {
	rows, err := q.Query(fmt.Sprintf("PRAGMA table_info(%q)", strings.ToLower(table)))
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	info := &TableInfo{Table: strings.ToLower(table)}
	for rows.Next() {
		var cid, notNull, pk int
		var name, declaredType string
		var defaultValue sql.NullString
		if err := rows.Scan(&cid, &name, &declaredType, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("scan column info: %w", err)
		}
		col := ColumnInfo{
			Name:         name,
			DeclaredType: declaredType,
			IsPrimaryKey: pk > 0,
			NotNull:      notNull == 1,
		}
		if defaultValue.Valid {
			v := defaultValue.String
			col.DefaultValue = &v
		}
		info.Columns = append(info.Columns, col)
	}
	return info, rows.Err()
}

// TableHasColumn reports whether table has a column named col.
func TableHasColumn(q queryer, table, col string) (bool, error) {
	info, err := GetTableInfo(q, table)
	if err != nil {
		return false, err
	}
	for _, c := range info.Columns {
		if strings.EqualFold(c.Name, col) {
			return true, nil
		}
	}
	return false, nil
}

// tableExists reports whether a table is present in sqlite_master.
func tableExists(q queryer, table string) (bool, error) {
	rows, err := q.Query(`SELECT 1 FROM sqlite_master WHERE type='table' AND name=?`, table)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}
