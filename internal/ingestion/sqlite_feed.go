package ingestion

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	_ "modernc.org/sqlite"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLiteFeed reads every row of one table on each fetch. Column names
// become record fields.
type SQLiteFeed struct {
	name  string
	db    *sql.DB
	query string
}

// OpenSQLiteFeed opens the database at dsn and prepares a feed over table.
func OpenSQLiteFeed(name, dsn, table string) (*SQLiteFeed, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	return &SQLiteFeed{
		name:  name,
		db:    db,
		query: fmt.Sprintf(`SELECT * FROM "%s"`, table),
	}, nil
}

func (f *SQLiteFeed) Name() string { return f.name }

func (f *SQLiteFeed) Fetch(ctx context.Context) ([]Record, error) {
	ctx, span := startFetchSpan(ctx, f.name, "sqlite")
	defer span.End()

	rows, err := f.db.QueryContext(ctx, f.query)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("query %s: %w", f.name, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns %s: %w", f.name, err)
	}

	var records []Record
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", f.name, err)
		}

		data := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				data[col] = string(b)
				continue
			}
			data[col] = values[i]
		}
		records = append(records, Record{
			ID:     fmt.Sprintf("%s-%d", f.name, len(records)+1),
			Source: f.name,
			Data:   data,
		})
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("rows %s: %w", f.name, err)
	}
	return records, nil
}

// Close releases the database handle.
func (f *SQLiteFeed) Close() error {
	return f.db.Close()
}
