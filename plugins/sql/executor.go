// Package sql runs structured and raw SQL datasets against named connections.
package sql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BDNK1/flowgate/runtime"
	"github.com/BDNK1/flowgate/runtime/evalctx"
)

type Executor struct {
	conns Connections
	l     *slog.Logger
}

func NewExecutor(conns Connections, l *slog.Logger) *Executor {
	return &Executor{conns: conns, l: l}
}

// Execute runs an sql or rawSql dataset. Single mode yields the first row
// (an empty map when there is none); array mode yields every row.
func (e *Executor) Execute(ctx context.Context, ds *runtime.DatasetConfig, inputs any) (any, error) {
	var (
		q   Query
		err error
	)
	switch ds.Kind() {
	case runtime.DatasetSQL:
		q, err = Build(ds, inputs)
		if err != nil {
			return nil, err
		}
	case runtime.DatasetRawSQL:
		q = BuildRaw(ds, ds.SQL, inputs)
	default:
		return nil, runtime.ConfigError(ds.Name, "dataset type '%s' is not a sql dataset", ds.Type)
	}
	return e.run(ctx, ds, q)
}

// ExecuteFallback runs sqlText as a raw SQL query bound with the dataset's
// params. HTTP datasets use it after their retries are exhausted.
func (e *Executor) ExecuteFallback(ctx context.Context, ds *runtime.DatasetConfig, sqlText string, inputs any) (any, error) {
	return e.run(ctx, ds, BuildRaw(ds, sqlText, inputs))
}

func (e *Executor) run(ctx context.Context, ds *runtime.DatasetConfig, q Query) (any, error) {
	conn, err := e.conns.Get(ctx, ds.DatabaseName())
	if err != nil {
		return nil, err
	}

	stmt, args, err := rebind(ds.Name, q, conn.Dialect)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	e.l.DebugContext(ctx, "Executing dataset query", "dataset", ds.Name, "connection", ds.DatabaseName(), "sql", stmt)

	rows, err := conn.DB.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, runtime.TransientError(runtime.ErrorCodeQueryFailed, ds.Name, err, "query failed for dataset '%s'", ds.Name)
	}
	defer rows.Close()

	result, err := readRows(rows, ds.Mode())
	if err != nil {
		return nil, runtime.TransientError(runtime.ErrorCodeQueryFailed, ds.Name, err, "failed to read rows for dataset '%s'", ds.Name)
	}

	e.l.DebugContext(ctx, "Dataset query completed", "dataset", ds.Name, "elapsed_ms", time.Since(start).Milliseconds())
	return result, nil
}

func readRows(rows *sql.Rows, mode runtime.ResultMode) (any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	list := make([]any, 0)
	for rows.Next() {
		row, err := scanRow(cols, rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if mode == runtime.ResultSingle {
			return row, nil
		}
		list = append(list, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if mode == runtime.ResultSingle {
		return evalctx.NewMap(), nil
	}
	return list, nil
}

// scanRow scans the current row into an ordered map. Byte slices (JSON,
// UUID and NUMERIC columns on postgres) become strings.
func scanRow(cols []string, rows *sql.Rows) (*evalctx.Map, error) {
	values := make([]any, len(cols))
	valuePtrs := make([]any, len(cols))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	if err := rows.Scan(valuePtrs...); err != nil {
		return nil, err
	}

	row := evalctx.NewMap()
	for i, col := range cols {
		row.Set(col, evalctx.Normalize(values[i]))
	}
	return row, nil
}
