// Package postgres persists connections in PostgreSQL as JSONB documents.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var dbTracer = otel.Tracer("postgres")

// statement is a fixed, parameterized query against the connections table.
// Only placeholders carry values, so the text is safe to put on spans.
type statement struct {
	name string
	verb string
	sql  string
}

// DB wraps *sql.DB and traces every connection-store statement.
type DB struct {
	*sql.DB
}

// Open connects to PostgreSQL and verifies the connection. The pool is small:
// the producer touches the store once per connection per sync.
func Open(ctx context.Context, connStr string) (*DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(1)
	db.SetConnMaxIdleTime(time.Minute)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{db}, nil
}

func (db *DB) start(ctx context.Context, st statement, connection string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "connections"),
		attribute.String("db.operation", st.verb),
		attribute.String("db.statement", st.sql),
	}
	if connection != "" {
		attrs = append(attrs, attribute.String("connection.name", connection))
	}
	return dbTracer.Start(ctx, "postgres."+st.name, trace.WithAttributes(attrs...))
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// query runs a multi-row statement.
func (db *DB) query(ctx context.Context, st statement, args ...any) (*sql.Rows, error) {
	ctx, span := db.start(ctx, st, "")
	defer span.End()

	rows, err := db.DB.QueryContext(ctx, st.sql, args...)
	if err != nil {
		fail(span, err)
	}
	return rows, err
}

// tracedRow keeps the span open until Scan, where sql.Row reports errors.
// A missing row is an expected lookup outcome, not a span error.
type tracedRow struct {
	row  *sql.Row
	span trace.Span
}

func (r *tracedRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if r.span != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.span.SetAttributes(attribute.Bool("connection.found", false))
		} else if err != nil {
			fail(r.span, err)
		}
		r.span.End()
		r.span = nil
	}
	return err
}

// queryRow runs a single-row statement for one connection.
func (db *DB) queryRow(ctx context.Context, st statement, connection string, args ...any) *tracedRow {
	ctx, span := db.start(ctx, st, connection)
	return &tracedRow{
		row:  db.DB.QueryRowContext(ctx, st.sql, args...),
		span: span,
	}
}

// exec runs a write statement for one connection and records the rows it touched.
func (db *DB) exec(ctx context.Context, st statement, connection string, args ...any) (sql.Result, error) {
	ctx, span := db.start(ctx, st, connection)
	defer span.End()

	result, err := db.DB.ExecContext(ctx, st.sql, args...)
	if err != nil {
		fail(span, err)
		return nil, err
	}
	if n, err := result.RowsAffected(); err == nil {
		span.SetAttributes(attribute.Int64("db.rows_affected", n))
	}
	return result, nil
}
