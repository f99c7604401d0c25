package sqlite

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const slowQueryThreshold = 100 * time.Millisecond

var queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "querydesk_store_query_duration_seconds",
	Help:    "SQLite statement latency by verb and table",
	Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
}, []string{"verb", "table"})

// dbHandle is the interface satisfied by both *sql.DB and *queryLogger.
// All Store methods use this instead of *sql.DB directly.
type dbHandle interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	Close() error
}

// queryLogger wraps a *sql.DB, records statement latency and logs
// statements slower than slowQueryThreshold.
type queryLogger struct {
	inner  *sql.DB
	logger *slog.Logger
}

func (q *queryLogger) observe(start time.Time, query string) {
	d := time.Since(start)
	verb, table := statementLabels(query)
	queryDuration.WithLabelValues(verb, table).Observe(d.Seconds())
	if d >= slowQueryThreshold {
		q.logger.Warn("slow query", "duration", d.Round(time.Millisecond), "verb", verb, "table", table, "query", truncateQuery(query))
	}
}

// statementLabels pulls the leading verb and the first table named after
// FROM, INTO or UPDATE out of a statement.
func statementLabels(query string) (verb, table string) {
	fields := strings.Fields(strings.ToLower(query))
	if len(fields) == 0 {
		return "unknown", "unknown"
	}
	verb, table = fields[0], "unknown"
	for i, f := range fields[:len(fields)-1] {
		switch f {
		case "from", "into", "update":
			return verb, strings.Trim(fields[i+1], "(`\"")
		}
	}
	return verb, table
}

func (q *queryLogger) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	defer q.observe(time.Now(), query)
	return q.inner.ExecContext(ctx, query, args...)
}

func (q *queryLogger) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	defer q.observe(time.Now(), query)
	return q.inner.QueryContext(ctx, query, args...)
}

func (q *queryLogger) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	defer q.observe(time.Now(), query)
	return q.inner.QueryRowContext(ctx, query, args...)
}

func (q *queryLogger) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return q.inner.BeginTx(ctx, opts)
}

func (q *queryLogger) Close() error {
	return q.inner.Close()
}

func truncateQuery(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
