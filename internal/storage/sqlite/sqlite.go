package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mistakeknot/querydesk/internal/core"
	"github.com/mistakeknot/querydesk/internal/storage"
)

//go:embed schema.sql
var schema string

var _ storage.Store = (*Store)(nil)

// Fixed-width UTC timestamps so TEXT comparison orders correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

type Store struct {
	db dbHandle
}

// New opens (creating if needed) a file-backed database in WAL mode.
func New(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	return open(dsn, logger)
}

// NewInMemory opens a private in-memory database. It is pinned to a single
// connection since every :memory: connection is a separate database.
func NewInMemory(logger *slog.Logger) (*Store, error) {
	return open(":memory:", logger)
}

func open(dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite is single-writer; one connection serializes transactions
	// instead of surfacing SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: &queryLogger{inner: db, logger: logger.With("component", "sqlite")}}, nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) CreateQuery(ctx context.Context, q core.Query) (core.Query, error) {
	if q.ID == "" || q.CustomerID == "" {
		return core.Query{}, core.ErrInvalid
	}
	if q.Status == "" {
		q.Status = core.StatusPending
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	if q.LastActivityAt.IsZero() {
		q.LastActivityAt = q.CreatedAt
	}
	q.Version = 1
	q.TransferHistory = []core.TransferRecord{}
	if err := q.CheckInvariants(); err != nil {
		return core.Query{}, fmt.Errorf("%w: %v", core.ErrInvalid, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Query{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO queries (id, status, owner, customer_id, customer_name, subject, category, priority, version, created_at, last_activity_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, string(q.Status), q.Owner, q.CustomerID, q.CustomerName, q.Subject, q.Category, q.Priority, q.Version,
		formatTime(q.CreatedAt), formatTime(q.LastActivityAt),
	)
	if isUniqueViolation(err) {
		return core.Query{}, fmt.Errorf("%w: query %s exists", core.ErrConflict, q.ID)
	}
	if err != nil {
		return core.Query{}, fmt.Errorf("insert query: %w", err)
	}
	if _, err := insertActivity(ctx, tx, core.Activity{
		QueryID:   q.ID,
		Type:      core.ActivitySubmitted,
		Actor:     q.CustomerID,
		Payload:   map[string]string{"subject": q.Subject},
		CreatedAt: q.CreatedAt,
	}); err != nil {
		return core.Query{}, err
	}
	if err := tx.Commit(); err != nil {
		return core.Query{}, fmt.Errorf("commit: %w", err)
	}
	return q, nil
}

const queryColumns = `id, status, owner, customer_id, customer_name, subject, category, priority, version, created_at, last_activity_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanQuery(row scanner) (core.Query, error) {
	var (
		q                   core.Query
		status              string
		createdAt, activeAt string
	)
	if err := row.Scan(&q.ID, &status, &q.Owner, &q.CustomerID, &q.CustomerName, &q.Subject, &q.Category, &q.Priority, &q.Version, &createdAt, &activeAt); err != nil {
		return core.Query{}, err
	}
	q.Status = core.Status(status)
	q.CreatedAt = parseTime(createdAt)
	q.LastActivityAt = parseTime(activeAt)
	return q, nil
}

// querier is satisfied by dbHandle and *sql.Tx, so reads can run inside
// the transaction that wrote the row.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) GetQuery(ctx context.Context, id string) (core.Query, error) {
	return loadQuery(ctx, s.db, id)
}

func loadQuery(ctx context.Context, db querier, id string) (core.Query, error) {
	q, err := scanQuery(db.QueryRowContext(ctx, `SELECT `+queryColumns+` FROM queries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Query{}, core.ErrNotFound
	}
	if err != nil {
		return core.Query{}, fmt.Errorf("get query: %w", err)
	}
	hist, err := collectTransfers(ctx, db,
		`SELECT `+transferColumns+` FROM transfers WHERE query_id = ? ORDER BY seq ASC`, id)
	if err != nil {
		return core.Query{}, err
	}
	q.TransferHistory = hist
	return q, nil
}

func (s *Store) ListQueries(ctx context.Context, filter core.QueryFilter, page core.Page) ([]core.Query, error) {
	page = page.Normalize()
	var (
		where []string
		args  []any
	)
	if len(filter.Status) > 0 {
		marks := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ",")+")")
	}
	if filter.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, filter.Owner)
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.Customer != "" {
		where = append(where, "customer_id = ?")
		args = append(args, filter.Customer)
	}
	stmt := `SELECT ` + queryColumns + ` FROM queries`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY rowid ASC LIMIT ? OFFSET ?"
	args = append(args, page.Limit, page.Offset)

	qs, err := s.collectQueries(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	return s.attachHistory(ctx, qs)
}

func (s *Store) collectQueries(ctx context.Context, stmt string, args ...any) ([]core.Query, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list queries: %w", err)
	}
	defer rows.Close()
	var out []core.Query
	for rows.Next() {
		q, err := scanQuery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan query: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *Store) attachHistory(ctx context.Context, qs []core.Query) ([]core.Query, error) {
	for i := range qs {
		hist, err := s.ListTransfers(ctx, core.TransferFilter{QueryID: qs[i].ID})
		if err != nil {
			return nil, err
		}
		qs[i].TransferHistory = hist
	}
	return qs, nil
}

// ApplyTransition runs the compare-and-swap as conditional UPDATEs inside one
// transaction; a zero row count means another writer got there first.
func (s *Store) ApplyTransition(ctx context.Context, tr core.Transition) (core.Query, error) {
	if err := tr.Validate(); err != nil {
		return core.Query{}, err
	}
	at := tr.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Query{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if r := tr.ResolveTransfer; r != nil {
		res, err := tx.ExecContext(ctx,
			`UPDATE transfers SET status = ?, outcome = ?, resolved_at = ?
			 WHERE id = ? AND query_id = ? AND status = ?`,
			string(r.Status), r.Outcome, formatTime(at), r.TransferID, tr.QueryID, string(core.TransferRequested),
		)
		if err != nil {
			return core.Query{}, fmt.Errorf("resolve transfer: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM transfers WHERE id = ? AND query_id = ?`, r.TransferID, tr.QueryID).Scan(&exists)
			if errors.Is(err, sql.ErrNoRows) {
				return core.Query{}, core.ErrNotFound
			}
			if err != nil {
				return core.Query{}, fmt.Errorf("check transfer: %w", err)
			}
			return core.Query{}, core.ErrAlreadyResolved
		}
	}

	owner := ""
	if tr.Next.Owned() {
		owner = tr.Owner
	}
	stmt := `UPDATE queries SET status = ?, owner = ?, version = version + 1, last_activity_at = ?
	         WHERE id = ? AND status = ?`
	args := []any{string(tr.Next), owner, formatTime(at), tr.QueryID, string(tr.Expected)}
	if tr.ExpectedOwner != "" {
		stmt += ` AND owner = ?`
		args = append(args, tr.ExpectedOwner)
	}
	res, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return core.Query{}, fmt.Errorf("update query: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM queries WHERE id = ?`, tr.QueryID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return core.Query{}, core.ErrNotFound
		}
		if err != nil {
			return core.Query{}, fmt.Errorf("check query: %w", err)
		}
		return core.Query{}, core.ErrConflict
	}

	if rec := tr.AppendTransfer; rec != nil {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO transfers (id, query_id, from_owner, to_candidate, reason, status, outcome, requested_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, tr.QueryID, rec.FromOwner, rec.ToCandidate, rec.Reason, string(rec.Status), rec.Outcome, formatTime(rec.RequestedAt),
		)
		if isUniqueViolation(err) {
			return core.Query{}, core.ErrTransferPending
		}
		if err != nil {
			return core.Query{}, fmt.Errorf("insert transfer: %w", err)
		}
	}

	if tr.Activity != "" {
		if _, err := insertActivity(ctx, tx, core.Activity{
			QueryID:   tr.QueryID,
			Type:      tr.Activity,
			Actor:     tr.Actor,
			Payload:   tr.Payload,
			CreatedAt: at,
		}); err != nil {
			return core.Query{}, err
		}
	}

	post, err := loadQuery(ctx, tx, tr.QueryID)
	if err != nil {
		return core.Query{}, err
	}
	if err := post.CheckInvariants(); err != nil {
		return core.Query{}, fmt.Errorf("%w: %v", core.ErrInvalid, err)
	}

	if err := tx.Commit(); err != nil {
		return core.Query{}, fmt.Errorf("commit: %w", err)
	}
	return post, nil
}

const transferColumns = `id, query_id, from_owner, to_candidate, reason, status, outcome, requested_at, resolved_at`

func scanTransfer(row scanner) (core.TransferRecord, error) {
	var (
		rec                 core.TransferRecord
		status, requestedAt string
		resolvedAt          sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.QueryID, &rec.FromOwner, &rec.ToCandidate, &rec.Reason, &status, &rec.Outcome, &requestedAt, &resolvedAt); err != nil {
		return core.TransferRecord{}, err
	}
	rec.Status = core.TransferStatus(status)
	rec.RequestedAt = parseTime(requestedAt)
	if resolvedAt.Valid && resolvedAt.String != "" {
		t := parseTime(resolvedAt.String)
		rec.ResolvedAt = &t
	}
	return rec, nil
}

func (s *Store) GetTransfer(ctx context.Context, id string) (core.TransferRecord, error) {
	rec, err := scanTransfer(s.db.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.TransferRecord{}, core.ErrNotFound
	}
	if err != nil {
		return core.TransferRecord{}, fmt.Errorf("get transfer: %w", err)
	}
	return rec, nil
}

func (s *Store) ListTransfers(ctx context.Context, filter core.TransferFilter) ([]core.TransferRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.QueryID != "" {
		where = append(where, "query_id = ?")
		args = append(args, filter.QueryID)
	}
	if filter.Candidate != "" {
		where = append(where, "to_candidate = ?")
		args = append(args, filter.Candidate)
	}
	if filter.FromOwner != "" {
		where = append(where, "from_owner = ?")
		args = append(args, filter.FromOwner)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	stmt := `SELECT ` + transferColumns + ` FROM transfers`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY seq ASC"
	return collectTransfers(ctx, s.db, stmt, args...)
}

func collectTransfers(ctx context.Context, db querier, stmt string, args ...any) ([]core.TransferRecord, error) {
	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer rows.Close()
	out := []core.TransferRecord{}
	for rows.Next() {
		rec, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) StaleTransfers(ctx context.Context, before time.Time) ([]core.TransferRecord, error) {
	return collectTransfers(ctx, s.db,
		`SELECT `+transferColumns+` FROM transfers WHERE status = ? AND requested_at < ? ORDER BY seq ASC`,
		string(core.TransferRequested), formatTime(before),
	)
}

func (s *Store) StalePending(ctx context.Context, before time.Time) ([]core.Query, error) {
	qs, err := s.collectQueries(ctx,
		`SELECT `+queryColumns+` FROM queries WHERE status = ? AND last_activity_at < ? ORDER BY rowid ASC`,
		string(core.StatusPending), formatTime(before),
	)
	if err != nil {
		return nil, err
	}
	return s.attachHistory(ctx, qs)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertActivity(ctx context.Context, db execer, a core.Activity) (core.Activity, error) {
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return core.Activity{}, fmt.Errorf("marshal payload: %w", err)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	res, err := db.ExecContext(ctx,
		`INSERT INTO activity (query_id, type, actor, payload_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.QueryID, string(a.Type), a.Actor, string(payload), formatTime(a.CreatedAt),
	)
	if err != nil {
		return core.Activity{}, fmt.Errorf("insert activity: %w", err)
	}
	cursor, err := res.LastInsertId()
	if err != nil {
		return core.Activity{}, fmt.Errorf("cursor: %w", err)
	}
	a.Cursor = uint64(cursor)
	return a, nil
}

func (s *Store) queryExists(ctx context.Context, id string) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM queries WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound
	}
	return err
}

func (s *Store) AppendActivity(ctx context.Context, a core.Activity) (core.Activity, error) {
	if err := s.queryExists(ctx, a.QueryID); err != nil {
		return core.Activity{}, err
	}
	return insertActivity(ctx, s.db, a)
}

func (s *Store) Activity(ctx context.Context, queryID string, after uint64) ([]core.Activity, error) {
	if err := s.queryExists(ctx, queryID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT cursor, query_id, type, actor, payload_json, created_at FROM activity
		 WHERE query_id = ? AND cursor > ? ORDER BY cursor ASC`, queryID, after)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()
	var out []core.Activity
	for rows.Next() {
		var (
			a                core.Activity
			cursor           int64
			typ, payload, at string
		)
		if err := rows.Scan(&cursor, &a.QueryID, &typ, &a.Actor, &payload, &at); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		a.Cursor = uint64(cursor)
		a.Type = core.ActivityType(typ)
		a.CreatedAt = parseTime(at)
		_ = json.Unmarshal([]byte(payload), &a.Payload)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpsertStaff(ctx context.Context, st core.Staff) (core.Staff, error) {
	if st.ID == "" || !st.Role.IsStaff() {
		return core.Staff{}, core.ErrInvalid
	}
	if st.WorkStatus == "" {
		st.WorkStatus = core.WorkOffline
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO staff (id, name, role, work_status, last_seen) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, role = excluded.role,
		   work_status = excluded.work_status, last_seen = excluded.last_seen`,
		st.ID, st.Name, string(st.Role), string(st.WorkStatus), formatTime(st.LastSeen),
	)
	if err != nil {
		return core.Staff{}, fmt.Errorf("upsert staff: %w", err)
	}
	return st, nil
}

func scanStaff(row scanner) (core.Staff, error) {
	var (
		st                     core.Staff
		role, status, lastSeen string
	)
	if err := row.Scan(&st.ID, &st.Name, &role, &status, &lastSeen); err != nil {
		return core.Staff{}, err
	}
	st.Role = core.Role(role)
	st.WorkStatus = core.WorkStatus(status)
	st.LastSeen = parseTime(lastSeen)
	return st, nil
}

func (s *Store) GetStaff(ctx context.Context, id string) (core.Staff, error) {
	st, err := scanStaff(s.db.QueryRowContext(ctx, `SELECT id, name, role, work_status, last_seen FROM staff WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Staff{}, core.ErrNotFound
	}
	if err != nil {
		return core.Staff{}, fmt.Errorf("get staff: %w", err)
	}
	return st, nil
}

func (s *Store) ListStaff(ctx context.Context, role core.Role) ([]core.Staff, error) {
	stmt := `SELECT id, name, role, work_status, last_seen FROM staff`
	var args []any
	if role != "" {
		stmt += ` WHERE role = ?`
		args = append(args, string(role))
	}
	stmt += ` ORDER BY id ASC`
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("list staff: %w", err)
	}
	defer rows.Close()
	out := []core.Staff{}
	for rows.Next() {
		st, err := scanStaff(rows)
		if err != nil {
			return nil, fmt.Errorf("scan staff: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) SetWorkStatus(ctx context.Context, id string, status core.WorkStatus, at time.Time) (core.Staff, error) {
	if !status.Valid() {
		return core.Staff{}, core.ErrInvalid
	}
	res, err := s.db.ExecContext(ctx, `UPDATE staff SET work_status = ?, last_seen = ? WHERE id = ?`, string(status), formatTime(at), id)
	if err != nil {
		return core.Staff{}, fmt.Errorf("set work status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Staff{}, core.ErrNotFound
	}
	return s.GetStaff(ctx, id)
}
