package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"will-go/internal/database/migrations"
	"will-go/internal/will"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements will.Database on SQLite. The pool is limited to
// a single connection, so top-level operations run one at a time and an
// in-memory database is shared by every caller.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

var _ will.Database = (*SQLiteDatabase)(nil)

// NewSQLiteDatabase opens the database at path, or ":memory:".
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	return &SQLiteDatabase{db: db, path: path}, nil
}

// OpenConnection opens and configures a SQLite connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return db, nil
}

// Migrate brings the schema to the latest version.
func (s *SQLiteDatabase) Migrate() error {
	return migrations.MigrateUp(s.db)
}

// Update runs fn in a transaction committed only when fn returns nil.
func (s *SQLiteDatabase) Update(ctx context.Context, fn func(tx will.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// View runs fn in a transaction that is always rolled back.
func (s *SQLiteDatabase) View(ctx context.Context, fn func(tx will.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()
	return fn(&sqliteTx{tx: tx})
}

// Operation tracking

func (s *SQLiteDatabase) CreateOperation(ctx context.Context, operation, parameters string) (*will.Operation, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO operations (started_at, operation, parameters) VALUES (?, ?, ?)`,
		now, operation, parameters)
	if err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading operation id: %w", err)
	}
	return &will.Operation{ID: id, StartedAt: now, Operation: operation, Parameters: parameters, Status: "running"}, nil
}

func (s *SQLiteDatabase) FinishOperation(ctx context.Context, id int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE operations SET finished_at = ?, status = ? WHERE id = ?`,
		time.Now().UTC(), status, id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListOperations(ctx context.Context, limit int) ([]*will.Operation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, operation, parameters, status
		 FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var ops []*will.Operation
	for rows.Next() {
		op := &will.Operation{}
		if err := rows.Scan(&op.ID, &op.StartedAt, &op.FinishedAt, &op.Operation, &op.Parameters, &op.Status); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func (s *SQLiteDatabase) MaxOperationID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM operations`).Scan(&id); err != nil {
		return 0, fmt.Errorf("getting max operation id: %w", err)
	}
	return id, nil
}

// Path returns the database file path (or ":memory:").
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the schema is up to date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo writes a consistent copy of the database to destPath using
// VACUUM INTO. destPath must not exist.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// sqliteTx implements will.Tx over one *sql.Tx.
type sqliteTx struct {
	tx *sql.Tx
}

var _ will.Tx = (*sqliteTx)(nil)

// Wills

func (t *sqliteTx) NextWillID(ctx context.Context) (uint64, error) {
	var next int64
	if err := t.tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id) + 1, 0) FROM wills`).Scan(&next); err != nil {
		return 0, err
	}
	return uint64(next), nil
}

func (t *sqliteTx) InsertWill(ctx context.Context, r *will.Record) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO wills (id, document_pointer, owner, executor, created_at, last_update_at, emergency_delay, executed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(r.ID), r.DocumentPointer, string(r.Owner), string(r.Executor),
		r.CreatedAt, r.LastUpdateAt, int64(r.EmergencyDelay), r.Executed)
	return err
}

const willColumns = `id, document_pointer, owner, executor, created_at, last_update_at, emergency_delay, executed`

func scanWill(row interface{ Scan(...any) error }) (*will.Record, error) {
	var (
		r     will.Record
		id    int64
		delay int64
	)
	if err := row.Scan(&id, &r.DocumentPointer, &r.Owner, &r.Executor, &r.CreatedAt, &r.LastUpdateAt, &delay, &r.Executed); err != nil {
		return nil, err
	}
	r.ID = uint64(id)
	r.EmergencyDelay = time.Duration(delay)
	r.CreatedAt = r.CreatedAt.UTC()
	r.LastUpdateAt = r.LastUpdateAt.UTC()
	return &r, nil
}

func (t *sqliteTx) GetWill(ctx context.Context, id uint64) (*will.Record, error) {
	r, err := scanWill(t.tx.QueryRowContext(ctx, `SELECT `+willColumns+` FROM wills WHERE id = ?`, int64(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (t *sqliteTx) UpdateWill(ctx context.Context, r *will.Record) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE wills SET document_pointer = ?, executor = ?, last_update_at = ?, emergency_delay = ?, executed = ?
		 WHERE id = ?`,
		r.DocumentPointer, string(r.Executor), r.LastUpdateAt, int64(r.EmergencyDelay), r.Executed, int64(r.ID))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("will %d: %w", r.ID, will.ErrNotFound)
	}
	return nil
}

func (t *sqliteTx) CountWills(ctx context.Context) (uint64, error) {
	var n int64
	if err := t.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM wills`).Scan(&n); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (t *sqliteTx) ListWillsByOwner(ctx context.Context, owner will.Address) ([]uint64, error) {
	return t.listIDs(ctx, `SELECT id FROM wills WHERE owner = ? ORDER BY id`, string(owner))
}

func (t *sqliteTx) ListWillsByExecutor(ctx context.Context, executor will.Address) ([]uint64, error) {
	return t.listIDs(ctx, `SELECT id FROM wills WHERE executor = ? ORDER BY id`, string(executor))
}

func (t *sqliteTx) listIDs(ctx context.Context, query string, args ...any) ([]uint64, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, uint64(id))
	}
	return ids, rows.Err()
}

// Viewers

func (t *sqliteTx) AddViewer(ctx context.Context, willID uint64, viewer will.Address) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO will_viewers (will_id, viewer) VALUES (?, ?)`, int64(willID), string(viewer))
	return err
}

func (t *sqliteTx) RemoveViewer(ctx context.Context, willID uint64, viewer will.Address) error {
	_, err := t.tx.ExecContext(ctx,
		`DELETE FROM will_viewers WHERE will_id = ? AND viewer = ?`, int64(willID), string(viewer))
	return err
}

func (t *sqliteTx) HasViewer(ctx context.Context, willID uint64, viewer will.Address) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM will_viewers WHERE will_id = ? AND viewer = ?`, int64(willID), string(viewer)).Scan(&n)
	return n > 0, err
}

func (t *sqliteTx) ListViewers(ctx context.Context, willID uint64) ([]will.Address, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT viewer FROM will_viewers WHERE will_id = ? ORDER BY viewer`, int64(willID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []will.Address
	for rows.Next() {
		var v will.Address
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Engine state

func (t *sqliteTx) GetExecutionStatus(ctx context.Context, willID uint64) (*will.ExecutionStatus, error) {
	var (
		s  = will.ExecutionStatus{WillID: willID}
		ts sql.NullTime
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT initiated, executed, executor, execution_timestamp, failure_reason
		 FROM execution_status WHERE will_id = ?`, int64(willID)).
		Scan(&s.Initiated, &s.Executed, &s.Executor, &ts, &s.FailureReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ts.Valid {
		v := ts.Time.UTC()
		s.ExecutionTimestamp = &v
	}
	return &s, nil
}

func (t *sqliteTx) PutExecutionStatus(ctx context.Context, s *will.ExecutionStatus) error {
	var ts sql.NullTime
	if s.ExecutionTimestamp != nil {
		ts = sql.NullTime{Time: *s.ExecutionTimestamp, Valid: true}
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO execution_status (will_id, initiated, executed, executor, execution_timestamp, failure_reason)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (will_id) DO UPDATE SET
		   initiated = excluded.initiated,
		   executed = excluded.executed,
		   executor = excluded.executor,
		   execution_timestamp = excluded.execution_timestamp,
		   failure_reason = excluded.failure_reason`,
		int64(s.WillID), s.Initiated, s.Executed, string(s.Executor), ts, s.FailureReason)
	return err
}

func (t *sqliteTx) InsertAttempt(ctx context.Context, a *will.Attempt) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO execution_attempts (id, will_id, caller, emergency, instruction_hash, started_at, finished_at, outcome, failure_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, int64(a.WillID), string(a.Caller), a.Emergency, a.InstructionHash, a.StartedAt, a.FinishedAt, a.Outcome, a.FailureReason)
	return err
}

func (t *sqliteTx) UpdateAttempt(ctx context.Context, a *will.Attempt) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE execution_attempts SET finished_at = ?, outcome = ?, failure_reason = ? WHERE id = ?`,
		a.FinishedAt, a.Outcome, a.FailureReason, a.ID)
	return err
}

func (t *sqliteTx) ListAttempts(ctx context.Context, willID uint64) ([]*will.Attempt, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, will_id, caller, emergency, instruction_hash, started_at, finished_at, outcome, failure_reason
		 FROM execution_attempts WHERE will_id = ? ORDER BY rowid`, int64(willID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*will.Attempt
	for rows.Next() {
		var (
			a  will.Attempt
			id int64
		)
		if err := rows.Scan(&a.ID, &id, &a.Caller, &a.Emergency, &a.InstructionHash, &a.StartedAt, &a.FinishedAt, &a.Outcome, &a.FailureReason); err != nil {
			return nil, err
		}
		a.WillID = uint64(id)
		a.StartedAt = a.StartedAt.UTC()
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (t *sqliteTx) GetSettings(ctx context.Context) (*will.Settings, error) {
	var s will.Settings
	err := t.tx.QueryRowContext(ctx,
		`SELECT owner, fee_bps, fee_recipient FROM engine_settings WHERE id = 1`).
		Scan(&s.Owner, &s.FeeBps, &s.FeeRecipient)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *sqliteTx) PutSettings(ctx context.Context, s *will.Settings) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO engine_settings (id, owner, fee_bps, fee_recipient) VALUES (1, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   owner = excluded.owner,
		   fee_bps = excluded.fee_bps,
		   fee_recipient = excluded.fee_recipient`,
		string(s.Owner), int64(s.FeeBps), string(s.FeeRecipient))
	return err
}

// Ledger

func (t *sqliteTx) GetBalance(ctx context.Context, holder will.Address, asset will.Address) (will.Amount, error) {
	var a will.Amount
	err := t.tx.QueryRowContext(ctx,
		`SELECT amount FROM balances WHERE holder = ? AND asset = ?`, string(holder), string(asset)).Scan(&a)
	if errors.Is(err, sql.ErrNoRows) {
		return will.Amount{}, nil
	}
	return a, err
}

func (t *sqliteTx) SetBalance(ctx context.Context, holder will.Address, asset will.Address, amount will.Amount) error {
	if amount.IsZero() {
		_, err := t.tx.ExecContext(ctx,
			`DELETE FROM balances WHERE holder = ? AND asset = ?`, string(holder), string(asset))
		return err
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO balances (holder, asset, amount) VALUES (?, ?, ?)
		 ON CONFLICT (holder, asset) DO UPDATE SET amount = excluded.amount`,
		string(holder), string(asset), amount)
	return err
}

func (t *sqliteTx) GetNFTOwner(ctx context.Context, contract will.Address, assetID string) (will.Address, error) {
	var owner will.Address
	err := t.tx.QueryRowContext(ctx,
		`SELECT owner FROM nft_owners WHERE contract = ? AND asset_id = ?`, string(contract), assetID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return owner, err
}

func (t *sqliteTx) SetNFTOwner(ctx context.Context, contract will.Address, assetID string, owner will.Address) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO nft_owners (contract, asset_id, owner) VALUES (?, ?, ?)
		 ON CONFLICT (contract, asset_id) DO UPDATE SET owner = excluded.owner`,
		string(contract), assetID, string(owner))
	return err
}

// Events

func (t *sqliteTx) AppendEvent(ctx context.Context, e *will.Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("encoding event data: %w", err)
	}
	var willID sql.NullInt64
	if e.WillID != nil {
		willID = sql.NullInt64{Int64: int64(*e.WillID), Valid: true}
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO events (will_id, kind, data, created_at) VALUES (?, ?, ?, ?)`,
		willID, string(e.Kind), string(data), e.CreatedAt)
	if err != nil {
		return err
	}
	e.Seq, err = res.LastInsertId()
	return err
}

func (t *sqliteTx) ListEvents(ctx context.Context, f will.EventFilter) ([]*will.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.WillID != nil {
		where = append(where, "will_id = ?")
		args = append(args, int64(*f.WillID))
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.AfterSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, f.AfterSeq)
	}

	query := `SELECT seq, will_id, kind, data, created_at FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*will.Event
	for rows.Next() {
		var (
			e      will.Event
			willID sql.NullInt64
			data   string
		)
		if err := rows.Scan(&e.Seq, &willID, &e.Kind, &data, &e.CreatedAt); err != nil {
			return nil, err
		}
		if willID.Valid {
			id := uint64(willID.Int64)
			e.WillID = &id
		}
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, fmt.Errorf("decoding event %d: %w", e.Seq, err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Savepoints

var savepointName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func (t *sqliteTx) Savepoint(ctx context.Context, name string) error {
	return t.savepointExec(ctx, "SAVEPOINT ", name)
}

func (t *sqliteTx) RollbackTo(ctx context.Context, name string) error {
	return t.savepointExec(ctx, "ROLLBACK TO SAVEPOINT ", name)
}

func (t *sqliteTx) Release(ctx context.Context, name string) error {
	return t.savepointExec(ctx, "RELEASE SAVEPOINT ", name)
}

func (t *sqliteTx) savepointExec(ctx context.Context, stmt, name string) error {
	if !savepointName.MatchString(name) {
		return fmt.Errorf("invalid savepoint name %q", name)
	}
	_, err := t.tx.ExecContext(ctx, stmt+name)
	return err
}
