// Package store persists close requests, the outbox, the position ledger and
// audit records. SQLiteStore is the production store; MemoryStore has the
// same semantics for tests and dry runs.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradeguard/internal/core"
	"tradeguard/internal/outbox"
	"tradeguard/internal/trading/order"
	apperrors "tradeguard/pkg/errors"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schema string

// Record is one persisted audit record
type Record struct {
	ID        string
	Kind      string
	Payload   []byte
	CreatedAt time.Time
}

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens dbPath in WAL mode and applies the schema.
// Transactions take the write lock up front so claims never interleave.
func NewSQLiteStore(dbPath string, busyTimeoutMs int) (*SQLiteStore, error) {
	if busyTimeoutMs <= 0 {
		busyTimeoutMs = 5000
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate&_foreign_keys=on", dbPath, busyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	if err := addColumn(db, "close_requests", "order_seq", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

// addColumn brings a database created by an older schema up to date
func addColumn(db *sql.DB, table, column, decl string) error {
	rows, err := db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to inspect %s: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	rows.Close()
	if _, err := db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl)); err != nil {
		return fmt.Errorf("failed to add %s.%s: %w", table, column, err)
	}
	return nil
}

// DB exposes the handle for durable workflow steps
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping is the database health probe
func (s *SQLiteStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	return nil
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	// Start transaction with serializable isolation
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- close requests ----

const closeColumns = `id, position_id, account_id, idempotency_key, status, symbol, side, asset_type,
	target_qty, filled_qty, retry_count, max_retries, order_seq, broker_order_id, last_error,
	created_at, updated_at, submitted_at, completed_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCloseRequest(row rowScanner) (*order.CloseRequest, error) {
	var (
		req                  order.CloseRequest
		status, side, asset  string
		created, updated     int64
		submitted, completed sql.NullInt64
		targetQty, filledQty decimal.Decimal
	)
	err := row.Scan(&req.ID, &req.PositionID, &req.AccountID, &req.IdempotencyKey, &status, &req.Symbol, &side, &asset,
		&targetQty, &filledQty, &req.RetryCount, &req.MaxRetries, &req.OrderSeq, &req.BrokerOrderID, &req.LastError,
		&created, &updated, &submitted, &completed)
	if err != nil {
		return nil, err
	}
	req.Status = order.CloseStatus(status)
	req.Side = core.Side(side)
	req.AssetType = core.AssetType(asset)
	req.TargetQty = targetQty
	req.FilledQty = filledQty
	req.CreatedAt = fromNanos(created)
	req.UpdatedAt = fromNanos(updated)
	req.SubmittedAt = fromNullNanos(submitted)
	req.CompletedAt = fromNullNanos(completed)
	return &req, nil
}

// CreateCloseRequest stores req and its submit event in one transaction. A
// request with the same idempotency key is returned unchanged instead.
func (s *SQLiteStore) CreateCloseRequest(ctx context.Context, req *order.CloseRequest) (*order.CloseRequest, bool, error) {
	event, err := outbox.NewEvent(order.EventCloseSubmit, order.SubmitPayload{
		CloseRequestID: req.ID,
		IdempotencyKey: req.IdempotencyKey,
	}, req.CreatedAt)
	if err != nil {
		return nil, false, err
	}

	var (
		stored  *order.CloseRequest
		created bool
	)
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanCloseRequest(tx.QueryRowContext(ctx,
			`SELECT `+closeColumns+` FROM close_requests WHERE idempotency_key = ?`, req.IdempotencyKey))
		if err == nil {
			stored = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to look up idempotency key: %w", err)
		}

		_, err = tx.ExecContext(ctx, `INSERT INTO close_requests (`+closeColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			req.ID, req.PositionID, req.AccountID, req.IdempotencyKey, string(req.Status), req.Symbol,
			string(req.Side), string(req.AssetType), req.TargetQty.String(), req.FilledQty.String(),
			req.RetryCount, req.MaxRetries, req.OrderSeq, req.BrokerOrderID, req.LastError,
			toNanos(req.CreatedAt), toNanos(req.UpdatedAt), toNullNanos(req.SubmittedAt), toNullNanos(req.CompletedAt))
		if err != nil {
			return fmt.Errorf("failed to insert close request: %w", err)
		}
		if _, err := insertEvent(ctx, tx, event); err != nil {
			return err
		}
		stored = req.Clone()
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (s *SQLiteStore) GetCloseRequest(ctx context.Context, id string) (*order.CloseRequest, error) {
	req, err := scanCloseRequest(s.db.QueryRowContext(ctx,
		`SELECT `+closeColumns+` FROM close_requests WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: close request %s", apperrors.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read close request: %w", err)
	}
	return req, nil
}

func (s *SQLiteStore) GetCloseRequestByKey(ctx context.Context, key string) (*order.CloseRequest, error) {
	req, err := scanCloseRequest(s.db.QueryRowContext(ctx,
		`SELECT `+closeColumns+` FROM close_requests WHERE idempotency_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: idempotency key %s", apperrors.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read close request: %w", err)
	}
	return req, nil
}

func (s *SQLiteStore) ListCloseRequests(ctx context.Context, status order.CloseStatus, limit int) ([]*order.CloseRequest, error) {
	query := `SELECT ` + closeColumns + ` FROM close_requests`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list close requests: %w", err)
	}
	defer rows.Close()

	var out []*order.CloseRequest
	for rows.Next() {
		req, err := scanCloseRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan close request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// UpdateCloseRequest writes req if the stored status still equals expected
func (s *SQLiteStore) UpdateCloseRequest(ctx context.Context, req *order.CloseRequest, expected order.CloseStatus) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return updateCloseRequest(ctx, tx, req, expected)
	})
}

func updateCloseRequest(ctx context.Context, tx *sql.Tx, req *order.CloseRequest, expected order.CloseStatus) error {
	res, err := tx.ExecContext(ctx, `UPDATE close_requests SET
			status = ?, filled_qty = ?, retry_count = ?, order_seq = ?, broker_order_id = ?, last_error = ?,
			updated_at = ?, submitted_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		string(req.Status), req.FilledQty.String(), req.RetryCount, req.OrderSeq, req.BrokerOrderID, req.LastError,
		toNanos(req.UpdatedAt), toNullNanos(req.SubmittedAt), toNullNanos(req.CompletedAt),
		req.ID, string(expected))
	if err != nil {
		return fmt.Errorf("failed to update close request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM close_requests WHERE id = ?`, req.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: close request %s", apperrors.ErrNotFound, req.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to read close request status: %w", err)
	}
	return fmt.Errorf("%w: close request %s is %s, expected %s", apperrors.ErrInvalidTransition, req.ID, current, expected)
}

// ---- outbox ----

const eventColumns = `id, event_type, payload, idempotency_key, status, retry_count, last_error,
	claimed_by, claimed_at, next_attempt_at, created_at, processed_at`

func scanEvent(row rowScanner) (*outbox.Event, error) {
	var (
		e                 outbox.Event
		payload, status   string
		claimedBy         sql.NullString
		claimedAt, procAt sql.NullInt64
		nextAt, created   int64
	)
	err := row.Scan(&e.ID, &e.EventType, &payload, &e.IdempotencyKey, &status, &e.RetryCount, &e.LastError,
		&claimedBy, &claimedAt, &nextAt, &created, &procAt)
	if err != nil {
		return nil, err
	}
	e.Payload = []byte(payload)
	e.Status = outbox.Status(status)
	e.ClaimedBy = claimedBy.String
	e.ClaimedAt = fromNullNanos(claimedAt)
	e.NextAttemptAt = fromNanos(nextAt)
	e.CreatedAt = fromNanos(created)
	e.ProcessedAt = fromNullNanos(procAt)
	return &e, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, e *outbox.Event) (bool, error) {
	status := e.Status
	if status == "" {
		status = outbox.StatusPending
	}
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO outbox_events
			(event_type, payload, idempotency_key, status, retry_count, last_error, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, 0, '', ?, ?)`,
		e.EventType, string(e.Payload), e.IdempotencyKey, string(status), toNanos(e.NextAttemptAt), toNanos(e.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert outbox event: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return true, nil
}

func (s *SQLiteStore) Enqueue(ctx context.Context, e *outbox.Event) (bool, error) {
	var inserted bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = insertEvent(ctx, tx, e)
		return err
	})
	return inserted, err
}

func (s *SQLiteStore) Claim(ctx context.Context, workerID string, now, staleBefore time.Time, limit int) ([]*outbox.Event, error) {
	if limit <= 0 {
		limit = 1
	}
	var claimed []*outbox.Event
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM outbox_events
			WHERE (status = ? AND next_attempt_at <= ?)
			   OR (status = ? AND claimed_at < ?)
			ORDER BY next_attempt_at, id
			LIMIT ?`,
			string(outbox.StatusPending), toNanos(now),
			string(outbox.StatusProcessing), toNanos(staleBefore),
			limit)
		if err != nil {
			return fmt.Errorf("failed to select due events: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE outbox_events SET status = ?, claimed_by = ?, claimed_at = ? WHERE id = ?`,
				string(outbox.StatusProcessing), workerID, toNanos(now), id); err != nil {
				return fmt.Errorf("failed to claim event %d: %w", id, err)
			}
			e, err := scanEvent(tx.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM outbox_events WHERE id = ?`, id))
			if err != nil {
				return fmt.Errorf("failed to read claimed event %d: %w", id, err)
			}
			claimed = append(claimed, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Settle writes the outcome of a claimed row along with the close request and
// ledger changes it carries
func (s *SQLiteStore) Settle(ctx context.Context, id int64, workerID string, st outbox.Settlement) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var (
			status    string
			claimedBy sql.NullString
		)
		err := tx.QueryRowContext(ctx, `SELECT status, claimed_by FROM outbox_events WHERE id = ?`, id).Scan(&status, &claimedBy)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: outbox event %d", apperrors.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to read outbox event: %w", err)
		}
		if outbox.Status(status) != outbox.StatusProcessing || claimedBy.String != workerID {
			return fmt.Errorf("%w: event %d is %s held by %q", apperrors.ErrClaimLost, id, status, claimedBy.String)
		}

		if st.Close != nil {
			if err := updateCloseRequest(ctx, tx, st.Close, st.CloseFrom); err != nil {
				return err
			}
		}
		if st.Fill != nil {
			if err := applyFill(ctx, tx, st.Fill, settledAt(st)); err != nil {
				return err
			}
		}

		var processed interface{}
		if !st.ProcessedAt.IsZero() {
			processed = toNanos(st.ProcessedAt)
		}
		nextAt := st.NextAttemptAt
		if nextAt.IsZero() {
			nextAt = st.ProcessedAt
		}
		_, err = tx.ExecContext(ctx, `UPDATE outbox_events SET
				status = ?, retry_count = ?, last_error = ?, next_attempt_at = ?, processed_at = ?,
				claimed_by = NULL, claimed_at = NULL
			WHERE id = ?`,
			string(st.Status), st.RetryCount, st.LastError, toNanos(nextAt), processed, id)
		if err != nil {
			return fmt.Errorf("failed to settle outbox event: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (*outbox.Event, error) {
	e, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM outbox_events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: outbox event %d", apperrors.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox event: %w", err)
	}
	return e, nil
}

func (s *SQLiteStore) List(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM outbox_events`
	var args []interface{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox events: %w", err)
	}
	defer rows.Close()

	var out []*outbox.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Requeue(ctx context.Context, id int64, now time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE outbox_events SET
				status = ?, retry_count = 0, last_error = '', next_attempt_at = ?, processed_at = NULL
			WHERE id = ? AND status = ?`,
			string(outbox.StatusPending), toNanos(now), id, string(outbox.StatusFailed))
		if err != nil {
			return fmt.Errorf("failed to requeue outbox event: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		var status string
		err = tx.QueryRowContext(ctx, `SELECT status FROM outbox_events WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: outbox event %d", apperrors.ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: outbox event %d is %s", apperrors.ErrInvalidTransition, id, status)
	})
}

func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox_events
		WHERE status IN (?, ?) AND processed_at IS NOT NULL AND processed_at < ?`,
		string(outbox.StatusCompleted), string(outbox.StatusFailed), toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete settled outbox events: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Stats(ctx context.Context) (outbox.Stats, error) {
	var stats outbox.Stats
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox_events GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("failed to count outbox events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		switch outbox.Status(status) {
		case outbox.StatusPending:
			stats.Pending = n
		case outbox.StatusProcessing:
			stats.Processing = n
		case outbox.StatusCompleted:
			stats.Completed = n
		case outbox.StatusFailed:
			stats.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	var oldest sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(created_at) FROM outbox_events WHERE status = ?`,
		string(outbox.StatusPending)).Scan(&oldest); err != nil {
		return stats, fmt.Errorf("failed to read oldest pending event: %w", err)
	}
	stats.OldestPending = fromNullNanos(oldest)
	return stats, nil
}

// ---- ledger ----

func applyFill(ctx context.Context, tx *sql.Tx, f *core.Fill, now time.Time) error {
	pos := core.Position{AccountID: f.AccountID, Symbol: f.Symbol, AssetType: f.AssetType}
	var asset string
	err := tx.QueryRowContext(ctx, `SELECT asset_type, quantity, cost_basis FROM positions WHERE account_id = ? AND symbol = ?`,
		f.AccountID, f.Symbol).Scan(&asset, &pos.Quantity, &pos.CostBasis)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read position: %w", err)
	}
	if err == nil {
		pos.AssetType = core.AssetType(asset)
	}

	cashDelta := pos.ApplyFill(f.Side, f.Quantity, f.Price)
	if err := savePosition(ctx, tx, pos, now); err != nil {
		return err
	}

	var cash, equity decimal.Decimal
	err = tx.QueryRowContext(ctx, `SELECT cash, equity FROM accounts WHERE account_id = ?`, f.AccountID).Scan(&cash, &equity)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read account: %w", err)
	}
	return saveAccount(ctx, tx, core.Account{AccountID: f.AccountID, Cash: cash.Add(cashDelta), Equity: equity}, now)
}

func savePosition(ctx context.Context, tx *sql.Tx, p core.Position, now time.Time) error {
	if p.Quantity.IsZero() {
		_, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE account_id = ? AND symbol = ?`, p.AccountID, p.Symbol)
		if err != nil {
			return fmt.Errorf("failed to delete flat position: %w", err)
		}
		return nil
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO positions (account_id, symbol, asset_type, quantity, cost_basis, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, symbol) DO UPDATE SET
			asset_type = excluded.asset_type,
			quantity = excluded.quantity,
			cost_basis = excluded.cost_basis,
			updated_at = excluded.updated_at`,
		p.AccountID, p.Symbol, string(p.AssetType), p.Quantity.String(), p.CostBasis.String(), toNanos(now))
	if err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

func saveAccount(ctx context.Context, tx *sql.Tx, a core.Account, now time.Time) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO accounts (account_id, cash, equity, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			cash = excluded.cash,
			equity = excluded.equity,
			updated_at = excluded.updated_at`,
		a.AccountID, a.Cash.String(), a.Equity.String(), toNanos(now))
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// SavePosition records a position directly, used for seeding and manual
// corrections. A zero quantity removes it.
func (s *SQLiteStore) SavePosition(ctx context.Context, p core.Position) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return savePosition(ctx, tx, p, time.Now().UTC())
	})
}

func (s *SQLiteStore) SaveAccount(ctx context.Context, a core.Account) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return saveAccount(ctx, tx, a, time.Now().UTC())
	})
}

func (s *SQLiteStore) GetPositions(ctx context.Context, accountID string) ([]core.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account_id, symbol, asset_type, quantity, cost_basis, updated_at
		FROM positions WHERE account_id = ? ORDER BY symbol`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var out []core.Position
	for rows.Next() {
		var (
			p       core.Position
			asset   string
			updated int64
		)
		if err := rows.Scan(&p.AccountID, &p.Symbol, &asset, &p.Quantity, &p.CostBasis, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		p.AssetType = core.AssetType(asset)
		p.UpdatedAt = fromNanos(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetAccount(ctx context.Context, accountID string) (*core.Account, error) {
	var (
		a       core.Account
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT account_id, cash, equity, updated_at FROM accounts WHERE account_id = ?`,
		accountID).Scan(&a.AccountID, &a.Cash, &a.Equity, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: account %s", apperrors.ErrNotFound, accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read account: %w", err)
	}
	a.UpdatedAt = fromNanos(updated)
	return &a, nil
}

// ---- audit records ----

// WriteRecord stores an audit record. Records are keyed by id so a replayed
// buffer entry is written once.
func (s *SQLiteStore) WriteRecord(ctx context.Context, id, kind string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO audit_records (id, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
		id, kind, string(payload), toNanos(time.Now().UTC()))
	if err != nil {
		if isBusy(err) {
			return fmt.Errorf("database busy: %w", err)
		}
		return fmt.Errorf("failed to write audit record: %w", err)
	}
	return nil
}

// ListRecords returns the newest records of kind, all kinds when kind is empty
func (s *SQLiteStore) ListRecords(ctx context.Context, kind string, limit int) ([]Record, error) {
	query := `SELECT id, kind, payload, created_at FROM audit_records`
	var args []interface{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r       Record
			payload string
			created int64
		)
		if err := rows.Scan(&r.ID, &r.Kind, &payload, &created); err != nil {
			return nil, err
		}
		r.Payload = []byte(payload)
		r.CreatedAt = fromNanos(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func settledAt(st outbox.Settlement) time.Time {
	switch {
	case !st.ProcessedAt.IsZero():
		return st.ProcessedAt
	case st.Close != nil && !st.Close.UpdatedAt.IsZero():
		return st.Close.UpdatedAt
	}
	return time.Now().UTC()
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return strings.Contains(err.Error(), "database is locked")
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func toNullNanos(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
