package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/runtarahq/runtara/internal/checkpoint"
	"github.com/runtarahq/runtara/internal/emit"
	"github.com/runtarahq/runtara/internal/idgen"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed Storage implementation.
//
// Designed for single-node deployments and tests: zero external
// dependencies, a single file (or ":memory:") database, WAL mode for
// concurrent reads. A production multi-node deployment of either plane
// should use MySQLStore instead, since SQLite allows only one writer at a
// time.
//
// Adapted from the teacher's graph/store/sqlite.go SQLiteStore[S]: the same
// open/pragma/createTables shape, generalized from the single generic
// workflow_steps/workflow_checkpoints schema to the full instance,
// checkpoint, signal, event, image, and container tables this platform
// needs.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (and if necessary creates) a SQLite database at path.
// Pass ":memory:" for an ephemeral, test-only database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			image_id TEXT NOT NULL,
			status TEXT NOT NULL,
			termination_reason TEXT NOT NULL DEFAULT '',
			checkpoint_cursor TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			finished_at TIMESTAMP,
			sleep_until TIMESTAMP,
			input BLOB,
			output BLOB,
			error_text TEXT NOT NULL DEFAULT '',
			stderr_text TEXT NOT NULL DEFAULT '',
			exit_code INTEGER,
			peak_memory_bytes INTEGER NOT NULL DEFAULT 0,
			cpu_micros INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_tenant ON instances(tenant)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_sleep_until ON instances(status, sleep_until)`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			rowid_seq INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			state BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL,
			retry_attempt INTEGER NOT NULL DEFAULT 0,
			attempt INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			is_compensatable INTEGER NOT NULL DEFAULT 0,
			compensation_step TEXT NOT NULL DEFAULT '',
			compensation_data BLOB,
			compensation_state TEXT NOT NULL DEFAULT 'none',
			compensation_ordinal INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_checkpoints_fresh_key
			ON checkpoints(instance_id, checkpoint_id)
			WHERE retry_attempt = 0`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_instance ON checkpoints(instance_id, sequence)`,

		`CREATE TABLE IF NOT EXISTS pending_signals (
			instance_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			payload BLOB,
			created_at TIMESTAMP NOT NULL,
			acknowledged_at TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS checkpoint_signals (
			instance_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			payload BLOB,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (instance_id, checkpoint_id)
		)`,

		`CREATE TABLE IF NOT EXISTS instance_events (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			subtype TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL DEFAULT '',
			payload BLOB,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_instance ON instance_events(instance_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS events_outbox (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			subtype TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL DEFAULT '',
			payload BLOB,
			emitted_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON events_outbox(emitted_at, created_at)`,

		`CREATE TABLE IF NOT EXISTS images (
			id TEXT PRIMARY KEY,
			tenant TEXT NOT NULL,
			name TEXT NOT NULL,
			sha256 TEXT NOT NULL,
			binary_ref TEXT NOT NULL,
			bundle_path TEXT NOT NULL DEFAULT '',
			runner_kind TEXT NOT NULL DEFAULT 'oci',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_images_content ON images(tenant, sha256)`,

		`CREATE TABLE IF NOT EXISTS containers (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL UNIQUE,
			bundle_path TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			pid INTEGER NOT NULL DEFAULT 0,
			last_heartbeat TIMESTAMP,
			timeout_ns INTEGER NOT NULL DEFAULT 0,
			exit_code INTEGER,
			process_killed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_containers_heartbeat ON containers(status, last_heartbeat)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// --- Instances ---

func (s *SQLiteStore) CreateInstance(ctx context.Context, inst Instance) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (
			id, tenant, image_id, status, termination_reason, checkpoint_cursor,
			attempt, max_attempts, created_at, started_at, finished_at, sleep_until,
			input, output, error_text, stderr_text, exit_code, peak_memory_bytes, cpu_micros
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		inst.ID, inst.Tenant, inst.ImageID, string(inst.Status), string(inst.TerminationReason), inst.CheckpointCursor,
		inst.Attempt, inst.MaxAttempts, inst.CreatedAt, nullableTime(inst.StartedAt), nullableTime(inst.FinishedAt), nullableTime(inst.SleepUntil),
		inst.Input, inst.Output, inst.ErrorText, inst.StderrText, nullableInt(inst.ExitCode), inst.PeakMemoryBytes, inst.CPUMicros,
	)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (Instance, error) {
	if err := s.checkClosed(); err != nil {
		return Instance{}, err
	}
	row := s.db.QueryRowContext(ctx, instanceSelectColumns+` FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return Instance{}, ErrNotFound
	}
	if err != nil {
		return Instance{}, fmt.Errorf("get instance: %w", err)
	}
	return inst, nil
}

func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst Instance) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE instances SET
			tenant = ?, image_id = ?, status = ?, termination_reason = ?, checkpoint_cursor = ?,
			attempt = ?, max_attempts = ?, started_at = ?, finished_at = ?, sleep_until = ?,
			input = ?, output = ?, error_text = ?, stderr_text = ?, exit_code = ?,
			peak_memory_bytes = ?, cpu_micros = ?
		WHERE id = ?
	`,
		inst.Tenant, inst.ImageID, string(inst.Status), string(inst.TerminationReason), inst.CheckpointCursor,
		inst.Attempt, inst.MaxAttempts, nullableTime(inst.StartedAt), nullableTime(inst.FinishedAt), nullableTime(inst.SleepUntil),
		inst.Input, inst.Output, inst.ErrorText, inst.StderrText, nullableInt(inst.ExitCode),
		inst.PeakMemoryBytes, inst.CPUMicros, inst.ID,
	)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListInstances(ctx context.Context, filter InstanceFilter, page Pagination) ([]Instance, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	query := instanceSelectColumns + ` FROM instances WHERE 1=1`
	var args []any
	if filter.Tenant != "" {
		query += ` AND tenant = ?`
		args = append(args, filter.Tenant)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ImageID != "" {
		query += ` AND image_id = ?`
		args = append(args, filter.ImageID)
	}
	if filter.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, time.Unix(*filter.Since, 0))
	}
	if filter.Until != nil {
		query += ` AND created_at < ?`
		args = append(args, time.Unix(*filter.Until, 0))
	}
	query += ` ORDER BY created_at ASC`
	query += applyPagination(page, &args)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func applyPagination(page Pagination, args *[]any) string {
	clause := ""
	if page.Limit > 0 {
		clause += ` LIMIT ?`
		*args = append(*args, page.Limit)
	}
	if page.Offset > 0 {
		if page.Limit <= 0 {
			clause += ` LIMIT -1`
		}
		clause += ` OFFSET ?`
		*args = append(*args, page.Offset)
	}
	return clause
}

func (s *SQLiteStore) DueForWake(ctx context.Context, now int64, limit int) ([]Instance, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	query := instanceSelectColumns + ` FROM instances WHERE status = ? AND sleep_until IS NOT NULL AND sleep_until <= ? ORDER BY sleep_until ASC`
	args := []any{string(StatusSuspended), time.Unix(now, 0)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("due for wake: %w", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

const instanceSelectColumns = `SELECT
	id, tenant, image_id, status, termination_reason, checkpoint_cursor,
	attempt, max_attempts, created_at, started_at, finished_at, sleep_until,
	input, output, error_text, stderr_text, exit_code, peak_memory_bytes, cpu_micros`

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (Instance, error) {
	var inst Instance
	var status, reason string
	var startedAt, finishedAt, sleepUntil sql.NullTime
	var exitCode sql.NullInt64

	err := row.Scan(
		&inst.ID, &inst.Tenant, &inst.ImageID, &status, &reason, &inst.CheckpointCursor,
		&inst.Attempt, &inst.MaxAttempts, &inst.CreatedAt, &startedAt, &finishedAt, &sleepUntil,
		&inst.Input, &inst.Output, &inst.ErrorText, &inst.StderrText, &exitCode, &inst.PeakMemoryBytes, &inst.CPUMicros,
	)
	if err != nil {
		return Instance{}, err
	}
	inst.Status = InstanceStatus(status)
	inst.TerminationReason = TerminationReason(reason)
	if startedAt.Valid {
		inst.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		inst.FinishedAt = &finishedAt.Time
	}
	if sleepUntil.Valid {
		inst.SleepUntil = &sleepUntil.Time
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		inst.ExitCode = &v
	}
	return inst, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// --- Checkpoints ---

func (s *SQLiteStore) WriteCheckpoint(ctx context.Context, req checkpoint.WriteRequest) (checkpoint.Record, bool, error) {
	if err := s.checkClosed(); err != nil {
		return checkpoint.Record{}, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return checkpoint.Record{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if !req.RetryAttempt {
		existing, err := s.getCheckpointTx(ctx, tx, req.InstanceID, req.ID)
		if err == nil {
			return existing, true, nil
		}
		if err != ErrNotFound {
			return checkpoint.Record{}, false, err
		}
	}

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(sequence) FROM checkpoints WHERE instance_id = ?`, req.InstanceID).Scan(&maxSeq); err != nil {
		return checkpoint.Record{}, false, fmt.Errorf("max sequence: %w", err)
	}
	seq := maxSeq.Int64 + 1

	rec := checkpoint.Record{
		InstanceID:          req.InstanceID,
		ID:                  req.ID,
		Sequence:            seq,
		State:               req.State,
		CreatedAt:           time.Now(),
		RetryAttempt:        req.RetryAttempt,
		Attempt:             req.Attempt,
		ErrorMessage:        req.ErrorMessage,
		IsCompensatable:     req.IsCompensatable,
		CompensationStep:    req.CompensationStep,
		CompensationData:    req.CompensationData,
		CompensationState:   checkpoint.CompensationNone,
		CompensationOrdinal: req.CompensationOrdinal,
	}
	if rec.IsCompensatable {
		rec.CompensationState = checkpoint.CompensationPending
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (
			instance_id, checkpoint_id, sequence, state, created_at, retry_attempt, attempt,
			error_message, is_compensatable, compensation_step, compensation_data,
			compensation_state, compensation_ordinal
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.InstanceID, rec.ID, rec.Sequence, rec.State, rec.CreatedAt, rec.RetryAttempt, rec.Attempt,
		rec.ErrorMessage, rec.IsCompensatable, rec.CompensationStep, rec.CompensationData,
		string(rec.CompensationState), rec.CompensationOrdinal,
	)
	if err != nil {
		return checkpoint.Record{}, false, fmt.Errorf("insert checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return checkpoint.Record{}, false, fmt.Errorf("commit checkpoint: %w", err)
	}
	return rec, false, nil
}

func (s *SQLiteStore) getCheckpointTx(ctx context.Context, tx *sql.Tx, instanceID, id string) (checkpoint.Record, error) {
	row := tx.QueryRowContext(ctx, checkpointSelectColumns+` FROM checkpoints WHERE instance_id = ? AND checkpoint_id = ? AND retry_attempt = 0`, instanceID, id)
	rec, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return checkpoint.Record{}, ErrNotFound
	}
	if err != nil {
		return checkpoint.Record{}, fmt.Errorf("get checkpoint: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, instanceID, id string) (checkpoint.Record, error) {
	if err := s.checkClosed(); err != nil {
		return checkpoint.Record{}, err
	}
	row := s.db.QueryRowContext(ctx, checkpointSelectColumns+` FROM checkpoints WHERE instance_id = ? AND checkpoint_id = ? AND retry_attempt = 0`, instanceID, id)
	rec, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return checkpoint.Record{}, ErrNotFound
	}
	if err != nil {
		return checkpoint.Record{}, fmt.Errorf("get checkpoint: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListCheckpoints(ctx context.Context, instanceID string) ([]checkpoint.Record, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, checkpointSelectColumns+` FROM checkpoints WHERE instance_id = ? ORDER BY sequence ASC`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.Record
	for rows.Next() {
		rec, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const checkpointSelectColumns = `SELECT
	instance_id, checkpoint_id, sequence, state, created_at, retry_attempt, attempt,
	error_message, is_compensatable, compensation_step, compensation_data,
	compensation_state, compensation_ordinal`

func scanCheckpoint(row scanner) (checkpoint.Record, error) {
	var rec checkpoint.Record
	var compState string
	err := row.Scan(
		&rec.InstanceID, &rec.ID, &rec.Sequence, &rec.State, &rec.CreatedAt, &rec.RetryAttempt, &rec.Attempt,
		&rec.ErrorMessage, &rec.IsCompensatable, &rec.CompensationStep, &rec.CompensationData,
		&compState, &rec.CompensationOrdinal,
	)
	if err != nil {
		return checkpoint.Record{}, err
	}
	rec.CompensationState = checkpoint.CompensationState(compState)
	return rec, nil
}

// --- Signals ---

func (s *SQLiteStore) SendSignal(ctx context.Context, instanceID string, kind SignalKind, payload []byte) error {
	if err := s.checkClosed(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var existingKind string
	var acked sql.NullTime
	err = tx.QueryRowContext(ctx, `SELECT kind, acknowledged_at FROM pending_signals WHERE instance_id = ?`, instanceID).Scan(&existingKind, &acked)
	hasExisting := err == nil && !acked.Valid
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("peek signal: %w", err)
	}

	if hasExisting {
		switch {
		case existingKind == string(SignalCancel):
			return tx.Commit()
		case kind == SignalCancel:
			// upgrade to cancel
		case kind == SignalResume && existingKind != string(SignalPause):
			return tx.Commit()
		case string(kind) == existingKind:
			return tx.Commit()
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pending_signals (instance_id, kind, payload, created_at, acknowledged_at)
		VALUES (?, ?, ?, ?, NULL)
		ON CONFLICT(instance_id) DO UPDATE SET
			kind = excluded.kind, payload = excluded.payload, created_at = excluded.created_at, acknowledged_at = NULL
	`, instanceID, string(kind), payload, time.Now())
	if err != nil {
		return fmt.Errorf("upsert signal: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) PeekSignal(ctx context.Context, instanceID string) (PendingSignal, bool, error) {
	if err := s.checkClosed(); err != nil {
		return PendingSignal{}, false, err
	}
	var sig PendingSignal
	var kind string
	var acked sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT instance_id, kind, payload, created_at, acknowledged_at FROM pending_signals WHERE instance_id = ?`, instanceID).
		Scan(&sig.InstanceID, &kind, &sig.Payload, &sig.CreatedAt, &acked)
	if err == sql.ErrNoRows {
		return PendingSignal{}, false, nil
	}
	if err != nil {
		return PendingSignal{}, false, fmt.Errorf("peek signal: %w", err)
	}
	if acked.Valid {
		return PendingSignal{}, false, nil
	}
	sig.Kind = SignalKind(kind)
	return sig, true, nil
}

func (s *SQLiteStore) AcknowledgeSignal(ctx context.Context, instanceID string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_signals WHERE instance_id = ?`, instanceID)
	if err != nil {
		return fmt.Errorf("acknowledge signal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SendCheckpointSignal(ctx context.Context, instanceID, checkpointID string, payload []byte) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoint_signals (instance_id, checkpoint_id, payload, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(instance_id, checkpoint_id) DO UPDATE SET payload = excluded.payload, created_at = excluded.created_at
	`, instanceID, checkpointID, payload, time.Now())
	if err != nil {
		return fmt.Errorf("send checkpoint signal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) TakeCheckpointSignal(ctx context.Context, instanceID, checkpointID string) ([]byte, bool, error) {
	if err := s.checkClosed(); err != nil {
		return nil, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var payload []byte
	err = tx.QueryRowContext(ctx, `SELECT payload FROM checkpoint_signals WHERE instance_id = ? AND checkpoint_id = ?`, instanceID, checkpointID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("take checkpoint signal: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoint_signals WHERE instance_id = ? AND checkpoint_id = ?`, instanceID, checkpointID); err != nil {
		return nil, false, fmt.Errorf("delete checkpoint signal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return payload, true, nil
}

// --- Events ---

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev InstanceEvent) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if ev.ID == "" {
		ev.ID = idgen.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO instance_events (id, instance_id, kind, subtype, checkpoint_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.InstanceID, ev.Kind, ev.Subtype, ev.CheckpointID, ev.Payload, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events_outbox (id, instance_id, kind, subtype, checkpoint_id, payload, emitted_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?)
	`, ev.ID, ev.InstanceID, ev.Kind, ev.Subtype, ev.CheckpointID, ev.Payload, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter, page Pagination) ([]InstanceEvent, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	query := `SELECT id, instance_id, kind, subtype, checkpoint_id, payload, created_at FROM instance_events WHERE 1=1`
	var args []any
	if filter.InstanceID != "" {
		query += ` AND instance_id = ?`
		args = append(args, filter.InstanceID)
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, filter.Kind)
	}
	if filter.Subtype != "" {
		query += ` AND subtype = ?`
		args = append(args, filter.Subtype)
	}
	if filter.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, time.Unix(*filter.Since, 0))
	}
	if filter.Until != nil {
		query += ` AND created_at < ?`
		args = append(args, time.Unix(*filter.Until, 0))
	}
	if filter.PayloadSubstr != "" {
		query += ` AND payload LIKE ?`
		args = append(args, "%"+filter.PayloadSubstr+"%")
	}
	query += ` ORDER BY created_at ASC`
	query += applyPagination(page, &args)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []InstanceEvent
	for rows.Next() {
		var ev InstanceEvent
		if err := rows.Scan(&ev.ID, &ev.InstanceID, &ev.Kind, &ev.Subtype, &ev.CheckpointID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PendingEvents(ctx context.Context, limit int) ([]emit.Event, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	query := `SELECT id, instance_id, kind, subtype, checkpoint_id, payload FROM events_outbox WHERE emitted_at IS NULL ORDER BY created_at ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pending events: %w", err)
	}
	defer rows.Close()

	var out []emit.Event
	for rows.Next() {
		var id string
		var ev emit.Event
		if err := rows.Scan(&id, &ev.InstanceID, &ev.Kind, &ev.Subtype, &ev.CheckpointID, &ev.Payload); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		if ev.Meta == nil {
			ev.Meta = map[string]interface{}{"event_id": id}
		} else {
			ev.Meta["event_id"] = id
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MarkEventsEmitted(ctx context.Context, eventIDs []string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	if len(eventIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE events_outbox SET emitted_at = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, id := range eventIDs {
		if _, err := stmt.ExecContext(ctx, now, id); err != nil {
			return fmt.Errorf("mark emitted %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// --- Images ---

func (s *SQLiteStore) CreateImage(ctx context.Context, img Image) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	metaJSON, err := json.Marshal(img.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO images (id, tenant, name, sha256, binary_ref, bundle_path, runner_kind, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, img.ID, img.Tenant, img.Name, img.SHA256, img.BinaryRef, img.BundlePath, img.RunnerKind, string(metaJSON), img.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert image: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetImage(ctx context.Context, id string) (Image, error) {
	if err := s.checkClosed(); err != nil {
		return Image{}, err
	}
	row := s.db.QueryRowContext(ctx, imageSelectColumns+` FROM images WHERE id = ?`, id)
	img, err := scanImage(row)
	if err == sql.ErrNoRows {
		return Image{}, ErrNotFound
	}
	if err != nil {
		return Image{}, fmt.Errorf("get image: %w", err)
	}
	return img, nil
}

func (s *SQLiteStore) GetImageByContentHash(ctx context.Context, tenant, sha256 string) (Image, bool, error) {
	if err := s.checkClosed(); err != nil {
		return Image{}, false, err
	}
	row := s.db.QueryRowContext(ctx, imageSelectColumns+` FROM images WHERE tenant = ? AND sha256 = ?`, tenant, sha256)
	img, err := scanImage(row)
	if err == sql.ErrNoRows {
		return Image{}, false, nil
	}
	if err != nil {
		return Image{}, false, fmt.Errorf("get image by hash: %w", err)
	}
	return img, true, nil
}

func (s *SQLiteStore) ListImages(ctx context.Context, tenant string, page Pagination) ([]Image, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	query := imageSelectColumns + ` FROM images WHERE 1=1`
	var args []any
	if tenant != "" {
		query += ` AND tenant = ?`
		args = append(args, tenant)
	}
	query += ` ORDER BY created_at ASC`
	query += applyPagination(page, &args)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var out []Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteImage(ctx context.Context, id string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) HasLiveInstances(ctx context.Context, imageID string) (bool, error) {
	if err := s.checkClosed(); err != nil {
		return false, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM instances WHERE image_id = ? AND status NOT IN (?, ?, ?)
	`, imageID, string(StatusCompleted), string(StatusFailed), string(StatusCancelled)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has live instances: %w", err)
	}
	return n > 0, nil
}

const imageSelectColumns = `SELECT id, tenant, name, sha256, binary_ref, bundle_path, runner_kind, metadata, created_at`

func scanImage(row scanner) (Image, error) {
	var img Image
	var metaJSON string
	if err := row.Scan(&img.ID, &img.Tenant, &img.Name, &img.SHA256, &img.BinaryRef, &img.BundlePath, &img.RunnerKind, &metaJSON, &img.CreatedAt); err != nil {
		return Image{}, err
	}
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &img.Metadata); err != nil {
			return Image{}, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return img, nil
}

// --- Containers ---

func (s *SQLiteStore) UpsertContainer(ctx context.Context, c ContainerRecord) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO containers (id, instance_id, bundle_path, status, pid, last_heartbeat, timeout_ns, exit_code, process_killed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			id = excluded.id, bundle_path = excluded.bundle_path, status = excluded.status, pid = excluded.pid,
			last_heartbeat = excluded.last_heartbeat, timeout_ns = excluded.timeout_ns,
			exit_code = excluded.exit_code, process_killed = excluded.process_killed
	`, c.ID, c.InstanceID, c.BundlePath, string(c.Status), c.PID, nullableHeartbeat(c.LastHeartbeat), int64(c.Timeout), nullableInt(c.ExitCode), c.ProcessKilled)
	if err != nil {
		return fmt.Errorf("upsert container: %w", err)
	}
	return nil
}

func nullableHeartbeat(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func (s *SQLiteStore) GetContainerByInstance(ctx context.Context, instanceID string) (ContainerRecord, bool, error) {
	if err := s.checkClosed(); err != nil {
		return ContainerRecord{}, false, err
	}
	row := s.db.QueryRowContext(ctx, containerSelectColumns+` FROM containers WHERE instance_id = ?`, instanceID)
	c, err := scanContainer(row)
	if err == sql.ErrNoRows {
		return ContainerRecord{}, false, nil
	}
	if err != nil {
		return ContainerRecord{}, false, fmt.Errorf("get container: %w", err)
	}
	return c, true, nil
}

func (s *SQLiteStore) TouchHeartbeat(ctx context.Context, containerID string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE containers SET last_heartbeat = ? WHERE id = ?`, time.Now(), containerID)
	if err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListStaleHeartbeats(ctx context.Context, olderThan int64) ([]ContainerRecord, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, containerSelectColumns+` FROM containers WHERE status = ? AND last_heartbeat < ?`,
		string(ContainerRunning), time.Unix(olderThan, 0))
	if err != nil {
		return nil, fmt.Errorf("list stale heartbeats: %w", err)
	}
	defer rows.Close()

	var out []ContainerRecord
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan container: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteContainer(ctx context.Context, containerID string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM containers WHERE id = ?`, containerID)
	if err != nil {
		return fmt.Errorf("delete container: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const containerSelectColumns = `SELECT id, instance_id, bundle_path, status, pid, last_heartbeat, timeout_ns, exit_code, process_killed`

func scanContainer(row scanner) (ContainerRecord, error) {
	var c ContainerRecord
	var status string
	var lastHeartbeat sql.NullTime
	var timeoutNS int64
	var exitCode sql.NullInt64
	if err := row.Scan(&c.ID, &c.InstanceID, &c.BundlePath, &status, &c.PID, &lastHeartbeat, &timeoutNS, &exitCode, &c.ProcessKilled); err != nil {
		return ContainerRecord{}, err
	}
	c.Status = ContainerStatus(status)
	if lastHeartbeat.Valid {
		c.LastHeartbeat = lastHeartbeat.Time
	}
	c.Timeout = time.Duration(timeoutNS)
	if exitCode.Valid {
		v := int(exitCode.Int64)
		c.ExitCode = &v
	}
	return c, nil
}

var _ Storage = (*SQLiteStore)(nil)
