package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/runtarahq/runtara/internal/checkpoint"
	"github.com/runtarahq/runtara/internal/emit"
	"github.com/runtarahq/runtara/internal/idgen"
	"github.com/runtarahq/runtara/internal/store/migrations"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB-backed Storage implementation, intended for
// production deployments where the Instance Plane and Environment Plane run
// as multiple replicas against one shared database.
//
// Adapted from the teacher's graph/store/mysql.go MySQLStore[S]: same
// connection-pool tuning, generalized to the platform's full schema. Unlike
// the teacher's inline createTables, schema setup here runs through
// internal/store/migrations so multiple replicas starting concurrently
// converge on one versioned schema. The at-most-once checkpoint key is
// enforced with a generated column (fresh_key) rather than SQLite's partial
// unique index, since MySQL has no WHERE clause on unique indexes; MySQL
// treats NULL fresh_key values as distinct, so retry-audit rows never
// collide.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore opens a MySQLStore against dsn, e.g.
// "user:pass@tcp(127.0.0.1:3306)/runtara?parseTime=true".
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	if err := migrations.MigrateMySQL(dsn); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.db.Close()
}

func (s *MySQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *MySQLStore) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// --- Instances ---

func (s *MySQLStore) CreateInstance(ctx context.Context, inst Instance) error {
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

func (s *MySQLStore) GetInstance(ctx context.Context, id string) (Instance, error) {
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

func (s *MySQLStore) UpdateInstance(ctx context.Context, inst Instance) error {
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
		// MySQL reports 0 rows affected both when the row is missing and
		// when the update is a no-op; disambiguate with a existence check.
		if _, getErr := s.GetInstance(ctx, inst.ID); getErr == ErrNotFound {
			return ErrNotFound
		}
	}
	return nil
}

func (s *MySQLStore) ListInstances(ctx context.Context, filter InstanceFilter, page Pagination) ([]Instance, error) {
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
	query += applyMySQLPagination(page, &args)

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

// applyMySQLPagination differs from SQLite's: MySQL's LIMIT accepts a plain
// OFFSET clause without SQLite's "LIMIT -1" placeholder trick.
func applyMySQLPagination(page Pagination, args *[]any) string {
	clause := ""
	if page.Limit > 0 {
		clause += ` LIMIT ?`
		*args = append(*args, page.Limit)
		if page.Offset > 0 {
			clause += ` OFFSET ?`
			*args = append(*args, page.Offset)
		}
	} else if page.Offset > 0 {
		clause += ` LIMIT 18446744073709551615 OFFSET ?`
		*args = append(*args, page.Offset)
	}
	return clause
}

func (s *MySQLStore) DueForWake(ctx context.Context, now int64, limit int) ([]Instance, error) {
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

// --- Checkpoints ---

func (s *MySQLStore) WriteCheckpoint(ctx context.Context, req checkpoint.WriteRequest) (checkpoint.Record, bool, error) {
	if err := s.checkClosed(); err != nil {
		return checkpoint.Record{}, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return checkpoint.Record{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if !req.RetryAttempt {
		row := tx.QueryRowContext(ctx, checkpointSelectColumns+` FROM checkpoints WHERE instance_id = ? AND checkpoint_id = ? AND retry_attempt = 0`, req.InstanceID, req.ID)
		existing, err := scanCheckpoint(row)
		if err == nil {
			return existing, true, nil
		}
		if err != sql.ErrNoRows {
			return checkpoint.Record{}, false, fmt.Errorf("check existing: %w", err)
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
		// A concurrent fresh write racing us trips the fresh_key unique
		// index; the caller should retry the read-then-write on conflict.
		return checkpoint.Record{}, false, fmt.Errorf("insert checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return checkpoint.Record{}, false, fmt.Errorf("commit checkpoint: %w", err)
	}
	return rec, false, nil
}

func (s *MySQLStore) GetCheckpoint(ctx context.Context, instanceID, id string) (checkpoint.Record, error) {
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

func (s *MySQLStore) ListCheckpoints(ctx context.Context, instanceID string) ([]checkpoint.Record, error) {
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

// --- Signals ---

func (s *MySQLStore) SendSignal(ctx context.Context, instanceID string, kind SignalKind, payload []byte) error {
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
	err = tx.QueryRowContext(ctx, `SELECT kind, acknowledged_at FROM pending_signals WHERE instance_id = ? FOR UPDATE`, instanceID).Scan(&existingKind, &acked)
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
		ON DUPLICATE KEY UPDATE kind = VALUES(kind), payload = VALUES(payload), created_at = VALUES(created_at), acknowledged_at = NULL
	`, instanceID, string(kind), payload, time.Now())
	if err != nil {
		return fmt.Errorf("upsert signal: %w", err)
	}
	return tx.Commit()
}

func (s *MySQLStore) PeekSignal(ctx context.Context, instanceID string) (PendingSignal, bool, error) {
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

func (s *MySQLStore) AcknowledgeSignal(ctx context.Context, instanceID string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_signals WHERE instance_id = ?`, instanceID)
	if err != nil {
		return fmt.Errorf("acknowledge signal: %w", err)
	}
	return nil
}

func (s *MySQLStore) SendCheckpointSignal(ctx context.Context, instanceID, checkpointID string, payload []byte) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoint_signals (instance_id, checkpoint_id, payload, created_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE payload = VALUES(payload), created_at = VALUES(created_at)
	`, instanceID, checkpointID, payload, time.Now())
	if err != nil {
		return fmt.Errorf("send checkpoint signal: %w", err)
	}
	return nil
}

func (s *MySQLStore) TakeCheckpointSignal(ctx context.Context, instanceID, checkpointID string) ([]byte, bool, error) {
	if err := s.checkClosed(); err != nil {
		return nil, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var payload []byte
	err = tx.QueryRowContext(ctx, `SELECT payload FROM checkpoint_signals WHERE instance_id = ? AND checkpoint_id = ? FOR UPDATE`, instanceID, checkpointID).Scan(&payload)
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

func (s *MySQLStore) AppendEvent(ctx context.Context, ev InstanceEvent) error {
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

func (s *MySQLStore) ListEvents(ctx context.Context, filter EventFilter, page Pagination) ([]InstanceEvent, error) {
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
	query += applyMySQLPagination(page, &args)

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

func (s *MySQLStore) PendingEvents(ctx context.Context, limit int) ([]emit.Event, error) {
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

func (s *MySQLStore) MarkEventsEmitted(ctx context.Context, eventIDs []string) error {
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

func (s *MySQLStore) CreateImage(ctx context.Context, img Image) error {
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

func (s *MySQLStore) GetImage(ctx context.Context, id string) (Image, error) {
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

func (s *MySQLStore) GetImageByContentHash(ctx context.Context, tenant, sha256 string) (Image, bool, error) {
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

func (s *MySQLStore) ListImages(ctx context.Context, tenant string, page Pagination) ([]Image, error) {
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
	query += applyMySQLPagination(page, &args)

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

func (s *MySQLStore) DeleteImage(ctx context.Context, id string) error {
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

func (s *MySQLStore) HasLiveInstances(ctx context.Context, imageID string) (bool, error) {
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

// --- Containers ---

func (s *MySQLStore) UpsertContainer(ctx context.Context, c ContainerRecord) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO containers (id, instance_id, bundle_path, status, pid, last_heartbeat, timeout_ns, exit_code, process_killed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			id = VALUES(id), bundle_path = VALUES(bundle_path), status = VALUES(status), pid = VALUES(pid),
			last_heartbeat = VALUES(last_heartbeat), timeout_ns = VALUES(timeout_ns),
			exit_code = VALUES(exit_code), process_killed = VALUES(process_killed)
	`, c.ID, c.InstanceID, c.BundlePath, string(c.Status), c.PID, nullableHeartbeat(c.LastHeartbeat), int64(c.Timeout), nullableInt(c.ExitCode), c.ProcessKilled)
	if err != nil {
		return fmt.Errorf("upsert container: %w", err)
	}
	return nil
}

func (s *MySQLStore) GetContainerByInstance(ctx context.Context, instanceID string) (ContainerRecord, bool, error) {
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

func (s *MySQLStore) TouchHeartbeat(ctx context.Context, containerID string) error {
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

func (s *MySQLStore) ListStaleHeartbeats(ctx context.Context, olderThan int64) ([]ContainerRecord, error) {
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

func (s *MySQLStore) DeleteContainer(ctx context.Context, containerID string) error {
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

var _ Storage = (*MySQLStore)(nil)
