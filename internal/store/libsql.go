package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/okonma/weft/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path. The path should
// be a file URI, e.g. "file:/path/to/weft.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow throughout.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	params, err := marshalMapOrDefault(run.Params)
	if err != nil {
		return fmt.Errorf("marshal run params: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, flow_name, status, trigger_user_id, params, error, soft_failures, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullStr(run.FlowName), string(run.Status), nullStr(run.TriggerUserID),
		params, nullStr(run.Error), run.SoftFailures, timeOrNow(run.StartedAt), nullTime(run.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) FinishRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.SoftFailures != nil {
		sets = append(sets, "soft_failures = ?")
		args = append(args, *update.SoftFailures)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var (
		flowName, triggerUser, runErr sql.NullString
		paramsJSON                    sql.NullString
		status                        string
		completedAt                   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, flow_name, status, trigger_user_id, params, error, soft_failures, started_at, completed_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &flowName, &status, &triggerUser, &paramsJSON, &runErr,
		&run.SoftFailures, &run.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run.FlowName = flowName.String
	run.Status = schema.RunStatus(status)
	run.TriggerUserID = triggerUser.String
	run.Error = runErr.String
	if paramsJSON.Valid && paramsJSON.String != "" {
		_ = json.Unmarshal([]byte(paramsJSON.String), &run.Params)
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.FlowName != "" {
		where = append(where, "flow_name = ?")
		args = append(args, filter.FlowName)
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, flow_name, status, trigger_user_id, params, error, soft_failures, started_at, completed_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var (
			flowName, triggerUser, runErr sql.NullString
			paramsJSON                    sql.NullString
			status                        string
			completedAt                   sql.NullTime
		)
		if err := rows.Scan(&run.ID, &flowName, &status, &triggerUser, &paramsJSON, &runErr,
			&run.SoftFailures, &run.StartedAt, &completedAt); err != nil {
			return nil, err
		}
		run.FlowName = flowName.String
		run.Status = schema.RunStatus(status)
		run.TriggerUserID = triggerUser.String
		run.Error = runErr.String
		if paramsJSON.Valid && paramsJSON.String != "" {
			_ = json.Unmarshal([]byte(paramsJSON.String), &run.Params)
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Node executions ---

func (s *LibSQLStore) InsertNodeExecution(ctx context.Context, rec *NodeExecution) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	input, err := nullableJSON(rec.Input)
	if err != nil {
		return "", fmt.Errorf("marshal input: %w", err)
	}
	output, err := nullableJSON(rec.Output)
	if err != nil {
		return "", fmt.Errorf("marshal output: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO node_executions (id, execution_id, node_id, node_type, trigger_user_id, status, input, output, error_message, failure_category, failure_code, skip_reason, attempts, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ExecutionID, rec.NodeID, nullStr(rec.NodeType), nullStr(rec.TriggerUserID),
		string(rec.Status), input, output, nullStr(rec.ErrorMessage),
		nullStr(string(rec.FailureCategory)), nullStr(rec.FailureCode), nullStr(rec.SkipReason),
		rec.Attempts, timeOrNow(rec.StartedAt), rec.DurationMs,
	)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (s *LibSQLStore) ListNodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, node_type, trigger_user_id, status, input, output, error_message, failure_category, failure_code, skip_reason, attempts, started_at, duration_ms
		 FROM node_executions WHERE execution_id = ? ORDER BY started_at ASC, node_id ASC`,
		executionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*NodeExecution
	for rows.Next() {
		rec := &NodeExecution{}
		var (
			nodeType, triggerUser, errMsg, category, code, skipReason sql.NullString
			input, output                                             sql.NullString
			status                                                    string
		)
		if err := rows.Scan(&rec.ID, &rec.ExecutionID, &rec.NodeID, &nodeType, &triggerUser,
			&status, &input, &output, &errMsg, &category, &code, &skipReason,
			&rec.Attempts, &rec.StartedAt, &rec.DurationMs); err != nil {
			return nil, err
		}
		rec.NodeType = nodeType.String
		rec.TriggerUserID = triggerUser.String
		rec.Status = schema.NodeStatus(status)
		rec.ErrorMessage = errMsg.String
		rec.FailureCategory = schema.FailureCategory(category.String)
		rec.FailureCode = code.String
		rec.SkipReason = skipReason.String
		if input.Valid && input.String != "" {
			_ = json.Unmarshal([]byte(input.String), &rec.Input)
		}
		if output.Valid && output.String != "" {
			_ = json.Unmarshal([]byte(output.String), &rec.Output)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *RunEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload, err := nullableJSON(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (execution_id, node_id, event_type, payload, sequence, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.NodeID), event.Type, payload, seq, timeOrNow(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*RunEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, event_type, payload, sequence, timestamp
		 FROM run_events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*RunEvent
	for rows.Next() {
		e := &RunEvent{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &nodeID, &e.Type, &payload, &e.Sequence, &e.Timestamp); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		if payload.Valid && payload.String != "" {
			_ = json.Unmarshal([]byte(payload.String), &e.Payload)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSON(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func marshalMapOrDefault(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
