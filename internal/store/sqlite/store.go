package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"warpsurf/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	task TEXT NOT NULL,
	status TEXT NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	plan_json TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS subtasks (
	plan_id TEXT NOT NULL,
	subtask_id INTEGER NOT NULL,
	title TEXT NOT NULL,
	status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	subtask_json TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY(plan_id, subtask_id),
	FOREIGN KEY(plan_id) REFERENCES plans(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS subtask_outputs (
	plan_id TEXT NOT NULL,
	subtask_id INTEGER NOT NULL,
	result TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '',
	tab_ids TEXT NOT NULL DEFAULT '[]',
	created_at INTEGER NOT NULL,
	PRIMARY KEY(plan_id, subtask_id),
	FOREIGN KEY(plan_id) REFERENCES plans(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS run_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	plan_id TEXT NOT NULL,
	type TEXT NOT NULL,
	subtask_id INTEGER NOT NULL DEFAULT 0,
	message TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(plan_id) REFERENCES plans(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_run_events_plan ON run_events(plan_id, id);

CREATE TABLE IF NOT EXISTS run_reports (
	plan_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	report_json TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(plan_id) REFERENCES plans(id) ON DELETE CASCADE
);
`

// Store persists plans, subtask state, outputs, events and final reports.
type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// CreatePlan inserts the plan row plus one row per subtask, all not_started.
func (s *Store) CreatePlan(ctx context.Context, plan domain.TaskPlan) error {
	now := time.Now().UTC()
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = now
	}
	planJSON, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create plan: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO plans(id, task, status, last_error, plan_json, created_at, updated_at)
		VALUES(?, ?, ?, '', ?, ?, ?)`,
		plan.ID, plan.Task, string(domain.PlanStatusPending), string(planJSON),
		plan.CreatedAt.Unix(), now.Unix(),
	); err != nil {
		return fmt.Errorf("create plan: %w", err)
	}
	for _, st := range plan.Subtasks {
		stJSON, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshal subtask %d: %w", st.ID, err)
		}
		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO subtasks(plan_id, subtask_id, title, status, reason, subtask_json, updated_at)
			VALUES(?, ?, ?, ?, '', ?, ?)`,
			plan.ID, st.ID, st.Title, string(domain.NodeStatusNotStarted), string(stJSON), now.Unix(),
		); err != nil {
			return fmt.Errorf("create subtask %d: %w", st.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create plan: %w", err)
	}
	return nil
}

func (s *Store) UpdatePlanStatus(ctx context.Context, planID string, status domain.PlanStatus, lastError string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE plans SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, time.Now().UTC().Unix(), planID,
	)
	if err != nil {
		return fmt.Errorf("update plan status: %w", err)
	}
	return nil
}

func (s *Store) UpdateSubtaskStatus(ctx context.Context, planID string, subtaskID int, status domain.NodeStatus, reason string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE subtasks SET status = ?, reason = ?, updated_at = ? WHERE plan_id = ? AND subtask_id = ?`,
		string(status), reason, time.Now().UTC().Unix(), planID, subtaskID,
	)
	if err != nil {
		return fmt.Errorf("update subtask status: %w", err)
	}
	return nil
}

func (s *Store) SaveSubtaskOutput(ctx context.Context, planID string, out domain.SubtaskOutput) error {
	tabIDs, err := json.Marshal(out.TabIDs)
	if err != nil {
		return fmt.Errorf("marshal tab ids: %w", err)
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO subtask_outputs(plan_id, subtask_id, result, payload, tab_ids, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		planID, out.SubtaskID, out.Result, string(out.Payload), string(tabIDs), out.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save subtask output: %w", err)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, ev domain.Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO run_events(plan_id, type, subtask_id, message, created_at)
		VALUES(?, ?, ?, ?, ?)`,
		ev.PlanID, string(ev.Type), ev.SubtaskID, ev.Message, ev.At.Unix(),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *Store) SaveReport(ctx context.Context, report domain.Report) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO run_reports(plan_id, status, report_json, created_at)
		VALUES(?, ?, ?, ?)`,
		report.PlanID, string(report.Status), string(reportJSON), time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, planID string) (domain.TaskPlan, domain.PlanRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT p.id, p.task, p.status, p.last_error, p.plan_json, p.created_at, p.updated_at,
			(SELECT COUNT(*) FROM subtasks st WHERE st.plan_id = p.id)
		FROM plans p WHERE p.id = ?`,
		planID,
	)
	var rec domain.PlanRecord
	var status, planJSON string
	var created, updated int64
	if err := row.Scan(&rec.ID, &rec.Task, &status, &rec.LastError, &planJSON, &created, &updated, &rec.SubtaskCount); err != nil {
		return domain.TaskPlan{}, domain.PlanRecord{}, fmt.Errorf("get plan: %w", err)
	}
	rec.Status = domain.PlanStatus(status)
	rec.CreatedAt = unixToTime(created)
	rec.UpdatedAt = unixToTime(updated)

	var plan domain.TaskPlan
	if err := json.Unmarshal([]byte(planJSON), &plan); err != nil {
		return domain.TaskPlan{}, domain.PlanRecord{}, fmt.Errorf("decode plan json: %w", err)
	}
	return plan, rec, nil
}

func (s *Store) ListPlans(ctx context.Context) ([]domain.PlanRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT p.id, p.task, p.status, p.last_error, p.created_at, p.updated_at,
			(SELECT COUNT(*) FROM subtasks st WHERE st.plan_id = p.id)
		FROM plans p ORDER BY p.created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	result := make([]domain.PlanRecord, 0)
	for rows.Next() {
		var rec domain.PlanRecord
		var status string
		var created, updated int64
		if err := rows.Scan(&rec.ID, &rec.Task, &status, &rec.LastError, &created, &updated, &rec.SubtaskCount); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		rec.Status = domain.PlanStatus(status)
		rec.CreatedAt = unixToTime(created)
		rec.UpdatedAt = unixToTime(updated)
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", err)
	}
	return result, nil
}

func (s *Store) ListSubtasks(ctx context.Context, planID string) ([]domain.SubtaskRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT plan_id, subtask_id, status, reason, subtask_json
		FROM subtasks WHERE plan_id = ? ORDER BY subtask_id`,
		planID,
	)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	defer rows.Close()

	result := make([]domain.SubtaskRecord, 0)
	for rows.Next() {
		var rec domain.SubtaskRecord
		var subtaskID int
		var status, subtaskJSON string
		if err := rows.Scan(&rec.PlanID, &subtaskID, &status, &rec.Reason, &subtaskJSON); err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		if err := json.Unmarshal([]byte(subtaskJSON), &rec.Subtask); err != nil {
			return nil, fmt.Errorf("decode subtask json: %w", err)
		}
		rec.Status = domain.NodeStatus(status)
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subtasks: %w", err)
	}
	return result, nil
}

func (s *Store) ListOutputs(ctx context.Context, planID string) ([]domain.SubtaskOutput, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT subtask_id, result, payload, tab_ids, created_at
		FROM subtask_outputs WHERE plan_id = ? ORDER BY subtask_id`,
		planID,
	)
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	defer rows.Close()

	result := make([]domain.SubtaskOutput, 0)
	for rows.Next() {
		var out domain.SubtaskOutput
		var payload, tabIDs string
		var created int64
		if err := rows.Scan(&out.SubtaskID, &out.Result, &payload, &tabIDs, &created); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		if payload != "" {
			out.Payload = json.RawMessage(payload)
		}
		if err := json.Unmarshal([]byte(tabIDs), &out.TabIDs); err != nil {
			return nil, fmt.Errorf("decode tab ids: %w", err)
		}
		out.CreatedAt = unixToTime(created)
		result = append(result, out)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outputs: %w", err)
	}
	return result, nil
}

func (s *Store) ListEvents(ctx context.Context, planID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT type, subtask_id, message, created_at
		FROM run_events WHERE plan_id = ? ORDER BY id LIMIT ?`,
		planID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Event, 0)
	for rows.Next() {
		var ev domain.Event
		var evType string
		var created int64
		if err := rows.Scan(&evType, &ev.SubtaskID, &ev.Message, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = domain.EventType(evType)
		ev.PlanID = planID
		ev.At = unixToTime(created)
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return result, nil
}

func (s *Store) GetReport(ctx context.Context, planID string) (domain.Report, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT report_json FROM run_reports WHERE plan_id = ?`,
		planID,
	)
	var reportJSON string
	if err := row.Scan(&reportJSON); err != nil {
		return domain.Report{}, fmt.Errorf("get report: %w", err)
	}
	var report domain.Report
	if err := json.Unmarshal([]byte(reportJSON), &report); err != nil {
		return domain.Report{}, fmt.Errorf("decode report json: %w", err)
	}
	return report, nil
}

func unixToTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0).UTC()
}
