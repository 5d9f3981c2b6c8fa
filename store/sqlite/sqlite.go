/*
Package sqlite provides a SQLite-backed implementation of the visit storage
interfaces.

PURPOSE:
  Implements visit.TxStore and visit.DonorStore using SQLite. In production
  the same patterns apply to PostgreSQL with minor dialect differences.

INTERFACES IMPLEMENTED:
  visit.Store:      Visits, schedules, plan runs, audit
  visit.TxStore:    WithTx for the reschedule cap check
  visit.DonorStore: Donor approval state and preferences

DUPLICATE-PLAN GUARD:
  plan_runs carries a unique partial index on (donor_id, plan_month) for
  every run that is not superseded. ClaimPlan reads the active run and the
  planned-visit count and inserts the new run inside one transaction; the
  index rejects whatever slips past the read.

NO DELETES:
  There is no DELETE on visits or visit_schedules. Cancellation is a status
  change. Reset exists only for demo scenario loading.

KEY TABLES:
  donors, donor_preferences: Read-only inputs (seeded by the demo loader)
  plan_runs:                 One row per generation attempt
  visits:                    One row per visit
  visit_schedules:           Plan metadata, 1:1 with generated visits
  visit_audit:               Append-only audit trail

CONNECTIONS:
  The pool is capped at one connection. SQLite allows a single writer, and
  ":memory:" databases are per-connection.

TIMESTAMPS:
  Stored as RFC3339 strings in UTC so range queries compare lexically.

USAGE:
  store, err := sqlite.New("./data/visits.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool with versioned migrations.

SEE ALSO:
  - visit/store.go: Interface definitions
  - visit/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/visit-engine/calendar"
	"github.com/warp/visit-engine/visit"
)

const timeLayout = time.RFC3339

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

var (
	_ visit.TxStore     = (*Store)(nil)
	_ visit.DonorStore  = (*Store)(nil)
	_ visit.DonorWriter = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store, err := NewFromDB(db, true)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewFromDB wraps an open database. migrate=false skips schema creation.
func NewFromDB(db *sql.DB, migrate bool) (*Store, error) {
	store := &Store{db: db}
	if migrate {
		if err := store.migrate(); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS donors (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		screening_approved INTEGER NOT NULL DEFAULT 0,
		director_approved INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS donor_preferences (
		donor_id TEXT PRIMARY KEY REFERENCES donors(id),
		home_facility_id TEXT NOT NULL,
		weekly_days INTEGER NOT NULL CHECK (weekly_days BETWEEN 0 AND 127),
		preferred_start TEXT NOT NULL,
		preferred_end TEXT NOT NULL,
		max_visits_per_week INTEGER NOT NULL DEFAULT 2,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS plan_runs (
		id TEXT PRIMARY KEY,
		donor_id TEXT NOT NULL,
		plan_month TEXT NOT NULL,
		trigger_reason TEXT NOT NULL,
		status TEXT NOT NULL,
		created_count INTEGER NOT NULL DEFAULT 0,
		failed_count INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	-- CRITICAL: At most one live plan per donor and month
	CREATE UNIQUE INDEX IF NOT EXISTS idx_plan_runs_active
		ON plan_runs(donor_id, plan_month)
		WHERE status <> 'superseded';

	CREATE INDEX IF NOT EXISTS idx_plan_runs_donor
		ON plan_runs(donor_id, started_at DESC);

	CREATE TABLE IF NOT EXISTS visits (
		id TEXT PRIMARY KEY,
		donor_id TEXT NOT NULL,
		facility_id TEXT NOT NULL,
		scheduled_start TEXT,
		scheduled_end TEXT,
		origin TEXT NOT NULL,
		status TEXT NOT NULL,
		cancel_reason TEXT NOT NULL DEFAULT '',
		health_status TEXT,
		volume TEXT,
		container_count INTEGER,
		points_awarded TEXT,
		recorded_by TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		-- Post-completion fields stay unset until the visit is completed
		CHECK (status = 'completed' OR (
			health_status IS NULL AND volume IS NULL AND container_count IS NULL
			AND points_awarded IS NULL AND recorded_by IS NULL))
	);

	-- Weekly cap checks (hot path)
	CREATE INDEX IF NOT EXISTS idx_visits_donor_start
		ON visits(donor_id, scheduled_start);

	CREATE TABLE IF NOT EXISTS visit_schedules (
		visit_id TEXT PRIMARY KEY REFERENCES visits(id),
		plan_run_id TEXT NOT NULL DEFAULT '',
		plan_month TEXT NOT NULL,
		plan_type TEXT NOT NULL,
		day_of_month INTEGER,
		week_of_month INTEGER,
		weekday INTEGER,
		window_start TEXT NOT NULL,
		window_end TEXT NOT NULL,
		proposed_on TEXT NOT NULL,
		proposed_by TEXT NOT NULL,
		reschedule_count INTEGER NOT NULL DEFAULT 0,
		rule_snapshot_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_visit_schedules_month
		ON visit_schedules(plan_month);

	CREATE TABLE IF NOT EXISTS visit_audit (
		id TEXT PRIMARY KEY,
		visit_id TEXT NOT NULL,
		donor_id TEXT NOT NULL,
		action TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_visit_audit_visit
		ON visit_audit(visit_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn in a transaction on the shared connection.
func (s *Store) inTx(ctx context.Context, op string, fn func(q querier) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return visit.Persistence(op+": begin", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return visit.Persistence(op+": commit", sqlTx.Commit())
}

// =============================================================================
// DONORS (visit.DonorStore interface)
// =============================================================================

// SaveDonor upserts a donor record.
func (s *Store) SaveDonor(ctx context.Context, d visit.Donor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO donors (id, name, screening_approved, director_approved, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			screening_approved = excluded.screening_approved,
			director_approved = excluded.director_approved,
			status = excluded.status
	`, d.ID, d.Name, d.ScreeningApproved, d.DirectorApproved, d.Status, formatTime(time.Now()))
	return visit.Persistence("save donor", err)
}

// SavePreference upserts a donor's scheduling preference.
func (s *Store) SavePreference(ctx context.Context, p visit.Preference) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO donor_preferences (donor_id, home_facility_id, weekly_days,
			preferred_start, preferred_end, max_visits_per_week, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(donor_id) DO UPDATE SET
			home_facility_id = excluded.home_facility_id,
			weekly_days = excluded.weekly_days,
			preferred_start = excluded.preferred_start,
			preferred_end = excluded.preferred_end,
			max_visits_per_week = excluded.max_visits_per_week,
			updated_at = excluded.updated_at
	`, p.DonorID, p.HomeFacilityID, p.WeeklyDays.Int(), p.PreferredStart.String(),
		p.PreferredEnd.String(), p.WeeklyCap(), formatTime(time.Now()))
	return visit.Persistence("save preference", err)
}

func (s *Store) GetDonor(ctx context.Context, id visit.DonorID) (*visit.Donor, error) {
	var d visit.Donor
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, screening_approved, director_approved, status
		FROM donors WHERE id = ?
	`, id).Scan(&d.ID, &d.Name, &d.ScreeningApproved, &d.DirectorApproved, &d.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("donor %s: %w", id, visit.ErrDonorNotFound)
	}
	if err != nil {
		return nil, visit.Persistence("get donor", err)
	}
	return &d, nil
}

func (s *Store) GetPreference(ctx context.Context, id visit.DonorID) (*visit.Preference, error) {
	var (
		p          visit.Preference
		mask       int
		start, end string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT donor_id, home_facility_id, weekly_days, preferred_start, preferred_end, max_visits_per_week
		FROM donor_preferences WHERE donor_id = ?
	`, id).Scan(&p.DonorID, &p.HomeFacilityID, &mask, &start, &end, &p.MaxVisitsPerWeek)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, visit.ErrNoPreference
	}
	if err != nil {
		return nil, visit.Persistence("get preference", err)
	}

	if p.WeeklyDays, err = calendar.ParseWeekdays(mask); err != nil {
		return nil, fmt.Errorf("donor %s preference: %w", id, err)
	}
	if p.PreferredStart, err = calendar.ParseClock(start); err != nil {
		return nil, fmt.Errorf("donor %s preference: %w", id, err)
	}
	if p.PreferredEnd, err = calendar.ParseClock(end); err != nil {
		return nil, fmt.Errorf("donor %s preference: %w", id, err)
	}
	return &p, nil
}

func (s *Store) ListEligibleDonors(ctx context.Context) ([]visit.DonorID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM donors
		WHERE screening_approved = 1 AND director_approved = 1
			AND status IN (?, ?)
		ORDER BY id
	`, visit.DonorApproved, visit.DonorInProgress)
	if err != nil {
		return nil, visit.Persistence("list eligible donors", err)
	}
	defer rows.Close()

	var ids []visit.DonorID
	for rows.Next() {
		var id visit.DonorID
		if err := rows.Scan(&id); err != nil {
			return nil, visit.Persistence("list eligible donors", err)
		}
		ids = append(ids, id)
	}
	return ids, visit.Persistence("list eligible donors", rows.Err())
}

// =============================================================================
// VISIT STORE (visit.Store interface)
// =============================================================================

func (s *Store) ClaimPlan(ctx context.Context, claim visit.PlanClaim) (*visit.PlanRun, error) {
	var run *visit.PlanRun
	err := s.inTx(ctx, "claim plan", func(q querier) error {
		var err error
		run, err = claimPlan(ctx, q, claim)
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

func claimPlan(ctx context.Context, q querier, claim visit.PlanClaim) (*visit.PlanRun, error) {
	dup := &visit.DuplicatePlanError{DonorID: claim.DonorID, PlanMonth: claim.PlanMonth}

	var (
		existingID      visit.PlanRunID
		existingStatus  visit.PlanRunStatus
		existingStarted string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, status, started_at FROM plan_runs
		WHERE donor_id = ? AND plan_month = ? AND status <> 'superseded'
	`, claim.DonorID, claim.PlanMonth.String()).Scan(&existingID, &existingStatus, &existingStarted)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, visit.Persistence("claim plan: read run", err)
	case existingStatus == visit.PlanRunRunning &&
		(claim.StaleBefore.IsZero() || !parseTime(existingStarted).Before(claim.StaleBefore)):
		dup.ExistingRunID = existingID
		dup.InFlight = true
		return nil, dup
	default:
		dup.ExistingRunID = existingID
	}

	planned, err := countPlanned(ctx, q, claim.DonorID, claim.PlanMonth)
	if err != nil {
		return nil, err
	}
	if planned > 0 {
		return nil, dup
	}

	if existingID != "" {
		if _, err := q.ExecContext(ctx, `UPDATE plan_runs SET status = 'superseded' WHERE id = ?`, existingID); err != nil {
			return nil, visit.Persistence("claim plan: supersede", err)
		}
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO plan_runs (id, donor_id, plan_month, trigger_reason, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, claim.RunID, claim.DonorID, claim.PlanMonth.String(), claim.TriggerReason,
		visit.PlanRunRunning, formatTime(claim.StartedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			dup.InFlight = true
			return nil, dup
		}
		return nil, visit.Persistence("claim plan: insert run", err)
	}

	return &visit.PlanRun{
		ID:            claim.RunID,
		DonorID:       claim.DonorID,
		PlanMonth:     claim.PlanMonth,
		TriggerReason: claim.TriggerReason,
		Status:        visit.PlanRunRunning,
		StartedAt:     claim.StartedAt,
	}, nil
}

// countPlanned counts non-cancelled visits scheduled for the month.
func countPlanned(ctx context.Context, q querier, donorID visit.DonorID, month calendar.Month) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM visits v
		JOIN visit_schedules s ON s.visit_id = v.id
		WHERE v.donor_id = ? AND s.plan_month = ? AND v.status <> 'cancelled'
	`, donorID, month.String()).Scan(&n)
	if err != nil {
		return 0, visit.Persistence("count planned visits", err)
	}
	return n, nil
}

func (s *Store) FinishPlan(ctx context.Context, run visit.PlanRun) error {
	return finishPlan(ctx, s.db, run)
}

func finishPlan(ctx context.Context, q querier, run visit.PlanRun) error {
	res, err := q.ExecContext(ctx, `
		UPDATE plan_runs
		SET status = ?, created_count = ?, failed_count = ?, error = ?, completed_at = ?
		WHERE id = ?
	`, run.Status, run.CreatedCount, run.FailedCount, run.Error, formatTimePtr(run.CompletedAt), run.ID)
	if err != nil {
		return visit.Persistence("finish plan", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("plan run %s not found", run.ID)
	}
	return nil
}

func (s *Store) CreateVisit(ctx context.Context, sv visit.Scheduled) error {
	return s.inTx(ctx, "create visit", func(q querier) error {
		return createVisit(ctx, q, sv)
	})
}

func createVisit(ctx context.Context, q querier, sv visit.Scheduled) error {
	v := sv.Visit
	health, volume, containers, points, recordedBy := completionArgs(v.Completion)

	_, err := q.ExecContext(ctx, `
		INSERT INTO visits (id, donor_id, facility_id, scheduled_start, scheduled_end, origin, status,
			cancel_reason, health_status, volume, container_count, points_awarded, recorded_by,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.DonorID, v.FacilityID, formatTimePtr(v.ScheduledStart), formatTimePtr(v.ScheduledEnd),
		v.Origin, v.Status, v.CancelReason, health, volume, containers, points, recordedBy,
		formatTime(v.CreatedAt), formatTime(v.UpdatedAt))
	if err != nil {
		return visit.Persistence("insert visit", err)
	}

	if sv.Schedule == nil {
		return nil
	}
	sc := sv.Schedule
	snapshot, err := json.Marshal(sc.RuleSnapshot)
	if err != nil {
		return fmt.Errorf("encode rule snapshot: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO visit_schedules (visit_id, plan_run_id, plan_month, plan_type, day_of_month,
			week_of_month, weekday, window_start, window_end, proposed_on, proposed_by,
			reschedule_count, rule_snapshot_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, sc.PlanRunID, sc.PlanMonth.String(), sc.PlanType,
		nullInt(sc.DayOfMonth), nullInt(sc.WeekOfMonth), nullInt(sc.Weekday),
		formatTime(sc.WindowStart), formatTime(sc.WindowEnd), formatTime(sc.ProposedOn),
		sc.ProposedBy, sc.RescheduleCount, string(snapshot))
	return visit.Persistence("insert visit schedule", err)
}

func (s *Store) GetVisit(ctx context.Context, id visit.VisitID) (*visit.Scheduled, error) {
	return getVisit(ctx, s.db, id)
}

func getVisit(ctx context.Context, q querier, id visit.VisitID) (*visit.Scheduled, error) {
	visits, err := queryScheduled(ctx, q, selectScheduled+` WHERE v.id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(visits) == 0 {
		return nil, fmt.Errorf("visit %s: %w", id, visit.ErrVisitNotFound)
	}
	return &visits[0], nil
}

func (s *Store) UpdateVisit(ctx context.Context, sv visit.Scheduled) error {
	return s.inTx(ctx, "update visit", func(q querier) error {
		return updateVisit(ctx, q, sv)
	})
}

// updateVisit writes only the coordinator-owned columns.
func updateVisit(ctx context.Context, q querier, sv visit.Scheduled) error {
	v := sv.Visit
	health, volume, containers, points, recordedBy := completionArgs(v.Completion)

	res, err := q.ExecContext(ctx, `
		UPDATE visits
		SET scheduled_start = ?, scheduled_end = ?, status = ?, cancel_reason = ?,
			health_status = ?, volume = ?, container_count = ?, points_awarded = ?, recorded_by = ?,
			updated_at = ?
		WHERE id = ?
	`, formatTimePtr(v.ScheduledStart), formatTimePtr(v.ScheduledEnd), v.Status, v.CancelReason,
		health, volume, containers, points, recordedBy, formatTime(v.UpdatedAt), v.ID)
	if err != nil {
		return visit.Persistence("update visit", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("visit %s: %w", v.ID, visit.ErrVisitNotFound)
	}

	if sv.Schedule == nil {
		return nil
	}
	_, err = q.ExecContext(ctx, `
		UPDATE visit_schedules SET reschedule_count = ?, proposed_by = ? WHERE visit_id = ?
	`, sv.Schedule.RescheduleCount, sv.Schedule.ProposedBy, v.ID)
	return visit.Persistence("update visit schedule", err)
}

func (s *Store) ListVisits(ctx context.Context, donorID visit.DonorID, month calendar.Month) ([]visit.Scheduled, error) {
	return listVisits(ctx, s.db, donorID, month)
}

func listVisits(ctx context.Context, q querier, donorID visit.DonorID, month calendar.Month) ([]visit.Scheduled, error) {
	from := month.First().In(time.UTC)
	to := month.Next().First().In(time.UTC)
	return queryScheduled(ctx, q, selectScheduled+`
		WHERE v.donor_id = ?
			AND (s.plan_month = ? OR (s.visit_id IS NULL AND v.scheduled_start >= ? AND v.scheduled_start < ?))
		ORDER BY v.scheduled_start IS NULL, v.scheduled_start, v.id
	`, donorID, month.String(), formatTime(from), formatTime(to))
}

func (s *Store) ListVisitsInRange(ctx context.Context, wq visit.WeekQuery) ([]visit.Visit, error) {
	return listVisitsInRange(ctx, s.db, wq)
}

func listVisitsInRange(ctx context.Context, q querier, wq visit.WeekQuery) ([]visit.Visit, error) {
	scheduled, err := queryScheduled(ctx, q, selectScheduled+`
		WHERE v.donor_id = ? AND v.scheduled_start >= ? AND v.scheduled_start < ?
		ORDER BY v.scheduled_start, v.id
	`, wq.DonorID, formatTime(wq.From), formatTime(wq.To))
	if err != nil {
		return nil, err
	}
	out := make([]visit.Visit, len(scheduled))
	for i, sv := range scheduled {
		out[i] = sv.Visit
	}
	return out, nil
}

func (s *Store) ListPlanRuns(ctx context.Context, donorID visit.DonorID) ([]visit.PlanRun, error) {
	return listPlanRuns(ctx, s.db, donorID)
}

func listPlanRuns(ctx context.Context, q querier, donorID visit.DonorID) ([]visit.PlanRun, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, donor_id, plan_month, trigger_reason, status, created_count, failed_count,
			error, started_at, completed_at
		FROM plan_runs
		WHERE donor_id = ?
		ORDER BY started_at DESC, rowid DESC
	`, donorID)
	if err != nil {
		return nil, visit.Persistence("list plan runs", err)
	}
	defer rows.Close()

	var runs []visit.PlanRun
	for rows.Next() {
		var (
			r                visit.PlanRun
			month, startedAt string
			completedAt      sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.DonorID, &month, &r.TriggerReason, &r.Status,
			&r.CreatedCount, &r.FailedCount, &r.Error, &startedAt, &completedAt); err != nil {
			return nil, visit.Persistence("list plan runs", err)
		}
		r.PlanMonth, _ = calendar.ParseMonth(month)
		r.StartedAt = parseTime(startedAt)
		r.CompletedAt = parseNullTime(completedAt)
		runs = append(runs, r)
	}
	return runs, visit.Persistence("list plan runs", rows.Err())
}

func (s *Store) AppendAudit(ctx context.Context, entry visit.AuditEntry) error {
	return appendAudit(ctx, s.db, entry)
}

func appendAudit(ctx context.Context, q querier, e visit.AuditEntry) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO visit_audit (id, visit_id, donor_id, action, actor_id, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.VisitID, e.DonorID, e.Action, e.ActorID, string(payload), formatTime(e.Timestamp))
	return visit.Persistence("append audit", err)
}

func (s *Store) ListAudit(ctx context.Context, visitID visit.VisitID) ([]visit.AuditEntry, error) {
	return listAudit(ctx, s.db, visitID)
}

func listAudit(ctx context.Context, q querier, visitID visit.VisitID) ([]visit.AuditEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, visit_id, donor_id, action, actor_id, payload_json, created_at
		FROM visit_audit WHERE visit_id = ?
		ORDER BY created_at, rowid
	`, visitID)
	if err != nil {
		return nil, visit.Persistence("list audit", err)
	}
	defer rows.Close()

	var out []visit.AuditEntry
	for rows.Next() {
		var (
			e                  visit.AuditEntry
			payload, createdAt string
		)
		if err := rows.Scan(&e.ID, &e.VisitID, &e.DonorID, &e.Action, &e.ActorID, &payload, &createdAt); err != nil {
			return nil, visit.Persistence("list audit", err)
		}
		_ = json.Unmarshal([]byte(payload), &e.Payload)
		e.Timestamp = parseTime(createdAt)
		out = append(out, e)
	}
	return out, visit.Persistence("list audit", rows.Err())
}

// =============================================================================
// TRANSACTIONAL STORE (visit.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store visit.Store) error) error {
	return s.inTx(ctx, "transaction", func(q querier) error {
		return fn(&txStore{q: q})
	})
}

type txStore struct {
	q querier
}

func (ts *txStore) ClaimPlan(ctx context.Context, claim visit.PlanClaim) (*visit.PlanRun, error) {
	return claimPlan(ctx, ts.q, claim)
}

func (ts *txStore) FinishPlan(ctx context.Context, run visit.PlanRun) error {
	return finishPlan(ctx, ts.q, run)
}

func (ts *txStore) CreateVisit(ctx context.Context, sv visit.Scheduled) error {
	return createVisit(ctx, ts.q, sv)
}

func (ts *txStore) GetVisit(ctx context.Context, id visit.VisitID) (*visit.Scheduled, error) {
	return getVisit(ctx, ts.q, id)
}

func (ts *txStore) UpdateVisit(ctx context.Context, sv visit.Scheduled) error {
	return updateVisit(ctx, ts.q, sv)
}

func (ts *txStore) ListVisits(ctx context.Context, donorID visit.DonorID, month calendar.Month) ([]visit.Scheduled, error) {
	return listVisits(ctx, ts.q, donorID, month)
}

func (ts *txStore) ListVisitsInRange(ctx context.Context, wq visit.WeekQuery) ([]visit.Visit, error) {
	return listVisitsInRange(ctx, ts.q, wq)
}

func (ts *txStore) ListPlanRuns(ctx context.Context, donorID visit.DonorID) ([]visit.PlanRun, error) {
	return listPlanRuns(ctx, ts.q, donorID)
}

func (ts *txStore) AppendAudit(ctx context.Context, entry visit.AuditEntry) error {
	return appendAudit(ctx, ts.q, entry)
}

func (ts *txStore) ListAudit(ctx context.Context, visitID visit.VisitID) ([]visit.AuditEntry, error) {
	return listAudit(ctx, ts.q, visitID)
}

// =============================================================================
// DEMO SUPPORT
// =============================================================================

// Reset clears all data. Only the demo scenario loader calls it.
func (s *Store) Reset(ctx context.Context) error {
	return s.inTx(ctx, "reset", func(q querier) error {
		for _, table := range []string{"visit_audit", "visit_schedules", "visits", "plan_runs", "donor_preferences", "donors"} {
			if _, err := q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return visit.Persistence("reset "+table, err)
			}
		}
		return nil
	})
}

// =============================================================================
// SCANNING
// =============================================================================

const selectScheduled = `
	SELECT v.id, v.donor_id, v.facility_id, v.scheduled_start, v.scheduled_end, v.origin, v.status,
		v.cancel_reason, v.health_status, v.volume, v.container_count, v.points_awarded, v.recorded_by,
		v.created_at, v.updated_at,
		s.visit_id, s.plan_run_id, s.plan_month, s.plan_type, s.day_of_month, s.week_of_month, s.weekday,
		s.window_start, s.window_end, s.proposed_on, s.proposed_by, s.reschedule_count, s.rule_snapshot_json
	FROM visits v
	LEFT JOIN visit_schedules s ON s.visit_id = v.id`

func queryScheduled(ctx context.Context, q querier, query string, args ...any) ([]visit.Scheduled, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, visit.Persistence("query visits", err)
	}
	defer rows.Close()

	var out []visit.Scheduled
	for rows.Next() {
		sv, err := scanScheduled(rows)
		if err != nil {
			return nil, visit.Persistence("scan visit", err)
		}
		out = append(out, sv)
	}
	return out, visit.Persistence("query visits", rows.Err())
}

func scanScheduled(rows *sql.Rows) (visit.Scheduled, error) {
	var (
		v                                  visit.Visit
		start, end                         sql.NullString
		health, volume, points, recordedBy sql.NullString
		containers                         sql.NullInt64
		createdAt, updatedAt               string
		schedID, runID, month, planType    sql.NullString
		dayOfMonth, weekOfMonth, weekday   sql.NullInt64
		windowStart, windowEnd, proposedOn sql.NullString
		proposedBy, snapshot               sql.NullString
		rescheduleCount                    sql.NullInt64
	)
	err := rows.Scan(
		&v.ID, &v.DonorID, &v.FacilityID, &start, &end, &v.Origin, &v.Status,
		&v.CancelReason, &health, &volume, &containers, &points, &recordedBy,
		&createdAt, &updatedAt,
		&schedID, &runID, &month, &planType, &dayOfMonth, &weekOfMonth, &weekday,
		&windowStart, &windowEnd, &proposedOn, &proposedBy, &rescheduleCount, &snapshot,
	)
	if err != nil {
		return visit.Scheduled{}, err
	}

	v.ScheduledStart = parseNullTime(start)
	v.ScheduledEnd = parseNullTime(end)
	v.CreatedAt = parseTime(createdAt)
	v.UpdatedAt = parseTime(updatedAt)
	if v.Status == visit.StatusCompleted {
		v.Completion = &visit.Completion{
			HealthStatus:   health.String,
			Volume:         parseDecimal(volume),
			ContainerCount: int(containers.Int64),
			PointsAwarded:  parseDecimal(points),
			RecordedBy:     recordedBy.String,
		}
	}

	out := visit.Scheduled{Visit: v}
	if !schedID.Valid {
		return out, nil
	}

	sc := &visit.Schedule{
		VisitID:         v.ID,
		PlanRunID:       visit.PlanRunID(runID.String),
		PlanType:        visit.PlanType(planType.String),
		DayOfMonth:      int(dayOfMonth.Int64),
		WeekOfMonth:     int(weekOfMonth.Int64),
		Weekday:         int(weekday.Int64),
		WindowStart:     parseTime(windowStart.String),
		WindowEnd:       parseTime(windowEnd.String),
		ProposedOn:      parseTime(proposedOn.String),
		ProposedBy:      proposedBy.String,
		RescheduleCount: int(rescheduleCount.Int64),
	}
	sc.PlanMonth, _ = calendar.ParseMonth(month.String)
	if err := json.Unmarshal([]byte(snapshot.String), &sc.RuleSnapshot); err != nil {
		return visit.Scheduled{}, fmt.Errorf("decode rule snapshot for visit %s: %w", v.ID, err)
	}
	out.Schedule = sc
	return out, nil
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func parseDecimal(ns sql.NullString) decimal.Decimal {
	if !ns.Valid {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullInt(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}

func completionArgs(c *visit.Completion) (health, volume sql.NullString, containers sql.NullInt64, points, recordedBy sql.NullString) {
	if c == nil {
		return
	}
	health = sql.NullString{String: c.HealthStatus, Valid: true}
	volume = sql.NullString{String: c.Volume.String(), Valid: true}
	containers = sql.NullInt64{Int64: int64(c.ContainerCount), Valid: true}
	points = sql.NullString{String: c.PointsAwarded.String(), Valid: true}
	recordedBy = sql.NullString{String: c.RecordedBy, Valid: true}
	return
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}
