// Package store provides in-memory visit.Store and visit.DonorStore
// implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/visit-engine/calendar"
	"github.com/warp/visit-engine/visit"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	donors      map[visit.DonorID]visit.Donor
	preferences map[visit.DonorID]visit.Preference
	visits      map[visit.VisitID]visit.Visit
	schedules   map[visit.VisitID]visit.Schedule
	runs        []visit.PlanRun
	audit       []visit.AuditEntry

	// FailCreate, when set, is consulted before every CreateVisit and may
	// return an error to simulate a failing slot write.
	FailCreate func(s visit.Scheduled) error
}

var (
	_ visit.TxStore     = (*Memory)(nil)
	_ visit.DonorStore  = (*Memory)(nil)
	_ visit.DonorWriter = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		donors:      make(map[visit.DonorID]visit.Donor),
		preferences: make(map[visit.DonorID]visit.Preference),
		visits:      make(map[visit.VisitID]visit.Visit),
		schedules:   make(map[visit.VisitID]visit.Schedule),
	}
}

// =============================================================================
// DONORS
// =============================================================================

func (m *Memory) SaveDonor(_ context.Context, d visit.Donor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.donors[d.ID] = d
	return nil
}

func (m *Memory) SavePreference(_ context.Context, p visit.Preference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preferences[p.DonorID] = p
	return nil
}

// Reset drops every record. Demo use only.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.donors = make(map[visit.DonorID]visit.Donor)
	m.preferences = make(map[visit.DonorID]visit.Preference)
	m.visits = make(map[visit.VisitID]visit.Visit)
	m.schedules = make(map[visit.VisitID]visit.Schedule)
	m.runs = nil
	m.audit = nil
	return nil
}

func (m *Memory) GetDonor(_ context.Context, id visit.DonorID) (*visit.Donor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.donors[id]
	if !ok {
		return nil, fmt.Errorf("donor %s: %w", id, visit.ErrDonorNotFound)
	}
	return &d, nil
}

func (m *Memory) GetPreference(_ context.Context, id visit.DonorID) (*visit.Preference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.preferences[id]
	if !ok {
		return nil, visit.ErrNoPreference
	}
	return &p, nil
}

func (m *Memory) ListEligibleDonors(_ context.Context) ([]visit.DonorID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []visit.DonorID
	for id, d := range m.donors {
		if d.Eligible() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// =============================================================================
// VISIT STORE (visit.Store interface)
// =============================================================================

func (m *Memory) ClaimPlan(_ context.Context, claim visit.PlanClaim) (*visit.PlanRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.claimLocked(claim)
}

func (m *Memory) claimLocked(claim visit.PlanClaim) (*visit.PlanRun, error) {
	for i := range m.runs {
		r := &m.runs[i]
		if r.DonorID != claim.DonorID || r.PlanMonth != claim.PlanMonth || r.Status == visit.PlanRunSuperseded {
			continue
		}
		if r.Status == visit.PlanRunRunning && !expired(*r, claim) {
			return nil, &visit.DuplicatePlanError{
				DonorID: claim.DonorID, PlanMonth: claim.PlanMonth, ExistingRunID: r.ID, InFlight: true,
			}
		}
		if m.activePlannedLocked(claim.DonorID, claim.PlanMonth) > 0 {
			return nil, &visit.DuplicatePlanError{
				DonorID: claim.DonorID, PlanMonth: claim.PlanMonth, ExistingRunID: r.ID,
			}
		}
		r.Status = visit.PlanRunSuperseded
	}
	// Planned visits that predate any run (manual staff plans) also block.
	if m.activePlannedLocked(claim.DonorID, claim.PlanMonth) > 0 {
		return nil, &visit.DuplicatePlanError{DonorID: claim.DonorID, PlanMonth: claim.PlanMonth}
	}

	run := visit.PlanRun{
		ID:            claim.RunID,
		DonorID:       claim.DonorID,
		PlanMonth:     claim.PlanMonth,
		TriggerReason: claim.TriggerReason,
		Status:        visit.PlanRunRunning,
		StartedAt:     claim.StartedAt,
	}
	m.runs = append(m.runs, run)
	return &run, nil
}

// expired reports whether a running run's lease ran out.
func expired(r visit.PlanRun, claim visit.PlanClaim) bool {
	return !claim.StaleBefore.IsZero() && r.StartedAt.Before(claim.StaleBefore)
}

// activePlannedLocked counts non-cancelled visits scheduled for the month.
func (m *Memory) activePlannedLocked(donorID visit.DonorID, month calendar.Month) int {
	n := 0
	for id, s := range m.schedules {
		v := m.visits[id]
		if v.DonorID == donorID && s.PlanMonth == month && v.Status != visit.StatusCancelled {
			n++
		}
	}
	return n
}

func (m *Memory) FinishPlan(_ context.Context, run visit.PlanRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = run
			return nil
		}
	}
	return fmt.Errorf("plan run %s not found", run.ID)
}

func (m *Memory) CreateVisit(_ context.Context, s visit.Scheduled) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(s)
}

func (m *Memory) createLocked(s visit.Scheduled) error {
	if m.FailCreate != nil {
		if err := m.FailCreate(s); err != nil {
			return err
		}
	}
	if _, exists := m.visits[s.Visit.ID]; exists {
		return fmt.Errorf("visit %s already exists", s.Visit.ID)
	}
	m.visits[s.Visit.ID] = s.Visit
	if s.Schedule != nil {
		m.schedules[s.Visit.ID] = *s.Schedule
	}
	return nil
}

func (m *Memory) GetVisit(_ context.Context, id visit.VisitID) (*visit.Scheduled, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Memory) getLocked(id visit.VisitID) (*visit.Scheduled, error) {
	v, ok := m.visits[id]
	if !ok {
		return nil, fmt.Errorf("visit %s: %w", id, visit.ErrVisitNotFound)
	}
	out := &visit.Scheduled{Visit: v}
	if s, ok := m.schedules[id]; ok {
		out.Schedule = &s
	}
	return out, nil
}

func (m *Memory) UpdateVisit(_ context.Context, s visit.Scheduled) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(s)
}

func (m *Memory) updateLocked(s visit.Scheduled) error {
	cur, ok := m.visits[s.Visit.ID]
	if !ok {
		return fmt.Errorf("visit %s: %w", s.Visit.ID, visit.ErrVisitNotFound)
	}
	cur.ScheduledStart = s.Visit.ScheduledStart
	cur.ScheduledEnd = s.Visit.ScheduledEnd
	cur.Status = s.Visit.Status
	cur.CancelReason = s.Visit.CancelReason
	cur.Completion = s.Visit.Completion
	cur.UpdatedAt = s.Visit.UpdatedAt
	m.visits[cur.ID] = cur

	if s.Schedule != nil {
		if sched, ok := m.schedules[cur.ID]; ok {
			sched.RescheduleCount = s.Schedule.RescheduleCount
			sched.ProposedBy = s.Schedule.ProposedBy
			m.schedules[cur.ID] = sched
		}
	}
	return nil
}

func (m *Memory) ListVisits(_ context.Context, donorID visit.DonorID, month calendar.Month) ([]visit.Scheduled, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(donorID, month), nil
}

func (m *Memory) listLocked(donorID visit.DonorID, month calendar.Month) []visit.Scheduled {
	var out []visit.Scheduled
	for id, v := range m.visits {
		if v.DonorID != donorID {
			continue
		}
		sc := visit.Scheduled{Visit: v}
		if s, ok := m.schedules[id]; ok {
			if s.PlanMonth != month {
				continue
			}
			sc.Schedule = &s
		} else if v.ScheduledStart == nil || calendar.MonthOf(*v.ScheduledStart) != month {
			continue
		}
		out = append(out, sc)
	}
	sortScheduled(out)
	return out
}

func (m *Memory) ListVisitsInRange(_ context.Context, q visit.WeekQuery) ([]visit.Visit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rangeLocked(q), nil
}

func (m *Memory) rangeLocked(q visit.WeekQuery) []visit.Visit {
	var out []visit.Visit
	for _, v := range m.visits {
		if v.DonorID != q.DonorID || v.ScheduledStart == nil {
			continue
		}
		if v.ScheduledStart.Before(q.From) || !v.ScheduledStart.Before(q.To) {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledStart.Before(*out[j].ScheduledStart) })
	return out
}

func (m *Memory) ListPlanRuns(_ context.Context, donorID visit.DonorID) ([]visit.PlanRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []visit.PlanRun
	for i := len(m.runs) - 1; i >= 0; i-- {
		if m.runs[i].DonorID == donorID {
			out = append(out, m.runs[i])
		}
	}
	return out, nil
}

func (m *Memory) AppendAudit(_ context.Context, entry visit.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) ListAudit(_ context.Context, visitID visit.VisitID) ([]visit.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return auditFor(m.audit, visitID), nil
}

func auditFor(entries []visit.AuditEntry, visitID visit.VisitID) []visit.AuditEntry {
	var out []visit.AuditEntry
	for _, e := range entries {
		if e.VisitID == visitID {
			out = append(out, e)
		}
	}
	return out
}

// Audit returns a copy of every audit entry, oldest first.
func (m *Memory) Audit() []visit.AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]visit.AuditEntry(nil), m.audit...)
}

// =============================================================================
// TRANSACTIONS (visit.TxStore interface)
// =============================================================================

// WithTx executes fn while holding the write lock.
// For the memory store this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(visit.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	visits    map[visit.VisitID]visit.Visit
	schedules map[visit.VisitID]visit.Schedule
	runs      []visit.PlanRun
	audit     []visit.AuditEntry
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		visits:    make(map[visit.VisitID]visit.Visit, len(m.visits)),
		schedules: make(map[visit.VisitID]visit.Schedule, len(m.schedules)),
		runs:      append([]visit.PlanRun(nil), m.runs...),
		audit:     append([]visit.AuditEntry(nil), m.audit...),
	}
	for k, v := range m.visits {
		s.visits[k] = v
	}
	for k, v := range m.schedules {
		s.schedules[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.visits = s.visits
	m.schedules = s.schedules
	m.runs = s.runs
	m.audit = s.audit
}

// txView runs Store calls against the parent while WithTx holds its lock.
type txView struct {
	parent *Memory
}

func (tv *txView) ClaimPlan(_ context.Context, claim visit.PlanClaim) (*visit.PlanRun, error) {
	return tv.parent.claimLocked(claim)
}

func (tv *txView) FinishPlan(_ context.Context, run visit.PlanRun) error {
	for i := range tv.parent.runs {
		if tv.parent.runs[i].ID == run.ID {
			tv.parent.runs[i] = run
			return nil
		}
	}
	return fmt.Errorf("plan run %s not found", run.ID)
}

func (tv *txView) CreateVisit(_ context.Context, s visit.Scheduled) error {
	return tv.parent.createLocked(s)
}

func (tv *txView) GetVisit(_ context.Context, id visit.VisitID) (*visit.Scheduled, error) {
	return tv.parent.getLocked(id)
}

func (tv *txView) UpdateVisit(_ context.Context, s visit.Scheduled) error {
	return tv.parent.updateLocked(s)
}

func (tv *txView) ListVisits(_ context.Context, donorID visit.DonorID, month calendar.Month) ([]visit.Scheduled, error) {
	return tv.parent.listLocked(donorID, month), nil
}

func (tv *txView) ListVisitsInRange(_ context.Context, q visit.WeekQuery) ([]visit.Visit, error) {
	return tv.parent.rangeLocked(q), nil
}

func (tv *txView) ListPlanRuns(_ context.Context, donorID visit.DonorID) ([]visit.PlanRun, error) {
	var out []visit.PlanRun
	for i := len(tv.parent.runs) - 1; i >= 0; i-- {
		if tv.parent.runs[i].DonorID == donorID {
			out = append(out, tv.parent.runs[i])
		}
	}
	return out, nil
}

func (tv *txView) AppendAudit(_ context.Context, entry visit.AuditEntry) error {
	tv.parent.audit = append(tv.parent.audit, entry)
	return nil
}

func (tv *txView) ListAudit(_ context.Context, visitID visit.VisitID) ([]visit.AuditEntry, error) {
	return auditFor(tv.parent.audit, visitID), nil
}

func sortScheduled(s []visit.Scheduled) {
	sort.Slice(s, func(i, j int) bool {
		a, b := s[i].Visit.ScheduledStart, s[j].Visit.ScheduledStart
		switch {
		case a == nil && b == nil:
			return s[i].Visit.ID < s[j].Visit.ID
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.Before(*b)
	})
}
