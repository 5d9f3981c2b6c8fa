/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Seeds the store with donors and preferences that exercise specific
  scheduling behaviour. Scenarios are defined in scenarios.yaml, embedded
  into the binary.

AVAILABLE SCENARIOS:
  regular-donor:     One Mon/Wed/Fri donor, plan generated on load
  weekly-cap:        Two donors with different caps, approve via the API
  mixed-eligibility: Eligible and ineligible donors for rollover runs

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Save donors and their preferences
 3. When approve is set, dispatch DonorApproved for each eligible donor

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "regular-donor"}

NOTE:
  Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - scenarios.yaml: Scenario definitions
  - handlers.go: Other endpoints
*/
package api

import (
	"context"
	_ "embed"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/warp/visit-engine/calendar"
	"github.com/warp/visit-engine/planner"
	"github.com/warp/visit-engine/visit"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

//go:embed scenarios.yaml
var scenarioFile []byte

type scenario struct {
	ID          string          `yaml:"id"`
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Approve     bool            `yaml:"approve"`
	Donors      []scenarioDonor `yaml:"donors"`
}

type scenarioDonor struct {
	ID                string              `yaml:"id"`
	Name              string              `yaml:"name"`
	ScreeningApproved bool                `yaml:"screening_approved"`
	DirectorApproved  bool                `yaml:"director_approved"`
	Status            string              `yaml:"status"`
	Preference        *scenarioPreference `yaml:"preference"`
}

type scenarioPreference struct {
	HomeFacilityID   string `yaml:"home_facility_id"`
	WeeklyDays       int    `yaml:"weekly_days"`
	PreferredStart   string `yaml:"preferred_start"`
	PreferredEnd     string `yaml:"preferred_end"`
	MaxVisitsPerWeek int    `yaml:"max_visits_per_week"`
}

// parseScenarios decodes and validates scenario definitions.
func parseScenarios(data []byte) ([]scenario, error) {
	var out []scenario
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parsing scenarios: %w", err)
	}
	seen := make(map[string]bool, len(out))
	for _, s := range out {
		if s.ID == "" {
			return nil, fmt.Errorf("scenario %q: missing id", s.Name)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("scenario %q: duplicate id", s.ID)
		}
		seen[s.ID] = true
		for _, d := range s.Donors {
			if _, _, err := d.records(); err != nil {
				return nil, fmt.Errorf("scenario %q: %w", s.ID, err)
			}
		}
	}
	return out, nil
}

// records converts a scenario donor to domain records. The preference is
// nil when the donor has none.
func (d scenarioDonor) records() (visit.Donor, *visit.Preference, error) {
	donor := visit.Donor{
		ID:                visit.DonorID(d.ID),
		Name:              d.Name,
		ScreeningApproved: d.ScreeningApproved,
		DirectorApproved:  d.DirectorApproved,
		Status:            visit.DonorStatus(d.Status),
	}
	if d.Preference == nil {
		return donor, nil, nil
	}

	p := d.Preference
	days, err := calendar.ParseWeekdays(p.WeeklyDays)
	if err != nil {
		return donor, nil, fmt.Errorf("donor %s: %w", d.ID, err)
	}
	start, err := calendar.ParseClock(p.PreferredStart)
	if err != nil {
		return donor, nil, fmt.Errorf("donor %s preferred_start: %w", d.ID, err)
	}
	end, err := calendar.ParseClock(p.PreferredEnd)
	if err != nil {
		return donor, nil, fmt.Errorf("donor %s preferred_end: %w", d.ID, err)
	}
	return donor, &visit.Preference{
		DonorID:          donor.ID,
		HomeFacilityID:   visit.FacilityID(p.HomeFacilityID),
		WeeklyDays:       days,
		PreferredStart:   start,
		PreferredEnd:     end,
		MaxVisitsPerWeek: p.MaxVisitsPerWeek,
	}, nil
}

func (h *Handler) scenarios() ([]scenario, error) {
	return parseScenarios(scenarioFile)
}

func (h *Handler) findScenario(id string) (*scenario, error) {
	all, err := h.scenarios()
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ID == id {
			return &all[i], nil
		}
	}
	return nil, nil
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios returns available demo scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	all, err := h.scenarios()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read scenarios", err)
		return
	}
	dtos := make([]ScenarioDTO, len(all))
	for i, s := range all {
		dtos[i] = ScenarioDTO{ID: s.ID, Name: s.Name, Description: s.Description}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	s, err := h.findScenario(current)
	if err != nil || s == nil {
		writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
		return
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: s.ID, Name: s.Name, Description: s.Description})
}

// LoadScenario resets the store and seeds a scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if h.seeder == nil {
		writeError(w, http.StatusNotImplemented, "Store does not support seeding", nil)
		return
	}

	s, err := h.findScenario(req.ScenarioID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read scenarios", err)
		return
	}
	if s == nil {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	visits, err := h.loadScenario(r.Context(), *s)
	if err != nil {
		h.writeDomainError(w, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = s.ID
	h.mu.Unlock()

	h.logger.Info("scenario loaded", zap.String("scenario", s.ID), zap.Int("donors", len(s.Donors)), zap.Int("visits", visits))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"scenario": s.ID,
		"donors":   len(s.Donors),
		"visits":   visits,
	})
}

// loadScenario seeds s and returns the number of visits generated.
func (h *Handler) loadScenario(ctx context.Context, s scenario) (int, error) {
	if err := h.seeder.Reset(ctx); err != nil {
		return 0, err
	}
	for _, d := range s.Donors {
		donor, pref, err := d.records()
		if err != nil {
			return 0, err
		}
		if err := h.seeder.SaveDonor(ctx, donor); err != nil {
			return 0, err
		}
		if pref != nil {
			if err := h.seeder.SavePreference(ctx, *pref); err != nil {
				return 0, err
			}
		}
	}
	if !s.Approve {
		return 0, nil
	}

	visits := 0
	for _, d := range s.Donors {
		donor, _, _ := d.records()
		if !donor.Eligible() {
			continue
		}
		out, err := h.dispatcher.Dispatch(ctx, planner.DonorApproved{DonorID: donor.ID})
		if err != nil {
			return visits, err
		}
		if out.Result != nil {
			visits += len(out.Result.Visits)
		}
	}
	return visits, nil
}

// ResetDatabase clears all data.
// POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if h.seeder == nil {
		writeError(w, http.StatusNotImplemented, "Store does not support reset", nil)
		return
	}
	if err := h.seeder.Reset(r.Context()); err != nil {
		h.writeDomainError(w, "Failed to reset database", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
