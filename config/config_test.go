package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/visit-engine/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := config.Load("")

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Scheduling.DefaultMaxPerWeek)
	assert.Equal(t, 7, cfg.Scheduling.CutoffDays)
	assert.Equal(t, "earliest", cfg.Scheduling.TieBreak)
	assert.Equal(t, 4, cfg.Scheduling.SlotConcurrency)
	assert.Equal(t, 10*time.Minute, cfg.Scheduling.ClaimTimeout)
	assert.Equal(t, time.Hour, cfg.Rollover.CheckInterval)
	assert.Empty(t, cfg.Database.Path)
	assert.Empty(t, cfg.Notify.RedisAddr)
}

func TestLoad_FileThenEnv(t *testing.T) {
	// GIVEN: A YAML file and an env override
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
scheduling:
  tie_break: spread
  timezone: America/New_York
db:
  path: /tmp/visits.db
`), 0o600))
	t.Setenv("VISIT_ENGINE_SERVER_PORT", "7070")

	// WHEN
	cfg, err := config.Load(path)

	// THEN: Env beats file, file beats defaults
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "spread", cfg.Scheduling.TieBreak)
	assert.Equal(t, "/tmp/visits.db", cfg.Database.Path)
	loc, err := cfg.Scheduling.Location()
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", loc.String())
}

func TestLoad_RejectsBadTieBreak(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("VISIT_ENGINE_SCHEDULING_TIE_BREAK", "random")

	_, err := config.Load("")

	assert.ErrorContains(t, err, "tie_break")
}

func TestRewardsConfig_FlatRate(t *testing.T) {
	rate, err := config.RewardsConfig{PerVisit: "12", PerContainer: "3", Per100ml: "0"}.FlatRate()
	require.NoError(t, err)
	assert.Equal(t, "12", rate.PerVisit.String())

	_, err = config.RewardsConfig{PerVisit: "ten", PerContainer: "3", Per100ml: "0"}.FlatRate()
	assert.Error(t, err)
}
