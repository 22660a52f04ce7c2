package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiwibrowser/infratool/internal/cli/config"
	"github.com/kiwibrowser/infratool/internal/cli/testutil"
)

func TestCalculateHealthScore(t *testing.T) {
	tests := []struct {
		name   string
		checks []HealthCheck
		want   int
	}{
		{
			name:   "no checks returns 100",
			checks: nil,
			want:   100,
		},
		{
			name: "all passing returns 100",
			checks: []HealthCheck{
				{ID: "EN01", Status: checkPass},
				{ID: "PL01", Status: checkPass},
			},
			want: 100,
		},
		{
			name: "warnings reduce score",
			checks: []HealthCheck{
				{ID: "EN02", Status: checkWarn, IssueCount: 1},
				{ID: "BB03", Status: checkWarn, IssueCount: 4},
			},
			want: 80,
		},
		{
			name: "errors reduce score more",
			checks: []HealthCheck{
				{ID: "BB02", Status: checkError, IssueCount: 2},
			},
			want: 80,
		},
		{
			name: "score never goes below zero",
			checks: []HealthCheck{
				{Status: checkError}, {Status: checkError}, {Status: checkError},
				{Status: checkError}, {Status: checkError}, {Status: checkError},
			},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, calculateHealthScore(tt.checks))
		})
	}
}

func TestGenerateRecommendations(t *testing.T) {
	checks := []HealthCheck{
		{ID: "EN01", Status: checkPass},
		{ID: "BB03", Status: checkWarn, IssueCount: 1},
		{ID: "XX99", Status: checkWarn, IssueCount: 1},
	}

	recs := generateRecommendations(checks)

	require.Len(t, recs, 1)
	assert.Contains(t, recs[0], "buildbot generate")
}

func TestGetRecommendation_Shell(t *testing.T) {
	rec := getRecommendation("EN01")
	assert.Contains(t, rec, "POSIX shell")
	assert.NotContains(t, rec, "run through sh", "commands are exec'd directly")
}

// projectConfig returns a configuration pointing into the test project.
func projectConfig(dir string) *config.Config {
	cfg := config.Defaults()
	cfg.ProjectRoot = dir
	cfg.StatePath = filepath.Join(dir, ".infratool", "state.db")
	cfg.Pipeline.File = filepath.Join(dir, "pipeline.yaml")
	cfg.Buildbot.PylDir = filepath.Join(dir, "buildbot")
	cfg.Buildbot.OutputDir = filepath.Join(dir, "buildbot")
	return cfg
}

func checksByID(out *DoctorOutput) map[string]HealthCheck {
	m := make(map[string]HealthCheck, len(out.HealthChecks))
	for _, c := range out.HealthChecks {
		m[c.ID] = c
	}
	return m
}

func TestDiagnose(t *testing.T) {
	config.ResetConfig()
	dir := testutil.SetupTestProject(t)

	out := diagnose(context.Background(), projectConfig(dir))
	checks := checksByID(out)

	assert.Equal(t, checkPass, checks["PL01"].Status)
	assert.Equal(t, checkPass, checks["PL02"].Status)
	assert.Equal(t, checkPass, checks["ST01"].Status, "a missing state database is created on demand")
	assert.Equal(t, checkPass, checks["BB02"].Status)
	assert.Equal(t, checkWarn, checks["BB03"].Status)
	assert.Equal(t, []string{"tryserver.infra.json is outdated"}, checks["BB03"].Details)
	assert.Equal(t, checkWarn, checks["EN02"].Status)

	assert.Equal(t, "buildbot", out.HealthChecks[0].Group, "checks are grouped")
	assert.Equal(t, 2, out.IssueCount)
}

func TestDiagnose_Problems(t *testing.T) {
	config.ResetConfig()
	dir := testutil.SetupTestProject(t)
	require.NoError(t, os.Remove(filepath.Join(dir, "fetch.cfg")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "buildbot", "waterfalls.pyl"), []byte("[\n"), 0o644))

	cfg := projectConfig(dir)
	cfg.Pipeline.File = filepath.Join(dir, "missing.yaml")
	out := diagnose(context.Background(), cfg)
	checks := checksByID(out)

	assert.Equal(t, checkWarn, checks["PL01"].Status)
	assert.NotContains(t, checks, "PL02")
	assert.Equal(t, checkError, checks["BB01"].Status)
	assert.NotContains(t, checks, "BB02")
	assert.Less(t, out.Score, 100)

	cfg.Pipeline.File = filepath.Join(dir, "pipeline.yaml")
	checks = checksByID(diagnose(context.Background(), cfg))
	assert.Equal(t, checkWarn, checks["PL02"].Status)
	assert.Equal(t, []string{"fetch: input fetch.cfg is missing"}, checks["PL02"].Details)
}

func TestRenderDoctorText(t *testing.T) {
	tr := testutil.NewTestRenderer("text", false)
	renderDoctorText(tr.Renderer, &DoctorOutput{
		HealthChecks: []HealthCheck{
			{ID: "BB03", Name: "Waterfall JSON up to date", Group: "buildbot", Status: checkWarn, IssueCount: 1, Details: []string{"a.json is outdated"}},
			{ID: "EN01", Name: "Shell available", Group: "environment", Status: checkPass},
		},
		Score:           90,
		Recommendations: []string{getRecommendation("BB03")},
	})

	out := tr.Output()
	testutil.AssertNoANSI(t, out)
	assert.Contains(t, out, "   Buildbot\n")
	assert.Contains(t, out, "! BB03: Waterfall JSON up to date (1 issues)")
	assert.Contains(t, out, "- a.json is outdated")
	assert.Contains(t, out, "✓ EN01: Shell available")
	assert.Contains(t, out, "Health Score: 90/100")
	assert.Contains(t, out, "1. Run 'infratool buildbot generate'")
}
