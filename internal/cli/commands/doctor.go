package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/spf13/cobra"

	"github.com/kiwibrowser/infratool/internal/buildbot"
	"github.com/kiwibrowser/infratool/internal/cli/config"
	"github.com/kiwibrowser/infratool/internal/cli/output"
	"github.com/kiwibrowser/infratool/internal/pipeline"
	"github.com/kiwibrowser/infratool/internal/state"
)

// Health check statuses.
const (
	checkPass  = "pass"
	checkWarn  = "warn"
	checkError = "error"
)

// NewDoctorCommand creates the doctor command.
func NewDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the workspace for problems",
		Long: `Check that infratool can do its work in this workspace.

The doctor command looks at the environment, the state database, the
pipeline file and the buildbot .pyl files, and reports:
- a health check per area, grouped by category
- a health score (0-100)
- what to do about each problem

It exits with an error when any check fails.`,
		Example: `  # Run health check
  infratool doctor

  # Output as JSON
  infratool doctor -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd)
		},
	}
}

// DoctorOutput is the JSON output for the doctor command.
type DoctorOutput struct {
	ConfigFile      string        `json:"config_file,omitempty"`
	HealthChecks    []HealthCheck `json:"health_checks"`
	Score           int           `json:"score"`
	Recommendations []string      `json:"recommendations"`
	IssueCount      int           `json:"issue_count"`
}

// HealthCheck represents a single health check result.
type HealthCheck struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Group      string   `json:"group"`
	Status     string   `json:"status"` // "pass", "warn", "error"
	IssueCount int      `json:"issue_count"`
	Details    []string `json:"details,omitempty"`
}

func (h *HealthCheck) fail(status string, details ...string) {
	h.Status = status
	h.Details = append(h.Details, details...)
	h.IssueCount = len(h.Details)
}

func runDoctor(cmd *cobra.Command) error {
	cc := NewCommandContext(cmd)
	out := diagnose(cmd.Context(), cc.Cfg)
	out.ConfigFile = config.GetConfigFileUsed()

	r := cc.Renderer
	if r.IsJSON() {
		if err := r.JSON(out); err != nil {
			return err
		}
	} else {
		renderDoctorText(r, out)
	}

	var failed []string
	for _, check := range out.HealthChecks {
		if check.Status == checkError {
			failed = append(failed, check.ID)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("health checks failed: %s", strings.Join(failed, ", "))
	}
	return nil
}

// diagnose runs every health check against cfg.
func diagnose(ctx context.Context, cfg *config.Config) *DoctorOutput {
	checks := []HealthCheck{
		checkShell(),
		checkConfigFile(),
		checkStateDB(ctx, cfg),
	}
	checks = append(checks, checkPipeline(cfg)...)
	checks = append(checks, checkBuildbot(ctx, cfg)...)

	sort.SliceStable(checks, func(i, j int) bool {
		return checks[i].Group < checks[j].Group
	})

	issues := 0
	for _, c := range checks {
		issues += c.IssueCount
	}
	return &DoctorOutput{
		HealthChecks:    checks,
		Score:           calculateHealthScore(checks),
		Recommendations: generateRecommendations(checks),
		IssueCount:      issues,
	}
}

func checkShell() HealthCheck {
	c := HealthCheck{ID: "EN01", Name: "Shell available", Group: "environment", Status: checkPass}
	if _, err := exec.LookPath("sh"); err != nil {
		c.fail(checkError, "sh not found in PATH")
	}
	return c
}

func checkConfigFile() HealthCheck {
	c := HealthCheck{ID: "EN02", Name: "Config file", Group: "environment", Status: checkPass}
	if config.GetConfigFileUsed() == "" {
		c.fail(checkWarn, "no infratool.yaml found, using defaults")
	}
	return c
}

// checkStateDB opens an existing state database. A missing one is fine: it
// is created by the first recorded run.
func checkStateDB(ctx context.Context, cfg *config.Config) HealthCheck {
	c := HealthCheck{ID: "ST01", Name: "State database", Group: "state", Status: checkPass}
	if cfg.StatePath == ":memory:" {
		return c
	}
	if _, err := os.Stat(cfg.StatePath); errors.Is(err, fs.ErrNotExist) {
		return c
	}
	store, err := state.Open(cfg.StatePath, nil)
	if err != nil {
		c.fail(checkError, err.Error())
		return c
	}
	defer func() { _ = store.Close() }()
	if _, err := store.ListRuns(ctx, 1); err != nil {
		c.fail(checkError, err.Error())
	}
	return c
}

func checkPipeline(cfg *config.Config) []HealthCheck {
	parse := HealthCheck{ID: "PL01", Name: "Pipeline file parses", Group: "pipeline", Status: checkPass}
	inputs := HealthCheck{ID: "PL02", Name: "Task inputs exist", Group: "pipeline", Status: checkPass}

	if _, err := os.Stat(cfg.Pipeline.File); errors.Is(err, fs.ErrNotExist) {
		parse.fail(checkWarn, fmt.Sprintf("%s does not exist", cfg.Pipeline.File))
		return []HealthCheck{parse}
	}
	p, err := pipeline.Load(cfg.Pipeline.File)
	if err != nil {
		parse.fail(checkError, err.Error())
		return []HealthCheck{parse}
	}

	for _, t := range p.Tasks {
		for _, in := range t.Inputs {
			path := in
			if !filepath.IsAbs(path) {
				path = filepath.Join(t.Dir, in)
			}
			if _, err := os.Stat(path); err != nil {
				inputs.fail(checkWarn, fmt.Sprintf("%s: input %s is missing", t.Name, in))
			}
		}
	}
	return []HealthCheck{parse, inputs}
}

func checkBuildbot(ctx context.Context, cfg *config.Config) []HealthCheck {
	load := HealthCheck{ID: "BB01", Name: "Pyl files load", Group: "buildbot", Status: checkPass}
	consistent := HealthCheck{ID: "BB02", Name: "Pyl files consistent", Group: "buildbot", Status: checkPass}
	current := HealthCheck{ID: "BB03", Name: "Waterfall JSON up to date", Group: "buildbot", Status: checkPass}

	if _, err := os.Stat(filepath.Join(cfg.Buildbot.PylDir, buildbot.WaterfallsFile)); errors.Is(err, fs.ErrNotExist) {
		load.fail(checkWarn, fmt.Sprintf("no %s in %s", buildbot.WaterfallsFile, cfg.Buildbot.PylDir))
		return []HealthCheck{load}
	}
	in, err := buildbot.Load(ctx, cfg.Buildbot.PylDir)
	if err != nil {
		load.fail(checkError, err.Error())
		return []HealthCheck{load}
	}

	g := buildbot.NewGenerator(in, nil)
	if err := g.CheckConsistency(); err != nil {
		consistent.fail(checkError, strings.Split(err.Error(), "\n")...)
		return []HealthCheck{load, consistent}
	}

	err = g.CheckOutputFiles(ctx, cfg.Buildbot.OutputDir, nil, nil)
	var outdated *buildbot.OutdatedError
	switch {
	case errors.As(err, &outdated):
		for _, w := range outdated.Waterfalls {
			current.fail(checkWarn, buildbot.OutputFileName(w)+" is outdated")
		}
	case err != nil:
		current.fail(checkError, err.Error())
	}
	return []HealthCheck{load, consistent, current}
}

// calculateHealthScore computes a health score from 0-100. Errors cost
// twice as much as warnings.
func calculateHealthScore(checks []HealthCheck) int {
	score := 100
	for _, check := range checks {
		switch check.Status {
		case checkError:
			score -= 20
		case checkWarn:
			score -= 10
		}
	}
	return max(score, 0)
}

// generateRecommendations creates actionable recommendations based on findings.
func generateRecommendations(checks []HealthCheck) []string {
	var recommendations []string
	for _, check := range checks {
		if check.IssueCount == 0 {
			continue
		}
		if rec := getRecommendation(check.ID); rec != "" {
			recommendations = append(recommendations, rec)
		}
	}
	return recommendations
}

// getRecommendation returns a recommendation for a specific check.
func getRecommendation(id string) string {
	switch id {
	case "EN01":
		return "Install a POSIX shell; pipeline tasks that call sh scripts need it"
	case "EN02":
		return "Create infratool.yaml in the workspace root to pin settings"
	case "ST01":
		return "Delete the state database to start a fresh run history"
	case "PL01":
		return "Fix the pipeline file, or point pipeline.file at an existing one"
	case "PL02":
		return "Create the missing task inputs or remove them from the pipeline"
	case "BB01":
		return "Fix the syntax errors in the .pyl files"
	case "BB02":
		return "Run 'infratool buildbot validate' and fix the reported problems"
	case "BB03":
		return "Run 'infratool buildbot generate' to update the waterfall JSON"
	default:
		return ""
	}
}

func renderDoctorText(r *output.Renderer, out *DoctorOutput) {
	styles := r.Styles()

	r.Println("")
	r.Header("infratool Health Report")
	r.Println(styles.Muted.Render(strings.Repeat("=", 55)))
	if out.ConfigFile != "" {
		r.Printf("   Config: %s\n", out.ConfigFile)
	}
	r.Println("")

	currentGroup := ""
	titleCaser := cases.Title(language.English)
	for _, check := range out.HealthChecks {
		if check.Group != currentGroup {
			currentGroup = check.Group
			r.Println(styles.Bold.Render("   " + titleCaser.String(currentGroup)))
			r.Println(styles.Muted.Render("   " + strings.Repeat("-", 40)))
		}

		icon := styles.Success.Render("✓")
		switch check.Status {
		case checkWarn:
			icon = styles.Warning.Render("!")
		case checkError:
			icon = styles.Error.Render("✗")
		}

		status := fmt.Sprintf("%s %s: %s", icon, check.ID, check.Name)
		if check.IssueCount > 0 {
			status += fmt.Sprintf(" (%d issues)", check.IssueCount)
		}
		r.Println("   " + status)

		for i, detail := range check.Details {
			if i >= 3 {
				r.Println(styles.Muted.Render(fmt.Sprintf("       ... and %d more", len(check.Details)-3)))
				break
			}
			r.Println(styles.Muted.Render("       - " + detail))
		}
	}
	r.Println("")

	r.Println(styles.Muted.Render(strings.Repeat("=", 55)))
	scoreStyle := styles.Success
	if out.Score < 70 {
		scoreStyle = styles.Warning
	}
	if out.Score < 50 {
		scoreStyle = styles.Error
	}
	r.Printf("   Health Score: %s\n", scoreStyle.Render(fmt.Sprintf("%d/100", out.Score)))
	r.Println("")

	if len(out.Recommendations) > 0 {
		r.Header("Recommendations")
		for i, rec := range out.Recommendations {
			r.Printf("   %d. %s\n", i+1, rec)
		}
		r.Println("")
	}
}
