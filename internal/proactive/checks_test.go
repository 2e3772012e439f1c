package proactive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentgate/internal/backend"
)

// fakeBackend lets each check be primed with data or a failure.
type fakeBackend struct {
	projects    []backend.Project
	projectsErr error
	briefing    *backend.MorningBriefing
	briefingErr error
	goals       []backend.Goal
	goalsErr    error
	sprint      *backend.Sprint
	sprintErr   error
	signals     []backend.RiskSignal
	signalsErr  error
}

func (f *fakeBackend) ActiveProjects(ctx context.Context, token string) ([]backend.Project, error) {
	return f.projects, f.projectsErr
}

func (f *fakeBackend) MorningBriefing(ctx context.Context, token string) (*backend.MorningBriefing, error) {
	return f.briefing, f.briefingErr
}

func (f *fakeBackend) Goals(ctx context.Context, token string) ([]backend.Goal, error) {
	return f.goals, f.goalsErr
}

func (f *fakeBackend) ActiveSprint(ctx context.Context, token string) (*backend.Sprint, error) {
	return f.sprint, f.sprintErr
}

func (f *fakeBackend) SprintRiskSignals(ctx context.Context, token, sprintID string) ([]backend.RiskSignal, error) {
	return f.signals, f.signalsErr
}

func TestRunChecksAllHealthy(t *testing.T) {
	now := time.Now()
	be := &fakeBackend{
		projects: []backend.Project{
			{Name: "fresh", Status: "active", LastUpdate: now.Add(-24 * time.Hour)},
			{Name: "stale", Status: "active", LastUpdate: now.Add(-8 * 24 * time.Hour)},
			{Name: "paused", Status: "paused", LastUpdate: now.Add(-30 * 24 * time.Hour)},
		},
		briefing: &backend.MorningBriefing{
			OverdueActions: []backend.OverdueAction{{Title: "file taxes"}},
		},
		goals: []backend.Goal{
			{Title: "on track", DaysRemaining: 10, Progress: 80},
			{Title: "slipping", DaysRemaining: 10, Progress: 30},
			{Title: "expired", DaysRemaining: 0, Progress: 10},
		},
		sprint: &backend.Sprint{ID: "sp-1"},
		signals: []backend.RiskSignal{
			{Severity: "low", Message: "minor"},
			{Severity: "critical", Message: "scope blown"},
		},
	}

	res := runChecks(context.Background(), be, "u1", "tok", now)

	require.Empty(t, res.Failed)
	require.Len(t, res.StaleProjects, 1)
	assert.Equal(t, "stale", res.StaleProjects[0].Name)
	require.Len(t, res.OverdueActions, 1)
	require.Len(t, res.AtRiskGoals, 1)
	assert.Equal(t, "slipping", res.AtRiskGoals[0].Title)
	require.Len(t, res.SprintRisks, 1)
	assert.Equal(t, "critical", res.SprintRisks[0].Severity)
	assert.True(t, res.HasIssues())
}

func TestRunChecksFailureIsolation(t *testing.T) {
	now := time.Now()
	be := &fakeBackend{
		projectsErr: errors.New("boom"),
		briefing: &backend.MorningBriefing{
			OverdueActions: []backend.OverdueAction{{Title: "call dentist"}},
		},
		goals:  []backend.Goal{{Title: "slipping", DaysRemaining: 5, Progress: 10}},
		sprint: nil,
	}

	res := runChecks(context.Background(), be, "u1", "tok", now)

	assert.Equal(t, []string{"staleProjects"}, res.Failed)
	require.Len(t, res.OverdueActions, 1)
	require.Len(t, res.AtRiskGoals, 1)
	assert.True(t, res.HasIssues(), "a failed check must not suppress the digest")
}

func TestRunChecksNoActiveSprint(t *testing.T) {
	be := &fakeBackend{
		briefing:   &backend.MorningBriefing{},
		signalsErr: errors.New("must not be called"),
	}
	res := runChecks(context.Background(), be, "u1", "tok", time.Now())
	assert.Empty(t, res.Failed)
	assert.Empty(t, res.SprintRisks)
	assert.False(t, res.HasIssues())
}

func TestFormatDigestSections(t *testing.T) {
	res := CheckResult{
		OverdueActions: []backend.OverdueAction{{Title: "file taxes", DueDate: "2026-08-20"}},
		AtRiskGoals:    []backend.Goal{{Title: "ship v2", DaysRemaining: 9, Progress: 40}},
	}

	morning := FormatDigest(res, true)
	assert.Contains(t, morning, "Morning check-in")
	assert.Contains(t, morning, "file taxes")
	assert.Contains(t, morning, "due 2026-08-20")
	assert.Contains(t, morning, "40% done, 9 days left")
	assert.NotContains(t, morning, "Sprint risks")
	assert.NotContains(t, morning, "Projects")

	evening := FormatDigest(res, false)
	assert.Contains(t, evening, "Evening check-in")
}

func TestFormatBriefing(t *testing.T) {
	text := FormatBriefing(&backend.MorningBriefing{
		Summary: "Light day ahead.",
		OverdueActions: []backend.OverdueAction{
			{Title: "review PR", Project: "gateway", DueDate: "2026-08-25"},
		},
	})
	assert.Contains(t, text, "Good morning")
	assert.Contains(t, text, "Light day ahead.")
	assert.Contains(t, text, "review PR [gateway] (due 2026-08-25)")
}
