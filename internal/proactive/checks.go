// Package proactive runs the cron-driven sweeps that push daily briefings
// and risk digests to paired users.
package proactive

import (
	"context"
	"sync"
	"time"

	"agentgate/internal/backend"
	. "agentgate/internal/logging"
)

// staleAfter is how long an active project may go without an update before
// it shows up in the digest.
const staleAfter = 7 * 24 * time.Hour

// Backend is the slice of the backend client the checks consume.
type Backend interface {
	ActiveProjects(ctx context.Context, token string) ([]backend.Project, error)
	MorningBriefing(ctx context.Context, token string) (*backend.MorningBriefing, error)
	Goals(ctx context.Context, token string) ([]backend.Goal, error)
	ActiveSprint(ctx context.Context, token string) (*backend.Sprint, error)
	SprintRiskSignals(ctx context.Context, token, sprintID string) ([]backend.RiskSignal, error)
}

// CheckResult is the outcome of one user's sweep. Failed lists checks that
// errored; their sections are simply absent from the digest.
type CheckResult struct {
	StaleProjects  []backend.Project
	OverdueActions []backend.OverdueAction
	AtRiskGoals    []backend.Goal
	SprintRisks    []backend.RiskSignal
	Failed         []string
}

// HasIssues reports whether anything is worth pushing.
func (r CheckResult) HasIssues() bool {
	return len(r.StaleProjects) > 0 || len(r.OverdueActions) > 0 ||
		len(r.AtRiskGoals) > 0 || len(r.SprintRisks) > 0
}

// runChecks runs the four checks concurrently. A failing check never aborts
// the others; it is logged and recorded in Failed.
func runChecks(ctx context.Context, be Backend, userID, token string, now time.Time) CheckResult {
	var (
		res CheckResult
		mu  sync.Mutex
		wg  sync.WaitGroup
	)

	check := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				L_warn("proactive check failed", "userId", userID, "check", name, "error", err)
				mu.Lock()
				res.Failed = append(res.Failed, name)
				mu.Unlock()
			}
		}()
	}

	check("staleProjects", func() error {
		projects, err := be.ActiveProjects(ctx, token)
		if err != nil {
			return err
		}
		var stale []backend.Project
		for _, p := range projects {
			if p.Status == "active" && now.Sub(p.LastUpdate) > staleAfter {
				stale = append(stale, p)
			}
		}
		mu.Lock()
		res.StaleProjects = stale
		mu.Unlock()
		return nil
	})

	check("overdueActions", func() error {
		briefing, err := be.MorningBriefing(ctx, token)
		if err != nil {
			return err
		}
		mu.Lock()
		res.OverdueActions = briefing.OverdueActions
		mu.Unlock()
		return nil
	})

	check("atRiskGoals", func() error {
		goals, err := be.Goals(ctx, token)
		if err != nil {
			return err
		}
		var atRisk []backend.Goal
		for _, g := range goals {
			if g.AtRisk() {
				atRisk = append(atRisk, g)
			}
		}
		mu.Lock()
		res.AtRiskGoals = atRisk
		mu.Unlock()
		return nil
	})

	check("sprintRisks", func() error {
		sprint, err := be.ActiveSprint(ctx, token)
		if err != nil {
			return err
		}
		if sprint == nil {
			return nil
		}
		signals, err := be.SprintRiskSignals(ctx, token, sprint.ID)
		if err != nil {
			return err
		}
		var severe []backend.RiskSignal
		for _, sig := range signals {
			if sig.Severe() {
				severe = append(severe, sig)
			}
		}
		mu.Lock()
		res.SprintRisks = severe
		mu.Unlock()
		return nil
	})

	wg.Wait()
	return res
}
