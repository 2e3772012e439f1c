package backend

import "time"

// RefreshResponse is the backend's answer to a privileged token refresh.
type RefreshResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

// Project is a backend project as seen by the staleness check.
type Project struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	LastUpdate time.Time `json:"lastUpdate"`
}

// MorningBriefing aggregates the backend's overdue-action digest.
type MorningBriefing struct {
	OverdueActions []OverdueAction `json:"overdueActions"`
	Summary        string          `json:"summary,omitempty"`
}

// OverdueAction is one overdue item from the morning briefing.
type OverdueAction struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	DueDate string `json:"dueDate"`
	Project string `json:"project,omitempty"`
}

// Goal is a backend goal with progress tracking.
type Goal struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	DaysRemaining int     `json:"daysRemaining"`
	Progress      float64 `json:"progress"`
}

// AtRisk reports whether a goal is close to its deadline with low progress.
func (g Goal) AtRisk() bool {
	return g.DaysRemaining > 0 && g.DaysRemaining <= 14 && g.Progress < 50
}

// Sprint is the backend's active sprint, if any.
type Sprint struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RiskSignal is one sprint risk signal.
type RiskSignal struct {
	ID       string `json:"id"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Severe reports whether the signal is worth pushing to a user.
func (s RiskSignal) Severe() bool {
	return s.Severity == "high" || s.Severity == "critical"
}
