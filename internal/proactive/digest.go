package proactive

import (
	"fmt"
	"strings"

	"agentgate/internal/backend"
)

// FormatDigest renders a check result as a Telegram-ready message. Only
// sections with content are emitted.
func FormatDigest(res CheckResult, morning bool) string {
	var b strings.Builder
	if morning {
		b.WriteString("☀️ Morning check-in\n")
	} else {
		b.WriteString("🌙 Evening check-in\n")
	}

	if len(res.OverdueActions) > 0 {
		b.WriteString(fmt.Sprintf("\n⏰ Overdue (%d):\n", len(res.OverdueActions)))
		for _, a := range res.OverdueActions {
			b.WriteString("• " + a.Title)
			if a.DueDate != "" {
				b.WriteString(" (due " + a.DueDate + ")")
			}
			b.WriteString("\n")
		}
	}

	if len(res.StaleProjects) > 0 {
		b.WriteString(fmt.Sprintf("\n📁 Projects with no update in over a week (%d):\n", len(res.StaleProjects)))
		for _, p := range res.StaleProjects {
			b.WriteString(fmt.Sprintf("• %s (last update %s)\n", p.Name, p.LastUpdate.Format("Jan 2")))
		}
	}

	if len(res.AtRiskGoals) > 0 {
		b.WriteString(fmt.Sprintf("\n🎯 Goals at risk (%d):\n", len(res.AtRiskGoals)))
		for _, g := range res.AtRiskGoals {
			b.WriteString(fmt.Sprintf("• %s - %.0f%% done, %d days left\n", g.Title, g.Progress, g.DaysRemaining))
		}
	}

	if len(res.SprintRisks) > 0 {
		b.WriteString(fmt.Sprintf("\n🚨 Sprint risks (%d):\n", len(res.SprintRisks)))
		for _, sig := range res.SprintRisks {
			b.WriteString(fmt.Sprintf("• [%s] %s\n", sig.Severity, sig.Message))
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// FormatBriefing renders the WhatsApp morning briefing pushed to connected
// session owners.
func FormatBriefing(briefing *backend.MorningBriefing) string {
	var b strings.Builder
	b.WriteString("☀️ Good morning! Here's your briefing.\n")
	if briefing.Summary != "" {
		b.WriteString("\n" + briefing.Summary + "\n")
	}
	if len(briefing.OverdueActions) > 0 {
		b.WriteString(fmt.Sprintf("\n⏰ Overdue (%d):\n", len(briefing.OverdueActions)))
		for _, a := range briefing.OverdueActions {
			b.WriteString("• " + a.Title)
			if a.Project != "" {
				b.WriteString(" [" + a.Project + "]")
			}
			if a.DueDate != "" {
				b.WriteString(" (due " + a.DueDate + ")")
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
