// Package notify delivers claim outcomes to operators over email and
// Telegram. Both notifiers consume events from the outcome bridge; delivery
// is best-effort and never blocks the worker.
package notify

import (
	"fmt"
	"time"

	"claim_engine/internal/model"
)

func statusLabel(s model.OutcomeStatus) string {
	switch s {
	case model.OutcomeClaimed:
		return "claimed"
	case model.OutcomeFailed:
		return "claim failed"
	case model.OutcomeAuthStuck:
		return "authentication stuck"
	default:
		return string(s)
	}
}

func amountLabel(ev model.OutcomeEvent) string {
	if ev.Amount == nil {
		return "?"
	}
	return ev.Amount.String() + " RUB"
}

// formatOutcome renders one event as a short operator-facing line.
func formatOutcome(ev model.OutcomeEvent) string {
	at := time.UnixMilli(ev.AtMs).Format("15:04:05")
	if ev.Status == model.OutcomeAuthStuck {
		return fmt.Sprintf("[%s] authentication stuck after %d attempts, check credentials", at, ev.Failures)
	}
	return fmt.Sprintf("[%s] %s: %s (%s)", at, statusLabel(ev.Status), ev.Slug, amountLabel(ev))
}
