package notify

import "strings"

// Priority buckets for outbound alerts. Critical bypasses throttling; low
// always lands in the digest.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// criticalEvents always page, regardless of user throttle settings.
var criticalEvents = map[string]bool{
	"risk.circuit_breaker": true,
	"venue.unreachable":    true,
}

// highEvents are important but throttleable.
var highEvents = map[string]bool{
	"trade.rejected":   true,
	"bot.state_change": true,
	"trade.fill_error": true,
}

// ScorePriority classifies an outbound event by its name and payload.
func ScorePriority(event string, data map[string]any) Priority {
	if criticalEvents[event] {
		return PriorityCritical
	}
	if highEvents[event] {
		return PriorityHigh
	}

	if strings.HasPrefix(event, "trade.") {
		pnl := num(data, "pnl_usd")
		amount := num(data, "amount_usd")
		if amount == 0 {
			amount = num(data, "amount")
		}
		if pnl > 50 || pnl < -50 || amount > 100 {
			return PriorityHigh
		}
		if event == "trade.closed" && pnl < -20 {
			return PriorityHigh
		}
		return PriorityMedium
	}

	if strings.HasPrefix(event, "signal.") {
		edge := num(data, "edge")
		confidence := num(data, "confidence")
		if edge > 0.15 {
			return PriorityHigh
		}
		if confidence > 80 && edge > 0.08 {
			return PriorityHigh
		}
		if confidence < 40 || edge < 0.03 {
			return PriorityLow
		}
		return PriorityMedium
	}

	return PriorityMedium
}

// multiplier scales a user's max_alerts_per_hour for a given priority. A
// negative value means unlimited; zero means digest-only.
func multiplier(p Priority) int {
	switch p {
	case PriorityCritical:
		return -1
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

func num(data map[string]any, key string) float64 {
	switch v := data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
