package reconcile

import "github.com/smallbiznis/paysync/internal/payment/domain"

const (
	ReasonApplied    = "applied"
	ReasonTerminal   = "terminal"
	ReasonNotForward = "not_forward"
	ReasonUnmapped   = "unmapped_status"
	ReasonStale      = "stale"
)

// Decision is the result of Transition. Reason is set for ignored reports.
type Decision struct {
	Apply  bool
	Reason string
}

var severity = map[domain.OrderStatus]int{
	domain.StatusPending:   0,
	domain.StatusFailed:    1,
	domain.StatusCanceled:  2,
	domain.StatusCompleted: 3,
}

// Transition decides whether a reported provider status may move an order
// out of its current status. Terminal states never change and reports only
// ever move an order forward in severity.
func Transition(current, reported domain.OrderStatus) Decision {
	if !reported.Valid() {
		return Decision{Reason: ReasonUnmapped}
	}
	if current.Terminal() {
		return Decision{Reason: ReasonTerminal}
	}
	if severity[reported] <= severity[current] {
		return Decision{Reason: ReasonNotForward}
	}
	return Decision{Apply: true, Reason: ReasonApplied}
}
