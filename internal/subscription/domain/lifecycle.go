package domain

var transitions = map[Status][]Status{
	StatusPendingApproval: {StatusTrial, StatusActive, StatusCancelled},
	StatusTrial:           {StatusActive, StatusPastDue, StatusCancelled, StatusExpired},
	StatusActive:          {StatusPastDue, StatusCancelled, StatusExpired, StatusSuspended},
	StatusPastDue:         {StatusActive, StatusSuspended, StatusCancelled},
	StatusSuspended:       {StatusActive, StatusCancelled},
	StatusCancelled:       {StatusActive},
	StatusExpired:         {},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var processorStatuses = map[string]Status{
	"active":             StatusActive,
	"trialing":           StatusTrial,
	"past_due":           StatusPastDue,
	"canceled":           StatusCancelled,
	"unpaid":             StatusSuspended,
	"incomplete_expired": StatusExpired,
}

// MapProcessorStatus translates a processor subscription status. Statuses
// without a local meaning (incomplete, paused) report false.
func MapProcessorStatus(processorStatus string) (Status, bool) {
	status, ok := processorStatuses[processorStatus]
	return status, ok
}
