package domain

// IsTerminal reports whether no further transition is possible from s.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskDelivered || s == TaskFailed
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskSent, TaskDelivered, TaskFailed:
		return true
	}
	return false
}

// CanTransition reports whether a task may move from one status to another.
// Transitions only move forward: PENDING -> SENT -> {DELIVERED, FAILED}, and
// PENDING -> FAILED when the handoff never happened.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case TaskPending:
		return to == TaskSent || to == TaskFailed
	case TaskSent:
		return to == TaskDelivered || to == TaskFailed
	default:
		return false
	}
}

// Aggregate derives a group task's status from its children's statuses.
// It is a pure function of the input so repeated calls agree.
func Aggregate(children []TaskStatus) AggregateStatus {
	if len(children) == 0 {
		return AggregatePending
	}
	var delivered, failed int
	for _, s := range children {
		switch s {
		case TaskDelivered:
			delivered++
		case TaskFailed:
			failed++
		default:
			return AggregatePending
		}
	}
	switch {
	case delivered == len(children):
		return AggregateSuccess
	case failed == len(children):
		return AggregateFailed
	default:
		return AggregatePartial
	}
}

func (s RunStatus) IsTerminal() bool {
	return s == RunSuccess || s == RunFailed
}
