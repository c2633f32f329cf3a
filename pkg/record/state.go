package record

// transitions is the set of valid status transitions. A status missing from
// the map is terminal.
var transitions = map[Status][]Status{
	StatusCreated: {StatusQueued, StatusCancelled},
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a valid lifecycle transition.
// Self-transitions are not valid; use them as a signal the caller should
// treat the operation as a no-op instead.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
