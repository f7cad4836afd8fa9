package tracker

// Stage is the processing step of an order. Values are persisted
// verbatim in the imports table (and predate this service), so they
// must not be renamed.
type Stage string

const (
	StagePending   Stage = "Import Pending"
	StageStarted   Stage = "Import Started"
	StageCompleted Stage = "Import Completed"
	StageFailed    Stage = "Import Failed"
)

// transitions is the stage machine: producers insert Pending rows, the
// poller claims Pending -> Started, workers finish Started -> terminal.
// Terminal stages are never transitioned out of; re-processing requires
// the producer to insert a fresh Pending row.
var transitions = map[Stage][]Stage{
	StagePending: {StageStarted},
	StageStarted: {StageCompleted, StageFailed},
}

func (s Stage) String() string {
	return string(s)
}

// Terminal reports whether the stage ends an order's lifecycle.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Valid reports whether the stage is one of the known literals.
func (s Stage) Valid() bool {
	switch s {
	case StagePending, StageStarted, StageCompleted, StageFailed:
		return true
	}
	return false
}

// CanTransition reports whether an order currently at 'from' may have
// a 'to' event appended.
func CanTransition(from Stage, to Stage) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
