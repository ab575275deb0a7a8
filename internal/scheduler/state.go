package scheduler

// State represents where a task is in its lifecycle.
type State int32

const (
	StateInitialized          State = iota // Constructed, not yet admitted
	StatePending                           // Admitted, waiting for dependencies and exclusivity
	StateEvaluatingConditions              // Running attached conditions
	StateReady                             // Waiting for a worker slot
	StateExecuting                         // Body is running
	StateFinishing                         // Finish won, observers being notified
	StateFinished                          // Terminal
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StatePending:
		return "pending"
	case StateEvaluatingConditions:
		return "evaluating-conditions"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateFinishing:
		return "finishing"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}
