package domain

import "time"

// SimulatorStatus is the lifecycle state of a simulator pod
type SimulatorStatus string

const (
	SimulatorCreating SimulatorStatus = "CREATING"
	SimulatorStarting SimulatorStatus = "STARTING"
	SimulatorRunning  SimulatorStatus = "RUNNING"
	SimulatorStopping SimulatorStatus = "STOPPING"
	SimulatorStopped  SimulatorStatus = "STOPPED"
	SimulatorError    SimulatorStatus = "ERROR"
)

var simulatorTransitions = map[SimulatorStatus][]SimulatorStatus{
	SimulatorCreating: {SimulatorStarting, SimulatorError},
	SimulatorStarting: {SimulatorRunning, SimulatorStopping, SimulatorError},
	SimulatorRunning:  {SimulatorStopping, SimulatorError},
	SimulatorStopping: {SimulatorStopped, SimulatorError},
	SimulatorStopped:  {},
	SimulatorError:    {},
}

// CanTransition reports whether a simulator may move from one status to another
func (s SimulatorStatus) CanTransition(to SimulatorStatus) bool {
	if to == SimulatorError {
		return s != SimulatorError && s != SimulatorStopped
	}
	for _, allowed := range simulatorTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the simulator record is finished
func (s SimulatorStatus) Terminal() bool {
	return s == SimulatorStopped || s == SimulatorError
}

// Simulator is the engine instance record. session_id is 1:1 with the
// session while the session is ACTIVE.
type Simulator struct {
	SimulatorID       string          `json:"simulator_id"`
	SessionID         string          `json:"session_id"`
	UserID            string          `json:"user_id"`
	Endpoint          string          `json:"endpoint"`
	Status            SimulatorStatus `json:"status"`
	TerminationReason string          `json:"termination_reason,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	LastActive        time.Time       `json:"last_active"`
}
