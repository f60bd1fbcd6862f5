package experiments

import (
	"fmt"
	"strings"
)

const (
	// ExperimentPrefix starts the name of every experiment created for a fine-tuning session.
	ExperimentPrefix = "Fine tuning session"
	// InitialExperimentName is the reserved session holding the initial model.
	InitialExperimentName = ExperimentPrefix + " / initial"
	// InitialRunName is the run of InitialExperimentName the initial model is uploaded to.
	InitialRunName = "initial_model"
)

// FineTuningSession identifies one fine-tuning campaign over a fixed dataset and configuration.
type FineTuningSession struct {
	ID string
}

// String is the name of the session's experiment.
func (s FineTuningSession) String() string {
	return fmt.Sprintf("%s / %s", ExperimentPrefix, s.ID)
}

// Params are logged to every run of the session.
func (s FineTuningSession) Params() []Param {
	return []Param{{Key: "session_id", Value: s.ID}}
}

// isSessionName returns true for experiments created for fine-tuning sessions.
func isSessionName(name string) bool {
	return strings.HasPrefix(name, ExperimentPrefix)
}
