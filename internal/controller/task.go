package controller

import "github.com/mics-lab/orchestrator/internal/micsapi"

// reservedKeys route the task and identify the run. They are written last so
// protocol overrides cannot redirect a task to another pilot or rewrite its
// identifiers.
var reservedKeys = []string{
	"task_type", "step_name", "pilot", "subject", "session",
	"step", "current_trial", "run_id", "protocol_id",
}

// taskContext is everything beyond step params that a pilot needs to execute
// a step.
type taskContext struct {
	Run           *micsapi.Run
	ProtocolID    int
	PilotName     string
	Subject       string
	Subjects      []string
	StepIndex     int
	CurrentTrial  int
	ProgressIndex int
}

// buildTaskPayload folds a protocol step into a START payload: step params,
// then session context, then overrides (global first, step-specific second),
// then the reserved keys asserted on top.
func buildTaskPayload(step micsapi.ProtocolStep, tc taskContext) map[string]interface{} {
	payload := make(map[string]interface{}, len(step.Params)+len(reservedKeys)+2)
	for k, v := range step.Params {
		payload[k] = v
	}

	reserved := map[string]interface{}{
		"task_type":     step.TaskType,
		"step_name":     step.StepName,
		"pilot":         tc.PilotName,
		"subject":       tc.Subject,
		"session":       tc.Run.SessionID,
		"step":          tc.StepIndex,
		"current_trial": tc.CurrentTrial,
		"run_id":        tc.Run.ID,
		"protocol_id":   tc.ProtocolID,
	}
	for k, v := range reserved {
		payload[k] = v
	}
	payload["session_progress_index"] = tc.ProgressIndex
	payload["subjects"] = tc.Subjects

	if ov := tc.Run.Overrides; ov != nil {
		for k, v := range ov.Global {
			payload[k] = v
		}
		if tc.StepIndex < len(ov.Steps) {
			for k, v := range ov.Steps[tc.StepIndex] {
				payload[k] = v
			}
		}
		for _, k := range reservedKeys {
			payload[k] = reserved[k]
		}
	}
	return payload
}

// dedupeSubjects keeps the first occurrence of each subject, in order.
func dedupeSubjects(runs []micsapi.SubjectRun) []string {
	seen := make(map[string]struct{}, len(runs))
	subjects := make([]string, 0, len(runs))
	for _, sr := range runs {
		if sr.Subject == "" {
			continue
		}
		if _, ok := seen[sr.Subject]; ok {
			continue
		}
		seen[sr.Subject] = struct{}{}
		subjects = append(subjects, sr.Subject)
	}
	return subjects
}
