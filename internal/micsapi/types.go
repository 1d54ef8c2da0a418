package micsapi

// Run is a session-run row as the backend reports it. Status is one of
// pending, running, stopped, completed, error.
type Run struct {
	ID              int        `json:"id"`
	SessionID       int        `json:"session_id"`
	PilotID         int        `json:"pilot_id"`
	SubjectKey      string     `json:"subject_key"`
	Status          string     `json:"status"`
	Mode            string     `json:"mode,omitempty"`
	Overrides       *Overrides `json:"overrides,omitempty"`
	SessionRunIndex int        `json:"session_run_index,omitempty"`
	StartedAt       string     `json:"started_at,omitempty"`
	EndedAt         string     `json:"ended_at,omitempty"`
	ErrorType       string     `json:"error_type,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
}

// Run status values.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusStopped   = "stopped"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Run start modes.
const (
	ModeNew     = "new"
	ModeResume  = "resume"
	ModeRestart = "restart"
)

// Overrides lets a run replace step parameters: Global applies to every
// step, Steps[i] to step i only.
type Overrides struct {
	Global map[string]interface{}   `json:"global,omitempty"`
	Steps  []map[string]interface{} `json:"steps,omitempty"`
}

// Progress is the backend's per-run step/trial bookkeeping. CurrentStep is a
// pointer so a missing progress row is distinguishable from step zero.
type Progress struct {
	CurrentStep          *int                   `json:"current_step"`
	CurrentTrial         int                    `json:"current_trial"`
	GraduationType       string                 `json:"graduation_type,omitempty"`
	GraduationParams     map[string]interface{} `json:"graduation_params,omitempty"`
	SessionProgressIndex int                    `json:"session_progress_index"`
}

// RunWithProgress is the combined read used for resume decisions.
type RunWithProgress struct {
	Run
	Progress *Progress `json:"progress"`
}

// TrialResult is the backend's answer to a trial increment.
type TrialResult struct {
	ShouldGraduate bool `json:"should_graduate"`
	CurrentTrial   int  `json:"current_trial"`
	CurrentStep    int  `json:"current_step"`
}

// AdvanceResult is the backend's answer to a step advance.
type AdvanceResult struct {
	Finished    bool                   `json:"finished"`
	CurrentStep int                    `json:"current_step"`
	Graduation  map[string]interface{} `json:"graduation,omitempty"`
}

// Pilot is a pilot directory row.
type Pilot struct {
	ID    int                    `json:"id"`
	Name  string                 `json:"name"`
	IP    string                 `json:"ip,omitempty"`
	Prefs map[string]interface{} `json:"prefs,omitempty"`
}

// ProtocolStep is one step of a protocol. Params is opaque to the
// orchestrator apart from the optional graduation rule inside it.
type ProtocolStep struct {
	OrderIndex int                    `json:"order_index"`
	StepName   string                 `json:"step_name"`
	TaskType   string                 `json:"task_type"`
	Params     map[string]interface{} `json:"params,omitempty"`
}

// Protocol is an ordered sequence of task steps.
type Protocol struct {
	ID    int            `json:"id"`
	Name  string         `json:"name,omitempty"`
	Steps []ProtocolStep `json:"steps"`
}

// SubjectRun binds a subject to a protocol within a session.
type SubjectRun struct {
	ID         int    `json:"id"`
	ProtocolID int    `json:"protocol_id"`
	Subject    string `json:"subject"`
}
