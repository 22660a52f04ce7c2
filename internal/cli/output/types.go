package output

// DAGOutput is the JSON form of a pipeline's execution levels.
type DAGOutput struct {
	Levels     []DAGLevel `json:"levels"`
	TotalTasks int        `json:"total_tasks"`
	TotalEdges int        `json:"total_edges"`
}

// DAGLevel is a set of tasks that may run at the same time.
type DAGLevel struct {
	Level int       `json:"level"`
	Tasks []DAGNode `json:"tasks"`
}

// DAGNode is one task with its neighbours.
type DAGNode struct {
	Name      string   `json:"name"`
	DependsOn []string `json:"depends_on,omitempty"`
	UsedBy    []string `json:"used_by,omitempty"`
}

// TaskEvent reports the outcome of one task.
type TaskEvent struct {
	Name     string `json:"name"`
	Command  string `json:"command,omitempty"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Duration string `json:"duration,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RunSummary closes a pipeline run.
type RunSummary struct {
	RunID  string         `json:"run_id,omitempty"`
	Counts map[string]int `json:"counts"`
	Failed []string       `json:"failed,omitempty"`
}

// RunInfo is one recorded run.
type RunInfo struct {
	ID          string      `json:"id"`
	Kind        string      `json:"kind"`
	Status      string      `json:"status"`
	StartedAt   string      `json:"started_at"`
	CompletedAt string      `json:"completed_at,omitempty"`
	Error       string      `json:"error,omitempty"`
	Tasks       []TaskEvent `json:"tasks,omitempty"`
}

// GenerateResult lists the files a buildbot command wrote or found stale.
type GenerateResult struct {
	Written  []string `json:"written,omitempty"`
	Outdated []string `json:"outdated,omitempty"`
}
