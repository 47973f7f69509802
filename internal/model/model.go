package model

import "time"

// Worker status constants.
const (
	WorkerProvisioning = "provisioning"
	WorkerStarting     = "starting"
	WorkerSSHReady     = "ssh_ready"
	WorkerProxyReady   = "proxy_ready"
	WorkerRunning      = "running"
	WorkerStopping     = "stopping"
	WorkerStopped      = "stopped"
)

// Job state constants.
const (
	JobRunning = "running"
	JobDone    = "done"
)

// validWorkerTransitions maps each worker status to the set of statuses it may
// transition to. Stopping is reachable from any active status because a
// dismantle can interrupt a worker at any point of its bring-up.
var validWorkerTransitions = map[string]map[string]bool{
	WorkerProvisioning: {
		WorkerStarting: true,
		WorkerStopping: true,
	},
	WorkerStarting: {
		WorkerSSHReady: true,
		WorkerStopping: true,
	},
	WorkerSSHReady: {
		WorkerProxyReady: true,
		WorkerStopping:   true,
	},
	WorkerProxyReady: {
		WorkerRunning:  true,
		WorkerStopping: true,
	},
	WorkerRunning: {
		WorkerStopping: true,
	},
	WorkerStopping: {
		WorkerStopped: true,
	},
}

// ValidWorkerTransition reports whether moving a worker from one status to
// another is allowed.
func ValidWorkerTransition(from, to string) bool {
	targets, ok := validWorkerTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Worker represents a provisioned compute instance owned by the fleet.
// The fleet controller is the only writer; all mutation happens while holding
// the fleet lock.
type Worker struct {
	Name       string `json:"name"`
	InstanceID string `json:"instance_id"`
	IP         string `json:"ip_address"`
	Status     string `json:"status"`

	// DeleteOnDismantle is false only for the instance hosting the control
	// plane itself, which must survive fleet teardown.
	DeleteOnDismantle bool `json:"delete_on_dismantle"`
}

// Job records one logical submission tracked by the control plane.
type Job struct {
	JobKey       string     `json:"job_key"`
	ExecutorID   string     `json:"executor_id"`
	JobID        string     `json:"job_id"`
	ActivationID string     `json:"activation_id"`
	State        string     `json:"state"`
	TotalCalls   int        `json:"total_calls"`
	ChunkSize    int        `json:"chunk_size"`
	CreatedAt    time.Time  `json:"created_at"`
	DoneAt       *time.Time `json:"done_at,omitempty"`
}
