package domain

// RunStatus is the job service's run lifecycle state.
type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunExpired    RunStatus = "expired"
	RunCancelled  RunStatus = "cancelled"
)

// Terminal reports whether no further status transition can occur.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunExpired, RunCancelled:
		return true
	}
	return false
}
