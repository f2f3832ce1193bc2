package swarm

import "errors"

var (
	ErrCapacityExceeded    = errors.New("agent capacity exceeded")
	ErrAgentNotFound       = errors.New("agent not found")
	ErrDuplicateAgent      = errors.New("agent id already used")
	ErrAgentInitFailed     = errors.New("agent initialization failed")
	ErrAgentUnreachable    = errors.New("agent unreachable")
	ErrTaskNotFound        = errors.New("task not found")
	ErrDuplicateTask       = errors.New("task id already used")
	ErrUnknownDependency   = errors.New("unknown task dependency")
	ErrTaskCompleted       = errors.New("task already completed")
	ErrTaskComposite       = errors.New("composite task cannot be assigned")
	ErrTaskExecutionFailed = errors.New("task execution failed")
	ErrClosed              = errors.New("coordinator closed")
)
