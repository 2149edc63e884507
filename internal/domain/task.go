package domain

import appErrors "github.com/zhangjihua396/sibyl-sub003/pkg/errors"

// TaskStatus is the task workflow state. Tasks use "doing" where epics
// use "in_progress"; the enums stay distinct.
type TaskStatus string

const (
	TaskTodo      TaskStatus = "todo"
	TaskDoing     TaskStatus = "doing"
	TaskReview    TaskStatus = "review"
	TaskDone      TaskStatus = "done"
	TaskBlocked   TaskStatus = "blocked"
	TaskCancelled TaskStatus = "cancelled"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskTodo:      {TaskDoing, TaskBlocked, TaskCancelled},
	TaskDoing:     {TaskReview, TaskTodo, TaskBlocked, TaskCancelled},
	TaskReview:    {TaskDone, TaskDoing, TaskBlocked, TaskCancelled},
	TaskDone:      {},
	TaskBlocked:   {TaskTodo, TaskDoing, TaskReview, TaskCancelled},
	TaskCancelled: {},
}

// IsValidTaskStatus reports whether s names a known task status.
func IsValidTaskStatus(s TaskStatus) bool {
	_, ok := taskTransitions[s]
	return ok
}

// AllowedTaskTransitions returns the states reachable from s.
func AllowedTaskTransitions(s TaskStatus) []TaskStatus {
	allowed := taskTransitions[s]
	out := make([]TaskStatus, len(allowed))
	copy(out, allowed)
	return out
}

// TransitionTask validates the move from one task status to another.
// Rejections enumerate the allowed next states.
func TransitionTask(from, to TaskStatus) error {
	if !IsValidTaskStatus(from) {
		return appErrors.NewValidationf("unknown task status %q", from)
	}
	if !IsValidTaskStatus(to) {
		return appErrors.NewValidationf("unknown task status %q", to)
	}
	for _, s := range taskTransitions[from] {
		if s == to {
			return nil
		}
	}
	allowed := taskTransitions[from]
	names := make([]string, len(allowed))
	for i, s := range allowed {
		names[i] = string(s)
	}
	return appErrors.NewInvalidTransition(string(from), string(to), names)
}

// EpicStatus is the epic workflow state.
type EpicStatus string

const (
	EpicPlanned    EpicStatus = "planned"
	EpicInProgress EpicStatus = "in_progress"
	EpicDone       EpicStatus = "done"
	EpicCancelled  EpicStatus = "cancelled"
)

var epicTransitions = map[EpicStatus][]EpicStatus{
	EpicPlanned:    {EpicInProgress, EpicCancelled},
	EpicInProgress: {EpicDone, EpicCancelled},
	EpicDone:       {},
	EpicCancelled:  {},
}

// IsValidEpicStatus reports whether s names a known epic status.
func IsValidEpicStatus(s EpicStatus) bool {
	_, ok := epicTransitions[s]
	return ok
}

// AllowedEpicTransitions returns the states reachable from s.
func AllowedEpicTransitions(s EpicStatus) []EpicStatus {
	allowed := epicTransitions[s]
	out := make([]EpicStatus, len(allowed))
	copy(out, allowed)
	return out
}

// TransitionEpic validates the move from one epic status to another.
func TransitionEpic(from, to EpicStatus) error {
	if !IsValidEpicStatus(from) {
		return appErrors.NewValidationf("unknown epic status %q", from)
	}
	if !IsValidEpicStatus(to) {
		return appErrors.NewValidationf("unknown epic status %q", to)
	}
	for _, s := range epicTransitions[from] {
		if s == to {
			return nil
		}
	}
	allowed := epicTransitions[from]
	names := make([]string, len(allowed))
	for i, s := range allowed {
		names[i] = string(s)
	}
	return appErrors.NewInvalidTransition(string(from), string(to), names)
}
