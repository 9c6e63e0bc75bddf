// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lifecycle holds the topics and payloads exchanged over the
// in-process hub: task lifecycle events from the engine and sweep
// summaries from the house keeper. Handlers receive the payload as a
// pointer and must not mutate it.
package lifecycle

// Task results carried by TaskEvent.
const (
	ResultSuccess   = "success"
	ResultFailed    = "failed"
	ResultCancelled = "cancelled"
)

const (
	// TaskStartedTopic is published once a task's descriptors are
	// attached and its routine has been spawned.
	TaskStartedTopic = "task.started"

	// TaskDoneTopic is published after a task's on-done hook has run.
	// A uuid-scoped variant (see TaskDoneTopicFor) fires alongside it
	// for waiters on one specific task.
	TaskDoneTopic = "task.done"

	// SweepTopic is published after every house keeper pass.
	SweepTopic = "housekeeper.sweep"
)

// TaskDoneTopicFor returns the completion topic scoped to one task.
func TaskDoneTopicFor(uuid string) string {
	return TaskDoneTopic + "." + uuid
}

// TaskEvent describes a task starting or finishing. Machines holds
// the magics of the machines the task owned when the event fired.
type TaskEvent struct {
	UUID     string
	Kind     string
	Result   string
	Error    string
	Machines []string
}

// SweepEvent summarises one house keeper pass.
type SweepEvent struct {
	Expired int
	Dead    int
}
