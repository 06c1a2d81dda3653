package hsm

import "courier/internal/model"

var workerTransitions = map[model.WorkerState]map[model.WorkerState]bool{
	model.WorkerStateStopped: {
		model.WorkerStateStarting: true,
	},
	model.WorkerStateStarting: {
		model.WorkerStateRunning:      true,
		model.WorkerStateRestarting:   true,
		model.WorkerStateFatal:        true,
		model.WorkerStateShuttingDown: true,
	},
	model.WorkerStateRunning: {
		model.WorkerStateRestarting:   true,
		model.WorkerStateFatal:        true,
		model.WorkerStateShuttingDown: true,
	},
	model.WorkerStateRestarting: {
		model.WorkerStateStarting:     true,
		model.WorkerStateRunning:      true,
		model.WorkerStateFatal:        true,
		model.WorkerStateShuttingDown: true,
	},
	model.WorkerStateShuttingDown: {
		model.WorkerStateStopped: true,
	},
	model.WorkerStateFatal: {
		model.WorkerStateStarting:     true,
		model.WorkerStateShuttingDown: true,
	},
}

var taskTransitions = map[model.TaskStatus]map[model.TaskStatus]bool{
	model.TaskStatusActive: {
		model.TaskStatusPaused:    true,
		model.TaskStatusCompleted: true,
	},
	model.TaskStatusPaused: {
		model.TaskStatusActive: true,
	},
}

var subagentTransitions = map[model.SubagentState]map[model.SubagentState]bool{
	model.SubagentStateRunning: {
		model.SubagentStateCompleted: true,
		model.SubagentStateCancelled: true,
		model.SubagentStateFailed:    true,
	},
}

func CanTransitionWorker(from model.WorkerState, to model.WorkerState) bool {
	if from == to {
		return true
	}
	return workerTransitions[from][to]
}

func CanTransitionTask(from model.TaskStatus, to model.TaskStatus) bool {
	if from == to {
		return true
	}
	return taskTransitions[from][to]
}

func CanTransitionSubagent(from model.SubagentState, to model.SubagentState) bool {
	if from == to {
		return true
	}
	return subagentTransitions[from][to]
}
