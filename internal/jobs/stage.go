package jobs

import "remote-index-builder/pkg/api"

type Stage string

const (
	StageAccepted    Stage = "Accepted"
	StageReserving   Stage = "Reserving"
	StageDownloading Stage = "Downloading"
	StageValidating  Stage = "Validating"
	StageBuilding    Stage = "Building"
	StageSerializing Stage = "Serializing"
	StageUploading   Stage = "Uploading"
	StageSucceeded   Stage = "Succeeded"
	StageFailed      Stage = "Failed"
)

var stageOrder = map[Stage]int{
	StageAccepted:    0,
	StageReserving:   1,
	StageDownloading: 2,
	StageValidating:  3,
	StageBuilding:    4,
	StageSerializing: 5,
	StageUploading:   6,
	StageSucceeded:   7,
}

func (s Stage) IsTerminal() bool {
	return s == StageSucceeded || s == StageFailed
}

func (s Stage) Valid() bool {
	_, ok := stageOrder[s]
	return ok || s == StageFailed
}

// canTransition reports whether from -> to is an edge of the job state
// machine: one step forward, or to Failed from any non-terminal stage.
func canTransition(from, to Stage) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StageFailed {
		return true
	}
	return stageOrder[to] == stageOrder[from]+1
}

func (s Stage) TaskStatus() string {
	switch s {
	case StageSucceeded:
		return api.TaskCompleted
	case StageFailed:
		return api.TaskFailed
	default:
		return api.TaskRunning
	}
}
