package builder

import "fmt"

type Stage string

const (
	StageTraining  Stage = "training"
	StageAdd       Stage = "add"
	StageSerialize Stage = "serialize"
)

// BuildError is a failure inside the engine, tagged with the sub-stage it
// happened in.
type BuildError struct {
	Stage  Stage
	Engine string
	Err    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%s engine failed during %s: %v", e.Engine, e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// PanicError wraps a panic raised from inside an engine call.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
