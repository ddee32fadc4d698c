package messaging

import (
	"context"
	"time"

	"remote-index-builder/pkg/api"
)

const (
	DefaultBuildQueue  = "build_queue"
	DefaultResultQueue = "build_results_queue"
	RetryDelay         = 5 * time.Second
	MaxConnectRetry    = 5
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	// Nack hands the task back to the queue for redelivery.
	Nack() error

	// Reject drops the task without redelivery.
	Reject() error
}

type Publisher interface {
	PublishBuildTask(ctx context.Context, payload api.BuildTaskPayload) error

	PublishBuildResult(ctx context.Context, payload api.BuildResultPayload) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}

type Queues struct {
	Build  string
	Result string
}

func DefaultQueues() Queues {
	return Queues{Build: DefaultBuildQueue, Result: DefaultResultQueue}
}
