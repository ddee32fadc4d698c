package api

// BuildTaskPayload is the message body consumed from the build queue.
type BuildTaskPayload struct {
	Request BuildRequest `json:"request"`
}

// BuildResultPayload is published once the job for a BuildTaskPayload reaches
// a terminal stage.
type BuildResultPayload struct {
	JobId     string    `json:"job_id"`
	Status    string    `json:"task_status"`
	IndexPath string    `json:"index_path,omitempty"`
	Error     *JobError `json:"error,omitempty"`
}
