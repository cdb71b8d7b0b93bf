package api

import "strings"

// v0 contains the public types shared by the CLI, the control API and event subscribers.

// Operation is the closed set of file operations a task can carry.
type Operation string

const (
	OpUpload   Operation = "UPLOAD"
	OpDownload Operation = "DOWNLOAD"
	OpDelete   Operation = "DELETE"
	OpRead     Operation = "READ"
	OpWrite    Operation = "WRITE"
)

// Operations lists every valid operation kind.
var Operations = []Operation{OpUpload, OpDownload, OpDelete, OpRead, OpWrite}

// ParseOperation maps a case-insensitive name onto an Operation.
func ParseOperation(s string) (Operation, bool) {
	op := Operation(strings.ToUpper(strings.TrimSpace(s)))
	switch op {
	case OpUpload, OpDownload, OpDelete, OpRead, OpWrite:
		return op, true
	}
	return "", false
}

type TaskState string

const (
	TaskWaiting    TaskState = "WAITING"
	TaskProcessing TaskState = "PROCESSING"
	TaskCompleted  TaskState = "COMPLETED"
	TaskError      TaskState = "ERROR"
)

// Terminal reports whether no transition can leave the state.
func (s TaskState) Terminal() bool { return s == TaskCompleted || s == TaskError }

// Topic names a status propagation channel.
type Topic string

const (
	TopicWaiting    Topic = "task/waiting"
	TopicProcessing Topic = "task/processing"
	TopicCompleted  Topic = "task/completed"
	TopicFailed     Topic = "task/failed"
	TopicRetry      Topic = "task/retry"
)

// Topics lists every status topic.
var Topics = []Topic{TopicWaiting, TopicProcessing, TopicCompleted, TopicFailed, TopicRetry}

// StatusEvent is the payload published on every status topic.
type StatusEvent struct {
	Topic     Topic  `json:"-"`
	TaskID    string `json:"taskId"`
	Operation string `json:"operation"`
	Filename  string `json:"filename"`
	Timestamp int64  `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}

// SubmitRequest is the control API body for POST /v0/tasks. LocalPath is
// only honoured in-process; the HTTP API rejects it and takes UPLOAD and
// WRITE payloads from Content.
type SubmitRequest struct {
	Operation string `json:"operation"`
	Filename  string `json:"filename"`
	LocalPath string `json:"local_path,omitempty"`
	Content   string `json:"content,omitempty"`
	User      string `json:"user,omitempty"`
}

type SubmitResponse struct {
	TaskID string `json:"task_id"`
}

// TaskView is the externally visible state of a task.
type TaskView struct {
	ID        string    `json:"id"`
	Operation Operation `json:"operation"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	State     TaskState `json:"state"`
	Worker    string    `json:"worker,omitempty"`
	Retries   int       `json:"retries"`
	Error     string    `json:"error,omitempty"`
	CreatedAt int64     `json:"created_at"`
	ChangedAt int64     `json:"changed_at"`
}

type WorkerView struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Status   string `json:"status"`
	Score    int    `json:"score"`
	Load     int64  `json:"load"`
	Failures int    `json:"consecutive_failures"`
}

type PolicyRequest struct {
	Policy string `json:"policy"`
}

type SessionRequest struct {
	User string `json:"user"`
}

// ShareRequest grants User access to a file on behalf of its Owner.
type ShareRequest struct {
	Owner string `json:"owner"`
	User  string `json:"user"`
	Write bool   `json:"write"`
}

// CapacityResponse is served by the storage agent at /v0/capacity.
type CapacityResponse struct {
	Root      string `json:"root"`
	Exists    bool   `json:"exists"`
	Writable  bool   `json:"writable"`
	FreeBytes uint64 `json:"free_bytes"`
}
