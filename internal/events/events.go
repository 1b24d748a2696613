// Package events is the progress stream the backup core produces for its
// surrounding collaborators (CLI, daemon, UI): a lazy sequence of
// task-state and task-progress records, fanned out to every subscriber's
// buffered channel. Delivery is best-effort: a record that finds a
// subscriber's buffer full is dropped for that subscriber and not
// redelivered. Consumers fold records idempotently by task id; new fields
// may be added to a record over time, but existing fields are never
// removed or renamed.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/IvanLi-CN/televy-backup/internal/errs"
)

// Kind names the operation a task record describes.
type Kind string

const (
	KindBackup  Kind = "backup"
	KindRestore Kind = "restore"
	KindVerify  Kind = "verify"
)

// State is a task's lifecycle state.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Phase names the pipeline phase a progress record belongs to.
type Phase string

const (
	PhaseScan     Phase = "scan"
	PhaseUpload   Phase = "upload"
	PhaseIndex    Phase = "index"
	PhaseFinalize Phase = "finalize"
)

// ErrorInfo carries a failed task's stable code and message. It never
// contains key material, tokens, or session blobs.
type ErrorInfo struct {
	Code    errs.Code `json:"code"`
	Message string    `json:"message"`
}

// TaskState is one task.state record.
type TaskState struct {
	TaskID    string     `json:"task_id"`
	Kind      Kind       `json:"kind"`
	State     State      `json:"state"`
	Timestamp time.Time  `json:"timestamp"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

// TaskProgress is one task.progress record. Counter fields are
// cumulative for the task, so consumers can fold records in any order by
// keeping the maximum seen per field.
type TaskProgress struct {
	TaskID        string    `json:"task_id"`
	Phase         Phase     `json:"phase"`
	Timestamp     time.Time `json:"timestamp"`
	FilesTotal    int64     `json:"files_total,omitempty"`
	FilesDone     int64     `json:"files_done,omitempty"`
	ChunksTotal   int64     `json:"chunks_total,omitempty"`
	ChunksDone    int64     `json:"chunks_done,omitempty"`
	BytesRead     int64     `json:"bytes_read,omitempty"`
	BytesUploaded int64     `json:"bytes_uploaded,omitempty"`
	BytesDeduped  int64     `json:"bytes_deduped,omitempty"`
}

// Record is either a *TaskState or a *TaskProgress.
type Record interface{ isRecord() }

func (*TaskState) isRecord()    {}
func (*TaskProgress) isRecord() {}

// Subscription is one consumer's buffered view of the stream. Records
// arrive on Channel until Unsubscribe closes it.
type Subscription struct {
	ID      string
	Channel chan Record
}

// Publisher fans records out to every subscriber. When a slow consumer's
// buffer is full, the new record is dropped for that subscriber only,
// never for the others, and the records already buffered are kept;
// since counters are cumulative a later record carries the same
// information forward.
type Publisher struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	bufferSize    int
}

// NewPublisher builds a Publisher whose subscriber channels buffer
// bufferSize records each.
func NewPublisher(bufferSize int) *Publisher {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Publisher{
		subscriptions: make(map[string]*Subscription),
		bufferSize:    bufferSize,
	}
}

// Subscribe registers a new consumer.
func (p *Publisher) Subscribe() *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub := &Subscription{
		ID:      uuid.NewString(),
		Channel: make(chan Record, p.bufferSize),
	}
	p.subscriptions[sub.ID] = sub
	return sub
}

// Unsubscribe removes a consumer and closes its channel.
func (p *Publisher) Unsubscribe(subscriptionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub, exists := p.subscriptions[subscriptionID]; exists {
		close(sub.Channel)
		delete(p.subscriptions, subscriptionID)
	}
}

// Publish delivers rec to every subscriber, non-blocking: a full
// subscriber buffer drops the record for that subscriber rather than
// stalling the pipeline.
func (p *Publisher) Publish(rec Record) {
	if p == nil {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, sub := range p.subscriptions {
		select {
		case sub.Channel <- rec:
		default:
		}
	}
}

// PublishState emits a task.state record.
func (p *Publisher) PublishState(taskID string, kind Kind, state State, taskErr error) {
	if p == nil {
		return
	}
	rec := &TaskState{TaskID: taskID, Kind: kind, State: state, Timestamp: time.Now()}
	if taskErr != nil {
		info := ErrorInfo{Message: taskErr.Error()}
		if code, ok := errs.CodeOf(taskErr); ok {
			info.Code = code
		}
		rec.Error = &info
	}
	p.Publish(rec)
}

// PublishProgress emits a task.progress record.
func (p *Publisher) PublishProgress(taskID string, phase Phase, progress TaskProgress) {
	if p == nil {
		return
	}
	progress.TaskID = taskID
	progress.Phase = phase
	progress.Timestamp = time.Now()
	p.Publish(&progress)
}
