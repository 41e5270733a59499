package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerRegister posts every record of a batch of documents.
	TaskLedgerRegister = "ledger:register"
	// TaskLedgerUnregister removes the postings of a batch of documents.
	TaskLedgerUnregister = "ledger:unregister"
	// TaskStockReset flushes the on-hand cache.
	TaskStockReset = "ledger:stock_reset"
)

// PostingPayload lists the documents of a register/unregister batch.
type PostingPayload struct {
	DocumentIDs []int64   `json:"document_ids"`
	RequestedAt time.Time `json:"requested_at"`
}

// StockResetPayload carries scheduling metadata.
type StockResetPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// postingTaskType maps a batch operation name to its task type.
func postingTaskType(op string) (string, error) {
	switch op {
	case "register":
		return TaskLedgerRegister, nil
	case "unregister":
		return TaskLedgerUnregister, nil
	default:
		return "", fmt.Errorf("jobs: unknown posting operation %q", op)
	}
}

// NewPostingTask constructs a register or unregister batch task.
func NewPostingTask(op string, documentIDs []int64, at time.Time) (*asynq.Task, error) {
	taskType, err := postingTaskType(op)
	if err != nil {
		return nil, err
	}
	if len(documentIDs) == 0 {
		return nil, fmt.Errorf("jobs: %s batch without documents", op)
	}
	body, err := json.Marshal(PostingPayload{DocumentIDs: documentIDs, RequestedAt: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, body,
		asynq.Queue(QueueDefault),
		asynq.TaskID(uuid.NewString()),
		asynq.MaxRetry(3),
		asynq.Timeout(10*time.Minute),
	), nil
}

// NewStockResetTask constructs a cache flush task.
func NewStockResetTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(StockResetPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockReset, body, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}
